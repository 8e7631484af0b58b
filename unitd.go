// Package unitd embeds the unit manager: a crash-consistent service manager
// that keeps its unit state in a double-buffered store and recovers it after
// its own restarts without disturbing running services.
package unitd

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/unitd/internal/auth"
	cfg "github.com/loykin/unitd/internal/config"
	"github.com/loykin/unitd/internal/history"
	"github.com/loykin/unitd/internal/history/factory"
	"github.com/loykin/unitd/internal/manager"
	"github.com/loykin/unitd/internal/metrics"
	"github.com/loykin/unitd/internal/reli"
	iapi "github.com/loykin/unitd/internal/server"
	itls "github.com/loykin/unitd/internal/tls"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type ServerConfig = cfg.ServerConfig

type UnitStatus = manager.UnitStatus

type ReliabilityStatus = reli.Status

// ErrNotRunning is returned by commands once Run has returned.
var ErrNotRunning = manager.ErrNotRunning

// Manager is a thin facade over internal/manager.Manager.
type Manager struct{ inner *manager.Manager }

func DefaultConfig() Config                     { return cfg.Default() }
func LoadConfig(path string) (Config, error)    { return cfg.Load(path) }
func LoadEnvFile(path string) ([]string, error) { return cfg.LoadEnvFile(path) }

// New opens the reliability home of c and prepares every unit type.
func New(c Config) (*Manager, error) {
	inner, err := manager.New(c)
	if err != nil {
		return nil, err
	}
	return &Manager{inner: inner}, nil
}

// Run drives the manager until ctx is done.
func (m *Manager) Run(ctx context.Context) error { return m.inner.Run(ctx) }
func (m *Manager) Close() error                  { return m.inner.Close() }

func (m *Manager) Start(ctx context.Context, id string) error {
	return m.inner.Do(ctx, manager.CtrlMsg{Type: manager.CtrlStart, Unit: id})
}
func (m *Manager) Stop(ctx context.Context, id string, force bool) error {
	return m.inner.Do(ctx, manager.CtrlMsg{Type: manager.CtrlStop, Unit: id, Force: force})
}
func (m *Manager) Restart(ctx context.Context, id string) error {
	return m.inner.Do(ctx, manager.CtrlMsg{Type: manager.CtrlRestart, Unit: id})
}
func (m *Manager) Reload(ctx context.Context, id string) error {
	return m.inner.Do(ctx, manager.CtrlMsg{Type: manager.CtrlReload, Unit: id})
}
func (m *Manager) Kill(ctx context.Context, id string) error {
	return m.inner.Do(ctx, manager.CtrlMsg{Type: manager.CtrlKill, Unit: id})
}
func (m *Manager) ResetFailed(ctx context.Context, id string) error {
	return m.inner.Do(ctx, manager.CtrlMsg{Type: manager.CtrlResetFailed, Unit: id})
}
func (m *Manager) DaemonReload(ctx context.Context) error { return m.inner.DaemonReload(ctx) }

func (m *Manager) Units(ctx context.Context) ([]UnitStatus, error) { return m.inner.Units(ctx) }
func (m *Manager) Unit(ctx context.Context, id string) (UnitStatus, error) {
	return m.inner.Unit(ctx, id)
}
func (m *Manager) Reliability(ctx context.Context) (ReliabilityStatus, error) {
	return m.inner.Reliability(ctx)
}

// Inspect reads a reliability home without taking its lock.
func Inspect(home string) (ReliabilityStatus, map[string]map[string][]byte, error) {
	return reli.Inspect(home)
}

// HistoryEvent is one recorded unit state transition.
type HistoryEvent = history.Event

// OpenHistory opens a history DSN for reading. Only sqlite and postgres
// sinks can be read back.
func OpenHistory(dsn string) (history.Reader, error) { return factory.NewReader(dsn) }

// NewHTTPServer starts the read-only status API for m on c.Listen, over
// https when c.TLS is enabled and behind credentials when c.Auth is.
func NewHTTPServer(c ServerConfig, m *Manager) (*http.Server, error) {
	tc, err := itls.Setup(c.TLS)
	if err != nil {
		return nil, err
	}
	a, err := auth.New(c.Auth)
	if err != nil {
		return nil, err
	}
	return iapi.NewServer(c.Listen, c.BasePath, m.inner, tc, a), nil
}

// HashPassword returns a bcrypt hash for a server.auth user entry.
func HashPassword(password string) (string, error) { return auth.HashPassword(password) }

// IssueToken signs a bearer token for subject with c's jwt_secret.
func IssueToken(c ServerConfig, subject string) (string, error) {
	ac := c.Auth
	ac.Enabled = true
	a, err := auth.New(ac)
	if err != nil {
		return "", err
	}
	tok, _, err := a.Issue(subject)
	return tok, err
}

// StatusHandler returns the status API as an embeddable handler.
func StatusHandler(basePath string, m *Manager) http.Handler {
	return iapi.NewRouter(m.inner, basePath).Handler()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }

// RegisterProcessMetrics registers per-unit memory, CPU, thread and fd
// gauges of m's running processes, sampled at scrape time.
func (m *Manager) RegisterProcessMetrics(r prometheus.Registerer) error {
	return r.Register(metrics.NewProcessCollector(func() map[string][]int {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		units, err := m.inner.Units(ctx)
		if err != nil {
			return nil
		}
		out := make(map[string][]int)
		for _, u := range units {
			if len(u.Pids) > 0 {
				out[u.ID] = u.Pids
			}
		}
		return out
	}))
}

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
func ServeMetrics(addr string) *http.Server { return iapi.NewMetricsServer(addr) }
