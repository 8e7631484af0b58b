// Package manager runs the unit manager on its event loop: it wires the
// reliability store, the reactor, the unit types and the ambient services
// (history, unit file watch, compaction) and exposes a goroutine-safe
// command surface.
package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/loykin/unitd/internal/coms"
	"github.com/loykin/unitd/internal/coms/mount"
	"github.com/loykin/unitd/internal/coms/service"
	"github.com/loykin/unitd/internal/config"
	"github.com/loykin/unitd/internal/env"
	"github.com/loykin/unitd/internal/event"
	"github.com/loykin/unitd/internal/history"
	"github.com/loykin/unitd/internal/history/factory"
	"github.com/loykin/unitd/internal/process"
	"github.com/loykin/unitd/internal/reli"
	"github.com/loykin/unitd/internal/unit"
	"github.com/loykin/unitd/internal/unitfile"
)

// ErrNotRunning is returned by commands once the loop has stopped.
var ErrNotRunning = errors.New("manager is not running")

const historyBuffer = 1024

// Manager owns one unit manager and the goroutine that drives it.
type Manager struct {
	cfg     config.Config
	rl      *reli.Reliability
	ev      *event.Events
	um      *unit.Manager
	lookup  *unitfile.Lookup
	spawner *process.Spawner
	rec     *history.Recorder

	watcher *unitfile.Watcher
	cron    *cron.Cron

	done     chan struct{}
	doneOnce sync.Once
	runOnce  sync.Once
}

// New opens the reliability home and builds every component. Nothing runs
// until Run.
func New(cfg config.Config) (*Manager, error) {
	genv, err := cfg.GlobalEnv()
	if err != nil {
		return nil, fmt.Errorf("global env: %w", err)
	}
	sinks, err := factory.NewSinks(cfg.HistoryDSNs())
	if err != nil {
		return nil, err
	}

	rl, err := reli.New(reli.Config{Home: cfg.Reliability.Home, LockTimeout: cfg.Reliability.LockTimeout})
	if err != nil {
		closeSinks(sinks)
		return nil, err
	}
	ev, err := event.New()
	if err != nil {
		closeSinks(sinks)
		_ = rl.Close()
		return nil, err
	}

	m := &Manager{
		cfg:    cfg,
		rl:     rl,
		ev:     ev,
		lookup: unitfile.NewLookup(cfg.Units.Paths),
		rec:    history.NewRecorder(historyBuffer, sinks...),
		done:   make(chan struct{}),
	}
	m.spawner = process.NewSpawner(env.FromList(genv), ev.Post, m.sigchld)

	reg := unit.NewRegistry()
	opts := coms.Options{
		Service:  service.Options{Spawner: m.spawner, Log: cfg.Log},
		Mount:    mount.Options{Snapshot: mount.ProcSnapshot(cfg.Mounts.Proc), WatchPath: cfg.Mounts.MountInfo},
		NoMounts: !cfg.Mounts.Enabled,
	}
	if err := coms.RegisterAll(reg, opts); err != nil {
		_ = m.close()
		return nil, err
	}
	m.um, err = unit.New(cfg.StartLimit(), rl, ev, m.lookup, reg)
	if err != nil {
		_ = m.close()
		return nil, err
	}
	m.um.AddObserver(m.record)
	return m, nil
}

func closeSinks(sinks []history.Sink) {
	for _, s := range sinks {
		if c, ok := s.(io.Closer); ok {
			_ = c.Close()
		}
	}
}

// sigchld runs on the loop, posted by the spawner.
func (m *Manager) sigchld(pid int, code int, sig syscall.Signal) {
	if m.um != nil {
		m.um.SigChld(pid, code, sig)
	}
}

func (m *Manager) record(tr unit.Transition) {
	var sub string
	var pids []int
	if u, ok := m.um.Unit(tr.Unit); ok {
		sub = u.SubState()
		pids = u.Pids()
	}
	m.rec.Record(history.FromTransition(tr, sub, pids))
}

// Run recovers once, enables compensation for the next start, starts the
// default unit and drives the loop until ctx is done. Managed processes are
// left running on return; the next Run adopts them.
func (m *Manager) Run(ctx context.Context) error {
	err := ErrNotRunning
	m.runOnce.Do(func() { err = m.run(ctx) })
	return err
}

func (m *Manager) run(ctx context.Context) error {
	defer m.shutdown()

	slog.Info("recovering", "home", m.rl.Home(), "generation", m.rl.Generation(), "enable", m.rl.Enable())
	if err := m.um.Recover(); err != nil {
		slog.Warn("recovery finished with errors", "err", err)
	}
	if err := m.rl.SetEnable(true); err != nil {
		return fmt.Errorf("enable reliability: %w", err)
	}

	if m.cfg.Units.Watch {
		w, err := unitfile.Watch(m.lookup, m.ev.Post, func(name string) { m.um.FileChanged(name) })
		if err != nil {
			slog.Warn("unit file watch disabled", "err", err)
		} else {
			m.watcher = w
		}
	}
	if err := m.startCompaction(); err != nil {
		return err
	}
	if def := m.cfg.Units.Default; def != "" {
		if _, err := m.lookup.Fragment(def); err == nil {
			if err := m.um.Start(def); err != nil {
				slog.Error("cannot start default unit", "unit", def, "err", err)
			}
		}
	}

	slog.Info("unit manager running", "units", len(m.um.Units()))
	return m.ev.Loop(ctx)
}

// startCompaction schedules Compact on the loop thread.
func (m *Manager) startCompaction() error {
	spec := m.cfg.Reliability.CompactSchedule
	if spec == "" {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		m.ev.Post(func() {
			if err := m.rl.Compact(); err != nil {
				slog.Error("compaction failed", "err", err)
				return
			}
			slog.Debug("compacted", "generation", m.rl.Generation())
		})
	}); err != nil {
		return fmt.Errorf("compact_schedule %q: %w", spec, err)
	}
	c.Start()
	m.cron = c
	return nil
}

func (m *Manager) shutdown() {
	m.doneOnce.Do(func() { close(m.done) })
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
	if m.watcher != nil {
		_ = m.watcher.Close()
	}
	m.rl.Commit()
	if err := m.close(); err != nil {
		slog.Warn("shutdown", "err", err)
	}
	slog.Info("unit manager stopped")
}

func (m *Manager) close() error {
	var errs []error
	if m.um != nil {
		errs = append(errs, m.um.Close())
	}
	errs = append(errs, m.rec.Close(), m.ev.Close(), m.rl.Close())
	return errors.Join(errs...)
}

// Close releases a manager whose Run was never called.
func (m *Manager) Close() error {
	ran := true
	m.runOnce.Do(func() { ran = false })
	if ran {
		return nil
	}
	m.doneOnce.Do(func() { close(m.done) })
	return m.close()
}

// Stopped is closed once the loop has returned.
func (m *Manager) Stopped() <-chan struct{} { return m.done }
