package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/unitd/internal/auth"
	"github.com/loykin/unitd/internal/manager"
	"github.com/loykin/unitd/internal/metrics"
	"github.com/loykin/unitd/internal/reli"
)

// Backend answers status queries; *manager.Manager is the real one.
type Backend interface {
	Units(ctx context.Context) ([]manager.UnitStatus, error)
	Unit(ctx context.Context, id string) (manager.UnitStatus, error)
	Reliability(ctx context.Context) (reli.Status, error)
}

// Router provides read-only status endpoints:
//
//	GET {basePath}/units         query: type=service, active=failed (both optional)
//	GET {basePath}/units/:id
//	GET {basePath}/reliability
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	b        Backend
	basePath string
	timeout  time.Duration
	auth     *auth.Authenticator
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(b Backend, basePath string) *Router {
	return &Router{b: b, basePath: cleanBase(basePath), timeout: 5 * time.Second}
}

// WithAuth requires authentication on every route; nil leaves them open.
func (r *Router) WithAuth(a *auth.Authenticator) *Router {
	r.auth = a
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	if r.auth != nil {
		group.Use(r.auth.Middleware())
	}
	group.GET("/units", r.handleUnits)
	group.GET("/units/:id", r.handleUnit)
	group.GET("/reliability", r.handleReliability)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router. A
// non-nil tc serves https, a non-nil a requires credentials.
func NewServer(addr, basePath string, b Backend, tc *tls.Config, a *auth.Authenticator) *http.Server {
	r := NewRouter(b, basePath).WithAuth(a)
	return serve(addr, r.Handler(), tc)
}

// NewMetricsServer serves /metrics on addr.
func NewMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return serve(addr, mux, nil)
}

func serve(addr string, h http.Handler, tc *tls.Config) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		TLSConfig:         tc,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		var err error
		if tc != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server stopped", "addr", addr, "err", err)
		}
	}()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

func (r *Router) ctx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), r.timeout)
}

func (r *Router) handleUnits(c *gin.Context) {
	ctx, cancel := r.ctx(c)
	defer cancel()
	all, err := r.b.Units(ctx)
	if err != nil {
		unavailable(c, err)
		return
	}
	typ := c.Query("type")
	active := c.Query("active")
	out := make([]manager.UnitStatus, 0, len(all))
	for _, u := range all {
		if (typ == "" || u.Type == typ) && (active == "" || u.Active == active) {
			out = append(out, u)
		}
	}
	c.JSON(http.StatusOK, out)
}

func (r *Router) handleUnit(c *gin.Context) {
	id := c.Param("id")
	if !validUnitName(id) {
		abort(c, http.StatusBadRequest, "invalid unit name: allowed [A-Za-z0-9@:._-] and a type suffix")
		return
	}
	ctx, cancel := r.ctx(c)
	defer cancel()
	st, err := r.b.Unit(ctx, id)
	if err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	if st.Load == "not-found" {
		abort(c, http.StatusNotFound, "unit "+id+" not found")
		return
	}
	c.JSON(http.StatusOK, st)
}

func (r *Router) handleReliability(c *gin.Context) {
	ctx, cancel := r.ctx(c)
	defer cancel()
	st, err := r.b.Reliability(ctx)
	if err != nil {
		unavailable(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}
