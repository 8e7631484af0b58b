package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/unitd/internal/auth"
	"github.com/loykin/unitd/internal/config"
	"github.com/loykin/unitd/internal/manager"
	"github.com/loykin/unitd/internal/reli"
	"github.com/loykin/unitd/internal/server"
)

type backend struct{ units []manager.UnitStatus }

func (b backend) Units(context.Context) ([]manager.UnitStatus, error) { return b.units, nil }

func (b backend) Unit(_ context.Context, id string) (manager.UnitStatus, error) {
	for _, u := range b.units {
		if u.ID == id {
			return u, nil
		}
	}
	return manager.UnitStatus{ID: id, Load: "not-found"}, nil
}

func (b backend) Reliability(context.Context) (reli.Status, error) {
	return reli.Status{Home: "/run/unitd", Generation: "a", Tables: []string{"svcmng"}}, nil
}

var units = []manager.UnitStatus{
	{ID: "db.service", Type: "service", Load: "loaded", Active: "active", Sub: "running", Pids: []int{7},
		Deps: map[string][]string{"Wants": {"log.socket"}}},
	{ID: "log.socket", Type: "socket", Load: "loaded", Active: "active", Sub: "listening"},
}

func daemon(t *testing.T, a *auth.Authenticator) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	srv := httptest.NewServer(server.NewRouter(backend{units: units}, "/api").WithAuth(a).Handler())
	t.Cleanup(srv.Close)
	return srv.URL + "/api"
}

func TestNewDefaults(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/api", c.baseURL)
	assert.Equal(t, 10*time.Second, c.client.Timeout)

	_, err = New(Config{CACert: "/definitely/not/there.pem"})
	assert.Error(t, err)
}

func TestQueries(t *testing.T) {
	ctx := context.Background()
	c, err := New(Config{BaseURL: daemon(t, nil), Timeout: time.Second})
	require.NoError(t, err)
	assert.True(t, c.IsReachable(ctx))

	all, err := c.Units(ctx, UnitQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	socks, err := c.Units(ctx, UnitQuery{Type: "socket"})
	require.NoError(t, err)
	require.Len(t, socks, 1)
	assert.Equal(t, "listening", socks[0].Sub)

	u, err := c.Unit(ctx, "db.service")
	require.NoError(t, err)
	assert.Equal(t, []int{7}, u.Pids)
	assert.Equal(t, []string{"log.socket"}, u.Deps["Wants"])

	_, err = c.Unit(ctx, "ghost.service")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.Unit(ctx, "../etc")
	assert.Error(t, err)

	rs, err := c.Reliability(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", rs.Generation)
	assert.Equal(t, []string{"svcmng"}, rs.Tables)
}

func TestCredentials(t *testing.T) {
	ctx := context.Background()
	a, err := auth.New(config.AuthConfig{Enabled: true, JWTSecret: "k"})
	require.NoError(t, err)
	base := daemon(t, a)

	anon, err := New(Config{BaseURL: base})
	require.NoError(t, err)
	assert.False(t, anon.IsReachable(ctx))
	_, err = anon.Units(ctx, UnitQuery{})
	assert.Error(t, err)

	tok, _, err := a.Issue("client-test")
	require.NoError(t, err)
	c, err := New(Config{BaseURL: base, Token: tok})
	require.NoError(t, err)
	assert.True(t, c.IsReachable(ctx))
}

func TestUnreachable(t *testing.T) {
	c, err := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	assert.False(t, c.IsReachable(context.Background()))

	notFound := httptest.NewServer(http.NotFoundHandler())
	defer notFound.Close()
	c, err = New(Config{BaseURL: notFound.URL})
	require.NoError(t, err)
	assert.False(t, c.IsReachable(context.Background()))
}
