package main

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/loykin/unitd"
	"github.com/loykin/unitd/internal/server"
)

type fakeBackend struct{ units []unitd.UnitStatus }

func (f fakeBackend) Units(context.Context) ([]unitd.UnitStatus, error) { return f.units, nil }

func (f fakeBackend) Unit(_ context.Context, id string) (unitd.UnitStatus, error) {
	for _, u := range f.units {
		if u.ID == id {
			return u, nil
		}
	}
	return unitd.UnitStatus{ID: id, Load: "not-found"}, nil
}

func (f fakeBackend) Reliability(context.Context) (unitd.ReliabilityStatus, error) {
	return unitd.ReliabilityStatus{Home: "/run/unitd", Generation: "b"}, nil
}

var fakeUnits = []unitd.UnitStatus{
	{ID: "db.service", Type: "service", Load: "loaded", Active: "active", Sub: "running", Pids: []int{4242},
		Deps: map[string][]string{"After": {"network.target"}, "WantedBy": {"default.target"}}},
	{ID: "web.socket", Type: "socket", Load: "loaded", Active: "active", Sub: "listening"},
}

func newFakeDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	srv := httptest.NewServer(server.NewRouter(fakeBackend{units: fakeUnits}, "/api").Handler())
	t.Cleanup(srv.Close)
	return srv
}
