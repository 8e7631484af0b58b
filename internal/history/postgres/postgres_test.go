package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/unitd/internal/history"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("needs docker")
	}
	ctx := context.Background()
	c, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("unitd"),
		tcpostgres.WithUsername("unitd"),
		tcpostgres.WithPassword("unitd"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func TestSendAndRecent(t *testing.T) {
	sink, err := New(startPostgres(t))
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Send(ctx, history.Event{
		Type: history.EventActivated, OccurredAt: base, Unit: "web.service", UnitType: "service",
		From: "activating", To: "active", SubState: "running", Pids: []int{4100, 4101},
	}))
	require.NoError(t, sink.Send(ctx, history.Event{
		Type: history.EventFailed, OccurredAt: base.Add(time.Minute), Unit: "web.service", UnitType: "service",
		From: "active", To: "failed", SubState: "failed",
	}))
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventActivated, OccurredAt: base, Unit: "other.service", UnitType: "service", From: "inactive", To: "active"}))

	got, err := sink.Recent(ctx, "web.service", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, history.EventFailed, got[0].Type)
	assert.Empty(t, got[0].Pids)
	assert.Equal(t, []int{4100, 4101}, got[1].Pids)
	assert.True(t, base.Equal(got[1].OccurredAt))

	got, err = sink.Recent(ctx, "web.service", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestNewRejectsBadDSN(t *testing.T) {
	_, err := New("   ")
	assert.Error(t, err)
	_, err = New("postgres://unitd@127.0.0.1:1/none?connect_timeout=1")
	assert.Error(t, err)
}
