package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/unitd/internal/history"
)

func TestRecentNewestFirst(t *testing.T) {
	sink, err := New("sqlite://" + filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	base := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	steps := []history.Event{
		{Type: history.EventChanged, OccurredAt: base, Unit: "web.service", UnitType: "service", From: "inactive", To: "activating", SubState: "start"},
		{Type: history.EventActivated, OccurredAt: base.Add(time.Second), Unit: "web.service", UnitType: "service", From: "activating", To: "active", SubState: "running", Pids: []int{301}},
		{Type: history.EventActivated, OccurredAt: base, Unit: "data.mount", UnitType: "mount", From: "inactive", To: "active"},
	}
	for _, e := range steps {
		require.NoError(t, sink.Send(ctx, e))
	}

	got, err := sink.Recent(ctx, "web.service", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, steps[1], got[0])
	assert.Equal(t, steps[0], got[1])

	got, err = sink.Recent(ctx, "web.service", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = sink.Recent(ctx, "nope.service", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReopenKeepsEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	sink, err := New(path)
	require.NoError(t, err)
	require.NoError(t, sink.Send(context.Background(), history.Event{Type: history.EventFailed, OccurredAt: time.Now(), Unit: "x.mount", UnitType: "mount", From: "active", To: "failed"}))
	require.NoError(t, sink.Close())

	sink, err = New("SQLITE://" + path)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	got, err := sink.Recent(context.Background(), "x.mount", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, history.EventFailed, got[0].Type)
}

func TestEmptyDSN(t *testing.T) {
	for _, dsn := range []string{"", "  ", "sqlite://"} {
		_, err := New(dsn)
		assert.Error(t, err, dsn)
	}
}
