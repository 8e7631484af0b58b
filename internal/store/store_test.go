package store

import (
	"context"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rec struct {
	State string `json:"state"`
	PID   int    `json:"pid"`
}

func openTemp(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), DataFile))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func commit(t *testing.T, db *DB, fn func(tx *Txn) error) {
	t.Helper()
	tx, err := db.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, fn(tx))
	require.NoError(t, tx.Commit())
}

func TestKVExportImport(t *testing.T) {
	db := openTemp(t)
	tbl := NewKV[string, rec]("svcmng")
	tbl.Insert("a.service", rec{State: "running", PID: 10})
	tbl.Insert("b.service", rec{State: "dead"})
	assert.True(t, tbl.Dirty())

	commit(t, db, tbl.Export)
	assert.False(t, tbl.Dirty())

	other := NewKV[string, rec]("svcmng")
	require.NoError(t, other.Import(db))
	got, ok := other.Get("a.service")
	require.True(t, ok)
	assert.Equal(t, rec{State: "running", PID: 10}, got)

	tbl.Remove("b.service")
	commit(t, db, tbl.Export)
	require.NoError(t, other.Import(db))
	assert.False(t, other.Contains("b.service"))
	assert.Equal(t, 1, other.Len())
}

func TestKVNonStringKeys(t *testing.T) {
	db := openTemp(t)
	frame := NewKV[uint32, string]("sockm-frame")
	frame.Insert(0, "listen")
	commit(t, db, frame.Export)

	again := NewKV[uint32, string]("sockm-frame")
	require.NoError(t, again.Import(db))
	v, ok := again.Get(0)
	require.True(t, ok)
	assert.Equal(t, "listen", v)
}

func TestKVFlushBufferReplacesContent(t *testing.T) {
	db := openTemp(t)
	tbl := NewKV[string, int]("pps")
	tbl.Insert("stale", 1)
	tbl.Insert("kept", 2)
	commit(t, db, tbl.Export)

	tbl.SwitchSet(SwitchBuffer)
	tbl.Insert("kept", 3)
	tbl.Insert("new", 4)
	commit(t, db, func(tx *Txn) error { return tbl.Flush(tx, true) })
	tbl.SwitchSet(SwitchCache)

	keys := tbl.Keys()
	sort.Strings(keys)
	assert.Equal(t, []string{"kept", "new"}, keys)

	reread := NewKV[string, int]("pps")
	require.NoError(t, reread.Import(db))
	keys = reread.Keys()
	sort.Strings(keys)
	assert.Equal(t, []string{"kept", "new"}, keys)
	v, _ := reread.Get("kept")
	assert.Equal(t, 3, v)
}

func TestKVSwitchBufferStartsEmpty(t *testing.T) {
	tbl := NewKV[string, int]("t")
	tbl.SwitchSet(SwitchBuffer)
	tbl.Insert("x", 1)
	tbl.SwitchSet(SwitchCache)
	tbl.SwitchSet(SwitchBuffer)
	assert.Empty(t, tbl.buffer)
	// cache keeps the live view across switches
	assert.True(t, tbl.Contains("x"))
}

func TestKVClear(t *testing.T) {
	db := openTemp(t)
	tbl := NewKV[string, int]("t")
	tbl.Insert("x", 1)
	commit(t, db, tbl.Export)
	commit(t, db, tbl.Clear)
	assert.Equal(t, 0, tbl.Len())

	tables, err := db.Tables(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tables)
}

func TestRollbackLeavesDurableTierUntouched(t *testing.T) {
	db := openTemp(t)
	tbl := NewKV[string, int]("t")
	tbl.Insert("x", 1)
	commit(t, db, tbl.Export)

	tx, err := db.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Clear("t"))
	require.NoError(t, tx.Rollback())

	_, ok, err := db.Get(context.Background(), "t", "x")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOpenReadOnlyMissing(t *testing.T) {
	_, err := OpenReadOnly(filepath.Join(t.TempDir(), "absent.db"))
	assert.Error(t, err)
}
