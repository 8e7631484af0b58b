package reli

import (
	"errors"
	"fmt"
	"maps"
	"math/rand"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/unitd/internal/store"
)

// errStop is the panic value standing in for the manager being killed.
var errStop = errors.New("abrupt stop")

// stopped runs fn and reports whether it was cut short by errStop.
func stopped(fn func()) (hit bool) {
	defer func() {
		if v := recover(); v != nil {
			if v != errStop {
				panic(v)
			}
			hit = true
		}
	}()
	fn()
	return false
}

// liveStation keeps the authoritative rows in memory and writes them back on
// DbInsert. With stopAfter >= 0 it stops after that many inserts, or after
// the last one when there are fewer.
type liveStation struct {
	NopStation
	tbl       *store.KV[string, string]
	live      map[string]string
	stopAfter int
}

func (s *liveStation) DbMap(reload bool) error {
	if reload {
		return nil
	}
	s.live = make(map[string]string)
	for _, k := range s.tbl.Keys() {
		s.live[k], _ = s.tbl.Get(k)
	}
	return nil
}

func (s *liveStation) DbInsert() {
	n := 0
	for _, k := range slices.Sorted(maps.Keys(s.live)) {
		if n == s.stopAfter {
			panic(errStop)
		}
		s.tbl.Insert(k, s.live[k])
		n++
	}
	if s.stopAfter >= 0 {
		panic(errStop)
	}
}

// tripTable stops inside a generation rewrite when armed. It is registered
// after the data table, so the rewrite is already half written.
type tripTable struct {
	*store.KV[string, string]
	armed *bool
}

func (t tripTable) Flush(tx *store.Txn, buffer bool) error {
	if *t.armed {
		panic(errStop)
	}
	return t.KV.Flush(tx, buffer)
}

// durableRows reopens home and returns the rows of table and the current
// generation.
func durableRows(t *testing.T, home, table string) (map[string]string, string) {
	t.Helper()
	r, err := New(Config{Home: home})
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	tbl := store.NewKV[string, string](table)
	r.HistoryRegister(table, tbl)
	require.NoError(t, r.History().Import())
	out := make(map[string]string)
	for _, k := range tbl.Keys() {
		out[k], _ = tbl.Get(k)
	}
	return out, r.Generation()
}

func TestReloadStopKeepsCommittedGeneration(t *testing.T) {
	for after := 0; after <= 2; after++ {
		t.Run(fmt.Sprintf("after_%d_inserts", after), func(t *testing.T) {
			home := t.TempDir()
			r, err := New(Config{Home: home})
			require.NoError(t, err)
			tbl := store.NewKV[string, string]("unit-base")
			r.HistoryRegister("unit-base", tbl)
			tbl.Insert("a.service", "service")
			tbl.Insert("b.service", "service")
			r.Commit()
			gen := r.Generation()

			st := &liveStation{
				tbl:       tbl,
				live:      map[string]string{"a.service": "service", "b.service": "service"},
				stopAfter: after,
			}
			require.NoError(t, r.StationRegister("units", Level2, st))
			require.True(t, stopped(func() { r.Recover(true) }))
			require.NoError(t, r.Close())

			rows, g := durableRows(t, home, "unit-base")
			assert.Equal(t, gen, g)
			assert.Equal(t, map[string]string{"a.service": "service", "b.service": "service"}, rows)
		})
	}
}

func TestReloadRewritesLiveState(t *testing.T) {
	home := t.TempDir()
	r, err := New(Config{Home: home})
	require.NoError(t, err)
	tbl := store.NewKV[string, string]("unit-base")
	r.HistoryRegister("unit-base", tbl)
	tbl.Insert("a.service", "service")
	tbl.Insert("gone.service", "service")
	r.Commit()

	st := &liveStation{tbl: tbl, live: map[string]string{"a.service": "service", "c.mount": "mount"}, stopAfter: -1}
	require.NoError(t, r.StationRegister("units", Level2, st))
	r.Recover(true)
	assert.Equal(t, SubDirB, r.Generation())
	require.NoError(t, r.Close())

	rows, _ := durableRows(t, home, "unit-base")
	assert.Equal(t, map[string]string{"a.service": "service", "c.mount": "mount"}, rows)
}

type crashOpKind int

const (
	opPut crashOpKind = iota
	opDel
	opSwitch
	opCommit
	opCompact
	opRecoverFresh
	opRecoverReload
	opKinds
)

type crashOp struct {
	kind crashOpKind
	key  string
	val  string
	sw   store.Switch
}

func (o crashOp) String() string {
	switch o.kind {
	case opPut:
		return "put " + o.key + "=" + o.val
	case opDel:
		return "del " + o.key
	case opSwitch:
		return "switch " + o.sw.String()
	case opCommit:
		return "commit"
	case opCompact:
		return "compact"
	case opRecoverFresh:
		return "recover"
	default:
		return "recover reload"
	}
}

func randomOps(rng *rand.Rand, n int) []crashOp {
	keys := []string{"a.service", "b.service", "c.mount", "d.socket"}
	ops := make([]crashOp, n)
	for i := range ops {
		ops[i] = crashOp{
			kind: crashOpKind(rng.Intn(int(opKinds))),
			key:  keys[rng.Intn(len(keys))],
			val:  fmt.Sprint(rng.Intn(100)),
			sw:   store.Switch(rng.Intn(3)),
		}
	}
	return ops
}

// crashRun drives one home through ops and stops abruptly at ops[stopAt]
// (inside it when it touches the disk). It returns the durable state before
// and after the interrupted operation.
func crashRun(t *testing.T, rng *rand.Rand, home string, ops []crashOp, stopAt int) (before, after map[string]string) {
	t.Helper()
	r, err := New(Config{Home: home})
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	armed := false
	tbl := store.NewKV[string, string]("rows")
	r.HistoryRegister("rows", tbl)
	r.HistoryRegister("trip", tripTable{store.NewKV[string, string]("trip"), &armed})
	st := &liveStation{tbl: tbl, live: make(map[string]string), stopAfter: -1}
	require.NoError(t, r.StationRegister("rows", Level2, st))

	durable := make(map[string]string)
	for i, op := range ops {
		last := i == stopAt
		if last {
			switch op.kind {
			case opCompact:
				armed = true
			case opRecoverFresh, opRecoverReload:
				if rng.Intn(2) == 0 {
					armed = true
				} else {
					st.stopAfter = rng.Intn(len(st.live) + 1)
				}
			default:
				return durable, durable
			}
		}
		var next map[string]string
		hit := stopped(func() {
			switch op.kind {
			case opPut:
				st.live[op.key] = op.val
				tbl.Insert(op.key, op.val)
			case opDel:
				delete(st.live, op.key)
				tbl.Remove(op.key)
			case opSwitch:
				r.History().SwitchSet(op.sw)
			case opCommit:
				r.Commit()
				durable = maps.Clone(st.live)
			case opCompact:
				next = maps.Clone(st.live)
				require.NoError(t, r.Compact())
				durable = next
			case opRecoverFresh:
				next = durable
				r.Recover(false)
				durable = maps.Clone(st.live)
			case opRecoverReload:
				next = maps.Clone(st.live)
				r.Recover(true)
				durable = maps.Clone(st.live)
			}
		})
		if last {
			require.True(t, hit, "%s did not stop", op)
			if next == nil {
				next = durable
			}
			return durable, next
		}
		require.False(t, hit)
		assert.Equal(t, st.live, liveRows(tbl), "after %s", op)
	}
	return durable, durable
}

func liveRows(tbl *store.KV[string, string]) map[string]string {
	out := make(map[string]string, tbl.Len())
	for _, k := range tbl.Keys() {
		out[k], _ = tbl.Get(k)
	}
	return out
}

func TestCrashAtomicityRandomized(t *testing.T) {
	const (
		seeds  = 8
		length = 10
	)
	for seed := int64(1); seed <= seeds; seed++ {
		ops := randomOps(rand.New(rand.NewSource(seed)), length)
		for stopAt := 0; stopAt <= len(ops); stopAt++ {
			rng := rand.New(rand.NewSource(seed*100 + int64(stopAt)))
			home := t.TempDir()
			before, after := crashRun(t, rng, home, ops, stopAt)

			got, _ := durableRows(t, home, "rows")
			if !assert.Contains(t, []map[string]string{before, after}, got) {
				t.Logf("seed=%d stop at %d of %v", seed, stopAt, ops)
			}
		}
	}
}
