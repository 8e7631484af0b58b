// Package target implements target units: synchronization points that
// group other units. Their default dependencies are added by the unit
// manager's target dependency queue.
package target

import (
	"syscall"

	"github.com/loykin/unitd/internal/reli"
	"github.com/loykin/unitd/internal/store"
	"github.com/loykin/unitd/internal/unit"
	"github.com/loykin/unitd/internal/unitfile"
)

// TableMng holds the target states.
const TableMng = "tgtmng"

// State is the target sub state.
type State int

const (
	Dead State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "dead"
}

func (s State) ActiveState() unit.ActiveState {
	if s == Active {
		return unit.StateActive
	}
	return unit.StateInactive
}

// Manager is the target type manager.
type Manager struct {
	reli.NopStation
	mng *store.KV[string, State]
}

// Factory builds the target manager.
func Factory(um unit.UmIf) (unit.SubManager, error) {
	m := &Manager{mng: store.NewKV[string, State](TableMng)}
	um.Reli().HistoryRegister(TableMng, m.mng)
	return m, nil
}

func (m *Manager) NewSubUnit() unit.SubUnit { return &Target{m: m} }

// Target is the sub unit of a .target unit.
type Target struct {
	m     *Manager
	u     *unit.Unit
	state State
}

func (t *Target) Attach(u *unit.Unit)                  { t.u = u }
func (t *Target) Load(*unitfile.File) error            { return nil }
func (t *Target) CurrentActiveState() unit.ActiveState { return t.state.ActiveState() }
func (t *Target) SubState() string                     { return t.state.String() }

func (t *Target) Start() error {
	t.set(Active)
	return nil
}

func (t *Target) Stop(bool) error {
	t.set(Dead)
	return nil
}

func (t *Target) Reload() error  { return nil }
func (t *Target) Kill() error    { return nil }
func (t *Target) ResetFailed()   {}
func (t *Target) StartLimitHit() { t.set(Dead) }

func (t *Target) SigchldEvent(int, int, syscall.Signal) {}
func (t *Target) ReleaseResources()                     {}

func (t *Target) set(s State) {
	old := t.state
	t.state = s
	t.DbInsert()
	t.u.Notify(old.ActiveState(), s.ActiveState(), 0)
}

func (t *Target) DbMap(reload bool) error {
	if reload {
		return nil
	}
	if s, ok := t.m.mng.Get(t.u.ID()); ok {
		t.state = s
	}
	return nil
}

func (t *Target) DbInsert()         { t.m.mng.Insert(t.u.ID(), t.state) }
func (t *Target) RegisterEx() error { return nil }
