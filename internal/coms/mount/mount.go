// Package mount implements mount units. Mounts are not mounted by the
// manager; their state follows the kernel mount table.
package mount

import (
	"fmt"
	"syscall"

	"github.com/loykin/unitd/internal/unit"
	"github.com/loykin/unitd/internal/unitfile"
)

// State is the mount sub state.
type State int

const (
	Dead State = iota
	Mounted
)

func (s State) String() string {
	if s == Mounted {
		return "mounted"
	}
	return "dead"
}

// ActiveState maps the sub state.
func (s State) ActiveState() unit.ActiveState {
	if s == Mounted {
		return unit.StateActive
	}
	return unit.StateInactive
}

type section struct {
	What    string
	Where   string
	Type    string
	Options string
}

type mngRecord struct {
	State State `json:"state"`
	Point Point `json:"point"`
}

// Mount is the sub unit of a .mount unit.
type Mount struct {
	m     *Manager
	u     *unit.Unit
	state State
	point Point
}

func (mt *Mount) Attach(u *unit.Unit) { mt.u = u }

// FragmentOptional lets mounts found in the mount table load without a file.
func (mt *Mount) FragmentOptional() bool { return true }

func (mt *Mount) Load(f *unitfile.File) error {
	var s section
	if err := f.Decode("Mount", &s); err != nil {
		return err
	}
	if s.Where != "" && UnitName(s.Where) != mt.u.ID() {
		return fmt.Errorf("%s: Where=%s does not match the unit name", mt.u.ID(), s.Where)
	}
	if mt.point.Where == "" {
		mt.point = Point{Where: s.Where, What: s.What, FSType: s.Type, Options: s.Options}
	}
	return nil
}

func (mt *Mount) CurrentActiveState() unit.ActiveState { return mt.state.ActiveState() }
func (mt *Mount) SubState() string                     { return mt.state.String() }

// Point returns the last known mount table entry.
func (mt *Mount) Point() Point { return mt.point }

// Start only confirms a mount that is already in the mount table.
func (mt *Mount) Start() error {
	p, ok := mt.m.last[mt.u.ID()]
	if !ok {
		return fmt.Errorf("%s is not mounted: %w", mt.u.ID(), unit.ErrBadState)
	}
	mt.point = p
	mt.enterMounted(true)
	return nil
}

// Stop forgets the mount; nothing is unmounted.
func (mt *Mount) Stop(bool) error {
	mt.enterDead(true)
	return nil
}

func (mt *Mount) Reload() error { return nil }
func (mt *Mount) Kill() error   { return nil }
func (mt *Mount) ResetFailed()  {}

func (mt *Mount) StartLimitHit() { mt.enterDead(true) }

func (mt *Mount) SigchldEvent(int, int, syscall.Signal) {}
func (mt *Mount) ReleaseResources()                     {}

func (mt *Mount) enterDead(notify bool)    { mt.setState(Dead, notify) }
func (mt *Mount) enterMounted(notify bool) { mt.setState(Mounted, notify) }

func (mt *Mount) setState(s State, notify bool) {
	old := mt.state
	mt.state = s
	mt.DbInsert()
	if notify {
		mt.u.Notify(old.ActiveState(), s.ActiveState(), 0)
	}
}

func (mt *Mount) DbMap(reload bool) error {
	if reload {
		return nil
	}
	if rec, ok := mt.m.mng.Get(mt.u.ID()); ok {
		mt.state = rec.State
		mt.point = rec.Point
	}
	return nil
}

func (mt *Mount) DbInsert() {
	mt.m.mng.Insert(mt.u.ID(), mngRecord{State: mt.state, Point: mt.point})
}

func (mt *Mount) RegisterEx() error { return nil }
