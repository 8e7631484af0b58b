package unit

import (
	"fmt"
	"syscall"

	"github.com/loykin/unitd/internal/event"
	"github.com/loykin/unitd/internal/reli"
	"github.com/loykin/unitd/internal/unitfile"
)

// SubUnit is the type specific half of a unit. The core owns the generic
// state (load state, dependencies, queues, jobs, start limit); the sub unit
// owns the detailed sub state and maps it to an ActiveState.
//
// Sub units report every change of their active state through Unit.Notify.
type SubUnit interface {
	// Attach hands the sub unit its owning unit, once, right after creation.
	Attach(u *Unit)
	// Load decodes the type section of the unit file.
	Load(f *unitfile.File) error
	CurrentActiveState() ActiveState
	SubState() string

	Start() error
	Stop(force bool) error
	Reload() error
	Kill() error
	ResetFailed()
	// StartLimitHit drives the sub unit into its failed state after the core
	// refused a start.
	StartLimitHit()

	// SigchldEvent reports the exit of a pid watched by this unit.
	SigchldEvent(pid int, code int, sig syscall.Signal)
	ReleaseResources()

	// DbMap restores the sub unit's fields from its own tables; with reload
	// the in-memory state is authoritative and is written instead.
	DbMap(reload bool) error
	DbInsert()
	// RegisterEx re-arms external sources for restored state, once, after
	// recovery.
	RegisterEx() error
}

// FragmentOptional is implemented by sub units that can load without a unit
// file, e.g. mounts discovered from the kernel mount table.
type FragmentOptional interface {
	FragmentOptional() bool
}

// TriggerNotifier is implemented by sub units that trigger others (sockets)
// and need to hear about state changes of the triggered unit.
type TriggerNotifier interface {
	TriggerNotify(other *Unit)
}

// UmIf is what unit type managers may call on the unit manager.
type UmIf interface {
	Reli() *reli.Reliability
	Events() *event.Events
	Unit(id string) (*Unit, bool)
	UnitsOfType(t Type) []*Unit
	// PrepareUnit returns the unit, creating a stub if needed, without loading it.
	PrepareUnit(id string) (*Unit, error)
	// LoadUnit returns the unit, loading it synchronously if needed.
	LoadUnit(id string) (*Unit, error)
	StartUnit(id string) error
	StopUnit(id string, force bool) error
	SigChld(pid int, code int, sig syscall.Signal)
}

// SubManager is the per type manager. It is a Level1 recovery station and
// the factory of the type's sub units.
type SubManager interface {
	reli.Station
	NewSubUnit() SubUnit
}

// Factory builds a type manager bound to the unit manager.
type Factory func(um UmIf) (SubManager, error)

// Registry maps unit types to their factories. It is built once at start-up.
type Registry struct {
	f map[Type]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{f: make(map[Type]Factory)} }

// Register adds the factory for t; registering a type twice is an error.
func (r *Registry) Register(t Type, f Factory) error {
	if t < 0 || t >= typeMax {
		return fmt.Errorf("register: invalid unit type %d", t)
	}
	if _, ok := r.f[t]; ok {
		return fmt.Errorf("register: unit type %s already registered", t)
	}
	r.f[t] = f
	return nil
}

// Lookup returns the factory for t.
func (r *Registry) Lookup(t Type) (Factory, bool) {
	f, ok := r.f[t]
	return f, ok
}
