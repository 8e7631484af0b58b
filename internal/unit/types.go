package unit

import (
	"fmt"
	"strings"
)

// Type is the unit type, derived from the unit name suffix.
type Type int

const (
	TypeService Type = iota
	TypeSocket
	TypeMount
	TypeTarget
	typeMax
)

var typeNames = [...]string{"service", "socket", "mount", "target"}

func (t Type) String() string {
	if t >= 0 && t < typeMax {
		return typeNames[t]
	}
	return "invalid"
}

// Types returns every unit type in a stable order.
func Types() []Type {
	return []Type{TypeService, TypeSocket, TypeMount, TypeTarget}
}

// TypeFromName returns the type of a unit named like "web.service".
func TypeFromName(name string) (Type, error) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 || i == len(name)-1 {
		return typeMax, fmt.Errorf("invalid unit name %q", name)
	}
	suffix := name[i+1:]
	for t, n := range typeNames {
		if n == suffix {
			return Type(t), nil
		}
	}
	return typeMax, fmt.Errorf("unknown unit type %q in %q", suffix, name)
}

// LoadState tracks configuration loading.
type LoadState int

const (
	LoadStub LoadState = iota
	LoadLoading
	LoadLoaded
	LoadNotFound
	LoadError
	LoadMerged
)

func (s LoadState) String() string {
	switch s {
	case LoadStub:
		return "stub"
	case LoadLoading:
		return "loading"
	case LoadLoaded:
		return "loaded"
	case LoadNotFound:
		return "not-found"
	case LoadError:
		return "error"
	case LoadMerged:
		return "merged"
	default:
		return "invalid"
	}
}

// ActiveState is the type independent projection of a unit's sub state.
type ActiveState int

const (
	StateInactive ActiveState = iota
	StateActivating
	StateActive
	StateDeactivating
	StateFailed
)

func (s ActiveState) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateDeactivating:
		return "deactivating"
	case StateFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// IsActiveOrActivating reports Active or Activating.
func (s ActiveState) IsActiveOrActivating() bool {
	return s == StateActive || s == StateActivating
}

// IsInactiveOrFailed reports Inactive or Failed.
func (s ActiveState) IsInactiveOrFailed() bool {
	return s == StateInactive || s == StateFailed
}

// IsInactiveOrDeactivating reports Inactive, Failed or Deactivating.
func (s ActiveState) IsInactiveOrDeactivating() bool {
	return s == StateInactive || s == StateFailed || s == StateDeactivating
}

// NotifyFlags qualify a state change reported by a sub unit.
type NotifyFlags uint8

const (
	// NotifyWillAutoRestart: the unit is going down but will be started
	// again by its own restart logic, dependents are left alone.
	NotifyWillAutoRestart NotifyFlags = 1 << iota
	// NotifyReloadFailure: a reload attempt failed.
	NotifyReloadFailure
	// NotifySuccess: the unit went inactive after finishing its work, e.g. a
	// oneshot service whose process exited cleanly.
	NotifySuccess
)

// PPS is the set of asynchronous queues a unit is a member of. It is
// persisted so that queue membership survives a crash.
type PPS uint8

const (
	PPSQueueLoad PPS = 1 << iota
	PPSQueueTargetDeps
)

// Has reports whether every bit of q is set.
func (p PPS) Has(q PPS) bool { return p&q == q }

// Queue sub tags carried in a FrameQueue marker.
const (
	QueueLoad uint32 = iota
	QueueTargetDeps
)
