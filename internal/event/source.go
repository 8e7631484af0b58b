// Package event is the single threaded reactor the manager runs on. Sources
// are dispatched one at a time, in priority order (lower value first), on the
// goroutine calling Run or Loop. Only Post may be called from other goroutines.
package event

import (
	"errors"
	"time"
)

// Type is the kind of a source.
type Type int

const (
	// TypeIo sources are readiness driven file descriptors.
	TypeIo Type = iota
	// TypeTimer sources fire once their relative timeout elapses.
	TypeTimer
	// TypeDefer sources are dispatched on every iteration while enabled.
	TypeDefer
)

func (t Type) String() string {
	switch t {
	case TypeIo:
		return "io"
	case TypeTimer:
		return "timer"
	case TypeDefer:
		return "defer"
	default:
		return "unknown"
	}
}

// State controls whether a source is dispatched.
type State int

const (
	StateOff State = iota
	StateOn
	// StateOneShot sources are switched off right before their dispatch.
	StateOneShot
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "off"
	case StateOn:
		return "on"
	case StateOneShot:
		return "oneshot"
	default:
		return "unknown"
	}
}

var (
	ErrUnsupported   = errors.New("event loop is not supported on this platform")
	ErrUnknownSource = errors.New("source is not registered")
	ErrDuplicate     = errors.New("source is already registered")
)

// Source is something the reactor dispatches.
type Source interface {
	Type() Type
	Priority() int8
	Dispatch(e *Events) error
}

// TokenSource is a source that asks for a fixed token, so that it keeps its
// identity when it is deleted and registered again. Zero means "assign one".
type TokenSource interface {
	Source
	Token() uint32
}

// IoSource is a TypeIo source.
type IoSource interface {
	Source
	Fd() int
	// EpollEvents is the readiness mask, e.g. unix.EPOLLIN.
	EpollEvents() uint32
}

// TimerSource is a TypeTimer source. The timeout is read every time the
// source is (re)armed.
type TimerSource interface {
	Source
	Timeout() time.Duration
}

// Func adapts a function into a source of the given type. Use NewIo for
// TypeIo.
type Func struct {
	typ     Type
	prio    int8
	timeout time.Duration
	fn      func(e *Events) error
}

// NewDefer returns a defer source running fn.
func NewDefer(prio int8, fn func(e *Events) error) *Func {
	return &Func{typ: TypeDefer, prio: prio, fn: fn}
}

// NewTimer returns a timer source running fn after d (and every d while On).
func NewTimer(prio int8, d time.Duration, fn func(e *Events) error) *Func {
	return &Func{typ: TypeTimer, prio: prio, timeout: d, fn: fn}
}

func (f *Func) Type() Type               { return f.typ }
func (f *Func) Priority() int8           { return f.prio }
func (f *Func) Timeout() time.Duration   { return f.timeout }
func (f *Func) Dispatch(e *Events) error { return f.fn(e) }

// SetTimeout changes the timeout used the next time the timer is armed.
func (f *Func) SetTimeout(d time.Duration) { f.timeout = d }

// IoFunc is a TypeIo source watching fd.
type IoFunc struct {
	Func
	fd     int
	events uint32
}

// NewIo returns an io source running fn when fd reports any of events.
func NewIo(prio int8, fd int, events uint32, fn func(e *Events) error) *IoFunc {
	return &IoFunc{Func: Func{typ: TypeIo, prio: prio, fn: fn}, fd: fd, events: events}
}

func (f *IoFunc) Fd() int             { return f.fd }
func (f *IoFunc) EpollEvents() uint32 { return f.events }
