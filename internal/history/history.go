// Package history exports unit state transitions to analytics systems.
package history

import (
	"context"
	"time"

	"github.com/loykin/unitd/internal/unit"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventActivated   EventType = "activated"
	EventDeactivated EventType = "deactivated"
	EventFailed      EventType = "failed"
	EventChanged     EventType = "changed"
)

// Event is one unit state transition as seen by external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Unit       string    `json:"unit"`
	UnitType   string    `json:"unit_type"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	SubState   string    `json:"sub_state,omitempty"`
	Invocation string    `json:"invocation,omitempty"`
	Pids       []int     `json:"pids,omitempty"`
}

// FromTransition builds the event for tr. sub and pids describe the unit
// right after the change.
func FromTransition(tr unit.Transition, sub string, pids []int) Event {
	typ := EventChanged
	switch tr.To {
	case unit.StateActive:
		typ = EventActivated
	case unit.StateInactive:
		typ = EventDeactivated
	case unit.StateFailed:
		typ = EventFailed
	}
	at := tr.At
	if at.IsZero() {
		at = time.Now()
	}
	return Event{
		Type:       typ,
		OccurredAt: at.UTC(),
		Unit:       tr.Unit,
		UnitType:   tr.Type.String(),
		From:       tr.From.String(),
		To:         tr.To.String(),
		SubState:   sub,
		Invocation: tr.Invocation,
		Pids:       pids,
	}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Reader reads stored events back, newest first.
type Reader interface {
	Recent(ctx context.Context, unit string, limit int) ([]Event, error)
	Close() error
}
