package unit

import (
	"log/slog"

	"github.com/loykin/unitd/internal/event"
	"github.com/loykin/unitd/internal/reli"
)

const (
	loadQueuePriority      int8 = -30
	targetDepQueuePriority int8 = -25
)

// unitQueue is an asynchronous work queue backed by a defer source. Queue
// membership is mirrored in the unit's PPS bits so a crash while a unit is
// queued re-queues it on recovery.
type unitQueue struct {
	m       *Manager
	name    string
	bit     PPS
	tag     uint32
	handler func(u *Unit)
	order   []string
	members map[string]struct{}
	src     *event.Func
}

func newUnitQueue(m *Manager, name string, bit PPS, tag uint32, prio int8, handler func(*Unit)) *unitQueue {
	q := &unitQueue{
		m:       m,
		name:    name,
		bit:     bit,
		tag:     tag,
		handler: handler,
		members: make(map[string]struct{}),
	}
	q.src = event.NewDefer(prio, func(*event.Events) error {
		q.run()
		return nil
	})
	return q
}

func (q *unitQueue) contains(id string) bool {
	_, ok := q.members[id]
	return ok
}

func (q *unitQueue) len() int { return len(q.order) }

// push adds u; pushing a member again is a no-op.
func (q *unitQueue) push(u *Unit) {
	if !u.pps.Has(q.bit) {
		u.setPPS(u.pps | q.bit)
	}
	if q.contains(u.id) {
		return
	}
	q.members[u.id] = struct{}{}
	q.order = append(q.order, u.id)
	if q.m.ev != nil {
		if err := q.m.ev.SetEnabled(q.src, event.StateOn); err != nil {
			slog.Error("queue enable failed", "queue", q.name, "err", err)
		}
	}
}

func (q *unitQueue) pop() (*Unit, bool) {
	for len(q.order) > 0 {
		id := q.order[0]
		q.order = q.order[1:]
		delete(q.members, id)
		if u, ok := q.m.units[id]; ok {
			return u, true
		}
	}
	return nil, false
}

// run drains the queue. Units pushed by a handler are processed in the same
// run.
func (q *unitQueue) run() {
	for {
		u, ok := q.pop()
		if !ok {
			break
		}
		done := q.m.bracket(u.id, reli.FrameQueue, q.tag)
		q.handler(u)
		u.setPPS(u.pps &^ q.bit)
		done()
	}
	if q.m.ev != nil {
		if err := q.m.ev.SetEnabled(q.src, event.StateOff); err != nil {
			slog.Error("queue disable failed", "queue", q.name, "err", err)
		}
	}
}
