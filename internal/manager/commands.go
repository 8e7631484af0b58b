package manager

import (
	"context"
	"time"

	"github.com/loykin/unitd/internal/reli"
	"github.com/loykin/unitd/internal/unit"
)

// CtrlType enumerates the unit actions accepted by Do.
type CtrlType int

const (
	CtrlStart CtrlType = iota
	CtrlStop
	CtrlRestart
	CtrlReload
	CtrlKill
	CtrlResetFailed
)

func (t CtrlType) String() string {
	switch t {
	case CtrlStart:
		return "start"
	case CtrlStop:
		return "stop"
	case CtrlRestart:
		return "restart"
	case CtrlReload:
		return "reload"
	case CtrlKill:
		return "kill"
	case CtrlResetFailed:
		return "reset-failed"
	default:
		return "invalid"
	}
}

// CtrlMsg is one unit action. Force applies to stop.
type CtrlMsg struct {
	Type  CtrlType
	Unit  string
	Force bool
}

// call runs fn on the loop goroutine and waits for its result.
func (m *Manager) call(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	m.ev.Post(func() { reply <- fn() })
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do queues the action; it returns once the job is enqueued, not when it
// has finished.
func (m *Manager) Do(ctx context.Context, msg CtrlMsg) error {
	return m.call(ctx, func() error {
		switch msg.Type {
		case CtrlStart:
			return m.um.Start(msg.Unit)
		case CtrlStop:
			return m.um.Stop(msg.Unit, msg.Force)
		case CtrlRestart:
			return m.um.Restart(msg.Unit)
		case CtrlReload:
			return m.um.Reload(msg.Unit)
		case CtrlKill:
			return m.um.Kill(msg.Unit)
		case CtrlResetFailed:
			return m.um.ResetFailed(msg.Unit)
		}
		return unit.ErrCanceled
	})
}

// DaemonReload re-reads every unit file.
func (m *Manager) DaemonReload(ctx context.Context) error {
	return m.call(ctx, m.um.DaemonReload)
}

// UnitStatus is a snapshot of one unit.
type UnitStatus struct {
	ID          string              `json:"id"`
	Type        string              `json:"type"`
	Description string              `json:"description,omitempty"`
	Load        string              `json:"load"`
	LoadError   string              `json:"load_error,omitempty"`
	Active      string              `json:"active"`
	Sub         string              `json:"sub"`
	Since       time.Time           `json:"since"`
	Invocation  string              `json:"invocation,omitempty"`
	Pids        []int               `json:"pids,omitempty"`
	Job         string              `json:"job,omitempty"`
	Deps        map[string][]string `json:"deps,omitempty"`
}

var statusRelations = []unit.Relation{
	unit.RelRequires, unit.RelWants, unit.RelBindsTo, unit.RelConflicts,
	unit.RelBefore, unit.RelAfter, unit.RelOnFailure, unit.RelTriggers, unit.RelTriggeredBy,
}

func (m *Manager) status(u *unit.Unit, deps bool) UnitStatus {
	st := UnitStatus{
		ID:          u.ID(),
		Type:        u.Type().String(),
		Description: u.Description(),
		Load:        u.LoadState().String(),
		LoadError:   u.LoadError(),
		Active:      u.ActiveState().String(),
		Sub:         u.SubState(),
		Since:       u.StateChangedAt(),
		Invocation:  u.InvocationID(),
		Pids:        u.Pids(),
	}
	for _, j := range m.um.Jobs() {
		if j.Unit == u.ID() {
			st.Job = j.Kind.String()
		}
	}
	if deps {
		st.Deps = make(map[string][]string)
		for _, rel := range statusRelations {
			if ids := u.Dependencies(rel); len(ids) > 0 {
				st.Deps[rel.String()] = ids
			}
		}
	}
	return st
}

// Units lists every known unit sorted by id.
func (m *Manager) Units(ctx context.Context) ([]UnitStatus, error) {
	var out []UnitStatus
	err := m.call(ctx, func() error {
		for _, u := range m.um.Units() {
			out = append(out, m.status(u, false))
		}
		return nil
	})
	return out, err
}

// Unit loads id if needed and returns its status with dependencies.
func (m *Manager) Unit(ctx context.Context, id string) (UnitStatus, error) {
	var out UnitStatus
	err := m.call(ctx, func() error {
		u, ok := m.um.Unit(id)
		if !ok {
			var err error
			if u, err = m.um.LoadUnit(id); err != nil {
				return err
			}
		}
		out = m.status(u, true)
		return nil
	})
	return out, err
}

// Reliability returns the coordinator summary.
func (m *Manager) Reliability(ctx context.Context) (reli.Status, error) {
	var out reli.Status
	err := m.call(ctx, func() error {
		out = m.rl.Status()
		return nil
	})
	return out, err
}
