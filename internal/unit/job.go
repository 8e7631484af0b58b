package unit

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/loykin/unitd/internal/event"
	"github.com/loykin/unitd/internal/reli"
)

// JobKind is what a job does to its unit.
type JobKind int

const (
	JobStart JobKind = iota
	JobStop
	JobRestart
	JobReload
)

func (k JobKind) String() string {
	switch k {
	case JobStart:
		return "start"
	case JobStop:
		return "stop"
	case JobRestart:
		return "restart"
	case JobReload:
		return "reload"
	default:
		return "invalid"
	}
}

// JobState is where a job is in its life.
type JobState int

const (
	JobWaiting JobState = iota
	JobRunning
)

func (s JobState) String() string {
	if s == JobRunning {
		return "running"
	}
	return "waiting"
}

// JobResult is how a job ended.
type JobResult int

const (
	JobDone JobResult = iota
	JobFailed
	JobCanceled
	JobDependency
)

func (r JobResult) String() string {
	switch r {
	case JobDone:
		return "done"
	case JobFailed:
		return "failed"
	case JobCanceled:
		return "canceled"
	case JobDependency:
		return "dependency"
	default:
		return "invalid"
	}
}

// JobRecord is the persisted form of a job.
type JobRecord struct {
	ID      uint64    `json:"id"`
	Unit    string    `json:"unit"`
	Kind    JobKind   `json:"kind"`
	State   JobState  `json:"state"`
	Force   bool      `json:"force,omitempty"`
	Created time.Time `json:"created"`
}

// Job is a pending action on one unit. A unit has at most one job.
type Job struct {
	JobRecord
}

const jobRunPriority int8 = 0

type jobManager struct {
	m      *Manager
	nextID uint64
	jobs   map[string]*Job
	src    *event.Func
}

func newJobManager(m *Manager) *jobManager {
	jm := &jobManager{m: m, jobs: make(map[string]*Job)}
	jm.src = event.NewDefer(jobRunPriority, func(*event.Events) error {
		jm.dispatch()
		return nil
	})
	return jm
}

func (jm *jobManager) trigger() {
	if jm.m.ev == nil || !jm.m.recovered {
		return
	}
	if err := jm.m.ev.SetEnabled(jm.src, event.StateOneShot); err != nil {
		slog.Error("job queue trigger failed", "err", err)
	}
}

func (jm *jobManager) get(id string) (*Job, bool) {
	j, ok := jm.jobs[id]
	return j, ok
}

func (jm *jobManager) list() []Job {
	out := make([]Job, 0, len(jm.jobs))
	for _, j := range jm.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

func jobKey(j *Job) string { return strconv.FormatUint(j.ID, 10) }

func (jm *jobManager) persist(j *Job) { jm.m.re.job.Insert(jobKey(j), j.JobRecord) }

// add installs a job for id. A waiting job of another kind is replaced; a job
// of the same kind is merged.
func (jm *jobManager) add(id string, kind JobKind, force bool) *Job {
	if old, ok := jm.jobs[id]; ok {
		if old.Kind == kind {
			old.Force = old.Force || force
			jm.persist(old)
			return old
		}
		jm.finish(old, JobCanceled)
	}
	jm.nextID++
	j := &Job{JobRecord{ID: jm.nextID, Unit: id, Kind: kind, State: JobWaiting, Force: force, Created: time.Now()}}
	jm.jobs[id] = j
	jm.persist(j)
	slog.Debug("job installed", "unit", id, "job", j.ID, "kind", kind.String())
	jm.trigger()
	return j
}

func (jm *jobManager) finish(j *Job, res JobResult) {
	if cur, ok := jm.jobs[j.Unit]; !ok || cur != j {
		return
	}
	delete(jm.jobs, j.Unit)
	jm.m.re.job.Remove(jobKey(j))
	lvl := slog.LevelDebug
	if res != JobDone {
		lvl = slog.LevelWarn
	}
	slog.Log(context.Background(), lvl, "job finished", "unit", j.Unit, "job", j.ID, "kind", j.Kind.String(), "result", res.String())

	switch {
	case j.Kind == JobRestart && res == JobDone:
		// the stop half is done, now start
		jm.add(j.Unit, JobStart, false)
	case j.Kind == JobStart && res != JobDone:
		for _, dep := range jm.m.deps.getsAtom(j.Unit, AtomPropagateStartFailure) {
			if dj, ok := jm.jobs[dep]; ok && dj.Kind == JobStart {
				jm.finish(dj, JobDependency)
			}
		}
	}
	jm.trigger()
}

// runnable applies ordering: a start waits for every job on units it is
// After and for stop jobs on units it is Before; a stop waits for stop jobs
// on units it is Before.
func (jm *jobManager) runnable(j *Job) bool {
	if j.State != JobWaiting {
		return false
	}
	deps := jm.m.deps
	switch j.Kind {
	case JobStart, JobReload:
		for _, other := range deps.getsAtom(j.Unit, AtomAfter) {
			if _, ok := jm.jobs[other]; ok {
				return false
			}
		}
		for _, other := range deps.getsAtom(j.Unit, AtomBefore) {
			if oj, ok := jm.jobs[other]; ok && isStopping(oj.Kind) {
				return false
			}
		}
		if u, ok := jm.m.units[j.Unit]; ok && u.ActiveState() == StateDeactivating {
			return false
		}
	case JobStop, JobRestart:
		for _, other := range deps.getsAtom(j.Unit, AtomBefore) {
			if oj, ok := jm.jobs[other]; ok && isStopping(oj.Kind) {
				return false
			}
		}
	}
	return true
}

func isStopping(k JobKind) bool { return k == JobStop || k == JobRestart }

func (jm *jobManager) waiting() []*Job {
	out := make([]*Job, 0, len(jm.jobs))
	for _, j := range jm.jobs {
		if j.State == JobWaiting {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

func (jm *jobManager) dispatch() {
	for progress := true; progress; {
		progress = false
		for _, j := range jm.waiting() {
			if cur, ok := jm.jobs[j.Unit]; !ok || cur != j || !jm.runnable(j) {
				continue
			}
			jm.run(j)
			progress = true
		}
	}
}

func (jm *jobManager) run(j *Job) {
	u, ok := jm.m.units[j.Unit]
	if !ok {
		jm.finish(j, JobFailed)
		return
	}
	defer jm.m.bracket(j.Unit, reli.FrameJobRun)()

	j.State = JobRunning
	jm.persist(j)
	st := u.ActiveState()
	var err error
	switch j.Kind {
	case JobStart:
		if st == StateActive {
			jm.finish(j, JobDone)
			return
		}
		err = u.start()
	case JobStop, JobRestart:
		if st.IsInactiveOrFailed() {
			jm.finish(j, JobDone)
			return
		}
		err = u.stop(j.Force)
	case JobReload:
		err = u.reload()
		if err == nil {
			jm.finish(j, JobDone)
			return
		}
	}
	if err != nil {
		slog.Warn("job failed", "unit", j.Unit, "kind", j.Kind.String(), "err", err)
		res := JobFailed
		if errors.Is(err, ErrCanceled) && !errors.Is(err, ErrStartLimitHit) {
			res = JobCanceled
		}
		jm.finish(j, res)
		return
	}
	// the sub unit may already have reported the final state
	jm.settle(u)
}

// settle finishes the unit's running job if its current state completes it.
func (jm *jobManager) settle(u *Unit) {
	j, ok := jm.jobs[u.id]
	if !ok || j.State != JobRunning {
		return
	}
	switch st := u.ActiveState(); j.Kind {
	case JobStart:
		if st == StateActive {
			jm.finish(j, JobDone)
		} else if st == StateFailed {
			jm.finish(j, JobFailed)
		}
	case JobStop, JobRestart:
		if st.IsInactiveOrFailed() {
			jm.finish(j, JobDone)
		}
	}
}

// onNotify completes jobs from a state change.
func (jm *jobManager) onNotify(u *Unit, old, new ActiveState, flags NotifyFlags) {
	j, ok := jm.jobs[u.id]
	if !ok || j.State != JobRunning {
		return
	}
	switch j.Kind {
	case JobStart:
		switch {
		case new == StateActive:
			jm.finish(j, JobDone)
		case new == StateFailed:
			jm.finish(j, JobFailed)
		case new == StateInactive && old != StateInactive && flags&NotifySuccess != 0:
			jm.finish(j, JobDone)
		case new == StateInactive && old != StateInactive && flags&NotifyWillAutoRestart == 0:
			jm.finish(j, JobFailed)
		}
	case JobStop, JobRestart:
		if new.IsInactiveOrFailed() {
			jm.finish(j, JobDone)
		}
	}
}

// restore rebuilds jobs from the table. Jobs that were running when the
// manager died are run again: start and stop are idempotent on a unit that
// already reached the target state.
func (jm *jobManager) restore() {
	for _, k := range jm.m.re.job.Keys() {
		rec, _ := jm.m.re.job.Get(k)
		if _, ok := jm.m.units[rec.Unit]; !ok {
			jm.m.re.job.Remove(k)
			continue
		}
		if old, ok := jm.jobs[rec.Unit]; ok && old.ID > rec.ID {
			jm.m.re.job.Remove(k)
			continue
		}
		rec.State = JobWaiting
		j := &Job{rec}
		jm.jobs[rec.Unit] = j
		jm.persist(j)
		if rec.ID > jm.nextID {
			jm.nextID = rec.ID
		}
	}
}

// compensate marks the interrupted job of unit as waiting in the table.
func (jm *jobManager) compensate(unit string) {
	for _, k := range jm.m.re.job.Keys() {
		rec, _ := jm.m.re.job.Get(k)
		if rec.Unit == unit && rec.State == JobRunning {
			rec.State = JobWaiting
			jm.m.re.job.Insert(k, rec)
		}
	}
}

func (jm *jobManager) dbInsert() {
	for _, j := range jm.jobs {
		jm.persist(j)
	}
}
