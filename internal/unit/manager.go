package unit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"syscall"
	"time"

	"github.com/loykin/unitd/internal/event"
	"github.com/loykin/unitd/internal/metrics"
	"github.com/loykin/unitd/internal/reli"
	"github.com/loykin/unitd/internal/unitfile"
)

// Config holds the manager wide unit defaults.
type Config struct {
	StartLimitInterval time.Duration
	StartLimitBurst    uint
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{StartLimitInterval: DefaultStartLimitInterval, StartLimitBurst: DefaultStartLimitBurst}
}

// Loader finds and parses unit files.
type Loader interface {
	Load(name string) (*unitfile.File, error)
}

// Transition is one active state change of a unit, as seen by observers.
type Transition struct {
	Unit       string
	Type       Type
	From       ActiveState
	To         ActiveState
	Flags      NotifyFlags
	Invocation string
	At         time.Time
}

// Observer receives transitions on the event loop; it must not block.
type Observer func(Transition)

// Manager owns every unit. All methods must be called from the event loop
// goroutine.
type Manager struct {
	cfg    Config
	rl     *reli.Reliability
	ev     *event.Events
	loader Loader
	reg    *Registry

	subs    map[Type]SubManager
	units   map[string]*Unit
	re      *Re
	deps    *depDB
	jobs    *jobManager
	loadQ   *unitQueue
	targetQ *unitQueue
	pids    map[int]string

	observers []Observer
	recovered bool
}

var _ UmIf = (*Manager)(nil)

// New creates the manager, registers its tables and stations with rl and
// builds one type manager per registered unit type. Recover must run before
// any unit action.
func New(cfg Config, rl *reli.Reliability, ev *event.Events, loader Loader, reg *Registry) (*Manager, error) {
	if rl == nil || ev == nil || loader == nil || reg == nil {
		return nil, errors.New("unit manager: reliability, events, loader and registry are required")
	}
	if cfg.StartLimitInterval == 0 && cfg.StartLimitBurst == 0 {
		cfg = DefaultConfig()
	}
	m := &Manager{
		cfg:    cfg,
		rl:     rl,
		ev:     ev,
		loader: loader,
		reg:    reg,
		subs:   make(map[Type]SubManager),
		units:  make(map[string]*Unit),
		deps:   newDepDB(),
		pids:   make(map[int]string),
	}
	m.re = newRe(rl)
	m.jobs = newJobManager(m)
	m.loadQ = newUnitQueue(m, "load", PPSQueueLoad, QueueLoad, loadQueuePriority, m.dispatchLoad)
	m.targetQ = newUnitQueue(m, "target-deps", PPSQueueTargetDeps, QueueTargetDeps, targetDepQueuePriority, m.dispatchTargetDeps)
	for _, src := range []event.Source{m.loadQ.src, m.targetQ.src, m.jobs.src} {
		if err := ev.AddSource(src); err != nil {
			return nil, fmt.Errorf("unit manager: %w", err)
		}
	}

	if err := rl.StationRegister("unit-manager", reli.Level1, (*managerStation)(m)); err != nil {
		return nil, err
	}
	for _, t := range Types() {
		f, ok := reg.Lookup(t)
		if !ok {
			continue
		}
		sm, err := f(m)
		if err != nil {
			return nil, fmt.Errorf("unit manager: %s manager: %w", t, err)
		}
		m.subs[t] = sm
		if err := rl.StationRegister(t.String()+"-manager", reli.Level1, sm); err != nil {
			return nil, err
		}
	}
	if err := rl.StationRegister("units", reli.Level2, (*unitsStation)(m)); err != nil {
		return nil, err
	}
	return m, nil
}

// Recover runs the recovery pass once and then re-arms every station.
// Actions are refused until it has run.
func (m *Manager) Recover() error {
	m.rl.Recover(false)
	m.recovered = true
	err := m.rl.RegisterEx()
	m.rl.Commit()
	m.jobs.trigger()
	return err
}

// Recovered reports whether Recover has run.
func (m *Manager) Recovered() bool { return m.recovered }

// DaemonReload re-runs recovery in reload mode, where in-memory state wins
// over stale table content, and re-reads every unit file.
func (m *Manager) DaemonReload() error {
	if err := m.ready(); err != nil {
		return err
	}
	m.rl.Commit()
	m.rl.Recover(true)
	for _, u := range m.Units() {
		m.loadQ.push(u)
	}
	m.rl.Commit()
	return nil
}

// Close releases what every unit holds (listeners, timers) and then closes
// the type managers that own sources of their own. Running processes are
// left alone.
func (m *Manager) Close() error {
	for _, u := range m.Units() {
		u.sub.ReleaseResources()
	}
	var errs []error
	for _, t := range Types() {
		if c, ok := m.subs[t].(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) ready() error {
	if !m.recovered {
		return fmt.Errorf("manager not recovered: %w", ErrCanceled)
	}
	return nil
}

// bracket sets the last operation markers and returns the function that
// clears them. Nested calls leave the outer markers alone.
func (m *Manager) bracket(unit string, kind reli.FrameKind, subs ...uint32) func() {
	if !m.rl.Last().Empty() {
		return func() {}
	}
	if unit != "" {
		m.rl.SetLastUnit(unit)
	}
	m.rl.SetLastFrame(kind, subs...)
	return func() {
		m.rl.ClearLastFrame()
		if unit != "" {
			m.rl.ClearLastUnit()
		}
	}
}

func (m *Manager) Reli() *reli.Reliability { return m.rl }
func (m *Manager) Events() *event.Events   { return m.ev }

// AddObserver registers fn for every active state transition.
func (m *Manager) AddObserver(fn Observer) { m.observers = append(m.observers, fn) }

// Unit returns the unit with id.
func (m *Manager) Unit(id string) (*Unit, bool) {
	u, ok := m.units[id]
	return u, ok
}

// Units returns every unit sorted by id.
func (m *Manager) Units() []*Unit {
	out := make([]*Unit, 0, len(m.units))
	for _, u := range m.units {
		out = append(out, u)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].id < out[k].id })
	return out
}

// UnitsOfType returns the units of type t sorted by id.
func (m *Manager) UnitsOfType(t Type) []*Unit {
	var out []*Unit
	for _, u := range m.Units() {
		if u.typ == t {
			out = append(out, u)
		}
	}
	return out
}

// SubManager returns the type manager of t.
func (m *Manager) SubManager(t Type) (SubManager, bool) {
	sm, ok := m.subs[t]
	return sm, ok
}

// Jobs returns the installed jobs ordered by id.
func (m *Manager) Jobs() []Job { return m.jobs.list() }

// Job returns the job installed for unit id.
func (m *Manager) Job(id string) (Job, bool) {
	j, ok := m.jobs.get(id)
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// InLoadQueue reports load queue membership.
func (m *Manager) InLoadQueue(id string) bool { return m.loadQ.contains(id) }

// InTargetDepQueue reports target dependency queue membership.
func (m *Manager) InTargetDepQueue(id string) bool { return m.targetQ.contains(id) }

// PrepareUnit returns the unit with id, creating a stub on first use. The
// base record is written exactly once here.
func (m *Manager) PrepareUnit(id string) (*Unit, error) {
	if u, ok := m.units[id]; ok {
		return u, nil
	}
	t, err := TypeFromName(id)
	if err != nil {
		return nil, err
	}
	u, err := m.attach(id, t)
	if err != nil {
		return nil, err
	}
	m.re.base.Insert(id, baseRecord{Type: t})
	u.setLoad(LoadStub)
	metrics.SetLoaded(t.String(), len(m.UnitsOfType(t)))
	slog.Debug("unit created", "unit", id, "type", t.String())
	return u, nil
}

func (m *Manager) attach(id string, t Type) (*Unit, error) {
	sm, ok := m.subs[t]
	if !ok {
		return nil, fmt.Errorf("unit %s: %w: %s", id, ErrNoSubUnit, t)
	}
	u := newUnit(m, id, t)
	u.sub = sm.NewSubUnit()
	u.sub.Attach(u)
	m.units[id] = u
	return u, nil
}

// LoadUnit returns the unit with id, loading it now if it is still a stub.
func (m *Manager) LoadUnit(id string) (*Unit, error) {
	u, err := m.PrepareUnit(id)
	if err != nil {
		return nil, err
	}
	if u.load == LoadStub || m.loadQ.contains(id) {
		m.loadQ.push(u)
		m.loadQ.run()
	}
	return u, nil
}

// FileChanged re-queues the named units for loading after their files
// changed. Unknown names are ignored.
func (m *Manager) FileChanged(ids ...string) {
	for _, id := range ids {
		if u, ok := m.units[id]; ok {
			slog.Info("unit file changed, reloading", "unit", id)
			m.loadQ.push(u)
		}
	}
}

func (m *Manager) dispatchLoad(u *Unit) {
	if err := u.doLoad(); err != nil {
		return
	}
	for _, e := range u.conf.edges() {
		for _, other := range e.ids {
			if err := m.addDependency(u, e.rel, other); err != nil {
				slog.Warn("dependency ignored", "unit", u.id, "relation", e.rel.String(), "other", other, "err", err)
			}
		}
	}
	if u.typ == TypeTarget {
		m.targetQ.push(u)
	}
	// targets that pull u in need their default dependencies redone
	for _, rel := range []Relation{RelWantedBy, RelRequiredBy} {
		for _, t := range m.deps.gets(u.id, rel) {
			if tu, ok := m.units[t]; ok && tu.typ == TypeTarget && tu.load == LoadLoaded {
				m.targetQ.push(tu)
			}
		}
	}
}

// dispatchTargetDeps orders target t after every unit it pulls in, unless
// the unit opted out of default dependencies or is itself ordered after t.
func (m *Manager) dispatchTargetDeps(t *Unit) {
	if t.load != LoadLoaded {
		return
	}
	for _, id := range m.deps.getsAtom(t.id, AtomDefaultTargetDeps) {
		u, ok := m.units[id]
		if !ok || u.load != LoadLoaded || !u.conf.DefaultDependencies {
			continue
		}
		if m.deps.has(t.id, RelBefore, id) {
			continue
		}
		if err := m.addDependency(t, RelAfter, id); err != nil {
			slog.Warn("default target dependency failed", "target", t.id, "unit", id, "err", err)
		}
	}
}

func (m *Manager) addDependency(u *Unit, rel Relation, other string) error {
	if other == u.id {
		return fmt.Errorf("%s %s itself", u.id, rel)
	}
	o, ok := m.units[other]
	if !ok {
		var err error
		if o, err = m.PrepareUnit(other); err != nil {
			return err
		}
		m.loadQ.push(o)
	}
	if m.deps.add(u.id, rel, other) {
		m.re.dep.Insert(u.id, m.deps.snapshot(u.id))
		m.re.dep.Insert(other, m.deps.snapshot(other))
	}
	return nil
}

func (m *Manager) loaded(id string) (*Unit, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	u, err := m.LoadUnit(id)
	if err != nil {
		return nil, err
	}
	if u.load != LoadLoaded {
		return nil, fmt.Errorf("%s is %s: %w", id, u.load, ErrNotLoaded)
	}
	return u, nil
}

// Start installs a start job for id and for everything it pulls in.
func (m *Manager) Start(id string) error {
	u, err := m.loaded(id)
	if err != nil {
		return err
	}
	if err := m.verifyRequisites(u); err != nil {
		return err
	}
	m.startJobs(u, make(map[string]bool))
	return nil
}

func (m *Manager) verifyRequisites(u *Unit) error {
	for _, id := range m.deps.getsAtom(u.id, AtomPullInVerify) {
		o, ok := m.units[id]
		if !ok || !o.ActiveState().IsActiveOrActivating() {
			return fmt.Errorf("start %s: requisite %s not active: %w", u.id, id, ErrCanceled)
		}
	}
	return nil
}

func (m *Manager) startJobs(u *Unit, seen map[string]bool) {
	if seen[u.id] {
		return
	}
	seen[u.id] = true
	m.jobs.add(u.id, JobStart, false)
	for _, id := range m.deps.getsAtom(u.id, AtomPullInStart|AtomPullInStartIgnored) {
		o, err := m.LoadUnit(id)
		if err != nil || o.load != LoadLoaded {
			slog.Warn("pulled in unit not loaded", "unit", u.id, "other", id)
			continue
		}
		m.startJobs(o, seen)
	}
	for _, id := range m.deps.getsAtom(u.id, AtomPullInStop|AtomPullInStopIgnored) {
		if o, ok := m.units[id]; ok && !o.ActiveState().IsInactiveOrFailed() {
			m.stopJobs(o, false, seen)
		}
	}
}

// Stop installs a stop job for id and for the units that cannot stay up
// without it.
func (m *Manager) Stop(id string, force bool) error {
	if err := m.ready(); err != nil {
		return err
	}
	u, ok := m.units[id]
	if !ok {
		return fmt.Errorf("stop %s: %w", id, ErrNotFound)
	}
	if !force && u.ActiveState().IsInactiveOrFailed() {
		if _, pending := m.jobs.get(id); !pending {
			return fmt.Errorf("stop %s while %s: %w", id, u.ActiveState(), ErrCanceled)
		}
	}
	m.stopJobs(u, force, make(map[string]bool))
	return nil
}

func (m *Manager) stopJobs(u *Unit, force bool, seen map[string]bool) {
	if seen[u.id] {
		return
	}
	seen[u.id] = true
	m.jobs.add(u.id, JobStop, force)
	for _, id := range m.deps.getsAtom(u.id, AtomPropagateStop) {
		if o, ok := m.units[id]; ok && !o.ActiveState().IsInactiveOrFailed() {
			m.stopJobs(o, false, seen)
		}
	}
}

// Restart installs a restart job: stop, then start.
func (m *Manager) Restart(id string) error {
	u, err := m.loaded(id)
	if err != nil {
		return err
	}
	if u.ActiveState().IsInactiveOrFailed() {
		return m.Start(id)
	}
	m.jobs.add(id, JobRestart, false)
	return nil
}

// Reload installs a reload job for an active unit.
func (m *Manager) Reload(id string) error {
	u, err := m.loaded(id)
	if err != nil {
		return err
	}
	if st := u.ActiveState(); st != StateActive {
		return fmt.Errorf("reload %s while %s: %w", id, st, ErrBadState)
	}
	m.jobs.add(id, JobReload, false)
	return nil
}

// Kill signals every process of the unit.
func (m *Manager) Kill(id string) error {
	if err := m.ready(); err != nil {
		return err
	}
	u, ok := m.units[id]
	if !ok {
		return fmt.Errorf("kill %s: %w", id, ErrNotFound)
	}
	return u.kill()
}

// ResetFailed clears the failed state and the start limit.
func (m *Manager) ResetFailed(id string) error {
	if err := m.ready(); err != nil {
		return err
	}
	u, ok := m.units[id]
	if !ok {
		return fmt.Errorf("reset-failed %s: %w", id, ErrNotFound)
	}
	u.resetFailed()
	return nil
}

func (m *Manager) StartUnit(id string) error            { return m.Start(id) }
func (m *Manager) StopUnit(id string, force bool) error { return m.Stop(id, force) }

// SigChld routes a child exit to the unit watching pid.
func (m *Manager) SigChld(pid int, code int, sig syscall.Signal) {
	id, ok := m.pids[pid]
	if !ok {
		slog.Debug("exit of unwatched pid", "pid", pid, "code", code)
		return
	}
	u, ok := m.units[id]
	if !ok {
		delete(m.pids, pid)
		return
	}
	done := m.bracket(id, reli.FrameSigChld)
	u.sigchld(pid, code, sig)
	done()
}

func (m *Manager) notify(u *Unit, old, new ActiveState, flags NotifyFlags) {
	if old != new {
		u.active = new
		u.since = time.Now()
		u.persistMng()
		metrics.RecordStateTransition(u.id, old.String(), new.String())
		metrics.SetCurrentState(u.id, old.String(), new.String())
		slog.Info("unit state changed", "unit", u.id, "from", old.String(), "to", new.String())
	}

	m.jobs.onNotify(u, old, new, flags)

	wentDown := (new == StateFailed && old != StateFailed) || (new == StateInactive && !old.IsInactiveOrFailed())
	if wentDown && flags&NotifyWillAutoRestart == 0 {
		for _, id := range m.deps.getsAtom(u.id, AtomPropagateStop) {
			if o, ok := m.units[id]; ok && !o.ActiveState().IsInactiveOrFailed() {
				m.jobs.add(id, JobStop, false)
			}
		}
		atom := AtomOnSuccess
		if new == StateFailed {
			atom = AtomOnFailure
		}
		for _, id := range m.deps.getsAtom(u.id, atom) {
			if o, err := m.LoadUnit(id); err == nil && o.load == LoadLoaded {
				m.jobs.add(id, JobStart, false)
			}
		}
	}
	if new == StateActive {
		for _, id := range m.deps.getsAtom(u.id, AtomCannotBeActiveWithout) {
			if o, ok := m.units[id]; ok && o.ActiveState().IsInactiveOrFailed() {
				if j, pending := m.jobs.get(id); !pending || j.Kind != JobStart {
					slog.Info("unit bound to inactive unit, stopping", "unit", u.id, "bound", id)
					m.jobs.add(u.id, JobStop, false)
					break
				}
			}
		}
	}
	if old != new {
		for _, id := range m.deps.getsAtom(u.id, AtomTriggeredBy) {
			if o, ok := m.units[id]; ok {
				if tn, ok := o.sub.(TriggerNotifier); ok {
					tn.TriggerNotify(u)
				}
			}
		}
		tr := Transition{Unit: u.id, Type: u.typ, From: old, To: new, Flags: flags, Invocation: u.invocation, At: u.since}
		for _, fn := range m.observers {
			fn(tr)
		}
	}
}
