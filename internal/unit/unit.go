package unit

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/unitd/internal/event"
	"github.com/loykin/unitd/internal/metrics"
	"github.com/loykin/unitd/internal/reli"
	"github.com/loykin/unitd/internal/unitfile"
)

// Unit is one managed unit. It is owned by the Manager and only touched from
// the event loop.
type Unit struct {
	id  string
	typ Type
	m   *Manager
	sub SubUnit

	load    LoadState
	loadErr string
	conf    Conf
	paths   []string

	pps        PPS
	cgroup     string
	children   map[int]struct{}
	invocation string
	since      time.Time
	active     ActiveState // last state seen by notify

	startLimit *StartLimit
}

func newUnit(m *Manager, id string, t Type) *Unit {
	return &Unit{
		id:         id,
		typ:        t,
		m:          m,
		load:       LoadStub,
		children:   make(map[int]struct{}),
		startLimit: NewStartLimit(m.cfg.StartLimitInterval, m.cfg.StartLimitBurst),
	}
}

func (u *Unit) ID() string                { return u.id }
func (u *Unit) Type() Type                { return u.typ }
func (u *Unit) LoadState() LoadState      { return u.load }
func (u *Unit) Conf() Conf                { return u.conf }
func (u *Unit) Paths() []string           { return u.paths }
func (u *Unit) Sub() SubUnit              { return u.sub }
func (u *Unit) InvocationID() string      { return u.invocation }
func (u *Unit) Cgroup() string            { return u.cgroup }
func (u *Unit) StateChangedAt() time.Time { return u.since }

// Description falls back to the unit id.
func (u *Unit) Description() string {
	if u.conf.Description != "" {
		return u.conf.Description
	}
	return u.id
}

// ActiveState is the sub unit's projection.
func (u *Unit) ActiveState() ActiveState {
	if u.sub == nil {
		return StateInactive
	}
	return u.sub.CurrentActiveState()
}

// SubState is the sub unit's detailed state name.
func (u *Unit) SubState() string {
	if u.sub == nil {
		return ""
	}
	return u.sub.SubState()
}

// Pids returns the watched child pids, sorted.
func (u *Unit) Pids() []int {
	out := make([]int, 0, len(u.children))
	for pid := range u.children {
		out = append(out, pid)
	}
	sort.Ints(out)
	return out
}

// Reli gives sub units access to the coordinator (tables, markers).
func (u *Unit) Reli() *reli.Reliability { return u.m.rl }

// Events gives sub units access to the reactor.
func (u *Unit) Events() *event.Events { return u.m.ev }

// Manager returns the owning manager through its narrow interface.
func (u *Unit) Manager() UmIf { return u.m }

// Notify is how sub units report an active state change.
func (u *Unit) Notify(old, new ActiveState, flags NotifyFlags) {
	u.m.notify(u, old, new, flags)
}

// WatchPid routes the pid's exit to this unit.
func (u *Unit) WatchPid(pid int) {
	u.children[pid] = struct{}{}
	u.m.pids[pid] = u.id
	u.m.re.child.Insert(u.id, u.Pids())
}

// UnwatchPid stops routing the pid.
func (u *Unit) UnwatchPid(pid int) {
	delete(u.children, pid)
	if owner, ok := u.m.pids[pid]; ok && owner == u.id {
		delete(u.m.pids, pid)
	}
	if len(u.children) == 0 {
		u.m.re.child.Remove(u.id)
		return
	}
	u.m.re.child.Insert(u.id, u.Pids())
}

// SetCgroup records the unit's control group path.
func (u *Unit) SetCgroup(path string) {
	u.cgroup = path
	if path == "" {
		u.m.re.cgroup.Remove(u.id)
		return
	}
	u.m.re.cgroup.Insert(u.id, path)
}

// AddDependency records u -rel-> other, creating and queueing other for
// load if it is new.
func (u *Unit) AddDependency(rel Relation, other string) error {
	return u.m.addDependency(u, rel, other)
}

// Dependencies returns the ids related to u by rel.
func (u *Unit) Dependencies(rel Relation) []string {
	return u.m.deps.gets(u.id, rel)
}

func (u *Unit) setLoad(s LoadState) {
	u.load = s
	u.m.re.load.Insert(u.id, s)
}

func (u *Unit) setPPS(p PPS) {
	u.pps = p
	if p == 0 {
		u.m.re.pps.Remove(u.id)
		return
	}
	u.m.re.pps.Insert(u.id, p)
}

// doLoad reads and applies the unit file.
func (u *Unit) doLoad() error {
	u.setLoad(LoadLoading)
	u.loadErr = ""
	f, err := u.m.loader.Load(u.id)
	if err != nil {
		opt, ok := u.sub.(FragmentOptional)
		if !errors.Is(err, unitfile.ErrNotFound) {
			return u.loadFailed(LoadError, err)
		}
		if !ok || !opt.FragmentOptional() {
			return u.loadFailed(LoadNotFound, err)
		}
		if f, err = unitfile.Parse(u.id, strings.NewReader("")); err != nil {
			return u.loadFailed(LoadError, err)
		}
	}
	conf, err := parseConf(f, u.m.cfg.StartLimitInterval, u.m.cfg.StartLimitBurst)
	if err != nil {
		return u.loadFailed(LoadError, err)
	}
	if err := u.sub.Load(f); err != nil {
		return u.loadFailed(LoadError, err)
	}
	u.conf = conf
	u.paths = f.Paths
	u.startLimit.Configure(conf.StartLimitInterval, conf.StartLimitBurst)
	u.m.re.conf.Insert(u.id, confRecord{Conf: conf, Paths: f.Paths})
	u.setLoad(LoadLoaded)
	slog.Debug("unit loaded", "unit", u.id, "paths", f.Paths)
	return nil
}

func (u *Unit) loadFailed(s LoadState, err error) error {
	u.loadErr = err.Error()
	u.setLoad(s)
	slog.Warn("unit load failed", "unit", u.id, "load", s.String(), "err", err)
	return err
}

// LoadError returns the last load failure message.
func (u *Unit) LoadError() string { return u.loadErr }

func (u *Unit) start() error {
	if u.load != LoadLoaded {
		return fmt.Errorf("start %s: %w", u.id, ErrNotLoaded)
	}
	switch st := u.ActiveState(); st {
	case StateActive, StateActivating:
		return nil
	case StateDeactivating:
		return fmt.Errorf("start %s while %s: %w", u.id, st, ErrCanceled)
	}
	if !u.startLimit.Test() {
		slog.Warn("unit start request repeated too quickly, refusing", "unit", u.id)
		metrics.IncStartLimitHit(u.id)
		u.sub.StartLimitHit()
		return fmt.Errorf("start %s: %w", u.id, ErrStartLimitHit)
	}
	u.invocation = uuid.NewString()
	u.persistMng()
	metrics.IncStart(u.id)
	if err := u.sub.Start(); err != nil {
		return fmt.Errorf("start %s: %w", u.id, err)
	}
	return nil
}

func (u *Unit) stop(force bool) error {
	st := u.ActiveState()
	if !force && st.IsInactiveOrFailed() {
		return fmt.Errorf("stop %s while %s: %w", u.id, st, ErrCanceled)
	}
	metrics.IncStop(u.id)
	if err := u.sub.Stop(force); err != nil {
		return fmt.Errorf("stop %s: %w", u.id, err)
	}
	return nil
}

func (u *Unit) reload() error {
	if u.load != LoadLoaded {
		return fmt.Errorf("reload %s: %w", u.id, ErrNotLoaded)
	}
	if st := u.ActiveState(); st != StateActive {
		return fmt.Errorf("reload %s while %s: %w", u.id, st, ErrBadState)
	}
	return u.sub.Reload()
}

func (u *Unit) kill() error {
	if len(u.children) == 0 && u.ActiveState().IsInactiveOrFailed() {
		return fmt.Errorf("kill %s: %w", u.id, ErrBadState)
	}
	return u.sub.Kill()
}

func (u *Unit) resetFailed() {
	u.startLimit.Reset()
	u.sub.ResetFailed()
}

func (u *Unit) sigchld(pid int, code int, sig syscall.Signal) {
	u.UnwatchPid(pid)
	u.sub.SigchldEvent(pid, code, sig)
}

func (u *Unit) persistMng() {
	u.m.re.mng.Insert(u.id, mngRecord{Invocation: u.invocation, Active: u.active, Since: u.since})
}

// dbMap restores the generic fields from the imported tables.
func (u *Unit) dbMap() error {
	if s, ok := u.m.re.load.Get(u.id); ok {
		u.load = s
	}
	if c, ok := u.m.re.conf.Get(u.id); ok {
		u.conf = c.Conf
		u.paths = c.Paths
		u.startLimit.Configure(c.Conf.StartLimitInterval, c.Conf.StartLimitBurst)
	}
	if cg, ok := u.m.re.cgroup.Get(u.id); ok {
		u.cgroup = cg
	}
	if pids, ok := u.m.re.child.Get(u.id); ok {
		for _, pid := range pids {
			u.children[pid] = struct{}{}
			u.m.pids[pid] = u.id
		}
	}
	if p, ok := u.m.re.pps.Get(u.id); ok {
		u.pps = p
	}
	if mng, ok := u.m.re.mng.Get(u.id); ok {
		u.invocation = mng.Invocation
		u.active = mng.Active
		u.since = mng.Since
	}
	if snap, ok := u.m.re.dep.Get(u.id); ok {
		if err := u.m.deps.restore(u.id, snap); err != nil {
			return fmt.Errorf("%s dependencies: %w", u.id, err)
		}
	}
	return nil
}

// dbInsert writes every generic field of the in-memory unit.
func (u *Unit) dbInsert() {
	re := u.m.re
	re.base.Insert(u.id, baseRecord{Type: u.typ})
	re.load.Insert(u.id, u.load)
	if u.load == LoadLoaded {
		re.conf.Insert(u.id, confRecord{Conf: u.conf, Paths: u.paths})
	}
	if u.cgroup != "" {
		re.cgroup.Insert(u.id, u.cgroup)
	}
	if len(u.children) > 0 {
		re.child.Insert(u.id, u.Pids())
	}
	if u.pps != 0 {
		re.pps.Insert(u.id, u.pps)
	}
	if snap := u.m.deps.snapshot(u.id); snap != nil {
		re.dep.Insert(u.id, snap)
	}
	u.persistMng()
}
