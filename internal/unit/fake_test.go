//go:build linux

package unit

import (
	"fmt"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loykin/unitd/internal/event"
	"github.com/loykin/unitd/internal/reli"
	"github.com/loykin/unitd/internal/store"
	"github.com/loykin/unitd/internal/unitfile"
)

// mapLoader serves unit files from memory.
type mapLoader map[string]string

func (l mapLoader) Load(name string) (*unitfile.File, error) {
	body, ok := l[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, unitfile.ErrNotFound)
	}
	return unitfile.Parse(name, strings.NewReader(body))
}

// fakeManager is a type manager whose units change state synchronously.
type fakeManager struct {
	reli.NopStation
	state *store.KV[string, ActiveState]
	// hold keeps started units in Activating; fail drives them to Failed.
	hold   map[string]bool
	fail   map[string]bool
	starts *[]string
}

func (fm *fakeManager) NewSubUnit() SubUnit { return &fakeSub{fm: fm} }

type fakeSub struct {
	fm    *fakeManager
	u     *Unit
	state ActiveState
}

func (s *fakeSub) Attach(u *Unit)                  { s.u = u }
func (s *fakeSub) Load(*unitfile.File) error       { return nil }
func (s *fakeSub) CurrentActiveState() ActiveState { return s.state }
func (s *fakeSub) SubState() string                { return s.state.String() }

func (s *fakeSub) set(st ActiveState) {
	old := s.state
	s.state = st
	s.fm.state.Insert(s.u.ID(), st)
	s.u.Notify(old, st, 0)
}

func (s *fakeSub) Start() error {
	*s.fm.starts = append(*s.fm.starts, s.u.ID())
	s.set(StateActivating)
	switch {
	case s.fm.fail[s.u.ID()]:
		s.set(StateFailed)
	case !s.fm.hold[s.u.ID()]:
		s.set(StateActive)
	}
	return nil
}

func (s *fakeSub) Stop(bool) error {
	s.set(StateInactive)
	return nil
}

func (s *fakeSub) Reload() error { return nil }
func (s *fakeSub) Kill() error   { return nil }

func (s *fakeSub) ResetFailed() {
	if s.state == StateFailed {
		s.set(StateInactive)
	}
}

func (s *fakeSub) StartLimitHit() { s.set(StateFailed) }

func (s *fakeSub) SigchldEvent(int, int, syscall.Signal) { s.set(StateInactive) }
func (s *fakeSub) ReleaseResources()                     {}

func (s *fakeSub) DbMap(reload bool) error {
	if reload {
		return nil
	}
	if st, ok := s.fm.state.Get(s.u.ID()); ok {
		s.state = st
	}
	return nil
}

func (s *fakeSub) DbInsert()         { s.fm.state.Insert(s.u.ID(), s.state) }
func (s *fakeSub) RegisterEx() error { return nil }

type harness struct {
	home   string
	rl     *reli.Reliability
	ev     *event.Events
	m      *Manager
	fakes  map[Type]*fakeManager
	starts []string
}

func newHarness(t *testing.T, home string, files mapLoader, cfg Config) *harness {
	t.Helper()
	rl, err := reli.New(reli.Config{Home: home})
	require.NoError(t, err)
	ev, err := event.New()
	require.NoError(t, err)
	h := &harness{home: home, rl: rl, ev: ev, fakes: make(map[Type]*fakeManager)}
	t.Cleanup(h.close)

	reg := NewRegistry()
	for _, typ := range []Type{TypeService, TypeTarget} {
		typ := typ
		require.NoError(t, reg.Register(typ, func(um UmIf) (SubManager, error) {
			fm := &fakeManager{
				state:  store.NewKV[string, ActiveState]("fake-" + typ.String()),
				hold:   make(map[string]bool),
				fail:   make(map[string]bool),
				starts: &h.starts,
			}
			um.Reli().HistoryRegister(fm.state.Name(), fm.state)
			h.fakes[typ] = fm
			return fm, nil
		}))
	}
	h.m, err = New(cfg, rl, ev, files, reg)
	require.NoError(t, err)
	return h
}

func (h *harness) close() {
	if h.ev != nil {
		_ = h.ev.Close()
		h.ev = nil
	}
	if h.rl != nil {
		_ = h.rl.Close()
		h.rl = nil
	}
}

// settle runs loop iterations until no deferred work is left.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	for i := 0; i < 50; i++ {
		require.NoError(t, h.ev.Run(0))
	}
}

func (h *harness) state(id string) ActiveState {
	u, ok := h.m.Unit(id)
	if !ok {
		return -1
	}
	return u.ActiveState()
}
