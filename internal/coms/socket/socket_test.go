//go:build linux

package socket

import (
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/unitd/internal/event"
	"github.com/loykin/unitd/internal/reli"
	"github.com/loykin/unitd/internal/unit"
	"github.com/loykin/unitd/internal/unitfile"
)

// svcManager is a service stand-in that activates on start and records
// every start.
type svcManager struct {
	reli.NopStation
	started []string
}

func (sm *svcManager) NewSubUnit() unit.SubUnit { return &svc{m: sm} }

type svc struct {
	m      *svcManager
	u      *unit.Unit
	active bool
}

func (s *svc) Attach(u *unit.Unit)                   { s.u = u }
func (s *svc) Load(*unitfile.File) error             { return nil }
func (s *svc) SubState() string                      { return "" }
func (s *svc) Reload() error                         { return nil }
func (s *svc) Kill() error                           { return nil }
func (s *svc) ResetFailed()                          {}
func (s *svc) StartLimitHit()                        {}
func (s *svc) SigchldEvent(int, int, syscall.Signal) {}
func (s *svc) ReleaseResources()                     {}
func (s *svc) DbMap(bool) error                      { return nil }
func (s *svc) DbInsert()                             {}
func (s *svc) RegisterEx() error                     { return nil }

func (s *svc) CurrentActiveState() unit.ActiveState {
	if s.active {
		return unit.StateActive
	}
	return unit.StateInactive
}

func (s *svc) Start() error {
	s.m.started = append(s.m.started, s.u.ID())
	s.active = true
	s.u.Notify(unit.StateInactive, unit.StateActive, 0)
	return nil
}

func (s *svc) Stop(bool) error {
	s.active = false
	s.u.Notify(unit.StateActive, unit.StateInactive, 0)
	return nil
}

type env struct {
	rl  *reli.Reliability
	ev  *event.Events
	um  *unit.Manager
	sm  *Manager
	svc *svcManager
}

func newEnv(t *testing.T, home, units string) *env {
	t.Helper()
	rl, err := reli.New(reli.Config{Home: home})
	require.NoError(t, err)
	ev, err := event.New()
	require.NoError(t, err)
	e := &env{rl: rl, ev: ev, svc: &svcManager{}}
	t.Cleanup(e.close)

	reg := unit.NewRegistry()
	require.NoError(t, reg.Register(unit.TypeService, func(unit.UmIf) (unit.SubManager, error) { return e.svc, nil }))
	require.NoError(t, reg.Register(unit.TypeSocket, Factory))
	e.um, err = unit.New(unit.Config{}, rl, ev, unitfile.NewLookup([]string{units}), reg)
	require.NoError(t, err)
	sub, _ := e.um.SubManager(unit.TypeSocket)
	e.sm = sub.(*Manager)
	return e
}

func (e *env) close() {
	if e.ev == nil {
		return
	}
	_ = e.um.Close()
	_ = e.ev.Close()
	_ = e.rl.Close()
	e.ev = nil
}

func (e *env) waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		require.NoError(t, e.ev.Run(20*time.Millisecond))
	}
}

func unitDir(t *testing.T, sock string) string {
	t.Helper()
	dir := t.TempDir()
	body := "[Socket]\nListenStream = [\"" + sock + "\"]\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "echo.socket"), []byte(body), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "echo.service"), []byte(""), 0o644))
	return dir
}

func TestConnectionStartsService(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "echo.sock")
	e := newEnv(t, t.TempDir(), unitDir(t, sock))
	require.NoError(t, e.um.Recover())

	require.NoError(t, e.um.Start("echo.socket"))
	u, _ := e.um.Unit("echo.socket")
	e.waitFor(t, "listening", func() bool { return u.SubState() == "listening" })
	assert.Equal(t, []string{"echo.service"}, u.Dependencies(unit.RelTriggers))
	s := u.Sub().(*Socket)
	require.Len(t, s.ListenFiles(), 1)

	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	e.waitFor(t, "service start", func() bool { return len(e.svc.started) == 1 })
	assert.Equal(t, "running", u.SubState())
	assert.Equal(t, unit.StateActive, u.ActiveState())

	// the queued connection must not trigger again while the service runs
	require.NoError(t, e.ev.Run(50*time.Millisecond))
	assert.Len(t, e.svc.started, 1)

	// the service takes the connection off the queue
	accepted, err := s.lns[0].ln.Accept()
	require.NoError(t, err)
	_ = accepted.Close()

	require.NoError(t, e.um.Stop("echo.service", false))
	e.waitFor(t, "listening again", func() bool { return u.SubState() == "listening" })
}

func TestStopClosesListeners(t *testing.T) {
	e := newEnv(t, t.TempDir(), unitDir(t, "127.0.0.1:0"))
	require.NoError(t, e.um.Recover())
	require.NoError(t, e.um.Start("echo.socket"))
	u, _ := e.um.Unit("echo.socket")
	e.waitFor(t, "listening", func() bool { return u.SubState() == "listening" })
	addr := u.Sub().(*Socket).Addrs()[0].String()

	require.NoError(t, e.um.Stop("echo.socket", false))
	e.waitFor(t, "dead", func() bool { return u.ActiveState() == unit.StateInactive })
	_, err := net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)
}

func TestManagerCloseReleasesListeners(t *testing.T) {
	e := newEnv(t, t.TempDir(), unitDir(t, "127.0.0.1:0"))
	require.NoError(t, e.um.Recover())
	require.NoError(t, e.um.Start("echo.socket"))
	u, _ := e.um.Unit("echo.socket")
	e.waitFor(t, "listening", func() bool { return u.SubState() == "listening" })
	s := u.Sub().(*Socket)
	addr := s.Addrs()[0].String()

	require.NoError(t, e.um.Close())
	assert.Empty(t, s.ListenFiles())
	_, err := net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)
	// the unit keeps its state; the next manager reopens the listeners
	assert.Equal(t, "listening", u.SubState())
}

func TestLoadRejectsMissingListen(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.socket"), []byte("[Socket]\n"), 0o644))
	e := newEnv(t, t.TempDir(), dir)
	require.NoError(t, e.um.Recover())
	u, err := e.um.LoadUnit("bad.socket")
	require.NoError(t, err)
	assert.Equal(t, unit.LoadError, u.LoadState())
}

func TestListenersReopenedAfterRestart(t *testing.T) {
	home := t.TempDir()
	sock := filepath.Join(t.TempDir(), "echo.sock")
	units := unitDir(t, sock)

	e1 := newEnv(t, home, units)
	require.NoError(t, e1.um.Recover())
	require.NoError(t, e1.um.Start("echo.socket"))
	u1, _ := e1.um.Unit("echo.socket")
	e1.waitFor(t, "listening", func() bool { return u1.SubState() == "listening" })
	e1.rl.Commit()
	e1.close()

	e2 := newEnv(t, home, units)
	require.NoError(t, e2.um.Recover())
	u2, _ := e2.um.Unit("echo.socket")
	assert.Equal(t, "listening", u2.SubState())

	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	e2.waitFor(t, "service start", func() bool { return len(e2.svc.started) == 1 })
}

func TestInterruptedTriggerListensAgain(t *testing.T) {
	home := t.TempDir()
	sock := filepath.Join(t.TempDir(), "echo.sock")
	units := unitDir(t, sock)

	e1 := newEnv(t, home, units)
	require.NoError(t, e1.um.Recover())
	require.NoError(t, e1.rl.SetEnable(true))
	require.NoError(t, e1.um.Start("echo.socket"))
	u1, _ := e1.um.Unit("echo.socket")
	e1.waitFor(t, "listening", func() bool { return u1.SubState() == "listening" })

	// die after the socket switched to running, before the service job ran
	e1.rl.SetLastFrame(reli.FrameSubManager, uint32(unit.TypeSocket), frameFdListen)
	e1.rl.SetLastUnit("echo.socket")
	u1.Sub().(*Socket).setState(Running)
	e1.rl.Commit()
	e1.close()

	e2 := newEnv(t, home, units)
	require.NoError(t, e2.um.Recover())
	u2, _ := e2.um.Unit("echo.socket")
	assert.Equal(t, "listening", u2.SubState())
}
