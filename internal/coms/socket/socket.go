// Package socket implements socket units: listening sockets opened by the
// manager that start their service on the first incoming connection and
// hand the listening fds over to it.
package socket

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/loykin/unitd/internal/event"
	"github.com/loykin/unitd/internal/reli"
	"github.com/loykin/unitd/internal/unit"
	"github.com/loykin/unitd/internal/unitfile"
)

// State is the socket sub state.
type State int

const (
	Dead State = iota
	Listening
	Running
	Failed
)

var stateNames = [...]string{"dead", "listening", "running", "failed"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "invalid"
}

// ActiveState maps the sub state.
func (s State) ActiveState() unit.ActiveState {
	switch s {
	case Listening, Running:
		return unit.StateActive
	case Failed:
		return unit.StateFailed
	default:
		return unit.StateInactive
	}
}

// Config is the decoded [Socket] section.
type Config struct {
	// ListenStream entries are unix socket paths (starting with "/" or "@")
	// or tcp addresses.
	ListenStream []string `json:"listen_stream"`
	// Service defaults to the socket's name with the .service suffix.
	Service string `json:"service"`
}

func (c *Config) validate() error {
	if len(c.ListenStream) == 0 {
		return errors.New("ListenStream is required")
	}
	if t, err := unit.TypeFromName(c.Service); err != nil || t != unit.TypeService {
		return fmt.Errorf("Service=%s is not a service unit", c.Service)
	}
	return nil
}

type listener struct {
	addr string
	ln   net.Listener
	f    *os.File
	src  *event.IoFunc
}

// Socket is the sub unit of a .socket unit.
type Socket struct {
	m     *Manager
	u     *unit.Unit
	cfg   Config
	state State
	lns   []*listener
}

func (s *Socket) Attach(u *unit.Unit) { s.u = u }

func (s *Socket) Load(f *unitfile.File) error {
	var cfg Config
	if err := f.Decode("Socket", &cfg); err != nil {
		return err
	}
	if cfg.Service == "" {
		cfg.Service = strings.TrimSuffix(s.u.ID(), ".socket") + ".service"
	}
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("%s: %w", s.u.ID(), err)
	}
	s.cfg = cfg
	s.m.conf.Insert(s.u.ID(), cfg)
	if err := s.u.AddDependency(unit.RelTriggers, cfg.Service); err != nil {
		return err
	}
	return s.u.AddDependency(unit.RelBefore, cfg.Service)
}

// Config returns the loaded configuration.
func (s *Socket) Config() Config { return s.cfg }

func (s *Socket) CurrentActiveState() unit.ActiveState { return s.state.ActiveState() }
func (s *Socket) SubState() string                     { return s.state.String() }

// ListenFiles returns the listening sockets in ListenStream order; they are
// passed to the service as fd 3 onwards.
func (s *Socket) ListenFiles() []*os.File {
	out := make([]*os.File, 0, len(s.lns))
	for _, l := range s.lns {
		out = append(out, l.f)
	}
	return out
}

// Addrs returns the bound addresses, useful when a port was chosen by the
// kernel.
func (s *Socket) Addrs() []net.Addr {
	out := make([]net.Addr, 0, len(s.lns))
	for _, l := range s.lns {
		out = append(out, l.ln.Addr())
	}
	return out
}

func (s *Socket) Start() error {
	if s.state != Dead && s.state != Failed {
		return fmt.Errorf("%s in %s: %w", s.u.ID(), s.state, unit.ErrBadState)
	}
	if err := s.open(); err != nil {
		slog.Error("socket: listen failed", "unit", s.u.ID(), "err", err)
		s.setState(Failed)
		return err
	}
	s.watch(true)
	s.setState(Listening)
	return nil
}

func (s *Socket) Stop(bool) error {
	s.closeAll()
	s.setState(Dead)
	return nil
}

func (s *Socket) Reload() error { return nil }
func (s *Socket) Kill() error   { return nil }

func (s *Socket) ResetFailed() {
	if s.state == Failed {
		s.setState(Dead)
	}
}

func (s *Socket) StartLimitHit() {
	s.closeAll()
	s.setState(Failed)
}

func (s *Socket) SigchldEvent(int, int, syscall.Signal) {}

func (s *Socket) ReleaseResources() { s.closeAll() }

// TriggerNotify puts the socket back to listening once its service is gone.
func (s *Socket) TriggerNotify(other *unit.Unit) {
	if s.state != Running || !other.ActiveState().IsInactiveOrFailed() {
		return
	}
	if err := s.open(); err != nil {
		slog.Error("socket: listen failed", "unit", s.u.ID(), "err", err)
		s.setState(Failed)
		return
	}
	s.watch(true)
	s.setState(Listening)
}

func (s *Socket) open() error {
	if len(s.lns) > 0 {
		return nil
	}
	for _, addr := range s.cfg.ListenStream {
		l, err := listen(addr)
		if err != nil {
			s.closeAll()
			return err
		}
		fd := int(l.f.Fd())
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = l.close()
			s.closeAll()
			return err
		}
		l.src = event.NewIo(ioPriority, fd, unix.EPOLLIN, func(*event.Events) error {
			s.dispatchIo()
			return nil
		})
		if err := s.u.Events().AddSource(l.src); err != nil {
			_ = l.close()
			s.closeAll()
			return err
		}
		s.lns = append(s.lns, l)
	}
	return nil
}

func listen(addr string) (*listener, error) {
	network := "tcp"
	if strings.HasPrefix(addr, "/") || strings.HasPrefix(addr, "@") {
		network = "unix"
		if strings.HasPrefix(addr, "/") {
			_ = os.Remove(addr)
		}
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	var f *os.File
	switch l := ln.(type) {
	case *net.TCPListener:
		f, err = l.File()
	case *net.UnixListener:
		l.SetUnlinkOnClose(true)
		f, err = l.File()
	default:
		err = fmt.Errorf("unsupported listener %T", ln)
	}
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &listener{addr: addr, ln: ln, f: f}, nil
}

func (l *listener) close() error {
	err := l.f.Close()
	return errors.Join(err, l.ln.Close())
}

func (s *Socket) closeAll() {
	for _, l := range s.lns {
		if l.src != nil {
			_ = s.u.Events().DelSource(l.src)
		}
		_ = l.close()
	}
	s.lns = nil
}

func (s *Socket) watch(on bool) {
	st := event.StateOff
	if on {
		st = event.StateOn
	}
	for _, l := range s.lns {
		if err := s.u.Events().SetEnabled(l.src, st); err != nil {
			slog.Error("socket: watch failed", "unit", s.u.ID(), "addr", l.addr, "err", err)
		}
	}
}

// dispatchIo starts the service on the first connection. The connection is
// left queued for the service to accept.
func (s *Socket) dispatchIo() {
	if s.state != Listening {
		s.watch(false)
		return
	}
	rl := s.u.Reli()
	rl.SetLastFrame(reli.FrameSubManager, uint32(unit.TypeSocket), frameFdListen)
	rl.SetLastUnit(s.u.ID())
	defer func() {
		rl.ClearLastUnit()
		rl.ClearLastFrame()
	}()

	s.watch(false)
	s.setState(Running)
	slog.Info("socket: incoming connection, starting service", "unit", s.u.ID(), "service", s.cfg.Service)
	if err := s.m.um.StartUnit(s.cfg.Service); err != nil {
		slog.Error("socket: cannot start service", "unit", s.u.ID(), "service", s.cfg.Service, "err", err)
		s.closeAll()
		s.setState(Failed)
	}
}

func (s *Socket) setState(st State) {
	old := s.state
	s.state = st
	s.m.mng.Insert(s.u.ID(), s.state)
	s.u.Notify(old.ActiveState(), st.ActiveState(), 0)
}

func (s *Socket) DbMap(reload bool) error {
	if reload {
		return nil
	}
	id := s.u.ID()
	if c, ok := s.m.conf.Get(id); ok {
		s.cfg = c
	}
	if st, ok := s.m.mng.Get(id); ok {
		s.state = st
	}
	return nil
}

func (s *Socket) DbInsert() {
	if s.u.LoadState() == unit.LoadLoaded {
		s.m.conf.Insert(s.u.ID(), s.cfg)
	}
	s.m.mng.Insert(s.u.ID(), s.state)
}

// RegisterEx reopens the listeners of an active socket. A running socket
// whose service still holds the addresses waits for the service to stop.
func (s *Socket) RegisterEx() error {
	if s.state != Listening && s.state != Running {
		return nil
	}
	if err := s.open(); err != nil {
		if s.state == Running {
			slog.Info("socket: addresses still held by the service", "unit", s.u.ID(), "err", err)
			return nil
		}
		s.setState(Failed)
		return err
	}
	s.watch(s.state == Listening)
	return nil
}
