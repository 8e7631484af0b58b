//go:build linux

package event

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const postPriority int8 = -100

type entry struct {
	tok   uint32
	src   Source
	state State
	fd    int // epoll registered fd: the io fd or the timerfd, -1 for defer
	own   bool
	inEp  bool
}

// Events is the reactor.
type Events struct {
	epfd    int
	entries map[uint32]*entry
	bySrc   map[Source]*entry
	nextTok uint32
	evbuf   []unix.EpollEvent
	exit    bool

	postFd  int
	postMu  sync.Mutex
	posted  []func()
	postEnt *entry
}

// New creates a reactor backed by an epoll instance.
func New() (*Events, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	e := &Events{
		epfd:    epfd,
		entries: make(map[uint32]*entry),
		bySrc:   make(map[Source]*entry),
		evbuf:   make([]unix.EpollEvent, 64),
		postFd:  efd,
	}
	ps := &postSource{fd: efd}
	if err := e.AddSource(ps); err != nil {
		_ = e.Close()
		return nil, err
	}
	if err := e.SetEnabled(ps, StateOn); err != nil {
		_ = e.Close()
		return nil, err
	}
	e.postEnt = e.bySrc[ps]
	return e, nil
}

// Close releases the epoll instance and every owned timerfd.
func (e *Events) Close() error {
	for _, ent := range e.entries {
		if ent.own && ent.fd >= 0 {
			_ = unix.Close(ent.fd)
		}
	}
	e.entries = map[uint32]*entry{}
	e.bySrc = map[Source]*entry{}
	e.postMu.Lock()
	_ = unix.Close(e.postFd)
	e.postFd = -1
	e.posted = nil
	e.postMu.Unlock()
	return unix.Close(e.epfd)
}

// AddSource registers s in the Off state.
func (e *Events) AddSource(s Source) error {
	if _, ok := e.bySrc[s]; ok {
		return ErrDuplicate
	}
	tok, err := e.token(s)
	if err != nil {
		return err
	}
	ent := &entry{tok: tok, src: s, fd: -1}
	switch s.Type() {
	case TypeIo:
		io, ok := s.(IoSource)
		if !ok {
			return fmt.Errorf("io source %T does not implement IoSource", s)
		}
		ent.fd = io.Fd()
	case TypeTimer:
		if _, ok := s.(TimerSource); !ok {
			return fmt.Errorf("timer source %T does not implement TimerSource", s)
		}
		tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
		if err != nil {
			return fmt.Errorf("timerfd_create: %w", err)
		}
		ent.fd = tfd
		ent.own = true
	case TypeDefer:
	default:
		return fmt.Errorf("unknown source type %d", s.Type())
	}
	e.entries[ent.tok] = ent
	e.bySrc[s] = ent
	return nil
}

// token returns the requested token of s, or the next free one.
func (e *Events) token(s Source) (uint32, error) {
	if ts, ok := s.(TokenSource); ok {
		if tok := ts.Token(); tok != 0 {
			if _, taken := e.entries[tok]; taken {
				return 0, fmt.Errorf("token %d: %w", tok, ErrDuplicate)
			}
			return tok, nil
		}
	}
	for {
		e.nextTok++
		if _, taken := e.entries[e.nextTok]; !taken && e.nextTok != 0 {
			return e.nextTok, nil
		}
	}
}

// Token returns the token s was registered under.
func (e *Events) Token(s Source) (uint32, bool) {
	ent, ok := e.bySrc[s]
	if !ok {
		return 0, false
	}
	return ent.tok, true
}

// Lookup returns the source registered under tok.
func (e *Events) Lookup(tok uint32) (Source, bool) {
	ent, ok := e.entries[tok]
	if !ok {
		return nil, false
	}
	return ent.src, true
}

// DelSource unregisters s. Deleting from inside a dispatch is allowed.
func (e *Events) DelSource(s Source) error {
	ent, ok := e.bySrc[s]
	if !ok {
		return ErrUnknownSource
	}
	e.unwatch(ent)
	if ent.own {
		_ = unix.Close(ent.fd)
	}
	delete(e.entries, ent.tok)
	delete(e.bySrc, s)
	return nil
}

// Has reports whether s is registered.
func (e *Events) Has(s Source) bool {
	_, ok := e.bySrc[s]
	return ok
}

// State returns the state of s.
func (e *Events) State(s Source) (State, error) {
	ent, ok := e.bySrc[s]
	if !ok {
		return StateOff, ErrUnknownSource
	}
	return ent.state, nil
}

// SetEnabled changes the state of s. Enabling a timer (re)arms it.
func (e *Events) SetEnabled(s Source, st State) error {
	ent, ok := e.bySrc[s]
	if !ok {
		return ErrUnknownSource
	}
	ent.state = st
	if st == StateOff {
		e.unwatch(ent)
		return nil
	}
	if ent.src.Type() == TypeTimer {
		if err := e.arm(ent); err != nil {
			return err
		}
	}
	return e.watch(ent)
}

func (e *Events) watch(ent *entry) error {
	if ent.fd < 0 || ent.inEp {
		return nil
	}
	mask := uint32(unix.EPOLLIN)
	if io, ok := ent.src.(IoSource); ok && ent.src.Type() == TypeIo {
		mask = io.EpollEvents()
	}
	ev := unix.EpollEvent{Events: mask, Fd: int32(ent.tok)}
	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, ent.fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", ent.fd, err)
	}
	ent.inEp = true
	return nil
}

func (e *Events) unwatch(ent *entry) {
	if !ent.inEp {
		return
	}
	_ = unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, ent.fd, nil)
	ent.inEp = false
}

func (e *Events) arm(ent *entry) error {
	d := ent.src.(TimerSource).Timeout()
	if d <= 0 {
		d = time.Nanosecond
	}
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(d.Nanoseconds())}
	if err := unix.TimerfdSettime(ent.fd, 0, &spec, nil); err != nil {
		return fmt.Errorf("timerfd_settime: %w", err)
	}
	return nil
}

func (e *Events) hasDefer() bool {
	for _, ent := range e.entries {
		if ent.state != StateOff && ent.src.Type() == TypeDefer {
			return true
		}
	}
	return false
}

// Run performs one iteration: wait up to timeout (negative waits forever)
// and dispatch everything ready.
func (e *Events) Run(timeout time.Duration) error {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	if e.hasDefer() {
		ms = 0
	}
	n, err := unix.EpollWait(e.epfd, e.evbuf, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return fmt.Errorf("epoll_wait: %w", err)
	}

	ready := make([]*entry, 0, n+1)
	for i := 0; i < n; i++ {
		ent, ok := e.entries[uint32(e.evbuf[i].Fd)]
		if !ok || ent.state == StateOff {
			continue
		}
		if ent.src.Type() == TypeTimer {
			drain(ent.fd)
		}
		ready = append(ready, ent)
	}
	for _, ent := range e.entries {
		if ent.state != StateOff && ent.src.Type() == TypeDefer {
			ready = append(ready, ent)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		pi, pj := ready[i].src.Priority(), ready[j].src.Priority()
		if pi != pj {
			return pi < pj
		}
		return ready[i].tok < ready[j].tok
	})

	for _, ent := range ready {
		if e.exit {
			return nil
		}
		// an earlier dispatch may have removed or disabled this one
		if cur, ok := e.entries[ent.tok]; !ok || cur != ent || ent.state == StateOff {
			continue
		}
		switch {
		case ent.state == StateOneShot:
			_ = e.SetEnabled(ent.src, StateOff)
		case ent.src.Type() == TypeTimer:
			if err := e.arm(ent); err != nil {
				slog.Error("event timer rearm failed", "err", err)
			}
		}
		if err := ent.src.Dispatch(e); err != nil {
			slog.Error("event source dispatch failed", "type", ent.src.Type().String(), "source", fmt.Sprintf("%T", ent.src), "err", err)
		}
	}
	return nil
}

// Loop runs iterations until SetExit is called or ctx is done.
func (e *Events) Loop(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { e.Post(e.SetExit) })
	defer stop()
	for !e.exit {
		if err := e.Run(-1); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// SetExit makes Loop return after the current dispatch.
func (e *Events) SetExit() { e.exit = true }

// Exited reports whether SetExit was called.
func (e *Events) Exited() bool { return e.exit }

// Post queues fn to run on the loop goroutine. Safe for concurrent use;
// functions posted after Close are dropped.
func (e *Events) Post(fn func()) {
	e.postMu.Lock()
	defer e.postMu.Unlock()
	if e.postFd < 0 {
		return
	}
	e.posted = append(e.posted, fn)
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], 1)
	_, _ = unix.Write(e.postFd, b[:])
}

func (e *Events) runPosted() {
	e.postMu.Lock()
	drain(e.postFd)
	fns := e.posted
	e.posted = nil
	e.postMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type postSource struct{ fd int }

func (p *postSource) Type() Type          { return TypeIo }
func (p *postSource) Priority() int8      { return postPriority }
func (p *postSource) Fd() int             { return p.fd }
func (p *postSource) EpollEvents() uint32 { return unix.EPOLLIN }
func (p *postSource) Dispatch(e *Events) error {
	e.runPosted()
	return nil
}

func drain(fd int) {
	var b [8]byte
	for {
		if _, err := unix.Read(fd, b[:]); err != nil {
			return
		}
	}
}
