//go:build !windows

package process

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"

	"github.com/loykin/unitd/internal/env"
)

// ExitFunc receives a child exit. code is the exit status, or -1 when the
// child was killed by sig.
type ExitFunc func(pid int, code int, sig syscall.Signal)

// Spawner starts unit processes and reports their exits. Exits are handed
// to post so they are delivered on the caller's event loop, never on the
// waiting goroutine.
type Spawner struct {
	env    *env.Env
	post   func(func())
	onExit ExitFunc

	mu      sync.Mutex
	running map[int]string // pid -> unit
}

// NewSpawner returns a spawner. post must be safe for concurrent use.
func NewSpawner(e *env.Env, post func(func()), onExit ExitFunc) *Spawner {
	if e == nil {
		e = env.New()
	}
	return &Spawner{env: e, post: post, onExit: onExit, running: make(map[int]string)}
}

// Spawn starts the process described by s and returns its pid.
func (sp *Spawner) Spawn(s Spec) (int, error) {
	cmd := s.BuildCommand()
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	cmd.Env = sp.env.Merge(s.Env)
	cmd.ExtraFiles = s.ExtraFiles
	setGroup(cmd)

	outW, errW, err := s.Log.ProcessWriters(s.Unit)
	if err != nil {
		return 0, fmt.Errorf("spawn %s: log writers: %w", s.Unit, err)
	}
	closers := attachOutput(cmd, outW, errW)

	if err := cmd.Start(); err != nil {
		closeAll(closers)
		return 0, fmt.Errorf("spawn %s: %w", s.Unit, err)
	}
	pid := cmd.Process.Pid
	if s.PIDFile != "" {
		if err := WritePIDFile(s.PIDFile, pid); err != nil {
			slog.Warn("pidfile write failed", "unit", s.Unit, "path", s.PIDFile, "err", err)
		}
	}
	sp.mu.Lock()
	sp.running[pid] = s.Unit
	sp.mu.Unlock()
	slog.Debug("process spawned", "unit", s.Unit, "pid", pid, "command", s.Command)

	go sp.wait(cmd, s, closers)
	return pid, nil
}

func (sp *Spawner) wait(cmd *exec.Cmd, s Spec, closers []io.Closer) {
	err := cmd.Wait()
	closeAll(closers)
	pid := cmd.Process.Pid
	code, sig := exitStatus(cmd, err)
	if s.PIDFile != "" {
		_ = os.Remove(s.PIDFile)
	}
	sp.mu.Lock()
	delete(sp.running, pid)
	sp.mu.Unlock()
	slog.Debug("process exited", "unit", s.Unit, "pid", pid, "code", code, "signal", sig)
	if sp.onExit == nil {
		return
	}
	deliver := func() { sp.onExit(pid, code, sig) }
	if sp.post != nil {
		sp.post(deliver)
		return
	}
	deliver()
}

// Running returns the pids still being waited for, sorted.
func (sp *Spawner) Running() []int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	out := make([]int, 0, len(sp.running))
	for pid := range sp.running {
		out = append(out, pid)
	}
	sort.Ints(out)
	return out
}

func exitStatus(cmd *exec.Cmd, err error) (int, syscall.Signal) {
	var ee *exec.ExitError
	if err != nil && !errors.As(err, &ee) {
		return -1, 0
	}
	ps := cmd.ProcessState
	if ps == nil {
		return -1, 0
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -1, ws.Signal()
	}
	return ps.ExitCode(), 0
}

func attachOutput(cmd *exec.Cmd, outW, errW io.WriteCloser) []io.Closer {
	var closers []io.Closer
	null, _ := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if null != nil {
		closers = append(closers, null)
		cmd.Stdin = null
	}
	if outW != nil {
		cmd.Stdout = outW
		closers = append(closers, outW)
	} else if null != nil {
		cmd.Stdout = null
	}
	if errW != nil {
		cmd.Stderr = errW
		closers = append(closers, errW)
	} else if null != nil {
		cmd.Stderr = null
	}
	return closers
}

func closeAll(cs []io.Closer) {
	for _, c := range cs {
		_ = c.Close()
	}
}
