package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/gofrs/flock"

	"github.com/loykin/unitd/internal/process"
)

// daemonChildEnv marks the re-executed child of --daemonize.
const daemonChildEnv = "UNITD_DAEMON_CHILD"

// parentOnly are serve flags handled by the parent; true means the flag
// takes a separate value.
var parentOnly = map[string]bool{"--daemonize": false, "--logfile": true}

// childArgs drops parentOnly flags from args.
func childArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		takesValue, skip := parentOnly[args[i]]
		switch {
		case !skip:
			out = append(out, args[i])
		case takesValue:
			i++
		}
	}
	return out
}

// daemonize re-executes unitd in a new session with stdout and stderr
// appended to logFile, then exits. It returns nil in the child.
func daemonize(logFile string) error {
	if os.Getenv(daemonChildEnv) == "1" {
		return nil
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("daemonize: %w", err)
	}
	// #nosec G204
	cmd := exec.Command(exe, childArgs(os.Args[1:])...)
	cmd.Env = append(os.Environ(), daemonChildEnv+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if logFile != "" {
		// #nosec G304
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("daemonize: %w", err)
		}
		defer func() { _ = f.Close() }()
		cmd.Stdout, cmd.Stderr = f, f
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("daemonize: %w", err)
	}
	fmt.Printf("unitd started with PID %d\n", cmd.Process.Pid)
	os.Exit(0)
	return nil
}

// pidFile is a pid file guarded by a lock held for the life of the daemon.
type pidFile struct {
	path string
	lock *flock.Flock
}

var errAlreadyRunning = errors.New("unitd is already running")

// acquirePidFile takes path.lock and writes pid to path. A second daemon
// with the same pid file fails instead of overwriting it.
func acquirePidFile(path string, pid int) (*pidFile, error) {
	lk := flock.New(path + ".lock")
	ok, err := lk.TryLock()
	if err != nil {
		return nil, fmt.Errorf("pidfile %s: %w", path, err)
	}
	if !ok {
		if other, err := process.ReadPIDFile(path); err == nil {
			return nil, fmt.Errorf("%w (pid %d)", errAlreadyRunning, other)
		}
		return nil, errAlreadyRunning
	}
	if err := process.WritePIDFile(path, pid); err != nil {
		_ = lk.Unlock()
		return nil, err
	}
	return &pidFile{path: path, lock: lk}, nil
}

func (p *pidFile) release() error {
	err := os.Remove(p.path)
	return errors.Join(err, p.lock.Unlock())
}
