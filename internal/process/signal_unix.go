//go:build !windows

package process

import (
	"errors"
	"os/exec"
	"syscall"

	"github.com/prometheus/procfs"
)

// setGroup makes the child lead a new process group. The group outlives the
// manager, so no parent death signal is set.
func setGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// Signal sends sig to the process group led by pid, falling back to the
// single pid when it does not lead a group (adopted processes).
func Signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return syscall.ESRCH
	}
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		err = syscall.Kill(pid, sig)
	}
	return err
}

// Alive reports whether pid exists and has not exited. Zombies count as
// gone: their exit status is only waiting to be reaped.
func Alive(pid int) bool {
	if pid <= 0 || syscall.Kill(pid, 0) != nil {
		return false
	}
	return procState(procfs.DefaultMountPoint, pid) != "Z"
}

// procState is the one letter state of <root>/<pid>/stat, "" when unknown.
func procState(root string, pid int) string {
	fs, err := procfs.NewFS(root)
	if err != nil {
		return ""
	}
	p, err := fs.Proc(pid)
	if err != nil {
		return ""
	}
	st, err := p.Stat()
	if err != nil {
		return ""
	}
	return st.State
}
