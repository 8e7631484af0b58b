//go:build !windows

package process

import (
	"runtime"

	"github.com/prometheus/procfs"
	gopsproc "github.com/shirou/gopsutil/v4/process"
	sysconf "github.com/tklauser/go-sysconf"
)

// StartTime returns the process start time as Unix seconds, 0 when it is
// unknown. Recorded together with a pid it tells a recovered process apart
// from an unrelated one that reused the pid.
func StartTime(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	if runtime.GOOS == "linux" {
		return procStart(procfs.DefaultMountPoint, pid)
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}

// procStart adds the starttime field of <root>/<pid>/stat, in clock ticks,
// to the boot time from <root>/stat.
func procStart(root string, pid int) int64 {
	fs, err := procfs.NewFS(root)
	if err != nil {
		return 0
	}
	p, err := fs.Proc(pid)
	if err != nil {
		return 0
	}
	st, err := p.Stat()
	if err != nil || st.Starttime == 0 {
		return 0
	}
	ks, err := fs.Stat()
	if err != nil || ks.BootTime == 0 {
		return 0
	}
	hz, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || hz <= 0 {
		hz = 100
	}
	return int64(ks.BootTime) + int64(st.Starttime)/hz
}
