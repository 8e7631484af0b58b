//go:build linux

package mount

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/loykin/unitd/internal/event"
)

// monitor watches a mountinfo file; the kernel flags it with EPOLLPRI
// whenever the mount table changes.
type monitor struct {
	f   *os.File
	src *event.IoFunc
}

func newMonitor(path string, prio int8, fn func() error) (*monitor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	src := event.NewIo(prio, int(f.Fd()), unix.EPOLLPRI, func(*event.Events) error { return fn() })
	return &monitor{f: f, src: src}, nil
}

func (mon *monitor) register(ev *event.Events) error {
	if err := ev.AddSource(mon.src); err != nil {
		return err
	}
	return ev.SetEnabled(mon.src, event.StateOn)
}

func (mon *monitor) close() error { return mon.f.Close() }
