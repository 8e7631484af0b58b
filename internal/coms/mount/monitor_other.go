//go:build !linux

package mount

import "github.com/loykin/unitd/internal/event"

type monitor struct {
	src event.Source
}

func newMonitor(string, int8, func() error) (*monitor, error) { return nil, event.ErrUnsupported }

func (mon *monitor) register(*event.Events) error { return event.ErrUnsupported }
func (mon *monitor) close() error                 { return nil }
