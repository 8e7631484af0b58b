//go:build !linux

package event

import (
	"context"
	"time"
)

// Events is unavailable off Linux; every operation fails.
type Events struct{}

func New() (*Events, error) { return nil, ErrUnsupported }

func (e *Events) Close() error                   { return ErrUnsupported }
func (e *Events) AddSource(Source) error         { return ErrUnsupported }
func (e *Events) DelSource(Source) error         { return ErrUnsupported }
func (e *Events) Has(Source) bool                { return false }
func (e *Events) Token(Source) (uint32, bool)    { return 0, false }
func (e *Events) Lookup(uint32) (Source, bool)   { return nil, false }
func (e *Events) State(Source) (State, error)    { return StateOff, ErrUnsupported }
func (e *Events) SetEnabled(Source, State) error { return ErrUnsupported }
func (e *Events) Run(time.Duration) error        { return ErrUnsupported }
func (e *Events) Loop(context.Context) error     { return ErrUnsupported }
func (e *Events) SetExit()                       {}
func (e *Events) Exited() bool                   { return true }
func (e *Events) Post(func())                    {}
