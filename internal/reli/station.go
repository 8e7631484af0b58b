package reli

import (
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"
)

// StationKind orders the recovery fan-out: every Level1 station (managers)
// runs a step before any Level2 station (units).
type StationKind int

const (
	Level1 StationKind = iota + 1
	Level2
)

func (k StationKind) String() string {
	switch k {
	case Level1:
		return "level1"
	case Level2:
		return "level2"
	default:
		return "unknown"
	}
}

// Station is a participant in recovery. Each hook may be a no-op; embed
// NopStation to pick up defaults.
type Station interface {
	// InputRebuild re-attaches external inputs (listening sockets, watches)
	// that survived the restart.
	InputRebuild() error
	// DbCompensateLast repairs persisted data touched by the interrupted
	// operation. Runs for every station before any DoCompensateLast.
	DbCompensateLast(last Last) error
	// DoCompensateLast re-drives or rolls back the interrupted operation.
	DoCompensateLast(last Last) error
	// DbMap rebuilds in-memory state from the imported tables.
	DbMap(reload bool) error
	// DbInsert writes the full in-memory state back into the tables.
	DbInsert()
	// RegisterEx runs once after recovery, before normal event processing.
	RegisterEx() error
}

// NopStation implements every Station hook as a no-op.
type NopStation struct{}

func (NopStation) InputRebuild() error         { return nil }
func (NopStation) DbCompensateLast(Last) error { return nil }
func (NopStation) DoCompensateLast(Last) error { return nil }
func (NopStation) DbMap(bool) error            { return nil }
func (NopStation) DbInsert()                   {}
func (NopStation) RegisterEx() error           { return nil }

type namedStation struct {
	name string
	st   Station
}

// stations keeps registration order within each kind so recovery is
// deterministic.
type stations struct {
	byName map[string]StationKind
	level1 []namedStation
	level2 []namedStation
}

func newStations() *stations {
	return &stations{byName: make(map[string]StationKind)}
}

func (s *stations) register(name string, kind StationKind, st Station) error {
	if _, ok := s.byName[name]; ok {
		return fmt.Errorf("station %q already registered", name)
	}
	ns := namedStation{name: name, st: st}
	switch kind {
	case Level1:
		s.level1 = append(s.level1, ns)
	case Level2:
		s.level2 = append(s.level2, ns)
	default:
		return fmt.Errorf("station %q: invalid kind %d", name, kind)
	}
	s.byName[name] = kind
	return nil
}

func (s *stations) names() []string {
	out := make([]string, 0, len(s.level1)+len(s.level2))
	for _, ns := range s.level1 {
		out = append(out, ns.name)
	}
	for _, ns := range s.level2 {
		out = append(out, ns.name)
	}
	return out
}

// each runs fn on every station, Level1 first, and keeps going past failures.
func (s *stations) each(step string, fn func(Station) error) error {
	var errs *multierror.Error
	for _, group := range [][]namedStation{s.level1, s.level2} {
		for _, ns := range group {
			if err := fn(ns.st); err != nil {
				slog.Error("reliability station step failed", "step", step, "station", ns.name, "err", err)
				errs = multierror.Append(errs, fmt.Errorf("%s %s: %w", step, ns.name, err))
			}
		}
	}
	return errs.ErrorOrNil()
}
