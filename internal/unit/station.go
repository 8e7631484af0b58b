package unit

import (
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"github.com/loykin/unitd/internal/metrics"
	"github.com/loykin/unitd/internal/reli"
)

// managerStation is the Level1 view of the manager: it rebuilds the unit set
// from the base table and owns the job table.
type managerStation Manager

func (s *managerStation) m() *Manager { return (*Manager)(s) }

func (s *managerStation) InputRebuild() error { return nil }

// DbCompensateLast repairs the tables touched by the interrupted operation.
// Both cases only restore the "still pending" state, so running it twice is
// harmless.
func (s *managerStation) DbCompensateLast(last reli.Last) error {
	m := s.m()
	if last.Frame == nil || last.Unit == "" {
		slog.Debug("unit manager: nothing to compensate", "unit", last.Unit)
		return nil
	}
	switch f := *last.Frame; f.Kind {
	case reli.FrameQueue:
		tag, _ := f.Arg1()
		bit := PPSQueueLoad
		if tag == QueueTargetDeps {
			bit = PPSQueueTargetDeps
		}
		if !m.re.base.Contains(last.Unit) {
			return nil
		}
		p, _ := m.re.pps.Get(last.Unit)
		if !p.Has(bit) {
			m.re.pps.Insert(last.Unit, p|bit)
		}
		slog.Info("unit manager: queue work re-armed", "unit", last.Unit, "queue", tag)
	case reli.FrameJobRun:
		m.jobs.compensate(last.Unit)
		slog.Info("unit manager: interrupted job re-armed", "unit", last.Unit)
	}
	return nil
}

// DoCompensateLast has nothing to re-drive here: re-armed queue bits and jobs
// are picked up when the units are mapped.
func (s *managerStation) DoCompensateLast(reli.Last) error { return nil }

func (s *managerStation) DbMap(reload bool) error {
	m := s.m()
	if reload {
		return nil
	}
	var errs *multierror.Error
	for _, id := range m.re.baseKeys() {
		if _, ok := m.units[id]; ok {
			continue
		}
		rec, _ := m.re.base.Get(id)
		if _, err := m.attach(id, rec.Type); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	for _, t := range Types() {
		metrics.SetLoaded(t.String(), len(m.UnitsOfType(t)))
	}
	return errs.ErrorOrNil()
}

func (s *managerStation) DbInsert() { s.m().jobs.dbInsert() }

func (s *managerStation) RegisterEx() error { return nil }

// unitsStation is the Level2 view: per unit state, mapped after every type
// manager has restored its own.
type unitsStation Manager

func (s *unitsStation) m() *Manager { return (*Manager)(s) }

func (s *unitsStation) InputRebuild() error              { return nil }
func (s *unitsStation) DbCompensateLast(reli.Last) error { return nil }
func (s *unitsStation) DoCompensateLast(reli.Last) error { return nil }

func (s *unitsStation) DbMap(reload bool) error {
	m := s.m()
	var errs *multierror.Error
	for _, u := range m.Units() {
		if !reload {
			if err := u.dbMap(); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		if err := u.sub.DbMap(reload); err != nil {
			errs = multierror.Append(errs, err)
		}
		if u.pps.Has(PPSQueueLoad) {
			m.loadQ.push(u)
		}
		if u.pps.Has(PPSQueueTargetDeps) {
			m.targetQ.push(u)
		}
	}
	return errs.ErrorOrNil()
}

func (s *unitsStation) DbInsert() {
	for _, u := range s.m().Units() {
		u.dbInsert()
		u.sub.DbInsert()
	}
}

// RegisterEx restores pending jobs and lets every sub unit re-arm its
// sources.
func (s *unitsStation) RegisterEx() error {
	m := s.m()
	m.jobs.restore()
	var errs *multierror.Error
	for _, u := range m.Units() {
		if err := u.sub.RegisterEx(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
