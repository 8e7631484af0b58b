// Package reli keeps the service manager's state recoverable across its own
// restarts: a double-buffered history of registered tables, the
// "operation in flight" markers, and the ordered recovery pass that drives the
// registered stations.
package reli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/loykin/unitd/internal/metrics"
	"github.com/loykin/unitd/internal/store"
)

// ErrLocked is returned by New when another process holds the home directory.
var ErrLocked = errors.New("reliability home is locked by another process")

// Config describes where the reliability data lives.
type Config struct {
	Home string `mapstructure:"home"`
	// LockTimeout waits for a previous manager to release the home. Zero
	// fails at once.
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

// Reliability is the coordinator. It is driven from the event loop thread
// only and is not safe for concurrent use.
type Reliability struct {
	home     string
	hp       string
	lock     *flock.Flock
	gens     *generations
	ctl      *control
	history  *History
	stations *stations

	enable bool
	last   Last
}

// New prepares <home>/reliability.mdb, takes the lock and opens the current
// generation. Errors here are fatal for the manager.
func New(cfg Config) (*Reliability, error) {
	home := cfg.Home
	if home == "" {
		home = DefaultHome
	}
	hp, err := prepare(home)
	if err != nil {
		return nil, err
	}

	lk := flock.New(filepath.Join(hp, LockFile))
	ok, err := tryLock(lk, cfg.LockTimeout)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", hp, err)
	}
	if !ok {
		return nil, ErrLocked
	}

	gens, err := openGenerations(hp)
	if err != nil {
		_ = lk.Unlock()
		return nil, err
	}
	cdb, err := store.Open(filepath.Join(hp, ControlFile))
	if err != nil {
		_ = gens.close()
		_ = lk.Unlock()
		return nil, fmt.Errorf("open control data: %w", err)
	}

	r := &Reliability{
		home:     home,
		hp:       hp,
		lock:     lk,
		gens:     gens,
		ctl:      &control{db: cdb},
		history:  newHistory(gens),
		stations: newStations(),
	}
	if err := r.loadControl(); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func tryLock(lk *flock.Flock, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		return lk.TryLock()
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ok, err := lk.TryLockContext(ctx, 50*time.Millisecond)
	if errors.Is(err, context.DeadlineExceeded) {
		return false, nil
	}
	return ok, err
}

func (r *Reliability) loadControl() error {
	if _, err := r.ctl.get(keyEnable, &r.enable); err != nil {
		return err
	}
	var unit string
	if ok, err := r.ctl.get(keyLastUnit, &unit); err != nil {
		return err
	} else if ok {
		r.last.Unit = unit
	}
	var f Frame
	if ok, err := r.ctl.get(keyLastFrame, &f); err != nil {
		return err
	} else if ok {
		r.last.Frame = &f
	}
	return nil
}

// Close releases the databases and the lock.
func (r *Reliability) Close() error {
	var errs []error
	if r.gens != nil {
		errs = append(errs, r.gens.close())
	}
	if r.ctl != nil && r.ctl.db != nil {
		errs = append(errs, r.ctl.db.Close())
		r.ctl.db = nil
	}
	if r.lock != nil {
		errs = append(errs, r.lock.Unlock())
	}
	return errors.Join(errs...)
}

// Home returns the configured home directory.
func (r *Reliability) Home() string { return r.home }

// Generation returns the sub directory ("a" or "b") currently selected.
func (r *Reliability) Generation() string { return r.gens.current() }

// History returns the table registry.
func (r *Reliability) History() *History { return r.history }

// HistoryRegister adds a table to the registry.
func (r *Reliability) HistoryRegister(name string, t store.Table) {
	r.history.Register(name, t)
}

// StationRegister adds a recovery participant.
func (r *Reliability) StationRegister(name string, kind StationKind, st Station) error {
	return r.stations.register(name, kind, st)
}

// Stations returns station names in recovery order.
func (r *Reliability) Stations() []string { return r.stations.names() }

// Enable reports whether persisted state is trusted for compensation.
func (r *Reliability) Enable() bool { return r.enable }

// SetEnable persists the enable flag.
func (r *Reliability) SetEnable(enable bool) error {
	if err := r.ctl.put(keyEnable, enable); err != nil {
		return fmt.Errorf("set enable: %w", err)
	}
	r.enable = enable
	return nil
}

// Commit exports every table's pending changes.
func (r *Reliability) Commit() { r.history.Commit() }

// Last returns the persisted in-flight markers.
func (r *Reliability) Last() Last {
	l := r.last
	if l.Frame != nil {
		f := *l.Frame
		l.Frame = &f
	}
	return l
}

// LastUnit returns the unit marker.
func (r *Reliability) LastUnit() (string, bool) { return r.last.Unit, r.last.Unit != "" }

// LastFrame returns the frame marker.
func (r *Reliability) LastFrame() (Frame, bool) {
	if r.last.Frame == nil {
		return Frame{}, false
	}
	return *r.last.Frame, true
}

// SetLastUnit marks unit as being operated on. Everything committed before the
// operation is made durable first.
func (r *Reliability) SetLastUnit(unit string) {
	r.history.Commit()
	if err := r.ctl.put(keyLastUnit, unit); err != nil {
		slog.Error("reliability set last unit failed", "unit", unit, "err", err)
		return
	}
	r.last.Unit = unit
}

// ClearLastUnit makes the operation's changes durable and then drops the marker.
func (r *Reliability) ClearLastUnit() {
	r.history.Commit()
	if err := r.ctl.del(keyLastUnit); err != nil {
		slog.Error("reliability clear last unit failed", "err", err)
		return
	}
	r.last.Unit = ""
}

// SetLastFrame marks the component operation in flight.
func (r *Reliability) SetLastFrame(kind FrameKind, subs ...uint32) {
	f := NewFrame(kind, subs...)
	r.history.Commit()
	if err := r.ctl.put(keyLastFrame, f); err != nil {
		slog.Error("reliability set last frame failed", "frame", f.String(), "err", err)
		return
	}
	r.last.Frame = &f
}

// ClearLastFrame makes the operation's changes durable and then drops the marker.
func (r *Reliability) ClearLastFrame() {
	r.history.Commit()
	if err := r.ctl.del(keyLastFrame); err != nil {
		slog.Error("reliability clear last frame failed", "err", err)
		return
	}
	r.last.Frame = nil
}

// Recover runs the ordered recovery pass. It must complete before any unit
// action is taken. Per station failures are logged and do not stop the pass.
func (r *Reliability) Recover(reload bool) {
	slog.Info("reliability recover", "reload", reload, "generation", r.Generation(), "enable", r.enable)

	r.step("import", func() error { return r.history.Import() })
	r.step("input_rebuild", r.inputRebuild)
	r.step("db_compensate", r.dbCompensate)
	r.step("db_map", func() error { return r.dbMap(reload) })
	r.step("make_consistent", func() error { return r.makeConsistent(reload) })

	if !r.last.Empty() {
		r.ClearLastFrame()
		r.ClearLastUnit()
	}
}

func (r *Reliability) step(name string, fn func() error) {
	start := time.Now()
	if err := fn(); err != nil {
		slog.Error("reliability recover step finished with errors", "step", name, "err", err)
	} else {
		slog.Debug("reliability recover step done", "step", name)
	}
	metrics.ObserveRecoverStep(name, time.Since(start).Seconds())
}

func (r *Reliability) inputRebuild() error {
	r.history.SwitchSet(store.SwitchBuffer)
	defer r.history.SwitchSet(store.SwitchCache)
	return r.stations.each("input_rebuild", Station.InputRebuild)
}

func (r *Reliability) dbCompensate() error {
	last := r.Last()
	if last.Empty() {
		return nil
	}
	if !r.enable {
		slog.Warn("reliability disabled, interrupted operation ignored", "unit", last.Unit, "frame", frameString(last.Frame))
		return nil
	}
	slog.Info("reliability compensating interrupted operation", "unit", last.Unit, "frame", frameString(last.Frame))
	if last.Frame != nil {
		metrics.IncCompensation(last.Frame.Kind.String())
	}
	errDb := r.stations.each("db_compensate_last", func(s Station) error { return s.DbCompensateLast(last) })
	errDo := r.stations.each("do_compensate_last", func(s Station) error { return s.DoCompensateLast(last) })
	r.history.Commit()
	return errors.Join(errDb, errDo)
}

func (r *Reliability) dbMap(reload bool) error {
	r.history.SwitchSet(store.SwitchBuffer)
	defer r.history.SwitchSet(store.SwitchCache)
	return r.stations.each("db_map", func(s Station) error { return s.DbMap(reload) })
}

// makeConsistent writes the mapped in-memory state back. On reload the
// stations rebuild a complete snapshot in the buffer and only the final
// Flush(true) touches disk, so a stop before it leaves the previous
// generation current and intact.
func (r *Reliability) makeConsistent(reload bool) error {
	insert := func() {
		_ = r.stations.each("db_insert", func(s Station) error { s.DbInsert(); return nil })
	}
	var errs []error
	if reload {
		r.history.SwitchSet(store.SwitchBuffer)
		insert()
		if err := r.history.Flush(true); err != nil {
			errs = append(errs, fmt.Errorf("flush buffer: %w", err))
		}
		r.history.SwitchSet(store.SwitchCache)
	} else {
		insert()
		r.history.Commit()
		if err := r.history.Flush(false); err != nil {
			errs = append(errs, fmt.Errorf("flush cache: %w", err))
		}
	}
	r.history.SwitchSet(store.SwitchNone)
	return errors.Join(errs...)
}

// RegisterEx runs every station's RegisterEx hook.
func (r *Reliability) RegisterEx() error {
	return r.stations.each("register_ex", Station.RegisterEx)
}

// Compact rewrites the live tables into a fresh generation.
func (r *Reliability) Compact() error {
	r.history.Commit()
	if err := r.history.Flush(false); err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	return nil
}

// DataClear drops every registered table and the markers.
func (r *Reliability) DataClear() error {
	var errs []error
	if err := r.history.clearAll(); err != nil {
		errs = append(errs, err)
	}
	if err := r.ctl.clearAll(); err != nil {
		errs = append(errs, err)
	}
	r.last = Last{}
	r.enable = false
	return errors.Join(errs...)
}

// Status is a read-only summary for inspection.
type Status struct {
	Home       string   `json:"home"`
	Generation string   `json:"generation"`
	Enable     bool     `json:"enable"`
	LastUnit   string   `json:"last_unit,omitempty"`
	LastFrame  string   `json:"last_frame,omitempty"`
	Tables     []string `json:"tables"`
	Stations   []string `json:"stations"`
}

// Status returns the current coordinator summary.
func (r *Reliability) Status() Status {
	return Status{
		Home:       r.home,
		Generation: r.Generation(),
		Enable:     r.enable,
		LastUnit:   r.last.Unit,
		LastFrame:  frameString(r.last.Frame),
		Tables:     r.history.Names(),
		Stations:   r.stations.names(),
	}
}

func frameString(f *Frame) string {
	if f == nil {
		return ""
	}
	return f.String()
}

// Inspect reads a home directory without taking the lock, for offline
// tooling. It returns every durable row of the current generation, grouped
// by table, plus the control rows.
func Inspect(home string) (Status, map[string]map[string][]byte, error) {
	hp := hpath(home)
	if _, err := os.Stat(hp); err != nil {
		return Status{}, nil, fmt.Errorf("inspect %s: %w", hp, err)
	}
	gen := subdirCur(bflagExists(hp))
	st := Status{Home: home, Generation: gen}

	db, err := store.OpenReadOnly(filepath.Join(hp, gen, store.DataFile))
	if err != nil {
		return st, nil, err
	}
	defer func() { _ = db.Close() }()
	ctx := context.Background()
	tables, err := db.Tables(ctx)
	if err != nil {
		return st, nil, err
	}
	st.Tables = tables
	out := make(map[string]map[string][]byte, len(tables))
	for _, t := range tables {
		rows, err := db.Load(ctx, t)
		if err != nil {
			return st, nil, err
		}
		out[t] = rows
	}

	if cdb, err := store.OpenReadOnly(filepath.Join(hp, ControlFile)); err == nil {
		c := &control{db: cdb}
		_, _ = c.get(keyEnable, &st.Enable)
		_, _ = c.get(keyLastUnit, &st.LastUnit)
		var f Frame
		if ok, _ := c.get(keyLastFrame, &f); ok {
			st.LastFrame = f.String()
		}
		_ = cdb.Close()
	}
	return st, out, nil
}
