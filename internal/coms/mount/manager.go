package mount

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/prometheus/procfs"

	"github.com/loykin/unitd/internal/event"
	"github.com/loykin/unitd/internal/reli"
	"github.com/loykin/unitd/internal/store"
	"github.com/loykin/unitd/internal/unit"
)

// Table names.
const (
	TableMng   = "mntmng"
	TableFrame = "mntm-frame"
)

const (
	frameKey     = "frame"
	frameMonitor = "monitor"

	monitorIoPriority    int8 = -10
	monitorDeferPriority int8 = 0
)

// Point is one entry of the kernel mount table.
type Point struct {
	Where   string `json:"where"`
	What    string `json:"what,omitempty"`
	FSType  string `json:"fstype,omitempty"`
	Options string `json:"options,omitempty"`
}

// SnapshotFunc returns the current mount table.
type SnapshotFunc func() ([]Point, error)

// ProcSnapshot reads the mount table of this process from procRoot.
func ProcSnapshot(procRoot string) SnapshotFunc {
	return func() ([]Point, error) {
		fs, err := procfs.NewFS(procRoot)
		if err != nil {
			return nil, err
		}
		self, err := fs.Self()
		if err != nil {
			return nil, err
		}
		infos, err := self.MountInfo()
		if err != nil {
			return nil, err
		}
		out := make([]Point, 0, len(infos))
		for _, mi := range infos {
			out = append(out, Point{Where: mi.MountPoint, What: mi.Source, FSType: mi.FSType, Options: joinOptions(mi.Options)})
		}
		return out, nil
	}
}

func joinOptions(m map[string]string) string {
	opts := make([]string, 0, len(m))
	for k, v := range m {
		if v != "" {
			k += "=" + v
		}
		opts = append(opts, k)
	}
	sort.Strings(opts)
	return strings.Join(opts, ",")
}

// UnitName maps a mount point to its unit name: "/" is "-.mount",
// "/var/log" is "var-log.mount".
func UnitName(where string) string {
	name := strings.ReplaceAll(where, "/", "-") + ".mount"
	if name != "-.mount" {
		name = name[1:]
	}
	return name
}

// Options configure the mount manager.
type Options struct {
	// Snapshot reads the mount table.
	Snapshot SnapshotFunc
	// WatchPath is polled for mount table changes; empty disables the io
	// monitor and only the reconciliation after recovery runs.
	WatchPath string
}

// Manager is the mount type manager. It owns the mount table monitor.
type Manager struct {
	um    unit.UmIf
	opts  Options
	mng   *store.KV[string, mngRecord]
	frame *store.KV[string, string]

	deferSrc *event.Func
	mon      *monitor
	last     map[string]Point
	redo     bool
}

// Factory returns the unit factory for mounts.
func Factory(opts Options) unit.Factory {
	return func(um unit.UmIf) (unit.SubManager, error) {
		if opts.Snapshot == nil {
			opts.Snapshot = ProcSnapshot(procfs.DefaultMountPoint)
		}
		m := &Manager{
			um:    um,
			opts:  opts,
			mng:   store.NewKV[string, mngRecord](TableMng),
			frame: store.NewKV[string, string](TableFrame),
			last:  make(map[string]Point),
		}
		um.Reli().HistoryRegister(TableMng, m.mng)
		um.Reli().HistoryRegister(TableFrame, m.frame)
		m.deferSrc = event.NewDefer(monitorDeferPriority, func(*event.Events) error {
			return m.dispatchMountinfo()
		})
		if err := um.Events().AddSource(m.deferSrc); err != nil {
			return nil, err
		}
		return m, nil
	}
}

func (m *Manager) NewSubUnit() unit.SubUnit { return &Mount{m: m} }

// InputRebuild schedules one reconciliation right after recovery.
func (m *Manager) InputRebuild() error { return m.deferEnable(true) }

func (m *Manager) DbCompensateLast(last reli.Last) error {
	f, ok := m.frame.Get(frameKey)
	if !ok {
		slog.Debug("mount: nothing to compensate", "unit", last.Unit)
		return nil
	}
	if f == frameMonitor {
		slog.Info("mount: reconciliation was interrupted, redoing", "unit", last.Unit)
		m.redo = true
	}
	m.frame.Remove(frameKey)
	return nil
}

func (m *Manager) DoCompensateLast(reli.Last) error {
	if !m.redo {
		return nil
	}
	m.redo = false
	return m.deferEnable(true)
}

func (m *Manager) DbMap(reload bool) error {
	if reload {
		return nil
	}
	for _, id := range m.mng.Keys() {
		rec, _ := m.mng.Get(id)
		if rec.State == Mounted {
			m.last[id] = rec.Point
		}
	}
	return nil
}

func (m *Manager) DbInsert() {}

// RegisterEx starts watching the mount table.
func (m *Manager) RegisterEx() error {
	if m.opts.WatchPath == "" || m.mon != nil {
		return nil
	}
	mon, err := newMonitor(m.opts.WatchPath, monitorIoPriority, func() error {
		err := m.dispatchMountinfo()
		_ = m.deferEnable(false)
		return err
	})
	if err != nil {
		return err
	}
	if err := mon.register(m.um.Events()); err != nil {
		_ = mon.close()
		return err
	}
	m.mon = mon
	return nil
}

// Close stops the monitor.
func (m *Manager) Close() error {
	if m.mon == nil {
		return nil
	}
	_ = m.um.Events().DelSource(m.mon.src)
	err := m.mon.close()
	m.mon = nil
	return err
}

func (m *Manager) deferEnable(on bool) error {
	st := event.StateOff
	if on {
		st = event.StateOneShot
	}
	return m.um.Events().SetEnabled(m.deferSrc, st)
}

func (m *Manager) dispatchMountinfo() error {
	rl := m.um.Reli()
	// SetLastFrame commits, so the frame row is durable before the marker.
	m.frame.Insert(frameKey, frameMonitor)
	rl.SetLastFrame(reli.FrameSubManager, uint32(unit.TypeMount))
	err := m.reconcile()
	m.frame.Remove(frameKey)
	rl.ClearLastFrame()
	if err != nil {
		slog.Error("mount: mountinfo dispatch failed", "err", err)
	}
	return err
}

// reconcile brings mount units in line with the mount table: new mount
// points are started, vanished ones stopped, the rest left alone.
func (m *Manager) reconcile() error {
	points, err := m.opts.Snapshot()
	if err != nil {
		return err
	}
	rl := m.um.Reli()

	gone := make(map[string]bool)
	for _, u := range m.um.UnitsOfType(unit.TypeMount) {
		if u.ActiveState() == unit.StateActive {
			gone[u.ID()] = true
		}
	}
	seen := make(map[string]Point, len(points))
	for _, p := range points {
		// automounts are a different unit type
		if p.FSType == "autofs" {
			continue
		}
		name := UnitName(p.Where)
		seen[name] = p
		if gone[name] {
			delete(gone, name)
			continue
		}
		mt, err := m.loadMount(name, p)
		if err != nil {
			slog.Warn("mount: cannot load unit", "unit", name, "err", err)
			continue
		}
		rl.SetLastUnit(name)
		mt.enterMounted(true)
		rl.ClearLastUnit()
		slog.Debug("mount: mounted", "unit", name, "what", p.What)
	}
	m.last = seen

	names := make([]string, 0, len(gone))
	for name := range gone {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		u, ok := m.um.Unit(name)
		if !ok {
			continue
		}
		rl.SetLastUnit(name)
		u.Sub().(*Mount).enterDead(true)
		rl.ClearLastUnit()
		slog.Debug("mount: dead", "unit", name)
	}
	return nil
}

func (m *Manager) loadMount(name string, p Point) (*Mount, error) {
	u, err := m.um.PrepareUnit(name)
	if err != nil {
		return nil, err
	}
	mt := u.Sub().(*Mount)
	mt.point = p
	if u, err = m.um.LoadUnit(name); err != nil {
		return nil, err
	}
	if u.LoadState() != unit.LoadLoaded {
		return nil, fmt.Errorf("%s is %s: %w", name, u.LoadState(), unit.ErrNotLoaded)
	}
	return mt, nil
}
