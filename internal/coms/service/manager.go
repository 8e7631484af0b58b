package service

import (
	"fmt"
	"log/slog"
	"syscall"

	"github.com/loykin/unitd/internal/logger"
	"github.com/loykin/unitd/internal/process"
	"github.com/loykin/unitd/internal/reli"
	"github.com/loykin/unitd/internal/store"
	"github.com/loykin/unitd/internal/unit"
)

// Table names.
const (
	TableConf  = "svcconf"
	TableMng   = "svcmng"
	TableFrame = "svcm-frame"
)

type mngRecord struct {
	State      State  `json:"state"`
	Result     Result `json:"result,omitempty"`
	MainPid    int    `json:"main_pid,omitempty"`
	MainStart  int64  `json:"main_start,omitempty"`
	ControlPid int    `json:"control_pid,omitempty"`
	Restarts   int    `json:"restarts,omitempty"`
}

// Spawner starts processes; *process.Spawner is the real one.
type Spawner interface {
	Spawn(s process.Spec) (int, error)
}

// Options configure the service manager.
type Options struct {
	Spawner Spawner
	// Log captures the output of unit processes.
	Log logger.Config
}

// Manager is the service type manager.
type Manager struct {
	reli.NopStation
	um    unit.UmIf
	opts  Options
	conf  *store.KV[string, Config]
	mng   *store.KV[string, mngRecord]
	frame *store.KV[string, int] // unit -> pid spawned but not yet recorded
}

// Factory returns the unit factory for services.
func Factory(opts Options) unit.Factory {
	return func(um unit.UmIf) (unit.SubManager, error) {
		if opts.Spawner == nil {
			return nil, fmt.Errorf("service manager needs a spawner")
		}
		m := &Manager{
			um:    um,
			opts:  opts,
			conf:  store.NewKV[string, Config](TableConf),
			mng:   store.NewKV[string, mngRecord](TableMng),
			frame: store.NewKV[string, int](TableFrame),
		}
		rl := um.Reli()
		rl.HistoryRegister(TableConf, m.conf)
		rl.HistoryRegister(TableMng, m.mng)
		rl.HistoryRegister(TableFrame, m.frame)
		return m, nil
	}
}

func (m *Manager) NewSubUnit() unit.SubUnit { return &Service{m: m} }

// DbCompensateLast kills processes whose spawn was committed but whose unit
// state was not; the interrupted job starts them again.
func (m *Manager) DbCompensateLast(last reli.Last) error {
	for _, id := range m.frame.Keys() {
		pid, _ := m.frame.Get(id)
		if pid > 0 && process.Alive(pid) {
			slog.Warn("service: killing process orphaned by an interrupted spawn", "unit", id, "pid", pid)
			_ = process.Signal(pid, syscall.SIGKILL)
		}
		m.frame.Remove(id)
		if rec, ok := m.mng.Get(id); ok && rec.MainPid == pid {
			rec.State, rec.MainPid, rec.MainStart = Dead, 0, 0
			m.mng.Insert(id, rec)
		}
	}
	if last.Frame == nil || last.Frame.Kind != reli.FrameJobRun || last.Unit == "" {
		return nil
	}
	// a start that never got a process is re-run from Dead
	if rec, ok := m.mng.Get(last.Unit); ok && rec.State == Start && rec.MainPid == 0 {
		rec.State = Dead
		m.mng.Insert(last.Unit, rec)
	}
	return nil
}
