package socket

import (
	"log/slog"

	"github.com/loykin/unitd/internal/reli"
	"github.com/loykin/unitd/internal/store"
	"github.com/loykin/unitd/internal/unit"
)

// Table names.
const (
	TableConf = "sockconf"
	TableMng  = "sockmng"
)

const (
	// frameFdListen tags a FrameSubManager frame: a listener fired.
	frameFdListen uint32 = 1

	ioPriority int8 = -5
)

// Manager is the socket type manager.
type Manager struct {
	reli.NopStation
	um   unit.UmIf
	conf *store.KV[string, Config]
	mng  *store.KV[string, State]
}

// Factory builds the socket manager.
func Factory(um unit.UmIf) (unit.SubManager, error) {
	m := &Manager{
		um:   um,
		conf: store.NewKV[string, Config](TableConf),
		mng:  store.NewKV[string, State](TableMng),
	}
	um.Reli().HistoryRegister(TableConf, m.conf)
	um.Reli().HistoryRegister(TableMng, m.mng)
	return m, nil
}

func (m *Manager) NewSubUnit() unit.SubUnit { return &Socket{m: m} }

// DbCompensateLast undoes a trigger that did not reach its service: the
// socket goes back to listening and fires again on the queued connection.
func (m *Manager) DbCompensateLast(last reli.Last) error {
	if last.Frame == nil || !last.Frame.Is(reli.FrameSubManager, uint32(unit.TypeSocket), frameFdListen) {
		return nil
	}
	if st, ok := m.mng.Get(last.Unit); ok && st == Running {
		slog.Info("socket: trigger was interrupted, listening again", "unit", last.Unit)
		m.mng.Insert(last.Unit, Listening)
	}
	return nil
}
