// Package service implements service units: one main process per unit,
// started, stopped, restarted and reloaded on behalf of the unit manager.
package service

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/loykin/unitd/internal/event"
	"github.com/loykin/unitd/internal/process"
	"github.com/loykin/unitd/internal/reli"
	"github.com/loykin/unitd/internal/unit"
	"github.com/loykin/unitd/internal/unitfile"
)

// State is the service sub state.
type State int

const (
	Dead State = iota
	Start
	Running
	Exited
	Reload
	Stop
	StopSigkill
	Failed
	AutoRestart
)

var stateNames = [...]string{"dead", "start", "running", "exited", "reload", "stop", "stop-sigkill", "failed", "auto-restart"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "invalid"
}

// ActiveState maps the sub state.
func (s State) ActiveState() unit.ActiveState {
	switch s {
	case Start, AutoRestart:
		return unit.StateActivating
	case Running, Exited, Reload:
		return unit.StateActive
	case Stop, StopSigkill:
		return unit.StateDeactivating
	case Failed:
		return unit.StateFailed
	default:
		return unit.StateInactive
	}
}

// Result is why the service last left its running state.
type Result string

const (
	ResultSuccess       Result = "success"
	ResultExitCode      Result = "exit-code"
	ResultSignal        Result = "signal"
	ResultTimeout       Result = "timeout"
	ResultResources     Result = "resources"
	ResultStartLimitHit Result = "start-limit-hit"
)

// Restart policies.
const (
	RestartNo        = "no"
	RestartOnFailure = "on-failure"
	RestartAlways    = "always"
)

// Service types.
const (
	TypeSimple  = "simple"
	TypeOneshot = "oneshot"
)

// Config is the decoded [Service] section.
type Config struct {
	Type             string        `json:"type"`
	ExecStart        string        `json:"exec_start"`
	ExecReload       string        `json:"exec_reload,omitempty"`
	Restart          string        `json:"restart"`
	RestartSec       time.Duration `json:"restart_sec"`
	KillSignal       string        `json:"kill_signal"`
	TimeoutStopSec   time.Duration `json:"timeout_stop_sec"`
	RemainAfterExit  bool          `json:"remain_after_exit,omitempty"`
	Environment      []string      `json:"environment,omitempty"`
	WorkingDirectory string        `json:"working_directory,omitempty"`
	PIDFile          string        `json:"pid_file,omitempty"`
}

func defaultConfig() Config {
	return Config{
		Type:           TypeSimple,
		Restart:        RestartNo,
		RestartSec:     100 * time.Millisecond,
		KillSignal:     "SIGTERM",
		TimeoutStopSec: 10 * time.Second,
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.ExecStart) == "" {
		return fmt.Errorf("ExecStart is required")
	}
	switch c.Type {
	case TypeSimple, TypeOneshot:
	default:
		return fmt.Errorf("unknown Type=%s", c.Type)
	}
	switch c.Restart {
	case RestartNo, RestartOnFailure, RestartAlways:
	default:
		return fmt.Errorf("unknown Restart=%s", c.Restart)
	}
	if _, err := c.killSignal(); err != nil {
		return err
	}
	for _, kv := range c.Environment {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("invalid Environment entry %q", kv)
		}
	}
	return nil
}

func (c *Config) killSignal() (syscall.Signal, error) {
	name := strings.ToUpper(strings.TrimSpace(c.KillSignal))
	if n, err := strconv.Atoi(name); err == nil {
		return syscall.Signal(n), nil
	}
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	sig := unix.SignalNum(name)
	if sig == 0 {
		return 0, fmt.Errorf("unknown KillSignal=%s", c.KillSignal)
	}
	return sig, nil
}

func (c *Config) shouldRestart(r Result) bool {
	switch c.Restart {
	case RestartAlways:
		return true
	case RestartOnFailure:
		return r != ResultSuccess
	default:
		return false
	}
}

type timerUse int

const (
	timerNone timerUse = iota
	timerRestart
	timerStop
	timerWatch
)

// watchInterval is how often an adopted main process is checked; it is not
// our child so its exit is never reported.
const watchInterval = time.Second

// Service is the sub unit of a .service unit.
type Service struct {
	m   *Manager
	u   *unit.Unit
	cfg Config

	state      State
	result     Result
	mainPid    int
	mainStart  int64
	controlPid int
	adopted    bool
	restarts   int
	restarting bool

	timer    *event.Func
	use      timerUse
	deadline time.Time
}

func (s *Service) Attach(u *unit.Unit) {
	s.u = u
	s.cfg = defaultConfig()
	s.timer = event.NewTimer(0, time.Second, func(*event.Events) error {
		s.onTimer()
		return nil
	})
	if err := u.Events().AddSource(s.timer); err != nil {
		slog.Error("service: timer registration failed", "unit", u.ID(), "err", err)
	}
}

func (s *Service) Load(f *unitfile.File) error {
	cfg := defaultConfig()
	if err := f.Decode("Service", &cfg); err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("%s: %w", s.u.ID(), err)
	}
	s.cfg = cfg
	s.m.conf.Insert(s.u.ID(), cfg)
	return nil
}

// Config returns the loaded configuration.
func (s *Service) Config() Config { return s.cfg }

// MainPid returns the main process id, 0 when there is none.
func (s *Service) MainPid() int { return s.mainPid }

// Result returns the result of the last run.
func (s *Service) Result() Result { return s.result }

// Restarts counts automatic restarts since the last manual start.
func (s *Service) Restarts() int { return s.restarts }

func (s *Service) CurrentActiveState() unit.ActiveState { return s.state.ActiveState() }
func (s *Service) SubState() string                     { return s.state.String() }

func (s *Service) Start() error {
	switch s.state {
	case Dead, Failed:
	default:
		return fmt.Errorf("%s in %s: %w", s.u.ID(), s.state, unit.ErrBadState)
	}
	if !s.restarting {
		s.restarts = 0
	}
	s.restarting = false
	s.stopTimer()
	s.result = ResultSuccess

	pid, err := s.spawn(s.cfg.ExecStart, true)
	if err != nil {
		slog.Error("service: start failed", "unit", s.u.ID(), "err", err)
		s.result = ResultResources
		s.setState(Failed, 0)
		return err
	}
	s.mainPid = pid
	s.mainStart = process.StartTime(pid)
	s.adopted = false
	if s.cfg.Type == TypeOneshot {
		s.setState(Start, 0)
	} else {
		s.setState(Running, 0)
	}
	return nil
}

// spawn starts cmd. The new pid is committed in the frame table before the
// unit state changes, so a crash in between leaves a record of the orphan.
func (s *Service) spawn(cmd string, main bool) (int, error) {
	id := s.u.ID()
	spec := process.Spec{
		Unit:    id,
		Command: cmd,
		WorkDir: s.cfg.WorkingDirectory,
		Env:     append([]string(nil), s.cfg.Environment...),
		Log:     s.m.opts.Log,
	}
	if main {
		spec.PIDFile = s.cfg.PIDFile
		if files := s.listenFiles(); len(files) > 0 {
			spec.ExtraFiles = files
			spec.Env = append(spec.Env, "LISTEN_FDS="+strconv.Itoa(len(files)))
		}
	}
	pid, err := s.m.opts.Spawner.Spawn(spec)
	if err != nil {
		return 0, err
	}
	s.m.frame.Insert(id, pid)
	s.u.Reli().Commit()
	s.m.frame.Remove(id)
	s.u.WatchPid(pid)
	return pid, nil
}

// listenFiler is implemented by socket units.
type listenFiler interface {
	ListenFiles() []*os.File
}

func (s *Service) listenFiles() []*os.File {
	var out []*os.File
	for _, id := range s.u.Dependencies(unit.RelTriggeredBy) {
		o, ok := s.m.um.Unit(id)
		if !ok {
			continue
		}
		if lf, ok := o.Sub().(listenFiler); ok {
			out = append(out, lf.ListenFiles()...)
		}
	}
	return out
}

func (s *Service) Stop(force bool) error {
	switch s.state {
	case AutoRestart:
		s.stopTimer()
		s.setState(Dead, 0)
	case Exited:
		s.setState(Dead, 0)
	case Start, Running, Reload:
		if s.mainPid == 0 {
			s.setState(Dead, 0)
			return nil
		}
		s.enterStop(force)
	case Stop, StopSigkill:
	default:
		if force {
			s.setState(Dead, 0)
		}
	}
	return nil
}

func (s *Service) enterStop(force bool) {
	sig, _ := s.cfg.killSignal()
	next := Stop
	if force {
		sig, next = syscall.SIGKILL, StopSigkill
	}
	if err := process.Signal(s.mainPid, sig); err != nil {
		slog.Warn("service: signal failed", "unit", s.u.ID(), "pid", s.mainPid, "signal", sig, "err", err)
	}
	s.deadline = time.Now().Add(s.cfg.TimeoutStopSec)
	s.armStopTimer()
	s.setState(next, 0)
}

// armStopTimer waits for the stop deadline. Adopted processes are polled
// until then since their exit is never reported.
func (s *Service) armStopTimer() {
	d := time.Until(s.deadline)
	if s.adopted && d > watchInterval {
		d = watchInterval
	}
	if d <= 0 {
		d = time.Millisecond
	}
	s.armTimer(timerStop, d)
}

func (s *Service) Reload() error {
	if s.cfg.ExecReload == "" {
		if s.mainPid == 0 {
			return fmt.Errorf("%s has no ExecReload: %w", s.u.ID(), unit.ErrBadState)
		}
		return process.Signal(s.mainPid, syscall.SIGHUP)
	}
	pid, err := s.spawn(s.cfg.ExecReload, false)
	if err != nil {
		return err
	}
	s.controlPid = pid
	s.setState(Reload, 0)
	return nil
}

func (s *Service) Kill() error {
	if s.mainPid == 0 {
		return fmt.Errorf("%s has no main process: %w", s.u.ID(), unit.ErrBadState)
	}
	sig, _ := s.cfg.killSignal()
	return process.Signal(s.mainPid, sig)
}

func (s *Service) ResetFailed() {
	if s.state == Failed {
		s.result = ResultSuccess
		s.setState(Dead, 0)
	}
}

func (s *Service) StartLimitHit() {
	s.stopTimer()
	s.result = ResultStartLimitHit
	s.setState(Failed, 0)
}

func (s *Service) SigchldEvent(pid int, code int, sig syscall.Signal) {
	res := ResultSuccess
	switch {
	case sig != 0:
		res = ResultSignal
	case code != 0:
		res = ResultExitCode
	}
	if pid == s.controlPid {
		s.controlPid = 0
		if s.state == Reload {
			var flags unit.NotifyFlags
			if res != ResultSuccess {
				flags = unit.NotifyReloadFailure
				slog.Warn("service: reload failed", "unit", s.u.ID(), "code", code, "signal", sig)
			}
			s.setState(Running, flags)
		}
		return
	}
	if pid != s.mainPid {
		return
	}
	slog.Info("service: main process exited", "unit", s.u.ID(), "pid", pid, "code", code, "signal", sig)
	s.mainPid, s.mainStart, s.adopted = 0, 0, false
	if s.use == timerWatch {
		s.stopTimer()
	}

	switch s.state {
	case Stop, StopSigkill:
		s.stopTimer()
		// the signal we sent is not a failure
		s.result = ResultSuccess
		s.setState(Dead, 0)
	case Start:
		if res == ResultSuccess {
			if s.cfg.RemainAfterExit {
				s.setState(Exited, 0)
			} else {
				s.setState(Dead, unit.NotifySuccess)
			}
			return
		}
		s.exited(res)
	case Running, Reload:
		s.exited(res)
	}
}

// exited handles the end of the main process outside of a stop request.
func (s *Service) exited(res Result) {
	s.result = res
	if s.cfg.shouldRestart(res) {
		slog.Info("service: scheduling restart", "unit", s.u.ID(), "after", s.cfg.RestartSec, "result", string(res))
		s.armTimer(timerRestart, s.cfg.RestartSec)
		s.setState(AutoRestart, unit.NotifyWillAutoRestart)
		return
	}
	if res == ResultSuccess {
		s.setState(Dead, unit.NotifySuccess)
		return
	}
	s.setState(Failed, 0)
}

func (s *Service) onTimer() {
	rl := s.u.Reli()
	rl.SetLastFrame(reli.FrameSubManager, uint32(unit.TypeService))
	rl.SetLastUnit(s.u.ID())
	defer func() {
		rl.ClearLastUnit()
		rl.ClearLastFrame()
	}()

	if s.adopted && s.mainPid != 0 && !process.Alive(s.mainPid) {
		s.use = timerNone
		s.m.um.SigChld(s.mainPid, -1, 0)
		return
	}
	use := s.use
	switch {
	case use == timerRestart && s.state == AutoRestart:
		s.restarts++
		s.restarting = true
		s.setState(Dead, unit.NotifyWillAutoRestart)
		if err := s.m.um.StartUnit(s.u.ID()); err != nil {
			slog.Warn("service: restart refused", "unit", s.u.ID(), "err", err)
			s.use = timerNone
			if s.state == Dead {
				s.setState(Failed, 0)
			}
		}
	case use == timerStop && time.Now().Before(s.deadline):
		s.armStopTimer()
	case use == timerStop && s.state == Stop:
		slog.Warn("service: stop timed out, killing", "unit", s.u.ID(), "pid", s.mainPid)
		_ = process.Signal(s.mainPid, syscall.SIGKILL)
		s.deadline = time.Now().Add(s.cfg.TimeoutStopSec)
		s.armStopTimer()
		s.setState(StopSigkill, 0)
	case use == timerStop && s.state == StopSigkill:
		slog.Error("service: process survived SIGKILL, giving up", "unit", s.u.ID(), "pid", s.mainPid)
		s.u.UnwatchPid(s.mainPid)
		s.mainPid, s.mainStart = 0, 0
		s.use = timerNone
		s.result = ResultTimeout
		s.setState(Failed, 0)
	case use == timerWatch:
		s.armTimer(timerWatch, watchInterval)
	}
}

func (s *Service) armTimer(use timerUse, d time.Duration) {
	s.use = use
	s.timer.SetTimeout(d)
	if err := s.u.Events().SetEnabled(s.timer, event.StateOneShot); err != nil {
		slog.Error("service: arming timer failed", "unit", s.u.ID(), "err", err)
	}
}

func (s *Service) stopTimer() {
	s.use = timerNone
	_ = s.u.Events().SetEnabled(s.timer, event.StateOff)
}

func (s *Service) ReleaseResources() {
	s.stopTimer()
	_ = s.u.Events().DelSource(s.timer)
}

func (s *Service) setState(st State, flags unit.NotifyFlags) {
	old := s.state
	s.state = st
	s.persist()
	s.u.Notify(old.ActiveState(), st.ActiveState(), flags)
}

func (s *Service) DbMap(reload bool) error {
	if reload {
		return nil
	}
	id := s.u.ID()
	if c, ok := s.m.conf.Get(id); ok {
		s.cfg = c
	}
	if rec, ok := s.m.mng.Get(id); ok {
		s.state = rec.State
		s.result = rec.Result
		s.mainPid = rec.MainPid
		s.mainStart = rec.MainStart
		s.controlPid = rec.ControlPid
		s.restarts = rec.Restarts
	}
	return nil
}

// DbInsert writes the configuration and runtime record.
func (s *Service) DbInsert() {
	if s.u.LoadState() == unit.LoadLoaded {
		s.m.conf.Insert(s.u.ID(), s.cfg)
	}
	s.persist()
}

func (s *Service) persist() {
	s.m.mng.Insert(s.u.ID(), mngRecord{
		State:      s.state,
		Result:     s.result,
		MainPid:    s.mainPid,
		MainStart:  s.mainStart,
		ControlPid: s.controlPid,
		Restarts:   s.restarts,
	})
}

// RegisterEx re-arms the watches for restored state: an alive main process
// with the recorded start time is adopted, anything else failed while we
// were gone.
func (s *Service) RegisterEx() error {
	switch s.state {
	case AutoRestart:
		s.armTimer(timerRestart, s.cfg.RestartSec)
		return nil
	case Stop, StopSigkill:
		if s.mainPid != 0 && process.Alive(s.mainPid) {
			s.adopted = true
			s.deadline = time.Now().Add(s.cfg.TimeoutStopSec)
			s.armStopTimer()
			return nil
		}
		if s.mainPid != 0 {
			s.u.UnwatchPid(s.mainPid)
		}
		s.mainPid, s.mainStart = 0, 0
		s.setState(Dead, 0)
		return nil
	case Start, Running, Reload:
	default:
		return nil
	}
	if s.controlPid != 0 {
		s.u.UnwatchPid(s.controlPid)
		s.controlPid = 0
		if s.state == Reload {
			s.state = Running
		}
	}
	if s.mainPid != 0 && process.Alive(s.mainPid) && (s.mainStart == 0 || process.StartTime(s.mainPid) == s.mainStart) {
		slog.Info("service: adopted main process", "unit", s.u.ID(), "pid", s.mainPid)
		s.adopted = true
		s.persist()
		s.armTimer(timerWatch, watchInterval)
		return nil
	}
	slog.Warn("service: main process lost while down", "unit", s.u.ID(), "pid", s.mainPid)
	if s.mainPid != 0 {
		s.u.UnwatchPid(s.mainPid)
	}
	s.mainPid, s.mainStart = 0, 0
	s.result = ResultResources
	s.setState(Failed, 0)
	return nil
}

// Adopted reports whether the main process was taken over after a restart.
func (s *Service) Adopted() bool { return s.adopted }
