//go:build linux

package process

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/unitd/internal/env"
	"github.com/loykin/unitd/internal/logger"
)

func TestBuildCommandShapes(t *testing.T) {
	tests := []struct {
		cmd  string
		args []string
	}{
		{"", []string{"/bin/true"}},
		{"sleep 1", []string{"sleep", "1"}},
		{"  sleep\t 1 ", []string{"sleep", "1"}},
		{"sh -c 'echo hi'", []string{"sh", "-c", "echo hi"}},
		{`/bin/sh -c "exit 3"`, []string{"/bin/sh", "-c", "exit 3"}},
		{`printf '%s|%s' "a b" c\ d`, []string{"printf", "%s|%s", "a b", "c d"}},
		{`echo "say \"hi\""`, []string{"echo", `say "hi"`}},
		{`echo ''`, []string{"echo", ""}},
		{"echo hi | wc -c", []string{"/bin/sh", "-c", "echo hi | wc -c"}},
		{"echo $HOME", []string{"/bin/sh", "-c", "echo $HOME"}},
		{"echo 'open", []string{"/bin/sh", "-c", "echo 'open"}},
	}
	for _, tt := range tests {
		s := Spec{Command: tt.cmd}
		assert.Equal(t, tt.args, s.BuildCommand().Args, tt.cmd)
	}
}

type exit struct {
	pid  int
	code int
	sig  syscall.Signal
}

func spawner(t *testing.T) (*Spawner, chan exit) {
	t.Helper()
	ch := make(chan exit, 4)
	post := func(fn func()) { fn() }
	sp := NewSpawner(env.New(), post, func(pid, code int, sig syscall.Signal) {
		ch <- exit{pid, code, sig}
	})
	return sp, ch
}

func waitExit(t *testing.T, ch chan exit) exit {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("no exit reported")
		return exit{}
	}
}

func TestSpawnReportsExitCodeAndCapturesOutput(t *testing.T) {
	dir := t.TempDir()
	sp, ch := spawner(t)
	pid, err := sp.Spawn(Spec{
		Unit:    "echo.service",
		Command: "sh -c 'echo $GREETING; exit 3'",
		Env:     []string{"GREETING=hello"},
		PIDFile: filepath.Join(dir, "run", "echo.pid"),
		Log:     logger.Config{File: logger.FileConfig{Dir: dir}},
	})
	require.NoError(t, err)
	assert.Greater(t, pid, 0)

	e := waitExit(t, ch)
	assert.Equal(t, pid, e.pid)
	assert.Equal(t, 3, e.code)
	assert.Empty(t, sp.Running())

	b, err := os.ReadFile(filepath.Join(dir, "echo.service.stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "hello", strings.TrimSpace(string(b)))
	_, err = os.Stat(filepath.Join(dir, "run", "echo.pid"))
	assert.True(t, os.IsNotExist(err))
}

func TestSignalGroupKillsTree(t *testing.T) {
	sp, ch := spawner(t)
	pid, err := sp.Spawn(Spec{Unit: "sleep.service", Command: "sleep 30"})
	require.NoError(t, err)
	assert.True(t, Alive(pid))
	assert.Greater(t, StartTime(pid), int64(0))
	assert.Equal(t, []int{pid}, sp.Running())

	require.NoError(t, Signal(pid, syscall.SIGTERM))
	e := waitExit(t, ch)
	assert.Equal(t, -1, e.code)
	assert.Equal(t, syscall.SIGTERM, e.sig)
	assert.False(t, Alive(pid))
}

func TestSpawnMissingBinary(t *testing.T) {
	sp, _ := spawner(t)
	_, err := sp.Spawn(Spec{Unit: "bad.service", Command: "/nonexistent/binary"})
	assert.Error(t, err)
}

func TestPIDFileRoundTrip(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a", "x.pid")
	require.NoError(t, WritePIDFile(p, 4242))
	pid, err := ReadPIDFile(p)
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)

	require.NoError(t, os.WriteFile(p, []byte("nope\n"), 0o600))
	_, err = ReadPIDFile(p)
	assert.Error(t, err)
}
