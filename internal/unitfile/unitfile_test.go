package unitfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type unitSection struct {
	Description string
	After       []string
	Wants       []string
}

type serviceSection struct {
	ExecStart  string
	RestartSec time.Duration
}

func write(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoadFragmentAndDropIns(t *testing.T) {
	etc := t.TempDir()
	lib := t.TempDir()
	write(t, filepath.Join(lib, "web.service"), `
[Unit]
Description = "lib copy"
[Service]
ExecStart = "/bin/false"
`)
	write(t, filepath.Join(etc, "web.service"), `
[Unit]
Description = "web server"
After = ["net.target"]
[Service]
ExecStart = "/bin/true"
RestartSec = "2s"
`)
	write(t, filepath.Join(lib, "web.service.d", "10-wants.toml"), `
[Unit]
Wants = ["db.service"]
`)
	write(t, filepath.Join(etc, "web.service.d", "20-desc.toml"), `
[Unit]
Description = "patched"
`)

	l := NewLookup([]string{etc, "", lib})
	f, err := l.Load("web.service")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(etc, "web.service"),
		filepath.Join(lib, "web.service.d", "10-wants.toml"),
		filepath.Join(etc, "web.service.d", "20-desc.toml"),
	}, f.Paths)

	var u unitSection
	require.NoError(t, f.Decode("Unit", &u))
	assert.Equal(t, "patched", u.Description)
	assert.Equal(t, []string{"net.target"}, u.After)
	assert.Equal(t, []string{"db.service"}, u.Wants)

	var s serviceSection
	require.NoError(t, f.Decode("Service", &s))
	assert.Equal(t, "/bin/true", s.ExecStart)
	assert.Equal(t, 2*time.Second, s.RestartSec)
	assert.True(t, f.Has("Service"))
	assert.False(t, f.Has("Socket"))
}

func TestLoadNotFound(t *testing.T) {
	l := NewLookup([]string{t.TempDir()})
	_, err := l.Load("nope.service")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestParseAndMissingSection(t *testing.T) {
	f, err := Parse("x.target", strings.NewReader("[Unit]\nDescription = \"x\"\n"))
	require.NoError(t, err)
	var s serviceSection
	require.NoError(t, f.Decode("Service", &s))
	assert.Empty(t, s.ExecStart)
}

func TestUnitName(t *testing.T) {
	ext, err := UnitName("a.mount")
	require.NoError(t, err)
	assert.Equal(t, "mount", ext)
	for _, bad := range []string{"", "noext", ".service", "a/b.service", "a."} {
		_, err := UnitName(bad)
		assert.Error(t, err, bad)
	}
}

func TestUnitOf(t *testing.T) {
	assert.Equal(t, "web.service", unitOf("/etc/unitd/web.service"))
	assert.Equal(t, "web.service", unitOf("/etc/unitd/web.service.d/10-x.toml"))
	assert.Equal(t, "", unitOf("/etc/unitd/web.service.d"))
	assert.Equal(t, "", unitOf("/etc/unitd/.swp"))
}

func TestWatchReportsChanges(t *testing.T) {
	dir := t.TempDir()
	got := make(chan string, 8)
	w, err := Watch(NewLookup([]string{dir}), func(fn func()) { fn() }, func(name string) { got <- name })
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	write(t, filepath.Join(dir, "a.service"), "[Unit]\n")
	select {
	case name := <-got:
		assert.Equal(t, "a.service", name)
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}
}
