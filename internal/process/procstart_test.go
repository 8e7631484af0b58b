//go:build linux

package process

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sysconf "github.com/tklauser/go-sysconf"
)

func fakeProc(t *testing.T, stat string) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "4242"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "4242", "stat"), []byte(stat), 0o644))
	kstat := "cpu  10 0 20 300 0 0 0 0 0 0\nbtime 1700000000\nprocesses 99\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "stat"), []byte(kstat), 0o644))
	return root
}

func TestProcStartFromStat(t *testing.T) {
	hz, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	require.NoError(t, err)
	// comm with a space and a parenthesis must not shift the fields
	stat := "4242 (my (svc) d) S 1 4242 4242 0 -1 4194560 100 0 0 0 1 2 0 0 20 0 1 0 " +
		"60000 1000000 200 18446744073709551615 1 1 0 0 0 0 0 0 0 0 0 0 17 0 0 0 0 0 0\n"
	root := fakeProc(t, stat)
	assert.Equal(t, int64(1700000000)+60000/hz, procStart(root, 4242))
}

func TestProcStartUnknown(t *testing.T) {
	root := fakeProc(t, "garbage\n")
	assert.Zero(t, procStart(root, 4242))
	assert.Zero(t, procStart(root, 1))
	assert.Zero(t, StartTime(0))
}

func TestProcStateZombie(t *testing.T) {
	root := fakeProc(t, "4242 (defunct) Z 1 4242 4242 0 -1 4194564 0 0 0 0 0 0 0 0 20 0 1 0 "+
		"60000 0 0 18446744073709551615 0 0 0 0 0 0 0 0 0 0 0 0 17 0 0 0 0 0 0\n")
	assert.Equal(t, "Z", procState(root, 4242))
	assert.Equal(t, "", procState(root, 99999))
}
