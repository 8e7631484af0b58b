package reli

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// On-disk layout below the home directory. Changing any of these names is a
// breaking change of the persisted format.
const (
	DirName     = "reliability.mdb"
	SubDirA     = "a"
	SubDirB     = "b"
	BFlagFile   = "b.effect"
	LockFile    = "lock"
	ControlFile = "data.db"

	dirMode = 0o700
)

// DefaultHome is used when the configuration does not name a home directory.
const DefaultHome = "/run/unitd"

// hpath returns <home>/reliability.mdb.
func hpath(home string) string { return filepath.Join(home, DirName) }

// prepare creates <home>/reliability.mdb/{a,b} with mode 0700. Any failure is
// fatal for the caller: there is no degraded mode without a history store.
func prepare(home string) (string, error) {
	old := syscall.Umask(0o077)
	defer syscall.Umask(old)

	hp := hpath(home)
	for _, d := range []string{hp, filepath.Join(hp, SubDirA), filepath.Join(hp, SubDirB)} {
		if err := os.MkdirAll(d, dirMode); err != nil {
			return "", fmt.Errorf("reliability prepare %s: %w", d, err)
		}
		if err := os.Chmod(d, dirMode); err != nil {
			return "", fmt.Errorf("reliability prepare %s: %w", d, err)
		}
	}
	return hp, nil
}

func subdirCur(bExist bool) string {
	if bExist {
		return SubDirB
	}
	return SubDirA
}

func subdirNext(bExist bool) string {
	if bExist {
		return SubDirA
	}
	return SubDirB
}

func bflagExists(hp string) bool {
	_, err := os.Stat(filepath.Join(hp, BFlagFile))
	return err == nil
}

// syncDir makes directory entry changes (create/unlink/rename) durable.
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return f.Sync()
}
