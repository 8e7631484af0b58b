package reli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/loykin/unitd/internal/metrics"
	"github.com/loykin/unitd/internal/store"
)

// generations owns the two physical copies of the history store. The b.effect
// flag file is the only arbiter of which one is current; it is flipped only
// after the other copy has been completely written and committed.
type generations struct {
	hp     string
	bExist bool
	cur    *store.DB
}

func openGenerations(hp string) (*generations, error) {
	g := &generations{hp: hp, bExist: bflagExists(hp)}
	db, err := store.Open(g.path(g.current()))
	if err != nil {
		return nil, fmt.Errorf("open generation %s: %w", g.current(), err)
	}
	g.cur = db
	slog.Info("reliability history opened", "generation", g.current(), "path", db.Path())
	return g, nil
}

func (g *generations) current() string { return subdirCur(g.bExist) }

func (g *generations) next() string { return subdirNext(g.bExist) }

func (g *generations) path(sub string) string {
	return filepath.Join(g.hp, sub, store.DataFile)
}

// commit runs fn in one transaction against the current generation.
func (g *generations) commit(fn func(tx *store.Txn) error) error {
	tx, err := g.cur.Begin(context.Background())
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// rewrite writes a complete snapshot into the next generation and then makes
// it current. A crash at any point leaves either the old or the new
// generation selected, each complete.
func (g *generations) rewrite(fn func(tx *store.Txn) error) error {
	nextSub := g.next()
	nextPath := g.path(nextSub)
	for _, p := range []string{nextPath, nextPath + "-journal", nextPath + "-wal", nextPath + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("reset generation %s: %w", nextSub, err)
		}
	}
	next, err := store.Open(nextPath)
	if err != nil {
		return fmt.Errorf("open generation %s: %w", nextSub, err)
	}
	tx, err := next.Begin(context.Background())
	if err != nil {
		_ = next.Close()
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		_ = next.Close()
		return err
	}
	if err := tx.Commit(); err != nil {
		_ = next.Close()
		return fmt.Errorf("commit generation %s: %w", nextSub, err)
	}
	if err := syncDir(filepath.Join(g.hp, nextSub)); err != nil {
		_ = next.Close()
		return fmt.Errorf("sync generation %s: %w", nextSub, err)
	}
	if err := g.flip(); err != nil {
		_ = next.Close()
		return err
	}
	old := g.cur
	g.cur = next
	_ = old.Close()
	metrics.IncGenerationFlip(g.current())
	slog.Debug("reliability generation switched", "generation", g.current())
	return nil
}

// flip toggles the b.effect flag durably.
func (g *generations) flip() error {
	flag := filepath.Join(g.hp, BFlagFile)
	if g.bExist {
		if err := os.Remove(flag); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("clear %s: %w", BFlagFile, err)
		}
	} else {
		f, err := os.OpenFile(flag, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return fmt.Errorf("set %s: %w", BFlagFile, err)
		}
		if _, err := f.WriteString(SubDirB); err != nil {
			_ = f.Close()
			return fmt.Errorf("set %s: %w", BFlagFile, err)
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return fmt.Errorf("set %s: %w", BFlagFile, err)
		}
		_ = f.Close()
	}
	if err := syncDir(g.hp); err != nil {
		return fmt.Errorf("sync %s: %w", g.hp, err)
	}
	g.bExist = !g.bExist
	return nil
}

func (g *generations) close() error {
	if g.cur == nil {
		return nil
	}
	err := g.cur.Close()
	g.cur = nil
	return err
}
