package unitfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports unit names whose files changed in the lookup paths. Events
// are delivered through post, so the callback runs on the caller's loop.
type Watcher struct {
	w    *fsnotify.Watcher
	done chan struct{}
}

// Watch starts watching every existing lookup directory and every existing
// drop-in directory in it.
func Watch(l *Lookup, post func(func()), onChange func(name string)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	for _, dir := range l.Paths {
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			continue
		}
		if err := fw.Add(dir); err != nil {
			_ = fw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
		dropins, _ := filepath.Glob(filepath.Join(dir, "*.d"))
		for _, d := range dropins {
			_ = fw.Add(d)
		}
	}
	w := &Watcher{w: fw, done: make(chan struct{})}
	go w.run(post, onChange)
	return w, nil
}

func (w *Watcher) run(post func(func()), onChange func(string)) {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) && strings.HasSuffix(ev.Name, ".d") {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = w.w.Add(ev.Name)
				}
			}
			name := unitOf(ev.Name)
			if name == "" {
				continue
			}
			slog.Debug("unit file changed", "unit", name, "op", ev.Op.String())
			post(func() { onChange(name) })
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			slog.Warn("unit file watch error", "err", err)
		}
	}
}

// unitOf maps a changed path to the unit it belongs to: either the fragment
// itself or "<unit>.d/<x>.toml".
func unitOf(path string) string {
	base := filepath.Base(path)
	parent := filepath.Base(filepath.Dir(path))
	if strings.HasSuffix(parent, ".d") && strings.HasSuffix(base, ".toml") {
		return strings.TrimSuffix(parent, ".d")
	}
	if strings.HasSuffix(base, ".d") || strings.HasPrefix(base, ".") {
		return ""
	}
	if _, err := UnitName(base); err != nil {
		return ""
	}
	return base
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	err := w.w.Close()
	<-w.done
	return err
}
