package reli

import (
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"github.com/loykin/unitd/internal/metrics"
	"github.com/loykin/unitd/internal/store"
)

// History owns every registered table by name and drives them as one batch.
// Fan-out is exhaustive: a failing table does not stop the others, the errors
// are aggregated.
type History struct {
	sw    store.Switch
	order []string
	dbs   map[string]store.Table
	gens  *generations
}

func newHistory(gens *generations) *History {
	return &History{dbs: make(map[string]store.Table), gens: gens}
}

// Register adds a table under a stable name. Registering the same name again
// replaces the previous table.
func (h *History) Register(name string, t store.Table) {
	if _, ok := h.dbs[name]; !ok {
		h.order = append(h.order, name)
	}
	h.dbs[name] = t
	t.SwitchSet(h.sw)
}

// Names returns the registered table names in registration order.
func (h *History) Names() []string {
	return append([]string(nil), h.order...)
}

// Import loads the current generation into every table's cache.
func (h *History) Import() error {
	var errs *multierror.Error
	for _, name := range h.order {
		if err := h.dbs[name].Import(h.gens.cur); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// SwitchSet propagates the write routing to every table.
func (h *History) SwitchSet(sw store.Switch) {
	h.sw = sw
	for _, name := range h.order {
		h.dbs[name].SwitchSet(sw)
	}
}

// Switch returns the routing last propagated.
func (h *History) Switch() store.Switch { return h.sw }

// Flush writes the selected generation of every table into the next on-disk
// generation and switches to it.
func (h *History) Flush(buffer bool) error {
	return h.gens.rewrite(func(tx *store.Txn) error {
		var errs *multierror.Error
		for _, name := range h.order {
			if err := h.dbs[name].Flush(tx, buffer); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		return errs.ErrorOrNil()
	})
}

// Commit is the durability barrier of normal operation: the pending changes of
// every table are exported in one transaction.
func (h *History) Commit() {
	err := h.gens.commit(func(tx *store.Txn) error {
		var errs *multierror.Error
		for _, name := range h.order {
			if err := h.dbs[name].Export(tx); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		return errs.ErrorOrNil()
	})
	if err != nil {
		slog.Error("reliability history commit failed", "err", err)
		return
	}
	metrics.IncCommit()
}

// clearAll drops every table, in memory and on disk.
func (h *History) clearAll() error {
	return h.gens.commit(func(tx *store.Txn) error {
		var errs *multierror.Error
		for _, name := range h.order {
			if err := h.dbs[name].Clear(tx); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
		return errs.ErrorOrNil()
	})
}
