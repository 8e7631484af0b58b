package store

// Switch selects where table writes land while the coordinator drives a
// recovery pass.
//
//	SwitchNone   - normal operation, writes go to the cache (and are exported on commit)
//	SwitchBuffer - writes are collected in the buffer as well; the buffer is the next full snapshot
//	SwitchCache  - recovery finished using the buffer, writes go to the cache again
type Switch int8

const (
	SwitchNone Switch = iota
	SwitchBuffer
	SwitchCache
)

func (s Switch) String() string {
	switch s {
	case SwitchNone:
		return "none"
	case SwitchBuffer:
		return "buffer"
	case SwitchCache:
		return "cache"
	default:
		return "unknown"
	}
}

// Table is a named, swappable key/value table. Every call that takes a Txn
// applies entirely inside that transaction; nothing is written outside of it.
// Tables are driven single-threaded by the history registry.
type Table interface {
	// Clear drops the durable rows and every in-memory generation.
	Clear(tx *Txn) error
	// Export writes the pending cache changes (inserts and removals since the
	// last export) to the durable tier.
	Export(tx *Txn) error
	// Flush replaces the durable rows with the buffer (buffer=true) or with
	// the whole cache (buffer=false). A buffer flush also makes the buffer the
	// new cache and empties it.
	Flush(tx *Txn, buffer bool) error
	// Import loads the durable rows into the cache, dropping pending changes.
	Import(db *DB) error
	// SwitchSet routes subsequent writes. Entering SwitchBuffer empties the buffer.
	SwitchSet(sw Switch)
}
