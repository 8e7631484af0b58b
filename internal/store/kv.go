package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// KV is the Table implementation used by every component: typed keys and
// values, JSON encoded in the durable tier. String keys are stored verbatim.
//
// The cache always holds the live view. add/del record what changed since the
// last Export. While the switch is SwitchBuffer, writes are also collected in
// buffer, which becomes the complete durable content on Flush(tx, true).
type KV[K comparable, V any] struct {
	name   string
	sw     Switch
	cache  map[K]V
	add    map[K]V
	del    map[K]struct{}
	buffer map[K]V
}

// NewKV creates an empty table; it still has to be registered with the
// history registry to take part in import/flush.
func NewKV[K comparable, V any](name string) *KV[K, V] {
	return &KV[K, V]{
		name:   name,
		cache:  make(map[K]V),
		add:    make(map[K]V),
		del:    make(map[K]struct{}),
		buffer: make(map[K]V),
	}
}

// Name returns the stable registry name of the table.
func (t *KV[K, V]) Name() string { return t.name }

// Insert writes a value.
func (t *KV[K, V]) Insert(k K, v V) {
	if t.sw == SwitchBuffer {
		t.buffer[k] = v
	}
	t.cache[k] = v
	t.add[k] = v
	delete(t.del, k)
}

// Remove deletes a value.
func (t *KV[K, V]) Remove(k K) {
	if t.sw == SwitchBuffer {
		delete(t.buffer, k)
	}
	delete(t.cache, k)
	delete(t.add, k)
	t.del[k] = struct{}{}
}

// Get reads the live value.
func (t *KV[K, V]) Get(k K) (V, bool) {
	v, ok := t.cache[k]
	return v, ok
}

// Contains reports whether the key is present.
func (t *KV[K, V]) Contains(k K) bool {
	_, ok := t.cache[k]
	return ok
}

// Keys returns the live keys in no particular order.
func (t *KV[K, V]) Keys() []K {
	out := make([]K, 0, len(t.cache))
	for k := range t.cache {
		out = append(out, k)
	}
	return out
}

// Len returns the number of live entries.
func (t *KV[K, V]) Len() int { return len(t.cache) }

// Dirty reports whether there are changes not yet exported.
func (t *KV[K, V]) Dirty() bool { return len(t.add) > 0 || len(t.del) > 0 }

func (t *KV[K, V]) Clear(tx *Txn) error {
	if err := tx.Clear(t.name); err != nil {
		return fmt.Errorf("clear %s: %w", t.name, err)
	}
	t.cache = make(map[K]V)
	t.add = make(map[K]V)
	t.del = make(map[K]struct{})
	t.buffer = make(map[K]V)
	return nil
}

func (t *KV[K, V]) Export(tx *Txn) error {
	for k := range t.del {
		ks, err := encodeKey(k)
		if err != nil {
			return fmt.Errorf("export %s: %w", t.name, err)
		}
		if err := tx.Delete(t.name, ks); err != nil {
			return fmt.Errorf("export %s: %w", t.name, err)
		}
	}
	if err := t.putAll(tx, t.add); err != nil {
		return err
	}
	t.add = make(map[K]V)
	t.del = make(map[K]struct{})
	return nil
}

func (t *KV[K, V]) Flush(tx *Txn, buffer bool) error {
	if err := tx.Clear(t.name); err != nil {
		return fmt.Errorf("flush %s: %w", t.name, err)
	}
	src := t.cache
	if buffer {
		src = t.buffer
	}
	if err := t.putAll(tx, src); err != nil {
		return err
	}
	if buffer {
		t.cache = t.buffer
		t.buffer = make(map[K]V)
	}
	t.add = make(map[K]V)
	t.del = make(map[K]struct{})
	return nil
}

func (t *KV[K, V]) Import(db *DB) error {
	rows, err := db.Load(context.Background(), t.name)
	if err != nil {
		return fmt.Errorf("import %s: %w", t.name, err)
	}
	cache := make(map[K]V, len(rows))
	for ks, raw := range rows {
		k, err := decodeKey[K](ks)
		if err != nil {
			return fmt.Errorf("import %s: key %q: %w", t.name, ks, err)
		}
		var v V
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("import %s: value of %q: %w", t.name, ks, err)
		}
		cache[k] = v
	}
	t.cache = cache
	t.add = make(map[K]V)
	t.del = make(map[K]struct{})
	t.buffer = make(map[K]V)
	return nil
}

func (t *KV[K, V]) SwitchSet(sw Switch) {
	if sw == SwitchBuffer && t.sw != SwitchBuffer {
		t.buffer = make(map[K]V)
	}
	t.sw = sw
}

// Switch returns the current write routing.
func (t *KV[K, V]) Switch() Switch { return t.sw }

func (t *KV[K, V]) putAll(tx *Txn, m map[K]V) error {
	for k, v := range m {
		ks, err := encodeKey(k)
		if err != nil {
			return fmt.Errorf("write %s: %w", t.name, err)
		}
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("write %s: value of %q: %w", t.name, ks, err)
		}
		if err := tx.Put(t.name, ks, b); err != nil {
			return fmt.Errorf("write %s: %w", t.name, err)
		}
	}
	return nil
}

func encodeKey[K comparable](k K) (string, error) {
	if s, ok := any(k).(string); ok {
		return s, nil
	}
	b, err := json.Marshal(k)
	return string(b), err
}

func decodeKey[K comparable](s string) (K, error) {
	var k K
	if p, ok := any(&k).(*string); ok {
		*p = s
		return k, nil
	}
	err := json.Unmarshal([]byte(s), &k)
	return k, err
}
