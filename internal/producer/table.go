package producer

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrTableFull mirrors the kernel's E2BIG on a full hash map.
	ErrTableFull = errors.New("table full")
	// ErrKeyType is returned when Put or Delete is given a key or value of
	// the wrong type.
	ErrKeyType = errors.New("wrong key or value type")
)

// Table is a bounded hash map with the Put/Delete surface of *ebpf.Map, so
// the same writers can populate either.
type Table[K comparable, V any] struct {
	mu         sync.RWMutex
	entries    map[K]V
	maxEntries int
}

// NewTable returns a table holding at most maxEntries keys.
func NewTable[K comparable, V any](maxEntries int) *Table[K, V] {
	return &Table[K, V]{
		entries:    make(map[K]V),
		maxEntries: maxEntries,
	}
}

// Put inserts or overwrites key. key must be a K or *K, value a V or *V.
func (t *Table[K, V]) Put(key, value any) error {
	k, err := as[K](key)
	if err != nil {
		return err
	}
	v, err := as[V](value)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[k]; !ok && len(t.entries) >= t.maxEntries {
		return fmt.Errorf("%w: %d entries", ErrTableFull, t.maxEntries)
	}
	t.entries[k] = v
	return nil
}

// Delete removes key. Deleting a missing key is not an error here, unlike
// the kernel map; callers treat both outcomes alike.
func (t *Table[K, V]) Delete(key any) error {
	k, err := as[K](key)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, k)
	return nil
}

// Lookup returns the value stored for key.
func (t *Table[K, V]) Lookup(key K) (V, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.entries[key]
	return v, ok
}

// Len returns the number of entries.
func (t *Table[K, V]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func as[T any](x any) (T, error) {
	switch v := x.(type) {
	case T:
		return v, nil
	case *T:
		if v != nil {
			return *v, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("%w: got %T, want %T", ErrKeyType, x, zero)
}
