// Package cow provides a copy-on-write map for state that is copied once per
// unit of work.
//
// A clone shares the committed entries of its parent and keeps its own
// writes in an overlay, so cloning costs O(overlay) instead of O(entries).
// Commit folds the overlay into the shared base. Because the base is shared,
// only the copy that replaces every other copy of the same lineage may
// commit.
package cow

import "maps"

// Map is a copy-on-write map. The zero value is not usable; use NewMap or
// FromMap. Not safe for concurrent use.
type Map[K comparable, V any] struct {
	base    map[K]V
	dirty   map[K]V
	deleted map[K]struct{}
	// owned marks dirty values created by this copy. Only those may be
	// modified in place.
	owned map[K]struct{}
	size  int
}

// NewMap creates an empty map.
func NewMap[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{base: make(map[K]V)}
}

// FromMap wraps m, which the result owns from then on.
func FromMap[K comparable, V any](m map[K]V) *Map[K, V] {
	if m == nil {
		m = make(map[K]V)
	}
	return &Map[K, V]{base: m, size: len(m)}
}

// Get returns the value stored under k.
func (m *Map[K, V]) Get(k K) (V, bool) {
	if v, ok := m.dirty[k]; ok {
		return v, true
	}
	if _, ok := m.deleted[k]; ok {
		var zero V
		return zero, false
	}
	v, ok := m.base[k]
	return v, ok
}

// Set stores v under k. v belongs to this copy until the next Clone.
func (m *Map[K, V]) Set(k K, v V) {
	if _, ok := m.Get(k); !ok {
		m.size++
	}
	if m.dirty == nil {
		m.dirty = make(map[K]V)
	}
	if m.owned == nil {
		m.owned = make(map[K]struct{})
	}
	m.dirty[k] = v
	m.owned[k] = struct{}{}
	delete(m.deleted, k)
}

// Delete removes k.
func (m *Map[K, V]) Delete(k K) {
	if _, ok := m.Get(k); !ok {
		return
	}
	m.size--
	delete(m.dirty, k)
	delete(m.owned, k)
	if _, ok := m.base[k]; ok {
		if m.deleted == nil {
			m.deleted = make(map[K]struct{})
		}
		m.deleted[k] = struct{}{}
	}
}

// Edit returns the value under k for modification in place. A value still
// shared with another copy is first replaced by dup(v).
func (m *Map[K, V]) Edit(k K, dup func(V) V) (V, bool) {
	v, ok := m.Get(k)
	if !ok {
		return v, false
	}
	if _, mine := m.owned[k]; mine {
		return v, true
	}
	v = dup(v)
	m.Set(k, v)
	return v, true
}

// Len returns the number of entries.
func (m *Map[K, V]) Len() int { return m.size }

// Range calls fn for each entry in unspecified order until fn returns false.
func (m *Map[K, V]) Range(fn func(K, V) bool) {
	for k, v := range m.dirty {
		if !fn(k, v) {
			return
		}
	}
	for k, v := range m.base {
		if _, ok := m.dirty[k]; ok {
			continue
		}
		if _, ok := m.deleted[k]; ok {
			continue
		}
		if !fn(k, v) {
			return
		}
	}
}

// Clone returns a copy sharing the base of m. Values written by m before the
// clone become shared: neither copy may modify them in place afterwards.
func (m *Map[K, V]) Clone() *Map[K, V] {
	c := &Map[K, V]{base: m.base, size: m.size}
	if len(m.dirty) > 0 {
		c.dirty = maps.Clone(m.dirty)
	}
	if len(m.deleted) > 0 {
		c.deleted = maps.Clone(m.deleted)
	}
	m.owned = nil
	return c
}

// Commit folds the overlay into the base. Every other copy sharing the base
// must be discarded.
func (m *Map[K, V]) Commit() {
	for k := range m.deleted {
		delete(m.base, k)
	}
	for k, v := range m.dirty {
		m.base[k] = v
	}
	m.dirty, m.deleted, m.owned = nil, nil, nil
}

// Pending returns the number of entries held in the overlay.
func (m *Map[K, V]) Pending() int { return len(m.dirty) + len(m.deleted) }
