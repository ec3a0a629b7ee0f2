package kcoord

import "sync"

// Slot is one cache entry together with its own lock and coordinator epoch
// (spec.md §3, §4.5: "each entry individually lockable"). All state reads
// and transitions for this id go through Mu; Epoch is bumped only by the
// Loader when a partition is (re-)loaded.
type Slot[T any] struct {
	Mu    sync.Mutex
	Epoch int64
	Value T
}

// PartitionCache is the two-level metadata cache of spec.md §4.5: an outer
// mapping partition -> inner map, created when a partition enters loading
// and removed when it leaves owned, and an inner mapping id -> *Slot[T].
// The outer mapping is guarded by its own lock, separate from the lifecycle
// and manager state locks; that one lock covers every partition.
type PartitionCache[T any] struct {
	mu    sync.RWMutex
	parts map[int]map[string]*Slot[T]
}

// NewPartitionCache returns an empty cache.
func NewPartitionCache[T any]() *PartitionCache[T] {
	return &PartitionCache[T]{parts: make(map[int]map[string]*Slot[T])}
}

// CreatePartition installs an empty inner map for p, if one does not
// already exist. Called by the Loader once the partition is marked loading,
// before draining.
func (c *PartitionCache[T]) CreatePartition(p int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.parts[p]; !ok {
		c.parts[p] = make(map[string]*Slot[T])
	}
}

// DropPartition removes the inner map for p entirely. Called by the
// Unloader.
func (c *PartitionCache[T]) DropPartition(p int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.parts, p)
}

// HasPartition reports whether an inner map exists for p (invariant 2 of
// spec.md §3: the cache contains a map for p iff p is loading or owned).
func (c *PartitionCache[T]) HasPartition(p int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.parts[p]
	return ok
}

// Get returns the slot for id in partition p, if present.
func (c *PartitionCache[T]) Get(p int, id string) (*Slot[T], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inner, ok := c.parts[p]
	if !ok {
		return nil, false
	}
	s, ok := inner[id]
	return s, ok
}

// PutIfAbsent inserts a fresh slot built by mk for id in partition p if none
// exists yet, at the given epoch, and returns the resident slot either way.
// created reports whether this call's value won (true) or an existing entry
// was already present (false, a conflict the caller may want to log).
// present reports whether partition p has an inner map at all; if false,
// the other return values are zero.
func (c *PartitionCache[T]) PutIfAbsent(p int, id string, epoch int64, mk func() T) (slot *Slot[T], created, present bool) {
	c.mu.RLock()
	_, present = c.parts[p]
	c.mu.RUnlock()
	if !present {
		return nil, false, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// Re-check under the write lock: DropPartition could have raced us.
	inner, ok := c.parts[p]
	if !ok {
		return nil, false, false
	}
	if s, ok := inner[id]; ok {
		return s, false, true
	}
	s := &Slot[T]{Epoch: epoch, Value: mk()}
	inner[id] = s
	return s, true, true
}

// Put unconditionally installs slot for id in partition p, overwriting any
// existing entry. It does nothing if p has no inner map.
func (c *PartitionCache[T]) Put(p int, id string, s *Slot[T]) {
	c.mu.RLock()
	inner, ok := c.parts[p]
	c.mu.RUnlock()
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	inner[id] = s
}

// Delete removes id from partition p's inner map, if present.
func (c *PartitionCache[T]) Delete(p int, id string) {
	c.mu.RLock()
	inner, ok := c.parts[p]
	c.mu.RUnlock()
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(inner, id)
}

// Replace atomically swaps the entire inner map for partition p with fresh.
// Used by the transaction manager's loader, which commits a wholesale
// replacement rather than merging (spec.md §4.6 step 5).
func (c *PartitionCache[T]) Replace(p int, fresh map[string]*Slot[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.parts[p]; !ok {
		return
	}
	c.parts[p] = fresh
}

// Range calls fn for every id currently cached in partition p. fn must not
// mutate the cache.
func (c *PartitionCache[T]) Range(p int, fn func(id string, s *Slot[T])) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inner, ok := c.parts[p]
	if !ok {
		return
	}
	for id, s := range inner {
		fn(id, s)
	}
}

// Len reports the number of cached ids in partition p, or 0 if p has no
// inner map.
func (c *PartitionCache[T]) Len(p int) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.parts[p])
}
