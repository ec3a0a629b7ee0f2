package kcoord

import "sync"

// lifecycle tracks the loading and owned sets of partitions under a single
// mutex (spec.md §4.4, C4). Transitions are absent -> loading -> owned ->
// absent; a partition is never both loading and owned (invariant 1).
//
// part_lock discipline: this lock is always acquired before any per-entry
// lock, and is never held across I/O (spec.md §4.4, §5). Every method here
// is a short, lock-held read or set-membership update.
type lifecycle struct {
	mu      sync.Mutex
	loading map[int]bool
	owned   map[int]bool
}

func newLifecycle() *lifecycle {
	return &lifecycle{loading: make(map[int]bool), owned: make(map[int]bool)}
}

// tryBeginLoad marks p as loading, unless it is already loading or owned, in
// which case it reports false and the caller must abort as a no-op (load
// idempotence, spec.md §8 property 6).
func (l *lifecycle) tryBeginLoad(p int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loading[p] || l.owned[p] {
		return false
	}
	l.loading[p] = true
	return true
}

// finishLoad moves p from loading to owned. It reports false, doing
// nothing, if p is no longer marked loading (an Unloader ran concurrently
// and the loader must abandon its staged promotion).
func (l *lifecycle) finishLoad(p int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.loading[p] {
		return false
	}
	delete(l.loading, p)
	l.owned[p] = true
	return true
}

// abortLoad clears p from loading without promoting it to owned, used when
// a load fails partway (decode error, read error).
func (l *lifecycle) abortLoad(p int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.loading, p)
}

// unload removes p from both sets. It reports whether p was present in
// either set; unloading an absent partition is defined as a no-op (spec.md
// §8 property 7).
func (l *lifecycle) unload(p int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	wasPresent := l.loading[p] || l.owned[p]
	delete(l.loading, p)
	delete(l.owned, p)
	return wasPresent
}

func (l *lifecycle) isOwned(p int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owned[p]
}

func (l *lifecycle) isLoading(p int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loading[p]
}

func (l *lifecycle) anyLoading() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.loading) > 0
}

// ownedPartitions returns a snapshot slice of currently owned partitions.
func (l *lifecycle) ownedPartitions() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int, 0, len(l.owned))
	for p := range l.owned {
		out = append(out, p)
	}
	return out
}
