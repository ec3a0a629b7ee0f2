package kcoord

import "sync"

// The append pipeline (C7, spec.md §4.7) has the same shape for both
// managers: hold a read lock on manager-wide state, validate the entry's
// coordinator epoch, append to the log while still holding that read lock
// (the "hot suspension point" of spec.md §5 that forces an Unloader to wait
// in write mode), then re-validate the epoch before mutating the cache.
//
// beginAppend, finishAppendSuccess and finishAppendFailure below capture
// that shared shape once; the
// group and transaction managers each supply their own encode/apply logic
// around the calls, since the Entry payload and in-place transition differ
// per manager (spec.md §4.7 "Rationale": in-place mutation via the entry's
// own lock).

// beginAppend validates that id's partition is owned (not loading, not
// absent) and that its cached entry's epoch matches expectedEpoch. On
// success it returns the entry's slot with stateLock still held in read
// mode; the caller MUST call stateLock.RUnlock() exactly once, after the
// append I/O completes, win or lose.
func beginAppend[T any](
	stateLock *sync.RWMutex,
	lc *lifecycle,
	cache *PartitionCache[T],
	partition int,
	id string,
	expectedEpoch int64,
	loadingErr error,
) (slot *Slot[T], err error) {
	stateLock.RLock()

	if lc.isLoading(partition) {
		stateLock.RUnlock()
		return nil, loadingErr
	}
	if !cache.HasPartition(partition) {
		stateLock.RUnlock()
		return nil, ErrNotCoordinator
	}
	slot, ok := cache.Get(partition, id)
	if !ok {
		stateLock.RUnlock()
		return nil, ErrNotCoordinator
	}

	slot.Mu.Lock()
	epochOK := slot.Epoch == expectedEpoch
	slot.Mu.Unlock()
	if !epochOK {
		stateLock.RUnlock()
		return nil, ErrNotCoordinator
	}

	// stateLock stays read-locked: the caller now performs the append
	// I/O, still holding it, and must release via the paired finish call.
	return slot, nil
}

// finishAppendSuccess re-acquires (this call releases the hold beginAppend
// left open) the entry, re-validates its epoch hasn't migrated during the
// append window, and applies apply in place under the entry's own lock. If
// the entry vanished or its epoch changed, the in-memory mutation is
// abandoned and NotCoordinator is surfaced, even though the append itself
// already succeeded durably (spec.md §4.7, S4).
func finishAppendSuccess[T any](
	stateLock *sync.RWMutex,
	cache *PartitionCache[T],
	partition int,
	id string,
	expectedEpoch int64,
	apply func(*T),
) error {
	defer stateLock.RUnlock()

	slot, ok := cache.Get(partition, id)
	if !ok {
		return ErrNotCoordinator
	}
	slot.Mu.Lock()
	defer slot.Mu.Unlock()
	if slot.Epoch != expectedEpoch {
		return ErrNotCoordinator
	}
	apply(&slot.Value)
	return nil
}

// finishAppendFailure re-acquires the entry after a failed append. If the
// entry is still present at the same epoch, retry decides whether to leave
// any pending-state slot alone (the caller will retry later) or clear it via
// onClear. The original append error (status) is
// always what is returned to the caller, per spec.md §4.7.
func finishAppendFailure[T any](
	stateLock *sync.RWMutex,
	cache *PartitionCache[T],
	partition int,
	id string,
	expectedEpoch int64,
	status error,
	retry RetryPredicate,
	onClear func(*T),
) error {
	defer stateLock.RUnlock()

	slot, ok := cache.Get(partition, id)
	if ok {
		slot.Mu.Lock()
		if slot.Epoch == expectedEpoch && !retry(status) && onClear != nil {
			onClear(&slot.Value)
		}
		slot.Mu.Unlock()
	}
	return status
}
