package kcoord

import (
	"errors"

	"github.com/twmb/franz-go/pkg/kerr"
)

// Coordinator-visible sentinel errors, expressed as the same *kerr.Error
// values a real broker would put on the wire. The append pipeline never
// invents its own error type: every outcome in spec.md's taxonomy already
// has a kerr code.
var (
	ErrNotCoordinator            = kerr.NotCoordinator
	ErrCoordinatorNotAvailable   = kerr.CoordinatorNotAvailable
	ErrConcurrentTransactions    = kerr.ConcurrentTransactions
	ErrCoordinatorLoadInProgress = kerr.CoordinatorLoadInProgress
	ErrUnknownServerError        = kerr.UnknownServerError
	ErrInvalidTransactionTimeout = kerr.InvalidTransactionTimeout

	// ErrStoreOffsetsUnimplemented is returned by StoreOffsets. The wire
	// semantics of per-partition offset filtering and producer fencing
	// for transactional offset commits are an open question the source
	// leaves unanswered (spec.md §9); we refuse to guess them.
	ErrStoreOffsetsUnimplemented = errors.New("kcoord: store offsets is not implemented")
)

// translateAppendError maps a bus append outcome to the coordinator error a
// client should see, per spec.md §4.7's table. A nil status maps to nil: the
// caller proceeds to apply the in-memory transition. A genuine transport
// failure (asCoordinatorNotAvailable already having wrapped it) passes
// through as CoordinatorNotAvailable.
func translateAppendError(status error) error {
	if status == nil {
		return nil
	}
	var kerrErr *kerr.Error
	if !errors.As(status, &kerrErr) {
		return kerr.UnknownServerError
	}
	switch kerrErr {
	case kerr.CoordinatorNotAvailable,
		kerr.UnknownTopicOrPartition, kerr.NotEnoughReplicas, kerr.NotEnoughReplicasAfterAppend, kerr.RequestTimedOut:
		return kerr.CoordinatorNotAvailable
	case kerr.KafkaStorageError:
		return kerr.NotCoordinator
	case kerr.MessageTooLarge, kerr.RecordListTooLarge:
		return kerr.UnknownServerError
	default:
		return kerr.UnknownServerError
	}
}

// RetryPredicate decides, on an append failure, whether a pending-state slot
// on an entry should be left in place (caller will retry) or cleared.
type RetryPredicate func(err error) bool

// AlwaysClearOnFailure is the default retry predicate: never retry, always
// clear the pending-state slot on append failure.
func AlwaysClearOnFailure(error) bool { return false }
