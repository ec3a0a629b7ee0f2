package kcoord

import "time"

// TxnState is one of the transaction states (spec.md §3).
type TxnState int8

const (
	TxnEmpty TxnState = iota
	TxnOngoing
	TxnPrepareCommit
	TxnPrepareAbort
	TxnCompleteCommit
	TxnCompleteAbort
	TxnDead
)

func (s TxnState) String() string {
	switch s {
	case TxnEmpty:
		return "Empty"
	case TxnOngoing:
		return "Ongoing"
	case TxnPrepareCommit:
		return "PrepareCommit"
	case TxnPrepareAbort:
		return "PrepareAbort"
	case TxnCompleteCommit:
		return "CompleteCommit"
	case TxnCompleteAbort:
		return "CompleteAbort"
	case TxnDead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// TopicPartition names one partition of one topic.
type TopicPartition struct {
	Topic     string
	Partition int32
}

// TxnMetadata is the cached state for one transactional id (C5 "Transaction
// Entry", spec.md §3).
type TxnMetadata struct {
	TransactionalID string
	ProducerID      int64
	ProducerEpoch   int16
	State           TxnState
	TimeoutMs       int64
	Partitions      []TopicPartition
	LastUpdate      time.Time
	StartTime       time.Time

	// pending is the staged next-state, promoted to State only on
	// successful append (spec.md "Pending state" in the glossary).
	pending *TxnTransit
}

// TxnTransit is the delta describing a proposed transition, staged
// separately from the committed state until the backing append succeeds
// (spec.md §3, glossary "Transit metadata").
type TxnTransit struct {
	TargetState TxnState
	ProducerID  int64
	Epoch       int16
	TimeoutMs   int64
	Partitions  []TopicPartition
	UpdateTime  time.Time
}

// completeTransitionTo applies t in place, preserving the entry identity so
// any holder of this *TxnMetadata observes the update (spec.md §4.7
// "Rationale": in-place mutation, not replacement).
func (m *TxnMetadata) completeTransitionTo(t TxnTransit) {
	m.State = t.TargetState
	m.ProducerID = t.ProducerID
	m.ProducerEpoch = t.Epoch
	m.TimeoutMs = t.TimeoutMs
	m.Partitions = t.Partitions
	m.LastUpdate = t.UpdateTime
	m.pending = nil
}

// stagePending records t as this entry's pending transition, without
// applying it.
func (m *TxnMetadata) stagePending(t TxnTransit) { m.pending = &t }

// clearPending drops any staged pending transition.
func (m *TxnMetadata) clearPending() { m.pending = nil }
