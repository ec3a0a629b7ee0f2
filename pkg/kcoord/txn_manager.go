package kcoord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kcoord/kcoord/pkg/kcoord/kbus"
)

// TxnMarkerAction tells SendTxnMarkers which kind of marker to write to the
// transaction's participating partitions.
type TxnMarkerAction int8

const (
	MarkerCommit TxnMarkerAction = iota
	MarkerAbort
)

func (a TxnMarkerAction) String() string {
	if a == MarkerCommit {
		return "COMMIT"
	}
	return "ABORT"
}

// SendTxnMarkersFunc is invoked once per resumed PREPARE_COMMIT/PREPARE_ABORT
// entry after a partition load completes (spec.md §4.6 step 6, C6).
type SendTxnMarkersFunc func(action TxnMarkerAction, meta *TxnMetadata, transit TxnTransit)

// TransactionStateManager is the coordinator for transactional producer
// state: it loads and unloads partitions of the transaction log, serves
// reads against its in-memory cache, and appends transit state through the
// write-through pipeline (spec.md §2 "Transaction State Manager").
type TransactionStateManager struct {
	cfg TxnManagerConfig
	gw  *gateway
	lc  *lifecycle

	stateLock sync.RWMutex
	cache     *PartitionCache[*TxnMetadata]

	epochMu   sync.Mutex
	epochs    map[int]int64
	nextEpoch int64
}

// NewTransactionStateManager constructs a manager with no owned partitions.
func NewTransactionStateManager(cfg TxnManagerConfig, bus kbus.Bus) *TransactionStateManager {
	topic := cfg.MetaTopic
	if topic == "" {
		topic = "transaction_state"
	}
	return &TransactionStateManager{
		cfg:    cfg,
		gw:     newGateway(bus, func(p int) string { return fmt.Sprintf("%s-partition-%d", topic, p) }),
		lc:     newLifecycle(),
		cache:  NewPartitionCache[*TxnMetadata](),
		epochs: make(map[int]int64),
	}
}

// PartitionFor routes a transactional id to its owning partition (C1).
func (m *TransactionStateManager) PartitionFor(transactionalID string) int {
	return RouteTxn(transactionalID, m.cfg.NumPartitions)
}

func (m *TransactionStateManager) IsPartitionOwned(p int) bool   { return m.lc.isOwned(p) }
func (m *TransactionStateManager) IsPartitionLoading(p int) bool { return m.lc.isLoading(p) }

// ValidateTxnTimeout checks 0 < ms <= max_timeout (spec.md §6).
func (m *TransactionStateManager) ValidateTxnTimeout(ms int64) error {
	if ms <= 0 || ms > m.cfg.TransactionMaxTimeoutMs {
		return ErrInvalidTransactionTimeout
	}
	return nil
}

// GetTxnState is the canonical read path (C5 get_state) for a transactional
// id, returning the cached entry and the coordinator epoch it was read at.
func (m *TransactionStateManager) GetTxnState(transactionalID string) (*TxnMetadata, int64, error) {
	m.stateLock.RLock()
	defer m.stateLock.RUnlock()

	p := m.PartitionFor(transactionalID)
	if m.lc.isLoading(p) {
		return nil, 0, ErrConcurrentTransactions
	}
	if !m.cache.HasPartition(p) {
		return nil, 0, ErrNotCoordinator
	}
	slot, ok := m.cache.Get(p, transactionalID)
	if !ok {
		return nil, 0, nil
	}
	slot.Mu.Lock()
	defer slot.Mu.Unlock()
	return slot.Value, slot.Epoch, nil
}

// PutTxnStateIfAbsent seeds a new transaction entry on first use.
func (m *TransactionStateManager) PutTxnStateIfAbsent(meta *TxnMetadata) (*TxnMetadata, int64, error) {
	p := m.PartitionFor(meta.TransactionalID)
	if m.lc.isLoading(p) {
		return nil, 0, ErrConcurrentTransactions
	}
	epoch := m.epochFor(p)
	slot, _, present := m.cache.PutIfAbsent(p, meta.TransactionalID, epoch, func() *TxnMetadata { return meta })
	if !present {
		return nil, 0, ErrNotCoordinator
	}
	slot.Mu.Lock()
	defer slot.Mu.Unlock()
	return slot.Value, slot.Epoch, nil
}

func (m *TransactionStateManager) epochFor(p int) int64 {
	m.epochMu.Lock()
	defer m.epochMu.Unlock()
	return m.epochs[p]
}

func (m *TransactionStateManager) bumpEpoch(p int) int64 {
	m.epochMu.Lock()
	defer m.epochMu.Unlock()
	m.nextEpoch++
	m.epochs[p] = m.nextEpoch
	return m.nextEpoch
}

// LoadTransactionsForPartition is the Loader (C6) for the transaction log:
// it drains partition p up to a placeholder marker, replaces the inner
// cache wholesale (spec.md §4.6 step 5: "txn manager: replace the inner map
// wholesale"), marks p owned, and resumes any pending PREPARE_COMMIT /
// PREPARE_ABORT transactions by invoking sendMarkers exactly once each.
func (m *TransactionStateManager) LoadTransactionsForPartition(ctx context.Context, p int, sendMarkers SendTxnMarkersFunc) error {
	if !m.lc.tryBeginLoad(p) {
		return nil // load idempotence: an in-flight load will finish this
	}
	m.cache.CreatePartition(p)

	endID, err := m.gw.placeholder(ctx, p)
	if err != nil {
		m.lc.abortLoad(p)
		m.cache.DropPartition(p)
		return err
	}

	epoch := m.bumpEpoch(p)
	staged := make(map[string]*Slot[*TxnMetadata])

	for {
		msg, err := m.gw.readNext(ctx, p)
		if err != nil {
			m.lc.abortLoad(p)
			m.cache.DropPartition(p)
			m.cfg.logger().Log(LogLevelError, "txn partition load aborted on read error", "partition", p, "err", err)
			return err
		}
		if msg.ID.Compare(endID) >= 0 {
			break
		}
		if !msg.HasKey() {
			continue
		}
		transactionalID, err := DecodeTxnKey(msg.Key)
		if err != nil {
			m.lc.abortLoad(p)
			m.cache.DropPartition(p)
			m.cfg.logger().Log(LogLevelError, "txn partition load aborted on key decode error", "partition", p, "err", err)
			return err
		}
		value := msg.Value
		if len(value) > 0 {
			value, err = decompressValue(m.cfg.Compression, value)
			if err != nil {
				m.lc.abortLoad(p)
				m.cache.DropPartition(p)
				m.cfg.logger().Log(LogLevelError, "txn partition load aborted on value decompress error", "partition", p, "err", err)
				return err
			}
		}
		meta, err := DecodeTxnValue(value)
		if err != nil {
			m.lc.abortLoad(p)
			m.cache.DropPartition(p)
			m.cfg.logger().Log(LogLevelError, "txn partition load aborted on value decode error", "partition", p, "err", err)
			return err
		}
		if meta == nil {
			delete(staged, transactionalID)
			continue
		}
		meta.TransactionalID = transactionalID
		staged[transactionalID] = &Slot[*TxnMetadata]{Epoch: epoch, Value: meta}
	}

	m.cache.Replace(p, staged)

	if !m.lc.isLoading(p) {
		// An Unloader ran while we were draining: skip the sweep and the
		// promotion (spec.md §4.8).
		m.cache.DropPartition(p)
		return nil
	}

	// Post-recovery sweep (spec.md §4.6 step 6, S6): before promoting to
	// owned, resume any transaction left mid-completion.
	now := time.Now()
	for _, slot := range staged {
		meta := slot.Value
		var action TxnMarkerAction
		switch meta.State {
		case TxnPrepareCommit:
			action = MarkerCommit
		case TxnPrepareAbort:
			action = MarkerAbort
		default:
			continue
		}
		targetState := TxnCompleteCommit
		if action == MarkerAbort {
			targetState = TxnCompleteAbort
		}
		transit := TxnTransit{
			TargetState: targetState,
			ProducerID:  meta.ProducerID,
			Epoch:       meta.ProducerEpoch,
			TimeoutMs:   meta.TimeoutMs,
			Partitions:  meta.Partitions,
			UpdateTime:  now,
		}
		slot.Mu.Lock()
		slot.Value.stagePending(transit)
		slot.Mu.Unlock()
		if sendMarkers != nil {
			sendMarkers(action, meta, transit)
		}
	}

	if !m.lc.finishLoad(p) {
		// An Unloader ran during the sweep: abandon the staged promotion.
		// Markers already sent by the sweep above are not retracted.
		m.cache.DropPartition(p)
		return nil
	}
	m.cfg.logger().Log(LogLevelInfo, "txn partition loaded", "partition", p, "transactions", len(staged))
	return nil
}

// RemoveTransactionsForPartition is the Unloader (C8) for the transaction
// log: it drops the cache for p and closes the partition's gateway handles.
func (m *TransactionStateManager) RemoveTransactionsForPartition(p int) {
	m.stateLock.Lock()
	wasPresent := m.lc.unload(p)
	m.cache.DropPartition(p)
	m.stateLock.Unlock()

	if !wasPresent {
		return
	}
	prErr, rdErr := m.gw.close(p)
	if prErr != nil {
		m.cfg.logger().Log(LogLevelWarn, "error closing txn partition producer", "partition", p, "err", prErr)
	}
	if rdErr != nil {
		m.cfg.logger().Log(LogLevelWarn, "error closing txn partition reader", "partition", p, "err", rdErr)
	}
}

// AppendTxn is the Append Pipeline (C7) for a transactional state
// transition: it validates expectedEpoch, appends the encoded transit,
// and on success applies it in place via completeTransitionTo. respCB, if
// non-nil, is invoked with the final error exactly once. retry decides
// whether a failed append leaves the pending-state slot in place (the
// caller intends to retry) or clears it.
func (m *TransactionStateManager) AppendTxn(
	ctx context.Context,
	transactionalID string,
	expectedEpoch int64,
	transit TxnTransit,
	respCB func(error),
	retry RetryPredicate,
) error {
	if retry == nil {
		retry = AlwaysClearOnFailure
	}
	p := m.PartitionFor(transactionalID)

	slot, err := beginAppend(&m.stateLock, m.lc, m.cache, p, transactionalID, expectedEpoch, ErrConcurrentTransactions)
	if err != nil {
		if respCB != nil {
			respCB(err)
		}
		return err
	}

	slot.Mu.Lock()
	slot.Value.stagePending(transit)
	slot.Mu.Unlock()

	key := EncodeTxnKey(transactionalID)
	valuePreview := &TxnMetadata{
		TransactionalID: transactionalID,
		ProducerID:      transit.ProducerID,
		ProducerEpoch:   transit.Epoch,
		State:           transit.TargetState,
		TimeoutMs:       transit.TimeoutMs,
		Partitions:      transit.Partitions,
		LastUpdate:      transit.UpdateTime,
	}
	plain := EncodeTxnValue(valuePreview)
	value, encErr := compressValue(m.cfg.Compression, plain)
	if encErr != nil {
		m.stateLock.RUnlock()
		wrapped := fmt.Errorf("kcoord: encode txn value: %w", encErr)
		if respCB != nil {
			respCB(wrapped)
		}
		return wrapped
	}

	_, appendErr := m.gw.append(ctx, p, key, value, transit.UpdateTime)
	status := translateAppendError(appendErr)

	var result error
	if status == nil {
		result = finishAppendSuccess(&m.stateLock, m.cache, p, transactionalID, expectedEpoch, func(cur **TxnMetadata) {
			(*cur).completeTransitionTo(transit)
		})
	} else {
		result = finishAppendFailure(&m.stateLock, m.cache, p, transactionalID, expectedEpoch, status, retry, func(cur **TxnMetadata) {
			(*cur).clearPending()
		})
	}

	if respCB != nil {
		respCB(result)
	}
	return result
}
