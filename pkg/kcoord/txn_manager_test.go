package kcoord

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kcoord/kcoord/pkg/kcoord/kbus"
	"github.com/kcoord/kcoord/pkg/kcoord/kbus/fake"
)

func newTestTxnManager(bus kbus.Bus) *TransactionStateManager {
	return NewTransactionStateManager(TxnManagerConfig{
		NumPartitions:           50,
		MetaTopic:               "transaction_state",
		TransactionMaxTimeoutMs: 900000,
	}, bus)
}

// countingBus wraps a kbus.Bus and counts producer Send calls, so a test can
// assert an append never reached the log (spec.md §4.7, S5: a stale-epoch
// append fails at validation, before any record is written).
type countingBus struct {
	inner kbus.Bus
	sends int32
}

func (c *countingBus) NewProducer(ctx context.Context, topic string) (kbus.Producer, error) {
	p, err := c.inner.NewProducer(ctx, topic)
	if err != nil {
		return nil, err
	}
	return &countingProducer{Producer: p, c: c}, nil
}

func (c *countingBus) NewReader(ctx context.Context, topic string) (kbus.Reader, error) {
	return c.inner.NewReader(ctx, topic)
}

type countingProducer struct {
	kbus.Producer
	c *countingBus
}

func (p *countingProducer) Send(ctx context.Context, key, value []byte, eventTime time.Time) (kbus.MsgID, error) {
	atomic.AddInt32(&p.c.sends, 1)
	return p.Producer.Send(ctx, key, value, eventTime)
}

// S4 — append during migration: the append pipeline's finish step
// re-validates the entry's epoch against the value captured at begin time,
// even though the append itself already landed durably. The real lock
// hierarchy never lets an Unloader interleave mid-append (that is the whole
// point of holding stateLock across the I/O); this test exercises the
// defensive re-check directly by forcing the epoch to have moved between
// beginAppend and finishAppendSuccess.
func TestAppendDuringMigrationAbandonsApply(t *testing.T) {
	bus := fake.New()
	mgr := newTestTxnManager(bus)
	p := mgr.PartitionFor("txn1")

	if err := mgr.LoadTransactionsForPartition(context.Background(), p, nil); err != nil {
		t.Fatalf("LoadTransactionsForPartition: %v", err)
	}

	_, epoch, err := mgr.PutTxnStateIfAbsent(&TxnMetadata{TransactionalID: "txn1", State: TxnEmpty})
	if err != nil {
		t.Fatalf("PutTxnStateIfAbsent: %v", err)
	}

	slot, err := beginAppend(&mgr.stateLock, mgr.lc, mgr.cache, p, "txn1", epoch, ErrConcurrentTransactions)
	if err != nil {
		t.Fatalf("beginAppend: %v", err)
	}

	// Simulate a migration that completed between begin and finish.
	slot.Mu.Lock()
	slot.Epoch++
	slot.Mu.Unlock()

	transit := TxnTransit{TargetState: TxnOngoing, ProducerID: 1, Epoch: 0, UpdateTime: time.Now()}
	err = finishAppendSuccess(&mgr.stateLock, mgr.cache, p, "txn1", epoch, func(cur **TxnMetadata) {
		(*cur).completeTransitionTo(transit)
	})
	if err != ErrNotCoordinator {
		t.Fatalf("finishAppendSuccess after migration = %v, want NotCoordinator", err)
	}

	state, _, err := mgr.GetTxnState("txn1")
	if err != nil {
		t.Fatalf("GetTxnState: %v", err)
	}
	if state.State != TxnEmpty {
		t.Fatalf("state = %v, want the pre-migration apply abandoned (still Empty)", state.State)
	}
}

// S5 — stale epoch: an append against a transactional id whose cached epoch
// no longer matches the caller's view fails immediately with NotCoordinator,
// and never reaches the log.
func TestAppendTxnStaleEpochNoLogRecord(t *testing.T) {
	inner := fake.New()
	cb := &countingBus{inner: inner}
	mgr := newTestTxnManager(cb)

	if err := mgr.LoadTransactionsForPartition(context.Background(), mgr.PartitionFor("txn1"), nil); err != nil {
		t.Fatalf("LoadTransactionsForPartition: %v", err)
	}
	sendsAfterLoad := atomic.LoadInt32(&cb.sends)

	_, epoch, err := mgr.PutTxnStateIfAbsent(&TxnMetadata{TransactionalID: "txn1", State: TxnEmpty})
	if err != nil {
		t.Fatalf("PutTxnStateIfAbsent: %v", err)
	}

	transit := TxnTransit{TargetState: TxnOngoing, ProducerID: 1, UpdateTime: time.Now()}
	err = mgr.AppendTxn(context.Background(), "txn1", epoch-1, transit, nil, nil)
	if err != ErrNotCoordinator {
		t.Fatalf("AppendTxn with stale epoch = %v, want NotCoordinator", err)
	}

	if got := atomic.LoadInt32(&cb.sends); got != sendsAfterLoad {
		t.Fatalf("send count changed from %d to %d; a stale-epoch append must never reach the log", sendsAfterLoad, got)
	}

	state, _, err := mgr.GetTxnState("txn1")
	if err != nil {
		t.Fatalf("GetTxnState: %v", err)
	}
	if state.State != TxnEmpty {
		t.Fatalf("state = %v, want unchanged", state.State)
	}
}

// S6 — recover pending commit: a partition load that finds an entry parked
// in PREPARE_COMMIT resumes it by invoking sendMarkers exactly once with
// MarkerCommit, before the partition is promoted to owned.
func TestLoadTransactionsResumesPendingCommit(t *testing.T) {
	bus := fake.New()
	mgr := newTestTxnManager(bus)
	topic := "transaction_state-partition-5"

	meta := &TxnMetadata{
		TransactionalID: "txn-recover",
		ProducerID:      77,
		ProducerEpoch:   3,
		State:           TxnPrepareCommit,
		TimeoutMs:       60000,
		Partitions:      []TopicPartition{{Topic: "orders", Partition: 0}},
		LastUpdate:      time.Now(),
		StartTime:       time.Now(),
	}
	bus.Append(topic, EncodeTxnKey("txn-recover"), EncodeTxnValue(meta), time.Now())

	var calls int
	var gotAction TxnMarkerAction
	var gotMeta *TxnMetadata
	err := mgr.LoadTransactionsForPartition(context.Background(), 5, func(action TxnMarkerAction, m *TxnMetadata, transit TxnTransit) {
		calls++
		gotAction = action
		gotMeta = m
	})
	if err != nil {
		t.Fatalf("LoadTransactionsForPartition: %v", err)
	}

	if calls != 1 {
		t.Fatalf("sendMarkers invoked %d times, want 1", calls)
	}
	if gotAction != MarkerCommit {
		t.Fatalf("action = %v, want MarkerCommit", gotAction)
	}
	if gotMeta == nil || gotMeta.TransactionalID != "txn-recover" {
		t.Fatalf("sendMarkers received unexpected metadata: %+v", gotMeta)
	}
	if !mgr.IsPartitionOwned(5) {
		t.Fatal("expected partition 5 to be owned after the recovery sweep")
	}
}

// A PREPARE_ABORT entry resumes with MarkerAbort, not MarkerCommit.
func TestLoadTransactionsResumesPendingAbort(t *testing.T) {
	bus := fake.New()
	mgr := newTestTxnManager(bus)
	topic := "transaction_state-partition-6"

	meta := &TxnMetadata{
		TransactionalID: "txn-abort",
		ProducerID:      1,
		ProducerEpoch:   0,
		State:           TxnPrepareAbort,
		TimeoutMs:       60000,
	}
	bus.Append(topic, EncodeTxnKey("txn-abort"), EncodeTxnValue(meta), time.Now())

	var gotAction TxnMarkerAction
	var calls int
	err := mgr.LoadTransactionsForPartition(context.Background(), 6, func(action TxnMarkerAction, m *TxnMetadata, transit TxnTransit) {
		calls++
		gotAction = action
	})
	if err != nil {
		t.Fatalf("LoadTransactionsForPartition: %v", err)
	}
	if calls != 1 || gotAction != MarkerAbort {
		t.Fatalf("calls=%d action=%v, want 1 call with MarkerAbort", calls, gotAction)
	}
}

// An entry already in a terminal or ongoing state is not resumed.
func TestLoadTransactionsSkipsNonPendingStates(t *testing.T) {
	bus := fake.New()
	mgr := newTestTxnManager(bus)
	topic := "transaction_state-partition-1"

	bus.Append(topic, EncodeTxnKey("txn-ongoing"), EncodeTxnValue(&TxnMetadata{
		TransactionalID: "txn-ongoing",
		State:           TxnOngoing,
	}), time.Now())

	calls := 0
	err := mgr.LoadTransactionsForPartition(context.Background(), 1, func(TxnMarkerAction, *TxnMetadata, TxnTransit) {
		calls++
	})
	if err != nil {
		t.Fatalf("LoadTransactionsForPartition: %v", err)
	}
	if calls != 0 {
		t.Fatalf("sendMarkers invoked %d times for an Ongoing entry, want 0", calls)
	}
}

func TestValidateTxnTimeout(t *testing.T) {
	bus := fake.New()
	mgr := newTestTxnManager(bus)

	if err := mgr.ValidateTxnTimeout(1000); err != nil {
		t.Fatalf("ValidateTxnTimeout(1000) = %v, want nil", err)
	}
	if err := mgr.ValidateTxnTimeout(0); err != ErrInvalidTransactionTimeout {
		t.Fatalf("ValidateTxnTimeout(0) = %v, want InvalidTransactionTimeout", err)
	}
	if err := mgr.ValidateTxnTimeout(mgr.cfg.TransactionMaxTimeoutMs + 1); err != ErrInvalidTransactionTimeout {
		t.Fatalf("ValidateTxnTimeout(over max) = %v, want InvalidTransactionTimeout", err)
	}
}

func TestRemoveTransactionsForPartitionIsIdempotent(t *testing.T) {
	bus := fake.New()
	mgr := newTestTxnManager(bus)

	mgr.RemoveTransactionsForPartition(9) // never loaded: must be a no-op, not panic

	if err := mgr.LoadTransactionsForPartition(context.Background(), 9, nil); err != nil {
		t.Fatalf("LoadTransactionsForPartition: %v", err)
	}
	mgr.RemoveTransactionsForPartition(9)
	if mgr.IsPartitionOwned(9) {
		t.Fatal("expected partition 9 to be unloaded")
	}
	mgr.RemoveTransactionsForPartition(9) // second unload: still a no-op
}
