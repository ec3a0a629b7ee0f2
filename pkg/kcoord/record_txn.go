package kcoord

import (
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kbin"
)

const txnRecordKeyVersion = 1
const txnRecordValueVersion = 0

// EncodeTxnKey encodes the key half of a transaction record: version +
// transactional id (spec.md §4.3).
func EncodeTxnKey(transactionalID string) []byte {
	dst := kbin.AppendInt16(nil, txnRecordKeyVersion)
	dst = kbin.AppendString(dst, transactionalID)
	return dst
}

// DecodeTxnKey decodes a transaction record key.
func DecodeTxnKey(src []byte) (transactionalID string, err error) {
	b := kbin.Reader{Src: src}
	version := b.Int16()
	transactionalID = b.String()
	if err := b.Complete(); err != nil {
		return "", fmt.Errorf("kcoord: decode txn key: %w", err)
	}
	if version != txnRecordKeyVersion {
		return "", fmt.Errorf("kcoord: decode txn key: unexpected key version %d", version)
	}
	return transactionalID, nil
}

// EncodeTxnValue encodes a transaction's durable state: producer id, epoch,
// state, participating partitions, timeout, and timestamps (spec.md §4.3).
// A nil *TxnMetadata encodes the empty tombstone value.
func EncodeTxnValue(m *TxnMetadata) []byte {
	if m == nil {
		return nil
	}
	dst := kbin.AppendInt16(nil, txnRecordValueVersion)
	dst = kbin.AppendInt64(dst, m.ProducerID)
	dst = kbin.AppendInt16(dst, m.ProducerEpoch)
	dst = kbin.AppendInt32(dst, int32(m.TimeoutMs))
	dst = kbin.AppendInt8(dst, int8(m.State))

	byTopic := make(map[string][]int32)
	var topicOrder []string
	for _, tp := range m.Partitions {
		if _, ok := byTopic[tp.Topic]; !ok {
			topicOrder = append(topicOrder, tp.Topic)
		}
		byTopic[tp.Topic] = append(byTopic[tp.Topic], tp.Partition)
	}
	dst = kbin.AppendArrayLen(dst, len(topicOrder))
	for _, topic := range topicOrder {
		dst = kbin.AppendString(dst, topic)
		parts := byTopic[topic]
		dst = kbin.AppendArrayLen(dst, len(parts))
		for _, p := range parts {
			dst = kbin.AppendInt32(dst, p)
		}
	}

	dst = kbin.AppendInt64(dst, m.LastUpdate.UnixMilli())
	dst = kbin.AppendInt64(dst, m.StartTime.UnixMilli())
	return dst
}

// DecodeTxnValue decodes a transaction record value. A nil/empty src is a
// tombstone and returns (nil, nil) per spec.md §4.6 step 4.
func DecodeTxnValue(src []byte) (*TxnMetadata, error) {
	if len(src) == 0 {
		return nil, nil
	}
	b := kbin.Reader{Src: src}
	_ = b.Int16() // value version; this codec only ever writes v0

	m := &TxnMetadata{}
	m.ProducerID = b.Int64()
	m.ProducerEpoch = b.Int16()
	m.TimeoutMs = int64(b.Int32())
	m.State = TxnState(b.Int8())

	for n := b.ArrayLen(); n > 0; n-- {
		topic := b.String()
		for pn := b.ArrayLen(); pn > 0; pn-- {
			m.Partitions = append(m.Partitions, TopicPartition{Topic: topic, Partition: b.Int32()})
		}
	}

	m.LastUpdate = time.UnixMilli(b.Int64())
	m.StartTime = time.UnixMilli(b.Int64())

	if err := b.Complete(); err != nil {
		return nil, fmt.Errorf("kcoord: decode txn value: %w", err)
	}
	return m, nil
}
