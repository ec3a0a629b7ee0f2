package kcoord

import (
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kbin"
)

// CurrentGroupValueSchemaVersion is the value schema version this codec
// writes (spec.md §4.3: "value encodes group metadata + member assignments
// at CURRENT_GROUP_VALUE_SCHEMA_VERSION").
const CurrentGroupValueSchemaVersion = 3

const groupRecordKeyVersion = 0
const groupRecordKind = 0

// EncodeGroupKey encodes the key half of a group record: version + kind +
// group id (spec.md §4.3).
func EncodeGroupKey(groupID string) []byte {
	dst := kbin.AppendInt16(nil, groupRecordKeyVersion)
	dst = kbin.AppendInt16(dst, groupRecordKind)
	dst = kbin.AppendString(dst, groupID)
	return dst
}

// DecodeGroupKey decodes a group record key. A non-group-kind key is a
// fatal load error per spec.md §4.3 ("decoding of an unexpected key kind is
// a fatal load error").
func DecodeGroupKey(src []byte) (groupID string, err error) {
	b := kbin.Reader{Src: src}
	_ = b.Int16() // key version; unused, reserved for future key layouts
	kind := b.Int16()
	groupID = b.String()
	if err := b.Complete(); err != nil {
		return "", fmt.Errorf("kcoord: decode group key: %w", err)
	}
	if kind != groupRecordKind {
		return "", fmt.Errorf("kcoord: decode group key: unexpected key kind %d", kind)
	}
	return groupID, nil
}

// EncodeGroupValue encodes a group's metadata and member assignments. A nil
// *GroupMetadata encodes the empty tombstone value.
func EncodeGroupValue(g *GroupMetadata) []byte {
	if g == nil {
		return nil
	}
	dst := kbin.AppendInt16(nil, CurrentGroupValueSchemaVersion)
	dst = kbin.AppendInt32(dst, g.GenerationID)
	dst = kbin.AppendInt8(dst, int8(g.State))
	dst = appendNullableString(dst, g.ProtocolType)
	dst = appendNullableString(dst, g.Protocol)
	dst = appendNullableString(dst, g.LeaderID)

	dst = kbin.AppendArrayLen(dst, len(g.Members))
	for _, m := range g.Members {
		dst = kbin.AppendString(dst, m.MemberID)
		dst = kbin.AppendString(dst, m.ClientID)
		dst = kbin.AppendString(dst, m.ClientHost)
		dst = kbin.AppendInt32(dst, m.SessionTimeoutMs)
		dst = kbin.AppendBytes(dst, m.Metadata)
		dst = kbin.AppendBytes(dst, m.Assignment)
	}

	dst = kbin.AppendArrayLen(dst, len(g.CommittedOffsets))
	for topic, parts := range g.CommittedOffsets {
		dst = kbin.AppendString(dst, topic)
		dst = kbin.AppendArrayLen(dst, len(parts))
		for partition, om := range parts {
			dst = kbin.AppendInt32(dst, partition)
			dst = kbin.AppendInt64(dst, om.Offset)
			dst = kbin.AppendString(dst, om.Metadata)
			dst = kbin.AppendInt64(dst, om.CommitTimestamp.UnixMilli())
		}
	}
	return dst
}

// DecodeGroupValue decodes a group record value. A nil/empty src is a
// tombstone and returns (nil, nil) per spec.md §4.6 step 4.
func DecodeGroupValue(src []byte) (*GroupMetadata, error) {
	if len(src) == 0 {
		return nil, nil
	}
	b := kbin.Reader{Src: src}
	_ = b.Int16() // value schema version; this codec only ever writes v3
	g := &GroupMetadata{
		Members:          make(map[string]*Member),
		CommittedOffsets: make(map[string]map[int32]OffsetAndMetadata),
		OpenTransactions: make(map[int64]map[string]map[int32]struct{}),
	}
	g.GenerationID = b.Int32()
	g.State = GroupState(b.Int8())
	g.ProtocolType = readNullableString(&b)
	g.Protocol = readNullableString(&b)
	g.LeaderID = readNullableString(&b)

	for n := b.ArrayLen(); n > 0; n-- {
		m := &Member{
			MemberID:         b.String(),
			ClientID:         b.String(),
			ClientHost:       b.String(),
			SessionTimeoutMs: b.Int32(),
			Metadata:         b.Bytes(),
			Assignment:       b.Bytes(),
		}
		g.Members[m.MemberID] = m
	}

	for n := b.ArrayLen(); n > 0; n-- {
		topic := b.String()
		parts := make(map[int32]OffsetAndMetadata)
		for pn := b.ArrayLen(); pn > 0; pn-- {
			partition := b.Int32()
			parts[partition] = OffsetAndMetadata{
				Offset:          b.Int64(),
				Metadata:        b.String(),
				CommitTimestamp: time.UnixMilli(b.Int64()),
			}
		}
		g.CommittedOffsets[topic] = parts
	}

	if err := b.Complete(); err != nil {
		return nil, fmt.Errorf("kcoord: decode group value: %w", err)
	}
	if g.GroupID == "" {
		// GroupID is not itself part of the value payload; callers set it
		// from the key after a successful decode.
	}
	return g, nil
}

func appendNullableString(dst []byte, s string) []byte {
	if s == "" {
		return kbin.AppendNullableString(dst, nil)
	}
	return kbin.AppendNullableString(dst, &s)
}

func readNullableString(b *kbin.Reader) string {
	s := b.NullableString()
	if s == nil {
		return ""
	}
	return *s
}
