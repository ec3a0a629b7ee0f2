package kcoord

import "time"

// GroupState is one of the consumer-group states (spec.md §3).
type GroupState int8

const (
	GroupEmpty GroupState = iota
	GroupPreparingRebalance
	GroupCompletingRebalance
	GroupStable
	GroupDead
)

func (s GroupState) String() string {
	switch s {
	case GroupEmpty:
		return "Empty"
	case GroupPreparingRebalance:
		return "PreparingRebalance"
	case GroupCompletingRebalance:
		return "CompletingRebalance"
	case GroupStable:
		return "Stable"
	case GroupDead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// OffsetAndMetadata is one committed offset for a topic-partition.
type OffsetAndMetadata struct {
	Offset          int64
	Metadata        string
	CommitTimestamp time.Time
}

// Member is a consumer group member. Members are referenced by MemberID from
// outside the group; the group holds the full record, avoiding the
// member-references-group-references-member cycle the real broker's source
// has (spec.md §9 "Design notes", no back-pointers).
type Member struct {
	MemberID         string
	ClientID         string
	ClientHost       string
	ProtocolType     string
	Metadata         []byte
	Assignment       []byte
	SessionTimeoutMs int32
}

// GroupMetadata is the cached state for one consumer group (C5 "Group
// Entry", spec.md §3).
type GroupMetadata struct {
	GroupID      string
	GenerationID int32
	State        GroupState
	ProtocolType string
	Protocol     string
	LeaderID     string

	Members map[string]*Member

	// CommittedOffsets is topic -> partition -> offset.
	CommittedOffsets map[string]map[int32]OffsetAndMetadata

	// OpenTransactions indexes, per producer id, the set of topic
	// partitions with an in-flight transactional offset commit for this
	// group (spec.md §3: "per-producer open-transaction index").
	OpenTransactions map[int64]map[string]map[int32]struct{}
}

// NewGroupMetadata returns an empty, Empty-state group.
func NewGroupMetadata(groupID string) *GroupMetadata {
	return &GroupMetadata{
		GroupID:          groupID,
		State:            GroupEmpty,
		Members:          make(map[string]*Member),
		CommittedOffsets: make(map[string]map[int32]OffsetAndMetadata),
		OpenTransactions: make(map[int64]map[string]map[int32]struct{}),
	}
}

// IsDead reports whether this group's state is Dead. Tombstoned groups are
// removed from the cache on load rather than marked Dead.
func (g *GroupMetadata) IsDead() bool { return g.State == GroupDead }
