package kcoord

// GroupManagerConfig configures a GroupMetadataManager. There are no
// environment variables or CLI flags owned by this package; every value is
// injected at construction time (spec.md §6, §9 "Global state").
type GroupManagerConfig struct {
	// NumPartitions is the fixed partition count of the consumer-offsets
	// topic. Routing is partition = hash(groupID) mod NumPartitions.
	NumPartitions int
	// OffsetsTopic names the topic backing group metadata, e.g.
	// "__consumer_offsets".
	OffsetsTopic string
	// MaxMetadataSize is the size limit for a single committed offset's
	// opaque metadata blob. It is not enforced anywhere: StoreOffsets, the
	// offset write path, returns ErrStoreOffsetsUnimplemented.
	MaxMetadataSize int
	// Compression selects the codec applied to encoded record values
	// before they are appended to the log.
	Compression CompressionCodec
	// Logger receives structured diagnostics. Defaults to a no-op logger.
	Logger Logger
}

func (c GroupManagerConfig) logger() Logger {
	if c.Logger == nil {
		return nopLogger{}
	}
	return c.Logger
}

// TxnManagerConfig configures a TransactionStateManager.
type TxnManagerConfig struct {
	// NumPartitions is the fixed partition count of the transaction log
	// topic (spec.md calls this transaction_log_num_partitions).
	NumPartitions int
	// MetaTopic is the base topic name; per-partition gateway handles are
	// addressed as "<MetaTopic>-partition-<n>" (spec.md §6).
	MetaTopic string
	// TransactionMaxTimeoutMs bounds validate_txn_timeout.
	TransactionMaxTimeoutMs int64
	// Compression selects the codec applied to encoded record values
	// before they are appended to the log.
	Compression CompressionCodec
	// Logger receives structured diagnostics. Defaults to a no-op logger.
	Logger Logger
}

func (c TxnManagerConfig) logger() Logger {
	if c.Logger == nil {
		return nopLogger{}
	}
	return c.Logger
}
