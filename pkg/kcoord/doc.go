// Package kcoord implements the coordinator metadata managers of a
// Kafka-compatible broker built atop a log-structured message bus: the group
// metadata manager (consumer group coordination) and the transaction state
// manager (exactly-once producer transactions).
//
// Both managers share the same shape. Each is authoritative for a subset of
// partitions of a metadata topic; it loads a partition into an in-memory
// cache when it gains leadership, serves reads and writes against that
// cache while it owns the partition, and unloads the cache when leadership
// moves away. Every mutation is appended to the underlying log first and
// only applied to the cache once the append is acknowledged and the
// partition's ownership epoch is confirmed unchanged.
package kcoord
