package kcoord

// RouteGroup maps a consumer group id to its owning partition of the
// offsets topic, using Java's String.hashCode (the same hash Kafka's own
// GroupMetadataManager uses) and a sign-safe modulo. This MUST match
// bit-for-bit across brokers and versions (spec.md §4.1) so that any
// replica routes a group id identically.
func RouteGroup(groupID string, numPartitions int) int {
	return int(positiveMod(javaStringHash(groupID), int32(numPartitions)))
}

// RouteTxn maps a transactional id to its owning partition of the
// transaction log, using Utils.abs(hashCode) % numPartitions. abs(MIN_INT32)
// is itself negative in two's complement; spec.md §9 requires we keep that
// boundary bit-identical via unsigned masking rather than "fixing" it.
func RouteTxn(transactionalID string, numPartitions int) int {
	h := javaStringHash(transactionalID)
	return int(uint32(absJava(h)) % uint32(numPartitions))
}

// javaStringHash reproduces java.lang.String.hashCode(): h = 31*h + c for
// each UTF-16 code unit, wrapping on int32 overflow. Go strings are UTF-8;
// for the ASCII group/transactional ids Kafka clients actually send this is
// equivalent to iterating bytes, but we walk runes and re-encode as UTF-16
// code units to stay correct for the general case.
func javaStringHash(s string) int32 {
	var h int32
	for _, r := range s {
		if r <= 0xFFFF {
			h = 31*h + int32(r)
			continue
		}
		// Encode as a UTF-16 surrogate pair, matching Java's char-at-a-time
		// hashCode over a string backed by UTF-16 code units.
		r -= 0x10000
		hi := 0xD800 + (r >> 10)
		lo := 0xDC00 + (r & 0x3FF)
		h = 31*h + int32(hi)
		h = 31*h + int32(lo)
	}
	return h
}

// positiveMod mirrors Kafka's Utils.toPositive: it masks off the sign bit
// rather than negating, so positiveMod(Int32Min, n) stays well-defined.
func positiveMod(h int32, n int32) int32 {
	return (h & 0x7fffffff) % n
}

// absJava mirrors Java's Math.abs(int), which for Integer.MIN_VALUE
// overflows back to itself (still negative). Utils.abs in Kafka's source
// does not special-case this, so neither do we (spec.md §9).
func absJava(h int32) int32 {
	if h < 0 {
		return -h
	}
	return h
}
