// Package scarabid packs globally unique, time-ordered identifiers from
// {millisecond timestamp, node id, per-node sequence}. Layout, high to low:
// 41 bits of milliseconds since a custom epoch, 10 bits of node id, 13 bits
// of sequence (8192 values per millisecond per node). Identifiers issued by
// one node are strictly increasing; the node-id field partitions the space
// across nodes, so no coordination is needed on the generation path.
//
// Cross-node ordering is only as good as clock skew between nodes; callers
// must not assume strict global ordering finer than millisecond granularity.
package scarabid

import "time"

const (
	TimestampBits = 41
	NodeBits      = 10
	SequenceBits  = 13

	MaxNode     = 1<<NodeBits - 1
	MaxSequence = 1<<SequenceBits - 1

	nodeShift      = SequenceBits
	timestampShift = SequenceBits + NodeBits

	// EpochMillis is 2024-01-01T00:00:00Z. 41 bits of milliseconds from
	// here last until ~2093.
	EpochMillis = uint64(1704067200000)
)

// ID is a packed Scarab identifier. Once issued, never reissued.
type ID uint64

// Pack builds an ID from its fields. ts is milliseconds since EpochMillis.
func Pack(ts uint64, node uint64, seq uint64) ID {
	return ID(ts<<timestampShift | node<<nodeShift | seq)
}

// Timestamp returns the millisecond field, relative to EpochMillis.
func (id ID) Timestamp() uint64 {
	return uint64(id) >> timestampShift
}

// Node returns the issuing node id.
func (id ID) Node() uint64 {
	return uint64(id) >> nodeShift & MaxNode
}

// Sequence returns the per-millisecond sequence field.
func (id ID) Sequence() uint64 {
	return uint64(id) & MaxSequence
}

// Time converts the timestamp field back to wall-clock time.
func (id ID) Time() time.Time {
	ms := int64(id.Timestamp() + EpochMillis)
	return time.UnixMilli(ms)
}
