package oplog

import (
	"fmt"
	"math"
	"strconv"
)

// Checksum is the additive 32-bit checksum unit. All arithmetic wraps modulo
// 2^32, which Go's uint32 addition gives us for free; clients perform the same
// wrapped sums to verify bucket contents without re-downloading them.
type Checksum uint32

// AddChecksums combines two checksum units with wraparound.
func AddChecksums(a, b Checksum) Checksum {
	return a + b
}

// MarshalJSON writes the checksum as a signed 32-bit number, the form every
// client expects on the wire. Internally the value stays unsigned.
func (c Checksum) MarshalJSON() ([]byte, error) {
	return strconv.AppendInt(nil, int64(int32(c)), 10), nil
}

// UnmarshalJSON accepts both signed and unsigned 32-bit renderings.
func (c *Checksum) UnmarshalJSON(b []byte) error {
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid checksum %s: %w", b, err)
	}
	if v < math.MinInt32 || v > math.MaxUint32 {
		return fmt.Errorf("checksum %d outside 32-bit range", v)
	}
	*c = Checksum(uint32(v))
	return nil
}

// BucketChecksum describes a bucket's state at a checkpoint: the wrapped sum
// and count of all ops in (0, checkpoint].
type BucketChecksum struct {
	Bucket   string   `json:"bucket"`
	Checksum Checksum `json:"checksum"`
	Count    int64    `json:"count"`
	Priority int      `json:"priority"`
}

// PartialChecksum is a checksum aggregate over an id range (Start, End] of one
// bucket. HasClear reports that the range contains a CLEAR op, in which case
// the aggregate already equals the full sum from zero: the CLEAR absorbed
// every op before itself, so nothing survives below Start.
type PartialChecksum struct {
	Checksum Checksum
	Count    int64
	HasClear bool
}

// Extend composes a cached full aggregate (0, A] with a partial (A, B] into
// the full aggregate (0, B].
func (p PartialChecksum) Extend(next PartialChecksum) PartialChecksum {
	if next.HasClear {
		return next
	}
	return PartialChecksum{
		Checksum: AddChecksums(p.Checksum, next.Checksum),
		Count:    p.Count + next.Count,
		HasClear: p.HasClear,
	}
}
