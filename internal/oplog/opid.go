// Package oplog holds the core types of the bucket operation log: operation
// ids, operation kinds, and the 32-bit checksum arithmetic that lets clients
// verify bucket contents incrementally.
package oplog

import (
	"fmt"
	"strconv"
)

// OpID is a position in the operation log. Ids come from a single strictly
// increasing sequence shared by every bucket, so comparing two ids orders the
// operations they name globally. The zero value sorts before every real op.
//
// On the wire an OpID always travels as a decimal string: several client
// platforms parse JSON numbers into 64-bit floats and would silently corrupt
// ids above 2^53.
type OpID uint64

// String returns the wire form of the id.
func (id OpID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// MarshalJSON encodes the id as a decimal string.
func (id OpID) MarshalJSON() ([]byte, error) {
	b := make([]byte, 0, 22)
	b = append(b, '"')
	b = strconv.AppendUint(b, uint64(id), 10)
	b = append(b, '"')
	return b, nil
}

// UnmarshalJSON accepts both the canonical string form and a bare number,
// which older clients send for the "after" position.
func (id *OpID) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := ParseOpID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseOpID decodes the wire form of an op id.
func ParseOpID(s string) (OpID, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid op id %q: %w", s, err)
	}
	return OpID(v), nil
}
