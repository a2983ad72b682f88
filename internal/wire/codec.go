package wire

import (
	"encoding/json"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/erauner12/bucketsync/internal/oplog"
)

// Encoding selects how frames and row payloads are serialized.
type Encoding int

const (
	// EncodingJSON splices row payloads into the frame as literal JSON. The
	// payload bytes are never re-parsed, so 64-bit integers inside them
	// survive clients and proxies that would round them through floats.
	EncodingJSON Encoding = iota
	// EncodingRawJSON carries row payloads as pre-encoded JSON strings,
	// letting clients store them without parsing.
	EncodingRawJSON
	// EncodingBSON frames each line as one BSON document. Op ids and
	// checksums stay numeric.
	EncodingBSON
)

func (e Encoding) String() string {
	switch e {
	case EncodingRawJSON:
		return "raw_json"
	case EncodingBSON:
		return "bson"
	default:
		return "json"
	}
}

// Codec serializes sync frames in one stream's negotiated encoding.
type Codec struct {
	enc             Encoding
	includeChecksum bool
}

// NewCodec builds the codec for a stream request. binary_data wins over
// raw_data when a client sends both.
func NewCodec(req *StreamRequest) Codec {
	c := Codec{includeChecksum: req.IncludeChecksum}
	switch {
	case req.BinaryData:
		c.enc = EncodingBSON
	case req.RawData:
		c.enc = EncodingRawJSON
	}
	return c
}

// Encoding returns the negotiated payload encoding.
func (c Codec) Encoding() Encoding { return c.enc }

// Binary reports whether frames are BSON documents rather than JSON text.
func (c Codec) Binary() bool { return c.enc == EncodingBSON }

// Marshal serializes one frame, without any trailing line delimiter. BSON
// documents carry their own length prefix.
func (c Codec) Marshal(line any) ([]byte, error) {
	if c.enc == EncodingBSON {
		return bson.Marshal(line)
	}
	return json.Marshal(line)
}

// DataLine builds the frame for one bucket chunk.
func (c Codec) DataLine(bucket string, after, nextAfter oplog.OpID, hasMore bool, ops []oplog.Op) DataLine {
	entries := make([]OplogEntry, 0, len(ops))
	for i := range ops {
		entries = append(entries, c.entry(&ops[i]))
	}
	return DataLine{Data: SyncData{
		Bucket:    bucket,
		After:     after,
		NextAfter: nextAfter,
		HasMore:   hasMore,
		Data:      entries,
	}}
}

func (c Codec) entry(op *oplog.Op) OplogEntry {
	e := OplogEntry{
		OpID:       op.ID,
		Op:         op.Kind,
		ObjectType: op.ObjectType,
		ObjectID:   op.ObjectID,
		Subkey:     op.Subkey,
	}
	if c.includeChecksum {
		ck := op.Checksum
		e.Checksum = &ck
	}
	if len(op.Data) > 0 {
		if c.enc == EncodingJSON {
			e.Data = op.Data
		} else {
			e.Data = string(op.Data)
		}
	}
	return e
}
