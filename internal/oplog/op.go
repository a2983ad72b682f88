package oplog

import (
	"encoding/json"
	"hash/crc32"
)

// Kind is the type of an operation in a bucket's log.
type Kind string

const (
	// KindPut replaces the client's copy of a row.
	KindPut Kind = "PUT"
	// KindRemove deletes a row from the bucket on the client.
	KindRemove Kind = "REMOVE"
	// KindMove marks an op slot whose payload was superseded by a later PUT.
	// Compaction rewrites old ops as MOVE, carrying the checksum forward.
	KindMove Kind = "MOVE"
	// KindClear tells the client to discard everything synced for the bucket
	// so far and start over from this op. Its checksum is the wrapped sum of
	// every op it absorbed, which keeps bucket checksums additive.
	KindClear Kind = "CLEAR"
)

// Op is one entry in a bucket's operation log. Bucket and sync-rules version
// are carried by the storage key, not the entry itself.
type Op struct {
	ID         OpID   `json:"op_id"`
	Kind       Kind   `json:"op"`
	ObjectType string `json:"object_type,omitempty"`
	ObjectID   string `json:"object_id,omitempty"`
	// Subkey disambiguates entries when one source row produces several
	// outputs with the same object id in one bucket.
	Subkey   string          `json:"subkey,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Checksum Checksum        `json:"checksum"`
	// TargetOp is set on MOVE/CLEAR when the client cannot resume below it.
	// A target past the checkpoint being synced invalidates that checkpoint.
	TargetOp OpID `json:"-"`
}

// ByteSize estimates the streamed size of the op, used for chunking scans.
func (o *Op) ByteSize() int64 {
	return int64(len(o.ObjectType) + len(o.ObjectID) + len(o.Subkey) + len(o.Data) + 40)
}

// PutChecksum computes the checksum unit for a PUT of the given row payload.
// The serialization hashed here is canonical: changing it invalidates every
// stored checksum.
func PutChecksum(objectType, objectID, subkey string, data []byte) Checksum {
	h := crc32.NewIEEE()
	h.Write([]byte("PUT."))
	h.Write([]byte(objectType))
	h.Write([]byte{'.'})
	h.Write([]byte(objectID))
	h.Write([]byte{'.'})
	h.Write([]byte(subkey))
	h.Write([]byte{'.'})
	h.Write(data)
	return Checksum(h.Sum32())
}

// RemoveChecksum computes the checksum unit for a REMOVE.
func RemoveChecksum(objectType, objectID, subkey string) Checksum {
	h := crc32.NewIEEE()
	h.Write([]byte("REMOVE."))
	h.Write([]byte(objectType))
	h.Write([]byte{'.'})
	h.Write([]byte(objectID))
	h.Write([]byte{'.'})
	h.Write([]byte(subkey))
	return Checksum(h.Sum32())
}
