// Package wire defines the frames of the streaming sync protocol and the
// payload encodings they travel in.
//
// A stream is a sequence of self-contained lines. Checkpoint lines announce
// bucket state, data lines carry chunks of bucket operation logs, and
// completion lines confirm that everything up to a checkpoint (or one
// priority class of it) has been sent. Each line is a JSON object with a
// single top-level key naming the frame, or one BSON document on binary
// streams. A failed stream ends with the coded error encoded as its own line
// in the stream's encoding.
package wire

import (
	"github.com/erauner12/bucketsync/internal/oplog"
)

// StreamRequest is the body of a streaming sync request.
type StreamRequest struct {
	// Buckets carries resume positions from a previous stream. Unknown
	// buckets are ignored; positions past the current checkpoint clamp down
	// to it.
	Buckets []BucketState `json:"buckets,omitempty"`
	// ClientID distinguishes devices of one user for write checkpoints.
	ClientID string `json:"client_id,omitempty"`
	// RawData carries row payloads as pre-encoded JSON strings instead of
	// splicing them into the frame.
	RawData bool `json:"raw_data,omitempty"`
	// BinaryData switches the stream to BSON frames.
	BinaryData bool `json:"binary_data,omitempty"`
	// IncludeChecksum adds per-operation checksums to streamed entries.
	IncludeChecksum bool `json:"include_checksum,omitempty"`
}

// BucketState is a client's resume position in one bucket.
type BucketState struct {
	Name  string     `json:"name"`
	After oplog.OpID `json:"after"`
}

// Checkpoint announces the full bucket state of one checkpoint. Data lines
// for the checkpoint follow it; a completion line confirms them.
type Checkpoint struct {
	LastOpID oplog.OpID `json:"last_op_id" bson:"last_op_id"`
	// WriteCheckpoint is the client's latest acknowledged write checkpoint
	// once replication has caught up with it.
	WriteCheckpoint *oplog.OpID            `json:"write_checkpoint,omitempty" bson:"write_checkpoint,omitempty"`
	Buckets         []oplog.BucketChecksum `json:"buckets" bson:"buckets"`
}

// CheckpointDiff announces a checkpoint relative to the previous one on the
// same stream: only buckets whose checksum or count changed, plus buckets
// that left the client's set.
type CheckpointDiff struct {
	LastOpID        oplog.OpID             `json:"last_op_id" bson:"last_op_id"`
	WriteCheckpoint *oplog.OpID            `json:"write_checkpoint,omitempty" bson:"write_checkpoint,omitempty"`
	UpdatedBuckets  []oplog.BucketChecksum `json:"updated_buckets" bson:"updated_buckets"`
	RemovedBuckets  []string               `json:"removed_buckets" bson:"removed_buckets"`
}

// CheckpointComplete confirms every bucket was streamed up to the checkpoint.
type CheckpointComplete struct {
	LastOpID oplog.OpID `json:"last_op_id" bson:"last_op_id"`
}

// PartialCheckpointComplete confirms every bucket of one priority class was
// streamed up to the checkpoint. Lower numbers sync first; the last class is
// confirmed by CheckpointComplete instead.
type PartialCheckpointComplete struct {
	LastOpID oplog.OpID `json:"last_op_id" bson:"last_op_id"`
	Priority int        `json:"priority" bson:"priority"`
}

// SyncData is one chunk of one bucket's operation log.
type SyncData struct {
	Bucket string `json:"bucket" bson:"bucket"`
	// After is the position this chunk resumes from; NextAfter is the
	// position to resume from after applying it.
	After     oplog.OpID   `json:"after" bson:"after"`
	NextAfter oplog.OpID   `json:"next_after" bson:"next_after"`
	HasMore   bool         `json:"has_more" bson:"has_more"`
	Data      []OplogEntry `json:"data" bson:"data"`
}

// OplogEntry is the wire form of one bucket operation. Data is null for
// REMOVE, MOVE and CLEAR entries; its dynamic type depends on the stream's
// encoding.
type OplogEntry struct {
	OpID       oplog.OpID      `json:"op_id" bson:"op_id"`
	Op         oplog.Kind      `json:"op" bson:"op"`
	ObjectType string          `json:"object_type,omitempty" bson:"object_type,omitempty"`
	ObjectID   string          `json:"object_id,omitempty" bson:"object_id,omitempty"`
	Checksum   *oplog.Checksum `json:"checksum,omitempty" bson:"checksum,omitempty"`
	Subkey     string          `json:"subkey,omitempty" bson:"subkey,omitempty"`
	Data       any             `json:"data" bson:"data"`
}

// Line envelopes. Every frame travels under a single key naming its type.

type CheckpointLine struct {
	Checkpoint Checkpoint `json:"checkpoint" bson:"checkpoint"`
}

type CheckpointDiffLine struct {
	Diff CheckpointDiff `json:"checkpoint_diff" bson:"checkpoint_diff"`
}

type CheckpointCompleteLine struct {
	Complete CheckpointComplete `json:"checkpoint_complete" bson:"checkpoint_complete"`
}

type PartialCheckpointCompleteLine struct {
	Partial PartialCheckpointComplete `json:"partial_checkpoint_complete" bson:"partial_checkpoint_complete"`
}

type DataLine struct {
	Data SyncData `json:"data" bson:"data"`
}
