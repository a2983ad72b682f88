// Package storage defines the durable operations the sync pipeline runs
// against: the bucket operation log with its global id sequence, current-row
// state, parameter lookups, sync rules versions, write checkpoints, and the
// checkpoint notification feed. Implementations live in memstore (in-memory,
// used by tests and dev mode) and pgstore (Postgres).
package storage

import (
	"context"

	"github.com/erauner12/bucketsync/internal/oplog"
	"github.com/erauner12/bucketsync/internal/rules"
)

// Store is the top-level durable interface, shared by every connection and
// the replication writer.
type Store interface {
	// DeploySyncRules registers a sync rules document. If the newest
	// non-terminated version already carries the same content hash, that
	// version is returned unchanged; otherwise a new version is inserted in
	// state PROCESSING for replication to populate.
	DeploySyncRules(ctx context.Context, content []byte) (*rules.Version, error)

	// ActiveVersion returns the version clients sync from, or nil when no
	// version is active yet.
	ActiveVersion(ctx context.Context) (*rules.Version, error)

	// ReplicatingVersion returns the version the batch writer should feed:
	// the newest PROCESSING version if any, else the ACTIVE one, else nil.
	ReplicatingVersion(ctx context.Context) (*rules.Version, error)

	// ListVersions returns every known version, newest first.
	ListVersions(ctx context.Context) ([]*rules.Version, error)

	// TerminateStopped drops bucket data of STOP versions and marks them
	// TERMINATED, returning how many versions were cleaned up.
	TerminateStopped(ctx context.Context) (int, error)

	// CreateWriteCheckpoint records a write acknowledgment point for one
	// (user, client) pair at the current replication head LSN and returns
	// its per-pair sequence number. Repeated calls overwrite the pair's
	// entry with a higher number.
	CreateWriteCheckpoint(ctx context.Context, userID, clientID string) (uint64, error)

	// WriteCheckpointFor returns the pair's write checkpoint number once
	// replication has committed past the LSN it was created at, i.e. once
	// the acknowledged writes are contained in the checkpoint at lsn.
	WriteCheckpointFor(ctx context.Context, userID, clientID, lsn string) (uint64, bool, error)

	// WatchCheckpoints is the single upstream feed of checkpoint changes.
	// The channel closes when ctx is canceled or the feed fails; updates
	// are dropped rather than buffered when the consumer lags, because the
	// demultiplexer downstream only keeps the latest value anyway.
	WatchCheckpoints(ctx context.Context) (<-chan CheckpointUpdate, error)

	// Buckets returns the bucket storage handle scoped to one version.
	Buckets(v *rules.Version) BucketStorage

	Close(ctx context.Context) error
}

// BucketStorage is the per-version half of the store: everything keyed by
// sync rules group id.
type BucketStorage interface {
	Group() int32

	// ResolveTable finds or registers a source table identity. A changed
	// replica identity or schema produces a fresh identity; stale entries
	// for the same table name are dropped in the same transaction.
	ResolveTable(ctx context.Context, args ResolveTableArgs) (*SourceTable, error)

	// MarkPendingResnapshot flags a table whose rows arrived incomplete, so
	// an operator (or the replication adapter) re-snapshots it.
	MarkPendingResnapshot(ctx context.Context, tableID string) error

	// CurrentData returns the stored state of one replicated row, or nil.
	CurrentData(ctx context.Context, tableID, key string) (*CurrentDataEntry, error)

	// CurrentDataForTable scans current-row entries of a table in key
	// order, at most limit entries starting after afterKey. Used by
	// TRUNCATE handling.
	CurrentDataForTable(ctx context.Context, tableID, afterKey string, limit int) ([]KeyedCurrentData, error)

	// Flush atomically persists one prepared batch, assigning contiguous
	// op ids from the global sequence. Returns the last id assigned.
	Flush(ctx context.Context, set FlushSet) (oplog.OpID, error)

	// CommitCheckpoint advances last_checkpoint_lsn, marks the snapshot
	// done, and publishes the update (with the writer's accumulated change
	// summary) to checkpoint watchers.
	CommitCheckpoint(ctx context.Context, lsn string, summary UpdateSummary) (Checkpoint, error)

	// SetNoCheckpointBefore withholds checkpoints below lsn, used after
	// replication restarts until a consistent point is reached.
	SetNoCheckpointBefore(ctx context.Context, lsn string) error

	// RecordHeadLSN notes the furthest source position seen, committed or
	// not. Managed write checkpoints bind to this head.
	RecordHeadLSN(ctx context.Context, lsn string) error

	// Activate promotes this version PROCESSING→ACTIVE and demotes any
	// prior ACTIVE or ERRORED version to STOP.
	Activate(ctx context.Context) error

	// State returns the last committed checkpoint for this version; ok is
	// false before the first commit.
	State(ctx context.Context) (cp Checkpoint, ok bool, err error)

	// BucketDataBatch reads ops in (position, checkpoint] across the given
	// buckets, in request order, chunked by the scan limits. Every returned
	// batch keeps ops ascending by id.
	BucketDataBatch(ctx context.Context, checkpoint oplog.OpID, positions []BucketPosition, opts ScanOptions) ([]OpBatch, error)

	// SumChecksums aggregates op checksums per bucket over (Start, End].
	SumChecksums(ctx context.Context, reqs []ChecksumRequest) (map[string]oplog.PartialChecksum, error)

	// QueryParameterSets returns the distinct parameter sets stored under
	// the lookups, as of the checkpoint, up to limit entries.
	QueryParameterSets(ctx context.Context, checkpoint oplog.OpID, lookups []rules.LookupKey, limit int) ([]rules.ParameterSet, error)

	// CompactBucket rewrites superseded ops as MOVE and coalesces the
	// leading run of MOVE/REMOVE into a single CLEAR, preserving checksum
	// additivity.
	CompactBucket(ctx context.Context, bucket string) error

	// RestartReplication drops this version's replicated data and resets its
	// checkpoint state to PROCESSING so replication rebuilds it from a fresh
	// snapshot. Used when the source's replication slot is gone; the version
	// itself survives.
	RestartReplication(ctx context.Context) error

	// Terminate drops all data of this version and marks it TERMINATED.
	Terminate(ctx context.Context) error
}

// ResolveTableArgs is the replication-side identity of a source table.
// Replica identity columns participate: changing them yields a new identity.
type ResolveTableArgs struct {
	ConnectionID     int32
	RelationID       uint32
	Schema           string
	Name             string
	ReplicaIDColumns []string
}

// SourceTable is a registered source table identity.
type SourceTable struct {
	ID                string
	ConnectionID      int32
	RelationID        uint32
	Schema            string
	Name              string
	ReplicaIDColumns  []string
	PendingResnapshot bool
}

// Checkpoint is a committed consistent point: ops up to LastOpID are readable
// and correspond to the source position LSN.
type Checkpoint struct {
	LastOpID oplog.OpID
	LSN      string
}

// CheckpointUpdate is one message on the checkpoint feed. UpdatedBuckets and
// UpdatedLookups describe what changed since the previous update; Invalidate
// is set when that precision was lost (first value, tracking overflow, or a
// sync rules switch) and consumers must treat everything as changed.
type CheckpointUpdate struct {
	Version        int32             `json:"version"`
	Checkpoint     oplog.OpID        `json:"checkpoint"`
	LSN            string            `json:"lsn"`
	Invalidate     bool              `json:"invalidate,omitempty"`
	UpdatedBuckets []string          `json:"updated_buckets,omitempty"`
	UpdatedLookups []rules.LookupKey `json:"updated_lookups,omitempty"`
}

// UpdateSummary is the writer's accumulated change description handed to
// CommitCheckpoint for publication.
type UpdateSummary struct {
	Invalidate bool
	Buckets    []string
	Lookups    []rules.LookupKey
}

// MaxTrackedUpdates bounds per-commit change tracking. Summaries beyond this
// size collapse to Invalidate: correctness never depends on the summary, it
// only saves work downstream.
const MaxTrackedUpdates = 1000

// BucketRef names one bucket entry a row currently occupies, with everything
// needed to emit its REMOVE later.
type BucketRef struct {
	Bucket     string `json:"bucket"`
	ObjectType string `json:"object_type,omitempty"`
	ObjectID   string `json:"object_id,omitempty"`
	Subkey     string `json:"subkey,omitempty"`
}

// CurrentDataEntry is the stored state of one replicated row.
type CurrentDataEntry struct {
	Data    []byte
	Buckets []BucketRef
	Lookups []rules.LookupKey
}

// KeyedCurrentData pairs a current-data entry with its row key for scans.
type KeyedCurrentData struct {
	Key   string
	Entry *CurrentDataEntry
}

// StagedOp is an operation prepared by the batch writer, before id
// assignment.
type StagedOp struct {
	Bucket     string
	Kind       oplog.Kind
	ObjectType string
	ObjectID   string
	Subkey     string
	Data       []byte
	Checksum   oplog.Checksum
}

// CurrentDataWrite upserts (or with a nil entry, deletes) a row's current
// state.
type CurrentDataWrite struct {
	TableID string
	Key     string
	Entry   *CurrentDataEntry
}

// ParameterWrite appends one versioned parameter entry. Empty Sets tombstone
// the (lookup, table, key) slot.
type ParameterWrite struct {
	Lookup  rules.LookupKey
	TableID string
	Key     string
	Sets    []rules.ParameterSet
}

// FlushSet is one atomic unit of replication output.
type FlushSet struct {
	Ops         []StagedOp
	CurrentData []CurrentDataWrite
	Parameters  []ParameterWrite
}

// Empty reports whether flushing the set would write nothing.
func (s *FlushSet) Empty() bool {
	return len(s.Ops) == 0 && len(s.CurrentData) == 0 && len(s.Parameters) == 0
}

// BucketPosition is a client's resume position within one bucket.
type BucketPosition struct {
	Bucket string
	After  oplog.OpID
}

// ScanOptions bounds one BucketDataBatch call.
type ScanOptions struct {
	MaxOps   int
	MaxBytes int64
}

// DefaultScanOptions mirror the streaming chunk limits.
var DefaultScanOptions = ScanOptions{MaxOps: 1000, MaxBytes: 1 << 20}

// OpBatch is one chunk of a bucket's ops.
type OpBatch struct {
	Bucket    string
	After     oplog.OpID
	Ops       []oplog.Op
	NextAfter oplog.OpID
	HasMore   bool
	// TargetOp is the greatest MOVE/CLEAR target in the chunk; a value past
	// the checkpoint being synced invalidates that checkpoint.
	TargetOp oplog.OpID
}

// ChecksumRequest asks for the checksum aggregate of one bucket over
// (Start, End].
type ChecksumRequest struct {
	Bucket string
	Start  oplog.OpID
	End    oplog.OpID
}
