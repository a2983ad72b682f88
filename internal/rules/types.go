// Package rules implements sync rules: the declarative documents that map
// source rows into buckets and decide which buckets a connected user syncs.
//
// A document declares bucket definitions. Each definition owns data queries
// (which source rows land in the bucket, and how they are projected) and
// optionally parameter queries (how bucket instances are derived for a
// request). Definitions without parameter queries produce one global
// instance. Parameter queries come in two shapes: static ones derive bucket
// parameters from the authenticated request alone, dynamic ones look rows up
// in a parameter table via lookups maintained by replication.
package rules

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle state of a deployed sync rules version.
type State string

const (
	// StateProcessing: replication is building this version's buckets; no
	// client syncs from it yet.
	StateProcessing State = "PROCESSING"
	// StateActive: the version clients sync from. At most one per service.
	StateActive State = "ACTIVE"
	// StateErrored: processing failed fatally and needs operator attention.
	StateErrored State = "ERRORED"
	// StateStopped: superseded by a newer version, kept until terminated.
	StateStopped State = "STOP"
	// StateTerminated: bucket data dropped; row retained as tombstone.
	StateTerminated State = "TERMINATED"
)

// Version is one deployed sync rules document with its lifecycle state.
type Version struct {
	ID    int32
	State State
	// Hash fingerprints the document content so redeploying an identical
	// file does not create a new version.
	Hash    string
	Content string
	// LastCheckpoint / LastCheckpointLSN describe replication progress for
	// this version.
	LastCheckpoint    uint64
	LastCheckpointLSN string
	// NoCheckpointBefore withholds checkpoints until replication has passed
	// a consistent point after a restart or snapshot.
	NoCheckpointBefore string
	// SnapshotDone reports the initial table snapshot finished.
	SnapshotDone bool
	UpdatedAt    time.Time

	// Parsed document; nil for stopped/terminated versions loaded only for
	// bookkeeping.
	Rules *SyncRules
}

// RequestParameters carries the per-connection values sync rules can
// reference: the authenticated subject and the token's custom parameters.
type RequestParameters struct {
	UserID     string
	Parameters map[string]any
}

// tokenValue resolves a token.<name> source. user_id maps to the subject,
// anything else to the token's parameters claim.
func (p RequestParameters) tokenValue(name string) (any, bool) {
	if name == "user_id" {
		return p.UserID, true
	}
	v, ok := p.Parameters[name]
	return v, ok
}

// BucketDescription names one concrete bucket instance a connection syncs.
type BucketDescription struct {
	Bucket   string
	Priority int
}

// EvaluatedRow is the write-side product of data queries: one bucket entry
// for a source row.
type EvaluatedRow struct {
	Bucket     string
	Priority   int
	ObjectType string
	ObjectID   string
	// Subkey separates outputs when several data queries of one definition
	// emit the same object into the same bucket.
	Subkey string
	Data   []byte
}

// ParameterSet is the row-derived part of one dynamic bucket's parameters.
type ParameterSet map[string]any

// EvaluatedParameters is the write-side product of dynamic parameter
// queries: a lookup entry replication persists for later request-time
// resolution.
type EvaluatedParameters struct {
	Lookup Lookup
	Params ParameterSet
}

// Lookup addresses the stored parameter entries of one dynamic query for one
// set of match values.
type Lookup struct {
	query  *ParameterQuery
	Values []any
}

// Query returns the parameter query this lookup addresses.
func (l Lookup) Query() *ParameterQuery { return l.query }

// LookupKey is the serialized form lookups are stored and compared under.
type LookupKey string

// Key serializes the lookup as a JSON array of definition name, query index
// and match values. The encoding is canonical: values were normalized before
// the lookup was built.
func (l Lookup) Key() LookupKey {
	parts := make([]any, 0, 2+len(l.Values))
	parts = append(parts, l.query.def.Name, l.query.Index)
	parts = append(parts, l.Values...)
	b, err := json.Marshal(parts)
	if err != nil {
		// Values are normalized scalars; this cannot fail for well-formed
		// lookups built by DynamicLookups/EvaluateParameterRow.
		return LookupKey(fmt.Sprintf("!lookup:%s:%d", l.query.def.Name, l.query.Index))
	}
	return LookupKey(b)
}

// BucketDefinitionName extracts the definition a bucket instance belongs to:
// the prefix before the parameter array.
func BucketDefinitionName(bucket string) string {
	if i := strings.IndexByte(bucket, '['); i >= 0 {
		return bucket[:i]
	}
	return bucket
}
