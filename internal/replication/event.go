// Package replication turns source database change events into bucket
// operations. The batch writer consumes one logical replication stream,
// evaluates sync rules per row, stages ops and current-data mutations, and
// commits them as checkpoints at source transaction boundaries.
package replication

import (
	"encoding/json"
	"fmt"

	"github.com/erauner12/bucketsync/internal/rules"
	"github.com/erauner12/bucketsync/internal/storage"
)

// Tag is the kind of a source change event.
type Tag string

const (
	TagInsert   Tag = "insert"
	TagUpdate   Tag = "update"
	TagDelete   Tag = "delete"
	TagTruncate Tag = "truncate"
)

// ChangeEvent is one row change delivered by a replication source adapter.
type ChangeEvent struct {
	Tag   Tag
	Table *storage.SourceTable

	// Before is the old row image where the source provides one: deletes
	// always, updates only when the replica identity changed or the table
	// publishes full old tuples.
	Before rules.Row
	// After is the new row image; nil for deletes and truncates.
	After rules.Row
	// UnchangedToast names columns the source elided because they were
	// oversized and unchanged. Their values are merged back from stored
	// current data before evaluation.
	UnchangedToast []string
}

// EventHandler receives declared change events for tables bound in the sync
// rules events section. Handlers run inline on the replication goroutine and
// must not block.
type EventHandler func(name string, ev ChangeEvent)

// replicaKey serializes the row's replica identity column values into the
// stable key current data and parameter entries are stored under.
func replicaKey(t *storage.SourceTable, row rules.Row) (string, error) {
	vals := make([]any, 0, len(t.ReplicaIDColumns))
	for _, c := range t.ReplicaIDColumns {
		vals = append(vals, row[c])
	}
	b, err := json.Marshal(vals)
	if err != nil {
		return "", fmt.Errorf("table %s: serialize replica key: %w", t.Name, err)
	}
	return string(b), nil
}
