package storage

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/erauner12/bucketsync/internal/rules"
)

func TestMergeUpdatesUnions(t *testing.T) {
	old := CheckpointUpdate{
		Version:        3,
		Checkpoint:     10,
		LSN:            "0/10",
		UpdatedBuckets: []string{"a", "b"},
		UpdatedLookups: []rules.LookupKey{`["d",0,1]`},
	}
	next := CheckpointUpdate{
		Version:        3,
		Checkpoint:     12,
		LSN:            "0/12",
		UpdatedBuckets: []string{"b", "c"},
		UpdatedLookups: []rules.LookupKey{`["d",0,2]`},
	}
	got := MergeUpdates(old, next)
	if got.Checkpoint != 12 || got.LSN != "0/12" {
		t.Fatalf("merged update lost position: %+v", got)
	}
	if got.Invalidate {
		t.Fatal("small union should not invalidate")
	}
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(got.UpdatedBuckets, want) {
		t.Errorf("buckets = %v, want %v", got.UpdatedBuckets, want)
	}
	if want := []rules.LookupKey{`["d",0,1]`, `["d",0,2]`}; !reflect.DeepEqual(got.UpdatedLookups, want) {
		t.Errorf("lookups = %v, want %v", got.UpdatedLookups, want)
	}
}

func TestMergeUpdatesInvalidateSticks(t *testing.T) {
	old := CheckpointUpdate{Version: 1, Checkpoint: 5, Invalidate: true}
	next := CheckpointUpdate{Version: 1, Checkpoint: 6, UpdatedBuckets: []string{"a"}}
	got := MergeUpdates(old, next)
	if !got.Invalidate {
		t.Fatal("invalidate must carry over to the merged update")
	}
	if got.UpdatedBuckets != nil {
		t.Errorf("invalidated update should not carry bucket deltas, got %v", got.UpdatedBuckets)
	}
	if got.Checkpoint != 6 {
		t.Errorf("checkpoint = %d, want the newer position 6", got.Checkpoint)
	}
}

func TestMergeUpdatesVersionSwitchInvalidates(t *testing.T) {
	old := CheckpointUpdate{Version: 1, Checkpoint: 5, UpdatedBuckets: []string{"a"}}
	next := CheckpointUpdate{Version: 2, Checkpoint: 1, UpdatedBuckets: []string{"b"}}
	got := MergeUpdates(old, next)
	if !got.Invalidate {
		t.Fatal("a sync rules switch must invalidate")
	}
	if got.Version != 2 {
		t.Errorf("version = %d, want 2", got.Version)
	}
}

func TestMergeUpdatesOverflowDegrades(t *testing.T) {
	old := CheckpointUpdate{Version: 1, Checkpoint: 5}
	for i := 0; i < MaxTrackedUpdates; i++ {
		old.UpdatedBuckets = append(old.UpdatedBuckets, fmt.Sprintf("bucket%04d", i))
	}
	next := CheckpointUpdate{Version: 1, Checkpoint: 6, UpdatedBuckets: []string{"one more"}}
	got := MergeUpdates(old, next)
	if !got.Invalidate {
		t.Fatal("union past MaxTrackedUpdates must degrade to Invalidate")
	}
	if got.UpdatedBuckets != nil {
		t.Error("degraded update should drop the partial set")
	}
}

func TestMergeUpdatesDeduplicates(t *testing.T) {
	old := CheckpointUpdate{Version: 1, UpdatedBuckets: []string{"a", "a", "b"}}
	next := CheckpointUpdate{Version: 1, UpdatedBuckets: []string{"b", "a"}}
	got := MergeUpdates(old, next)
	if want := []string{"a", "b"}; !reflect.DeepEqual(got.UpdatedBuckets, want) {
		t.Errorf("buckets = %v, want deduplicated %v", got.UpdatedBuckets, want)
	}
}
