package syncer

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/erauner12/bucketsync/internal/errcode"
	"github.com/erauner12/bucketsync/internal/oplog"
	"github.com/erauner12/bucketsync/internal/replication"
	"github.com/erauner12/bucketsync/internal/rules"
	"github.com/erauner12/bucketsync/internal/storage"
	"github.com/erauner12/bucketsync/internal/wire"
)

// A checkpoint committed while low-priority data is still streaming must
// preempt the batch: the stream abandons the stale checkpoint without a
// completion line, re-announces, and resumes bucket positions instead of
// re-sending data.
func TestStreamPreemptedByNewCheckpoint(t *testing.T) {
	h := newSyncHarness(t, Options{
		PreemptAfterOps: 1,
		Scan:            storage.ScanOptions{MaxOps: 1},
	})

	events := []replication.ChangeEvent{
		put(h.ann, rules.Row{"id": "a1"}),
		put(h.ann, rules.Row{"id": "a2"}),
		put(h.lists, rules.Row{"id": 5, "owner_id": "u1"}),
	}
	for i := 0; i < 8; i++ {
		events = append(events, put(h.todos, rules.Row{
			"id": fmt.Sprintf("t%d", i), "owner_id": "u1", "list_id": 5,
		}))
	}
	cp1 := h.runTx(t, "0/10", events...)

	sink := &testSink{
		release: make(chan struct{}),
		blockOn: func(frame []byte) bool {
			return bytes.Contains(frame, []byte(`"bucket":"by_list[5]"`))
		},
	}
	var releaseOnce sync.Once
	releaseStream := func() { releaseOnce.Do(func() { close(sink.release) }) }
	t.Cleanup(releaseStream)

	h.start(t, Conn{
		UserID:  "u1",
		Request: &wire.StreamRequest{ClientID: "c1"},
		Sink:    sink,
	})
	waitFor(t, "stream blocked on priority 3 data", sink.blocked)

	cp2 := h.runTx(t, "0/20", put(h.ann, rules.Row{"id": "a3"}))
	// Give the preemption race time to observe the commit before the stream
	// resumes writing.
	time.Sleep(100 * time.Millisecond)
	releaseStream()

	waitFor(t, "final checkpoint_complete", func() bool {
		return sink.countPrefix(completePrefix) >= 1
	})

	frames := sink.snapshot()
	var completes []wire.CheckpointComplete
	var partials []wire.PartialCheckpointComplete
	var diffs []wire.CheckpointDiff
	opsSeen := map[string]map[oplog.OpID]int{}
	for _, f := range frames {
		switch frameKind(t, f) {
		case "checkpoint_complete":
			completes = append(completes, decodeComplete(t, f))
		case "partial_checkpoint_complete":
			partials = append(partials, decodePartial(t, f))
		case "checkpoint_diff":
			diffs = append(diffs, decodeDiff(t, f))
		case "data":
			d := decodeData(t, f)
			m := opsSeen[d.Bucket]
			if m == nil {
				m = map[oplog.OpID]int{}
				opsSeen[d.Bucket] = m
			}
			for _, e := range d.Data {
				m[e.OpID]++
			}
		}
	}

	// The stale checkpoint never completes; only the superseding one does.
	if len(completes) != 1 || completes[0].LastOpID != cp2.LastOpID {
		t.Fatalf("completes = %+v, want exactly one at %d", completes, cp2.LastOpID)
	}
	if len(partials) != 2 {
		t.Fatalf("partials = %+v, want one per checkpoint attempt", partials)
	}
	if partials[0].Priority != 1 || partials[0].LastOpID != cp1.LastOpID {
		t.Errorf("first partial = %+v, want priority 1 at %d", partials[0], cp1.LastOpID)
	}
	if partials[1].Priority != 1 || partials[1].LastOpID != cp2.LastOpID {
		t.Errorf("second partial = %+v, want priority 1 at %d", partials[1], cp2.LastOpID)
	}
	if len(diffs) != 1 || len(diffs[0].UpdatedBuckets) != 1 || diffs[0].UpdatedBuckets[0].Bucket != "global[]" {
		t.Fatalf("diffs = %+v, want one updating only global[]", diffs)
	}

	// Every op reaches the client exactly once across both attempts.
	for _, bucket := range []string{"by_list[5]", `user_todos["u1"]`} {
		seen := opsSeen[bucket]
		if len(seen) != 8 {
			t.Errorf("%s delivered %d distinct ops, want 8", bucket, len(seen))
		}
		for id, n := range seen {
			if n != 1 {
				t.Errorf("%s op %d delivered %d times", bucket, id, n)
			}
		}
	}
	if seen := opsSeen["global[]"]; len(seen) != 3 {
		t.Errorf("global[] delivered %d distinct ops, want 3", len(seen))
	}
}

// Activating a different sync rules version must close running streams with
// a retryable code so clients reconnect against the new version.
func TestStreamClosesOnVersionSwitch(t *testing.T) {
	h := newSyncHarness(t, Options{})
	h.seedInitial(t)

	sink := &testSink{}
	run := h.start(t, Conn{
		UserID:  "u1",
		Request: &wire.StreamRequest{ClientID: "c1"},
		Sink:    sink,
	})
	waitFor(t, "initial sync", func() bool {
		return sink.countPrefix(completePrefix) >= 1
	})

	ctx := context.Background()
	v2, err := h.store.DeploySyncRules(ctx, []byte(streamRules+`  extras:
    data:
      - table: extras
`))
	if err != nil {
		t.Fatalf("DeploySyncRules v2: %v", err)
	}
	if v2.ID == h.version.ID {
		t.Fatalf("expected a new version, got %d again", v2.ID)
	}
	bs2 := h.store.Buckets(v2)
	extras, err := bs2.ResolveTable(ctx, storage.ResolveTableArgs{
		ConnectionID: 2, RelationID: 31, Schema: "public", Name: "extras",
		ReplicaIDColumns: []string{"id"},
	})
	if err != nil {
		t.Fatalf("ResolveTable extras: %v", err)
	}
	ser2 := storage.NewFlushSerializer()
	t.Cleanup(ser2.Close)
	w2, err := replication.NewBatchWriter(zerolog.Nop(), bs2, v2, ser2, replication.WriterOptions{})
	if err != nil {
		t.Fatalf("NewBatchWriter v2: %v", err)
	}
	if err := w2.Begin(ctx, "1/10"); err != nil {
		t.Fatalf("Begin v2: %v", err)
	}
	if err := w2.Save(ctx, put(extras, rules.Row{"id": "x1"})); err != nil {
		t.Fatalf("Save v2: %v", err)
	}
	if _, _, err := w2.Commit(ctx, "1/10"); err != nil {
		t.Fatalf("Commit v2: %v", err)
	}

	wantCode(t, run.wait(t), errcode.CodeStreamClosed)
}

// A stream with an expiry bound ends cleanly at the deadline so the client
// refreshes its token and reconnects.
func TestStreamEndsAtTokenExpiry(t *testing.T) {
	h := newSyncHarness(t, Options{})
	h.seedInitial(t)

	sink := &testSink{}
	run := h.start(t, Conn{
		UserID:    "u1",
		Request:   &wire.StreamRequest{ClientID: "c1"},
		ExpiresAt: time.Now().Add(500 * time.Millisecond),
		Sink:      sink,
	})

	if err := run.wait(t); err != nil {
		t.Fatalf("stream at expiry returned %v, want nil", err)
	}
	if sink.countPrefix(completePrefix) < 1 {
		t.Error("stream expired before completing the initial checkpoint")
	}
}
