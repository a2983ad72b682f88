package memstore

import (
	"context"
	"reflect"
	"testing"

	"github.com/erauner12/bucketsync/internal/oplog"
	"github.com/erauner12/bucketsync/internal/storage"
)

func TestCompactBucket(t *testing.T) {
	ctx := context.Background()
	_, bs := newTestStore(t)
	const bucket = "global[]"

	flushOps(t, bs, stagePut(bucket, "todos", "a", `{"v":1}`)) // 1: superseded by 3
	flushOps(t, bs, stagePut(bucket, "todos", "b", `{"v":1}`)) // 2: superseded by 4
	flushOps(t, bs, stagePut(bucket, "todos", "a", `{"v":2}`)) // 3: live
	flushOps(t, bs, stageRemove(bucket, "todos", "b"))         // 4: live
	flushOps(t, bs, stagePut(bucket, "todos", "c", `{"v":1}`)) // 5: live

	before, err := bs.SumChecksums(ctx, []storage.ChecksumRequest{{Bucket: bucket, End: 5}})
	if err != nil {
		t.Fatalf("SumChecksums: %v", err)
	}

	if err := bs.CompactBucket(ctx, bucket); err != nil {
		t.Fatalf("CompactBucket: %v", err)
	}

	batches, err := bs.BucketDataBatch(ctx, 5, []storage.BucketPosition{{Bucket: bucket}}, storage.ScanOptions{})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	ops := batches[0].Ops
	kinds := make([]oplog.Kind, len(ops))
	ids := make([]oplog.OpID, len(ops))
	for i, op := range ops {
		kinds[i] = op.Kind
		ids[i] = op.ID
	}
	// Ops 1 and 2 became MOVEs, and as the leading dataless run they collapse
	// into one CLEAR under op 2's id.
	if want := []oplog.Kind{oplog.KindClear, oplog.KindPut, oplog.KindRemove, oplog.KindPut}; !reflect.DeepEqual(kinds, want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	if want := []oplog.OpID{2, 3, 4, 5}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	if string(ops[1].Data) != `{"v":2}` {
		t.Errorf("surviving put data = %s, want the latest version", ops[1].Data)
	}

	wantClear := oplog.AddChecksums(
		oplog.PutChecksum("todos", "a", "", []byte(`{"v":1}`)),
		oplog.PutChecksum("todos", "b", "", []byte(`{"v":1}`)),
	)
	if ops[0].Checksum != wantClear {
		t.Errorf("clear checksum = %d, want the sum of absorbed ops %d", ops[0].Checksum, wantClear)
	}

	after, err := bs.SumChecksums(ctx, []storage.ChecksumRequest{{Bucket: bucket, End: 5}})
	if err != nil {
		t.Fatalf("SumChecksums after: %v", err)
	}
	if after[bucket].Checksum != before[bucket].Checksum {
		t.Errorf("bucket checksum changed: %d != %d", after[bucket].Checksum, before[bucket].Checksum)
	}
	if !after[bucket].HasClear {
		t.Error("range containing the clear must report HasClear")
	}
	if after[bucket].Count != 4 {
		t.Errorf("count after compaction = %d, want 4", after[bucket].Count)
	}
}

func TestCompactBucketIsIdempotent(t *testing.T) {
	ctx := context.Background()
	_, bs := newTestStore(t)
	const bucket = "global[]"
	flushOps(t, bs, stagePut(bucket, "todos", "a", `{"v":1}`))
	flushOps(t, bs, stagePut(bucket, "todos", "a", `{"v":2}`))
	flushOps(t, bs, stagePut(bucket, "todos", "b", `{"v":1}`))

	if err := bs.CompactBucket(ctx, bucket); err != nil {
		t.Fatalf("compact: %v", err)
	}
	first, _ := bs.BucketDataBatch(ctx, 3, []storage.BucketPosition{{Bucket: bucket}}, storage.ScanOptions{})
	if err := bs.CompactBucket(ctx, bucket); err != nil {
		t.Fatalf("second compact: %v", err)
	}
	second, _ := bs.BucketDataBatch(ctx, 3, []storage.BucketPosition{{Bucket: bucket}}, storage.ScanOptions{})
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("compaction is not idempotent:\n%+v\n%+v", first, second)
	}
}

func TestCompactWholeBucketToClear(t *testing.T) {
	ctx := context.Background()
	_, bs := newTestStore(t)
	const bucket = "global[]"
	flushOps(t, bs, stagePut(bucket, "todos", "a", `{"v":1}`))
	flushOps(t, bs, stageRemove(bucket, "todos", "a"))

	if err := bs.CompactBucket(ctx, bucket); err != nil {
		t.Fatalf("compact: %v", err)
	}
	batches, _ := bs.BucketDataBatch(ctx, 2, []storage.BucketPosition{{Bucket: bucket}}, storage.ScanOptions{})
	if len(batches) != 1 || len(batches[0].Ops) != 1 {
		t.Fatalf("batches = %+v, want exactly one clear op", batches)
	}
	op := batches[0].Ops[0]
	if op.Kind != oplog.KindClear || op.ID != 2 {
		t.Fatalf("op = %+v, want CLEAR at id 2", op)
	}
	want := oplog.AddChecksums(
		oplog.PutChecksum("todos", "a", "", []byte(`{"v":1}`)),
		oplog.RemoveChecksum("todos", "a", ""),
	)
	if op.Checksum != want {
		t.Errorf("clear checksum = %d, want %d", op.Checksum, want)
	}
}

func TestScanBelowClearReportsTarget(t *testing.T) {
	ctx := context.Background()
	_, bs := newTestStore(t)
	const bucket = "global[]"
	flushOps(t, bs, stagePut(bucket, "todos", "a", `{"v":1}`)) // 1
	flushOps(t, bs, stagePut(bucket, "todos", "a", `{"v":2}`)) // 2
	flushOps(t, bs, stagePut(bucket, "todos", "b", `{"v":1}`)) // 3

	if err := bs.CompactBucket(ctx, bucket); err != nil {
		t.Fatalf("compact: %v", err)
	}
	// Op 1 was absorbed; with a single superseded op there is no clear yet.
	// Force one by also superseding op 3 and compacting again.
	flushOps(t, bs, stagePut(bucket, "todos", "b", `{"v":2}`)) // 4
	flushOps(t, bs, stagePut(bucket, "todos", "a", `{"v":3}`)) // 5
	if err := bs.CompactBucket(ctx, bucket); err != nil {
		t.Fatalf("second compact: %v", err)
	}

	// The leading run (ops 1..3, now MOVEs) collapsed into a CLEAR at id 3.
	// A sync pinned to checkpoint 2 can no longer be served from position 0:
	// the scan reports the clear as a target past that checkpoint.
	batches, err := bs.BucketDataBatch(ctx, 2, []storage.BucketPosition{{Bucket: bucket}}, storage.ScanOptions{})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("batches = %+v, want one target-only batch", batches)
	}
	b := batches[0]
	if len(b.Ops) != 0 || b.TargetOp != 3 {
		t.Fatalf("batch = %+v, want no ops and TargetOp 3", b)
	}

	// At a checkpoint past the clear the same position syncs normally.
	batches, _ = bs.BucketDataBatch(ctx, 5, []storage.BucketPosition{{Bucket: bucket}}, storage.ScanOptions{})
	ids := opIDs(batches[0])
	if !reflect.DeepEqual(ids, []oplog.OpID{3, 4, 5}) {
		t.Fatalf("ids past clear = %v, want [3 4 5]", ids)
	}
	if batches[0].Ops[0].Kind != oplog.KindClear {
		t.Errorf("first op = %v, want the CLEAR itself", batches[0].Ops[0].Kind)
	}
}
