package replication

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/erauner12/bucketsync/internal/oplog"
	"github.com/erauner12/bucketsync/internal/rules"
	"github.com/erauner12/bucketsync/internal/storage"
	"github.com/erauner12/bucketsync/internal/storage/memstore"
)

const writerRules = `
bucket_definitions:
  global:
    data:
      - table: todos
  by_list:
    parameters:
      - table: lists
        match:
          owner_id: token.user_id
        output:
          list_id: row.id
    data:
      - table: todos
        match:
          list_id: bucket.list_id
events:
  - name: todo_changed
    table: todos
`

type writerHarness struct {
	store *memstore.Store
	bs    storage.BucketStorage
	w     *BatchWriter
	todos *storage.SourceTable
	lists *storage.SourceTable
	ser   *storage.FlushSerializer
}

func newWriterHarness(t *testing.T, opts WriterOptions) *writerHarness {
	t.Helper()
	ctx := context.Background()

	store := memstore.New(zerolog.Nop())
	t.Cleanup(func() { store.Close(context.Background()) })
	v, err := store.DeploySyncRules(ctx, []byte(writerRules))
	if err != nil {
		t.Fatalf("DeploySyncRules: %v", err)
	}
	bs := store.Buckets(v)

	todos, err := bs.ResolveTable(ctx, storage.ResolveTableArgs{
		ConnectionID: 1, RelationID: 11, Schema: "public", Name: "todos",
		ReplicaIDColumns: []string{"id"},
	})
	if err != nil {
		t.Fatalf("ResolveTable todos: %v", err)
	}
	lists, err := bs.ResolveTable(ctx, storage.ResolveTableArgs{
		ConnectionID: 1, RelationID: 12, Schema: "public", Name: "lists",
		ReplicaIDColumns: []string{"id"},
	})
	if err != nil {
		t.Fatalf("ResolveTable lists: %v", err)
	}

	ser := storage.NewFlushSerializer()
	t.Cleanup(ser.Close)
	w, err := NewBatchWriter(zerolog.Nop(), bs, v, ser, opts)
	if err != nil {
		t.Fatalf("NewBatchWriter: %v", err)
	}
	return &writerHarness{store: store, bs: bs, w: w, todos: todos, lists: lists, ser: ser}
}

func insertEvent(table *storage.SourceTable, row rules.Row) ChangeEvent {
	return ChangeEvent{Tag: TagInsert, Table: table, After: row}
}

func updateEvent(table *storage.SourceTable, before, after rules.Row, toast ...string) ChangeEvent {
	return ChangeEvent{Tag: TagUpdate, Table: table, Before: before, After: after, UnchangedToast: toast}
}

func deleteEvent(table *storage.SourceTable, before rules.Row) ChangeEvent {
	return ChangeEvent{Tag: TagDelete, Table: table, Before: before}
}

// runTx drives one source transaction through the writer and expects it to
// commit a checkpoint.
func (h *writerHarness) runTx(t *testing.T, lsn string, events ...ChangeEvent) storage.Checkpoint {
	t.Helper()
	ctx := context.Background()
	if err := h.w.Begin(ctx, lsn); err != nil {
		t.Fatalf("Begin(%s): %v", lsn, err)
	}
	for i, ev := range events {
		if err := h.w.Save(ctx, ev); err != nil {
			t.Fatalf("Save event %d: %v", i, err)
		}
	}
	cp, committed, err := h.w.Commit(ctx, lsn)
	if err != nil {
		t.Fatalf("Commit(%s): %v", lsn, err)
	}
	if !committed {
		t.Fatalf("Commit(%s) produced no checkpoint", lsn)
	}
	return cp
}

func (h *writerHarness) scan(t *testing.T, bucket string, checkpoint oplog.OpID) []oplog.Op {
	t.Helper()
	batches, err := h.bs.BucketDataBatch(context.Background(), checkpoint,
		[]storage.BucketPosition{{Bucket: bucket}}, storage.ScanOptions{})
	if err != nil {
		t.Fatalf("BucketDataBatch(%s): %v", bucket, err)
	}
	var ops []oplog.Op
	for _, b := range batches {
		ops = append(ops, b.Ops...)
	}
	return ops
}

func (h *writerHarness) current(t *testing.T, table *storage.SourceTable, key string) *storage.CurrentDataEntry {
	t.Helper()
	e, err := h.bs.CurrentData(context.Background(), table.ID, key)
	if err != nil {
		t.Fatalf("CurrentData(%s, %s): %v", table.Name, key, err)
	}
	return e
}

func decodeOpRow(t *testing.T, op oplog.Op) rules.Row {
	t.Helper()
	row, err := rules.DecodeRow(op.Data)
	if err != nil {
		t.Fatalf("decode op %d data: %v", op.ID, err)
	}
	return row
}

func TestWriterInsertFansOutPuts(t *testing.T) {
	h := newWriterHarness(t, WriterOptions{})
	cp := h.runTx(t, "0/10", insertEvent(h.todos, rules.Row{"id": "t1", "description": "buy milk", "list_id": 5}))

	if cp.LastOpID != 2 {
		t.Fatalf("checkpoint op = %d, want 2", cp.LastOpID)
	}
	if cp.LSN != "0/10" {
		t.Fatalf("checkpoint lsn = %q, want 0/10", cp.LSN)
	}

	global := h.scan(t, "global[]", cp.LastOpID)
	if len(global) != 1 || global[0].Kind != oplog.KindPut || global[0].ObjectID != "t1" {
		t.Fatalf("global[] ops = %+v, want one PUT for t1", global)
	}
	if global[0].ObjectType != "todos" {
		t.Fatalf("object type = %q, want todos", global[0].ObjectType)
	}
	if want := oplog.PutChecksum("todos", "t1", "", global[0].Data); global[0].Checksum != want {
		t.Fatalf("checksum = %d, want %d", global[0].Checksum, want)
	}
	if row := decodeOpRow(t, global[0]); row["description"] != "buy milk" {
		t.Fatalf("op row = %v, want description preserved", row)
	}

	byList := h.scan(t, "by_list[5]", cp.LastOpID)
	if len(byList) != 1 || byList[0].Kind != oplog.KindPut {
		t.Fatalf("by_list[5] ops = %+v, want one PUT", byList)
	}

	entry := h.current(t, h.todos, `["t1"]`)
	if entry == nil {
		t.Fatal("current data missing after insert")
	}
	if len(entry.Buckets) != 2 {
		t.Fatalf("current data tracks %d buckets, want 2", len(entry.Buckets))
	}

	if state, ok, err := h.bs.State(context.Background()); err != nil || !ok || state.LastOpID != cp.LastOpID {
		t.Fatalf("State() = %+v, %v, %v; want committed checkpoint %d", state, ok, err, cp.LastOpID)
	}
}

func TestWriterUpdateMovesBetweenBuckets(t *testing.T) {
	h := newWriterHarness(t, WriterOptions{})
	h.runTx(t, "0/10", insertEvent(h.todos, rules.Row{"id": "t1", "list_id": 5}))
	cp := h.runTx(t, "0/20", updateEvent(h.todos, nil, rules.Row{"id": "t1", "list_id": 6}))

	old := h.scan(t, "by_list[5]", cp.LastOpID)
	if len(old) != 2 || old[0].Kind != oplog.KindPut || old[1].Kind != oplog.KindRemove {
		t.Fatalf("by_list[5] ops = %+v, want PUT then REMOVE", old)
	}
	if old[1].ObjectID != "t1" {
		t.Fatalf("REMOVE object id = %q, want t1", old[1].ObjectID)
	}
	if want := oplog.RemoveChecksum("todos", "t1", ""); old[1].Checksum != want {
		t.Fatalf("REMOVE checksum = %d, want %d", old[1].Checksum, want)
	}

	if ops := h.scan(t, "by_list[6]", cp.LastOpID); len(ops) != 1 || ops[0].Kind != oplog.KindPut {
		t.Fatalf("by_list[6] ops = %+v, want one PUT", ops)
	}
	if ops := h.scan(t, "global[]", cp.LastOpID); len(ops) != 2 {
		t.Fatalf("global[] has %d ops, want 2 PUTs", len(ops))
	}

	entry := h.current(t, h.todos, `["t1"]`)
	for _, ref := range entry.Buckets {
		if ref.Bucket == "by_list[5]" {
			t.Fatalf("current data still references departed bucket: %+v", entry.Buckets)
		}
	}
}

func TestWriterToastMergesStoredColumns(t *testing.T) {
	h := newWriterHarness(t, WriterOptions{})
	h.runTx(t, "0/10", insertEvent(h.todos, rules.Row{"id": "t1", "description": "keep", "payload": "big-blob"}))
	cp := h.runTx(t, "0/20", updateEvent(h.todos, nil,
		rules.Row{"id": "t1", "status": "done"}, "description", "payload"))

	ops := h.scan(t, "global[]", cp.LastOpID)
	if len(ops) != 2 {
		t.Fatalf("global[] has %d ops, want 2", len(ops))
	}
	row := decodeOpRow(t, ops[1])
	if row["description"] != "keep" || row["payload"] != "big-blob" || row["status"] != "done" {
		t.Fatalf("merged row = %v, want stored columns folded in", row)
	}

	entry := h.current(t, h.todos, `["t1"]`)
	stored, err := rules.DecodeRow(entry.Data)
	if err != nil {
		t.Fatalf("decode current data: %v", err)
	}
	if stored["payload"] != "big-blob" {
		t.Fatalf("current data = %v, want merged image", stored)
	}
}

func TestWriterIncompleteRowWithoutStateSkips(t *testing.T) {
	h := newWriterHarness(t, WriterOptions{})
	cp := h.runTx(t, "0/10", updateEvent(h.todos, nil, rules.Row{"id": "t1"}, "description"))

	if cp.LastOpID != 0 {
		t.Fatalf("checkpoint op = %d, want 0 (nothing synced)", cp.LastOpID)
	}
	if ops := h.scan(t, "global[]", 100); len(ops) != 0 {
		t.Fatalf("global[] ops = %+v, want none", ops)
	}
	if entry := h.current(t, h.todos, `["t1"]`); entry != nil {
		t.Fatalf("current data = %+v, want none", entry)
	}
}

func TestWriterIncompleteRowMarksResnapshot(t *testing.T) {
	h := newWriterHarness(t, WriterOptions{MarkUnavailable: true})
	ctx := context.Background()

	if err := h.w.Begin(ctx, "0/10"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := h.w.Save(ctx, updateEvent(h.todos, nil, rules.Row{"id": "t1"}, "description")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	table, err := h.bs.ResolveTable(ctx, storage.ResolveTableArgs{
		ConnectionID: 1, RelationID: 11, Schema: "public", Name: "todos",
		ReplicaIDColumns: []string{"id"},
	})
	if err != nil {
		t.Fatalf("ResolveTable: %v", err)
	}
	if !table.PendingResnapshot {
		t.Fatal("table not marked for resnapshot")
	}
}

func TestWriterReplicaIdentityChange(t *testing.T) {
	h := newWriterHarness(t, WriterOptions{})
	h.runTx(t, "0/10", insertEvent(h.todos, rules.Row{"id": "t1", "list_id": 5}))
	cp := h.runTx(t, "0/20", updateEvent(h.todos,
		rules.Row{"id": "t1"}, rules.Row{"id": "t2", "list_id": 5}))

	ops := h.scan(t, "by_list[5]", cp.LastOpID)
	if len(ops) != 3 {
		t.Fatalf("by_list[5] has %d ops, want PUT, REMOVE, PUT", len(ops))
	}
	if ops[1].Kind != oplog.KindRemove || ops[1].ObjectID != "t1" {
		t.Fatalf("op[1] = %+v, want REMOVE of old id t1", ops[1])
	}
	if ops[2].Kind != oplog.KindPut || ops[2].ObjectID != "t2" {
		t.Fatalf("op[2] = %+v, want PUT of new id t2", ops[2])
	}

	if entry := h.current(t, h.todos, `["t1"]`); entry != nil {
		t.Fatalf("old key still has current data: %+v", entry)
	}
	if entry := h.current(t, h.todos, `["t2"]`); entry == nil {
		t.Fatal("new key has no current data")
	}
}

func TestWriterDeleteRemovesEverywhere(t *testing.T) {
	h := newWriterHarness(t, WriterOptions{})
	h.runTx(t, "0/10", insertEvent(h.todos, rules.Row{"id": "t1", "list_id": 5}))
	cp := h.runTx(t, "0/20", deleteEvent(h.todos, rules.Row{"id": "t1"}))

	for _, bucket := range []string{"by_list[5]", "global[]"} {
		ops := h.scan(t, bucket, cp.LastOpID)
		last := ops[len(ops)-1]
		if last.Kind != oplog.KindRemove || last.ObjectID != "t1" {
			t.Fatalf("%s last op = %+v, want REMOVE of t1", bucket, last)
		}
	}
	if entry := h.current(t, h.todos, `["t1"]`); entry != nil {
		t.Fatalf("current data survives delete: %+v", entry)
	}

	// Deleting an unknown row stages nothing.
	cp2 := h.runTx(t, "0/30", deleteEvent(h.todos, rules.Row{"id": "ghost"}))
	if cp2.LastOpID != cp.LastOpID {
		t.Fatalf("checkpoint moved to %d on no-op delete, want %d", cp2.LastOpID, cp.LastOpID)
	}
}

func TestWriterOversizedRowBecomesPlaceholder(t *testing.T) {
	h := newWriterHarness(t, WriterOptions{MaxRowSize: 200})
	cp := h.runTx(t, "0/10", insertEvent(h.todos, rules.Row{
		"id":          "t1",
		"list_id":     5,
		"description": strings.Repeat("x", 400),
	}))

	// The placeholder keeps identity columns only, so the bucket filter on
	// list_id no longer matches.
	if ops := h.scan(t, "by_list[5]", cp.LastOpID); len(ops) != 0 {
		t.Fatalf("by_list[5] ops = %+v, want none for placeholder", ops)
	}
	ops := h.scan(t, "global[]", cp.LastOpID)
	if len(ops) != 1 {
		t.Fatalf("global[] has %d ops, want 1", len(ops))
	}
	row := decodeOpRow(t, ops[0])
	if len(row) != 1 || row["id"] != "t1" {
		t.Fatalf("placeholder row = %v, want only id", row)
	}

	entry := h.current(t, h.todos, `["t1"]`)
	if got := string(entry.Data); got != `{"id":"t1"}` {
		t.Fatalf("current data = %s, want placeholder", got)
	}
}

func TestWriterParameterLookupLifecycle(t *testing.T) {
	h := newWriterHarness(t, WriterOptions{})
	ctx := context.Background()
	aliceKey := rules.LookupKey(`["by_list",0,"alice"]`)
	bobKey := rules.LookupKey(`["by_list",0,"bob"]`)

	cp1 := h.runTx(t, "0/10", insertEvent(h.lists, rules.Row{"id": 7, "owner_id": "alice"}))
	sets, err := h.bs.QueryParameterSets(ctx, cp1.LastOpID, []rules.LookupKey{aliceKey}, 10)
	if err != nil {
		t.Fatalf("QueryParameterSets: %v", err)
	}
	want := []rules.ParameterSet{{"list_id": int64(7)}}
	if !reflect.DeepEqual(sets, want) {
		t.Fatalf("alice sets = %v, want %v", sets, want)
	}

	cp2 := h.runTx(t, "0/20", updateEvent(h.lists, nil, rules.Row{"id": 7, "owner_id": "bob"}))
	if sets, _ := h.bs.QueryParameterSets(ctx, cp2.LastOpID, []rules.LookupKey{aliceKey}, 10); len(sets) != 0 {
		t.Fatalf("alice still resolves after reassignment: %v", sets)
	}
	if sets, _ := h.bs.QueryParameterSets(ctx, cp2.LastOpID, []rules.LookupKey{bobKey}, 10); !reflect.DeepEqual(sets, want) {
		t.Fatalf("bob sets = %v, want %v", sets, want)
	}
	// Reads pinned to the old checkpoint still see the old assignment.
	if sets, _ := h.bs.QueryParameterSets(ctx, cp1.LastOpID, []rules.LookupKey{aliceKey}, 10); !reflect.DeepEqual(sets, want) {
		t.Fatalf("alice sets at old checkpoint = %v, want %v", sets, want)
	}

	cp3 := h.runTx(t, "0/30", deleteEvent(h.lists, rules.Row{"id": 7}))
	if sets, _ := h.bs.QueryParameterSets(ctx, cp3.LastOpID, []rules.LookupKey{bobKey}, 10); len(sets) != 0 {
		t.Fatalf("bob resolves after delete: %v", sets)
	}
}

func TestWriterTruncateScansInPages(t *testing.T) {
	h := newWriterHarness(t, WriterOptions{TruncateScanBatch: 2})
	h.runTx(t, "0/10",
		insertEvent(h.todos, rules.Row{"id": "t1"}),
		insertEvent(h.todos, rules.Row{"id": "t2"}),
		insertEvent(h.todos, rules.Row{"id": "t3"}),
	)
	cp := h.runTx(t, "0/20", ChangeEvent{Tag: TagTruncate, Table: h.todos})

	ops := h.scan(t, "global[]", cp.LastOpID)
	if len(ops) != 6 {
		t.Fatalf("global[] has %d ops, want 3 PUTs + 3 REMOVEs", len(ops))
	}
	removed := map[string]bool{}
	for _, op := range ops[3:] {
		if op.Kind != oplog.KindRemove {
			t.Fatalf("trailing op = %+v, want REMOVE", op)
		}
		removed[op.ObjectID] = true
	}
	if len(removed) != 3 {
		t.Fatalf("removed ids = %v, want t1..t3", removed)
	}
	for _, id := range []string{"t1", "t2", "t3"} {
		if entry := h.current(t, h.todos, `["`+id+`"]`); entry != nil {
			t.Fatalf("current data survives truncate for %s", id)
		}
	}
}

func TestWriterRedeliveredTransactionSkipped(t *testing.T) {
	h := newWriterHarness(t, WriterOptions{})
	ctx := context.Background()
	cp1 := h.runTx(t, "0/20", insertEvent(h.todos, rules.Row{"id": "t1"}))

	if err := h.w.Begin(ctx, "0/20"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := h.w.Save(ctx, insertEvent(h.todos, rules.Row{"id": "t2"})); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, committed, err := h.w.Commit(ctx, "0/20"); err != nil || committed {
		t.Fatalf("re-delivered Commit = %v, %v; want no checkpoint", committed, err)
	}
	if ops := h.scan(t, "global[]", 100); len(ops) != 1 {
		t.Fatalf("global[] has %d ops after re-delivery, want 1", len(ops))
	}
	if entry := h.current(t, h.todos, `["t2"]`); entry != nil {
		t.Fatal("re-delivered insert reached current data")
	}

	cp2 := h.runTx(t, "0/30", insertEvent(h.todos, rules.Row{"id": "t2"}))
	if cp2.LastOpID <= cp1.LastOpID {
		t.Fatalf("checkpoint did not advance: %d -> %d", cp1.LastOpID, cp2.LastOpID)
	}
}

func TestWriterResumeSeedsRedeliveryGate(t *testing.T) {
	h := newWriterHarness(t, WriterOptions{})
	ctx := context.Background()
	h.runTx(t, "0/20", insertEvent(h.todos, rules.Row{"id": "t1"}))

	v, err := h.store.ReplicatingVersion(ctx)
	if err != nil {
		t.Fatalf("ReplicatingVersion: %v", err)
	}
	w2, err := NewBatchWriter(zerolog.Nop(), h.store.Buckets(v), v, h.ser, WriterOptions{})
	if err != nil {
		t.Fatalf("NewBatchWriter: %v", err)
	}

	if err := w2.Begin(ctx, "0/15"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := w2.Save(ctx, insertEvent(h.todos, rules.Row{"id": "t1"})); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, committed, err := w2.Commit(ctx, "0/15"); err != nil || committed {
		t.Fatalf("resumed Commit = %v, %v; want skip below committed lsn", committed, err)
	}
	if ops := h.scan(t, "global[]", 100); len(ops) != 1 {
		t.Fatalf("global[] has %d ops, want 1 (no duplicates)", len(ops))
	}
}

func TestWriterHoldsCheckpointUntilConsistent(t *testing.T) {
	h := newWriterHarness(t, WriterOptions{})
	ctx := context.Background()
	if err := h.w.SetNoCheckpointBefore(ctx, "0/50"); err != nil {
		t.Fatalf("SetNoCheckpointBefore: %v", err)
	}

	if err := h.w.Begin(ctx, "0/30"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := h.w.Save(ctx, insertEvent(h.todos, rules.Row{"id": "t1"})); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, committed, err := h.w.Commit(ctx, "0/30"); err != nil || committed {
		t.Fatalf("Commit below floor = %v, %v; want held", committed, err)
	}
	if _, ok, err := h.bs.State(ctx); err != nil || ok {
		t.Fatalf("State below floor: ok=%v err=%v, want no checkpoint", ok, err)
	}
	if v, _ := h.store.ReplicatingVersion(ctx); v.State != rules.StateProcessing {
		t.Fatalf("version state = %s, want still PROCESSING", v.State)
	}

	cp, committed, err := h.w.Keepalive(ctx, "0/60")
	if err != nil || !committed {
		t.Fatalf("Keepalive past floor = %v, %v; want commit", committed, err)
	}
	if cp.LastOpID != 1 {
		t.Fatalf("checkpoint op = %d, want the held op", cp.LastOpID)
	}
	if v, _ := h.store.ActiveVersion(ctx); v == nil {
		t.Fatal("version not activated by first consistent checkpoint")
	}
}

func TestWriterKeepaliveAdvancesLiveness(t *testing.T) {
	h := newWriterHarness(t, WriterOptions{})
	ctx := context.Background()
	cp1 := h.runTx(t, "0/20", insertEvent(h.todos, rules.Row{"id": "t1"}))

	if _, committed, err := h.w.Keepalive(ctx, "0/10"); err != nil || committed {
		t.Fatalf("Keepalive(0/10) = %v, %v; want skip", committed, err)
	}
	if _, committed, err := h.w.Keepalive(ctx, "0/20"); err != nil || committed {
		t.Fatalf("Keepalive(0/20) = %v, %v; want skip", committed, err)
	}

	cp, committed, err := h.w.Keepalive(ctx, "0/30")
	if err != nil || !committed {
		t.Fatalf("Keepalive(0/30) = %v, %v; want liveness commit", committed, err)
	}
	if cp.LastOpID != cp1.LastOpID || cp.LSN != "0/30" {
		t.Fatalf("liveness checkpoint = %+v, want same op at 0/30", cp)
	}
}

func TestWriterSplitsLargeTransactions(t *testing.T) {
	h := newWriterHarness(t, WriterOptions{MaxBatchOps: 2})
	ctx := context.Background()

	if err := h.w.Begin(ctx, "0/10"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	for _, id := range []string{"t1", "t2", "t3"} {
		if err := h.w.Save(ctx, insertEvent(h.todos, rules.Row{"id": id})); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
	}
	// Two ops crossed the batch threshold and were flushed as an inner
	// transaction; the checkpoint has not moved.
	if ops := h.scan(t, "global[]", 100); len(ops) != 2 {
		t.Fatalf("global[] has %d ops before commit, want 2 flushed", len(ops))
	}
	if _, ok, _ := h.bs.State(ctx); ok {
		t.Fatal("checkpoint advanced before source commit")
	}

	cp, committed, err := h.w.Commit(ctx, "0/10")
	if err != nil || !committed {
		t.Fatalf("Commit = %v, %v", committed, err)
	}
	if ops := h.scan(t, "global[]", cp.LastOpID); len(ops) != 3 {
		t.Fatalf("global[] has %d ops after commit, want 3", len(ops))
	}
}

func TestWriterPublishesChangeSummary(t *testing.T) {
	h := newWriterHarness(t, WriterOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := h.store.WatchCheckpoints(ctx)
	if err != nil {
		t.Fatalf("WatchCheckpoints: %v", err)
	}

	cp := h.runTx(t, "0/10",
		insertEvent(h.todos, rules.Row{"id": "t1", "list_id": 5}),
		insertEvent(h.lists, rules.Row{"id": 7, "owner_id": "alice"}),
	)

	var u storage.CheckpointUpdate
	select {
	case u = <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no checkpoint update received")
	}
	if u.Checkpoint != cp.LastOpID || u.Invalidate {
		t.Fatalf("update = %+v, want checkpoint %d without invalidation", u, cp.LastOpID)
	}
	wantBuckets := []string{"by_list[5]", "global[]"}
	if !reflect.DeepEqual(u.UpdatedBuckets, wantBuckets) {
		t.Fatalf("updated buckets = %v, want %v", u.UpdatedBuckets, wantBuckets)
	}
	wantLookups := []rules.LookupKey{`["by_list",0,"alice"]`}
	if !reflect.DeepEqual(u.UpdatedLookups, wantLookups) {
		t.Fatalf("updated lookups = %v, want %v", u.UpdatedLookups, wantLookups)
	}
}

func TestWriterEventHandlerFires(t *testing.T) {
	var fired []string
	h := newWriterHarness(t, WriterOptions{
		OnEvent: func(name string, ev ChangeEvent) {
			fired = append(fired, name+":"+ev.Table.Name)
		},
	})
	ctx := context.Background()

	h.runTx(t, "0/20",
		insertEvent(h.todos, rules.Row{"id": "t1"}),
		insertEvent(h.lists, rules.Row{"id": 7, "owner_id": "alice"}),
	)
	if want := []string{"todo_changed:todos"}; !reflect.DeepEqual(fired, want) {
		t.Fatalf("fired = %v, want %v", fired, want)
	}

	// Re-delivered transactions do not fire events again.
	if err := h.w.Begin(ctx, "0/20"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := h.w.Save(ctx, insertEvent(h.todos, rules.Row{"id": "t2"})); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if len(fired) != 1 {
		t.Fatalf("fired = %v, want no new events during re-delivery", fired)
	}
}
