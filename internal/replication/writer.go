package replication

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/erauner12/bucketsync/internal/errcode"
	"github.com/erauner12/bucketsync/internal/metrics"
	"github.com/erauner12/bucketsync/internal/oplog"
	"github.com/erauner12/bucketsync/internal/rules"
	"github.com/erauner12/bucketsync/internal/storage"
)

const (
	// DefaultMaxBatchOps and DefaultMaxBatchBytes bound one storage flush.
	// A source transaction larger than this splits into several inner
	// flushes; the checkpoint still only advances at the source commit.
	DefaultMaxBatchOps   = 1000
	DefaultMaxBatchBytes = 4 << 20

	// DefaultMaxRowSize is the hard per-row limit. Rows at or above it are
	// replaced with a placeholder so the stream does not wedge.
	DefaultMaxRowSize = 15 << 20

	// DefaultTruncateScanBatch is the page size for TRUNCATE scans over a
	// table's current data.
	DefaultTruncateScanBatch = 2000

	flushMaxRetries  = 20
	flushRetryWindow = 90 * time.Second

	// stagedOpOverhead approximates the non-payload cost of a staged op for
	// batch byte accounting.
	stagedOpOverhead = 64
)

// WriterOptions tune a BatchWriter. Zero values take defaults.
type WriterOptions struct {
	MaxBatchOps       int
	MaxBatchBytes     int64
	MaxRowSize        int64
	TruncateScanBatch int

	// MarkUnavailable requests a table resnapshot when an incomplete row
	// arrives with no stored state to merge from. When false such rows are
	// logged and skipped.
	MarkUnavailable bool

	// OnEvent, when set, receives declared change events for tables bound in
	// the sync rules events section.
	OnEvent EventHandler
}

func (o *WriterOptions) normalize() {
	if o.MaxBatchOps <= 0 {
		o.MaxBatchOps = DefaultMaxBatchOps
	}
	if o.MaxBatchBytes <= 0 {
		o.MaxBatchBytes = DefaultMaxBatchBytes
	}
	if o.MaxRowSize <= 0 {
		o.MaxRowSize = DefaultMaxRowSize
	}
	if o.TruncateScanBatch <= 0 {
		o.TruncateScanBatch = DefaultTruncateScanBatch
	}
}

type stageKey struct {
	table string
	key   string
}

// BatchWriter applies one replication stream to bucket storage. The adapter
// calls Begin/Save/Commit around each source transaction and Keepalive
// between them. All methods must run on a single goroutine; flushes are
// additionally serialized process-wide through the shared FlushSerializer so
// op ids stay strictly increasing even with several writers.
//
// A flush that exhausts its retries leaves the writer inconsistent; the
// caller must discard it and restart replication.
type BatchWriter struct {
	log   zerolog.Logger
	store storage.BucketStorage
	rules *rules.SyncRules
	flush *storage.FlushSerializer
	opts  WriterOptions

	pending      storage.FlushSet
	pendingBytes int64
	// staged mirrors pending current-data writes for read-your-writes within
	// a batch; a nil value is a staged delete.
	staged map[stageKey]*storage.CurrentDataEntry

	noteBuckets map[string]struct{}
	noteLookups map[rules.LookupKey]struct{}
	invalidate  bool

	skipping           bool
	persistedOps       bool
	activated          bool
	lastCommitLSN      string
	noCheckpointBefore string
}

// NewBatchWriter creates a writer feeding the given sync rules version.
// Resume state (last committed LSN, checkpoint floor, activation) comes from
// the version record.
func NewBatchWriter(log zerolog.Logger, store storage.BucketStorage, v *rules.Version, flush *storage.FlushSerializer, opts WriterOptions) (*BatchWriter, error) {
	if v.Rules == nil {
		return nil, errcode.Assertionf("sync rules version %d has no parsed document", v.ID)
	}
	opts.normalize()
	return &BatchWriter{
		log: log.With().
			Str("component", "replication").
			Int32("group", v.ID).
			Logger(),
		store:              store,
		rules:              v.Rules,
		flush:              flush,
		opts:               opts,
		staged:             map[stageKey]*storage.CurrentDataEntry{},
		noteBuckets:        map[string]struct{}{},
		noteLookups:        map[rules.LookupKey]struct{}{},
		activated:          v.State == rules.StateActive,
		lastCommitLSN:      v.LastCheckpointLSN,
		noCheckpointBefore: v.NoCheckpointBefore,
	}, nil
}

// SetNoCheckpointBefore persists a consistency floor: commits below lsn keep
// their data but do not produce a checkpoint. Set after a replication restart
// until the stream has passed the point the snapshot was taken at.
func (w *BatchWriter) SetNoCheckpointBefore(ctx context.Context, lsn string) error {
	if err := w.store.SetNoCheckpointBefore(ctx, lsn); err != nil {
		return err
	}
	w.noCheckpointBefore = lsn
	return nil
}

// Begin opens a source transaction. lsn is the transaction's commit position;
// transactions at or below the last committed checkpoint are re-deliveries
// and are consumed without effect.
func (w *BatchWriter) Begin(ctx context.Context, lsn string) error {
	w.skipping = w.lastCommitLSN != "" && storage.CompareLSN(lsn, w.lastCommitLSN) <= 0
	if w.skipping {
		w.log.Debug().
			Str("lsn", lsn).
			Str("committed", w.lastCommitLSN).
			Msg("transaction already committed, consuming without effect")
	}
	return w.store.RecordHeadLSN(ctx, lsn)
}

// Save stages the bucket effects of one row change. Oversized batches flush
// to storage as inner transactions; the checkpoint does not move until
// Commit.
func (w *BatchWriter) Save(ctx context.Context, ev ChangeEvent) error {
	if ev.Table == nil {
		return errcode.Assertionf("change event without source table")
	}
	if w.skipping {
		return nil
	}
	if w.opts.OnEvent != nil {
		for _, name := range w.rules.EventsFor(ev.Table.Name) {
			w.opts.OnEvent(name, ev)
		}
	}
	switch ev.Tag {
	case TagInsert, TagUpdate:
		if ev.After == nil {
			return errcode.Assertionf("%s event on %s without row image", ev.Tag, ev.Table.Name)
		}
		return w.saveUpsert(ctx, ev)
	case TagDelete:
		if ev.Before == nil {
			return errcode.Assertionf("delete event on %s without old row image", ev.Table.Name)
		}
		key, err := replicaKey(ev.Table, ev.Before)
		if err != nil {
			return err
		}
		return w.deleteRow(ctx, ev.Table, key)
	case TagTruncate:
		return w.truncateTable(ctx, ev.Table)
	default:
		return errcode.Assertionf("unknown change tag %q", ev.Tag)
	}
}

func (w *BatchWriter) saveUpsert(ctx context.Context, ev ChangeEvent) error {
	table := ev.Table
	key, err := replicaKey(table, ev.After)
	if err != nil {
		return err
	}

	// A changed replica identity retires the old row entirely: its REMOVEs
	// carry the old object ids recorded in current data.
	if ev.Tag == TagUpdate && ev.Before != nil {
		oldKey, err := replicaKey(table, ev.Before)
		if err != nil {
			return err
		}
		if oldKey != key {
			if err := w.deleteRow(ctx, table, oldKey); err != nil {
				return err
			}
		}
	}

	prior, err := w.currentData(ctx, table.ID, key)
	if err != nil {
		return err
	}

	row := ev.After
	if ev.Tag == TagUpdate && len(ev.UnchangedToast) > 0 {
		if prior == nil || len(prior.Data) == 0 {
			if w.opts.MarkUnavailable {
				w.log.Warn().
					Str("table", table.Name).
					Str("key", key).
					Msg("incomplete row without stored state, marking table for resnapshot")
				return w.store.MarkPendingResnapshot(ctx, table.ID)
			}
			w.log.Warn().
				Str("table", table.Name).
				Str("key", key).
				Msg("incomplete row without stored state, skipping")
			return nil
		}
		old, err := rules.DecodeRow(prior.Data)
		if err != nil {
			return fmt.Errorf("stored row %s/%s: %w", table.Name, key, err)
		}
		merged := make(rules.Row, len(row)+len(ev.UnchangedToast))
		for k, v := range row {
			merged[k] = v
		}
		for _, col := range ev.UnchangedToast {
			if v, ok := old[col]; ok {
				merged[col] = v
			}
		}
		row = merged
	}

	encoded, err := rules.EncodeRow(row)
	if err != nil {
		return fmt.Errorf("table %s: %w", table.Name, err)
	}
	if int64(len(encoded)) >= w.opts.MaxRowSize {
		metrics.RowsTooLarge.Inc()
		w.log.Error().
			Str("error_code", string(errcode.CodeRowTooLarge)).
			Str("table", table.Name).
			Str("key", key).
			Int("bytes", len(encoded)).
			Msg("row exceeds size limit, syncing placeholder")
		row = placeholderRow(table, row)
		if encoded, err = rules.EncodeRow(row); err != nil {
			return fmt.Errorf("table %s: %w", table.Name, err)
		}
	}

	evaluated, err := w.rules.EvaluateRow(table.Name, row)
	if err != nil {
		if !errors.Is(err, rules.ErrNoRowID) {
			return err
		}
		w.log.Warn().
			Str("table", table.Name).
			Str("key", key).
			Msg("row has no usable id, not syncing")
		evaluated = nil
	}
	params, err := w.rules.EvaluateParameterRow(table.Name, row)
	if err != nil {
		return err
	}

	var priorRefs []storage.BucketRef
	var priorLookups []rules.LookupKey
	if prior != nil {
		priorRefs = prior.Buckets
		priorLookups = prior.Lookups
	}

	newRefs := make([]storage.BucketRef, 0, len(evaluated))
	keep := make(map[storage.BucketRef]bool, len(evaluated))
	for _, er := range evaluated {
		ref := storage.BucketRef{
			Bucket:     er.Bucket,
			ObjectType: er.ObjectType,
			ObjectID:   er.ObjectID,
			Subkey:     er.Subkey,
		}
		newRefs = append(newRefs, ref)
		keep[ref] = true
	}
	for _, ref := range priorRefs {
		if !keep[ref] {
			w.stageRemove(ref)
		}
	}
	for _, er := range evaluated {
		w.stageOp(storage.StagedOp{
			Bucket:     er.Bucket,
			Kind:       oplog.KindPut,
			ObjectType: er.ObjectType,
			ObjectID:   er.ObjectID,
			Subkey:     er.Subkey,
			Data:       er.Data,
			Checksum:   oplog.PutChecksum(er.ObjectType, er.ObjectID, er.Subkey, er.Data),
		})
	}

	newLookups := make(map[rules.LookupKey][]rules.ParameterSet, len(params))
	lookupOrder := make([]rules.LookupKey, 0, len(params))
	for _, ep := range params {
		k := ep.Lookup.Key()
		if _, ok := newLookups[k]; !ok {
			lookupOrder = append(lookupOrder, k)
		}
		newLookups[k] = append(newLookups[k], ep.Params)
	}
	for _, k := range lookupOrder {
		w.stageParameter(storage.ParameterWrite{Lookup: k, TableID: table.ID, Key: key, Sets: newLookups[k]})
	}
	for _, k := range priorLookups {
		if _, still := newLookups[k]; !still {
			w.stageParameter(storage.ParameterWrite{Lookup: k, TableID: table.ID, Key: key})
		}
	}

	if len(newRefs) == 0 && len(lookupOrder) == 0 {
		if prior != nil {
			w.stageCurrentData(table.ID, key, nil)
		}
	} else {
		w.stageCurrentData(table.ID, key, &storage.CurrentDataEntry{
			Data:    encoded,
			Buckets: newRefs,
			Lookups: lookupOrder,
		})
	}
	return w.maybeFlush(ctx)
}

func (w *BatchWriter) deleteRow(ctx context.Context, table *storage.SourceTable, key string) error {
	prior, err := w.currentData(ctx, table.ID, key)
	if err != nil {
		return err
	}
	if prior == nil {
		return nil
	}
	w.retireEntry(table.ID, key, prior)
	return w.maybeFlush(ctx)
}

// retireEntry stages the full removal of one stored row: REMOVE per bucket
// ref, a tombstone per lookup, and the current-data delete.
func (w *BatchWriter) retireEntry(tableID, key string, e *storage.CurrentDataEntry) {
	for _, ref := range e.Buckets {
		w.stageRemove(ref)
	}
	for _, lk := range e.Lookups {
		w.stageParameter(storage.ParameterWrite{Lookup: lk, TableID: tableID, Key: key})
	}
	w.stageCurrentData(tableID, key, nil)
}

func (w *BatchWriter) truncateTable(ctx context.Context, table *storage.SourceTable) error {
	// Flush staged writes first so the scan observes every row of the table.
	if err := w.flushPending(ctx); err != nil {
		return err
	}
	after := ""
	for {
		entries, err := w.store.CurrentDataForTable(ctx, table.ID, after, w.opts.TruncateScanBatch)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		for _, kc := range entries {
			w.retireEntry(table.ID, kc.Key, kc.Entry)
		}
		after = entries[len(entries)-1].Key
		if err := w.maybeFlush(ctx); err != nil {
			return err
		}
	}
}

// Commit closes the current source transaction at its commit position,
// flushing staged writes and advancing the checkpoint when policy allows.
// Returns the committed checkpoint, or false when no checkpoint was produced
// (re-delivery, below the consistency floor, or already committed).
func (w *BatchWriter) Commit(ctx context.Context, lsn string) (storage.Checkpoint, bool, error) {
	if w.skipping {
		w.skipping = false
		return storage.Checkpoint{}, false, nil
	}
	return w.commitAt(ctx, lsn)
}

// Keepalive records source liveness at lsn between transactions. Persisted
// ops still waiting below the consistency floor commit as usual; otherwise
// the checkpoint advances with an empty change summary, which is what makes
// managed write checkpoints bound below lsn visible.
func (w *BatchWriter) Keepalive(ctx context.Context, lsn string) (storage.Checkpoint, bool, error) {
	return w.commitAt(ctx, lsn)
}

func (w *BatchWriter) commitAt(ctx context.Context, lsn string) (storage.Checkpoint, bool, error) {
	if err := w.flushPending(ctx); err != nil {
		return storage.Checkpoint{}, false, err
	}
	if err := w.store.RecordHeadLSN(ctx, lsn); err != nil {
		return storage.Checkpoint{}, false, err
	}
	if w.noCheckpointBefore != "" && storage.CompareLSN(lsn, w.noCheckpointBefore) < 0 {
		// Data is durable; the checkpoint waits for the consistency floor.
		w.log.Debug().
			Str("lsn", lsn).
			Str("no_checkpoint_before", w.noCheckpointBefore).
			Msg("holding checkpoint below consistency floor")
		return storage.Checkpoint{}, false, nil
	}
	if w.lastCommitLSN != "" && storage.CompareLSN(lsn, w.lastCommitLSN) <= 0 {
		return storage.Checkpoint{}, false, nil
	}
	if !w.activated {
		if err := w.store.Activate(ctx); err != nil {
			return storage.Checkpoint{}, false, err
		}
		w.activated = true
	}
	hadOps := w.persistedOps
	cp, err := w.store.CommitCheckpoint(ctx, lsn, w.takeSummary())
	if err != nil {
		return storage.Checkpoint{}, false, err
	}
	w.lastCommitLSN = lsn
	w.persistedOps = false
	if hadOps {
		metrics.TransactionsReplicated.Inc()
	}
	metrics.CheckpointsBroadcast.Inc()
	w.log.Debug().
		Str("lsn", lsn).
		Uint64("op", uint64(cp.LastOpID)).
		Msg("checkpoint committed")
	return cp, true, nil
}

// currentData reads a row's stored state, preferring writes staged in the
// open batch.
func (w *BatchWriter) currentData(ctx context.Context, tableID, key string) (*storage.CurrentDataEntry, error) {
	if e, ok := w.staged[stageKey{table: tableID, key: key}]; ok {
		return e, nil
	}
	return w.store.CurrentData(ctx, tableID, key)
}

func (w *BatchWriter) stageOp(op storage.StagedOp) {
	w.pending.Ops = append(w.pending.Ops, op)
	w.pendingBytes += int64(len(op.Data)) + stagedOpOverhead
	w.noteBucket(op.Bucket)
}

func (w *BatchWriter) stageRemove(ref storage.BucketRef) {
	w.stageOp(storage.StagedOp{
		Bucket:     ref.Bucket,
		Kind:       oplog.KindRemove,
		ObjectType: ref.ObjectType,
		ObjectID:   ref.ObjectID,
		Subkey:     ref.Subkey,
		Checksum:   oplog.RemoveChecksum(ref.ObjectType, ref.ObjectID, ref.Subkey),
	})
}

func (w *BatchWriter) stageParameter(p storage.ParameterWrite) {
	w.pending.Parameters = append(w.pending.Parameters, p)
	w.noteLookup(p.Lookup)
}

func (w *BatchWriter) stageCurrentData(tableID, key string, e *storage.CurrentDataEntry) {
	w.pending.CurrentData = append(w.pending.CurrentData, storage.CurrentDataWrite{
		TableID: tableID,
		Key:     key,
		Entry:   e,
	})
	w.staged[stageKey{table: tableID, key: key}] = e
	if e != nil {
		w.pendingBytes += int64(len(e.Data))
	}
}

func (w *BatchWriter) maybeFlush(ctx context.Context) error {
	if len(w.pending.Ops) < w.opts.MaxBatchOps && w.pendingBytes < w.opts.MaxBatchBytes {
		return nil
	}
	return w.flushPending(ctx)
}

// flushPending writes the staged batch through the process-wide serializer,
// retrying transient storage failures with exponential backoff.
func (w *BatchWriter) flushPending(ctx context.Context) error {
	if w.pending.Empty() {
		return nil
	}
	set := w.pending
	w.pending = storage.FlushSet{}
	w.pendingBytes = 0
	clear(w.staged)

	attempt := func() error {
		return w.flush.Do(ctx, func(fctx context.Context) error {
			_, err := w.store.Flush(fctx, set)
			return err
		})
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = flushRetryWindow
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, flushMaxRetries), ctx)
	notify := func(err error, next time.Duration) {
		metrics.FlushRetries.Inc()
		w.log.Warn().Err(err).Dur("retry_in", next).Msg("storage flush failed, retrying")
	}
	if err := backoff.RetryNotify(attempt, policy, notify); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errcode.Newf(errcode.CodeMaxTxRetries, "storage flush failed after retries: %v", err)
	}

	if len(set.Ops) > 0 {
		w.persistedOps = true
		kinds := map[oplog.Kind]int{}
		for _, op := range set.Ops {
			kinds[op.Kind]++
		}
		for k, n := range kinds {
			metrics.OpsWritten.WithLabelValues(string(k)).Add(float64(n))
		}
	}
	w.log.Debug().
		Int("ops", len(set.Ops)).
		Int("current_data", len(set.CurrentData)).
		Int("parameters", len(set.Parameters)).
		Msg("batch flushed")
	return nil
}

func (w *BatchWriter) noteBucket(b string) {
	if w.invalidate {
		return
	}
	w.noteBuckets[b] = struct{}{}
	if len(w.noteBuckets)+len(w.noteLookups) > storage.MaxTrackedUpdates {
		w.degradeSummary()
	}
}

func (w *BatchWriter) noteLookup(k rules.LookupKey) {
	if w.invalidate {
		return
	}
	w.noteLookups[k] = struct{}{}
	if len(w.noteBuckets)+len(w.noteLookups) > storage.MaxTrackedUpdates {
		w.degradeSummary()
	}
}

func (w *BatchWriter) degradeSummary() {
	w.invalidate = true
	w.noteBuckets = nil
	w.noteLookups = nil
}

// takeSummary drains the accumulated change summary for one commit.
func (w *BatchWriter) takeSummary() storage.UpdateSummary {
	s := storage.UpdateSummary{Invalidate: w.invalidate}
	if !w.invalidate {
		s.Buckets = make([]string, 0, len(w.noteBuckets))
		for b := range w.noteBuckets {
			s.Buckets = append(s.Buckets, b)
		}
		sort.Strings(s.Buckets)
		s.Lookups = make([]rules.LookupKey, 0, len(w.noteLookups))
		for k := range w.noteLookups {
			s.Lookups = append(s.Lookups, k)
		}
		sort.Slice(s.Lookups, func(i, j int) bool { return s.Lookups[i] < s.Lookups[j] })
	}
	w.invalidate = false
	w.noteBuckets = map[string]struct{}{}
	w.noteLookups = map[rules.LookupKey]struct{}{}
	return s
}

// placeholderRow reduces an oversized row to its identity columns. Clients
// receive the placeholder instead of the payload; the checksum covers what
// was actually synced.
func placeholderRow(t *storage.SourceTable, row rules.Row) rules.Row {
	out := make(rules.Row, len(t.ReplicaIDColumns)+1)
	if v, ok := row["id"]; ok {
		out["id"] = v
	}
	for _, c := range t.ReplicaIDColumns {
		if v, ok := row[c]; ok {
			out[c] = v
		}
	}
	return out
}
