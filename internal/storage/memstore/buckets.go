package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/erauner12/bucketsync/internal/oplog"
	"github.com/erauner12/bucketsync/internal/rules"
	"github.com/erauner12/bucketsync/internal/storage"
)

// bucketStore is the per-version view onto Store.
type bucketStore struct {
	s  *Store
	id int32
}

var _ storage.BucketStorage = (*bucketStore)(nil)

func (b *bucketStore) Group() int32 { return b.id }

func (b *bucketStore) ResolveTable(ctx context.Context, args storage.ResolveTableArgs) (*storage.SourceTable, error) {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()
	vs, err := s.versionLocked(b.id)
	if err != nil {
		return nil, err
	}
	for _, t := range vs.tables {
		if t.ConnectionID == args.ConnectionID && t.Schema == args.Schema && t.Name == args.Name &&
			equalColumns(t.ReplicaIDColumns, args.ReplicaIDColumns) {
			t.RelationID = args.RelationID
			return cloneTable(t), nil
		}
	}
	// A new identity for a known table name supersedes the old one: its
	// registration and current-row state are dropped so the snapshot can
	// rebuild them under the new identity.
	kept := vs.tables[:0]
	for _, t := range vs.tables {
		if t.ConnectionID == args.ConnectionID && t.Schema == args.Schema && t.Name == args.Name {
			delete(vs.current, t.ID)
			s.log.Warn().
				Str("table", args.Schema+"."+args.Name).
				Strs("replica_id_columns", args.ReplicaIDColumns).
				Msg("replica identity changed, dropping old table registration")
			continue
		}
		kept = append(kept, t)
	}
	vs.tables = kept
	t := &storage.SourceTable{
		ID:               uuid.NewString(),
		ConnectionID:     args.ConnectionID,
		RelationID:       args.RelationID,
		Schema:           args.Schema,
		Name:             args.Name,
		ReplicaIDColumns: append([]string(nil), args.ReplicaIDColumns...),
	}
	vs.tables = append(vs.tables, t)
	return cloneTable(t), nil
}

func (b *bucketStore) MarkPendingResnapshot(ctx context.Context, tableID string) error {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()
	vs, err := s.versionLocked(b.id)
	if err != nil {
		return err
	}
	for _, t := range vs.tables {
		if t.ID == tableID {
			t.PendingResnapshot = true
			return nil
		}
	}
	return fmt.Errorf("unknown source table %s", tableID)
}

func (b *bucketStore) CurrentData(ctx context.Context, tableID, key string) (*storage.CurrentDataEntry, error) {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()
	vs, err := s.versionLocked(b.id)
	if err != nil {
		return nil, err
	}
	return cloneEntry(vs.current[tableID][key]), nil
}

func (b *bucketStore) CurrentDataForTable(ctx context.Context, tableID, afterKey string, limit int) ([]storage.KeyedCurrentData, error) {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()
	vs, err := s.versionLocked(b.id)
	if err != nil {
		return nil, err
	}
	rowsByKey := vs.current[tableID]
	keys := make([]string, 0, len(rowsByKey))
	for k := range rowsByKey {
		if k > afterKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]storage.KeyedCurrentData, len(keys))
	for i, k := range keys {
		out[i] = storage.KeyedCurrentData{Key: k, Entry: cloneEntry(rowsByKey[k])}
	}
	return out, nil
}

func (b *bucketStore) Flush(ctx context.Context, set storage.FlushSet) (oplog.OpID, error) {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()
	vs, err := s.versionLocked(b.id)
	if err != nil {
		return 0, err
	}
	var last oplog.OpID
	for _, st := range set.Ops {
		s.seq++
		id := oplog.OpID(s.seq)
		vs.buckets[st.Bucket] = append(vs.buckets[st.Bucket], oplog.Op{
			ID:         id,
			Kind:       st.Kind,
			ObjectType: st.ObjectType,
			ObjectID:   st.ObjectID,
			Subkey:     st.Subkey,
			Data:       st.Data,
			Checksum:   st.Checksum,
		})
		last = id
	}
	for _, w := range set.CurrentData {
		if w.Entry == nil {
			delete(vs.current[w.TableID], w.Key)
			continue
		}
		rowsByKey := vs.current[w.TableID]
		if rowsByKey == nil {
			rowsByKey = make(map[string]*storage.CurrentDataEntry)
			vs.current[w.TableID] = rowsByKey
		}
		rowsByKey[w.Key] = cloneEntry(w.Entry)
	}
	// Parameter entries share the op id sequence so that "latest at or below
	// checkpoint" reads line up with committed checkpoints.
	for _, p := range set.Parameters {
		s.seq++
		vs.params = append(vs.params, paramEntry{
			id:      oplog.OpID(s.seq),
			lookup:  p.Lookup,
			tableID: p.TableID,
			key:     p.Key,
			sets:    p.Sets,
		})
		last = oplog.OpID(s.seq)
	}
	return last, nil
}

func (b *bucketStore) CommitCheckpoint(ctx context.Context, lsn string, summary storage.UpdateSummary) (storage.Checkpoint, error) {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()
	vs, err := s.versionLocked(b.id)
	if err != nil {
		return storage.Checkpoint{}, err
	}
	vs.meta.LastCheckpoint = s.seq
	vs.meta.LastCheckpointLSN = lsn
	vs.meta.SnapshotDone = true
	vs.meta.UpdatedAt = time.Now()
	if storage.CompareLSN(lsn, s.headLSN) > 0 {
		s.headLSN = lsn
	}
	cp := storage.Checkpoint{LastOpID: oplog.OpID(s.seq), LSN: lsn}
	s.publishLocked(storage.CheckpointUpdate{
		Version:        b.id,
		Checkpoint:     cp.LastOpID,
		LSN:            lsn,
		Invalidate:     summary.Invalidate,
		UpdatedBuckets: summary.Buckets,
		UpdatedLookups: summary.Lookups,
	})
	return cp, nil
}

func (b *bucketStore) SetNoCheckpointBefore(ctx context.Context, lsn string) error {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()
	vs, err := s.versionLocked(b.id)
	if err != nil {
		return err
	}
	vs.meta.NoCheckpointBefore = lsn
	return nil
}

func (b *bucketStore) RecordHeadLSN(ctx context.Context, lsn string) error {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if storage.CompareLSN(lsn, s.headLSN) > 0 {
		s.headLSN = lsn
	}
	return nil
}

func (b *bucketStore) Activate(ctx context.Context) error {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()
	vs, err := s.versionLocked(b.id)
	if err != nil {
		return err
	}
	switch vs.meta.State {
	case rules.StateActive:
		return nil
	case rules.StateProcessing:
	default:
		return fmt.Errorf("cannot activate sync rules version %d in state %s", b.id, vs.meta.State)
	}
	for _, id := range s.order {
		other := s.versions[id]
		if id == b.id {
			continue
		}
		if other.meta.State == rules.StateActive || other.meta.State == rules.StateErrored {
			other.meta.State = rules.StateStopped
			other.meta.UpdatedAt = time.Now()
		}
	}
	vs.meta.State = rules.StateActive
	vs.meta.UpdatedAt = time.Now()
	s.log.Info().Int32("version", b.id).Msg("activated sync rules version")
	return nil
}

func (b *bucketStore) State(ctx context.Context) (storage.Checkpoint, bool, error) {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()
	vs, err := s.versionLocked(b.id)
	if err != nil {
		return storage.Checkpoint{}, false, err
	}
	if vs.meta.LastCheckpointLSN == "" {
		return storage.Checkpoint{}, false, nil
	}
	return storage.Checkpoint{
		LastOpID: oplog.OpID(vs.meta.LastCheckpoint),
		LSN:      vs.meta.LastCheckpointLSN,
	}, true, nil
}

func (b *bucketStore) BucketDataBatch(ctx context.Context, checkpoint oplog.OpID, positions []storage.BucketPosition, opts storage.ScanOptions) ([]storage.OpBatch, error) {
	if opts.MaxOps <= 0 {
		opts.MaxOps = storage.DefaultScanOptions.MaxOps
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = storage.DefaultScanOptions.MaxBytes
	}
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()
	vs, err := s.versionLocked(b.id)
	if err != nil {
		return nil, err
	}
	var out []storage.OpBatch
	totalOps := 0
	var totalBytes int64
	for _, pos := range positions {
		if totalOps >= opts.MaxOps || totalBytes >= opts.MaxBytes {
			break
		}
		ops := vs.buckets[pos.Bucket]
		idx := sort.Search(len(ops), func(i int) bool { return ops[i].ID > pos.After })
		if idx >= len(ops) {
			continue
		}
		if ops[idx].Kind == oplog.KindClear && ops[idx].ID > checkpoint {
			// Compaction replaced everything below this clear; syncing the
			// requested checkpoint from this position would skip it. Report
			// the clear as a target so the caller invalidates and waits for
			// a checkpoint that includes it.
			out = append(out, storage.OpBatch{
				Bucket:    pos.Bucket,
				After:     pos.After,
				NextAfter: pos.After,
				TargetOp:  ops[idx].ID,
			})
			continue
		}
		batch := storage.OpBatch{Bucket: pos.Bucket, After: pos.After, NextAfter: pos.After}
		for i := idx; i < len(ops); i++ {
			op := ops[i]
			if op.ID > checkpoint {
				break
			}
			if totalOps >= opts.MaxOps || (totalBytes >= opts.MaxBytes && totalOps > 0) {
				batch.HasMore = true
				break
			}
			batch.Ops = append(batch.Ops, op)
			batch.NextAfter = op.ID
			if op.TargetOp > batch.TargetOp {
				batch.TargetOp = op.TargetOp
			}
			totalOps++
			totalBytes += int64(op.ByteSize())
		}
		if len(batch.Ops) > 0 || batch.HasMore {
			out = append(out, batch)
		}
	}
	return out, nil
}

func (b *bucketStore) SumChecksums(ctx context.Context, reqs []storage.ChecksumRequest) (map[string]oplog.PartialChecksum, error) {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()
	vs, err := s.versionLocked(b.id)
	if err != nil {
		return nil, err
	}
	res := make(map[string]oplog.PartialChecksum, len(reqs))
	for _, req := range reqs {
		ops := vs.buckets[req.Bucket]
		idx := sort.Search(len(ops), func(i int) bool { return ops[i].ID > req.Start })
		var pc oplog.PartialChecksum
		for i := idx; i < len(ops) && ops[i].ID <= req.End; i++ {
			pc.Checksum = oplog.AddChecksums(pc.Checksum, ops[i].Checksum)
			pc.Count++
			if ops[i].Kind == oplog.KindClear {
				pc.HasClear = true
			}
		}
		res[req.Bucket] = pc
	}
	return res, nil
}

func (b *bucketStore) QueryParameterSets(ctx context.Context, checkpoint oplog.OpID, lookups []rules.LookupKey, limit int) ([]rules.ParameterSet, error) {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()
	vs, err := s.versionLocked(b.id)
	if err != nil {
		return nil, err
	}
	wanted := make(map[rules.LookupKey]struct{}, len(lookups))
	for _, l := range lookups {
		wanted[l] = struct{}{}
	}
	// Ascending iteration: a later entry for the same slot simply replaces
	// the earlier one, leaving the newest version at or below the checkpoint.
	latest := make(map[string][]rules.ParameterSet)
	for _, e := range vs.params {
		if e.id > checkpoint {
			break
		}
		if _, ok := wanted[e.lookup]; !ok {
			continue
		}
		slot := string(e.lookup) + "\x00" + e.tableID + "\x00" + e.key
		latest[slot] = e.sets
	}
	seen := make(map[string]struct{})
	setsByKey := make(map[string]rules.ParameterSet)
	keys := make([]string, 0, len(latest))
	for _, sets := range latest {
		for _, set := range sets {
			buf, err := json.Marshal(set)
			if err != nil {
				return nil, fmt.Errorf("marshal parameter set: %w", err)
			}
			k := string(buf)
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			setsByKey[k] = set
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]rules.ParameterSet, len(keys))
	for i, k := range keys {
		out[i] = setsByKey[k]
	}
	return out, nil
}

func (b *bucketStore) RestartReplication(ctx context.Context) error {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()
	vs, err := s.versionLocked(b.id)
	if err != nil {
		return err
	}
	vs.buckets = make(map[string][]oplog.Op)
	vs.current = make(map[string]map[string]*storage.CurrentDataEntry)
	vs.params = nil
	vs.tables = nil
	vs.meta.State = rules.StateProcessing
	vs.meta.LastCheckpoint = 0
	vs.meta.LastCheckpointLSN = ""
	vs.meta.NoCheckpointBefore = ""
	vs.meta.SnapshotDone = false
	vs.meta.UpdatedAt = time.Now()
	s.log.Warn().Int32("version", b.id).Msg("restarting replication, replicated data dropped")
	return nil
}

func (b *bucketStore) Terminate(ctx context.Context) error {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()
	vs, ok := s.versions[b.id]
	if !ok {
		return fmt.Errorf("unknown sync rules version %d", b.id)
	}
	if vs.meta.State == rules.StateTerminated {
		return nil
	}
	s.wipeLocked(vs)
	return nil
}

func equalColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func cloneTable(t *storage.SourceTable) *storage.SourceTable {
	c := *t
	c.ReplicaIDColumns = append([]string(nil), t.ReplicaIDColumns...)
	return &c
}
