package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/erauner12/bucketsync/internal/errcode"
	"github.com/erauner12/bucketsync/internal/oplog"
	"github.com/erauner12/bucketsync/internal/rules"
	"github.com/erauner12/bucketsync/internal/storage"
)

// bucketStore is the per-version view onto Store. Reads skip the version
// guard: a terminated version has no rows left, so they come back empty
// anyway. Mutations keep the guard to fail loudly.
type bucketStore struct {
	s  *Store
	id int32
}

var _ storage.BucketStorage = (*bucketStore)(nil)

func (b *bucketStore) Group() int32 { return b.id }

func (b *bucketStore) ResolveTable(ctx context.Context, args storage.ResolveTableArgs) (*storage.SourceTable, error) {
	s := b.s
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	if _, err := versionState(ctx, tx, b.id); err != nil {
		return nil, err
	}

	type tableRow struct {
		id         string
		relationID int64
		cols       []string
		pending    bool
	}
	rows, err := tx.Query(ctx, `
		SELECT id, relation_id, replica_id_columns, pending_resnapshot
		FROM source_tables
		WHERE group_id = $1 AND connection_id = $2 AND schema_name = $3 AND table_name = $4
	`, b.id, args.ConnectionID, args.Schema, args.Name)
	if err != nil {
		return nil, err
	}
	var existing []tableRow
	for rows.Next() {
		var r tableRow
		var colsJSON []byte
		if err := rows.Scan(&r.id, &r.relationID, &colsJSON, &r.pending); err != nil {
			rows.Close()
			return nil, err
		}
		if err := json.Unmarshal(colsJSON, &r.cols); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode replica id columns of table %s: %w", r.id, err)
		}
		existing = append(existing, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, r := range existing {
		if !equalColumns(r.cols, args.ReplicaIDColumns) {
			continue
		}
		if uint32(r.relationID) != args.RelationID {
			if _, err := tx.Exec(ctx,
				`UPDATE source_tables SET relation_id = $2 WHERE id = $1`,
				r.id, int64(args.RelationID)); err != nil {
				return nil, err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return &storage.SourceTable{
			ID:                r.id,
			ConnectionID:      args.ConnectionID,
			RelationID:        args.RelationID,
			Schema:            args.Schema,
			Name:              args.Name,
			ReplicaIDColumns:  append([]string(nil), args.ReplicaIDColumns...),
			PendingResnapshot: r.pending,
		}, nil
	}

	// A new identity for a known table name supersedes the old one: its
	// registration and current-row state are dropped so the snapshot can
	// rebuild them under the new identity.
	if len(existing) > 0 {
		if _, err := tx.Exec(ctx, `
			DELETE FROM current_data
			WHERE group_id = $1 AND source_table IN (
				SELECT id FROM source_tables
				WHERE group_id = $1 AND connection_id = $2 AND schema_name = $3 AND table_name = $4
			)
		`, b.id, args.ConnectionID, args.Schema, args.Name); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM source_tables
			WHERE group_id = $1 AND connection_id = $2 AND schema_name = $3 AND table_name = $4
		`, b.id, args.ConnectionID, args.Schema, args.Name); err != nil {
			return nil, err
		}
		s.log.Warn().
			Str("table", args.Schema+"."+args.Name).
			Strs("replica_id_columns", args.ReplicaIDColumns).
			Msg("replica identity changed, dropping old table registration")
	}

	t := &storage.SourceTable{
		ID:               uuid.NewString(),
		ConnectionID:     args.ConnectionID,
		RelationID:       args.RelationID,
		Schema:           args.Schema,
		Name:             args.Name,
		ReplicaIDColumns: append([]string(nil), args.ReplicaIDColumns...),
	}
	colsJSON, err := json.Marshal(t.ReplicaIDColumns)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO source_tables (id, group_id, connection_id, relation_id, schema_name, table_name, replica_id_columns)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, t.ID, b.id, args.ConnectionID, int64(args.RelationID), args.Schema, args.Name, colsJSON); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (b *bucketStore) MarkPendingResnapshot(ctx context.Context, tableID string) error {
	tag, err := b.s.pool.Exec(ctx,
		`UPDATE source_tables SET pending_resnapshot = true WHERE group_id = $1 AND id = $2`,
		b.id, tableID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("unknown source table %s", tableID)
	}
	return nil
}

func (b *bucketStore) CurrentData(ctx context.Context, tableID, key string) (*storage.CurrentDataEntry, error) {
	var e storage.CurrentDataEntry
	var bucketsJSON, lookupsJSON []byte
	err := b.s.pool.QueryRow(ctx, `
		SELECT data, buckets, lookups
		FROM current_data
		WHERE group_id = $1 AND source_table = $2 AND source_key = $3
	`, b.id, tableID, key).Scan(&e.Data, &bucketsJSON, &lookupsJSON)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := decodeEntryRefs(&e, bucketsJSON, lookupsJSON); err != nil {
		return nil, err
	}
	return &e, nil
}

func (b *bucketStore) CurrentDataForTable(ctx context.Context, tableID, afterKey string, limit int) ([]storage.KeyedCurrentData, error) {
	sql := `
		SELECT source_key, data, buckets, lookups
		FROM current_data
		WHERE group_id = $1 AND source_table = $2 AND source_key > $3
		ORDER BY source_key`
	args := []any{b.id, tableID, afterKey}
	if limit > 0 {
		sql += ` LIMIT $4`
		args = append(args, limit)
	}
	rows, err := b.s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.KeyedCurrentData
	for rows.Next() {
		var kd storage.KeyedCurrentData
		var e storage.CurrentDataEntry
		var bucketsJSON, lookupsJSON []byte
		if err := rows.Scan(&kd.Key, &e.Data, &bucketsJSON, &lookupsJSON); err != nil {
			return nil, err
		}
		if err := decodeEntryRefs(&e, bucketsJSON, lookupsJSON); err != nil {
			return nil, err
		}
		kd.Entry = &e
		out = append(out, kd)
	}
	return out, rows.Err()
}

func (b *bucketStore) Flush(ctx context.Context, set storage.FlushSet) (oplog.OpID, error) {
	s := b.s
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)
	if _, err := versionState(ctx, tx, b.id); err != nil {
		return 0, err
	}

	// Ops draw their ids before parameter entries, so both interleave into
	// the same global order the in-memory store produces.
	need := len(set.Ops) + len(set.Parameters)
	var ids []int64
	if need > 0 {
		rows, err := tx.Query(ctx, `SELECT nextval('op_id_seq') FROM generate_series(1, $1)`, need)
		if err != nil {
			return 0, err
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return 0, err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return 0, err
		}
		if len(ids) != need {
			return 0, errcode.Assertionf("op id sequence returned %d ids, want %d", len(ids), need)
		}
	}

	batch := &pgx.Batch{}
	for i, op := range set.Ops {
		batch.Queue(`
			INSERT INTO bucket_data (group_id, bucket, op_id, op, object_type, object_id, subkey, data, checksum)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, b.id, op.Bucket, ids[i], string(op.Kind), op.ObjectType, op.ObjectID, op.Subkey, []byte(op.Data), int64(op.Checksum))
	}
	for _, w := range set.CurrentData {
		if w.Entry == nil {
			batch.Queue(
				`DELETE FROM current_data WHERE group_id = $1 AND source_table = $2 AND source_key = $3`,
				b.id, w.TableID, w.Key)
			continue
		}
		bucketsJSON, lookupsJSON, err := encodeEntryRefs(w.Entry)
		if err != nil {
			return 0, err
		}
		batch.Queue(`
			INSERT INTO current_data (group_id, source_table, source_key, data, buckets, lookups)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (group_id, source_table, source_key) DO UPDATE SET
				data    = EXCLUDED.data,
				buckets = EXCLUDED.buckets,
				lookups = EXCLUDED.lookups
		`, b.id, w.TableID, w.Key, w.Entry.Data, bucketsJSON, lookupsJSON)
	}
	for j, p := range set.Parameters {
		setsJSON, err := encodeParameterSets(p.Sets)
		if err != nil {
			return 0, err
		}
		batch.Queue(`
			INSERT INTO bucket_parameters (group_id, id, lookup, source_table, source_key, bucket_parameters)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, b.id, ids[len(set.Ops)+j], string(p.Lookup), p.TableID, p.Key, setsJSON)
	}

	if batch.Len() > 0 {
		br := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return 0, err
			}
		}
		if err := br.Close(); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	if need == 0 {
		return 0, nil
	}
	return oplog.OpID(ids[need-1]), nil
}

func (b *bucketStore) CommitCheckpoint(ctx context.Context, lsn string, summary storage.UpdateSummary) (storage.Checkpoint, error) {
	s := b.s
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storage.Checkpoint{}, err
	}
	defer tx.Rollback(ctx)
	if _, err := versionState(ctx, tx, b.id); err != nil {
		return storage.Checkpoint{}, err
	}

	// The writer is the only id consumer, so the sequence high-water mark is
	// exactly the last op it flushed.
	var lastValue int64
	var isCalled bool
	if err := tx.QueryRow(ctx, `SELECT last_value, is_called FROM op_id_seq`).Scan(&lastValue, &isCalled); err != nil {
		return storage.Checkpoint{}, err
	}
	var lastID oplog.OpID
	if isCalled {
		lastID = oplog.OpID(lastValue)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE sync_rules
		SET last_checkpoint = $2, last_checkpoint_lsn = $3, snapshot_done = true, updated_at = now()
		WHERE id = $1
	`, b.id, int64(lastID), lsn); err != nil {
		return storage.Checkpoint{}, err
	}
	if err := advanceHeadLSN(ctx, tx, lsn); err != nil {
		return storage.Checkpoint{}, err
	}

	update := storage.CheckpointUpdate{
		Version:        b.id,
		Checkpoint:     lastID,
		LSN:            lsn,
		Invalidate:     summary.Invalidate,
		UpdatedBuckets: summary.Buckets,
		UpdatedLookups: summary.Lookups,
	}
	payload, err := json.Marshal(update)
	if err != nil {
		return storage.Checkpoint{}, err
	}
	if len(payload) > maxNotifyPayload {
		payload, err = json.Marshal(storage.CheckpointUpdate{
			Version:    b.id,
			Checkpoint: lastID,
			LSN:        lsn,
			Invalidate: true,
		})
		if err != nil {
			return storage.Checkpoint{}, err
		}
	}
	// pg_notify delivers on commit, so watchers only ever see committed
	// checkpoints.
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, checkpointChannel, string(payload)); err != nil {
		return storage.Checkpoint{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return storage.Checkpoint{}, err
	}
	return storage.Checkpoint{LastOpID: lastID, LSN: lsn}, nil
}

func (b *bucketStore) SetNoCheckpointBefore(ctx context.Context, lsn string) error {
	if _, err := versionState(ctx, b.s.pool, b.id); err != nil {
		return err
	}
	_, err := b.s.pool.Exec(ctx,
		`UPDATE sync_rules SET no_checkpoint_before = $2 WHERE id = $1`, b.id, lsn)
	return err
}

func (b *bucketStore) RecordHeadLSN(ctx context.Context, lsn string) error {
	tx, err := b.s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := advanceHeadLSN(ctx, tx, lsn); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// advanceHeadLSN moves the replication head forward, never backward. LSN
// comparison lives in Go because adapters may use non-Postgres encodings.
func advanceHeadLSN(ctx context.Context, tx pgx.Tx, lsn string) error {
	var cur string
	if err := tx.QueryRow(ctx, `SELECT lsn FROM replication_head FOR UPDATE`).Scan(&cur); err != nil {
		return err
	}
	if storage.CompareLSN(lsn, cur) <= 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `UPDATE replication_head SET lsn = $1`, lsn)
	return err
}

func (b *bucketStore) Activate(ctx context.Context) error {
	s := b.s
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var state string
	err = tx.QueryRow(ctx, `SELECT state FROM sync_rules WHERE id = $1 FOR UPDATE`, b.id).Scan(&state)
	if err == pgx.ErrNoRows {
		return fmt.Errorf("unknown sync rules version %d", b.id)
	}
	if err != nil {
		return err
	}
	switch rules.State(state) {
	case rules.StateActive:
		return nil
	case rules.StateProcessing:
	default:
		return fmt.Errorf("cannot activate sync rules version %d in state %s", b.id, state)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE sync_rules SET state = $2, updated_at = now()
		WHERE id <> $1 AND state = ANY($3)
	`, b.id, string(rules.StateStopped), []string{string(rules.StateActive), string(rules.StateErrored)}); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE sync_rules SET state = $2, updated_at = now() WHERE id = $1`,
		b.id, string(rules.StateActive)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.log.Info().Int32("version", b.id).Msg("activated sync rules version")
	return nil
}

func (b *bucketStore) State(ctx context.Context) (storage.Checkpoint, bool, error) {
	var state, lsn string
	var lastCheckpoint int64
	err := b.s.pool.QueryRow(ctx,
		`SELECT state, last_checkpoint, last_checkpoint_lsn FROM sync_rules WHERE id = $1`,
		b.id).Scan(&state, &lastCheckpoint, &lsn)
	if err == pgx.ErrNoRows {
		return storage.Checkpoint{}, false, fmt.Errorf("unknown sync rules version %d", b.id)
	}
	if err != nil {
		return storage.Checkpoint{}, false, err
	}
	if rules.State(state) == rules.StateTerminated {
		return storage.Checkpoint{}, false, fmt.Errorf("sync rules version %d is terminated", b.id)
	}
	if lsn == "" {
		return storage.Checkpoint{}, false, nil
	}
	return storage.Checkpoint{LastOpID: oplog.OpID(lastCheckpoint), LSN: lsn}, true, nil
}

func (b *bucketStore) BucketDataBatch(ctx context.Context, checkpoint oplog.OpID, positions []storage.BucketPosition, opts storage.ScanOptions) ([]storage.OpBatch, error) {
	if opts.MaxOps <= 0 {
		opts.MaxOps = storage.DefaultScanOptions.MaxOps
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = storage.DefaultScanOptions.MaxBytes
	}

	var out []storage.OpBatch
	totalOps := 0
	var totalBytes int64
	for _, pos := range positions {
		if totalOps >= opts.MaxOps || totalBytes >= opts.MaxBytes {
			break
		}
		batch, err := b.scanBucket(ctx, checkpoint, pos, opts, &totalOps, &totalBytes)
		if err != nil {
			return nil, err
		}
		if batch != nil {
			out = append(out, *batch)
		}
	}
	return out, nil
}

func (b *bucketStore) scanBucket(ctx context.Context, checkpoint oplog.OpID, pos storage.BucketPosition, opts storage.ScanOptions, totalOps *int, totalBytes *int64) (*storage.OpBatch, error) {
	// No checkpoint filter in SQL: the first op past the position must be
	// seen even beyond the checkpoint, to detect a compaction clear there.
	// One row above the op budget detects has-more.
	rows, err := b.s.pool.Query(ctx, `
		SELECT op_id, op, object_type, object_id, subkey, data, checksum, target_op
		FROM bucket_data
		WHERE group_id = $1 AND bucket = $2 AND op_id > $3
		ORDER BY op_id
		LIMIT $4
	`, b.id, pos.Bucket, int64(pos.After), opts.MaxOps-*totalOps+1)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batch := storage.OpBatch{Bucket: pos.Bucket, After: pos.After, NextAfter: pos.After}
	first := true
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		if first && op.Kind == oplog.KindClear && op.ID > checkpoint {
			// Compaction replaced everything below this clear; syncing the
			// requested checkpoint from this position would skip it. Report
			// the clear as a target so the caller invalidates and waits for
			// a checkpoint that includes it.
			return &storage.OpBatch{
				Bucket:    pos.Bucket,
				After:     pos.After,
				NextAfter: pos.After,
				TargetOp:  op.ID,
			}, nil
		}
		first = false
		if op.ID > checkpoint {
			break
		}
		if *totalOps >= opts.MaxOps || (*totalBytes >= opts.MaxBytes && *totalOps > 0) {
			batch.HasMore = true
			break
		}
		batch.Ops = append(batch.Ops, op)
		batch.NextAfter = op.ID
		if op.TargetOp > batch.TargetOp {
			batch.TargetOp = op.TargetOp
		}
		*totalOps++
		*totalBytes += op.ByteSize()
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(batch.Ops) > 0 || batch.HasMore {
		return &batch, nil
	}
	return nil, nil
}

func scanOp(row rowScanner) (oplog.Op, error) {
	var op oplog.Op
	var id, checksum, targetOp int64
	var kind string
	var data []byte
	if err := row.Scan(&id, &kind, &op.ObjectType, &op.ObjectID, &op.Subkey, &data, &checksum, &targetOp); err != nil {
		return oplog.Op{}, err
	}
	op.ID = oplog.OpID(id)
	op.Kind = oplog.Kind(kind)
	if len(data) > 0 {
		op.Data = json.RawMessage(data)
	}
	op.Checksum = oplog.Checksum(uint32(checksum))
	op.TargetOp = oplog.OpID(targetOp)
	return op, nil
}

func (b *bucketStore) SumChecksums(ctx context.Context, reqs []storage.ChecksumRequest) (map[string]oplog.PartialChecksum, error) {
	res := make(map[string]oplog.PartialChecksum, len(reqs))
	if len(reqs) == 0 {
		return res, nil
	}
	batch := &pgx.Batch{}
	for _, req := range reqs {
		batch.Queue(`
			SELECT coalesce(sum(checksum), 0)::bigint, count(*), coalesce(bool_or(op = 'CLEAR'), false)
			FROM bucket_data
			WHERE group_id = $1 AND bucket = $2 AND op_id > $3 AND op_id <= $4
		`, b.id, req.Bucket, int64(req.Start), int64(req.End))
	}
	br := b.s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for _, req := range reqs {
		var sum, count int64
		var hasClear bool
		if err := br.QueryRow().Scan(&sum, &count, &hasClear); err != nil {
			return nil, fmt.Errorf("sum checksums of bucket %s: %w", req.Bucket, err)
		}
		res[req.Bucket] = oplog.PartialChecksum{
			// Stored units are < 2^32 each; the wrapped 32-bit sum is the
			// low word of the exact sum.
			Checksum: oplog.Checksum(uint32(uint64(sum))),
			Count:    count,
			HasClear: hasClear,
		}
	}
	return res, nil
}

func (b *bucketStore) QueryParameterSets(ctx context.Context, checkpoint oplog.OpID, lookups []rules.LookupKey, limit int) ([]rules.ParameterSet, error) {
	if len(lookups) == 0 {
		return nil, nil
	}
	wanted := make([]string, len(lookups))
	for i, l := range lookups {
		wanted[i] = string(l)
	}
	// Newest entry at or below the checkpoint per (lookup, table, key) slot;
	// later entries shadow earlier ones, empty sets tombstone the slot.
	rows, err := b.s.pool.Query(ctx, `
		SELECT DISTINCT ON (lookup, source_table, source_key) bucket_parameters
		FROM bucket_parameters
		WHERE group_id = $1 AND lookup = ANY($2) AND id <= $3
		ORDER BY lookup, source_table, source_key, id DESC
	`, b.id, wanted, int64(checkpoint))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	setsByKey := make(map[string]rules.ParameterSet)
	var keys []string
	for rows.Next() {
		var setsJSON []byte
		if err := rows.Scan(&setsJSON); err != nil {
			return nil, err
		}
		var sets []rules.ParameterSet
		if err := json.Unmarshal(setsJSON, &sets); err != nil {
			return nil, fmt.Errorf("decode parameter sets: %w", err)
		}
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
	if err := rows.Err(); err != nil {
		return nil, err
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
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := versionState(ctx, tx, b.id); err != nil {
		return err
	}

	for _, stmt := range []string{
		`DELETE FROM bucket_data WHERE group_id = $1`,
		`DELETE FROM bucket_parameters WHERE group_id = $1`,
		`DELETE FROM current_data WHERE group_id = $1`,
		`DELETE FROM source_tables WHERE group_id = $1`,
	} {
		if _, err := tx.Exec(ctx, stmt, b.id); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `
		UPDATE sync_rules
		SET state = $2, last_checkpoint = 0, last_checkpoint_lsn = '',
			no_checkpoint_before = '', snapshot_done = false, updated_at = now()
		WHERE id = $1
	`, b.id, string(rules.StateProcessing)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.log.Warn().Int32("version", b.id).Msg("restarting replication, replicated data dropped")
	return nil
}

func (b *bucketStore) Terminate(ctx context.Context) error {
	s := b.s
	var state string
	err := s.pool.QueryRow(ctx, `SELECT state FROM sync_rules WHERE id = $1`, b.id).Scan(&state)
	if err == pgx.ErrNoRows {
		return fmt.Errorf("unknown sync rules version %d", b.id)
	}
	if err != nil {
		return err
	}
	if rules.State(state) == rules.StateTerminated {
		return nil
	}
	return s.wipe(ctx, b.id)
}

func encodeEntryRefs(e *storage.CurrentDataEntry) (bucketsJSON, lookupsJSON []byte, err error) {
	bucketsJSON, err = json.Marshal(e.Buckets)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal bucket refs: %w", err)
	}
	lookupsJSON, err = json.Marshal(e.Lookups)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal lookups: %w", err)
	}
	return bucketsJSON, lookupsJSON, nil
}

func decodeEntryRefs(e *storage.CurrentDataEntry, bucketsJSON, lookupsJSON []byte) error {
	if err := json.Unmarshal(bucketsJSON, &e.Buckets); err != nil {
		return fmt.Errorf("decode bucket refs: %w", err)
	}
	if err := json.Unmarshal(lookupsJSON, &e.Lookups); err != nil {
		return fmt.Errorf("decode lookups: %w", err)
	}
	return nil
}

// encodeParameterSets normalizes nil to an empty array so tombstones stay
// distinguishable from absent rows.
func encodeParameterSets(sets []rules.ParameterSet) ([]byte, error) {
	if len(sets) == 0 {
		return []byte(`[]`), nil
	}
	b, err := json.Marshal(sets)
	if err != nil {
		return nil, fmt.Errorf("marshal parameter sets: %w", err)
	}
	return b, nil
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
