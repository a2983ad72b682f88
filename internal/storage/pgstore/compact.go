package pgstore

import (
	"context"

	"github.com/erauner12/bucketsync/internal/oplog"
)

type opKey struct {
	objectType string
	objectID   string
	subkey     string
}

// updateChunk bounds the id arrays handed to a single UPDATE.
const updateChunk = 500

// CompactBucket shrinks a bucket's history without changing its aggregate
// checksum at any checkpoint. Superseded PUT and REMOVE ops become empty
// MOVE ops under their original ids, and the leading run of MOVE/REMOVE ops
// collapses into one CLEAR carrying their summed checksum. A client that
// hits the CLEAR discards its copy of the bucket and rebuilds it from the
// remaining ops, so nothing in the absorbed run needs to survive.
func (b *bucketStore) CompactBucket(ctx context.Context, bucket string) error {
	s := b.s
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := versionState(ctx, tx, b.id); err != nil {
		return err
	}

	// Identity columns only; payloads stay on disk. Newest to oldest: any
	// PUT or REMOVE with a later op for the same object carries no state a
	// client still needs.
	rows, err := tx.Query(ctx, `
		SELECT op_id, op, object_type, object_id, subkey, checksum
		FROM bucket_data
		WHERE group_id = $1 AND bucket = $2
		ORDER BY op_id DESC
	`, b.id, bucket)
	if err != nil {
		return err
	}

	type opHead struct {
		id       int64
		kind     oplog.Kind
		checksum oplog.Checksum
	}
	var heads []opHead // newest first
	seen := make(map[opKey]struct{})
	var superseded []int64
	for rows.Next() {
		var h opHead
		var kind, objectType, objectID, subkey string
		var checksum int64
		if err := rows.Scan(&h.id, &kind, &objectType, &objectID, &subkey, &checksum); err != nil {
			rows.Close()
			return err
		}
		h.kind = oplog.Kind(kind)
		h.checksum = oplog.Checksum(uint32(checksum))
		if h.kind == oplog.KindPut || h.kind == oplog.KindRemove {
			k := opKey{objectType, objectID, subkey}
			if _, dup := seen[k]; dup {
				h.kind = oplog.KindMove
				superseded = append(superseded, h.id)
			} else {
				seen[k] = struct{}{}
			}
		}
		heads = append(heads, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(heads) == 0 {
		return nil
	}

	for start := 0; start < len(superseded); start += updateChunk {
		end := start + updateChunk
		if end > len(superseded) {
			end = len(superseded)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE bucket_data
			SET op = 'MOVE', object_type = '', object_id = '', subkey = '', data = NULL
			WHERE group_id = $1 AND bucket = $2 AND op_id = ANY($3)
		`, b.id, bucket, superseded[start:end]); err != nil {
			return err
		}
	}

	// Leading run in ascending order, including the MOVE rewrites above.
	run := 0
	for i := len(heads) - 1; i >= 0; i-- {
		switch heads[i].kind {
		case oplog.KindMove, oplog.KindRemove, oplog.KindClear:
			run++
			continue
		}
		break
	}
	if run >= 2 {
		var sum oplog.Checksum
		for i := 0; i < run; i++ {
			sum = oplog.AddChecksums(sum, heads[len(heads)-1-i].checksum)
		}
		clearID := heads[len(heads)-run].id
		if _, err := tx.Exec(ctx,
			`DELETE FROM bucket_data WHERE group_id = $1 AND bucket = $2 AND op_id <= $3`,
			b.id, bucket, clearID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO bucket_data (group_id, bucket, op_id, op, checksum, target_op)
			VALUES ($1, $2, $3, 'CLEAR', $4, $3)
		`, b.id, bucket, clearID, int64(sum)); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	if len(superseded) > 0 || run >= 2 {
		s.log.Debug().Str("bucket", bucket).Int("superseded", len(superseded)).Msg("compacted bucket")
	}
	return nil
}
