package memstore

import (
	"context"

	"github.com/erauner12/bucketsync/internal/oplog"
)

type opKey struct {
	objectType string
	objectID   string
	subkey     string
}

// CompactBucket shrinks a bucket's history without changing its aggregate
// checksum at any checkpoint. Superseded PUT and REMOVE ops become empty
// MOVE ops under their original ids, and the leading run of MOVE/REMOVE ops
// collapses into one CLEAR carrying their summed checksum. A client that
// hits the CLEAR discards its copy of the bucket and rebuilds it from the
// remaining ops, so nothing in the absorbed run needs to survive.
func (b *bucketStore) CompactBucket(ctx context.Context, bucket string) error {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()
	vs, err := s.versionLocked(b.id)
	if err != nil {
		return err
	}
	ops := vs.buckets[bucket]
	if len(ops) == 0 {
		return nil
	}
	// Newest to oldest: any PUT or REMOVE with a later op for the same
	// object carries no state a client still needs.
	seen := make(map[opKey]struct{})
	moved := 0
	for i := len(ops) - 1; i >= 0; i-- {
		op := &ops[i]
		if op.Kind != oplog.KindPut && op.Kind != oplog.KindRemove {
			continue
		}
		k := opKey{op.ObjectType, op.ObjectID, op.Subkey}
		if _, dup := seen[k]; dup {
			op.Kind = oplog.KindMove
			op.ObjectType = ""
			op.ObjectID = ""
			op.Subkey = ""
			op.Data = nil
			moved++
		} else {
			seen[k] = struct{}{}
		}
	}
	run := 0
	for run < len(ops) {
		switch ops[run].Kind {
		case oplog.KindMove, oplog.KindRemove, oplog.KindClear:
			run++
			continue
		}
		break
	}
	if run >= 2 {
		var sum oplog.Checksum
		for i := 0; i < run; i++ {
			sum = oplog.AddChecksums(sum, ops[i].Checksum)
		}
		clearOp := oplog.Op{
			ID:       ops[run-1].ID,
			Kind:     oplog.KindClear,
			Checksum: sum,
			TargetOp: ops[run-1].ID,
		}
		ops = append([]oplog.Op{clearOp}, ops[run:]...)
	}
	vs.buckets[bucket] = ops
	if moved > 0 || run >= 2 {
		s.log.Debug().Str("bucket", bucket).Int("superseded", moved).Msg("compacted bucket")
	}
	return nil
}
