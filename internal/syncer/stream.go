package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/erauner12/bucketsync/internal/errcode"
	"github.com/erauner12/bucketsync/internal/metrics"
	"github.com/erauner12/bucketsync/internal/oplog"
	"github.com/erauner12/bucketsync/internal/storage"
	"github.com/erauner12/bucketsync/internal/watch"
	"github.com/erauner12/bucketsync/internal/wire"
)

// stream is the per-connection orchestrator.
type stream struct {
	syncer  *Syncer
	log     zerolog.Logger
	buckets storage.BucketStorage
	version int32
	codec   wire.Codec
	sink    Sink
	session *Session
	src     *updateSource
}

func (st *stream) run(ctx context.Context) error {
	for {
		u, err := st.src.Next(ctx)
		if err != nil {
			return streamTerminal(ctx, err)
		}
		if u.Version != st.version {
			st.log.Info().Int32("new_version", u.Version).
				Msg("sync rules version superseded, closing stream")
			return errcode.New(errcode.CodeStreamClosed, "sync rules changed").
				WithHint("reconnect to resume against the new sync rules")
		}

		plan, err := st.session.Plan(ctx, u)
		if err != nil {
			return err
		}
		if plan == nil {
			continue
		}
		st.log.Debug().
			Stringer("checkpoint", plan.Checkpoint).
			Str("lsn", plan.LSN).
			Int("groups", len(plan.Groups)).
			Msg("checkpoint line")
		if err := st.emit(ctx, plan.Line); err != nil {
			return streamTerminal(ctx, err)
		}
		if err := st.runPlan(ctx, plan); err != nil {
			return streamTerminal(ctx, err)
		}

		// Yield between checkpoints so a rapid commit feed cannot pin the
		// scheduler on one connection.
		select {
		case <-time.After(st.syncer.opts.Yield):
		case <-ctx.Done():
			return nil
		}
	}
}

// runPlan streams one checkpoint's data groups and finishes with the
// completion lines the client applies on. A checkpoint arriving mid-batch
// preempts remaining groups; a CLEAR past the checkpoint invalidates it
// and suppresses completion so the next line supersedes cleanly.
func (st *stream) runPlan(ctx context.Context, plan *CheckpointPlan) error {
	batchCtx, cancelBatch := context.WithCancel(ctx)
	defer cancelBatch()

	synced := 0
	invalidated := false
	var race chan struct{}

	for i, group := range plan.Groups {
		if batchCtx.Err() != nil {
			break
		}
		n, inv, done, err := st.streamGroup(ctx, batchCtx, plan.Checkpoint, group)
		synced += n
		invalidated = invalidated || inv
		if err != nil {
			return err
		}
		if !done {
			break
		}
		last := i == len(plan.Groups)-1
		if !last && !invalidated {
			line := &wire.PartialCheckpointCompleteLine{Partial: wire.PartialCheckpointComplete{
				LastOpID: plan.Checkpoint,
				Priority: group.Priority,
			}}
			if err := st.emit(ctx, line); err != nil {
				return err
			}
		}
		if race == nil && !last && synced >= st.syncer.opts.PreemptAfterOps {
			race = st.raceNextCheckpoint(batchCtx, cancelBatch)
		}
	}

	preempted := batchCtx.Err() != nil && ctx.Err() == nil
	cancelBatch()
	if race != nil {
		<-race
	}
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case preempted:
		st.log.Debug().Stringer("checkpoint", plan.Checkpoint).Int("synced_ops", synced).
			Msg("batch preempted by newer checkpoint")
		return nil
	case invalidated:
		// The checkpoint references compacted-away data. No completion line;
		// the next checkpoint line carries corrected checksums.
		st.log.Debug().Stringer("checkpoint", plan.Checkpoint).
			Msg("checkpoint invalidated by concurrent compaction")
		return nil
	default:
		return st.emit(ctx, &wire.CheckpointCompleteLine{Complete: wire.CheckpointComplete{
			LastOpID: plan.Checkpoint,
		}})
	}
}

// streamGroup drains one priority group to the checkpoint. It returns
// without error when the batch context is canceled mid-way; done reports
// whether every bucket reached the checkpoint. Scan slots are held only
// around storage reads, never across network writes.
func (st *stream) streamGroup(ctx, batchCtx context.Context, checkpoint oplog.OpID, group PriorityGroup) (synced int, invalidated, done bool, err error) {
	active := append([]storage.BucketPosition(nil), group.Buckets...)
	for len(active) > 0 {
		if batchCtx.Err() != nil {
			return synced, invalidated, false, nil
		}
		batches, err := st.fetch(batchCtx, checkpoint, active)
		if err != nil {
			if batchCtx.Err() != nil && ctx.Err() == nil {
				return synced, invalidated, false, nil
			}
			return synced, invalidated, false, err
		}
		if len(batches) == 0 {
			break
		}

		progress := make(map[string]storage.OpBatch, len(batches))
		for _, b := range batches {
			if b.TargetOp > checkpoint {
				invalidated = true
			}
			if len(b.Ops) > 0 {
				n, err := st.emitData(ctx, b)
				if err != nil {
					return synced, invalidated, false, err
				}
				synced += n
			}
			st.session.Advance(b.Bucket, b.NextAfter, b.HasMore)
			progress[b.Bucket] = b
			if batchCtx.Err() != nil {
				// Positions are already advanced, so the superseding
				// checkpoint resumes exactly where this one stopped.
				return synced, invalidated, false, nil
			}
		}

		next := active[:0]
		for _, pos := range active {
			b, ok := progress[pos.Bucket]
			if !ok {
				// Not reached this round; the scan caps ops per call.
				next = append(next, pos)
				continue
			}
			if b.HasMore {
				next = append(next, storage.BucketPosition{Bucket: pos.Bucket, After: b.NextAfter})
			}
		}
		active = next
	}
	return synced, invalidated, true, nil
}

func (st *stream) fetch(ctx context.Context, checkpoint oplog.OpID, positions []storage.BucketPosition) ([]storage.OpBatch, error) {
	release, err := st.syncer.gate.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return st.buckets.BucketDataBatch(ctx, checkpoint, positions, st.syncer.opts.Scan)
}

// emitData encodes and sends one data frame, flushing large frames so
// buffered memory stays bounded under backpressure.
func (st *stream) emitData(ctx context.Context, b storage.OpBatch) (int, error) {
	line := st.codec.DataLine(b.Bucket, b.After, b.NextAfter, b.HasMore, b.Ops)
	frame, err := st.codec.Marshal(line)
	if err != nil {
		return 0, err
	}
	if err := st.sink.Line(ctx, frame); err != nil {
		return 0, err
	}
	metrics.DataSynced.Add(float64(len(frame)))
	if len(frame) >= st.syncer.opts.FlushHintBytes {
		if err := st.sink.Flush(ctx); err != nil {
			return 0, err
		}
	}
	return len(b.Ops), nil
}

// emit sends one control line and flushes, so checkpoints and completions
// reach the client immediately.
func (st *stream) emit(ctx context.Context, line any) error {
	frame, err := st.codec.Marshal(line)
	if err != nil {
		return err
	}
	if err := st.sink.Line(ctx, frame); err != nil {
		return err
	}
	return st.sink.Flush(ctx)
}

// raceNextCheckpoint watches for a newer checkpoint while low-priority data
// streams. An arrival is stashed for the main loop and cancels the rest of
// the running batch.
func (st *stream) raceNextCheckpoint(batchCtx context.Context, cancel context.CancelFunc) chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		u, err := st.src.Next(batchCtx)
		if err != nil {
			return
		}
		st.src.stash(u)
		cancel()
	}()
	return done
}

// streamTerminal classifies an error ending the stream. A dead connection
// context is a clean stop: the client went away, the server is shutting
// down, or the token reached expiry. A closed feed asks for a reconnect.
func streamTerminal(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return nil
	case errors.Is(err, watch.ErrUpstreamClosed), errors.Is(err, watch.ErrMailboxClosed):
		return errcode.New(errcode.CodeStreamClosed, "checkpoint feed closed").
			WithHint("reconnect to resume")
	default:
		return err
	}
}

// updateSource serializes checkpoint updates from the subscription, with a
// one-deep stash for an update claimed by the preemption race. Next and
// stash are never called concurrently with each other's subscription read;
// the orchestrator joins the racer before consuming again.
type updateSource struct {
	sub *watch.Subscription[storage.CheckpointUpdate]

	mu      sync.Mutex
	stashed *storage.CheckpointUpdate
}

func (s *updateSource) Next(ctx context.Context) (storage.CheckpointUpdate, error) {
	s.mu.Lock()
	if u := s.stashed; u != nil {
		s.stashed = nil
		s.mu.Unlock()
		return *u, nil
	}
	s.mu.Unlock()
	return s.sub.Next(ctx)
}

func (s *updateSource) stash(u storage.CheckpointUpdate) {
	s.mu.Lock()
	s.stashed = &u
	s.mu.Unlock()
}
