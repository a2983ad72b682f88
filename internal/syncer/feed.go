package syncer

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/erauner12/bucketsync/internal/errcode"
	"github.com/erauner12/bucketsync/internal/storage"
	"github.com/erauner12/bucketsync/internal/watch"
)

// Feed fans the store's checkpoint notifications out to sync connections.
// Connections subscribing to the same sync rules version share one upstream
// watch; each gets a one-slot mailbox merging unconsumed updates, so a slow
// client sees a coarser update instead of an unbounded backlog.
//
// The upstream is deliberately not filtered by version: an update carrying a
// different version reaches the subscriber, which is how a connection learns
// its version was superseded and tells the client to reconnect.
type Feed struct {
	store storage.Store
	demux *watch.Demux[int32, storage.CheckpointUpdate]
}

// NewFeed wires a feed over the store's checkpoint watch.
func NewFeed(store storage.Store, log zerolog.Logger) *Feed {
	f := &Feed{store: store}
	f.demux = watch.NewDemux(watch.Config[int32, storage.CheckpointUpdate]{
		Upstream: func(ctx context.Context, _ int32) (<-chan storage.CheckpointUpdate, error) {
			return store.WatchCheckpoints(ctx)
		},
		First:   f.first,
		Combine: storage.MergeUpdates,
		Logger:  log,
	})
	return f
}

// Subscribe attaches a connection to the version's checkpoint feed. The
// first value delivered is the version's current committed checkpoint with
// Invalidate set, forcing a full initial resolution.
func (f *Feed) Subscribe(ctx context.Context, version int32) (*watch.Subscription[storage.CheckpointUpdate], error) {
	return f.demux.Subscribe(ctx, version)
}

func (f *Feed) first(ctx context.Context, version int32) (storage.CheckpointUpdate, error) {
	versions, err := f.store.ListVersions(ctx)
	if err != nil {
		return storage.CheckpointUpdate{}, err
	}
	for _, v := range versions {
		if v.ID != version {
			continue
		}
		cp, ok, err := f.store.Buckets(v).State(ctx)
		if err != nil {
			return storage.CheckpointUpdate{}, err
		}
		if !ok {
			return storage.CheckpointUpdate{}, errcode.Newf(errcode.CodeCheckpointNotFound,
				"sync rules version %d has no committed checkpoint yet", version)
		}
		return storage.CheckpointUpdate{
			Version:    version,
			Checkpoint: cp.LastOpID,
			LSN:        cp.LSN,
			Invalidate: true,
		}, nil
	}
	return storage.CheckpointUpdate{}, errcode.Newf(errcode.CodeCheckpointNotFound,
		"sync rules version %d not found", version)
}
