package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/erauner12/bucketsync/internal/errcode"
	"github.com/erauner12/bucketsync/internal/rules"
	"github.com/erauner12/bucketsync/internal/storage"
	"github.com/erauner12/bucketsync/internal/watch"
)

func feedNext(t *testing.T, sub *watch.Subscription[storage.CheckpointUpdate]) storage.CheckpointUpdate {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	u, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return u
}

func TestFeedSynthesizesFirstValue(t *testing.T) {
	h := newSyncHarness(t, Options{})
	cp := h.seedInitial(t)

	feed := NewFeed(h.store, zerolog.Nop())
	sub, err := feed.Subscribe(context.Background(), h.version.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Cancel()

	u := feedNext(t, sub)
	if u.Version != h.version.ID || u.Checkpoint != cp.LastOpID || u.LSN != cp.LSN {
		t.Errorf("first value = %+v, want committed checkpoint %d at %s", u, cp.LastOpID, cp.LSN)
	}
	if !u.Invalidate {
		t.Error("first value must force a full resolution")
	}
}

func TestFeedDeliversCommits(t *testing.T) {
	h := newSyncHarness(t, Options{})
	h.seedInitial(t)

	feed := NewFeed(h.store, zerolog.Nop())
	sub, err := feed.Subscribe(context.Background(), h.version.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Cancel()
	feedNext(t, sub)

	cp2 := h.runTx(t, "0/20", put(h.ann, rules.Row{"id": "a2"}))
	u := feedNext(t, sub)
	if u.Checkpoint != cp2.LastOpID || u.Invalidate {
		t.Fatalf("update = %+v, want precise update at %d", u, cp2.LastOpID)
	}
	found := false
	for _, b := range u.UpdatedBuckets {
		if b == "global[]" {
			found = true
		}
	}
	if !found {
		t.Errorf("updated buckets = %v, want global[]", u.UpdatedBuckets)
	}
}

func TestFeedUnknownVersion(t *testing.T) {
	h := newSyncHarness(t, Options{})
	h.seedInitial(t)

	feed := NewFeed(h.store, zerolog.Nop())
	_, err := feed.Subscribe(context.Background(), 999)
	wantCode(t, err, errcode.CodeCheckpointNotFound)
}

func TestFeedVersionWithoutCheckpoint(t *testing.T) {
	h := newSyncHarness(t, Options{})
	// Deployed but never replicated: no committed checkpoint to start from.

	feed := NewFeed(h.store, zerolog.Nop())
	_, err := feed.Subscribe(context.Background(), h.version.ID)
	wantCode(t, err, errcode.CodeCheckpointNotFound)
}
