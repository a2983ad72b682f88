package syncer

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/erauner12/bucketsync/internal/errcode"
)

// Gate bounds how many op-log scans run at once across every connection.
// Network writes happen outside the gate, so a slow client consuming a large
// batch does not hold a slot while it drains.
type Gate struct {
	sem     *semaphore.Weighted
	timeout time.Duration
}

// NewGate builds a gate with the given number of concurrent slots. Waiting
// longer than timeout for a slot fails the acquire with a coded error so the
// connection surfaces overload instead of queueing invisibly.
func NewGate(slots int64, timeout time.Duration) *Gate {
	if slots <= 0 {
		slots = DefaultGateSlots
	}
	if timeout <= 0 {
		timeout = DefaultGateTimeout
	}
	return &Gate{sem: semaphore.NewWeighted(slots), timeout: timeout}
}

// Acquire takes a scan slot, waiting up to the gate's timeout. The returned
// release is idempotent. A dead ctx yields ctx's error; a timeout with a live
// ctx yields SYNC_LOCK_TIMEOUT.
func (g *Gate) Acquire(ctx context.Context) (release func(), err error) {
	waitCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := g.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errcode.Newf(errcode.CodeSyncLockTimeout,
			"timed out after %s waiting for a sync scan slot", g.timeout)
	}
	var once sync.Once
	return func() { once.Do(func() { g.sem.Release(1) }) }, nil
}
