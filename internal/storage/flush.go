package storage

import (
	"context"
	"errors"
	"sync"
)

// ErrSerializerClosed is returned by Do after Close.
var ErrSerializerClosed = errors.New("flush serializer closed")

// FlushSerializer funnels batch writes through one goroutine so op id
// assignment stays strictly increasing even when several replication sources
// feed the same store. A dedicated writer loop receiving requests over a
// channel replaces a process-wide mutex: requests execute in arrival order
// and never interleave.
type FlushSerializer struct {
	requests chan serialRequest
	quit     chan struct{}
	once     sync.Once
}

type serialRequest struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// NewFlushSerializer starts the writer loop.
func NewFlushSerializer() *FlushSerializer {
	s := &FlushSerializer{
		requests: make(chan serialRequest),
		quit:     make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *FlushSerializer) loop() {
	for {
		select {
		case req := <-s.requests:
			if err := req.ctx.Err(); err != nil {
				req.done <- err
				continue
			}
			req.done <- req.fn(req.ctx)
		case <-s.quit:
			for {
				select {
				case req := <-s.requests:
					req.done <- ErrSerializerClosed
				default:
					return
				}
			}
		}
	}
}

// Do runs fn on the writer loop and returns its error. Once a request is
// accepted it runs to completion; ctx cancellation only prevents requests
// that have not started.
func (s *FlushSerializer) Do(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	select {
	case s.requests <- serialRequest{ctx: ctx, fn: fn, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrSerializerClosed
	}
	return <-done
}

// Close stops the writer loop. Pending requests fail with
// ErrSerializerClosed.
func (s *FlushSerializer) Close() {
	s.once.Do(func() { close(s.quit) })
}
