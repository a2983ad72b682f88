// Package watch implements the checkpoint fan-out machinery: a one-slot
// overwrite mailbox per subscriber and a keyed demultiplexer that shares one
// upstream subscription among all subscribers of a key.
package watch

import (
	"context"
	"errors"
	"sync"
)

// ErrMailboxClosed is returned by Receive once a closed mailbox has no
// pending value left.
var ErrMailboxClosed = errors.New("mailbox closed")

// Mailbox is a bounded-one slot for a single consumer. A producer putting
// into a full mailbox replaces the pending value; when a combine function is
// configured the replacement merges the unconsumed value into the new one,
// so summary-style payloads lose position but not information.
type Mailbox[T any] struct {
	combine func(old, next T) T

	mu     sync.Mutex
	value  T
	full   bool
	closed bool
	err    error
	signal chan struct{}
}

// NewMailbox creates a mailbox. combine may be nil for plain last-value-wins
// replacement.
func NewMailbox[T any](combine func(old, next T) T) *Mailbox[T] {
	return &Mailbox[T]{
		combine: combine,
		signal:  make(chan struct{}, 1),
	}
}

// Put stores a value, overwriting (or merging into) an unconsumed one.
// Puts after Close are dropped.
func (m *Mailbox[T]) Put(v T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.full && m.combine != nil {
		v = m.combine(m.value, v)
	}
	m.value = v
	m.full = true
	m.wake()
}

// PutIfEmpty stores a value only when no unconsumed value is pending. Used
// for synthesized initial values that must not clobber a live update that
// raced ahead of them.
func (m *Mailbox[T]) PutIfEmpty(v T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.full {
		return
	}
	m.value = v
	m.full = true
	m.wake()
}

// Close terminates the mailbox. A pending value is still delivered before
// Receive starts returning err (or ErrMailboxClosed when err is nil).
func (m *Mailbox[T]) Close(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	if err == nil {
		err = ErrMailboxClosed
	}
	m.err = err
	m.wake()
}

func (m *Mailbox[T]) wake() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Receive blocks until a value, closure, or context cancellation. Only one
// goroutine may call Receive.
func (m *Mailbox[T]) Receive(ctx context.Context) (T, error) {
	for {
		m.mu.Lock()
		if m.full {
			v := m.value
			var zero T
			m.value = zero
			m.full = false
			m.mu.Unlock()
			return v, nil
		}
		if m.closed {
			err := m.err
			m.mu.Unlock()
			var zero T
			return zero, err
		}
		m.mu.Unlock()

		select {
		case <-m.signal:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}
