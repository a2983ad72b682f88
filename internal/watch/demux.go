package watch

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// ErrUpstreamClosed reports that the upstream feed ended.
var ErrUpstreamClosed = errors.New("upstream subscription closed")

// Config wires a Demux to its upstream.
type Config[K comparable, T any] struct {
	// Upstream opens the shared feed for a key. It is called once per key
	// while at least one subscriber exists.
	Upstream func(ctx context.Context, key K) (<-chan T, error)
	// First synthesizes the initial value a new subscriber sees before the
	// live stream.
	First func(ctx context.Context, key K) (T, error)
	// Combine merges an unconsumed mailbox value into its replacement; nil
	// means plain overwrite.
	Combine func(old, next T) T
	Logger  zerolog.Logger
}

// Demux fans one upstream subscription per key out to any number of
// subscribers. The upstream starts with the first subscriber of its key and
// is torn down when the last one cancels; each subscriber owns a one-slot
// mailbox, so a slow consumer only ever delays itself.
type Demux[K comparable, T any] struct {
	cfg Config[K, T]

	mu   sync.Mutex
	keys map[K]*upstreamState[T]
}

type upstreamState[T any] struct {
	cancel context.CancelFunc
	subs   map[*Subscription[T]]struct{}
}

// Subscription is one subscriber's handle on a demultiplexed feed.
type Subscription[T any] struct {
	mb     *Mailbox[T]
	cancel func()
	once   sync.Once
}

// Next blocks for the next value. After the upstream ends or fails, it
// returns the terminal error (ErrUpstreamClosed for a clean end).
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	return s.mb.Receive(ctx)
}

// Cancel detaches the subscriber. Idempotent; never blocks on the consumer.
func (s *Subscription[T]) Cancel() {
	s.once.Do(s.cancel)
}

// NewDemux creates a demultiplexer.
func NewDemux[K comparable, T any](cfg Config[K, T]) *Demux[K, T] {
	return &Demux[K, T]{
		cfg:  cfg,
		keys: map[K]*upstreamState[T]{},
	}
}

// Subscribe attaches a subscriber to the key's feed, starting the upstream
// if this is the key's first subscriber. The subscriber's first value is
// synthesized via cfg.First unless a live update beats it to the mailbox.
func (d *Demux[K, T]) Subscribe(ctx context.Context, key K) (*Subscription[T], error) {
	d.mu.Lock()
	st := d.keys[key]
	if st == nil {
		upCtx, cancel := context.WithCancel(context.Background())
		st = &upstreamState[T]{cancel: cancel, subs: map[*Subscription[T]]struct{}{}}
		d.keys[key] = st
		go d.run(upCtx, key, st)
		d.cfg.Logger.Debug().Interface("key", key).Msg("checkpoint upstream started")
	}
	sub := &Subscription[T]{mb: NewMailbox(d.cfg.Combine)}
	sub.cancel = func() { d.unsubscribe(key, st, sub) }
	st.subs[sub] = struct{}{}
	d.mu.Unlock()

	first, err := d.cfg.First(ctx, key)
	if err != nil {
		sub.Cancel()
		return nil, err
	}
	sub.mb.PutIfEmpty(first)
	return sub, nil
}

func (d *Demux[K, T]) unsubscribe(key K, st *upstreamState[T], sub *Subscription[T]) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub.mb.Close(nil)
	delete(st.subs, sub)
	if len(st.subs) == 0 && d.keys[key] == st {
		st.cancel()
		delete(d.keys, key)
		d.cfg.Logger.Debug().Interface("key", key).Msg("checkpoint upstream torn down")
	}
}

func (d *Demux[K, T]) run(ctx context.Context, key K, st *upstreamState[T]) {
	ch, err := d.cfg.Upstream(ctx, key)
	if err != nil {
		d.fail(key, st, err)
		return
	}
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				d.fail(key, st, ErrUpstreamClosed)
				return
			}
			d.mu.Lock()
			for sub := range st.subs {
				sub.mb.Put(v)
			}
			d.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

// fail tears the key down and fans the terminal error out to every
// subscriber.
func (d *Demux[K, T]) fail(key K, st *upstreamState[T], err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !errors.Is(err, ErrUpstreamClosed) {
		d.cfg.Logger.Warn().Err(err).Interface("key", key).Msg("checkpoint upstream failed")
	}
	for sub := range st.subs {
		sub.mb.Close(err)
	}
	st.subs = map[*Subscription[T]]struct{}{}
	st.cancel()
	if d.keys[key] == st {
		delete(d.keys, key)
	}
}

// subscriberCount reports the live subscribers of a key; tests use it to
// verify lazy start and teardown.
func (d *Demux[K, T]) subscriberCount(key K) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.keys[key]
	if st == nil {
		return 0
	}
	return len(st.subs)
}
