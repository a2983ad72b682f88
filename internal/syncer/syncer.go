// Package syncer runs sync streams: long-lived connections that follow the
// replicated op log checkpoint by checkpoint. Each connection resolves the
// buckets its token may see, announces checkpoints as checksum lines, streams
// bucket data in priority order, and confirms with completion lines the
// client uses to apply changes atomically.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/erauner12/bucketsync/internal/checksum"
	"github.com/erauner12/bucketsync/internal/errcode"
	"github.com/erauner12/bucketsync/internal/metrics"
	"github.com/erauner12/bucketsync/internal/rules"
	"github.com/erauner12/bucketsync/internal/storage"
	"github.com/erauner12/bucketsync/internal/wire"
)

// Defaults for zero Options fields.
const (
	DefaultMaxBuckets          = 1000
	DefaultMaxParameterResults = 1000
	DefaultPreemptAfterOps     = 1000
	DefaultGateSlots           = 10
	DefaultGateTimeout         = 30 * time.Second
	DefaultFlushHintBytes      = 50 << 10
	DefaultYield               = 10 * time.Millisecond
)

// Options bound the shared sync machinery. Zero fields take the defaults
// above; Scan passes through to storage, which applies its own defaults.
type Options struct {
	// MaxBuckets caps how many buckets one connection may need to download
	// for a single checkpoint line.
	MaxBuckets int
	// MaxParameterResults caps the parameter sets one lookup may resolve.
	MaxParameterResults int
	// PreemptAfterOps is the op count after which a checkpoint batch starts
	// racing the next checkpoint, so large low-priority downloads restart
	// against fresh data instead of finishing stale.
	PreemptAfterOps int
	// GateSlots and GateTimeout bound concurrent op-log scans process-wide.
	GateSlots   int64
	GateTimeout time.Duration
	// Scan bounds each storage scan round.
	Scan storage.ScanOptions
	// FlushHintBytes forces a transport flush after any frame at least this
	// large, bounding buffered memory per connection.
	FlushHintBytes int
	// ChecksumCacheSize is the per-version checksum cache capacity.
	ChecksumCacheSize int
	// Yield is the pause between checkpoint iterations so a rapid commit
	// feed cannot hot-spin one connection.
	Yield time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxBuckets <= 0 {
		o.MaxBuckets = DefaultMaxBuckets
	}
	if o.MaxParameterResults <= 0 {
		o.MaxParameterResults = DefaultMaxParameterResults
	}
	if o.PreemptAfterOps <= 0 {
		o.PreemptAfterOps = DefaultPreemptAfterOps
	}
	if o.GateSlots <= 0 {
		o.GateSlots = DefaultGateSlots
	}
	if o.GateTimeout <= 0 {
		o.GateTimeout = DefaultGateTimeout
	}
	if o.FlushHintBytes <= 0 {
		o.FlushHintBytes = DefaultFlushHintBytes
	}
	if o.Yield <= 0 {
		o.Yield = DefaultYield
	}
	return o
}

// Sink receives encoded frames from a stream. Line hands over one complete
// frame in transport framing; Flush pushes anything buffered to the client.
// The orchestrator flushes after every control line and after data frames
// crossing the flush hint size.
type Sink interface {
	Line(ctx context.Context, frame []byte) error
	Flush(ctx context.Context) error
}

// Conn is one authenticated stream request.
type Conn struct {
	UserID string
	// Parameters are the token's custom sync parameters.
	Parameters map[string]any
	// ExpiresAt bounds the stream lifetime, normally the token expiry minus
	// a refresh margin. Zero means unbounded.
	ExpiresAt time.Time
	Request   *wire.StreamRequest
	Sink      Sink
}

// Syncer owns what sync streams share: the checkpoint feed, the global scan
// gate and one checksum cache per sync rules version.
type Syncer struct {
	log   zerolog.Logger
	store storage.Store
	opts  Options
	feed  *Feed
	gate  *Gate

	mu     sync.Mutex
	caches map[int32]*checksum.Cache
}

// New builds a syncer over the store.
func New(store storage.Store, opts Options, log zerolog.Logger) *Syncer {
	opts = opts.withDefaults()
	return &Syncer{
		log:    log.With().Str("component", "syncer").Logger(),
		store:  store,
		opts:   opts,
		feed:   NewFeed(store, log),
		gate:   NewGate(opts.GateSlots, opts.GateTimeout),
		caches: map[int32]*checksum.Cache{},
	}
}

// cacheFor returns the version's shared checksum cache, creating it on first
// use. Versions are few per process lifetime, so retired caches just age out
// with the process.
func (s *Syncer) cacheFor(bs storage.BucketStorage) *checksum.Cache {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.caches[bs.Group()]
	if c == nil {
		c = checksum.New(s.opts.ChecksumCacheSize, bs.SumChecksums, s.log)
		s.caches[bs.Group()] = c
	}
	return c
}

// Stream runs one sync connection until the context ends, the connection
// expires, or the sync rules version is superseded. A nil return is a clean
// end (client gone or token expired); any other error carries a code the
// transport reports to the client before closing.
func (s *Syncer) Stream(ctx context.Context, conn Conn) error {
	v, err := s.store.ActiveVersion(ctx)
	if err != nil {
		return err
	}
	if v == nil || v.Rules == nil {
		return errcode.New(errcode.CodeNoActiveSyncRules,
			"no active sync rules version to sync from")
	}
	if !conn.ExpiresAt.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, conn.ExpiresAt)
		defer cancel()
	}

	bs := s.store.Buckets(v)
	req := rules.RequestParameters{UserID: conn.UserID, Parameters: conn.Parameters}
	res, err := NewResolver(bs, v.Rules, req, s.opts.MaxParameterResults)
	if err != nil {
		return err
	}
	session := NewSession(SessionConfig{
		Resolver:   res,
		Cache:      s.cacheFor(bs),
		Store:      s.store,
		UserID:     conn.UserID,
		ClientID:   conn.Request.ClientID,
		MaxBuckets: s.opts.MaxBuckets,
		Positions:  conn.Request.Buckets,
	})

	sub, err := s.feed.Subscribe(ctx, v.ID)
	if err != nil {
		return err
	}
	defer sub.Cancel()

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	codec := wire.NewCodec(conn.Request)
	log := s.log.With().
		Str("user_id", conn.UserID).
		Str("client_id", conn.Request.ClientID).
		Int32("version", v.ID).
		Logger()
	log.Debug().
		Str("encoding", codec.Encoding().String()).
		Int("resume_buckets", len(conn.Request.Buckets)).
		Msg("sync stream opened")

	st := &stream{
		syncer:  s,
		log:     log,
		buckets: bs,
		version: v.ID,
		codec:   codec,
		sink:    conn.Sink,
		session: session,
		src:     &updateSource{sub: sub},
	}
	return st.run(ctx)
}
