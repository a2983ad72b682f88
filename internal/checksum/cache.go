// Package checksum caches bucket checksum aggregates across checkpoints.
//
// Computing a bucket's checksum walks its whole op log, so the cache keeps
// the aggregate at (bucket, checkpoint) keys and advances it incrementally:
// when a checkpoint moves forward, only the ops between the previous cached
// checkpoint and the new one are fetched and folded in. Compaction preserves
// per-range sums, which is what keeps old cache entries valid.
package checksum

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/groupcache/lru"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/erauner12/bucketsync/internal/metrics"
	"github.com/erauner12/bucketsync/internal/oplog"
	"github.com/erauner12/bucketsync/internal/storage"
)

// Fetcher computes checksum aggregates over op ranges, one request per
// bucket. Storage's SumChecksums satisfies it.
type Fetcher func(ctx context.Context, reqs []storage.ChecksumRequest) (map[string]oplog.PartialChecksum, error)

// DefaultCapacity bounds the entry count of a cache built by New when the
// caller passes no explicit capacity.
const DefaultCapacity = 10_000

// fetchConcurrency bounds parallel fetches for one lookup with many cold
// buckets, so a fresh connection cannot monopolize storage.
const fetchConcurrency = 10

type cacheKey struct {
	bucket string
	end    oplog.OpID
}

// Cache is a concurrency-safe checksum cache.
//
// Misses for the same (bucket, checkpoint) collapse into one fetch. A miss
// whose bucket has a cached aggregate at an older checkpoint, and no other
// fetch in flight for that bucket, extends it with a partial range fetch;
// anything else fetches the full range from zero, because extending a base
// that a concurrent fetch may be replacing is not worth the coordination.
type Cache struct {
	log   zerolog.Logger
	fetch Fetcher
	group singleflight.Group

	mu       sync.Mutex
	entries  *lru.Cache
	latest   map[string]oplog.OpID
	inflight map[string]int
}

// New builds a cache over fetch with the given entry capacity (0 means
// DefaultCapacity).
func New(capacity int, fetch Fetcher, log zerolog.Logger) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache{
		log:      log.With().Str("component", "checksum_cache").Logger(),
		fetch:    fetch,
		entries:  lru.New(capacity),
		latest:   make(map[string]oplog.OpID),
		inflight: make(map[string]int),
	}
	c.entries.OnEvicted = func(key lru.Key, _ any) {
		k := key.(cacheKey)
		if c.latest[k.bucket] == k.end {
			delete(c.latest, k.bucket)
		}
	}
	return c
}

// GetChecksums returns the aggregate checksum of each bucket over
// (0, checkpoint]. Buckets with no ops yield a zero aggregate.
func (c *Cache) GetChecksums(ctx context.Context, checkpoint oplog.OpID, buckets []string) (map[string]oplog.PartialChecksum, error) {
	out := make(map[string]oplog.PartialChecksum, len(buckets))

	var misses []string
	c.mu.Lock()
	for _, b := range buckets {
		if _, dup := out[b]; dup {
			continue
		}
		if v, ok := c.entries.Get(cacheKey{bucket: b, end: checkpoint}); ok {
			out[b] = v.(oplog.PartialChecksum)
		} else {
			out[b] = oplog.PartialChecksum{}
			misses = append(misses, b)
		}
	}
	c.mu.Unlock()
	metrics.ChecksumCache.WithLabelValues("hit").Add(float64(len(out) - len(misses)))
	metrics.ChecksumCache.WithLabelValues("miss").Add(float64(len(misses)))
	if len(misses) == 0 {
		return out, nil
	}

	var outMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for _, b := range misses {
		b := b // per-iteration copy; required for go < 1.22 loop semantics
		g.Go(func() error {
			pc, err := c.bucketChecksum(gctx, b, checkpoint)
			if err != nil {
				return fmt.Errorf("checksum for bucket %s: %w", b, err)
			}
			outMu.Lock()
			out[b] = pc
			outMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// bucketChecksum resolves one missed bucket through singleflight, so
// concurrent callers asking for the same (bucket, checkpoint) share a fetch.
func (c *Cache) bucketChecksum(ctx context.Context, bucket string, end oplog.OpID) (oplog.PartialChecksum, error) {
	key := fmt.Sprintf("%s\x00%d", bucket, end)
	ch := c.group.DoChan(key, func() (any, error) {
		return c.fetchBucket(ctx, bucket, end)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return oplog.PartialChecksum{}, res.Err
		}
		return res.Val.(oplog.PartialChecksum), nil
	case <-ctx.Done():
		return oplog.PartialChecksum{}, ctx.Err()
	}
}

func (c *Cache) fetchBucket(ctx context.Context, bucket string, end oplog.OpID) (oplog.PartialChecksum, error) {
	c.mu.Lock()
	if v, ok := c.entries.Get(cacheKey{bucket: bucket, end: end}); ok {
		c.mu.Unlock()
		return v.(oplog.PartialChecksum), nil
	}
	var base oplog.PartialChecksum
	var start oplog.OpID
	if prevEnd, ok := c.latest[bucket]; ok && prevEnd < end && c.inflight[bucket] == 0 {
		if v, ok := c.entries.Get(cacheKey{bucket: bucket, end: prevEnd}); ok {
			base = v.(oplog.PartialChecksum)
			start = prevEnd
		}
	}
	c.inflight[bucket]++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.inflight[bucket]--; c.inflight[bucket] <= 0 {
			delete(c.inflight, bucket)
		}
		c.mu.Unlock()
	}()

	res, err := c.fetch(ctx, []storage.ChecksumRequest{{Bucket: bucket, Start: start, End: end}})
	if err != nil {
		return oplog.PartialChecksum{}, err
	}
	// A bucket with no ops in range aggregates to the zero value.
	full := base.Extend(res[bucket])

	c.mu.Lock()
	c.entries.Add(cacheKey{bucket: bucket, end: end}, full)
	if prev, ok := c.latest[bucket]; !ok || end > prev {
		c.latest[bucket] = end
	}
	c.mu.Unlock()
	return full, nil
}
