package checksum

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/erauner12/bucketsync/internal/oplog"
	"github.com/erauner12/bucketsync/internal/storage"
)

type fakeOp struct {
	id    oplog.OpID
	sum   oplog.Checksum
	clear bool
}

// fakeFetcher serves checksum ranges from an in-memory op list and records
// every request it sees. When gate is set, fetches block until it closes;
// started receives one signal per fetch call.
type fakeFetcher struct {
	mu      sync.Mutex
	ops     map[string][]fakeOp
	reqs    []storage.ChecksumRequest
	err     error
	gate    chan struct{}
	started chan struct{}
}

func (f *fakeFetcher) fetch(ctx context.Context, reqs []storage.ChecksumRequest) (map[string]oplog.PartialChecksum, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, reqs...)
	gate, started, err := f.gate, f.started, f.err
	f.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string]oplog.PartialChecksum, len(reqs))
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range reqs {
		var pc oplog.PartialChecksum
		for _, op := range f.ops[r.Bucket] {
			if op.id > r.Start && op.id <= r.End {
				pc.Checksum = oplog.AddChecksums(pc.Checksum, op.sum)
				pc.Count++
				if op.clear {
					pc.HasClear = true
				}
			}
		}
		out[r.Bucket] = pc
	}
	return out, nil
}

func (f *fakeFetcher) requests() []storage.ChecksumRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.ChecksumRequest(nil), f.reqs...)
}

func newTestCache(capacity int, f *fakeFetcher) *Cache {
	return New(capacity, f.fetch, zerolog.Nop())
}

func TestCacheMissThenHit(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{ops: map[string][]fakeOp{
		"b1": {{id: 1, sum: 10}, {id: 2, sum: 10}, {id: 3, sum: 10}},
	}}
	c := newTestCache(0, f)

	got, err := c.GetChecksums(ctx, 3, []string{"b1"})
	if err != nil {
		t.Fatalf("GetChecksums: %v", err)
	}
	if pc := got["b1"]; pc.Checksum != 30 || pc.Count != 3 {
		t.Fatalf("b1 = %+v, want checksum 30 count 3", pc)
	}
	if reqs := f.requests(); len(reqs) != 1 || reqs[0].Start != 0 || reqs[0].End != 3 {
		t.Fatalf("requests = %+v, want one full fetch (0,3]", reqs)
	}

	again, err := c.GetChecksums(ctx, 3, []string{"b1"})
	if err != nil {
		t.Fatalf("second GetChecksums: %v", err)
	}
	if again["b1"] != got["b1"] {
		t.Errorf("cached value differs: %+v vs %+v", again["b1"], got["b1"])
	}
	if reqs := f.requests(); len(reqs) != 1 {
		t.Errorf("cache hit still fetched: %+v", reqs)
	}
}

func TestCacheExtendsSerially(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{ops: map[string][]fakeOp{
		"b1": {{id: 1, sum: 10}, {id: 2, sum: 10}, {id: 3, sum: 10}},
	}}
	c := newTestCache(0, f)
	if _, err := c.GetChecksums(ctx, 3, []string{"b1"}); err != nil {
		t.Fatalf("warm: %v", err)
	}

	f.mu.Lock()
	f.ops["b1"] = append(f.ops["b1"], fakeOp{id: 4, sum: 7}, fakeOp{id: 5, sum: 8})
	f.mu.Unlock()

	got, err := c.GetChecksums(ctx, 5, []string{"b1"})
	if err != nil {
		t.Fatalf("GetChecksums: %v", err)
	}
	if pc := got["b1"]; pc.Checksum != 45 || pc.Count != 5 {
		t.Fatalf("extended = %+v, want checksum 45 count 5", pc)
	}
	reqs := f.requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %+v, want warm fetch plus one partial", reqs)
	}
	if reqs[1].Start != 3 || reqs[1].End != 5 {
		t.Errorf("second fetch = (%d,%d], want partial (3,5]", reqs[1].Start, reqs[1].End)
	}
}

func TestCacheClearReplacesBase(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{ops: map[string][]fakeOp{
		"b1": {{id: 1, sum: 10}, {id: 2, sum: 10}, {id: 3, sum: 10}},
	}}
	c := newTestCache(0, f)
	if _, err := c.GetChecksums(ctx, 3, []string{"b1"}); err != nil {
		t.Fatalf("warm: %v", err)
	}

	// Compaction collapsed everything into a CLEAR at 5 plus one PUT at 6.
	f.mu.Lock()
	f.ops["b1"] = []fakeOp{{id: 5, sum: 100, clear: true}, {id: 6, sum: 9}}
	f.mu.Unlock()

	got, err := c.GetChecksums(ctx, 6, []string{"b1"})
	if err != nil {
		t.Fatalf("GetChecksums: %v", err)
	}
	// The partial (3,6] contains the CLEAR, so it already is the full
	// aggregate; the stale base from checkpoint 3 must not be added in.
	if pc := got["b1"]; pc.Checksum != 109 || pc.Count != 2 || !pc.HasClear {
		t.Fatalf("after clear = %+v, want checksum 109 count 2 hasClear", pc)
	}
}

func TestCacheCollapsesConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{
		ops:     map[string][]fakeOp{"b1": {{id: 1, sum: 10}}},
		gate:    make(chan struct{}),
		started: make(chan struct{}, 2),
	}
	c := newTestCache(0, f)

	var wg sync.WaitGroup
	results := make([]oplog.PartialChecksum, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		i := i // per-iteration copy; required for go < 1.22 loop semantics
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.GetChecksums(ctx, 1, []string{"b1"})
			results[i], errs[i] = got["b1"], err
		}()
	}
	<-f.started
	close(f.gate)
	wg.Wait()

	for i := range errs {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i].Checksum != 10 || results[i].Count != 1 {
			t.Fatalf("caller %d = %+v, want checksum 10 count 1", i, results[i])
		}
	}
	if reqs := f.requests(); len(reqs) != 1 {
		t.Fatalf("concurrent identical misses fetched %d times: %+v", len(reqs), reqs)
	}
}

func TestCacheConcurrentEndsFetchFullRange(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{ops: map[string][]fakeOp{
		"b1": {{id: 1, sum: 1}, {id: 2, sum: 2}, {id: 3, sum: 3}, {id: 4, sum: 4}},
	}}
	c := newTestCache(0, f)
	if _, err := c.GetChecksums(ctx, 2, []string{"b1"}); err != nil {
		t.Fatalf("warm: %v", err)
	}

	f.mu.Lock()
	f.gate = make(chan struct{})
	f.started = make(chan struct{}, 2)
	f.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := c.GetChecksums(ctx, 3, []string{"b1"}); err != nil {
			t.Errorf("checkpoint 3: %v", err)
		}
	}()
	<-f.started // first miss is mid-fetch and holds the bucket's inflight slot

	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := c.GetChecksums(ctx, 4, []string{"b1"}); err != nil {
			t.Errorf("checkpoint 4: %v", err)
		}
	}()
	<-f.started
	close(f.gate)
	wg.Wait()

	reqs := f.requests()
	if len(reqs) != 3 {
		t.Fatalf("requests = %+v, want warm + two concurrent fetches", reqs)
	}
	if reqs[1].Start != 2 || reqs[1].End != 3 {
		t.Errorf("first concurrent fetch = (%d,%d], want serial partial (2,3]", reqs[1].Start, reqs[1].End)
	}
	// The second miss sees a fetch in flight for the bucket and must not
	// extend a base that may be mid-replacement: full range from zero.
	if reqs[2].Start != 0 || reqs[2].End != 4 {
		t.Errorf("second concurrent fetch = (%d,%d], want full (0,4]", reqs[2].Start, reqs[2].End)
	}
}

func TestCacheEvictionForcesFullFetch(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{ops: map[string][]fakeOp{
		"b1": {{id: 1, sum: 1}, {id: 2, sum: 2}},
		"b2": {{id: 3, sum: 3}},
	}}
	c := newTestCache(1, f)

	if _, err := c.GetChecksums(ctx, 1, []string{"b1"}); err != nil {
		t.Fatalf("warm b1: %v", err)
	}
	// Capacity 1: caching b2 evicts b1's entry and its latest marker.
	if _, err := c.GetChecksums(ctx, 3, []string{"b2"}); err != nil {
		t.Fatalf("warm b2: %v", err)
	}

	got, err := c.GetChecksums(ctx, 2, []string{"b1"})
	if err != nil {
		t.Fatalf("GetChecksums: %v", err)
	}
	if pc := got["b1"]; pc.Checksum != 3 || pc.Count != 2 {
		t.Fatalf("b1 = %+v, want checksum 3 count 2", pc)
	}
	reqs := f.requests()
	last := reqs[len(reqs)-1]
	if last.Start != 0 || last.End != 2 {
		t.Errorf("post-eviction fetch = (%d,%d], want full (0,2]", last.Start, last.End)
	}
}

func TestCacheFetchErrorPropagates(t *testing.T) {
	wantErr := errors.New("storage down")
	f := &fakeFetcher{err: wantErr}
	c := newTestCache(0, f)
	_, err := c.GetChecksums(context.Background(), 5, []string{"b1"})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want wrapped %v", err, wantErr)
	}
}

func TestCacheEmptyBucketCachesZero(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{ops: map[string][]fakeOp{}}
	c := newTestCache(0, f)
	for i := 0; i < 2; i++ {
		got, err := c.GetChecksums(ctx, 7, []string{"empty"})
		if err != nil {
			t.Fatalf("GetChecksums: %v", err)
		}
		if pc := got["empty"]; pc.Checksum != 0 || pc.Count != 0 || pc.HasClear {
			t.Fatalf("empty bucket = %+v, want zero aggregate", pc)
		}
	}
	if reqs := f.requests(); len(reqs) != 1 {
		t.Errorf("zero aggregate was not cached: %d fetches", len(reqs))
	}
}

func TestCacheDeduplicatesRequestedBuckets(t *testing.T) {
	ctx := context.Background()
	f := &fakeFetcher{ops: map[string][]fakeOp{
		"b1": {{id: 1, sum: 1}},
		"b2": {{id: 2, sum: 2}},
	}}
	c := newTestCache(0, f)
	got, err := c.GetChecksums(ctx, 2, []string{"b1", "b2", "b1"})
	if err != nil {
		t.Fatalf("GetChecksums: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	if reqs := f.requests(); len(reqs) != 2 {
		t.Errorf("requests = %+v, want exactly one per distinct bucket", reqs)
	}
}
