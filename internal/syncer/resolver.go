package syncer

import (
	"context"
	"sort"

	"github.com/erauner12/bucketsync/internal/errcode"
	"github.com/erauner12/bucketsync/internal/oplog"
	"github.com/erauner12/bucketsync/internal/rules"
	"github.com/erauner12/bucketsync/internal/storage"
)

// Resolver computes the bucket set one connection syncs. Static buckets are
// fixed at construction from the token alone; dynamic buckets come from
// parameter lookups in storage and re-resolve when a checkpoint update
// touches one of the connection's lookup keys.
type Resolver struct {
	store      storage.BucketStorage
	req        rules.RequestParameters
	maxResults int

	static  []rules.BucketDescription
	lookups []rules.Lookup
	keys    map[rules.LookupKey]struct{}

	resolved bool
	dynamic  []rules.BucketDescription
}

// NewResolver precomputes the request's static buckets and dynamic lookup
// keys against one sync rules document.
func NewResolver(store storage.BucketStorage, doc *rules.SyncRules, req rules.RequestParameters, maxResults int) (*Resolver, error) {
	static, err := doc.StaticBuckets(req)
	if err != nil {
		return nil, err
	}
	lookups := doc.DynamicLookups(req)
	keys := make(map[rules.LookupKey]struct{}, len(lookups))
	for _, l := range lookups {
		keys[l.Key()] = struct{}{}
	}
	if maxResults <= 0 {
		maxResults = DefaultMaxParameterResults
	}
	return &Resolver{
		store:      store,
		req:        req,
		maxResults: maxResults,
		static:     static,
		lookups:    lookups,
		keys:       keys,
	}, nil
}

// BucketSet is one resolution: every bucket the connection syncs at a
// checkpoint, plus which of them changed since the previous resolution.
type BucketSet struct {
	// Buckets is the full set, sorted by name, deduplicated.
	Buckets []rules.BucketDescription
	// Updated names the buckets whose data changed. Meaningless when
	// InvalidateAll is set: precision was lost upstream and every bucket
	// counts as potentially changed.
	Updated       map[string]struct{}
	InvalidateAll bool
}

// Resolve maps one checkpoint update onto the connection's bucket set. The
// first call, an invalidated update, and any update touching the
// connection's parameter lookups re-run the dynamic queries; everything else
// reuses the cached set and just intersects the update's changed buckets.
func (r *Resolver) Resolve(ctx context.Context, u storage.CheckpointUpdate) (*BucketSet, error) {
	if !r.resolved || u.Invalidate || r.touchesLookups(u.UpdatedLookups) {
		if err := r.queryDynamic(ctx, u.Checkpoint); err != nil {
			return nil, err
		}
		r.resolved = true
		return &BucketSet{Buckets: r.merged(), InvalidateAll: true}, nil
	}

	buckets := r.merged()
	known := make(map[string]struct{}, len(buckets))
	for _, b := range buckets {
		known[b.Bucket] = struct{}{}
	}
	updated := make(map[string]struct{})
	for _, name := range u.UpdatedBuckets {
		if _, ok := known[name]; ok {
			updated[name] = struct{}{}
		}
	}
	return &BucketSet{Buckets: buckets, Updated: updated}, nil
}

func (r *Resolver) touchesLookups(keys []rules.LookupKey) bool {
	for _, k := range keys {
		if _, ok := r.keys[k]; ok {
			return true
		}
	}
	return false
}

func (r *Resolver) queryDynamic(ctx context.Context, checkpoint oplog.OpID) error {
	r.dynamic = r.dynamic[:0]
	for _, l := range r.lookups {
		sets, err := r.store.QueryParameterSets(ctx, checkpoint, []rules.LookupKey{l.Key()}, r.maxResults+1)
		if err != nil {
			return err
		}
		if len(sets) > r.maxResults {
			return errcode.Newf(errcode.CodeTooManyParameterResults,
				"bucket definition %s resolves more than %d parameter sets for this request",
				l.Query().Definition().Name, r.maxResults)
		}
		instances, err := l.Query().Instances(r.req, sets)
		if err != nil {
			return err
		}
		r.dynamic = append(r.dynamic, instances...)
	}
	return nil
}

// merged returns static plus dynamic buckets, deduplicated and sorted by
// instance name.
func (r *Resolver) merged() []rules.BucketDescription {
	out := make([]rules.BucketDescription, 0, len(r.static)+len(r.dynamic))
	seen := make(map[string]struct{}, len(r.static)+len(r.dynamic))
	for _, group := range [][]rules.BucketDescription{r.static, r.dynamic} {
		for _, b := range group {
			if _, dup := seen[b.Bucket]; dup {
				continue
			}
			seen[b.Bucket] = struct{}{}
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket < out[j].Bucket })
	return out
}
