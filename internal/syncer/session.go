package syncer

import (
	"context"
	"sort"

	"github.com/erauner12/bucketsync/internal/checksum"
	"github.com/erauner12/bucketsync/internal/errcode"
	"github.com/erauner12/bucketsync/internal/oplog"
	"github.com/erauner12/bucketsync/internal/storage"
	"github.com/erauner12/bucketsync/internal/wire"
)

// Session tracks one connection's sync state across checkpoints: the
// checksums last sent, each bucket's delivery position, and the buckets
// whose data is still owed to the client.
type Session struct {
	res        *Resolver
	cache      *checksum.Cache
	store      storage.Store
	userID     string
	clientID   string
	maxBuckets int

	initialized    bool
	lastCheckpoint oplog.OpID
	lastChecksums  map[string]oplog.BucketChecksum
	// positions is each bucket's high-water op id: everything at or below it
	// has been delivered. requested holds client-supplied starting points,
	// consumed when a bucket first joins the set.
	positions map[string]oplog.OpID
	requested map[string]oplog.OpID
	// pending names buckets announced in a checkpoint line but not yet fully
	// streamed to that line's checkpoint.
	pending map[string]struct{}
	lastWC  uint64
	hasWC   bool
}

// SessionConfig carries everything a session needs at construction.
type SessionConfig struct {
	Resolver   *Resolver
	Cache      *checksum.Cache
	Store      storage.Store
	UserID     string
	ClientID   string
	MaxBuckets int
	// Positions are the client's resume points from a previous connection.
	Positions []wire.BucketState
}

// NewSession builds a fresh session. Client-supplied positions apply when
// their bucket first appears in the resolved set.
func NewSession(cfg SessionConfig) *Session {
	if cfg.MaxBuckets <= 0 {
		cfg.MaxBuckets = DefaultMaxBuckets
	}
	requested := make(map[string]oplog.OpID, len(cfg.Positions))
	for _, p := range cfg.Positions {
		requested[p.Name] = p.After
	}
	return &Session{
		res:           cfg.Resolver,
		cache:         cfg.Cache,
		store:         cfg.Store,
		userID:        cfg.UserID,
		clientID:      cfg.ClientID,
		maxBuckets:    cfg.MaxBuckets,
		lastChecksums: map[string]oplog.BucketChecksum{},
		positions:     map[string]oplog.OpID{},
		requested:     requested,
		pending:       map[string]struct{}{},
	}
}

// CheckpointPlan is one checkpoint update translated for the client: the
// line announcing it, and the buckets whose data must follow, grouped by
// ascending priority number (most urgent first).
type CheckpointPlan struct {
	Checkpoint oplog.OpID
	LSN        string
	Line       any
	Groups     []PriorityGroup
}

// PriorityGroup lists the fetch positions of one priority class, sorted by
// bucket name.
type PriorityGroup struct {
	Priority int
	Buckets  []storage.BucketPosition
}

// Plan builds the next checkpoint line for an update, or nil when the update
// changes nothing the client needs to hear about. The first call produces a
// full checkpoint line; later calls produce diffs against the state last
// sent.
func (s *Session) Plan(ctx context.Context, u storage.CheckpointUpdate) (*CheckpointPlan, error) {
	if s.initialized && u.Checkpoint < s.lastCheckpoint {
		return nil, errcode.Assertionf("checkpoint went backwards: %d after %d", u.Checkpoint, s.lastCheckpoint)
	}
	set, err := s.res.Resolve(ctx, u)
	if err != nil {
		return nil, err
	}
	wc, hasWC, err := s.store.WriteCheckpointFor(ctx, s.userID, s.clientID, u.LSN)
	if err != nil {
		return nil, err
	}
	// Suppress no-op lines, but never while a download is still owed: an
	// otherwise-empty update must still resume interrupted buckets.
	if s.initialized && !set.InvalidateAll && len(set.Updated) == 0 && len(s.pending) == 0 &&
		hasWC == s.hasWC && wc == s.lastWC {
		return nil, nil
	}

	next, changed, err := s.checksums(ctx, u.Checkpoint, set)
	if err != nil {
		return nil, err
	}

	// Drop state for buckets that left the set.
	for name := range s.positions {
		if _, ok := next[name]; !ok {
			delete(s.positions, name)
			delete(s.pending, name)
		}
	}

	var line any
	if !s.initialized {
		cp := wire.Checkpoint{
			LastOpID: u.Checkpoint,
			Buckets:  make([]oplog.BucketChecksum, 0, len(set.Buckets)),
		}
		for _, b := range set.Buckets {
			cp.Buckets = append(cp.Buckets, next[b.Bucket])
		}
		if hasWC {
			w := oplog.OpID(wc)
			cp.WriteCheckpoint = &w
		}
		line = &wire.CheckpointLine{Checkpoint: cp}
		// Everything is new to the client on the first line.
		changed = changed[:0]
		for _, b := range set.Buckets {
			changed = append(changed, b.Bucket)
		}
	} else {
		diff := wire.CheckpointDiff{
			LastOpID:       u.Checkpoint,
			UpdatedBuckets: []oplog.BucketChecksum{},
			RemovedBuckets: []string{},
		}
		for _, name := range changed {
			diff.UpdatedBuckets = append(diff.UpdatedBuckets, next[name])
		}
		for name := range s.lastChecksums {
			if _, ok := next[name]; !ok {
				diff.RemovedBuckets = append(diff.RemovedBuckets, name)
			}
		}
		sort.Strings(diff.RemovedBuckets)
		if hasWC {
			w := oplog.OpID(wc)
			diff.WriteCheckpoint = &w
		}
		line = &wire.CheckpointDiffLine{Diff: diff}
	}

	fetch := make(map[string]struct{}, len(changed)+len(s.pending))
	for _, name := range changed {
		fetch[name] = struct{}{}
	}
	for name := range s.pending {
		fetch[name] = struct{}{}
	}
	if len(fetch) > s.maxBuckets {
		return nil, errcode.Newf(errcode.CodeTooManyBuckets,
			"%d buckets to sync exceeds the per-connection limit of %d", len(fetch), s.maxBuckets)
	}

	groups := s.group(u.Checkpoint, set, fetch)

	s.lastChecksums = next
	s.lastCheckpoint = u.Checkpoint
	s.lastWC, s.hasWC = wc, hasWC
	s.initialized = true
	return &CheckpointPlan{Checkpoint: u.Checkpoint, LSN: u.LSN, Line: line, Groups: groups}, nil
}

// checksums builds the full checksum map at a checkpoint, fetching only
// buckets the update touched and reusing the rest from the last line.
// changed returns the fetched buckets whose aggregate actually differs from
// what the client has, sorted by name.
func (s *Session) checksums(ctx context.Context, checkpoint oplog.OpID, set *BucketSet) (map[string]oplog.BucketChecksum, []string, error) {
	var fetch []string
	for _, b := range set.Buckets {
		_, touched := set.Updated[b.Bucket]
		if !s.initialized || set.InvalidateAll || touched {
			fetch = append(fetch, b.Bucket)
		}
	}
	var sums map[string]oplog.PartialChecksum
	if len(fetch) > 0 {
		var err error
		sums, err = s.cache.GetChecksums(ctx, checkpoint, fetch)
		if err != nil {
			return nil, nil, err
		}
	}

	next := make(map[string]oplog.BucketChecksum, len(set.Buckets))
	var changed []string
	for _, b := range set.Buckets {
		if pc, ok := sums[b.Bucket]; ok {
			bc := oplog.BucketChecksum{
				Bucket:   b.Bucket,
				Checksum: pc.Checksum,
				Count:    pc.Count,
				Priority: b.Priority,
			}
			next[b.Bucket] = bc
			if prev, sent := s.lastChecksums[b.Bucket]; !sent || prev != bc {
				changed = append(changed, b.Bucket)
			}
			continue
		}
		prev, ok := s.lastChecksums[b.Bucket]
		if !ok {
			return nil, nil, errcode.Assertionf("bucket %s resolved without a checksum at checkpoint %d", b.Bucket, checkpoint)
		}
		prev.Priority = b.Priority
		next[b.Bucket] = prev
	}
	sort.Strings(changed)
	return next, changed, nil
}

// group turns the fetch set into priority-ordered scan positions, seeding
// positions for buckets the client has never synced. Buckets already at the
// checkpoint have nothing to fetch and are left out.
func (s *Session) group(checkpoint oplog.OpID, set *BucketSet, fetch map[string]struct{}) []PriorityGroup {
	prio := make(map[string]int, len(set.Buckets))
	for _, b := range set.Buckets {
		prio[b.Bucket] = b.Priority
	}
	byPriority := map[int][]storage.BucketPosition{}
	for name := range fetch {
		p, ok := prio[name]
		if !ok {
			continue
		}
		pos, seen := s.positions[name]
		if !seen {
			pos = s.requested[name]
			if pos > checkpoint {
				pos = checkpoint
			}
			s.positions[name] = pos
		}
		if pos >= checkpoint {
			delete(s.pending, name)
			continue
		}
		s.pending[name] = struct{}{}
		byPriority[p] = append(byPriority[p], storage.BucketPosition{Bucket: name, After: pos})
	}

	groups := make([]PriorityGroup, 0, len(byPriority))
	for p, buckets := range byPriority {
		sort.Slice(buckets, func(i, j int) bool { return buckets[i].Bucket < buckets[j].Bucket })
		groups = append(groups, PriorityGroup{Priority: p, Buckets: buckets})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Priority < groups[j].Priority })
	return groups
}

// Advance records delivery progress for one bucket. hasMore=false marks it
// fully delivered up to its plan's checkpoint.
func (s *Session) Advance(bucket string, nextAfter oplog.OpID, hasMore bool) {
	if pos, ok := s.positions[bucket]; !ok || nextAfter > pos {
		s.positions[bucket] = nextAfter
	}
	if !hasMore {
		delete(s.pending, bucket)
	}
}
