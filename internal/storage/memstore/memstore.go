// Package memstore is the in-memory storage implementation. It backs dev
// mode and most of the test suite; semantics deliberately track pgstore so
// either can sit behind the storage interfaces.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/erauner12/bucketsync/internal/oplog"
	"github.com/erauner12/bucketsync/internal/rules"
	"github.com/erauner12/bucketsync/internal/storage"
	"github.com/erauner12/bucketsync/internal/watch"
)

// Store keeps every sync rules version, its bucket data and the checkpoint
// feed in process memory behind a single mutex.
type Store struct {
	log zerolog.Logger

	mu       sync.Mutex
	closed   bool
	seq      uint64
	nextID   int32
	versions map[int32]*versionState
	order    []int32
	headLSN  string
	writeCPs map[wcKey]*writeCheckpoint
	watchers map[*watcher]struct{}
}

type versionState struct {
	meta    rules.Version
	tables  []*storage.SourceTable
	buckets map[string][]oplog.Op
	current map[string]map[string]*storage.CurrentDataEntry
	// params is append-only and ascending by id; reads pick the newest entry
	// at or below their checkpoint.
	params []paramEntry
}

type paramEntry struct {
	id      oplog.OpID
	lookup  rules.LookupKey
	tableID string
	key     string
	sets    []rules.ParameterSet
}

type wcKey struct {
	userID   string
	clientID string
}

type writeCheckpoint struct {
	seq uint64
	lsn string
}

type watcher struct {
	mb *watch.Mailbox[storage.CheckpointUpdate]
	ch chan storage.CheckpointUpdate
}

// New returns an empty store.
func New(log zerolog.Logger) *Store {
	return &Store{
		log:      log.With().Str("component", "memstore").Logger(),
		nextID:   1,
		versions: make(map[int32]*versionState),
		writeCPs: make(map[wcKey]*writeCheckpoint),
		watchers: make(map[*watcher]struct{}),
	}
}

var _ storage.Store = (*Store)(nil)

func (s *Store) DeploySyncRules(ctx context.Context, content []byte) (*rules.Version, error) {
	parsed, err := rules.ParseSyncRules(content)
	if err != nil {
		return nil, fmt.Errorf("parse sync rules: %w", err)
	}
	hash := rules.ContentHash(content)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errStoreClosed
	}
	// Only the newest non-terminated version gates deduplication: redeploying
	// a document that an older, already superseded version carried still
	// creates a fresh version.
	for i := len(s.order) - 1; i >= 0; i-- {
		vs := s.versions[s.order[i]]
		if vs.meta.State == rules.StateTerminated {
			continue
		}
		if vs.meta.Hash == hash {
			return cloneVersion(vs.meta), nil
		}
		break
	}
	id := s.nextID
	s.nextID++
	vs := &versionState{
		meta: rules.Version{
			ID:        id,
			State:     rules.StateProcessing,
			Hash:      hash,
			Content:   string(content),
			UpdatedAt: time.Now(),
			Rules:     parsed,
		},
		buckets: make(map[string][]oplog.Op),
		current: make(map[string]map[string]*storage.CurrentDataEntry),
	}
	s.versions[id] = vs
	s.order = append(s.order, id)
	s.log.Info().Int32("version", id).Str("hash", hash).Msg("deployed sync rules version")
	return cloneVersion(vs.meta), nil
}

func (s *Store) ActiveVersion(ctx context.Context) (*rules.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		vs := s.versions[s.order[i]]
		if vs.meta.State == rules.StateActive {
			return cloneVersion(vs.meta), nil
		}
	}
	return nil, nil
}

func (s *Store) ReplicatingVersion(ctx context.Context) (*rules.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		vs := s.versions[s.order[i]]
		if vs.meta.State == rules.StateProcessing {
			return cloneVersion(vs.meta), nil
		}
	}
	for i := len(s.order) - 1; i >= 0; i-- {
		vs := s.versions[s.order[i]]
		if vs.meta.State == rules.StateActive {
			return cloneVersion(vs.meta), nil
		}
	}
	return nil, nil
}

func (s *Store) ListVersions(ctx context.Context) ([]*rules.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*rules.Version, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		out = append(out, cloneVersion(s.versions[s.order[i]].meta))
	}
	return out, nil
}

func (s *Store) TerminateStopped(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range s.order {
		vs := s.versions[id]
		if vs.meta.State == rules.StateStopped {
			s.wipeLocked(vs)
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateWriteCheckpoint(ctx context.Context, userID, clientID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errStoreClosed
	}
	key := wcKey{userID: userID, clientID: clientID}
	wc := s.writeCPs[key]
	if wc == nil {
		wc = &writeCheckpoint{}
		s.writeCPs[key] = wc
	}
	wc.seq++
	wc.lsn = s.headLSN
	return wc.seq, nil
}

func (s *Store) WriteCheckpointFor(ctx context.Context, userID, clientID, lsn string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wc := s.writeCPs[wcKey{userID: userID, clientID: clientID}]
	if wc == nil {
		return 0, false, nil
	}
	if storage.CompareLSN(wc.lsn, lsn) > 0 {
		// Created past the checkpoint being synced; not visible yet.
		return 0, false, nil
	}
	return wc.seq, true, nil
}

func (s *Store) WatchCheckpoints(ctx context.Context) (<-chan storage.CheckpointUpdate, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errStoreClosed
	}
	w := &watcher{
		mb: watch.NewMailbox[storage.CheckpointUpdate](storage.MergeUpdates),
		ch: make(chan storage.CheckpointUpdate),
	}
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	go s.pump(ctx, w)
	return w.ch, nil
}

// pump moves mailbox values onto the watcher channel until the context ends
// or the store closes. The mailbox merges updates while the consumer is
// busy, so a slow consumer sees one combined update instead of a backlog.
func (s *Store) pump(ctx context.Context, w *watcher) {
	defer func() {
		s.mu.Lock()
		delete(s.watchers, w)
		s.mu.Unlock()
		close(w.ch)
	}()
	for {
		u, err := w.mb.Receive(ctx)
		if err != nil {
			return
		}
		select {
		case w.ch <- u:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Store) Buckets(v *rules.Version) storage.BucketStorage {
	return &bucketStore{s: s, id: v.ID}
}

func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ws := make([]*watcher, 0, len(s.watchers))
	for w := range s.watchers {
		ws = append(ws, w)
	}
	s.mu.Unlock()
	for _, w := range ws {
		w.mb.Close(nil)
	}
	return nil
}

var errStoreClosed = fmt.Errorf("memstore: store closed")

func (s *Store) versionLocked(id int32) (*versionState, error) {
	vs, ok := s.versions[id]
	if !ok {
		return nil, fmt.Errorf("unknown sync rules version %d", id)
	}
	if vs.meta.State == rules.StateTerminated {
		return nil, fmt.Errorf("sync rules version %d is terminated", id)
	}
	return vs, nil
}

// wipeLocked drops all replicated data of a version and leaves the metadata
// row as a tombstone.
func (s *Store) wipeLocked(vs *versionState) {
	vs.buckets = make(map[string][]oplog.Op)
	vs.current = make(map[string]map[string]*storage.CurrentDataEntry)
	vs.params = nil
	vs.tables = nil
	vs.meta.State = rules.StateTerminated
	vs.meta.Rules = nil
	vs.meta.UpdatedAt = time.Now()
	s.log.Info().Int32("version", vs.meta.ID).Msg("terminated sync rules version")
}

func (s *Store) publishLocked(u storage.CheckpointUpdate) {
	for w := range s.watchers {
		w.mb.Put(u)
	}
}

func cloneVersion(v rules.Version) *rules.Version {
	c := v
	return &c
}

func cloneEntry(e *storage.CurrentDataEntry) *storage.CurrentDataEntry {
	if e == nil {
		return nil
	}
	c := &storage.CurrentDataEntry{
		Data:    append([]byte(nil), e.Data...),
		Buckets: append([]storage.BucketRef(nil), e.Buckets...),
		Lookups: append([]rules.LookupKey(nil), e.Lookups...),
	}
	return c
}
