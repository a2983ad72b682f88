// Package pgstore is the Postgres storage implementation. Op ids come from
// one database sequence, checkpoint updates fan out over LISTEN/NOTIFY, and
// every write the interfaces call atomic runs in a single transaction.
//
// Sequence reads are non-transactional, so op id assignment and checkpoint
// commits rely on the caller funneling writes through one goroutine (the
// batch writer's flush serializer), the same discipline memstore gets from
// its mutex.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/erauner12/bucketsync/internal/rules"
	"github.com/erauner12/bucketsync/internal/storage"
	"github.com/erauner12/bucketsync/internal/watch"
)

// checkpointChannel is the NOTIFY channel CommitCheckpoint publishes on.
const checkpointChannel = "bucketsync_checkpoints"

// maxNotifyPayload caps the serialized update we hand to pg_notify; Postgres
// rejects payloads near 8000 bytes. Oversized summaries degrade to a plain
// invalidate, which is always safe.
const maxNotifyPayload = 7000

var errStoreClosed = errors.New("pgstore: store closed")

// Store implements storage.Store on a pgx connection pool. The store owns
// the pool and closes it on Close.
type Store struct {
	log  zerolog.Logger
	pool *pgxpool.Pool

	mu       sync.Mutex
	closed   bool
	parsed   map[int32]*rules.SyncRules
	watchers map[*watcher]struct{}
}

type watcher struct {
	mb     *watch.Mailbox[storage.CheckpointUpdate]
	ch     chan storage.CheckpointUpdate
	cancel context.CancelFunc
}

// Open migrates the schema and returns the store.
func Open(ctx context.Context, pool *pgxpool.Pool, log zerolog.Logger) (*Store, error) {
	s := &Store{
		log:      log.With().Str("component", "pgstore").Logger(),
		pool:     pool,
		parsed:   make(map[int32]*rules.SyncRules),
		watchers: make(map[*watcher]struct{}),
	}
	if err := migrate(ctx, pool, s.log); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return s, nil
}

var _ storage.Store = (*Store)(nil)

// querier is the subset of pgxpool.Pool and pgx.Tx the version helpers need.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const versionColumns = `id, state, content_hash, content, last_checkpoint,
	last_checkpoint_lsn, no_checkpoint_before, snapshot_done, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanVersion(row rowScanner) (*rules.Version, error) {
	var v rules.Version
	var state string
	var lastCheckpoint int64
	if err := row.Scan(&v.ID, &state, &v.Hash, &v.Content, &lastCheckpoint,
		&v.LastCheckpointLSN, &v.NoCheckpointBefore, &v.SnapshotDone, &v.UpdatedAt); err != nil {
		return nil, err
	}
	v.State = rules.State(state)
	v.LastCheckpoint = uint64(lastCheckpoint)
	if v.State != rules.StateTerminated {
		parsed, err := s.parsedRules(v.ID, v.Content)
		if err != nil {
			return nil, fmt.Errorf("stored sync rules version %d: %w", v.ID, err)
		}
		v.Rules = parsed
	}
	return &v, nil
}

// parsedRules caches parsed documents by version id. Content is immutable
// once deployed, so the cache never needs invalidation beyond termination.
func (s *Store) parsedRules(id int32, content string) (*rules.SyncRules, error) {
	s.mu.Lock()
	if r, ok := s.parsed[id]; ok {
		s.mu.Unlock()
		return r, nil
	}
	s.mu.Unlock()
	r, err := rules.ParseSyncRules([]byte(content))
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.parsed[id] = r
	s.mu.Unlock()
	return r, nil
}

// queryVersion returns nil without error when the query matches no row.
func (s *Store) queryVersion(ctx context.Context, q querier, sql string, args ...any) (*rules.Version, error) {
	v, err := s.scanVersion(q.QueryRow(ctx, sql, args...))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// versionState guards mutations: it errors for unknown and terminated
// versions, mirroring the in-memory store.
func versionState(ctx context.Context, q querier, id int32) (rules.State, error) {
	var state string
	err := q.QueryRow(ctx, `SELECT state FROM sync_rules WHERE id = $1`, id).Scan(&state)
	if err == pgx.ErrNoRows {
		return "", fmt.Errorf("unknown sync rules version %d", id)
	}
	if err != nil {
		return "", err
	}
	if rules.State(state) == rules.StateTerminated {
		return "", fmt.Errorf("sync rules version %d is terminated", id)
	}
	return rules.State(state), nil
}

func (s *Store) DeploySyncRules(ctx context.Context, content []byte) (*rules.Version, error) {
	parsed, err := rules.ParseSyncRules(content)
	if err != nil {
		return nil, fmt.Errorf("parse sync rules: %w", err)
	}
	hash := rules.ContentHash(content)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// Only the newest non-terminated version gates deduplication: redeploying
	// a document that an older, already superseded version carried still
	// creates a fresh version.
	newest, err := s.queryVersion(ctx, tx,
		`SELECT `+versionColumns+` FROM sync_rules WHERE state <> $1 ORDER BY id DESC LIMIT 1`,
		string(rules.StateTerminated))
	if err != nil {
		return nil, err
	}
	if newest != nil && newest.Hash == hash {
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return newest, nil
	}

	var id int32
	var updatedAt time.Time
	if err := tx.QueryRow(ctx, `
		INSERT INTO sync_rules (state, content_hash, content)
		VALUES ($1, $2, $3)
		RETURNING id, updated_at
	`, string(rules.StateProcessing), hash, string(content)).Scan(&id, &updatedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.parsed[id] = parsed
	s.mu.Unlock()
	s.log.Info().Int32("version", id).Str("hash", hash).Msg("deployed sync rules version")
	return &rules.Version{
		ID:        id,
		State:     rules.StateProcessing,
		Hash:      hash,
		Content:   string(content),
		UpdatedAt: updatedAt,
		Rules:     parsed,
	}, nil
}

func (s *Store) ActiveVersion(ctx context.Context) (*rules.Version, error) {
	return s.queryVersion(ctx, s.pool,
		`SELECT `+versionColumns+` FROM sync_rules WHERE state = $1 ORDER BY id DESC LIMIT 1`,
		string(rules.StateActive))
}

func (s *Store) ReplicatingVersion(ctx context.Context) (*rules.Version, error) {
	v, err := s.queryVersion(ctx, s.pool,
		`SELECT `+versionColumns+` FROM sync_rules WHERE state = $1 ORDER BY id DESC LIMIT 1`,
		string(rules.StateProcessing))
	if err != nil || v != nil {
		return v, err
	}
	return s.ActiveVersion(ctx)
}

func (s *Store) ListVersions(ctx context.Context) ([]*rules.Version, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+versionColumns+` FROM sync_rules ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*rules.Version
	for rows.Next() {
		v, err := s.scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) TerminateStopped(ctx context.Context) (int, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM sync_rules WHERE state = $1`, string(rules.StateStopped))
	if err != nil {
		return 0, err
	}
	var ids []int32
	for rows.Next() {
		var id int32
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		if err := s.wipe(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// wipe drops all replicated data of a version and leaves the metadata row as
// a tombstone.
func (s *Store) wipe(ctx context.Context, id int32) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, stmt := range []string{
		`DELETE FROM bucket_data WHERE group_id = $1`,
		`DELETE FROM bucket_parameters WHERE group_id = $1`,
		`DELETE FROM current_data WHERE group_id = $1`,
		`DELETE FROM source_tables WHERE group_id = $1`,
	} {
		if _, err := tx.Exec(ctx, stmt, id); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx,
		`UPDATE sync_rules SET state = $2, updated_at = now() WHERE id = $1`,
		id, string(rules.StateTerminated)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.parsed, id)
	s.mu.Unlock()
	s.log.Info().Int32("version", id).Msg("terminated sync rules version")
	return nil
}

func (s *Store) CreateWriteCheckpoint(ctx context.Context, userID, clientID string) (uint64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO write_checkpoints (user_id, client_id, checkpoint, lsn)
		VALUES ($1, $2, 1, (SELECT lsn FROM replication_head))
		ON CONFLICT (user_id, client_id) DO UPDATE SET
			checkpoint = write_checkpoints.checkpoint + 1,
			lsn        = EXCLUDED.lsn
		RETURNING checkpoint
	`, userID, clientID).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return uint64(seq), nil
}

func (s *Store) WriteCheckpointFor(ctx context.Context, userID, clientID, lsn string) (uint64, bool, error) {
	var seq int64
	var at string
	err := s.pool.QueryRow(ctx,
		`SELECT checkpoint, lsn FROM write_checkpoints WHERE user_id = $1 AND client_id = $2`,
		userID, clientID).Scan(&seq, &at)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if storage.CompareLSN(at, lsn) > 0 {
		// Created past the checkpoint being synced; not visible yet.
		return 0, false, nil
	}
	return uint64(seq), true, nil
}

func (s *Store) WatchCheckpoints(ctx context.Context) (<-chan storage.CheckpointUpdate, error) {
	wctx, cancel := context.WithCancel(ctx)
	conn, err := s.pool.Acquire(wctx)
	if err != nil {
		cancel()
		return nil, err
	}
	if _, err := conn.Exec(wctx, `LISTEN `+checkpointChannel); err != nil {
		conn.Release()
		cancel()
		return nil, fmt.Errorf("listen %s: %w", checkpointChannel, err)
	}

	w := &watcher{
		mb:     watch.NewMailbox[storage.CheckpointUpdate](storage.MergeUpdates),
		ch:     make(chan storage.CheckpointUpdate),
		cancel: cancel,
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Release()
		cancel()
		return nil, errStoreClosed
	}
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	go s.listen(wctx, conn, w)
	go s.pump(wctx, w)
	return w.ch, nil
}

// listen feeds notifications into the watcher's mailbox until the context
// ends or the connection fails.
func (s *Store) listen(ctx context.Context, conn *pgxpool.Conn, w *watcher) {
	defer conn.Release()
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			w.mb.Close(err)
			return
		}
		var u storage.CheckpointUpdate
		if err := json.Unmarshal([]byte(n.Payload), &u); err != nil {
			s.log.Warn().Err(err).Msg("dropping malformed checkpoint notification")
			continue
		}
		w.mb.Put(u)
	}
}

// pump moves mailbox values onto the watcher channel. The mailbox merges
// updates while the consumer is busy, so a slow consumer sees one combined
// update instead of a backlog.
func (s *Store) pump(ctx context.Context, w *watcher) {
	defer func() {
		s.mu.Lock()
		delete(s.watchers, w)
		s.mu.Unlock()
		w.cancel()
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
		w.cancel()
	}
	// Close waits for watcher connections to release.
	s.pool.Close()
	return nil
}
