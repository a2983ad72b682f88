package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/erauner12/bucketsync/internal/errcode"
)

// migration is one step of schema history. Statements run in order inside a
// single transaction; every statement must be idempotent so a partially
// recorded history can be re-applied safely.
type migration struct {
	version    int
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS sync_rules (
				id                   integer GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
				state                text NOT NULL,
				content_hash         text NOT NULL,
				content              text NOT NULL,
				last_checkpoint      bigint NOT NULL DEFAULT 0,
				last_checkpoint_lsn  text NOT NULL DEFAULT '',
				no_checkpoint_before text NOT NULL DEFAULT '',
				snapshot_done        boolean NOT NULL DEFAULT false,
				last_fatal_error     text NOT NULL DEFAULT '',
				updated_at           timestamptz NOT NULL DEFAULT now()
			)`,

			`CREATE TABLE IF NOT EXISTS source_tables (
				id                 text PRIMARY KEY,
				group_id           integer NOT NULL,
				connection_id      integer NOT NULL,
				relation_id        bigint NOT NULL DEFAULT 0,
				schema_name        text NOT NULL,
				table_name         text NOT NULL,
				replica_id_columns jsonb NOT NULL,
				pending_resnapshot boolean NOT NULL DEFAULT false
			)`,
			`CREATE INDEX IF NOT EXISTS source_tables_by_name
				ON source_tables (group_id, connection_id, schema_name, table_name)`,

			`CREATE TABLE IF NOT EXISTS bucket_data (
				group_id    integer NOT NULL,
				bucket      text NOT NULL,
				op_id       bigint NOT NULL,
				op          text NOT NULL,
				object_type text NOT NULL DEFAULT '',
				object_id   text NOT NULL DEFAULT '',
				subkey      text NOT NULL DEFAULT '',
				data        bytea,
				checksum    bigint NOT NULL,
				target_op   bigint NOT NULL DEFAULT 0,
				PRIMARY KEY (group_id, bucket, op_id)
			)`,

			// Parameter entries share the op id sequence with bucket_data, so
			// "latest entry at or below a checkpoint" is well defined.
			`CREATE TABLE IF NOT EXISTS bucket_parameters (
				group_id          integer NOT NULL,
				id                bigint NOT NULL,
				lookup            text NOT NULL,
				source_table      text NOT NULL,
				source_key        text COLLATE "C" NOT NULL,
				bucket_parameters jsonb NOT NULL,
				PRIMARY KEY (group_id, id)
			)`,
			`CREATE INDEX IF NOT EXISTS bucket_parameters_by_lookup
				ON bucket_parameters (group_id, lookup, id)`,

			// source_key uses the C collation: keys are serialized replica ids
			// and the TRUNCATE scan pages through them in byte order.
			`CREATE TABLE IF NOT EXISTS current_data (
				group_id     integer NOT NULL,
				source_table text NOT NULL,
				source_key   text COLLATE "C" NOT NULL,
				data         bytea NOT NULL,
				buckets      jsonb NOT NULL,
				lookups      jsonb NOT NULL,
				PRIMARY KEY (group_id, source_table, source_key)
			)`,

			`CREATE TABLE IF NOT EXISTS write_checkpoints (
				user_id    text NOT NULL,
				client_id  text NOT NULL,
				checkpoint bigint NOT NULL,
				lsn        text NOT NULL DEFAULT '',
				PRIMARY KEY (user_id, client_id)
			)`,

			`CREATE TABLE IF NOT EXISTS replication_head (
				onerow boolean PRIMARY KEY DEFAULT true CHECK (onerow),
				lsn    text NOT NULL DEFAULT ''
			)`,
			`INSERT INTO replication_head (onerow) VALUES (true)
				ON CONFLICT DO NOTHING`,

			`CREATE SEQUENCE IF NOT EXISTS op_id_seq`,
		},
	},
}

// migrate brings the schema up to the version this build expects. A database
// already migrated past what the binary knows is refused rather than touched.
func migrate(ctx context.Context, pool *pgxpool.Pool, log zerolog.Logger) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    integer PRIMARY KEY,
		applied_at timestamptz NOT NULL DEFAULT now()
	)`); err != nil {
		return err
	}
	// Serialize concurrent service starts against the same database.
	if _, err := tx.Exec(ctx, `LOCK TABLE schema_migrations IN ACCESS EXCLUSIVE MODE`); err != nil {
		return err
	}

	var current int
	if err := tx.QueryRow(ctx, `SELECT coalesce(max(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return err
	}
	latest := migrations[len(migrations)-1].version
	if current > latest {
		return errcode.Newf(errcode.CodeLastRunMigrationUnknown,
			"database schema version %d is newer than this build supports (%d)", current, latest).
			WithHint("upgrade the service binary before pointing it at this database")
	}

	applied := 0
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("apply schema migration %d: %w", m.version, err)
			}
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.version); err != nil {
			return err
		}
		applied++
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	if applied > 0 {
		log.Info().Int("applied", applied).Int("schema_version", latest).Msg("applied schema migrations")
	}
	return nil
}
