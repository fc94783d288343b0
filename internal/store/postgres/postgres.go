package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"worldstats/internal/model"
	"worldstats/internal/store"
)

// Config controls the connection pool.
type Config struct {
	DSN      string
	MinConns int
	MaxConns int
}

// Store keeps snapshots in PostgreSQL. The schema matches the sqlite store.
type Store struct {
	pool *pgxpool.Pool
}

// New connects, pings, and creates the schema when missing.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres: dsn is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// IsDSN reports whether path looks like a PostgreSQL connection string
// rather than a sqlite file path.
func IsDSN(path string) bool {
	lower := strings.ToLower(strings.TrimSpace(path))
	return strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://")
}

func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *Store) SaveSnapshot(ctx context.Context, snapshot store.Snapshot) error {
	if snapshot.ID == "" {
		return fmt.Errorf("postgres: snapshot id is required")
	}
	records, sources := store.Flatten(snapshot.Dataset)

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO snapshots (id, provider, created_at) VALUES ($1, $2, $3)`,
			snapshot.ID, snapshot.Provider, snapshot.CreatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}

		batch := &pgx.Batch{}
		for _, source := range sources {
			batch.Queue(`
				INSERT INTO snapshot_sources (snapshot_id, position, field, code, period, observations, failed, error)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			`, snapshot.ID, source.Position, string(source.Field), source.Code, source.Period, source.Count, source.Failed, source.Error)
		}
		for _, record := range records {
			batch.Queue(`
				INSERT INTO snapshot_records (snapshot_id, position, entity, field, value, present)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (snapshot_id, entity, field)
				DO UPDATE SET value = EXCLUDED.value, present = EXCLUDED.present
			`, snapshot.ID, record.Position, record.Entity, string(record.Field), record.Value, record.Present)
		}
		if batch.Len() == 0 {
			return nil
		}

		results := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return fmt.Errorf("insert snapshot rows: %w", err)
			}
		}
		return results.Close()
	})
}

func (s *Store) LatestSnapshot(ctx context.Context, provider string) (store.Snapshot, error) {
	query := `SELECT id, provider, created_at FROM snapshots`
	args := []any{}
	if provider != "" {
		query += ` WHERE provider = $1`
		args = append(args, provider)
	}
	query += ` ORDER BY created_at DESC LIMIT 1`

	var snapshot store.Snapshot
	err := s.pool.QueryRow(ctx, query, args...).Scan(&snapshot.ID, &snapshot.Provider, &snapshot.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Snapshot{}, store.ErrNoSnapshot
	}
	if err != nil {
		return store.Snapshot{}, err
	}
	snapshot.CreatedAt = snapshot.CreatedAt.UTC()

	sourceRows, err := s.pool.Query(ctx, `
		SELECT position, field, code, period, observations, failed, error
		FROM snapshot_sources
		WHERE snapshot_id = $1
		ORDER BY position
	`, snapshot.ID)
	if err != nil {
		return store.Snapshot{}, err
	}
	sources, err := pgx.CollectRows(sourceRows, func(row pgx.CollectableRow) (store.SourceRow, error) {
		var source store.SourceRow
		var field string
		err := row.Scan(&source.Position, &field, &source.Code, &source.Period, &source.Count, &source.Failed, &source.Error)
		source.Field = model.Field(field)
		return source, err
	})
	if err != nil {
		return store.Snapshot{}, err
	}

	recordRows, err := s.pool.Query(ctx, `
		SELECT position, entity, field, value, present
		FROM snapshot_records
		WHERE snapshot_id = $1
		ORDER BY position, field
	`, snapshot.ID)
	if err != nil {
		return store.Snapshot{}, err
	}
	records, err := pgx.CollectRows(recordRows, func(row pgx.CollectableRow) (store.RecordRow, error) {
		var record store.RecordRow
		var field string
		err := row.Scan(&record.Position, &record.Entity, &field, &record.Value, &record.Present)
		record.Field = model.Field(field)
		return record, err
	})
	if err != nil {
		return store.Snapshot{}, err
	}

	snapshot.Dataset = store.Rebuild(records, sources)
	snapshot.Dataset.FetchedAt = snapshot.CreatedAt
	return snapshot, nil
}

func (s *Store) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS snapshots_provider_created
			ON snapshots (provider, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS snapshot_sources (
			snapshot_id TEXT NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			field TEXT NOT NULL,
			code TEXT NOT NULL,
			period TEXT NOT NULL,
			observations INTEGER NOT NULL,
			failed BOOLEAN NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (snapshot_id, position)
		)`,
		`CREATE TABLE IF NOT EXISTS snapshot_records (
			snapshot_id TEXT NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			entity TEXT NOT NULL,
			field TEXT NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			present BOOLEAN NOT NULL,
			PRIMARY KEY (snapshot_id, entity, field)
		)`,
	}
	for _, statement := range statements {
		if _, err := s.pool.Exec(ctx, statement); err != nil {
			return err
		}
	}
	return nil
}

var _ store.Store = (*Store)(nil)
