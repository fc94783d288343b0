package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"worldstats/internal/model"
	"worldstats/internal/store"
)

// timeLayout sorts lexically in chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) SaveSnapshot(ctx context.Context, snapshot store.Snapshot) (err error) {
	if snapshot.ID == "" {
		return fmt.Errorf("sqlite: snapshot id is required")
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}
	records, sources := store.Flatten(snapshot.Dataset)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO snapshots (id, provider, created_at) VALUES (?, ?, ?)`,
		snapshot.ID, snapshot.Provider, snapshot.CreatedAt.UTC().Format(timeLayout),
	); err != nil {
		return err
	}

	sourceStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO snapshot_sources (
			snapshot_id, position, field, code, period, observations, failed, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer sourceStmt.Close()

	for _, source := range sources {
		if _, err = sourceStmt.ExecContext(ctx,
			snapshot.ID,
			source.Position,
			string(source.Field),
			source.Code,
			source.Period,
			source.Count,
			boolToInt(source.Failed),
			source.Error,
		); err != nil {
			return err
		}
	}

	recordStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO snapshot_records (
			snapshot_id, position, entity, field, value, present
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(snapshot_id, entity, field)
		DO UPDATE SET
			value = excluded.value,
			present = excluded.present
	`)
	if err != nil {
		return err
	}
	defer recordStmt.Close()

	for _, record := range records {
		if _, err = recordStmt.ExecContext(ctx,
			snapshot.ID,
			record.Position,
			record.Entity,
			string(record.Field),
			record.Value,
			boolToInt(record.Present),
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) LatestSnapshot(ctx context.Context, provider string) (store.Snapshot, error) {
	query := `SELECT id, provider, created_at FROM snapshots`
	args := []any{}
	if provider != "" {
		query += ` WHERE provider = ?`
		args = append(args, provider)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT 1`

	var snapshot store.Snapshot
	var createdAt string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&snapshot.ID, &snapshot.Provider, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Snapshot{}, store.ErrNoSnapshot
	}
	if err != nil {
		return store.Snapshot{}, err
	}
	snapshot.CreatedAt, err = time.Parse(timeLayout, createdAt)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("sqlite: parse created_at: %w", err)
	}

	sources, err := s.loadSources(ctx, snapshot.ID)
	if err != nil {
		return store.Snapshot{}, err
	}
	records, err := s.loadRecords(ctx, snapshot.ID)
	if err != nil {
		return store.Snapshot{}, err
	}

	snapshot.Dataset = store.Rebuild(records, sources)
	snapshot.Dataset.FetchedAt = snapshot.CreatedAt
	return snapshot, nil
}

func (s *Store) loadSources(ctx context.Context, snapshotID string) ([]store.SourceRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT position, field, code, period, observations, failed, error
		FROM snapshot_sources
		WHERE snapshot_id = ?
		ORDER BY position
	`, snapshotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]store.SourceRow, 0)
	for rows.Next() {
		var row store.SourceRow
		var field string
		var failed int
		if err := rows.Scan(&row.Position, &field, &row.Code, &row.Period, &row.Count, &failed, &row.Error); err != nil {
			return nil, err
		}
		row.Field = model.Field(field)
		row.Failed = failed != 0
		results = append(results, row)
	}
	return results, rows.Err()
}

func (s *Store) loadRecords(ctx context.Context, snapshotID string) ([]store.RecordRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT position, entity, field, value, present
		FROM snapshot_records
		WHERE snapshot_id = ?
		ORDER BY position, field
	`, snapshotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]store.RecordRow, 0)
	for rows.Next() {
		var row store.RecordRow
		var field string
		var present int
		if err := rows.Scan(&row.Position, &row.Entity, &field, &row.Value, &present); err != nil {
			return nil, err
		}
		row.Field = model.Field(field)
		row.Present = present != 0
		results = append(results, row)
	}
	return results, rows.Err()
}

func (s *Store) migrate() error {
	statements := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS snapshots_provider_created
			ON snapshots (provider, created_at);`,
		`CREATE TABLE IF NOT EXISTS snapshot_sources (
			snapshot_id TEXT NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			field TEXT NOT NULL,
			code TEXT NOT NULL,
			period TEXT NOT NULL,
			observations INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (snapshot_id, position)
		);`,
		`CREATE TABLE IF NOT EXISTS snapshot_records (
			snapshot_id TEXT NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			entity TEXT NOT NULL,
			field TEXT NOT NULL,
			value REAL NOT NULL,
			present INTEGER NOT NULL,
			PRIMARY KEY (snapshot_id, entity, field)
		);`,
	}

	for _, statement := range statements {
		if _, err := s.db.Exec(statement); err != nil {
			return err
		}
	}

	return nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

var _ store.Store = (*Store)(nil)
