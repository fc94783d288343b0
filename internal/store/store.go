package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "worldstats/internal/errors"
	"worldstats/internal/model"
)

var ErrNoSnapshot = fmt.Errorf("store: no snapshot: %w", apperrors.ErrNotFound)

type Store interface {
	SaveSnapshot(ctx context.Context, snapshot Snapshot) error
	LatestSnapshot(ctx context.Context, provider string) (Snapshot, error)
	Close() error
}

// Snapshot is a persisted copy of one reconciled dataset.
type Snapshot struct {
	ID        string
	Provider  string
	CreatedAt time.Time
	Dataset   *model.Dataset
}

// NewSnapshot stamps dataset with a fresh id.
func NewSnapshot(provider string, dataset *model.Dataset, now time.Time) Snapshot {
	return Snapshot{
		ID:        uuid.NewString(),
		Provider:  provider,
		CreatedAt: now.UTC(),
		Dataset:   dataset,
	}
}

// RecordRow is the flattened (snapshot, entity, field) shape both SQL
// backends store.
type RecordRow struct {
	Position int
	Entity   string
	Field    model.Field
	Value    float64
	Present  bool
}

// SourceRow is one per-series status line of a snapshot.
type SourceRow struct {
	Position int
	Field    model.Field
	Code     string
	Period   string
	Count    int
	Failed   bool
	Error    string
}

func Flatten(dataset *model.Dataset) ([]RecordRow, []SourceRow) {
	if dataset == nil {
		return nil, nil
	}
	records := make([]RecordRow, 0, dataset.Len()*len(dataset.Fields))
	for position, record := range dataset.Records {
		for _, field := range dataset.Fields {
			value := record.Get(field)
			records = append(records, RecordRow{
				Position: position,
				Entity:   record.Entity,
				Field:    field,
				Value:    value.Number,
				Present:  value.Present,
			})
		}
	}
	sources := make([]SourceRow, 0, len(dataset.Sources))
	for position, source := range dataset.Sources {
		sources = append(sources, SourceRow{
			Position: position,
			Field:    source.Field,
			Code:     source.Code,
			Period:   source.Period,
			Count:    source.Count,
			Failed:   source.Failed,
			Error:    source.Error,
		})
	}
	return records, sources
}

// Rebuild reverses Flatten. Rows must be ordered by position.
func Rebuild(records []RecordRow, sources []SourceRow) *model.Dataset {
	fields := make([]model.Field, 0, len(sources))
	for _, source := range sources {
		fields = append(fields, source.Field)
	}
	dataset := model.NewDataset(fields)
	for _, row := range records {
		record := dataset.Insert(row.Entity)
		record.Fields[row.Field] = model.Value{Number: row.Value, Present: row.Present}
	}
	for _, source := range sources {
		dataset.Sources = append(dataset.Sources, model.SourceStatus{
			Field:  source.Field,
			Code:   source.Code,
			Period: source.Period,
			Count:  source.Count,
			Failed: source.Failed,
			Error:  source.Error,
		})
	}
	return dataset
}

type NopStore struct{}

func (s *NopStore) SaveSnapshot(ctx context.Context, snapshot Snapshot) error {
	_ = ctx
	_ = snapshot
	return nil
}

func (s *NopStore) LatestSnapshot(ctx context.Context, provider string) (Snapshot, error) {
	_ = ctx
	_ = provider
	return Snapshot{}, ErrNoSnapshot
}

func (s *NopStore) Close() error {
	return nil
}
