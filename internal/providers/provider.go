package providers

import (
	"context"
	"errors"

	"worldstats/internal/model"
)

// ErrNoRecords means the provider answered successfully but had no rows.
var ErrNoRecords = errors.New("providers: no records found")

type Provider interface {
	Name() string
	FetchIndicator(ctx context.Context, code, period string) ([]model.Observation, error)
	ListCountries(ctx context.Context) ([]model.Country, error)
}

// Fetcher is the part of Provider the reconciler needs.
type Fetcher interface {
	Name() string
	FetchIndicator(ctx context.Context, code, period string) ([]model.Observation, error)
}
