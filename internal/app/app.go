// Package app wires configuration into providers, stores and the
// reconciler for the collector and publisher commands.
package app

import (
	"context"
	"fmt"
	"io"
	"strings"

	"worldstats/internal/aliases"
	"worldstats/internal/config"
	"worldstats/internal/providers"
	"worldstats/internal/providers/worldbank"
	"worldstats/internal/reconcile"
	"worldstats/internal/store"
	"worldstats/internal/store/postgres"
	"worldstats/internal/store/sqlite"
)

// ProviderID resolves a provider id or alias to the id its snapshots are
// stored under.
func ProviderID(providerID string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(providerID)) {
	case "worldbank", "wb":
		return worldbank.ID, nil
	default:
		return "", fmt.Errorf("unknown provider: %s", providerID)
	}
}

func BuildProvider(providerID string) (providers.Provider, error) {
	id, err := ProviderID(providerID)
	if err != nil {
		return nil, err
	}
	switch id {
	case worldbank.ID:
		return worldbank.New()
	default:
		return nil, fmt.Errorf("unknown provider: %s", providerID)
	}
}

// CloseProvider releases provider resources when it holds any.
func CloseProvider(provider providers.Provider) {
	if closer, ok := provider.(io.Closer); ok {
		_ = closer.Close()
	}
}

// OpenStore picks the backend from the db setting: empty disables
// persistence, a postgres:// DSN uses PostgreSQL, anything else is a sqlite
// file path.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	path := strings.TrimSpace(cfg.DBPath)
	switch {
	case path == "":
		return &store.NopStore{}, nil
	case postgres.IsDSN(path):
		return postgres.New(ctx, postgres.Config{
			DSN:      path,
			MinConns: cfg.PostgresMinConns,
			MaxConns: cfg.PostgresMaxConns,
		})
	default:
		return sqlite.New(path)
	}
}

func LoadAliases(path string) (*aliases.Table, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	return aliases.Load(path)
}

func NewReconciler(cfg *config.Config, fetcher providers.Fetcher) (*reconcile.Reconciler, error) {
	table, err := LoadAliases(cfg.AliasFile)
	if err != nil {
		return nil, err
	}
	return reconcile.New(fetcher, reconcile.Options{
		FetchTimeout: cfg.FetchTimeout,
		Aliases:      table,
	}), nil
}
