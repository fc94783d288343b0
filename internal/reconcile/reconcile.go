// Package reconcile merges several indicator series into one record per
// entity.
//
// The first query is the primary series: only entities it reports with a
// non-null value get a record, and every later series can only fill in fields
// of those records. Fetch failures never reach the caller; a failed series
// contributes nothing and its fields stay at their zero value, flagged as not
// present.
package reconcile

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"worldstats/internal/aliases"
	"worldstats/internal/logging"
	"worldstats/internal/model"
	"worldstats/internal/providers"
)

const defaultFetchTimeout = 30 * time.Second

type Options struct {
	// FetchTimeout bounds each provider call. Zero uses the default, a
	// negative value disables the per-call timeout.
	FetchTimeout time.Duration

	// Aliases canonicalizes entity names before joining. Nil means exact
	// string matching.
	Aliases *aliases.Table

	// Now stamps Dataset.FetchedAt.
	Now func() time.Time
}

type Reconciler struct {
	fetcher providers.Fetcher
	opts    Options
}

func New(fetcher providers.Fetcher, opts Options) *Reconciler {
	if opts.FetchTimeout == 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Reconciler{fetcher: fetcher, opts: opts}
}

// FetchIndicator fetches one series. Any failure is logged and turned into
// an empty result; the returned status records what happened.
func (r *Reconciler) FetchIndicator(ctx context.Context, query model.IndicatorQuery) ([]model.Observation, model.SourceStatus) {
	status := model.SourceStatus{
		Field:  query.Field,
		Code:   query.Code,
		Period: query.Period,
	}

	if r.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.FetchTimeout)
		defer cancel()
	}

	logger := logging.FromContext(ctx)
	observations, err := r.fetcher.FetchIndicator(ctx, query.Code, query.Period)
	if err != nil {
		if errors.Is(err, providers.ErrNoRecords) {
			logger.Debug().
				Str("provider", r.fetcher.Name()).
				Str("indicator", query.Code).
				Str("period", query.Period).
				Msg("Indicator returned no records")
			return []model.Observation{}, status
		}
		logger.Warn().
			Err(err).
			Str("provider", r.fetcher.Name()).
			Str("field", string(query.Field)).
			Str("indicator", query.Code).
			Str("period", query.Period).
			Msg("Indicator fetch failed, continuing without it")
		status.Failed = true
		status.Error = err.Error()
		return []model.Observation{}, status
	}
	if observations == nil {
		observations = []model.Observation{}
	}

	status.Count = len(observations)
	logger.Debug().
		Str("provider", r.fetcher.Name()).
		Str("indicator", query.Code).
		Str("period", query.Period).
		Int("observations", status.Count).
		Msg("Fetched indicator")
	return observations, status
}

// Reconcile fetches every query concurrently, waits for all of them, then
// merges. It never fails; the worst case is an empty dataset.
func (r *Reconciler) Reconcile(ctx context.Context, queries []model.IndicatorQuery) *model.Dataset {
	fields := make([]model.Field, len(queries))
	for i, query := range queries {
		fields[i] = query.Field
	}

	series := make([][]model.Observation, len(queries))
	statuses := make([]model.SourceStatus, len(queries))

	group, groupCtx := errgroup.WithContext(ctx)
	for i, query := range queries {
		i, query := i, query
		group.Go(func() error {
			series[i], statuses[i] = r.FetchIndicator(groupCtx, query)
			return nil
		})
	}
	_ = group.Wait()

	dataset := Merge(fields, series, r.opts.Aliases)
	dataset.Sources = statuses
	dataset.FetchedAt = r.opts.Now()

	logging.FromContext(ctx).Info().
		Int("queries", len(queries)).
		Int("records", dataset.Len()).
		Int("failed_sources", len(dataset.FailedSources())).
		Msg("Reconciled indicators")
	return dataset
}

// Merge joins already-fetched series. series[i] belongs to fields[i];
// series[0] decides which entities exist.
func Merge(fields []model.Field, series [][]model.Observation, table *aliases.Table) *model.Dataset {
	dataset := model.NewDataset(fields)
	if len(fields) == 0 || len(series) == 0 {
		return dataset
	}

	for _, observation := range series[0] {
		if observation.Entity == "" || !observation.HasValue() {
			continue
		}
		record := dataset.Insert(table.Canonical(observation.Entity))
		record.Fields[fields[0]] = model.Present(*observation.Value)
	}

	for i := 1; i < len(series) && i < len(fields); i++ {
		for _, observation := range series[i] {
			if observation.Entity == "" || !observation.HasValue() {
				continue
			}
			record, ok := dataset.Lookup(table.Canonical(observation.Entity))
			if !ok {
				continue
			}
			record.Fields[fields[i]] = model.Present(*observation.Value)
		}
	}
	return dataset
}
