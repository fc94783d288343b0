package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"worldstats/internal/aliases"
	apperrors "worldstats/internal/errors"
	"worldstats/internal/model"
	"worldstats/internal/providers"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	gdp        = model.IndicatorQuery{Field: model.FieldGDPPerCapita, Code: "NY.GDP.PCAP.CD", Period: "2021"}
	co2        = model.IndicatorQuery{Field: model.FieldCO2Emissions, Code: "EN.ATM.CO2E.PC", Period: "2019"}
	population = model.IndicatorQuery{Field: model.FieldPopulation, Code: "SP.POP.TOTL", Period: "2021"}
	allQueries = []model.IndicatorQuery{gdp, co2, population}
	fixedClock = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
)

type stubFetcher struct {
	mu        sync.Mutex
	responses map[string][]model.Observation
	errs      map[string]error
	delay     time.Duration
	calls     []string
	inFlight  atomic.Int32
	maxFlight atomic.Int32
}

func (s *stubFetcher) Name() string {
	return "stub"
}

func (s *stubFetcher) FetchIndicator(ctx context.Context, code, period string) ([]model.Observation, error) {
	current := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		peak := s.maxFlight.Load()
		if current <= peak || s.maxFlight.CompareAndSwap(peak, current) {
			break
		}
	}

	s.mu.Lock()
	s.calls = append(s.calls, code+"@"+period)
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, apperrors.NewSourceError("stub", code, ctx.Err())
		}
	}
	if err, ok := s.errs[code]; ok {
		return nil, err
	}
	return s.responses[code], nil
}

func obs(entity string, value float64) model.Observation {
	return model.Observation{Entity: entity, Value: &value}
}

func nullObs(entity string) model.Observation {
	return model.Observation{Entity: entity}
}

func numbers(dataset *model.Dataset) map[string]map[model.Field]float64 {
	out := make(map[string]map[model.Field]float64, dataset.Len())
	for _, record := range dataset.Records {
		fields := make(map[model.Field]float64, len(record.Fields))
		for field, value := range record.Fields {
			fields[field] = value.Number
		}
		out[record.Entity] = fields
	}
	return out
}

func newTestReconciler(fetcher providers.Fetcher, opts Options) *Reconciler {
	opts.Now = fixedClock
	return New(fetcher, opts)
}

func TestReconcile(t *testing.T) {
	tests := []struct {
		name      string
		responses map[string][]model.Observation
		errs      map[string]error
		want      map[string]map[model.Field]float64
	}{
		{
			name: "primary secondary and empty tertiary",
			responses: map[string][]model.Observation{
				gdp.Code: {obs("USA", 60000)},
				co2.Code: {obs("USA", 15)},
			},
			want: map[string]map[model.Field]float64{
				"USA": {model.FieldGDPPerCapita: 60000, model.FieldCO2Emissions: 15, model.FieldPopulation: 0},
			},
		},
		{
			name: "null primary value is excluded",
			responses: map[string][]model.Observation{
				gdp.Code: {nullObs("USA")},
				co2.Code: {obs("USA", 15)},
			},
			want: map[string]map[model.Field]float64{},
		},
		{
			name: "secondary only fills entities from the primary set",
			responses: map[string][]model.Observation{
				gdp.Code: {obs("USA", 1), obs("Narnia", 2)},
				co2.Code: {obs("Narnia", 99)},
			},
			want: map[string]map[model.Field]float64{
				"USA":    {model.FieldGDPPerCapita: 1, model.FieldCO2Emissions: 0, model.FieldPopulation: 0},
				"Narnia": {model.FieldGDPPerCapita: 2, model.FieldCO2Emissions: 99, model.FieldPopulation: 0},
			},
		},
		{
			name: "entities only in secondary series are dropped",
			responses: map[string][]model.Observation{
				gdp.Code:        {obs("France", 40000)},
				co2.Code:        {obs("Atlantis", 3), obs("France", 4.5)},
				population.Code: {obs("Atlantis", 10), obs("France", 67000000)},
			},
			want: map[string]map[model.Field]float64{
				"France": {model.FieldGDPPerCapita: 40000, model.FieldCO2Emissions: 4.5, model.FieldPopulation: 67000000},
			},
		},
		{
			name: "empty primary yields empty dataset",
			responses: map[string][]model.Observation{
				co2.Code:        {obs("USA", 15)},
				population.Code: {obs("USA", 331000000)},
			},
			want: map[string]map[model.Field]float64{},
		},
		{
			name: "failed secondary leaves the field at its default",
			responses: map[string][]model.Observation{
				gdp.Code:        {obs("Chad", 700), obs("Peru", 6600)},
				population.Code: {obs("Peru", 33000000)},
			},
			errs: map[string]error{
				co2.Code: apperrors.NewSourceError("stub", co2.Code, errors.New("connection reset")),
			},
			want: map[string]map[model.Field]float64{
				"Chad": {model.FieldGDPPerCapita: 700, model.FieldCO2Emissions: 0, model.FieldPopulation: 0},
				"Peru": {model.FieldGDPPerCapita: 6600, model.FieldCO2Emissions: 0, model.FieldPopulation: 33000000},
			},
		},
		{
			name: "failed primary yields empty dataset",
			responses: map[string][]model.Observation{
				co2.Code: {obs("USA", 15)},
			},
			errs: map[string]error{
				gdp.Code: errors.New("boom"),
			},
			want: map[string]map[model.Field]float64{},
		},
		{
			name: "null and unnamed observations are skipped",
			responses: map[string][]model.Observation{
				gdp.Code: {obs("", 5), obs("Chile", 16000)},
				co2.Code: {nullObs("Chile"), obs("", 1)},
			},
			want: map[string]map[model.Field]float64{
				"Chile": {model.FieldGDPPerCapita: 16000, model.FieldCO2Emissions: 0, model.FieldPopulation: 0},
			},
		},
		{
			name: "zero is a real value",
			responses: map[string][]model.Observation{
				gdp.Code: {obs("Tuvalu", 0)},
			},
			want: map[string]map[model.Field]float64{
				"Tuvalu": {model.FieldGDPPerCapita: 0, model.FieldCO2Emissions: 0, model.FieldPopulation: 0},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := &stubFetcher{responses: tt.responses, errs: tt.errs}
			dataset := newTestReconciler(fetcher, Options{}).Reconcile(context.Background(), allQueries)

			require.NotNil(t, dataset)
			assert.Equal(t, tt.want, numbers(dataset))
			assert.Len(t, fetcher.calls, len(allQueries))
			assert.Equal(t, fixedClock(), dataset.FetchedAt)
		})
	}
}

func TestReconcileOutputBoundedByPrimary(t *testing.T) {
	primary := []model.Observation{obs("A", 1), nullObs("B"), obs("C", 3), obs("A", 4), nullObs("D")}
	fetcher := &stubFetcher{responses: map[string][]model.Observation{
		gdp.Code: primary,
		co2.Code: {obs("A", 1), obs("B", 2), obs("C", 3), obs("D", 4), obs("E", 5)},
	}}

	dataset := newTestReconciler(fetcher, Options{}).Reconcile(context.Background(), allQueries)

	nonNull := 0
	for _, observation := range primary {
		if observation.HasValue() {
			nonNull++
		}
	}
	assert.LessOrEqual(t, dataset.Len(), nonNull)
	assert.Equal(t, 2, dataset.Len())

	record, ok := dataset.Lookup("A")
	require.True(t, ok)
	assert.Equal(t, 4.0, record.Number(model.FieldGDPPerCapita), "later duplicate overwrites the value")

	entities := make([]string, 0, dataset.Len())
	for _, record := range dataset.Records {
		entities = append(entities, record.Entity)
	}
	assert.Equal(t, []string{"A", "C"}, entities, "records keep primary order")
}

func TestReconcileIsIdempotent(t *testing.T) {
	fetcher := &stubFetcher{responses: map[string][]model.Observation{
		gdp.Code:        {obs("USA", 60000), obs("Japan", 39000)},
		co2.Code:        {obs("Japan", 8.5)},
		population.Code: {obs("USA", 331000000)},
	}}
	reconciler := newTestReconciler(fetcher, Options{})

	first := reconciler.Reconcile(context.Background(), allQueries)
	second := reconciler.Reconcile(context.Background(), allQueries)

	diff := cmp.Diff(first, second, cmpopts.IgnoreUnexported(model.Dataset{}))
	assert.Empty(t, diff)
	assert.Equal(t, first.Map()["USA"], second.Map()["USA"])
}

func TestReconcileTracksPresence(t *testing.T) {
	fetcher := &stubFetcher{
		responses: map[string][]model.Observation{
			gdp.Code:        {obs("USA", 60000)},
			population.Code: {obs("USA", 0)},
		},
		errs: map[string]error{co2.Code: errors.New("timeout")},
	}

	dataset := newTestReconciler(fetcher, Options{}).Reconcile(context.Background(), allQueries)
	record, ok := dataset.Lookup("USA")
	require.True(t, ok)

	assert.Equal(t, model.Present(60000), record.Get(model.FieldGDPPerCapita))
	assert.Equal(t, model.Value{}, record.Get(model.FieldCO2Emissions))
	assert.Equal(t, model.Present(0), record.Get(model.FieldPopulation))

	require.Len(t, dataset.Sources, 3)
	assert.Equal(t, 1, dataset.Sources[0].Count)
	assert.True(t, dataset.Sources[1].Failed)
	assert.Equal(t, "timeout", dataset.Sources[1].Error)
	assert.False(t, dataset.Sources[2].Failed)

	failed := dataset.FailedSources()
	require.Len(t, failed, 1)
	assert.Equal(t, model.FieldCO2Emissions, failed[0].Field)
}

func TestReconcileNoRecordsIsNotAFailure(t *testing.T) {
	fetcher := &stubFetcher{
		responses: map[string][]model.Observation{gdp.Code: {obs("USA", 1)}},
		errs:      map[string]error{co2.Code: providers.ErrNoRecords},
	}

	dataset := newTestReconciler(fetcher, Options{}).Reconcile(context.Background(), allQueries)
	assert.Empty(t, dataset.FailedSources())
	assert.Equal(t, 1, dataset.Len())
}

func TestReconcileFetchesConcurrently(t *testing.T) {
	fetcher := &stubFetcher{
		responses: map[string][]model.Observation{gdp.Code: {obs("USA", 1)}},
		delay:     50 * time.Millisecond,
	}

	start := time.Now()
	dataset := newTestReconciler(fetcher, Options{}).Reconcile(context.Background(), allQueries)
	elapsed := time.Since(start)

	assert.Equal(t, 1, dataset.Len())
	assert.Equal(t, int32(len(allQueries)), fetcher.maxFlight.Load())
	assert.Less(t, elapsed, 140*time.Millisecond)
}

func TestReconcileFetchTimeout(t *testing.T) {
	fetcher := &stubFetcher{
		responses: map[string][]model.Observation{gdp.Code: {obs("USA", 1)}},
		delay:     time.Second,
	}

	dataset := newTestReconciler(fetcher, Options{FetchTimeout: 20 * time.Millisecond}).
		Reconcile(context.Background(), allQueries)

	assert.Equal(t, 0, dataset.Len())
	assert.Len(t, dataset.FailedSources(), 3)
}

func TestReconcileCancelledContext(t *testing.T) {
	fetcher := &stubFetcher{
		responses: map[string][]model.Observation{gdp.Code: {obs("USA", 1)}},
		delay:     time.Second,
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dataset := newTestReconciler(fetcher, Options{}).Reconcile(ctx, allQueries)
	assert.Equal(t, 0, dataset.Len())
}

func TestReconcileNoQueries(t *testing.T) {
	fetcher := &stubFetcher{}
	dataset := newTestReconciler(fetcher, Options{}).Reconcile(context.Background(), nil)

	require.NotNil(t, dataset)
	assert.Equal(t, 0, dataset.Len())
	assert.Empty(t, fetcher.calls)
}

func TestReconcileWithAliases(t *testing.T) {
	table, err := aliases.New([]aliases.Entry{
		{Canonical: "United States", Aliases: []string{"USA", "US"}},
		{Canonical: "Korea, Rep.", Aliases: []string{"South Korea"}},
	})
	require.NoError(t, err)

	fetcher := &stubFetcher{responses: map[string][]model.Observation{
		gdp.Code:        {obs("United States", 60000), obs("Korea, Rep.", 35000)},
		co2.Code:        {obs("USA", 15), obs("south korea", 11.6)},
		population.Code: {obs("US", 331000000)},
	}}

	dataset := newTestReconciler(fetcher, Options{Aliases: table}).Reconcile(context.Background(), allQueries)

	assert.Equal(t, map[string]map[model.Field]float64{
		"United States": {model.FieldGDPPerCapita: 60000, model.FieldCO2Emissions: 15, model.FieldPopulation: 331000000},
		"Korea, Rep.":   {model.FieldGDPPerCapita: 35000, model.FieldCO2Emissions: 11.6, model.FieldPopulation: 0},
	}, numbers(dataset))
}

func TestReconcileWithoutAliasesIsExact(t *testing.T) {
	fetcher := &stubFetcher{responses: map[string][]model.Observation{
		gdp.Code: {obs("United States", 60000)},
		co2.Code: {obs("united states", 15)},
	}}

	dataset := newTestReconciler(fetcher, Options{}).Reconcile(context.Background(), allQueries)
	record, ok := dataset.Lookup("United States")
	require.True(t, ok)
	assert.False(t, record.Get(model.FieldCO2Emissions).Present)
}

func TestMergeMismatchedLengths(t *testing.T) {
	dataset := Merge(
		[]model.Field{model.FieldGDPPerCapita},
		[][]model.Observation{{obs("USA", 1)}, {obs("USA", 2)}},
		nil,
	)
	require.Equal(t, 1, dataset.Len())
	assert.Equal(t, 1.0, dataset.Records[0].Number(model.FieldGDPPerCapita))

	assert.Equal(t, 0, Merge(nil, nil, nil).Len())
}
