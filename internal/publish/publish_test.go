package publish

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worldstats/internal/model"
	"worldstats/internal/store"
)

func sampleSnapshot() store.Snapshot {
	dataset := model.NewDataset([]model.Field{
		model.FieldGDPPerCapita,
		model.FieldCO2Emissions,
		model.FieldPopulation,
	})
	usa := dataset.Insert("United States")
	usa.Fields[model.FieldGDPPerCapita] = model.Present(70219.47)
	usa.Fields[model.FieldCO2Emissions] = model.Present(14.9)
	usa.Fields[model.FieldPopulation] = model.Present(331893745)

	chad := dataset.Insert("Chad")
	chad.Fields[model.FieldGDPPerCapita] = model.Present(696.2)

	dataset.Sources = []model.SourceStatus{
		{Field: model.FieldGDPPerCapita, Code: "NY.GDP.PCAP.CD", Period: "2021", Count: 2},
		{Field: model.FieldCO2Emissions, Code: "EN.ATM.CO2E.PC", Period: "2019", Failed: true, Error: "status 502"},
		{Field: model.FieldPopulation, Code: "SP.POP.TOTL", Period: "2021", Count: 1},
	}
	dataset.FetchedAt = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	return store.Snapshot{
		ID:        "b6d4c7a2-0000-4000-8000-000000000001",
		Provider:  "worldbank",
		CreatedAt: dataset.FetchedAt,
		Dataset:   dataset,
	}
}

var generatedAt = time.Date(2024, 3, 2, 8, 30, 0, 0, time.UTC)

func TestBuildCountriesZeroDefault(t *testing.T) {
	doc := BuildCountries(sampleSnapshot().Dataset, generatedAt, Options{})

	data, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"generated_at": "2024-03-02T08:30:00Z",
		"rows": [
			{"country": "United States", "gdpPerCapita": 70219.47, "co2Emissions": 14.9, "population": 331893745},
			{"country": "Chad", "gdpPerCapita": 696.2, "co2Emissions": 0, "population": 0}
		]
	}`, string(data))
}

func TestBuildCountriesExplicitNull(t *testing.T) {
	doc := BuildCountries(sampleSnapshot().Dataset, generatedAt, Options{ExplicitNull: true})

	data, err := json.Marshal(doc.Rows[1])
	require.NoError(t, err)
	assert.Equal(t, `{"country":"Chad","gdpPerCapita":696.2,"co2Emissions":null,"population":null}`, string(data))
}

func TestBuildCountriesKeepsFieldOrder(t *testing.T) {
	dataset := model.NewDataset([]model.Field{model.FieldPopulation, model.FieldGDPPerCapita})
	dataset.Insert("Peru").Fields[model.FieldPopulation] = model.Present(33715471)

	data, err := json.Marshal(BuildCountries(dataset, generatedAt, Options{}).Rows[0])
	require.NoError(t, err)
	assert.Equal(t, `{"country":"Peru","population":33715471,"gdpPerCapita":0}`, string(data))
}

func TestBuildCountriesNilDataset(t *testing.T) {
	doc := BuildCountries(nil, generatedAt, Options{})
	assert.NotNil(t, doc.Rows)
	assert.Empty(t, doc.Rows)
}

func TestBuildMeta(t *testing.T) {
	meta := BuildMeta(sampleSnapshot(), generatedAt)

	assert.Equal(t, "2024-03-02T08:30:00Z", meta.GeneratedAt)
	assert.Equal(t, "2024-03-01T12:00:00Z", meta.FetchedAt)
	assert.Equal(t, "worldbank", meta.Provider)
	require.Len(t, meta.Sources, 3)
	assert.Equal(t, Source{
		Field:     model.FieldCO2Emissions,
		Indicator: "EN.ATM.CO2E.PC",
		Period:    "2019",
		Failed:    true,
		Error:     "status 502",
	}, meta.Sources[1])
}

func TestWriteSite(t *testing.T) {
	outDir := filepath.Join(t.TempDir(), "site", "data")
	require.NoError(t, WriteSite(outDir, sampleSnapshot(), generatedAt, Options{}))

	raw, err := os.ReadFile(filepath.Join(outDir, CountriesFile))
	require.NoError(t, err)
	var countries struct {
		GeneratedAt string           `json:"generated_at"`
		Rows        []map[string]any `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(raw, &countries))
	require.Len(t, countries.Rows, 2)
	assert.Equal(t, "United States", countries.Rows[0]["country"])

	raw, err = os.ReadFile(filepath.Join(outDir, MetaFile))
	require.NoError(t, err)
	var meta MetaDocument
	require.NoError(t, json.Unmarshal(raw, &meta))
	assert.Equal(t, "b6d4c7a2-0000-4000-8000-000000000001", meta.SnapshotID)

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
