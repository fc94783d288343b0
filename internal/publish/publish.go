// Package publish turns a reconciled dataset into the JSON documents the
// static site and the live endpoint serve.
package publish

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"worldstats/internal/model"
	"worldstats/internal/store"
)

const (
	CountriesFile = "countries.json"
	MetaFile      = "meta.json"
)

type Options struct {
	// ExplicitNull writes null for fields the provider had no value for.
	// Otherwise they are written as 0.
	ExplicitNull bool
}

type CountriesDocument struct {
	GeneratedAt string `json:"generated_at"`
	Rows        []Row  `json:"rows"`
}

// Row is one country. It encodes as {"country": ..., <field>: ...} with the
// fields in dataset order.
type Row struct {
	Country string
	Fields  []model.Field
	Values  map[model.Field]model.Value

	explicitNull bool
}

func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"country":`)
	name, err := json.Marshal(r.Country)
	if err != nil {
		return nil, err
	}
	buf.Write(name)
	for _, field := range r.Fields {
		key, err := json.Marshal(string(field))
		if err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		buf.Write(key)
		buf.WriteByte(':')

		value := r.Values[field]
		if !value.Present && r.explicitNull {
			buf.WriteString("null")
			continue
		}
		number, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		buf.Write(number)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

type MetaDocument struct {
	GeneratedAt string   `json:"generated_at"`
	SnapshotID  string   `json:"snapshot_id,omitempty"`
	Provider    string   `json:"provider"`
	FetchedAt   string   `json:"fetched_at,omitempty"`
	Sources     []Source `json:"sources"`
}

type Source struct {
	Field        model.Field `json:"field"`
	Indicator    string      `json:"indicator"`
	Period       string      `json:"period"`
	Observations int         `json:"observations"`
	Failed       bool        `json:"failed,omitempty"`
	Error        string      `json:"error,omitempty"`
}

func BuildCountries(dataset *model.Dataset, generatedAt time.Time, opts Options) CountriesDocument {
	doc := CountriesDocument{
		GeneratedAt: generatedAt.UTC().Format(time.RFC3339),
		Rows:        make([]Row, 0, dataset.Len()),
	}
	if dataset == nil {
		return doc
	}
	for _, record := range dataset.Records {
		doc.Rows = append(doc.Rows, Row{
			Country:      record.Entity,
			Fields:       dataset.Fields,
			Values:       record.Fields,
			explicitNull: opts.ExplicitNull,
		})
	}
	return doc
}

func BuildMeta(snapshot store.Snapshot, generatedAt time.Time) MetaDocument {
	meta := MetaDocument{
		GeneratedAt: generatedAt.UTC().Format(time.RFC3339),
		SnapshotID:  snapshot.ID,
		Provider:    snapshot.Provider,
		Sources:     make([]Source, 0),
	}
	if snapshot.Dataset == nil {
		return meta
	}
	if !snapshot.Dataset.FetchedAt.IsZero() {
		meta.FetchedAt = snapshot.Dataset.FetchedAt.UTC().Format(time.RFC3339)
	}
	for _, status := range snapshot.Dataset.Sources {
		meta.Sources = append(meta.Sources, Source{
			Field:        status.Field,
			Indicator:    status.Code,
			Period:       status.Period,
			Observations: status.Count,
			Failed:       status.Failed,
			Error:        status.Error,
		})
	}
	return meta
}

// WriteSite writes countries.json and meta.json for snapshot into outDir.
func WriteSite(outDir string, snapshot store.Snapshot, now time.Time, opts Options) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	if err := WriteJSON(filepath.Join(outDir, MetaFile), BuildMeta(snapshot, now)); err != nil {
		return err
	}
	return WriteJSON(filepath.Join(outDir, CountriesFile), BuildCountries(snapshot.Dataset, now, opts))
}

// WriteJSON writes value to path through a temporary file so readers never
// see a partial document.
func WriteJSON(path string, value any) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	encoder := json.NewEncoder(tmp)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(value); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
