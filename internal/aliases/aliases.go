// Package aliases maps the entity names used by independent datasets onto a
// single canonical identifier. Lookups fold case, apply NFKC normalization
// and collapse whitespace, so "  côte d'ivoire" and "Côte d'Ivoire" meet.
package aliases

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	apperrors "worldstats/internal/errors"
	"worldstats/internal/model"
)

// Entry is one canonical entity and the other names it is known by.
type Entry struct {
	Canonical string   `yaml:"canonical"`
	Aliases   []string `yaml:"aliases,omitempty"`
}

type file struct {
	Entities []Entry `yaml:"entities"`
}

// Table resolves entity names. The zero value and a nil *Table both resolve
// every name to itself.
type Table struct {
	entries   []Entry
	canonical map[string]string
}

// New builds a table and validates it. A name that folds to the same key as
// a different canonical entity is an error.
func New(entries []Entry) (*Table, error) {
	table := &Table{
		entries:   make([]Entry, 0, len(entries)),
		canonical: make(map[string]string),
	}
	for i, entry := range entries {
		canonical := strings.TrimSpace(entry.Canonical)
		if canonical == "" {
			return nil, apperrors.NewValidationError(fmt.Sprintf("entities[%d].canonical", i), entry.Canonical, "canonical name is required")
		}
		names := append([]string{canonical}, entry.Aliases...)
		kept := Entry{Canonical: canonical}
		for _, name := range names {
			key := Key(name)
			if key == "" {
				continue
			}
			if existing, ok := table.canonical[key]; ok {
				if existing != canonical {
					return nil, apperrors.NewValidationError(
						fmt.Sprintf("entities[%d].aliases", i),
						name,
						fmt.Sprintf("%q already maps to %q", name, existing),
					)
				}
				continue
			}
			table.canonical[key] = canonical
			if name != canonical {
				kept.Aliases = append(kept.Aliases, strings.TrimSpace(name))
			}
		}
		table.entries = append(table.entries, kept)
	}
	return table, nil
}

// Load reads a YAML alias file.
//
//	entities:
//	  - canonical: United States
//	    aliases: [USA, US, United States of America]
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.NewConfigError("aliases", "read "+path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Table, error) {
	var parsed file
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, apperrors.NewConfigError("aliases", "parse alias table", err)
	}
	table, err := New(parsed.Entities)
	if err != nil {
		return nil, apperrors.NewConfigError("aliases", "validate alias table", err)
	}
	return table, nil
}

// FromCountries builds a table whose canonical ids are provider names, with
// ISO3 and ISO2 codes as aliases. Aggregates are skipped unless
// includeAggregates is set.
func FromCountries(countries []model.Country, includeAggregates bool) (*Table, error) {
	entries := make([]Entry, 0, len(countries))
	for _, country := range countries {
		if country.Aggregate && !includeAggregates {
			continue
		}
		entry := Entry{Canonical: country.Name}
		for _, code := range []string{country.ISO3, country.ISO2} {
			if code != "" {
				entry.Aliases = append(entry.Aliases, code)
			}
		}
		entries = append(entries, entry)
	}
	return New(entries)
}

// Canonical returns the canonical id for name, or name unchanged when the
// table does not know it.
func (t *Table) Canonical(name string) string {
	if t == nil || len(t.canonical) == 0 {
		return name
	}
	if canonical, ok := t.canonical[Key(name)]; ok {
		return canonical
	}
	return name
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// Entries returns the validated entries sorted by canonical name.
func (t *Table) Entries() []Entry {
	if t == nil {
		return nil
	}
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Canonical < out[j].Canonical
	})
	return out
}

// Marshal renders the table in the format Load reads.
func (t *Table) Marshal() ([]byte, error) {
	return yaml.Marshal(file{Entities: t.Entries()})
}

// Key is the normalized lookup form of name.
func Key(name string) string {
	normalized := norm.NFKC.String(name)
	folded := cases.Fold().String(normalized)
	return strings.Join(strings.Fields(folded), " ")
}
