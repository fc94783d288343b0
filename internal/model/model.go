package model

import (
	"encoding/json"
	"time"
)

type Field string

const (
	FieldGDPPerCapita Field = "gdpPerCapita"
	FieldCO2Emissions Field = "co2Emissions"
	FieldPopulation   Field = "population"
)

type IndicatorQuery struct {
	Field  Field
	Code   string
	Period string
}

// DefaultQueries are the series the dashboard has always shown. GDP is the
// primary series, so it decides which countries appear at all.
func DefaultQueries() []IndicatorQuery {
	return []IndicatorQuery{
		{Field: FieldGDPPerCapita, Code: "NY.GDP.PCAP.CD", Period: "2021"},
		{Field: FieldCO2Emissions, Code: "EN.ATM.CO2E.PC", Period: "2019"},
		{Field: FieldPopulation, Code: "SP.POP.TOTL", Period: "2021"},
	}
}

type Observation struct {
	Provider   string
	Entity     string
	EntityCode string
	Indicator  string
	Period     string
	Value      *float64
}

func (o Observation) HasValue() bool {
	return o.Value != nil
}

type Country struct {
	ISO3        string
	ISO2        string
	Name        string
	Region      string
	IncomeLevel string
	Aggregate   bool
}

// Value is a composite field. Number stays zero when Present is false.
type Value struct {
	Number  float64
	Present bool
}

func Present(number float64) Value {
	return Value{Number: number, Present: true}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Number)
}

type Record struct {
	Entity string
	Fields map[Field]Value
}

func NewRecord(entity string, fields []Field) *Record {
	record := &Record{
		Entity: entity,
		Fields: make(map[Field]Value, len(fields)),
	}
	for _, field := range fields {
		record.Fields[field] = Value{}
	}
	return record
}

func (r *Record) Get(field Field) Value {
	if r == nil {
		return Value{}
	}
	return r.Fields[field]
}

func (r *Record) Number(field Field) float64 {
	return r.Get(field).Number
}

type SourceStatus struct {
	Field  Field
	Code   string
	Period string
	Count  int
	Failed bool
	Error  string
}

type Dataset struct {
	Fields    []Field
	Records   []*Record
	Sources   []SourceStatus
	FetchedAt time.Time

	index map[string]*Record
}

func NewDataset(fields []Field) *Dataset {
	return &Dataset{
		Fields:  fields,
		Records: make([]*Record, 0),
		index:   make(map[string]*Record),
	}
}

func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Records)
}

func (d *Dataset) Lookup(entity string) (*Record, bool) {
	if d == nil || d.index == nil {
		return nil, false
	}
	record, ok := d.index[entity]
	return record, ok
}

// Insert returns the existing record for entity, or appends a new one.
func (d *Dataset) Insert(entity string) *Record {
	if d.index == nil {
		d.index = make(map[string]*Record)
	}
	if record, ok := d.index[entity]; ok {
		return record
	}
	record := NewRecord(entity, d.Fields)
	d.index[entity] = record
	d.Records = append(d.Records, record)
	return record
}

// Map returns the records keyed by entity identifier.
func (d *Dataset) Map() map[string]*Record {
	out := make(map[string]*Record, d.Len())
	if d == nil {
		return out
	}
	for _, record := range d.Records {
		out[record.Entity] = record
	}
	return out
}

func (d *Dataset) FailedSources() []SourceStatus {
	if d == nil {
		return nil
	}
	failed := make([]SourceStatus, 0)
	for _, source := range d.Sources {
		if source.Failed {
			failed = append(failed, source)
		}
	}
	return failed
}
