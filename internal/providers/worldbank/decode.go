package worldbank

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	apperrors "worldstats/internal/errors"
	"worldstats/internal/model"
)

// pageMeta is the first element of every v2 response. Older deployments
// send the numeric fields as strings.
type pageMeta struct {
	Page        flexInt `json:"page"`
	Pages       flexInt `json:"pages"`
	PerPage     flexInt `json:"per_page"`
	Total       flexInt `json:"total"`
	LastUpdated string  `json:"lastupdated"`
}

type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	trimmed := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if trimmed == "" || trimmed == "null" {
		*f = 0
		return nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return fmt.Errorf("worldbank: invalid integer %q", trimmed)
	}
	*f = flexInt(parsed)
	return nil
}

func (f flexInt) Int() int {
	return int(f)
}

type providerMessage struct {
	Messages []struct {
		ID    string `json:"id"`
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"message"`
}

func (m providerMessage) String() string {
	parts := make([]string, 0, len(m.Messages))
	for _, message := range m.Messages {
		text := strings.TrimSpace(message.Key)
		if value := strings.TrimSpace(message.Value); value != "" {
			text += ": " + value
		}
		if message.ID != "" {
			text += " (" + message.ID + ")"
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, "; ")
}

// decodeEnvelope splits a [metadata, rows] body. An error envelope becomes a
// SourceError; a null rows element becomes ErrNoRecords.
func decodeEnvelope(body []byte) (pageMeta, json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(body, &parts); err != nil {
		return pageMeta{}, nil, err
	}
	if len(parts) == 0 {
		return pageMeta{}, nil, errors.New("worldbank: empty response envelope")
	}

	var message providerMessage
	if err := json.Unmarshal(parts[0], &message); err == nil && len(message.Messages) > 0 {
		return pageMeta{}, nil, &apperrors.SourceError{Message: message.String()}
	}

	var meta pageMeta
	if err := json.Unmarshal(parts[0], &meta); err != nil {
		return pageMeta{}, nil, fmt.Errorf("worldbank: decode metadata: %w", err)
	}
	if len(parts) < 2 {
		return meta, nil, errors.New("worldbank: response envelope missing rows")
	}
	rows := bytes.TrimSpace(parts[1])
	if len(rows) == 0 || bytes.Equal(rows, []byte("null")) {
		return meta, nil, ErrNoRecords
	}
	return meta, rows, nil
}

type namedRef struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

type indicatorRow struct {
	Indicator       namedRef        `json:"indicator"`
	Country         *namedRef       `json:"country"`
	CountryISO3Code string          `json:"countryiso3code"`
	Date            string          `json:"date"`
	Value           json.RawMessage `json:"value"`
}

func (r indicatorRow) toObservation(provider, code string) model.Observation {
	observation := model.Observation{
		Provider:   provider,
		EntityCode: strings.TrimSpace(r.CountryISO3Code),
		Indicator:  code,
		Period:     strings.TrimSpace(r.Date),
	}
	if r.Country != nil {
		observation.Entity = r.Country.Value
		if observation.EntityCode == "" {
			observation.EntityCode = strings.TrimSpace(r.Country.ID)
		}
	}
	if id := strings.TrimSpace(r.Indicator.ID); id != "" {
		observation.Indicator = id
	}
	if value, ok := parseValue(r.Value); ok {
		observation.Value = &value
	}
	return observation
}

// parseValue accepts a JSON number or a numeric string. null, an empty
// string, NaN, infinities or anything unparsable is reported as absent.
func parseValue(raw json.RawMessage) (float64, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return 0, false
	}

	var number json.Number
	if err := json.Unmarshal(trimmed, &number); err == nil {
		parsed, err := number.Float64()
		if err != nil {
			return 0, false
		}
		return finite(parsed)
	}

	var text string
	if err := json.Unmarshal(trimmed, &text); err != nil {
		return 0, false
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, false
	}
	parsed, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, false
	}
	return finite(parsed)
}

func finite(value float64) (float64, bool) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, false
	}
	return value, true
}

type countryRow struct {
	ID          string   `json:"id"`
	ISO2Code    string   `json:"iso2Code"`
	Name        string   `json:"name"`
	Region      namedRef `json:"region"`
	IncomeLevel namedRef `json:"incomeLevel"`
}

func (r countryRow) toCountry() (model.Country, bool) {
	iso3 := strings.ToUpper(strings.TrimSpace(r.ID))
	name := strings.TrimSpace(r.Name)
	if iso3 == "" || name == "" {
		return model.Country{}, false
	}
	region := strings.TrimSpace(r.Region.Value)
	return model.Country{
		ISO3:        iso3,
		ISO2:        strings.ToUpper(strings.TrimSpace(r.ISO2Code)),
		Name:        name,
		Region:      region,
		IncomeLevel: strings.TrimSpace(r.IncomeLevel.Value),
		Aggregate:   strings.EqualFold(region, aggregateRegion),
	}, true
}
