package worldbank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	apperrors "worldstats/internal/errors"
	"worldstats/internal/model"
	"worldstats/internal/providers"
)

const (
	defaultBaseURL          = "https://api.worldbank.org/v2/"
	defaultIndicatorPath    = "country/all/indicator/{code}"
	defaultCountriesPath    = "country"
	defaultFormatParam      = "format"
	defaultFormatValue      = "json"
	defaultPerPage          = 300
	defaultCountriesPerPage = 400
	defaultMaxPages         = 10
	defaultRateLimitPerSec  = 5
	defaultRateLimitBurst   = 5
	defaultTimeoutSeconds   = 20
	defaultUserAgent        = "worldstats/0.1"
	defaultCountryCacheSize = 8
	aggregateRegion         = "Aggregates"
	providerName            = "worldbank"
)

// ID is the provider id snapshots are stored under.
const ID = providerName

// ErrNoRecords is returned when the provider answers with an empty page.
var ErrNoRecords = providers.ErrNoRecords

type Config struct {
	BaseURL          string
	IndicatorPath    string
	CountriesPath    string
	FormatParam      string
	FormatValue      string
	PerPage          int
	CountriesPerPage int
	MaxPages         int
	RateLimitPerSec  int
	RateLimitBurst   int
	Timeout          time.Duration
	UserAgent        string
	CountryCacheSize int
}

type Provider struct {
	config    Config
	client    *http.Client
	limiter   *rateLimiter
	countries *lru.Cache[string, []model.Country]
	closeOnce sync.Once
}

func New() (*Provider, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfg)
}

func NewWithConfig(cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, apperrors.NewConfigError(providerName, "base url is required", nil)
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, apperrors.NewConfigError(providerName, "invalid base url", err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/") + "/"
	if strings.TrimSpace(cfg.IndicatorPath) == "" {
		cfg.IndicatorPath = defaultIndicatorPath
	}
	if strings.TrimSpace(cfg.CountriesPath) == "" {
		cfg.CountriesPath = defaultCountriesPath
	}
	if cfg.FormatParam == "" {
		cfg.FormatParam = defaultFormatParam
	}
	if cfg.FormatValue == "" {
		cfg.FormatValue = defaultFormatValue
	}
	if cfg.PerPage <= 0 {
		cfg.PerPage = defaultPerPage
	}
	if cfg.CountriesPerPage <= 0 {
		cfg.CountriesPerPage = defaultCountriesPerPage
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = defaultRateLimitBurst
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeoutSeconds * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.CountryCacheSize <= 0 {
		cfg.CountryCacheSize = defaultCountryCacheSize
	}

	cache, err := lru.New[string, []model.Country](cfg.CountryCacheSize)
	if err != nil {
		return nil, apperrors.NewConfigError(providerName, "country cache", err)
	}

	return &Provider{
		config:    cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		limiter:   newRateLimiter(cfg.RateLimitPerSec, cfg.RateLimitBurst),
		countries: cache,
	}, nil
}

// ConfigFromEnv reads WORLDBANK_* variables. A rate limit of zero or less
// disables the limiter.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		BaseURL:          getenv("WORLDBANK_BASE_URL", defaultBaseURL),
		IndicatorPath:    getenv("WORLDBANK_INDICATOR_PATH", defaultIndicatorPath),
		CountriesPath:    getenv("WORLDBANK_COUNTRIES_PATH", defaultCountriesPath),
		FormatParam:      getenv("WORLDBANK_FORMAT_PARAM", defaultFormatParam),
		FormatValue:      getenv("WORLDBANK_FORMAT_VALUE", defaultFormatValue),
		UserAgent:        getenv("WORLDBANK_USER_AGENT", defaultUserAgent),
		PerPage:          getenvInt("WORLDBANK_PER_PAGE", defaultPerPage),
		CountriesPerPage: getenvInt("WORLDBANK_COUNTRIES_PER_PAGE", defaultCountriesPerPage),
		MaxPages:         getenvInt("WORLDBANK_MAX_PAGES", defaultMaxPages),
		CountryCacheSize: getenvInt("WORLDBANK_COUNTRY_CACHE_SIZE", defaultCountryCacheSize),
	}

	cfg.RateLimitPerSec = getenvInt("WORLDBANK_RATE_LIMIT_PER_SEC", defaultRateLimitPerSec)
	cfg.RateLimitBurst = getenvInt("WORLDBANK_RATE_LIMIT_BURST", defaultRateLimitBurst)
	cfg.Timeout = time.Duration(getenvInt("WORLDBANK_TIMEOUT_SECONDS", defaultTimeoutSeconds)) * time.Second

	return cfg, nil
}

func (p *Provider) Name() string {
	return providerName
}

// Close stops the rate limiter's refill goroutine.
func (p *Provider) Close() error {
	p.closeOnce.Do(func() {
		p.limiter.Stop()
	})
	return nil
}

// FetchIndicator returns one observation per entity the provider has data
// for. Follow-up pages are requested until MaxPages.
func (p *Provider) FetchIndicator(ctx context.Context, code, period string) ([]model.Observation, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, apperrors.NewValidationError("code", code, "indicator code is required")
	}
	path := p.indicatorPath(code)
	period = strings.TrimSpace(period)

	observations := make([]model.Observation, 0)
	for page := 1; page <= p.config.MaxPages; page++ {
		params := url.Values{}
		if period != "" {
			params.Set("date", period)
		}
		params.Set("per_page", strconv.Itoa(p.config.PerPage))
		if page > 1 {
			params.Set("page", strconv.Itoa(page))
		}

		var rows []indicatorRow
		meta, err := p.doPage(ctx, code, path, params, &rows)
		if err != nil {
			if errors.Is(err, ErrNoRecords) && len(observations) > 0 {
				break
			}
			return nil, err
		}
		for _, row := range rows {
			observations = append(observations, row.toObservation(p.Name(), code))
		}
		if meta.Pages.Int() <= page {
			break
		}
	}
	return observations, nil
}

// ListCountries returns every entity the provider knows about, aggregates
// included. Results are cached for the lifetime of the provider.
func (p *Provider) ListCountries(ctx context.Context) ([]model.Country, error) {
	cacheKey := p.config.BaseURL + p.config.CountriesPath
	if cached, ok := p.countries.Get(cacheKey); ok {
		return cached, nil
	}

	countries := make([]model.Country, 0)
	for page := 1; page <= p.config.MaxPages; page++ {
		params := url.Values{}
		params.Set("per_page", strconv.Itoa(p.config.CountriesPerPage))
		if page > 1 {
			params.Set("page", strconv.Itoa(page))
		}

		var rows []countryRow
		meta, err := p.doPage(ctx, "", p.config.CountriesPath, params, &rows)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if country, ok := row.toCountry(); ok {
				countries = append(countries, country)
			}
		}
		if meta.Pages.Int() <= page {
			break
		}
	}
	if len(countries) == 0 {
		return nil, &apperrors.SourceError{Provider: p.Name(), Message: "no countries parsed"}
	}

	p.countries.Add(cacheKey, countries)
	return countries, nil
}

func (p *Provider) indicatorPath(code string) string {
	path := p.config.IndicatorPath
	if strings.Contains(path, "{code}") {
		return strings.ReplaceAll(path, "{code}", url.PathEscape(code))
	}
	return strings.TrimRight(path, "/") + "/" + url.PathEscape(code)
}

// doPage requests one page and decodes the [metadata, rows] envelope.
func (p *Provider) doPage(ctx context.Context, indicator, path string, params url.Values, dest any) (pageMeta, error) {
	body, err := p.doRequest(ctx, indicator, path, params)
	if err != nil {
		return pageMeta{}, err
	}
	meta, rows, err := decodeEnvelope(body)
	if err != nil {
		var sourceErr *apperrors.SourceError
		if errors.As(err, &sourceErr) {
			sourceErr.Provider = p.Name()
			sourceErr.Indicator = indicator
			return pageMeta{}, sourceErr
		}
		if errors.Is(err, ErrNoRecords) {
			return meta, err
		}
		return pageMeta{}, &apperrors.SourceError{Provider: p.Name(), Indicator: indicator, Message: "decode response", Err: err}
	}

	decoder := json.NewDecoder(bytes.NewReader(rows))
	if err := decoder.Decode(dest); err != nil {
		return pageMeta{}, &apperrors.SourceError{Provider: p.Name(), Indicator: indicator, Message: "decode rows", Err: err}
	}
	return meta, nil
}

func (p *Provider) doRequest(ctx context.Context, indicator, path string, params url.Values) ([]byte, error) {
	endpoint, err := p.buildURL(path, params)
	if err != nil {
		return nil, err
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, apperrors.NewSourceError(p.Name(), indicator, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if p.config.UserAgent != "" {
		req.Header.Set("User-Agent", p.config.UserAgent)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, apperrors.NewSourceError(p.Name(), indicator, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewSourceError(p.Name(), indicator, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &apperrors.SourceError{
			Provider:   p.Name(),
			Indicator:  indicator,
			StatusCode: resp.StatusCode,
			Message:    truncate(strings.TrimSpace(string(body)), 256),
		}
	}

	return body, nil
}

func (p *Provider) buildURL(path string, params url.Values) (string, error) {
	base := strings.TrimRight(p.config.BaseURL, "/")
	path = strings.TrimLeft(path, "/")
	endpoint := base + "/" + path

	query := url.Values{}
	for key, values := range params {
		for _, value := range values {
			query.Add(key, value)
		}
	}
	if p.config.FormatParam != "" && p.config.FormatValue != "" {
		query.Set(p.config.FormatParam, p.config.FormatValue)
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	if _, err := url.Parse(endpoint); err != nil {
		return "", err
	}
	return endpoint, nil
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}

type rateLimiter struct {
	tokens chan struct{}
	ticker *time.Ticker
	done   chan struct{}
}

func newRateLimiter(ratePerSec, burst int) *rateLimiter {
	if ratePerSec <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}

	limiter := &rateLimiter{
		tokens: make(chan struct{}, burst),
		done:   make(chan struct{}),
	}
	for i := 0; i < burst; i++ {
		limiter.tokens <- struct{}{}
	}

	interval := time.Second / time.Duration(ratePerSec)
	if interval <= 0 {
		interval = time.Second
	}
	limiter.ticker = time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-limiter.done:
				return
			case <-limiter.ticker.C:
				select {
				case limiter.tokens <- struct{}{}:
				default:
				}
			}
		}
	}()

	return limiter
}

func (l *rateLimiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.tokens:
		return nil
	}
}

func (l *rateLimiter) Stop() {
	if l == nil {
		return
	}
	l.ticker.Stop()
	close(l.done)
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

var _ providers.Provider = (*Provider)(nil)
