// Package config loads collector and publisher settings from flags,
// WORLDSTATS_* environment variables, .env files and an optional YAML file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	apperrors "worldstats/internal/errors"
	"worldstats/internal/logging"
	"worldstats/internal/model"
)

const envPrefix = "WORLDSTATS"

type Config struct {
	ConfigFile string

	Provider string

	// DBPath is a sqlite file path or a postgres:// DSN. Empty disables
	// persistence.
	DBPath           string
	PostgresMinConns int
	PostgresMaxConns int

	// AliasFile is an optional YAML alias table.
	AliasFile string

	Queries      []model.IndicatorQuery
	FetchTimeout time.Duration

	OutDir       string
	ExplicitNull bool

	ServeAddr       string
	RefreshInterval time.Duration

	Log *logging.Config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", "worldbank")
	v.SetDefault("db", "worldstats.db")
	v.SetDefault("postgres_min_conns", 0)
	v.SetDefault("postgres_max_conns", 4)
	v.SetDefault("aliases", "")
	v.SetDefault("queries", FormatQueries(model.DefaultQueries()))
	v.SetDefault("fetch_timeout", 30*time.Second)
	v.SetDefault("out", "site/data")
	v.SetDefault("explicit_null", false)
	v.SetDefault("addr", ":8080")
	v.SetDefault("refresh_interval", 10*time.Minute)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "auto")
	v.SetDefault("log_output", "stderr")
}

// Load reads configuration in order of precedence: environment, .env files,
// config file, defaults. Command flags are applied afterwards by the caller.
// An empty configFile searches for .worldstats.yaml in the working and home
// directories.
func Load(configFile string) (*Config, error) {
	loadEnvFiles()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperrors.NewConfigError("config", fmt.Sprintf("read %s", configFile), err)
		}
	} else {
		v.SetConfigType("yaml")
		v.SetConfigName(".worldstats")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, apperrors.NewConfigError("config", "read .worldstats.yaml", err)
			}
		}
	}

	queries, err := ParseQueries(v.GetStringSlice("queries"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ConfigFile:       v.ConfigFileUsed(),
		Provider:         strings.TrimSpace(v.GetString("provider")),
		DBPath:           strings.TrimSpace(v.GetString("db")),
		PostgresMinConns: v.GetInt("postgres_min_conns"),
		PostgresMaxConns: v.GetInt("postgres_max_conns"),
		AliasFile:        strings.TrimSpace(v.GetString("aliases")),
		Queries:          queries,
		FetchTimeout:     v.GetDuration("fetch_timeout"),
		OutDir:           v.GetString("out"),
		ExplicitNull:     v.GetBool("explicit_null"),
		ServeAddr:        v.GetString("addr"),
		RefreshInterval:  v.GetDuration("refresh_interval"),
		Log: &logging.Config{
			Level:   v.GetString("log_level"),
			Format:  v.GetString("log_format"),
			Output:  v.GetString("log_output"),
			NoColor: os.Getenv("NO_COLOR") != "",
		},
	}
	if os.Getenv("LOG_LEVEL") != "" {
		cfg.Log.Level = os.Getenv("LOG_LEVEL")
	} else if os.Getenv("DEBUG") != "" {
		cfg.Log.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Provider == "" {
		return apperrors.NewValidationError("provider", c.Provider, "provider is required")
	}
	if len(c.Queries) == 0 {
		return apperrors.NewValidationError("queries", "", "at least one indicator query is required")
	}
	if c.PostgresMaxConns < 0 || c.PostgresMinConns < 0 {
		return apperrors.NewValidationError("postgres_max_conns", c.PostgresMaxConns, "connection limits must not be negative")
	}
	if c.PostgresMaxConns > 0 && c.PostgresMinConns > c.PostgresMaxConns {
		return apperrors.NewValidationError("postgres_min_conns", c.PostgresMinConns, "must not exceed postgres_max_conns")
	}
	if c.RefreshInterval <= 0 {
		return apperrors.NewValidationError("refresh_interval", c.RefreshInterval, "must be positive")
	}
	return nil
}

// ParseQueries parses field=code@period items. Items may also be separated
// by commas inside one value, as they are when read from the environment.
// The first query is the primary series.
func ParseQueries(values []string) ([]model.IndicatorQuery, error) {
	queries := make([]model.IndicatorQuery, 0, len(values))
	seen := make(map[model.Field]struct{}, len(values))
	for _, value := range values {
		for _, item := range strings.Split(value, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			query, err := ParseQuery(item)
			if err != nil {
				return nil, err
			}
			if _, dup := seen[query.Field]; dup {
				return nil, apperrors.NewValidationError("queries", item, "field listed twice")
			}
			seen[query.Field] = struct{}{}
			queries = append(queries, query)
		}
	}
	return queries, nil
}

func ParseQuery(item string) (model.IndicatorQuery, error) {
	field, rest, ok := strings.Cut(item, "=")
	if !ok {
		return model.IndicatorQuery{}, apperrors.NewValidationError("queries", item, "expected field=code@period")
	}
	code, period, ok := strings.Cut(rest, "@")
	if !ok {
		return model.IndicatorQuery{}, apperrors.NewValidationError("queries", item, "expected field=code@period")
	}
	query := model.IndicatorQuery{
		Field:  model.Field(strings.TrimSpace(field)),
		Code:   strings.TrimSpace(code),
		Period: strings.TrimSpace(period),
	}
	if query.Field == "" || query.Code == "" || query.Period == "" {
		return model.IndicatorQuery{}, apperrors.NewValidationError("queries", item, "field, code and period must all be set")
	}
	return query, nil
}

func FormatQueries(queries []model.IndicatorQuery) []string {
	out := make([]string, 0, len(queries))
	for _, query := range queries {
		out = append(out, fmt.Sprintf("%s=%s@%s", query.Field, query.Code, query.Period))
	}
	return out
}

func (c *Config) Fields() []model.Field {
	fields := make([]model.Field, 0, len(c.Queries))
	for _, query := range c.Queries {
		fields = append(fields, query.Field)
	}
	return fields
}

// loadEnvFiles loads .env then .env.local. godotenv never overrides variables
// already set, so the real environment wins.
func loadEnvFiles() {
	for _, envFile := range []string{".env", ".env.local"} {
		_ = godotenv.Load(envFile)
	}
}
