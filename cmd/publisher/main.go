package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"worldstats/internal/app"
	"worldstats/internal/config"
	"worldstats/internal/logging"
	"worldstats/internal/publish"
	"worldstats/internal/server"
	"worldstats/internal/store"
)

type rootOptions struct {
	configFile   string
	provider     string
	dbPath       string
	logLevel     string
	explicitNull bool

	cfg *config.Config
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "publisher:", err)
		cancel()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "publisher",
		Short:         "Publish reconciled country indicators",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "config file (default: .worldstats.yaml)")
	flags.StringVar(&opts.provider, "provider", "worldbank", "provider id")
	flags.StringVar(&opts.dbPath, "db", "worldstats.db", "sqlite path or postgres:// DSN")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	flags.BoolVar(&opts.explicitNull, "explicit-null", false, "write null instead of 0 for missing values")

	cmd.AddCommand(newBuildCommand(opts))
	cmd.AddCommand(newServeCommand(opts))
	return cmd
}

func (o *rootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("provider") {
		cfg.Provider = o.provider
	}
	if flags.Changed("db") {
		cfg.DBPath = o.dbPath
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if flags.Changed("explicit-null") {
		cfg.ExplicitNull = o.explicitNull
	}
	o.cfg = cfg

	logging.Configure(cfg.Log)
	cmd.SetContext(logging.WithLogger(cmd.Context(), logging.Default()))
	return nil
}

func newBuildCommand(opts *rootOptions) *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Write countries.json and meta.json from the latest stored snapshot",
		Example: `  publisher build
  publisher build --out site/data --explicit-null`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if cmd.Flags().Changed("out") {
				cfg.OutDir = outDir
			}
			return build(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "site/data", "output directory")
	return cmd
}

func build(ctx context.Context, cfg *config.Config) error {
	if cfg.DBPath == "" {
		return errors.New("db path is required")
	}
	providerID, err := app.ProviderID(cfg.Provider)
	if err != nil {
		return err
	}
	st, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	snapshot, err := st.LatestSnapshot(ctx, providerID)
	if errors.Is(err, store.ErrNoSnapshot) {
		return fmt.Errorf("no %s snapshot in %s; run `collector run` first", providerID, cfg.DBPath)
	}
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	if err := publish.WriteSite(cfg.OutDir, snapshot, time.Now(), publish.Options{ExplicitNull: cfg.ExplicitNull}); err != nil {
		return err
	}

	logging.FromContext(ctx).Debug().
		Str("snapshot_id", snapshot.ID).
		Time("created_at", snapshot.CreatedAt).
		Msg("Published snapshot")
	fmt.Printf("publisher build complete (out=%s rows=%s snapshot=%s fetched %s)\n",
		cfg.OutDir, humanize.Comma(int64(snapshot.Dataset.Len())), snapshot.ID, humanize.Time(snapshot.CreatedAt))
	return nil
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	var (
		addr            string
		refreshInterval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the live dataset over HTTP and push refreshes over SSE",
		Long: `Serve re-runs the reconciler on an interval and exposes:

  GET /api/countries        latest dataset as countries.json
  GET /api/meta             snapshot and source status
  GET /api/real-time-data   Server-Sent Events, one unnamed data event per refresh
  GET /healthz              liveness`,
		Example: `  publisher serve
  publisher serve --addr :9000 --refresh-interval 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if cmd.Flags().Changed("addr") {
				cfg.ServeAddr = addr
			}
			if cmd.Flags().Changed("refresh-interval") {
				cfg.RefreshInterval = refreshInterval
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().DurationVar(&refreshInterval, "refresh-interval", 10*time.Minute, "how often to re-fetch indicators")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	provider, err := app.BuildProvider(cfg.Provider)
	if err != nil {
		return err
	}
	defer app.CloseProvider(provider)

	reconciler, err := app.NewReconciler(cfg, provider)
	if err != nil {
		return err
	}

	st, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	srv := server.New(server.Config{
		Addr:            cfg.ServeAddr,
		RefreshInterval: cfg.RefreshInterval,
		Provider:        provider.Name(),
		Queries:         cfg.Queries,
		ExplicitNull:    cfg.ExplicitNull,
	}, reconciler, st, logging.FromContext(ctx))

	if err := srv.Seed(ctx); err != nil {
		logging.FromContext(ctx).Warn().Err(err).Msg("Failed to load stored snapshot")
	}
	return srv.Run(ctx)
}
