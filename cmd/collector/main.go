package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"worldstats/internal/aliases"
	"worldstats/internal/app"
	"worldstats/internal/config"
	"worldstats/internal/logging"
	"worldstats/internal/model"
	"worldstats/internal/store"
)

type rootOptions struct {
	configFile string
	provider   string
	dbPath     string
	aliasFile  string
	logLevel   string

	cfg *config.Config
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "collector:", err)
		cancel()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "collector",
		Short:         "Fetch and reconcile country indicators",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "config file (default: .worldstats.yaml)")
	flags.StringVar(&opts.provider, "provider", "worldbank", "provider id")
	flags.StringVar(&opts.dbPath, "db", "worldstats.db", "sqlite path or postgres:// DSN (empty disables persistence)")
	flags.StringVar(&opts.aliasFile, "aliases", "", "entity alias table (YAML)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newCountriesCommand(opts))
	return cmd
}

// load merges config sources and applies only the flags the user set, so
// environment and config file values survive flag defaults.
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
	if flags.Changed("aliases") {
		cfg.AliasFile = o.aliasFile
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	o.cfg = cfg

	logging.Configure(cfg.Log)
	cmd.SetContext(logging.WithLogger(cmd.Context(), logging.Default()))
	return nil
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	var (
		queries      []string
		fetchTimeout time.Duration
		verbose      bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fetch every indicator, merge them per country and store a snapshot",
		Example: `  collector run
  collector run --db "" --verbose
  collector run --query gdpPerCapita=NY.GDP.PCAP.CD@2022 --query population=SP.POP.TOTL@2022`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if cmd.Flags().Changed("query") {
				parsed, err := config.ParseQueries(queries)
				if err != nil {
					return err
				}
				cfg.Queries = parsed
			}
			if cmd.Flags().Changed("fetch-timeout") {
				cfg.FetchTimeout = fetchTimeout
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runCollector(cmd.Context(), cfg, verbose)
		},
	}
	cmd.Flags().StringSliceVar(&queries, "query", nil, "indicator query field=code@period (repeatable; first is primary)")
	cmd.Flags().DurationVar(&fetchTimeout, "fetch-timeout", 30*time.Second, "timeout per indicator fetch (negative disables)")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "print each record")
	return cmd
}

func runCollector(ctx context.Context, cfg *config.Config, verbose bool) error {
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

	ctx = logging.WithField(ctx, "provider", provider.Name())
	dataset := reconciler.Reconcile(ctx, cfg.Queries)
	if err := ctx.Err(); err != nil {
		return err
	}

	if verbose {
		printRecords(dataset)
	}
	for _, source := range dataset.Sources {
		status := "ok"
		if source.Failed {
			status = "failed: " + source.Error
		}
		fmt.Printf("  %-14s %s@%s observations=%s %s\n",
			source.Field, source.Code, source.Period, humanize.Comma(int64(source.Count)), status)
	}

	snapshot := store.NewSnapshot(provider.Name(), dataset, dataset.FetchedAt)
	if err := st.SaveSnapshot(ctx, snapshot); err != nil {
		return err
	}
	if _, nop := st.(*store.NopStore); !nop {
		fmt.Printf("collector stored snapshot=%s\n", snapshot.ID)
	}

	fmt.Printf("collector run complete (provider=%s records=%s sources=%d failed=%d)\n",
		provider.Name(), humanize.Comma(int64(dataset.Len())), len(dataset.Sources), len(dataset.FailedSources()),
	)
	return nil
}

func printRecords(dataset *model.Dataset) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	header := []string{"country"}
	for _, field := range dataset.Fields {
		header = append(header, string(field))
	}
	fmt.Fprintln(w, strings.Join(header, "\t"))
	for _, record := range dataset.Records {
		cells := []string{record.Entity}
		for _, field := range dataset.Fields {
			cells = append(cells, formatValue(record.Get(field)))
		}
		fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	_ = w.Flush()
}

func formatValue(value model.Value) string {
	if !value.Present {
		return "-"
	}
	return humanize.CommafWithDigits(value.Number, 2)
}

func newCountriesCommand(opts *rootOptions) *cobra.Command {
	var (
		includeAggregates bool
		aliasesOut        string
	)
	cmd := &cobra.Command{
		Use:   "countries",
		Short: "List provider entities, optionally writing them as an alias table",
		Example: `  collector countries
  collector countries --aliases-out configs/aliases.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listCountries(cmd.Context(), opts.cfg, includeAggregates, aliasesOut)
		},
	}
	cmd.Flags().BoolVar(&includeAggregates, "aggregates", false, "include regional and income aggregates")
	cmd.Flags().StringVar(&aliasesOut, "aliases-out", "", "write an alias table built from the listing to this path")
	return cmd
}

func listCountries(ctx context.Context, cfg *config.Config, includeAggregates bool, aliasesOut string) error {
	provider, err := app.BuildProvider(cfg.Provider)
	if err != nil {
		return err
	}
	defer app.CloseProvider(provider)

	countries, err := provider.ListCountries(ctx)
	if err != nil {
		return err
	}

	shown := make([]model.Country, 0, len(countries))
	aggregates := 0
	for _, country := range countries {
		if country.Aggregate {
			aggregates++
			if !includeAggregates {
				continue
			}
		}
		shown = append(shown, country)
	}
	sort.Slice(shown, func(i, j int) bool { return shown[i].Name < shown[j].Name })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ISO3\tISO2\tNAME\tREGION\tINCOME")
	for _, country := range shown {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", country.ISO3, country.ISO2, country.Name, country.Region, country.IncomeLevel)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if aliasesOut != "" {
		table, err := aliases.FromCountries(countries, includeAggregates)
		if err != nil {
			return err
		}
		data, err := table.Marshal()
		if err != nil {
			return err
		}
		if err := os.WriteFile(aliasesOut, data, 0o644); err != nil {
			return err
		}
		fmt.Printf("collector wrote aliases=%s entries=%s\n", aliasesOut, humanize.Comma(int64(table.Len())))
	}

	fmt.Printf("collector countries complete (provider=%s countries=%s aggregates=%s)\n",
		provider.Name(), humanize.Comma(int64(len(countries)-aggregates)), humanize.Comma(int64(aggregates)))
	return nil
}
