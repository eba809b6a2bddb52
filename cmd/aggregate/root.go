package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kjstillabower/api-aggregator-service/internal/app"
	"github.com/kjstillabower/api-aggregator-service/internal/config"
	"github.com/kjstillabower/api-aggregator-service/internal/models"
	"github.com/kjstillabower/api-aggregator-service/internal/observability"
	"github.com/kjstillabower/api-aggregator-service/internal/validation"
)

type rootFlags struct {
	root    string
	policy  string
	source  string
	verbose bool
}

func newRootCmd() *cobra.Command {
	var f rootFlags
	rootCmd := &cobra.Command{
		Use:           "aggregate",
		Short:         "Query weather, geolocation and news for a location",
		Long:          "aggregate runs one aggregation against the configured upstreams and prints the result as JSON.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&f.root, "root", "", "project root holding config/ (default: working directory)")
	rootCmd.PersistentFlags().BoolVarP(&f.verbose, "verbose", "v", false, "log to stderr")

	getCmd := &cobra.Command{
		Use:   "get <location>",
		Short: "Aggregate all sources, or one with --source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd, f, args[0])
		},
	}
	getCmd.Flags().StringVar(&f.policy, "policy", "", "failure policy override: lenient or strict")
	getCmd.Flags().StringVar(&f.source, "source", "", "query a single source: weather, geo or news")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "aggregate %s\n", app.Version)
		},
	}

	rootCmd.AddCommand(getCmd, versionCmd)
	return rootCmd
}

func runGet(cmd *cobra.Command, f rootFlags, raw string) error {
	location, err := validation.Location(raw)
	if err != nil {
		return err
	}

	var cfg *config.Config
	if f.root != "" {
		cfg, err = config.LoadFrom(f.root)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if f.policy != "" {
		cfg.FailurePolicy = f.policy
	}

	logger := zap.NewNop()
	if f.verbose {
		if logger, err = observability.NewLogger(); err != nil {
			return err
		}
		defer func() { _ = observability.FlushTelemetry(context.Background(), logger) }()
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout)
	defer cancel()

	var out any
	if f.source == "" {
		out, err = a.Aggregator.Aggregate(ctx, location)
	} else {
		out, err = lookupOne(ctx, a, f.source, location)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func lookupOne(ctx context.Context, a *app.App, source, location string) (any, error) {
	kind := models.SourceKind(source)
	rec, err := a.Aggregator.Lookup(ctx, kind, location)
	if err != nil {
		return nil, err
	}
	switch kind {
	case models.SourceWeather:
		return rec.Weather, nil
	case models.SourceGeo:
		return rec.Geo, nil
	default:
		if rec.News == nil {
			return []models.NewsRecord{}, nil
		}
		return rec.News, nil
	}
}
