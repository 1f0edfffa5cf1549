package main

import (
	"context"
	"fmt"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/report"
	"github.com/ethpandaops/testoor/pkg/sink"
	"github.com/spf13/cobra"
)

var (
	reportRunID  string
	reportFormat string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Render a recorded run",
	Long:  `Render the attempt records and failure categories of a recorded run.`,
	RunE:  runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.Flags().StringVar(&reportRunID, "run-id", "",
		"run to report on (defaults to the most recent)")
	reportCmd.Flags().StringVar(&reportFormat, "format", "text",
		"output format (text, json)")
}

func runReport(cmd *cobra.Command, args []string) error {
	format := report.Format(reportFormat)
	if !format.Valid() {
		return fmt.Errorf("unsupported format %q", reportFormat)
	}

	store, err := openStore()
	if err != nil {
		return err
	}

	defer store.Close()

	reporter := report.NewReporter(log, store)

	rep, err := reporter.Generate(context.Background(), reportRunID)
	if err != nil {
		return fmt.Errorf("generating report: %w", err)
	}

	out, err := reporter.Render(rep, format)
	if err != nil {
		return fmt.Errorf("rendering report: %w", err)
	}

	fmt.Print(out)

	return nil
}

// openStore loads the config and opens the local store for reading.
func openStore() (sink.Store, error) {
	_, store, err := openStoreWithConfig()

	return store, err
}

// openStoreWithConfig is openStore for commands that also need the
// loaded config.
func openStoreWithConfig() (*config.Config, sink.Store, error) {
	if cfgFile == "" {
		return nil, nil, fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	store := sink.NewLocalStore(log, &cfg.Sinks.Local)
	if err := store.Open(context.Background()); err != nil {
		return nil, nil, fmt.Errorf("opening local store: %w", err)
	}

	return cfg, store, nil
}
