package main

import (
	"fmt"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var listTestsCmd = &cobra.Command{
	Use:   "list-tests",
	Short: "List the configured tests",
	RunE:  runListTests,
}

func init() {
	rootCmd.AddCommand(listTestsCmd)
}

func runListTests(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if len(cfg.Tests) == 0 {
		fmt.Println("No tests configured.")

		return nil
	}

	fmt.Print(renderTestList(cfg))

	return nil
}

func renderTestList(cfg *config.Config) string {
	t := table.NewWriter()
	t.SetTitle("Configured Tests")
	t.AppendHeader(table.Row{"ID", "Platform", "App", "Name", "Timeout", "Retries"})

	for _, tc := range cfg.Tests {
		timeout := tc.Timeout
		if timeout == "" {
			timeout = cfg.Runner.Timeout
		}

		retries := cfg.Runner.MaxRetries
		if tc.MaxRetries != nil {
			retries = *tc.MaxRetries
		}

		t.AppendRow(table.Row{tc.ID, tc.Platform, tc.App, tc.Name, timeout, retries})
	}

	return t.Render() + "\n"
}
