package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/testoor/pkg/report"
	"github.com/spf13/cobra"
)

var (
	historyDays     int
	historyPlatform string
	historyLimit    int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent recorded runs",
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyDays, "days", 0,
		"only runs from the last N days (0 for all)")
	historyCmd.Flags().StringVar(&historyPlatform, "platform", "",
		"only runs for this platform")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20,
		"maximum number of runs to list")
}

func runHistory(cmd *cobra.Command, args []string) error {
	var since time.Time

	if historyDays < 0 {
		return fmt.Errorf("invalid days value %d", historyDays)
	}

	if historyDays > 0 {
		since = time.Now().UTC().AddDate(0, 0, -historyDays)
	}

	store, err := openStore()
	if err != nil {
		return err
	}

	defer store.Close()

	reporter := report.NewReporter(log, store)

	out, err := reporter.History(
		context.Background(), since, historyPlatform, historyLimit,
	)
	if err != nil {
		return fmt.Errorf("listing history: %w", err)
	}

	fmt.Print(out)

	return nil
}
