package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/testoor/pkg/classifier"
	"github.com/ethpandaops/testoor/pkg/result"
	"github.com/ethpandaops/testoor/pkg/sink"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	analyzeRunID      string
	analyzeFailedOnly bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Classify the failures of a recorded run",
	Long:  `Run failure classification over a recorded run's final outcomes and store the categories.`,
	RunE:  runAnalyze,
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
	analyzeCmd.Flags().StringVar(&analyzeRunID, "run-id", "",
		"run to analyze (defaults to the most recent)")
	analyzeCmd.Flags().BoolVar(&analyzeFailedOnly, "failed-only", false,
		"only classify failed and errored outcomes")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, store, err := openStoreWithConfig()
	if err != nil {
		return err
	}

	defer store.Close()

	clf := classifier.WithBudget(
		log, classifier.NewKeywordClassifier(log), cfg.ClassifierBudget(),
	)

	ctx := context.Background()

	cats, err := analyzeRun(ctx, log, store, clf, analyzeRunID, analyzeFailedOnly)
	if err != nil {
		return err
	}

	if len(cats) == 0 {
		fmt.Println("No outcomes to classify.")

		return nil
	}

	fmt.Print(renderCategories(cats))

	return nil
}

// analyzeRun classifies the selected final outcomes of a run and writes
// the categories back to the store. An empty runID selects the most
// recent run.
func analyzeRun(
	ctx context.Context,
	log logrus.FieldLogger,
	store sink.Store,
	clf classifier.Classifier,
	runID string,
	failedOnly bool,
) ([]result.FailureCategory, error) {
	if runID == "" {
		runs, err := store.ListRuns(ctx, time.Time{}, "", 1)
		if err != nil {
			return nil, fmt.Errorf("listing runs: %w", err)
		}

		if len(runs) == 0 {
			return nil, fmt.Errorf("no runs recorded")
		}

		runID = runs[0].RunID
	}

	if _, err := store.GetRun(ctx, runID); err != nil {
		return nil, fmt.Errorf("loading run %s: %w", runID, err)
	}

	outcomes, err := store.ListOutcomes(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("loading outcomes for %s: %w", runID, err)
	}

	var cats []result.FailureCategory

	for i := range outcomes {
		if !outcomes[i].Final {
			continue
		}

		rec := outcomes[i].Outcome()

		if failedOnly && rec.Status != result.StatusFailed && rec.Status != result.StatusError {
			continue
		}

		cat, err := clf.Classify(ctx, &rec)
		if err != nil || cat == nil {
			continue
		}

		if err := store.WriteCategory(ctx, cat); err != nil {
			log.WithError(err).WithField("unit", cat.TestUnitID).
				Warn("Category write failed")
		}

		cats = append(cats, *cat)
	}

	return cats, nil
}

func renderCategories(cats []result.FailureCategory) string {
	t := table.NewWriter()
	t.SetTitle("Failure Analysis")
	t.AppendHeader(table.Row{"Test", "Attempt", "Category", "Confidence", "Suggested Cause"})

	for _, cat := range cats {
		t.AppendRow(table.Row{
			cat.TestUnitID,
			cat.AttemptNumber,
			cat.Category,
			fmt.Sprintf("%.2f", cat.Confidence),
			cat.SuggestedCause,
		})
	}

	return t.Render() + "\n"
}
