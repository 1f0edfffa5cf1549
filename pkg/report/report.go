// Package report renders stored runs as human-readable tables or JSON.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethpandaops/testoor/pkg/sink"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/sirupsen/logrus"
)

// Format selects the report output format.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Valid returns true for a supported format.
func (f Format) Valid() bool {
	return f == FormatText || f == FormatJSON
}

// Report is the assembled view of one run.
type Report struct {
	Run        *sink.RunRow       `json:"run"`
	Outcomes   []sink.OutcomeRow  `json:"outcomes"`
	Categories []sink.CategoryRow `json:"categories,omitempty"`
}

// Reporter assembles and renders reports from the local store.
type Reporter struct {
	log   logrus.FieldLogger
	store sink.Store
}

// NewReporter creates a reporter reading from the given store.
func NewReporter(log logrus.FieldLogger, store sink.Store) *Reporter {
	return &Reporter{
		log:   log.WithField("component", "report"),
		store: store,
	}
}

// Generate assembles the report for a run. An empty runID selects the
// most recent run.
func (r *Reporter) Generate(ctx context.Context, runID string) (*Report, error) {
	if runID == "" {
		runs, err := r.store.ListRuns(ctx, time.Time{}, "", 1)
		if err != nil {
			return nil, fmt.Errorf("listing runs: %w", err)
		}

		if len(runs) == 0 {
			return nil, fmt.Errorf("no runs recorded")
		}

		runID = runs[0].RunID
	}

	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("loading run %s: %w", runID, err)
	}

	outcomes, err := r.store.ListOutcomes(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("loading outcomes for %s: %w", runID, err)
	}

	categories, err := r.store.ListCategories(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("loading categories for %s: %w", runID, err)
	}

	return &Report{
		Run:        run,
		Outcomes:   outcomes,
		Categories: categories,
	}, nil
}

// Render serializes the report in the requested format.
func (r *Reporter) Render(rep *Report, format Format) (string, error) {
	switch format {
	case FormatJSON:
		out, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encoding report: %w", err)
		}

		return string(out) + "\n", nil
	case FormatText:
		return renderText(rep), nil
	default:
		return "", fmt.Errorf("unsupported format %q", format)
	}
}

// History renders recent runs as a table.
func (r *Reporter) History(ctx context.Context, since time.Time, platform string, limit int) (string, error) {
	runs, err := r.store.ListRuns(ctx, since, platform, limit)
	if err != nil {
		return "", fmt.Errorf("listing runs: %w", err)
	}

	var buf bytes.Buffer

	t := table.NewWriter()
	t.SetOutputMirror(&buf)
	t.SetTitle("Run History")
	t.AppendHeader(table.Row{
		"Run ID", "Platform", "App", "Started", "Duration", "Total", "Passed", "Failed", "Status",
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Total", Align: text.AlignRight},
		{Name: "Passed", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Duration", Align: text.AlignRight},
	})

	for _, run := range runs {
		t.AppendRow(table.Row{
			shortID(run.RunID),
			run.Platform,
			run.App,
			run.StartedAt.Format(time.RFC3339),
			formatDuration(runDuration(&run)),
			run.Total,
			run.Passed,
			run.Failed + run.Errors,
			strings.ToUpper(run.Status),
		})
	}

	t.Render()

	return buf.String(), nil
}

func renderText(rep *Report) string {
	var buf bytes.Buffer

	cats := categoriesByAttempt(rep.Categories)

	t := table.NewWriter()
	t.SetOutputMirror(&buf)
	t.SetTitle(fmt.Sprintf("Run %s (%s)", shortID(rep.Run.RunID), rep.Run.Platform))
	t.AppendHeader(table.Row{
		"Test", "Attempt", "Status", "Duration", "Category", "Error",
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Attempt", Align: text.AlignRight},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Error", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, rec := range rep.Outcomes {
		attempt := fmt.Sprintf("%d", rec.AttemptNumber)
		if !rec.Final {
			attempt += " (retried)"
		}

		t.AppendRow(table.Row{
			rec.TestUnitID,
			attempt,
			strings.ToUpper(rec.Status),
			formatDuration(time.Duration(rec.DurationMs) * time.Millisecond),
			cats[attemptKey(rec.TestUnitID, rec.AttemptNumber)],
			rec.ErrorMessage,
		})
	}

	hasFailures := rep.Run.Failed > 0 || rep.Run.Errors > 0

	switch {
	case hasFailures:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	case rep.Run.Skipped > 0:
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	}

	t.AppendFooter(table.Row{
		"TOTAL",
		"",
		strings.ToUpper(rep.Run.Status),
		formatDuration(runDuration(rep.Run)),
		"",
		fmt.Sprintf("%d passed, %d failed, %d errors, %d skipped",
			rep.Run.Passed, rep.Run.Failed, rep.Run.Errors, rep.Run.Skipped),
	})

	t.Render()

	return buf.String()
}

func categoriesByAttempt(cats []sink.CategoryRow) map[string]string {
	out := make(map[string]string, len(cats))

	for _, cat := range cats {
		out[attemptKey(cat.TestUnitID, cat.AttemptNumber)] = cat.Category
	}

	return out
}

func attemptKey(unitID string, attempt int) string {
	return fmt.Sprintf("%s/%d", unitID, attempt)
}

func runDuration(run *sink.RunRow) time.Duration {
	if run.FinishedAt == nil {
		return 0
	}

	return run.FinishedAt.Sub(run.StartedAt)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}

	return d.Truncate(time.Millisecond).String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}

	return id
}
