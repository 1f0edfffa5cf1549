package sink

import (
	"strings"
	"time"

	"github.com/ethpandaops/testoor/pkg/result"
)

// RunRow is the persisted form of a run. Both sinks share this shape.
type RunRow struct {
	ID          uint       `gorm:"primaryKey" json:"-"`
	RunID       string     `gorm:"uniqueIndex;not null" json:"run_id"`
	Platform    string     `gorm:"not null" json:"platform"`
	App         string     `json:"app"`
	Status      string     `gorm:"not null" json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Parallelism int        `json:"parallelism"`
	MaxRetries  int        `json:"max_retries"`
	Total       int        `json:"total"`
	Passed      int        `json:"passed"`
	Failed      int        `json:"failed"`
	Errors      int        `json:"errors"`
	Skipped     int        `json:"skipped"`
}

// OutcomeRow is the persisted form of an outcome record, keyed by
// (run_id, test_unit_id, attempt_number).
type OutcomeRow struct {
	ID            uint      `gorm:"primaryKey" json:"-"`
	RunID         string    `gorm:"uniqueIndex:idx_outcome_attempt;not null" json:"run_id"`
	TestUnitID    string    `gorm:"uniqueIndex:idx_outcome_attempt;not null" json:"test_unit_id"`
	AttemptNumber int       `gorm:"uniqueIndex:idx_outcome_attempt;not null" json:"attempt_number"`
	Status        string    `gorm:"not null" json:"status"`
	StartedAt     time.Time `json:"started_at"`
	DurationMs    int64     `json:"duration_ms"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	StackTrace    string    `json:"stack_trace,omitempty"`
	ArtifactRefs  string    `json:"artifact_refs,omitempty"`
	Final         bool      `json:"final"`
}

// CategoryRow is the persisted form of a failure category, keyed by the
// outcome identity it annotates.
type CategoryRow struct {
	ID             uint    `gorm:"primaryKey" json:"-"`
	RunID          string  `gorm:"uniqueIndex:idx_category_attempt;not null" json:"run_id"`
	TestUnitID     string  `gorm:"uniqueIndex:idx_category_attempt;not null" json:"test_unit_id"`
	AttemptNumber  int     `gorm:"uniqueIndex:idx_category_attempt;not null" json:"attempt_number"`
	Category       string  `gorm:"not null" json:"category"`
	SuggestedCause string  `json:"suggested_cause,omitempty"`
	Confidence     float64 `json:"confidence"`
}

// runRow flattens a run into its persisted form.
func runRow(run *result.Run) *RunRow {
	row := &RunRow{
		RunID:       run.ID,
		Platform:    string(run.Platform),
		App:         run.App,
		Status:      string(run.Status),
		StartedAt:   run.StartedAt,
		FinishedAt:  run.FinishedAt,
		Parallelism: run.Config.Parallelism,
		MaxRetries:  run.Config.MaxRetries,
	}

	if run.Summary != nil {
		row.Total = run.Summary.Total
		row.Passed = run.Summary.Passed
		row.Failed = run.Summary.Failed
		row.Errors = run.Summary.Errors
		row.Skipped = run.Summary.Skipped
	}

	return row
}

// outcomeRow flattens an outcome record into its persisted form.
func outcomeRow(rec *result.OutcomeRecord) *OutcomeRow {
	return &OutcomeRow{
		RunID:         rec.RunID,
		TestUnitID:    rec.TestUnitID,
		AttemptNumber: rec.AttemptNumber,
		Status:        string(rec.Status),
		StartedAt:     rec.StartedAt,
		DurationMs:    rec.Duration.Milliseconds(),
		ErrorMessage:  rec.ErrorMessage,
		StackTrace:    rec.StackTrace,
		ArtifactRefs:  joinRefs(rec.ArtifactRefs),
		Final:         rec.Final,
	}
}

// Artifact refs are stored as a comma-separated list.
func joinRefs(refs []string) string {
	return strings.Join(refs, ",")
}

func splitRefs(s string) []string {
	if s == "" {
		return nil
	}

	return strings.Split(s, ",")
}

// Outcome converts a persisted row back to the in-memory record.
func (r *OutcomeRow) Outcome() result.OutcomeRecord {
	return result.OutcomeRecord{
		RunID:         r.RunID,
		TestUnitID:    r.TestUnitID,
		AttemptNumber: r.AttemptNumber,
		Status:        result.Status(r.Status),
		StartedAt:     r.StartedAt,
		Duration:      time.Duration(r.DurationMs) * time.Millisecond,
		ErrorMessage:  r.ErrorMessage,
		StackTrace:    r.StackTrace,
		ArtifactRefs:  splitRefs(r.ArtifactRefs),
		Final:         r.Final,
	}
}

// categoryRow flattens a failure category into its persisted form.
func categoryRow(cat *result.FailureCategory) *CategoryRow {
	return &CategoryRow{
		RunID:          cat.RunID,
		TestUnitID:     cat.TestUnitID,
		AttemptNumber:  cat.AttemptNumber,
		Category:       cat.Category,
		SuggestedCause: cat.SuggestedCause,
		Confidence:     cat.Confidence,
	}
}
