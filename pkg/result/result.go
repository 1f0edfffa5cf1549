// Package result defines the data model shared by the orchestrator:
// test units, runs, outcome records and failure categories.
package result

import (
	"fmt"
	"time"
)

// Platform identifies the target platform of a test unit.
type Platform string

// Supported platforms.
const (
	PlatformWeb    Platform = "web"
	PlatformMobile Platform = "mobile"
)

// Valid reports whether the platform is a known value.
func (p Platform) Valid() bool {
	return p == PlatformWeb || p == PlatformMobile
}

// Status is the outcome of a single execution attempt.
type Status string

// Attempt outcome statuses.
const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

// Run lifecycle statuses.
const (
	RunPending         RunStatus = "pending"
	RunRunning         RunStatus = "running"
	RunCompleted       RunStatus = "completed"
	RunPartiallyFailed RunStatus = "partially-failed"
	RunErrored         RunStatus = "errored"
)

// Terminal reports whether the run status is terminal.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunPartiallyFailed || s == RunErrored
}

// TestUnit identifies one schedulable test case. Immutable once enqueued.
type TestUnit struct {
	ID          string        `json:"id" yaml:"id"`
	Platform    Platform      `json:"platform" yaml:"platform"`
	App         string        `json:"app" yaml:"app"`
	Name        string        `json:"name" yaml:"name"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
	MaxRetries  int           `json:"max_retries" yaml:"max_retries"`

	// Skip marks a pre-filtered unit (e.g. platform mismatch). Skipped
	// units are finalized without ever invoking the executor.
	Skip bool `json:"skip,omitempty" yaml:"skip,omitempty"`
}

// RunConfig is the configuration snapshot captured at run creation.
type RunConfig struct {
	Parallelism int           `json:"parallelism"`
	MaxRetries  int           `json:"max_retries"`
	Timeout     time.Duration `json:"timeout"`
	AIAnalysis  bool          `json:"ai_analysis"`
	Screenshots bool          `json:"screenshots"`
	Video       bool          `json:"video"`
}

// Run is one invocation of the orchestrator over a batch of test units.
type Run struct {
	ID         string     `json:"run_id"`
	Platform   Platform   `json:"platform"`
	App        string     `json:"app"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     RunStatus  `json:"status"`
	Config     RunConfig  `json:"config"`
	Units      []TestUnit `json:"units"`
	Summary    *Summary   `json:"summary,omitempty"`
}

// OutcomeRecord is the immutable result of one execution attempt of one
// test unit. A unit has one record per attempt; exactly one is final.
type OutcomeRecord struct {
	RunID         string        `json:"run_id"`
	TestUnitID    string        `json:"test_unit_id"`
	AttemptNumber int           `json:"attempt_number"`
	Status        Status        `json:"status"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	StackTrace    string        `json:"stack_trace,omitempty"`
	ArtifactRefs  []string      `json:"artifact_refs,omitempty"`
	Final         bool          `json:"final"`
}

// FailureCategory is an advisory classification of a terminal failure.
// It never alters an outcome's status.
type FailureCategory struct {
	RunID          string  `json:"run_id"`
	TestUnitID     string  `json:"test_unit_id"`
	AttemptNumber  int     `json:"attempt_number"`
	Category       string  `json:"category"`
	SuggestedCause string  `json:"suggested_cause,omitempty"`
	Confidence     float64 `json:"confidence"`
}

// CategoryUnknown is the fallback category when classification is
// unavailable, errored or over budget.
const CategoryUnknown = "unknown"

// Summary counts final outcomes by status.
type Summary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Errors  int `json:"errors"`
	Skipped int `json:"skipped"`
}

// Add counts a final outcome into the summary.
func (s *Summary) Add(status Status) {
	s.Total++

	switch status {
	case StatusPassed:
		s.Passed++
	case StatusFailed:
		s.Failed++
	case StatusError:
		s.Errors++
	case StatusSkipped:
		s.Skipped++
	}
}

// RunStatus derives the terminal run status from the counted final
// outcomes. Completed iff every final outcome passed; anything else mixed
// in makes the run partially failed. Errored is reserved for runs whose
// dispatch never started and is decided by the coordinator, not here.
func (s *Summary) RunStatus() RunStatus {
	if s.Total > 0 && s.Passed == s.Total {
		return RunCompleted
	}

	return RunPartiallyFailed
}

// ValidationError describes invalid run input. It is fatal to run
// creation and never partially applied.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid run input: %s", e.Reason)
}

// ValidateUnits checks a batch of test units before a run is created:
// the batch must be non-empty, unit IDs must be unique within it, and
// platforms must be known values.
func ValidateUnits(units []TestUnit) error {
	if len(units) == 0 {
		return &ValidationError{Reason: "at least one test unit is required"}
	}

	seen := make(map[string]struct{}, len(units))

	for i, unit := range units {
		if unit.ID == "" {
			return &ValidationError{Reason: fmt.Sprintf("unit %d: id is required", i)}
		}

		if _, exists := seen[unit.ID]; exists {
			return &ValidationError{Reason: fmt.Sprintf("unit %d: duplicate id %q", i, unit.ID)}
		}

		seen[unit.ID] = struct{}{}

		if unit.Name == "" {
			return &ValidationError{Reason: fmt.Sprintf("unit %q: name is required", unit.ID)}
		}

		if !unit.Platform.Valid() {
			return &ValidationError{Reason: fmt.Sprintf("unit %q: unknown platform %q", unit.ID, unit.Platform)}
		}
	}

	return nil
}
