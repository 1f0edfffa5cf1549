package sink

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethpandaops/testoor/pkg/result"
)

// MemorySink is a map-backed sink safe for concurrent use. It backs
// tests and ephemeral runs that need no durable store.
type MemorySink struct {
	mu         sync.Mutex
	name       string
	runs       map[string]result.Run
	outcomes   map[string]result.OutcomeRecord
	categories map[string]result.FailureCategory

	// FailWrites makes every write return UnavailableError, simulating
	// an unreachable sink.
	FailWrites bool
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink(name string) *MemorySink {
	return &MemorySink{
		name:       name,
		runs:       make(map[string]result.Run),
		outcomes:   make(map[string]result.OutcomeRecord),
		categories: make(map[string]result.FailureCategory),
	}
}

// Compile-time interface check.
var _ Sink = (*MemorySink)(nil)

func (s *MemorySink) Name() string {
	return s.name
}

func (s *MemorySink) WriteRun(_ context.Context, run *result.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWrites {
		return &UnavailableError{Sink: s.name, Err: fmt.Errorf("simulated outage")}
	}

	// Run rows carry lifecycle state, so later writes replace earlier
	// ones; rewriting identical state is naturally a no-op.
	s.runs[run.ID] = *run

	return nil
}

func (s *MemorySink) WriteOutcome(_ context.Context, rec *result.OutcomeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWrites {
		return &UnavailableError{Sink: s.name, Err: fmt.Errorf("simulated outage")}
	}

	key := outcomeKey(rec.RunID, rec.TestUnitID, rec.AttemptNumber)
	if _, exists := s.outcomes[key]; exists {
		return nil
	}

	s.outcomes[key] = *rec

	return nil
}

func (s *MemorySink) WriteCategory(_ context.Context, cat *result.FailureCategory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWrites {
		return &UnavailableError{Sink: s.name, Err: fmt.Errorf("simulated outage")}
	}

	key := outcomeKey(cat.RunID, cat.TestUnitID, cat.AttemptNumber)
	if _, exists := s.categories[key]; exists {
		return nil
	}

	s.categories[key] = *cat

	return nil
}

func (s *MemorySink) Close() error {
	return nil
}

// Run returns the stored run, if any.
func (s *MemorySink) Run(runID string) (result.Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]

	return run, ok
}

// Outcomes returns all stored outcome records for a run.
func (s *MemorySink) Outcomes(runID string) []result.OutcomeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var records []result.OutcomeRecord

	for _, rec := range s.outcomes {
		if rec.RunID == runID {
			records = append(records, rec)
		}
	}

	return records
}

// Categories returns all stored categories for a run.
func (s *MemorySink) Categories(runID string) []result.FailureCategory {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cats []result.FailureCategory

	for _, cat := range s.categories {
		if cat.RunID == runID {
			cats = append(cats, cat)
		}
	}

	return cats
}

func outcomeKey(runID, unitID string, attempt int) string {
	return fmt.Sprintf("%s/%s/%d", runID, unitID, attempt)
}
