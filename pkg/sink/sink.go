// Package sink provides durable destinations for run and outcome
// records. Sinks are independently fallible: a write failure in one sink
// never affects the other sink or the run itself.
package sink

import (
	"context"
	"fmt"

	"github.com/ethpandaops/testoor/pkg/result"
)

// Sink appends run and outcome records. Writes are idempotent: writing
// the same runID or (runID, testUnitID, attemptNumber) twice is a no-op,
// because the coordinator may redeliver on transient errors.
type Sink interface {
	// Name identifies the sink in logs and warnings.
	Name() string

	// WriteRun creates or updates the run record keyed by run ID.
	WriteRun(ctx context.Context, run *result.Run) error

	// WriteOutcome appends one outcome record.
	WriteOutcome(ctx context.Context, rec *result.OutcomeRecord) error

	// WriteCategory attaches an advisory failure category.
	WriteCategory(ctx context.Context, cat *result.FailureCategory) error

	// Close flushes buffered writes and releases resources.
	Close() error
}

// UnavailableError reports a sink that could not be reached for a write.
// It is per-sink and per-write, and never fatal to the run.
type UnavailableError struct {
	Sink string
	Err  error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("sink %s unavailable: %v", e.Sink, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}
