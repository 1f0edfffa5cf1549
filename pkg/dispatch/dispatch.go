// Package dispatch schedules test units across a bounded worker pool,
// applies per-unit timeout and retry policy, and emits one stream of
// outcome records per run.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethpandaops/testoor/pkg/executor"
	"github.com/ethpandaops/testoor/pkg/result"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultParallelism is the worker pool size when none is configured.
	DefaultParallelism = 4

	// DefaultTimeout bounds attempts of units that carry no timeout.
	DefaultTimeout = 5 * time.Minute
)

// Error message tags distinguishing failure causes in outcome records.
// Retry policy treats them identically; reporting must not.
const (
	TimeoutTag = "timeout: "
	FaultTag   = "executor fault: "
)

// Dispatcher pulls pending test units, executes them via the injected
// executor and emits outcome records. One dispatcher instance serves one
// run at a time; it owns all queue state, there are no globals.
type Dispatcher interface {
	// Schedule runs the units and returns the outcome stream. The
	// channel carries every attempt's record and closes once each unit
	// has reached exactly one final record.
	Schedule(ctx context.Context, runID string, units []result.TestUnit) <-chan result.OutcomeRecord
}

// Config for the dispatcher.
type Config struct {
	// Parallelism is the worker pool size, minimum 1.
	Parallelism int

	// DefaultTimeout applies to units without their own timeout.
	DefaultTimeout time.Duration
}

// New creates a dispatcher backed by exec. Defaults are applied to a
// copy; the caller's config is left untouched.
func New(log logrus.FieldLogger, cfg *Config, exec executor.Executor) Dispatcher {
	resolved := *cfg

	if resolved.Parallelism < 1 {
		resolved.Parallelism = DefaultParallelism
	}

	if resolved.DefaultTimeout <= 0 {
		resolved.DefaultTimeout = DefaultTimeout
	}

	return &dispatcher{
		log:  log.WithField("component", "dispatch"),
		cfg:  &resolved,
		exec: exec,
	}
}

type dispatcher struct {
	log  logrus.FieldLogger
	cfg  *Config
	exec executor.Executor
}

// Ensure interface compliance.
var _ Dispatcher = (*dispatcher)(nil)

// attempt is one scheduled execution of a unit. Re-enqueued on retry with
// an incremented number, so a unit is never held by two workers at once.
type attempt struct {
	unit   *result.TestUnit
	number int
}

func (d *dispatcher) Schedule(ctx context.Context, runID string, units []result.TestUnit) <-chan result.OutcomeRecord {
	// Capacity covers every possible attempt so re-enqueues never block.
	// A negative retry count that slipped past validation still gets
	// one attempt's worth of buffer.
	capacity := 0
	for i := range units {
		attempts := units[i].MaxRetries + 1
		if attempts < 1 {
			attempts = 1
		}

		capacity += attempts
	}

	pending := make(chan *attempt, capacity)

	// Every attempt of every unit fits in the buffer, so neither the
	// feed below nor a worker can block on a slow consumer.
	out := make(chan result.OutcomeRecord, capacity)

	if len(units) == 0 {
		close(pending)
		close(out)

		return out
	}

	// remaining tracks units without a final record; the last
	// finalization closes the pending queue and releases the workers.
	var remaining atomic.Int64

	remaining.Store(int64(len(units)))

	finalize := func() {
		if remaining.Add(-1) == 0 {
			close(pending)
		}
	}

	d.log.WithFields(logrus.Fields{
		"run_id":      runID,
		"units":       len(units),
		"parallelism": d.cfg.Parallelism,
	}).Info("Dispatching test units")

	for i := range units {
		unit := &units[i]

		if unit.Skip {
			// Pre-filtered units are finalized without executor
			// involvement, always as attempt 1.
			out <- result.OutcomeRecord{
				RunID:         runID,
				TestUnitID:    unit.ID,
				AttemptNumber: 1,
				Status:        result.StatusSkipped,
				StartedAt:     time.Now().UTC(),
				Final:         true,
			}

			finalize()

			continue
		}

		pending <- &attempt{unit: unit, number: 1}
	}

	var wg sync.WaitGroup

	for i := 0; i < d.cfg.Parallelism; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()
			d.worker(ctx, runID, pending, out, finalize)
		}()
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}

// worker processes attempts until the pending queue closes. A cancelled
// run finalizes not-yet-started units as skipped instead of executing
// them, so the run always reaches a terminal state.
func (d *dispatcher) worker(ctx context.Context, runID string, pending chan *attempt, out chan<- result.OutcomeRecord, finalize func()) {
	for att := range pending {
		if ctx.Err() != nil {
			// Skipped records carry no error message; the run's terminal
			// state already says the run was cut short.
			out <- result.OutcomeRecord{
				RunID:         runID,
				TestUnitID:    att.unit.ID,
				AttemptNumber: att.number,
				Status:        result.StatusSkipped,
				StartedAt:     time.Now().UTC(),
				Final:         true,
			}

			finalize()

			continue
		}

		rec := d.runAttempt(ctx, runID, att)

		if rec.Status == result.StatusPassed || att.number > att.unit.MaxRetries {
			rec.Final = true
			out <- rec

			finalize()

			continue
		}

		// Attempts left: emit the non-final record and put the unit back
		// on the shared queue for any idle worker.
		out <- rec
		pending <- &attempt{unit: att.unit, number: att.number + 1}
	}
}

// runAttempt executes one attempt under its own timeout, isolating
// executor panics to the attempt's own outcome. Cancelling the run does
// not cut an in-flight attempt short; it is bounded by its own deadline.
func (d *dispatcher) runAttempt(ctx context.Context, runID string, att *attempt) result.OutcomeRecord {
	deadline := executor.AttemptDeadline(att.unit, d.cfg.DefaultTimeout)

	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deadline)
	defer cancel()

	rec := result.OutcomeRecord{
		RunID:         runID,
		TestUnitID:    att.unit.ID,
		AttemptNumber: att.number,
		StartedAt:     time.Now().UTC(),
	}

	type execReturn struct {
		res *executor.Result
		err error
	}

	done := make(chan execReturn, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- execReturn{err: fmt.Errorf("panic: %v\n%s", r, debug.Stack())}
			}
		}()

		res, err := d.exec.Execute(attemptCtx, att.unit)
		done <- execReturn{res: res, err: err}
	}()

	select {
	case <-attemptCtx.Done():
		// The executor missed its deadline; abandon the attempt rather
		// than hang the worker.
		rec.Status = result.StatusError
		rec.ErrorMessage = TimeoutTag + fmt.Sprintf("no result within %s", deadline)
		rec.Duration = time.Since(rec.StartedAt)

		d.log.WithFields(logrus.Fields{
			"unit":    att.unit.ID,
			"attempt": att.number,
			"timeout": deadline,
		}).Warn("Attempt abandoned at timeout")

		return rec
	case ret := <-done:
		rec.Duration = time.Since(rec.StartedAt)

		switch {
		case ret.err != nil && attemptCtx.Err() != nil:
			rec.Status = result.StatusError
			rec.ErrorMessage = TimeoutTag + ret.err.Error()
		case ret.err != nil:
			rec.Status = result.StatusError
			rec.ErrorMessage = FaultTag + ret.err.Error()
		default:
			rec.Status = ret.res.Status
			rec.ErrorMessage = ret.res.ErrorMessage
			rec.StackTrace = ret.res.StackTrace
			rec.ArtifactRefs = ret.res.ArtifactRefs
		}

		return rec
	}
}
