// Package coordinator owns a run's lifecycle: it creates the run,
// drives the dispatcher, fans outcome records out to the sinks, hands
// terminal failures to the classifier and decides the final run status.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethpandaops/testoor/pkg/classifier"
	"github.com/ethpandaops/testoor/pkg/dispatch"
	"github.com/ethpandaops/testoor/pkg/result"
	"github.com/ethpandaops/testoor/pkg/sink"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SinkWarning aggregates the write failures of one sink over a run.
// Sink failures never change the run status; they ride alongside it.
type SinkWarning struct {
	Sink     string
	Err      error
	Failures int
}

// RunResult is the finalized run plus any per-sink write failures, so
// callers can surface partial-persistence warnings without failing the
// test run itself.
type RunResult struct {
	Run          *result.Run
	SinkWarnings []SinkWarning
}

// Coordinator creates and executes runs.
type Coordinator interface {
	// CreateRun validates the batch and returns a pending run with a
	// fresh ID and an immutable config snapshot.
	CreateRun(units []result.TestUnit, cfg result.RunConfig, platform result.Platform, app string) (*result.Run, error)

	// Execute drives the run to a terminal status. Sink failures are
	// reported as warnings in the RunResult; only an internal fault
	// that prevents dispatch from starting returns an error, with the
	// run marked errored.
	Execute(ctx context.Context, run *result.Run) (*RunResult, error)

	// Close waits for outstanding best-effort classification work.
	Close() error
}

// New creates a coordinator. The classifier may be nil, in which case
// failure outcomes are not annotated.
func New(
	log logrus.FieldLogger,
	dispatcher dispatch.Dispatcher,
	sinks []sink.Sink,
	clf classifier.Classifier,
	classifierConcurrency int,
) Coordinator {
	c := &coordinator{
		log:        log.WithField("component", "coordinator"),
		dispatcher: dispatcher,
		sinks:      sinks,
		clf:        clf,
	}

	if classifierConcurrency < 1 {
		classifierConcurrency = 2
	}

	c.classifyGroup.SetLimit(classifierConcurrency)

	return c
}

type coordinator struct {
	log        logrus.FieldLogger
	dispatcher dispatch.Dispatcher
	sinks      []sink.Sink
	clf        classifier.Classifier

	// classifyGroup bounds the fire-and-forget classification tasks.
	classifyGroup errgroup.Group
}

// Ensure interface compliance.
var _ Coordinator = (*coordinator)(nil)

func (c *coordinator) CreateRun(units []result.TestUnit, cfg result.RunConfig, platform result.Platform, app string) (*result.Run, error) {
	if err := result.ValidateUnits(units); err != nil {
		return nil, err
	}

	run := &result.Run{
		ID:       uuid.NewString(),
		Platform: platform,
		App:      app,
		Status:   result.RunPending,
		Config:   cfg,
		Units:    units,
	}

	c.log.WithFields(logrus.Fields{
		"run_id": run.ID,
		"units":  len(units),
	}).Info("Run created")

	return run, nil
}

func (c *coordinator) Execute(ctx context.Context, run *result.Run) (*RunResult, error) {
	res := &RunResult{Run: run}

	if c.dispatcher == nil || len(run.Units) == 0 {
		// Nothing can be dispatched; the run itself is errored, which
		// is distinct from individual test failures.
		now := time.Now().UTC()
		run.Status = result.RunErrored
		run.StartedAt = now
		run.FinishedAt = &now

		c.writeRun(ctx, run, res)

		return res, fmt.Errorf("dispatch could not start")
	}

	run.Status = result.RunRunning
	run.StartedAt = time.Now().UTC()

	c.writeRun(ctx, run, res)

	// Sinks must not observe cancellation: a cancelled run still gets
	// its skipped finals and terminal state persisted.
	writeCtx := context.WithoutCancel(ctx)

	writers := c.startSinkWriters(writeCtx, run)

	summary := &result.Summary{}

	for rec := range c.dispatcher.Schedule(ctx, run.ID, run.Units) {
		for _, w := range writers {
			w.ch <- rec
		}

		if !rec.Final {
			continue
		}

		summary.Add(rec.Status)

		if c.clf != nil && (rec.Status == result.StatusFailed || rec.Status == result.StatusError) {
			c.submitClassification(writeCtx, rec)
		}
	}

	for _, w := range writers {
		close(w.ch)
	}

	for _, w := range writers {
		<-w.done
	}

	finished := time.Now().UTC()
	run.FinishedAt = &finished
	run.Summary = summary
	run.Status = summary.RunStatus()

	c.writeRun(writeCtx, run, res)

	res.SinkWarnings = collectWarnings(writers, res.SinkWarnings)

	c.log.WithFields(logrus.Fields{
		"run_id":   run.ID,
		"status":   run.Status,
		"passed":   summary.Passed,
		"failed":   summary.Failed,
		"errors":   summary.Errors,
		"skipped":  summary.Skipped,
		"warnings": len(res.SinkWarnings),
	}).Info("Run finished")

	return res, nil
}

// Close waits for outstanding classification tasks. Classifications are
// never awaited on the execution path; callers flush them here before
// shutting down.
func (c *coordinator) Close() error {
	return c.classifyGroup.Wait()
}

// sinkWriter serializes one sink's writes so each sink observes a
// unit's attempts in order, independently of the other sinks.
type sinkWriter struct {
	s    sink.Sink
	ch   chan result.OutcomeRecord
	done chan struct{}

	mu       sync.Mutex
	failures int
	firstErr error
}

func (w *sinkWriter) recordFailure(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.failures++
	if w.firstErr == nil {
		w.firstErr = err
	}
}

func (c *coordinator) startSinkWriters(ctx context.Context, run *result.Run) []*sinkWriter {
	capacity := 0
	for i := range run.Units {
		capacity += run.Units[i].MaxRetries + 1
	}

	writers := make([]*sinkWriter, 0, len(c.sinks))

	for _, s := range c.sinks {
		w := &sinkWriter{
			s:    s,
			ch:   make(chan result.OutcomeRecord, capacity),
			done: make(chan struct{}),
		}

		writers = append(writers, w)

		go func() {
			defer close(w.done)

			for rec := range w.ch {
				if err := w.s.WriteOutcome(ctx, &rec); err != nil {
					w.recordFailure(err)

					c.log.WithError(err).WithFields(logrus.Fields{
						"sink": w.s.Name(),
						"unit": rec.TestUnitID,
					}).Warn("Sink write failed")
				}
			}
		}()
	}

	return writers
}

// writeRun persists the run's current lifecycle state to every sink,
// folding failures into the result's warnings.
func (c *coordinator) writeRun(ctx context.Context, run *result.Run, res *RunResult) {
	for _, s := range c.sinks {
		if err := s.WriteRun(ctx, run); err != nil {
			c.log.WithError(err).WithField("sink", s.Name()).
				Warn("Run write failed")

			res.SinkWarnings = appendWarning(res.SinkWarnings, s.Name(), err)
		}
	}
}

// submitClassification queues a best-effort classification of a final
// failure. Faults are already degraded to unknown by the classifier;
// category write failures are logged, never escalated.
func (c *coordinator) submitClassification(ctx context.Context, rec result.OutcomeRecord) {
	c.classifyGroup.Go(func() error {
		cat, err := c.clf.Classify(ctx, &rec)
		if err != nil || cat == nil {
			return nil
		}

		for _, s := range c.sinks {
			if err := s.WriteCategory(ctx, cat); err != nil {
				c.log.WithError(err).WithField("sink", s.Name()).
					Debug("Category write failed")
			}
		}

		return nil
	})
}

// appendWarning folds a failure into the per-sink warning list.
func appendWarning(warnings []SinkWarning, name string, err error) []SinkWarning {
	for i := range warnings {
		if warnings[i].Sink == name {
			warnings[i].Failures++

			return warnings
		}
	}

	return append(warnings, SinkWarning{Sink: name, Err: err, Failures: 1})
}

// collectWarnings merges the writers' outcome-write failures into the
// run-level warnings.
func collectWarnings(writers []*sinkWriter, warnings []SinkWarning) []SinkWarning {
	for _, w := range writers {
		w.mu.Lock()
		failures, firstErr := w.failures, w.firstErr
		w.mu.Unlock()

		if failures == 0 {
			continue
		}

		merged := false

		for i := range warnings {
			if warnings[i].Sink == w.s.Name() {
				warnings[i].Failures += failures
				merged = true

				break
			}
		}

		if !merged {
			warnings = append(warnings, SinkWarning{Sink: w.s.Name(), Err: firstErr, Failures: failures})
		}
	}

	return warnings
}
