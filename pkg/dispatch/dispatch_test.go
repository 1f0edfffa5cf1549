package dispatch

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethpandaops/testoor/pkg/executor"
	"github.com/ethpandaops/testoor/pkg/result"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubExecutor returns canned results per unit ID and records attempts.
type stubExecutor struct {
	mu       sync.Mutex
	attempts map[string]int
	fn       func(unit *result.TestUnit, attempt int) (*executor.Result, error)
}

func newStubExecutor(fn func(unit *result.TestUnit, attempt int) (*executor.Result, error)) *stubExecutor {
	return &stubExecutor{
		attempts: make(map[string]int),
		fn:       fn,
	}
}

func (s *stubExecutor) Execute(_ context.Context, unit *result.TestUnit) (*executor.Result, error) {
	s.mu.Lock()
	s.attempts[unit.ID]++
	n := s.attempts[unit.ID]
	s.mu.Unlock()

	return s.fn(unit, n)
}

func (s *stubExecutor) attemptCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.attempts[id]
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func unit(id string, retries int) result.TestUnit {
	return result.TestUnit{
		ID:         id,
		Platform:   result.PlatformWeb,
		Name:       "suite/test_" + id,
		Timeout:    5 * time.Second,
		MaxRetries: retries,
	}
}

func collect(t *testing.T, ch <-chan result.OutcomeRecord) []result.OutcomeRecord {
	t.Helper()

	var records []result.OutcomeRecord

	deadline := time.After(10 * time.Second)

	for {
		select {
		case rec, ok := <-ch:
			if !ok {
				return records
			}

			records = append(records, rec)
		case <-deadline:
			t.Fatal("timed out waiting for outcome stream to close")
		}
	}
}

func finalsByUnit(records []result.OutcomeRecord) map[string]result.OutcomeRecord {
	finals := make(map[string]result.OutcomeRecord)

	for _, rec := range records {
		if rec.Final {
			finals[rec.TestUnitID] = rec
		}
	}

	return finals
}

func TestScheduleAllPass(t *testing.T) {
	exec := newStubExecutor(func(_ *result.TestUnit, _ int) (*executor.Result, error) {
		return &executor.Result{Status: result.StatusPassed}, nil
	})

	d := New(testLogger(), &Config{Parallelism: 2}, exec)

	units := []result.TestUnit{unit("a", 0), unit("b", 0), unit("c", 0)}
	records := collect(t, d.Schedule(context.Background(), "run-1", units))

	require.Len(t, records, 3)

	finals := finalsByUnit(records)
	require.Len(t, finals, 3)

	for _, rec := range finals {
		assert.Equal(t, result.StatusPassed, rec.Status)
		assert.Equal(t, 1, rec.AttemptNumber)
		assert.Equal(t, "run-1", rec.RunID)
	}
}

func TestScheduleExactlyOneFinalPerUnit(t *testing.T) {
	exec := newStubExecutor(func(u *result.TestUnit, attempt int) (*executor.Result, error) {
		// Mixed behavior: "flaky" passes on attempt 2, "broken" never.
		switch u.ID {
		case "flaky":
			if attempt >= 2 {
				return &executor.Result{Status: result.StatusPassed}, nil
			}

			return &executor.Result{Status: result.StatusFailed, ErrorMessage: "assertion failed"}, nil
		case "broken":
			return &executor.Result{Status: result.StatusFailed, ErrorMessage: "assertion failed"}, nil
		default:
			return &executor.Result{Status: result.StatusPassed}, nil
		}
	})

	d := New(testLogger(), &Config{Parallelism: 3}, exec)

	units := []result.TestUnit{unit("ok", 2), unit("flaky", 2), unit("broken", 2)}
	records := collect(t, d.Schedule(context.Background(), "run-1", units))

	counts := make(map[string]int)

	for _, rec := range records {
		if rec.Final {
			counts[rec.TestUnitID]++
		}
	}

	assert.Equal(t, map[string]int{"ok": 1, "flaky": 1, "broken": 1}, counts)
}

func TestSchedulePassStopsRetrying(t *testing.T) {
	exec := newStubExecutor(func(_ *result.TestUnit, attempt int) (*executor.Result, error) {
		if attempt >= 2 {
			return &executor.Result{Status: result.StatusPassed}, nil
		}

		return &executor.Result{Status: result.StatusFailed, ErrorMessage: "flaky"}, nil
	})

	d := New(testLogger(), &Config{Parallelism: 1}, exec)

	records := collect(t, d.Schedule(context.Background(), "run-1", []result.TestUnit{unit("a", 5)}))

	// Attempt 1 failed non-final, attempt 2 passed final, nothing beyond.
	require.Len(t, records, 2)
	assert.False(t, records[0].Final)
	assert.Equal(t, result.StatusFailed, records[0].Status)
	assert.Equal(t, 1, records[0].AttemptNumber)
	assert.True(t, records[1].Final)
	assert.Equal(t, result.StatusPassed, records[1].Status)
	assert.Equal(t, 2, records[1].AttemptNumber)
	assert.Equal(t, 2, exec.attemptCount("a"))
}

func TestScheduleRetriesExhausted(t *testing.T) {
	exec := newStubExecutor(func(_ *result.TestUnit, _ int) (*executor.Result, error) {
		return &executor.Result{Status: result.StatusFailed, ErrorMessage: "assertion failed"}, nil
	})

	d := New(testLogger(), &Config{Parallelism: 2}, exec)

	records := collect(t, d.Schedule(context.Background(), "run-1", []result.TestUnit{unit("a", 1)}))

	require.Len(t, records, 2)

	final := finalsByUnit(records)["a"]
	assert.Equal(t, result.StatusFailed, final.Status)
	assert.Equal(t, 2, final.AttemptNumber)
	assert.Equal(t, 2, exec.attemptCount("a"))

	// Attempt numbers strictly increasing.
	assert.Equal(t, 1, records[0].AttemptNumber)
	assert.Equal(t, 2, records[1].AttemptNumber)
}

func TestScheduleTimeoutTagged(t *testing.T) {
	exec := newStubExecutor(func(_ *result.TestUnit, _ int) (*executor.Result, error) {
		time.Sleep(2 * time.Second)

		return &executor.Result{Status: result.StatusPassed}, nil
	})

	d := New(testLogger(), &Config{Parallelism: 1}, exec)

	u := unit("slow", 0)
	u.Timeout = 50 * time.Millisecond

	records := collect(t, d.Schedule(context.Background(), "run-1", []result.TestUnit{u}))

	require.Len(t, records, 1)
	assert.True(t, records[0].Final)
	assert.Equal(t, result.StatusError, records[0].Status)
	assert.True(t, strings.HasPrefix(records[0].ErrorMessage, TimeoutTag),
		"timeout must be distinguishable from assertion failure: %q", records[0].ErrorMessage)
}

func TestScheduleExecutorFaultTagged(t *testing.T) {
	exec := newStubExecutor(func(_ *result.TestUnit, _ int) (*executor.Result, error) {
		return nil, assert.AnError
	})

	d := New(testLogger(), &Config{Parallelism: 1}, exec)

	records := collect(t, d.Schedule(context.Background(), "run-1", []result.TestUnit{unit("a", 0)}))

	require.Len(t, records, 1)
	assert.Equal(t, result.StatusError, records[0].Status)
	assert.True(t, strings.HasPrefix(records[0].ErrorMessage, FaultTag))
}

func TestSchedulePanicIsolatedPerUnit(t *testing.T) {
	exec := newStubExecutor(func(u *result.TestUnit, _ int) (*executor.Result, error) {
		if u.ID == "panics" {
			panic("driver exploded")
		}

		return &executor.Result{Status: result.StatusPassed}, nil
	})

	d := New(testLogger(), &Config{Parallelism: 2}, exec)

	units := []result.TestUnit{unit("panics", 0), unit("a", 0), unit("b", 0)}
	records := collect(t, d.Schedule(context.Background(), "run-1", units))

	finals := finalsByUnit(records)
	require.Len(t, finals, 3)

	assert.Equal(t, result.StatusError, finals["panics"].Status)
	assert.Contains(t, finals["panics"].ErrorMessage, "panic")
	assert.Equal(t, result.StatusPassed, finals["a"].Status)
	assert.Equal(t, result.StatusPassed, finals["b"].Status)
}

func TestSchedulePreFilteredSkipped(t *testing.T) {
	exec := newStubExecutor(func(_ *result.TestUnit, _ int) (*executor.Result, error) {
		return &executor.Result{Status: result.StatusPassed}, nil
	})

	d := New(testLogger(), &Config{Parallelism: 2}, exec)

	skipped := unit("other-platform", 3)
	skipped.Skip = true

	records := collect(t, d.Schedule(context.Background(), "run-1", []result.TestUnit{skipped, unit("a", 0)}))

	finals := finalsByUnit(records)
	require.Len(t, finals, 2)

	rec := finals["other-platform"]
	assert.Equal(t, result.StatusSkipped, rec.Status)
	assert.Equal(t, 1, rec.AttemptNumber)
	assert.True(t, rec.Final)

	// The executor was never asked about the pre-filtered unit.
	assert.Zero(t, exec.attemptCount("other-platform"))
}

func TestScheduleNoConcurrentAttemptsOfSameUnit(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32

	exec := newStubExecutor(func(u *result.TestUnit, _ int) (*executor.Result, error) {
		if u.ID == "watched" {
			cur := inFlight.Add(1)
			for {
				prev := maxInFlight.Load()
				if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
					break
				}
			}

			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
		}

		return &executor.Result{Status: result.StatusFailed, ErrorMessage: "take another lap"}, nil
	})

	d := New(testLogger(), &Config{Parallelism: 4}, exec)

	collect(t, d.Schedule(context.Background(), "run-1", []result.TestUnit{unit("watched", 4)}))

	assert.Equal(t, int32(1), maxInFlight.Load())
	assert.Equal(t, 5, exec.attemptCount("watched"))
}

func TestScheduleCancellation(t *testing.T) {
	release := make(chan struct{})

	exec := newStubExecutor(func(_ *result.TestUnit, _ int) (*executor.Result, error) {
		<-release

		return &executor.Result{Status: result.StatusPassed}, nil
	})

	d := New(testLogger(), &Config{Parallelism: 2}, exec)

	ctx, cancel := context.WithCancel(context.Background())

	units := []result.TestUnit{unit("a", 0), unit("b", 0), unit("c", 0), unit("d", 0), unit("e", 0)}
	ch := d.Schedule(ctx, "run-1", units)

	// Two units are in flight; cancel the run, then let them finish.
	time.Sleep(50 * time.Millisecond)
	cancel()
	close(release)

	records := collect(t, ch)
	finals := finalsByUnit(records)
	require.Len(t, finals, 5, "every unit must reach a terminal outcome")

	passed, skipped := 0, 0

	for _, rec := range finals {
		switch rec.Status {
		case result.StatusPassed:
			passed++
		case result.StatusSkipped:
			skipped++
		default:
			t.Fatalf("unexpected final status %q", rec.Status)
		}
	}

	// The two in-flight attempts finish normally, the rest are skipped.
	assert.Equal(t, 2, passed)
	assert.Equal(t, 3, skipped)
}

func TestScheduleNegativeRetries(t *testing.T) {
	exec := newStubExecutor(func(_ *result.TestUnit, _ int) (*executor.Result, error) {
		return &executor.Result{Status: result.StatusFailed, ErrorMessage: "nope"}, nil
	})

	d := New(testLogger(), &Config{Parallelism: 1}, exec)

	// A negative retry count must not stall scheduling; the unit gets
	// exactly one attempt.
	records := collect(t, d.Schedule(context.Background(), "run-1", []result.TestUnit{unit("a", -1)}))

	require.Len(t, records, 1)
	assert.True(t, records[0].Final)
	assert.Equal(t, 1, records[0].AttemptNumber)
	assert.Equal(t, 1, exec.attemptCount("a"))
}

func TestScheduleCancellationSkipsCarryNoError(t *testing.T) {
	release := make(chan struct{})

	exec := newStubExecutor(func(_ *result.TestUnit, _ int) (*executor.Result, error) {
		<-release

		return &executor.Result{Status: result.StatusPassed}, nil
	})

	d := New(testLogger(), &Config{Parallelism: 1}, exec)

	ctx, cancel := context.WithCancel(context.Background())
	ch := d.Schedule(ctx, "run-1", []result.TestUnit{unit("a", 0), unit("b", 0)})

	time.Sleep(50 * time.Millisecond)
	cancel()
	close(release)

	for _, rec := range collect(t, ch) {
		if rec.Status == result.StatusSkipped {
			assert.Empty(t, rec.ErrorMessage,
				"skipped outcomes must not carry an error message")
		}
	}
}

func TestNewLeavesConfigUntouched(t *testing.T) {
	cfg := &Config{}

	d := New(testLogger(), cfg, newStubExecutor(func(_ *result.TestUnit, _ int) (*executor.Result, error) {
		return &executor.Result{Status: result.StatusPassed}, nil
	}))

	// Defaults apply to the dispatcher's own copy only.
	assert.Zero(t, cfg.Parallelism)
	assert.Zero(t, cfg.DefaultTimeout)

	records := collect(t, d.Schedule(context.Background(), "run-1", []result.TestUnit{unit("a", 0)}))
	require.Len(t, records, 1)
	assert.Equal(t, result.StatusPassed, records[0].Status)
}

func TestScheduleEmptyBatch(t *testing.T) {
	d := New(testLogger(), &Config{Parallelism: 2}, newStubExecutor(nil))

	records := collect(t, d.Schedule(context.Background(), "run-1", nil))
	assert.Empty(t, records)
}

func TestScheduleAttemptOrderPerUnit(t *testing.T) {
	exec := newStubExecutor(func(_ *result.TestUnit, _ int) (*executor.Result, error) {
		return &executor.Result{Status: result.StatusFailed, ErrorMessage: "nope"}, nil
	})

	d := New(testLogger(), &Config{Parallelism: 4}, exec)

	units := []result.TestUnit{unit("a", 3), unit("b", 3)}
	records := collect(t, d.Schedule(context.Background(), "run-1", units))

	// The stream observes each unit's attempts in order.
	last := make(map[string]int)

	for _, rec := range records {
		assert.Equal(t, last[rec.TestUnitID]+1, rec.AttemptNumber,
			"attempts for %s out of order", rec.TestUnitID)
		last[rec.TestUnitID] = rec.AttemptNumber
	}

	assert.Equal(t, 4, last["a"])
	assert.Equal(t, 4, last["b"])
}
