package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/ethpandaops/testoor/pkg/classifier"
	"github.com/ethpandaops/testoor/pkg/dispatch"
	"github.com/ethpandaops/testoor/pkg/executor"
	"github.com/ethpandaops/testoor/pkg/result"
	"github.com/ethpandaops/testoor/pkg/sink"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

type stubExecutor struct {
	fn func(unit *result.TestUnit) (*executor.Result, error)
}

func (s *stubExecutor) Execute(_ context.Context, unit *result.TestUnit) (*executor.Result, error) {
	return s.fn(unit)
}

func passingExecutor() executor.Executor {
	return &stubExecutor{fn: func(*result.TestUnit) (*executor.Result, error) {
		return &executor.Result{Status: result.StatusPassed}, nil
	}}
}

func units(n int, retries int) []result.TestUnit {
	out := make([]result.TestUnit, 0, n)

	for i := 0; i < n; i++ {
		out = append(out, result.TestUnit{
			ID:         string(rune('a' + i)),
			Platform:   result.PlatformWeb,
			Name:       "suite/test_" + string(rune('a'+i)),
			Timeout:    5 * time.Second,
			MaxRetries: retries,
		})
	}

	return out
}

func newTestCoordinator(t *testing.T, exec executor.Executor, clf classifier.Classifier) (Coordinator, *sink.MemorySink, *sink.MemorySink) {
	t.Helper()

	local := sink.NewMemorySink("local")
	remote := sink.NewMemorySink("remote")

	d := dispatch.New(testLogger(), &dispatch.Config{Parallelism: 2}, exec)
	c := New(testLogger(), d, []sink.Sink{local, remote}, clf, 2)

	t.Cleanup(func() {
		require.NoError(t, c.Close())
	})

	return c, local, remote
}

func TestCreateRunValidation(t *testing.T) {
	c, _, _ := newTestCoordinator(t, passingExecutor(), nil)

	_, err := c.CreateRun(nil, result.RunConfig{}, result.PlatformWeb, "shop")
	require.Error(t, err)

	var verr *result.ValidationError
	assert.ErrorAs(t, err, &verr)

	dup := units(2, 0)
	dup[1].ID = dup[0].ID

	_, err = c.CreateRun(dup, result.RunConfig{}, result.PlatformWeb, "shop")
	assert.ErrorAs(t, err, &verr)
}

func TestExecuteAllPass(t *testing.T) {
	// 3 units, no retries, everything passes.
	c, local, remote := newTestCoordinator(t, passingExecutor(), nil)

	run, err := c.CreateRun(units(3, 0), result.RunConfig{Parallelism: 2}, result.PlatformWeb, "shop")
	require.NoError(t, err)

	res, err := c.Execute(context.Background(), run)
	require.NoError(t, err)

	assert.Equal(t, result.RunCompleted, res.Run.Status)
	assert.Empty(t, res.SinkWarnings)
	require.NotNil(t, res.Run.Summary)
	assert.Equal(t, result.Summary{Total: 3, Passed: 3}, *res.Run.Summary)
	require.NotNil(t, res.Run.FinishedAt)

	for _, s := range []*sink.MemorySink{local, remote} {
		stored, ok := s.Run(run.ID)
		require.True(t, ok)
		assert.Equal(t, result.RunCompleted, stored.Status)
		assert.Len(t, s.Outcomes(run.ID), 3)
	}
}

func TestExecuteRetryThenFinalFailure(t *testing.T) {
	// One unit always fails with one retry allowed.
	exec := &stubExecutor{fn: func(unit *result.TestUnit) (*executor.Result, error) {
		if unit.ID == "b" {
			return &executor.Result{Status: result.StatusFailed, ErrorMessage: "assertion failed: expected 1"}, nil
		}

		return &executor.Result{Status: result.StatusPassed}, nil
	}}

	c, local, _ := newTestCoordinator(t, exec, nil)

	batch := units(3, 0)
	batch[1].MaxRetries = 1

	run, err := c.CreateRun(batch, result.RunConfig{Parallelism: 2, MaxRetries: 1}, result.PlatformWeb, "shop")
	require.NoError(t, err)

	res, err := c.Execute(context.Background(), run)
	require.NoError(t, err)

	assert.Equal(t, result.RunPartiallyFailed, res.Run.Status)
	assert.Equal(t, result.Summary{Total: 3, Passed: 2, Failed: 1}, *res.Run.Summary)

	var attempts []result.OutcomeRecord

	for _, rec := range local.Outcomes(run.ID) {
		if rec.TestUnitID == "b" {
			attempts = append(attempts, rec)
		}
	}

	require.Len(t, attempts, 2)

	finals := 0

	for _, rec := range attempts {
		if rec.Final {
			finals++
			assert.Equal(t, 2, rec.AttemptNumber)
			assert.Equal(t, result.StatusFailed, rec.Status)
		}
	}

	assert.Equal(t, 1, finals, "exactly one final record per unit")
}

func TestExecuteRemoteSinkDown(t *testing.T) {
	// Remote sink unreachable for the whole run.
	c, local, remote := newTestCoordinator(t, passingExecutor(), nil)
	remote.FailWrites = true

	run, err := c.CreateRun(units(3, 0), result.RunConfig{Parallelism: 2}, result.PlatformWeb, "shop")
	require.NoError(t, err)

	res, err := c.Execute(context.Background(), run)
	require.NoError(t, err)

	// Test outcomes alone decide the status; the outage is a warning.
	assert.Equal(t, result.RunCompleted, res.Run.Status)
	require.Len(t, res.SinkWarnings, 1)
	assert.Equal(t, "remote", res.SinkWarnings[0].Sink)
	assert.Greater(t, res.SinkWarnings[0].Failures, 0)

	var unavailable *sink.UnavailableError
	assert.ErrorAs(t, res.SinkWarnings[0].Err, &unavailable)

	// The healthy sink holds the complete run.
	stored, ok := local.Run(run.ID)
	require.True(t, ok)
	assert.Equal(t, result.RunCompleted, stored.Status)
	assert.Len(t, local.Outcomes(run.ID), 3)
	assert.Empty(t, remote.Outcomes(run.ID))
}

func TestExecuteCancellation(t *testing.T) {
	// Cancel while 2 of 5 units are in flight.
	release := make(chan struct{})

	exec := &stubExecutor{fn: func(*result.TestUnit) (*executor.Result, error) {
		<-release

		return &executor.Result{Status: result.StatusPassed}, nil
	}}

	c, local, _ := newTestCoordinator(t, exec, nil)

	run, err := c.CreateRun(units(5, 0), result.RunConfig{Parallelism: 2}, result.PlatformWeb, "shop")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
		close(release)
	}()

	res, err := c.Execute(ctx, run)
	require.NoError(t, err)

	assert.True(t, res.Run.Status.Terminal(), "cancelled run must still reach a terminal status")
	assert.Equal(t, 5, res.Run.Summary.Total)
	assert.Equal(t, 2, res.Run.Summary.Passed)
	assert.Equal(t, 3, res.Run.Summary.Skipped)

	// The cancelled run is fully persisted, skipped finals included.
	assert.Len(t, local.Outcomes(run.ID), 5)
}

func TestExecuteClassifiesFinalFailures(t *testing.T) {
	exec := &stubExecutor{fn: func(unit *result.TestUnit) (*executor.Result, error) {
		if unit.ID == "a" {
			return &executor.Result{Status: result.StatusFailed, ErrorMessage: "element not found: #checkout css selector"}, nil
		}

		return &executor.Result{Status: result.StatusPassed}, nil
	}}

	clf := classifier.WithBudget(testLogger(), classifier.NewKeywordClassifier(testLogger()), time.Second)
	c, local, remote := newTestCoordinator(t, exec, clf)

	run, err := c.CreateRun(units(2, 0), result.RunConfig{Parallelism: 2, AIAnalysis: true}, result.PlatformWeb, "shop")
	require.NoError(t, err)

	res, err := c.Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, result.RunPartiallyFailed, res.Run.Status)

	// Classification is best-effort and flushed on Close.
	require.NoError(t, c.Close())

	for _, s := range []*sink.MemorySink{local, remote} {
		cats := s.Categories(run.ID)
		require.Len(t, cats, 1)
		assert.Equal(t, classifier.CategoryElementNotFound, cats[0].Category)
		assert.Equal(t, "a", cats[0].TestUnitID)
	}
}

func TestExecuteNoDispatcherErrored(t *testing.T) {
	local := sink.NewMemorySink("local")
	c := New(testLogger(), nil, []sink.Sink{local}, nil, 1)

	run := &result.Run{
		ID:       "run-x",
		Platform: result.PlatformWeb,
		Status:   result.RunPending,
	}

	res, err := c.Execute(context.Background(), run)
	require.Error(t, err)
	assert.Equal(t, result.RunErrored, res.Run.Status)
	assert.True(t, res.Run.Status.Terminal())

	stored, ok := local.Run("run-x")
	require.True(t, ok)
	assert.Equal(t, result.RunErrored, stored.Status)
}
