// Package executor defines the boundary to the drivers that actually
// perform a test's steps. The orchestrator invokes an Executor once per
// attempt and never interprets driver internals.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ethpandaops/testoor/pkg/result"
	"github.com/sirupsen/logrus"
)

// Executor runs a single test unit attempt. Implementations must honor
// the context deadline and return rather than block past it.
type Executor interface {
	Execute(ctx context.Context, unit *result.TestUnit) (*Result, error)
}

// Result is what a driver reports back for one attempt.
type Result struct {
	Status       result.Status
	ErrorMessage string
	StackTrace   string
	ArtifactRefs []string
}

// Artifacts controls whether drivers are asked to capture artifacts.
// Consumed by drivers, not produced by the orchestrator.
type Artifacts struct {
	Screenshots bool
	Video       bool
}

// Config for the command executor.
type Config struct {
	// Command is the driver command template. The test unit name is
	// appended as the final argument.
	Command []string

	// WorkDir is the working directory for driver invocations.
	WorkDir string

	Artifacts Artifacts
}

// NewCommandExecutor creates an executor that shells out to a driver
// command per test unit. Exit code 0 maps to passed, non-zero to failed;
// start/IO errors map to error.
func NewCommandExecutor(log logrus.FieldLogger, cfg *Config) (Executor, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("driver command is required")
	}

	return &commandExecutor{
		log: log.WithField("component", "executor"),
		cfg: cfg,
	}, nil
}

type commandExecutor struct {
	log logrus.FieldLogger
	cfg *Config
}

// Ensure interface compliance.
var _ Executor = (*commandExecutor)(nil)

// Execute runs the driver command for one unit under the caller's
// context. Cancellation or deadline expiry kills the driver process.
func (e *commandExecutor) Execute(ctx context.Context, unit *result.TestUnit) (*Result, error) {
	args := make([]string, 0, len(e.cfg.Command))
	args = append(args, e.cfg.Command[1:]...)
	args = append(args, unit.Name)

	cmd := exec.CommandContext(ctx, e.cfg.Command[0], args...)
	cmd.Dir = e.cfg.WorkDir
	cmd.Env = append(os.Environ(), e.driverEnv(unit)...)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.log.WithFields(logrus.Fields{
		"unit": unit.ID,
		"name": unit.Name,
	}).Debug("Invoking driver")

	err := cmd.Run()

	if ctx.Err() != nil {
		// The driver was killed by the deadline; report it upward so the
		// dispatcher can record a timeout rather than a driver failure.
		return nil, ctx.Err()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &Result{
				Status:       result.StatusFailed,
				ErrorMessage: firstLine(stderr.String()),
				StackTrace:   stderr.String(),
				ArtifactRefs: parseArtifactRefs(stdout.String()),
			}, nil
		}

		return nil, fmt.Errorf("running driver: %w", err)
	}

	return &Result{
		Status:       result.StatusPassed,
		ArtifactRefs: parseArtifactRefs(stdout.String()),
	}, nil
}

// driverEnv builds the environment passed to the driver process.
func (e *commandExecutor) driverEnv(unit *result.TestUnit) []string {
	env := []string{
		"TESTOOR_UNIT_ID=" + unit.ID,
		"TESTOOR_PLATFORM=" + string(unit.Platform),
		"TESTOOR_APP=" + unit.App,
	}

	if e.cfg.Artifacts.Screenshots {
		env = append(env, "TESTOOR_SCREENSHOTS=1")
	}

	if e.cfg.Artifacts.Video {
		env = append(env, "TESTOOR_VIDEO=1")
	}

	return env
}

// parseArtifactRefs extracts artifact references emitted by the driver
// as "artifact: <ref>" lines on stdout.
func parseArtifactRefs(out string) []string {
	var refs []string

	for _, line := range strings.Split(out, "\n") {
		if ref, ok := strings.CutPrefix(strings.TrimSpace(line), "artifact: "); ok && ref != "" {
			refs = append(refs, ref)
		}
	}

	return refs
}

// firstLine returns the first non-empty line of s, trimmed.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}

	return ""
}

// AttemptDeadline returns the effective deadline for one attempt of a
// unit, falling back to def when the unit carries no timeout.
func AttemptDeadline(unit *result.TestUnit, def time.Duration) time.Duration {
	if unit.Timeout > 0 {
		return unit.Timeout
	}

	return def
}
