// Package classifier produces advisory failure categories for terminal
// failed/error outcomes. Classification is best-effort: it never blocks
// or fails the owning run.
package classifier

import (
	"context"
	"strings"
	"time"

	"github.com/ethpandaops/testoor/pkg/result"
	"github.com/sirupsen/logrus"
)

// Classifier categorizes one failure outcome.
type Classifier interface {
	Classify(ctx context.Context, rec *result.OutcomeRecord) (*result.FailureCategory, error)
}

// Failure category buckets.
const (
	CategoryElementNotFound = "element-not-found"
	CategoryTimeout         = "timeout"
	CategoryAssertion       = "assertion"
	CategoryNetwork         = "network"
	CategoryPermission      = "permission"
	CategoryData            = "data"
	CategoryEnvironment     = "environment"
	CategoryApplication     = "application"
)

// categoryKeywords maps each bucket to the phrases that indicate it.
var categoryKeywords = map[string][]string{
	CategoryElementNotFound: {"element not found", "selector", "locator", "xpath", "css"},
	CategoryTimeout:         {"timeout", "timed out", "wait", "element not visible", "page load"},
	CategoryAssertion:       {"assertion", "expected", "actual", "assert"},
	CategoryNetwork:         {"network", "connection", "http", "request", "response"},
	CategoryPermission:      {"permission", "access", "forbidden", "unauthorized"},
	CategoryData:            {"invalid data", "format", "validation", "schema"},
	CategoryEnvironment:     {"driver", "browser", "device", "platform"},
	CategoryApplication:     {"application error", "crash", "exception", "bug"},
}

// suggestedCauses holds the advisory text attached per bucket.
var suggestedCauses = map[string]string{
	CategoryElementNotFound: "a UI locator no longer matches; check recent markup changes",
	CategoryTimeout:         "the operation exceeded its wait budget; check load times and waits",
	CategoryAssertion:       "an expected value did not match; check test data and recent behavior changes",
	CategoryNetwork:         "a network call failed; check connectivity and service availability",
	CategoryPermission:      "an access check failed; check credentials and roles for the test account",
	CategoryData:            "input or response data did not validate; check fixtures and schemas",
	CategoryEnvironment:     "the driver or device misbehaved; check the execution environment",
	CategoryApplication:     "the application itself errored; check application logs",
}

// NewKeywordClassifier creates a classifier that scores the outcome's
// error message and stack trace against per-category keyword lists.
func NewKeywordClassifier(log logrus.FieldLogger) Classifier {
	return &keywordClassifier{
		log: log.WithField("component", "classifier"),
	}
}

type keywordClassifier struct {
	log logrus.FieldLogger
}

// Ensure interface compliance.
var _ Classifier = (*keywordClassifier)(nil)

func (c *keywordClassifier) Classify(_ context.Context, rec *result.OutcomeRecord) (*result.FailureCategory, error) {
	text := strings.ToLower(rec.ErrorMessage + " " + rec.StackTrace)

	bestCategory := result.CategoryUnknown
	bestScore := 0.0

	for category, keywords := range categoryKeywords {
		hits := 0
		for _, keyword := range keywords {
			hits += strings.Count(text, keyword)
		}

		score := float64(hits) / float64(len(keywords))
		if score > bestScore {
			bestScore = score
			bestCategory = category
		}
	}

	cat := &result.FailureCategory{
		RunID:         rec.RunID,
		TestUnitID:    rec.TestUnitID,
		AttemptNumber: rec.AttemptNumber,
		Category:      bestCategory,
		Confidence:    clamp(bestScore),
	}

	if cause, ok := suggestedCauses[bestCategory]; ok {
		cat.SuggestedCause = cause
	}

	return cat, nil
}

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}

	return v
}

// WithBudget bounds each classification to the given budget. Overruns
// and internal errors degrade to the unknown category with confidence
// zero instead of surfacing to the caller.
func WithBudget(log logrus.FieldLogger, c Classifier, budget time.Duration) Classifier {
	return &budgeted{
		log:    log.WithField("component", "classifier"),
		inner:  c,
		budget: budget,
	}
}

type budgeted struct {
	log    logrus.FieldLogger
	inner  Classifier
	budget time.Duration
}

func (b *budgeted) Classify(ctx context.Context, rec *result.OutcomeRecord) (*result.FailureCategory, error) {
	ctx, cancel := context.WithTimeout(ctx, b.budget)
	defer cancel()

	type classified struct {
		cat *result.FailureCategory
		err error
	}

	done := make(chan classified, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- classified{err: nil, cat: nil}
			}
		}()

		cat, err := b.inner.Classify(ctx, rec)
		done <- classified{cat: cat, err: err}
	}()

	select {
	case <-ctx.Done():
		b.log.WithFields(logrus.Fields{
			"unit":   rec.TestUnitID,
			"budget": b.budget,
		}).Warn("Classification over budget, falling back to unknown")

		return unknownCategory(rec), nil
	case res := <-done:
		if res.err != nil || res.cat == nil {
			if res.err != nil {
				b.log.WithError(res.err).Warn("Classifier fault, falling back to unknown")
			}

			return unknownCategory(rec), nil
		}

		return res.cat, nil
	}
}

func unknownCategory(rec *result.OutcomeRecord) *result.FailureCategory {
	return &result.FailureCategory{
		RunID:         rec.RunID,
		TestUnitID:    rec.TestUnitID,
		AttemptNumber: rec.AttemptNumber,
		Category:      result.CategoryUnknown,
		Confidence:    0,
	}
}
