package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/result"
	"github.com/sirupsen/logrus"
)

// remoteSink ships records to the remote tracking service over its REST
// API. The service keys runs by run_id and outcomes by
// (run_id, test_unit_id, attempt_number); a conflict response means the
// record is already there, which this client treats as success.
type remoteSink struct {
	log     logrus.FieldLogger
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewRemoteSink creates the remote tracking service sink.
func NewRemoteSink(log logrus.FieldLogger, cfg *config.RemoteSinkConfig) Sink {
	return &remoteSink{
		log:     log.WithField("component", "sink.remote"),
		baseURL: strings.TrimSuffix(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		client: &http.Client{
			Timeout: cfg.RequestTimeout(),
		},
	}
}

// Compile-time interface check.
var _ Sink = (*remoteSink)(nil)

func (s *remoteSink) Name() string {
	return "remote"
}

func (s *remoteSink) WriteRun(ctx context.Context, run *result.Run) error {
	return s.post(ctx, "/api/v1/runs", runRow(run))
}

func (s *remoteSink) WriteOutcome(ctx context.Context, rec *result.OutcomeRecord) error {
	return s.post(ctx, "/api/v1/outcomes", outcomeRow(rec))
}

func (s *remoteSink) WriteCategory(ctx context.Context, cat *result.FailureCategory) error {
	return s.post(ctx, "/api/v1/categories", categoryRow(cat))
}

// Close is a no-op; the client buffers nothing.
func (s *remoteSink) Close() error {
	return nil
}

// post sends one record. Connection failures and server errors surface
// as UnavailableError; 409 means the record already exists and is a
// no-op by contract.
func (s *remoteSink) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body),
	)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &UnavailableError{Sink: s.Name(), Err: err}
	}

	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		// Already recorded; redelivery is expected.
		return nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return &UnavailableError{
			Sink: s.Name(),
			Err:  fmt.Errorf("%s %s: status %d: %s", http.MethodPost, path, resp.StatusCode, strings.TrimSpace(string(msg))),
		}
	}
}
