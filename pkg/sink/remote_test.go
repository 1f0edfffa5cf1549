package sink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// trackerStub mimics the remote tracking service: records keyed by
// identity, conflict on duplicates.
type trackerStub struct {
	mu       sync.Mutex
	runs     map[string]RunRow
	outcomes map[string]OutcomeRow
	apiKey   string
}

func newTrackerStub(apiKey string) *trackerStub {
	return &trackerStub{
		runs:     make(map[string]RunRow),
		outcomes: make(map[string]OutcomeRow),
		apiKey:   apiKey,
	}
}

func (s *trackerStub) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(w, r) {
			return
		}

		var row RunRow
		if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)

			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		// Runs are upserted: lifecycle transitions update the record.
		s.runs[row.RunID] = row
		w.WriteHeader(http.StatusCreated)
	})

	mux.HandleFunc("POST /api/v1/outcomes", func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(w, r) {
			return
		}

		var row OutcomeRow
		if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)

			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		key := outcomeKey(row.RunID, row.TestUnitID, row.AttemptNumber)
		if _, exists := s.outcomes[key]; exists {
			w.WriteHeader(http.StatusConflict)

			return
		}

		s.outcomes[key] = row
		w.WriteHeader(http.StatusCreated)
	})

	mux.HandleFunc("POST /api/v1/categories", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	return mux
}

func (s *trackerStub) authorized(w http.ResponseWriter, r *http.Request) bool {
	if s.apiKey != "" && r.Header.Get("Authorization") != "Bearer "+s.apiKey {
		http.Error(w, "unauthorized", http.StatusUnauthorized)

		return false
	}

	return true
}

func newTestRemote(t *testing.T, stub *trackerStub) Sink {
	t.Helper()

	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)

	return NewRemoteSink(testLogger(), &config.RemoteSinkConfig{
		Enabled: true,
		URL:     srv.URL,
		APIKey:  stub.apiKey,
		Timeout: "2s",
	})
}

func TestRemoteSinkWrites(t *testing.T) {
	stub := newTrackerStub("secret")
	remote := newTestRemote(t, stub)
	ctx := context.Background()

	require.NoError(t, remote.WriteRun(ctx, sampleRun()))
	require.NoError(t, remote.WriteOutcome(ctx, sampleOutcome(1, true)))

	stub.mu.Lock()
	defer stub.mu.Unlock()

	assert.Len(t, stub.runs, 1)
	assert.Len(t, stub.outcomes, 1)
	assert.Equal(t, "login", stub.outcomes["run-1/login/1"].TestUnitID)
}

func TestRemoteSinkRedeliveryIsNoOp(t *testing.T) {
	stub := newTrackerStub("")
	remote := newTestRemote(t, stub)
	ctx := context.Background()

	rec := sampleOutcome(1, true)

	// Second delivery conflicts server-side; the sink treats it as ok.
	require.NoError(t, remote.WriteOutcome(ctx, rec))
	require.NoError(t, remote.WriteOutcome(ctx, rec))

	stub.mu.Lock()
	defer stub.mu.Unlock()

	assert.Len(t, stub.outcomes, 1)
}

func TestRemoteSinkUnreachable(t *testing.T) {
	remote := NewRemoteSink(testLogger(), &config.RemoteSinkConfig{
		Enabled: true,
		URL:     "http://127.0.0.1:1",
		Timeout: "200ms",
	})

	err := remote.WriteRun(context.Background(), sampleRun())
	require.Error(t, err)

	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "remote", unavailable.Sink)
}

func TestRemoteSinkServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	remote := NewRemoteSink(testLogger(), &config.RemoteSinkConfig{
		Enabled: true,
		URL:     srv.URL,
		Timeout: "2s",
	})

	err := remote.WriteOutcome(context.Background(), sampleOutcome(1, true))

	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Contains(t, unavailable.Error(), "503")
}

func TestMemorySinkIdempotent(t *testing.T) {
	mem := NewMemorySink("mem")
	ctx := context.Background()

	rec := sampleOutcome(1, true)
	require.NoError(t, mem.WriteOutcome(ctx, rec))

	// Redelivery must not duplicate or overwrite.
	mutated := *rec
	mutated.ErrorMessage = "different message"
	require.NoError(t, mem.WriteOutcome(ctx, &mutated))

	records := mem.Outcomes("run-1")
	require.Len(t, records, 1)
	assert.Equal(t, rec.ErrorMessage, records[0].ErrorMessage)
}
