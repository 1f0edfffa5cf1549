package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

const defaultListLimit = 50

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListRuns lists recorded runs, newest first. Supports ?since
// (RFC3339), ?platform and ?limit query filters.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	var since time.Time

	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"invalid since timestamp"})

			return
		}

		since = parsed
	}

	limit := defaultListLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"invalid limit"})

			return
		}

		limit = parsed
	}

	runs, err := s.store.ListRuns(
		r.Context(), since, r.URL.Query().Get("platform"), limit,
	)
	if err != nil {
		s.log.WithError(err).Error("Failed to list runs")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing runs"})

		return
	}

	writeJSON(w, http.StatusOK, runs)
}

// handleGetRun returns a single run by ID.
func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeJSON(w, http.StatusNotFound,
				errorResponse{"run not found"})

			return
		}

		s.log.WithError(err).Error("Failed to get run")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"getting run"})

		return
	}

	writeJSON(w, http.StatusOK, run)
}

// handleListOutcomes returns all attempt records for a run, ordered by
// test unit and attempt number.
func (s *server) handleListOutcomes(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	outcomes, err := s.store.ListOutcomes(r.Context(), runID)
	if err != nil {
		s.log.WithError(err).Error("Failed to list outcomes")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing outcomes"})

		return
	}

	writeJSON(w, http.StatusOK, outcomes)
}

// handleListCategories returns failure classifications for a run.
func (s *server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	categories, err := s.store.ListCategories(r.Context(), runID)
	if err != nil {
		s.log.WithError(err).Error("Failed to list categories")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing categories"})

		return
	}

	writeJSON(w, http.StatusOK, categories)
}
