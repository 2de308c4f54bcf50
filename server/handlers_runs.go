package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/logger"
	"github.com/teranos/metronome/pulse/run"
)

// handleTriggerRun handles POST /v1/jobs/{jobId}/runs.
// A manual trigger conflicts with an active run of the same job.
func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	created, err := s.runs.Trigger(r.Context(), jobID, run.TriggerOptions{Trigger: run.TriggerManual})
	if err != nil {
		writeKindError(w, s.logger, err, "failed to start run")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// handleListRuns handles GET /v1/jobs/{jobId}/runs.
// Only INITIAL and ACTIVE runs are listed unless ?all=true.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	activeOnly := true
	if v := r.URL.Query().Get("all"); v != "" {
		all, err := strconv.ParseBool(v)
		if err != nil {
			writeKindError(w, s.logger, errors.NewInvalidRequestError("all must be a boolean, got %q", v), "")
			return
		}
		activeOnly = !all
	}

	runs, err := s.runs.ListRuns(r.Context(), jobID, activeOnly)
	if err != nil {
		writeKindError(w, s.logger, err, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleGetRun handles GET /v1/jobs/{jobId}/runs/{runId}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	got, err := s.runs.GetRun(r.Context(), chi.URLParam(r, "jobId"), chi.URLParam(r, "runId"))
	if err != nil {
		writeKindError(w, s.logger, err, "failed to get run")
		return
	}
	writeJSON(w, http.StatusOK, got)
}

// handleStopRun handles POST /v1/jobs/{jobId}/runs/{runId}/actions/stop.
// Stopping a finished run returns it unchanged.
func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	jobID, runID := chi.URLParam(r, "jobId"), chi.URLParam(r, "runId")
	killed, err := s.runs.Kill(r.Context(), jobID, runID)
	if err != nil {
		writeKindError(w, s.logger, err, "failed to stop run")
		return
	}

	logger.RunInfow(s.logger, "Run stop requested",
		logger.FieldJobID, jobID,
		logger.FieldRunID, runID,
		logger.FieldStatus, killed.Status)
	writeJSON(w, http.StatusOK, killed)
}
