package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/logger"
	"github.com/teranos/metronome/pulse/job"
)

// handleCreateJob handles POST /v1/jobs
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var j job.Job
	if err := readJSON(w, r, &j); err != nil {
		writeKindError(w, s.logger, err, "failed to decode job")
		return
	}
	if err := s.jobs.Create(r.Context(), &j); err != nil {
		writeKindError(w, s.logger, err, "failed to create job")
		return
	}

	logger.PulseInfow(s.logger, "Job created", logger.FieldJobID, j.ID)
	writeJSON(w, http.StatusCreated, &j)
}

// handleListJobs handles GET /v1/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.List(r.Context())
	if err != nil {
		writeKindError(w, s.logger, err, "failed to list jobs")
		return
	}

	embed := parseEmbed(r.URL.Query()["embed"])
	resp := make([]*JobResponse, 0, len(jobs))
	for _, j := range jobs {
		jr, err := s.embedJob(r.Context(), j, embed)
		if err != nil {
			writeKindError(w, s.logger, err, "failed to list jobs")
			return
		}
		resp = append(resp, jr)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetJob handles GET /v1/jobs/{jobId}?embed=activeRuns,schedules,history
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.Get(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		writeKindError(w, s.logger, err, "failed to get job")
		return
	}
	jr, err := s.embedJob(r.Context(), j, parseEmbed(r.URL.Query()["embed"]))
	if err != nil {
		writeKindError(w, s.logger, err, "failed to get job")
		return
	}
	writeJSON(w, http.StatusOK, jr)
}

// handleUpdateJob handles PUT /v1/jobs/{jobId}
func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	var j job.Job
	if err := readJSON(w, r, &j); err != nil {
		writeKindError(w, s.logger, err, "failed to decode job")
		return
	}
	if err := s.jobs.Update(r.Context(), jobID, &j); err != nil {
		writeKindError(w, s.logger, err, "failed to update job")
		return
	}

	logger.PulseInfow(s.logger, "Job updated", logger.FieldJobID, jobID)
	writeJSON(w, http.StatusOK, &j)
}

// handleDeleteJob handles DELETE /v1/jobs/{jobId}?stopCurrentJobRuns=true
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	force := false
	if v := r.URL.Query().Get("stopCurrentJobRuns"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeKindError(w, s.logger, errors.NewInvalidRequestError("stopCurrentJobRuns must be a boolean, got %q", v), "")
			return
		}
		force = b
	}

	if err := s.runs.RemoveJob(r.Context(), jobID, force); err != nil {
		writeKindError(w, s.logger, err, "failed to remove job")
		return
	}

	logger.PulseInfow(s.logger, "Job removed", logger.FieldJobID, jobID, "stopped_runs", force)
	writeJSON(w, http.StatusOK, DeleteResponse{ID: jobID, Deleted: true})
}

func (s *Server) embedJob(ctx context.Context, j *job.Job, embed embedSet) (*JobResponse, error) {
	jr := &JobResponse{Job: j}
	if embed[embedActiveRuns] {
		runs, err := s.runs.ListRuns(ctx, j.ID, true)
		if err != nil {
			return nil, err
		}
		jr.ActiveRuns = &runs
	}
	if embed[embedSchedules] {
		schedules, err := s.schedules.List(ctx, j.ID)
		if err != nil {
			return nil, err
		}
		jr.Schedules = &schedules
	}
	if embed[embedHistory] {
		h, err := s.runs.History(ctx, j.ID)
		if err != nil {
			return nil, err
		}
		jr.History = h
	}
	return jr, nil
}
