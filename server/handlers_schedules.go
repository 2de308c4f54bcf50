package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/logger"
)

// handleCreateSchedule handles POST /v1/jobs/{jobId}/schedules
func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	var req ScheduleRequest
	if err := readJSON(w, r, &req); err != nil {
		writeKindError(w, s.logger, err, "failed to decode schedule")
		return
	}

	sc := req.toSchedule(jobID)
	if err := s.schedules.Create(r.Context(), sc); err != nil {
		writeKindError(w, s.logger, err, "failed to create schedule")
		return
	}

	logger.PulseInfow(s.logger, "Schedule created",
		logger.FieldJobID, jobID,
		logger.FieldScheduleID, sc.ID,
		"cron", sc.Cron,
		"timezone", sc.Timezone,
		"enabled", sc.Enabled)
	writeJSON(w, http.StatusCreated, sc)
}

// handleListSchedules handles GET /v1/jobs/{jobId}/schedules
func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	if err := s.requireJob(r.Context(), jobID); err != nil {
		writeKindError(w, s.logger, err, "failed to list schedules")
		return
	}
	schedules, err := s.schedules.List(r.Context(), jobID)
	if err != nil {
		writeKindError(w, s.logger, err, "failed to list schedules")
		return
	}
	writeJSON(w, http.StatusOK, schedules)
}

// handleGetSchedule handles GET /v1/jobs/{jobId}/schedules/{scheduleId}
func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.schedules.Get(r.Context(), chi.URLParam(r, "jobId"), chi.URLParam(r, "scheduleId"))
	if err != nil {
		writeKindError(w, s.logger, err, "failed to get schedule")
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

// handleUpdateSchedule handles PUT /v1/jobs/{jobId}/schedules/{scheduleId}
func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	jobID, scheduleID := chi.URLParam(r, "jobId"), chi.URLParam(r, "scheduleId")
	var req ScheduleRequest
	if err := readJSON(w, r, &req); err != nil {
		writeKindError(w, s.logger, err, "failed to decode schedule")
		return
	}
	if req.ID != "" && req.ID != scheduleID {
		writeKindError(w, s.logger, errors.NewConflictError("schedule id is immutable: cannot change %s to %s", scheduleID, req.ID), "")
		return
	}

	sc := req.toSchedule(jobID)
	if err := s.schedules.Update(r.Context(), jobID, scheduleID, sc); err != nil {
		writeKindError(w, s.logger, err, "failed to update schedule")
		return
	}

	logger.PulseInfow(s.logger, "Schedule updated",
		logger.FieldJobID, jobID,
		logger.FieldScheduleID, scheduleID,
		"enabled", sc.Enabled)
	writeJSON(w, http.StatusOK, sc)
}

// handleDeleteSchedule handles DELETE /v1/jobs/{jobId}/schedules/{scheduleId}
func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	jobID, scheduleID := chi.URLParam(r, "jobId"), chi.URLParam(r, "scheduleId")
	if err := s.schedules.Delete(r.Context(), jobID, scheduleID); err != nil {
		writeKindError(w, s.logger, err, "failed to remove schedule")
		return
	}

	logger.PulseInfow(s.logger, "Schedule removed", logger.FieldJobID, jobID, logger.FieldScheduleID, scheduleID)
	writeJSON(w, http.StatusOK, DeleteResponse{ID: scheduleID, Deleted: true})
}

func (s *Server) requireJob(ctx context.Context, jobID string) error {
	ok, err := s.jobs.Exists(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.NewNotFoundError("job %s", jobID)
	}
	return nil
}
