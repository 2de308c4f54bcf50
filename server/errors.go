package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/teranos/metronome/errors"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error  string   `json:"error"`
	Code   string   `json:"code"`
	Hints  []string `json:"hints,omitempty"`
	Detail []string `json:"details,omitempty"`
}

// statusFor maps an error kind to its HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, errors.ErrInvalidSchedule):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errors.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrServiceUnavailable), errors.Is(err, errors.ErrNoEligibleHost):
		return http.StatusServiceUnavailable
	case errors.Is(err, errors.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeKindError writes err with the status of its kind. Internal errors are
// logged and their message is replaced, so driver details stay in the logs.
func writeKindError(w http.ResponseWriter, log *zap.SugaredLogger, err error, context string) {
	status := statusFor(err)
	resp := ErrorResponse{
		Error: err.Error(),
		Code:  errors.Kind(err),
		Hints: errors.GetAllHints(err),
	}
	if status == http.StatusInternalServerError {
		log.Errorw(context, "error", err)
		resp.Error = context
		resp.Hints = nil
	} else {
		resp.Detail = errors.GetAllDetails(err)
	}
	writeJSON(w, status, resp)
}
