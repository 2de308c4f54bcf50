package executor

import (
	"context"
	"os/exec"
	"strings"

	"github.com/teranos/metronome/errors"
)

// ErrorCode represents the classification of a launch error
type ErrorCode string

const (
	ErrorCodeNotFound   ErrorCode = "not_found"  // binary or image does not exist
	ErrorCodePermission ErrorCode = "permission" // not allowed to execute
	ErrorCodeInvalid    ErrorCode = "invalid"    // malformed task
	ErrorCodeNetwork    ErrorCode = "network"    // daemon or agent unreachable
	ErrorCodeTimeout    ErrorCode = "timeout"    // launch deadline exceeded
	ErrorCodeNoHost     ErrorCode = "no_host"    // placement found nothing
	ErrorCodeUnknown    ErrorCode = "unknown"
)

// ErrorContext is the classification of a launch failure
type ErrorContext struct {
	Code      ErrorCode
	Message   string
	Retryable bool // another attempt may succeed
}

// errPermanent marks an error no retry can fix
var errPermanent = errors.New("permanent launch failure")

// Permanent marks err as not retryable
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, errPermanent)
}

// ClassifyError categorizes a launch error
func ClassifyError(err error) ErrorContext {
	if err == nil {
		return ErrorContext{Code: ErrorCodeUnknown, Message: "unknown error"}
	}

	ec := ErrorContext{Message: err.Error()}
	lower := strings.ToLower(ec.Message)

	switch {
	case errors.Is(err, errors.ErrNoEligibleHost):
		ec.Code = ErrorCodeNoHost
		ec.Retryable = true

	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errors.ErrTimeout):
		ec.Code = ErrorCodeTimeout
		ec.Retryable = false

	case errors.Is(err, context.Canceled):
		ec.Code = ErrorCodeUnknown
		ec.Retryable = false

	case errors.Is(err, errPermanent) || errors.Is(err, errors.ErrInvalidRequest):
		ec.Code = ErrorCodeInvalid
		ec.Retryable = false

	case errors.Is(err, exec.ErrNotFound) ||
		strings.Contains(lower, "no such image") ||
		strings.Contains(lower, "executable file not found") ||
		strings.Contains(lower, "no such file"):
		ec.Code = ErrorCodeNotFound
		ec.Retryable = false

	case strings.Contains(lower, "permission denied"):
		ec.Code = ErrorCodePermission
		ec.Retryable = false

	case strings.Contains(lower, "connection") || strings.Contains(lower, "network") ||
		strings.Contains(lower, "unavailable") || strings.Contains(lower, "eof"):
		ec.Code = ErrorCodeNetwork
		ec.Retryable = true

	default:
		ec.Code = ErrorCodeUnknown
		ec.Retryable = true
	}

	return ec
}
