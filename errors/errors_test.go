package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesKind(t *testing.T) {
	err := Wrapf(ErrNotFound, "job %s", "nightly-backup")
	err = Wrap(err, "failed to trigger run")

	assert.True(t, Is(err, ErrNotFound))
	assert.True(t, IsNotFoundError(err))
	assert.False(t, IsConflictError(err))
	assert.Contains(t, err.Error(), "nightly-backup")
	assert.Contains(t, err.Error(), "failed to trigger run")
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
		msg   string
	}{
		{"not found", NewNotFoundError("job %s", "a"), IsNotFoundError, "job a"},
		{"conflict", NewConflictError("job %s already exists", "a"), IsConflictError, "already exists"},
		{"invalid request", NewInvalidRequestError("bad id %q", "A!"), IsInvalidRequestError, "bad id"},
		{"invalid schedule", NewInvalidScheduleError("bad cron %q", "* *"), IsInvalidScheduleError, "bad cron"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, tt.err)
			assert.True(t, tt.check(tt.err))
			assert.Contains(t, tt.err.Error(), tt.msg)
		})
	}
}

func TestKind(t *testing.T) {
	assert.Equal(t, "", Kind(nil))
	assert.Equal(t, "not_found", Kind(NewNotFoundError("run %s", "r1")))
	assert.Equal(t, "conflict", Kind(Wrap(ErrConflict, "dup")))
	assert.Equal(t, "invalid_schedule", Kind(NewInvalidScheduleError("x")))
	assert.Equal(t, "invalid_request", Kind(NewInvalidRequestError("x")))
	assert.Equal(t, "no_eligible_host", Kind(Wrap(ErrNoEligibleHost, "job a")))
	assert.Equal(t, "already_terminal", Kind(Wrap(ErrAlreadyTerminal, "run r1")))
	assert.Equal(t, "internal", Kind(New("disk on fire")))
}

func TestNilHelpers(t *testing.T) {
	assert.False(t, IsNotFoundError(nil))
	assert.False(t, IsConflictError(nil))
	assert.Nil(t, Wrap(nil, "context"))
	assert.Nil(t, WithDetail(nil, "detail"))
}

func TestDetailsSurviveWrapping(t *testing.T) {
	err := WithDetail(Wrap(ErrNoEligibleHost, "placement"), "constraints: hostname LIKE 10.0.0.5")
	err = Wrap(err, "launch attempt 3")

	assert.True(t, Is(err, ErrNoEligibleHost))
	assert.Contains(t, GetAllDetails(err), "constraints: hostname LIKE 10.0.0.5")
}

func ExampleWrap() {
	err := Wrap(New("connection refused"), "failed to open database")
	fmt.Println(err)
	// Output: failed to open database: connection refused
}
