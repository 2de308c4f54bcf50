package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/teranos/metronome/errors"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		job     Job
		wantErr string
	}{
		{
			name: "command job",
			job:  Job{ID: "prod.backup", Run: RunSpec{Cmd: "echo 'hello world'"}},
		},
		{
			name: "args only",
			job:  Job{ID: "args", Run: RunSpec{Args: []string{"/bin/true"}}},
		},
		{
			name: "docker job",
			job:  Job{ID: "img", Run: RunSpec{Docker: &DockerSpec{Image: "busybox:1.36"}}},
		},
		{
			name:    "uppercase id",
			job:     Job{ID: "Prod", Run: RunSpec{Cmd: "true"}},
			wantErr: "invalid job id",
		},
		{
			name:    "trailing dash",
			job:     Job{ID: "prod-", Run: RunSpec{Cmd: "true"}},
			wantErr: "invalid job id",
		},
		{
			name:    "nothing to run",
			job:     Job{ID: "empty"},
			wantErr: "is required",
		},
		{
			name:    "unterminated quote",
			job:     Job{ID: "quote", Run: RunSpec{Cmd: "echo 'oops"}},
			wantErr: "does not parse",
		},
		{
			name:    "negative memory",
			job:     Job{ID: "mem", Run: RunSpec{Cmd: "true", Mem: -1}},
			wantErr: "Mem",
		},
		{
			name: "unknown operator",
			job: Job{ID: "op", Run: RunSpec{Cmd: "true", Placement: PlacementSpec{
				Constraints: []Constraint{{Attribute: "hostname", Operator: "CLUSTER", Value: "x"}},
			}}},
			wantErr: "Operator",
		},
		{
			name: "bad LIKE pattern",
			job: Job{ID: "re", Run: RunSpec{Cmd: "true", Placement: PlacementSpec{
				Constraints: []Constraint{{Attribute: "hostname", Operator: OperatorLike, Value: "(("}},
			}}},
			wantErr: "invalid pattern",
		},
		{
			name:    "unknown restart policy",
			job:     Job{ID: "rs", Run: RunSpec{Cmd: "true", Restart: RestartSpec{Policy: "ALWAYS"}}},
			wantErr: "Policy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			if assert.Error(t, err) {
				assert.True(t, errors.IsInvalidRequestError(err))
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLaunchTimeout(t *testing.T) {
	j := Job{}
	assert.Equal(t, 30*time.Second, j.LaunchTimeout(30*time.Second))

	j.Run.MaxLaunchDelay = 5
	assert.Equal(t, 5*time.Second, j.LaunchTimeout(30*time.Second))
}
