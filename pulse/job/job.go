// Package job holds job definitions and their durable store.
package job

import (
	"regexp"
	"time"
)

// Constraint operators
const (
	OperatorEQ     = "EQ"     // exact match
	OperatorIS     = "IS"     // exact match (alias of EQ)
	OperatorLike   = "LIKE"   // value is a regular expression the attribute must fully match
	OperatorUnlike = "UNLIKE" // value is a regular expression the attribute must not match
)

// Restart policies
const (
	RestartNever     = "NEVER"
	RestartOnFailure = "ON_FAILURE"
)

// Resource defaults applied when a job leaves them unset
const (
	DefaultCPUs = 0.1
	DefaultMem  = 32
)

// idPattern: dot-separated lowercase DNS labels
var idPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)*$`)

// ValidID reports whether id is dot-separated lowercase DNS labels.
// Schedule ids follow the same rule.
func ValidID(id string) bool {
	return len(id) <= 128 && idPattern.MatchString(id)
}

// Job is a durable job definition
type Job struct {
	ID          string            `json:"id" validate:"required,max=128"`
	Description string            `json:"description,omitempty" validate:"max=1024"`
	Labels      map[string]string `json:"labels,omitempty"`
	Run         RunSpec           `json:"run"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// RunSpec describes what a run of the job executes and where
type RunSpec struct {
	Cmd            string            `json:"cmd,omitempty"`
	Args           []string          `json:"args,omitempty"`
	CPUs           float64           `json:"cpus" validate:"gte=0"`
	Mem            int64             `json:"mem" validate:"gte=0"`
	Disk           int64             `json:"disk" validate:"gte=0"`
	Env            map[string]string `json:"env,omitempty"`
	Docker         *DockerSpec       `json:"docker,omitempty"`
	Placement      PlacementSpec     `json:"placement"`
	MaxLaunchDelay int               `json:"maxLaunchDelay" validate:"gte=0"` // seconds, 0 = server default
	Restart        RestartSpec       `json:"restart"`
	User           string            `json:"user,omitempty"`
}

// DockerSpec selects the docker executor
type DockerSpec struct {
	Image string `json:"image" validate:"required"`
}

// PlacementSpec holds the host constraints of a job
type PlacementSpec struct {
	Constraints []Constraint `json:"constraints" validate:"dive"`
}

// Constraint restricts eligible hosts by attribute
type Constraint struct {
	Attribute string `json:"attribute" validate:"required"`
	Operator  string `json:"operator" validate:"oneof=EQ IS LIKE UNLIKE"`
	Value     string `json:"value"`
}

// RestartSpec controls relaunch of failed tasks within a run
type RestartSpec struct {
	Policy                string `json:"policy" validate:"omitempty,oneof=NEVER ON_FAILURE"`
	ActiveDeadlineSeconds int    `json:"activeDeadlineSeconds" validate:"gte=0"` // 0 = no deadline
}

// IsDocker reports whether the job runs a container image
func (j *Job) IsDocker() bool {
	return j.Run.Docker != nil && j.Run.Docker.Image != ""
}

// LaunchTimeout returns the job's launch timeout, or def when unset
func (j *Job) LaunchTimeout(def time.Duration) time.Duration {
	if j.Run.MaxLaunchDelay > 0 {
		return time.Duration(j.Run.MaxLaunchDelay) * time.Second
	}
	return def
}

// ApplyDefaults fills unset resources and the restart policy
func (j *Job) ApplyDefaults() {
	if j.Run.CPUs == 0 {
		j.Run.CPUs = DefaultCPUs
	}
	if j.Run.Mem == 0 {
		j.Run.Mem = DefaultMem
	}
	if j.Run.Restart.Policy == "" {
		j.Run.Restart.Policy = RestartNever
	}
	if j.Labels == nil {
		j.Labels = map[string]string{}
	}
	if j.Run.Placement.Constraints == nil {
		j.Run.Placement.Constraints = []Constraint{}
	}
}
