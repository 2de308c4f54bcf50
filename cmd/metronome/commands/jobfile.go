package commands

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/internal/util"
	"github.com/teranos/metronome/pulse/job"
	"github.com/teranos/metronome/pulse/schedule"
)

// JobFile is a job definition with its schedules, as written for `job apply`.
// Field names follow the REST API, in YAML, TOML or JSON:
//
//	id: prod.backup
//	run:
//	  cmd: /usr/local/bin/backup --full
//	  placement:
//	    constraints:
//	      - {attribute: hostname, operator: EQ, value: db-1}
//	schedules:
//	  - id: nightly
//	    cron: "0 2 * * *"
//	    timezone: Europe/Amsterdam
type JobFile struct {
	job.Job
	Schedules []ScheduleSpec `json:"schedules"`
}

// ScheduleSpec is a schedule in a job file. Enabled defaults to true.
type ScheduleSpec struct {
	ID                      string `json:"id"`
	Cron                    string `json:"cron"`
	Timezone                string `json:"timezone"`
	StartingDeadlineSeconds int    `json:"startingDeadlineSeconds"`
	ConcurrencyPolicy       string `json:"concurrencyPolicy"`
	Enabled                 *bool  `json:"enabled"`
}

// Schedule builds the schedule of jobID, with defaults applied
func (s ScheduleSpec) Schedule(jobID string) *schedule.Schedule {
	sc := &schedule.Schedule{
		JobID:                   jobID,
		ID:                      s.ID,
		Cron:                    s.Cron,
		Timezone:                s.Timezone,
		StartingDeadlineSeconds: s.StartingDeadlineSeconds,
		ConcurrencyPolicy:       s.ConcurrencyPolicy,
		Enabled:                 util.Deref(s.Enabled, true),
	}
	sc.ApplyDefaults()
	return sc
}

// Validate checks the job and every schedule before anything is sent
func (f *JobFile) Validate() error {
	f.ApplyDefaults()
	if err := f.Job.Validate(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(f.Schedules))
	for _, s := range f.Schedules {
		if seen[s.ID] {
			return errors.NewConflictError("job %s: schedule %s declared twice", f.ID, s.ID)
		}
		seen[s.ID] = true
		if err := s.Schedule(f.ID).Validate(); err != nil {
			return err
		}
	}
	return nil
}

// formatOf picks the decoder from the file extension. Stdin and unknown
// extensions are read as YAML, which also accepts JSON.
func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return "toml"
	case ".json":
		return "json"
	default:
		return "yaml"
	}
}

// LoadJobFile reads a job file; "-" reads stdin
func LoadJobFile(path string, stdin io.Reader) (*JobFile, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	f, err := ParseJobFile(data, formatOf(path))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid job file %s", path)
	}
	return f, nil
}

// ParseJobFile decodes a job file in the given format (yaml, toml or json).
// YAML and TOML are decoded generically and re-encoded as JSON, so one set
// of field names serves all three formats.
func ParseJobFile(data []byte, format string) (*JobFile, error) {
	var raw map[string]interface{}
	switch format {
	case "yaml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, errors.Wrap(errors.ErrInvalidRequest, err.Error())
		}
	case "toml":
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return nil, errors.Wrap(errors.ErrInvalidRequest, err.Error())
		}
	case "json":
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, errors.Wrap(errors.ErrInvalidRequest, err.Error())
		}
	default:
		return nil, errors.NewInvalidRequestError("unsupported job file format %q (supported: yaml, toml, json)", format)
	}
	if len(raw) == 0 {
		return nil, errors.NewInvalidRequestError("job file is empty")
	}

	normalized, err := json.Marshal(raw)
	if err != nil {
		return nil, errors.Wrap(err, "failed to normalize job file")
	}
	var f JobFile
	if err := json.Unmarshal(normalized, &f); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidRequest, err.Error())
	}
	return &f, nil
}
