package job

import (
	"regexp"

	"github.com/go-playground/validator/v10"
	"github.com/kballard/go-shellquote"

	"github.com/teranos/metronome/errors"
)

var validate = validator.New()

// Validate checks a job definition. Failures wrap errors.ErrInvalidRequest.
func (j *Job) Validate() error {
	if !ValidID(j.ID) {
		return errors.NewInvalidRequestError("invalid job id %q: must be dot-separated lowercase alphanumeric labels", j.ID)
	}

	if err := validate.Struct(j); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return errors.NewInvalidRequestError("job %s: %s failed %q validation", j.ID, fe.Namespace(), fe.Tag())
		}
		return errors.Wrap(errors.ErrInvalidRequest, err.Error())
	}

	if j.Run.Cmd == "" && len(j.Run.Args) == 0 && !j.IsDocker() {
		return errors.NewInvalidRequestError("job %s: one of run.cmd, run.args or run.docker.image is required", j.ID)
	}

	if j.Run.Cmd != "" && !j.IsDocker() {
		words, err := shellquote.Split(j.Run.Cmd)
		if err != nil {
			return errors.NewInvalidRequestError("job %s: run.cmd does not parse: %s", j.ID, err)
		}
		if len(words) == 0 {
			return errors.NewInvalidRequestError("job %s: run.cmd is blank", j.ID)
		}
	}

	for i, c := range j.Run.Placement.Constraints {
		if c.Operator == OperatorLike || c.Operator == OperatorUnlike {
			if _, err := regexp.Compile(c.Value); err != nil {
				return errors.NewInvalidRequestError("job %s: constraint %d: invalid pattern %q", j.ID, i, c.Value)
			}
		}
	}

	return nil
}
