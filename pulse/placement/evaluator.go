package placement

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/pulse/job"
)

// maxPatterns bounds the compiled LIKE cache; it is emptied when full
const maxPatterns = 512

// Evaluator filters hosts by job constraints and free resources, then picks
// one by bin-packing: the host with the highest utilization after placement
// wins, so large free blocks stay available for large jobs.
type Evaluator struct {
	mu       sync.Mutex
	patterns map[string]*regexp.Regexp
}

// NewEvaluator creates a constraint evaluator
func NewEvaluator() *Evaluator {
	return &Evaluator{patterns: make(map[string]*regexp.Regexp)}
}

// Matches reports whether the host satisfies every constraint
func (e *Evaluator) Matches(h *Host, constraints []job.Constraint) bool {
	for _, c := range constraints {
		if !e.matchOne(h, c) {
			return false
		}
	}
	return true
}

func (e *Evaluator) matchOne(h *Host, c job.Constraint) bool {
	value, ok := h.Attribute(c.Attribute)

	switch c.Operator {
	case job.OperatorEQ, job.OperatorIS:
		return ok && value == c.Value
	case job.OperatorLike:
		re := e.pattern(c.Value)
		return ok && re != nil && re.MatchString(value)
	case job.OperatorUnlike:
		// A host without the attribute is not like the pattern
		re := e.pattern(c.Value)
		return re != nil && (!ok || !re.MatchString(value))
	default:
		return false
	}
}

// pattern compiles a LIKE value anchored to the whole attribute
func (e *Evaluator) pattern(value string) *regexp.Regexp {
	e.mu.Lock()
	defer e.mu.Unlock()

	if re, ok := e.patterns[value]; ok {
		return re
	}
	re, err := regexp.Compile("^(?:" + value + ")$")
	if err != nil {
		re = nil
	}
	if len(e.patterns) >= maxPatterns {
		clear(e.patterns)
	}
	e.patterns[value] = re
	return re
}

// Eligible returns the READY hosts that satisfy the job's constraints and
// have room for its resources given current allocations
func (e *Evaluator) Eligible(j *job.Job, hosts []*Host, alloc Allocations) []*Host {
	need := Demand(j)
	eligible := make([]*Host, 0, len(hosts))
	for _, h := range hosts {
		if h.Status != HostReady {
			continue
		}
		if !e.Matches(h, j.Run.Placement.Constraints) {
			continue
		}
		if !fits(h, alloc[h.ID], need) {
			continue
		}
		eligible = append(eligible, h)
	}
	return eligible
}

// Place picks the host for a run of j.
// Returns errors.ErrNoEligibleHost when nothing qualifies.
func (e *Evaluator) Place(j *job.Job, hosts []*Host, alloc Allocations) (*Host, error) {
	eligible := e.Eligible(j, hosts, alloc)
	if len(eligible) == 0 {
		return nil, errors.WithDetail(
			errors.Wrapf(errors.ErrNoEligibleHost, "job %s (%d hosts considered)", j.ID, len(hosts)),
			describeConstraints(j.Run.Placement.Constraints))
	}

	need := Demand(j)
	sort.SliceStable(eligible, func(a, b int) bool {
		sa := score(eligible[a], alloc[eligible[a].ID], need)
		sb := score(eligible[b], alloc[eligible[b].ID], need)
		if sa != sb {
			return sa > sb
		}
		return eligible[a].ID < eligible[b].ID
	})
	return eligible[0], nil
}

// Demand is the resources a run of j holds on its host
func Demand(j *job.Job) Resources {
	return Resources{CPUs: j.Run.CPUs, Mem: j.Run.Mem, Disk: j.Run.Disk}
}

// fits checks free capacity. A zero capacity means the host did not report
// that resource and it is not checked.
func fits(h *Host, used, need Resources) bool {
	if h.CPUs > 0 && h.CPUs-used.CPUs < need.CPUs {
		return false
	}
	if h.Mem > 0 && h.Mem-used.Mem < need.Mem {
		return false
	}
	if h.Disk > 0 && h.Disk-used.Disk < need.Disk {
		return false
	}
	return true
}

// score is cpu plus memory utilization after placement, each in [0, 1]
func score(h *Host, used, need Resources) float64 {
	after := used.Add(need)
	var s float64
	if h.CPUs > 0 {
		s += after.CPUs / h.CPUs
	}
	if h.Mem > 0 {
		s += float64(after.Mem) / float64(h.Mem)
	}
	return s
}

func describeConstraints(cs []job.Constraint) string {
	if len(cs) == 0 {
		return "constraints: none"
	}
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = fmt.Sprintf("%s %s %s", c.Attribute, c.Operator, c.Value)
	}
	return "constraints: " + strings.Join(parts, ", ")
}
