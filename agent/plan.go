package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/m4xw311/hybridshell/errors"
)

// ErrPlanGeneration means the model output could not be turned into steps.
var ErrPlanGeneration = errors.Sentinel("plan generation failed")

// State is a state of the loop's state machine.
type State string

const (
	StatePlanning   State = "PLANNING"
	StateExecuting  State = "EXECUTING"
	StateVerifying  State = "VERIFYING"
	StateReplanning State = "REPLANNING"
	StateDone       State = "DONE"
	StateAborted    State = "ABORTED"
)

// Status of a Step. Steps only ever move forward through these.
type Status int

const (
	StatusPending Status = iota
	StatusExecuted
	StatusVerified
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusExecuted:
		return "executed"
	case StatusVerified:
		return "verified"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Step is one proposed shell action.
type Step struct {
	Description     string `json:"description"`
	Command         string `json:"command"`
	ExpectedOutcome string `json:"expected_outcome"`

	Status Status `json:"-"`
	// Reason explains a failure or a skipped execution.
	Reason string `json:"-"`
	// Detail adds context to Reason, such as the deny-list rule that matched.
	Detail string `json:"-"`
	// Result is set once the command ran.
	Result *ExecutionResult `json:"-"`
}

// advance moves the step to next. Moving backwards, or out of a terminal
// status, is a programming error.
func (s *Step) advance(next Status) {
	if next <= s.Status || s.Status == StatusVerified || s.Status == StatusFailed {
		panic(fmt.Sprintf("agent: step %q cannot move from %s to %s", s.Command, s.Status, next))
	}
	s.Status = next
}

func (s *Step) fail(reason string) {
	s.advance(StatusFailed)
	s.Reason = reason
}

// ExecutionResult is what running a step's command produced.
type ExecutionResult struct {
	Step     int
	Command  string
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Plan is the ordered list of steps of one loop invocation, including the
// history of steps already run before a replan.
type Plan struct {
	Steps []*Step
}

// next returns the index of the first pending step, or -1.
func (p *Plan) next() int {
	for i, s := range p.Steps {
		if s.Status == StatusPending {
			return i
		}
	}
	return -1
}

// replace drops pending steps and appends fresh ones.
//
// Proposed steps whose command is in done are dropped, so a command that
// already ran successfully is never listed twice. It returns how many steps
// were added.
func (p *Plan) replace(steps []*Step, done map[string]bool) int {
	kept := p.Steps[:0:0]
	for _, s := range p.Steps {
		if s.Status != StatusPending {
			kept = append(kept, s)
		}
	}
	added := 0
	for _, s := range steps {
		if done[s.Command] {
			continue
		}
		kept = append(kept, s)
		added++
	}
	p.Steps = kept
	return added
}

// Pending returns the number of steps not yet run.
func (p *Plan) Pending() int {
	n := 0
	for _, s := range p.Steps {
		if s.Status == StatusPending {
			n++
		}
	}
	return n
}

type planDoc struct {
	Steps []*Step `json:"steps"`
	// Answer lets the planner reply directly when no command is needed.
	Answer string `json:"answer"`
}

// parsePlan extracts steps from model output. Steps missing a command are
// dropped; at most max steps are kept.
func parsePlan(raw string, max int) ([]*Step, string, error) {
	text := extractJSON(raw)
	var doc planDoc
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, "", errors.Wrapf(errors.Join(ErrPlanGeneration, err), "model output is not a valid plan")
	}
	var steps []*Step
	for _, s := range doc.Steps {
		if s == nil {
			continue
		}
		s.Command = strings.TrimSpace(s.Command)
		s.Description = strings.TrimSpace(s.Description)
		if s.Command == "" {
			continue
		}
		if s.Description == "" {
			s.Description = s.Command
		}
		s.Status, s.Reason, s.Result = StatusPending, "", nil
		steps = append(steps, s)
	}
	if max > 0 && len(steps) > max {
		steps = steps[:max]
	}
	return steps, strings.TrimSpace(doc.Answer), nil
}

type verdictDoc struct {
	Verified *bool  `json:"verified"`
	Reason   string `json:"reason"`
}

func parseVerdict(raw string) (bool, string, error) {
	var doc verdictDoc
	if err := json.Unmarshal([]byte(extractJSON(raw)), &doc); err != nil {
		return false, "", err
	}
	if doc.Verified == nil {
		return false, "", errors.New("verification reply has no 'verified' field")
	}
	return *doc.Verified, doc.Reason, nil
}

// extractJSON strips markdown code fences and surrounding prose, returning
// the outermost JSON object.
func extractJSON(raw string) string {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if nl := strings.IndexByte(text, '\n'); nl >= 0 {
			text = text[nl+1:]
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return strings.TrimSpace(text)
}
