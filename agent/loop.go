package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/m4xw311/hybridshell/errors"
	"github.com/m4xw311/hybridshell/executor"
	"github.com/m4xw311/hybridshell/llm"
	"github.com/m4xw311/hybridshell/logging"
	"github.com/m4xw311/hybridshell/policy"
	"github.com/m4xw311/hybridshell/session"
)

// Config bounds one loop invocation.
type Config struct {
	MaxSteps        int
	MaxReplans      int
	CommandTimeout  time.Duration
	VerifyWithModel bool
	// InteractiveCommands are named in the planner prompt as forbidden.
	InteractiveCommands []string
}

// Callbacks let a front end follow the loop as it runs. Any may be nil.
type Callbacks struct {
	OnState      func(State)
	OnPlan       func(plan *Plan)
	OnStepStart  func(index int, step *Step)
	OnStepResult func(index int, step *Step)
	OnWarning    func(warning string)
}

// Context is the read-only context the loop plans with.
type Context struct {
	Recent []session.Turn
	Memory []string
	Dir    string
}

// Outcome is the result of one invocation.
type Outcome struct {
	State   State
	Plan    *Plan
	Results []ExecutionResult
	Replans int
	// Executions counts EXECUTING transitions.
	Executions int
	// Response is the text shown to the user.
	Response string
	// Err is the cause of an abort.
	Err error
}

// Loop is the plan, execute, verify and replan state machine.
type Loop struct {
	llm       llm.Client
	exec      executor.Executor
	gate      *policy.Gate
	cfg       Config
	callbacks Callbacks
	log       *zap.Logger
}

type Option func(*Loop)

func WithCallbacks(cb Callbacks) Option { return func(l *Loop) { l.callbacks = cb } }
func WithLogger(log *zap.Logger) Option { return func(l *Loop) { l.log = logging.OrNop(log) } }

func NewLoop(client llm.Client, exec executor.Executor, gate *policy.Gate, cfg Config, opts ...Option) *Loop {
	if cfg.MaxSteps < 1 {
		cfg.MaxSteps = 1
	}
	if cfg.MaxReplans < 0 {
		cfg.MaxReplans = 0
	}
	l := &Loop{llm: client, exec: exec, gate: gate, cfg: cfg, log: zap.NewNop()}
	for _, o := range opts {
		o(l)
	}
	return l
}

// run holds the mutable state of one invocation.
type run struct {
	*Loop
	goal     string
	c        Context
	out      *Outcome
	refused  map[string]bool
	verified map[string]bool
}

// Run drives goal to DONE or ABORTED. The returned outcome is never nil; the
// error is the abort cause, if any.
func (l *Loop) Run(ctx context.Context, goal string, c Context) (*Outcome, error) {
	r := &run{
		Loop:     l,
		goal:     goal,
		c:        c,
		out:      &Outcome{Plan: &Plan{}},
		refused:  make(map[string]bool),
		verified: make(map[string]bool),
	}
	r.execute(ctx)
	return r.out, r.out.Err
}

func (r *run) setState(s State) {
	r.out.State = s
	r.log.Debug("agent state", zap.String("state", string(s)))
	if r.callbacks.OnState != nil {
		r.callbacks.OnState(s)
	}
}

func (r *run) warn(msg string) {
	r.log.Warn(msg)
	if r.callbacks.OnWarning != nil {
		r.callbacks.OnWarning(msg)
	}
}

func (r *run) abort(err error, response string) {
	r.out.Err = err
	r.out.Response = response
	r.setState(StateAborted)
}

func (r *run) execute(ctx context.Context) {
	r.setState(StatePlanning)
	raw, err := r.llm.Complete(ctx, r.planMessages(r.goal, r.c), llm.Options{Temperature: llm.Float(0.2)})
	if err != nil {
		r.abort(err, "Could not create a plan: "+err.Error())
		return
	}
	steps, answer, err := parsePlan(raw, r.cfg.MaxSteps)
	if err != nil {
		r.abort(err, "The model did not return a usable plan. It said:\n"+strings.TrimSpace(raw))
		return
	}
	if len(steps) == 0 {
		if answer != "" {
			r.out.Response = answer
			r.setState(StateDone)
			return
		}
		r.abort(errors.Wrapf(ErrPlanGeneration, "plan has no steps"), "The model did not propose any commands. It said:\n"+strings.TrimSpace(raw))
		return
	}
	r.out.Plan.Steps = steps
	r.notifyPlan()

	// Each pass runs at most max_steps commands, for the first plan and
	// every replan.
	budget := r.cfg.MaxSteps * (r.cfg.MaxReplans + 1)
	for {
		if err := ctx.Err(); err != nil {
			r.abort(err, "Cancelled.")
			return
		}
		idx := r.out.Plan.next()
		if idx < 0 {
			r.finish(ctx)
			return
		}
		step := r.out.Plan.Steps[idx]

		if r.refused[step.Command] {
			step.fail("command was already refused")
			r.stepResult(idx, step)
			r.abort(policy.ErrBlocked, r.abortSummary("The revised plan repeats a command that was refused."))
			return
		}
		if r.out.Executions >= budget {
			r.abort(errors.New("step budget of %d exhausted", budget), r.abortSummary("Stopped after running the maximum number of steps."))
			return
		}

		failed, stop := r.runStep(ctx, idx, step)
		if stop {
			return
		}
		if failed && !r.replan(ctx, step) {
			return
		}
	}
}

// runStep executes and verifies one step. failed reports a failure that
// calls for a replan; stop means the loop has ended.
func (r *run) runStep(ctx context.Context, idx int, step *Step) (failed, stop bool) {
	r.setState(StateExecuting)
	r.out.Executions++
	if r.callbacks.OnStepStart != nil {
		r.callbacks.OnStepStart(idx, step)
	}

	decision := r.gate.Check(ctx, step.Command)
	if !decision.Allowed {
		step.fail(decision.Err.Error())
		step.Detail = decision.Verdict.Reason
		r.refused[step.Command] = true
		r.stepResult(idx, step)
		return true, false
	}

	res, err := r.exec.Execute(ctx, step.Command, r.cfg.CommandTimeout)
	switch {
	case errors.Is(err, executor.ErrTimeout):
		step.fail("timed out; the command may have partially run")
		r.record(idx, step, res)
		r.stepResult(idx, step)
		r.abort(err, r.abortSummary(fmt.Sprintf("%q timed out and may have partially run. Check its effects before retrying.", step.Command)))
		return true, true
	case errors.Is(err, executor.ErrUnavailable):
		step.fail("shell unavailable")
		r.stepResult(idx, step)
		r.abort(err, "Commands cannot be run in this environment: "+err.Error())
		return true, true
	case err != nil:
		step.fail(err.Error())
		r.stepResult(idx, step)
		r.abort(err, r.abortSummary("Execution was interrupted."))
		return true, true
	}

	step.advance(StatusExecuted)
	r.record(idx, step, res)

	r.setState(StateVerifying)
	ok, reason := r.verify(ctx, step)
	if ok {
		step.advance(StatusVerified)
		r.verified[step.Command] = true
	} else {
		step.fail(reason)
	}
	step.Reason = reason
	r.stepResult(idx, step)
	return !ok, false
}

func (r *run) record(idx int, step *Step, res executor.Result) {
	er := ExecutionResult{
		Step:     idx,
		Command:  step.Command,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
		Duration: res.Duration,
	}
	step.Result = &er
	r.out.Results = append(r.out.Results, er)
}

// verify applies the exit-code check and, when configured, asks the model
// whether the output matches the expected outcome. A failed or unparsable
// verification call falls back to the exit-code check.
func (r *run) verify(ctx context.Context, step *Step) (bool, string) {
	res := *step.Result
	if res.ExitCode != 0 {
		return false, fmt.Sprintf("exited with status %d", res.ExitCode)
	}
	if !r.cfg.VerifyWithModel || strings.TrimSpace(step.ExpectedOutcome) == "" {
		return true, ""
	}
	raw, err := r.llm.Complete(ctx, verifyMessages(step, res), llm.Options{Temperature: llm.Float(0)})
	if err != nil {
		r.warn(fmt.Sprintf("verification call failed, using exit status: %v", err))
		return true, ""
	}
	ok, reason, err := parseVerdict(raw)
	if err != nil {
		r.warn(fmt.Sprintf("unparsable verification reply, using exit status: %v", err))
		return true, ""
	}
	if !ok && reason == "" {
		reason = "output did not match the expected outcome"
	}
	return ok, reason
}

// replan asks for a revised plan after failed. It returns false when the
// loop has ended.
func (r *run) replan(ctx context.Context, failed *Step) bool {
	r.out.Replans++
	if r.out.Replans > r.cfg.MaxReplans {
		r.abort(errors.New("replan limit of %d reached", r.cfg.MaxReplans),
			r.abortSummary(fmt.Sprintf("Gave up after %d revised plans.", r.cfg.MaxReplans)))
		return false
	}
	r.setState(StateReplanning)

	raw, err := r.llm.Complete(ctx, r.replanMessages(r.goal, r.c, r.out.Plan, failed), llm.Options{Temperature: llm.Float(0.2)})
	if err != nil {
		r.abort(err, r.abortSummary("Could not revise the plan: "+err.Error()))
		return false
	}
	steps, _, err := parsePlan(raw, r.cfg.MaxSteps)
	if err != nil {
		r.abort(err, r.abortSummary("The revised plan was not usable."))
		return false
	}
	if len(steps) == 0 {
		r.abort(errors.Wrapf(ErrPlanGeneration, "revised plan has no steps"), r.abortSummary("No way forward was found."))
		return false
	}
	if r.out.Plan.replace(steps, r.verified) == 0 {
		r.abort(errors.Wrapf(ErrPlanGeneration, "revised plan only repeats completed commands"),
			r.abortSummary("The revised plan only repeats commands that already succeeded."))
		return false
	}
	r.notifyPlan()
	return true
}

func (r *run) finish(ctx context.Context) {
	r.setState(StateDone)
	text, err := r.llm.Complete(ctx, summaryMessages(r.goal, r.out.Plan), llm.Options{})
	if err != nil || strings.TrimSpace(text) == "" {
		if err != nil {
			r.warn(fmt.Sprintf("summary call failed: %v", err))
		}
		text = "All steps completed.\n\n" + formatSteps(r.out.Plan.Steps, outputLimit)
	}
	r.out.Response = strings.TrimSpace(text)
}

// abortSummary is the deterministic explanation shown when the loop stops early.
func (r *run) abortSummary(headline string) string {
	return headline + "\n\n" + formatSteps(r.out.Plan.Steps, outputLimit)
}

func (r *run) notifyPlan() {
	if r.callbacks.OnPlan != nil {
		r.callbacks.OnPlan(r.out.Plan)
	}
}

func (r *run) stepResult(idx int, step *Step) {
	r.log.Debug("step finished",
		zap.Int("step", idx+1),
		zap.String("command", step.Command),
		zap.Stringer("status", step.Status),
		zap.String("reason", step.Reason))
	if r.callbacks.OnStepResult != nil {
		r.callbacks.OnStepResult(idx, step)
	}
}
