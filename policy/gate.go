package policy

import (
	"context"

	"go.uber.org/zap"

	"github.com/m4xw311/hybridshell/errors"
	"github.com/m4xw311/hybridshell/logging"
)

var (
	// ErrBlocked is the failure reason for a destructive command that was
	// not confirmed.
	ErrBlocked = errors.Sentinel("blocked by policy")
	// ErrInteractive is the failure reason for commands that need a terminal.
	ErrInteractive = errors.Sentinel("interactive command not supported")
)

// Mode is the confirmation policy.
type Mode string

const (
	// ModeAuto approves destructive commands without asking.
	ModeAuto Mode = "auto"
	// ModePrompt asks the Confirmer before running a destructive command.
	ModePrompt Mode = "prompt"
)

// Confirmer asks the user whether a destructive command may run.
type Confirmer interface {
	Confirm(ctx context.Context, command, reason string) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, command, reason string) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, command, reason string) (bool, error) {
	return f(ctx, command, reason)
}

// Decision is the gate's answer for one command.
type Decision struct {
	Allowed bool
	// Err is ErrBlocked or ErrInteractive when the command must not run.
	Err     error
	Verdict Verdict
}

// Gate is the confirmation gate in front of the command executor.
type Gate struct {
	policy    *Policy
	mode      Mode
	confirmer Confirmer
	dir       func() string
	log       *zap.Logger
}

type GateOption func(*Gate)

// WithConfirmer sets who is asked in prompt mode. Without one every
// destructive command is blocked in prompt mode.
func WithConfirmer(c Confirmer) GateOption { return func(g *Gate) { g.confirmer = c } }

// WithDir resolves relative paths against the current working directory.
func WithDir(dir func() string) GateOption { return func(g *Gate) { g.dir = dir } }

func WithLogger(l *zap.Logger) GateOption { return func(g *Gate) { g.log = logging.OrNop(l) } }

func NewGate(p *Policy, mode Mode, opts ...GateOption) *Gate {
	g := &Gate{policy: p, mode: mode, log: zap.NewNop()}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Mode reports the confirmation policy in force.
func (g *Gate) Mode() Mode { return g.mode }

// Check decides whether command may run. Interactive commands never run.
// Destructive commands run in auto mode, or in prompt mode once confirmed.
func (g *Gate) Check(ctx context.Context, command string) Decision {
	dir := ""
	if g.dir != nil {
		dir = g.dir()
	}
	v := g.policy.Classify(command, dir)
	d := Decision{Verdict: v, Allowed: true}

	switch {
	case v.Interactive:
		d.Allowed, d.Err = false, ErrInteractive
	case !v.Destructive:
	case g.mode == ModeAuto:
		g.log.Info("destructive command auto-approved", zap.String("command", command), zap.String("reason", v.Reason))
	case g.confirmer == nil:
		d.Allowed, d.Err = false, ErrBlocked
	default:
		ok, err := g.confirmer.Confirm(ctx, command, v.Reason)
		if err != nil {
			g.log.Warn("confirmation failed", zap.String("command", command), zap.Error(err))
		}
		if err != nil || !ok {
			d.Allowed, d.Err = false, ErrBlocked
		}
	}
	if !d.Allowed {
		g.log.Info("command refused", zap.String("command", command), zap.Error(d.Err), zap.String("reason", v.Reason))
	}
	return d
}
