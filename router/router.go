// Package router selects the persona that handles an ai-mode request.
package router

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/m4xw311/hybridshell/errors"
	"github.com/m4xw311/hybridshell/logging"
	"github.com/m4xw311/hybridshell/persona"
	"github.com/m4xw311/hybridshell/session"
	"github.com/m4xw311/hybridshell/textutil"
)

// signalTurns is how many non-system turns the routing signal looks at.
const signalTurns = 8

// snippetChars bounds each turn in the routing signal.
const snippetChars = 240

// Decision is the RoutingDecision for one request.
type Decision struct {
	PersonaID string
	// Rule names the rule that matched, or "fallback".
	Rule       string
	Confidence float64
	// FallbackUsed is set when no rule selected a capable persona.
	FallbackUsed bool
	// Query is a rewritten query for the persona, if the rule produced one.
	Query     string
	Reasoning string
}

// Signal is what the rules know about the conversation so far.
type Signal struct {
	// Context renders the last turns as "User: ..." / "Assistant: ..." lines.
	Context string
	// LastPersonaID is the persona of the last assistant turn.
	LastPersonaID string
	// LastUserText is the last user turn before the current request.
	LastUserText string
}

// SignalFrom builds the routing signal from the recent window.
func SignalFrom(turns []session.Turn) Signal {
	var relevant []session.Turn
	for _, t := range turns {
		if t.Role != session.RoleSystem {
			relevant = append(relevant, t)
		}
	}
	if len(relevant) > signalTurns {
		relevant = relevant[len(relevant)-signalTurns:]
	}

	var sig Signal
	lines := make([]string, 0, len(relevant))
	for _, t := range relevant {
		role := "User"
		if t.Role == session.RoleAssistant {
			role = "Assistant"
			sig.LastPersonaID = t.PersonaID
		} else {
			sig.LastUserText = t.Content
		}
		lines = append(lines, fmt.Sprintf("%s: %s", role, textutil.Truncate(t.Content, snippetChars)))
	}
	sig.Context = strings.Join(lines, "\n")
	return sig
}

// Match is a rule's verdict.
type Match struct {
	// Want is the capability set the request needs.
	Want persona.Capability
	// PersonaID optionally names the preferred persona.
	PersonaID  string
	Confidence float64
	Query      string
	Reasoning  string
}

// Rule is one classification rule. Rules are evaluated in order and the
// first match that resolves to a capable persona wins.
type Rule interface {
	Name() string
	Match(ctx context.Context, req session.Request, sig Signal) (Match, bool)
}

// Router holds the persona registry and the ordered rules. Both are
// read-only after construction.
type Router struct {
	registry *persona.Registry
	rules    []Rule
	fallback string
	log      *zap.Logger
}

type Option func(*Router)

func WithLogger(l *zap.Logger) Option { return func(r *Router) { r.log = logging.OrNop(l) } }

// New builds a router. The fallback persona must be registered and able to
// respond.
func New(registry *persona.Registry, fallback string, rules []Rule, opts ...Option) (*Router, error) {
	p, ok := registry.Get(fallback)
	if !ok {
		return nil, errors.New("default persona %q is not registered", fallback)
	}
	if !p.Descriptor().Capabilities.Has(persona.CapRespond) {
		return nil, errors.New("default persona %q cannot respond", fallback)
	}
	r := &Router{registry: registry, rules: append([]Rule(nil), rules...), fallback: fallback, log: zap.NewNop()}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Route selects exactly one persona for req. It never fails: an unmatched
// request resolves to the fallback persona.
func (r *Router) Route(ctx context.Context, req session.Request, recent []session.Turn) Decision {
	required := persona.Required(req.Mode)
	sig := SignalFrom(recent)

	for _, rule := range r.rules {
		m, ok := rule.Match(ctx, req, sig)
		if !ok {
			continue
		}
		id, ok := r.resolve(m.PersonaID, m.Want|required)
		if !ok {
			r.log.Debug("rule matched but no persona is capable",
				zap.String("rule", rule.Name()), zap.Stringer("want", m.Want|required))
			continue
		}
		d := Decision{PersonaID: id, Rule: rule.Name(), Confidence: m.Confidence, Query: m.Query, Reasoning: m.Reasoning}
		r.log.Debug("routed", zap.String("persona", id), zap.String("rule", d.Rule), zap.Float64("confidence", d.Confidence))
		return d
	}

	d := Decision{PersonaID: r.fallback, Rule: "fallback", FallbackUsed: true}
	if !r.capable(r.fallback, required) {
		// Only reachable for modes the fallback cannot serve.
		if ps := r.registry.Capable(required); len(ps) > 0 {
			d.PersonaID = ps[0].Descriptor().ID
		}
	}
	r.log.Debug("routed to fallback", zap.String("persona", d.PersonaID))
	return d
}

// resolve prefers the named persona when it is capable, then the highest
// priority capable one.
func (r *Router) resolve(preferred string, want persona.Capability) (string, bool) {
	if preferred != "" && r.capable(preferred, want) {
		return preferred, true
	}
	if ps := r.registry.Capable(want); len(ps) > 0 {
		return ps[0].Descriptor().ID, true
	}
	return "", false
}

func (r *Router) capable(id string, want persona.Capability) bool {
	p, ok := r.registry.Get(id)
	return ok && p.Descriptor().Capabilities.Has(want)
}
