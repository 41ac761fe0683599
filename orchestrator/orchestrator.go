// Package orchestrator composes the router, the context store and the
// persona set into one request cycle, and owns the session's lifetime.
package orchestrator

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/m4xw311/hybridshell/contextstore"
	"github.com/m4xw311/hybridshell/errors"
	"github.com/m4xw311/hybridshell/executor"
	"github.com/m4xw311/hybridshell/logging"
	"github.com/m4xw311/hybridshell/memory"
	"github.com/m4xw311/hybridshell/persona"
	"github.com/m4xw311/hybridshell/router"
	"github.com/m4xw311/hybridshell/session"
	"github.com/m4xw311/hybridshell/textutil"
)

// ShellID is the persona id recorded for shell-mode requests.
const ShellID = "shell"

// shellHistory is how many shell-mode commands are kept as shell context.
const shellHistory = 5

// ErrEmptyRequest is returned for blank input.
var ErrEmptyRequest = errors.Sentinel("empty request")

// Shell runs shell-mode commands and reports the working directory.
type Shell interface {
	executor.Executor
	Dir() string
}

type Config struct {
	// RecentTurns is how many turns a persona sees.
	RecentTurns int
	// TopK is how many memory records a persona sees.
	TopK           int
	CommandTimeout time.Duration
}

// Orchestrator handles one request at a time to completion.
type Orchestrator struct {
	router   *router.Router
	registry *persona.Registry
	store    *contextstore.Store
	shell    Shell
	cfg      Config

	memory     memory.Store
	transcript *session.Transcript
	onRoute    func(session.Request, router.Decision)
	lookPath   func(string) (string, error)
	log        *zap.Logger

	// mu serialises requests so turns are appended in completion order.
	mu           sync.Mutex
	shellContext []string
}

type Option func(*Orchestrator)

func WithLogger(l *zap.Logger) Option { return func(o *Orchestrator) { o.log = logging.OrNop(l) } }

// WithMemory enables the memory management operations. The same store is
// expected to back the context store's retrieval.
func WithMemory(m memory.Store) Option { return func(o *Orchestrator) { o.memory = m } }

// WithTranscript records every turn to t. Turns already in t seed the
// context window.
func WithTranscript(t *session.Transcript) Option { return func(o *Orchestrator) { o.transcript = t } }

// WithRouteHook is called with every routing decision.
func WithRouteHook(fn func(session.Request, router.Decision)) Option {
	return func(o *Orchestrator) { o.onRoute = fn }
}

func New(r *router.Router, registry *persona.Registry, store *contextstore.Store, shell Shell, cfg Config, opts ...Option) *Orchestrator {
	if cfg.RecentTurns < 1 {
		cfg.RecentTurns = 20
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = executor.DefaultTimeout
	}
	o := &Orchestrator{
		router:   r,
		registry: registry,
		store:    store,
		shell:    shell,
		cfg:      cfg,
		lookPath: exec.LookPath,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.transcript != nil {
		for _, t := range o.transcript.Turns {
			o.store.AppendTurn(t)
		}
	}
	return o
}

// Handle runs req to completion. Failures of the request are returned as a
// degraded response; the error is reserved for input that cannot be handled
// at all.
func (o *Orchestrator) Handle(ctx context.Context, req session.Request) (*persona.Response, error) {
	if strings.TrimSpace(req.RawText) == "" {
		return nil, ErrEmptyRequest
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.resolveMode(req) == session.ModeShell {
		return o.runShell(ctx, req), nil
	}

	p, in := o.prepare(ctx, req)
	id := p.Descriptor().ID
	resp, err := p.Handle(ctx, req, in)
	if err != nil {
		o.log.Warn("persona failed", zap.String("persona", id), zap.Error(err))
		resp = persona.FromError(id, err)
	}
	o.complete(ctx, req, id, resp)
	return resp, nil
}

// shellBuiltins are treated as commands in auto mode even though they are
// not on PATH.
var shellBuiltins = map[string]bool{
	"export": true, "unset": true, "alias": true, "source": true, "echo": true,
	"pwd": true, "type": true, "set": true, ".": true,
}

// resolveMode decides how an auto-mode request runs: input whose first word
// is an executable or a shell builtin, and which reads neither as a question
// nor as a sentence, is a shell command. Everything else goes to the router.
func (o *Orchestrator) resolveMode(req session.Request) session.Mode {
	if req.Mode != session.ModeAuto {
		return req.Mode
	}
	text := strings.TrimSpace(req.RawText)
	if strings.HasSuffix(text, "?") {
		return session.ModeAI
	}
	fields := strings.Fields(text)
	first := fields[0]
	if strings.HasPrefix(first, "./") || strings.HasPrefix(first, "/") || shellBuiltins[first] {
		return session.ModeShell
	}
	if strings.ContainsAny(first, "=") {
		return session.ModeShell
	}
	if args := fields[1:]; !argumentLike(args) && (router.IsFollowUp(text) || readsAsProse(args)) {
		return session.ModeAI
	}
	if _, err := o.lookPath(first); err == nil {
		return session.ModeShell
	}
	return session.ModeAI
}

// proseWords are common in requests and rare as command arguments.
var proseWords = map[string]bool{
	"a": true, "an": true, "the": true, "me": true, "my": true, "please": true,
	"about": true, "of": true, "on": true, "that": true, "this": true, "for": true,
	"what": true, "how": true, "why": true, "with": true, "is": true, "are": true,
	"it": true, "you": true, "i": true, "some": true, "your": true, "into": true,
}

// argumentLike reports whether any word is a flag, path, glob, variable or
// shell operator. Trailing sentence punctuation is ignored.
func argumentLike(args []string) bool {
	for i, a := range args {
		if i == len(args)-1 {
			a = strings.TrimRight(a, ".,!")
		}
		if strings.HasPrefix(a, "-") || strings.ContainsAny(a, "/.*?~$=|&;<>'\"`") {
			return true
		}
	}
	return false
}

// readsAsProse reports whether the words after the first read as a sentence.
func readsAsProse(args []string) bool {
	if len(args) < 2 {
		return false
	}
	for _, a := range args {
		if proseWords[strings.ToLower(strings.TrimRight(a, ".,!"))] {
			return true
		}
	}
	return false
}

// prepare routes req and builds the persona's input.
func (o *Orchestrator) prepare(ctx context.Context, req session.Request) (persona.Persona, persona.Input) {
	decision := o.router.Route(ctx, req, o.store.Recent(o.cfg.RecentTurns))
	if o.onRoute != nil {
		o.onRoute(req, decision)
	}
	o.log.Info("request routed",
		zap.String("request", req.ID),
		zap.String("persona", decision.PersonaID),
		zap.String("rule", decision.Rule),
		zap.Bool("fallback", decision.FallbackUsed))

	p, _ := o.registry.Get(decision.PersonaID)
	query := decision.Query
	if query == "" {
		query = req.RawText
	}
	in := persona.Input{
		Snapshot: o.store.Snapshot(ctx, query, o.cfg.RecentTurns, o.cfg.TopK),
		Query:    decision.Query,
		Dir:      o.shell.Dir(),
		Shell:    strings.Join(o.shellContext, "\n"),
	}
	return p, in
}

// complete appends the turn pair, writes memory and records the transcript.
func (o *Orchestrator) complete(ctx context.Context, req session.Request, personaID string, resp *persona.Response) {
	if resp.PersonaID == "" {
		resp.PersonaID = personaID
	}
	if strings.TrimSpace(resp.Text) == "" {
		resp.Degraded = true
		resp.Text = "No response was produced for this request."
	}

	user := session.Turn{Role: session.RoleUser, Content: req.RawText, Timestamp: req.Timestamp, PersonaID: personaID}
	assistant := session.Turn{Role: session.RoleAssistant, Content: resp.Text, Timestamp: time.Now(), PersonaID: personaID}
	if !assistant.Timestamp.After(user.Timestamp) {
		assistant.Timestamp = user.Timestamp.Add(time.Nanosecond)
	}
	o.store.AppendTurn(user)
	o.store.AppendTurn(assistant)

	dir := o.shell.Dir()
	if !resp.Degraded && !resp.Refused {
		o.store.Remember(ctx, memory.NewRecord(memory.SourceConversation,
			fmt.Sprintf("User: %s\nAssistant: %s", req.RawText, textutil.Truncate(resp.Text, 800)), dir))
	}
	for _, rec := range resp.Memories {
		if rec.Metadata.CWD == "" {
			rec.Metadata.CWD = dir
		}
		o.store.Remember(ctx, rec)
	}

	if o.transcript != nil {
		o.transcript.Append(user, assistant)
		if err := o.transcript.Save(); err != nil {
			o.log.Warn("could not save session transcript", zap.Error(err))
		}
	}
}

// runShell executes a shell-mode request. The router is never consulted.
func (o *Orchestrator) runShell(ctx context.Context, req session.Request) *persona.Response {
	res, err := o.shell.Execute(ctx, req.RawText, o.cfg.CommandTimeout)
	resp := &persona.Response{PersonaID: ShellID}
	switch {
	case errors.Is(err, executor.ErrUnavailable):
		resp.Degraded = true
		resp.Text = "The shell is unavailable in this environment: " + err.Error()
		return resp
	case errors.Is(err, executor.ErrTimeout):
		resp.Degraded = true
		resp.Text = fmt.Sprintf("%q timed out after %s and may have partially run.", req.RawText, o.cfg.CommandTimeout)
	case err != nil:
		resp.Degraded = true
		resp.Text = err.Error()
		return resp
	default:
		resp.Text = strings.TrimRight(res.Stdout+res.Stderr, "\n")
	}
	resp.Segments = []persona.Segment{{Kind: persona.SegmentText, Title: fmt.Sprintf("exit status %d", res.ExitCode), Text: resp.Text}}

	summary := fmt.Sprintf("$ %s (exit %d)", req.RawText, res.ExitCode)
	if out := textutil.Truncate(resp.Text, 300); out != "" {
		summary += "\n" + out
	}
	o.shellContext = append(o.shellContext, summary)
	if len(o.shellContext) > shellHistory {
		o.shellContext = o.shellContext[len(o.shellContext)-shellHistory:]
	}
	o.store.Remember(ctx, memory.NewRecord(memory.SourceShell, summary, o.shell.Dir()))
	return resp
}

// Recent returns the last n turns of the context window.
func (o *Orchestrator) Recent(n int) []session.Turn { return o.store.Recent(n) }

// ResetContext clears the short-term window and the shell context.
func (o *Orchestrator) ResetContext() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.store.Reset()
	o.shellContext = nil
}

// MemoryStatus reports how many records long-term memory holds.
func (o *Orchestrator) MemoryStatus(ctx context.Context) (int, error) {
	if o.memory == nil {
		return 0, memory.ErrUnavailable
	}
	return o.memory.Count(ctx)
}

// ClearMemory deletes long-term memory and the context window.
func (o *Orchestrator) ClearMemory(ctx context.Context) error {
	if o.memory == nil {
		return memory.ErrUnavailable
	}
	if err := o.memory.Clear(ctx); err != nil {
		return err
	}
	o.ResetContext()
	return nil
}

// SearchMemory queries long-term memory directly.
func (o *Orchestrator) SearchMemory(ctx context.Context, query string, k int) ([]memory.Match, error) {
	if o.memory == nil {
		return nil, memory.ErrUnavailable
	}
	return o.memory.Query(ctx, query, k)
}

// Close persists the transcript.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.transcript == nil {
		return nil
	}
	return o.transcript.Save()
}
