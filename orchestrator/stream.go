package orchestrator

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/m4xw311/hybridshell/llm"
	"github.com/m4xw311/hybridshell/persona"
	"github.com/m4xw311/hybridshell/session"
)

// TurnStream is a streamed answer to one request. The turn is recorded once
// the stream is exhausted or closed; Close must always be called.
type TurnStream struct {
	o       *Orchestrator
	ctx     context.Context
	req     session.Request
	persona persona.Persona
	in      persona.Input
	resp    *persona.Response
	stream  *llm.Stream

	text strings.Builder
	done bool
	err  error
}

// HandleStream runs req and streams the answer when the selected persona
// supports it. Other requests yield their full text as a single chunk. The
// orchestrator stays busy until the stream is closed.
func (o *Orchestrator) HandleStream(ctx context.Context, req session.Request) (*TurnStream, error) {
	if strings.TrimSpace(req.RawText) == "" {
		return nil, ErrEmptyRequest
	}
	o.mu.Lock()

	if o.resolveMode(req) == session.ModeShell {
		resp := o.runShell(ctx, req)
		return o.static(ctx, req, nil, persona.Input{}, resp), nil
	}

	p, in := o.prepare(ctx, req)
	id := p.Descriptor().ID
	s, ok := p.(persona.Streamer)
	if !ok {
		resp, err := p.Handle(ctx, req, in)
		if err != nil {
			resp = persona.FromError(id, err)
		}
		return o.static(ctx, req, p, in, resp), nil
	}
	resp, stream, err := s.HandleStream(ctx, req, in)
	if err != nil {
		return o.static(ctx, req, p, in, persona.FromError(id, err)), nil
	}
	return &TurnStream{o: o, ctx: ctx, req: req, persona: p, in: in, resp: resp, stream: stream}, nil
}

// static wraps a finished response as a one-chunk stream.
func (o *Orchestrator) static(ctx context.Context, req session.Request, p persona.Persona, in persona.Input, resp *persona.Response) *TurnStream {
	text := resp.Text
	resp.Text = ""
	stream := llm.NewStream(ctx, func(ctx context.Context, emit llm.EmitFunc) error {
		emit(text)
		return nil
	})
	return &TurnStream{o: o, ctx: ctx, req: req, persona: p, in: in, resp: resp, stream: stream}
}

// PersonaID is the persona answering the request.
func (t *TurnStream) PersonaID() string { return t.resp.PersonaID }

// Next advances to the next chunk. The turn is recorded when it returns
// false.
func (t *TurnStream) Next() bool {
	if t.done {
		return false
	}
	if t.stream.Next() {
		t.text.WriteString(t.stream.Current())
		return true
	}
	t.finish(true)
	return false
}

func (t *TurnStream) Current() string { return t.stream.Current() }

// Err reports why the stream stopped early, if it did.
func (t *TurnStream) Err() error {
	if t.done {
		return t.err
	}
	return t.stream.Err()
}

// Close cancels an unfinished stream, keeping the partial text, and records
// the turn. It is safe to call more than once.
func (t *TurnStream) Close() error {
	if !t.done {
		t.finish(false)
	}
	return nil
}

// Response returns the final response. It is complete once Next has
// returned false or Close was called.
func (t *TurnStream) Response() *persona.Response { return t.resp }

func (t *TurnStream) finish(exhausted bool) {
	t.done = true
	_ = t.stream.Close()
	if exhausted {
		t.err = t.stream.Err()
	}

	o := t.o
	defer o.mu.Unlock()

	text := t.text.String()
	id := t.resp.PersonaID
	t.resp.Text = text
	switch {
	case t.err != nil && strings.TrimSpace(text) == "":
		o.log.Warn("stream failed", zap.String("persona", id), zap.Error(t.err))
		t.resp = persona.FromError(id, t.err)
	case t.err != nil:
		o.log.Warn("stream interrupted", zap.String("persona", id), zap.Error(t.err))
		t.resp.Degraded = true
		t.resp.Text = text + "\n\n[response interrupted]"
	case !exhausted:
		t.resp.Text = text + "\n\n[cancelled]"
	}

	if id == ShellID {
		return
	}
	if r, ok := t.persona.(persona.Rememberer); ok && exhausted && t.err == nil {
		t.resp.Memories = append(t.resp.Memories, r.Remember(t.req, t.resp, t.in.Dir)...)
	}
	o.complete(context.WithoutCancel(t.ctx), t.req, id, t.resp)
}
