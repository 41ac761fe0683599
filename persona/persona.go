// Package persona defines the strategies that answer a routed request and
// the registry they are looked up in.
package persona

import (
	"context"
	"fmt"
	"strings"

	"github.com/m4xw311/hybridshell/agent"
	"github.com/m4xw311/hybridshell/contextstore"
	"github.com/m4xw311/hybridshell/errors"
	"github.com/m4xw311/hybridshell/llm"
	"github.com/m4xw311/hybridshell/memory"
	"github.com/m4xw311/hybridshell/session"
	"github.com/m4xw311/hybridshell/textutil"
)

// Persona ids registered by the default build.
const (
	GeneralChatID = "general_chat"
	SearchID      = "search_service"
	HelpAgentID   = "help_agent"
)

// Capability is a bit set of what a persona can do.
type Capability uint8

const (
	CapRespond Capability = 1 << iota
	CapSearch
	CapPlan
	CapExecute
)

// Has reports whether c contains every capability in want.
func (c Capability) Has(want Capability) bool { return c&want == want }

func (c Capability) String() string {
	var names []string
	for _, n := range []struct {
		c    Capability
		name string
	}{{CapRespond, "respond"}, {CapSearch, "search"}, {CapPlan, "plan"}, {CapExecute, "execute"}} {
		if c&n.c != 0 {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// Required returns the capabilities a request declared in mode needs.
func Required(mode session.Mode) Capability {
	if mode == session.ModeShell {
		return CapExecute
	}
	return CapRespond
}

// Descriptor is the immutable registration record of a persona.
type Descriptor struct {
	ID           string
	Capabilities Capability
	// Priority orders personas with the same capabilities; higher wins.
	Priority int
}

// Input is the read-only context a persona handles a request with.
type Input struct {
	contextstore.Snapshot
	// Query is a rewritten query suggested by the router, if any.
	Query string
	// Dir is the shell's working directory.
	Dir string
	// Shell summarises the latest shell-mode commands and their output.
	Shell string
}

// Persona answers one request.
type Persona interface {
	Descriptor() Descriptor
	Handle(ctx context.Context, req session.Request, in Input) (*Response, error)
}

// Streamer is implemented by personas whose answer can be streamed. The
// returned Response carries everything but Text, which is the concatenation
// of the stream's chunks.
type Streamer interface {
	HandleStream(ctx context.Context, req session.Request, in Input) (*Response, *llm.Stream, error)
}

// Rememberer is implemented by personas that derive long-term memory from
// a streamed answer once its text is known.
type Rememberer interface {
	Remember(req session.Request, resp *Response, dir string) []memory.Record
}

// SegmentKind tags structured output for the display boundary.
type SegmentKind string

const (
	SegmentText          SegmentKind = "text"
	SegmentSearchResults SegmentKind = "search_results"
	SegmentStep          SegmentKind = "step"
)

type Segment struct {
	Kind  SegmentKind
	Title string
	Text  string
}

// Response is what a persona hands back to the orchestrator.
type Response struct {
	PersonaID string
	Text      string
	Segments  []Segment
	// Refused is set when the model declined to answer.
	Refused bool
	// Degraded is set when the answer was produced without a failed
	// collaborator or instead of a failed provider call.
	Degraded bool
	// Agent is the help agent's loop outcome.
	Agent *agent.Outcome
	// Memories are records to write to long-term memory once the turn
	// completes.
	Memories []memory.Record
}

// FromError turns a failed request into a user-visible response. The text
// is never empty.
func FromError(personaID string, err error) *Response {
	resp := &Response{PersonaID: personaID, Degraded: true}
	var pe *llm.ProviderError
	switch {
	case errors.As(err, &pe) && pe.Kind == llm.KindRefusal:
		resp.Degraded = false
		resp.Refused = true
		resp.Text = pe.Text
		if strings.TrimSpace(resp.Text) == "" {
			resp.Text = "The model declined to answer this request."
		}
	case errors.As(err, &pe) && pe.Kind == llm.KindAuth:
		resp.Text = fmt.Sprintf("Authentication with %s failed. Check the provider's API key and try again.\n(%v)", pe.Provider, err)
	case errors.As(err, &pe) && pe.Retryable():
		resp.Text = fmt.Sprintf("The language model is unavailable right now, so this request could not be answered. Try again shortly.\n(%v)", err)
	case errors.Is(err, context.Canceled):
		resp.Text = "Request cancelled."
	default:
		resp.Text = fmt.Sprintf("The request failed: %v", err)
	}
	return resp
}

// history converts recent turns to provider messages. The system prompt is
// not part of the window.
func history(turns []session.Turn) []llm.Message {
	msgs := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		if t.Role == session.RoleSystem || strings.TrimSpace(t.Content) == "" {
			continue
		}
		msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Content})
	}
	return msgs
}

// memoryNotes renders relevant memory as bullet points.
func memoryNotes(matches []memory.Match) []string {
	notes := make([]string, 0, len(matches))
	for _, m := range matches {
		notes = append(notes, fmt.Sprintf("%s: %s", m.Metadata.Source, textutil.Truncate(m.Content, 400)))
	}
	return notes
}
