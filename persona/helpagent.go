package persona

import (
	"context"
	"fmt"
	"strings"

	"github.com/m4xw311/hybridshell/agent"
	"github.com/m4xw311/hybridshell/llm"
	"github.com/m4xw311/hybridshell/memory"
	"github.com/m4xw311/hybridshell/session"
	"github.com/m4xw311/hybridshell/textutil"
)

// HelpAgent turns a goal into verified shell commands through the agent loop.
type HelpAgent struct {
	loop *agent.Loop
}

func NewHelpAgent(loop *agent.Loop) *HelpAgent {
	return &HelpAgent{loop: loop}
}

func (h *HelpAgent) Descriptor() Descriptor {
	return Descriptor{ID: HelpAgentID, Capabilities: CapRespond | CapPlan | CapExecute, Priority: 20}
}

func (h *HelpAgent) Handle(ctx context.Context, req session.Request, in Input) (*Response, error) {
	notes := memoryNotes(in.Relevant)
	out, err := h.loop.Run(ctx, req.RawText, agent.Context{Recent: in.Recent, Memory: notes, Dir: in.Dir})
	if err != nil && (llm.IsAuth(err) || llm.IsRefusal(err)) {
		return nil, err
	}

	resp := &Response{
		PersonaID: HelpAgentID,
		Text:      out.Response,
		Agent:     out,
		Degraded:  err != nil && (llm.IsTransport(err) || llm.IsRateLimit(err)),
	}
	for _, s := range out.Plan.Steps {
		seg := Segment{Kind: SegmentStep, Title: s.Command, Text: s.Status.String()}
		if s.Reason != "" {
			seg.Text += ": " + s.Reason
		}
		resp.Segments = append(resp.Segments, seg)
	}
	for _, r := range out.Results {
		resp.Memories = append(resp.Memories, memory.NewRecord(memory.SourceShell, shellMemory(r), in.Dir))
	}
	if strings.TrimSpace(resp.Text) == "" {
		resp.Text = fmt.Sprintf("The help agent stopped in state %s without a response.", out.State)
	}
	return resp, nil
}

func shellMemory(r agent.ExecutionResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "$ %s\nexit status %d", r.Command, r.ExitCode)
	if out := textutil.Truncate(r.Stdout, 400); out != "" {
		b.WriteString("\nstdout: " + out)
	}
	if out := textutil.Truncate(r.Stderr, 200); out != "" {
		b.WriteString("\nstderr: " + out)
	}
	return b.String()
}
