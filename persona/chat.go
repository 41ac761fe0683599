package persona

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/m4xw311/hybridshell/llm"
	"github.com/m4xw311/hybridshell/logging"
	"github.com/m4xw311/hybridshell/session"
)

const chatInstructions = "You are a helpful AI assistant integrated with the shell. " +
	"Answer concisely and mirror the user's language."

// GeneralChat answers with a single provider call over the recent turns.
type GeneralChat struct {
	llm  llm.Client
	opts llm.Options
	log  *zap.Logger
}

type ChatOption func(*GeneralChat)

func WithChatOptions(o llm.Options) ChatOption { return func(g *GeneralChat) { g.opts = o } }
func WithChatLogger(l *zap.Logger) ChatOption {
	return func(g *GeneralChat) { g.log = logging.OrNop(l) }
}

func NewGeneralChat(client llm.Client, opts ...ChatOption) *GeneralChat {
	g := &GeneralChat{llm: client, log: zap.NewNop()}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *GeneralChat) Descriptor() Descriptor {
	return Descriptor{ID: GeneralChatID, Capabilities: CapRespond}
}

func (g *GeneralChat) Handle(ctx context.Context, req session.Request, in Input) (*Response, error) {
	text, err := g.llm.Complete(ctx, g.messages(req, in), g.opts)
	if err != nil {
		return nil, err
	}
	return &Response{PersonaID: GeneralChatID, Text: strings.TrimSpace(text)}, nil
}

func (g *GeneralChat) HandleStream(ctx context.Context, req session.Request, in Input) (*Response, *llm.Stream, error) {
	return &Response{PersonaID: GeneralChatID}, g.llm.Stream(ctx, g.messages(req, in), g.opts), nil
}

func (g *GeneralChat) messages(req session.Request, in Input) []llm.Message {
	system := chatInstructions
	if in.Dir != "" || in.Shell != "" {
		system += "\n\nLatest shell context:"
		if in.Dir != "" {
			system += "\nWorking directory: " + in.Dir
		}
		if in.Shell != "" {
			system += "\n" + in.Shell
		}
	}
	msgs := []llm.Message{llm.System(system)}
	if notes := memoryNotes(in.Relevant); len(notes) > 0 {
		msgs = append(msgs, llm.System("Relevant memory for context-aware answer:\n- "+strings.Join(notes, "\n- ")))
	}
	msgs = append(msgs, history(in.Recent)...)
	return append(msgs, llm.User(req.RawText))
}
