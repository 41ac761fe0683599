package llm

import (
	"context"
	"strings"

	"github.com/m4xw311/hybridshell/session"
)

// Message is one entry of a prompt sent to a model.
type Message struct {
	Role    session.Role
	Content string
}

func System(content string) Message    { return Message{Role: session.RoleSystem, Content: content} }
func User(content string) Message      { return Message{Role: session.RoleUser, Content: content} }
func Assistant(content string) Message { return Message{Role: session.RoleAssistant, Content: content} }

// Options tune a single completion. Zero values mean "backend default".
type Options struct {
	Model         string
	Temperature   *float64
	MaxTokens     int
	StopSequences []string
}

// Float returns a pointer to v, for Options.Temperature.
func Float(v float64) *float64 { return &v }

// Client is the interface for interacting with a Large Language Model.
// Every backend satisfies it; callers never branch on which one they hold.
type Client interface {
	Name() string
	// Complete blocks until the full response text is available.
	Complete(ctx context.Context, messages []Message, opts Options) (string, error)
	// Stream returns a lazily produced sequence of text chunks. Failures are
	// reported by Stream.Err once Next returns false.
	Stream(ctx context.Context, messages []Message, opts Options) *Stream
}

const defaultMaxTokens = 1024

func maxTokens(opts Options) int {
	if opts.MaxTokens > 0 {
		return opts.MaxTokens
	}
	return defaultMaxTokens
}

func modelOr(opts Options, fallback string) string {
	if opts.Model != "" {
		return opts.Model
	}
	return fallback
}

// splitSystem separates system messages (joined) from the conversation.
func splitSystem(messages []Message) (string, []Message) {
	var sys []string
	var rest []Message
	for _, m := range messages {
		if m.Role == session.RoleSystem {
			sys = append(sys, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(sys, "\n\n"), rest
}

// truncateAtStop cuts text at the earliest stop sequence, for backends where
// stop sequences are enforced client side.
func truncateAtStop(text string, stops []string) string {
	cut := len(text)
	for _, s := range stops {
		if s == "" {
			continue
		}
		if i := strings.Index(text, s); i >= 0 && i < cut {
			cut = i
		}
	}
	return text[:cut]
}
