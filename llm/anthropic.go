package llm

import (
	"context"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/m4xw311/hybridshell/errors"
	"github.com/m4xw311/hybridshell/session"
)

const anthropicName = "anthropic"

// AnthropicLLMClient is a client for the Anthropic API.
type AnthropicLLMClient struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicLLMClient creates a new AnthropicLLMClient.
// It requires the ANTHROPIC_API_KEY environment variable to be set.
func NewAnthropicLLMClient(ctx context.Context, modelName string) (*AnthropicLLMClient, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, newError(anthropicName, KindAuth, errors.New("ANTHROPIC_API_KEY environment variable not set"))
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL := os.Getenv("ANTHROPIC_BASE_URL"); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := anthropic.NewClient(opts...)

	return &AnthropicLLMClient{
		client: &client,
		model:  modelName,
	}, nil
}

func (a *AnthropicLLMClient) Name() string { return anthropicName }

func (a *AnthropicLLMClient) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	resp, err := a.client.Messages.New(ctx, a.params(messages, opts))
	if err != nil {
		return "", classifyAnthropic(ctx, err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if t, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(t.Text)
		}
	}
	if string(resp.StopReason) == "refusal" {
		return "", &ProviderError{Kind: KindRefusal, Provider: anthropicName, Text: text.String(),
			Err: errors.New("model declined to answer")}
	}
	return text.String(), nil
}

func (a *AnthropicLLMClient) Stream(ctx context.Context, messages []Message, opts Options) *Stream {
	params := a.params(messages, opts)
	return NewStream(ctx, func(ctx context.Context, emit EmitFunc) error {
		stream := a.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()
		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if d, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok {
					if !emit(d.Text) {
						return ctx.Err()
					}
				}
			case anthropic.MessageDeltaEvent:
				if string(ev.Delta.StopReason) == "refusal" {
					return &ProviderError{Kind: KindRefusal, Provider: anthropicName,
						Err: errors.New("model declined to answer")}
				}
			}
		}
		if err := stream.Err(); err != nil {
			return classifyAnthropic(ctx, err)
		}
		return nil
	})
}

func (a *AnthropicLLMClient) params(messages []Message, opts Options) anthropic.MessageNewParams {
	system, rest := splitSystem(messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelOr(opts, a.model)),
		MaxTokens: int64(maxTokens(opts)),
		Messages:  convertMessagesToAnthropicMessages(rest),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if opts.Temperature != nil {
		params.Temperature = anthropic.Float(*opts.Temperature)
	}
	if len(opts.StopSequences) > 0 {
		params.StopSequences = opts.StopSequences
	}
	return params
}

// convertMessagesToAnthropicMessages converts our internal message format to Anthropic's format.
func convertMessagesToAnthropicMessages(messages []Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == session.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}

func classifyAnthropic(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return newError(anthropicName, statusKind(apiErr.StatusCode), err)
	}
	return newError(anthropicName, KindTransport, err)
}
