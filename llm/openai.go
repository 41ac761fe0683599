package llm

import (
	"context"
	"os"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/m4xw311/hybridshell/errors"
	"github.com/m4xw311/hybridshell/session"
)

const fireworksBaseURL = "https://api.fireworks.ai/inference/v1"

// OpenAILLMClient is a client for the OpenAI Chat Completion API and any
// endpoint that speaks it, such as Fireworks.
type OpenAILLMClient struct {
	client *openai.Client
	model  string
	name   string
}

// NewOpenAILLMClient creates a new OpenAILLMClient. It requires the OPENAI_API_KEY environment variable to be set.
// It also supports OPENAI_BASE_URL for custom API endpoints.
func NewOpenAILLMClient(ctx context.Context, modelName string) (*OpenAILLMClient, error) {
	return newOpenAICompatible("openai", "OPENAI_API_KEY", os.Getenv("OPENAI_BASE_URL"), modelName)
}

// NewFireworksLLMClient creates a client for the Fireworks inference API.
// It requires the FIREWORKS_API_KEY environment variable to be set.
func NewFireworksLLMClient(ctx context.Context, modelName string) (*OpenAILLMClient, error) {
	baseURL := os.Getenv("FIREWORKS_BASE_URL")
	if baseURL == "" {
		baseURL = fireworksBaseURL
	}
	return newOpenAICompatible("fireworks", "FIREWORKS_API_KEY", baseURL, modelName)
}

func newOpenAICompatible(name, keyEnv, baseURL, modelName string) (*OpenAILLMClient, error) {
	apiKey := os.Getenv(keyEnv)
	if apiKey == "" {
		return nil, newError(name, KindAuth, errors.New("%s environment variable not set", keyEnv))
	}

	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	// The &c is required, do not replace and just use c
	c := openai.NewClient(options...)
	return &OpenAILLMClient{client: &c, model: modelName, name: name}, nil
}

func (o *OpenAILLMClient) Name() string { return o.name }

func (o *OpenAILLMClient) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, o.params(messages, opts))
	if err != nil {
		return "", o.classify(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}

	choice := resp.Choices[0]
	if choice.Message.Refusal != "" || choice.FinishReason == "content_filter" {
		return "", &ProviderError{Kind: KindRefusal, Provider: o.name, Text: choice.Message.Refusal,
			Err: errors.New("model declined to answer")}
	}
	return truncateAtStop(choice.Message.Content, opts.StopSequences), nil
}

func (o *OpenAILLMClient) Stream(ctx context.Context, messages []Message, opts Options) *Stream {
	params := o.params(messages, opts)
	return NewStream(ctx, func(ctx context.Context, emit EmitFunc) error {
		stream := o.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		// Stop sequences are applied client side, so hold back enough text to
		// see a sequence that spans chunk boundaries.
		var pending string
		hold := longest(opts.StopSequences)
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta
			if delta.Refusal != "" || chunk.Choices[0].FinishReason == "content_filter" {
				return &ProviderError{Kind: KindRefusal, Provider: o.name, Text: delta.Refusal,
					Err: errors.New("model declined to answer")}
			}
			pending += delta.Content
			if cut := truncateAtStop(pending, opts.StopSequences); len(cut) < len(pending) {
				emit(cut)
				return nil
			}
			if len(pending) > hold {
				out := pending[:len(pending)-hold]
				pending = pending[len(pending)-hold:]
				if !emit(out) {
					return ctx.Err()
				}
			}
		}
		if err := stream.Err(); err != nil {
			return o.classify(ctx, err)
		}
		emit(pending)
		return nil
	})
}

func (o *OpenAILLMClient) params(messages []Message, opts Options) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(modelOr(opts, o.model)),
		Messages:  convertMessagesToOpenaiContent(messages),
		MaxTokens: openai.Int(int64(maxTokens(opts))),
	}
	if opts.Temperature != nil {
		params.Temperature = openai.Float(*opts.Temperature)
	}
	return params
}

// convertMessagesToOpenaiContent converts our internal message format to OpenAI's.
func convertMessagesToOpenaiContent(messages []Message) []openai.ChatCompletionMessageParamUnion {
	var chatMessages []openai.ChatCompletionMessageParamUnion
	for _, msg := range messages {
		switch msg.Role {
		case session.RoleSystem:
			chatMessages = append(chatMessages, openai.SystemMessage(msg.Content))
		case session.RoleAssistant:
			chatMessages = append(chatMessages, openai.AssistantMessage(msg.Content))
		default:
			chatMessages = append(chatMessages, openai.UserMessage(msg.Content))
		}
	}
	return chatMessages
}

func (o *OpenAILLMClient) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return newError(o.name, statusKind(apiErr.StatusCode), err)
	}
	return newError(o.name, KindTransport, err)
}

func longest(ss []string) int {
	n := 0
	for _, s := range ss {
		if len(s) > n {
			n = len(s)
		}
	}
	return n
}
