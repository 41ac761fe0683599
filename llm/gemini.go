package llm

import (
	"context"
	"os"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/m4xw311/hybridshell/errors"
	"github.com/m4xw311/hybridshell/session"
)

const geminiName = "gemini"

// GeminiLLMClient is a client for the Google Gemini API.
type GeminiLLMClient struct {
	client *genai.Client
	model  string
}

// NewGeminiLLMClient creates a new GeminiLLMClient.
// It requires the GEMINI_API_KEY environment variable to be set.
func NewGeminiLLMClient(ctx context.Context, modelName string) (*GeminiLLMClient, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, newError(geminiName, KindAuth, errors.New("GEMINI_API_KEY environment variable not set"))
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}

	return &GeminiLLMClient{client: client, model: modelName}, nil
}

func (g *GeminiLLMClient) Name() string { return geminiName }

// Close releases the underlying gRPC connection.
func (g *GeminiLLMClient) Close() error { return g.client.Close() }

func (g *GeminiLLMClient) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	cs, last, err := g.chat(messages, opts)
	if err != nil {
		return "", err
	}
	resp, err := cs.SendMessage(ctx, last...)
	if err != nil {
		return "", classifyGemini(ctx, err)
	}
	return geminiText(resp), nil
}

func (g *GeminiLLMClient) Stream(ctx context.Context, messages []Message, opts Options) *Stream {
	cs, last, err := g.chat(messages, opts)
	if err != nil {
		return ErrorStream(err)
	}
	return NewStream(ctx, func(ctx context.Context, emit EmitFunc) error {
		iter := cs.SendMessageStream(ctx, last...)
		for {
			resp, err := iter.Next()
			if err == iterator.Done {
				return nil
			}
			if err != nil {
				return classifyGemini(ctx, err)
			}
			if !emit(geminiText(resp)) {
				return ctx.Err()
			}
		}
	})
}

// chat builds a fresh model handle per call so option changes never leak
// between concurrent requests.
func (g *GeminiLLMClient) chat(messages []Message, opts Options) (*genai.ChatSession, []genai.Part, error) {
	system, rest := splitSystem(messages)
	if len(rest) == 0 {
		return nil, nil, newError(geminiName, KindRequest, errors.New("no user message to send"))
	}

	model := g.client.GenerativeModel(modelOr(opts, g.model))
	model.SetMaxOutputTokens(int32(maxTokens(opts)))
	if opts.Temperature != nil {
		model.SetTemperature(float32(*opts.Temperature))
	}
	if len(opts.StopSequences) > 0 {
		model.StopSequences = opts.StopSequences
	}
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}

	history := convertMessagesToGeminiContent(rest)
	cs := model.StartChat()
	cs.History = history[:len(history)-1]
	return cs, history[len(history)-1].Parts, nil
}

// convertMessagesToGeminiContent converts our internal message format to Gemini's.
func convertMessagesToGeminiContent(messages []Message) []*genai.Content {
	var contents []*genai.Content
	for _, msg := range messages {
		role := "user"
		if msg.Role == session.RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(msg.Content)},
		})
	}
	return contents
}

func geminiText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String()
}

func classifyGemini(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return &ProviderError{Kind: KindRefusal, Provider: geminiName, Err: err}
	}
	return newError(geminiName, messageKind(err), err)
}
