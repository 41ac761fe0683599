package llm

import (
	"context"
	"strings"

	"github.com/m4xw311/hybridshell/errors"
)

// DefaultModels holds the model used for each backend when none is configured.
var DefaultModels = map[string]string{
	"fireworks": "accounts/fireworks/models/glm-4p6",
	"openai":    "gpt-4o-mini",
	"anthropic": "claude-sonnet-4-5",
	"gemini":    "gemini-2.0-flash",
	"bedrock":   "anthropic.claude-3-5-sonnet-20240620-v1:0",
	"mock":      "mock",
}

// New creates the client for the named backend. An empty model selects the
// backend default.
func New(ctx context.Context, backend, model string) (Client, error) {
	backend = strings.ToLower(strings.TrimSpace(backend))
	if model == "" {
		model = DefaultModels[backend]
	}
	switch backend {
	case "fireworks":
		return NewFireworksLLMClient(ctx, model)
	case "openai":
		return NewOpenAILLMClient(ctx, model)
	case "anthropic":
		return NewAnthropicLLMClient(ctx, model)
	case "gemini":
		return NewGeminiLLMClient(ctx, model)
	case "bedrock":
		return NewBedrockLLMClient(ctx, model)
	case "mock":
		return &MockClient{}, nil
	}
	return nil, errors.New("unsupported provider: %s", backend)
}
