package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/m4xw311/hybridshell/errors"
	"github.com/m4xw311/hybridshell/session"
)

const bedrockName = "bedrock"

// BedrockLLMClient is a client for the Anthropic models on AWS Bedrock.
type BedrockLLMClient struct {
	client  *bedrockruntime.Client
	modelID string
	region  string
}

// NewBedrockLLMClient creates a new BedrockLLMClient.
// It requires AWS credentials to be configured in the environment.
func NewBedrockLLMClient(ctx context.Context, modelID string) (*BedrockLLMClient, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}
	if _, err := cfg.Credentials.Retrieve(ctx); err != nil {
		return nil, newError(bedrockName, KindAuth, errors.Wrapf(err, "no AWS credentials available"))
	}

	region := cfg.Region
	if region == "" {
		region = os.Getenv("AWS_DEFAULT_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	client := bedrockruntime.NewFromConfig(cfg, func(o *bedrockruntime.Options) {
		o.Region = region
		o.RetryMaxAttempts = 1
		// Custom endpoint, useful for testing.
		if endpoint := os.Getenv("BEDROCK_ENDPOINT_URL"); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return &BedrockLLMClient{client: client, modelID: modelID, region: region}, nil
}

func (b *BedrockLLMClient) Name() string { return bedrockName }

func (b *BedrockLLMClient) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	body, err := createAnthropicRequest(messages, opts)
	if err != nil {
		return "", errors.Wrapf(err, "failed to create Anthropic request")
	}

	resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelOr(opts, b.modelID)),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", classifyBedrock(ctx, err)
	}
	return processBedrockResponse(resp.Body)
}

func (b *BedrockLLMClient) Stream(ctx context.Context, messages []Message, opts Options) *Stream {
	body, err := createAnthropicRequest(messages, opts)
	if err != nil {
		return ErrorStream(errors.Wrapf(err, "failed to create Anthropic request"))
	}
	return NewStream(ctx, func(ctx context.Context, emit EmitFunc) error {
		resp, err := b.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
			ModelId:     aws.String(modelOr(opts, b.modelID)),
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
			Body:        body,
		})
		if err != nil {
			return classifyBedrock(ctx, err)
		}
		stream := resp.GetStream()
		defer stream.Close()

		for event := range stream.Events() {
			chunk, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}
			text, stop, err := parseBedrockChunk(chunk.Value.Bytes)
			if err != nil {
				return err
			}
			if stop == "refusal" {
				return &ProviderError{Kind: KindRefusal, Provider: bedrockName, Err: errors.New("model declined to answer")}
			}
			if !emit(text) {
				return ctx.Err()
			}
		}
		if err := stream.Err(); err != nil {
			return classifyBedrock(ctx, err)
		}
		return nil
	})
}

type bedrockMessage struct {
	Role    string               `json:"role"`
	Content []bedrockContentPart `json:"content"`
}

type bedrockContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// convertMessagesToAnthropicFormat converts our internal message format to
// the Anthropic messages body Bedrock expects.
func convertMessagesToAnthropicFormat(messages []Message) ([]bedrockMessage, string) {
	system, rest := splitSystem(messages)
	var out []bedrockMessage
	for _, msg := range rest {
		if msg.Content == "" {
			continue
		}
		role := "user"
		if msg.Role == session.RoleAssistant {
			role = "assistant"
		}
		out = append(out, bedrockMessage{
			Role:    role,
			Content: []bedrockContentPart{{Type: "text", Text: msg.Content}},
		})
	}
	return out, system
}

// createAnthropicRequest creates the request body for Anthropic models on Bedrock.
func createAnthropicRequest(messages []Message, opts Options) ([]byte, error) {
	converted, system := convertMessagesToAnthropicFormat(messages)
	request := map[string]any{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        maxTokens(opts),
		"messages":          converted,
	}
	if system != "" {
		request["system"] = system
	}
	if opts.Temperature != nil {
		request["temperature"] = *opts.Temperature
	}
	if len(opts.StopSequences) > 0 {
		request["stop_sequences"] = opts.StopSequences
	}
	return json.Marshal(request)
}

type bedrockResponse struct {
	Content    []bedrockContentPart `json:"content"`
	StopReason string               `json:"stop_reason"`
	Error      any                  `json:"error"`
}

// processBedrockResponse extracts the text of an InvokeModel response.
func processBedrockResponse(body []byte) (string, error) {
	var resp bedrockResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", newError(bedrockName, KindTransport, errors.Wrapf(err, "failed to unmarshal Bedrock response"))
	}
	if resp.Error != nil {
		return "", newError(bedrockName, KindRequest, errors.New("Bedrock API error: %v", resp.Error))
	}

	var text string
	for _, part := range resp.Content {
		if part.Type == "text" {
			text += part.Text
		}
	}
	if resp.StopReason == "refusal" {
		return "", &ProviderError{Kind: KindRefusal, Provider: bedrockName, Text: text, Err: errors.New("model declined to answer")}
	}
	return text, nil
}

type bedrockStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
}

// parseBedrockChunk returns the text delta and stop reason of one stream event.
func parseBedrockChunk(data []byte) (text, stop string, err error) {
	var ev bedrockStreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return "", "", newError(bedrockName, KindTransport, errors.Wrapf(err, "malformed stream chunk"))
	}
	switch ev.Type {
	case "content_block_delta":
		if ev.Delta.Type == "text_delta" {
			return ev.Delta.Text, "", nil
		}
	case "message_delta":
		return "", ev.Delta.StopReason, nil
	}
	return "", "", nil
}

func classifyBedrock(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var (
		throttling  *types.ThrottlingException
		denied      *types.AccessDeniedException
		timeout     *types.ModelTimeoutException
		unavailable *types.ServiceUnavailableException
		validation  *types.ValidationException
	)
	switch {
	case errors.As(err, &throttling):
		return newError(bedrockName, KindRateLimit, err)
	case errors.As(err, &denied):
		return newError(bedrockName, KindAuth, err)
	case errors.As(err, &validation):
		return newError(bedrockName, KindRequest, err)
	case errors.As(err, &timeout), errors.As(err, &unavailable):
		return newError(bedrockName, KindTransport, err)
	}
	return newError(bedrockName, KindTransport, err)
}
