package llm

import (
	"context"
	"strings"
	"sync"
)

// MockResponse is one scripted reply. Chunks, when set, is what Stream
// yields; otherwise Text is streamed as a single chunk.
type MockResponse struct {
	Text   string
	Chunks []string
	Err    error
}

// MockClient is a scripted Client for tests and offline runs. Responses are
// consumed in order and the last one repeats. With no script it echoes the
// last user message.
type MockClient struct {
	Responses []MockResponse

	mu    sync.Mutex
	calls [][]Message
	next  int
}

// NewMockClient returns a MockClient that replies with texts in order.
func NewMockClient(texts ...string) *MockClient {
	m := &MockClient{}
	for _, t := range texts {
		m.Responses = append(m.Responses, MockResponse{Text: t})
	}
	return m
}

func (m *MockClient) Name() string { return "mock" }

func (m *MockClient) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r := m.take(messages)
	if r.Err != nil {
		return "", r.Err
	}
	if len(r.Chunks) > 0 {
		return strings.Join(r.Chunks, ""), nil
	}
	return r.Text, nil
}

func (m *MockClient) Stream(ctx context.Context, messages []Message, opts Options) *Stream {
	r := m.take(messages)
	return NewStream(ctx, func(ctx context.Context, emit EmitFunc) error {
		chunks := r.Chunks
		if len(chunks) == 0 && r.Text != "" {
			chunks = []string{r.Text}
		}
		for _, c := range chunks {
			if !emit(c) {
				return ctx.Err()
			}
		}
		return r.Err
	})
}

// Calls returns the prompts received so far.
func (m *MockClient) Calls() [][]Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]Message(nil), m.calls...)
}

// CallCount returns the number of Complete and Stream calls made.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *MockClient) take(messages []Message) MockResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, messages)

	if len(m.Responses) == 0 {
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Role == "user" {
				return MockResponse{Text: "This is a mock response to: " + messages[i].Content}
			}
		}
		return MockResponse{Text: "This is a mock response."}
	}
	r := m.Responses[m.next]
	if m.next < len(m.Responses)-1 {
		m.next++
	}
	return r
}
