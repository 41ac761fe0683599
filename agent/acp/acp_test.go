package acp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m4xw311/hybridshell/agent"
	"github.com/m4xw311/hybridshell/config"
	"github.com/m4xw311/hybridshell/contextstore"
	"github.com/m4xw311/hybridshell/executor"
	"github.com/m4xw311/hybridshell/llm"
	"github.com/m4xw311/hybridshell/orchestrator"
	"github.com/m4xw311/hybridshell/persona"
	"github.com/m4xw311/hybridshell/policy"
	"github.com/m4xw311/hybridshell/router"
	"github.com/m4xw311/hybridshell/session"
)

type fakeShell struct{ dir string }

func (f *fakeShell) Dir() string { return f.dir }

func (f *fakeShell) Execute(ctx context.Context, command string, timeout time.Duration) (executor.Result, error) {
	return executor.Result{Command: command, Stdout: "main.go\n"}, nil
}

func factoryFor(client llm.Client) Factory {
	return func(spec SessionSpec) (*orchestrator.Orchestrator, error) {
		shell := &fakeShell{dir: spec.Dir}
		gate := policy.NewGate(policy.New(config.Default().Policy, nil), policy.ModePrompt)
		loop := agent.NewLoop(client, shell, gate,
			agent.Config{MaxSteps: 6, MaxReplans: 1, CommandTimeout: time.Second, VerifyWithModel: true},
			agent.WithCallbacks(spec.Callbacks))
		reg, err := persona.NewRegistry(persona.NewGeneralChat(client), persona.NewHelpAgent(loop))
		if err != nil {
			return nil, err
		}
		r, err := router.New(reg, persona.GeneralChatID, router.DefaultRules(nil, []string{"list files"}, nil))
		if err != nil {
			return nil, err
		}
		return orchestrator.New(r, reg, contextstore.New(10), shell, orchestrator.Config{},
			orchestrator.WithTranscript(spec.Transcript)), nil
	}
}

// serve runs the server over the given requests and returns decoded output
// messages in order.
func serve(t *testing.T, dir string, client llm.Client, requests ...string) []map[string]any {
	t.Helper()
	var out bytes.Buffer
	in := strings.NewReader(strings.Join(requests, "\n") + "\n")
	srv := NewServer(factoryFor(client), dir, in, &out)
	require.NoError(t, srv.Run(context.Background()))

	var msgs []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		msgs = append(msgs, m)
	}
	return msgs
}

func updates(msgs []map[string]any, kind string) []map[string]any {
	var found []map[string]any
	for _, m := range msgs {
		if m["method"] != "session/update" {
			continue
		}
		u := m["params"].(map[string]any)["update"].(map[string]any)
		if u["sessionUpdate"] == kind {
			found = append(found, u)
		}
	}
	return found
}

func response(t *testing.T, msgs []map[string]any, id float64) map[string]any {
	t.Helper()
	for _, m := range msgs {
		if m["id"] == id && m["method"] == nil {
			return m
		}
	}
	t.Fatalf("no response with id %v", id)
	return nil
}

func sessionID(t *testing.T, msgs []map[string]any, id float64) string {
	t.Helper()
	res := response(t, msgs, id)["result"].(map[string]any)
	return res["sessionId"].(string)
}

func TestInitialize(t *testing.T) {
	msgs := serve(t, t.TempDir(), llm.NewMockClient(),
		`{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":1}}`)
	require.Len(t, msgs, 1)
	res := msgs[0]["result"].(map[string]any)
	assert.EqualValues(t, 1, res["protocolVersion"])
	caps := res["agentCapabilities"].(map[string]any)
	assert.Equal(t, true, caps["loadSession"])
}

func TestUnknownMethodAndParseError(t *testing.T) {
	msgs := serve(t, t.TempDir(), llm.NewMockClient(),
		`not json`,
		`{"jsonrpc":"2.0","id":7,"method":"session/fly"}`)
	require.Len(t, msgs, 2)
	assert.EqualValues(t, codeParseError, msgs[0]["error"].(map[string]any)["code"])
	assert.EqualValues(t, codeMethodNotFound, msgs[1]["error"].(map[string]any)["code"])
}

func TestPromptStreamsAnswer(t *testing.T) {
	client := &llm.MockClient{Responses: []llm.MockResponse{{Chunks: []string{"Hello ", "there."}}}}
	dir := t.TempDir()
	first := serve(t, dir, client,
		`{"jsonrpc":"2.0","id":1,"method":"session/new","params":{"cwd":"/work"}}`)
	sid := sessionID(t, first, 1)

	// A prompt needs the session opened in the same server run.
	msgs := serve(t, dir, client,
		fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"session/load","params":{"sessionId":%q,"cwd":"/work"}}`, sid),
		fmt.Sprintf(`{"jsonrpc":"2.0","id":2,"method":"session/prompt","params":{"sessionId":%q,"prompt":[{"type":"text","text":"hi"}]}}`, sid))

	chunks := updates(msgs, "agent_message_chunk")
	var text strings.Builder
	for _, c := range chunks {
		text.WriteString(c["content"].(map[string]any)["text"].(string))
	}
	assert.Equal(t, "Hello there.", text.String())
	res := response(t, msgs, 2)["result"].(map[string]any)
	assert.Equal(t, "end_turn", res["stopReason"])

	tr, err := session.Load(dir, sid)
	require.NoError(t, err)
	require.Len(t, tr.Turns, 2)
	assert.Equal(t, "hi", tr.Turns[0].Content)
	assert.Equal(t, "Hello there.", tr.Turns[1].Content)
}

func TestSessionLoadReplaysTurns(t *testing.T) {
	dir := t.TempDir()
	tr, err := session.New(dir, "saved")
	require.NoError(t, err)
	now := time.Now()
	tr.Append(
		session.Turn{Role: session.RoleUser, Content: "what is go", Timestamp: now},
		session.Turn{Role: session.RoleAssistant, Content: "a language", Timestamp: now.Add(time.Second)},
	)
	require.NoError(t, tr.Save())

	msgs := serve(t, dir, llm.NewMockClient(),
		`{"jsonrpc":"2.0","id":3,"method":"session/load","params":{"sessionId":"saved","cwd":"/"}}`)
	user := updates(msgs, "user_message_chunk")
	agentMsgs := updates(msgs, "agent_message_chunk")
	require.Len(t, user, 1)
	require.Len(t, agentMsgs, 1)
	assert.Equal(t, "what is go", user[0]["content"].(map[string]any)["text"])
	assert.Equal(t, "a language", agentMsgs[0]["content"].(map[string]any)["text"])
	assert.Nil(t, response(t, msgs, 3)["error"])
}

func TestSessionLoadUnknown(t *testing.T) {
	msgs := serve(t, t.TempDir(), llm.NewMockClient(),
		`{"jsonrpc":"2.0","id":4,"method":"session/load","params":{"sessionId":"missing"}}`)
	assert.EqualValues(t, codeInvalidParams, response(t, msgs, 4)["error"].(map[string]any)["code"])
}

func TestPromptUnknownSession(t *testing.T) {
	msgs := serve(t, t.TempDir(), llm.NewMockClient(),
		`{"jsonrpc":"2.0","id":5,"method":"session/prompt","params":{"sessionId":"nope","prompt":[]}}`)
	assert.EqualValues(t, codeInvalidParams, response(t, msgs, 5)["error"].(map[string]any)["code"])
}

func TestHelpAgentStepsAreToolCalls(t *testing.T) {
	client := &llm.MockClient{Responses: []llm.MockResponse{
		{Text: `{"steps":[{"description":"list","command":"ls","expected_outcome":"files"}]}`},
		{Text: `{"verified": true, "reason": "shown"}`},
		{Text: "There is one file: main.go."},
	}}
	dir := t.TempDir()
	tr, err := session.New(dir, "agent")
	require.NoError(t, err)
	require.NoError(t, tr.Save())

	msgs := serve(t, dir, client,
		`{"jsonrpc":"2.0","id":1,"method":"session/load","params":{"sessionId":"agent","cwd":"/work"}}`,
		`{"jsonrpc":"2.0","id":2,"method":"session/prompt","params":{"sessionId":"agent","prompt":[{"type":"text","text":"list files here"}]}}`)

	calls := updates(msgs, "tool_call")
	require.Len(t, calls, 1)
	assert.Equal(t, "ls", calls[0]["rawInput"].(map[string]any)["command"])
	done := updates(msgs, "tool_call_update")
	require.Len(t, done, 1)
	assert.Equal(t, calls[0]["toolCallId"], done[0]["toolCallId"])
	assert.Equal(t, "completed", done[0]["status"])

	chunks := updates(msgs, "agent_message_chunk")
	require.NotEmpty(t, chunks)
	assert.Contains(t, chunks[len(chunks)-1]["content"].(map[string]any)["text"], "main.go")
}

func TestExtractUserTextInlinesFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("remember the milk"), 0o644))

	text := extractUserText([]contentBlock{
		{Type: "text", Text: "summarize this"},
		{Type: "text", Text: "   "},
		{Type: "resource_link", Name: "notes.txt", URI: "file://" + path},
		{Type: "resource_link", Name: "remote", URI: "https://example.com/x"},
	})
	assert.True(t, strings.HasPrefix(text, "summarize this\n"))
	assert.Contains(t, text, "remember the milk")
	assert.Contains(t, text, "content not available for https resources")
}
