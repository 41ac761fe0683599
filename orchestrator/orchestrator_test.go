package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/m4xw311/hybridshell/config"
	"github.com/m4xw311/hybridshell/contextstore"
	"github.com/m4xw311/hybridshell/executor"
	"github.com/m4xw311/hybridshell/llm"
	"github.com/m4xw311/hybridshell/memory"
	"github.com/m4xw311/hybridshell/persona"
	"github.com/m4xw311/hybridshell/router"
	"github.com/m4xw311/hybridshell/search"
	"github.com/m4xw311/hybridshell/session"
)

func TestMain(m *testing.M) {
	// The gemini client pulls in opencensus, whose view worker starts in init
	// and never exits.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type fakeShell struct {
	dir  string
	res  executor.Result
	err  error
	runs []string
}

func (f *fakeShell) Dir() string { return f.dir }

func (f *fakeShell) Execute(ctx context.Context, command string, timeout time.Duration) (executor.Result, error) {
	f.runs = append(f.runs, command)
	res := f.res
	res.Command = command
	return res, f.err
}

// countingRule never matches and counts how often the router consulted it.
type countingRule struct{ calls atomic.Int32 }

func (c *countingRule) Name() string { return "counting" }

func (c *countingRule) Match(context.Context, session.Request, router.Signal) (router.Match, bool) {
	c.calls.Add(1)
	return router.Match{}, false
}

type fixture struct {
	orch   *Orchestrator
	client *llm.MockClient
	shell  *fakeShell
	mem    *memory.MemStore
	rule   *countingRule
}

func newFixture(t *testing.T, client llm.Client, opts ...Option) *fixture {
	t.Helper()
	mock, _ := client.(*llm.MockClient)
	f := &fixture{
		client: mock,
		shell:  &fakeShell{dir: "/work", res: executor.Result{Stdout: "a.txt\nb.txt\n"}},
		mem:    memory.NewMemStore(memory.Options{}),
		rule:   &countingRule{},
	}
	searcher := stubSearcher{}
	reg, err := persona.NewRegistry(persona.NewGeneralChat(client), persona.NewSearch(client, searcher))
	require.NoError(t, err)
	cfg := config.Default()
	rules := append([]router.Rule{f.rule}, router.DefaultRules(cfg.Router.SearchKeywords, nil, nil)...)
	r, err := router.New(reg, persona.GeneralChatID, rules)
	require.NoError(t, err)
	store := contextstore.New(4, contextstore.WithMemory(f.mem))
	opts = append([]Option{WithMemory(f.mem)}, opts...)
	f.orch = New(r, reg, store, f.shell, Config{RecentTurns: 4, TopK: 3}, opts...)
	return f
}

type stubSearcher struct{}

func (stubSearcher) Name() string { return "stub" }

func (stubSearcher) Search(ctx context.Context, query string) ([]search.Result, error) {
	return []search.Result{{Title: "Result", URL: "https://example.com/" + query}}, nil
}

func TestShellModeNeverRoutes(t *testing.T) {
	f := newFixture(t, llm.NewMockClient("unused"))
	resp, err := f.orch.Handle(context.Background(), session.NewRequest("ls", session.ModeShell))
	require.NoError(t, err)

	assert.Equal(t, ShellID, resp.PersonaID)
	assert.Equal(t, "a.txt\nb.txt", resp.Text)
	assert.Equal(t, int32(0), f.rule.calls.Load())
	assert.Equal(t, 0, f.client.CallCount())
	assert.Equal(t, []string{"ls"}, f.shell.runs)
	assert.Empty(t, f.orch.Recent(10), "shell commands are not conversation turns")

	n, err := f.orch.MemoryStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestShellContextReachesChat(t *testing.T) {
	f := newFixture(t, llm.NewMockClient("They are text files."))
	_, err := f.orch.Handle(context.Background(), session.NewRequest("ls", session.ModeShell))
	require.NoError(t, err)
	_, err = f.orch.Handle(context.Background(), session.NewRequest("what are those files?", session.ModeAI))
	require.NoError(t, err)

	system := f.client.Calls()[0][0].Content
	assert.Contains(t, system, "$ ls (exit 0)")
	assert.Contains(t, system, "Working directory: /work")
}

func TestShellUnavailable(t *testing.T) {
	f := newFixture(t, llm.NewMockClient())
	f.shell.err = executor.ErrUnavailable
	resp, err := f.orch.Handle(context.Background(), session.NewRequest("ls", session.ModeShell))
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Contains(t, resp.Text, "unavailable")
}

func TestAIRequestAppendsTurnPairAndMemory(t *testing.T) {
	dir := t.TempDir()
	tr, err := session.New(dir, "s1")
	require.NoError(t, err)
	f := newFixture(t, llm.NewMockClient("Closures capture variables."), WithTranscript(tr))

	var decisions []router.Decision
	f.orch.onRoute = func(_ session.Request, d router.Decision) { decisions = append(decisions, d) }

	resp, err := f.orch.Handle(context.Background(), session.NewRequest("explain closures", session.ModeAI))
	require.NoError(t, err)
	assert.Equal(t, persona.GeneralChatID, resp.PersonaID)
	assert.Equal(t, "Closures capture variables.", resp.Text)
	require.Len(t, decisions, 1)
	assert.True(t, decisions[0].FallbackUsed)
	assert.Equal(t, int32(1), f.rule.calls.Load())

	turns := f.orch.Recent(10)
	require.Len(t, turns, 2)
	assert.Equal(t, session.RoleUser, turns[0].Role)
	assert.Equal(t, session.RoleAssistant, turns[1].Role)
	assert.True(t, turns[1].Timestamp.After(turns[0].Timestamp))
	assert.Equal(t, persona.GeneralChatID, turns[1].PersonaID)

	saved, err := session.Load(dir, "s1")
	require.NoError(t, err)
	assert.Len(t, saved.Turns, 2)

	matches, err := f.orch.SearchMemory(context.Background(), "closures", 5)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, memory.SourceConversation, matches[0].Metadata.Source)
}

func TestWindowStaysBounded(t *testing.T) {
	f := newFixture(t, llm.NewMockClient())
	for _, q := range []string{"one", "two", "three"} {
		_, err := f.orch.Handle(context.Background(), session.NewRequest(q, session.ModeAI))
		require.NoError(t, err)
	}
	turns := f.orch.Recent(10)
	require.Len(t, turns, 4)
	assert.Equal(t, "two", turns[0].Content)
	assert.Equal(t, "This is a mock response to: three", turns[3].Content)
}

func TestRetryBoundSurfacesDegradedResponse(t *testing.T) {
	mock := &llm.MockClient{Responses: []llm.MockResponse{{Err: &llm.ProviderError{Kind: llm.KindTransport, Provider: "mock"}}}}
	client := llm.WithRetry(mock, llm.RetryConfig{
		MaxAttempts: 3,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}, nil)
	f := newFixture(t, client)

	resp, err := f.orch.Handle(context.Background(), session.NewRequest("hello there", session.ModeAI))
	require.NoError(t, err)
	assert.Equal(t, 3, mock.CallCount())
	assert.True(t, resp.Degraded)
	assert.NotEmpty(t, resp.Text)
	assert.Contains(t, resp.Text, "unavailable")

	// The failed turn is still recorded, but not written to memory.
	assert.Len(t, f.orch.Recent(10), 2)
	n, err := f.orch.MemoryStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestEmptyRequest(t *testing.T) {
	f := newFixture(t, llm.NewMockClient())
	_, err := f.orch.Handle(context.Background(), session.NewRequest("   ", session.ModeAI))
	assert.ErrorIs(t, err, ErrEmptyRequest)
}

func TestHandleStream(t *testing.T) {
	mock := &llm.MockClient{Responses: []llm.MockResponse{{Chunks: []string{"Go ", "is ", "fun."}}}}
	f := newFixture(t, mock)

	ts, err := f.orch.HandleStream(context.Background(), session.NewRequest("tell me about go", session.ModeAI))
	require.NoError(t, err)
	var got []string
	for ts.Next() {
		got = append(got, ts.Current())
	}
	require.NoError(t, ts.Err())
	require.NoError(t, ts.Close())

	assert.Equal(t, []string{"Go ", "is ", "fun."}, got)
	assert.Equal(t, "Go is fun.", ts.Response().Text)
	turns := f.orch.Recent(10)
	require.Len(t, turns, 2)
	assert.Equal(t, "Go is fun.", turns[1].Content)
}

func TestHandleStreamCloseEarly(t *testing.T) {
	mock := &llm.MockClient{Responses: []llm.MockResponse{{Chunks: []string{"first", "second", "third"}}}}
	f := newFixture(t, mock)

	ts, err := f.orch.HandleStream(context.Background(), session.NewRequest("long answer please", session.ModeAI))
	require.NoError(t, err)
	require.True(t, ts.Next())
	require.NoError(t, ts.Close())
	require.NoError(t, ts.Close())

	assert.Contains(t, ts.Response().Text, "first")
	assert.Contains(t, ts.Response().Text, "[cancelled]")

	// The orchestrator accepts the next request once the stream is closed.
	_, err = f.orch.Handle(context.Background(), session.NewRequest("next", session.ModeAI))
	require.NoError(t, err)
}

func TestHandleStreamSearchRemembersResults(t *testing.T) {
	mock := &llm.MockClient{Responses: []llm.MockResponse{{Chunks: []string{"Summary. ", "Sources: example.com"}}}}
	f := newFixture(t, mock)

	ts, err := f.orch.HandleStream(context.Background(), session.NewRequest("search golang generics", session.ModeAI))
	require.NoError(t, err)
	for ts.Next() {
	}
	require.NoError(t, ts.Close())
	assert.Equal(t, persona.SearchID, ts.PersonaID())

	matches, err := f.orch.SearchMemory(context.Background(), "golang generics", 5)
	require.NoError(t, err)
	var sources []memory.Source
	for _, m := range matches {
		sources = append(sources, m.Metadata.Source)
	}
	assert.Contains(t, sources, memory.SourceSearch)
	assert.Contains(t, sources, memory.SourceConversation)
}

func TestHandleStreamShell(t *testing.T) {
	f := newFixture(t, llm.NewMockClient())
	ts, err := f.orch.HandleStream(context.Background(), session.NewRequest("ls", session.ModeShell))
	require.NoError(t, err)
	text, n := "", 0
	for ts.Next() {
		text += ts.Current()
		n++
	}
	require.NoError(t, ts.Close())
	assert.Equal(t, 1, n)
	assert.Equal(t, "a.txt\nb.txt", text)
	assert.Equal(t, int32(0), f.rule.calls.Load())
}

func TestClearMemoryResetsContext(t *testing.T) {
	f := newFixture(t, llm.NewMockClient())
	_, err := f.orch.Handle(context.Background(), session.NewRequest("hi", session.ModeAI))
	require.NoError(t, err)
	require.NoError(t, f.orch.ClearMemory(context.Background()))

	assert.Empty(t, f.orch.Recent(10))
	n, err := f.orch.MemoryStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestResumeSeedsWindow(t *testing.T) {
	dir := t.TempDir()
	tr, err := session.New(dir, "resume")
	require.NoError(t, err)
	base := time.Now().Add(-time.Hour)
	tr.Append(
		session.Turn{Role: session.RoleUser, Content: "earlier question", Timestamp: base},
		session.Turn{Role: session.RoleAssistant, Content: "earlier answer", Timestamp: base.Add(time.Second)},
	)
	f := newFixture(t, llm.NewMockClient("ok"), WithTranscript(tr))
	assert.Len(t, f.orch.Recent(10), 2)
	require.NoError(t, f.orch.Close())
}

func TestAutoModeResolution(t *testing.T) {
	f := newFixture(t, llm.NewMockClient())
	f.orch.lookPath = func(name string) (string, error) {
		switch name {
		case "ls", "git", "more", "find", "make", "expand":
			return "/usr/bin/" + name, nil
		}
		return "", errors.New("not found")
	}
	tests := []struct {
		input string
		want  session.Mode
	}{
		{"ls -la", session.ModeShell},
		{"git status", session.ModeShell},
		{"./build.sh", session.ModeShell},
		{"FOO=1 env", session.ModeShell},
		{"export PATH=/bin", session.ModeShell},
		{"ls what is this?", session.ModeAI},
		{"how do I list files", session.ModeAI},
		{"more details please", session.ModeAI},
		{"more", session.ModeAI},
		{"expand on that", session.ModeAI},
		{"find me the latest Go release", session.ModeAI},
		{"make a summary of this repo.", session.ModeAI},
		{"find . -name '*.go'", session.ModeShell},
		{"make test", session.ModeShell},
		{"more README.md", session.ModeShell},
		{"git commit -m 'fix the bug'", session.ModeShell},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, f.orch.resolveMode(session.NewRequest(tt.input, session.ModeAuto)))
		})
	}
	// Explicit modes are never reinterpreted.
	assert.Equal(t, session.ModeAI, f.orch.resolveMode(session.NewRequest("ls", session.ModeAI)))
}

func TestAutoModeFollowUpStaysOnSearch(t *testing.T) {
	f := newFixture(t, llm.NewMockClient("Go 1.25 is out.", "It added more things."))
	f.orch.lookPath = func(name string) (string, error) { return "/usr/bin/" + name, nil }

	first, err := f.orch.Handle(context.Background(), session.NewRequest("search latest go release", session.ModeAI))
	require.NoError(t, err)
	require.Equal(t, persona.SearchID, first.PersonaID)

	resp, err := f.orch.Handle(context.Background(), session.NewRequest("more details please", session.ModeAuto))
	require.NoError(t, err)
	assert.Equal(t, persona.SearchID, resp.PersonaID)
	assert.Empty(t, f.shell.runs)
}
