package terminal

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m4xw311/hybridshell/agent"
	"github.com/m4xw311/hybridshell/contextstore"
	"github.com/m4xw311/hybridshell/executor"
	"github.com/m4xw311/hybridshell/llm"
	"github.com/m4xw311/hybridshell/memory"
	"github.com/m4xw311/hybridshell/orchestrator"
	"github.com/m4xw311/hybridshell/persona"
	"github.com/m4xw311/hybridshell/router"
	"github.com/m4xw311/hybridshell/session"
)

type fakeShell struct {
	dir  string
	runs []string
}

func (f *fakeShell) Dir() string { return f.dir }

func (f *fakeShell) SetDir(dir string) error {
	f.dir = dir
	return nil
}

func (f *fakeShell) Execute(ctx context.Context, command string, timeout time.Duration) (executor.Result, error) {
	f.runs = append(f.runs, command)
	return executor.Result{Command: command, Stdout: "out of " + command + "\n"}, nil
}

func newOrchestrator(t *testing.T, client llm.Client, shell *fakeShell) *orchestrator.Orchestrator {
	t.Helper()
	reg, err := persona.NewRegistry(persona.NewGeneralChat(client))
	require.NoError(t, err)
	r, err := router.New(reg, persona.GeneralChatID, nil)
	require.NoError(t, err)
	mem := memory.NewMemStore(memory.Options{})
	store := contextstore.New(10, contextstore.WithMemory(mem))
	return orchestrator.New(r, reg, store, shell, orchestrator.Config{TopK: 3}, orchestrator.WithMemory(mem))
}

func run(t *testing.T, input string, opts ...Option) (string, *fakeShell) {
	t.Helper()
	shell := &fakeShell{dir: "/home/dev"}
	orch := newOrchestrator(t, llm.NewMockClient(), shell)
	var out bytes.Buffer
	term := New(strings.NewReader(input), &out, opts...)
	require.NoError(t, term.Run(context.Background(), orch, shell, ""))
	return out.String(), shell
}

func TestAIModeAnswersWithPersonaBadge(t *testing.T) {
	out, shell := run(t, "ai\nhello there\nexit\n")
	assert.Contains(t, out, "switched to ai mode")
	assert.Contains(t, out, persona.GeneralChatID)
	assert.Contains(t, out, "This is a mock response to: hello there")
	assert.Empty(t, shell.runs)
}

func TestShellModeRunsCommands(t *testing.T) {
	out, shell := run(t, "ls -la\n", WithMode(session.ModeShell))
	assert.Equal(t, []string{"ls -la"}, shell.runs)
	assert.Contains(t, out, "out of ls -la")
	assert.NotContains(t, out, persona.GeneralChatID)
}

func TestAIPrefixAsksOnce(t *testing.T) {
	out, shell := run(t, "ai what is a pipe\nls\n", WithMode(session.ModeShell), WithStreaming(false))
	assert.Contains(t, out, "This is a mock response to: what is a pipe")
	assert.Equal(t, []string{"ls"}, shell.runs)
}

func TestCdChangesDirectory(t *testing.T) {
	out, shell := run(t, "cd /tmp\n", WithMode(session.ModeShell))
	assert.Equal(t, "/tmp", shell.dir)
	assert.Empty(t, shell.runs)
	assert.Contains(t, out, "shell /home/dev > ")
}

func TestMemoryAndContextCommands(t *testing.T) {
	out, _ := run(t, "ai\nremember the deploy key rotation\nmemory status\nmemory search deploy key\ncontext\nmemory clear\ncontext\nmemory bogus\n")
	assert.Contains(t, out, "Long-term memory holds 1 record(s).")
	assert.Contains(t, out, "1. [conversation")
	assert.Contains(t, out, "user: remember the deploy key rotation")
	assert.Contains(t, out, "assistant (general_chat): This is a mock response")
	assert.Contains(t, out, "Memory and conversation context cleared.")
	assert.Contains(t, out, "No conversation context yet.")
	assert.Contains(t, out, "usage: memory status|clear|search")
}

func TestEOFEndsSession(t *testing.T) {
	out, _ := run(t, "")
	assert.True(t, strings.HasSuffix(out, "\n"))
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		answer string
		want   bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		term := New(strings.NewReader(tt.answer), &out)
		ok, _ := term.Confirm(context.Background(), "rm -rf build", "rm is on the deny-list")
		assert.Equal(t, tt.want, ok, "answer %q", tt.answer)
		assert.Contains(t, out.String(), "rm -rf build")
	}
}

func TestCallbacksPrintProgress(t *testing.T) {
	var out bytes.Buffer
	cb := New(strings.NewReader(""), &out).Callbacks()
	step := &agent.Step{Description: "list files", Command: "ls -la"}
	cb.OnPlan(&agent.Plan{Steps: []*agent.Step{step}})
	cb.OnStepStart(0, step)
	step.Status, step.Reason = agent.StatusFailed, "blocked by policy"
	cb.OnStepResult(0, step)
	cb.OnWarning("verification call failed")

	got := out.String()
	assert.Contains(t, got, "Plan: 1 step(s) pending")
	assert.Contains(t, got, "$ ls -la")
	assert.Contains(t, got, "failed: blocked by policy")
	assert.Contains(t, got, "Warning: verification call failed")
}
