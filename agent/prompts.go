package agent

import (
	"fmt"
	"strings"

	"github.com/m4xw311/hybridshell/llm"
	"github.com/m4xw311/hybridshell/session"
	"github.com/m4xw311/hybridshell/textutil"
)

const (
	outputLimit  = 700
	historyLimit = 200
)

const plannerInstructions = `You are the planning component of a hybrid shell. Turn the user's goal into shell commands.
Respond ONLY with JSON of the form:
{"steps": [{"description": "...", "command": "...", "expected_outcome": "..."}], "answer": ""}
Rules:
- Use at most %d steps. Steps run in order, each in a fresh non-interactive shell.
- Prefer read-only inspection commands. Do NOT propose destructive commands (rm, sudo, dd, chmod, ...).
- Do NOT use directory-changing commands like cd; address files with paths relative to the working directory.
- Never use interactive programs (%s). Use non-interactive alternatives such as cat, head or sed -n.
- When inspecting a file show an excerpt (head -n 20, sed -n '1,20p') instead of only listing it.
- expected_outcome states what successful output looks like, so it can be checked.
- If no command is needed, return an empty steps array and put the reply in "answer".`

func plannerPrompt(maxSteps int, interactive []string) string {
	list := strings.Join(interactive, ", ")
	if list == "" {
		list = "editors, pagers, REPLs"
	}
	return fmt.Sprintf(plannerInstructions, maxSteps, list)
}

func (l *Loop) planMessages(goal string, c Context) []llm.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Current working directory: %s\n\n", orNone(c.Dir))
	if recent := formatTurns(c.Recent); recent != "" {
		fmt.Fprintf(&b, "Recent conversation:\n%s\n\n", recent)
	}
	if len(c.Memory) > 0 {
		fmt.Fprintf(&b, "Possibly relevant notes from earlier sessions:\n- %s\n\n", strings.Join(c.Memory, "\n- "))
	}
	fmt.Fprintf(&b, "Goal: %s", goal)
	return []llm.Message{
		llm.System(plannerPrompt(l.cfg.MaxSteps, l.cfg.InteractiveCommands)),
		llm.User(b.String()),
	}
}

func (l *Loop) replanMessages(goal string, c Context, plan *Plan, failed *Step) []llm.Message {
	msgs := l.planMessages(goal, c)
	var b strings.Builder
	b.WriteString("Steps so far:\n")
	b.WriteString(formatSteps(plan.Steps, outputLimit))
	fmt.Fprintf(&b, "\nThe step %q failed: %s\n", failed.Command, orNone(failed.Reason))
	if failed.Result != nil {
		fmt.Fprintf(&b, "Its stdout:\n%s\nIts stderr:\n%s\n",
			orNone(textutil.Truncate(failed.Result.Stdout, outputLimit)), orNone(textutil.Truncate(failed.Result.Stderr, outputLimit)))
	}
	b.WriteString("\nPropose a revised plan for the remaining work. Do not repeat commands that were refused or already succeeded. " +
		"Return an empty steps array if the goal cannot be reached.")
	return append(msgs, llm.User(b.String()))
}

const verifierInstructions = `You check whether a shell command achieved what was expected.
Respond ONLY with JSON: {"verified": true|false, "reason": "..."}`

func verifyMessages(step *Step, res ExecutionResult) []llm.Message {
	content := fmt.Sprintf("Command: %s\nExpected outcome: %s\nExit code: %d\nStdout:\n%s\nStderr:\n%s",
		step.Command, step.ExpectedOutcome, res.ExitCode,
		orNone(textutil.Truncate(res.Stdout, outputLimit)), orNone(textutil.Truncate(res.Stderr, outputLimit)))
	return []llm.Message{llm.System(verifierInstructions), llm.User(content)}
}

const summaryInstructions = `You are the help agent of a hybrid shell. Combine the observed command outputs to answer the user's request.
Mirror the user's language, explain what the outputs show and suggest next actions when appropriate. Be concise.`

func summaryMessages(goal string, plan *Plan) []llm.Message {
	content := fmt.Sprintf("Original request: %s\n\nSteps:\n%s\n\nProvide the final response.",
		goal, formatSteps(plan.Steps, outputLimit))
	return []llm.Message{llm.System(summaryInstructions), llm.User(content)}
}

// formatSteps renders step history with outputs truncated to limit.
func formatSteps(steps []*Step, limit int) string {
	if len(steps) == 0 {
		return "(no steps executed)"
	}
	var parts []string
	for i, s := range steps {
		lines := []string{
			fmt.Sprintf("Step %d: %s", i+1, s.Description),
			"Command: " + s.Command,
		}
		status := "Status: " + s.Status.String()
		if s.Result != nil {
			status += fmt.Sprintf(" (exit=%d)", s.Result.ExitCode)
		}
		if s.Reason != "" {
			status += " - " + s.Reason
		}
		if s.Detail != "" {
			status += " (" + s.Detail + ")"
		}
		lines = append(lines, status)
		if s.Result != nil {
			if out := textutil.Truncate(s.Result.Stdout, limit); out != "" {
				lines = append(lines, "Stdout: "+out)
			}
			if out := textutil.Truncate(s.Result.Stderr, limit); out != "" {
				lines = append(lines, "Stderr: "+out)
			}
		}
		parts = append(parts, strings.Join(lines, "\n"))
	}
	return strings.Join(parts, "\n---\n")
}

// formatTurns renders the last non-system turns as short snippets.
func formatTurns(turns []session.Turn) string {
	var lines []string
	for _, t := range turns {
		if t.Role == session.RoleSystem {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", t.Role, textutil.Truncate(t.Content, historyLimit)))
	}
	return strings.Join(lines, "\n")
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}
