package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/m4xw311/hybridshell/agent"
	"github.com/m4xw311/hybridshell/orchestrator"
	"github.com/m4xw311/hybridshell/session"
)

// Dirs is the working directory the shell and the agent run commands in.
type Dirs interface {
	Dir() string
	SetDir(dir string) error
}

// Terminal is the interactive hybrid shell.
type Terminal struct {
	in     *bufio.Reader
	out    io.Writer
	mode   session.Mode
	stream bool
	st     styles

	// mu guards reads from in; the confirmation prompt reads from the same
	// reader as the main loop.
	mu sync.Mutex
}

type Option func(*Terminal)

// WithMode sets the starting mode.
func WithMode(m session.Mode) Option { return func(t *Terminal) { t.mode = m } }

// WithStreaming prints AI answers as they arrive.
func WithStreaming(on bool) Option { return func(t *Terminal) { t.stream = on } }

func New(in io.Reader, out io.Writer, opts ...Option) *Terminal {
	t := &Terminal{in: bufio.NewReader(in), out: out, mode: session.ModeAuto, stream: true, st: newStyles()}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Confirm asks before a destructive command runs. Anything but y or yes
// declines.
func (t *Terminal) Confirm(ctx context.Context, command, reason string) (bool, error) {
	fmt.Fprintf(t.out, "%s %s\n  %s\n", t.st.warning.Render("Destructive command:"), command, t.st.dim.Render(reason))
	fmt.Fprint(t.out, "Do you want to allow this? (y/N): ")
	line, err := t.readLine()
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

// Callbacks reports the help agent's progress on the terminal.
func (t *Terminal) Callbacks() agent.Callbacks {
	return agent.Callbacks{
		OnPlan: func(p *agent.Plan) {
			fmt.Fprintln(t.out, t.st.dim.Render(fmt.Sprintf("Plan: %d step(s) pending", p.Pending())))
		},
		OnStepStart: func(i int, s *agent.Step) {
			fmt.Fprintf(t.out, "%s %d. %s\n   $ %s\n", t.st.status(s.Status), i+1, s.Description, s.Command)
		},
		OnStepResult: func(i int, s *agent.Step) {
			line := fmt.Sprintf("%s %d. %s", t.st.status(s.Status), i+1, s.Status)
			if s.Reason != "" {
				line += ": " + s.Reason
			}
			fmt.Fprintln(t.out, line)
		},
		OnWarning: func(w string) {
			fmt.Fprintln(t.out, t.st.warning.Render("Warning: ")+w)
		},
	}
}

// Run reads lines until exit or end of input. initial, when set, is handled
// first in ai mode.
func (t *Terminal) Run(ctx context.Context, orch *orchestrator.Orchestrator, dirs Dirs, initial string) error {
	if initial != "" {
		t.handle(ctx, orch, session.NewRequest(initial, session.ModeAI))
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		fmt.Fprint(t.out, t.st.prompt(t.mode, dirs.Dir()))
		line, err := t.readLine()
		if err == io.EOF {
			fmt.Fprintln(t.out)
			return nil
		}
		if err != nil {
			return err
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if quit := t.builtin(ctx, orch, dirs, input); quit {
			return nil
		}
	}
}

// builtin handles the front end's own commands and dispatches everything
// else. It reports whether the session should end.
func (t *Terminal) builtin(ctx context.Context, orch *orchestrator.Orchestrator, dirs Dirs, input string) bool {
	fields := strings.Fields(input)
	switch fields[0] {
	case "exit", "quit", "/exit", "/quit":
		return true
	case "ai", "shell", "auto":
		if len(fields) == 1 {
			t.mode = session.Mode(fields[0])
			fmt.Fprintln(t.out, t.st.dim.Render("switched to "+fields[0]+" mode"))
			return false
		}
		// "ai <question>" asks once without switching.
		if fields[0] == "ai" {
			t.handle(ctx, orch, session.NewRequest(strings.TrimSpace(input[len("ai"):]), session.ModeAI))
			return false
		}
	case "cd":
		if t.mode != session.ModeAI {
			t.cd(dirs, fields[1:])
			return false
		}
	case "memory":
		t.memoryCommand(ctx, orch, fields[1:])
		return false
	case "context":
		t.showContext(orch)
		return false
	case "help":
		t.help()
		return false
	}
	t.handle(ctx, orch, session.NewRequest(input, t.mode))
	return false
}

func (t *Terminal) handle(ctx context.Context, orch *orchestrator.Orchestrator, req session.Request) {
	if !t.stream {
		resp, err := orch.Handle(ctx, req)
		if err != nil {
			fmt.Fprintln(t.out, t.st.errorText.Render("Error: ")+err.Error())
			return
		}
		t.header(resp.PersonaID)
		fmt.Fprintln(t.out, resp.Text)
		return
	}

	ts, err := orch.HandleStream(ctx, req)
	if err != nil {
		fmt.Fprintln(t.out, t.st.errorText.Render("Error: ")+err.Error())
		return
	}
	defer ts.Close()
	t.header(ts.PersonaID())
	wrote := false
	for ts.Next() {
		fmt.Fprint(t.out, ts.Current())
		wrote = true
	}
	if wrote {
		fmt.Fprintln(t.out)
	}
	if err := ts.Err(); err != nil {
		fmt.Fprintln(t.out, t.st.warning.Render("Interrupted: ")+err.Error())
	}
}

// header prints the persona badge above AI answers.
func (t *Terminal) header(personaID string) {
	if personaID == orchestrator.ShellID {
		return
	}
	fmt.Fprintln(t.out, t.st.badge.Render(personaID))
}

func (t *Terminal) cd(dirs Dirs, args []string) {
	target := "~"
	if len(args) > 0 {
		target = args[0]
	}
	if err := dirs.SetDir(target); err != nil {
		fmt.Fprintln(t.out, t.st.errorText.Render("cd: ")+err.Error())
	}
}

func (t *Terminal) memoryCommand(ctx context.Context, orch *orchestrator.Orchestrator, args []string) {
	sub := "status"
	if len(args) > 0 {
		sub = args[0]
	}
	switch sub {
	case "status":
		n, err := orch.MemoryStatus(ctx)
		if err != nil {
			fmt.Fprintln(t.out, t.st.errorText.Render("Memory subsystem unavailable: ")+err.Error())
			return
		}
		fmt.Fprintf(t.out, "Long-term memory holds %d record(s).\n", n)
	case "clear":
		if err := orch.ClearMemory(ctx); err != nil {
			fmt.Fprintln(t.out, t.st.errorText.Render("Could not clear memory: ")+err.Error())
			return
		}
		fmt.Fprintln(t.out, "Memory and conversation context cleared.")
	case "search":
		if len(args) < 2 {
			fmt.Fprintln(t.out, "usage: memory search <query> [k]")
			return
		}
		query, k := strings.Join(args[1:], " "), 5
		if n, err := strconv.Atoi(args[len(args)-1]); err == nil && len(args) > 2 {
			query, k = strings.Join(args[1:len(args)-1], " "), n
		}
		matches, err := orch.SearchMemory(ctx, query, k)
		if err != nil {
			fmt.Fprintln(t.out, t.st.errorText.Render("Memory search failed: ")+err.Error())
			return
		}
		if len(matches) == 0 {
			fmt.Fprintln(t.out, "No matching memories.")
		}
		for i, m := range matches {
			fmt.Fprintf(t.out, "%d. [%s %.2f] %s\n", i+1, m.Metadata.Source, m.Score, firstLine(m.Content))
		}
	default:
		fmt.Fprintln(t.out, "usage: memory status|clear|search <query> [k]")
	}
}

func (t *Terminal) showContext(orch *orchestrator.Orchestrator) {
	turns := orch.Recent(20)
	if len(turns) == 0 {
		fmt.Fprintln(t.out, "No conversation context yet.")
		return
	}
	for _, turn := range turns {
		who := string(turn.Role)
		if turn.PersonaID != "" && turn.Role == session.RoleAssistant {
			who += " (" + turn.PersonaID + ")"
		}
		fmt.Fprintf(t.out, "%s %s: %s\n", t.st.dim.Render(turn.Timestamp.Format("15:04:05")), who, firstLine(turn.Content))
	}
}

func (t *Terminal) help() {
	fmt.Fprint(t.out, `Modes:   shell | ai | auto      switch input mode
         ai <question>          ask once without switching
Shell:   cd <dir>               change the working directory
Memory:  memory status | clear | search <query> [k]
Context: context                show the recent conversation
         exit                   leave the shell
`)
}

func (t *Terminal) readLine() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	line, err := t.in.ReadString('\n')
	if err == io.EOF && line != "" {
		return line, nil
	}
	return line, err
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}
