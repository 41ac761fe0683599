package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/m4xw311/hybridshell/agent/acp"
	"github.com/m4xw311/hybridshell/agent/terminal"
	"github.com/m4xw311/hybridshell/config"
	"github.com/m4xw311/hybridshell/errors"
	"github.com/m4xw311/hybridshell/executor"
	"github.com/m4xw311/hybridshell/logging"
	"github.com/m4xw311/hybridshell/memory"
	"github.com/m4xw311/hybridshell/orchestrator"
	"github.com/m4xw311/hybridshell/session"
)

func main() {
	if err := newRootCmd(config.LoadConfig).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	verbose      bool
	resume       string
	session      string
	confirmation string
	provider     string
	model        string
	mode         string
	noStream     bool
}

// cli carries what every subcommand needs to build its app.
type cli struct {
	load  func() (*config.Config, error)
	flags flags
}

func newRootCmd(load func() (*config.Config, error)) *cobra.Command {
	c := &cli{load: load}
	root := &cobra.Command{
		Use:           "hybridshell [prompt...]",
		Short:         "A shell that also answers, searches and runs multi-step tasks",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          c.runInteractive,
	}
	pf := root.PersistentFlags()
	pf.BoolVarP(&c.flags.verbose, "verbose", "v", false, "Log at debug level")
	pf.StringVar(&c.flags.provider, "provider", "", "Language model provider (fireworks, openai, anthropic, gemini, bedrock, mock)")
	pf.StringVar(&c.flags.model, "model", "", "Model name for the provider")
	pf.StringVarP(&c.flags.confirmation, "confirmation", "c", "", "Destructive command policy: 'auto' or 'prompt'")
	pf.BoolVar(&c.flags.noStream, "no-stream", false, "Print answers once complete instead of streaming them")
	pf.StringVarP(&c.flags.session, "session", "s", "", "Session name to create")
	pf.StringVarP(&c.flags.resume, "resume", "r", "", "Resume a session by name")
	root.Flags().StringVarP(&c.flags.mode, "mode", "m", string(session.ModeAuto), "Starting mode: 'auto', 'ai' or 'shell'")

	root.AddCommand(c.askCmd(), c.acpCmd(), c.memoryCmd(), c.sessionsCmd())
	return root
}

// config loads configuration and applies command line overrides.
func (c *cli) config() (*config.Config, error) {
	cfg, err := c.load()
	if err != nil {
		return nil, errors.Wrapf(err, "error loading configuration")
	}
	if c.flags.provider != "" {
		cfg.Provider = strings.ToLower(c.flags.provider)
		cfg.Model = ""
	}
	if c.flags.model != "" {
		cfg.Model = c.flags.model
	}
	if c.flags.confirmation != "" {
		cfg.ConfirmationPolicy = strings.ToLower(c.flags.confirmation)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setup builds the app. Logs go to a file next to the sessions so they
// never mix with the prompt or the ACP stream.
func (c *cli) setup(ctx context.Context) (*app, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, err
	}
	logFile := filepath.Join(filepath.Dir(cfg.SessionDir), "hybridshell.log")
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return nil, errors.Wrapf(err, "could not create log directory")
	}
	log, err := logging.New(logging.Options{Verbose: c.flags.verbose, File: logFile})
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, log)
}

func (a *app) finish() {
	if err := a.Close(); err != nil {
		a.log.Warn("shutdown", zap.Error(err))
	}
	_ = a.log.Sync()
}

// transcript opens the session named by the flags. An unnamed session gets
// a name unless optional is set, in which case nil is returned.
func (c *cli) transcript(cfg *config.Config, out io.Writer, optional bool) (*session.Transcript, error) {
	if c.flags.resume != "" {
		tr, err := session.Load(cfg.SessionDir, c.flags.resume)
		if err != nil {
			return nil, errors.Wrapf(err, "error resuming session '%s'", c.flags.resume)
		}
		fmt.Fprintf(out, "Resuming session: %s\n", c.flags.resume)
		return tr, nil
	}
	name := c.flags.session
	if name == "" {
		if optional {
			return nil, nil
		}
		name = defaultSessionName()
	}
	tr, err := session.New(cfg.SessionDir, name)
	if err != nil {
		return nil, errors.Wrapf(err, "error creating session '%s'", name)
	}
	fmt.Fprintf(out, "Starting new session: %s\n", name)
	return tr, nil
}

func (c *cli) runInteractive(cmd *cobra.Command, args []string) error {
	mode := session.Mode(c.flags.mode)
	switch mode {
	case session.ModeAuto, session.ModeAI, session.ModeShell:
	default:
		return errors.New("invalid mode '%s': must be 'auto', 'ai' or 'shell'", c.flags.mode)
	}
	a, err := c.setup(cmd.Context())
	if err != nil {
		return err
	}
	defer a.finish()

	out := cmd.OutOrStdout()
	tr, err := c.transcript(a.cfg, out, false)
	if err != nil {
		return err
	}
	shell := executor.NewShellExecutor(executor.WithLogger(a.log))
	term := terminal.New(cmd.InOrStdin(), out, terminal.WithMode(mode), terminal.WithStreaming(!c.flags.noStream))
	orch, err := a.orchestrator(sessionOptions{
		shell:      shell,
		transcript: tr,
		confirmer:  term,
		callbacks:  term.Callbacks(),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := orch.Close(); err != nil {
			a.log.Warn("could not save session", zap.Error(err))
		}
	}()

	fmt.Fprintln(out, "hybridshell is ready. Type a command or a question; 'help' lists the built-ins.")
	return term.Run(cmd.Context(), orch, shell, strings.Join(args, " "))
}

func (c *cli) askCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ask <question...>",
		Short: "Answer one request and exit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.finish()

			errOut := cmd.ErrOrStderr()
			tr, err := c.transcript(a.cfg, errOut, true)
			if err != nil {
				return err
			}
			term := terminal.New(cmd.InOrStdin(), errOut)
			orch, err := a.orchestrator(sessionOptions{
				shell:      executor.NewShellExecutor(executor.WithLogger(a.log)),
				transcript: tr,
				confirmer:  term,
				callbacks:  term.Callbacks(),
			})
			if err != nil {
				return err
			}
			defer orch.Close()
			return ask(cmd.Context(), orch, cmd.OutOrStdout(), strings.Join(args, " "), !c.flags.noStream)
		},
	}
}

func ask(ctx context.Context, orch *orchestrator.Orchestrator, out io.Writer, question string, stream bool) error {
	req := session.NewRequest(question, session.ModeAI)
	if !stream {
		resp, err := orch.Handle(ctx, req)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, resp.Text)
		return nil
	}
	ts, err := orch.HandleStream(ctx, req)
	if err != nil {
		return err
	}
	for ts.Next() {
		fmt.Fprint(out, ts.Current())
	}
	if err := ts.Close(); err != nil {
		return err
	}
	fmt.Fprintln(out)
	return nil
}

func (c *cli) acpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "acp",
		Short: "Serve the Agent Client Protocol on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.finish()

			// Destructive commands cannot be confirmed over ACP; prompt
			// mode blocks them.
			factory := func(spec acp.SessionSpec) (*orchestrator.Orchestrator, error) {
				shell := executor.NewShellExecutor(executor.WithLogger(a.log))
				if spec.Dir != "" {
					if err := shell.SetDir(spec.Dir); err != nil {
						return nil, err
					}
				}
				return a.orchestrator(sessionOptions{
					shell:      shell,
					transcript: spec.Transcript,
					callbacks:  spec.Callbacks,
				})
			}
			srv := acp.NewServer(factory, a.cfg.SessionDir, cmd.InOrStdin(), cmd.OutOrStdout(), acp.WithLogger(a.log))
			a.log.Info("serving ACP", zap.String("sessions", a.cfg.SessionDir))
			if err := srv.Run(cmd.Context()); err != nil {
				return errors.Wrapf(err, "ACP mode failed")
			}
			return nil
		},
	}
}

func (c *cli) memoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect or clear long-term memory",
	}
	withMemory := func(run func(cmd *cobra.Command, store memory.Store, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			a, err := c.setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.finish()
			if a.memory == nil {
				return memory.ErrUnavailable
			}
			return run(cmd, a.memory, args)
		}
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show how many records are stored",
			Args:  cobra.NoArgs,
			RunE: withMemory(func(cmd *cobra.Command, store memory.Store, _ []string) error {
				n, err := store.Count(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d records\n", n)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Delete every stored record",
			Args:  cobra.NoArgs,
			RunE: withMemory(func(cmd *cobra.Command, store memory.Store, _ []string) error {
				if err := store.Clear(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "memory cleared")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "search <query...>",
			Short: "Show the records most similar to a query",
			Args:  cobra.MinimumNArgs(1),
			RunE: withMemory(func(cmd *cobra.Command, store memory.Store, args []string) error {
				k := 5
				if n, err := strconv.Atoi(args[len(args)-1]); err == nil && len(args) > 1 {
					k, args = n, args[:len(args)-1]
				}
				matches, err := store.Query(cmd.Context(), strings.Join(args, " "), k)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(matches) == 0 {
					fmt.Fprintln(out, "no matching records")
				}
				for _, m := range matches {
					fmt.Fprintf(out, "%.3f [%s] %s\n", m.Score, m.Metadata.Source, firstLine(m.Content))
				}
				return nil
			}),
		},
	)
	return cmd
}

func (c *cli) sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage saved sessions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List saved sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			names, err := session.List(cfg.SessionDir)
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	})
	return cmd
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
