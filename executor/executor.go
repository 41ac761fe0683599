// Package executor runs shell commands on behalf of the user and the agent.
package executor

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/m4xw311/hybridshell/errors"
	"github.com/m4xw311/hybridshell/logging"
)

var (
	// ErrUnavailable means the shell process could not be spawned at all.
	ErrUnavailable = errors.Sentinel("executor unavailable")
	// ErrTimeout means the command was killed at its deadline. It may have
	// partially run.
	ErrTimeout = errors.Sentinel("command timed out")
)

const (
	DefaultTimeout   = 60 * time.Second
	defaultMaxOutput = 50000
)

// Result is the outcome of one command. A non-zero ExitCode is data, not an
// error.
type Result struct {
	Command  string
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Executor is the command execution boundary.
type Executor interface {
	Execute(ctx context.Context, command string, timeout time.Duration) (Result, error)
}

// ShellExecutor runs commands through sh -c (cmd /C on Windows) in a
// working directory that persists across calls.
type ShellExecutor struct {
	mu        sync.RWMutex
	dir       string
	shell     []string
	maxOutput int
	log       *zap.Logger
}

type Option func(*ShellExecutor)

func WithDir(dir string) Option       { return func(e *ShellExecutor) { e.dir = dir } }
func WithLogger(l *zap.Logger) Option { return func(e *ShellExecutor) { e.log = logging.OrNop(l) } }
func WithMaxOutput(n int) Option      { return func(e *ShellExecutor) { e.maxOutput = n } }
func WithShell(argv ...string) Option { return func(e *ShellExecutor) { e.shell = argv } }

func NewShellExecutor(opts ...Option) *ShellExecutor {
	e := &ShellExecutor{
		shell:     defaultShell(),
		maxOutput: defaultMaxOutput,
		log:       zap.NewNop(),
	}
	if wd, err := os.Getwd(); err == nil {
		e.dir = wd
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func defaultShell() []string {
	if runtime.GOOS == "windows" {
		return []string{"cmd", "/C"}
	}
	return []string{"sh", "-c"}
}

// Dir returns the working directory commands run in.
func (e *ShellExecutor) Dir() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dir
}

// SetDir changes the working directory for later commands. A leading ~ is
// the home directory; relative paths resolve against the current directory.
func (e *ShellExecutor) SetDir(dir string) error {
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return errors.Wrapf(err, "cd %s", dir)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(e.Dir(), dir)
	}
	dir = filepath.Clean(dir)
	info, err := os.Stat(dir)
	if err != nil {
		return errors.Wrapf(err, "cd %s", dir)
	}
	if !info.IsDir() {
		return errors.New("cd %s: not a directory", dir)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dir = dir
	return nil
}

func (e *ShellExecutor) Execute(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := append(append([]string(nil), e.shell...), command)
	cmd := exec.CommandContext(execCtx, argv[0], argv[1:]...)
	cmd.Dir = e.Dir()
	cmd.Env = os.Environ()
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Command:  command,
		Stdout:   e.clip(stdout.String()),
		Stderr:   e.clip(stderr.String()),
		Duration: time.Since(start),
	}

	if err == nil {
		e.log.Debug("command completed", zap.String("command", command), zap.Duration("duration", res.Duration))
		return res, nil
	}

	var exitErr *exec.ExitError
	switch {
	case execCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		res.ExitCode = -1
		e.log.Warn("command timed out", zap.String("command", command), zap.Duration("timeout", timeout))
		return res, errors.Wrapf(ErrTimeout, "%s after %s", command, timeout)
	case ctx.Err() != nil:
		res.ExitCode = -1
		return res, ctx.Err()
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		e.log.Debug("command exited non-zero", zap.String("command", command), zap.Int("exit_code", res.ExitCode))
		return res, nil
	}
	e.log.Error("could not start shell", zap.Strings("shell", e.shell), zap.Error(err))
	return res, errors.Wrapf(errors.Join(ErrUnavailable, err), "could not run %q", command)
}

func (e *ShellExecutor) clip(s string) string {
	if e.maxOutput > 0 && len(s) > e.maxOutput {
		return s[:e.maxOutput] + "\n...[truncated]"
	}
	return s
}
