// Package command runs the external CLIs specflow depends on (git, gh and
// the agent) as subprocesses.
//
// Services never call os/exec directly; they take an Executor so tests can
// substitute a recording fake. A missing executable is reported as a
// ToolError carrying installation guidance, a context deadline as a
// TimeoutError, and a non-zero exit as *Error with the command output.
package command

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/Iron-Ham/specflow/internal/errors"
)

// Executor abstracts command execution for testability.
type Executor interface {
	// Run executes name with args in dir and returns combined output.
	Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error)
}

// Error is a command that ran and exited unsuccessfully.
type Error struct {
	Name     string
	Args     []string
	Output   string
	ExitCode int
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Name, strings.Join(e.Args, " "), e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// OutputOf returns the output captured in a *Error anywhere in err's chain.
func OutputOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Output
	}
	return ""
}

var installHints = map[string]string{
	"git":    "install git from https://git-scm.com/downloads",
	"gh":     "install the GitHub CLI from https://cli.github.com, then run: gh auth login",
	"claude": "install the agent CLI or set agent.command in your specflow config",
}

// InstallHint returns guidance for installing a missing tool.
func InstallHint(name string) string {
	if hint, ok := installHints[name]; ok {
		return hint
	}
	return fmt.Sprintf("install %s and make sure it is on your PATH", name)
}

// CLIExecutor executes commands using os/exec.
type CLIExecutor struct {
	// Env, when non-nil, replaces the inherited environment.
	Env []string
}

// NewCLIExecutor creates a new CLI command executor.
func NewCLIExecutor() *CLIExecutor {
	return &CLIExecutor{}
}

// Run executes a command and returns combined output.
func (e *CLIExecutor) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return nil, errors.NewToolNotFoundError(name, InstallHint(name))
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = dir
	if e.Env != nil {
		cmd.Env = e.Env
	}

	start := time.Now()
	out, err := cmd.CombinedOutput()
	if err == nil {
		return out, nil
	}

	if ctx.Err() == context.DeadlineExceeded {
		return out, errors.NewTimeoutError(name+" "+firstArg(args), time.Since(start)).WithCause(ctx.Err())
	}
	if ctx.Err() != nil {
		return out, ctx.Err()
	}

	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	return out, &Error{Name: name, Args: args, Output: string(out), ExitCode: code, Err: err}
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// Available reports whether name resolves on PATH.
func Available(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
