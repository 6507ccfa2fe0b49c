package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/loykin/atpinstall/internal/env"
)

// Command describes one external program invocation.
// When Shell is set, Name is treated as a full shell script and Args are ignored.
type Command struct {
	Name  string
	Args  []string
	Dir   string
	Env   []string // extra "K=V" pairs layered on top of the runner's base env
	Shell bool
}

// String renders the command line the way it is shown in progress logs.
func (c Command) String() string {
	if c.Shell || len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Result holds captured output of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Lines returns the non-empty, trimmed lines of stdout.
func (r Result) Lines() []string {
	return SplitLines(r.Stdout)
}

// Runner executes a command to completion.
type Runner interface {
	Run(ctx context.Context, c Command) (Result, error)
}

// Func adapts a plain function to Runner.
type Func func(ctx context.Context, c Command) (Result, error)

func (f Func) Run(ctx context.Context, c Command) (Result, error) { return f(ctx, c) }

// ExecRunner runs commands through os/exec.
type ExecRunner struct {
	Env *env.Env
}

// New returns an ExecRunner that inherits the current process environment.
func New() *ExecRunner {
	return &ExecRunner{Env: env.New()}
}

func (r *ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	if strings.TrimSpace(c.Name) == "" {
		return Result{}, errors.New("command name is required")
	}
	var cmd *exec.Cmd
	if c.Shell {
		cmd = ShellCommand(ctx, c.Name)
	} else {
		// #nosec G204
		cmd = exec.CommandContext(ctx, c.Name, c.Args...)
	}
	cmd.Dir = c.Dir
	e := r.Env
	if e == nil {
		e = env.New()
	}
	cmd.Env = e.Merge(c.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	res.ExitCode = exitCode(err)
	if !c.Shell && errors.Is(err, exec.ErrNotFound) {
		err = &ToolMissingError{Tool: c.Name, Err: err}
	}
	return res, &ExternalCommandError{
		Command:  c.String(),
		Dir:      c.Dir,
		ExitCode: res.ExitCode,
		Stderr:   strings.TrimSpace(res.Stderr),
		Err:      err,
	}
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return 127
	}
	return -1
}

// ExternalCommandError reports a command that failed to start or exited non-zero.
type ExternalCommandError struct {
	Command  string
	Dir      string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExternalCommandError) Error() string {
	msg := fmt.Sprintf("command %q failed (exit %d)", e.Command, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExternalCommandError) Unwrap() error { return e.Err }

// StderrOf extracts captured stderr from an ExternalCommandError, or the error text otherwise.
func StderrOf(err error) string {
	if err == nil {
		return ""
	}
	var ce *ExternalCommandError
	if errors.As(err, &ce) && ce.Stderr != "" {
		return ce.Stderr
	}
	return err.Error()
}

// SplitLines splits s on newlines, trimming each line and dropping empty ones.
func SplitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
