package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

// ToolMissingError reports a required CLI tool that could not be located.
type ToolMissingError struct {
	Tool     string
	Searched []string
	Err      error
}

func (e *ToolMissingError) Error() string {
	if len(e.Searched) == 0 {
		return fmt.Sprintf("%s not found in PATH", e.Tool)
	}
	return fmt.Sprintf("%s not found in PATH or %s", e.Tool, strings.Join(e.Searched, ", "))
}

func (e *ToolMissingError) Unwrap() error { return e.Err }

// ErrUnknownTool is returned for a tool id outside Prerequisites.
var ErrUnknownTool = errors.New("unknown tool")

// Locate returns the first of tool and candidates for which
// "<bin> --version" succeeds, or a ToolMissingError.
func Locate(ctx context.Context, r Runner, tool string, candidates ...string) (string, error) {
	bin, _, err := locate(ctx, r, tool, candidates)
	return bin, err
}

func locate(ctx context.Context, r Runner, tool string, candidates []string) (string, Result, error) {
	var firstErr error
	for _, bin := range append([]string{tool}, candidates...) {
		res, err := r.Run(ctx, Command{Name: bin, Args: []string{"--version"}})
		if err == nil {
			return bin, res, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return "", Result{}, &ToolMissingError{Tool: tool, Searched: candidates, Err: firstErr}
}

// PsqlCandidates lists common Windows install locations for psql.
var PsqlCandidates = []string{
	`C:\Program Files\PostgreSQL\17\bin\psql.exe`,
	`C:\Program Files\PostgreSQL\16\bin\psql.exe`,
	`C:\Program Files\PostgreSQL\15\bin\psql.exe`,
}

// Tool describes a prerequisite command line tool.
type Tool struct {
	ID          string `json:"tool"`
	Name        string `json:"name"`
	Description string `json:"description"`
	WingetID    string `json:"wingetId,omitempty"`
	// Candidates are absolute paths tried when the tool is not on PATH.
	Candidates []string `json:"-"`
}

// ToolStatus is the outcome of probing one Tool.
type ToolStatus struct {
	Tool
	Installed bool   `json:"installed"`
	Path      string `json:"path,omitempty"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Prerequisites are the tools an installation needs.
var Prerequisites = []Tool{
	{ID: "node", Name: "Node.js", WingetID: "OpenJS.NodeJS.LTS",
		Description: "The engine used to run the application's code and its development tools."},
	{ID: "git", Name: "Git", WingetID: "Git.Git",
		Description: "A tool for downloading and managing the application's source code files."},
	{ID: "yarn", Name: "Yarn", WingetID: "Yarn.Yarn",
		Description: "A package manager that helps install and organize all the libraries the application needs."},
	{ID: "psql", Name: "PostgreSQL", WingetID: "PostgreSQL.PostgreSQL.16", Candidates: PsqlCandidates,
		Description: "A database tool used to manage your local data storage."},
	{ID: "aws", Name: "AWS CLI", WingetID: "Amazon.AWSCLI",
		Description: "A command-line tool for interacting with Amazon Web Services where your app will be deployed."},
}

// CheckTool locates t and reports the first line of its version output.
func CheckTool(ctx context.Context, r Runner, t Tool) ToolStatus {
	st := ToolStatus{Tool: t}
	bin, res, err := locate(ctx, r, t.ID, t.Candidates)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.Installed = true
	st.Path = bin
	if lines := res.Lines(); len(lines) > 0 {
		st.Version = lines[0]
	}
	return st
}

// CheckTools probes tools concurrently; results keep the order of tools.
func CheckTools(ctx context.Context, r Runner, tools []Tool) []ToolStatus {
	out := make([]ToolStatus, len(tools))
	var g errgroup.Group
	for i, t := range tools {
		g.Go(func() error {
			out[i] = CheckTool(ctx, r, t)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// LookupTool returns the prerequisite with id.
func LookupTool(id string) (Tool, error) {
	for _, t := range Prerequisites {
		if t.ID == id {
			return t, nil
		}
	}
	return Tool{}, fmt.Errorf("%w %q", ErrUnknownTool, id)
}

// InstallCommand is the winget invocation that installs t.
func InstallCommand(t Tool) Command {
	return Command{Name: "winget", Args: []string{
		"install", "--id", t.WingetID, "-e", "--source", "winget",
		"--accept-source-agreements", "--accept-package-agreements",
	}}
}

// InstallTool installs the prerequisite id with winget. A missing winget
// surfaces as ToolMissingError.
func InstallTool(ctx context.Context, r Runner, id string) error {
	t, err := LookupTool(id)
	if err != nil {
		return err
	}
	if t.WingetID == "" {
		return fmt.Errorf("%s has no winget package", t.ID)
	}
	if _, err := r.Run(ctx, InstallCommand(t)); err != nil {
		return fmt.Errorf("install %s: %w", t.Name, err)
	}
	return nil
}
