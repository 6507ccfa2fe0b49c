//go:build windows

package runner

import (
	"context"
	"os/exec"
)

// ShellCommand returns a command running script through the platform shell.
func ShellCommand(ctx context.Context, script string) *exec.Cmd {
	// #nosec G204
	return exec.CommandContext(ctx, "cmd", "/c", script)
}
