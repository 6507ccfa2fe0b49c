//go:build windows

package process

import "os/exec"

// shellCommand runs script through cmd.exe so .cmd launchers such as yarn.cmd resolve.
func shellCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command("cmd", "/c", script)
}
