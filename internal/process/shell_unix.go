//go:build !windows

package process

import "os/exec"

// shellCommand runs script through /bin/sh so package-manager launchers resolve from PATH.
func shellCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command("/bin/sh", "-c", script)
}
