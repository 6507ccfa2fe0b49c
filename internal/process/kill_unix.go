//go:build !windows

package process

import (
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// terminateTree sends SIGTERM to the child's process group and to any
// descendant that moved to another group.
func terminateTree(pid int) []*gopsproc.Process {
	desc := descendants(pid)
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	for _, p := range desc {
		_ = p.Terminate()
	}
	return desc
}

// killTree force-kills the process group and the previously collected descendants.
func killTree(pid int, desc []*gopsproc.Process) {
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	for _, p := range desc {
		_ = p.Kill()
	}
}
