//go:build windows

package process

import (
	"os/exec"
	"strconv"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// terminateTree force-kills the whole tree with taskkill; console children of
// yarn.cmd do not react to a plain terminate of the parent.
func terminateTree(pid int) []*gopsproc.Process {
	desc := descendants(pid)
	// #nosec G204
	_ = exec.Command("taskkill", "/pid", strconv.Itoa(pid), "/f", "/t").Run()
	return desc
}

func killTree(pid int, desc []*gopsproc.Process) {
	for _, p := range desc {
		_ = p.Kill()
	}
}
