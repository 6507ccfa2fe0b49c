package process

import (
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Usage is a resource sample of a running dev target and its descendants.
type Usage struct {
	PID        int     `json:"pid"`
	Processes  int     `json:"processes"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
}

// descendants returns every live descendant of pid, depth first.
func descendants(pid int) []*gopsproc.Process {
	root, err := gopsproc.NewProcess(int32(pid)) // #nosec G115
	if err != nil {
		return nil
	}
	var out []*gopsproc.Process
	var walk func(p *gopsproc.Process)
	walk = func(p *gopsproc.Process) {
		children, err := p.Children()
		if err != nil {
			return
		}
		for _, c := range children {
			out = append(out, c)
			walk(c)
		}
	}
	walk(root)
	return out
}

func sampleTree(pid int) (Usage, error) {
	root, err := gopsproc.NewProcess(int32(pid)) // #nosec G115
	if err != nil {
		return Usage{}, err
	}
	u := Usage{PID: pid}
	for _, p := range append([]*gopsproc.Process{root}, descendants(pid)...) {
		u.Processes++
		if cpu, err := p.CPUPercent(); err == nil {
			u.CPUPercent += cpu
		}
		if mem, err := p.MemoryInfo(); err == nil && mem != nil {
			u.RSSBytes += mem.RSS
		}
	}
	return u, nil
}
