package backend

import (
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessStats is a point-in-time view of the child process, reported
// by node status queries.
type ProcessStats struct {
	PID        int     `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
}

// Stats samples CPU and memory for the backend's child. Returns nil when
// the backend has no live child (pane backends, exited children) or the
// process cannot be inspected.
func Stats(b Backend) *ProcessStats {
	pid := b.PID()
	if pid == 0 || !b.Alive() {
		return nil
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	stats := &ProcessStats{PID: pid}
	if cpu, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	return stats
}
