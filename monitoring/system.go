package monitoring

import (
	"os"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemStats is the process resource snapshot reported by /health.
type SystemStats struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
}

// CollectSystemStats samples process CPU and RSS. Falls back to system
// memory when the process handle is unavailable.
func CollectSystemStats() SystemStats {
	var stats SystemStats

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		if cpu, err := proc.CPUPercent(); err == nil {
			stats.CPUPercent = cpu
		}
		if memInfo, err := proc.MemoryInfo(); err == nil {
			stats.MemoryMB = float64(memInfo.RSS) / 1024 / 1024
			return stats
		}
	}

	if vmem, err := mem.VirtualMemory(); err == nil {
		stats.MemoryMB = float64(vmem.Used) / 1024 / 1024
	}
	return stats
}
