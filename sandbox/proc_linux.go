//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"

	"github.com/isdmx/execbox/monitor"
)

// userHZ is the kernel clock tick rate used by /proc accounting.
const userHZ = 100

// sampleProcess reads live resource usage for a running workload from
// procfs. Memory is the current resident set; CPU percent is the average
// over the process lifetime, which is the right shape for short-lived
// workloads sampled at a fixed interval.
func sampleProcess(pid int) (monitor.ResourceUsage, error) {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return monitor.ResourceUsage{}, fmt.Errorf("workload process is gone: %w", err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return monitor.ResourceUsage{}, fmt.Errorf("could not read process stat: %w", err)
	}

	usage := monitor.ResourceUsage{
		MemoryMB: float64(stat.ResidentMemory()) / (1024 * 1024),
	}
	if age := processAge(stat.Starttime); age > 0 {
		usage.CPUPercent = stat.CPUTime() / age * 100
	}
	return usage, nil
}

// processAge returns seconds since the process started, derived from the
// system uptime and the process start tick.
func processAge(starttime uint64) float64 {
	raw, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return 0
	}
	uptime, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return uptime - float64(starttime)/userHZ
}
