// Package stats samples cpu and memory usage for the host and for single
// processes. The supervisor reports host usage from info(); each worker
// reports its own process usage through getProcessStats.
package stats

import (
	"context"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// CPU is a point-in-time cpu usage sample.
type CPU struct {
	// UsedPercent is the usage since the previous sample, 0-100.
	UsedPercent float64 `json:"usedPercent"`

	// UsedNS is the cumulative cpu time consumed, in nanoseconds.
	UsedNS uint64 `json:"usedNs"`
}

// Memory is a point-in-time memory usage sample.
type Memory struct {
	UsedPercent float64 `json:"usedPercent"`
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	Used        uint64  `json:"used"`
}

// Snapshot combines one cpu and one memory sample.
type Snapshot struct {
	CPU    CPU    `json:"cpu"`
	Memory Memory `json:"memory"`
}

// Host samples whole-host usage. The first call's UsedPercent covers the
// interval since boot; subsequent calls cover the interval since the
// previous call.
func Host(ctx context.Context) (Snapshot, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Snapshot{}, fmt.Errorf("stats: host cpu percent: %w", err)
	}
	var usedPercent float64
	if len(percents) > 0 {
		usedPercent = percents[0]
	}

	times, err := cpu.TimesWithContext(ctx, false)
	if err != nil {
		return Snapshot{}, fmt.Errorf("stats: host cpu times: %w", err)
	}
	var usedNS uint64
	if len(times) > 0 {
		t := times[0]
		busy := t.User + t.System + t.Nice + t.Iowait + t.Irq + t.Softirq + t.Steal
		usedNS = uint64(busy * 1e9)
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("stats: host memory: %w", err)
	}

	return Snapshot{
		CPU: CPU{UsedPercent: usedPercent, UsedNS: usedNS},
		Memory: Memory{
			UsedPercent: vm.UsedPercent,
			Total:       vm.Total,
			Free:        vm.Free,
			Used:        vm.Used,
		},
	}, nil
}

// Self samples the current process's usage. Memory totals come from the
// host; Used and UsedPercent are the process's resident share.
func Self(ctx context.Context) (Snapshot, error) {
	return Process(ctx, os.Getpid())
}

// Process samples the usage of an arbitrary pid.
func Process(ctx context.Context, pid int) (Snapshot, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Snapshot{}, fmt.Errorf("stats: process %d: %w", pid, err)
	}

	usedPercent, err := p.CPUPercentWithContext(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("stats: process %d cpu percent: %w", pid, err)
	}
	times, err := p.TimesWithContext(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("stats: process %d cpu times: %w", pid, err)
	}
	memPercent, err := p.MemoryPercentWithContext(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("stats: process %d memory percent: %w", pid, err)
	}
	memInfo, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("stats: process %d memory info: %w", pid, err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("stats: host memory: %w", err)
	}

	return Snapshot{
		CPU: CPU{
			UsedPercent: usedPercent,
			UsedNS:      uint64((times.User + times.System) * 1e9),
		},
		Memory: Memory{
			UsedPercent: float64(memPercent),
			Total:       vm.Total,
			Free:        vm.Free,
			Used:        memInfo.RSS,
		},
	}, nil
}
