// Package sysinfo samples host-level resource usage for the status endpoint.
package sysinfo

import (
	"context"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

const gb = 1 << 30

// CPUInfo reports aggregate CPU usage.
type CPUInfo struct {
	UsagePercent float64 `json:"usage_percent"`
	Cores        int     `json:"cores"`
}

// MemoryInfo reports virtual memory usage.
type MemoryInfo struct {
	TotalGB      float64 `json:"total_gb"`
	UsedGB       float64 `json:"used_gb"`
	AvailableGB  float64 `json:"available_gb"`
	UsagePercent float64 `json:"usage_percent"`
}

// DiskInfo reports usage of one mount point.
type DiskInfo struct {
	Path         string  `json:"path"`
	TotalGB      float64 `json:"total_gb"`
	FreeGB       float64 `json:"free_gb"`
	UsagePercent float64 `json:"usage_percent"`
}

// Snapshot is one host sample. Probes that fail leave their section nil.
type Snapshot struct {
	Hostname   string      `json:"hostname,omitempty"`
	Goroutines int         `json:"goroutines"`
	CPU        *CPUInfo    `json:"cpu,omitempty"`
	Memory     *MemoryInfo `json:"memory,omitempty"`
	Disk       *DiskInfo   `json:"disk,omitempty"`
}

// Collector samples the host the service runs on.
type Collector struct {
	diskPath string
	logger   *zap.Logger
}

// New builds a Collector. diskPath defaults to the root filesystem.
func New(diskPath string, logger *zap.Logger) *Collector {
	if diskPath == "" {
		diskPath = "/"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{diskPath: diskPath, logger: logger}
}

// Collect gathers one snapshot. Individual probe failures are logged and
// leave their section nil rather than failing the whole sample.
func (c *Collector) Collect(ctx context.Context) Snapshot {
	snap := Snapshot{Goroutines: runtime.NumGoroutine()}
	if host, err := os.Hostname(); err == nil {
		snap.Hostname = host
	}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		c.logger.Debug("cpu probe failed", zap.Error(err))
	} else if len(percents) > 0 {
		cores, countErr := cpu.CountsWithContext(ctx, true)
		if countErr != nil {
			c.logger.Debug("cpu count probe failed", zap.Error(countErr))
		}
		snap.CPU = &CPUInfo{UsagePercent: percents[0], Cores: cores}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		c.logger.Debug("memory probe failed", zap.Error(err))
	} else {
		snap.Memory = &MemoryInfo{
			TotalGB:      float64(vm.Total) / gb,
			UsedGB:       float64(vm.Used) / gb,
			AvailableGB:  float64(vm.Available) / gb,
			UsagePercent: vm.UsedPercent,
		}
	}

	if du, err := disk.UsageWithContext(ctx, c.diskPath); err != nil {
		c.logger.Debug("disk probe failed", zap.String("path", c.diskPath), zap.Error(err))
	} else {
		snap.Disk = &DiskInfo{
			Path:         c.diskPath,
			TotalGB:      float64(du.Total) / gb,
			FreeGB:       float64(du.Free) / gb,
			UsagePercent: du.UsedPercent,
		}
	}

	return snap
}
