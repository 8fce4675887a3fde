// Package systeminfo describes the host a scan ran on.
package systeminfo

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"sigscan/logger"
	"sigscan/version"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

type SystemInfo struct {
	Hostname        string `json:"hostname,omitempty"`
	OS              string `json:"os"`
	Platform        string `json:"platform,omitempty"`
	PlatformVersion string `json:"platform_version,omitempty"`
	KernelVersion   string `json:"kernel_version,omitempty"`
	Arch            string `json:"arch"`
	CPUModel        string `json:"cpu_model,omitempty"`
	LogicalCPUs     int    `json:"logical_cpus"`
	TotalMemory     uint64 `json:"total_memory,omitempty"`
	AvailableMemory uint64 `json:"available_memory,omitempty"`
	GoVersion       string `json:"go_version"`
	EngineVersion   string `json:"engine_version"`
}

// GetSystemInfo gathers what it can. Individual probes that fail are logged
// and leave their fields empty.
func GetSystemInfo(ctx context.Context) *SystemInfo {
	info := &SystemInfo{
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
		LogicalCPUs:   runtime.NumCPU(),
		GoVersion:     runtime.Version(),
		EngineVersion: version.Version,
	}
	if err := gatherHost(ctx, info); err != nil {
		logger.Warnf("Failed to gather host info: %v", err)
	}
	if err := gatherCPU(ctx, info); err != nil {
		logger.Warnf("Failed to gather CPU info: %v", err)
	}
	if err := gatherMemory(ctx, info); err != nil {
		logger.Warnf("Failed to gather memory info: %v", err)
	}
	return info
}

func gatherHost(ctx context.Context, info *SystemInfo) error {
	h, err := host.InfoWithContext(ctx)
	if err != nil {
		return err
	}
	info.Hostname = h.Hostname
	info.Platform = h.Platform
	info.PlatformVersion = h.PlatformVersion
	info.KernelVersion = h.KernelVersion
	if h.KernelArch != "" {
		info.Arch = h.KernelArch
	}
	return nil
}

func gatherCPU(ctx context.Context, info *SystemInfo) error {
	if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
		info.LogicalCPUs = n
	}
	stats, err := cpu.InfoWithContext(ctx)
	if err != nil {
		return err
	}
	if len(stats) > 0 {
		info.CPUModel = strings.TrimSpace(stats[0].ModelName)
	}
	return nil
}

func gatherMemory(ctx context.Context, info *SystemInfo) error {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return err
	}
	info.TotalMemory = vm.Total
	info.AvailableMemory = vm.Available
	return nil
}

// String is a one-line summary for logs.
func (s *SystemInfo) String() string {
	if s == nil {
		return ""
	}
	platform := s.OS
	if s.Platform != "" {
		platform = strings.TrimSpace(s.Platform + " " + s.PlatformVersion)
	}
	line := fmt.Sprintf("%s/%s, %d CPUs", platform, s.Arch, s.LogicalCPUs)
	if s.TotalMemory > 0 {
		line += ", " + humanize.IBytes(s.TotalMemory) + " RAM"
	}
	return line
}
