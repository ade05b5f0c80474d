// Package collector gathers the host facts reported at registration and the
// per-heartbeat resource counters. Uses gopsutil for cross-platform metrics.
package collector

import (
	"context"
	"encoding/json"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
)

// SystemInfo is the registration-time hardware snapshot.
type SystemInfo struct {
	OS       OSInfo          `json:"os"`
	CPU      CPUInfo         `json:"cpu"`
	Memory   MemoryInfo      `json:"memory"`
	Disks    []DiskInfo      `json:"disks"`
	Network  []NetworkIface  `json:"network"`
	Uptime   uint64          `json:"uptime_sec"`
	LoadAvg  json.RawMessage `json:"load_avg,omitempty"`
	BootTime uint64          `json:"boot_time"`
}

// OSInfo describes the operating system.
type OSInfo struct {
	Platform      string `json:"platform"`
	Family        string `json:"family"`
	Version       string `json:"version"`
	KernelVersion string `json:"kernel_version"`
	Arch          string `json:"arch"`
	Hostname      string `json:"hostname"`
}

// CPUInfo describes the processor.
type CPUInfo struct {
	Model         string  `json:"model"`
	PhysicalCores int     `json:"physical_cores"`
	LogicalCores  int     `json:"logical_cores"`
	MHz           float64 `json:"mhz"`
}

// MemoryInfo describes installed memory.
type MemoryInfo struct {
	Total uint64 `json:"total"`
	Swap  uint64 `json:"swap"`
}

// DiskInfo describes one mounted filesystem.
type DiskInfo struct {
	Device      string  `json:"device"`
	Mountpoint  string  `json:"mountpoint"`
	Fstype      string  `json:"fstype"`
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"used_percent"`
}

// NetworkIface describes one network interface.
type NetworkIface struct {
	Name  string   `json:"name"`
	MAC   string   `json:"mac"`
	Addrs []string `json:"addrs"`
}

// CollectSystemInfo gathers the full registration snapshot. Individual
// collector failures leave their section zeroed; the snapshot is best effort.
func CollectSystemInfo(ctx context.Context) *SystemInfo {
	info := &SystemInfo{}

	if h, err := host.InfoWithContext(ctx); err == nil {
		info.OS = OSInfo{
			Platform:      h.Platform,
			Family:        h.PlatformFamily,
			Version:       h.PlatformVersion,
			KernelVersion: h.KernelVersion,
			Arch:          runtime.GOARCH,
			Hostname:      h.Hostname,
		}
		info.Uptime = h.Uptime
		info.BootTime = h.BootTime
	}

	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		physical, _ := cpu.CountsWithContext(ctx, false)
		logical, _ := cpu.CountsWithContext(ctx, true)
		info.CPU = CPUInfo{
			Model:         infos[0].ModelName,
			PhysicalCores: physical,
			LogicalCores:  logical,
			MHz:           infos[0].Mhz,
		}
	}

	if v, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.Memory.Total = v.Total
	}
	if s, err := mem.SwapMemoryWithContext(ctx); err == nil {
		info.Memory.Swap = s.Total
	}

	info.Disks = collectDisks(ctx)

	if ifaces, err := psnet.InterfacesWithContext(ctx); err == nil {
		for _, iface := range ifaces {
			if len(iface.Addrs) == 0 {
				continue
			}
			ni := NetworkIface{Name: iface.Name, MAC: iface.HardwareAddr}
			for _, a := range iface.Addrs {
				ni.Addrs = append(ni.Addrs, a.Addr)
			}
			info.Network = append(info.Network, ni)
		}
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		raw, _ := json.Marshal(avg)
		info.LoadAvg = raw
	}

	return info
}

// Marshal serializes the snapshot for the register frame.
func (s *SystemInfo) Marshal() json.RawMessage {
	raw, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}

func collectDisks(ctx context.Context) []DiskInfo {
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil
	}
	var out []DiskInfo
	for _, p := range parts {
		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil {
			continue
		}
		out = append(out, DiskInfo{
			Device:      p.Device,
			Mountpoint:  p.Mountpoint,
			Fstype:      p.Fstype,
			Total:       usage.Total,
			Used:        usage.Used,
			UsedPercent: usage.UsedPercent,
		})
	}
	return out
}

// ResourceSnapshot is the per-heartbeat counter set.
type ResourceSnapshot struct {
	CPUUsage        float64         `json:"cpu_usage"`
	MemoryUsage     float64         `json:"memory_usage"`
	MemoryTotal     uint64          `json:"memory_total"`
	MemoryUsed      uint64          `json:"memory_used"`
	MemoryAvailable uint64          `json:"memory_available"`
	DiskInfo        json.RawMessage `json:"disk_info,omitempty"`
}

// CollectResources gathers the heartbeat counters. The CPU measurement is
// instantaneous; the first sample after start may read zero.
func CollectResources(ctx context.Context) *ResourceSnapshot {
	snap := &ResourceSnapshot{}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		snap.CPUUsage = pct[0]
	}
	if v, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryUsage = v.UsedPercent
		snap.MemoryTotal = v.Total
		snap.MemoryUsed = v.Used
		snap.MemoryAvailable = v.Available
	}
	if disks := collectDisks(ctx); len(disks) > 0 {
		raw, err := json.Marshal(disks)
		if err == nil {
			snap.DiskInfo = raw
		}
	}
	return snap
}

// SampleCPUBlocking measures CPU over a real interval, priming gopsutil's
// delta state before the non-blocking per-heartbeat reads.
func SampleCPUBlocking(ctx context.Context, interval time.Duration) float64 {
	pct, err := cpu.PercentWithContext(ctx, interval, false)
	if err != nil || len(pct) == 0 {
		return 0
	}
	return pct[0]
}
