package agent

import (
	"context"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// heartbeat is the agent.heartbeat notification payload.
type heartbeat struct {
	Timestamp         int64   `json:"timestamp"`
	Nonce             string  `json:"nonce"`
	CPUPercent        float64 `json:"cpu_percent"`
	MemoryPercent     float64 `json:"memory_percent"`
	DiskPercent       float64 `json:"disk_percent"`
	UptimeSeconds     uint64  `json:"uptime_seconds"`
	ContainersRunning int     `json:"containers_running"`
	ContainersTotal   int     `json:"containers_total"`
}

// collectHeartbeat gathers host telemetry. Every probe is best effort, a
// failed probe reports zero rather than blocking the heartbeat.
func (a *Agent) collectHeartbeat(ctx context.Context) heartbeat {
	var hb heartbeat

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		hb.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		hb.MemoryPercent = vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		hb.DiskPercent = du.UsedPercent
	}
	if up, err := host.UptimeWithContext(ctx); err == nil {
		hb.UptimeSeconds = up
	}

	if a.docker != nil {
		if items, err := a.docker.ListContainers(ctx, true); err == nil {
			hb.ContainersTotal = len(items)
			for i := range items {
				if items[i].State == "running" {
					hb.ContainersRunning++
				}
			}
		}
	}
	return hb
}
