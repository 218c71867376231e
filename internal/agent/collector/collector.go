// Package collector samples system resource usage with gopsutil.
package collector

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/pacphi/sindri-console/internal/protocol"
)

// Collector gathers metric and heartbeat samples on demand. It keeps the
// previous CPU-time and disk-counter readings so steal percentage and disk
// throughput can be reported as deltas between ticks; the first sample
// reports zero for both.
type Collector struct {
	instanceID string
	startTime  time.Time

	prevCPUTimes  *cpu.TimesStat
	prevDiskRead  uint64
	prevDiskWrite uint64
	hasDiskPrev   bool
}

// New creates a Collector for the given instance.
func New(instanceID string) *Collector {
	return &Collector{
		instanceID: instanceID,
		startTime:  time.Now(),
	}
}

// Collect gathers a full metrics sample. CPU and memory failures are
// reported as errors; disk and network are best-effort.
func (c *Collector) Collect(ctx context.Context) (*protocol.Metrics, error) {
	sample := &protocol.Metrics{
		InstanceID: c.instanceID,
		Timestamp:  time.Now().UTC(),
	}

	cpuStats, err := c.collectCPU(ctx)
	if err != nil {
		return nil, fmt.Errorf("collecting CPU metrics: %w", err)
	}
	sample.CPU = cpuStats

	memStats, err := collectMemory()
	if err != nil {
		return nil, fmt.Errorf("collecting memory metrics: %w", err)
	}
	sample.Memory = memStats

	if disks, err := collectDisk(); err == nil {
		sample.Disk = disks
	}
	sample.DiskIO = c.collectDiskIO()

	if netStats, err := collectNetwork(); err == nil {
		sample.Network = netStats
	}

	return sample, nil
}

// Heartbeat gathers the lightweight liveness snapshot: instant CPU usage,
// memory, root-filesystem usage, and process uptime.
func (c *Collector) Heartbeat(ctx context.Context) (*protocol.Heartbeat, error) {
	hb := &protocol.Heartbeat{
		InstanceID:    c.instanceID,
		Timestamp:     time.Now().UTC(),
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
	}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		hb.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		hb.MemUsedBytes = vm.Used
		hb.MemTotalBytes = vm.Total
	}
	if usage, err := disk.Usage("/"); err == nil {
		hb.DiskUsedBytes = usage.Used
		hb.DiskTotalBytes = usage.Total
	}

	return hb, nil
}

func (c *Collector) collectCPU(ctx context.Context) (protocol.CPUStats, error) {
	stats := protocol.CPUStats{
		CoreCount: runtime.NumCPU(),
	}

	// Overall usage over a 1s window.
	percents, err := cpu.PercentWithContext(ctx, time.Second, false)
	if err != nil {
		return stats, err
	}
	if len(percents) > 0 {
		stats.UsagePercent = percents[0]
	}

	if perCore, err := cpu.PercentWithContext(ctx, 0, true); err == nil {
		stats.PerCore = perCore
	}

	// Steal percentage from the delta of cumulative CPU times.
	if times, err := cpu.TimesWithContext(ctx, false); err == nil && len(times) > 0 {
		cur := times[0]
		if c.prevCPUTimes != nil {
			stats.StealPercent = stealPercent(*c.prevCPUTimes, cur)
		}
		c.prevCPUTimes = &cur
	}

	// Load averages; zeros on platforms without them.
	if avg, err := load.Avg(); err == nil {
		stats.LoadAvg1 = avg.Load1
		stats.LoadAvg5 = avg.Load5
		stats.LoadAvg15 = avg.Load15
	}

	return stats, nil
}

func stealPercent(prev, cur cpu.TimesStat) float64 {
	dSteal := cur.Steal - prev.Steal
	dTotal := cur.Total() - prev.Total()
	if dTotal <= 0 || dSteal <= 0 {
		return 0
	}
	return dSteal / dTotal * 100
}

func collectMemory() (protocol.MemStats, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return protocol.MemStats{}, err
	}
	stats := protocol.MemStats{
		TotalBytes:   vm.Total,
		UsedBytes:    vm.Used,
		FreeBytes:    vm.Free,
		CachedBytes:  vm.Cached,
		UsagePercent: vm.UsedPercent,
	}

	if swap, err := mem.SwapMemory(); err == nil {
		stats.SwapTotalBytes = swap.Total
		stats.SwapUsedBytes = swap.Used
	}

	return stats, nil
}

func collectDisk() ([]protocol.DiskStat, error) {
	partitions, err := disk.Partitions(false)
	if err != nil {
		return nil, err
	}

	var result []protocol.DiskStat
	for _, p := range partitions {
		usage, err := disk.Usage(p.Mountpoint)
		if err != nil {
			continue // skip unreadable mounts
		}
		result = append(result, protocol.DiskStat{
			MountPoint:   p.Mountpoint,
			Device:       p.Device,
			FSType:       p.Fstype,
			TotalBytes:   usage.Total,
			UsedBytes:    usage.Used,
			FreeBytes:    usage.Free,
			UsagePercent: usage.UsedPercent,
		})
	}
	return result, nil
}

func (c *Collector) collectDiskIO() protocol.DiskIO {
	counters, err := disk.IOCounters()
	if err != nil {
		return protocol.DiskIO{}
	}

	var read, write uint64
	for _, ctr := range counters {
		read += ctr.ReadBytes
		write += ctr.WriteBytes
	}

	var io protocol.DiskIO
	if c.hasDiskPrev && read >= c.prevDiskRead && write >= c.prevDiskWrite {
		io.ReadBytes = read - c.prevDiskRead
		io.WriteBytes = write - c.prevDiskWrite
	}
	c.prevDiskRead = read
	c.prevDiskWrite = write
	c.hasDiskPrev = true
	return io
}

func collectNetwork() (protocol.NetStats, error) {
	counters, err := psnet.IOCounters(false) // aggregate all interfaces
	if err != nil || len(counters) == 0 {
		return protocol.NetStats{}, err
	}
	agg := counters[0]
	return protocol.NetStats{
		BytesSent:   agg.BytesSent,
		BytesRecv:   agg.BytesRecv,
		PacketsSent: agg.PacketsSent,
		PacketsRecv: agg.PacketsRecv,
	}, nil
}
