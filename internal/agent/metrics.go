package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/shafraz007/endpoint-agent/internal/config"
	"github.com/shafraz007/endpoint-agent/internal/telemetry"
)

type source func(ctx context.Context, now time.Time) ([]telemetry.Metric, error)

// MetricsCollector samples host telemetry with gopsutil. Only the
// collectors named in the allow-list run; an empty list collects nothing.
type MetricsCollector struct {
	now     func() time.Time
	sources map[string]source
	order   []string

	mu       sync.Mutex
	lastNet  map[string]gnet.IOCountersStat
	lastTime time.Time
}

func NewMetricsCollector() *MetricsCollector {
	c := &MetricsCollector{
		now:     func() time.Time { return time.Now().UTC() },
		lastNet: map[string]gnet.IOCountersStat{},
	}
	c.sources = map[string]source{
		config.CollectorCPU:     collectCPU,
		config.CollectorMemory:  collectMemory,
		config.CollectorDisk:    collectDisk,
		config.CollectorNetwork: c.collectNetwork,
		config.CollectorUptime:  collectUptime,
		config.CollectorProcess: collectProcessCount,
	}
	c.order = []string{
		config.CollectorCPU,
		config.CollectorMemory,
		config.CollectorDisk,
		config.CollectorNetwork,
		config.CollectorUptime,
		config.CollectorProcess,
	}
	return c
}

// Collect runs every allowed collector. A failing collector does not stop
// the others; its error is joined into the returned error alongside the
// metrics that were gathered.
func (c *MetricsCollector) Collect(ctx context.Context, allowed []string) ([]telemetry.Metric, error) {
	enabled := map[string]bool{}
	for _, name := range allowed {
		enabled[strings.ToLower(strings.TrimSpace(name))] = true
	}
	if len(enabled) == 0 {
		return nil, nil
	}

	now := c.now()
	var (
		metrics []telemetry.Metric
		errs    []error
	)
	for _, name := range c.order {
		if !enabled[name] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return metrics, err
		}
		sampled, err := c.sources[name](ctx, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		metrics = append(metrics, sampled...)
	}
	return metrics, errors.Join(errs...)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func collectCPU(ctx context.Context, now time.Time) ([]telemetry.Metric, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("failed to read cpu percent: %w", err)
	}
	if len(percents) == 0 {
		return nil, errors.New("failed to read cpu percent")
	}
	return []telemetry.Metric{{
		Type:         config.CollectorCPU,
		Name:         "total",
		Value:        round2(percents[0]),
		Unit:         "%",
		TimestampUTC: now,
	}}, nil
}

func collectMemory(ctx context.Context, now time.Time) ([]telemetry.Metric, error) {
	memStat, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory stats: %w", err)
	}
	return []telemetry.Metric{{
		Type:         config.CollectorMemory,
		Name:         "total",
		Value:        round2(memStat.UsedPercent),
		Unit:         "%",
		TimestampUTC: now,
		Metadata: map[string]any{
			"usedBytes":      memStat.Used,
			"totalBytes":     memStat.Total,
			"availableBytes": memStat.Available,
		},
	}}, nil
}

func collectDisk(ctx context.Context, now time.Time) ([]telemetry.Metric, error) {
	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}

	var metrics []telemetry.Metric
	seen := map[string]bool{}
	for _, p := range partitions {
		if seen[p.Mountpoint] {
			continue
		}
		seen[p.Mountpoint] = true

		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil || usage.Total == 0 {
			continue
		}
		metrics = append(metrics, telemetry.Metric{
			Type:         config.CollectorDisk,
			Name:         strings.TrimRight(p.Mountpoint, `\`),
			Value:        round2(usage.UsedPercent),
			Unit:         "%",
			TimestampUTC: now,
			Metadata: map[string]any{
				"fsType":     usage.Fstype,
				"totalBytes": usage.Total,
				"usedBytes":  usage.Used,
				"freeBytes":  usage.Free,
			},
		})
	}
	return metrics, nil
}

// collectNetwork reports received MB per interface plus per-second rates
// since the previous sample.
func (c *MetricsCollector) collectNetwork(ctx context.Context, now time.Time) ([]telemetry.Metric, error) {
	stats, err := gnet.IOCountersWithContext(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to read network stats: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := now.Sub(c.lastTime).Seconds()
	metrics := make([]telemetry.Metric, 0, len(stats))
	for _, current := range stats {
		if current.Name == "lo" || strings.HasPrefix(strings.ToLower(current.Name), "loopback") {
			continue
		}
		metadata := map[string]any{
			"bytesSent":     current.BytesSent,
			"bytesReceived": current.BytesRecv,
		}
		if last, ok := c.lastNet[current.Name]; ok && elapsed > 0 {
			metadata["bytesSentPerSec"] = round2(float64(current.BytesSent-last.BytesSent) / elapsed)
			metadata["bytesRecvPerSec"] = round2(float64(current.BytesRecv-last.BytesRecv) / elapsed)
		}
		c.lastNet[current.Name] = current

		metrics = append(metrics, telemetry.Metric{
			Type:         config.CollectorNetwork,
			Name:         current.Name,
			Value:        round2(float64(current.BytesRecv) / (1024 * 1024)),
			Unit:         "MB",
			TimestampUTC: now,
			Metadata:     metadata,
		})
	}
	c.lastTime = now
	return metrics, nil
}

func collectUptime(ctx context.Context, now time.Time) ([]telemetry.Metric, error) {
	seconds, err := host.UptimeWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read uptime: %w", err)
	}
	return []telemetry.Metric{{
		Type:         config.CollectorUptime,
		Name:         "system",
		Value:        round2(float64(seconds) / 3600),
		Unit:         "hours",
		TimestampUTC: now,
	}}, nil
}

func collectProcessCount(ctx context.Context, now time.Time) ([]telemetry.Metric, error) {
	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}
	return []telemetry.Metric{{
		Type:         config.CollectorProcess,
		Name:         "total",
		Value:        float64(len(pids)),
		Unit:         "count",
		TimestampUTC: now,
	}}, nil
}
