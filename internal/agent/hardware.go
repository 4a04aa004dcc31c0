package agent

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/shafraz007/endpoint-agent/internal/transport"
)

// CollectHardware builds the host profile sent during synchronization.
// Fields that cannot be read are left empty rather than failing the call;
// only a missing host name is an error.
func CollectHardware(ctx context.Context) (transport.HardwareInfo, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return transport.HardwareInfo{}, fmt.Errorf("unable to read hostname: %w", err)
	}

	info := transport.HardwareInfo{
		MachineName:    hostname,
		Architecture:   runtime.GOARCH,
		ProcessorCount: runtime.NumCPU(),
		Timezone:       getTimezone(),
		MACAddresses:   getMACAddresses(),
	}

	if hostInfo, err := host.InfoWithContext(ctx); err == nil {
		info.Platform = hostInfo.Platform
		info.OSVersion = strings.TrimSpace(fmt.Sprintf("%s %s", hostInfo.Platform, hostInfo.PlatformVersion))
		info.KernelVersion = hostInfo.KernelVersion
		info.BootTimeUnix = hostInfo.BootTime
	}
	if info.OSVersion == "" {
		info.OSVersion = runtime.GOOS
	}

	if counts, err := cpu.CountsWithContext(ctx, true); err == nil && counts > 0 {
		info.ProcessorCount = counts
	}
	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		info.ProcessorModel = strings.TrimSpace(cpus[0].ModelName)
	}
	if memStat, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.TotalMemoryBytes = memStat.Total
	}

	return info, nil
}

func getTimezone() string {
	name, _ := time.Now().Zone()
	return name
}

func getMACAddresses() []string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var macs []string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		macs = append(macs, fmt.Sprintf("%s (%s)", iface.HardwareAddr.String(), iface.Name))
	}
	return macs
}
