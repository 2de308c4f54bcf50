package placement

import (
	"context"
	"net"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/teranos/metronome/errors"
)

// Local is a single-host inventory describing this machine
type Local struct {
	probe func(context.Context) (*Host, error)

	mu   sync.Mutex
	host *Host
}

// NewLocal creates an inventory of the machine the scheduler runs on
func NewLocal() *Local {
	return &Local{probe: DescribeLocalHost}
}

// Hosts returns this machine. The first successful probe is cached;
// a failed probe is retried on the next call.
func (l *Local) Hosts(ctx context.Context) ([]*Host, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.host == nil {
		h, err := l.probe(ctx)
		if err != nil {
			return nil, err
		}
		l.host = h
	}
	return []*Host{l.host}, nil
}

// DescribeLocalHost probes hostname, address and capacity of this machine
func DescribeLocalHost(ctx context.Context) (*Host, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read host info")
	}

	cpus, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count cpus")
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read memory")
	}

	var diskMB int64
	if usage, err := disk.UsageWithContext(ctx, "/"); err == nil {
		diskMB = int64(usage.Free / (1024 * 1024))
	}

	id := info.HostID
	if id == "" {
		id = info.Hostname
	}

	return &Host{
		ID:       info.Hostname,
		Hostname: info.Hostname,
		IP:       primaryIPv4(ctx),
		CPUs:     float64(cpus),
		Mem:      int64(vm.Total / (1024 * 1024)),
		Disk:     diskMB,
		Attributes: map[string]string{
			"os":       info.OS,
			"platform": info.Platform,
			"arch":     info.KernelArch,
			"host_id":  id,
		},
		Status: HostReady,
	}, nil
}

// primaryIPv4 returns the first non-loopback IPv4 address, or ""
func primaryIPv4(ctx context.Context) string {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if containsFlag(iface.Flags, "loopback") || !containsFlag(iface.Flags, "up") {
			continue
		}
		for _, addr := range iface.Addrs {
			ip, _, err := net.ParseCIDR(addr.Addr)
			if err != nil {
				continue
			}
			if v4 := ip.To4(); v4 != nil && !v4.IsLoopback() {
				return v4.String()
			}
		}
	}
	return ""
}

func containsFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}
