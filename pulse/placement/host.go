// Package placement decides which host a run is launched on.
package placement

import (
	"time"

	"github.com/teranos/metronome/am"
)

// HostStatus is the health of a host as seen by its inventory
type HostStatus string

const (
	HostReady   HostStatus = "READY"
	HostOffline HostStatus = "OFFLINE" // heartbeat lease expired
)

// Built-in constraint attributes
const (
	AttrHostname = "hostname"
	AttrIP       = "ip"
	AttrID       = "id"
)

// Host is a machine runs can be placed on
type Host struct {
	ID            string            `json:"id"`
	Hostname      string            `json:"hostname"`
	IP            string            `json:"ip"`
	CPUs          float64           `json:"cpus"`
	Mem           int64             `json:"mem"`  // MB
	Disk          int64             `json:"disk"` // MB
	Attributes    map[string]string `json:"attributes,omitempty"`
	Status        HostStatus        `json:"status"`
	LastHeartbeat time.Time         `json:"lastHeartbeat,omitempty"`
}

// Attribute returns the value of a constraint attribute.
// Built-ins win over declared attributes of the same name.
func (h *Host) Attribute(name string) (string, bool) {
	switch name {
	case AttrHostname:
		return h.Hostname, true
	case AttrIP:
		return h.IP, true
	case AttrID:
		return h.ID, true
	}
	v, ok := h.Attributes[name]
	return v, ok
}

// Resources is an amount of cpu, memory and disk
type Resources struct {
	CPUs float64
	Mem  int64
	Disk int64
}

// Add returns r + o
func (r Resources) Add(o Resources) Resources {
	return Resources{CPUs: r.CPUs + o.CPUs, Mem: r.Mem + o.Mem, Disk: r.Disk + o.Disk}
}

// Allocations maps a host id to the resources held by its active runs
type Allocations map[string]Resources

// HostFromConfig converts a [[placement.hosts]] entry
func HostFromConfig(hc am.HostConfig) *Host {
	hostname := hc.Hostname
	if hostname == "" {
		hostname = hc.ID
	}
	attrs := make(map[string]string, len(hc.Attributes))
	for k, v := range hc.Attributes {
		attrs[k] = v
	}
	return &Host{
		ID:         hc.ID,
		Hostname:   hostname,
		IP:         hc.IP,
		CPUs:       hc.CPUs,
		Mem:        hc.Mem,
		Disk:       hc.Disk,
		Attributes: attrs,
		Status:     HostReady,
	}
}
