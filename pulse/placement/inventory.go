package placement

import (
	"context"
	"sort"
	"sync"

	"github.com/teranos/metronome/am"
	"github.com/teranos/metronome/internal/metrics"
)

// Inventory lists the hosts runs may be placed on
type Inventory interface {
	Hosts(ctx context.Context) ([]*Host, error)
}

// Static is an inventory declared in configuration.
// Update swaps the host list, e.g. on config reload.
type Static struct {
	mu    sync.RWMutex
	hosts []*Host
}

// NewStatic creates an inventory from [[placement.hosts]]
func NewStatic(hosts []am.HostConfig) *Static {
	s := &Static{}
	s.Update(hosts)
	return s
}

// NewStaticHosts creates an inventory from ready-made hosts
func NewStaticHosts(hosts ...*Host) *Static {
	return &Static{hosts: hosts}
}

// Update replaces the declared hosts
func (s *Static) Update(hosts []am.HostConfig) {
	converted := make([]*Host, 0, len(hosts))
	for _, hc := range hosts {
		converted = append(converted, HostFromConfig(hc))
	}
	sort.Slice(converted, func(i, j int) bool { return converted[i].ID < converted[j].ID })

	s.mu.Lock()
	s.hosts = converted
	s.mu.Unlock()
	metrics.InventoryHosts.WithLabelValues(string(HostReady)).Set(float64(len(converted)))
}

// OnConfigReload is an am.ReloadCallback keeping the inventory in sync with the file
func (s *Static) OnConfigReload(cfg *am.Config) error {
	s.Update(cfg.Placement.Hosts)
	return nil
}

// Hosts returns a snapshot of the declared hosts
func (s *Static) Hosts(ctx context.Context) ([]*Host, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Host, len(s.hosts))
	copy(out, s.hosts)
	return out, nil
}
