package placement

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/teranos/metronome/am"
	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/internal/metrics"
	"github.com/teranos/metronome/logger"
)

// NewEtcdClient connects to the configured etcd endpoints
func NewEtcdClient(cfg am.EtcdConfig) (*clientv3.Client, error) {
	dial := time.Duration(cfg.DialTimeoutSeconds) * time.Second
	if dial <= 0 {
		dial = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dial,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to etcd %s", strings.Join(cfg.Endpoints, ","))
	}
	return cli, nil
}

// EtcdRegistry is an inventory of hosts registered by agents under a key
// prefix. Each registration is bound to a lease, so a host whose agent dies
// disappears once the lease expires. Hosts whose last heartbeat is older
// than the TTL are reported OFFLINE until then.
type EtcdRegistry struct {
	client    *clientv3.Client
	prefix    string
	ttl       time.Duration
	heartbeat time.Duration
	logger    *zap.SugaredLogger
	now       func() time.Time
}

// NewEtcdRegistry creates a registry on an existing client
func NewEtcdRegistry(client *clientv3.Client, cfg am.EtcdConfig, log *zap.SugaredLogger) *EtcdRegistry {
	if log == nil {
		log = logger.Logger
	}
	prefix := cfg.Prefix
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	hb := time.Duration(cfg.HeartbeatSeconds) * time.Second
	if hb <= 0 || hb >= ttl {
		hb = ttl / 3
	}
	return &EtcdRegistry{
		client:    client,
		prefix:    prefix,
		ttl:       ttl,
		heartbeat: hb,
		logger:    log.Named("registry"),
		now:       time.Now,
	}
}

// Hosts lists registered hosts
func (r *EtcdRegistry) Hosts(ctx context.Context) ([]*Host, error) {
	resp, err := r.client.Get(ctx, r.prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list hosts from etcd")
	}

	hosts := make([]*Host, 0, len(resp.Kvs))
	ready := 0
	for _, kv := range resp.Kvs {
		var h Host
		if err := json.Unmarshal(kv.Value, &h); err != nil {
			r.logger.Warnw("Skipping malformed host registration", "key", string(kv.Key), "error", err)
			continue
		}
		if r.now().Sub(h.LastHeartbeat) > r.ttl {
			h.Status = HostOffline
		}
		if h.Status == HostReady {
			ready++
		}
		hosts = append(hosts, &h)
	}

	metrics.InventoryHosts.WithLabelValues(string(HostReady)).Set(float64(ready))
	metrics.InventoryHosts.WithLabelValues(string(HostOffline)).Set(float64(len(hosts) - ready))
	return hosts, nil
}

// Register publishes h under a lease and refreshes it every heartbeat until
// ctx is cancelled. The registration is revoked on return.
func (r *EtcdRegistry) Register(ctx context.Context, h *Host) error {
	lease, err := r.client.Grant(ctx, int64(r.ttl/time.Second))
	if err != nil {
		return errors.Wrap(err, "failed to grant etcd lease")
	}
	defer func() {
		revokeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := r.client.Revoke(revokeCtx, lease.ID); err != nil {
			r.logger.Warnw("Failed to revoke host lease", logger.FieldHost, h.ID, "error", err)
		}
	}()

	keepAlive, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return errors.Wrap(err, "failed to keep etcd lease alive")
	}

	if err := r.put(ctx, h, lease.ID); err != nil {
		return err
	}
	logger.PulseOpenInfow(r.logger, "Host registered", logger.FieldHost, h.ID, "ttl", r.ttl)

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.PulseCloseInfow(r.logger, "Host deregistered", logger.FieldHost, h.ID)
			return nil
		case _, ok := <-keepAlive:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.Newf("etcd lease for host %s was lost", h.ID)
			}
		case <-ticker.C:
			if err := r.put(ctx, h, lease.ID); err != nil && ctx.Err() == nil {
				r.logger.Warnw("Host heartbeat failed", logger.FieldHost, h.ID, "error", err)
			}
		}
	}
}

func (r *EtcdRegistry) put(ctx context.Context, h *Host, lease clientv3.LeaseID) error {
	h.Status = HostReady
	h.LastHeartbeat = r.now().UTC()
	data, err := json.Marshal(h)
	if err != nil {
		return errors.Wrap(err, "failed to encode host")
	}
	if _, err := r.client.Put(ctx, r.prefix+h.ID, string(data), clientv3.WithLease(lease)); err != nil {
		return errors.Wrapf(err, "failed to register host %s", h.ID)
	}
	return nil
}
