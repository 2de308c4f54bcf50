package commands

import (
	"context"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/teranos/metronome/am"
	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/pulse/events"
	"github.com/teranos/metronome/pulse/executor"
	"github.com/teranos/metronome/pulse/placement"
)

// needsEtcd reports whether the configuration talks to etcd
func needsEtcd(cfg *am.Config) bool {
	return cfg.Placement.Inventory == "etcd" || cfg.Executor.Backend == "agent"
}

// buildInventory returns the configured host inventory. The static
// inventory is also returned on its own so config reloads can update it.
func buildInventory(cfg *am.Config, etcd *clientv3.Client, log *zap.SugaredLogger) (placement.Inventory, *placement.Static, error) {
	switch cfg.Placement.Inventory {
	case "", "static":
		static := placement.NewStatic(cfg.Placement.Hosts)
		return static, static, nil
	case "local":
		return placement.NewLocal(), nil, nil
	case "etcd":
		if etcd == nil {
			return nil, nil, errors.New("etcd inventory needs an etcd client")
		}
		return placement.NewEtcdRegistry(etcd, cfg.Placement.Etcd, log), nil, nil
	default:
		return nil, nil, errors.Newf("unknown inventory %q (supported: static, local, etcd)", cfg.Placement.Inventory)
	}
}

// backends holds the launch backends built from configuration
type backends struct {
	registry *executor.Registry
	remote   *executor.Remote // set for the agent backend; Start must run
	docker   *executor.Docker // set when docker is registered; Close on exit
}

func (b *backends) Close() {
	if b.docker != nil {
		_ = b.docker.Close()
	}
}

// buildExecutor registers the configured default backend. Docker is
// registered next to local so jobs with an image run in containers.
func buildExecutor(cfg *am.Config, etcd *clientv3.Client, log *zap.SugaredLogger) (*backends, error) {
	name := cfg.Executor.Backend
	if name == "" {
		name = "local"
	}
	b := &backends{registry: executor.NewRegistry(name)}
	switch name {
	case "local":
		b.registry.Register(executor.NewLocal(log))
		b.docker = executor.NewDocker(cfg.Executor.Docker, log)
		b.registry.Register(b.docker)
	case "docker":
		b.docker = executor.NewDocker(cfg.Executor.Docker, log)
		b.registry.Register(b.docker)
	case "agent":
		if etcd == nil {
			return nil, errors.New("agent backend needs an etcd client")
		}
		b.remote = executor.NewRemote(etcd, cfg.Placement.Etcd, log)
		b.registry.Register(b.remote)
	case "noop":
		b.registry.Register(executor.NewNoop())
	default:
		return nil, errors.Newf("unknown executor backend %q (supported: local, docker, agent, noop)", cfg.Executor.Backend)
	}
	return b, nil
}

// buildPublisher fans run events out to the in-process bus and, when
// configured, to NATS. The returned close func is never nil.
func buildPublisher(cfg *am.Config, log *zap.SugaredLogger) (*events.Bus, events.Publisher, func(), error) {
	bus := events.NewBus()
	if cfg.Events.NATSURL == "" {
		return bus, bus, func() {}, nil
	}
	nc, err := events.ConnectNATS(cfg.Events.NATSURL, cfg.Events.NATSSubject, log)
	if err != nil {
		return nil, nil, nil, err
	}
	return bus, events.Multi{bus, nc}, func() { _ = nc.Close() }, nil
}

// watchStaticHosts reloads the static inventory when the highest precedence
// config file changes. Returns a stop func, or nil when there is nothing to watch.
func watchStaticHosts(static *placement.Static, log *zap.SugaredLogger) func() {
	files := am.ConfigFiles()
	if static == nil || len(files) == 0 {
		return nil
	}
	path := files[len(files)-1]
	w, err := am.NewConfigWatcher(path)
	if err != nil {
		log.Warnw("Host inventory will not reload on config changes", "path", path, "error", err)
		return nil
	}
	w.OnReload(static.OnConfigReload)
	am.SetGlobalWatcher(w)
	w.Start()
	log.Debugw("Watching config for host inventory changes", "path", path)
	return func() { _ = w.Stop() }
}

// ignoreCanceled drops context cancellation, which is how background loops end
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
