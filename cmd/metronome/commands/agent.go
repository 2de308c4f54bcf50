package commands

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/metronome/am"
	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/logger"
	"github.com/teranos/metronome/pulse/executor"
	"github.com/teranos/metronome/pulse/placement"
	"github.com/teranos/metronome/sym"
)

// AgentCmd runs tasks handed out by a scheduler using the agent backend
var AgentCmd = &cobra.Command{
	Use:   "agent",
	Short: sym.Host + " Run tasks on this host for a scheduler",
	Long: sym.Host + ` Register this host in etcd and run the tasks the scheduler assigns to it.

The host is probed for hostname, address and capacity. Its registration is
bound to a lease and refreshed every heartbeat, so the scheduler stops
placing runs here shortly after the agent exits.

Examples:
  metronome agent                             # Register under the hostname
  metronome agent --id build-1 --attr rack=b  # Custom id and constraint attribute`,
	RunE: runAgent,
}

var (
	agentHostID string
	agentAttrs  []string
)

func init() {
	AgentCmd.Flags().StringVar(&agentHostID, "id", "", "Host id (default: hostname)")
	AgentCmd.Flags().StringSliceVar(&agentAttrs, "attr", nil, "Constraint attribute key=value (repeatable)")
}

// parseAttrs parses key=value pairs into a map
func parseAttrs(pairs []string) (map[string]string, error) {
	attrs := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, errors.NewInvalidRequestError("attribute %q is not key=value", p)
		}
		attrs[k] = v
	}
	return attrs, nil
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if len(cfg.Placement.Etcd.Endpoints) == 0 {
		return errors.WithHint(errors.New("no etcd endpoints configured"),
			"set placement.etcd.endpoints, e.g. metronome am set placement.etcd.endpoints localhost:2379")
	}
	attrs, err := parseAttrs(agentAttrs)
	if err != nil {
		return err
	}
	log := logger.ComponentLogger("agent")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	host, err := placement.DescribeLocalHost(ctx)
	if err != nil {
		return err
	}
	if agentHostID != "" {
		host.ID = agentHostID
	}
	for k, v := range attrs {
		host.Attributes[k] = v
	}

	client, err := placement.NewEtcdClient(cfg.Placement.Etcd)
	if err != nil {
		return err
	}
	defer client.Close()

	// The agent runs tasks itself: local processes and containers
	local := executor.NewRegistry("local")
	local.Register(executor.NewLocal(log))
	docker := executor.NewDocker(cfg.Executor.Docker, log)
	defer docker.Close()
	local.Register(docker)

	registry := placement.NewEtcdRegistry(client, cfg.Placement.Etcd, log)
	agent := executor.NewAgent(client, registry, cfg.Placement.Etcd, host, local, log)

	pterm.Info.Printf("%s Agent %s (%s, %.0f cpus, %d MB) joining %s\n",
		sym.Host, host.ID, host.IP, host.CPUs, host.Mem, strings.Join(cfg.Placement.Etcd.Endpoints, ","))

	if err := ignoreCanceled(agent.Run(ctx)); err != nil {
		return err
	}
	pterm.Success.Println("Agent stopped")
	return nil
}
