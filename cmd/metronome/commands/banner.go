package commands

import (
	"fmt"

	"github.com/teranos/metronome/am"
	"github.com/teranos/metronome/logger"
	"github.com/teranos/metronome/sym"
	"github.com/teranos/metronome/version"
)

// printStartupBanner prints the user-friendly startup message
func printStartupBanner(verbosity int, cfg *am.Config, dbPath string) {
	cyan := "\033[36m"
	green := "\033[32m"
	blue := "\033[34m"
	bold := "\033[1m"
	reset := "\033[0m"

	versionInfo := version.Get()

	fmt.Printf("\n%s%s", cyan, bold)
	fmt.Printf("   ╔═══════════════════════════════════════════════════╗\n")
	fmt.Printf("   ║                                                   ║\n")
	fmt.Printf("   ║   %s  m e t r o n o m e                           ║\n", sym.Pulse)
	fmt.Printf("   ║                                                   ║\n")
	fmt.Printf("   ║   %s Schedule  %s Place  %s Run                     ║\n", sym.Pulse, sym.Host, sym.Run)
	fmt.Printf("   ║                                                   ║\n")
	fmt.Printf("   ╚═══════════════════════════════════════════════════╝%s\n\n", reset)

	fmt.Printf("%s%s┌─ Metronome Info ─────────────────────────────────────┐%s\n", green, bold, reset)
	fmt.Printf("%s│%s Version:    %s (commit %s)\n", green, reset, versionInfo.Version, versionInfo.Short())
	fmt.Printf("%s│%s Built:      %s\n", green, reset, versionInfo.BuildTime)
	fmt.Printf("%s│%s Verbosity:  %s\n", green, reset, logger.LevelName(verbosity))
	fmt.Printf("%s│%s Database:   %s\n", green, reset, dbPath)
	fmt.Printf("%s│%s API:        http://localhost:%d\n", green, reset, cfg.Server.Port)
	if cfg.Server.GRPCHealthPort > 0 {
		fmt.Printf("%s│%s gRPC health: :%d\n", green, reset, cfg.Server.GRPCHealthPort)
	}
	fmt.Printf("%s│%s Inventory:  %s\n", green, reset, orDefault(cfg.Placement.Inventory, "static"))
	fmt.Printf("%s│%s Executor:   %s\n", green, reset, orDefault(cfg.Executor.Backend, "local"))
	if cfg.Events.NATSURL != "" {
		fmt.Printf("%s│%s Events:     %s (%s.*)\n", green, reset, cfg.Events.NATSURL, cfg.Events.NATSSubject)
	}
	fmt.Printf("%s└──────────────────────────────────────────────────────┘%s\n", green, reset)

	fmt.Printf("\n%s💡 Press Ctrl+C to stop%s\n\n", blue, reset)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
