package am

import (
	"fmt"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "metronome.db")

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.grpc_health_port", 0)
	v.SetDefault("server.read_timeout_seconds", 15)
	v.SetDefault("server.write_timeout_seconds", 30)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
	})

	v.SetDefault("dispatcher.enabled", true)
	v.SetDefault("dispatcher.tick_interval_seconds", 1)
	v.SetDefault("dispatcher.fire_retention_hours", 24)
	v.SetDefault("dispatcher.stale_after_seconds", 0)

	v.SetDefault("runs.launch_timeout_seconds", 30)
	v.SetDefault("runs.max_launch_attempts", 3)
	v.SetDefault("runs.retry_backoff_ms", 500)
	v.SetDefault("runs.max_concurrent_launches", 16)
	v.SetDefault("runs.launch_rate_per_second", 0)
	v.SetDefault("runs.history_limit", 10)

	v.SetDefault("placement.inventory", "local")
	v.SetDefault("placement.etcd.endpoints", []string{"127.0.0.1:2379"})
	v.SetDefault("placement.etcd.dial_timeout_seconds", 5)
	v.SetDefault("placement.etcd.prefix", "/metronome/hosts/")
	v.SetDefault("placement.etcd.task_prefix", "/metronome/tasks/")
	v.SetDefault("placement.etcd.status_prefix", "/metronome/status/")
	v.SetDefault("placement.etcd.heartbeat_seconds", 3)
	v.SetDefault("placement.etcd.ttl_seconds", 10)

	v.SetDefault("executor.backend", "local")
	v.SetDefault("executor.docker.api_version", "1.44")
	v.SetDefault("executor.docker.auto_remove", true)

	v.SetDefault("events.nats_subject", "metronome.runs")

	v.SetDefault("metrics.enabled", true)
}

// BindEnvVars explicitly binds settings commonly overridden by deployment tooling
func BindEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "METRONOME_DATABASE_PATH")
	v.BindEnv("server.port", "METRONOME_SERVER_PORT", "PORT0")
	v.BindEnv("events.nats_url", "METRONOME_EVENTS_NATS_URL", "NATS_URL")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "metronome.db"
	}
	return c.Database.Path
}

// StaleAfterSeconds returns the readiness staleness threshold with its default applied
func (c *Config) StaleAfterSeconds() int {
	if c.Dispatcher.StaleAfterSeconds > 0 {
		return c.Dispatcher.StaleAfterSeconds
	}
	return 10 * c.Dispatcher.TickIntervalSeconds
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Server: {Port: %d}, Dispatcher: {Tick: %ds}, Placement: {Inventory: %s}, Executor: {Backend: %s}}",
		c.Database.Path, c.Server.Port, c.Dispatcher.TickIntervalSeconds, c.Placement.Inventory, c.Executor.Backend)
}
