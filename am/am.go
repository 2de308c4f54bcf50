package am

// Config represents the metronome configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Server     ServerConfig     `mapstructure:"server"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Runs       RunsConfig       `mapstructure:"runs"`
	Placement  PlacementConfig  `mapstructure:"placement"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Events     EventsConfig     `mapstructure:"events"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// ServerConfig configures the REST API server
type ServerConfig struct {
	Port                int      `mapstructure:"port" validate:"gte=1,lte=65535"`
	GRPCHealthPort      int      `mapstructure:"grpc_health_port" validate:"gte=0,lte=65535"` // 0 = disabled
	AllowedOrigins      []string `mapstructure:"allowed_origins"`
	ReadTimeoutSeconds  int      `mapstructure:"read_timeout_seconds" validate:"gte=0"`
	WriteTimeoutSeconds int      `mapstructure:"write_timeout_seconds" validate:"gte=0"`
}

// DispatcherConfig configures the cron dispatcher
type DispatcherConfig struct {
	Enabled             bool `mapstructure:"enabled"`
	TickIntervalSeconds int  `mapstructure:"tick_interval_seconds" validate:"gte=1"`
	FireRetentionHours  int  `mapstructure:"fire_retention_hours" validate:"gte=1"` // how long per-window fire records are kept
	StaleAfterSeconds   int  `mapstructure:"stale_after_seconds" validate:"gte=0"`  // readiness fails if no tick for this long (0 = 10 ticks)
}

// RunsConfig configures the run manager
type RunsConfig struct {
	LaunchTimeoutSeconds  int     `mapstructure:"launch_timeout_seconds" validate:"gte=1"`
	MaxLaunchAttempts     int     `mapstructure:"max_launch_attempts" validate:"gte=1"`
	RetryBackoffMS        int     `mapstructure:"retry_backoff_ms" validate:"gte=0"`
	MaxConcurrentLaunches int     `mapstructure:"max_concurrent_launches" validate:"gte=1"`
	LaunchRatePerSecond   float64 `mapstructure:"launch_rate_per_second" validate:"gte=0"` // 0 = unlimited
	HistoryLimit          int     `mapstructure:"history_limit" validate:"gte=0"`          // finished runs kept per job
}

// PlacementConfig configures the host inventory used for placement
type PlacementConfig struct {
	Inventory string       `mapstructure:"inventory" validate:"oneof=static local etcd"`
	Hosts     []HostConfig `mapstructure:"hosts" validate:"dive"`
	Etcd      EtcdConfig   `mapstructure:"etcd"`
}

// HostConfig declares one host of the static inventory
type HostConfig struct {
	ID         string            `mapstructure:"id" validate:"required"`
	Hostname   string            `mapstructure:"hostname"`
	IP         string            `mapstructure:"ip" validate:"omitempty,ip"`
	CPUs       float64           `mapstructure:"cpus" validate:"gte=0"`
	Mem        int64             `mapstructure:"mem" validate:"gte=0"`  // MB
	Disk       int64             `mapstructure:"disk" validate:"gte=0"` // MB
	Attributes map[string]string `mapstructure:"attributes"`
}

// EtcdConfig configures the etcd-backed host registry
type EtcdConfig struct {
	Endpoints          []string `mapstructure:"endpoints"`
	DialTimeoutSeconds int      `mapstructure:"dial_timeout_seconds" validate:"gte=0"`
	Prefix             string   `mapstructure:"prefix"`        // host registrations
	TaskPrefix         string   `mapstructure:"task_prefix"`   // tasks assigned to agents
	StatusPrefix       string   `mapstructure:"status_prefix"` // task status reported by agents
	HeartbeatSeconds   int      `mapstructure:"heartbeat_seconds" validate:"gte=0"`
	TTLSeconds         int      `mapstructure:"ttl_seconds" validate:"gte=0"`
}

// ExecutorConfig selects and configures the launch backend.
// "agent" hands tasks to `metronome agent` processes through etcd.
type ExecutorConfig struct {
	Backend string       `mapstructure:"backend" validate:"oneof=local docker agent noop"`
	Docker  DockerConfig `mapstructure:"docker"`
}

// DockerConfig configures the docker executor
type DockerConfig struct {
	APIVersion string `mapstructure:"api_version"`
	AutoRemove bool   `mapstructure:"auto_remove"`
}

// EventsConfig configures run event fan-out
type EventsConfig struct {
	NATSURL     string `mapstructure:"nats_url"`     // empty = disabled
	NATSSubject string `mapstructure:"nats_subject"` // prefix, job id is appended
}

// MetricsConfig configures the prometheus endpoint
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Server port constants
const (
	DefaultServerPort = 9000 // Metronome's historical API port
)

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
