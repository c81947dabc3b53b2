package am

// Config represents the tessera executor configuration
type Config struct {
	Executor     ExecutorConfig     `mapstructure:"executor"`
	Coordination CoordinationConfig `mapstructure:"coordination"`
	Console      ConsoleConfig      `mapstructure:"console"`
	Server       ServerConfig       `mapstructure:"server"`
	History      HistoryConfig      `mapstructure:"history"`
	Log          LogConfig          `mapstructure:"log"`
	Jobs         JobsConfig         `mapstructure:"jobs"`
}

// ExecutorConfig identifies this process and bounds its resources
type ExecutorConfig struct {
	Name      string `mapstructure:"name"`      // Unique executor name (default: hostname)
	Namespace string `mapstructure:"namespace"` // Registry root shared by all executors of a domain
	Address   string `mapstructure:"address"`   // Advertised address (default: first non-loopback IPv4)
	Task      string `mapstructure:"task"`      // Container deployment id, empty outside containers

	ItemWorkers         int `mapstructure:"item_workers"`          // Per-job item pool ceiling (default: 100)
	ShutdownGraceMS     int `mapstructure:"shutdown_grace_ms"`     // Wait for in-flight items after abort (default: 500)
	CountFlushSeconds   int `mapstructure:"count_flush_seconds"`   // Analyse counter flush period (default: 30)
	ClockSkewSeconds    int `mapstructure:"clock_skew_seconds"`    // Max allowed skew against the registry (default: 60)
	FailoverScanSeconds int `mapstructure:"failover_scan_seconds"` // Periodic failover scan (default: 10, 0 = watch only)
}

// CoordinationConfig selects and configures the coordination registry
type CoordinationConfig struct {
	Backend             string   `mapstructure:"backend"` // "zookeeper" or "memory"
	Servers             []string `mapstructure:"servers"`
	SessionTimeoutMS    int      `mapstructure:"session_timeout_ms"`
	ConnectionTimeoutMS int      `mapstructure:"connection_timeout_ms"`
}

// ConsoleConfig lists the console endpoints used for downstream triggering
type ConsoleConfig struct {
	URIs             []string `mapstructure:"uris"`
	ConnectTimeoutMS int      `mapstructure:"connect_timeout_ms"`
	ReadTimeoutMS    int      `mapstructure:"read_timeout_ms"`
}

// ServerConfig configures the admin HTTP server
type ServerConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	Port              int  `mapstructure:"port"`
	TriggersPerSecond int  `mapstructure:"triggers_per_second"` // Manual trigger rate per job (0 = unlimited)
}

// HistoryConfig configures the local SQLite execution log
type HistoryConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Path          string `mapstructure:"path"`
	RetentionDays int    `mapstructure:"retention_days"` // 0 = keep forever
}

// LogConfig configures logger output
type LogConfig struct {
	JSON       bool   `mapstructure:"json"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// JobsConfig points at an optional job definition seed file
type JobsConfig struct {
	SeedFile string `mapstructure:"seed_file"`
}

// Coordination backends
const (
	BackendZookeeper = "zookeeper"
	BackendMemory    = "memory"
)

// DefaultServerPort is the admin server port when none is configured
const DefaultServerPort = 9870

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
