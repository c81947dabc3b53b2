package am

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Executor defaults
	v.SetDefault("executor.namespace", "default")
	v.SetDefault("executor.item_workers", 100)
	v.SetDefault("executor.shutdown_grace_ms", 500)
	v.SetDefault("executor.count_flush_seconds", 30)
	v.SetDefault("executor.clock_skew_seconds", 60)
	v.SetDefault("executor.failover_scan_seconds", 10)

	// Coordination defaults
	v.SetDefault("coordination.backend", BackendZookeeper)
	v.SetDefault("coordination.servers", []string{"127.0.0.1:2181"})
	v.SetDefault("coordination.session_timeout_ms", 20000)
	v.SetDefault("coordination.connection_timeout_ms", 10000)

	// Console (downstream triggering) defaults
	v.SetDefault("console.connect_timeout_ms", 5000)
	v.SetDefault("console.read_timeout_ms", 10000)

	// Admin server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.triggers_per_second", 1)

	// Execution history defaults
	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "tessera.db")
	v.SetDefault("history.retention_days", 14)

	// Log defaults
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 28)
}

// BindSensitiveEnvVars explicitly binds deployment specific values to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("executor.name", "TESSERA_EXECUTOR_NAME")
	v.BindEnv("executor.namespace", "TESSERA_NAMESPACE")
	v.BindEnv("executor.task", "TESSERA_TASK")
	v.BindEnv("coordination.servers", "TESSERA_ZK_SERVERS")
	v.BindEnv("console.uris", "TESSERA_CONSOLE_URIS")
}

// SessionTimeout returns the coordination session timeout
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.Coordination.SessionTimeoutMS) * time.Millisecond
}

// ConnectionTimeout returns the coordination connection timeout
func (c *Config) ConnectionTimeout() time.Duration {
	return time.Duration(c.Coordination.ConnectionTimeoutMS) * time.Millisecond
}

// ShutdownGrace returns how long shutdown waits for in-flight items after abort
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Executor.ShutdownGraceMS) * time.Millisecond
}

// CountFlushInterval returns the analyse counter flush period
func (c *Config) CountFlushInterval() time.Duration {
	return time.Duration(c.Executor.CountFlushSeconds) * time.Second
}

// FailoverScanInterval returns the periodic failover scan period (0 = disabled)
func (c *Config) FailoverScanInterval() time.Duration {
	return time.Duration(c.Executor.FailoverScanSeconds) * time.Second
}

// ClockSkew returns the maximum tolerated clock difference against the registry
func (c *Config) ClockSkew() time.Duration {
	return time.Duration(c.Executor.ClockSkewSeconds) * time.Second
}

// ConsoleTimeouts returns connect and read timeouts for downstream calls
func (c *Config) ConsoleTimeouts() (connect, read time.Duration) {
	return time.Duration(c.Console.ConnectTimeoutMS) * time.Millisecond,
		time.Duration(c.Console.ReadTimeoutMS) * time.Millisecond
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Executor: %s, Namespace: %s, Backend: %s, Servers: %v}",
		c.Executor.Name, c.Executor.Namespace, c.Coordination.Backend, c.Coordination.Servers)
}
