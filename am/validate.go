package am

import (
	"net/url"

	"github.com/teranos/tessera/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Executor.Name == "" {
		return errors.WithHint(
			errors.New("executor.name cannot be empty"),
			"set TESSERA_EXECUTOR_NAME or executor.name in am.toml")
	}
	if c.Executor.Namespace == "" {
		return errors.New("executor.namespace cannot be empty")
	}
	if c.Executor.ItemWorkers <= 0 {
		return errors.Newf("executor.item_workers must be > 0, got %d", c.Executor.ItemWorkers)
	}
	if c.Executor.ShutdownGraceMS < 0 {
		return errors.Newf("executor.shutdown_grace_ms must be >= 0, got %d", c.Executor.ShutdownGraceMS)
	}
	if c.Executor.CountFlushSeconds <= 0 {
		return errors.Newf("executor.count_flush_seconds must be > 0, got %d", c.Executor.CountFlushSeconds)
	}
	if c.Executor.FailoverScanSeconds < 0 {
		return errors.Newf("executor.failover_scan_seconds must be >= 0, got %d", c.Executor.FailoverScanSeconds)
	}

	switch c.Coordination.Backend {
	case BackendMemory:
	case BackendZookeeper:
		if len(c.Coordination.Servers) == 0 {
			return errors.New("coordination.servers cannot be empty for the zookeeper backend")
		}
		if c.Coordination.SessionTimeoutMS <= 0 {
			return errors.Newf("coordination.session_timeout_ms must be > 0, got %d", c.Coordination.SessionTimeoutMS)
		}
	default:
		return errors.Newf("coordination.backend must be %q or %q, got %q",
			BackendZookeeper, BackendMemory, c.Coordination.Backend)
	}

	for _, uri := range c.Console.URIs {
		u, err := url.Parse(uri)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errors.Newf("console.uris contains an invalid URL: %q", uri)
		}
	}
	if c.Console.ConnectTimeoutMS <= 0 || c.Console.ReadTimeoutMS <= 0 {
		return errors.New("console timeouts must be > 0")
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return errors.Newf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Server.TriggersPerSecond < 0 {
		return errors.Newf("server.triggers_per_second must be >= 0, got %d", c.Server.TriggersPerSecond)
	}

	if c.History.Enabled && c.History.Path == "" {
		return errors.New("history.path cannot be empty when history is enabled")
	}
	if c.History.RetentionDays < 0 {
		return errors.Newf("history.retention_days must be >= 0, got %d", c.History.RetentionDays)
	}

	return nil
}
