package am

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/spf13/viper"

	"github.com/teranos/tessera/errors"
)

var globalConfig *Config
var viperInstance *viper.Viper

// explicitConfigFile is set by the --config flag and replaces the search cascade
var explicitConfigFile string

// Load reads the tessera configuration using Viper
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()

	config, err := LoadWithViper(v)
	if err != nil {
		return nil, err
	}

	globalConfig = config
	return globalConfig, nil
}

// SetConfigFile pins configuration to one file and drops any cached config
func SetConfigFile(path string) {
	explicitConfigFile = path
	Reset()
}

// ConfigFile returns the file that will be watched for reloads, if any
func ConfigFile() string {
	if explicitConfigFile != "" {
		return explicitConfigFile
	}
	return findProjectConfig()
}

// GetViper returns the Viper instance for advanced configuration access
func GetViper() *viper.Viper {
	return initViper()
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	applyDerivedDefaults(&config)
	return &config, nil
}

// Defaults returns a configuration carrying only built-in defaults, without
// reading any file or environment variable.
func Defaults() (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	return LoadWithViper(v)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	// Set defaults but don't bind environment variables for this specific load
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	return LoadWithViper(v)
}

// Reset clears the cached configuration (useful for testing and reloads)
func Reset() {
	globalConfig = nil
	viperInstance = nil
}

// initViper initializes Viper with configuration sources and defaults
func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()

	// Set up environment variable binding
	v.SetEnvPrefix("TESSERA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	BindSensitiveEnvVars(v)
	SetDefaults(v)

	// Manually merge configs in precedence order: system -> user -> project -> env vars
	mergeConfigFiles(v)

	viperInstance = v
	return v
}

// applyDerivedDefaults fills values whose defaults depend on the host
func applyDerivedDefaults(c *Config) {
	if c.Executor.Name == "" {
		if info, err := host.Info(); err == nil && info.Hostname != "" {
			c.Executor.Name = info.Hostname
		} else if name, err := os.Hostname(); err == nil {
			c.Executor.Name = name
		}
	}
}

// findProjectConfig searches for am.toml by walking up the directory tree
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		amPath := filepath.Join(dir, "am.toml")
		if _, err := os.Stat(amPath); err == nil {
			return amPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// configPaths returns every file consulted, lowest precedence first
func configPaths() []string {
	if explicitConfigFile != "" {
		return []string{explicitConfigFile}
	}

	homeDir, _ := os.UserHomeDir()
	paths := []string{
		"/etc/tessera/config.toml",
		filepath.Join(homeDir, ".tessera", "am.toml"),
	}
	if projectConfig := findProjectConfig(); projectConfig != "" {
		paths = append(paths, projectConfig)
	}
	return paths
}

// mergeConfigFiles manually merges configuration files in the correct precedence order
func mergeConfigFiles(v *viper.Viper) {
	for _, configPath := range configPaths() {
		if _, err := os.Stat(configPath); err != nil {
			continue
		}

		tempViper := viper.New()
		tempViper.SetConfigFile(configPath)
		tempViper.SetConfigType("toml")

		if err := tempViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(tempViper.AllSettings()); err != nil {
				continue
			}
		}
	}
}

// Get returns a configuration value using dot notation
func Get(key string) interface{} {
	return initViper().Get(key)
}

// Source is one consulted config file
type Source struct {
	Path   string
	Exists bool
}

// Sources lists every consulted config file, lowest precedence first
func Sources() []Source {
	paths := configPaths()
	sources := make([]Source, 0, len(paths))
	for _, p := range paths {
		_, err := os.Stat(p)
		sources = append(sources, Source{Path: p, Exists: err == nil})
	}
	return sources
}
