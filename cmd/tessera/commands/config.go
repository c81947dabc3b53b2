package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/teranos/tessera/am"
	"github.com/teranos/tessera/errors"
)

// ConfigCmd represents the config command
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show and validate tessera configuration",
	Long: `Display and check tessera configuration.

Configuration sources (in order of precedence):
1. Environment variables (TESSERA_* prefix, e.g. TESSERA_EXECUTOR_NAME)
2. Project config (./am.toml, searched upwards)
3. User config (~/.tessera/am.toml)
4. System config (/etc/tessera/config.toml)
5. Default values

--config replaces the file cascade with a single file.

Examples:
  tessera config show                  # Show current configuration
  tessera config show --format json    # Show configuration as JSON
  tessera config get executor.name     # Get a specific value
  tessera config validate              # Validate current configuration`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return renderConfig(cmd.OutOrStdout(), am.GetViper(), configFormat)
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., executor.namespace, server.port)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v := am.GetViper()
		if !v.IsSet(args[0]) {
			return errors.NewNotFoundError("configuration key %q not found", args[0])
		}
		fmt.Fprintln(cmd.OutOrStdout(), v.Get(args[0]))
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := am.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		if err := cfg.Validate(); err != nil {
			return errors.Wrap(err, "configuration validation failed")
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration is valid")
		return nil
	},
}

var configWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show which configuration files are consulted",
	Run: func(cmd *cobra.Command, args []string) {
		printSources(cmd.OutOrStdout(), am.Sources())
	},
}

var configFormat string

func init() {
	configShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	ConfigCmd.AddCommand(configShowCmd)
	ConfigCmd.AddCommand(configGetCmd)
	ConfigCmd.AddCommand(configValidateCmd)
	ConfigCmd.AddCommand(configWhereCmd)
}

// renderConfig prints every effective setting in the given format. Keys are
// the configuration file keys, not the Go field names.
func renderConfig(w io.Writer, v *viper.Viper, format string) error {
	settings := v.AllSettings()

	var (
		data []byte
		err  error
	)
	switch format {
	case "json":
		data, err = json.MarshalIndent(settings, "", "  ")
		if err == nil {
			data = append(data, '\n')
		}
	case "yaml":
		data, err = yaml.Marshal(settings)
	case "toml":
		data, err = toml.Marshal(settings)
	default:
		return errors.NewInvalidRequestError("unsupported format: %s (supported: toml, json, yaml)", format)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to marshal config to %s", format)
	}

	if format != "json" {
		fmt.Fprintln(w, "# tessera configuration")
	}
	_, err = w.Write(data)
	return err
}

func printSources(w io.Writer, sources []am.Source) {
	fmt.Fprintln(w, "Configuration files, later overrides earlier:")
	for i, src := range sources {
		mark := "missing"
		if src.Exists {
			mark = "found"
		}
		fmt.Fprintf(w, "  %d. [%s] %s\n", i+1, mark, src.Path)
	}
	fmt.Fprintln(w, "TESSERA_* environment variables override every file.")
}
