package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/metronome/am"
	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Manage metronome configuration",
	Long: sym.AM + ` am — Manage metronome configuration

Configuration sources (in order of precedence):
1. Environment variables (METRONOME_* prefix)
2. Project config (./am.toml, searched up from the working directory)
3. User config (~/.metronome/am.toml)
4. System config (/etc/metronome/am.toml)
5. Default values

--config pins a single file instead of the cascade.

Examples:
  metronome am show                         # Show current configuration
  metronome am show --format json           # Show configuration in JSON format
  metronome am get server.port              # Get specific config value
  metronome am set executor.backend docker  # Write a value to the user config
  metronome am validate                     # Validate current configuration`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the effective configuration merged from all sources",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., database.path, runs.max_launch_attempts)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Write a configuration value",
	Long: `Write a value using dot notation into the file given with --file, the
--config file, or the user config (~/.metronome/am.toml). A running server reloads the static host
inventory when its config file changes.`,
	Args: cobra.ExactArgs(2),
	RunE: runAmSet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	RunE:  runAmWhere,
}

var (
	configFormat string
	setFile      string
)

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")
	amSetCmd.Flags().StringVar(&setFile, "file", "", "Config file to write (default: user config)")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amSetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
}

// renderConfig marshals the configuration in the requested format
func renderConfig(cfg *am.Config, format string) (string, error) {
	switch format {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return "", errors.Wrap(err, "failed to marshal config to JSON")
		}
		return string(data) + "\n", nil
	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return "", errors.Wrap(err, "failed to marshal config to YAML")
		}
		return "# metronome configuration\n" + string(data), nil
	case "toml":
		data, err := toml.Marshal(cfg)
		if err != nil {
			return "", errors.Wrap(err, "failed to marshal config to TOML")
		}
		return "# metronome configuration\n" + string(data), nil
	default:
		return "", errors.Newf("unsupported format: %s (supported: toml, json, yaml)", format)
	}
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	out, err := renderConfig(cfg, configFormat)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), out)
	return nil
}

func runAmGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	v := am.GetViper()
	if v == nil {
		_, err := am.Load()
		return errors.Wrap(err, "failed to load config")
	}
	if !v.IsSet(key) {
		return errors.Newf("configuration key %q not found", key)
	}
	fmt.Fprintln(cmd.OutOrStdout(), am.Get(key))
	return nil
}

func runAmSet(cmd *cobra.Command, args []string) error {
	path := setFile
	if path == "" {
		path, _ = cmd.Flags().GetString("config")
	}
	if path == "" {
		path = am.UserConfigPath()
	}
	if err := am.SetValue(path, args[0], args[1]); err != nil {
		return err
	}

	// Reject the write if it leaves the file invalid
	if _, err := am.LoadFromFile(path); err != nil {
		return errors.WithHint(err, "the value was written; fix or revert it in "+path)
	}
	am.Reset()
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s = %s (%s)\n", sym.AM, args[0], args[1], path)
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Configuration cascade (later overrides earlier):")
	fmt.Fprintln(out, "  1. [DEFAULT]  Built-in defaults")
	fmt.Fprintln(out, "  2. [SYSTEM]   /etc/metronome/am.toml")
	fmt.Fprintf(out, "  3. [USER]     %s\n", orDefault(am.UserConfigPath(), "~/.metronome/am.toml"))
	fmt.Fprintln(out, "  4. [PROJECT]  ./am.toml (searches up directories)")
	fmt.Fprintln(out, "  5. [ENV]      METRONOME_* environment variables")
	fmt.Fprintln(out)

	files := am.ConfigFiles()
	if len(files) == 0 {
		fmt.Fprintln(out, "No config files found; using defaults and environment")
		return nil
	}
	fmt.Fprintln(out, "Files in effect:")
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			fmt.Fprintf(out, "  %s (unreadable: %v)\n", f, err)
			continue
		}
		fmt.Fprintf(out, "  %s (modified %s)\n", f, info.ModTime().Format("2006-01-02 15:04"))
	}
	return nil
}
