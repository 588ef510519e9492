/*
PURPOSE:
  Defines the root Cobra command for the Forest Sweep CLI.
  Handles global flags and command initialization.

REQUIREMENTS:
  User-specified:
  - Provide a CLI interface.
  - Support global flags like --config, --log-level and --log-json.

  Implementation-discovered:
  - Needs to expose an Execute() function for main.go.
  - Every subcommand loads config the same way, so loading lives here.

ARCHITECTURE INTEGRATION:
  - Called by: cmd/forest-sweep/main.go
  - Calls: Child commands (run, preview, stats, history, list-models, mock-server)

ERROR HANDLING:
  - Returns error to main.go for exit code handling.

IMPLEMENTATION RULES:
  - Use `PersistentFlags()` for flags available to all subcommands.
  - Keep Run logic in subcommands.

USAGE:
  Called by main.go.

SELF-HEALING INSTRUCTIONS:
  - If adding new global flags, add them to init() and loadConfig().

RELATED FILES:
  - cmd/forest-sweep/main.go
  - internal/config/config.go
*/

package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/daryltucker/forest-sweep/internal/config"
	"github.com/daryltucker/forest-sweep/internal/output"
)

var (
	// cfgFile stores the path to the config file (if specified via flag)
	cfgFile  string
	logLevel string
	logJSON  bool

	rootCmd = &cobra.Command{
		Use:   "forest-sweep",
		Short: "Parameter sweeps and batch generation against Ollama-style servers",
		Long: `Streams generations from a local model server across fixed, incremental or
random sampling parameters, and stores every result as content + metadata.
Use 'run --help' for batch options and 'preview' to see the plan first.`,
		SilenceUsage: true,
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./forest_sweep.yaml or ./sweep.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON")
}

// loadConfig loads the config file and environment, applies the global log
// flags and installs the logger.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if cmd.Flags().Changed("log-json") {
		cfg.LogJSON = logJSON
	}
	if err := output.Configure(os.Stderr, cfg.LogLevel, cfg.LogJSON); err != nil {
		output.Logger.Warn("Falling back to info logging", "error", err)
	}
	return cfg, nil
}
