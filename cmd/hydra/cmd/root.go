package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceHydra/internal/config"
	"github.com/OpenTraceLab/OpenTraceHydra/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "hydra",
	Short: "Hydra network topology discovery",
	Long: `Bring up, verify and map a grid of daisy-chained readout chips.

Starting from the root chip wired to each bus channel, hydra claims chips one
hop at a time, reads back every identity register, excludes links that do not
answer and replans until every channel verifies. It then tests the unused
neighbour links and writes the validated network for production bring-up.

Examples:
  hydra discover --config tile.yaml --output network.json   # Discover and export
  hydra plan --config tile.yaml --hints known-bad.txt        # Show planned chains only
  hydra verify-descriptor network.json                       # Check an exported network
  hydra history --store runs.db                              # List earlier runs`,
	Version:      "0.3.0",
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"run configuration file (YAML); defaults to the simulated 10x10 tile")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level (debug, info, warn, error); overrides the config file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"log format (text, json); overrides the config file")
}

// loadConfig reads --config, or the defaults when it is unset, and applies the
// global log flags.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath == "" {
		cfg, err = config.Parse(nil)
	} else {
		cfg, err = config.Load(configPath)
	}
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if verbose && logLevel == "" {
		cfg.Log.Level = logging.LevelDebug.String()
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	config.Normalize(cfg)
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	lc := cfg.Log.LoggingConfig()
	lc.Writer = os.Stderr
	return logging.New(lc)
}
