package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/caut/internal/config"
	"github.com/Dicklesworthstone/caut/internal/logging"
)

var version = "dev"

var (
	configPath   string
	outputFormat string
	logLevel     string
	noColor      bool
)

var log zerolog.Logger

var rootCmd = &cobra.Command{
	Use:           "caut",
	Short:         "Track AI coding assistant usage across providers and accounts",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log = newLogger(cfg)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the caut version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("caut version %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "pretty", "output format: pretty, json, markdown")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(versionCmd)
}

// loadConfig merges the config file with CLI overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if noColor {
		cfg.Logging.NoColor = true
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	return logging.NewLogger(cfg.Logging)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
