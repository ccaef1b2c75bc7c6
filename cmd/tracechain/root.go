package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tracechain/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "tracechain",
	Short: "Three-hop service chain for exercising traces, metrics and logs under induced failures",
	Long: `tracechain runs one hop of a gateway -> orchestrator -> tool chain per process.
The role is chosen by SERVICE_ROLE or derived from SERVICE_NAME. The tool hop can be told to
time out or fail, and every hop reports correlated spans, counters and log events.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads configuration and applies the persistent flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("log-level") {
		cfg.App.LogLevel, _ = cmd.Flags().GetString("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); overrides APP_LOG_LEVEL")
}
