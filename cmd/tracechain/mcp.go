package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"tracechain/internal/clients/tempo"
	"tracechain/internal/inspect"
	"tracechain/internal/logging"
	mcpsrv "tracechain/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the Model Context Protocol (MCP) server",
	Long: `Serves MCP over stdio so an agent can ask questions through the chain, switch the tool
fail mode and inspect the resulting traces.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		// stdout carries the protocol, so logs go to stderr only.
		logger := logging.NewWithWriter(cmd.ErrOrStderr(), logging.ParseLevel(cfg.App.LogLevel))
		slog.SetDefault(logger)

		timeout := cfg.Inspect.GetTimeoutDuration()
		driver := inspect.NewDriver(cfg.Inspect.GatewayURL, timeout)
		traces := tempo.NewClient(cfg.Inspect.TempoURL, timeout, logger)
		s := mcpsrv.New(driver, newInspector(cfg, traces, logger), version, timeout)

		logger.Info("tracechain MCP server listening on stdio", "gateway", cfg.Inspect.GatewayURL)
		return s.ServeStdio()
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
