package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tracechain/internal/config"
	"tracechain/internal/dependency"
	"tracechain/internal/failmode"
	"tracechain/internal/logging"
	"tracechain/internal/role"
	"tracechain/internal/server"
	"tracechain/internal/telemetry"
)

const (
	shutdownTimeout = 30 * time.Second
	flushTimeout    = 5 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run one hop of the chain",
	Long: `Starts the HTTP server for the role given by --role, SERVICE_ROLE or SERVICE_NAME.
Only the routes owned by that role are served; the others answer 404.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		if err := applyServeFlags(cmd, cfg); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg)
	},
}

// applyServeFlags lays the serve flags over cfg and validates the result.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	if cmd.Flags().Changed("role") {
		r, _ := cmd.Flags().GetString("role")
		cfg.SetRole(r)
	}
	if cmd.Flags().Changed("port") {
		cfg.App.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("fail-mode") {
		cfg.Tool.FailMode, _ = cmd.Flags().GetString("fail-mode")
	}
	return cfg.Validate()
}

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().String("role", "", "Role to serve (gateway, orchestrator, tool); overrides SERVICE_ROLE")
	cmd.Flags().Int("port", 0, "Port to listen on; overrides APP_PORT")
	cmd.Flags().String("fail-mode", "", "Initial tool fail mode (none, timeout, error); overrides TOOL_FAIL_MODE")
}

// serve wires telemetry, the fail mode registry and the dependency caller for the configured
// role and runs the server until ctx is done.
func serve(ctx context.Context, cfg *config.Config) error {
	r, err := cfg.Role()
	if err != nil {
		return err
	}

	logger := logging.New(logging.Options{Level: cfg.App.LogLevel, File: cfg.App.LogFile})
	slog.SetDefault(logger)

	provider, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:          cfg.Service.Name,
		Environment:          cfg.Telemetry.Environment,
		Endpoint:             cfg.Telemetry.Endpoint,
		Enabled:              cfg.Telemetry.Enabled,
		TraceExportInterval:  cfg.Telemetry.GetTraceExportInterval(),
		MetricExportInterval: cfg.Telemetry.GetMetricExportInterval(),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	provider.InstallGlobals()
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		if err := provider.Shutdown(flushCtx); err != nil {
			logger.Warn("telemetry flush incomplete", "error", err)
		}
	}()

	emitter, err := telemetry.NewEmitter(cfg.Service.Name, provider, logger)
	if err != nil {
		return fmt.Errorf("failed to create emitter: %w", err)
	}
	emitter.Info(ctx, "otel_configured",
		"otlp_endpoint", cfg.Telemetry.Endpoint,
		"trace_export_interval_ms", cfg.Telemetry.TraceExportIntervalMs,
		"telemetry_enabled", cfg.Telemetry.Enabled,
		"role", r.String(),
	)

	var (
		registry *failmode.Registry
		caller   *dependency.Caller
	)
	if r == role.Tool {
		registry, err = failmode.New(cfg.Tool.GetFailMode())
		if err != nil {
			return err
		}
	} else {
		caller = dependency.NewCaller(emitter, provider, cfg.Upstream.GetTimeoutDuration())
	}

	handler, err := server.NewHandler(cfg, emitter, provider, caller, registry)
	if err != nil {
		return err
	}
	srv := server.New(cfg, handler, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func init() {
	addServeFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}
