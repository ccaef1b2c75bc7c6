package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"tracechain/internal/clients/loki"
	"tracechain/internal/clients/prometheus"
	"tracechain/internal/clients/tempo"
	"tracechain/internal/config"
	"tracechain/internal/failmode"
	"tracechain/internal/inspect"
	"tracechain/internal/logging"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [trace-id]",
	Short: "Check that every hop reported spans and logs for a trace",
	Long: `Reads Tempo, Loki and Prometheus and reports, per service, the spans, log lines and error
counters recorded for one trace. With --ask a question is sent through the gateway first and its
trace is inspected. With --fail-mode the tool fail mode is switched through the gateway before asking.
With --latest the newest trace of that service is looked up in Tempo; add --errors-only to pick the
newest failing one.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		question, _ := cmd.Flags().GetString("ask")
		mode, _ := cmd.Flags().GetString("fail-mode")
		wait, _ := cmd.Flags().GetDuration("wait")
		latest, _ := cmd.Flags().GetString("latest")
		errorsOnly, _ := cmd.Flags().GetBool("errors-only")

		if len(args) == 0 && question == "" && latest == "" {
			return errors.New("one of a trace id, --ask or --latest is required")
		}

		ctx := cmd.Context()
		logger := logging.NewWithWriter(cmd.ErrOrStderr(), logging.ParseLevel(cfg.App.LogLevel))
		traces := tempo.NewClient(cfg.Inspect.TempoURL, cfg.Inspect.GetTimeoutDuration(), logger)
		driver := inspect.NewDriver(cfg.Inspect.GatewayURL, cfg.Inspect.GetTimeoutDuration())

		if mode != "" {
			m, err := failmode.Parse(mode)
			if err != nil {
				return err
			}
			res, err := driver.SetToolFailMode(ctx, m)
			if err != nil {
				return err
			}
			if !res.OK() {
				return fmt.Errorf("gateway refused fail mode %s: %d %s", m, res.Status, res.Detail())
			}
		}

		traceID := ""
		at := time.Now()
		if len(args) == 1 {
			traceID = args[0]
		}
		if question != "" {
			res, err := driver.Ask(ctx, question)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "gateway answered %d (trace %s)\n", res.Status, res.TraceID)
			if res.TraceID == "" {
				return errors.New("gateway response carried no X-Trace-Id")
			}
			traceID, at = res.TraceID, res.At
		}
		if traceID == "" && latest != "" {
			found, err := inspect.LatestTrace(ctx, traces, latest, errorsOnly, at, lookback)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "latest trace of %s: %s (%s)\n", latest, found.TraceID, found.RootTraceName)
			traceID, at = found.TraceID, found.StartTime
		}

		return runInspect(ctx, cmd, newInspector(cfg, traces, logger), traceID, at, wait)
	},
}

// lookback bounds the Tempo search behind --latest.
const lookback = 15 * time.Minute

func newInspector(cfg *config.Config, traces *tempo.Client, logger *slog.Logger) *inspect.Inspector {
	timeout := cfg.Inspect.GetTimeoutDuration()
	return inspect.New(
		traces,
		loki.NewClient(cfg.Inspect.LokiURL, timeout),
		prometheus.NewClient(cfg.Inspect.PrometheusURL, timeout),
		logger,
	)
}

func runInspect(ctx context.Context, cmd *cobra.Command, insp *inspect.Inspector, traceID string, at time.Time, wait time.Duration) error {
	report, err := insp.Correlate(ctx, traceID, at)
	if wait > 0 && (report == nil || !report.Complete) {
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		report, err = insp.Wait(waitCtx, traceID, at, 0)
	}
	if report == nil {
		return err
	}

	out, mErr := json.MarshalIndent(report, "", "  ")
	if mErr != nil {
		return fmt.Errorf("failed to encode report: %w", mErr)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if err != nil {
		return err
	}
	if !report.Complete {
		return fmt.Errorf("trace %s incomplete: %v", traceID, report.Missing)
	}
	return nil
}

func init() {
	inspectCmd.Flags().String("ask", "", "Send this question through the gateway and inspect its trace")
	inspectCmd.Flags().String("fail-mode", "", "Switch the tool fail mode (none, timeout, error) before asking")
	inspectCmd.Flags().Duration("wait", 0, "Keep polling the backends this long until the trace is complete")
	inspectCmd.Flags().String("latest", "", "Inspect the newest trace of this service (e.g. gateway-api)")
	inspectCmd.Flags().Bool("errors-only", false, "With --latest, only consider traces with an error span")
	rootCmd.AddCommand(inspectCmd)
}
