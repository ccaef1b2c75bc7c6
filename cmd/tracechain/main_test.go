package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracechain/internal/config"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "tracechain version dev\n", out.String())
}

func TestServeStopsOnCancel(t *testing.T) {
	for _, name := range []string{"gateway-api", "llm-service", "tool-service"} {
		t.Run(name, func(t *testing.T) {
			t.Setenv("SERVICE_NAME", name)
			t.Setenv("TELEMETRY_ENABLED", "false")
			t.Setenv("APP_LOG_LEVEL", "error")

			cfg, err := config.FromViper(viper.New())
			require.NoError(t, err)
			cfg.App.Host = "127.0.0.1"
			cfg.App.Port = 0

			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()

			assert.NoError(t, serve(ctx, cfg))
		})
	}
}

func TestServeRejectsBadRole(t *testing.T) {
	cfg := &config.Config{Service: config.ServiceConfig{Name: "billing"}}
	assert.Error(t, serve(context.Background(), cfg))
}

func TestServeRoleFlagNamesService(t *testing.T) {
	t.Setenv("SERVICE_NAME", "")
	t.Setenv("SERVICE_ROLE", "")
	t.Setenv("TELEMETRY_ENABLED", "false")
	t.Setenv("APP_LOG_LEVEL", "error")

	cfg, err := config.FromViper(viper.New())
	require.NoError(t, err)
	require.Equal(t, "gateway-api", cfg.Service.Name)

	cmd := &cobra.Command{}
	addServeFlags(cmd)
	require.NoError(t, cmd.Flags().Set("role", "tool"))
	require.NoError(t, applyServeFlags(cmd, cfg))

	assert.Equal(t, "tool", cfg.Service.Role)
	assert.Equal(t, "tool-service", cfg.Service.Name)

	cfg.App.Host = "127.0.0.1"
	cfg.App.Port = 0
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.NoError(t, serve(ctx, cfg))
}

func TestServeFlagsRejectUnknownRole(t *testing.T) {
	cfg, err := config.FromViper(viper.New())
	require.NoError(t, err)

	cmd := &cobra.Command{}
	addServeFlags(cmd)
	require.NoError(t, cmd.Flags().Set("role", "billing"))
	assert.Error(t, applyServeFlags(cmd, cfg))
}
