// Package config provides configuration structures and loading logic for tracechain processes.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"tracechain/internal/failmode"
	"tracechain/internal/role"
)

// Config represents the root configuration of one chain process.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Service   ServiceConfig   `mapstructure:"service"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Tool      ToolConfig      `mapstructure:"tool"`
	Inspect   InspectConfig   `mapstructure:"inspect"`
}

// AppConfig defines the listener and logging settings.
type AppConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port" validate:"min=1,max=65535"`
	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn warning error"`
	LogFile  string `mapstructure:"log_file"`
}

// ServiceConfig names the process and selects its role.
type ServiceConfig struct {
	Name string `mapstructure:"name" validate:"required"`
	// Role is optional; when empty it is derived from Name.
	Role string `mapstructure:"role"`

	// nameSet records whether Name came from the config rather than from the role.
	nameSet bool
}

// TelemetryConfig defines where spans, metrics and logs are exported.
type TelemetryConfig struct {
	Endpoint               string `mapstructure:"endpoint"`
	Enabled                bool   `mapstructure:"enabled"`
	TraceExportIntervalMs  int    `mapstructure:"trace_export_interval_ms" validate:"min=1"`
	MetricExportIntervalMs int    `mapstructure:"metric_export_interval_ms" validate:"min=1"`
	Environment            string `mapstructure:"environment"`
}

// UpstreamConfig defines the next hops and the deadline applied to every call.
type UpstreamConfig struct {
	TimeoutSeconds  float64 `mapstructure:"timeout_seconds" validate:"gt=0"`
	OrchestratorURL string  `mapstructure:"orchestrator_url" validate:"required,url"`
	ToolURL         string  `mapstructure:"tool_url" validate:"required,url"`
}

// ToolConfig defines the fault injection settings of the tool role.
type ToolConfig struct {
	FailMode string `mapstructure:"fail_mode" validate:"oneof=none timeout error"`
	// TimeoutPadding is added to this process's own upstream timeout to size the simulated
	// timeout. It outlasts the caller's deadline only when the caller uses the same
	// UPSTREAM_TIMEOUT_SECONDS.
	TimeoutPadding string `mapstructure:"timeout_padding"`
}

// InspectConfig defines the read side of the telemetry backends.
type InspectConfig struct {
	TempoURL      string `mapstructure:"tempo_url"`
	LokiURL       string `mapstructure:"loki_url"`
	PrometheusURL string `mapstructure:"prometheus_url"`
	Timeout       string `mapstructure:"timeout"`
	GatewayURL    string `mapstructure:"gateway_url"`
}

// GetTimeoutDuration returns the upstream deadline.
func (c *UpstreamConfig) GetTimeoutDuration() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.TimeoutSeconds * float64(time.Second))
}

// GetTimeoutPaddingDuration returns how much longer than the upstream deadline the tool sleeps
// in timeout mode.
func (c *ToolConfig) GetTimeoutPaddingDuration() time.Duration {
	d, _ := time.ParseDuration(c.TimeoutPadding)
	if d <= 0 {
		return 1500 * time.Millisecond
	}
	return d
}

// GetFailMode returns the initial fail mode.
func (c *ToolConfig) GetFailMode() failmode.Mode {
	m, err := failmode.Parse(c.FailMode)
	if err != nil {
		return failmode.None
	}
	return m
}

// GetTraceExportInterval returns the span batching interval.
func (c *TelemetryConfig) GetTraceExportInterval() time.Duration {
	return time.Duration(c.TraceExportIntervalMs) * time.Millisecond
}

// GetMetricExportInterval returns the metric export period.
func (c *TelemetryConfig) GetMetricExportInterval() time.Duration {
	return time.Duration(c.MetricExportIntervalMs) * time.Millisecond
}

// GetTimeoutDuration parses the configured string timeout into a time.Duration.
func (c *InspectConfig) GetTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.Timeout)
	if d == 0 {
		return 30 * time.Second
	}
	return d
}

// SetRole overrides the role. A service name that was not configured follows the new role,
// so spans, events and counters carry the name of the hop actually served.
func (c *Config) SetRole(r string) {
	c.Service.Role = r
	c.Service.defaultName()
}

// defaultName fills in Name from Role unless Name was configured.
func (s *ServiceConfig) defaultName() {
	if s.nameSet {
		return
	}
	s.Name = role.GatewayService
	if s.Role == "" {
		return
	}
	if r, err := role.Parse(s.Role); err == nil {
		s.Name = r.ServiceName()
	}
}

// Role resolves the role of this process.
func (c *Config) Role() (role.Role, error) {
	return role.Resolve(c.Service.Role, c.Service.Name)
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.App.Host, c.App.Port)
}

// envBindings maps config keys to the variable names used by the compose deployment.
var envBindings = map[string]string{
	"service.name":                        "SERVICE_NAME",
	"service.role":                        "SERVICE_ROLE",
	"telemetry.endpoint":                  "OTEL_EXPORTER_OTLP_ENDPOINT",
	"telemetry.enabled":                   "TELEMETRY_ENABLED",
	"telemetry.trace_export_interval_ms":  "TRACE_EXPORT_INTERVAL_MS",
	"telemetry.metric_export_interval_ms": "METRIC_EXPORT_INTERVAL_MS",
	"tool.fail_mode":                      "TOOL_FAIL_MODE",
	"tool.timeout_padding":                "TOOL_TIMEOUT_PADDING",
	"upstream.timeout_seconds":            "UPSTREAM_TIMEOUT_SECONDS",
	"upstream.orchestrator_url":           "LLM_SERVICE_URL",
	"upstream.tool_url":                   "TOOL_SERVICE_URL",
	"inspect.tempo_url":                   "TEMPO_URL",
	"inspect.loki_url":                    "LOKI_URL",
	"inspect.prometheus_url":              "PROMETHEUS_URL",
	"inspect.gateway_url":                 "GATEWAY_URL",
}

// Load loads configuration from an optional .env file, an optional config.yaml and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/tracechain")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper applies defaults and environment bindings to v and decodes the result.
func FromViper(v *viper.Viper) (*Config, error) {
	// Allow environment variables to override config
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Tool.FailMode = strings.ToLower(strings.TrimSpace(cfg.Tool.FailMode))
	cfg.Service.nameSet = strings.TrimSpace(cfg.Service.Name) != ""
	cfg.Service.defaultName()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.host", "0.0.0.0")
	v.SetDefault("app.port", 8080)
	v.SetDefault("app.log_level", "info")
	v.SetDefault("telemetry.endpoint", "http://otel-collector:4318")
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.trace_export_interval_ms", 1000)
	v.SetDefault("telemetry.metric_export_interval_ms", 5000)
	v.SetDefault("telemetry.environment", "demo")
	v.SetDefault("upstream.timeout_seconds", 2.0)
	v.SetDefault("upstream.orchestrator_url", "http://llm-service:8080")
	v.SetDefault("upstream.tool_url", "http://tool-service:8080")
	v.SetDefault("tool.fail_mode", string(failmode.None))
	v.SetDefault("tool.timeout_padding", "1500ms")
	v.SetDefault("inspect.tempo_url", "http://localhost:3200")
	v.SetDefault("inspect.loki_url", "http://localhost:3100")
	v.SetDefault("inspect.prometheus_url", "http://localhost:9090")
	v.SetDefault("inspect.gateway_url", "http://localhost:8080")
	v.SetDefault("inspect.timeout", "30s")
}

var validate = validator.New()

// Validate checks field constraints and that the role can be resolved.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.Role(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
