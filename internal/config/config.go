// Package config loads and hot-reloads the gateway's declarative
// configuration: the proxy/monitoring policy document and the upstream
// credential list.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Policy is the process-wide configuration document.
type Policy struct {
	Proxy      ProxyConfig      `mapstructure:"proxy"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
}

// ProxyConfig holds the public HTTP surface settings.
type ProxyConfig struct {
	Host                    string        `mapstructure:"host"`
	Port                    int           `mapstructure:"port"`
	MaxPayloadSizeBytes     int64         `mapstructure:"max_payload_size_bytes"`
	AdminToken              string        `mapstructure:"admin_token"`
	RequestTimeoutMs        int           `mapstructure:"request_timeout_ms"`
	UpstreamBaseURL         string        `mapstructure:"upstream_base_url"`
	AccessTokens            []string      `mapstructure:"access_tokens"`
	RequireAuth             bool          `mapstructure:"require_auth"`
	ReadTimeout             time.Duration `mapstructure:"read_timeout"`
	WriteTimeout            time.Duration `mapstructure:"write_timeout"`
	IdleTimeout             time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
}

// RequestTimeout returns the per-upstream-request timeout as a Duration.
func (p ProxyConfig) RequestTimeout() time.Duration {
	return time.Duration(p.RequestTimeoutMs) * time.Millisecond
}

// MonitoringConfig holds health/circuit tuning parameters.
type MonitoringConfig struct {
	HealthCheckIntervalSeconds int `mapstructure:"health_check_interval_seconds"`
	FailureThreshold           int `mapstructure:"failure_threshold"`
	RecoveryTimeSeconds        int `mapstructure:"recovery_time_seconds"`
	WindowSeconds              int `mapstructure:"window_seconds"`
}

// RecoveryTime returns the circuit breaker's open-state duration.
func (m MonitoringConfig) RecoveryTime() time.Duration {
	return time.Duration(m.RecoveryTimeSeconds) * time.Second
}

// Window returns the health tracker's sliding window length.
func (m MonitoringConfig) Window() time.Duration {
	return time.Duration(m.WindowSeconds) * time.Second
}

// PersistenceConfig locates the two State Store backing files.
type PersistenceConfig struct {
	PrimaryPath  string `mapstructure:"primary_path"`
	FallbackPath string `mapstructure:"fallback_path"`
}

// LogConfig configures structured logging, including the lumberjack.Logger
// rotation knobs (max size, backups, age, compression).
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"` // "stdout", "stderr" or "file"
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig toggles the Prometheus scrape surface.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// RateLimitConfig bounds inbound traffic ahead of the proxy/admin surface.
type RateLimitConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	PerIPRPS    float64 `mapstructure:"per_ip_rps"`
	PerIPBurst  int     `mapstructure:"per_ip_burst"`
	GlobalRPS   float64 `mapstructure:"global_rps"`
	GlobalBurst int     `mapstructure:"global_burst"`
}

// DefaultPolicy returns the built-in defaults; LoadPolicy applies these
// before any file or environment override is layered on top.
func DefaultPolicy() Policy {
	return Policy{
		Proxy: ProxyConfig{
			Host:                    "0.0.0.0",
			Port:                    8080,
			MaxPayloadSizeBytes:     10 * 1024 * 1024,
			RequestTimeoutMs:        60000,
			UpstreamBaseURL:         "https://generativelanguage.googleapis.com",
			RequireAuth:             false,
			ReadTimeout:             30 * time.Second,
			WriteTimeout:            5 * time.Minute,
			IdleTimeout:             120 * time.Second,
			GracefulShutdownTimeout: 30 * time.Second,
		},
		Monitoring: MonitoringConfig{
			HealthCheckIntervalSeconds: 30,
			FailureThreshold:           3,
			RecoveryTimeSeconds:        60,
			WindowSeconds:              300,
		},
		Persistence: PersistenceConfig{
			PrimaryPath:  "",
			FallbackPath: "./data/state.json",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/admin/metrics",
		},
		RateLimit: RateLimitConfig{
			Enabled:     true,
			PerIPRPS:    20,
			PerIPBurst:  40,
			GlobalRPS:   200,
			GlobalBurst: 400,
		},
	}
}

func setDefaults(v *viper.Viper, d Policy) {
	v.SetDefault("proxy.host", d.Proxy.Host)
	v.SetDefault("proxy.port", d.Proxy.Port)
	v.SetDefault("proxy.max_payload_size_bytes", d.Proxy.MaxPayloadSizeBytes)
	v.SetDefault("proxy.admin_token", d.Proxy.AdminToken)
	v.SetDefault("proxy.request_timeout_ms", d.Proxy.RequestTimeoutMs)
	v.SetDefault("proxy.upstream_base_url", d.Proxy.UpstreamBaseURL)
	v.SetDefault("proxy.access_tokens", d.Proxy.AccessTokens)
	v.SetDefault("proxy.require_auth", d.Proxy.RequireAuth)
	v.SetDefault("proxy.read_timeout", d.Proxy.ReadTimeout)
	v.SetDefault("proxy.write_timeout", d.Proxy.WriteTimeout)
	v.SetDefault("proxy.idle_timeout", d.Proxy.IdleTimeout)
	v.SetDefault("proxy.graceful_shutdown_timeout", d.Proxy.GracefulShutdownTimeout)

	v.SetDefault("monitoring.health_check_interval_seconds", d.Monitoring.HealthCheckIntervalSeconds)
	v.SetDefault("monitoring.failure_threshold", d.Monitoring.FailureThreshold)
	v.SetDefault("monitoring.recovery_time_seconds", d.Monitoring.RecoveryTimeSeconds)
	v.SetDefault("monitoring.window_seconds", d.Monitoring.WindowSeconds)

	v.SetDefault("persistence.primary_path", d.Persistence.PrimaryPath)
	v.SetDefault("persistence.fallback_path", d.Persistence.FallbackPath)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.output", d.Log.Output)
	v.SetDefault("log.filename", d.Log.Filename)
	v.SetDefault("log.max_size", d.Log.MaxSize)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age", d.Log.MaxAge)
	v.SetDefault("log.compress", d.Log.Compress)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.path", d.Metrics.Path)

	v.SetDefault("rate_limit.enabled", d.RateLimit.Enabled)
	v.SetDefault("rate_limit.per_ip_rps", d.RateLimit.PerIPRPS)
	v.SetDefault("rate_limit.per_ip_burst", d.RateLimit.PerIPBurst)
	v.SetDefault("rate_limit.global_rps", d.RateLimit.GlobalRPS)
	v.SetDefault("rate_limit.global_burst", d.RateLimit.GlobalBurst)
}

// LoadPolicy reads the policy document at path (if it exists), merges
// defaults and environment overrides, and validates the result.
//
// A missing file is not an error: defaults and env vars still apply.
func LoadPolicy(path string) (Policy, error) {
	v := viper.New()
	setDefaults(v, DefaultPolicy())

	v.SetEnvPrefix("AIGATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && !errors.Is(err, fs.ErrNotExist) {
				return Policy{}, fmt.Errorf("read policy file: %w", err)
			}
		}
	}

	var p Policy
	if err := v.Unmarshal(&p); err != nil {
		return Policy{}, fmt.Errorf("unmarshal policy: %w", err)
	}

	if err := p.Validate(); err != nil {
		return Policy{}, fmt.Errorf("validate policy: %w", err)
	}

	return p, nil
}

// Validate checks the invariants LoadPolicy and hot-reload both rely on.
func (p Policy) Validate() error {
	if p.Proxy.Port <= 0 || p.Proxy.Port > 65535 {
		return fmt.Errorf("invalid proxy.port: %d", p.Proxy.Port)
	}
	if p.Proxy.Host == "" {
		return fmt.Errorf("proxy.host must not be empty")
	}
	if p.Proxy.MaxPayloadSizeBytes <= 0 {
		return fmt.Errorf("proxy.max_payload_size_bytes must be positive")
	}
	if p.Proxy.RequestTimeoutMs <= 0 {
		return fmt.Errorf("proxy.request_timeout_ms must be positive")
	}
	if p.Proxy.UpstreamBaseURL == "" {
		return fmt.Errorf("proxy.upstream_base_url must not be empty")
	}
	if p.Monitoring.FailureThreshold <= 0 {
		return fmt.Errorf("monitoring.failure_threshold must be positive")
	}
	if p.Monitoring.RecoveryTimeSeconds <= 0 {
		return fmt.Errorf("monitoring.recovery_time_seconds must be positive")
	}
	if p.Monitoring.WindowSeconds <= 0 {
		return fmt.Errorf("monitoring.window_seconds must be positive")
	}
	if p.Persistence.FallbackPath == "" {
		return fmt.Errorf("persistence.fallback_path must not be empty")
	}
	return nil
}
