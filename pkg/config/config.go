// Package config loads, validates and persists the relay configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (RELAY_*, plus legacy aliases)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tokenplace/relay/internal/bytesize"
)

// Config is the relay configuration.
type Config struct {
	// Mode selects the deployment posture. "production" refuses to start
	// with insecure defaults (no worker token, no admin credentials).
	Mode string `mapstructure:"mode" validate:"required,oneof=development production" yaml:"mode"`

	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry tracing and Pyroscope profiling.
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Server configures the HTTP listener.
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Relay tunes the dispatch plane.
	Relay RelayConfig `mapstructure:"relay" yaml:"relay"`

	// Auth configures worker registration and the admin surface.
	Auth AuthConfig `mapstructure:"auth" yaml:"auth"`

	// RateLimit configures the per-fingerprint sliding windows.
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Perf enables the in-process timing monitor.
	Perf PerfConfig `mapstructure:"perf" yaml:"perf"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is "text" or "json".
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is "stdout", "stderr", or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP gRPC collector (host:port).
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure disables TLS to the collector. Local development only.
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate is the trace sampling rate (0.0 to 1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	// Profiling configures Pyroscope continuous profiling.
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	Enabled      bool     `mapstructure:"enabled" yaml:"enabled"`
	Endpoint     string   `mapstructure:"endpoint" yaml:"endpoint"`
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Host is the bind address. Env: RELAY_SERVER_HOST or legacy RELAY_HOST.
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the listen port. Env: RELAY_SERVER_PORT or legacy RELAY_PORT.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535" yaml:"port"`

	// PublicURL is the externally reachable URL advertised to clients
	// in /healthz, for relays behind a proxy or load balancer. Env:
	// RELAY_SERVER_PUBLIC_URL or legacy TOKEN_PLACE_RELAY_PUBLIC_URL.
	PublicURL string `mapstructure:"public_url" validate:"omitempty,url" yaml:"public_url,omitempty"`

	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`

	// ShutdownGrace bounds graceful drain on SIGTERM.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
}

// RelayConfig tunes the dispatch plane.
type RelayConfig struct {
	// MaxEnvelopeBytes caps request and reply envelope sizes.
	// Accepts human-readable sizes like "4MB" or "16Mi".
	MaxEnvelopeBytes bytesize.ByteSize `mapstructure:"max_envelope_bytes" yaml:"max_envelope_bytes"`

	// RequestTTL drops tickets the client never retrieves.
	RequestTTL time.Duration `mapstructure:"request_ttl" yaml:"request_ttl"`

	// WorkerTTL drops workers that stop announcing or polling.
	WorkerTTL time.Duration `mapstructure:"worker_ttl" yaml:"worker_ttl"`

	// PollTimeout bounds a worker long-poll.
	PollTimeout time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout"`

	// StreamPollTimeout bounds a client stream-retrieve long-poll.
	StreamPollTimeout time.Duration `mapstructure:"stream_poll_timeout" yaml:"stream_poll_timeout"`

	// StreamGapTimeout fails a stream stuck on a missing chunk.
	StreamGapTimeout time.Duration `mapstructure:"stream_gap_timeout" yaml:"stream_gap_timeout"`

	// MaxInFlightPerWorker caps concurrent requests held by one worker.
	MaxInFlightPerWorker int `mapstructure:"max_inflight_per_worker" validate:"omitempty,min=1" yaml:"max_inflight_per_worker"`

	// QueueCapacity bounds each worker's inbound channel.
	QueueCapacity int `mapstructure:"queue_capacity" validate:"omitempty,min=1" yaml:"queue_capacity"`

	// SweepInterval drives the ticket/worker/stream sweeper.
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`

	// KeyGraceWindow keeps rotated-out keys decrypt-only.
	KeyGraceWindow time.Duration `mapstructure:"key_grace_window" yaml:"key_grace_window"`
}

// AuthConfig configures worker registration and the admin surface.
type AuthConfig struct {
	// WorkerToken is the shared registration token for workers.
	// Empty disables the check (development only).
	// Env: RELAY_AUTH_WORKER_TOKEN or legacy TOKEN_PLACE_RELAY_SERVER_TOKEN.
	WorkerToken string `mapstructure:"worker_token" yaml:"worker_token,omitempty"`

	// AdminUsername is the /admin login name.
	AdminUsername string `mapstructure:"admin_username" yaml:"admin_username"`

	// AdminPasswordHash is the bcrypt hash of the admin password,
	// generated by 'relay init'.
	AdminPasswordHash string `mapstructure:"admin_password_hash" yaml:"admin_password_hash,omitempty"`

	// JWTSecret signs admin session tokens.
	JWTSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret,omitempty"`

	// JWTTTL bounds admin session lifetime.
	JWTTTL time.Duration `mapstructure:"jwt_ttl" yaml:"jwt_ttl"`
}

// RateLimitConfig configures the per-fingerprint sliding windows.
// Negative values disable the bucket.
type RateLimitConfig struct {
	// SubmitPerMinute budgets client submissions.
	SubmitPerMinute int `mapstructure:"submit_per_minute" yaml:"submit_per_minute"`

	// StreamRetrievePerMinute budgets stream chunk polling.
	// Env: RELAY_RATE_LIMIT_STREAM_RETRIEVE_PER_MINUTE or legacy
	// API_STREAM_RATE_LIMIT.
	StreamRetrievePerMinute int `mapstructure:"stream_retrieve_per_minute" yaml:"stream_retrieve_per_minute"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// PerfConfig enables the in-process timing monitor.
// Env: RELAY_PERF_ENABLED or legacy TOKEN_PLACE_PERF_MONITOR.
type PerfConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Load loads configuration from file, environment, and defaults.
// An empty configPath uses the default location; a missing file is not
// an error and yields defaults plus environment overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when the
// explicitly requested file does not exist.
func MustLoad(configPath string) (*Config, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Create it first:\n"+
				"  relay init --config %s",
				configPath, configPath)
		}
	}
	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the configuration as YAML with restricted
// permissions; the file may carry the worker token and JWT secret.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures environment binding and the config file search.
func setupViper(v *viper.Viper, configPath string) {
	// RELAY_ prefixed variables map onto config keys with underscores:
	// RELAY_SERVER_PORT=9000, RELAY_LOGGING_LEVEL=DEBUG.
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Legacy aliases kept for operators migrating older deployments.
	_ = v.BindEnv("server.host", "RELAY_SERVER_HOST", "RELAY_HOST")
	_ = v.BindEnv("server.port", "RELAY_SERVER_PORT", "RELAY_PORT")
	_ = v.BindEnv("server.public_url", "RELAY_SERVER_PUBLIC_URL", "TOKEN_PLACE_RELAY_PUBLIC_URL")
	_ = v.BindEnv("auth.worker_token", "RELAY_AUTH_WORKER_TOKEN", "TOKEN_PLACE_RELAY_SERVER_TOKEN")
	_ = v.BindEnv("rate_limit.stream_retrieve_per_minute",
		"RELAY_RATE_LIMIT_STREAM_RETRIEVE_PER_MINUTE", "API_STREAM_RATE_LIMIT")
	_ = v.BindEnv("perf.enabled", "RELAY_PERF_ENABLED", "TOKEN_PLACE_PERF_MONITOR")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the config file if present; a missing file falls
// back to defaults and environment.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// configDecodeHooks combines the custom decode hooks: human-readable
// byte sizes and durations.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory, honoring
// XDG_CONFIG_HOME.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "tokenplace")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "tokenplace")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks for a config file at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory (for 'relay init').
func GetConfigDir() string {
	return getConfigDir()
}
