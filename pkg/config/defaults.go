package config

import (
	"strings"
	"time"

	"github.com/tokenplace/relay/internal/bytesize"
)

// ApplyDefaults fills unspecified fields with sensible defaults.
// Zero values are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	if cfg.Mode == "" {
		cfg.Mode = "development"
	}
	cfg.Mode = strings.ToLower(cfg.Mode)

	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyServerDefaults(&cfg.Server)
	applyRelayDefaults(&cfg.Relay)
	applyAuthDefaults(&cfg.Auth)
	applyRateLimitDefaults(&cfg.RateLimit)
	applyMetricsDefaults(&cfg.Metrics)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	applyProfilingDefaults(&cfg.Profiling)
}

func applyProfilingDefaults(cfg *ProfilingConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:4040"
	}
	if len(cfg.ProfileTypes) == 0 {
		cfg.ProfileTypes = []string{"cpu", "alloc_space", "inuse_space", "goroutines"}
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 5010
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		// Above the worker poll timeout so long-polls are not cut off.
		cfg.WriteTimeout = 90 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
}

func applyRelayDefaults(cfg *RelayConfig) {
	if cfg.MaxEnvelopeBytes == 0 {
		cfg.MaxEnvelopeBytes = 4 * bytesize.MiB
	}
	if cfg.RequestTTL == 0 {
		cfg.RequestTTL = 60 * time.Second
	}
	if cfg.WorkerTTL == 0 {
		cfg.WorkerTTL = 90 * time.Second
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	if cfg.StreamPollTimeout == 0 {
		cfg.StreamPollTimeout = 25 * time.Second
	}
	if cfg.StreamGapTimeout == 0 {
		cfg.StreamGapTimeout = 10 * time.Second
	}
	if cfg.MaxInFlightPerWorker == 0 {
		cfg.MaxInFlightPerWorker = 4
	}
	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = 32
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	if cfg.KeyGraceWindow == 0 {
		cfg.KeyGraceWindow = 5 * time.Minute
	}
}

func applyAuthDefaults(cfg *AuthConfig) {
	if cfg.AdminUsername == "" {
		cfg.AdminUsername = "admin"
	}
	if cfg.JWTTTL == 0 {
		cfg.JWTTTL = time.Hour
	}
	// WorkerToken, AdminPasswordHash and JWTSecret have no defaults;
	// production mode refuses to start without them.
}

func applyRateLimitDefaults(cfg *RateLimitConfig) {
	if cfg.SubmitPerMinute == 0 {
		cfg.SubmitPerMinute = 60
	}
	if cfg.StreamRetrievePerMinute == 0 {
		cfg.StreamRetrievePerMinute = 600
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// GetDefaultConfig returns a Config with all defaults applied, used by
// 'relay init' and the schema command.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
