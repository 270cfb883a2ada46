package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/tokenplace/relay/internal/logger"
)

// WatchLogLevel watches the config file and applies logging changes at
// runtime without a restart. Only the logging section is hot-reloaded;
// everything else requires a restart by design (queues and keys cannot
// be rewired live).
//
// No-op when configPath is empty and no default config file exists.
func WatchLogLevel(configPath string) {
	v := viper.New()
	setupViper(v, configPath)
	if err := readConfigFile(v); err != nil {
		logger.Warn("config watch disabled", logger.KeyError, err.Error())
		return
	}
	if v.ConfigFileUsed() == "" {
		return
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
			logger.Warn("ignoring config change", logger.KeyError, err.Error())
			return
		}
		ApplyDefaults(&cfg)

		logger.SetLevel(cfg.Logging.Level)
		logger.SetFormat(cfg.Logging.Format)
		logger.Info("logging reconfigured",
			"level", cfg.Logging.Level,
			"format", cfg.Logging.Format,
			"file", e.Name)
	})
	v.WatchConfig()
}
