package app

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/pressroom-dev/pressroom/config"
	"github.com/pressroom-dev/pressroom/store"
	"github.com/pressroom-dev/pressroom/telemetry"
)

// WithLogger provides a custom logger instance for the app. The configured
// logging section is ignored in that case.
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.logger = logger
		cfg.customLogger = true
		return nil
	}
}

// WithConfigPath configures the app to load configuration data from the
// provided path. The optional register callback receives the reload hook so
// callers can wire it to a signal handler.
func WithConfigPath(path string, register func(ReloadFunc)) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.configPath = strings.TrimSpace(path)
		cfg.registerReload = register
		return nil
	}
}

// WithConfig supplies an already loaded configuration instance.
func WithConfig(cfgData *config.Config) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.config = cfgData
		return nil
	}
}

// WithListenOverride pins the HTTP listen address regardless of what the
// configuration file says. The override survives configuration reloads.
func WithListenOverride(addr string) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.listenOverride = strings.TrimSpace(addr)
		return nil
	}
}

// WithStore injects a content store, bypassing the configured storage
// backend. Injected stores are owned by the caller and survive reloads.
func WithStore(st store.Store) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.store = st
		return nil
	}
}

// WithTelemetry injects a collector instance overriding the default
// configuration-based behaviour.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		if collector == nil {
			collector = telemetry.Noop()
		}
		cfg.telemetry = collector
		cfg.telemetryProvided = true
		return nil
	}
}
