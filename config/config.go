// Package config loads and validates the pressroom configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables overriding secret-bearing configuration values. They
// are applied on every Load so deployments can keep credentials out of the
// config file entirely.
const (
	EnvStorageURI       = "PRESSROOM_MONGO_URI"
	EnvRevalidateSecret = "PRESSROOM_REVALIDATE_SECRET"
	EnvPreviewSecret    = "PRESSROOM_PREVIEW_SECRET"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig configures runtime telemetry exporters.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider,omitempty"`
}

// StorageConfig describes the document database holding the content. The
// connection URI is deliberately optional here: it is usually injected via
// PRESSROOM_MONGO_URI, and an absent URI is only detected when the connection
// is first needed.
type StorageConfig struct {
	URI         string   `yaml:"uri,omitempty"`
	Database    string   `yaml:"database,omitempty"`
	Collection  string   `yaml:"collection,omitempty"`
	DialTimeout Duration `yaml:"dial_timeout,omitempty"`
}

// DatabaseName returns the configured database, falling back to "pressroom".
func (s StorageConfig) DatabaseName() string {
	if s.Database == "" {
		return "pressroom"
	}
	return s.Database
}

// CollectionName returns the configured collection, falling back to "posts".
func (s StorageConfig) CollectionName() string {
	if s.Collection == "" {
		return "posts"
	}
	return s.Collection
}

// DialTimeoutOrDefault bounds a single connection attempt.
func (s StorageConfig) DialTimeoutOrDefault() time.Duration {
	if s.DialTimeout.Duration <= 0 {
		return 10 * time.Second
	}
	return s.DialTimeout.Duration
}

// PagesConfig controls page generation and the snapshot cache.
type PagesConfig struct {
	Revalidate    Duration `yaml:"revalidate,omitempty"`
	SweepInterval Duration `yaml:"sweep_interval,omitempty"`
	Workers       int      `yaml:"workers,omitempty"`
	SnapshotPath  string   `yaml:"snapshot_path,omitempty"`
	TemplateDir   string   `yaml:"template_dir,omitempty"`
	SiteName      string   `yaml:"site_name,omitempty"`
	Visibility    string   `yaml:"visibility,omitempty"`
}

// RevalidateInterval returns the age after which a cached page counts as
// stale. An unset value falls back to 30s, a negative value disables
// time-based staleness entirely and the method returns zero.
func (p PagesConfig) RevalidateInterval() time.Duration {
	if p.Revalidate.Duration < 0 {
		return 0
	}
	if p.Revalidate.Duration == 0 {
		return 30 * time.Second
	}
	return p.Revalidate.Duration
}

// SweepIntervalOrDefault returns the cadence of the background sweep that
// rebuilds expired pages proactively.
func (p PagesConfig) SweepIntervalOrDefault() time.Duration {
	if p.SweepInterval.Duration <= 0 {
		return time.Minute
	}
	return p.SweepInterval.Duration
}

// WorkerSlots returns the concurrency used when rebuilding several pages.
func (p PagesConfig) WorkerSlots() int {
	if p.Workers <= 0 {
		return 2
	}
	return p.Workers
}

// Site returns the display name used on rendered pages.
func (p PagesConfig) Site() string {
	if p.SiteName == "" {
		return "pressroom"
	}
	return p.SiteName
}

// PreviewConfig gates draft previews.
type PreviewConfig struct {
	Secret string   `yaml:"secret,omitempty"`
	TTL    Duration `yaml:"ttl,omitempty"`
}

// SessionTTL returns how long an issued preview session stays valid.
func (p PreviewConfig) SessionTTL() time.Duration {
	if p.TTL.Duration <= 0 {
		return 30 * time.Minute
	}
	return p.TTL.Duration
}

// AdminConfig gates mutating maintenance endpoints.
type AdminConfig struct {
	RevalidateSecret string `yaml:"revalidate_secret,omitempty"`
}

// Config is the root configuration structure for the service.
type Config struct {
	Name      string          `yaml:"name,omitempty"`
	Listen    string          `yaml:"listen,omitempty"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Storage   StorageConfig   `yaml:"storage"`
	Pages     PagesConfig     `yaml:"pages"`
	Preview   PreviewConfig   `yaml:"preview"`
	Admin     AdminConfig     `yaml:"admin"`
	HotReload bool            `yaml:"hot_reload,omitempty"`

	// Source is the absolute path the configuration was loaded from. It feeds
	// the reload watcher and is empty for configs built in code.
	Source string `yaml:"-"`
}

// ListenAddr returns the HTTP listen address, falling back to ":8080".
func (c *Config) ListenAddr() string {
	if c == nil || c.Listen == "" {
		return ":8080"
	}
	return c.Listen
}

// ServiceName returns the configured name, falling back to "pressroom".
func (c *Config) ServiceName() string {
	if c == nil || c.Name == "" {
		return "pressroom"
	}
	return c.Name
}

// Load reads, schema-checks and decodes the configuration file from disk and
// applies environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", abs, err)
	}
	if err := validateSchema(abs, raw); err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", abs, err)
	}
	cfg.Source = abs
	cfg.applyEnv()
	return &cfg, nil
}

// applyEnv overrides secret-bearing values from the process environment.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvStorageURI); v != "" {
		c.Storage.URI = v
	}
	if v := os.Getenv(EnvRevalidateSecret); v != "" {
		c.Admin.RevalidateSecret = v
	}
	if v := os.Getenv(EnvPreviewSecret); v != "" {
		c.Preview.Secret = v
	}
}

// WatchPaths lists the files the reload watcher should track for this
// configuration: the config file itself plus any template overrides.
func (c *Config) WatchPaths() []string {
	if c == nil {
		return nil
	}
	paths := make([]string, 0, 2)
	if c.Source != "" {
		paths = append(paths, c.Source)
	}
	if c.Pages.TemplateDir != "" {
		paths = append(paths, c.Pages.TemplateDir)
	}
	return paths
}
