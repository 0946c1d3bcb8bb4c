// Package config implements Tokentap's process-wide configuration layer:
// a YAML document describing the listen address, sink tuning, event store
// driver, device registry, metrics, and security state-file locations.
//
// Grounded on the teacher's internal/config.LoadYAMLConfig /
// LoadEnvironmentConfig / mergeConfigs / Validate / LogConfiguration
// idioms — base file + environment overlay, deep-merged leaf-wins — but
// trimmed to Tokentap's own fields (no provider/model/pricing schema;
// provider definitions are C1's own domain, loaded separately via
// internal/registry.Load). The base+override merge itself is delegated to
// internal/yamlmerge rather than duplicated here.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tokentap/tokentap/internal/yamlmerge"
)

// Config is Tokentap's top-level process configuration.
type Config struct {
	ListenAddr    string        `yaml:"listen_addr"`
	GraceDeadline time.Duration `yaml:"grace_deadline"`

	ProvidersPath      string            `yaml:"providers_path"`
	ProvidersOverride  string            `yaml:"providers_override_path"`
	LegacyHostRewrites map[string]string `yaml:"legacy_host_rewrites"`

	Sink       SinkConfig       `yaml:"sink"`
	EventStore EventStoreConfig `yaml:"event_store"`
	Device     DeviceConfig     `yaml:"device"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Security   SecurityConfig   `yaml:"security"`
}

// SinkConfig tunes C6's async worker pool.
type SinkConfig struct {
	QueueCapacity int `yaml:"queue_capacity"`
	Workers       int `yaml:"workers"`
}

// EventStoreConfig selects and configures C6's backing store. Driver is
// "dynamodb" or "file"; exactly one of the two sub-structs is consulted.
type EventStoreConfig struct {
	Driver   string                    `yaml:"driver"`
	DynamoDB *DynamoDBEventStoreConfig `yaml:"dynamodb,omitempty"`
	File     *FileEventStoreConfig     `yaml:"file,omitempty"`
}

type DynamoDBEventStoreConfig struct {
	TableName string `yaml:"table_name"`
	Region    string `yaml:"region"`
}

type FileEventStoreConfig struct {
	Path string `yaml:"path"`
}

// DeviceConfig configures C5's Redis-backed device registry. If Enabled is
// false, device resolution still works (IDs are still computed) but no
// upsert against a persistent registry happens; an empty RedisAddr alone
// does not turn the registry off.
type DeviceConfig struct {
	Enabled   bool   `yaml:"enabled"`
	RedisAddr string `yaml:"redis_addr"`
}

// MetricsConfig configures the DogStatsD client. If Enabled is false, a
// no-op client is used.
type MetricsConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Host      string   `yaml:"host"`
	Port      int      `yaml:"port"`
	Namespace string   `yaml:"namespace"`
	Tags      []string `yaml:"tags"`
}

// SecurityConfig points at C7's three state files.
type SecurityConfig struct {
	NetworkModePath string `yaml:"network_mode_path"`
	DebugModePath   string `yaml:"debug_mode_path"`
	AdminTokenPath  string `yaml:"admin_token_path"`
}

// Default returns the built-in configuration used when no config file is
// present, mirroring the teacher's GetDefaultYAMLConfig fallback.
func Default() *Config {
	return &Config{
		ListenAddr:    "127.0.0.1:8443",
		GraceDeadline: 10 * time.Second,
		ProvidersPath: "configs/providers.yaml",
		Sink: SinkConfig{
			QueueCapacity: 4096,
			Workers:       2,
		},
		EventStore: EventStoreConfig{
			Driver: "file",
			File:   &FileEventStoreConfig{Path: "data/events.jsonl"},
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Host:      "localhost",
			Port:      8125,
			Namespace: "tokentap",
		},
		Security: SecurityConfig{
			NetworkModePath: "state/network_mode",
			DebugModePath:   "state/debug_mode",
			AdminTokenPath:  "state/admin.token",
		},
	}
}

// Load reads the base config file, optionally deep-merges an
// environment-specific overlay (configs/<env>.yaml, env from the
// TOKENTAP_ENV variable, default "dev"), and validates the result. A
// missing base file is not an error — Default() is returned instead,
// matching the teacher's "missing file means defaults" LoadYAMLConfig
// behavior.
func Load(basePath string) (*Config, error) {
	baseBytes, err := readIfExists(basePath)
	if err != nil {
		return nil, err
	}
	if baseBytes == nil {
		return Default(), nil
	}

	env := os.Getenv("TOKENTAP_ENV")
	if env == "" {
		env = "dev"
	}
	overlayPath := filepath.Join(filepath.Dir(basePath), env+".yaml")
	overlayBytes, err := readIfExists(overlayPath)
	if err != nil {
		return nil, err
	}

	merged, err := yamlmerge.MergeDocuments(baseBytes, overlayBytes)
	if err != nil {
		return nil, fmt.Errorf("config: merge base+overlay: %w", err)
	}

	cfg := Default()
	if err := yamlmerge.DecodeInto(merged, cfg); err != nil {
		return nil, fmt.Errorf("config: decode merged document: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return cfg, nil
}

func readIfExists(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return b, nil
}

// Validate checks the invariants Load can't express as zero-value
// defaults alone.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr must not be empty")
	}
	switch c.EventStore.Driver {
	case "dynamodb":
		if c.EventStore.DynamoDB == nil || c.EventStore.DynamoDB.TableName == "" {
			return fmt.Errorf("config: event_store.dynamodb.table_name is required when driver=dynamodb")
		}
	case "file":
		if c.EventStore.File == nil || c.EventStore.File.Path == "" {
			return fmt.Errorf("config: event_store.file.path is required when driver=file")
		}
	default:
		return fmt.Errorf("config: event_store.driver must be \"dynamodb\" or \"file\", got %q", c.EventStore.Driver)
	}
	if c.Sink.Workers <= 0 {
		c.Sink.Workers = 2
	}
	if c.Sink.QueueCapacity <= 0 {
		c.Sink.QueueCapacity = 4096
	}
	return nil
}

// LogConfiguration writes a human-readable summary at startup, mirroring
// the teacher's YAMLConfig.LogConfiguration.
func (c *Config) LogConfiguration(logger *slog.Logger) {
	logger.Info("tokentap configuration",
		"listen_addr", c.ListenAddr,
		"grace_deadline", c.GraceDeadline,
		"providers_path", c.ProvidersPath,
		"event_store_driver", c.EventStore.Driver,
		"sink_workers", c.Sink.Workers,
		"sink_queue_capacity", c.Sink.QueueCapacity,
		"metrics_enabled", c.Metrics.Enabled,
		"device_registry_enabled", c.Device.Enabled,
	)
}
