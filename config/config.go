// Package config loads service settings from an optional YAML file and AUTODM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override, e.g. AUTODM_STORAGE_BUCKET.
const EnvPrefix = "AUTODM_"

// Run modes.
const (
	ModeServe = "serve"
	ModeOnce  = "once"
)

// Storage backends.
const (
	BackendGCS      = "gcs"
	BackendLocal    = "local"
	BackendPostgres = "postgres"
)

// Config is the complete service configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Storage  StorageConfig  `koanf:"storage"`
	Graph    GraphConfig    `koanf:"graph"`
	Dispatch DispatchConfig `koanf:"dispatch"`
	Run      RunConfig      `koanf:"run"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port string `koanf:"port"`
}

// StorageConfig selects and locates the persistence backend.
type StorageConfig struct {
	Backend   string `koanf:"backend"`
	Bucket    string `koanf:"bucket"`
	LocalPath string `koanf:"local_path"`
	DSN       string `koanf:"dsn"`

	CredentialsFile string `koanf:"credentials_file"` // Service account key for GCS; empty uses default credentials
}

// GraphConfig tunes the Graph API client.
type GraphConfig struct {
	BaseURL           string        `koanf:"base_url"`
	RefreshURL        string        `koanf:"refresh_url"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
	Burst             int           `koanf:"burst"`
	MaxPages          int           `koanf:"max_pages"`
	LookupCacheSize   int           `koanf:"lookup_cache_size"`
	LookupCacheTTL    time.Duration `koanf:"lookup_cache_ttl"`
	RetryAttempts     uint          `koanf:"retry_attempts"`
	Timeout           time.Duration `koanf:"timeout"`
}

// DispatchConfig holds fallback texts for replies and messages.
type DispatchConfig struct {
	DefaultReply  string `koanf:"default_reply"`
	DefaultButton string `koanf:"default_button"`
	Branding      string `koanf:"branding"`
	PayloadPrefix string `koanf:"payload_prefix"`
}

// RunConfig selects how automation runs are triggered.
type RunConfig struct {
	Mode     string        `koanf:"mode"`
	Interval time.Duration `koanf:"interval"` // Zero disables the internal ticker in serve mode
}

// Load reads the YAML file named by AUTODM_CONFIG (if any), then applies environment overrides.
func Load() (*Config, error) {
	k := koanf.New(".")

	if path := os.Getenv(EnvPrefix + "CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// AUTODM_STORAGE_LOCAL_PATH -> storage.local_path: only the first underscore separates the section.
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envKey(s string) string {
	return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".", 1)
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}

	// A bucket means GCS and a DSN means Postgres; otherwise use a local directory.
	if c.Storage.Backend == "" {
		switch {
		case c.Storage.Bucket != "":
			c.Storage.Backend = BackendGCS
		case c.Storage.DSN != "":
			c.Storage.Backend = BackendPostgres
		default:
			c.Storage.Backend = BackendLocal
		}
	}
	if c.Storage.Backend == BackendLocal && c.Storage.LocalPath == "" {
		c.Storage.LocalPath = "./data"
	}

	if c.Graph.Timeout <= 0 {
		c.Graph.Timeout = 30 * time.Second
	}
	if c.Graph.RequestsPerSecond <= 0 {
		c.Graph.RequestsPerSecond = 5
	}
	if c.Graph.Burst <= 0 {
		c.Graph.Burst = 5
	}

	if c.Dispatch.DefaultReply == "" {
		c.Dispatch.DefaultReply = "Check your DMs!"
	}
	if c.Dispatch.DefaultButton == "" {
		c.Dispatch.DefaultButton = "Send it"
	}
	if c.Dispatch.PayloadPrefix == "" {
		c.Dispatch.PayloadPrefix = "AUTOMATION_"
	}

	if c.Run.Mode == "" {
		c.Run.Mode = ModeServe
	}
}

// Validate checks that the settings are usable together.
func (c *Config) Validate() error {
	var errs []error

	switch c.Run.Mode {
	case ModeServe, ModeOnce:
	default:
		errs = append(errs, fmt.Errorf("run.mode must be %q or %q, got %q", ModeServe, ModeOnce, c.Run.Mode))
	}
	if c.Run.Interval < 0 {
		errs = append(errs, errors.New("run.interval must not be negative"))
	}

	switch c.Storage.Backend {
	case BackendGCS:
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("storage.bucket is required for the gcs backend"))
		}
	case BackendLocal:
	case BackendPostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}

	return errors.Join(errs...)
}
