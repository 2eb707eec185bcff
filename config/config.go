// Package config holds the relay's explicit configuration value.
//
// Scan root, manifest name and bundle path are injected into every component
// through Config instead of living in process-wide state.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wippyai/wasm-relay/errors"
)

const (
	DefaultManifestName = "config.json"
	DefaultSocketSuffix = ".sock"
	DefaultMaxAttempts  = 1000
)

// Config is the relay configuration for one function instance.
type Config struct {
	// BundlePath is this instance's bundle directory.
	BundlePath string
	// ScanRoot is the directory walked to discover sibling bundles.
	// Empty derives it from BundlePath.
	ScanRoot     string
	ManifestName string
	SocketSuffix string
	Retry        RetryConfig
	Bootstrap    BootstrapConfig
	Engine       EngineConfig
	Log          LogConfig
	Metrics      MetricsConfig
}

// RetryConfig bounds socket reconnects with rediscovery.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// BootstrapConfig paces the network-bootstrap dial loop.
type BootstrapConfig struct {
	DialRate float64
	Burst    int
}

type EngineConfig struct {
	// MemoryLimitPages caps memory per module in 64KB pages. 0 keeps the wazero default.
	MemoryLimitPages uint32
}

type LogConfig struct {
	Level       string
	Development bool
}

type MetricsConfig struct {
	// Address serves /metrics when non-empty, e.g. "127.0.0.1:9464".
	Address string
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		ManifestName: DefaultManifestName,
		SocketSuffix: DefaultSocketSuffix,
		Retry: RetryConfig{
			MaxAttempts:     DefaultMaxAttempts,
			InitialInterval: time.Millisecond,
			MaxInterval:     250 * time.Millisecond,
			Multiplier:      2,
		},
		Bootstrap: BootstrapConfig{
			DialRate: 50,
			Burst:    1,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// fileConfig mirrors Config for YAML decoding; pointer fields distinguish unset from zero.
type fileConfig struct {
	BundlePath   string `yaml:"bundlePath"`
	ScanRoot     string `yaml:"scanRoot"`
	ManifestName string `yaml:"manifestName"`
	SocketSuffix string `yaml:"socketSuffix"`
	Retry        struct {
		MaxAttempts     int           `yaml:"maxAttempts"`
		InitialInterval time.Duration `yaml:"initialInterval"`
		MaxInterval     time.Duration `yaml:"maxInterval"`
		Multiplier      float64       `yaml:"multiplier"`
	} `yaml:"retry"`
	Bootstrap struct {
		DialRate float64 `yaml:"dialRate"`
		Burst    int     `yaml:"burst"`
	} `yaml:"bootstrap"`
	Engine struct {
		MemoryLimitPages uint32 `yaml:"memoryLimitPages"`
	} `yaml:"engine"`
	Log struct {
		Level       string `yaml:"level"`
		Development *bool  `yaml:"development"`
	} `yaml:"log"`
	Metrics struct {
		Address string `yaml:"address"`
	} `yaml:"metrics"`
}

// Load builds a Config from defaults, the YAML file at path (if non-empty)
// and RELAY_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.New(errors.PhaseConfig, errors.KindIO).
				Path(path).
				Detail("read config file").
				Cause(err).
				Build()
		}
		if err := Parse(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	ApplyEnvOverrides(&cfg)
	return cfg, nil
}

// Parse merges YAML data onto cfg.
func Parse(data []byte, cfg *Config) error {
	var parsed fileConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "parse config yaml")
	}
	merge(cfg, &parsed)
	return nil
}

func merge(dst *Config, src *fileConfig) {
	if src.BundlePath != "" {
		dst.BundlePath = src.BundlePath
	}
	if src.ScanRoot != "" {
		dst.ScanRoot = src.ScanRoot
	}
	if src.ManifestName != "" {
		dst.ManifestName = src.ManifestName
	}
	if src.SocketSuffix != "" {
		dst.SocketSuffix = src.SocketSuffix
	}
	if src.Retry.MaxAttempts != 0 {
		dst.Retry.MaxAttempts = src.Retry.MaxAttempts
	}
	if src.Retry.InitialInterval != 0 {
		dst.Retry.InitialInterval = src.Retry.InitialInterval
	}
	if src.Retry.MaxInterval != 0 {
		dst.Retry.MaxInterval = src.Retry.MaxInterval
	}
	if src.Retry.Multiplier != 0 {
		dst.Retry.Multiplier = src.Retry.Multiplier
	}
	if src.Bootstrap.DialRate != 0 {
		dst.Bootstrap.DialRate = src.Bootstrap.DialRate
	}
	if src.Bootstrap.Burst != 0 {
		dst.Bootstrap.Burst = src.Bootstrap.Burst
	}
	if src.Engine.MemoryLimitPages != 0 {
		dst.Engine.MemoryLimitPages = src.Engine.MemoryLimitPages
	}
	if src.Log.Level != "" {
		dst.Log.Level = src.Log.Level
	}
	if src.Log.Development != nil {
		dst.Log.Development = *src.Log.Development
	}
	if src.Metrics.Address != "" {
		dst.Metrics.Address = src.Metrics.Address
	}
}

// ApplyEnvOverrides applies RELAY_* variables. Unparsable numeric values are ignored.
func ApplyEnvOverrides(cfg *Config) {
	if v := env("RELAY_BUNDLE_PATH"); v != "" {
		cfg.BundlePath = v
	}
	if v := env("RELAY_SCAN_ROOT"); v != "" {
		cfg.ScanRoot = v
	}
	if v := env("RELAY_MANIFEST_NAME"); v != "" {
		cfg.ManifestName = v
	}
	if v := env("RELAY_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := env("RELAY_METRICS_ADDRESS"); v != "" {
		cfg.Metrics.Address = v
	}
	if v := env("RELAY_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.MaxAttempts = n
		}
	}
	if v := env("RELAY_RETRY_MAX_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retry.MaxInterval = d
		}
	}
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// ResolvedScanRoot returns ScanRoot, or the bundle's grandparent directory
// when unset. Orchestrators lay bundles out as <root>/<namespace>/<id>.
func (c Config) ResolvedScanRoot() string {
	if c.ScanRoot != "" {
		return c.ScanRoot
	}
	if c.BundlePath == "" {
		return ""
	}
	clean := filepath.Clean(c.BundlePath)
	return filepath.Dir(filepath.Dir(clean))
}

// SocketPath returns the rendezvous socket path for this instance's bundle.
// Empty when no bundle path is set.
func (c Config) SocketPath() string {
	if c.BundlePath == "" {
		return ""
	}
	return filepath.Clean(c.BundlePath) + c.SocketSuffix
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.ManifestName == "":
		return errors.InvalidInput(errors.PhaseConfig, "manifest name cannot be empty")
	case strings.ContainsRune(c.ManifestName, filepath.Separator):
		return errors.InvalidInput(errors.PhaseConfig, "manifest name must be a file name")
	case c.SocketSuffix == "":
		return errors.InvalidInput(errors.PhaseConfig, "socket suffix cannot be empty")
	case c.Retry.MaxAttempts <= 0:
		return errors.InvalidInput(errors.PhaseConfig, "retry.maxAttempts must be positive")
	case c.Retry.InitialInterval < 0 || c.Retry.MaxInterval < 0:
		return errors.InvalidInput(errors.PhaseConfig, "retry intervals cannot be negative")
	case c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1:
		return errors.InvalidInput(errors.PhaseConfig, "retry.multiplier must be at least 1")
	case c.Bootstrap.DialRate < 0:
		return errors.InvalidInput(errors.PhaseConfig, "bootstrap.dialRate cannot be negative")
	}
	return nil
}
