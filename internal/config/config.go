// Package config provides YAML configuration loading, environment overrides
// and validation for the podtail agent.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. PODTAIL_ROOT or
// PODTAIL_SPOOL_BATCH_SIZE.
const EnvPrefix = "PODTAIL"

// Config is the top-level configuration structure for the podtail agent.
type Config struct {
	// Root is the directory whose files are tailed. Defaults to
	// /var/log/containers when Kubernetes decoration is enabled.
	Root string `yaml:"root" split_words:"true"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level" split_words:"true"`

	// ListenAddr is the listen address of the HTTP server serving /healthz,
	// /metrics and the entries API. Defaults to "127.0.0.1:9000".
	ListenAddr string `yaml:"listen_addr" split_words:"true"`

	Kubernetes KubernetesConfig `yaml:"kubernetes" split_words:"true"`
	Spool      SpoolConfig      `yaml:"spool" split_words:"true"`
	Storage    StorageConfig    `yaml:"storage" split_words:"true"`
}

// KubernetesConfig controls pod metadata decoration.
type KubernetesConfig struct {
	// Enabled turns kubelet file names into pod, namespace and container
	// metadata.
	Enabled bool `yaml:"enabled" split_words:"true"`

	// Kubeconfig is used when the agent does not run inside a cluster.
	// Empty means the default loading rules.
	Kubeconfig string `yaml:"kubeconfig" split_words:"true"`

	// LabelLookup additionally fetches pod labels from the API server.
	LabelLookup bool `yaml:"label_lookup" split_words:"true"`

	// LabelCacheSize bounds the number of files whose metadata is cached.
	// Defaults to 1024.
	LabelCacheSize int `yaml:"label_cache_size" split_words:"true"`

	// LabelCacheTTL is how long cached metadata is trusted. Defaults to 5m.
	LabelCacheTTL time.Duration `yaml:"label_cache_ttl" split_words:"true"`
}

// SpoolConfig controls the local SQLite buffer.
type SpoolConfig struct {
	// Path is the SQLite database file. Empty disables the spool and
	// entries go straight to the sink.
	Path string `yaml:"path" split_words:"true"`

	// BatchSize is the maximum number of records forwarded per sink write.
	// Defaults to 500.
	BatchSize int `yaml:"batch_size" split_words:"true"`

	// ForwardInterval is how often the spool is drained to the sink, and the
	// minimum spacing between retries after a failed write. Defaults to 1s.
	ForwardInterval time.Duration `yaml:"forward_interval" split_words:"true"`
}

// StorageConfig controls the PostgreSQL sink.
type StorageConfig struct {
	// DSN is a PostgreSQL connection string. Empty means entries are written
	// to stdout as JSON lines.
	DSN string `yaml:"dsn" split_words:"true"`
}

// Defaults applied by applyDefaults.
const (
	DefaultLogLevel        = "info"
	DefaultListenAddr      = "127.0.0.1:9000"
	DefaultKubernetesRoot  = "/var/log/containers"
	DefaultLabelCacheSize  = 1024
	DefaultLabelCacheTTL   = 5 * time.Minute
	DefaultBatchSize       = 500
	DefaultForwardInterval = time.Second
)

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, applies PODTAIL_* environment
// overrides on top of it, fills in defaults, and validates the result. Every
// validation failure is reported, joined into one error.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	if err := finish(&cfg); err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}
	return &cfg, nil
}

// FromEnv builds a Config from defaults and environment overrides alone.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := finish(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func finish(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return Complete(cfg)
}

// Complete fills in defaults and validates a Config built in code, without
// consulting the environment.
func Complete(cfg *Config) error {
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.Root == "" && cfg.Kubernetes.Enabled {
		cfg.Root = DefaultKubernetesRoot
	}
	if cfg.Kubernetes.LabelCacheSize == 0 {
		cfg.Kubernetes.LabelCacheSize = DefaultLabelCacheSize
	}
	if cfg.Kubernetes.LabelCacheTTL == 0 {
		cfg.Kubernetes.LabelCacheTTL = DefaultLabelCacheTTL
	}
	if cfg.Spool.BatchSize == 0 {
		cfg.Spool.BatchSize = DefaultBatchSize
	}
	if cfg.Spool.ForwardInterval == 0 {
		cfg.Spool.ForwardInterval = DefaultForwardInterval
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.Root == "" {
		errs = append(errs, errors.New("root is required unless kubernetes.enabled is set"))
	} else if !filepath.IsAbs(cfg.Root) {
		errs = append(errs, fmt.Errorf("root %q must be an absolute path", cfg.Root))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.Kubernetes.LabelLookup && !cfg.Kubernetes.Enabled {
		errs = append(errs, errors.New("kubernetes.label_lookup requires kubernetes.enabled"))
	}
	if cfg.Kubernetes.LabelCacheSize < 0 {
		errs = append(errs, fmt.Errorf("kubernetes.label_cache_size %d must be positive", cfg.Kubernetes.LabelCacheSize))
	}
	if cfg.Kubernetes.LabelCacheTTL < 0 {
		errs = append(errs, fmt.Errorf("kubernetes.label_cache_ttl %s must be positive", cfg.Kubernetes.LabelCacheTTL))
	}
	if cfg.Spool.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("spool.batch_size %d must be positive", cfg.Spool.BatchSize))
	}
	if cfg.Spool.ForwardInterval < 0 {
		errs = append(errs, fmt.Errorf("spool.forward_interval %s must be positive", cfg.Spool.ForwardInterval))
	}

	return errors.Join(errs...)
}
