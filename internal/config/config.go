// Package config holds pagetrace configuration.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "pagetrace.yaml"

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Client    ClientConfig    `yaml:"client"`
	Errors    ErrorsConfig    `yaml:"errors"`
	Funnels   FunnelsConfig   `yaml:"funnels"`
	Translate TranslateConfig `yaml:"translate"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the collector.
type ServerConfig struct {
	Address         string   `yaml:"address"`
	DatabasePath    string   `yaml:"database"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	RequestsPerMin  int      `yaml:"requests_per_minute"`
	ShutdownTimeout string   `yaml:"shutdown_timeout"`
	RecentErrors    int      `yaml:"recent_errors"`
}

// ClientConfig configures the tracking side: where payloads go and where
// progress is persisted.
type ClientConfig struct {
	Endpoint      string `yaml:"endpoint"`
	DisableBeacon bool   `yaml:"disable_beacon"`
	StoreDir      string `yaml:"store_dir"`
	SendTimeout   string `yaml:"send_timeout"`
}

type ErrorsConfig struct {
	BatchSize          int      `yaml:"batch_size"`
	BatchTimeout       string   `yaml:"batch_timeout"`
	MaxQueueSize       int      `yaml:"max_queue_size"`
	MaxErrorsPerMinute int      `yaml:"max_errors_per_minute"`
	IgnorePatterns     []string `yaml:"ignore_patterns,omitempty"`
	IgnoredURLs        []string `yaml:"ignored_urls,omitempty"`
}

type FunnelsConfig struct {
	// DefinitionsFile replaces the built-in funnels when set.
	DefinitionsFile string `yaml:"definitions_file"`
}

type TranslateConfig struct {
	BaseURL   string `yaml:"base_url"`
	RateLimit int    `yaml:"rate_limit"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
	File   string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         "127.0.0.1:8123",
			DatabasePath:    "pagetrace.db",
			AllowedOrigins:  []string{"*"},
			RequestsPerMin:  600,
			ShutdownTimeout: "30s",
			RecentErrors:    20,
		},
		Client: ClientConfig{
			Endpoint:    "http://127.0.0.1:8123",
			SendTimeout: "10s",
		},
		Errors: ErrorsConfig{
			BatchSize:          5,
			BatchTimeout:       "3s",
			MaxQueueSize:       50,
			MaxErrorsPerMinute: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, xerrors.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, xerrors.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return xerrors.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return xerrors.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return xerrors.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("PAGETRACE_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if path := os.Getenv("PAGETRACE_DB"); path != "" {
		c.Server.DatabasePath = path
	}
	if endpoint := os.Getenv("PAGETRACE_ENDPOINT"); endpoint != "" {
		c.Client.Endpoint = endpoint
	}
	if level := os.Getenv("PAGETRACE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if url := os.Getenv("PAGETRACE_TRANSLATE_URL"); url != "" {
		c.Translate.BaseURL = url
	}
	if v := os.Getenv("PAGETRACE_MAX_ERRORS_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Errors.MaxErrorsPerMinute = n
		}
	}
}

func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return xerrors.New("server address cannot be empty")
	}
	if c.Errors.BatchSize <= 0 {
		return xerrors.Errorf("errors.batch_size must be positive, got %d", c.Errors.BatchSize)
	}
	if c.Errors.MaxQueueSize <= 0 {
		return xerrors.Errorf("errors.max_queue_size must be positive, got %d", c.Errors.MaxQueueSize)
	}
	if c.Errors.MaxErrorsPerMinute <= 0 {
		return xerrors.Errorf("errors.max_errors_per_minute must be positive, got %d", c.Errors.MaxErrorsPerMinute)
	}
	for name, d := range map[string]string{
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"client.send_timeout":     c.Client.SendTimeout,
		"errors.batch_timeout":    c.Errors.BatchTimeout,
	} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return xerrors.Errorf("invalid %s %q: %w", name, d, err)
		}
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return xerrors.Errorf("invalid logging.format %q (valid: json, console)", c.Logging.Format)
	}
	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func (c *Config) GetShutdownTimeout() time.Duration {
	return parseDuration(c.Server.ShutdownTimeout, 30*time.Second)
}

func (c *Config) GetSendTimeout() time.Duration {
	return parseDuration(c.Client.SendTimeout, 10*time.Second)
}

func (c *Config) GetBatchTimeout() time.Duration {
	return parseDuration(c.Errors.BatchTimeout, 3*time.Second)
}
