package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/oktsec/ssrfguard/internal/safefile"
)

// maxConfigBytes bounds the config file read.
const maxConfigBytes = 1 << 20

// Config is the top-level ssrfguard configuration.
type Config struct {
	Version     string        `yaml:"version"`
	Environment string        `yaml:"environment"` // development, production
	Server      ServerConfig  `yaml:"server"`
	Guard       GuardConfig   `yaml:"guard"`
	DNS         DNSConfig     `yaml:"dns"`
	Fetch       FetchConfig   `yaml:"fetch"`
	Audit       AuditConfig   `yaml:"audit"`
	Tracing     TracingConfig `yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port     int    `yaml:"port"`
	Bind     string `yaml:"bind"` // Address to bind (default: 127.0.0.1)
	LogLevel string `yaml:"log_level"`
	// RateLimit caps check and fetch requests per client address within
	// RateWindow seconds. 0 disables the limit.
	RateLimit  int `yaml:"rate_limit"`
	RateWindow int `yaml:"rate_window"`
}

// GuardConfig tunes validation.
type GuardConfig struct {
	VerifyAllAnswers bool `yaml:"verify_all_answers"`
	// DialGuard re-checks the destination when the fetcher connects.
	DialGuard bool `yaml:"dial_guard"`
}

// DNSConfig selects the resolver. An empty Nameserver uses the platform
// resolver.
type DNSConfig struct {
	Nameserver string        `yaml:"nameserver,omitempty"` // host[:port]
	Timeout    time.Duration `yaml:"timeout"`
}

// FetchConfig configures the guarded fetcher.
type FetchConfig struct {
	MaxRedirects int           `yaml:"max_redirects"` // 0 follows none
	UserAgent    string        `yaml:"user_agent"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
}

// AuditConfig configures the decision log.
type AuditConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Driver        string      `yaml:"driver"` // sqlite, postgres
	DSN           string      `yaml:"dsn"`
	RetentionDays int         `yaml:"retention_days"` // 0 = keep forever
	Redis         RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig publishes decisions to a Redis stream when URL is set.
type RedisConfig struct {
	URL    string `yaml:"url,omitempty"`
	Stream string `yaml:"stream,omitempty"`
	MaxLen int64  `yaml:"max_len,omitempty"`
}

// TracingConfig selects the span exporter: none or stdout.
type TracingConfig struct {
	Exporter string `yaml:"exporter"`
}

// IsProduction reports whether the localhost exception must be disabled.
func (c *Config) IsProduction() bool {
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "production", "prod":
		return true
	}
	return false
}

// LoadDotEnv loads environment variables from .env files, if present.
// Variables already set in the process win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// Load reads a YAML config from path, fills defaults and applies
// environment overrides.
func Load(path string) (*Config, error) {
	data, err := safefile.ReadFileMax(path, maxConfigBytes)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Apply zero-value defaults after unmarshal
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Audit.Driver == "" {
		cfg.Audit.Driver = "sqlite"
	}

	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overrides settings from the environment. SSRFGUARD_ENV (or
// APP_ENV) sets the environment; secrets can stay out of the file through
// SSRFGUARD_AUDIT_DSN and SSRFGUARD_REDIS_URL.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("SSRFGUARD_ENV"); v != "" {
		c.Environment = v
	} else if v := os.Getenv("APP_ENV"); v != "" {
		c.Environment = v
	}
	if v := os.Getenv("SSRFGUARD_AUDIT_DSN"); v != "" {
		c.Audit.DSN = v
	}
	if v := os.Getenv("SSRFGUARD_REDIS_URL"); v != "" {
		c.Audit.Redis.URL = v
	}
}

// Defaults returns a config with sensible defaults. The environment is
// production unless configured otherwise.
func Defaults() *Config {
	return &Config{
		Version:     "1",
		Environment: "production",
		Server: ServerConfig{
			Port:       8080,
			Bind:       "127.0.0.1",
			LogLevel:   "info",
			RateLimit:  120,
			RateWindow: 60,
		},
		DNS: DNSConfig{
			Timeout: 5 * time.Second,
		},
		Fetch: FetchConfig{
			MaxRedirects: 5,
			UserAgent:    "ssrfguard/1.0",
			Timeout:      30 * time.Second,
			MaxBodyBytes: 10 << 20,
		},
		Audit: AuditConfig{
			Enabled:       true,
			Driver:        "sqlite",
			DSN:           "ssrfguard.db",
			RetentionDays: 30,
		},
		Tracing: TracingConfig{
			Exporter: "none",
		},
	}
}

// Save writes the config to a YAML file at the given path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := safefile.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Validate checks that the config is consistent.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Environment) {
	case "development", "dev", "test", "staging", "production", "prod":
	default:
		return fmt.Errorf("invalid environment %q", c.Environment)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	switch c.Server.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.Server.LogLevel)
	}
	if c.Server.RateLimit < 0 || c.Server.RateWindow < 0 {
		return fmt.Errorf("server.rate_limit and server.rate_window must not be negative")
	}
	if c.DNS.Nameserver != "" {
		host := c.DNS.Nameserver
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		if net.ParseIP(host) == nil {
			return fmt.Errorf("dns.nameserver must be an IP address, got %q", c.DNS.Nameserver)
		}
	}
	if c.DNS.Timeout < 0 || c.Fetch.Timeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.Fetch.MaxRedirects < 0 || c.Fetch.MaxRedirects > 20 {
		return fmt.Errorf("fetch.max_redirects must be between 0 and 20, got %d", c.Fetch.MaxRedirects)
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		return fmt.Errorf("fetch.max_body_bytes must be positive")
	}
	if c.Audit.Enabled {
		switch c.Audit.Driver {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("audit.driver must be sqlite or postgres, got %q", c.Audit.Driver)
		}
		if c.Audit.DSN == "" {
			return fmt.Errorf("audit.dsn is required when audit is enabled")
		}
	}
	if c.Audit.RetentionDays < 0 {
		return fmt.Errorf("audit.retention_days must not be negative")
	}
	switch c.Tracing.Exporter {
	case "", "none", "stdout":
	default:
		return fmt.Errorf("tracing.exporter must be none or stdout, got %q", c.Tracing.Exporter)
	}
	return nil
}
