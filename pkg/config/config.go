// Package config provides configuration file support for mediasniff.
//
// Values come from a YAML file (or the defaults) and may then be overridden by
// MEDIASNIFF_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	beaverconfig "github.com/gobeaver/beaver-kit/config"
	"gopkg.in/yaml.v3"

	"github.com/grokify/mediasniff/pkg/rules"
)

// Config represents the mediasniff configuration file.
type Config struct {
	// Rule-set configuration
	Rules RulesConfig `yaml:"rules"`

	// Detection behavior
	Detect DetectConfig `yaml:"detect"`

	// HTTP detection service
	Server ServerConfig `yaml:"server"`

	// Sniffing proxy
	Proxy ProxyConfig `yaml:"proxy"`

	// Detection journal
	Journal JournalConfig `yaml:"journal"`

	// Verbose logging
	Verbose bool `yaml:"verbose"`
}

// RulesConfig selects the rule set. Leaving both fields empty selects the
// built-in rules; setting both is a configuration error.
type RulesConfig struct {
	// File is the path of a rule-set document
	File string `yaml:"file,omitempty"`
	// Inline is a rule-set document embedded in the configuration
	Inline string `yaml:"inline,omitempty"`
}

// DetectConfig holds detection options.
type DetectConfig struct {
	// UseFilenameHint consults filename globs when no signature matches
	UseFilenameHint bool `yaml:"useFilenameHint"`
}

// ServerConfig holds HTTP detection service configuration.
type ServerConfig struct {
	// Host to bind to
	Host string `yaml:"host"`
	// Port to listen on
	Port int `yaml:"port"`
	// MetricsPort serves /metrics, /healthz and /readyz (0 disables)
	MetricsPort int `yaml:"metricsPort"`
	// MaxBodySize is the largest request body accepted
	MaxBodySize int64 `yaml:"maxBodySize"`
}

// ProxyConfig holds sniffing proxy configuration.
type ProxyConfig struct {
	// Host to bind to
	Host string `yaml:"host"`
	// Port to listen on
	Port int `yaml:"port"`
	// SetContentType fills in missing or generic Content-Type headers
	SetContentType bool `yaml:"setContentType"`
	// SkipHosts are host patterns whose responses are not inspected
	SkipHosts []string `yaml:"skipHosts,omitempty"`
	// Upstream is an optional upstream proxy URL
	Upstream string `yaml:"upstream,omitempty"`
}

// JournalConfig holds detection journal configuration.
type JournalConfig struct {
	// Driver is one of: none, file, memory, database
	Driver string `yaml:"driver"`
	// Path is the output file for the file driver
	Path string `yaml:"path,omitempty"`
	// Format is the file format (ndjson, json)
	Format string `yaml:"format,omitempty"`
	// DatabaseURL is the sqlite:// or postgres:// URL for the database driver
	DatabaseURL string `yaml:"databaseURL,omitempty"`
	// Async buffers writes in a background worker
	Async bool `yaml:"async"`
	// QueueSize is the async buffer size
	QueueSize int `yaml:"queueSize,omitempty"`
	// BatchSize is the number of records written per batch
	BatchSize int `yaml:"batchSize,omitempty"`
	// FlushInterval is the maximum time records wait in the buffer
	FlushInterval time.Duration `yaml:"flushInterval,omitempty"`
	// Capacity bounds the memory driver
	Capacity int `yaml:"capacity,omitempty"`
	// SampleRate is the fraction of records kept (1 keeps all)
	SampleRate float64 `yaml:"sampleRate"`
	// Always and Never are media type globs that bypass sampling
	Always []string `yaml:"always,omitempty"`
	Never  []string `yaml:"never,omitempty"`
}

// Journal drivers.
const (
	JournalNone     = "none"
	JournalFile     = "file"
	JournalMemory   = "memory"
	JournalDatabase = "database"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Detect: DetectConfig{
			UseFilenameHint: true,
		},
		Server: ServerConfig{
			Host:        "127.0.0.1",
			Port:        8090,
			MetricsPort: 9090,
			MaxBodySize: 32 << 20, // 32MB
		},
		Proxy: ProxyConfig{
			Host:           "127.0.0.1",
			Port:           8080,
			SetContentType: true,
			SkipHosts:      []string{},
		},
		Journal: JournalConfig{
			Driver:        JournalNone,
			Format:        "ndjson",
			QueueSize:     10000,
			BatchSize:     100,
			FlushInterval: time.Second,
			Capacity:      10000,
			SampleRate:    1,
		},
	}
}

// RulesSource returns the rule-set source selected by the configuration.
func (c *Config) RulesSource() rules.Source {
	return rules.Source{Inline: c.Rules.Inline, Path: c.Rules.File}
}

// Validate checks the configuration for errors that would only surface later.
func (c *Config) Validate() error {
	if err := c.RulesSource().Validate(); err != nil {
		return err
	}
	switch c.Journal.Driver {
	case "", JournalNone, JournalMemory:
	case JournalFile:
		if c.Journal.Path == "" {
			return fmt.Errorf("journal: file driver requires a path")
		}
	case JournalDatabase:
		if c.Journal.DatabaseURL == "" {
			return fmt.Errorf("journal: database driver requires databaseURL")
		}
	default:
		return fmt.Errorf("journal: unknown driver %q", c.Journal.Driver)
	}
	if c.Journal.SampleRate < 0 || c.Journal.SampleRate > 1 {
		return fmt.Errorf("journal: sampleRate %v outside [0, 1]", c.Journal.SampleRate)
	}
	return nil
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads configuration from a file, or returns default if not found.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// LoadWithEnv is LoadOrDefault followed by ApplyEnv.
func LoadWithEnv(path string) (*Config, error) {
	cfg, err := LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envOverrides lists the supported environment variables. Fields have no
// defaults so that unset variables leave file values alone.
type envOverrides struct {
	RulesFile        string `env:"RULES_FILE"`
	RulesInline      string `env:"RULES_INLINE"`
	UseFilenameHint  string `env:"USE_FILENAME_HINT"`
	ServerHost       string `env:"SERVER_HOST"`
	ServerPort       int    `env:"SERVER_PORT"`
	MetricsPort      int    `env:"METRICS_PORT"`
	ProxyHost        string `env:"PROXY_HOST"`
	ProxyPort        int    `env:"PROXY_PORT"`
	ProxyUpstream    string `env:"PROXY_UPSTREAM"`
	JournalDriver    string `env:"JOURNAL_DRIVER"`
	JournalPath      string `env:"JOURNAL_PATH"`
	JournalDatabase  string `env:"JOURNAL_DATABASE_URL"`
	JournalAsync     string `env:"JOURNAL_ASYNC"`
	Verbose          string `env:"VERBOSE"`
	JournalQueueSize int    `env:"JOURNAL_QUEUE_SIZE"`
}

// envPrefix is prepended to every envOverrides tag.
const envPrefix = "MEDIASNIFF_"

// ApplyEnv overrides configuration values from MEDIASNIFF_* environment variables.
func (c *Config) ApplyEnv() error {
	env := &envOverrides{}
	if err := beaverconfig.Load(env, beaverconfig.LoadOptions{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	setString(&c.Rules.File, env.RulesFile)
	setString(&c.Rules.Inline, env.RulesInline)
	setString(&c.Server.Host, env.ServerHost)
	setInt(&c.Server.Port, env.ServerPort)
	setInt(&c.Server.MetricsPort, env.MetricsPort)
	setString(&c.Proxy.Host, env.ProxyHost)
	setInt(&c.Proxy.Port, env.ProxyPort)
	setString(&c.Proxy.Upstream, env.ProxyUpstream)
	setString(&c.Journal.Driver, env.JournalDriver)
	setString(&c.Journal.Path, env.JournalPath)
	setString(&c.Journal.DatabaseURL, env.JournalDatabase)
	setInt(&c.Journal.QueueSize, env.JournalQueueSize)

	for _, b := range []struct {
		name  string
		value string
		dst   *bool
	}{
		{"MEDIASNIFF_USE_FILENAME_HINT", env.UseFilenameHint, &c.Detect.UseFilenameHint},
		{"MEDIASNIFF_JOURNAL_ASYNC", env.JournalAsync, &c.Journal.Async},
		{"MEDIASNIFF_VERBOSE", env.Verbose, &c.Verbose},
	} {
		if b.value == "" {
			continue
		}
		v, err := strconv.ParseBool(b.value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", b.name, err)
		}
		*b.dst = v
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "mediasniff.yaml"
	}
	return filepath.Join(home, ".mediasniff", "config.yaml")
}

// ExampleConfig returns an example configuration as YAML string.
func ExampleConfig() string {
	cfg := DefaultConfig()
	cfg.Rules.File = "/etc/mediasniff/rules.yaml"
	cfg.Proxy.SkipHosts = []string{"*.internal.example.com"}
	cfg.Journal.Driver = JournalDatabase
	cfg.Journal.DatabaseURL = "sqlite:///var/lib/mediasniff/journal.db"
	cfg.Journal.Async = true
	cfg.Journal.Never = []string{"text/*"}

	data, _ := yaml.Marshal(cfg)
	return string(data)
}
