package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when no config file is given on the command line
const DefaultPath = "/usr/local/etc/logcarrier-tail.yaml"

// Position store backends
const (
	BackendFile = "file"
	BackendBolt = "bolt"
)

// Config holds all configuration for the agent
type Config struct {
	// Collector
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Proxy string `yaml:"proxy"` // host:port of an HTTP CONNECT proxy
	Key   string `yaml:"key"`

	// Protocol 1 (lines) or 2 (byte-counted)
	Protocol int `yaml:"protocol"`

	// Checkpoint
	PositionFile    string `yaml:"position_file"`
	PositionBackend string `yaml:"position_backend"` // file (default) or bolt

	// Timeouts
	ConnectTimeout    Duration `yaml:"connect_timeout"`
	WaitTimeout       Duration `yaml:"wait_timeout"`
	TimeoutIterations Duration `yaml:"timeout_iterations"` // Sleep between polls
	RotatedTimeoutMin Duration `yaml:"rotated_timeout_min"`
	RotatedTimeoutMax Duration `yaml:"rotated_timeout_max"`

	// Per-cycle limits
	MaxLines int      `yaml:"maxlines"`
	MaxBytes ByteSize `yaml:"maxbytes"`

	// Start position policy
	FromBegin        bool     `yaml:"from_begin"`
	FromBeginMaxSize ByteSize `yaml:"from_begin_maxsize"`

	SyncLogRotate bool   `yaml:"sync_log_rotate"`
	DirnamePrefix string `yaml:"dirname_prefix"`

	// Backoff
	IncTimeoutMultiplier float64  `yaml:"inc_timeout_multipler"`
	IncTimeoutMin        Duration `yaml:"inc_timeout_min"`
	IncTimeoutMax        Duration `yaml:"inc_timeout_max"`

	// Observability
	LogFile        string        `yaml:"logfile"`
	LogLevel       string        `yaml:"loglevel"`
	LogMaxSizeMB   int           `yaml:"log_max_size_mb"`
	LogMaxBackups  int           `yaml:"log_max_backups"`
	LogLineMaxSize int           `yaml:"log_line_maxsize"` // Truncation of lines quoted in error logs
	MetricsListen  string        `yaml:"metrics_listen"`
	Tracing        TracingConfig `yaml:"tracing"`

	// Group name -> glob patterns
	Files map[string][]string `yaml:"files"`

	// Group name -> overrides
	GroupDefs map[string]GroupDef `yaml:"group_defs"`
}

// TracingConfig configures the optional OTLP trace exporter
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Protocol string `yaml:"protocol"` // grpc or http
}

// fragment is the subset of keys an override file in <config>.d may carry
type fragment struct {
	Files     map[string][]string `yaml:"files"`
	GroupDefs map[string]GroupDef `yaml:"group_defs"`
}

// Default returns the configuration used for keys absent from the config file
func Default() *Config {
	return &Config{
		Host:                 "127.0.0.1",
		Port:                 1466,
		Key:                  "key",
		Protocol:             1,
		PositionFile:         "/var/tmp/logcarrier-tail",
		PositionBackend:      BackendFile,
		ConnectTimeout:       Duration(5 * time.Second),
		WaitTimeout:          Duration(60 * time.Second),
		TimeoutIterations:    Duration(1 * time.Second),
		RotatedTimeoutMin:    0,
		RotatedTimeoutMax:    Duration(3600 * time.Second),
		MaxLines:             100000,
		MaxBytes:             104857600,
		FromBegin:            false,
		FromBeginMaxSize:     10000000,
		IncTimeoutMultiplier: 2,
		IncTimeoutMin:        Duration(1 * time.Second),
		IncTimeoutMax:        Duration(120 * time.Second),
		LogFile:              "",
		LogLevel:             "info",
		LogMaxSizeMB:         100,
		LogMaxBackups:        3,
		LogLineMaxSize:       1024,
		Tracing:              TracingConfig{Protocol: "grpc"},
		Files:                map[string][]string{},
		GroupDefs:            map[string]GroupDef{},
	}
}

// Load reads the base config file, merges every <base>.d/*.yaml fragment
// into it, applies environment overrides and validates the result
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if cfg.Files == nil {
		cfg.Files = map[string][]string{}
	}
	if cfg.GroupDefs == nil {
		cfg.GroupDefs = map[string]GroupDef{}
	}

	fragments, err := filepath.Glob(FragmentGlob(path))
	if err != nil {
		return nil, fmt.Errorf("failed to list config fragments: %w", err)
	}
	for _, fn := range fragments {
		if err := cfg.mergeFragmentFile(fn); err != nil {
			return nil, err
		}
		log.Debug().Str("fragment", fn).Msg("Merged config fragment")
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// FragmentGlob returns the glob matching override fragments of a config file
func FragmentGlob(path string) string {
	return strings.TrimSuffix(path, ".yaml") + ".d/*.yaml"
}

func (c *Config) mergeFragmentFile(fn string) error {
	data, err := os.ReadFile(fn)
	if err != nil {
		return fmt.Errorf("failed to read config fragment: %w", err)
	}
	var f fragment
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse config fragment %s: %w", fn, err)
	}
	c.merge(f)
	return nil
}

// merge unions the file lists per group and key-merges group definitions
func (c *Config) merge(f fragment) {
	for group, globs := range f.Files {
		existing, ok := c.Files[group]
		if !ok {
			c.Files[group] = globs
			continue
		}
		for _, g := range globs {
			if !contains(existing, g) {
				existing = append(existing, g)
			}
		}
		c.Files[group] = existing
	}

	for name, def := range f.GroupDefs {
		c.GroupDefs[name] = c.GroupDefs[name].Merge(def)
	}
}

// applyEnv overrides selected keys from the environment
func (c *Config) applyEnv() {
	c.LogLevel = getEnv("LOGTAIL_LOG_LEVEL", c.LogLevel)
	c.LogFile = getEnv("LOGTAIL_LOG_FILE", c.LogFile)
	c.PositionFile = getEnv("LOGTAIL_POSITION_FILE", c.PositionFile)
	c.MetricsListen = getEnv("LOGTAIL_METRICS_LISTEN", c.MetricsListen)
	c.Tracing.Enabled = getEnvBool("LOGTAIL_TRACING_ENABLED", c.Tracing.Enabled)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.Protocol != 1 && c.Protocol != 2 {
		return fmt.Errorf("protocol must be 1 or 2, got %d", c.Protocol)
	}
	if c.PositionFile == "" {
		return fmt.Errorf("position_file is required")
	}
	if c.PositionBackend != BackendFile && c.PositionBackend != BackendBolt {
		return fmt.Errorf("position_backend must be %q or %q", BackendFile, BackendBolt)
	}
	if c.ConnectTimeout <= 0 || c.WaitTimeout <= 0 {
		return fmt.Errorf("connect_timeout and wait_timeout must be positive")
	}
	if c.MaxLines <= 0 {
		return fmt.Errorf("maxlines must be positive")
	}
	if c.MaxBytes <= 0 {
		return fmt.Errorf("maxbytes must be positive")
	}
	if c.IncTimeoutMultiplier < 1 {
		return fmt.Errorf("inc_timeout_multipler must be at least 1")
	}
	if c.IncTimeoutMin <= 0 || c.IncTimeoutMax < c.IncTimeoutMin {
		return fmt.Errorf("inc_timeout_min must be positive and not above inc_timeout_max")
	}
	if c.Proxy != "" && !strings.Contains(c.Proxy, ":") {
		return fmt.Errorf("proxy must be in host:port form")
	}
	for _, group := range c.Groups() {
		if _, err := c.SettingsFor(group); err != nil {
			return fmt.Errorf("group %s: %w", group, err)
		}
	}

	return nil
}

// Groups returns the configured group names in sorted order
func (c *Config) Groups() []string {
	groups := make([]string, 0, len(c.Files))
	for g := range c.Files {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
