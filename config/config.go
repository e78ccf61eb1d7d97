// Package config loads go-query settings from YAML.
//
//	cache_lifetime: 5m
//	stale_time: 1s
//	cleanup_interval: 1m
//	shards: 32
//	log_level: info
//	redis:
//	  url: redis://localhost:6379
//	  subject: cache-updates
//
// Durations accept the forms understood by go-str2duration, including days
// and weeks ("1d12h", "2w").
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/agentuity/go-query/logger"
	"github.com/agentuity/go-query/query"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from strings such as "90s" or "1d".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("config: line %d: duration must be a string: %w", node.Line, err)
	}
	v, err := str2duration.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: line %d: invalid duration %q: %w", node.Line, s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return str2duration.String(time.Duration(d)), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Redis configures the update relay.
type Redis struct {
	URL     string `yaml:"url,omitempty"`
	Subject string `yaml:"subject,omitempty"`
}

// Config holds the tunables of a query.Client and its surroundings.
type Config struct {
	CacheLifetime   Duration `yaml:"cache_lifetime"`
	StaleTime       Duration `yaml:"stale_time"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
	Shards          int      `yaml:"shards,omitempty"`
	LogLevel        string   `yaml:"log_level,omitempty"`
	Redis           Redis    `yaml:"redis,omitempty"`
}

// DefaultSubject is the relay subject used when none is configured.
const DefaultSubject = "query-updates"

// Default returns the configuration matching the query package defaults.
func Default() Config {
	return Config{
		CacheLifetime:   Duration(query.DefaultCacheLifetime),
		StaleTime:       Duration(query.DefaultStaleTime),
		CleanupInterval: Duration(query.DefaultCleanupInterval),
		Shards:          query.DefaultShards,
		LogLevel:        "info",
		Redis:           Redis{Subject: DefaultSubject},
	}
}

// Parse decodes YAML over the defaults. Keys absent from buf keep their
// default values.
func Parse(buf []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads and parses the file at path. A missing file yields the defaults.
func Load(path string) (Config, error) {
	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, err
	}
	return Parse(buf)
}

// Validate rejects non-positive durations. A stale time at or above the
// cache lifetime is allowed.
func (c Config) Validate() error {
	if c.CacheLifetime <= 0 {
		return fmt.Errorf("config: cache_lifetime must be positive")
	}
	if c.StaleTime < 0 {
		return fmt.Errorf("config: stale_time must not be negative")
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("config: cleanup_interval must be positive")
	}
	return nil
}

// Level returns the configured log level, or info when unset or unknown.
func (c Config) Level() logger.LogLevel {
	return logger.ParseLevel(c.LogLevel, logger.LevelInfo)
}

// Options converts the configuration into query options.
func (c Config) Options() []query.Option {
	opts := []query.Option{
		query.WithCacheLifetime(c.CacheLifetime.Std()),
		query.WithStaleTime(c.StaleTime.Std()),
		query.WithCleanupInterval(c.CleanupInterval.Std()),
	}
	if c.Shards > 0 {
		opts = append(opts, query.WithShards(c.Shards))
	}
	return opts
}
