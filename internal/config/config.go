// Package config loads edge sync configuration from a YAML file and
// EDGESYNC_-prefixed environment variables, with env taking precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	EdgeID          string `koanf:"edge_id"`
	SecretKey       string `koanf:"secret_key"`
	CloudEndpoint   string `koanf:"cloud_endpoint"`
	DBPath          string `koanf:"db_path"`
	ProtocolVersion string `koanf:"protocol_version"`
	StatusAddr      string `koanf:"status_addr"`

	Connection ConnectionConfig `koanf:"connection"`
	Intervals  IntervalsConfig  `koanf:"intervals"`
	Cache      CacheConfig      `koanf:"cache"`
}

type ConnectionConfig struct {
	MaxReconnectAttempts int           `koanf:"max_reconnect_attempts"`
	DialTimeout          time.Duration `koanf:"dial_timeout"`
	WriteTimeout         time.Duration `koanf:"write_timeout"`
}

type IntervalsConfig struct {
	Heartbeat    time.Duration `koanf:"heartbeat"`
	StatsRefresh time.Duration `koanf:"stats_refresh"`
	CacheGC      time.Duration `koanf:"cache_gc"`
}

type CacheConfig struct {
	TTL time.Duration `koanf:"ttl"`
}

// Load reads configuration from path (a missing file is fine) and the
// environment, applies defaults, and validates required fields.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// File not found is OK, we'll use env vars
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load config file: %w", err)
			}
		}
	}

	// Environment variables override file config
	if err := k.Load(env.Provider("EDGESYNC_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "EDGESYNC_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	// Default values
	defaults := map[string]any{
		"db_path":                           "./data/edgesync.db",
		"protocol_version":                  "1.0",
		"status_addr":                       ":8090",
		"connection.max_reconnect_attempts": 10,
		"connection.dial_timeout":           "15s",
		"connection.write_timeout":          "10s",
		"intervals.heartbeat":               "30s",
		"intervals.stats_refresh":           "60s",
		"intervals.cache_gc":                "1h",
		"cache.ttl":                         "1h",
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.EdgeID == "" {
		return nil, fmt.Errorf("edge_id is required")
	}
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("secret_key is required")
	}
	if cfg.CloudEndpoint == "" {
		return nil, fmt.Errorf("cloud_endpoint is required")
	}

	return &cfg, nil
}
