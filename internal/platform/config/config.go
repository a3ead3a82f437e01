package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvBool returns the boolean value of the environment variable named by key,
// or fallback if the variable is unset or not parseable by strconv.ParseBool.
func GetEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return fallback
}

// GetEnvDuration returns the duration value of the environment variable named by
// key (e.g. "30s"), or fallback if the variable is unset or invalid.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}

// Storage backends accepted by Config.Storage.Backend.
const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendRedis  = "redis"
)

// Config holds the complete service configuration.
type Config struct {
	HTTP struct {
		Port        string `yaml:"port"`
		EventBuffer int    `yaml:"event_buffer"`
	} `yaml:"http"`

	Playlist struct {
		URL     string        `yaml:"url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"playlist"`

	Refresh struct {
		Interval    time.Duration `yaml:"interval"`
		AutoRefresh bool          `yaml:"auto_refresh"`
		OnlineDelay time.Duration `yaml:"online_delay"`
	} `yaml:"refresh"`

	Storage struct {
		Backend        string        `yaml:"backend"`
		BoltPath       string        `yaml:"bolt_path"`
		RedisURL       string        `yaml:"redis_url"`
		RedisPassword  string        `yaml:"redis_password"`
		SnapshotMaxAge time.Duration `yaml:"snapshot_max_age"`
	} `yaml:"storage"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default returns a Config populated with the service defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.HTTP.Port = "8080"
	cfg.HTTP.EventBuffer = 32
	cfg.Playlist.URL = "https://raw.githubusercontent.com/Durgaa17/twitch-finder/refs/heads/main/output/twitch_all.m3u8"
	cfg.Playlist.Timeout = 15 * time.Second
	cfg.Refresh.Interval = 30 * time.Second
	cfg.Refresh.AutoRefresh = true
	cfg.Refresh.OnlineDelay = time.Second
	cfg.Storage.Backend = BackendBolt
	cfg.Storage.BoltPath = "streamdeck.db"
	cfg.Storage.SnapshotMaxAge = 5 * time.Minute
	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	return cfg
}

// LoadFile parses a YAML config file on top of Default. An empty path returns
// the defaults unchanged.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides file values with any environment variables that are set.
func (c *Config) ApplyEnv() {
	c.HTTP.Port = GetEnv("PORT", c.HTTP.Port)
	c.HTTP.EventBuffer = GetEnvInt("EVENT_BUFFER", c.HTTP.EventBuffer)
	c.Playlist.URL = GetEnv("PLAYLIST_URL", c.Playlist.URL)
	c.Playlist.Timeout = GetEnvDuration("PLAYLIST_TIMEOUT", c.Playlist.Timeout)
	c.Refresh.Interval = GetEnvDuration("REFRESH_INTERVAL", c.Refresh.Interval)
	c.Refresh.AutoRefresh = GetEnvBool("AUTO_REFRESH", c.Refresh.AutoRefresh)
	c.Refresh.OnlineDelay = GetEnvDuration("ONLINE_REFRESH_DELAY", c.Refresh.OnlineDelay)
	c.Storage.Backend = strings.ToLower(GetEnv("STORAGE_BACKEND", c.Storage.Backend))
	c.Storage.BoltPath = GetEnv("BOLT_PATH", c.Storage.BoltPath)
	c.Storage.RedisURL = GetEnv("REDIS_URL", c.Storage.RedisURL)
	c.Storage.RedisPassword = GetEnv("REDIS_PASSWORD", c.Storage.RedisPassword)
	c.Storage.SnapshotMaxAge = GetEnvDuration("SNAPSHOT_MAX_AGE", c.Storage.SnapshotMaxAge)
	c.Log.Level = GetEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = GetEnv("LOG_FORMAT", c.Log.Format)
}

// Validate reports every invalid setting in one error.
func (c *Config) Validate() error {
	var problems []string

	if c.HTTP.Port == "" {
		problems = append(problems, "http port is required")
	}
	if c.HTTP.EventBuffer <= 0 {
		problems = append(problems, "event buffer must be positive")
	}
	if c.Playlist.URL == "" {
		problems = append(problems, "playlist url is required")
	}
	if c.Playlist.Timeout <= 0 {
		problems = append(problems, "playlist timeout must be positive")
	}
	if c.Refresh.Interval <= 0 {
		problems = append(problems, "refresh interval must be positive")
	}
	if c.Refresh.OnlineDelay < 0 {
		problems = append(problems, "online refresh delay must not be negative")
	}
	if c.Storage.SnapshotMaxAge <= 0 {
		problems = append(problems, "snapshot max age must be positive")
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendBolt:
		if c.Storage.BoltPath == "" {
			problems = append(problems, "bolt path is required for the bolt backend")
		}
	case BackendRedis:
		if c.Storage.RedisURL == "" {
			problems = append(problems, "redis url is required for the redis backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown storage backend %q", c.Storage.Backend))
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}
