// Package server provides configuration helpers that define runtime defaults,
// validation, and the optional hardening switches for the relay.
package server

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/Tyrowin/farmchat/internal/bridge"
)

const (
	defaultPort           = ":3000"
	defaultStaticDir      = "."
	defaultMaxMessageSize = 1 << 20
	defaultLogLevel       = "info"
)

// RateLimitConfig defines per-connection message rate limiting. A Burst of
// zero disables it.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// Config holds the relay configuration.
type Config struct {
	Port           string          `yaml:"port"`
	StaticDir      string          `yaml:"static_dir"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	MaxMessageSize int64           `yaml:"max_message_size"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	LogLevel       string          `yaml:"log_level"`
	Bridge         bridge.Settings `yaml:"bridge"`
}

func defaultConfig() Config {
	return Config{
		Port:           defaultPort,
		StaticDir:      defaultStaticDir,
		AllowedOrigins: []string{"*"},
		MaxMessageSize: defaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			RefillInterval: time.Second,
		},
		LogLevel: defaultLogLevel,
		Bridge:   bridge.DefaultSettings(),
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config from defaults overridden by environment
// variables.
func NewConfigFromEnv() *Config {
	cfg := NewConfig()
	cfg.ApplyEnv()
	return cfg
}

// LoadFile decodes a YAML file over the current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}
	return nil
}

// ApplyEnv overrides fields from environment variables that are set.
func (c *Config) ApplyEnv() {
	if port := os.Getenv("PORT"); port != "" {
		c.Port = port
	}

	if dir := os.Getenv("STATIC_DIR"); dir != "" {
		c.StaticDir = dir
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		c.MaxMessageSize = parseMaxMessageSize(maxSize, c.MaxMessageSize)
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		c.RateLimit.Burst = parseIntValue(burst, c.RateLimit.Burst)
	}

	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		c.RateLimit.RefillInterval = parseSeconds(interval, c.RateLimit.RefillInterval)
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}

	if key := os.Getenv("ABLY_API_KEY"); key != "" {
		c.Bridge.APIKey = key
	}

	if channel := os.Getenv("ABLY_CHANNEL"); channel != "" {
		c.Bridge.Channel = channel
	}

	if driver := os.Getenv("BRIDGE_DRIVER"); driver != "" {
		c.Bridge.Driver = driver
	}

	if timeout := os.Getenv("PUBLISH_TIMEOUT"); timeout != "" {
		c.Bridge.PublishTimeout = parseSeconds(timeout, c.Bridge.PublishTimeout)
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Bridge.Redis.Addr = addr
	}
	if group := os.Getenv("REDIS_GROUP"); group != "" {
		c.Bridge.Redis.Group = group
	}
	if consumer := os.Getenv("REDIS_CONSUMER"); consumer != "" {
		c.Bridge.Redis.Consumer = consumer
	}
}

// Sanitize returns a copy with empty or invalid values replaced by defaults.
func (c Config) Sanitize() Config {
	c.Port = normalizePort(c.Port)

	if strings.TrimSpace(c.StaticDir) == "" {
		c.StaticDir = defaultStaticDir
	}

	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}

	if c.RateLimit.Burst < 0 {
		c.RateLimit.Burst = 0
	}

	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = time.Second
	}

	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = defaultLogLevel
	}

	c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	c.Bridge = c.Bridge.Sanitize()
	if c.Bridge.PublishTimeout > maxPublishTimeout {
		c.Bridge.PublishTimeout = maxPublishTimeout
	}
	return c
}

// Validate reports errors that must stop the process before it listens.
func (c Config) Validate() error {
	return c.Bridge.Validate()
}

func normalizePort(port string) string {
	port = strings.TrimSpace(port)
	if port == "" {
		return defaultPort
	}
	if !strings.Contains(port, ":") {
		return ":" + port
	}
	return port
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed >= 0 {
		return parsed
	}
	return defaultValue
}

func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
