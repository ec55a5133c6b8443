// Package server provides configuration helpers that define runtime defaults,
// validation, and environment/file overrides for the relay.
package server

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultPort           = "3000"
	defaultMaxMessageSize = 10 << 20
	defaultSendBuffer     = 256
	defaultRateBurst      = 20
	defaultRefillInterval = time.Second
)

// Queue backends understood by QueueConfig.Backend.
const (
	QueueMemory = "memory"
	QueueSQLite = "sqlite"
	QueueRedis  = "redis"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `toml:"burst"`
	RefillInterval time.Duration `toml:"refill_interval"`
}

// QueueConfig selects where offline messages are kept.
type QueueConfig struct {
	Backend       string `toml:"backend"`
	SQLitePath    string `toml:"sqlite_path"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config holds the server configuration settings.
type Config struct {
	Port           string          `toml:"port"`
	AllowedOrigins []string        `toml:"allowed_origins"`
	MaxMessageSize int64           `toml:"max_message_size"`
	SendBufferSize int             `toml:"send_buffer_size"`
	RateLimit      RateLimitConfig `toml:"rate_limit"`
	Queue          QueueConfig     `toml:"queue"`
	EnforceSender  bool            `toml:"enforce_sender"`
	MetricsEnabled bool            `toml:"metrics_enabled"`
	Log            LogConfig       `toml:"log"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Port:           defaultPort,
		AllowedOrigins: []string{"*"},
		MaxMessageSize: defaultMaxMessageSize,
		SendBufferSize: defaultSendBuffer,
		RateLimit: RateLimitConfig{
			Burst:          defaultRateBurst,
			RefillInterval: defaultRefillInterval,
		},
		Queue: QueueConfig{
			Backend:    QueueMemory,
			SQLitePath: "relay.db",
			RedisAddr:  "127.0.0.1:6379",
		},
		MetricsEnabled: true,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Addr returns the listen address for Port, accepting both "3000" and ":3000".
func (c Config) Addr() string {
	if strings.Contains(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}

// Sanitize replaces invalid values with defaults and normalises strings.
func (c Config) Sanitize() Config {
	def := DefaultConfig()

	c.Port = strings.TrimSpace(c.Port)
	if c.Port == "" {
		c.Port = def.Port
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = def.SendBufferSize
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}

	c.Queue.Backend = strings.ToLower(strings.TrimSpace(c.Queue.Backend))
	switch c.Queue.Backend {
	case QueueMemory, QueueSQLite, QueueRedis:
	default:
		c.Queue.Backend = QueueMemory
	}
	if c.Queue.SQLitePath == "" {
		c.Queue.SQLitePath = def.Queue.SQLitePath
	}
	if c.Queue.RedisAddr == "" {
		c.Queue.RedisAddr = def.Queue.RedisAddr
	}

	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}

	c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	return c
}

// LoadConfig reads the TOML file at path (if any), applies environment
// overrides and sanitises the result. A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	return applyEnvOverrides(cfg).Sanitize(), nil
}

// NewConfigFromEnv creates a Config from defaults plus environment variables.
func NewConfigFromEnv() Config {
	return applyEnvOverrides(DefaultConfig()).Sanitize()
}

func applyEnvOverrides(cfg Config) Config {
	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}

	if size := os.Getenv("SEND_BUFFER_SIZE"); size != "" {
		cfg.SendBufferSize = parseIntValue(size, cfg.SendBufferSize)
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseRefillInterval(interval, cfg.RateLimit.RefillInterval)
	}

	if backend := os.Getenv("QUEUE_BACKEND"); backend != "" {
		cfg.Queue.Backend = backend
	}
	if path := os.Getenv("SQLITE_PATH"); path != "" {
		cfg.Queue.SQLitePath = path
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Queue.RedisAddr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Queue.RedisPassword = password
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil && n >= 0 {
			cfg.Queue.RedisDB = n
		}
	}

	if v := os.Getenv("ENFORCE_SENDER"); v != "" {
		cfg.EnforceSender = parseBool(v, cfg.EnforceSender)
	}
	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		cfg.MetricsEnabled = parseBool(v, cfg.MetricsEnabled)
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Log.Format = format
	}

	return cfg
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
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseRefillInterval accepts whole seconds ("2") or a Go duration ("500ms").
func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

func parseBool(value string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
		return b
	}
	return defaultValue
}
