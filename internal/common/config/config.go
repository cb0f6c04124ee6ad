package config

import (
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type (
	// Config is the top-level configuration for the notification service.
	Config struct {
		Server    ServerConfig    `yaml:"server"`
		Logger    LoggerConfig    `yaml:"logger"`
		WebSocket WebSocketConfig `yaml:"websocket"`
		Auth      AuthConfig      `yaml:"auth"`
		Database  DatabaseConfig  `yaml:"database"`
		RateLimit RateLimitConfig `yaml:"rate_limit"`
		Metrics   MetricsConfig   `yaml:"metrics"`
	}

	// ServerConfig represents the HTTP server configuration
	ServerConfig struct {
		Port int    `yaml:"port"`
		Mode string `yaml:"mode"` // gin mode: debug, release, test
	}

	// LoggerConfig represents the logger configuration
	LoggerConfig struct {
		Level      string `yaml:"level"`       // debug, info, warn, error
		Format     string `yaml:"format"`      // json, console
		Output     string `yaml:"output"`      // stdout, file
		FilePath   string `yaml:"file_path"`   // path to log file when output is file
		MaxSize    int    `yaml:"max_size"`    // max size of log file in MB
		MaxBackups int    `yaml:"max_backups"` // max number of backup files
		MaxAge     int    `yaml:"max_age"`     // max age of backup files in days
		Compress   bool   `yaml:"compress"`    // whether to compress backup files
		Color      bool   `yaml:"color"`       // whether to use color in console output
		Stacktrace bool   `yaml:"stacktrace"`  // whether to include stacktrace in error logs
		TimeZone   string `yaml:"time_zone"`   // time zone for log timestamps, e.g., "UTC", default is local
		TimeFormat string `yaml:"time_format"` // time format for log timestamps, default is "2006-01-02 15:04:05"
	}

	// WebSocketConfig represents the real-time notification endpoint configuration
	WebSocketConfig struct {
		Path                 string        `yaml:"path"`                    // endpoint path, default "/ws"
		RequireAuth          bool          `yaml:"require_auth"`            // reject anonymous connections when true
		KeepaliveTimeout     time.Duration `yaml:"keepalive_timeout"`       // idle read deadline, default 60s
		HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`       // upgrade handshake timeout, default 10s
		WriteTimeout         time.Duration `yaml:"write_timeout"`           // per-frame write deadline, default 10s
		MaxMalformedFrames   int           `yaml:"max_malformed_frames"`    // bad frames tolerated before close, default 8
		MaxConnsPerPrincipal int           `yaml:"max_conns_per_principal"` // concurrent connections per user, negative = unlimited
		MaxGroupsPerConn     int           `yaml:"max_groups_per_conn"`     // group memberships per connection
		SendQueueSize        int           `yaml:"send_queue_size"`         // outbound queue depth per connection
		AllowedOrigins       []string      `yaml:"allowed_origins"`         // empty allows any origin
	}

	// AuthConfig represents the authentication configuration
	AuthConfig struct {
		JWT JWTConfig `yaml:"jwt"`
	}

	// JWTConfig represents the JWT verification configuration
	JWTConfig struct {
		SecretKey string        `yaml:"secret_key"`
		Duration  time.Duration `yaml:"duration"`
	}

	// DatabaseConfig represents the audit store configuration
	DatabaseConfig struct {
		Type     string `yaml:"type"` // sqlite, postgres, mysql
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		SSLMode  string `yaml:"sslmode"`
	}

	// RateLimitConfig represents the handshake rate limiter configuration
	RateLimitConfig struct {
		Enabled bool          `yaml:"enabled"`
		Type    string        `yaml:"type"`   // memory, redis
		Limit   int           `yaml:"limit"`  // handshakes allowed per window per client
		Window  time.Duration `yaml:"window"` // window length, default 1m
		Redis   RedisConfig   `yaml:"redis"`
	}

	// RedisConfig represents a Redis connection configuration
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	}

	// MetricsConfig represents the Prometheus metrics configuration
	MetricsConfig struct {
		Enabled   bool      `yaml:"enabled"`
		Namespace string    `yaml:"namespace"`
		Path      string    `yaml:"path"`
		Buckets   []float64 `yaml:"buckets"`
	}
)

// LoadConfig loads configuration from a YAML file with environment variable support
func LoadConfig(path string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Resolve environment variables
	data = resolveEnv(data)
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.setDefaults()
	return &cfg, nil
}

// envPattern matches ${VAR} and ${VAR:default}
var envPattern = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?}`)

// resolveEnv replaces ${VAR} and ${VAR:default} placeholders with values
// from the environment
func resolveEnv(content []byte) []byte {
	return envPattern.ReplaceAllFunc(content, func(match []byte) []byte {
		matches := envPattern.FindSubmatch(match)
		envKey := string(matches[1])
		var defaultValue string

		if len(matches) > 2 {
			defaultValue = string(matches[2])
		}

		if value, exists := os.LookupEnv(envKey); exists {
			return []byte(value)
		}
		return []byte(defaultValue)
	})
}

// setDefaults fills in defaults for fields left unset in the YAML file
func (c *Config) setDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Mode == "" {
		c.Server.Mode = "release"
	}
	if c.WebSocket.Path == "" {
		c.WebSocket.Path = "/ws"
	}
	if c.WebSocket.KeepaliveTimeout <= 0 {
		c.WebSocket.KeepaliveTimeout = 60 * time.Second
	}
	if c.WebSocket.HandshakeTimeout <= 0 {
		c.WebSocket.HandshakeTimeout = 10 * time.Second
	}
	if c.WebSocket.WriteTimeout <= 0 {
		c.WebSocket.WriteTimeout = 10 * time.Second
	}
	if c.WebSocket.MaxMalformedFrames <= 0 {
		c.WebSocket.MaxMalformedFrames = 8
	}
	if c.WebSocket.MaxConnsPerPrincipal == 0 {
		c.WebSocket.MaxConnsPerPrincipal = 16
	}
	if c.WebSocket.MaxGroupsPerConn <= 0 {
		c.WebSocket.MaxGroupsPerConn = 64
	}
	if c.WebSocket.SendQueueSize <= 0 {
		c.WebSocket.SendQueueSize = 256
	}
	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	if c.Database.Type == "sqlite" && c.Database.DBName == "" {
		c.Database.DBName = "data/threatscope.db"
	}
	if c.RateLimit.Type == "" {
		c.RateLimit.Type = "memory"
	}
	if c.RateLimit.Limit <= 0 {
		c.RateLimit.Limit = 30
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = time.Minute
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "threatscope"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}
