package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment variable overrides.
// Every field also accepts its bare tag name (e.g. PORT, LOG_FORMAT), so
// tags outside the server's well-known names stay unique.
const EnvPrefix = "GATEWAY"

// UnknownVersion is reported when neither config nor the build sets a version
const UnknownVersion = "UnknownVersion"

// Config represents the application configuration
type Config struct {
	Environment string          `yaml:"environment" envconfig:"APP_ENV"`
	Version     string          `yaml:"version" envconfig:"APP_VERSION"`
	Server      ServerConfig    `yaml:"server" envconfig:"SERVER"`
	CORS        CORSConfig      `yaml:"cors" envconfig:"CORS"`
	HTTP        HTTPConfig      `yaml:"http" envconfig:"HTTP"`
	Logging     LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Storage     StorageConfig   `yaml:"storage" envconfig:"STORAGE"`
	Stream      StreamConfig    `yaml:"stream" envconfig:"STREAM"`
	Jobs        JobsConfig      `yaml:"jobs" envconfig:"JOBS"`
	RateLimit   RateLimitConfig `yaml:"ratelimit" envconfig:"RATELIMIT"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string        `yaml:"host" envconfig:"HOST"`
	Port         int           `yaml:"port" envconfig:"PORT"`
	AdminPort    int           `yaml:"admin_port" envconfig:"ADMIN_PORT"` // 0 disables the admin server
	Prefix       string        `yaml:"prefix" envconfig:"API_PREFIX"`
	ReadTimeout  time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	// TrustedProxies lists the proxy IPs or CIDRs whose X-Forwarded-For is
	// believed. Empty means the client IP is always the peer address.
	TrustedProxies []string `yaml:"trusted_proxies" envconfig:"TRUSTED_PROXIES"`
}

// CORSConfig contains cross-origin policy configuration
type CORSConfig struct {
	// AllowedOrigins is the origin allow-list. "*" allows any origin and
	// "https://*.example.com" allows any subdomain.
	AllowedOrigins   []string `yaml:"origin" envconfig:"ORIGIN"`
	AllowCredentials bool     `yaml:"credentials" envconfig:"CREDENTIALS"`
	AllowedMethods   []string `yaml:"methods" envconfig:"METHODS"`
	AllowedHeaders   []string `yaml:"headers" envconfig:"HEADERS"`
	ExposedHeaders   []string `yaml:"exposed_headers" envconfig:"EXPOSED_HEADERS"`
	MaxAge           int      `yaml:"max_age" envconfig:"MAX_AGE"` // seconds
}

// HTTPConfig contains request processing limits
type HTTPConfig struct {
	BodyLimit          int64    `yaml:"body_limit" envconfig:"BODY_LIMIT"` // bytes
	CompressionMinSize int      `yaml:"compression_min_size" envconfig:"COMPRESSION_MIN_SIZE"`
	HPPWhitelist       []string `yaml:"hpp_whitelist" envconfig:"HPP_WHITELIST"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level" envconfig:"LEVEL"`              // debug, info, warn, error
	Format       string `yaml:"format" envconfig:"FORMAT"`            // json, text
	AccessFormat string `yaml:"access_format" envconfig:"LOG_FORMAT"` // combined, common, dev, short, tiny
}

// StorageConfig contains storage configuration
type StorageConfig struct {
	Type    string        `yaml:"type" envconfig:"TYPE"` // memory, sqlite, mongodb
	SQLite  SQLiteConfig  `yaml:"sqlite" envconfig:"SQLITE"`
	MongoDB MongoDBConfig `yaml:"mongodb" envconfig:"MONGODB"`
	Connect ConnectConfig `yaml:"connect" envconfig:"CONNECT"`
}

// SQLiteConfig contains SQLite-specific configuration
type SQLiteConfig struct {
	Path string `yaml:"path" envconfig:"DB_PATH"`
}

// MongoDBConfig contains MongoDB-specific configuration
type MongoDBConfig struct {
	URI      string `yaml:"uri" envconfig:"URI"`
	Database string `yaml:"database" envconfig:"DATABASE"`
	Timeout  int    `yaml:"timeout" envconfig:"TIMEOUT"` // seconds
}

// ConnectConfig bounds the startup connection attempts to the store
type ConnectConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval" envconfig:"INITIAL_INTERVAL"`
	MaxInterval     time.Duration `yaml:"max_interval" envconfig:"MAX_INTERVAL"`
	Deadline        time.Duration `yaml:"deadline" envconfig:"DEADLINE"`
}

// StreamConfig contains the message stream consumer configuration
type StreamConfig struct {
	Enabled  bool          `yaml:"enabled" envconfig:"STREAM_ENABLED"`
	Redis    RedisConfig   `yaml:"redis" envconfig:"REDIS"`
	Stream   string        `yaml:"stream" envconfig:"STREAM_NAME"`
	Group    string        `yaml:"group" envconfig:"STREAM_GROUP"`
	Consumer string        `yaml:"consumer" envconfig:"STREAM_CONSUMER"` // generated when empty
	Batch    int64         `yaml:"batch" envconfig:"BATCH"`
	Block    time.Duration `yaml:"block" envconfig:"BLOCK"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Address  string `yaml:"address" envconfig:"ADDRESS"`
	Password string `yaml:"password" envconfig:"PASSWORD"`
	DB       int    `yaml:"db" envconfig:"DB"`
}

// JobsConfig contains background job supervision settings
type JobsConfig struct {
	InitialBackoff  time.Duration `yaml:"initial_backoff" envconfig:"INITIAL_BACKOFF"`
	MaxBackoff      time.Duration `yaml:"max_backoff" envconfig:"MAX_BACKOFF"`
	MigrateAttempts int           `yaml:"migrate_attempts" envconfig:"MIGRATE_ATTEMPTS"`
}

// RateLimitConfig contains per-client rate limiting for the API routes
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" envconfig:"RATELIMIT_ENABLED"`
	RequestsPerSecond float64 `yaml:"requests_per_second" envconfig:"RPS"`
	Burst             int     `yaml:"burst" envconfig:"BURST"`
}

// SetDefaults fills zero values with defaults
func (c *RateLimitConfig) SetDefaults() {
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 20
	}
	if c.Burst <= 0 {
		c.Burst = 40
	}
}

// Load loads configuration from file, .env file and environment variables
func Load(configFile string) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Load from YAML file if provided (overrides defaults)
	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// File doesn't exist, that's ok - we'll use defaults and env vars
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// .env.<environment>.local never overrides variables that are already set
	loadEnvFile(cfg.Environment)

	// Override with environment variables (highest priority)
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadEnvFile loads .env.<environment>.local when it exists
func loadEnvFile(fallback string) {
	env := os.Getenv("APP_ENV")
	if v := os.Getenv(EnvPrefix + "_APP_ENV"); v != "" {
		env = v
	}
	if env == "" {
		env = fallback
	}
	_ = godotenv.Load(fmt.Sprintf(".env.%s.local", env))
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Version:     UnknownVersion,
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         2016,
			Prefix:       "/v3",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "HEAD", "PUT", "PATCH", "POST", "DELETE"},
			AllowedHeaders: []string{"Origin", "Content-Type", "Authorization", "Accept"},
			MaxAge:         43200,
		},
		HTTP: HTTPConfig{
			BodyLimit:          100 * 1024,
			CompressionMinSize: 1024,
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "json",
			AccessFormat: "dev",
		},
		Storage: StorageConfig{
			Type: "memory",
			SQLite: SQLiteConfig{
				Path: "gateway.db",
			},
			MongoDB: MongoDBConfig{
				URI:      "mongodb://localhost:27017",
				Database: "gateway",
				Timeout:  10,
			},
			Connect: ConnectConfig{
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     10 * time.Second,
				Deadline:        2 * time.Minute,
			},
		},
		Stream: StreamConfig{
			Redis: RedisConfig{
				Address: "localhost:6379",
			},
			Stream: "events",
			Group:  "stream-gateway",
			Batch:  32,
			Block:  5 * time.Second,
		},
		Jobs: JobsConfig{
			InitialBackoff:  time.Second,
			MaxBackoff:      time.Minute,
			MigrateAttempts: 5,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
		},
	}
}

// AccessFormats lists the supported access log formats
var AccessFormats = []string{"combined", "common", "dev", "short", "tiny"}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.AdminPort < 0 || c.Server.AdminPort > 65535 {
		return fmt.Errorf("invalid admin port: %d", c.Server.AdminPort)
	}

	if c.Server.AdminPort != 0 && c.Server.AdminPort == c.Server.Port {
		return fmt.Errorf("admin port must differ from server port")
	}

	if !strings.HasPrefix(c.Server.Prefix, "/") || c.Server.Prefix == "/" {
		return fmt.Errorf("invalid route prefix: %q", c.Server.Prefix)
	}

	for _, proxy := range c.Server.TrustedProxies {
		if net.ParseIP(proxy) != nil {
			continue
		}
		if _, _, err := net.ParseCIDR(proxy); err != nil {
			return fmt.Errorf("invalid trusted proxy: %q", proxy)
		}
	}

	switch c.Storage.Type {
	case "memory":
	case "mongodb":
		if c.Storage.MongoDB.URI == "" {
			return fmt.Errorf("mongodb uri is required when using mongodb storage")
		}
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("sqlite path is required when using sqlite storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory, sqlite, or mongodb)", c.Storage.Type)
	}

	if c.Storage.Connect.Deadline <= 0 {
		return fmt.Errorf("storage connect deadline must be positive")
	}

	if !validAccessFormat(c.Logging.AccessFormat) {
		return fmt.Errorf("invalid access log format: %s (must be one of %v)", c.Logging.AccessFormat, AccessFormats)
	}

	if c.Stream.Enabled {
		if c.Stream.Redis.Address == "" {
			return fmt.Errorf("redis address is required when the stream consumer is enabled")
		}
		if c.Stream.Stream == "" || c.Stream.Group == "" {
			return fmt.Errorf("stream name and group are required when the stream consumer is enabled")
		}
	}

	return nil
}

func validAccessFormat(format string) bool {
	for _, f := range AccessFormats {
		if f == format {
			return true
		}
	}
	return false
}

// Address returns the server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AdminAddress returns the admin server address
func (c *ServerConfig) AdminAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.AdminPort)
}
