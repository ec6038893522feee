package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sandwichcloud/deli-counter/pkg/observability"
	"github.com/sandwichcloud/deli-counter/pkg/storage/postgres"
)

// TokenBackend selects how tokens are minted and verified
const (
	TokenBackendEncrypted = "encrypted"
	TokenBackendDatabase  = "database"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Observability ObservabilityConfig `yaml:"observability"`
	Tokens        TokenConfig         `yaml:"tokens"`
	Auth          AuthConfig          `yaml:"auth"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL         string        `yaml:"url"`
	MaxConns    int           `yaml:"max_conns"`
	MinConns    int           `yaml:"min_conns"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxLifetime time.Duration `yaml:"max_lifetime"`
	MaxIdleTime time.Duration `yaml:"max_idle_time"`
}

// ConnectionConfig converts to the storage layer's connection settings
func (c DatabaseConfig) ConnectionConfig() postgres.ConnectionConfig {
	return postgres.ConnectionConfig{
		URL:         c.URL,
		MaxConns:    c.MaxConns,
		MinConns:    c.MinConns,
		Timeout:     c.Timeout,
		MaxLifetime: c.MaxLifetime,
		MaxIdleTime: c.MaxIdleTime,
	}
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel string `yaml:"log_level"`

	MetricsEnabled bool `yaml:"metrics_enabled"`

	OTelEnabled        bool   `yaml:"otel_enabled"`
	OTelEndpoint       string `yaml:"otel_endpoint"`
	OTelServiceName    string `yaml:"otel_service_name"`
	OTelServiceVersion string `yaml:"otel_service_version"`
	OTelInsecure       bool   `yaml:"otel_insecure"`
}

// ParsedLogLevel returns the log level as the logger's type
func (c ObservabilityConfig) ParsedLogLevel() observability.LogLevel {
	return observability.ParseLogLevel(c.LogLevel)
}

// TokenConfig holds auth token settings
type TokenConfig struct {
	// Backend is "encrypted" (stateless AES-GCM tokens) or "database"
	// (opaque tokens backed by a table row)
	Backend string `yaml:"backend"`

	// TTL is the lifetime of newly minted tokens
	TTL time.Duration `yaml:"ttl"`

	// Keys are base64 encoded 32 byte AES keys, newest first. Only the
	// encrypted backend uses them; keep retired keys listed until tokens
	// minted under them have expired.
	Keys []string `yaml:"keys"`

	// RedisURL enables the revocation denylist for the encrypted backend.
	// Empty disables revocation for encrypted tokens.
	RedisURL      string `yaml:"redis_url"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// CleanupInterval is the cron cadence for deleting expired database
	// backed tokens
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// AuthConfig holds the enabled drivers and their settings
type AuthConfig struct {
	// Drivers lists the enabled drivers in registration order:
	// builtin, github, oidc, null
	Drivers []string `yaml:"drivers"`

	Github GithubConfig `yaml:"github"`
	OIDC   OIDCConfig   `yaml:"oidc"`
}

// GithubConfig configures the GitHub driver. Environment overrides:
// DELI_GITHUB_CLIENT_ID, DELI_GITHUB_CLIENT_SECRET, DELI_GITHUB_REDIRECT_URL,
// DELI_GITHUB_ORG, DELI_GITHUB_TEAM_ROLE_PREFIX, DELI_GITHUB_API_BASE.
type GithubConfig struct {
	ClientID       string            `yaml:"client_id"`
	ClientSecret   string            `yaml:"client_secret"`
	RedirectURL    string            `yaml:"redirect_url"`
	Org            string            `yaml:"org"`
	TeamRolePrefix string            `yaml:"team_role_prefix"`
	TeamRoleMap    map[string]string `yaml:"team_role_map"`
	APIBase        string            `yaml:"api_base"`
}

// OIDCConfig configures the OIDC driver. Environment overrides:
// DELI_OIDC_ISSUER, DELI_OIDC_CLIENT_ID, DELI_OIDC_CLIENT_SECRET,
// DELI_OIDC_REDIRECT_URL, DELI_OIDC_GROUPS_CLAIM.
type OIDCConfig struct {
	Issuer       string `yaml:"issuer"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
	GroupsClaim  string `yaml:"groups_claim"`
}

// RateLimitConfig holds login endpoint rate limiting
type RateLimitConfig struct {
	LoginRequestsPerMinute int `yaml:"login_requests_per_minute"`
}

// LoadConfig loads configuration from an optional YAML file and the
// environment. The file comes from DELI_CONFIG_FILE; environment variables
// override anything it sets.
func LoadConfig() (*Config, error) {
	cfg := defaultConfig()

	if path := os.Getenv("DELI_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			HealthPort:      "9090",
		},
		Database: DatabaseConfig{
			MaxConns:    25,
			MinConns:    5,
			Timeout:     5 * time.Second,
			MaxLifetime: 30 * time.Minute,
			MaxIdleTime: 5 * time.Minute,
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "deli-counter",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
		},
		Tokens: TokenConfig{
			Backend:         TokenBackendEncrypted,
			TTL:             6 * time.Hour,
			CleanupInterval: time.Hour,
		},
		Auth: AuthConfig{
			Drivers: []string{"builtin"},
		},
		RateLimit: RateLimitConfig{
			LoginRequestsPerMinute: 10,
		},
	}
}

// applyEnv overlays environment variables onto the config
func (c *Config) applyEnv() {
	c.Server.Host = getEnv("DELI_HOST", c.Server.Host)
	c.Server.Port = getEnv("DELI_PORT", c.Server.Port)
	c.Server.HealthPort = getEnv("DELI_HEALTH_PORT", c.Server.HealthPort)
	c.Server.ReadTimeout = getEnvDuration("DELI_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvDuration("DELI_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.IdleTimeout = getEnvDuration("DELI_IDLE_TIMEOUT", c.Server.IdleTimeout)
	c.Server.ShutdownTimeout = getEnvDuration("DELI_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	c.Database.URL = getEnv("DELI_POSTGRES_URL", c.Database.URL)
	c.Database.MaxConns = getEnvInt("DELI_POSTGRES_MAX_CONNS", c.Database.MaxConns)
	c.Database.MinConns = getEnvInt("DELI_POSTGRES_MIN_CONNS", c.Database.MinConns)
	c.Database.Timeout = getEnvDuration("DELI_POSTGRES_TIMEOUT", c.Database.Timeout)

	c.Observability.LogLevel = getEnv("DELI_LOG_LEVEL", c.Observability.LogLevel)
	c.Observability.MetricsEnabled = getEnvBool("DELI_METRICS_ENABLED", c.Observability.MetricsEnabled)
	c.Observability.OTelEnabled = getEnvBool("DELI_OTEL_ENABLED", c.Observability.OTelEnabled)
	c.Observability.OTelEndpoint = getEnv("DELI_OTEL_ENDPOINT", c.Observability.OTelEndpoint)
	c.Observability.OTelServiceName = getEnv("DELI_OTEL_SERVICE_NAME", c.Observability.OTelServiceName)
	c.Observability.OTelServiceVersion = getEnv("DELI_OTEL_SERVICE_VERSION", c.Observability.OTelServiceVersion)
	c.Observability.OTelInsecure = getEnvBool("DELI_OTEL_INSECURE", c.Observability.OTelInsecure)

	c.Tokens.Backend = getEnv("DELI_TOKEN_BACKEND", c.Tokens.Backend)
	c.Tokens.TTL = getEnvDuration("DELI_TOKEN_TTL", c.Tokens.TTL)
	if keys := os.Getenv("DELI_TOKEN_KEYS"); keys != "" {
		c.Tokens.Keys = splitList(keys)
	}
	c.Tokens.RedisURL = getEnv("DELI_REDIS_URL", c.Tokens.RedisURL)
	c.Tokens.RedisPassword = getEnv("DELI_REDIS_PASSWORD", c.Tokens.RedisPassword)
	c.Tokens.RedisDB = getEnvInt("DELI_REDIS_DB", c.Tokens.RedisDB)
	c.Tokens.CleanupInterval = getEnvDuration("DELI_TOKEN_CLEANUP_INTERVAL", c.Tokens.CleanupInterval)

	if drivers := os.Getenv("DELI_AUTH_DRIVERS"); drivers != "" {
		c.Auth.Drivers = splitList(drivers)
	}
	c.Auth.Github.ClientID = getEnv("DELI_GITHUB_CLIENT_ID", c.Auth.Github.ClientID)
	c.Auth.Github.ClientSecret = getEnv("DELI_GITHUB_CLIENT_SECRET", c.Auth.Github.ClientSecret)
	c.Auth.Github.RedirectURL = getEnv("DELI_GITHUB_REDIRECT_URL", c.Auth.Github.RedirectURL)
	c.Auth.Github.Org = getEnv("DELI_GITHUB_ORG", c.Auth.Github.Org)
	c.Auth.Github.TeamRolePrefix = getEnv("DELI_GITHUB_TEAM_ROLE_PREFIX", c.Auth.Github.TeamRolePrefix)
	c.Auth.Github.APIBase = getEnv("DELI_GITHUB_API_BASE", c.Auth.Github.APIBase)

	c.Auth.OIDC.Issuer = getEnv("DELI_OIDC_ISSUER", c.Auth.OIDC.Issuer)
	c.Auth.OIDC.ClientID = getEnv("DELI_OIDC_CLIENT_ID", c.Auth.OIDC.ClientID)
	c.Auth.OIDC.ClientSecret = getEnv("DELI_OIDC_CLIENT_SECRET", c.Auth.OIDC.ClientSecret)
	c.Auth.OIDC.RedirectURL = getEnv("DELI_OIDC_REDIRECT_URL", c.Auth.OIDC.RedirectURL)
	c.Auth.OIDC.GroupsClaim = getEnv("DELI_OIDC_GROUPS_CLAIM", c.Auth.OIDC.GroupsClaim)

	c.RateLimit.LoginRequestsPerMinute = getEnvInt("DELI_LOGIN_RATE_LIMIT", c.RateLimit.LoginRequestsPerMinute)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	switch c.Tokens.Backend {
	case TokenBackendEncrypted:
		if len(c.Tokens.Keys) == 0 {
			return fmt.Errorf("at least one token key is required for the encrypted backend")
		}
	case TokenBackendDatabase:
	default:
		return fmt.Errorf("invalid token backend: %s (must be encrypted or database)", c.Tokens.Backend)
	}
	if c.Tokens.TTL <= 0 {
		return fmt.Errorf("token TTL must be positive")
	}

	if len(c.Auth.Drivers) == 0 {
		return fmt.Errorf("at least one auth driver is required")
	}
	for _, name := range c.Auth.Drivers {
		switch name {
		case "builtin", "null":
		case "github":
			if c.Auth.Github.Org == "" {
				return fmt.Errorf("github organization is required when the github driver is enabled")
			}
		case "oidc":
			if c.Auth.OIDC.Issuer == "" || c.Auth.OIDC.ClientID == "" {
				return fmt.Errorf("oidc issuer and client id are required when the oidc driver is enabled")
			}
		default:
			return fmt.Errorf("unknown auth driver: %s", name)
		}
	}

	if c.Observability.OTelEnabled && c.Observability.OTelEndpoint == "" {
		return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
	}
	return nil
}

// splitList splits a comma separated list, trimming whitespace
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
