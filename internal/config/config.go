// Package config manages Icarus configuration.
//
// Configuration comes from the environment, optionally seeded by a .env file
// in the data directory (deployment overrides) or the working directory
// (development). It is loaded once at startup and treated as immutable for
// the process lifetime; every component receives the values it needs
// explicitly rather than reading the environment itself.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	gwerrors "github.com/ai-icarus/icarus/internal/errors"
	"github.com/rs/zerolog/log"
)

// Cloud environment identifiers accepted by ICARUS_CLOUD.
const (
	CloudCommercial = "commercial"
	CloudGovernment = "government"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	BackendHost string
	Port        int
	MetricsPort int
	DataPath    string

	// Cloud and identity settings
	CloudEnvironment string // "commercial" or "government"
	TenantID         string
	ClientID         string
	ClientSecret     string

	// Model inference settings
	OpenAIEndpoint   string
	OpenAIDeployment string
	OpenAIAPIVersion string

	// Gateway behavior
	TokenSafetyMargin time.Duration // cached tokens within this margin of expiry are re-exchanged
	RetryBackoff      time.Duration // fixed pause before the single read-only retry
	ExchangeTimeout   time.Duration // overall budget for one exchange round-trip
	ChatSessionTTL    time.Duration // idle lifetime of an agent conversation
	MaxAgentTurns     int           // tool-call turns per chat request

	// Security settings
	AllowedOrigins string // comma-separated CORS origins, supports wildcards
	AdminTokenHash string // bcrypt hash guarding the audit query endpoint

	// Audit settings
	AuditRetentionDays int

	// Logging settings
	LogLevel   string
	LogFormat  string
	LogFile    string
	LogMaxSize int // MB
	LogMaxAge  int // days

	// Track which settings are overridden by environment variables
	EnvOverrides map[string]bool `json:"-"`
}

// Load reads configuration from the environment and .env files.
func Load() (*Config, error) {
	dataDir := "/var/lib/icarus"
	if dir := os.Getenv("ICARUS_DATA_DIR"); dir != "" {
		dataDir = dir
	}

	// Load .env file if it exists (for deployment overrides)
	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Info().Str("file", envFile).Msg("Loaded .env file for deployment overrides")
		}
	}

	// Also try loading from current directory for development
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded configuration from .env in current directory")
	}

	cfg := &Config{
		BackendHost:        "0.0.0.0",
		Port:               8080,
		MetricsPort:        9091,
		DataPath:           dataDir,
		CloudEnvironment:   CloudGovernment,
		OpenAIDeployment:   "gpt-4o-mini",
		OpenAIAPIVersion:   "2024-06-01",
		TokenSafetyMargin:  60 * time.Second,
		RetryBackoff:       500 * time.Millisecond,
		ExchangeTimeout:    30 * time.Second,
		ChatSessionTTL:     30 * time.Minute,
		MaxAgentTurns:      8,
		AuditRetentionDays: 90,
		LogLevel:           "info",
		LogMaxSize:         100,
		LogMaxAge:          30,
		EnvOverrides:       make(map[string]bool),
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Info().
		Str("cloud", cfg.CloudEnvironment).
		Str("host", cfg.BackendHost).
		Int("port", cfg.Port).
		Bool("inferenceConfigured", cfg.IsInferenceConfigured()).
		Msg("Configuration loaded")

	return cfg, nil
}

// applyEnvOverrides layers environment variables over the defaults.
func (c *Config) applyEnvOverrides() {
	c.setString("ICARUS_HOST", &c.BackendHost)
	c.setInt("PORT", &c.Port)
	c.setInt("ICARUS_METRICS_PORT", &c.MetricsPort)

	c.setString("ICARUS_CLOUD", &c.CloudEnvironment)
	c.setString("ICARUS_TENANT_ID", &c.TenantID)
	c.setString("ICARUS_CLIENT_ID", &c.ClientID)
	c.setString("ICARUS_CLIENT_SECRET", &c.ClientSecret)

	c.setString("ICARUS_OPENAI_ENDPOINT", &c.OpenAIEndpoint)
	c.setString("ICARUS_OPENAI_DEPLOYMENT", &c.OpenAIDeployment)
	c.setString("ICARUS_OPENAI_API_VERSION", &c.OpenAIAPIVersion)

	c.setDuration("ICARUS_TOKEN_SAFETY_MARGIN", &c.TokenSafetyMargin)
	c.setDuration("ICARUS_RETRY_BACKOFF", &c.RetryBackoff)
	c.setDuration("ICARUS_EXCHANGE_TIMEOUT", &c.ExchangeTimeout)
	c.setDuration("ICARUS_CHAT_SESSION_TTL", &c.ChatSessionTTL)
	c.setInt("ICARUS_MAX_AGENT_TURNS", &c.MaxAgentTurns)

	c.setString("ICARUS_ALLOWED_ORIGINS", &c.AllowedOrigins)
	c.setString("ICARUS_ADMIN_TOKEN_HASH", &c.AdminTokenHash)
	c.setInt("ICARUS_AUDIT_RETENTION_DAYS", &c.AuditRetentionDays)

	c.setString("LOG_LEVEL", &c.LogLevel)
	c.setString("LOG_FORMAT", &c.LogFormat)
	c.setString("LOG_FILE", &c.LogFile)
	c.setInt("LOG_MAX_SIZE", &c.LogMaxSize)
	c.setInt("LOG_MAX_AGE", &c.LogMaxAge)

	c.CloudEnvironment = normalizeCloud(c.CloudEnvironment)
}

// Validate checks that the configuration can serve traffic. A failure here is
// fatal: the process refuses to start rather than running half-configured.
func (c *Config) Validate() error {
	if c.CloudEnvironment != CloudCommercial && c.CloudEnvironment != CloudGovernment {
		return gwerrors.Configuration("validate_config",
			fmt.Errorf("unsupported cloud environment %q (expected %q or %q)",
				c.CloudEnvironment, CloudCommercial, CloudGovernment))
	}
	if c.TenantID == "" {
		return gwerrors.Configuration("validate_config", fmt.Errorf("ICARUS_TENANT_ID is required"))
	}
	if c.ClientID == "" {
		return gwerrors.Configuration("validate_config", fmt.Errorf("ICARUS_CLIENT_ID is required"))
	}
	if c.ClientSecret == "" {
		return gwerrors.Configuration("validate_config", fmt.Errorf("ICARUS_CLIENT_SECRET is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		return gwerrors.Configuration("validate_config", fmt.Errorf("invalid port %d", c.Port))
	}
	if c.TokenSafetyMargin < 0 {
		return gwerrors.Configuration("validate_config", fmt.Errorf("token safety margin must not be negative"))
	}
	if c.OpenAIEndpoint != "" && !strings.HasPrefix(c.OpenAIEndpoint, "https://") {
		return gwerrors.Configuration("validate_config",
			fmt.Errorf("ICARUS_OPENAI_ENDPOINT must be an https URL"))
	}
	return nil
}

// IsInferenceConfigured reports whether the model inference backend is usable.
// The chat surface returns 503 until both endpoint and deployment are set.
func (c *Config) IsInferenceConfigured() bool {
	return c.OpenAIEndpoint != "" && c.OpenAIDeployment != ""
}

// normalizeCloud accepts the long-form Azure environment names used by
// earlier deployments alongside the short identifiers.
func normalizeCloud(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "azureusgovernment", "usgovernment", "government", "gov":
		return CloudGovernment
	case "azurecloud", "azurepubliccloud", "public", "commercial":
		return CloudCommercial
	default:
		return strings.ToLower(strings.TrimSpace(value))
	}
}

func (c *Config) setString(key string, target *string) {
	if value := os.Getenv(key); value != "" {
		*target = value
		c.EnvOverrides[key] = true
	}
}

func (c *Config) setInt(key string, target *int) {
	value := os.Getenv(key)
	if value == "" {
		return
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("Ignoring non-integer environment override")
		return
	}
	*target = parsed
	c.EnvOverrides[key] = true
}

func (c *Config) setDuration(key string, target *time.Duration) {
	value := os.Getenv(key)
	if value == "" {
		return
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		// Allow bare seconds for compatibility with older deployments.
		if secs, convErr := strconv.Atoi(value); convErr == nil {
			*target = time.Duration(secs) * time.Second
			c.EnvOverrides[key] = true
			return
		}
		log.Warn().Str("key", key).Str("value", value).Msg("Ignoring unparsable duration override")
		return
	}
	*target = parsed
	c.EnvOverrides[key] = true
}
