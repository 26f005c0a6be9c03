package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	gormstore "savekit/adapters/gorm"
	"savekit/adapters/redis"
	"savekit/adapters/sqlx"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Storage adapter names accepted by StorageConfig.Adapter.
const (
	AdapterMemory = "memory"
	AdapterFile   = "file"
	AdapterRedis  = "redis"
	AdapterSQL    = "sql"
	AdapterGorm   = "gorm"
)

// Config holds the complete application configuration
type Config struct {
	// Environment and profile settings
	Environment Environment `json:"environment" yaml:"environment" env:"SAVEKIT_ENV"`
	Profile     string      `json:"profile" yaml:"profile" env:"SAVEKIT_PROFILE"`

	// Server configuration
	Server ServerConfig `json:"server" yaml:"server"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Achievement engine configuration
	Engine EngineConfig `json:"engine" yaml:"engine"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Unlock analytics and export
	Analytics AnalyticsConfig `json:"analytics" yaml:"analytics"`

	// Outbound integrations
	Integrations IntegrationsConfig `json:"integrations" yaml:"integrations"`

	// Security configuration
	Security SecurityConfig `json:"security" yaml:"security"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Address           string        `json:"address" yaml:"address" env:"SAVEKIT_SERVER_ADDR"`
	PathPrefix        string        `json:"path_prefix" yaml:"path_prefix" env:"SAVEKIT_SERVER_PATH_PREFIX"`
	CORSOrigin        string        `json:"cors_origin" yaml:"cors_origin" env:"SAVEKIT_SERVER_CORS_ORIGIN"`
	ReadTimeout       time.Duration `json:"read_timeout" yaml:"read_timeout" env:"SAVEKIT_SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `json:"write_timeout" yaml:"write_timeout" env:"SAVEKIT_SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `json:"idle_timeout" yaml:"idle_timeout" env:"SAVEKIT_SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" yaml:"read_header_timeout" env:"SAVEKIT_SERVER_READ_HEADER_TIMEOUT"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" env:"SAVEKIT_SERVER_SHUTDOWN_TIMEOUT"`
}

// StorageConfig holds storage adapter configuration
type StorageConfig struct {
	Adapter string           `json:"adapter" yaml:"adapter" env:"SAVEKIT_STORAGE_ADAPTER"`
	Redis   redis.Config     `json:"redis,omitempty" yaml:"redis,omitempty"`
	SQL     sqlx.Config      `json:"sql,omitempty" yaml:"sql,omitempty"`
	Gorm    gormstore.Config `json:"gorm,omitempty" yaml:"gorm,omitempty"`
	File    FileConfig       `json:"file,omitempty" yaml:"file,omitempty"`
}

// FileConfig holds JSON file storage configuration
type FileConfig struct {
	Path string `json:"path" yaml:"path" env:"SAVEKIT_STORAGE_FILE_PATH"`
}

// EngineConfig holds achievement engine settings.
type EngineConfig struct {
	OperationTimeout   time.Duration `json:"operation_timeout" yaml:"operation_timeout" env:"SAVEKIT_ENGINE_OPERATION_TIMEOUT"`
	DispatchMode       string        `json:"dispatch_mode" yaml:"dispatch_mode" env:"SAVEKIT_ENGINE_DISPATCH_MODE"`
	SeedDefaultCatalog bool          `json:"seed_default_catalog" yaml:"seed_default_catalog" env:"SAVEKIT_ENGINE_SEED_DEFAULT_CATALOG"`
	// CatalogFile, if set, is seeded instead of the embedded catalog.
	CatalogFile string `json:"catalog_file,omitempty" yaml:"catalog_file,omitempty" env:"SAVEKIT_ENGINE_CATALOG_FILE"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string            `json:"level" yaml:"level" env:"SAVEKIT_LOG_LEVEL"`
	Format     string            `json:"format" yaml:"format" env:"SAVEKIT_LOG_FORMAT"`
	Output     string            `json:"output" yaml:"output" env:"SAVEKIT_LOG_OUTPUT"`
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty" env:"SAVEKIT_LOG_ATTRIBUTES"`
}

// AnalyticsConfig controls the in-process unlock counter and its periodic export.
type AnalyticsConfig struct {
	Enabled        bool          `json:"enabled" yaml:"enabled" env:"SAVEKIT_ANALYTICS_ENABLED"`
	ExportEndpoint string        `json:"export_endpoint,omitempty" yaml:"export_endpoint,omitempty" env:"SAVEKIT_ANALYTICS_EXPORT_ENDPOINT"`
	ExportAPIKey   string        `json:"export_api_key,omitempty" yaml:"export_api_key,omitempty" env:"SAVEKIT_ANALYTICS_EXPORT_API_KEY"`
	ExportInterval time.Duration `json:"export_interval" yaml:"export_interval" env:"SAVEKIT_ANALYTICS_EXPORT_INTERVAL"`
	ExportTimeout  time.Duration `json:"export_timeout" yaml:"export_timeout" env:"SAVEKIT_ANALYTICS_EXPORT_TIMEOUT"`
	LogSnapshots   bool          `json:"log_snapshots" yaml:"log_snapshots" env:"SAVEKIT_ANALYTICS_LOG_SNAPSHOTS"`
	TopN           int           `json:"top_n" yaml:"top_n" env:"SAVEKIT_ANALYTICS_TOP_N"`
	RetentionDays  int           `json:"retention_days" yaml:"retention_days" env:"SAVEKIT_ANALYTICS_RETENTION_DAYS"`
}

// IntegrationsConfig holds outbound integration settings.
type IntegrationsConfig struct {
	Webhook WebhookConfig `json:"webhook" yaml:"webhook"`
}

// WebhookConfig lists endpoints receiving unlock and reward events.
type WebhookConfig struct {
	Endpoints  []string      `json:"endpoints,omitempty" yaml:"endpoints,omitempty" env:"SAVEKIT_WEBHOOK_ENDPOINTS"`
	EventTypes []string      `json:"event_types,omitempty" yaml:"event_types,omitempty" env:"SAVEKIT_WEBHOOK_EVENT_TYPES"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout" env:"SAVEKIT_WEBHOOK_TIMEOUT"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	EnableRateLimit  bool            `json:"enable_rate_limit" yaml:"enable_rate_limit" env:"SAVEKIT_SECURITY_RATE_LIMIT_ENABLED"`
	RateLimit        RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	APIKeys          []string        `json:"api_keys,omitempty" yaml:"api_keys,omitempty" env:"SAVEKIT_SECURITY_API_KEYS"`
	WSAllowedOrigins []string        `json:"ws_allowed_origins,omitempty" yaml:"ws_allowed_origins,omitempty" env:"SAVEKIT_SECURITY_WS_ALLOWED_ORIGINS"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute" env:"SAVEKIT_SECURITY_RATE_LIMIT_RPM"`
	BurstSize         int `json:"burst_size" yaml:"burst_size" env:"SAVEKIT_SECURITY_RATE_LIMIT_BURST"`
}

// Load loads configuration from environment variables and validates it.
// Outside production a .env file in the working directory is applied first.
func Load() (*Config, error) {
	if Environment(os.Getenv("SAVEKIT_ENV")) != EnvProduction {
		if err := LoadDotEnv(); err != nil {
			return nil, err
		}
	}

	cfg := DefaultConfig()
	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validateConfigPath validates that the config file path is safe
func validateConfigPath(path string) error {
	if path == "" {
		return errors.New("config file path cannot be empty")
	}

	cleanPath := filepath.Clean(path)

	switch strings.ToLower(filepath.Ext(cleanPath)) {
	case ".json", ".yaml", ".yml":
	default:
		return errors.New("config file must have .json, .yaml or .yml extension")
	}

	if _, err := os.Stat(cleanPath); err != nil {
		return fmt.Errorf("config file not accessible: %w", err)
	}

	return nil
}

// LoadFromFile loads configuration from a JSON or YAML file
func LoadFromFile(path string) (*Config, error) {
	// Validate the path for security
	if err := validateConfigPath(path); err != nil {
		return nil, fmt.Errorf("invalid config file path: %w", err)
	}

	// Open the file safely after validation
	file, err := os.Open(path) // #nosec G304 - Path validated above
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	// Environment variables override file values
	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// finish applies env overrides, *_FILE secrets and validation.
func finish(cfg *Config) error {
	if err := loadFromEnv(cfg); err != nil {
		return fmt.Errorf("failed to load config from environment: %w", err)
	}
	if err := LoadSecretsFromEnv(context.Background(), cfg, NewEnvironmentSecretStore()); err != nil {
		return fmt.Errorf("failed to load secrets: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// DefaultConfig returns a configuration with sensible defaults for development
func DefaultConfig() *Config {
	return &Config{
		Environment: EnvDevelopment,
		Profile:     "default",
		Server: ServerConfig{
			Address:           ":8080",
			PathPrefix:        "/api",
			CORSOrigin:        "*",
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Storage: StorageConfig{
			Adapter: AdapterMemory,
			Redis:   redis.DefaultConfig(),
			SQL:     sqlx.DefaultConfig(sqlx.DriverPostgres),
			Gorm:    gormstore.DefaultConfig(),
			File: FileConfig{
				Path: "./data/savekit.json",
			},
		},
		Engine: EngineConfig{
			OperationTimeout:   5 * time.Second,
			DispatchMode:       "async",
			SeedDefaultCatalog: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Analytics: AnalyticsConfig{
			Enabled:        true,
			ExportInterval: time.Minute,
			ExportTimeout:  5 * time.Second,
			TopN:           10,
			RetentionDays:  31,
		},
		Integrations: IntegrationsConfig{
			Webhook: WebhookConfig{
				Timeout: 5 * time.Second,
			},
		},
		Security: SecurityConfig{
			EnableRateLimit: false,
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 60,
				BurstSize:         10,
			},
			APIKeys: []string{},
		},
	}
}

// Validate validates the configuration and returns detailed error messages
func (c *Config) Validate() error {
	var errs []string

	// Validate environment
	switch c.Environment {
	case EnvDevelopment, EnvTesting, EnvStaging, EnvProduction:
	case "":
		errs = append(errs, "environment cannot be empty")
	default:
		errs = append(errs, fmt.Sprintf("unknown environment %q", c.Environment))
	}

	sections := []struct {
		name string
		v    interface{ Validate() error }
	}{
		{"server", &c.Server},
		{"storage", &c.Storage},
		{"engine", &c.Engine},
		{"logging", &c.Logging},
		{"analytics", &c.Analytics},
		{"integrations", &c.Integrations},
		{"security", &c.Security},
	}
	for _, s := range sections {
		if err := s.v.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("%s config: %v", s.name, err))
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

const redacted = "[REDACTED]"

// String returns a JSON representation of the config (with secrets redacted)
func (c *Config) String() string {
	// Create a copy for redaction
	cfg := *c

	// Redact sensitive information
	if cfg.Storage.SQL.DSN != "" {
		cfg.Storage.SQL.DSN = redacted
	}
	if cfg.Storage.Gorm.DSN != "" {
		cfg.Storage.Gorm.DSN = redacted
	}
	if cfg.Storage.Redis.Password != "" {
		cfg.Storage.Redis.Password = redacted
	}
	if cfg.Analytics.ExportAPIKey != "" {
		cfg.Analytics.ExportAPIKey = redacted
	}
	if len(cfg.Security.APIKeys) > 0 {
		keys := make([]string, len(cfg.Security.APIKeys))
		for i := range keys {
			keys[i] = redacted
		}
		cfg.Security.APIKeys = keys
	}

	data, _ := json.MarshalIndent(cfg, "", "  ")
	return string(data)
}
