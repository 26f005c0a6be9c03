package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	gormstore "savekit/adapters/gorm"
	"savekit/adapters/sqlx"
	"savekit/core"
)

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	var errs []string

	if s.Address == "" {
		errs = append(errs, "address cannot be empty")
	}

	if s.ReadTimeout <= 0 {
		errs = append(errs, "read_timeout must be positive")
	}

	if s.WriteTimeout <= 0 {
		errs = append(errs, "write_timeout must be positive")
	}

	if s.IdleTimeout <= 0 {
		errs = append(errs, "idle_timeout must be positive")
	}

	if s.ReadHeaderTimeout <= 0 {
		errs = append(errs, "read_header_timeout must be positive")
	}

	if s.ShutdownTimeout <= 0 {
		errs = append(errs, "shutdown_timeout must be positive")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

// Validate validates storage configuration
func (s *StorageConfig) Validate() error {
	var errs []string

	validAdapters := []string{AdapterMemory, AdapterRedis, AdapterSQL, AdapterGorm, AdapterFile}
	if !slices.Contains(validAdapters, s.Adapter) {
		errs = append(errs, fmt.Sprintf("adapter must be one of: %s", strings.Join(validAdapters, ", ")))
	}

	// Validate adapter-specific configs
	switch s.Adapter {
	case AdapterFile:
		if err := s.File.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("file config: %v", err))
		}
	case AdapterRedis:
		if s.Redis.Addr == "" {
			errs = append(errs, "redis config: addr cannot be empty")
		}
		if s.Redis.PoolSize <= 0 {
			errs = append(errs, "redis config: pool_size must be positive")
		}
	case AdapterSQL:
		if s.SQL.Driver != sqlx.DriverPostgres && s.SQL.Driver != sqlx.DriverMySQL {
			errs = append(errs, fmt.Sprintf("sql config: driver must be %s or %s", sqlx.DriverPostgres, sqlx.DriverMySQL))
		}
		if s.SQL.DSN == "" {
			errs = append(errs, "sql config: dsn cannot be empty")
		}
	case AdapterGorm:
		if s.Gorm.Dialect != gormstore.DialectPostgres && s.Gorm.Dialect != gormstore.DialectSQLite {
			errs = append(errs, fmt.Sprintf("gorm config: dialect must be %s or %s", gormstore.DialectPostgres, gormstore.DialectSQLite))
		}
		if s.Gorm.DSN == "" {
			errs = append(errs, "gorm config: dsn cannot be empty")
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

// Validate validates file storage configuration
func (f *FileConfig) Validate() error {
	if f.Path == "" {
		return errors.New("path cannot be empty")
	}
	return nil
}

// Validate validates engine configuration
func (e *EngineConfig) Validate() error {
	var errs []string

	if e.OperationTimeout < 0 {
		errs = append(errs, "operation_timeout cannot be negative")
	}
	if e.DispatchMode != "sync" && e.DispatchMode != "async" {
		errs = append(errs, "dispatch_mode must be one of: sync, async")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	var errs []string

	validLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLevels, l.Level) {
		errs = append(errs, fmt.Sprintf("level must be one of: %s", strings.Join(validLevels, ", ")))
	}

	validFormats := []string{"json", "text"}
	if !slices.Contains(validFormats, l.Format) {
		errs = append(errs, fmt.Sprintf("format must be one of: %s", strings.Join(validFormats, ", ")))
	}

	validOutputs := []string{"stdout", "stderr"}
	if !slices.Contains(validOutputs, l.Output) {
		errs = append(errs, fmt.Sprintf("output must be one of: %s", strings.Join(validOutputs, ", ")))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

// Validate validates analytics configuration
func (a *AnalyticsConfig) Validate() error {
	var errs []string

	if a.Enabled && a.RetentionDays < 1 {
		errs = append(errs, "retention_days must be at least 1")
	}
	if a.Enabled && (a.ExportEndpoint != "" || a.LogSnapshots) {
		if a.ExportInterval <= 0 {
			errs = append(errs, "export_interval must be positive when exporting")
		}
	}
	if a.ExportEndpoint != "" {
		if err := validateHTTPURL(a.ExportEndpoint); err != nil {
			errs = append(errs, fmt.Sprintf("export_endpoint: %v", err))
		}
		if a.ExportTimeout <= 0 {
			errs = append(errs, "export_timeout must be positive")
		}
	}
	if a.TopN < 0 {
		errs = append(errs, "top_n cannot be negative")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Validate validates outbound integrations
func (i *IntegrationsConfig) Validate() error {
	var errs []string

	for n, ep := range i.Webhook.Endpoints {
		if err := validateHTTPURL(ep); err != nil {
			errs = append(errs, fmt.Sprintf("webhook.endpoints[%d]: %v", n, err))
		}
	}
	if len(i.Webhook.Endpoints) > 0 && i.Webhook.Timeout <= 0 {
		errs = append(errs, "webhook.timeout must be positive")
	}
	for n, typ := range i.Webhook.EventTypes {
		switch core.EventType(typ) {
		case core.EventStatRecorded, core.EventAchievementUnlocked, core.EventRewardGranted:
		default:
			errs = append(errs, fmt.Sprintf("webhook.event_types[%d]: unknown event type %q", n, typ))
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Validate validates security settings.
func (s *SecurityConfig) Validate() error {
	var errs []string
	if s.EnableRateLimit {
		if s.RateLimit.RequestsPerMinute <= 0 {
			errs = append(errs, "rate_limit.requests_per_minute must be > 0 when rate limiting is enabled")
		}
		if s.RateLimit.BurstSize <= 0 {
			errs = append(errs, "rate_limit.burst_size must be > 0 when rate limiting is enabled")
		}
	}
	for i, key := range s.APIKeys {
		if strings.TrimSpace(key) == "" {
			errs = append(errs, fmt.Sprintf("api_keys[%d] is empty", i))
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("host cannot be empty")
	}
	return nil
}
