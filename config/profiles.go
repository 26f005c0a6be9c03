package config

import (
	"fmt"
	"time"
)

// LoadProfile returns the defaults for a named environment with env overrides applied.
func LoadProfile(name string) (*Config, error) {
	cfg := DefaultConfig()
	switch Environment(name) {
	case EnvDevelopment:
		cfg.Logging.Level = "debug"
		cfg.Logging.Format = "text"
	case EnvTesting:
		cfg.Engine.DispatchMode = "sync"
		cfg.Engine.OperationTimeout = time.Second
		cfg.Analytics.ExportInterval = 0
		cfg.Logging.Level = "warn"
		cfg.Logging.Format = "text"
	case EnvStaging:
		cfg.Storage.Adapter = AdapterRedis
		cfg.Security.EnableRateLimit = true
		cfg.Logging.Level = "debug"
	case EnvProduction:
		cfg.Storage.Adapter = AdapterRedis
		cfg.Server.CORSOrigin = ""
		cfg.Security.EnableRateLimit = true
		cfg.Security.RateLimit = RateLimitConfig{RequestsPerMinute: 120, BurstSize: 20}
		cfg.Engine.SeedDefaultCatalog = false
	default:
		return nil, fmt.Errorf("unknown profile %q", name)
	}
	cfg.Environment = Environment(name)
	cfg.Profile = name

	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
