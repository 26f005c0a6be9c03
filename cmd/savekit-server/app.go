package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	gormAdapter "savekit/adapters/gorm"
	"savekit/adapters/jsonfile"
	mem "savekit/adapters/memory"
	redisAdapter "savekit/adapters/redis"
	sqlxAdapter "savekit/adapters/sqlx"
	"savekit/achieve"
	"savekit/analytics"
	"savekit/api/httpapi"
	"savekit/catalog"
	"savekit/config"
	"savekit/core"
	"savekit/engine"
	"savekit/integrations/webhook"
	"savekit/realtime"
)

// App aggregates the assembled server components.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Hub      *realtime.Hub
	Service  *engine.AchievementService
	Counter  *analytics.UnlockCounter
	Reporter *analytics.Reporter
	Handler  http.Handler
	Server   *http.Server
}

func provideConfig() (*config.Config, error) {
	if path := os.Getenv("SAVEKIT_CONFIG_FILE"); path != "" {
		return config.LoadFromFile(path)
	}
	if profile := os.Getenv("SAVEKIT_PROFILE"); profile != "" {
		return config.LoadProfile(profile)
	}
	return config.Load()
}

func provideLogger(cfg *config.Config) *slog.Logger {
	return setupLogging(cfg)
}

func provideHub() *realtime.Hub {
	return realtime.NewHub()
}

func provideCounter(cfg *config.Config) *analytics.UnlockCounter {
	if !cfg.Analytics.Enabled {
		return nil
	}
	counter := analytics.NewUnlockCounter()
	counter.SetRetention(cfg.Analytics.RetentionDays)
	return counter
}

func provideReporter(cfg *config.Config, counter *analytics.UnlockCounter, logger *slog.Logger) *analytics.Reporter {
	if counter == nil {
		return nil
	}
	var exporters []analytics.Exporter
	if cfg.Analytics.ExportEndpoint != "" {
		exporters = append(exporters, analytics.NewHTTPExporter(cfg.Analytics.ExportEndpoint, cfg.Analytics.ExportAPIKey, cfg.Analytics.ExportTimeout))
	}
	if cfg.Analytics.LogSnapshots {
		exporters = append(exporters, analytics.NewLogExporter(logger))
	}
	r := analytics.NewReporter(counter, cfg.Analytics.ExportInterval, logger, exporters...)
	r.SetTopN(cfg.Analytics.TopN)
	return r
}

func provideWebhook(cfg *config.Config, logger *slog.Logger) *webhook.Sink {
	wh := cfg.Integrations.Webhook
	if len(wh.Endpoints) == 0 {
		return nil
	}
	opts := []webhook.Option{webhook.WithTimeout(wh.Timeout), webhook.WithLogger(logger)}
	if len(wh.EventTypes) > 0 {
		types := make([]core.EventType, 0, len(wh.EventTypes))
		for _, t := range wh.EventTypes {
			types = append(types, core.EventType(t))
		}
		opts = append(opts, webhook.WithEventTypes(types...))
	}
	return webhook.New(wh.Endpoints, opts...)
}

func provideStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (engine.Storage, func(), error) {
	return setupStorage(ctx, cfg, logger)
}

func provideService(ctx context.Context, cfg *config.Config, logger *slog.Logger, hub *realtime.Hub, storage engine.Storage, counter *analytics.UnlockCounter, sink *webhook.Sink) (*engine.AchievementService, func(), error) {
	opts := []achieve.Option{
		achieve.WithRealtime(hub),
		achieve.WithStorage(storage),
		achieve.WithDispatchMode(engine.ParseDispatchMode(cfg.Engine.DispatchMode)),
		achieve.WithLogger(logger),
		achieve.WithOperationTimeout(cfg.Engine.OperationTimeout),
	}
	if counter != nil {
		opts = append(opts, achieve.WithHooks(counter))
	}
	if sink != nil {
		opts = append(opts, achieve.WithWebhook(sink))
	}
	svc := achieve.New(opts...)

	if err := seedCatalog(ctx, cfg, svc, logger); err != nil {
		svc.Close()
		return nil, nil, err
	}
	return svc, svc.Close, nil
}

func provideHandler(svc *engine.AchievementService, hub *realtime.Hub, counter *analytics.UnlockCounter, cfg *config.Config, logger *slog.Logger) http.Handler {
	return httpapi.NewMux(svc, hub, httpapi.Options{
		PathPrefix:       cfg.Server.PathPrefix,
		AllowCORSOrigin:  cfg.Server.CORSOrigin,
		APIKeys:          cfg.Security.APIKeys,
		RateLimitEnabled: cfg.Security.EnableRateLimit,
		RateLimitRPM:     cfg.Security.RateLimit.RequestsPerMinute,
		RateLimitBurst:   cfg.Security.RateLimit.BurstSize,
		WSAllowedOrigins: cfg.Security.WSAllowedOrigins,
		Analytics:        counter,
		Logger:           logger,
	})
}

func provideServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
}

// seedCatalog registers the configured catalog; existing codes are skipped.
func seedCatalog(ctx context.Context, cfg *config.Config, svc *engine.AchievementService, logger *slog.Logger) error {
	var (
		entries []catalog.Entry
		err     error
	)
	switch {
	case cfg.Engine.CatalogFile != "":
		entries, err = catalog.Load(cfg.Engine.CatalogFile)
	case cfg.Engine.SeedDefaultCatalog:
		entries, err = catalog.Default()
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	if _, err := catalog.Seed(ctx, svc, entries, logger); err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}
	return nil
}

// setupLogging configures the logger based on configuration.
func setupLogging(cfg *config.Config) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Logging.Level),
	}

	out := os.Stdout
	if cfg.Logging.Output == "stderr" {
		out = os.Stderr
	}

	switch cfg.Logging.Format {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	if len(cfg.Logging.Attributes) > 0 {
		handler = handler.WithAttrs(convertAttributes(cfg.Logging.Attributes))
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// parseLogLevel converts string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// convertAttributes converts map[string]string to []slog.Attr.
func convertAttributes(attrs map[string]string) []slog.Attr {
	var result []slog.Attr
	for k, v := range attrs {
		result = append(result, slog.String(k, v))
	}
	return result
}

// setupStorage creates the appropriate storage adapter based on configuration.
// The returned cleanup releases connections.
func setupStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (engine.Storage, func(), error) {
	noop := func() {}
	switch cfg.Storage.Adapter {
	case config.AdapterMemory:
		return mem.New(), noop, nil
	case config.AdapterFile:
		s, err := jsonfile.New(cfg.Storage.File.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	case config.AdapterRedis:
		s, err := redisAdapter.New(cfg.Storage.Redis)
		if err != nil {
			return nil, nil, err
		}
		return s, closer(s.Close, logger), nil
	case config.AdapterSQL:
		s, err := sqlxAdapter.New(cfg.Storage.SQL)
		if err != nil {
			return nil, nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return s, closer(s.Close, logger), nil
	case config.AdapterGorm:
		s, err := gormAdapter.New(cfg.Storage.Gorm)
		if err != nil {
			return nil, nil, err
		}
		return s, closer(s.Close, logger), nil
	default:
		return nil, nil, fmt.Errorf("unknown storage adapter: %s", cfg.Storage.Adapter)
	}
}

func closer(fn func() error, logger *slog.Logger) func() {
	return func() {
		if err := fn(); err != nil {
			logger.Warn("failed to close storage", "error", err)
		}
	}
}
