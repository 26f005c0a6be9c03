package httpapi

import (
	"log/slog"
	"net/http"
	"strings"

	wsadapter "savekit/adapters/websocket"
	"savekit/analytics"
	"savekit/engine"
	"savekit/realtime"
)

// Options configures the HTTP API surface.
type Options struct {
	// PathPrefix, if set, is prepended to all routes (e.g., "/api").
	PathPrefix string
	// AllowCORSOrigin, if non-empty, enables basic CORS with the given origin (use "*" for any).
	AllowCORSOrigin string
	// APIKeys, if non-empty, enables static API key auth via Authorization: Bearer or X-API-Key.
	// The health check stays open for probes.
	APIKeys []string
	// RateLimitEnabled toggles rate limiting.
	RateLimitEnabled bool
	// RateLimitRPM is the allowed requests per minute per client key.
	RateLimitRPM int
	// RateLimitBurst defines burst capacity.
	RateLimitBurst int
	// WSAllowedOrigins restricts WebSocket upgrades; empty allows any origin.
	WSAllowedOrigins []string
	// Analytics, if set, is served at {prefix}/analytics/unlocks.
	Analytics *analytics.UnlockCounter
	// Logger receives request logs (defaults to slog.Default()).
	Logger *slog.Logger
}

// NewMux builds an http.Handler exposing the achievement REST API and WebSocket stream.
// Routes:
//   - GET  {prefix}/healthz
//   - GET  {prefix}/achievements
//   - POST {prefix}/achievements
//   - GET  {prefix}/users/{id}/achievements
//   - POST {prefix}/users/{id}/achievements/check
//   - POST {prefix}/users/{id}/achievements/{code}/unlock
//   - GET  {prefix}/users/{id}/stats
//   - POST {prefix}/users/{id}/stats/{key}?delta=1
//   - PUT  {prefix}/users/{id}/stats/{key}?value=7
//   - GET  {prefix}/analytics/unlocks
//   - WS   {prefix}/ws[?user_id=alice]
func NewMux(svc *engine.AchievementService, hub *realtime.Hub, opts Options) http.Handler {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "httpapi")
	h := &handlers{svc: svc, counter: opts.Analytics, log: log}

	mux := http.NewServeMux()
	route := func(method, path string, fn http.HandlerFunc) {
		mux.HandleFunc(method+" "+withPrefix(opts.PathPrefix, path), fn)
	}

	route(http.MethodGet, "/healthz", h.health)
	route(http.MethodGet, "/achievements", h.listCatalog)
	route(http.MethodPost, "/achievements", h.registerAchievement)
	route(http.MethodGet, "/users/{id}/achievements", h.listWithProgress)
	route(http.MethodPost, "/users/{id}/achievements/check", h.checkAndReward)
	route(http.MethodPost, "/users/{id}/achievements/{code}/unlock", h.forceUnlock)
	route(http.MethodGet, "/users/{id}/stats", h.getStats)
	route(http.MethodPost, "/users/{id}/stats/{key}", h.recordActivity)
	route(http.MethodPut, "/users/{id}/stats/{key}", h.setStat)
	if opts.Analytics != nil {
		route(http.MethodGet, "/analytics/unlocks", h.unlockAnalytics)
	}

	// WebSocket events
	if hub != nil {
		mux.Handle(withPrefix(opts.PathPrefix, "/ws"), wsadapter.Handler(hub, opts.WSAllowedOrigins))
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", nil)
	})

	var handler http.Handler = mux
	if len(opts.APIKeys) > 0 {
		handler = withAPIKeyAuth(handler, opts.APIKeys, withPrefix(opts.PathPrefix, "/healthz"))
	}
	if opts.RateLimitEnabled && opts.RateLimitRPM > 0 && opts.RateLimitBurst > 0 {
		handler = withRateLimit(handler, opts.RateLimitRPM, opts.RateLimitBurst)
	}
	if opts.AllowCORSOrigin != "" {
		handler = withCORS(handler, opts.AllowCORSOrigin)
	}
	handler = withRequestLog(handler, log)
	handler = withRequestID(handler)
	return handler
}

func withPrefix(prefix, path string) string {
	if prefix == "" || prefix == "/" {
		return path
	}
	return strings.TrimSuffix(prefix, "/") + path
}
