package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"savekit/analytics"
	"savekit/core"
	"savekit/engine"
)

type handlers struct {
	svc     *engine.AchievementService
	counter *analytics.UnlockCounter
	log     *slog.Logger
}

// healthCheck verifies the storage answers a catalog read.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	_, err := h.svc.Achievements(ctx)

	status := map[string]any{
		"status": "healthy",
		"checks": map[string]any{
			"storage": "ok",
		},
	}
	code := http.StatusOK
	if err != nil {
		code = http.StatusServiceUnavailable
		status["status"] = "unhealthy"
		status["checks"].(map[string]any)["storage"] = "failed"
		h.log.Warn("health check failed", "error", err)
	}
	writeJSONStatus(w, code, status)
}

func (h *handlers) listCatalog(w http.ResponseWriter, r *http.Request) {
	rules, err := h.svc.Achievements(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"achievements": rules})
}

type registerRequest struct {
	Code        string             `json:"code"`
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Condition   core.ConditionList `json:"condition"`
	IsActive    *bool              `json:"is_active,omitempty"`
	Rewards     []core.Reward      `json:"rewards"`
}

func (h *handlers) registerAchievement(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	a := core.Achievement{
		Code:        req.Code,
		Title:       req.Title,
		Description: req.Description,
		Condition:   req.Condition,
		IsActive:    req.IsActive == nil || *req.IsActive,
	}
	created, err := h.svc.RegisterAchievement(r.Context(), a, req.Rewards)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, created)
}

func (h *handlers) listWithProgress(w http.ResponseWriter, r *http.Request) {
	user, ok := pathUser(w, r)
	if !ok {
		return
	}
	listing, err := h.svc.ListWithProgress(r.Context(), user)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, listing)
}

func (h *handlers) checkAndReward(w http.ResponseWriter, r *http.Request) {
	user, ok := pathUser(w, r)
	if !ok {
		return
	}
	batch, err := h.svc.CheckAndReward(r.Context(), user)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"unlocked": batch})
}

func (h *handlers) forceUnlock(w http.ResponseWriter, r *http.Request) {
	user, ok := pathUser(w, r)
	if !ok {
		return
	}
	code := r.PathValue("code")
	if err := core.ValidateCode(code); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_code", err.Error(), nil)
		return
	}
	res, err := h.svc.ForceUnlock(r.Context(), user, code)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if res == nil {
		writeJSON(w, map[string]any{"unlocked": false})
		return
	}
	writeJSON(w, map[string]any{"unlocked": true, "achievement": res})
}

func (h *handlers) getStats(w http.ResponseWriter, r *http.Request) {
	user, ok := pathUser(w, r)
	if !ok {
		return
	}
	stats, err := h.svc.GetStats(r.Context(), user)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"user_id": user, "stats": stats})
}

func (h *handlers) recordActivity(w http.ResponseWriter, r *http.Request) {
	user, ok := pathUser(w, r)
	if !ok {
		return
	}
	delta, err := strconv.ParseFloat(r.URL.Query().Get("delta"), 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_delta", "delta must be a number", nil)
		return
	}
	total, batch, err := h.svc.RecordActivity(r.Context(), user, core.StatKey(r.PathValue("key")), delta)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"total": total, "unlocked": batch})
}

func (h *handlers) setStat(w http.ResponseWriter, r *http.Request) {
	user, ok := pathUser(w, r)
	if !ok {
		return
	}
	value, err := strconv.ParseFloat(r.URL.Query().Get("value"), 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_value", "value must be a number", nil)
		return
	}
	batch, err := h.svc.SetStat(r.Context(), user, core.StatKey(r.PathValue("key")), value)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"value": value, "unlocked": batch})
}

func (h *handlers) unlockAnalytics(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("top"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_top", "top must be a non-negative integer", nil)
			return
		}
		limit = n
	}
	writeJSON(w, h.counter.Snapshot(limit))
}

func pathUser(w http.ResponseWriter, r *http.Request) (core.UserID, bool) {
	user, err := core.NormalizeUserID(core.UserID(r.PathValue("id")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_user", err.Error(), nil)
		return "", false
	}
	return user, true
}

// fail maps service errors: duplicates are conflicts, persistence and timeout
// failures are retryable, everything else is caller input.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrDuplicateCode):
		writeError(w, http.StatusConflict, "duplicate_code", err.Error(), nil)
	case errors.Is(err, engine.ErrNonFiniteStat), errors.Is(err, engine.ErrNegativeStat):
		writeError(w, http.StatusBadRequest, "invalid_stat", err.Error(), nil)
	case engine.IsRetryable(err):
		h.log.Error("request failed", "path", r.URL.Path, "request_id", requestIDFrom(r.Context()), "error", err)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "unavailable", "temporarily unavailable, retry later", map[string]any{"retryable": true})
	default:
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), nil)
	}
}
