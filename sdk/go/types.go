package sdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"savekit/core"
	"savekit/engine"
)

// UnlockResult is one achievement unlocked by a check, force unlock or stat write.
type UnlockResult = engine.UnlockResult

// ProgressListing mirrors the GET /users/{id}/achievements response.
type ProgressListing = engine.ProgressListing

// StatsResponse is the GET /users/{id}/stats response.
type StatsResponse struct {
	UserID string          `json:"user_id"`
	Stats  core.StatValues `json:"stats"`
}

// ActivityResult is returned by RecordActivity.
type ActivityResult struct {
	Total    float64        `json:"total"`
	Unlocked []UnlockResult `json:"unlocked"`
}

// NewAchievement is the POST /achievements body.
type NewAchievement struct {
	Code        string             `json:"code"`
	Title       string             `json:"title,omitempty"`
	Description string             `json:"description,omitempty"`
	Condition   core.ConditionList `json:"condition"`
	IsActive    *bool              `json:"is_active,omitempty"`
	Rewards     []core.Reward      `json:"rewards,omitempty"`
}

// HealthStatus describes the /healthz response.
type HealthStatus struct {
	Status string                 `json:"status"`
	Checks map[string]interface{} `json:"checks"`
}

// APIError is a non-2xx response decoded from the server's error envelope.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed: status %d", e.Status)
	}
	return fmt.Sprintf("request failed: status %d: %s: %s", e.Status, e.Code, e.Message)
}

// Retryable reports whether the server asked the caller to try again.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusServiceUnavailable || e.Status == http.StatusTooManyRequests
}

// IsConflict reports whether err is a duplicate-code rejection.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict
}

func decodeJSON(resp *http.Response, target any) error {
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = json.Unmarshal(body, apiErr)
		return apiErr
	}
	if target == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

// ErrEmptyUserID is returned when user id is empty.
var ErrEmptyUserID = errors.New("user id is required")
