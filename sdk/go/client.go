package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"savekit/core"
)

// Option configures the Client.
type Option func(*Client)

// Client provides typed access to the savekit HTTP + WebSocket API.
type Client struct {
	baseURL    string
	wsURL      string
	httpClient *http.Client
	headers    http.Header
}

// NewClient constructs a new SDK client targeting the given baseURL (e.g., http://localhost:8080/api).
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("baseURL is required")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	c := &Client{
		baseURL:    baseURL,
		wsURL:      deriveWSURL(baseURL),
		httpClient: http.DefaultClient,
		headers:    make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithAuthToken adds an Authorization: Bearer token header to all requests (HTTP + WS).
func WithAuthToken(token string) Option {
	return func(c *Client) {
		if strings.TrimSpace(token) != "" {
			c.headers.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithAPIKey adds an X-API-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		if strings.TrimSpace(key) != "" {
			c.headers.Set("X-API-Key", key)
		}
	}
}

// WithHeader sets an arbitrary header applied to HTTP and WS calls.
func WithHeader(k, v string) Option {
	return func(c *Client) {
		if k != "" {
			c.headers.Set(k, v)
		}
	}
}

// CheckAndReward asks the server to evaluate every active rule for the user.
func (c *Client) CheckAndReward(ctx context.Context, userID string) ([]UnlockResult, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrEmptyUserID
	}
	var body struct {
		Unlocked []UnlockResult `json:"unlocked"`
	}
	if err := c.do(ctx, http.MethodPost, c.userPath(userID, "achievements", "check"), nil, nil, &body); err != nil {
		return nil, err
	}
	return body.Unlocked, nil
}

// ForceUnlock grants an achievement by code. It returns nil when the code is
// unknown or the user already holds it.
func (c *Client) ForceUnlock(ctx context.Context, userID, code string) (*UnlockResult, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrEmptyUserID
	}
	var body struct {
		Unlocked    bool          `json:"unlocked"`
		Achievement *UnlockResult `json:"achievement"`
	}
	if err := c.do(ctx, http.MethodPost, c.userPath(userID, "achievements", code, "unlock"), nil, nil, &body); err != nil {
		return nil, err
	}
	if !body.Unlocked {
		return nil, nil
	}
	return body.Achievement, nil
}

// ListWithProgress fetches every active rule with the user's completion state.
func (c *Client) ListWithProgress(ctx context.Context, userID string) (ProgressListing, error) {
	if strings.TrimSpace(userID) == "" {
		return ProgressListing{}, ErrEmptyUserID
	}
	var listing ProgressListing
	if err := c.do(ctx, http.MethodGet, c.userPath(userID, "achievements"), nil, nil, &listing); err != nil {
		return ProgressListing{}, err
	}
	return listing, nil
}

// RecordActivity adds delta to a user's stat and returns the new total with any unlocks.
func (c *Client) RecordActivity(ctx context.Context, userID string, key core.StatKey, delta float64) (ActivityResult, error) {
	if strings.TrimSpace(userID) == "" {
		return ActivityResult{}, ErrEmptyUserID
	}
	q := url.Values{"delta": {strconv.FormatFloat(delta, 'f', -1, 64)}}
	var res ActivityResult
	if err := c.do(ctx, http.MethodPost, c.userPath(userID, "stats", string(key)), q, nil, &res); err != nil {
		return ActivityResult{}, err
	}
	return res, nil
}

// SetStat overwrites a user's stat and returns any unlocks it caused.
func (c *Client) SetStat(ctx context.Context, userID string, key core.StatKey, value float64) ([]UnlockResult, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrEmptyUserID
	}
	q := url.Values{"value": {strconv.FormatFloat(value, 'f', -1, 64)}}
	var body struct {
		Unlocked []UnlockResult `json:"unlocked"`
	}
	if err := c.do(ctx, http.MethodPut, c.userPath(userID, "stats", string(key)), q, nil, &body); err != nil {
		return nil, err
	}
	return body.Unlocked, nil
}

// Stats fetches the user's current statistics.
func (c *Client) Stats(ctx context.Context, userID string) (core.StatValues, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrEmptyUserID
	}
	var body StatsResponse
	if err := c.do(ctx, http.MethodGet, c.userPath(userID, "stats"), nil, nil, &body); err != nil {
		return nil, err
	}
	return body.Stats, nil
}

// Achievements lists the active catalog.
func (c *Client) Achievements(ctx context.Context) ([]core.Achievement, error) {
	var body struct {
		Achievements []core.Achievement `json:"achievements"`
	}
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/achievements", nil, nil, &body); err != nil {
		return nil, err
	}
	return body.Achievements, nil
}

// RegisterAchievement creates a rule. A duplicate code yields an error for which IsConflict is true.
func (c *Client) RegisterAchievement(ctx context.Context, a NewAchievement) (core.Achievement, error) {
	var created core.Achievement
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/achievements", nil, a, &created); err != nil {
		return core.Achievement{}, err
	}
	return created, nil
}

// Health probes /healthz and returns status + storage check.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var hs HealthStatus
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/healthz", nil, nil, &hs); err != nil {
		return HealthStatus{}, err
	}
	return hs, nil
}

// SubscribeEvents connects to the WebSocket stream and emits core.Event values.
// A non-empty userID restricts the stream to that user's events.
// The returned channel closes when ctx is done or the connection drops.
func (c *Client) SubscribeEvents(ctx context.Context, userID string) (<-chan core.Event, error) {
	if c.wsURL == "" {
		return nil, errors.New("wsURL is not set; ensure baseURL is http/https")
	}
	target := c.wsURL
	if userID != "" {
		target += "?" + url.Values{"user_id": {userID}}.Encode()
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, target, c.headers)
	if err != nil {
		return nil, err
	}

	out := make(chan core.Event, 32)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var evt core.Event
			if err := conn.ReadJSON(&evt); err != nil {
				return
			}
			select {
			case out <- evt:
			default:
				// drop if consumer is slow
			}
		}
	}()
	return out, nil
}

func (c *Client) do(ctx context.Context, method, target string, query url.Values, in, out any) error {
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.applyHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeJSON(resp, out)
}

func (c *Client) userPath(userID string, segments ...string) string {
	var b strings.Builder
	b.WriteString(c.baseURL)
	b.WriteString("/users/")
	b.WriteString(url.PathEscape(userID))
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

func (c *Client) applyHeaders(r *http.Request) {
	for k, vals := range c.headers {
		for _, v := range vals {
			r.Header.Add(k, v)
		}
	}
}

func deriveWSURL(httpBase string) string {
	u, err := url.Parse(httpBase)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		// leave as-is for custom schemes
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String()
}
