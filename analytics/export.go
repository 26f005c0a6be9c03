package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Exporter ships unlock snapshots somewhere outside the process.
type Exporter interface {
	Export(ctx context.Context, snap Snapshot) error
	Close() error
}

// HTTPExporter posts snapshots to an external HTTP endpoint.
type HTTPExporter struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPExporter(endpoint, apiKey string, timeout time.Duration) *HTTPExporter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPExporter{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (e *HTTPExporter) Export(ctx context.Context, snap Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal analytics data: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send analytics data: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("analytics export failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (e *HTTPExporter) Close() error { return nil }

// LogExporter writes snapshots to a structured logger.
type LogExporter struct {
	log *slog.Logger
}

func NewLogExporter(l *slog.Logger) *LogExporter {
	if l == nil {
		l = slog.Default()
	}
	return &LogExporter{log: l}
}

func (e *LogExporter) Export(_ context.Context, snap Snapshot) error {
	e.log.Info("analytics snapshot",
		"total_unlocks", snap.TotalUnlocks,
		"forced_unlocks", snap.ForcedUnlocks,
		"points_granted", snap.PointsGranted,
		"top", snap.TopAchievements,
	)
	return nil
}

func (e *LogExporter) Close() error { return nil }

// Reporter periodically exports the counter snapshot.
type Reporter struct {
	counter   *UnlockCounter
	exporters []Exporter
	interval  time.Duration
	limit     int
	log       *slog.Logger
}

func NewReporter(counter *UnlockCounter, interval time.Duration, log *slog.Logger, exporters ...Exporter) *Reporter {
	if log == nil {
		log = slog.Default()
	}
	return &Reporter{counter: counter, exporters: exporters, interval: interval, limit: 10, log: log}
}

// SetTopN sets how many achievements each exported snapshot ranks.
func (r *Reporter) SetTopN(n int) {
	if n > 0 {
		r.limit = n
	}
}

// ExportNow sends the current snapshot to every exporter, continuing past failures.
func (r *Reporter) ExportNow(ctx context.Context) error {
	snap := r.counter.Snapshot(r.limit)
	var firstErr error
	for _, exp := range r.exporters {
		if err := exp.Export(ctx, snap); err != nil {
			r.log.Warn("analytics export failed", "exporter", fmt.Sprintf("%T", exp), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Start blocks, exporting every interval until ctx is done. A final export
// runs on shutdown.
func (r *Reporter) Start(ctx context.Context) {
	if r.interval <= 0 || len(r.exporters) == 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = r.ExportNow(flushCtx)
			cancel()
			for _, exp := range r.exporters {
				_ = exp.Close()
			}
			return
		case <-ticker.C:
			_ = r.ExportNow(ctx)
		}
	}
}
