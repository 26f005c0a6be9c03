package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	mem "savekit/adapters/memory"
	"savekit/achieve"
	"savekit/analytics"
	"savekit/api/httpapi"
	"savekit/catalog"
	"savekit/core"
	"savekit/engine"
	"savekit/realtime"
)

// step is one scripted student action.
type step struct {
	stat  core.StatKey
	delta float64
	set   bool
}

// journey walks a demo student from a first deposit to the million mark.
var journey = []step{
	{stat: core.StatSavingsCount, delta: 1},
	{stat: core.StatTotalSavings, delta: 150000},
	{stat: core.StatBucketCount, delta: 1},
	{stat: core.StatCurrentStreak, delta: 7, set: true},
	{stat: core.StatSavingsCount, delta: 9},
	{stat: core.StatTotalSavings, delta: 850000},
	{stat: core.StatGoalCompletedCount, delta: 1},
}

func main() {
	// Use readable text logging for development/demo
	textHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := slog.New(textHandler)
	slog.SetDefault(logger)

	ctx := context.Background()
	hub := realtime.NewHub()
	counter := analytics.NewUnlockCounter()
	svc := achieve.New(
		achieve.WithStorage(mem.New()),
		achieve.WithRealtime(hub),
		achieve.WithHooks(counter),
		achieve.WithDispatchMode(engine.DispatchSync),
		achieve.WithLogger(logger),
	)
	defer svc.Close()

	entries, err := catalog.Default()
	if err != nil {
		slog.Error("load catalog", "error", err)
		os.Exit(1)
	}
	if _, err := catalog.Seed(ctx, svc, entries, logger); err != nil {
		slog.Error("seed catalog", "error", err)
		os.Exit(1)
	}

	const student core.UserID = "demo-student"
	for _, s := range journey {
		var (
			batch []engine.UnlockResult
			err   error
		)
		if s.set {
			batch, err = svc.SetStat(ctx, student, s.stat, s.delta)
		} else {
			_, batch, err = svc.RecordActivity(ctx, student, s.stat, s.delta)
		}
		if err != nil {
			slog.Error("demo step failed", "stat", s.stat, "error", err)
			os.Exit(1)
		}
		for _, u := range batch {
			slog.Info("unlocked", "user", student, "code", u.Code, "rewards", len(u.Rewards))
		}
	}

	listing, err := svc.ListWithProgress(ctx, student)
	if err != nil {
		slog.Error("list progress", "error", err)
		os.Exit(1)
	}
	slog.Info("demo journey finished", "completed", listing.TotalCompleted, "total", listing.TotalAchievements)

	handler := httpapi.NewMux(svc, hub, httpapi.Options{
		AllowCORSOrigin: "*",
		Analytics:       counter,
		Logger:          logger,
	})

	slog.Info("starting demo server on :8080")

	if err := http.ListenAndServe(":8080", handler); err != nil {
		slog.Error("demo server crashed", "error", err)
		os.Exit(1)
	}
}
