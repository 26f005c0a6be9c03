package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"savekit/config"
	"savekit/core"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("warn"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("verbose"))
}

func TestSetupStorageFileAndSeed(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig()
	cfg.Storage.Adapter = config.AdapterFile
	cfg.Storage.File.Path = filepath.Join(t.TempDir(), "savekit.json")
	cfg.Engine.DispatchMode = "sync"

	storage, cleanup, err := setupStorage(ctx, cfg, slog.Default())
	require.NoError(t, err)
	defer cleanup()

	svc, closeSvc, err := provideService(ctx, cfg, slog.Default(), provideHub(), storage, provideCounter(cfg), provideWebhook(cfg, slog.Default()))
	require.NoError(t, err)
	defer closeSvc()

	rules, err := svc.Achievements(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, rules)

	// seeding twice is a no-op
	require.NoError(t, seedCatalog(ctx, cfg, svc, slog.Default()))
	again, err := svc.Achievements(ctx)
	require.NoError(t, err)
	assert.Len(t, again, len(rules))

	_, batch, err := svc.RecordActivity(ctx, "alice", core.StatSavingsCount, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "first_saving", batch[0].Code)
}

func TestSetupStorageUnknownAdapter(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Adapter = "mongo"
	_, _, err := setupStorage(context.Background(), cfg, slog.Default())
	assert.Error(t, err)
}

func TestProvideWebhookAndReporter(t *testing.T) {
	cfg := config.DefaultConfig()
	assert.Nil(t, provideWebhook(cfg, slog.Default()))

	cfg.Integrations.Webhook.Endpoints = []string{"https://hooks.example.com"}
	cfg.Integrations.Webhook.EventTypes = []string{string(core.EventAchievementUnlocked)}
	assert.NotNil(t, provideWebhook(cfg, slog.Default()))

	cfg.Analytics.Enabled = false
	counter := provideCounter(cfg)
	assert.Nil(t, counter)
	assert.Nil(t, provideReporter(cfg, counter, slog.Default()))
}
