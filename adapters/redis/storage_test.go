package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"savekit/core"
	"savekit/engine"
)

// newTestClient spins up a miniredis server and returns a client plus cleanup.
func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis, func()) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cleanup := func() {
		_ = client.Close()
	}
	return client, mr, cleanup
}

func seedRule(t *testing.T, store *Store, code string, value float64, rewards ...core.Reward) core.Achievement {
	t.Helper()
	a, err := store.CreateAchievement(context.Background(), core.Achievement{
		Code:      code,
		Title:     code,
		IsActive:  true,
		Condition: core.ConditionList{{Type: core.StatSavingsCount, Operator: core.OpGTE, Value: value}},
	}, rewards)
	require.NoError(t, err)
	return a
}

func TestStore_Stats(t *testing.T) {
	client, _, cleanup := newTestClient(t)
	defer cleanup()

	store := NewWithClient(client)
	ctx := context.Background()
	userID := core.UserID("test-user")

	total, err := store.IncrStat(ctx, userID, core.StatTotalSavings, 50)
	require.NoError(t, err)
	assert.Equal(t, float64(50), total)

	total, err = store.IncrStat(ctx, userID, core.StatTotalSavings, 25.5)
	require.NoError(t, err)
	assert.Equal(t, 75.5, total)

	require.NoError(t, store.SetStat(ctx, userID, core.StatCurrentStreak, 4))

	stats, err := store.StatsForUser(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 75.5, stats.Get(core.StatTotalSavings))
	assert.Equal(t, float64(4), stats.Get(core.StatCurrentStreak))
	assert.Equal(t, float64(0), stats.Get(core.StatSavingsCount))
}

func TestStore_EmptyUser(t *testing.T) {
	client, _, cleanup := newTestClient(t)
	defer cleanup()

	store := NewWithClient(client)
	ctx := context.Background()

	stats, err := store.StatsForUser(ctx, "nonexistent-user")
	require.NoError(t, err)
	assert.Empty(t, stats)

	unlocks, err := store.Unlocks(ctx, "nonexistent-user")
	require.NoError(t, err)
	assert.Empty(t, unlocks)
}

func TestStore_Catalog(t *testing.T) {
	client, _, cleanup := newTestClient(t)
	defer cleanup()

	store := NewWithClient(client)
	ctx := context.Background()

	first := seedRule(t, store, "first_saving", 1, core.Reward{Type: core.RewardPoints, Amount: 100})
	second := seedRule(t, store, "ten_savings", 10)
	_, err := store.CreateAchievement(ctx, core.Achievement{Code: "retired", IsActive: false}, nil)
	require.NoError(t, err)

	_, err = store.CreateAchievement(ctx, core.Achievement{Code: "first_saving", IsActive: true}, nil)
	assert.True(t, errors.Is(err, engine.ErrDuplicateCode))

	active, err := store.ActiveAchievements(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, first.ID, active[0].ID)
	assert.Equal(t, second.ID, active[1].ID)
	assert.Equal(t, core.OpGTE, active[0].Condition[0].Operator)

	got, err := store.AchievementByCode(ctx, "ten_savings")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second.ID, got.ID)

	missing, err := store.AchievementByCode(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)

	rewards, err := store.RewardsFor(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, rewards, 1)
	assert.Equal(t, first.ID, rewards[0].AchievementID)

	none, err := store.RewardsFor(ctx, 999)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_InsertUnlockIfAbsent(t *testing.T) {
	client, _, cleanup := newTestClient(t)
	defer cleanup()

	store := NewWithClient(client)
	ctx := context.Background()
	rule := seedRule(t, store, "first_saving", 1)

	rec := core.UnlockRecord{
		UserID:        "alice",
		AchievementID: rule.ID,
		UnlockedAt:    time.Now().UTC().Truncate(time.Second),
		Meta:          core.UnlockMeta{Stats: core.StatValues{core.StatSavingsCount: 1}},
	}
	inserted, err := store.InsertUnlockIfAbsent(ctx, rec)
	require.NoError(t, err)
	require.NotNil(t, inserted)

	dup, err := store.InsertUnlockIfAbsent(ctx, rec)
	require.NoError(t, err)
	assert.Nil(t, dup)

	ok, err := store.HasUnlocked(ctx, "alice", rule.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	unlocks, err := store.Unlocks(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, unlocks, 1)
	assert.Equal(t, rec.UnlockedAt, unlocks[0].UnlockedAt)
	assert.Equal(t, float64(1), unlocks[0].Meta.Stats.Get(core.StatSavingsCount))
}

func TestStore_ConcurrentUnlockSingleWinner(t *testing.T) {
	client, _, cleanup := newTestClient(t)
	defer cleanup()

	store := NewWithClient(client)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := store.InsertUnlockIfAbsent(ctx, core.UnlockRecord{UserID: "bob", AchievementID: 1})
			if err != nil {
				t.Error(err)
				return
			}
			if rec != nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestStore_ServiceRoundTrip(t *testing.T) {
	client, _, cleanup := newTestClient(t)
	defer cleanup()

	store := NewWithClient(client)
	svc := engine.NewAchievementService(store, engine.NewEventBus(engine.DispatchSync))
	defer svc.Close()
	ctx := context.Background()

	_, err := svc.RegisterAchievement(ctx, core.Achievement{
		Code:      "million_saver",
		IsActive:  true,
		Condition: core.ConditionList{{Type: core.StatTotalSavings, Operator: core.OpGTE, Value: 1000000}},
	}, []core.Reward{{Type: core.RewardPoints, Amount: 50000}, {Type: core.RewardBadge, Item: "million_saver"}})
	require.NoError(t, err)

	_, batch, err := svc.RecordActivity(ctx, "carol", core.StatTotalSavings, 1000000)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Len(t, batch[0].Rewards, 2)

	again, err := svc.CheckAndReward(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestStore_ConnectionFailureIsRetryable(t *testing.T) {
	client, mr, cleanup := newTestClient(t)
	defer cleanup()

	store := NewWithClient(client)
	svc := engine.NewAchievementService(store, engine.NewEventBus(engine.DispatchSync))
	defer svc.Close()

	mr.Close()
	_, err := svc.CheckAndReward(context.Background(), "dave")
	require.Error(t, err)
	assert.True(t, engine.IsRetryable(err))
}

func TestConfig_DefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "localhost:6379", config.Addr)
	assert.Equal(t, "", config.Password)
	assert.Equal(t, 0, config.DB)
	assert.Equal(t, 10, config.PoolSize)
	assert.Equal(t, 2, config.MinIdleConns)
	assert.Equal(t, 5*time.Second, config.DialTimeout)
	assert.Equal(t, 3*time.Second, config.ReadTimeout)
	assert.Equal(t, 3*time.Second, config.WriteTimeout)
}
