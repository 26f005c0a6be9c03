package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mem "savekit/adapters/memory"
	"savekit/core"
	"savekit/engine"
)

func newService(t *testing.T, store engine.Storage) *engine.AchievementService {
	t.Helper()
	svc := engine.NewAchievementService(store, engine.NewEventBus(engine.DispatchSync))
	t.Cleanup(svc.Close)
	return svc
}

func register(t *testing.T, svc *engine.AchievementService, code string, conds core.ConditionList, rewards ...core.Reward) core.Achievement {
	t.Helper()
	a, err := svc.RegisterAchievement(context.Background(), core.Achievement{
		Code: code, Title: code, IsActive: true, Condition: conds,
	}, rewards)
	require.NoError(t, err)
	return a
}

func TestCheckAndRewardMillionSaver(t *testing.T) {
	store := mem.New()
	svc := newService(t, store)
	ctx := context.Background()
	register(t, svc, "million_saver",
		core.ConditionList{{Type: core.StatTotalSavings, Operator: core.OpGTE, Value: 1000000}},
		core.Reward{Type: core.RewardPoints, Amount: 50000},
		core.Reward{Type: core.RewardBadge, Item: "million_saver"},
	)
	require.NoError(t, store.SetStat(ctx, "alice", core.StatTotalSavings, 1000000))

	batch, err := svc.CheckAndReward(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "million_saver", batch[0].Code)
	assert.False(t, batch[0].CompletedAt.IsZero())
	require.Len(t, batch[0].Rewards, 2)
	for _, r := range batch[0].Rewards {
		require.NotNil(t, r.EarnedAt)
		assert.Equal(t, batch[0].CompletedAt, *r.EarnedAt)
	}

	again, err := svc.CheckAndReward(ctx, "alice")
	require.NoError(t, err)
	assert.NotNil(t, again)
	assert.Empty(t, again)
}

func TestCheckAndRewardSkipsIneligibleAndKeepsCatalogOrder(t *testing.T) {
	store := mem.New()
	svc := newService(t, store)
	ctx := context.Background()
	register(t, svc, "first_saving", core.ConditionList{{Type: core.StatSavingsCount, Operator: core.OpGTE, Value: 1}})
	register(t, svc, "week_streak", core.ConditionList{{Type: core.StatConsecutiveDepositDays, Operator: core.OpGTE, Value: 7}})
	register(t, svc, "ten_savings", core.ConditionList{{Type: core.StatSavingsCount, Operator: core.OpGTE, Value: 10}})

	_, err := store.IncrStat(ctx, "bob", core.StatSavingsCount, 12)
	require.NoError(t, err)

	batch, err := svc.CheckAndReward(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "first_saving", batch[0].Code)
	assert.Equal(t, "ten_savings", batch[1].Code)
	assert.Empty(t, batch[0].Rewards)
}

func TestCheckAndRewardMalformedRuleDoesNotBlockOthers(t *testing.T) {
	store := mem.New()
	svc := newService(t, store)
	ctx := context.Background()
	// bypass registration validation to simulate a bad stored rule
	_, err := store.CreateAchievement(ctx, core.Achievement{
		Code: "broken", IsActive: true,
		Condition: core.ConditionList{{Type: core.StatSavingsCount, Operator: core.OpUnknown, Value: 0}},
	}, nil)
	require.NoError(t, err)
	register(t, svc, "first_saving", core.ConditionList{{Type: core.StatSavingsCount, Operator: core.OpGTE, Value: 1}})
	_, err = store.IncrStat(ctx, "carol", core.StatSavingsCount, 1)
	require.NoError(t, err)

	batch, err := svc.CheckAndReward(ctx, "carol")
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "first_saving", batch[0].Code)
}

func TestCheckAndRewardNormalizesUser(t *testing.T) {
	store := mem.New()
	svc := newService(t, store)
	ctx := context.Background()
	register(t, svc, "first_saving", core.ConditionList{{Type: core.StatSavingsCount, Operator: core.OpGTE, Value: 1}})
	require.NoError(t, store.SetStat(ctx, "dave", core.StatSavingsCount, 1))

	batch, err := svc.CheckAndReward(ctx, " DAVE ")
	require.NoError(t, err)
	require.Len(t, batch, 1)

	_, err = svc.CheckAndReward(ctx, "  ")
	require.Error(t, err)
	assert.False(t, engine.IsRetryable(err))
}

func TestCheckAndRewardConcurrentCallsUnlockOnce(t *testing.T) {
	store := mem.New()
	svc := newService(t, store)
	ctx := context.Background()
	register(t, svc, "first_saving", core.ConditionList{{Type: core.StatSavingsCount, Operator: core.OpGTE, Value: 1}},
		core.Reward{Type: core.RewardPoints, Amount: 10})
	require.NoError(t, store.SetStat(ctx, "erin", core.StatSavingsCount, 1))

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			batch, err := svc.CheckAndReward(ctx, "erin")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			total += len(batch)
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, total)
}

func TestCheckAndRewardPublishesEvents(t *testing.T) {
	store := mem.New()
	svc := newService(t, store)
	ctx := context.Background()
	register(t, svc, "first_saving", core.ConditionList{{Type: core.StatSavingsCount, Operator: core.OpGTE, Value: 1}},
		core.Reward{Type: core.RewardPoints, Amount: 10},
		core.Reward{Type: core.RewardTitle, Item: "rookie"})

	var unlocked, granted int
	svc.Subscribe(core.EventAchievementUnlocked, func(ctx context.Context, e core.Event) { unlocked++ })
	svc.Subscribe(core.EventRewardGranted, func(ctx context.Context, e core.Event) { granted++ })

	_, batch, err := svc.RecordActivity(ctx, "frank", core.StatSavingsCount, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, 1, unlocked)
	assert.Equal(t, 2, granted)
}

func TestForceUnlock(t *testing.T) {
	store := mem.New()
	svc := newService(t, store)
	ctx := context.Background()
	register(t, svc, "week_streak", core.ConditionList{{Type: core.StatConsecutiveDepositDays, Operator: core.OpGTE, Value: 7}},
		core.Reward{Type: core.RewardBadge, Item: "streaker"})

	res, err := svc.ForceUnlock(ctx, "gina", "week_streak")
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Len(t, res.Rewards, 1)

	dup, err := svc.ForceUnlock(ctx, "gina", "week_streak")
	require.NoError(t, err)
	assert.Nil(t, dup)

	missing, err := svc.ForceUnlock(ctx, "gina", "no_such_code")
	require.NoError(t, err)
	assert.Nil(t, missing)

	unlocks, err := store.Unlocks(ctx, "gina")
	require.NoError(t, err)
	require.Len(t, unlocks, 1)
	assert.True(t, unlocks[0].Meta.Forced)

	// a forced unlock is not re-fired by a later check
	require.NoError(t, store.SetStat(ctx, "gina", core.StatConsecutiveDepositDays, 7))
	batch, err := svc.CheckAndReward(ctx, "gina")
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestListWithProgress(t *testing.T) {
	store := mem.New()
	svc := newService(t, store)
	ctx := context.Background()
	register(t, svc, "first_saving", core.ConditionList{{Type: core.StatSavingsCount, Operator: core.OpGTE, Value: 1}})
	register(t, svc, "week_streak", core.ConditionList{{Type: core.StatConsecutiveDepositDays, Operator: core.OpGTE, Value: 7}})

	require.NoError(t, store.SetStat(ctx, "hana", core.StatSavingsCount, 3))
	require.NoError(t, store.SetStat(ctx, "hana", core.StatConsecutiveDepositDays, 5))
	_, err := svc.CheckAndReward(ctx, "hana")
	require.NoError(t, err)

	listing, err := svc.ListWithProgress(ctx, "hana")
	require.NoError(t, err)
	assert.Equal(t, 2, listing.TotalAchievements)
	assert.Equal(t, 1, listing.TotalCompleted)
	assert.Equal(t, float64(5), listing.Stats.Get(core.StatConsecutiveDepositDays))

	require.Len(t, listing.Achievements, 2)
	first := listing.Achievements[0]
	assert.True(t, first.IsCompleted)
	assert.NotNil(t, first.CompletedAt)
	assert.Equal(t, 100, first.Progress.Progress)

	streak := listing.Achievements[1]
	assert.False(t, streak.IsCompleted)
	assert.Nil(t, streak.CompletedAt)
	assert.Equal(t, core.Progress{Progress: 71, CurrentValue: 5, TargetValue: 7}, *streak.Progress)
}

func TestRecordActivityUnlocksSynchronously(t *testing.T) {
	store := mem.New()
	svc := newService(t, store)
	ctx := context.Background()
	register(t, svc, "three_savings", core.ConditionList{{Type: core.StatSavingsCount, Operator: core.OpGTE, Value: 3}})

	for i := 1; i <= 2; i++ {
		total, batch, err := svc.RecordActivity(ctx, "ivan", core.StatSavingsCount, 1)
		require.NoError(t, err)
		assert.Equal(t, float64(i), total)
		assert.Empty(t, batch)
	}
	total, batch, err := svc.RecordActivity(ctx, "ivan", core.StatSavingsCount, 1)
	require.NoError(t, err)
	assert.Equal(t, float64(3), total)
	require.Len(t, batch, 1)

	_, _, err = svc.RecordActivity(ctx, "ivan", core.StatSavingsCount, 0)
	require.Error(t, err)
	_, _, err = svc.RecordActivity(ctx, "ivan", "bad key", 1)
	require.Error(t, err)
}

func TestSetStatRejectsNegative(t *testing.T) {
	svc := newService(t, mem.New())
	_, err := svc.SetStat(context.Background(), "jo", core.StatCurrentStreak, -1)
	assert.ErrorIs(t, err, engine.ErrNegativeStat)
}

func TestStatWritesRejectNonFiniteValues(t *testing.T) {
	store := mem.New()
	svc := newService(t, store)
	ctx := context.Background()
	register(t, svc, "million_saver", core.ConditionList{{Type: core.StatTotalSavings, Operator: core.OpGTE, Value: 1000000}})

	for _, v := range []float64{math.Inf(1), math.Inf(-1), math.NaN()} {
		_, batch, err := svc.RecordActivity(ctx, "eve", core.StatTotalSavings, v)
		assert.ErrorIs(t, err, engine.ErrNonFiniteStat)
		assert.Empty(t, batch)
		assert.False(t, engine.IsRetryable(err))

		_, err = svc.SetStat(ctx, "eve", core.StatTotalSavings, v)
		assert.ErrorIs(t, err, engine.ErrNonFiniteStat)
	}

	stats, err := svc.GetStats(ctx, "eve")
	require.NoError(t, err)
	assert.Zero(t, stats.Get(core.StatTotalSavings))

	listing, err := svc.ListWithProgress(ctx, "eve")
	require.NoError(t, err)
	assert.Zero(t, listing.TotalCompleted)
	_, err = json.Marshal(listing)
	assert.NoError(t, err)
}

func TestRecordActivityRejectsOverflow(t *testing.T) {
	store := mem.New()
	svc := newService(t, store)
	ctx := context.Background()

	_, _, err := svc.RecordActivity(ctx, "finn", core.StatTotalSavings, math.MaxFloat64)
	require.NoError(t, err)
	_, _, err = svc.RecordActivity(ctx, "finn", core.StatTotalSavings, math.MaxFloat64)
	assert.ErrorIs(t, err, engine.ErrNonFiniteStat)

	stats, err := svc.GetStats(ctx, "finn")
	require.NoError(t, err)
	assert.Equal(t, math.MaxFloat64, stats.Get(core.StatTotalSavings))
}

func TestRecordActivityNeverDropsBelowZero(t *testing.T) {
	svc := newService(t, mem.New())
	ctx := context.Background()

	_, _, err := svc.RecordActivity(ctx, "neg", core.StatSavingsCount, -5)
	assert.ErrorIs(t, err, engine.ErrNegativeStat)

	total, _, err := svc.RecordActivity(ctx, "neg", core.StatSavingsCount, 3)
	require.NoError(t, err)
	assert.Equal(t, float64(3), total)

	total, _, err = svc.RecordActivity(ctx, "neg", core.StatSavingsCount, -2)
	require.NoError(t, err)
	assert.Equal(t, float64(1), total)

	_, _, err = svc.RecordActivity(ctx, "neg", core.StatSavingsCount, -2)
	assert.ErrorIs(t, err, engine.ErrNegativeStat)

	stats, err := svc.GetStats(ctx, "neg")
	require.NoError(t, err)
	assert.Equal(t, float64(1), stats.Get(core.StatSavingsCount))
}

func TestRegisterAchievementValidation(t *testing.T) {
	svc := newService(t, mem.New())
	ctx := context.Background()

	_, err := svc.RegisterAchievement(ctx, core.Achievement{Code: "empty", Condition: core.ConditionList{}}, nil)
	assert.ErrorIs(t, err, core.ErrEmptyConditions)

	conds := core.ConditionList{{Type: core.StatSavingsCount, Operator: core.OpGTE, Value: 1}}
	_, err = svc.RegisterAchievement(ctx, core.Achievement{Code: "bad_reward", Condition: conds}, []core.Reward{{Type: "coupon"}})
	assert.ErrorIs(t, err, core.ErrInvalidRewardDef)

	_, err = svc.RegisterAchievement(ctx, core.Achievement{Code: "ok", Condition: conds}, nil)
	require.NoError(t, err)
	_, err = svc.RegisterAchievement(ctx, core.Achievement{Code: "ok", Condition: conds}, nil)
	assert.ErrorIs(t, err, engine.ErrDuplicateCode)
	assert.False(t, engine.IsRetryable(err))
}

// failingStore wraps the memory store and injects collaborator failures.
type failingStore struct {
	*mem.Store
	statsErr   error
	catalogErr error
	rewardsErr error
	insertErr  error
	slowStats  time.Duration
}

func (f *failingStore) StatsForUser(ctx context.Context, u core.UserID) (core.StatValues, error) {
	if f.slowStats > 0 {
		select {
		case <-time.After(f.slowStats):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	return f.Store.StatsForUser(ctx, u)
}

func (f *failingStore) ActiveAchievements(ctx context.Context) ([]core.Achievement, error) {
	if f.catalogErr != nil {
		return nil, f.catalogErr
	}
	return f.Store.ActiveAchievements(ctx)
}

func (f *failingStore) RewardsFor(ctx context.Context, id int64) ([]core.Reward, error) {
	if f.rewardsErr != nil {
		return nil, f.rewardsErr
	}
	return f.Store.RewardsFor(ctx, id)
}

func (f *failingStore) InsertUnlockIfAbsent(ctx context.Context, rec core.UnlockRecord) (*core.UnlockRecord, error) {
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	return f.Store.InsertUnlockIfAbsent(ctx, rec)
}

func TestCheckAndRewardStatsFailureIsRetryable(t *testing.T) {
	store := &failingStore{Store: mem.New(), statsErr: errors.New("connection refused")}
	svc := newService(t, store)

	batch, err := svc.CheckAndReward(context.Background(), "kim")
	require.Error(t, err)
	assert.Nil(t, batch)
	assert.True(t, engine.IsRetryable(err))
	var pe *engine.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "load stats", pe.Op)
}

func TestCheckAndRewardCatalogFailureIsRetryable(t *testing.T) {
	store := &failingStore{Store: mem.New(), catalogErr: errors.New("timeout")}
	svc := newService(t, store)

	batch, err := svc.CheckAndReward(context.Background(), "kim")
	require.Error(t, err)
	assert.Nil(t, batch)
	assert.True(t, engine.IsRetryable(err))
}

func TestCheckAndRewardInsertFailurePropagates(t *testing.T) {
	store := &failingStore{Store: mem.New()}
	svc := newService(t, store)
	register(t, svc, "first_saving", core.ConditionList{{Type: core.StatSavingsCount, Operator: core.OpGTE, Value: 1}})
	require.NoError(t, store.SetStat(context.Background(), "lee", core.StatSavingsCount, 1))
	store.insertErr = errors.New("deadlock")

	batch, err := svc.CheckAndReward(context.Background(), "lee")
	require.Error(t, err)
	assert.Nil(t, batch)
	assert.True(t, engine.IsRetryable(err))
}

func TestRewardFailureKeepsUnlock(t *testing.T) {
	store := &failingStore{Store: mem.New()}
	svc := newService(t, store)
	ctx := context.Background()
	register(t, svc, "first_saving", core.ConditionList{{Type: core.StatSavingsCount, Operator: core.OpGTE, Value: 1}},
		core.Reward{Type: core.RewardPoints, Amount: 10})
	require.NoError(t, store.SetStat(ctx, "max", core.StatSavingsCount, 1))
	store.rewardsErr = errors.New("link table unavailable")

	batch, err := svc.CheckAndReward(ctx, "max")
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.NotNil(t, batch[0].Rewards)
	assert.Empty(t, batch[0].Rewards)

	ok, err := store.HasUnlocked(ctx, "max", batch[0].ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOperationTimeoutIsRetryable(t *testing.T) {
	store := &failingStore{Store: mem.New(), slowStats: time.Second}
	bus := engine.NewEventBus(engine.DispatchSync)
	svc := engine.NewAchievementService(store, bus, engine.WithOperationTimeout(20*time.Millisecond))
	defer svc.Close()

	_, err := svc.CheckAndReward(context.Background(), "ned")
	require.Error(t, err)
	assert.True(t, engine.IsRetryable(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWithClockStampsUnlock(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := mem.New()
	bus := engine.NewEventBus(engine.DispatchSync)
	svc := engine.NewAchievementService(store, bus, engine.WithClock(func() time.Time { return fixed }))
	defer svc.Close()
	register(t, svc, "first_saving", core.ConditionList{{Type: core.StatSavingsCount, Operator: core.OpGTE, Value: 1}})
	require.NoError(t, store.SetStat(context.Background(), "oli", core.StatSavingsCount, 1))

	batch, err := svc.CheckAndReward(context.Background(), "oli")
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, fixed, batch[0].CompletedAt)
}
