package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"savekit/core"
	"savekit/engine"
)

func TestMemoryStore(t *testing.T) {
	s := New()
	ctx := context.Background()
	total, err := s.IncrStat(ctx, "u", core.StatSavingsCount, 2)
	if err != nil || total != 2 {
		t.Fatalf("got %v %v", total, err)
	}
	if err := s.SetStat(ctx, "u", core.StatCurrentStreak, 4); err != nil {
		t.Fatal(err)
	}
	st, _ := s.StatsForUser(ctx, "u")
	if st.Get(core.StatSavingsCount) != 2 || st.Get(core.StatCurrentStreak) != 4 {
		t.Fatalf("unexpected stats %+v", st)
	}
	st[core.StatSavingsCount] = 100
	again, _ := s.StatsForUser(ctx, "u")
	if again.Get(core.StatSavingsCount) != 2 {
		t.Fatal("snapshot must be a copy")
	}
}

func TestMemoryStoreCatalog(t *testing.T) {
	s := New()
	ctx := context.Background()
	a, err := s.CreateAchievement(ctx, core.Achievement{
		Code:      "first_saving",
		IsActive:  true,
		Condition: core.ConditionList{{Type: core.StatSavingsCount, Operator: core.OpGTE, Value: 1}},
	}, []core.Reward{{Type: core.RewardPoints, Amount: 100}})
	if err != nil || a.ID != 1 {
		t.Fatalf("create: %+v %v", a, err)
	}
	if _, err := s.CreateAchievement(ctx, core.Achievement{Code: "hidden"}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateAchievement(ctx, core.Achievement{Code: "first_saving"}, nil); !errors.Is(err, engine.ErrDuplicateCode) {
		t.Fatalf("expected duplicate code, got %v", err)
	}

	active, _ := s.ActiveAchievements(ctx)
	if len(active) != 1 || active[0].Code != "first_saving" {
		t.Fatalf("unexpected active set %+v", active)
	}
	got, _ := s.AchievementByCode(ctx, "hidden")
	if got == nil || got.IsActive {
		t.Fatalf("expected inactive hidden rule, got %+v", got)
	}
	missing, err := s.AchievementByCode(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil, nil got %+v %v", missing, err)
	}
	rewards, _ := s.RewardsFor(ctx, a.ID)
	if len(rewards) != 1 || rewards[0].AchievementID != a.ID {
		t.Fatalf("unexpected rewards %+v", rewards)
	}
}

func TestMemoryStoreInsertUnlockIfAbsentRace(t *testing.T) {
	s := New()
	ctx := context.Background()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := s.InsertUnlockIfAbsent(ctx, core.UnlockRecord{UserID: "u", AchievementID: 7, UnlockedAt: time.Now()})
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
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	ok, _ := s.HasUnlocked(ctx, "u", 7)
	if !ok {
		t.Fatal("expected unlock recorded")
	}
}
