package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"savekit/core"
)

// UnlockResult is one newly unlocked achievement with its resolved rewards.
type UnlockResult struct {
	core.Achievement
	CompletedAt time.Time     `json:"completed_at"`
	Rewards     []core.Reward `json:"rewards"`
}

// AchievementProgress decorates a rule with the user's completion state.
type AchievementProgress struct {
	core.Achievement
	IsCompleted bool           `json:"is_completed"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Progress    *core.Progress `json:"progress,omitempty"`
}

// ProgressListing is the aggregate read returned by ListWithProgress.
type ProgressListing struct {
	Achievements      []AchievementProgress `json:"achievements"`
	TotalCompleted    int                   `json:"total_completed"`
	TotalAchievements int                   `json:"total_achievements"`
	Stats             core.StatValues       `json:"stats"`
}

// ServiceOption configures an AchievementService.
type ServiceOption func(*AchievementService)

// WithLogger sets the structured logger (defaults to slog.Default()).
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *AchievementService) {
		if l != nil {
			s.log = l
		}
	}
}

// WithOperationTimeout bounds every public operation. Zero disables the bound.
func WithOperationTimeout(d time.Duration) ServiceOption {
	return func(s *AchievementService) { s.timeout = d }
}

// WithClock overrides the unlock timestamp source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *AchievementService) {
		if now != nil {
			s.now = now
		}
	}
}

// AchievementService evaluates rules against user statistics and records unlocks.
// It keeps no per-user state; the storage's unique (user, achievement) guard is
// the only concurrency control, so several instances may run side by side.
type AchievementService struct {
	storage Storage
	bus     *EventBus
	log     *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

func NewAchievementService(storage Storage, bus *EventBus, opts ...ServiceOption) *AchievementService {
	if storage == nil || bus == nil {
		panic("NewAchievementService requires non-nil storage and bus")
	}
	s := &AchievementService{
		storage: storage,
		bus:     bus,
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("component", "achievement_service")
	return s
}

// Subscribe convenience method.
func (s *AchievementService) Subscribe(typ core.EventType, handler func(context.Context, core.Event)) func() {
	return s.bus.Subscribe(typ, handler)
}

func (s *AchievementService) Publish(ctx context.Context, ev core.Event) {
	s.bus.Publish(ctx, ev)
}

func (s *AchievementService) Close() { s.bus.Close() }

func (s *AchievementService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// CheckAndReward evaluates every active rule for user and unlocks the ones that
// newly hold. A second call with unchanged statistics returns an empty batch.
func (s *AchievementService) CheckAndReward(ctx context.Context, user core.UserID) ([]UnlockResult, error) {
	normalized, err := core.NormalizeUserID(user)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	stats, err := s.storage.StatsForUser(ctx, normalized)
	if err != nil {
		return nil, persistErr("load stats", err)
	}
	rules, err := s.storage.ActiveAchievements(ctx)
	if err != nil {
		return nil, persistErr("load catalog", err)
	}

	batch := make([]UnlockResult, 0)
	for i := range rules {
		rule := rules[i]
		unlocked, err := s.storage.HasUnlocked(ctx, normalized, rule.ID)
		if err != nil {
			return nil, persistErr("check unlock", err)
		}
		if unlocked || !core.IsEligible(&rule, stats) {
			continue
		}
		res, err := s.unlock(ctx, normalized, rule, stats, false)
		if err != nil {
			return nil, err
		}
		if res != nil {
			batch = append(batch, *res)
		}
	}
	if len(batch) > 0 {
		s.log.Info("achievements unlocked", "user", normalized, "count", len(batch))
	}
	return batch, nil
}

// ForceUnlock unlocks the rule with the given code without evaluating its
// conditions. It returns nil when the code is unknown or the user already holds it.
func (s *AchievementService) ForceUnlock(ctx context.Context, user core.UserID, code string) (*UnlockResult, error) {
	normalized, err := core.NormalizeUserID(user)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rule, err := s.storage.AchievementByCode(ctx, code)
	if err != nil {
		return nil, persistErr("load achievement", err)
	}
	if rule == nil {
		s.log.Debug("force unlock of unknown achievement", "user", normalized, "code", code)
		return nil, nil
	}
	return s.unlock(ctx, normalized, *rule, nil, true)
}

func (s *AchievementService) unlock(ctx context.Context, user core.UserID, rule core.Achievement, stats core.StatValues, forced bool) (*UnlockResult, error) {
	now := s.now().UTC()
	rec := core.UnlockRecord{
		UserID:        user,
		AchievementID: rule.ID,
		UnlockedAt:    now,
		Meta:          core.UnlockMeta{Stats: stats.Clone(), UnlockedAt: now, Forced: forced},
	}
	inserted, err := s.storage.InsertUnlockIfAbsent(ctx, rec)
	if err != nil {
		return nil, persistErr("insert unlock", err)
	}
	if inserted == nil {
		// another writer got there first
		s.log.Debug("achievement already unlocked", "user", user, "achievement", rule.Code)
		return nil, nil
	}

	completedAt := inserted.UnlockedAt
	rewards := s.resolveRewards(ctx, user, rule, completedAt)

	s.bus.Publish(ctx, core.NewAchievementUnlocked(user, rule, completedAt, forced))
	for _, r := range rewards {
		s.bus.Publish(ctx, core.NewRewardGranted(user, rule, r))
	}
	return &UnlockResult{Achievement: rule, CompletedAt: completedAt, Rewards: rewards}, nil
}

// resolveRewards never fails the unlock: the unlock record is authoritative and
// rewards can be re-read from the catalog later.
func (s *AchievementService) resolveRewards(ctx context.Context, user core.UserID, rule core.Achievement, earnedAt time.Time) []core.Reward {
	rewards, err := s.storage.RewardsFor(ctx, rule.ID)
	if err != nil {
		s.log.Warn("failed to resolve rewards", "user", user, "achievement", rule.Code, "error", err)
		return []core.Reward{}
	}
	out := make([]core.Reward, 0, len(rewards))
	for _, r := range rewards {
		at := earnedAt
		r.EarnedAt = &at
		out = append(out, r)
	}
	return out
}

// ListWithProgress returns every active rule with completion state and progress
// computed from the rule's first condition.
func (s *AchievementService) ListWithProgress(ctx context.Context, user core.UserID) (ProgressListing, error) {
	normalized, err := core.NormalizeUserID(user)
	if err != nil {
		return ProgressListing{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	stats, err := s.storage.StatsForUser(ctx, normalized)
	if err != nil {
		return ProgressListing{}, persistErr("load stats", err)
	}
	rules, err := s.storage.ActiveAchievements(ctx)
	if err != nil {
		return ProgressListing{}, persistErr("load catalog", err)
	}
	unlocks, err := s.storage.Unlocks(ctx, normalized)
	if err != nil {
		return ProgressListing{}, persistErr("load unlocks", err)
	}
	unlockedAt := make(map[int64]time.Time, len(unlocks))
	for _, u := range unlocks {
		unlockedAt[u.AchievementID] = u.UnlockedAt
	}

	listing := ProgressListing{
		Achievements:      make([]AchievementProgress, 0, len(rules)),
		TotalAchievements: len(rules),
		Stats:             stats,
	}
	for _, rule := range rules {
		ap := AchievementProgress{Achievement: rule, Progress: core.RuleProgress(rule, stats)}
		if at, ok := unlockedAt[rule.ID]; ok {
			at := at
			ap.IsCompleted = true
			ap.CompletedAt = &at
			listing.TotalCompleted++
		}
		listing.Achievements = append(listing.Achievements, ap)
	}
	return listing, nil
}

// RecordActivity bumps a counter and synchronously re-checks the user's rules.
// A negative delta may lower a counter but never below zero.
func (s *AchievementService) RecordActivity(ctx context.Context, user core.UserID, key core.StatKey, delta float64) (float64, []UnlockResult, error) {
	if delta == 0 {
		return 0, nil, errors.New("delta cannot be zero")
	}
	if !finite(delta) {
		return 0, nil, ErrNonFiniteStat
	}
	normalized, err := core.NormalizeUserID(user)
	if err != nil {
		return 0, nil, err
	}
	if err := core.ValidateStatKey(key); err != nil {
		return 0, nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	stats, err := s.storage.StatsForUser(ctx, normalized)
	if err != nil {
		return 0, nil, persistErr("load stats", err)
	}
	switch next := stats.Get(key) + delta; {
	case !finite(next):
		return 0, nil, ErrNonFiniteStat
	case next < 0:
		return 0, nil, ErrNegativeStat
	}

	total, err := s.storage.IncrStat(ctx, normalized, key, delta)
	if err != nil {
		return 0, nil, persistErr("record stat", err)
	}
	if total < 0 {
		// a concurrent decrement won; undo ours
		if _, err := s.storage.IncrStat(ctx, normalized, key, -delta); err != nil {
			return 0, nil, persistErr("revert stat", err)
		}
		return 0, nil, ErrNegativeStat
	}
	s.bus.Publish(ctx, core.NewStatRecorded(normalized, key, delta, total))

	batch, err := s.CheckAndReward(ctx, normalized)
	if err != nil {
		return total, nil, err
	}
	return total, batch, nil
}

// SetStat overwrites a counter (e.g. a recomputed streak) and re-checks rules.
func (s *AchievementService) SetStat(ctx context.Context, user core.UserID, key core.StatKey, value float64) ([]UnlockResult, error) {
	if !finite(value) {
		return nil, ErrNonFiniteStat
	}
	if value < 0 {
		return nil, ErrNegativeStat
	}
	normalized, err := core.NormalizeUserID(user)
	if err != nil {
		return nil, err
	}
	if err := core.ValidateStatKey(key); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.storage.SetStat(ctx, normalized, key, value); err != nil {
		return nil, persistErr("set stat", err)
	}
	s.bus.Publish(ctx, core.NewStatRecorded(normalized, key, 0, value))
	return s.CheckAndReward(ctx, normalized)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// GetStats returns the user's current snapshot.
func (s *AchievementService) GetStats(ctx context.Context, user core.UserID) (core.StatValues, error) {
	normalized, err := core.NormalizeUserID(user)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	stats, err := s.storage.StatsForUser(ctx, normalized)
	if err != nil {
		return nil, persistErr("load stats", err)
	}
	return stats, nil
}

// Achievements returns the active catalog.
func (s *AchievementService) Achievements(ctx context.Context) ([]core.Achievement, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rules, err := s.storage.ActiveAchievements(ctx)
	if err != nil {
		return nil, persistErr("load catalog", err)
	}
	return rules, nil
}

// RegisterAchievement validates and stores a new rule with its reward links.
func (s *AchievementService) RegisterAchievement(ctx context.Context, a core.Achievement, rewards []core.Reward) (core.Achievement, error) {
	if err := core.ValidateAchievement(a); err != nil {
		return core.Achievement{}, err
	}
	for i, r := range rewards {
		if err := core.ValidateReward(r); err != nil {
			return core.Achievement{}, fmt.Errorf("rewards[%d]: %w", i, err)
		}
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	created, err := s.storage.CreateAchievement(ctx, a, rewards)
	if err != nil {
		if errors.Is(err, ErrDuplicateCode) {
			return core.Achievement{}, err
		}
		return core.Achievement{}, persistErr("create achievement", err)
	}
	s.log.Info("achievement registered", "code", created.Code, "id", created.ID)
	return created, nil
}
