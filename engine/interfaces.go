package engine

import (
	"context"

	"savekit/core"
)

// StatsProvider produces a fresh statistics snapshot for a user.
type StatsProvider interface {
	StatsForUser(ctx context.Context, user core.UserID) (core.StatValues, error)
}

// StatsRecorder mutates the counters a StatsProvider reads.
type StatsRecorder interface {
	IncrStat(ctx context.Context, user core.UserID, key core.StatKey, delta float64) (total float64, err error)
	SetStat(ctx context.Context, user core.UserID, key core.StatKey, value float64) error
}

// Catalog stores achievement definitions, their reward links and per-user unlocks.
type Catalog interface {
	// ActiveAchievements returns active rules in creation order.
	ActiveAchievements(ctx context.Context) ([]core.Achievement, error)
	// AchievementByCode returns nil, nil when no rule has the code.
	AchievementByCode(ctx context.Context, code string) (*core.Achievement, error)
	RewardsFor(ctx context.Context, achievementID int64) ([]core.Reward, error)
	HasUnlocked(ctx context.Context, user core.UserID, achievementID int64) (bool, error)
	// InsertUnlockIfAbsent returns nil, nil when the pair was already unlocked.
	InsertUnlockIfAbsent(ctx context.Context, rec core.UnlockRecord) (*core.UnlockRecord, error)
	Unlocks(ctx context.Context, user core.UserID) ([]core.UnlockRecord, error)
}

// CatalogWriter registers new rules. Implementations return ErrDuplicateCode
// when the code is already taken.
type CatalogWriter interface {
	CreateAchievement(ctx context.Context, a core.Achievement, rewards []core.Reward) (core.Achievement, error)
}

// Storage is the full persistence surface a storage adapter provides.
type Storage interface {
	StatsProvider
	StatsRecorder
	Catalog
	CatalogWriter
}
