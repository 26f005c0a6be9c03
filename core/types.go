package core

import (
	"errors"
	"strings"
	"time"
)

// UserID uniquely identifies a student account.
type UserID string

// StatKey names one cumulative behavioural counter of a user.
type StatKey string

const (
	StatSavingsCount           StatKey = "savings_count"
	StatBucketCount            StatKey = "bucket_count"
	StatTotalSavings           StatKey = "total_savings"
	StatTotalSuccessDays       StatKey = "total_success_days"
	StatConsecutiveDepositDays StatKey = "consecutive_deposit_days"
	StatCurrentStreak          StatKey = "current_streak"
	StatGoalCompletedCount     StatKey = "goal_completed_count"
	StatCompletedBuckets       StatKey = "completed_buckets"
	StatChallengeSuccessCount  StatKey = "challenge_success_count"
)

// StatValues is a point-in-time snapshot of a user's counters.
// Keys absent from the snapshot read as zero.
type StatValues map[StatKey]float64

// Get returns the value for key, or 0 when the key is missing.
func (s StatValues) Get(key StatKey) float64 {
	return s[key]
}

// Clone returns a deep copy of the snapshot.
func (s StatValues) Clone() StatValues {
	cp := make(StatValues, len(s))
	for k, v := range s {
		cp[k] = v
	}
	return cp
}

// Achievement is a named, coded condition set.
// Code is stable across the rule's lifetime; ID is storage assigned.
type Achievement struct {
	ID          int64         `json:"id"`
	Code        string        `json:"code"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Condition   ConditionList `json:"condition"`
	IsActive    bool          `json:"is_active"`
	CreatedAt   time.Time     `json:"created_at"`
}

// RewardType enumerates the kinds of items an achievement can grant.
type RewardType string

const (
	RewardPoints RewardType = "points"
	RewardBadge  RewardType = "badge"
	RewardTitle  RewardType = "title"
	RewardItem   RewardType = "item"
)

// IsValid reports whether t is a known reward type.
func (t RewardType) IsValid() bool {
	switch t {
	case RewardPoints, RewardBadge, RewardTitle, RewardItem:
		return true
	default:
		return false
	}
}

// Reward is one item linked to an achievement. Points rewards carry Amount,
// the other kinds reference an Item.
type Reward struct {
	AchievementID int64      `json:"achievement_id"`
	Type          RewardType `json:"type"`
	Amount        int64      `json:"amount,omitempty"`
	Item          string     `json:"item,omitempty"`
	EarnedAt      *time.Time `json:"earned_at,omitempty"`
}

// UnlockMeta is stored alongside an unlock for audit purposes.
type UnlockMeta struct {
	Stats      StatValues `json:"stats"`
	UnlockedAt time.Time  `json:"unlocked_at"`
	Forced     bool       `json:"forced,omitempty"`
}

// UnlockRecord is the append-only fact that a user earned an achievement.
// At most one exists per (UserID, AchievementID).
type UnlockRecord struct {
	UserID        UserID     `json:"user_id"`
	AchievementID int64      `json:"achievement_id"`
	UnlockedAt    time.Time  `json:"unlocked_at"`
	Meta          UnlockMeta `json:"meta"`
}

// Progress is a UI-facing approximation of how close a user is to a rule.
type Progress struct {
	Progress     int     `json:"progress"`
	CurrentValue float64 `json:"current_value"`
	TargetValue  float64 `json:"target_value"`
}

// NormalizeUserID trims and lowercases user identifiers.
func NormalizeUserID(id UserID) (UserID, error) {
	s := strings.TrimSpace(string(id))
	if s == "" {
		return "", errors.New("empty user id")
	}
	return UserID(strings.ToLower(s)), nil
}

// ValidateCode ensures a non-empty achievement code with a simple charset check.
func ValidateCode(code string) error {
	s := strings.TrimSpace(code)
	if s == "" {
		return errors.New("empty achievement code")
	}
	// alnum, dash, underscore
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' {
			continue
		}
		return errors.New("invalid achievement code")
	}
	return nil
}

// ValidateStatKey ensures a stat key is usable as a storage key segment.
func ValidateStatKey(key StatKey) error {
	if err := ValidateCode(string(key)); err != nil {
		return errors.New("invalid stat key")
	}
	return nil
}
