package memory

import (
	"context"
	"sync"
	"time"

	"savekit/core"
	"savekit/engine"
)

// Store is a concurrent in-memory Storage implementation.
type Store struct {
	mu           sync.RWMutex
	nextID       int64
	achievements []core.Achievement // creation order
	byCode       map[string]int
	rewards      map[int64][]core.Reward
	unlocks      map[core.UserID]map[int64]core.UnlockRecord
	stats        map[core.UserID]core.StatValues
}

func New() *Store {
	return &Store{
		byCode:  map[string]int{},
		rewards: map[int64][]core.Reward{},
		unlocks: map[core.UserID]map[int64]core.UnlockRecord{},
		stats:   map[core.UserID]core.StatValues{},
	}
}

func (s *Store) StatsForUser(_ context.Context, user core.UserID) (core.StatValues, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats[user].Clone(), nil
}

func (s *Store) IncrStat(_ context.Context, user core.UserID, key core.StatKey, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statsFor(user)
	st[key] += delta
	return st[key], nil
}

func (s *Store) SetStat(_ context.Context, user core.UserID, key core.StatKey, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statsFor(user)[key] = value
	return nil
}

func (s *Store) statsFor(user core.UserID) core.StatValues {
	st := s.stats[user]
	if st == nil {
		st = core.StatValues{}
		s.stats[user] = st
	}
	return st
}

func (s *Store) ActiveAchievements(_ context.Context) ([]core.Achievement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Achievement, 0, len(s.achievements))
	for _, a := range s.achievements {
		if a.IsActive {
			out = append(out, cloneAchievement(a))
		}
	}
	return out, nil
}

func (s *Store) AchievementByCode(_ context.Context, code string) (*core.Achievement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byCode[code]
	if !ok {
		return nil, nil
	}
	a := cloneAchievement(s.achievements[idx])
	return &a, nil
}

func (s *Store) RewardsFor(_ context.Context, achievementID int64) ([]core.Reward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]core.Reward{}, s.rewards[achievementID]...), nil
}

func (s *Store) HasUnlocked(_ context.Context, user core.UserID, achievementID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.unlocks[user][achievementID]
	return ok, nil
}

func (s *Store) InsertUnlockIfAbsent(_ context.Context, rec core.UnlockRecord) (*core.UnlockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.unlocks[rec.UserID]
	if m == nil {
		m = map[int64]core.UnlockRecord{}
		s.unlocks[rec.UserID] = m
	}
	if _, ok := m[rec.AchievementID]; ok {
		return nil, nil
	}
	rec.Meta.Stats = rec.Meta.Stats.Clone()
	m[rec.AchievementID] = rec
	return &rec, nil
}

func (s *Store) Unlocks(_ context.Context, user core.UserID) ([]core.UnlockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.UnlockRecord, 0, len(s.unlocks[user]))
	for _, a := range s.achievements {
		if rec, ok := s.unlocks[user][a.ID]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) CreateAchievement(_ context.Context, a core.Achievement, rewards []core.Reward) (core.Achievement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byCode[a.Code]; ok {
		return core.Achievement{}, engine.ErrDuplicateCode
	}
	s.nextID++
	a.ID = s.nextID
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a = cloneAchievement(a)
	s.byCode[a.Code] = len(s.achievements)
	s.achievements = append(s.achievements, a)
	linked := make([]core.Reward, 0, len(rewards))
	for _, r := range rewards {
		r.AchievementID = a.ID
		r.EarnedAt = nil
		linked = append(linked, r)
	}
	s.rewards[a.ID] = linked
	return cloneAchievement(a), nil
}

func cloneAchievement(a core.Achievement) core.Achievement {
	if a.Condition != nil {
		a.Condition = append(core.ConditionList{}, a.Condition...)
	}
	return a
}

var _ engine.Storage = (*Store)(nil)
