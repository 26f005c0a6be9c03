package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"savekit/core"
	"savekit/engine"
)

// Store persists the whole catalog, unlock history and stats to a single JSON file.
// Suitable for demos and small deployments.
type Store struct {
	path string
	mu   sync.Mutex
	// in-memory mirror of the file
	data fileData
}

type fileData struct {
	NextID       int64                                       `json:"next_id"`
	Achievements []core.Achievement                          `json:"achievements"`
	Rewards      map[int64][]core.Reward                     `json:"rewards"`
	Unlocks      map[core.UserID]map[int64]core.UnlockRecord `json:"unlocks"`
	Stats        map[core.UserID]core.StatValues             `json:"stats"`
}

func New(path string) (*Store, error) {
	s := &Store{path: path, data: fileData{
		Rewards: map[int64][]core.Reward{},
		Unlocks: map[core.UserID]map[int64]core.UnlockRecord{},
		Stats:   map[core.UserID]core.StatValues{},
	}}
	if err := s.load(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var raw fileData
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	s.data.NextID = raw.NextID
	s.data.Achievements = raw.Achievements
	for k, v := range raw.Rewards {
		s.data.Rewards[k] = v
	}
	for k, v := range raw.Unlocks {
		s.data.Unlocks[k] = v
	}
	for k, v := range raw.Stats {
		s.data.Stats[k] = v
	}
	return nil
}

func (s *Store) persist() error {
	tmp := s.path + ".tmp"
	b, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) StatsForUser(_ context.Context, user core.UserID) (core.StatValues, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Stats[user].Clone(), nil
}

func (s *Store) IncrStat(_ context.Context, user core.UserID, key core.StatKey, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statsFor(user)
	prev := st[key]
	st[key] = prev + delta
	if err := s.persist(); err != nil {
		st[key] = prev
		return 0, err
	}
	return st[key], nil
}

func (s *Store) SetStat(_ context.Context, user core.UserID, key core.StatKey, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statsFor(user)
	prev, had := st[key]
	st[key] = value
	if err := s.persist(); err != nil {
		if had {
			st[key] = prev
		} else {
			delete(st, key)
		}
		return err
	}
	return nil
}

func (s *Store) statsFor(user core.UserID) core.StatValues {
	st := s.data.Stats[user]
	if st == nil {
		st = core.StatValues{}
		s.data.Stats[user] = st
	}
	return st
}

func (s *Store) ActiveAchievements(_ context.Context) ([]core.Achievement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Achievement, 0, len(s.data.Achievements))
	for _, a := range s.data.Achievements {
		if a.IsActive {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) AchievementByCode(_ context.Context, code string) (*core.Achievement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.data.Achievements {
		if a.Code == code {
			a := a
			return &a, nil
		}
	}
	return nil, nil
}

func (s *Store) RewardsFor(_ context.Context, achievementID int64) ([]core.Reward, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Reward{}, s.data.Rewards[achievementID]...), nil
}

func (s *Store) HasUnlocked(_ context.Context, user core.UserID, achievementID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data.Unlocks[user][achievementID]
	return ok, nil
}

func (s *Store) InsertUnlockIfAbsent(_ context.Context, rec core.UnlockRecord) (*core.UnlockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.data.Unlocks[rec.UserID]
	if m == nil {
		m = map[int64]core.UnlockRecord{}
		s.data.Unlocks[rec.UserID] = m
	}
	if _, ok := m[rec.AchievementID]; ok {
		return nil, nil
	}
	m[rec.AchievementID] = rec
	if err := s.persist(); err != nil {
		delete(m, rec.AchievementID)
		return nil, err
	}
	return &rec, nil
}

func (s *Store) Unlocks(_ context.Context, user core.UserID) ([]core.UnlockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.UnlockRecord, 0, len(s.data.Unlocks[user]))
	for _, a := range s.data.Achievements {
		if rec, ok := s.data.Unlocks[user][a.ID]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) CreateAchievement(_ context.Context, a core.Achievement, rewards []core.Reward) (core.Achievement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.data.Achievements {
		if existing.Code == a.Code {
			return core.Achievement{}, engine.ErrDuplicateCode
		}
	}
	a.ID = s.data.NextID + 1
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	linked := make([]core.Reward, 0, len(rewards))
	for _, r := range rewards {
		r.AchievementID = a.ID
		r.EarnedAt = nil
		linked = append(linked, r)
	}

	s.data.NextID = a.ID
	s.data.Achievements = append(s.data.Achievements, a)
	s.data.Rewards[a.ID] = linked
	if err := s.persist(); err != nil {
		s.data.NextID--
		s.data.Achievements = s.data.Achievements[:len(s.data.Achievements)-1]
		delete(s.data.Rewards, a.ID)
		return core.Achievement{}, err
	}
	return a, nil
}

var _ engine.Storage = (*Store)(nil)
