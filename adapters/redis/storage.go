package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"savekit/core"
	"savekit/engine"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration
type Config struct {
	Addr         string        `json:"addr" yaml:"addr" env:"SAVEKIT_REDIS_ADDR"`
	Password     string        `json:"password" yaml:"password" env:"SAVEKIT_REDIS_PASSWORD"`
	DB           int           `json:"db" yaml:"db" env:"SAVEKIT_REDIS_DB"`
	PoolSize     int           `json:"pool_size" yaml:"pool_size" env:"SAVEKIT_REDIS_POOL_SIZE"`
	MinIdleConns int           `json:"min_idle_conns" yaml:"min_idle_conns" env:"SAVEKIT_REDIS_MIN_IDLE_CONNS"`
	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout" env:"SAVEKIT_REDIS_DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout" env:"SAVEKIT_REDIS_READ_TIMEOUT"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout" env:"SAVEKIT_REDIS_WRITE_TIMEOUT"`
}

// DefaultConfig returns sensible defaults for Redis configuration
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Store implements engine.Storage on Redis.
// Data structure:
// - achievements:seq -> int64 id sequence
// - achievements:codes -> hash code -> id (HSETNX keeps codes unique)
// - achievements:defs -> hash id -> JSON Achievement
// - achievements:order -> sorted set of ids scored by id (creation order)
// - achievement:{id}:rewards -> JSON []Reward
// - user:{user_id}:stats -> hash stat key -> float
// - user:{user_id}:unlocks -> hash achievement id -> JSON UnlockRecord (HSETNX is the unlock guard)
type Store struct {
	client *redis.Client
}

// New creates a new Redis-backed storage with the provided configuration
func New(config Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{client: client}, nil
}

// NewWithClient creates a Store using an existing Redis client (useful for testing)
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

const (
	seqKey   = "achievements:seq"
	codesKey = "achievements:codes"
	defsKey  = "achievements:defs"
	orderKey = "achievements:order"
)

func rewardsKey(id int64) string {
	return fmt.Sprintf("achievement:%d:rewards", id)
}

func userStatsKey(userID core.UserID) string {
	return fmt.Sprintf("user:%s:stats", userID)
}

func userUnlocksKey(userID core.UserID) string {
	return fmt.Sprintf("user:%s:unlocks", userID)
}

// StatsForUser reads the user's stat hash.
func (s *Store) StatsForUser(ctx context.Context, userID core.UserID) (core.StatValues, error) {
	raw, err := s.client.HGetAll(ctx, userStatsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	stats := make(core.StatValues, len(raw))
	for k, v := range raw {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue // Skip invalid entries
		}
		stats[core.StatKey(k)] = f
	}
	return stats, nil
}

// IncrStat atomically adds delta to a stat.
func (s *Store) IncrStat(ctx context.Context, userID core.UserID, key core.StatKey, delta float64) (float64, error) {
	total, err := s.client.HIncrByFloat(ctx, userStatsKey(userID), string(key), delta).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment stat: %w", err)
	}
	return total, nil
}

// SetStat overwrites a stat value.
func (s *Store) SetStat(ctx context.Context, userID core.UserID, key core.StatKey, value float64) error {
	if err := s.client.HSet(ctx, userStatsKey(userID), string(key), value).Err(); err != nil {
		return fmt.Errorf("failed to set stat: %w", err)
	}
	return nil
}

// ActiveAchievements returns active rules ordered by id.
func (s *Store) ActiveAchievements(ctx context.Context) ([]core.Achievement, error) {
	ids, err := s.client.ZRange(ctx, orderKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list achievements: %w", err)
	}
	if len(ids) == 0 {
		return []core.Achievement{}, nil
	}
	vals, err := s.client.HMGet(ctx, defsKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load achievements: %w", err)
	}
	out := make([]core.Achievement, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue // definition removed out of band
		}
		var a core.Achievement
		if err := json.Unmarshal([]byte(str), &a); err != nil {
			return nil, fmt.Errorf("failed to decode achievement %s: %w", ids[i], err)
		}
		if a.IsActive {
			out = append(out, a)
		}
	}
	return out, nil
}

// AchievementByCode resolves a code to its definition; nil when unknown.
func (s *Store) AchievementByCode(ctx context.Context, code string) (*core.Achievement, error) {
	id, err := s.client.HGet(ctx, codesKey, code).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve code: %w", err)
	}
	data, err := s.client.HGet(ctx, defsKey, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load achievement: %w", err)
	}
	var a core.Achievement
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode achievement: %w", err)
	}
	return &a, nil
}

// RewardsFor returns the reward links of an achievement.
func (s *Store) RewardsFor(ctx context.Context, achievementID int64) ([]core.Reward, error) {
	data, err := s.client.Get(ctx, rewardsKey(achievementID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return []core.Reward{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rewards: %w", err)
	}
	var rewards []core.Reward
	if err := json.Unmarshal(data, &rewards); err != nil {
		return nil, fmt.Errorf("failed to decode rewards: %w", err)
	}
	return rewards, nil
}

// HasUnlocked reports whether the unlock hash has the achievement.
func (s *Store) HasUnlocked(ctx context.Context, userID core.UserID, achievementID int64) (bool, error) {
	ok, err := s.client.HExists(ctx, userUnlocksKey(userID), strconv.FormatInt(achievementID, 10)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check unlock: %w", err)
	}
	return ok, nil
}

// InsertUnlockIfAbsent relies on HSETNX so concurrent writers produce one record.
func (s *Store) InsertUnlockIfAbsent(ctx context.Context, rec core.UnlockRecord) (*core.UnlockRecord, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	field := strconv.FormatInt(rec.AchievementID, 10)
	created, err := s.client.HSetNX(ctx, userUnlocksKey(rec.UserID), field, data).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to insert unlock: %w", err)
	}
	if !created {
		return nil, nil
	}
	return &rec, nil
}

// Unlocks lists the user's unlock records ordered by achievement id.
func (s *Store) Unlocks(ctx context.Context, userID core.UserID) ([]core.UnlockRecord, error) {
	raw, err := s.client.HGetAll(ctx, userUnlocksKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get unlocks: %w", err)
	}
	out := make([]core.UnlockRecord, 0, len(raw))
	for _, v := range raw {
		var rec core.UnlockRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode unlock: %w", err)
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AchievementID < out[j].AchievementID })
	return out, nil
}

// CreateAchievement reserves the code with HSETNX, then writes the definition,
// ordering entry and reward links in one MULTI block.
func (s *Store) CreateAchievement(ctx context.Context, a core.Achievement, rewards []core.Reward) (core.Achievement, error) {
	id, err := s.client.Incr(ctx, seqKey).Result()
	if err != nil {
		return core.Achievement{}, fmt.Errorf("failed to allocate id: %w", err)
	}
	reserved, err := s.client.HSetNX(ctx, codesKey, a.Code, id).Result()
	if err != nil {
		return core.Achievement{}, fmt.Errorf("failed to reserve code: %w", err)
	}
	if !reserved {
		return core.Achievement{}, engine.ErrDuplicateCode
	}

	a.ID = id
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	linked := make([]core.Reward, 0, len(rewards))
	for _, r := range rewards {
		r.AchievementID = id
		r.EarnedAt = nil
		linked = append(linked, r)
	}
	def, err := json.Marshal(a)
	if err != nil {
		return core.Achievement{}, err
	}
	links, err := json.Marshal(linked)
	if err != nil {
		return core.Achievement{}, err
	}

	idStr := strconv.FormatInt(id, 10)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, defsKey, idStr, def)
		pipe.ZAdd(ctx, orderKey, redis.Z{Score: float64(id), Member: idStr})
		pipe.Set(ctx, rewardsKey(id), links, 0)
		return nil
	})
	if err != nil {
		// release the code so the definition can be retried
		s.client.HDel(ctx, codesKey, a.Code)
		return core.Achievement{}, fmt.Errorf("failed to store achievement: %w", err)
	}
	return a, nil
}

var _ engine.Storage = (*Store)(nil)
