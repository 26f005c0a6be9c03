package gorm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"savekit/core"
	"savekit/engine"
)

// Dialects accepted by New.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// Config holds the gorm connection settings.
type Config struct {
	Dialect      string `json:"dialect" yaml:"dialect" env:"SAVEKIT_GORM_DIALECT"`
	DSN          string `json:"dsn" yaml:"dsn" env:"SAVEKIT_GORM_DSN"`
	MaxOpenConns int    `json:"max_open_conns" yaml:"max_open_conns" env:"SAVEKIT_GORM_MAX_OPEN_CONNS"`
	AutoMigrate  bool   `json:"auto_migrate" yaml:"auto_migrate" env:"SAVEKIT_GORM_AUTO_MIGRATE"`
}

// DefaultConfig returns a local SQLite file with migrations enabled.
func DefaultConfig() Config {
	return Config{
		Dialect:      DialectSQLite,
		DSN:          "savekit.db",
		MaxOpenConns: 1,
		AutoMigrate:  true,
	}
}

type achievementModel struct {
	ID          int64          `gorm:"primaryKey;autoIncrement"`
	Code        string         `gorm:"size:100;not null;uniqueIndex"`
	Title       string         `gorm:"size:255;not null;default:''"`
	Description string         `gorm:"type:text;not null;default:''"`
	Condition   datatypes.JSON `gorm:"column:condition_json;not null"`
	IsActive    bool           `gorm:"not null;index"`
	CreatedAt   time.Time      `gorm:"not null"`
}

func (achievementModel) TableName() string { return "achievements" }

type rewardModel struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	AchievementID int64  `gorm:"not null;index"`
	RewardType    string `gorm:"size:20;not null"`
	Amount        int64  `gorm:"not null;default:0"`
	Item          string `gorm:"size:255;not null;default:''"`
}

func (rewardModel) TableName() string { return "achievement_rewards" }

type unlockModel struct {
	UserID        string         `gorm:"primaryKey;size:128"`
	AchievementID int64          `gorm:"primaryKey"`
	UnlockedAt    time.Time      `gorm:"not null"`
	Meta          datatypes.JSON `gorm:"not null"`
}

func (unlockModel) TableName() string { return "user_achievements" }

type statModel struct {
	UserID    string  `gorm:"primaryKey;size:128"`
	StatKey   string  `gorm:"primaryKey;size:64"`
	Value     float64 `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (statModel) TableName() string { return "user_stats" }

// Store implements engine.Storage on gorm, backed by PostgreSQL or SQLite.
type Store struct {
	db *gorm.DB
}

// New opens the configured dialect and optionally migrates the schema.
func New(config Config) (*Store, error) {
	var dialector gorm.Dialector
	switch config.Dialect {
	case DialectPostgres:
		dialector = postgres.Open(config.DSN)
	case DialectSQLite:
		dialector = sqlite.Open(config.DSN)
	default:
		return nil, fmt.Errorf("unsupported gorm dialect %q", config.Dialect)
	}

	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", config.Dialect, err)
	}
	if config.MaxOpenConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}

	s := &Store{db: db}
	if config.AutoMigrate {
		if err := s.Migrate(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// NewWithDB wraps an existing gorm handle (useful for testing)
func NewWithDB(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(&achievementModel{}, &rewardModel{}, &unlockModel{}, &statModel{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (m achievementModel) toCore() (core.Achievement, error) {
	a := core.Achievement{
		ID:          m.ID,
		Code:        m.Code,
		Title:       m.Title,
		Description: m.Description,
		IsActive:    m.IsActive,
		CreatedAt:   m.CreatedAt,
	}
	if len(m.Condition) > 0 {
		if err := json.Unmarshal(m.Condition, &a.Condition); err != nil {
			return core.Achievement{}, fmt.Errorf("decode condition of %s: %w", m.Code, err)
		}
	}
	return a, nil
}

func (s *Store) StatsForUser(ctx context.Context, userID core.UserID) (core.StatValues, error) {
	var rows []statModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", string(userID)).Find(&rows).Error; err != nil {
		return nil, err
	}
	stats := make(core.StatValues, len(rows))
	for _, r := range rows {
		stats[core.StatKey(r.StatKey)] = r.Value
	}
	return stats, nil
}

// IncrStat upserts value = value + delta and reads the total back in the same transaction.
func (s *Store) IncrStat(ctx context.Context, userID core.UserID, key core.StatKey, delta float64) (float64, error) {
	var total float64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		row := statModel{UserID: string(userID), StatKey: string(key), Value: delta, CreatedAt: now, UpdatedAt: now}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "stat_key"}},
			DoUpdates: clause.Assignments(map[string]any{
				"value":      gorm.Expr("user_stats.value + ?", delta),
				"updated_at": now,
			}),
		}).Create(&row).Error; err != nil {
			return err
		}
		var values []float64
		if err := tx.Model(&statModel{}).
			Where("user_id = ? AND stat_key = ?", string(userID), string(key)).
			Pluck("value", &values).Error; err != nil {
			return err
		}
		if len(values) == 0 {
			return fmt.Errorf("stat %s vanished after upsert", key)
		}
		total = values[0]
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) SetStat(ctx context.Context, userID core.UserID, key core.StatKey, value float64) error {
	now := time.Now().UTC()
	row := statModel{UserID: string(userID), StatKey: string(key), Value: value, CreatedAt: now, UpdatedAt: now}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "stat_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
}

func (s *Store) ActiveAchievements(ctx context.Context) ([]core.Achievement, error) {
	var rows []achievementModel
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]core.Achievement, 0, len(rows))
	for _, r := range rows {
		a, err := r.toCore()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) AchievementByCode(ctx context.Context, code string) (*core.Achievement, error) {
	var row achievementModel
	err := s.db.WithContext(ctx).Where("code = ?", code).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a, err := row.toCore()
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) RewardsFor(ctx context.Context, achievementID int64) ([]core.Reward, error) {
	var rows []rewardModel
	if err := s.db.WithContext(ctx).Where("achievement_id = ?", achievementID).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]core.Reward, 0, len(rows))
	for _, r := range rows {
		out = append(out, core.Reward{
			AchievementID: r.AchievementID,
			Type:          core.RewardType(r.RewardType),
			Amount:        r.Amount,
			Item:          r.Item,
		})
	}
	return out, nil
}

func (s *Store) HasUnlocked(ctx context.Context, userID core.UserID, achievementID int64) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&unlockModel{}).
		Where("user_id = ? AND achievement_id = ?", string(userID), achievementID).
		Count(&n).Error
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InsertUnlockIfAbsent relies on the composite primary key with ON CONFLICT DO NOTHING.
func (s *Store) InsertUnlockIfAbsent(ctx context.Context, rec core.UnlockRecord) (*core.UnlockRecord, error) {
	meta, err := json.Marshal(rec.Meta)
	if err != nil {
		return nil, err
	}
	row := unlockModel{
		UserID:        string(rec.UserID),
		AchievementID: rec.AchievementID,
		UnlockedAt:    rec.UnlockedAt,
		Meta:          datatypes.JSON(meta),
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &rec, nil
}

func (s *Store) Unlocks(ctx context.Context, userID core.UserID) ([]core.UnlockRecord, error) {
	var rows []unlockModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", string(userID)).Order("achievement_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]core.UnlockRecord, 0, len(rows))
	for _, r := range rows {
		rec := core.UnlockRecord{
			UserID:        core.UserID(r.UserID),
			AchievementID: r.AchievementID,
			UnlockedAt:    r.UnlockedAt,
		}
		if len(r.Meta) > 0 {
			if err := json.Unmarshal(r.Meta, &rec.Meta); err != nil {
				return nil, fmt.Errorf("decode unlock meta: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) CreateAchievement(ctx context.Context, a core.Achievement, rewards []core.Reward) (core.Achievement, error) {
	cond, err := json.Marshal(a.Condition)
	if err != nil {
		return core.Achievement{}, err
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	row := achievementModel{
		Code:        a.Code,
		Title:       a.Title,
		Description: a.Description,
		Condition:   datatypes.JSON(cond),
		IsActive:    a.IsActive,
		CreatedAt:   a.CreatedAt,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return engine.ErrDuplicateCode
			}
			return err
		}
		if len(rewards) == 0 {
			return nil
		}
		links := make([]rewardModel, 0, len(rewards))
		for _, r := range rewards {
			links = append(links, rewardModel{
				AchievementID: row.ID,
				RewardType:    string(r.Type),
				Amount:        r.Amount,
				Item:          r.Item,
			})
		}
		return tx.Create(&links).Error
	})
	if err != nil {
		return core.Achievement{}, err
	}
	a.ID = row.ID
	return a, nil
}

var _ engine.Storage = (*Store)(nil)
