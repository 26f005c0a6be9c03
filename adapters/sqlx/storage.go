package sqlx

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"savekit/core"
	"savekit/engine"
)

// Driver names accepted by New.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Config holds SQL connection configuration
type Config struct {
	Driver          string        `json:"driver" yaml:"driver" env:"SAVEKIT_SQL_DRIVER"`
	DSN             string        `json:"dsn" yaml:"dsn" env:"SAVEKIT_SQL_DSN"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns" env:"SAVEKIT_SQL_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns" env:"SAVEKIT_SQL_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime" env:"SAVEKIT_SQL_CONN_MAX_LIFETIME"`
}

// DefaultConfig returns pool defaults for the given driver.
func DefaultConfig(driver string) Config {
	return Config{
		Driver:          driver,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// Store implements engine.Storage on PostgreSQL or MySQL through sqlx.
// Uniqueness of (user_id, achievement_id) is enforced by the primary key of
// user_achievements, which makes InsertUnlockIfAbsent safe across processes.
type Store struct {
	db     *sqlx.DB
	driver string
}

// New opens a connection pool and verifies it.
func New(config Config) (*Store, error) {
	if config.Driver != DriverPostgres && config.Driver != DriverMySQL {
		return nil, fmt.Errorf("unsupported sql driver %q", config.Driver)
	}
	if config.DSN == "" {
		return nil, errors.New("sql dsn is required")
	}
	db, err := sqlx.Open(config.Driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", config.Driver, err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", config.Driver, err)
	}
	return &Store{db: db, driver: config.Driver}, nil
}

// NewWithDB wraps an existing handle (useful for testing)
func NewWithDB(db *sqlx.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS achievements (
		id BIGSERIAL PRIMARY KEY,
		code VARCHAR(100) NOT NULL UNIQUE,
		title VARCHAR(255) NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		condition_json TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS achievement_rewards (
		id BIGSERIAL PRIMARY KEY,
		achievement_id BIGINT NOT NULL REFERENCES achievements(id),
		reward_type VARCHAR(20) NOT NULL,
		amount BIGINT NOT NULL DEFAULT 0,
		item VARCHAR(255) NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS user_achievements (
		user_id VARCHAR(128) NOT NULL,
		achievement_id BIGINT NOT NULL REFERENCES achievements(id),
		unlocked_at TIMESTAMPTZ NOT NULL,
		meta TEXT NOT NULL,
		PRIMARY KEY (user_id, achievement_id)
	)`,
	`CREATE TABLE IF NOT EXISTS user_stats (
		user_id VARCHAR(128) NOT NULL,
		stat_key VARCHAR(64) NOT NULL,
		value DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (user_id, stat_key)
	)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS achievements (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		code VARCHAR(100) NOT NULL UNIQUE,
		title VARCHAR(255) NOT NULL DEFAULT '',
		description TEXT NOT NULL,
		condition_json TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at DATETIME(6) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS achievement_rewards (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		achievement_id BIGINT NOT NULL,
		reward_type VARCHAR(20) NOT NULL,
		amount BIGINT NOT NULL DEFAULT 0,
		item VARCHAR(255) NOT NULL DEFAULT '',
		FOREIGN KEY (achievement_id) REFERENCES achievements(id)
	)`,
	`CREATE TABLE IF NOT EXISTS user_achievements (
		user_id VARCHAR(128) NOT NULL,
		achievement_id BIGINT NOT NULL,
		unlocked_at DATETIME(6) NOT NULL,
		meta TEXT NOT NULL,
		PRIMARY KEY (user_id, achievement_id),
		FOREIGN KEY (achievement_id) REFERENCES achievements(id)
	)`,
	`CREATE TABLE IF NOT EXISTS user_stats (
		user_id VARCHAR(128) NOT NULL,
		stat_key VARCHAR(64) NOT NULL,
		value DOUBLE NOT NULL DEFAULT 0,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		PRIMARY KEY (user_id, stat_key)
	)`,
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	schema := postgresSchema
	if s.driver == DriverMySQL {
		schema = mysqlSchema
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

type achievementRow struct {
	ID          int64     `db:"id"`
	Code        string    `db:"code"`
	Title       string    `db:"title"`
	Description string    `db:"description"`
	Condition   string    `db:"condition_json"`
	IsActive    bool      `db:"is_active"`
	CreatedAt   time.Time `db:"created_at"`
}

func (r achievementRow) toCore() (core.Achievement, error) {
	a := core.Achievement{
		ID:          r.ID,
		Code:        r.Code,
		Title:       r.Title,
		Description: r.Description,
		IsActive:    r.IsActive,
		CreatedAt:   r.CreatedAt,
	}
	if err := json.Unmarshal([]byte(r.Condition), &a.Condition); err != nil {
		return core.Achievement{}, fmt.Errorf("decode condition of %s: %w", r.Code, err)
	}
	return a, nil
}

type rewardRow struct {
	AchievementID int64  `db:"achievement_id"`
	Type          string `db:"reward_type"`
	Amount        int64  `db:"amount"`
	Item          string `db:"item"`
}

type unlockRow struct {
	UserID        string    `db:"user_id"`
	AchievementID int64     `db:"achievement_id"`
	UnlockedAt    time.Time `db:"unlocked_at"`
	Meta          string    `db:"meta"`
}

type statRow struct {
	Key   string  `db:"stat_key"`
	Value float64 `db:"value"`
}

const achievementColumns = `id, code, title, description, condition_json, is_active, created_at`

func (s *Store) StatsForUser(ctx context.Context, userID core.UserID) (core.StatValues, error) {
	var rows []statRow
	q := s.db.Rebind(`SELECT stat_key, value FROM user_stats WHERE user_id = ?`)
	if err := s.db.SelectContext(ctx, &rows, q, userID); err != nil {
		return nil, err
	}
	stats := make(core.StatValues, len(rows))
	for _, r := range rows {
		stats[core.StatKey(r.Key)] = r.Value
	}
	return stats, nil
}

// IncrStat adds delta in a single upsert so concurrent first writes for the
// same (user, key) both land instead of racing on the primary key.
func (s *Store) IncrStat(ctx context.Context, userID core.UserID, key core.StatKey, delta float64) (float64, error) {
	if delta == 0 {
		return 0, errors.New("delta cannot be zero")
	}
	now := time.Now().UTC()
	if s.driver != DriverMySQL {
		var total float64
		q := s.db.Rebind(`INSERT INTO user_stats (user_id, stat_key, value, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (user_id, stat_key) DO UPDATE SET value = user_stats.value + EXCLUDED.value, updated_at = EXCLUDED.updated_at
			RETURNING value`)
		if err := s.db.GetContext(ctx, &total, q, userID, key, delta, now, now); err != nil {
			return 0, err
		}
		return total, nil
	}

	// MySQL has no RETURNING; read back inside the transaction holding the row lock.
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	ups := `INSERT INTO user_stats (user_id, stat_key, value, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE value = value + VALUES(value), updated_at = VALUES(updated_at)`
	if _, err := tx.ExecContext(ctx, ups, userID, key, delta, now, now); err != nil {
		return 0, err
	}
	var total float64
	if err := tx.GetContext(ctx, &total, `SELECT value FROM user_stats WHERE user_id = ? AND stat_key = ?`, userID, key); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) SetStat(ctx context.Context, userID core.UserID, key core.StatKey, value float64) error {
	now := time.Now().UTC()
	var q string
	if s.driver == DriverMySQL {
		q = `INSERT INTO user_stats (user_id, stat_key, value, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE value = VALUES(value), updated_at = VALUES(updated_at)`
	} else {
		q = `INSERT INTO user_stats (user_id, stat_key, value, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (user_id, stat_key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(q), userID, key, value, now, now)
	return err
}

func (s *Store) ActiveAchievements(ctx context.Context) ([]core.Achievement, error) {
	var rows []achievementRow
	q := `SELECT ` + achievementColumns + ` FROM achievements WHERE is_active = ? ORDER BY id`
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), true); err != nil {
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
	var row achievementRow
	q := `SELECT ` + achievementColumns + ` FROM achievements WHERE code = ?`
	err := s.db.GetContext(ctx, &row, s.db.Rebind(q), code)
	if errors.Is(err, sql.ErrNoRows) {
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
	var rows []rewardRow
	q := s.db.Rebind(`SELECT achievement_id, reward_type, amount, item FROM achievement_rewards WHERE achievement_id = ? ORDER BY id`)
	if err := s.db.SelectContext(ctx, &rows, q, achievementID); err != nil {
		return nil, err
	}
	out := make([]core.Reward, 0, len(rows))
	for _, r := range rows {
		out = append(out, core.Reward{
			AchievementID: r.AchievementID,
			Type:          core.RewardType(r.Type),
			Amount:        r.Amount,
			Item:          r.Item,
		})
	}
	return out, nil
}

func (s *Store) HasUnlocked(ctx context.Context, userID core.UserID, achievementID int64) (bool, error) {
	var exists bool
	q := s.db.Rebind(`SELECT EXISTS(SELECT 1 FROM user_achievements WHERE user_id = ? AND achievement_id = ?)`)
	if err := s.db.GetContext(ctx, &exists, q, userID, achievementID); err != nil {
		return false, err
	}
	return exists, nil
}

// InsertUnlockIfAbsent leans on the (user_id, achievement_id) primary key; zero
// rows affected means another writer already holds the unlock. The MySQL no-op
// update keeps foreign-key and truncation errors visible, unlike INSERT IGNORE.
func (s *Store) InsertUnlockIfAbsent(ctx context.Context, rec core.UnlockRecord) (*core.UnlockRecord, error) {
	meta, err := json.Marshal(rec.Meta)
	if err != nil {
		return nil, err
	}
	var q string
	if s.driver == DriverMySQL {
		q = `INSERT INTO user_achievements (user_id, achievement_id, unlocked_at, meta) VALUES (?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE achievement_id = achievement_id`
	} else {
		q = `INSERT INTO user_achievements (user_id, achievement_id, unlocked_at, meta) VALUES (?, ?, ?, ?)
			ON CONFLICT (user_id, achievement_id) DO NOTHING`
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), rec.UserID, rec.AchievementID, rec.UnlockedAt, string(meta))
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return &rec, nil
}

func (s *Store) Unlocks(ctx context.Context, userID core.UserID) ([]core.UnlockRecord, error) {
	var rows []unlockRow
	q := s.db.Rebind(`SELECT user_id, achievement_id, unlocked_at, meta FROM user_achievements WHERE user_id = ? ORDER BY achievement_id`)
	if err := s.db.SelectContext(ctx, &rows, q, userID); err != nil {
		return nil, err
	}
	out := make([]core.UnlockRecord, 0, len(rows))
	for _, r := range rows {
		rec := core.UnlockRecord{
			UserID:        core.UserID(r.UserID),
			AchievementID: r.AchievementID,
			UnlockedAt:    r.UnlockedAt,
		}
		if r.Meta != "" {
			if err := json.Unmarshal([]byte(r.Meta), &rec.Meta); err != nil {
				return nil, fmt.Errorf("decode unlock meta: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// CreateAchievement inserts the rule and its reward links in one transaction.
func (s *Store) CreateAchievement(ctx context.Context, a core.Achievement, rewards []core.Reward) (core.Achievement, error) {
	cond, err := json.Marshal(a.Condition)
	if err != nil {
		return core.Achievement{}, err
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return core.Achievement{}, err
	}
	defer func() { _ = tx.Rollback() }()

	args := []any{a.Code, a.Title, a.Description, string(cond), a.IsActive, a.CreatedAt}
	ins := `INSERT INTO achievements (code, title, description, condition_json, is_active, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	if s.driver == DriverMySQL {
		res, err := tx.ExecContext(ctx, ins, args...)
		if err != nil {
			return core.Achievement{}, mapDuplicate(err)
		}
		if a.ID, err = res.LastInsertId(); err != nil {
			return core.Achievement{}, err
		}
	} else {
		if err := tx.GetContext(ctx, &a.ID, tx.Rebind(ins+` RETURNING id`), args...); err != nil {
			return core.Achievement{}, mapDuplicate(err)
		}
	}

	link := tx.Rebind(`INSERT INTO achievement_rewards (achievement_id, reward_type, amount, item) VALUES (?, ?, ?, ?)`)
	for _, r := range rewards {
		if _, err := tx.ExecContext(ctx, link, a.ID, string(r.Type), r.Amount, r.Item); err != nil {
			return core.Achievement{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return core.Achievement{}, err
	}
	return a, nil
}

// mapDuplicate turns unique-constraint violations on achievements.code into
// engine.ErrDuplicateCode.
func mapDuplicate(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return engine.ErrDuplicateCode
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1062 {
		return engine.ErrDuplicateCode
	}
	return err
}

var _ engine.Storage = (*Store)(nil)
