package analytics

import (
	"sort"
	"sync"
	"time"

	"savekit/core"
)

// Hook receives domain events for KPI aggregation.
type Hook interface {
	OnEvent(e core.Event)
}

const dayLayout = "2006-01-02"

func dayKey(t time.Time) string { return t.UTC().Format(dayLayout) }

// DefaultRetentionDays bounds how many UTC days of per-day counters are kept.
const DefaultRetentionDays = 31

// DAU tracks daily active users: anyone who recorded a stat or unlocked
// something that day. Days older than the retention window, measured from the
// newest day seen, are dropped.
type DAU struct {
	mu        sync.Mutex
	days      map[string]map[core.UserID]struct{}
	retention int
	newest    string
}

func NewDAU() *DAU {
	return &DAU{days: map[string]map[core.UserID]struct{}{}, retention: DefaultRetentionDays}
}

func (d *DAU) OnEvent(e core.Event) {
	day := dayKey(e.Time)
	d.mu.Lock()
	defer d.mu.Unlock()
	if day > d.newest {
		d.newest = day
		pruneDays(d.days, cutoff(day, d.retention))
	}
	if day < cutoff(d.newest, d.retention) {
		return
	}
	m := d.days[day]
	if m == nil {
		m = map[core.UserID]struct{}{}
		d.days[day] = m
	}
	m[e.UserID] = struct{}{}
}

func (d *DAU) Count(day string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.days[day])
}

func (d *DAU) setRetention(days int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.retention = days
	if d.newest != "" {
		pruneDays(d.days, cutoff(d.newest, days))
	}
}

// cutoff returns the oldest day key kept when newest is the latest day.
func cutoff(newest string, retention int) string {
	t, err := time.Parse(dayLayout, newest)
	if err != nil {
		return ""
	}
	return dayKey(t.AddDate(0, 0, -(retention - 1)))
}

func pruneDays[V any](m map[string]V, oldest string) {
	for day := range m {
		if day < oldest {
			delete(m, day)
		}
	}
}

// Snapshot is a point-in-time copy of the unlock counters.
type Snapshot struct {
	GeneratedAt      time.Time                 `json:"generated_at"`
	TotalUnlocks     int64                     `json:"total_unlocks"`
	ForcedUnlocks    int64                     `json:"forced_unlocks"`
	UnlocksByCode    map[string]int64          `json:"unlocks_by_code"`
	UnlocksByDay     map[string]int64          `json:"unlocks_by_day"`
	RewardsByType    map[core.RewardType]int64 `json:"rewards_by_type"`
	PointsGranted    int64                     `json:"points_granted"`
	ActiveUsersByDay map[string]int            `json:"active_users_by_day"`
	TopAchievements  []CodeCount               `json:"top_achievements"`
}

// CodeCount pairs an achievement code with its unlock count.
type CodeCount struct {
	Code  string `json:"code"`
	Count int64  `json:"count"`
}

// UnlockCounter aggregates achievement_unlocked and reward_granted events.
type UnlockCounter struct {
	mu            sync.RWMutex
	total         int64
	forced        int64
	byCode        map[string]int64
	byDay         map[string]int64
	rewardsByType map[core.RewardType]int64
	points        int64
	dau           *DAU
	retention     int
	newestDay     string
	now           func() time.Time
}

func NewUnlockCounter() *UnlockCounter {
	return &UnlockCounter{
		byCode:        map[string]int64{},
		byDay:         map[string]int64{},
		rewardsByType: map[core.RewardType]int64{},
		dau:           NewDAU(),
		retention:     DefaultRetentionDays,
		now:           time.Now,
	}
}

// SetRetention keeps per-day unlock and active-user counters for the last
// days UTC days. Values below one are ignored.
func (c *UnlockCounter) SetRetention(days int) {
	if days < 1 {
		return
	}
	c.dau.setRetention(days)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retention = days
	if c.newestDay != "" {
		pruneDays(c.byDay, cutoff(c.newestDay, days))
	}
}

func (c *UnlockCounter) OnEvent(e core.Event) {
	c.dau.OnEvent(e)

	c.mu.Lock()
	defer c.mu.Unlock()
	switch e.Type {
	case core.EventAchievementUnlocked:
		c.total++
		c.byCode[e.Achievement]++
		day := dayKey(e.Time)
		if day > c.newestDay {
			c.newestDay = day
			pruneDays(c.byDay, cutoff(day, c.retention))
		}
		if day >= cutoff(c.newestDay, c.retention) {
			c.byDay[day]++
		}
		if forced, _ := e.Metadata["forced"].(bool); forced {
			c.forced++
		}
	case core.EventRewardGranted:
		if e.Reward == nil {
			return
		}
		c.rewardsByType[e.Reward.Type]++
		if e.Reward.Type == core.RewardPoints {
			c.points += e.Reward.Amount
		}
	}
}

// UnlocksFor returns how many users unlocked code.
func (c *UnlockCounter) UnlocksFor(code string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byCode[code]
}

// UnlocksOn returns the number of unlocks on day (YYYY-MM-DD, UTC).
func (c *UnlockCounter) UnlocksOn(day string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byDay[day]
}

// ActiveUsers returns the number of distinct users seen on day.
func (c *UnlockCounter) ActiveUsers(day string) int { return c.dau.Count(day) }

// Snapshot copies the counters; top holds at most limit codes ordered by count.
func (c *UnlockCounter) Snapshot(limit int) Snapshot {
	c.mu.RLock()
	s := Snapshot{
		GeneratedAt:      c.now().UTC(),
		TotalUnlocks:     c.total,
		ForcedUnlocks:    c.forced,
		UnlocksByCode:    make(map[string]int64, len(c.byCode)),
		UnlocksByDay:     make(map[string]int64, len(c.byDay)),
		RewardsByType:    make(map[core.RewardType]int64, len(c.rewardsByType)),
		PointsGranted:    c.points,
		ActiveUsersByDay: map[string]int{},
	}
	for k, v := range c.byCode {
		s.UnlocksByCode[k] = v
	}
	for k, v := range c.byDay {
		s.UnlocksByDay[k] = v
	}
	for k, v := range c.rewardsByType {
		s.RewardsByType[k] = v
	}
	c.mu.RUnlock()

	c.dau.mu.Lock()
	for day, users := range c.dau.days {
		s.ActiveUsersByDay[day] = len(users)
	}
	c.dau.mu.Unlock()

	s.TopAchievements = make([]CodeCount, 0, len(s.UnlocksByCode))
	for code, n := range s.UnlocksByCode {
		s.TopAchievements = append(s.TopAchievements, CodeCount{Code: code, Count: n})
	}
	sort.Slice(s.TopAchievements, func(i, j int) bool {
		if s.TopAchievements[i].Count != s.TopAchievements[j].Count {
			return s.TopAchievements[i].Count > s.TopAchievements[j].Count
		}
		return s.TopAchievements[i].Code < s.TopAchievements[j].Code
	})
	if limit > 0 && len(s.TopAchievements) > limit {
		s.TopAchievements = s.TopAchievements[:limit]
	}
	return s
}
