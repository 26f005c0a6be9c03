package core

import (
	"time"

	"github.com/google/uuid"
)

// EventType enumerates domain events.
type EventType string

const (
	EventStatRecorded        EventType = "stat_recorded"
	EventAchievementUnlocked EventType = "achievement_unlocked"
	EventRewardGranted       EventType = "reward_granted"
)

// Event represents an immutable domain event. ID is unique per event and lets
// downstream consumers (webhooks, streams) deduplicate redeliveries.
type Event struct {
	ID            string         `json:"id"`
	Type          EventType      `json:"type"`
	Time          time.Time      `json:"time"`
	UserID        UserID         `json:"user_id"`
	Stat          StatKey        `json:"stat,omitempty"`
	Delta         float64        `json:"delta,omitempty"`
	Total         float64        `json:"total,omitempty"`
	AchievementID int64          `json:"achievement_id,omitempty"`
	Achievement   string         `json:"achievement,omitempty"`
	Reward        *Reward        `json:"reward,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

func NewStatRecorded(user UserID, key StatKey, delta, total float64) Event {
	return Event{ID: uuid.NewString(), Type: EventStatRecorded, Time: time.Now().UTC(), UserID: user, Stat: key, Delta: delta, Total: total}
}

func NewAchievementUnlocked(user UserID, a Achievement, at time.Time, forced bool) Event {
	ev := Event{ID: uuid.NewString(), Type: EventAchievementUnlocked, Time: at.UTC(), UserID: user, AchievementID: a.ID, Achievement: a.Code}
	if forced {
		ev.Metadata = map[string]any{"forced": true}
	}
	return ev
}

func NewRewardGranted(user UserID, a Achievement, r Reward) Event {
	rc := r
	return Event{ID: uuid.NewString(), Type: EventRewardGranted, Time: time.Now().UTC(), UserID: user, AchievementID: a.ID, Achievement: a.Code, Reward: &rc}
}
