package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"savekit/core"
)

func TestHubSubscribeBroadcastUnsubscribe(t *testing.T) {
	h := NewHub()
	id, ch := h.Subscribe(1)

	ev := core.NewStatRecorded("bob", core.StatSavingsCount, 1, 1)
	h.Broadcast(context.Background(), ev)

	received := <-ch
	if received.UserID != "bob" || received.Type != core.EventStatRecorded {
		t.Fatalf("unexpected event: %+v", received)
	}

	h.Unsubscribe(id)
	_, ok := <-ch
	if ok {
		t.Fatal("expected channel closed after unsubscribe")
	}
	if h.Subscribers() != 0 {
		t.Fatalf("expected no subscribers, got %d", h.Subscribers())
	}
}

func TestHubUserFilter(t *testing.T) {
	h := NewHub()
	_, aliceCh := h.SubscribeUser("alice", 4)
	_, allCh := h.Subscribe(4)

	a := core.Achievement{ID: 1, Code: "first_saving"}
	h.Broadcast(context.Background(), core.NewAchievementUnlocked("bob", a, time.Now(), false))
	h.Broadcast(context.Background(), core.NewAchievementUnlocked("alice", a, time.Now(), false))

	if got := <-aliceCh; got.UserID != "alice" {
		t.Fatalf("filtered subscriber received %s", got.UserID)
	}
	select {
	case ev := <-aliceCh:
		t.Fatalf("unexpected extra event %+v", ev)
	default:
	}
	if len(allCh) != 2 {
		t.Fatalf("expected 2 events for unfiltered subscriber, got %d", len(allCh))
	}
}

func TestHubDropsWhenFull(t *testing.T) {
	h := NewHub()
	_, ch := h.Subscribe(1)
	h.Broadcast(context.Background(), core.NewStatRecorded("bob", core.StatSavingsCount, 1, 1))
	h.Broadcast(context.Background(), core.NewStatRecorded("bob", core.StatSavingsCount, 1, 2))

	if h.Dropped() != 1 {
		t.Fatalf("expected 1 dropped delivery, got %d", h.Dropped())
	}
	if got := <-ch; got.Total != 1 {
		t.Fatalf("expected first event kept, got total %v", got.Total)
	}
}

func TestMarshalJSON(t *testing.T) {
	ev := core.NewRewardGranted("alice", core.Achievement{ID: 2, Code: "million_saver"}, core.Reward{Type: core.RewardBadge, Item: "million_saver"})
	b := MarshalJSON(ev)
	var out core.Event
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Reward == nil || out.Reward.Item != "million_saver" {
		t.Fatalf("unexpected reward: %+v", out.Reward)
	}
	if out.ID != ev.ID {
		t.Fatalf("expected id %s, got %s", ev.ID, out.ID)
	}
}
