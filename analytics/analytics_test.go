package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"savekit/core"
)

func unlockEvent(user core.UserID, code string, at time.Time, forced bool) core.Event {
	return core.NewAchievementUnlocked(user, core.Achievement{ID: 1, Code: code}, at, forced)
}

func stamped(e core.Event, at time.Time) core.Event {
	e.Time = at
	return e
}

func TestUnlockCounter_OnEvent(t *testing.T) {
	counter := NewUnlockCounter()
	day := time.Date(2024, 4, 10, 12, 0, 0, 0, time.UTC)

	counter.OnEvent(unlockEvent("alice", "first_saving", day, false))
	counter.OnEvent(unlockEvent("bob", "first_saving", day, false))
	counter.OnEvent(unlockEvent("bob", "million_saver", day.Add(24*time.Hour), true))
	counter.OnEvent(stamped(core.NewRewardGranted("bob", core.Achievement{ID: 2, Code: "million_saver"}, core.Reward{Type: core.RewardPoints, Amount: 50000}), day.Add(24*time.Hour)))
	counter.OnEvent(stamped(core.NewRewardGranted("bob", core.Achievement{ID: 2, Code: "million_saver"}, core.Reward{Type: core.RewardBadge, Item: "million_saver"}), day.Add(24*time.Hour)))
	counter.OnEvent(core.Event{Type: core.EventStatRecorded, UserID: "carol", Time: day})

	assert.Equal(t, int64(2), counter.UnlocksFor("first_saving"))
	assert.Equal(t, int64(1), counter.UnlocksFor("million_saver"))
	assert.Equal(t, int64(2), counter.UnlocksOn("2024-04-10"))
	assert.Equal(t, int64(1), counter.UnlocksOn("2024-04-11"))
	assert.Equal(t, 3, counter.ActiveUsers("2024-04-10"))

	snap := counter.Snapshot(1)
	assert.Equal(t, int64(3), snap.TotalUnlocks)
	assert.Equal(t, int64(1), snap.ForcedUnlocks)
	assert.Equal(t, int64(50000), snap.PointsGranted)
	assert.Equal(t, int64(1), snap.RewardsByType[core.RewardBadge])
	require.Len(t, snap.TopAchievements, 1)
	assert.Equal(t, CodeCount{Code: "first_saving", Count: 2}, snap.TopAchievements[0])
}

func TestBridgeHook_FansOut(t *testing.T) {
	a, b := NewUnlockCounter(), NewDAU()
	bridge := NewBridge(a, b)
	at := time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC)
	bridge.Handle(context.Background(), unlockEvent("alice", "first_saving", at, false))

	assert.Equal(t, int64(1), a.UnlocksFor("first_saving"))
	assert.Equal(t, 1, b.Count("2024-04-10"))
}

func TestUnlockCounter_DropsDaysPastRetention(t *testing.T) {
	counter := NewUnlockCounter()
	counter.SetRetention(3)
	start := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		counter.OnEvent(unlockEvent("alice", "first_saving", start.AddDate(0, 0, i), false))
	}

	snap := counter.Snapshot(0)
	assert.Equal(t, int64(5), snap.TotalUnlocks)
	assert.Equal(t, map[string]int64{"2024-04-03": 1, "2024-04-04": 1, "2024-04-05": 1}, snap.UnlocksByDay)
	assert.Len(t, snap.ActiveUsersByDay, 3)
	assert.Zero(t, counter.ActiveUsers("2024-04-01"))

	// a late event outside the window is counted in totals only
	counter.OnEvent(unlockEvent("bob", "first_saving", start, false))
	assert.Zero(t, counter.UnlocksOn("2024-04-01"))
	assert.Zero(t, counter.ActiveUsers("2024-04-01"))
	assert.Equal(t, int64(6), counter.Snapshot(0).TotalUnlocks)

	counter.SetRetention(1)
	assert.Equal(t, map[string]int64{"2024-04-05": 1}, counter.Snapshot(0).UnlocksByDay)
	assert.Equal(t, 1, counter.ActiveUsers("2024-04-05"))
}

func TestHTTPExporter_PostsSnapshot(t *testing.T) {
	var got Snapshot
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	counter := NewUnlockCounter()
	counter.OnEvent(unlockEvent("alice", "first_saving", time.Now(), false))

	exp := NewHTTPExporter(srv.URL, "secret", time.Second)
	require.NoError(t, exp.Export(context.Background(), counter.Snapshot(5)))
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, int64(1), got.UnlocksByCode["first_saving"])
}

func TestHTTPExporter_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewHTTPExporter(srv.URL, "", time.Second).Export(context.Background(), Snapshot{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

type recordingExporter struct {
	calls atomic.Int32
	fail  bool
}

func (r *recordingExporter) Export(context.Context, Snapshot) error {
	r.calls.Add(1)
	if r.fail {
		return errors.New("boom")
	}
	return nil
}

func (r *recordingExporter) Close() error { return nil }

func TestReporter_ExportNowContinuesPastFailures(t *testing.T) {
	bad := &recordingExporter{fail: true}
	good := &recordingExporter{}
	rep := NewReporter(NewUnlockCounter(), time.Minute, nil, bad, good, NewLogExporter(nil))

	err := rep.ExportNow(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), bad.calls.Load())
	assert.Equal(t, int32(1), good.calls.Load())
}

func TestReporter_StartFlushesOnShutdown(t *testing.T) {
	exp := &recordingExporter{}
	rep := NewReporter(NewUnlockCounter(), 10*time.Millisecond, nil, exp)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rep.Start(ctx)
		close(done)
	}()
	time.Sleep(35 * time.Millisecond)
	cancel()
	<-done

	assert.GreaterOrEqual(t, exp.calls.Load(), int32(2))
}
