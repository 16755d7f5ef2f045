// SPDX-License-Identifier: MIT

package fleet

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dolaplink/lockerd/internal/model"
	"github.com/dolaplink/lockerd/internal/queue"
	"github.com/dolaplink/lockerd/internal/store"
)

type eventSpy struct {
	mu     sync.Mutex
	events []model.Event
}

func (s *eventSpy) Append(_ context.Context, ev model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *eventSpy) types() []model.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.EventType, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

func newTestTracker(t *testing.T) (*Tracker, *store.Store, *eventSpy) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	spy := &eventSpy{}
	return NewTracker(st, spy), st, spy
}

func TestRecordHeartbeatNewKiosk(t *testing.T) {
	tr, _, spy := newTestTracker(t)
	ctx := context.Background()

	err := tr.RecordHeartbeat(ctx, model.Heartbeat{KioskID: "kiosk-1", Zone: "pool", Version: "1.2.0"})
	require.NoError(t, err)

	hb, err := tr.Get(ctx, "kiosk-1")
	require.NoError(t, err)
	require.NotNil(t, hb)
	assert.Equal(t, model.KioskOnline, hb.Status)
	assert.Equal(t, "pool", hb.Zone)
	assert.Equal(t, "1.2.0", hb.Version)
	assert.False(t, hb.LastSeen.IsZero())

	assert.Equal(t, []model.EventType{model.EventKioskOnline}, spy.types())

	// Subsequent beats do not re-emit.
	require.NoError(t, tr.RecordHeartbeat(ctx, model.Heartbeat{KioskID: "kiosk-1"}))
	assert.Len(t, spy.types(), 1)
}

func TestRecordHeartbeatRequiresKioskID(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	assert.Error(t, tr.RecordHeartbeat(context.Background(), model.Heartbeat{}))
}

func TestMarkStaleFlipsOffline(t *testing.T) {
	tr, _, spy := newTestTracker(t)
	ctx := context.Background()

	old := time.Now().Add(-time.Minute)
	require.NoError(t, tr.RecordHeartbeat(ctx, model.Heartbeat{KioskID: "kiosk-stale", LastSeen: old}))
	require.NoError(t, tr.RecordHeartbeat(ctx, model.Heartbeat{KioskID: "kiosk-live"}))

	stale, err := tr.MarkStale(ctx, DefaultOfflineThreshold, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"kiosk-stale"}, stale)

	hb, err := tr.Get(ctx, "kiosk-stale")
	require.NoError(t, err)
	assert.Equal(t, model.KioskOffline, hb.Status)

	hb, err = tr.Get(ctx, "kiosk-live")
	require.NoError(t, err)
	assert.Equal(t, model.KioskOnline, hb.Status)

	types := spy.types()
	assert.Equal(t, model.EventKioskOffline, types[len(types)-1])

	// Already offline kiosks are not flipped twice.
	stale, err = tr.MarkStale(ctx, DefaultOfflineThreshold, time.Now())
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestOfflineKioskComesBack(t *testing.T) {
	tr, _, spy := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.RecordHeartbeat(ctx, model.Heartbeat{
		KioskID: "kiosk-1", LastSeen: time.Now().Add(-time.Minute),
	}))
	_, err := tr.MarkStale(ctx, DefaultOfflineThreshold, time.Now())
	require.NoError(t, err)

	require.NoError(t, tr.RecordHeartbeat(ctx, model.Heartbeat{KioskID: "kiosk-1"}))

	hb, err := tr.Get(ctx, "kiosk-1")
	require.NoError(t, err)
	assert.Equal(t, model.KioskOnline, hb.Status)

	assert.Equal(t, []model.EventType{
		model.EventKioskOnline,
		model.EventKioskOffline,
		model.EventKioskOnline,
	}, spy.types())
}

func TestTelemetryRecordedAndQueried(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()

	sample := json.RawMessage(`{"cpu_temp":48.5,"disk_free_mb":1024}`)
	require.NoError(t, tr.RecordHeartbeat(ctx, model.Heartbeat{KioskID: "kiosk-1", TelemetryData: sample}))

	// A beat without telemetry keeps the last snapshot.
	require.NoError(t, tr.RecordHeartbeat(ctx, model.Heartbeat{KioskID: "kiosk-1"}))

	hb, err := tr.Get(ctx, "kiosk-1")
	require.NoError(t, err)
	assert.JSONEq(t, string(sample), string(hb.TelemetryData))
	assert.False(t, hb.LastTelemetryUpdate.IsZero())

	history, err := tr.TelemetryHistory(ctx, "kiosk-1", time.Now().Add(-time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.JSONEq(t, string(sample), string(history[0].Data))

	history, err = tr.TelemetryHistory(ctx, "kiosk-1", time.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestNotifyRestartCancelsPending(t *testing.T) {
	tr, st, spy := newTestTracker(t)
	ctx := context.Background()
	q := queue.New(st)

	_, err := q.Enqueue(ctx, "kiosk-1", model.CommandOpenLocker, nil, 0)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "kiosk-1", model.CommandBulkOpen, nil, 0)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "kiosk-2", model.CommandOpenLocker, nil, 0)
	require.NoError(t, err)

	cancelled, err := tr.NotifyRestart(ctx, "kiosk-1", q)
	require.NoError(t, err)
	assert.Equal(t, 2, cancelled)

	stats, err := q.Stats(ctx, "kiosk-1")
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
	assert.Equal(t, 2, stats.Cancelled)

	stats, err = q.Stats(ctx, "kiosk-2")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)

	types := spy.types()
	assert.Equal(t, model.EventSystemRestarted, types[len(types)-1])
}

func TestList(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.RecordHeartbeat(ctx, model.Heartbeat{KioskID: "kiosk-b"}))
	require.NoError(t, tr.RecordHeartbeat(ctx, model.Heartbeat{KioskID: "kiosk-a"}))

	beats, err := tr.List(ctx)
	require.NoError(t, err)
	require.Len(t, beats, 2)
	assert.Equal(t, "kiosk-a", beats[0].KioskID)
	assert.Equal(t, "kiosk-b", beats[1].KioskID)
}
