// SPDX-License-Identifier: MIT

package kiosk

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dolaplink/lockerd/internal/locker"
	"github.com/dolaplink/lockerd/internal/modbus"
	"github.com/dolaplink/lockerd/internal/model"
	"github.com/dolaplink/lockerd/internal/queue"
	"github.com/dolaplink/lockerd/internal/store"
)

type fakeHardware struct {
	mu      sync.Mutex
	opened  []int
	failIDs map[int]bool
}

func (f *fakeHardware) OpenLocker(_ context.Context, id int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIDs[id] {
		return false, nil
	}
	f.opened = append(f.opened, id)
	return true, nil
}

func (f *fakeHardware) BulkOpen(ctx context.Context, ids []int, _ time.Duration) modbus.BulkResult {
	res := modbus.BulkResult{Total: len(ids)}
	for _, id := range ids {
		ok, _ := f.OpenLocker(ctx, id)
		if ok {
			res.Success++
		} else {
			res.FailedIDs = append(res.FailedIDs, id)
		}
	}
	return res
}

func (f *fakeHardware) openedIDs() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.opened...)
}

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

func (s *eventSpy) byType(t model.EventType) []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Event
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestRunner(t *testing.T, count int) (*Runner, *queue.Queue, *store.Store, *fakeHardware, *eventSpy) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.EnsureLockers(context.Background(), "kiosk-1", count))

	q := queue.New(st)
	mgr := locker.NewManager(st, nil, nil)
	hw := &fakeHardware{failIDs: map[int]bool{}}
	spy := &eventSpy{}
	return NewRunner(DefaultConfig("kiosk-1"), q, mgr, hw, spy), q, st, hw, spy
}

func enqueue(t *testing.T, q *queue.Queue, cmdType model.CommandType, v any) string {
	t.Helper()
	payload, err := model.EncodePayload(cmdType, v)
	require.NoError(t, err)
	id, err := q.Enqueue(context.Background(), "kiosk-1", cmdType, payload, 0)
	require.NoError(t, err)
	return id
}

func TestRunOnceExecutesOpen(t *testing.T) {
	r, q, _, hw, spy := newTestRunner(t, 5)
	ctx := context.Background()

	id := enqueue(t, q, model.CommandOpenLocker, model.OpenLockerPayload{LockerID: 3, StaffUser: "staff.a", Reason: "lost card"})

	require.NoError(t, r.RunOnce(ctx))

	assert.Equal(t, []int{3}, hw.openedIDs())

	cmd, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.CommandCompleted, cmd.Status)

	staffOpens := spy.byType(model.EventStaffOpen)
	require.Len(t, staffOpens, 1)
	assert.Equal(t, 3, staffOpens[0].LockerID)
	assert.Equal(t, "staff.a", staffOpens[0].StaffUser)
}

func TestRunOnceHardwareFailureReschedules(t *testing.T) {
	r, q, _, hw, _ := newTestRunner(t, 5)
	hw.failIDs[2] = true
	ctx := context.Background()

	id := enqueue(t, q, model.CommandOpenLocker, model.OpenLockerPayload{LockerID: 2, StaffUser: "staff.a"})

	require.NoError(t, r.RunOnce(ctx))

	cmd, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.CommandPending, cmd.Status)
	assert.Equal(t, 1, cmd.RetryCount)
	assert.Contains(t, cmd.LastError, "hardware open failed")

	// Not due until the backoff elapses, so a second pass is a no-op.
	require.NoError(t, r.RunOnce(ctx))
	cmd, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, cmd.RetryCount)
}

func TestRunOnceBadPayloadFailsCommand(t *testing.T) {
	r, q, _, _, _ := newTestRunner(t, 5)
	ctx := context.Background()

	id := enqueue(t, q, model.CommandOpenLocker, model.OpenLockerPayload{LockerID: 0})

	require.NoError(t, r.RunOnce(ctx))

	cmd, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.CommandPending, cmd.Status)
	assert.Contains(t, cmd.LastError, "invalid locker_id")
}

func TestBulkOpenExcludesVIP(t *testing.T) {
	r, q, st, hw, spy := newTestRunner(t, 5)
	ctx := context.Background()

	l, err := st.GetLocker(ctx, "kiosk-1", 2)
	require.NoError(t, err)
	l.IsVIP = true
	ok, err := st.UpdateLockerCAS(ctx, l)
	require.NoError(t, err)
	require.True(t, ok)

	id := enqueue(t, q, model.CommandBulkOpen, model.BulkOpenPayload{
		LockerIDs:  []int{1, 2, 3},
		StaffUser:  "staff.a",
		ExcludeVIP: true,
	})

	require.NoError(t, r.RunOnce(ctx))

	assert.Equal(t, []int{1, 3}, hw.openedIDs())

	cmd, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.CommandCompleted, cmd.Status)

	bulks := spy.byType(model.EventBulkOpen)
	require.Len(t, bulks, 1)
	assert.Equal(t, "staff.a", bulks[0].StaffUser)
}

func TestBulkOpenPartialFailureReschedules(t *testing.T) {
	r, q, _, hw, _ := newTestRunner(t, 5)
	hw.failIDs[2] = true
	ctx := context.Background()

	id := enqueue(t, q, model.CommandBulkOpen, model.BulkOpenPayload{
		LockerIDs: []int{1, 2},
		StaffUser: "staff.a",
	})

	require.NoError(t, r.RunOnce(ctx))

	cmd, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.CommandPending, cmd.Status)
	assert.Contains(t, cmd.LastError, "1 of 2 lockers failed")
}

func TestBlockUnblockCommands(t *testing.T) {
	r, q, st, _, _ := newTestRunner(t, 3)
	ctx := context.Background()

	blockID := enqueue(t, q, model.CommandBlockLocker, model.OpenLockerPayload{LockerID: 1, StaffUser: "staff.a", Reason: "damaged"})
	require.NoError(t, r.RunOnce(ctx))

	l, err := st.GetLocker(ctx, "kiosk-1", 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusBlocked, l.Status)

	cmd, err := q.Get(ctx, blockID)
	require.NoError(t, err)
	assert.Equal(t, model.CommandCompleted, cmd.Status)

	enqueue(t, q, model.CommandUnblockLocker, model.OpenLockerPayload{LockerID: 1, StaffUser: "staff.a"})
	require.NoError(t, r.RunOnce(ctx))

	l, err = st.GetLocker(ctx, "kiosk-1", 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFree, l.Status)
}

func TestUnblockFreeLockerFails(t *testing.T) {
	r, q, _, _, _ := newTestRunner(t, 3)
	ctx := context.Background()

	id := enqueue(t, q, model.CommandUnblockLocker, model.OpenLockerPayload{LockerID: 1, StaffUser: "staff.a"})
	require.NoError(t, r.RunOnce(ctx))

	cmd, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.CommandPending, cmd.Status)
	assert.Contains(t, cmd.LastError, "not blocked")
}
