// SPDX-License-Identifier: MIT

package userflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sessionCapture struct {
	mu      sync.Mutex
	updates []SessionUpdate
}

func (c *sessionCapture) PublishSession(_ context.Context, upd SessionUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, upd)
}

func (c *sessionCapture) all() []SessionUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SessionUpdate(nil), c.updates...)
}

func TestSessionOpenSupersedesPrevious(t *testing.T) {
	bus := &sessionCapture{}
	sm := NewSessionManager(time.Minute, bus)
	ctx := context.Background()

	first := sm.Open(ctx, "kiosk-1", "CARD-1", []int{1, 2})
	second := sm.Open(ctx, "kiosk-1", "CARD-2", []int{1, 2})
	assert.NotEqual(t, first.ID, second.ID)

	active, ok := sm.Active(ctx, "kiosk-1")
	require.True(t, ok)
	assert.Equal(t, second.ID, active.ID)
	assert.Equal(t, "CARD-2", active.CardID)

	updates := bus.all()
	require.Len(t, updates, 3)
	assert.Equal(t, SessionActive, updates[0].Status)
	assert.Equal(t, SessionCancelled, updates[1].Status)
	assert.Equal(t, first.ID, updates[1].SessionID)
	assert.Equal(t, "superseded", updates[1].Reason)
	assert.Equal(t, SessionActive, updates[2].Status)
}

func TestSessionPerKioskIsolation(t *testing.T) {
	sm := NewSessionManager(time.Minute, nil)
	ctx := context.Background()

	a := sm.Open(ctx, "kiosk-1", "CARD-1", []int{1})
	b := sm.Open(ctx, "kiosk-2", "CARD-2", []int{1})

	gotA, ok := sm.Active(ctx, "kiosk-1")
	require.True(t, ok)
	assert.Equal(t, a.ID, gotA.ID)

	gotB, ok := sm.Active(ctx, "kiosk-2")
	require.True(t, ok)
	assert.Equal(t, b.ID, gotB.ID)
}

func TestSessionExpiry(t *testing.T) {
	bus := &sessionCapture{}
	sm := NewSessionManager(10*time.Millisecond, bus)
	ctx := context.Background()

	s := sm.Open(ctx, "kiosk-1", "CARD-1", []int{1})
	time.Sleep(20 * time.Millisecond)

	_, ok := sm.Active(ctx, "kiosk-1")
	assert.False(t, ok)

	updates := bus.all()
	last := updates[len(updates)-1]
	assert.Equal(t, SessionExpired, last.Status)
	assert.Equal(t, s.ID, last.SessionID)
	assert.Equal(t, "timeout", last.Reason)
}

func TestSessionCompleteAndCancel(t *testing.T) {
	bus := &sessionCapture{}
	sm := NewSessionManager(time.Minute, bus)
	ctx := context.Background()

	sm.Open(ctx, "kiosk-1", "CARD-1", []int{1, 2})
	sm.Complete(ctx, "kiosk-1", 2)

	_, ok := sm.Active(ctx, "kiosk-1")
	assert.False(t, ok)

	updates := bus.all()
	last := updates[len(updates)-1]
	assert.Equal(t, SessionCompleted, last.Status)
	assert.Equal(t, 2, last.SelectedLocker)

	// Complete and Cancel on an empty kiosk are no-ops.
	sm.Complete(ctx, "kiosk-1", 1)
	sm.Cancel(ctx, "kiosk-1", "ui_reset")
	assert.Len(t, bus.all(), len(updates))
}

func TestSessionSweep(t *testing.T) {
	sm := NewSessionManager(time.Minute, nil)
	ctx := context.Background()

	sm.Open(ctx, "kiosk-1", "CARD-1", []int{1})
	sm.Open(ctx, "kiosk-2", "CARD-2", []int{1})

	assert.Zero(t, sm.Sweep(ctx, time.Now()))
	assert.Equal(t, 2, sm.Sweep(ctx, time.Now().Add(2*time.Minute)))

	_, ok := sm.Active(ctx, "kiosk-1")
	assert.False(t, ok)
}
