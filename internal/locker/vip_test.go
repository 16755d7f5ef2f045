// SPDX-License-Identifier: MIT

package locker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dolaplink/lockerd/internal/model"
)

func TestAssignVIPBindsContract(t *testing.T) {
	m, st, sink := newTestManager(t, 2)
	ctx := context.Background()

	ok, err := m.SetVIP(ctx, "kiosk-1", 1, true, "staff.a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.AssignVIP(ctx, "kiosk-1", 1, "contract-7", "staff.a")
	require.NoError(t, err)
	require.True(t, ok)

	l, err := st.GetLocker(ctx, "kiosk-1", 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOwned, l.Status)
	assert.Equal(t, model.OwnerVIP, l.OwnerType)
	assert.Equal(t, "contract-7", l.OwnerKey)

	// The audit record carries the staff attribution the event log requires.
	sink.mu.Lock()
	last := sink.events[len(sink.events)-1]
	sink.mu.Unlock()
	assert.Equal(t, model.EventVIPAssign, last.Type)
	assert.Equal(t, "staff.a", last.StaffUser)

	// One contract, one locker: the key cannot bind a second VIP locker.
	ok, err = m.SetVIP(ctx, "kiosk-1", 2, true, "staff.a")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = m.AssignVIP(ctx, "kiosk-1", 2, "contract-7", "staff.a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAssignVIPGuards(t *testing.T) {
	m, _, _ := newTestManager(t, 1)
	ctx := context.Background()

	// Unflagged locker.
	ok, err := m.AssignVIP(ctx, "kiosk-1", 1, "contract-1", "staff.a")
	require.NoError(t, err)
	assert.False(t, ok)

	// Empty contract key.
	ok, err = m.AssignVIP(ctx, "kiosk-1", 1, "", "staff.a")
	require.NoError(t, err)
	assert.False(t, ok)

	// Missing locker.
	_, err = m.AssignVIP(ctx, "kiosk-1", 42, "contract-1", "staff.a")
	assert.ErrorIs(t, err, ErrNotFound)

	// A flagged locker that is not Free cannot be bound.
	ok, err = m.SetVIP(ctx, "kiosk-1", 1, true, "staff.a")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = m.StaffBlock(ctx, "kiosk-1", 1, "staff.a", "maintenance")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = m.AssignVIP(ctx, "kiosk-1", 1, "contract-1", "staff.a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReleaseVIPUnbindsContract(t *testing.T) {
	m, st, sink := newTestManager(t, 1)
	ctx := context.Background()

	ok, err := m.SetVIP(ctx, "kiosk-1", 1, true, "staff.a")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = m.AssignVIP(ctx, "kiosk-1", 1, "contract-7", "staff.a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.ReleaseVIP(ctx, "kiosk-1", 1, "staff.b")
	require.NoError(t, err)
	require.True(t, ok)

	l, err := st.GetLocker(ctx, "kiosk-1", 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFree, l.Status)
	assert.Empty(t, l.OwnerKey)
	assert.True(t, l.IsVIP, "releasing the binding keeps the flag")

	sink.mu.Lock()
	last := sink.events[len(sink.events)-1]
	sink.mu.Unlock()
	assert.Equal(t, model.EventVIPRelease, last.Type)
	assert.Equal(t, "staff.b", last.StaffUser)

	// Nothing left to release.
	ok, err = m.ReleaseVIP(ctx, "kiosk-1", 1, "staff.b")
	require.NoError(t, err)
	assert.False(t, ok)
}
