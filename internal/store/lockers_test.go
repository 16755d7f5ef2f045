// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dolaplink/lockerd/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEnsureLockersIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureLockers(ctx, "kiosk-1", 5))

	l, err := s.GetLocker(ctx, "kiosk-1", 3)
	require.NoError(t, err)
	require.NotNil(t, l)
	l.Status = model.StatusOwned
	l.OwnerType = model.OwnerRFID
	l.OwnerKey = "CARD-1"
	ok, err := s.UpdateLockerCAS(ctx, l)
	require.NoError(t, err)
	require.True(t, ok)

	// A second pass must not reset existing rows.
	require.NoError(t, s.EnsureLockers(ctx, "kiosk-1", 5))

	l, err = s.GetLocker(ctx, "kiosk-1", 3)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOwned, l.Status)
	assert.Equal(t, "CARD-1", l.OwnerKey)

	all, err := s.ListLockers(ctx, "kiosk-1")
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestGetLockerMissing(t *testing.T) {
	s := openTestStore(t)
	l, err := s.GetLocker(context.Background(), "kiosk-1", 99)
	require.NoError(t, err)
	assert.Nil(t, l)
}

func TestUpdateLockerCASVersionConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureLockers(ctx, "kiosk-1", 1))

	a, err := s.GetLocker(ctx, "kiosk-1", 1)
	require.NoError(t, err)
	b, err := s.GetLocker(ctx, "kiosk-1", 1)
	require.NoError(t, err)

	a.Status = model.StatusOwned
	a.OwnerType = model.OwnerRFID
	a.OwnerKey = "CARD-A"
	ok, err := s.UpdateLockerCAS(ctx, a)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), a.Version)

	// b still holds version 0, so its write must lose.
	b.Status = model.StatusBlocked
	ok, err = s.UpdateLockerCAS(ctx, b)
	require.NoError(t, err)
	assert.False(t, ok)

	cur, err := s.GetLocker(ctx, "kiosk-1", 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOwned, cur.Status)
	assert.Equal(t, int64(1), cur.Version)
}

func TestFindActiveByOwner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureLockers(ctx, "kiosk-1", 2))
	require.NoError(t, s.EnsureLockers(ctx, "kiosk-2", 2))

	l, err := s.GetLocker(ctx, "kiosk-2", 2)
	require.NoError(t, err)
	l.Status = model.StatusOwned
	l.OwnerType = model.OwnerRFID
	l.OwnerKey = "CARD-9"
	l.ReservedAt = time.Now()
	ok, err := s.UpdateLockerCAS(ctx, l)
	require.NoError(t, err)
	require.True(t, ok)

	// Lookup spans kiosks.
	found, err := s.FindActiveByOwner(ctx, model.OwnerRFID, "CARD-9")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "kiosk-2", found.KioskID)
	assert.Equal(t, 2, found.ID)

	none, err := s.FindActiveByOwner(ctx, model.OwnerRFID, "CARD-UNKNOWN")
	require.NoError(t, err)
	assert.Nil(t, none)

	// A released locker no longer counts.
	l.Status = model.StatusFree
	l.OwnerType = model.OwnerNone
	l.OwnerKey = ""
	ok, err = s.UpdateLockerCAS(ctx, l)
	require.NoError(t, err)
	require.True(t, ok)

	none, err = s.FindActiveByOwner(ctx, model.OwnerRFID, "CARD-9")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestAvailableLockersExcludesVIPAndNonFree(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureLockers(ctx, "kiosk-1", 4))

	setLocker := func(id int, mutate func(*model.Locker)) {
		l, err := s.GetLocker(ctx, "kiosk-1", id)
		require.NoError(t, err)
		mutate(l)
		ok, err := s.UpdateLockerCAS(ctx, l)
		require.NoError(t, err)
		require.True(t, ok)
	}

	setLocker(1, func(l *model.Locker) { l.IsVIP = true })
	setLocker(2, func(l *model.Locker) {
		l.Status = model.StatusOwned
		l.OwnerType = model.OwnerRFID
		l.OwnerKey = "CARD-2"
	})

	avail, err := s.AvailableLockers(ctx, "kiosk-1", nil)
	require.NoError(t, err)
	ids := make([]int, 0, len(avail))
	for _, l := range avail {
		ids = append(ids, l.ID)
	}
	assert.Equal(t, []int{3, 4}, ids)

	restricted, err := s.AvailableLockers(ctx, "kiosk-1", []int{1, 2, 3})
	require.NoError(t, err)
	require.Len(t, restricted, 1)
	assert.Equal(t, 3, restricted[0].ID)
}

func TestOldestAvailableLockerOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureLockers(ctx, "kiosk-1", 3))

	// Touch locker 1 so its updated_at moves forward; 2 and 3 share the
	// EnsureLockers timestamp and the id breaks the tie.
	time.Sleep(5 * time.Millisecond)
	l, err := s.GetLocker(ctx, "kiosk-1", 1)
	require.NoError(t, err)
	ok, err := s.UpdateLockerCAS(ctx, l)
	require.NoError(t, err)
	require.True(t, ok)

	oldest, err := s.OldestAvailableLocker(ctx, "kiosk-1", nil)
	require.NoError(t, err)
	require.NotNil(t, oldest)
	assert.Equal(t, 2, oldest.ID)
}

func TestExpiredOwned(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureLockers(ctx, "kiosk-1", 2))

	l, err := s.GetLocker(ctx, "kiosk-1", 1)
	require.NoError(t, err)
	l.Status = model.StatusOwned
	l.OwnerType = model.OwnerRFID
	l.OwnerKey = "CARD-OLD"
	l.ReservedAt = time.Now().Add(-13 * time.Hour)
	ok, err := s.UpdateLockerCAS(ctx, l)
	require.NoError(t, err)
	require.True(t, ok)

	expired, err := s.ExpiredOwned(ctx, time.Now().Add(-12*time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, 1, expired[0].ID)

	expired, err = s.ExpiredOwned(ctx, time.Now().Add(-14*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestFormatTimeLexicographicOrder(t *testing.T) {
	// The TEXT columns are compared as strings in SQL; chronological order
	// must match byte order, including across sub-second boundaries where a
	// trimmed fraction would sort a whole second after its own half second.
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	half := base.Add(500 * time.Millisecond)
	next := base.Add(time.Second)

	assert.Less(t, FormatTime(base), FormatTime(half))
	assert.Less(t, FormatTime(half), FormatTime(next))

	parsed, err := time.Parse(time.RFC3339Nano, FormatTime(half))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(half))
}

func TestExpiredOwnedSubSecondCutoff(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureLockers(ctx, "kiosk-1", 1))

	// Reservation lands on a whole second; the cutoff falls half a second
	// later inside the same second.
	reserved := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	l, err := s.GetLocker(ctx, "kiosk-1", 1)
	require.NoError(t, err)
	l.Status = model.StatusOwned
	l.OwnerType = model.OwnerRFID
	l.OwnerKey = "CARD-1"
	l.ReservedAt = reserved
	ok, err := s.UpdateLockerCAS(ctx, l)
	require.NoError(t, err)
	require.True(t, ok)

	expired, err := s.ExpiredOwned(ctx, reserved.Add(500*time.Millisecond))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, 1, expired[0].ID)
}
