// SPDX-License-Identifier: MIT

package userflow

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dolaplink/lockerd/internal/locker"
	"github.com/dolaplink/lockerd/internal/model"
	"github.com/dolaplink/lockerd/internal/ratelimit"
	"github.com/dolaplink/lockerd/internal/store"
)

type fakeOpener struct {
	failIDs map[int]bool
	opened  []int
}

func (f *fakeOpener) OpenLocker(_ context.Context, id int) (bool, error) {
	if f.failIDs[id] {
		return false, nil
	}
	f.opened = append(f.opened, id)
	return true, nil
}

func generousLimits() ratelimit.Config {
	return ratelimit.Config{
		Limits: map[ratelimit.Scope]ratelimit.Limit{
			ratelimit.ScopeIP:     {MaxTokens: 1000, RefillRate: 1000},
			ratelimit.ScopeCard:   {MaxTokens: 1000, RefillRate: 1000},
			ratelimit.ScopeLocker: {MaxTokens: 1000, RefillRate: 1000},
			ratelimit.ScopeDevice: {MaxTokens: 1000, RefillRate: 1000},
		},
		ViolationLogThreshold: 3,
		MaxAge:                time.Hour,
	}
}

func newTestService(t *testing.T, count int) (*Service, *store.Store, *fakeOpener) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.EnsureLockers(context.Background(), "kiosk-1", count))

	mgr := locker.NewManager(st, nil, nil)
	opener := &fakeOpener{failIDs: map[int]bool{}}
	limiter := ratelimit.New(generousLimits(), nil)
	sessions := NewSessionManager(time.Minute, nil)
	return NewService("kiosk-1", mgr, opener, limiter, sessions), st, opener
}

const testDeviceID = "550e8400-e29b-41d4-a716-446655440000"

func TestCardScanOpensSession(t *testing.T) {
	svc, _, _ := newTestService(t, 3)
	ctx := context.Background()

	res, err := svc.HandleCardScan(ctx, "CARD-1", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, ActionShowAvailable, res.Action)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, []int{1, 2, 3}, res.AvailableLockers)
}

func TestCardScanEmptyCard(t *testing.T) {
	svc, _, _ := newTestService(t, 1)
	res, err := svc.HandleCardScan(context.Background(), "", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "msg.invalid_card", res.Reason)
}

func TestSelectionAssignsAndOpens(t *testing.T) {
	svc, st, opener := newTestService(t, 3)
	ctx := context.Background()

	_, err := svc.HandleCardScan(ctx, "CARD-1", "10.0.0.1")
	require.NoError(t, err)

	res, err := svc.HandleLockerSelection(ctx, "CARD-1", 2)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, ActionAssigned, res.Action)
	assert.Equal(t, 2, res.LockerID)
	assert.Equal(t, []int{2}, opener.opened)

	l, err := st.GetLocker(ctx, "kiosk-1", 2)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpening, l.Status)
	assert.Equal(t, "CARD-1", l.OwnerKey)
}

func TestSelectionWithoutSession(t *testing.T) {
	svc, _, _ := newTestService(t, 3)

	res, err := svc.HandleLockerSelection(context.Background(), "CARD-1", 1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusGone, res.StatusCode)
	assert.Equal(t, "msg.session_expired", res.Reason)
}

func TestSelectionWrongCard(t *testing.T) {
	svc, _, _ := newTestService(t, 3)
	ctx := context.Background()

	_, err := svc.HandleCardScan(ctx, "CARD-1", "10.0.0.1")
	require.NoError(t, err)

	res, err := svc.HandleLockerSelection(ctx, "CARD-2", 1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusGone, res.StatusCode)
}

func TestSelectionOutsideOfferedSet(t *testing.T) {
	svc, _, _ := newTestService(t, 3)
	ctx := context.Background()

	_, err := svc.HandleCardScan(ctx, "CARD-1", "10.0.0.1")
	require.NoError(t, err)

	res, err := svc.HandleLockerSelection(ctx, "CARD-1", 99)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "msg.locker_unavailable", res.Reason)
}

func TestSelectionHardwareFailure(t *testing.T) {
	svc, st, opener := newTestService(t, 3)
	opener.failIDs[1] = true
	ctx := context.Background()

	_, err := svc.HandleCardScan(ctx, "CARD-1", "10.0.0.1")
	require.NoError(t, err)

	res, err := svc.HandleLockerSelection(ctx, "CARD-1", 1)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ActionHardwareError, res.Action)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Equal(t, "msg.open_failed_call_staff", res.Reason)

	l, err := st.GetLocker(ctx, "kiosk-1", 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, l.Status)
	assert.Empty(t, l.OwnerKey)
}

func TestOwnerScanReleasesLocker(t *testing.T) {
	svc, st, opener := newTestService(t, 3)
	ctx := context.Background()

	_, err := svc.HandleCardScan(ctx, "CARD-1", "10.0.0.1")
	require.NoError(t, err)
	_, err = svc.HandleLockerSelection(ctx, "CARD-1", 1)
	require.NoError(t, err)

	// Second scan: the held locker opens and is released.
	res, err := svc.HandleCardScan(ctx, "CARD-1", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, ActionReleased, res.Action)
	assert.Equal(t, 1, res.LockerID)
	assert.Equal(t, []int{1, 1}, opener.opened, "door opened on assign and on release")

	l, err := st.GetLocker(ctx, "kiosk-1", 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFree, l.Status)
}

func TestCardScanNoFreeLockers(t *testing.T) {
	svc, st, _ := newTestService(t, 1)
	ctx := context.Background()

	l, err := st.GetLocker(ctx, "kiosk-1", 1)
	require.NoError(t, err)
	l.Status = model.StatusBlocked
	ok, err := st.UpdateLockerCAS(ctx, l)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := svc.HandleCardScan(ctx, "CARD-1", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "msg.no_free_lockers", res.Reason)
}

func TestQRToggleAssignAndRelease(t *testing.T) {
	svc, st, _ := newTestService(t, 2)
	ctx := context.Background()

	res, err := svc.HandleQRRequest(ctx, 1, testDeviceID, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, ActionAssigned, res.Action)

	l, err := st.GetLocker(ctx, "kiosk-1", 1)
	require.NoError(t, err)
	assert.Equal(t, model.OwnerDevice, l.OwnerType)

	// Same device again: release.
	res, err = svc.HandleQRRequest(ctx, 1, testDeviceID, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, ActionReleased, res.Action)

	l, err = st.GetLocker(ctx, "kiosk-1", 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFree, l.Status)
}

func TestQRRejectsInvalidDevice(t *testing.T) {
	svc, _, _ := newTestService(t, 1)

	res, err := svc.HandleQRRequest(context.Background(), 1, "not a device", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "msg.invalid_device", res.Reason)
}

func TestQRRejectsVIPLocker(t *testing.T) {
	svc, st, _ := newTestService(t, 1)
	ctx := context.Background()

	l, err := st.GetLocker(ctx, "kiosk-1", 1)
	require.NoError(t, err)
	l.IsVIP = true
	ok, err := st.UpdateLockerCAS(ctx, l)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := svc.HandleQRRequest(ctx, 1, testDeviceID, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusLocked, res.StatusCode)
	assert.Equal(t, "msg.vip_qr_disabled", res.Reason)
}

func TestQRRejectsForeignOwner(t *testing.T) {
	svc, _, _ := newTestService(t, 1)
	ctx := context.Background()

	res, err := svc.HandleQRRequest(ctx, 1, testDeviceID, "10.0.0.1")
	require.NoError(t, err)
	require.True(t, res.Success)

	other := "0123456789abcdef0123456789abcdef"
	res, err = svc.HandleQRRequest(ctx, 1, other, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "msg.locker_occupied", res.Reason)
}

func TestQRUnknownLocker(t *testing.T) {
	svc, _, _ := newTestService(t, 1)

	res, err := svc.HandleQRRequest(context.Background(), 9, testDeviceID, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestRateLimitedScan(t *testing.T) {
	svc, _, _ := newTestService(t, 1)
	cfg := generousLimits()
	cfg.Limits[ratelimit.ScopeCard] = ratelimit.Limit{MaxTokens: 1, RefillRate: 0.001}
	svc.limiter = ratelimit.New(cfg, nil)
	ctx := context.Background()

	res, err := svc.HandleCardScan(ctx, "CARD-1", "10.0.0.1")
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = svc.HandleCardScan(ctx, "CARD-1", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, "msg.rate_limited", res.Reason)
	assert.Positive(t, res.RetryAfter)
}

func TestValidDeviceID(t *testing.T) {
	assert.True(t, ValidDeviceID(testDeviceID))
	assert.True(t, ValidDeviceID("0123456789abcdef"))
	assert.True(t, ValidDeviceID("ABCDEF0123456789abcdef"))
	assert.False(t, ValidDeviceID(""))
	assert.False(t, ValidDeviceID("short"))
	assert.False(t, ValidDeviceID("zzzz456789abcdef"))
	assert.False(t, ValidDeviceID("0123456789abcdef "))
}
