// SPDX-License-Identifier: MIT

package locker

import (
	"context"
	"time"

	"github.com/dolaplink/lockerd/internal/model"
)

// AssignVIP binds a VIP contract key to a flagged locker on behalf of staff.
// The locker must carry the VIP flag and be Free, and the contract key may
// not hold another locker site-wide. Returns false when any of those guards
// fails.
func (m *Manager) AssignVIP(ctx context.Context, kioskID string, id int, ownerKey, staffUser string) (bool, error) {
	if ownerKey == "" {
		return false, nil
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		l, err := m.store.GetLocker(ctx, kioskID, id)
		if err != nil {
			return false, err
		}
		if l == nil {
			return false, ErrNotFound
		}
		if !l.IsVIP {
			return false, nil
		}
		if _, ok := TransitionFor(l.Status, TriggerAssign); !ok {
			return false, nil
		}

		existing, err := m.store.FindActiveByOwner(ctx, model.OwnerVIP, ownerKey)
		if err != nil {
			return false, err
		}
		if existing != nil {
			return false, nil
		}

		l.Status = model.StatusOwned
		l.OwnerType = model.OwnerVIP
		l.OwnerKey = ownerKey
		l.ReservedAt = time.Now()
		l.OwnedAt = time.Time{}

		ok, err := m.store.UpdateLockerCAS(ctx, l)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}

		m.emit(ctx, l, model.EventVIPAssign, model.Event{StaffUser: staffUser}, map[string]any{
			"owner_key": ownerKey,
		})
		m.bus.PublishState(ctx, l)
		return true, nil
	}
	return false, nil
}

// ReleaseVIP clears the VIP contract binding on a locker. Returns false when
// the locker is not currently bound to a VIP contract.
func (m *Manager) ReleaseVIP(ctx context.Context, kioskID string, id int, staffUser string) (bool, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		l, err := m.store.GetLocker(ctx, kioskID, id)
		if err != nil {
			return false, err
		}
		if l == nil {
			return false, ErrNotFound
		}
		if l.OwnerType != model.OwnerVIP {
			return false, nil
		}
		if _, ok := TransitionFor(l.Status, TriggerRelease); !ok {
			return false, nil
		}

		ownerKey := l.OwnerKey
		clearOwner(l)

		ok, err := m.store.UpdateLockerCAS(ctx, l)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}

		m.emit(ctx, l, model.EventVIPRelease, model.Event{StaffUser: staffUser}, map[string]any{
			"owner_key": ownerKey,
		})
		m.bus.PublishState(ctx, l)
		return true, nil
	}
	return false, nil
}
