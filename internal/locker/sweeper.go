// SPDX-License-Identifier: MIT

package locker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dolaplink/lockerd/internal/log"
	"github.com/dolaplink/lockerd/internal/model"
)

// SweeperConfig controls the auto-release sweeper.
type SweeperConfig struct {
	Interval         time.Duration
	AutoReleaseHours float64 // 0 disables auto-release entirely
}

// Sweeper periodically releases Owned lockers whose reservation exceeded the
// auto-release deadline.
type Sweeper struct {
	Manager *Manager
	Conf    SweeperConfig
}

// Run starts the sweeper loop. It returns when ctx is cancelled; an
// in-flight sweep finishes before the loop exits.
func (s *Sweeper) Run(ctx context.Context) {
	if s.Conf.Interval <= 0 || s.Conf.AutoReleaseHours <= 0 {
		return
	}

	ticker := time.NewTicker(s.Conf.Interval)
	defer ticker.Stop()

	logger := log.WithComponent("sweeper")
	logger.Info().
		Dur("interval", s.Conf.Interval).
		Float64("auto_release_hours", s.Conf.AutoReleaseHours).
		Msg("auto-release sweeper started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Manager.CleanupExpiredReservations(ctx, s.Conf.AutoReleaseHours); err != nil {
				logger.Warn().Err(err).Msg("auto-release sweep failed")
			}
		}
	}
}

// CleanupExpiredReservations releases every Owned locker whose reserved_at is
// older than overrideHours, emitting an auto_release event per locker. It
// returns the number of lockers released. This is the deterministic single
// pass the sweeper loop runs on its ticker.
func (m *Manager) CleanupExpiredReservations(ctx context.Context, overrideHours float64) (int, error) {
	if overrideHours <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-time.Duration(overrideHours * float64(time.Hour)))

	expired, err := m.store.ExpiredOwned(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, l := range expired {
		ok, err := m.autoRelease(ctx, l.KioskID, l.ID, cutoff)
		if err != nil {
			return released, err
		}
		if ok {
			released++
		}
	}
	return released, nil
}

func (m *Manager) autoRelease(ctx context.Context, kioskID string, id int, cutoff time.Time) (bool, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		l, err := m.store.GetLocker(ctx, kioskID, id)
		if err != nil {
			return false, err
		}
		if l == nil {
			return false, nil
		}
		// Re-check under the current version: the owner may have released or
		// re-confirmed between the scan and now.
		if _, ok := TransitionFor(l.Status, TriggerTimeout); !ok {
			return false, nil
		}
		if l.ReservedAt.IsZero() || l.ReservedAt.After(cutoff) {
			return false, nil
		}

		identity := eventIdentity(l.OwnerType, l.OwnerKey)
		details, _ := json.Marshal(map[string]any{
			"triggered_by": "auto_release",
			"reserved_at":  l.ReservedAt.UTC().Format(time.RFC3339),
		})
		clearOwner(l)

		ok, err := m.store.UpdateLockerCAS(ctx, l)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}

		ev := model.Event{
			Timestamp: time.Now(),
			KioskID:   l.KioskID,
			LockerID:  l.ID,
			Type:      model.EventAutoRelease,
			RFIDCard:  identity.RFIDCard,
			DeviceID:  identity.DeviceID,
			Details:   details,
		}
		if err := m.events.Append(ctx, ev); err != nil {
			m.logger.Warn().Err(err).Int(log.FieldLockerID, l.ID).Msg("auto-release event append failed")
		}
		m.bus.PublishState(ctx, l)
		return true, nil
	}
	return false, nil
}
