// SPDX-License-Identifier: MIT

package fleet

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dolaplink/lockerd/internal/log"
	"github.com/dolaplink/lockerd/internal/model"
)

// CommandCanceller drops pending queue work for a kiosk. The command queue
// implements it.
type CommandCanceller interface {
	CancelPending(ctx context.Context, kioskID string) (int, error)
}

// NotifyRestart handles a kiosk announcing a fresh boot: stale pending
// commands are cancelled so the kiosk does not replay pre-restart staff
// operations, and a system_restarted event is recorded.
func (t *Tracker) NotifyRestart(ctx context.Context, kioskID string, queue CommandCanceller) (int, error) {
	cancelled := 0
	if queue != nil {
		n, err := queue.CancelPending(ctx, kioskID)
		if err != nil {
			return 0, err
		}
		cancelled = n
	}

	details, _ := json.Marshal(map[string]any{"cancelled_commands": cancelled})
	ev := model.Event{
		Timestamp: time.Now(),
		KioskID:   kioskID,
		Type:      model.EventSystemRestarted,
		Details:   details,
	}
	if err := t.events.Append(ctx, ev); err != nil {
		t.logger.Warn().Err(err).Str(log.FieldKioskID, kioskID).Msg("restart event append failed")
	}

	t.logger.Info().
		Str(log.FieldKioskID, kioskID).
		Int("cancelled_commands", cancelled).
		Msg("kiosk restart recorded")
	return cancelled, nil
}
