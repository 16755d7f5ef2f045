// SPDX-License-Identifier: MIT

package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dolaplink/lockerd/internal/store"
)

// TelemetrySample is one historical telemetry record.
type TelemetrySample struct {
	ID         int64           `json:"id"`
	KioskID    string          `json:"kiosk_id"`
	RecordedAt time.Time       `json:"recorded_at"`
	Data       json.RawMessage `json:"data"`
}

// TelemetryHistory returns samples for a kiosk since the given time, newest
// first. Limit defaults to 100.
func (t *Tracker) TelemetryHistory(ctx context.Context, kioskID string, since time.Time, limit int) ([]TelemetrySample, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := t.store.DB.QueryContext(ctx, `
		SELECT id, kiosk_id, recorded_at, data FROM telemetry_history
		WHERE kiosk_id = ? AND recorded_at >= ?
		ORDER BY recorded_at DESC LIMIT ?`,
		kioskID, store.FormatTime(since), limit)
	if err != nil {
		return nil, fmt.Errorf("fleet: telemetry query failed: %w", err)
	}
	defer rows.Close()

	var out []TelemetrySample
	for rows.Next() {
		var (
			s  TelemetrySample
			ts string
			d  string
		)
		if err := rows.Scan(&s.ID, &s.KioskID, &ts, &d); err != nil {
			return nil, err
		}
		at, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("fleet: bad recorded_at %q: %w", ts, err)
		}
		s.RecordedAt = at
		s.Data = json.RawMessage(d)
		out = append(out, s)
	}
	return out, rows.Err()
}

// PruneTelemetry deletes history older than the retention window.
func (t *Tracker) PruneTelemetry(ctx context.Context, retention time.Duration, now time.Time) (int64, error) {
	cutoff := store.FormatTime(now.Add(-retention))
	res, err := t.store.DB.ExecContext(ctx,
		"DELETE FROM telemetry_history WHERE recorded_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("fleet: telemetry prune failed: %w", err)
	}
	return res.RowsAffected()
}
