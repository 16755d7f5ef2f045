// SPDX-License-Identifier: MIT

// Package fleet tracks kiosk liveness. Each kiosk posts periodic heartbeats;
// the monitor flips kiosks offline when heartbeats stop and emits the
// matching kiosk_online / kiosk_offline events.
package fleet

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/dolaplink/lockerd/internal/locker"
	"github.com/dolaplink/lockerd/internal/log"
	"github.com/dolaplink/lockerd/internal/model"
	"github.com/dolaplink/lockerd/internal/store"
)

var kiosksOnline = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "lockerd",
		Name:      "kiosks_online",
		Help:      "Kiosks currently considered online",
	},
)

// DefaultOfflineThreshold is how long a kiosk may stay silent before it is
// flipped offline.
const DefaultOfflineThreshold = 30 * time.Second

// Tracker persists heartbeats and telemetry for the fleet.
type Tracker struct {
	store  *store.Store
	events locker.EventSink
	logger zerolog.Logger
}

// NewTracker wires the heartbeat tracker. events may be nil.
func NewTracker(st *store.Store, events locker.EventSink) *Tracker {
	if events == nil {
		events = locker.NopEventSink{}
	}
	return &Tracker{
		store:  st,
		events: events,
		logger: log.WithComponent("fleet"),
	}
}

// RecordHeartbeat upserts the kiosk's liveness row. A kiosk returning from
// offline emits a kiosk_online event. Telemetry, when present, updates the
// latest snapshot and appends to the history table.
func (t *Tracker) RecordHeartbeat(ctx context.Context, hb model.Heartbeat) error {
	if hb.KioskID == "" {
		return fmt.Errorf("fleet: missing kiosk_id")
	}
	now := time.Now()
	if hb.LastSeen.IsZero() {
		hb.LastSeen = now
	}

	var prev sql.NullString
	err := t.store.DB.QueryRowContext(ctx,
		"SELECT status FROM kiosk_heartbeat WHERE kiosk_id = ?", hb.KioskID).Scan(&prev)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("fleet: heartbeat lookup failed: %w", err)
	}
	wasOffline := prev.Valid && model.KioskStatus(prev.String) == model.KioskOffline
	isNew := err == sql.ErrNoRows

	telemetry := sql.NullString{}
	telemetryAt := sql.NullString{}
	if len(hb.TelemetryData) > 0 {
		telemetry = sql.NullString{String: string(hb.TelemetryData), Valid: true}
		telemetryAt = sql.NullString{String: store.FormatTime(now), Valid: true}
	}

	_, err = t.store.DB.ExecContext(ctx, `
		INSERT INTO kiosk_heartbeat (kiosk_id, last_seen, zone, status, version, telemetry_data, last_telemetry_update)
		VALUES (?, ?, ?, 'online', ?, ?, ?)
		ON CONFLICT(kiosk_id) DO UPDATE SET
			last_seen = excluded.last_seen,
			zone = excluded.zone,
			status = 'online',
			version = excluded.version,
			telemetry_data = COALESCE(excluded.telemetry_data, kiosk_heartbeat.telemetry_data),
			last_telemetry_update = COALESCE(excluded.last_telemetry_update, kiosk_heartbeat.last_telemetry_update)`,
		hb.KioskID,
		store.FormatTime(hb.LastSeen),
		hb.Zone,
		hb.Version,
		telemetry,
		telemetryAt,
	)
	if err != nil {
		return fmt.Errorf("fleet: heartbeat upsert failed: %w", err)
	}

	if len(hb.TelemetryData) > 0 {
		_, err = t.store.DB.ExecContext(ctx,
			"INSERT INTO telemetry_history (kiosk_id, recorded_at, data) VALUES (?, ?, ?)",
			hb.KioskID, store.FormatTime(now), string(hb.TelemetryData))
		if err != nil {
			return fmt.Errorf("fleet: telemetry insert failed: %w", err)
		}
	}

	if wasOffline || isNew {
		t.emitStatus(ctx, hb.KioskID, model.EventKioskOnline)
		t.logger.Info().Str(log.FieldKioskID, hb.KioskID).Msg("kiosk online")
	}
	return nil
}

// MarkStale flips online kiosks whose last_seen is older than the threshold
// to offline and emits kiosk_offline events. Returns the flipped kiosk ids.
func (t *Tracker) MarkStale(ctx context.Context, threshold time.Duration, now time.Time) ([]string, error) {
	cutoff := store.FormatTime(now.Add(-threshold))

	rows, err := t.store.DB.QueryContext(ctx,
		"SELECT kiosk_id FROM kiosk_heartbeat WHERE status = 'online' AND last_seen < ?", cutoff)
	if err != nil {
		return nil, fmt.Errorf("fleet: stale scan failed: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		stale = append(stale, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	for _, id := range stale {
		_, err := t.store.DB.ExecContext(ctx,
			"UPDATE kiosk_heartbeat SET status = 'offline' WHERE kiosk_id = ? AND status = 'online'", id)
		if err != nil {
			return nil, fmt.Errorf("fleet: offline update failed: %w", err)
		}
		t.emitStatus(ctx, id, model.EventKioskOffline)
		t.logger.Warn().Str(log.FieldKioskID, id).Msg("kiosk offline")
	}
	return stale, nil
}

// Get returns one kiosk's heartbeat row, or nil when unknown.
func (t *Tracker) Get(ctx context.Context, kioskID string) (*model.Heartbeat, error) {
	row := t.store.DB.QueryRowContext(ctx, `
		SELECT kiosk_id, last_seen, zone, status, version, telemetry_data, last_telemetry_update
		FROM kiosk_heartbeat WHERE kiosk_id = ?`, kioskID)

	hb, err := scanHeartbeat(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return hb, nil
}

// List returns all heartbeat rows ordered by kiosk id.
func (t *Tracker) List(ctx context.Context) ([]*model.Heartbeat, error) {
	rows, err := t.store.DB.QueryContext(ctx, `
		SELECT kiosk_id, last_seen, zone, status, version, telemetry_data, last_telemetry_update
		FROM kiosk_heartbeat ORDER BY kiosk_id`)
	if err != nil {
		return nil, fmt.Errorf("fleet: heartbeat list failed: %w", err)
	}
	defer rows.Close()

	var out []*model.Heartbeat
	online := 0
	for rows.Next() {
		hb, err := scanHeartbeat(rows)
		if err != nil {
			return nil, err
		}
		if hb.Status == model.KioskOnline {
			online++
		}
		out = append(out, hb)
	}
	kiosksOnline.Set(float64(online))
	return out, rows.Err()
}

func scanHeartbeat(row interface{ Scan(dest ...any) error }) (*model.Heartbeat, error) {
	var (
		hb          model.Heartbeat
		lastSeen    string
		zone        sql.NullString
		version     sql.NullString
		telemetry   sql.NullString
		telemetryAt sql.NullString
	)
	if err := row.Scan(&hb.KioskID, &lastSeen, &zone, &hb.Status, &version, &telemetry, &telemetryAt); err != nil {
		return nil, err
	}

	seen, err := time.Parse(time.RFC3339Nano, lastSeen)
	if err != nil {
		return nil, fmt.Errorf("fleet: bad last_seen %q: %w", lastSeen, err)
	}
	hb.LastSeen = seen
	hb.Zone = zone.String
	hb.Version = version.String
	if telemetry.Valid {
		hb.TelemetryData = json.RawMessage(telemetry.String)
	}
	if telemetryAt.Valid {
		at, err := time.Parse(time.RFC3339Nano, telemetryAt.String)
		if err != nil {
			return nil, fmt.Errorf("fleet: bad last_telemetry_update: %w", err)
		}
		hb.LastTelemetryUpdate = at
	}
	return &hb, nil
}

func (t *Tracker) emitStatus(ctx context.Context, kioskID string, evType model.EventType) {
	ev := model.Event{
		Timestamp: time.Now(),
		KioskID:   kioskID,
		Type:      evType,
	}
	if err := t.events.Append(ctx, ev); err != nil {
		t.logger.Warn().Err(err).Str(log.FieldKioskID, kioskID).Msg("status event append failed")
	}
}
