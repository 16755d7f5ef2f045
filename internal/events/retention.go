// SPDX-License-Identifier: MIT

package events

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/dolaplink/lockerd/internal/model"
	"github.com/dolaplink/lockerd/internal/store"
)

// RetentionConfig controls the privacy sweep. Regular events are deleted
// after EventRetention, staff and audit events after AuditRetention, and an
// optional anonymization pass rewrites identifiers past AnonymizeAfter.
type RetentionConfig struct {
	EventRetention  time.Duration
	AuditRetention  time.Duration
	AnonymizeAfter  time.Duration
	AnonymizeIDs    bool
	Interval        time.Duration
}

// DefaultRetention returns the 30/90 day policy with a daily sweep and
// anonymization at the regular-retention age.
func DefaultRetention() RetentionConfig {
	return RetentionConfig{
		EventRetention: 30 * 24 * time.Hour,
		AuditRetention: 90 * 24 * time.Hour,
		AnonymizeAfter: 30 * 24 * time.Hour,
		AnonymizeIDs:   true,
		Interval:       24 * time.Hour,
	}
}

// RetentionStats summarises one sweep pass.
type RetentionStats struct {
	Deleted    int64 `json:"deleted"`
	Anonymized int64 `json:"anonymized"`
}

// AnonymizeKey reduces an identifier to "anon_" plus 16 hex chars.
// Idempotent: already-anonymized values pass through unchanged.
func AnonymizeKey(key string) string {
	if key == "" || strings.HasPrefix(key, "anon_") {
		return key
	}
	sum := sha256.Sum256([]byte(key))
	return "anon_" + hex.EncodeToString(sum[:8])
}

// staffTypes lists the event families held to the longer audit retention.
var staffTypes = []model.EventType{
	model.EventStaffOpen, model.EventStaffBlock, model.EventStaffUnblock,
	model.EventBulkOpen, model.EventMasterPinUsed,
	model.EventVIPAssign, model.EventVIPRelease, model.EventForcedTransition,
}

func staffTypePlaceholders() (string, []any) {
	marks := make([]string, len(staffTypes))
	args := make([]any, len(staffTypes))
	for i, t := range staffTypes {
		marks[i] = "?"
		args[i] = string(t)
	}
	return strings.Join(marks, ","), args
}

// Sweep runs one retention pass against the given reference time.
func (l *Logger) Sweep(ctx context.Context, cfg RetentionConfig, now time.Time) (RetentionStats, error) {
	var stats RetentionStats

	marks, typeArgs := staffTypePlaceholders()

	regularCutoff := store.FormatTime(now.Add(-cfg.EventRetention))
	args := append([]any{regularCutoff}, typeArgs...)
	res, err := l.store.DB.ExecContext(ctx,
		"DELETE FROM events WHERE timestamp < ? AND event_type NOT IN ("+marks+")", args...)
	if err != nil {
		return stats, fmt.Errorf("events: retention delete failed: %w", err)
	}
	n, _ := res.RowsAffected()
	stats.Deleted += n

	auditCutoff := store.FormatTime(now.Add(-cfg.AuditRetention))
	args = append([]any{auditCutoff}, typeArgs...)
	res, err = l.store.DB.ExecContext(ctx,
		"DELETE FROM events WHERE timestamp < ? AND event_type IN ("+marks+")", args...)
	if err != nil {
		return stats, fmt.Errorf("events: audit retention delete failed: %w", err)
	}
	n, _ = res.RowsAffected()
	stats.Deleted += n

	if cfg.AnonymizeIDs {
		anonCutoff := store.FormatTime(now.Add(-cfg.AnonymizeAfter))
		anonymized, err := l.anonymizeBefore(ctx, anonCutoff)
		if err != nil {
			return stats, err
		}
		stats.Anonymized = anonymized
	}

	if stats.Deleted > 0 || stats.Anonymized > 0 {
		l.logger.Info().
			Int64("deleted", stats.Deleted).
			Int64("anonymized", stats.Anonymized).
			Msg("retention sweep applied")
	}
	return stats, nil
}

// anonymizeBefore rewrites rfid_card, device_id, and ip_address for records
// older than the cutoff. Rows are rewritten individually because the hash
// runs in Go, not in SQL; each pass is bounded and the daily sweep converges.
func (l *Logger) anonymizeBefore(ctx context.Context, cutoff string) (int64, error) {
	rows, err := l.store.DB.QueryContext(ctx, `
		SELECT id, rfid_card, device_id, ip_address FROM events
		WHERE timestamp < ?
		  AND ((rfid_card IS NOT NULL AND rfid_card NOT LIKE 'anon\_%' ESCAPE '\')
		    OR (device_id IS NOT NULL AND device_id NOT LIKE 'anon\_%' ESCAPE '\')
		    OR (ip_address IS NOT NULL AND ip_address NOT LIKE 'anon\_%' ESCAPE '\'))
		LIMIT 5000`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("events: anonymize scan failed: %w", err)
	}

	type target struct {
		id     int64
		card   string
		device string
		ip     string
	}
	var targets []target
	for rows.Next() {
		var (
			t      target
			card   sql.NullString
			device sql.NullString
			ip     sql.NullString
		)
		if err := rows.Scan(&t.id, &card, &device, &ip); err != nil {
			rows.Close()
			return 0, err
		}
		t.card = card.String
		t.device = device.String
		t.ip = ip.String
		targets = append(targets, t)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}

	var n int64
	for _, t := range targets {
		_, err := l.store.DB.ExecContext(ctx,
			"UPDATE events SET rfid_card = ?, device_id = ?, ip_address = ? WHERE id = ?",
			nullStr(AnonymizeKey(t.card)),
			nullStr(AnonymizeKey(t.device)),
			nullStr(AnonymizeKey(t.ip)),
			t.id)
		if err != nil {
			return n, fmt.Errorf("events: anonymize update failed: %w", err)
		}
		n++
	}
	return n, nil
}

// RunRetention sweeps on cfg.Interval until ctx is cancelled. One pass runs
// immediately on start so restarts do not postpone the policy.
func (l *Logger) RunRetention(ctx context.Context, cfg RetentionConfig) {
	if cfg.Interval <= 0 {
		cfg = DefaultRetention()
	}

	if _, err := l.Sweep(ctx, cfg, time.Now()); err != nil {
		l.logger.Error().Err(err).Msg("retention sweep failed")
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.Sweep(ctx, cfg, time.Now()); err != nil {
				l.logger.Error().Err(err).Msg("retention sweep failed")
			}
		}
	}
}
