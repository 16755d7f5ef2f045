// SPDX-License-Identifier: MIT

// Package events is the append-only audit log. Every record is sanitized at
// the door: client addresses are stored as short hashes and user agents are
// truncated, so raw personal data never reaches disk.
package events

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/dolaplink/lockerd/internal/log"
	"github.com/dolaplink/lockerd/internal/model"
	"github.com/dolaplink/lockerd/internal/store"
)

var eventsAppended = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "lockerd",
		Name:      "events_appended_total",
		Help:      "Audit events written, by type",
	},
	[]string{"event_type"},
)

const maxUserAgentLen = 100

// Logger writes and queries the audit log.
type Logger struct {
	store  *store.Store
	logger zerolog.Logger
}

// NewLogger creates the audit logger over the site store.
func NewLogger(st *store.Store) *Logger {
	return &Logger{store: st, logger: log.WithComponent("events")}
}

// Append sanitizes and persists one event. A zero timestamp is stamped with
// the current time. Staff-family events without a staff_user are rejected.
func (l *Logger) Append(ctx context.Context, ev model.Event) error {
	if ev.Type == "" {
		return fmt.Errorf("events: missing event type")
	}
	if ev.Type.Staff() && ev.StaffUser == "" {
		return fmt.Errorf("events: %s requires staff_user", ev.Type)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	ipHash := HashIP(ev.IPAddress)
	details, err := foldUserAgent(ev.Details, ev.UserAgent)
	if err != nil {
		return fmt.Errorf("events: bad details payload: %w", err)
	}

	_, err = l.store.DB.ExecContext(ctx, `
		INSERT INTO events (timestamp, kiosk_id, locker_id, event_type,
			rfid_card, device_id, staff_user, ip_address, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		store.FormatTime(ev.Timestamp),
		ev.KioskID,
		nullInt(ev.LockerID),
		string(ev.Type),
		nullStr(ev.RFIDCard),
		nullStr(ev.DeviceID),
		nullStr(ev.StaffUser),
		nullStr(ipHash),
		nullStr(details),
	)
	if err != nil {
		return fmt.Errorf("events: append failed: %w", err)
	}

	eventsAppended.WithLabelValues(string(ev.Type)).Inc()
	return nil
}

// HashIP reduces an address to "hash_" plus 16 hex chars. Empty in, empty
// out; already-hashed values pass through unchanged.
func HashIP(ip string) string {
	if ip == "" || strings.HasPrefix(ip, "hash_") {
		return ip
	}
	sum := sha256.Sum256([]byte(ip))
	return "hash_" + hex.EncodeToString(sum[:8])
}

// foldUserAgent merges the truncated user agent into the details object.
func foldUserAgent(details json.RawMessage, ua string) (string, error) {
	if ua == "" {
		return string(details), nil
	}
	if runes := []rune(ua); len(runes) > maxUserAgentLen {
		ua = string(runes[:maxUserAgentLen]) + "..."
	}

	obj := map[string]any{}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &obj); err != nil {
			return "", err
		}
	}
	obj["user_agent"] = ua
	merged, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	return string(merged), nil
}

// Filter narrows a Query. Zero values mean "no constraint".
type Filter struct {
	KioskID   string
	LockerID  int
	Type      model.EventType
	RFIDCard  string
	StaffUser string
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// Query returns matching events, newest first. Limit defaults to 100 and is
// capped at 1000.
func (l *Logger) Query(ctx context.Context, f Filter) ([]model.Event, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		conds = append(conds, cond)
		args = append(args, arg)
	}

	if f.KioskID != "" {
		add("kiosk_id = ?", f.KioskID)
	}
	if f.LockerID > 0 {
		add("locker_id = ?", f.LockerID)
	}
	if f.Type != "" {
		add("event_type = ?", string(f.Type))
	}
	if f.RFIDCard != "" {
		add("rfid_card = ?", f.RFIDCard)
	}
	if f.StaffUser != "" {
		add("staff_user = ?", f.StaffUser)
	}
	if !f.Since.IsZero() {
		add("timestamp >= ?", store.FormatTime(f.Since))
	}
	if !f.Until.IsZero() {
		add("timestamp < ?", store.FormatTime(f.Until))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	q := `SELECT id, timestamp, kiosk_id, locker_id, event_type,
		rfid_card, device_id, staff_user, ip_address, details FROM events`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := l.store.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("events: query failed: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvent(row interface{ Scan(dest ...any) error }) (model.Event, error) {
	var (
		ev       model.Event
		ts       string
		lockerID sql.NullInt64
		card     sql.NullString
		device   sql.NullString
		staff    sql.NullString
		ip       sql.NullString
		details  sql.NullString
	)
	if err := row.Scan(&ev.ID, &ts, &ev.KioskID, &lockerID, &ev.Type,
		&card, &device, &staff, &ip, &details); err != nil {
		return model.Event{}, fmt.Errorf("events: scan failed: %w", err)
	}

	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return model.Event{}, fmt.Errorf("events: bad timestamp %q: %w", ts, err)
	}
	ev.Timestamp = parsed
	ev.LockerID = int(lockerID.Int64)
	ev.RFIDCard = card.String
	ev.DeviceID = device.String
	ev.StaffUser = staff.String
	ev.IPAddress = ip.String
	if details.Valid {
		ev.Details = json.RawMessage(details.String)
	}
	return ev, nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(n int) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(n), Valid: true}
}
