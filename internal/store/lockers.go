// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/dolaplink/lockerd/internal/model"
)

const lockerColumns = `kiosk_id, id, status, owner_type, owner_key, reserved_at, owned_at, version, is_vip, display_name, updated_at`

// EnsureLockers creates locker rows 1..count for a kiosk if they do not
// exist yet. Existing rows are left untouched; lockers are never deleted.
func (s *Store) EnsureLockers(ctx context.Context, kioskID string, count int) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := formatTime(time.Now())
	for id := 1; id <= count; id++ {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO lockers (kiosk_id, id, status, version, updated_at) VALUES (?, ?, 'Free', 0, ?)`,
			kioskID, id, now)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetLocker returns the locker or nil when the row does not exist.
func (s *Store) GetLocker(ctx context.Context, kioskID string, id int) (*model.Locker, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+lockerColumns+` FROM lockers WHERE kiosk_id = ? AND id = ?`, kioskID, id)
	return scanLocker(row)
}

// ListLockers returns every locker of a kiosk ordered by id.
func (s *Store) ListLockers(ctx context.Context, kioskID string) ([]*model.Locker, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+lockerColumns+` FROM lockers WHERE kiosk_id = ? ORDER BY id`, kioskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectLockers(rows)
}

// AvailableLockers returns Free, non-VIP lockers ordered by id, optionally
// restricted to an allow-list of ids.
func (s *Store) AvailableLockers(ctx context.Context, kioskID string, allowedIDs []int) ([]*model.Locker, error) {
	query := `SELECT ` + lockerColumns + ` FROM lockers WHERE kiosk_id = ? AND status = 'Free' AND is_vip = 0`
	args := []any{kioskID}
	if len(allowedIDs) > 0 {
		query += ` AND id IN (` + placeholders(len(allowedIDs)) + `)`
		for _, id := range allowedIDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY id`

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectLockers(rows)
}

// OldestAvailableLocker returns the Free, non-VIP locker with the smallest
// updated_at (id breaks ties) so that assignment spreads relay wear.
// Returns nil when the kiosk has no available locker.
func (s *Store) OldestAvailableLocker(ctx context.Context, kioskID string, allowedIDs []int) (*model.Locker, error) {
	query := `SELECT ` + lockerColumns + ` FROM lockers WHERE kiosk_id = ? AND status = 'Free' AND is_vip = 0`
	args := []any{kioskID}
	if len(allowedIDs) > 0 {
		query += ` AND id IN (` + placeholders(len(allowedIDs)) + `)`
		for _, id := range allowedIDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY updated_at ASC, id ASC LIMIT 1`

	row := s.DB.QueryRowContext(ctx, query, args...)
	return scanLocker(row)
}

// FindActiveByOwner returns the locker actively held (Owned or Opening) by
// the given owner, or nil. At most one such row exists per owner; this is
// the site-wide one-owner-one-locker lookup.
func (s *Store) FindActiveByOwner(ctx context.Context, ownerType model.OwnerType, ownerKey string) (*model.Locker, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+lockerColumns+` FROM lockers
		 WHERE owner_type = ? AND owner_key = ? AND status IN ('Owned','Opening')
		 ORDER BY kiosk_id, id LIMIT 1`,
		string(ownerType), ownerKey)
	return scanLocker(row)
}

// ExpiredOwned returns Owned lockers whose reservation is older than cutoff.
func (s *Store) ExpiredOwned(ctx context.Context, cutoff time.Time) ([]*model.Locker, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+lockerColumns+` FROM lockers
		 WHERE status = 'Owned' AND reserved_at IS NOT NULL AND reserved_at <= ?
		 ORDER BY kiosk_id, id`,
		formatTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectLockers(rows)
}

// ErrorLockers returns lockers currently in the Error state for a kiosk.
func (s *Store) ErrorLockers(ctx context.Context, kioskID string) ([]*model.Locker, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+lockerColumns+` FROM lockers WHERE kiosk_id = ? AND status = 'Error' ORDER BY id`, kioskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectLockers(rows)
}

// UpdateLockerCAS writes every mutable locker field under the optimistic
// predicate `version = l.Version`. It returns false with a nil error when a
// concurrent writer got there first (zero rows matched). On success the
// in-memory record is advanced to the stored version and timestamp.
func (s *Store) UpdateLockerCAS(ctx context.Context, l *model.Locker) (bool, error) {
	now := time.Now()
	res, err := s.DB.ExecContext(ctx,
		`UPDATE lockers SET
			status = ?, owner_type = ?, owner_key = ?, reserved_at = ?, owned_at = ?,
			is_vip = ?, display_name = ?, version = version + 1, updated_at = ?
		 WHERE kiosk_id = ? AND id = ? AND version = ?`,
		string(l.Status),
		emptyToNull(string(l.OwnerType)),
		emptyToNull(l.OwnerKey),
		timeToNullString(l.ReservedAt),
		timeToNullString(l.OwnedAt),
		boolToInt(l.IsVIP),
		emptyToNull(l.DisplayName),
		formatTime(now),
		l.KioskID, l.ID, l.Version,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	l.Version++
	l.UpdatedAt = now
	return true, nil
}

// --- scan helpers ---

func scanLocker(scanner interface{ Scan(dest ...any) error }) (*model.Locker, error) {
	var l model.Locker
	var ownerType, ownerKey, displayName sql.NullString
	var reservedAt, ownedAt, updatedAt sql.NullString
	var isVIP int

	err := scanner.Scan(
		&l.KioskID, &l.ID, &l.Status, &ownerType, &ownerKey,
		&reservedAt, &ownedAt, &l.Version, &isVIP, &displayName, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	l.OwnerType = model.OwnerType(ownerType.String)
	l.OwnerKey = ownerKey.String
	l.IsVIP = isVIP != 0
	l.DisplayName = displayName.String
	if l.ReservedAt, err = nullStringToTime(reservedAt); err != nil {
		return nil, err
	}
	if l.OwnedAt, err = nullStringToTime(ownedAt); err != nil {
		return nil, err
	}
	if l.UpdatedAt, err = nullStringToTime(updatedAt); err != nil {
		return nil, err
	}
	return &l, nil
}

func collectLockers(rows *sql.Rows) ([]*model.Locker, error) {
	var out []*model.Locker
	for rows.Next() {
		l, err := scanLocker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func emptyToNull(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
