// SPDX-License-Identifier: MIT

package locker

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/dolaplink/lockerd/internal/model"
)

const maxDisplayNameLen = 20

// turkishLetters are accepted in display names in addition to ASCII letters.
const turkishLetters = "çÇğĞıİöÖşŞüÜ"

var turkishLower = cases.Lower(language.Turkish)

// NameError is a display-name validation failure with a user-facing reason
// key and, for overflow, a truncated suggestion.
type NameError struct {
	Reason     string // i18n key
	Suggestion string
}

func (e *NameError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("display name rejected (%s), suggestion %q", e.Reason, e.Suggestion)
	}
	return fmt.Sprintf("display name rejected (%s)", e.Reason)
}

// ValidateDisplayName trims the name and checks it against the grammar:
// letters (ASCII or Turkish), digits, spaces, hyphens, and dots, at most 20
// runes after trimming. It returns the trimmed form. Validation is
// idempotent under trimming.
func ValidateDisplayName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", nil
	}

	if len([]rune(trimmed)) > maxDisplayNameLen {
		return "", &NameError{
			Reason:     "msg.name_too_long",
			Suggestion: string([]rune(trimmed)[:maxDisplayNameLen]),
		}
	}

	for _, r := range trimmed {
		if !validNameRune(r) {
			return "", &NameError{Reason: "msg.name_invalid_char"}
		}
	}
	return trimmed, nil
}

func validNameRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == ' ', r == '-', r == '.':
		return true
	}
	return strings.ContainsRune(turkishLetters, r)
}

// NormalizeDisplayName produces the per-kiosk uniqueness key: trimmed,
// inner whitespace collapsed, lowered with Turkish casing rules so that
// "İÇ" and "iç" collide.
func NormalizeDisplayName(name string) string {
	collapsed := strings.Join(strings.Fields(name), " ")
	return turkishLower.String(collapsed)
}

// SetDisplayName validates and stores a locker display name; an empty name
// clears it. Uniqueness is case- and whitespace-insensitive per kiosk.
func (m *Manager) SetDisplayName(ctx context.Context, kioskID string, id int, name string) error {
	trimmed, err := ValidateDisplayName(name)
	if err != nil {
		return err
	}

	if trimmed != "" {
		all, err := m.store.ListLockers(ctx, kioskID)
		if err != nil {
			return err
		}
		key := NormalizeDisplayName(trimmed)
		for _, other := range all {
			if other.ID == id || other.DisplayName == "" {
				continue
			}
			if NormalizeDisplayName(other.DisplayName) == key {
				return &NameError{Reason: "msg.name_taken"}
			}
		}
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		l, err := m.store.GetLocker(ctx, kioskID, id)
		if err != nil {
			return err
		}
		if l == nil {
			return ErrNotFound
		}

		l.DisplayName = trimmed

		ok, err := m.store.UpdateLockerCAS(ctx, l)
		if err != nil {
			return err
		}
		if ok {
			m.bus.PublishState(ctx, l)
			return nil
		}
	}
	return fmt.Errorf("locker: display name update lost version race")
}

// SetVIP flags or unflags a locker as VIP. VIP lockers never appear in the
// user-assignable pool; clearing the flag on an actively held VIP locker is
// refused so the contract binding is released first.
func (m *Manager) SetVIP(ctx context.Context, kioskID string, id int, vip bool, staffUser string) (bool, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		l, err := m.store.GetLocker(ctx, kioskID, id)
		if err != nil {
			return false, err
		}
		if l == nil {
			return false, ErrNotFound
		}
		if l.IsVIP == vip {
			return true, nil
		}
		if !vip && l.Status.Active() && l.OwnerType == model.OwnerVIP {
			return false, nil
		}

		l.IsVIP = vip

		ok, err := m.store.UpdateLockerCAS(ctx, l)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}

		evType := model.EventVIPRelease
		if vip {
			evType = model.EventVIPAssign
		}
		m.emit(ctx, l, evType, model.Event{StaffUser: staffUser}, map[string]any{"is_vip": vip})
		m.bus.PublishState(ctx, l)
		return true, nil
	}
	return false, nil
}
