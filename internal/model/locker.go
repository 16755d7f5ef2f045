// SPDX-License-Identifier: MIT

package model

import "time"

// Locker is one relay-driven door on a kiosk. The composite key is
// (KioskID, ID); Version implements the optimistic CAS protocol and every
// successful mutation bumps it by exactly one.
type Locker struct {
	KioskID     string    `json:"kiosk_id"`
	ID          int       `json:"id"`
	Status      Status    `json:"status"`
	OwnerType   OwnerType `json:"owner_type,omitempty"`
	OwnerKey    string    `json:"owner_key,omitempty"`
	ReservedAt  time.Time `json:"reserved_at,omitzero"`
	OwnedAt     time.Time `json:"owned_at,omitzero"`
	Version     int64     `json:"version"`
	IsVIP       bool      `json:"is_vip"`
	DisplayName string    `json:"display_name,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Owned reports whether the locker currently has an active owner.
func (l *Locker) Owned() bool {
	return l.Status.Active()
}

// OwnedBy reports whether key/typ match the current active owner.
func (l *Locker) OwnedBy(typ OwnerType, key string) bool {
	return l.Status.Active() && l.OwnerType == typ && l.OwnerKey == key
}
