// SPDX-License-Identifier: MIT

package model

import (
	"encoding/json"
	"time"
)

// EventType partitions the audit log into user, staff, and system families.
type EventType string

const (
	// User actions
	EventRFIDAssign  EventType = "rfid_assign"
	EventRFIDRelease EventType = "rfid_release"
	EventQRAssign    EventType = "qr_assign"
	EventQRRelease   EventType = "qr_release"
	EventAutoRelease EventType = "auto_release"

	// Staff actions
	EventStaffOpen     EventType = "staff_open"
	EventStaffBlock    EventType = "staff_block"
	EventStaffUnblock  EventType = "staff_unblock"
	EventBulkOpen      EventType = "bulk_open"
	EventMasterPinUsed EventType = "master_pin_used"
	EventVIPAssign     EventType = "vip_assign"
	EventVIPRelease    EventType = "vip_release"

	// System events
	EventSystemRestarted    EventType = "system_restarted"
	EventKioskOnline        EventType = "kiosk_online"
	EventKioskOffline       EventType = "kiosk_offline"
	EventRateLimitViolation EventType = "rate_limit_violation"
	EventHardwareFailed     EventType = "hardware_operation_failed"
	EventHardwareRecovered  EventType = "hardware_recovered"
	EventForcedTransition   EventType = "forced_transition"
)

// Staff reports whether the event family requires a staff_user attribution.
func (t EventType) Staff() bool {
	switch t {
	case EventStaffOpen, EventStaffBlock, EventStaffUnblock, EventBulkOpen,
		EventMasterPinUsed, EventVIPAssign, EventVIPRelease, EventForcedTransition:
		return true
	}
	return false
}

// Event is one append-only audit record.
type Event struct {
	ID        int64           `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	KioskID   string          `json:"kiosk_id"`
	LockerID  int             `json:"locker_id,omitempty"` // 0 when the event is not locker-scoped
	Type      EventType       `json:"event_type"`
	RFIDCard  string          `json:"rfid_card,omitempty"`
	DeviceID  string          `json:"device_id,omitempty"`
	StaffUser string          `json:"staff_user,omitempty"`
	IPAddress string          `json:"ip_address,omitempty"` // raw at capture, hashed at rest
	UserAgent string          `json:"-"`                    // folded into Details at rest, truncated
	Details   json.RawMessage `json:"details,omitempty"`
}
