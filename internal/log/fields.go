// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldKioskID   = "kiosk_id"
	FieldLockerID  = "locker_id"
	FieldCommandID = "command_id"
	FieldSessionID = "session_id"
	FieldStaffUser = "staff_user"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldTrigger  = "trigger"

	// Owner fields
	FieldOwnerType = "owner_type"
)
