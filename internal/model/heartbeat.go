// SPDX-License-Identifier: MIT

package model

import (
	"encoding/json"
	"time"
)

// Heartbeat is the per-kiosk liveness row, updated in place on every beat.
type Heartbeat struct {
	KioskID             string          `json:"kiosk_id"`
	LastSeen            time.Time       `json:"last_seen"`
	Zone                string          `json:"zone,omitempty"`
	Status              KioskStatus     `json:"status"`
	Version             string          `json:"version,omitempty"`
	TelemetryData       json.RawMessage `json:"telemetry_data,omitempty"` // latest snapshot, may be nil
	LastTelemetryUpdate time.Time       `json:"last_telemetry_update,omitzero"`
}
