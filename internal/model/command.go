// SPDX-License-Identifier: MIT

package model

import (
	"encoding/json"
	"time"
)

// Command is a durable staff operation queued for a kiosk. Delivery is
// at-least-once: executors must treat a command whose status is no longer
// pending as already handled.
type Command struct {
	CommandID   string          `json:"command_id"`
	KioskID     string          `json:"kiosk_id"`
	Type        CommandType     `json:"command_type"`
	Payload     json.RawMessage `json:"payload"`
	Status      CommandStatus   `json:"status"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	NextAttempt time.Time       `json:"next_attempt_at"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ExecutedAt  time.Time       `json:"executed_at,omitzero"`
	CompletedAt time.Time       `json:"completed_at,omitzero"`
}

// OpenLockerPayload is the payload for CommandOpenLocker, CommandBlockLocker
// and CommandUnblockLocker (wire key varies by command type).
type OpenLockerPayload struct {
	LockerID  int    `json:"locker_id"`
	StaffUser string `json:"staff_user,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// BulkOpenPayload is the payload for CommandBulkOpen.
type BulkOpenPayload struct {
	LockerIDs  []int  `json:"locker_ids"`
	StaffUser  string `json:"staff_user"`
	ExcludeVIP bool   `json:"exclude_vip"`
	IntervalMS int    `json:"interval_ms"`
}

// EncodePayload wraps a typed payload under its command-type wire key, e.g.
// {"open_locker": {...}}.
func EncodePayload(t CommandType, v any) (json.RawMessage, error) {
	return json.Marshal(map[CommandType]any{t: v})
}

// DecodeOpenLocker unwraps a single-locker payload from the wire envelope.
func (c *Command) DecodeOpenLocker() (OpenLockerPayload, error) {
	var envelope map[CommandType]OpenLockerPayload
	if err := json.Unmarshal(c.Payload, &envelope); err != nil {
		return OpenLockerPayload{}, err
	}
	return envelope[c.Type], nil
}

// DecodeBulkOpen unwraps a bulk-open payload from the wire envelope.
func (c *Command) DecodeBulkOpen() (BulkOpenPayload, error) {
	var envelope map[CommandType]BulkOpenPayload
	if err := json.Unmarshal(c.Payload, &envelope); err != nil {
		return BulkOpenPayload{}, err
	}
	return envelope[c.Type], nil
}
