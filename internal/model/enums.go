// SPDX-License-Identifier: MIT

// Package model defines the persisted record types and enumerations shared by
// the locker control plane: lockers, queued commands, audit events, and kiosk
// heartbeats.
package model

// Status is the authoritative locker state.
type Status string

const (
	StatusFree    Status = "Free"
	StatusOwned   Status = "Owned"
	StatusOpening Status = "Opening"
	StatusBlocked Status = "Blocked"
	StatusError   Status = "Error"
)

// Valid reports whether s is one of the five known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusFree, StatusOwned, StatusOpening, StatusBlocked, StatusError:
		return true
	}
	return false
}

// Active reports whether the status counts as an active ownership for the
// one-owner-one-locker invariant.
func (s Status) Active() bool {
	return s == StatusOwned || s == StatusOpening
}

// OwnerType identifies how a locker's owner key was established.
type OwnerType string

const (
	OwnerNone   OwnerType = ""
	OwnerRFID   OwnerType = "rfid"
	OwnerDevice OwnerType = "device"
	OwnerVIP    OwnerType = "vip"
)

// CommandStatus is the queue lifecycle state of a staff command.
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandExecuting CommandStatus = "executing"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
	CommandCancelled CommandStatus = "cancelled"
)

// CommandType enumerates the operations a kiosk executor understands.
type CommandType string

const (
	CommandOpenLocker    CommandType = "open_locker"
	CommandBulkOpen      CommandType = "bulk_open"
	CommandBlockLocker   CommandType = "block_locker"
	CommandUnblockLocker CommandType = "unblock_locker"
)

// Valid reports whether t is a known command type.
func (t CommandType) Valid() bool {
	switch t {
	case CommandOpenLocker, CommandBulkOpen, CommandBlockLocker, CommandUnblockLocker:
		return true
	}
	return false
}

// KioskStatus is the fleet liveness state of a kiosk.
type KioskStatus string

const (
	KioskOnline  KioskStatus = "online"
	KioskOffline KioskStatus = "offline"
)
