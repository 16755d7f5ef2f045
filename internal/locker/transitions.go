// SPDX-License-Identifier: MIT

// Package locker is the in-process authority over the locker state machine.
// Every mutation of a locker row goes through the Manager in this package;
// transitions are validated against a declarative table and committed with
// the store's version CAS.
package locker

import "github.com/dolaplink/lockerd/internal/model"

// Trigger names a cause for a state transition.
type Trigger string

const (
	TriggerAssign         Trigger = "assign"
	TriggerConfirmOpening Trigger = "confirm_opening"
	TriggerRelease        Trigger = "release"
	TriggerTimeout        Trigger = "timeout"
	TriggerStaffBlock     Trigger = "staff_block"
	TriggerStaffUnblock   Trigger = "staff_unblock"
	TriggerHardwareError  Trigger = "hardware_error"
	TriggerRecover        Trigger = "recover"
	TriggerForce          Trigger = "force_transition"
)

// Transition is a single allowed edge in the locker state machine.
type Transition struct {
	From    model.Status
	To      model.Status
	Trigger Trigger
}

var transitionsTable = []Transition{
	// Assignment path
	{From: model.StatusFree, To: model.StatusOwned, Trigger: TriggerAssign},
	{From: model.StatusOwned, To: model.StatusOpening, Trigger: TriggerConfirmOpening},

	// Release paths
	{From: model.StatusOwned, To: model.StatusFree, Trigger: TriggerRelease},
	{From: model.StatusOpening, To: model.StatusFree, Trigger: TriggerRelease},
	{From: model.StatusOwned, To: model.StatusFree, Trigger: TriggerTimeout},

	// Staff block / unblock
	{From: model.StatusFree, To: model.StatusBlocked, Trigger: TriggerStaffBlock},
	{From: model.StatusOwned, To: model.StatusBlocked, Trigger: TriggerStaffBlock},
	{From: model.StatusBlocked, To: model.StatusFree, Trigger: TriggerStaffUnblock},

	// Hardware failure and recovery. Owned is included because the pulse
	// can fail before the opening is ever confirmed.
	{From: model.StatusOwned, To: model.StatusError, Trigger: TriggerHardwareError},
	{From: model.StatusOpening, To: model.StatusError, Trigger: TriggerHardwareError},
	{From: model.StatusError, To: model.StatusFree, Trigger: TriggerRecover},
}

// TransitionFor returns the allowed transition for a given state+trigger.
// TriggerForce is intentionally absent from the table: staff overrides bypass
// it and are always audit-logged.
func TransitionFor(from model.Status, tr Trigger) (Transition, bool) {
	for _, t := range transitionsTable {
		if t.From == from && t.Trigger == tr {
			return t, true
		}
	}
	return Transition{}, false
}
