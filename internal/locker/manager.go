// SPDX-License-Identifier: MIT

package locker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/dolaplink/lockerd/internal/log"
	"github.com/dolaplink/lockerd/internal/model"
	"github.com/dolaplink/lockerd/internal/store"
)

// ErrNotFound is returned when the referenced locker row does not exist.
var ErrNotFound = errors.New("locker: not found")

// casAttempts bounds the local retry on a version conflict. One retry is
// enough: a second conflict means a writer is actively racing us and the
// caller gets a logical failure.
const casAttempts = 2

// Manager applies locker state transitions. All mutations run the same
// sequence: read, guard against the transition table, CAS write, emit audit
// event, publish state_update. No other component may update locker rows.
type Manager struct {
	store  *store.Store
	events EventSink
	bus    StatePublisher
	logger zerolog.Logger
}

// NewManager wires the state manager to its store and sinks.
func NewManager(st *store.Store, events EventSink, bus StatePublisher) *Manager {
	if events == nil {
		events = NopEventSink{}
	}
	if bus == nil {
		bus = NopPublisher{}
	}
	return &Manager{
		store:  st,
		events: events,
		bus:    bus,
		logger: log.WithComponent("locker"),
	}
}

// Assign transitions a Free locker to Owned for the given owner. It returns
// false when the locker is missing, not Free, VIP-reserved, or when the owner
// already holds a locker site-wide. VIP contract bindings go through
// AssignVIP, which carries the staff attribution. Storage errors propagate.
func (m *Manager) Assign(ctx context.Context, kioskID string, id int, ownerType model.OwnerType, ownerKey string) (bool, error) {
	if ownerKey == "" || ownerType == model.OwnerNone || ownerType == model.OwnerVIP {
		return false, nil
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		l, err := m.store.GetLocker(ctx, kioskID, id)
		if err != nil {
			return false, err
		}
		if l == nil {
			return false, ErrNotFound
		}
		if _, ok := TransitionFor(l.Status, TriggerAssign); !ok {
			return false, nil
		}
		if l.IsVIP {
			return false, nil
		}

		existing, err := m.store.FindActiveByOwner(ctx, ownerType, ownerKey)
		if err != nil {
			return false, err
		}
		if existing != nil {
			return false, nil
		}

		l.Status = model.StatusOwned
		l.OwnerType = ownerType
		l.OwnerKey = ownerKey
		l.ReservedAt = time.Now()
		l.OwnedAt = time.Time{}

		ok, err := m.store.UpdateLockerCAS(ctx, l)
		if err != nil {
			return false, err
		}
		if !ok {
			continue // version conflict, retry once
		}

		m.emit(ctx, l, assignEventType(ownerType), eventIdentity(ownerType, ownerKey), nil)
		m.bus.PublishState(ctx, l)
		return true, nil
	}
	return false, nil
}

// Release frees an Owned or Opening locker when the caller presents the
// current owner credentials. Returns false on owner mismatch. VIP contract
// bindings are released by staff through ReleaseVIP.
func (m *Manager) Release(ctx context.Context, kioskID string, id int, ownerType model.OwnerType, ownerKey string) (bool, error) {
	if ownerType == model.OwnerVIP {
		return false, nil
	}
	for attempt := 0; attempt < casAttempts; attempt++ {
		l, err := m.store.GetLocker(ctx, kioskID, id)
		if err != nil {
			return false, err
		}
		if l == nil {
			return false, ErrNotFound
		}
		if _, ok := TransitionFor(l.Status, TriggerRelease); !ok {
			return false, nil
		}
		if !l.OwnedBy(ownerType, ownerKey) {
			return false, nil
		}

		evType := releaseEventType(l.OwnerType)
		identity := eventIdentity(l.OwnerType, l.OwnerKey)
		clearOwner(l)

		ok, err := m.store.UpdateLockerCAS(ctx, l)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}

		m.emit(ctx, l, evType, identity, nil)
		m.bus.PublishState(ctx, l)
		return true, nil
	}
	return false, nil
}

// ConfirmOpening moves Owned to Opening after the executor reports a
// successful pulse, recording owned_at.
func (m *Manager) ConfirmOpening(ctx context.Context, kioskID string, id int, ownerType model.OwnerType, ownerKey string) (bool, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		l, err := m.store.GetLocker(ctx, kioskID, id)
		if err != nil {
			return false, err
		}
		if l == nil {
			return false, ErrNotFound
		}
		if _, ok := TransitionFor(l.Status, TriggerConfirmOpening); !ok {
			return false, nil
		}
		if !l.OwnedBy(ownerType, ownerKey) {
			return false, nil
		}

		l.Status = model.StatusOpening
		l.OwnedAt = time.Now()

		ok, err := m.store.UpdateLockerCAS(ctx, l)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}

		m.bus.PublishState(ctx, l)
		return true, nil
	}
	return false, nil
}

// MarkHardwareError records an executor failure: Opening transitions to
// Error. The structured hardware_operation_failed event is emitted by the
// executor itself.
func (m *Manager) MarkHardwareError(ctx context.Context, kioskID string, id int) (bool, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		l, err := m.store.GetLocker(ctx, kioskID, id)
		if err != nil {
			return false, err
		}
		if l == nil {
			return false, ErrNotFound
		}
		if _, ok := TransitionFor(l.Status, TriggerHardwareError); !ok {
			return false, nil
		}

		clearOwner(l)
		l.Status = model.StatusError

		ok, err := m.store.UpdateLockerCAS(ctx, l)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}

		m.bus.PublishState(ctx, l)
		return true, nil
	}
	return false, nil
}

// Recover clears the Error state back to Free. by is either a staff user or
// "clean_open" when the executor closed the error after a successful pulse.
func (m *Manager) Recover(ctx context.Context, kioskID string, id int, by string) (bool, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		l, err := m.store.GetLocker(ctx, kioskID, id)
		if err != nil {
			return false, err
		}
		if l == nil {
			return false, ErrNotFound
		}
		if _, ok := TransitionFor(l.Status, TriggerRecover); !ok {
			return false, nil
		}

		clearOwner(l)

		ok, err := m.store.UpdateLockerCAS(ctx, l)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}

		m.emit(ctx, l, model.EventHardwareRecovered, model.Event{}, map[string]any{"recovered_by": by})
		m.bus.PublishState(ctx, l)
		return true, nil
	}
	return false, nil
}

// StaffBlock takes a Free or Owned locker out of service.
func (m *Manager) StaffBlock(ctx context.Context, kioskID string, id int, staffUser, reason string) (bool, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		l, err := m.store.GetLocker(ctx, kioskID, id)
		if err != nil {
			return false, err
		}
		if l == nil {
			return false, ErrNotFound
		}
		if _, ok := TransitionFor(l.Status, TriggerStaffBlock); !ok {
			return false, nil
		}

		clearOwner(l)
		l.Status = model.StatusBlocked

		ok, err := m.store.UpdateLockerCAS(ctx, l)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}

		m.emit(ctx, l, model.EventStaffBlock, model.Event{StaffUser: staffUser}, map[string]any{"reason": reason})
		m.bus.PublishState(ctx, l)
		return true, nil
	}
	return false, nil
}

// StaffUnblock returns a Blocked locker to service.
func (m *Manager) StaffUnblock(ctx context.Context, kioskID string, id int, staffUser string) (bool, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		l, err := m.store.GetLocker(ctx, kioskID, id)
		if err != nil {
			return false, err
		}
		if l == nil {
			return false, ErrNotFound
		}
		if _, ok := TransitionFor(l.Status, TriggerStaffUnblock); !ok {
			return false, nil
		}

		clearOwner(l)

		ok, err := m.store.UpdateLockerCAS(ctx, l)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}

		m.emit(ctx, l, model.EventStaffUnblock, model.Event{StaffUser: staffUser}, nil)
		m.bus.PublishState(ctx, l)
		return true, nil
	}
	return false, nil
}

// ForceTransition is the staff override: it bypasses the transition table
// and always leaves a forced_transition audit trail.
func (m *Manager) ForceTransition(ctx context.Context, kioskID string, id int, to model.Status, staffUser, reason string) error {
	if !to.Valid() {
		return errors.New("locker: invalid target state")
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		l, err := m.store.GetLocker(ctx, kioskID, id)
		if err != nil {
			return err
		}
		if l == nil {
			return ErrNotFound
		}

		from := l.Status
		if !to.Active() {
			clearOwner(l)
		}
		l.Status = to

		ok, err := m.store.UpdateLockerCAS(ctx, l)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		m.emit(ctx, l, model.EventForcedTransition, model.Event{StaffUser: staffUser}, map[string]any{
			"forced_transition": true,
			"from":              string(from),
			"to":                string(to),
			"reason":            reason,
		})
		m.bus.PublishState(ctx, l)

		m.logger.Warn().
			Str(log.FieldKioskID, kioskID).
			Int(log.FieldLockerID, id).
			Str(log.FieldOldState, string(from)).
			Str(log.FieldNewState, string(to)).
			Str(log.FieldStaffUser, staffUser).
			Msg("forced state transition")
		return nil
	}
	return errors.New("locker: force transition lost version race")
}

// GetLocker returns a single locker record.
func (m *Manager) GetLocker(ctx context.Context, kioskID string, id int) (*model.Locker, error) {
	return m.store.GetLocker(ctx, kioskID, id)
}

// ListLockers returns every locker of a kiosk ordered by id.
func (m *Manager) ListLockers(ctx context.Context, kioskID string) ([]*model.Locker, error) {
	return m.store.ListLockers(ctx, kioskID)
}

// GetAvailable lists Free, non-VIP lockers for a kiosk ordered by id.
func (m *Manager) GetAvailable(ctx context.Context, kioskID string, allowedIDs []int) ([]*model.Locker, error) {
	return m.store.AvailableLockers(ctx, kioskID, allowedIDs)
}

// GetOldestAvailable returns the least-recently-touched available locker.
func (m *Manager) GetOldestAvailable(ctx context.Context, kioskID string, allowedIDs []int) (*model.Locker, error) {
	return m.store.OldestAvailableLocker(ctx, kioskID, allowedIDs)
}

// CheckExistingOwnership returns the locker actively held by the owner, if any.
func (m *Manager) CheckExistingOwnership(ctx context.Context, ownerKey string, ownerType model.OwnerType) (*model.Locker, error) {
	return m.store.FindActiveByOwner(ctx, ownerType, ownerKey)
}

// ValidateOwnership reports whether the given owner actively holds the locker.
func (m *Manager) ValidateOwnership(ctx context.Context, kioskID string, id int, ownerKey string, ownerType model.OwnerType) (bool, error) {
	l, err := m.store.GetLocker(ctx, kioskID, id)
	if err != nil {
		return false, err
	}
	if l == nil {
		return false, nil
	}
	return l.OwnedBy(ownerType, ownerKey), nil
}

// --- helpers ---

func clearOwner(l *model.Locker) {
	l.Status = model.StatusFree
	l.OwnerType = model.OwnerNone
	l.OwnerKey = ""
	l.ReservedAt = time.Time{}
	l.OwnedAt = time.Time{}
}

func assignEventType(t model.OwnerType) model.EventType {
	if t == model.OwnerDevice {
		return model.EventQRAssign
	}
	return model.EventRFIDAssign
}

func releaseEventType(t model.OwnerType) model.EventType {
	if t == model.OwnerDevice {
		return model.EventQRRelease
	}
	return model.EventRFIDRelease
}

func eventIdentity(t model.OwnerType, key string) model.Event {
	switch t {
	case model.OwnerRFID:
		return model.Event{RFIDCard: key}
	case model.OwnerDevice:
		return model.Event{DeviceID: key}
	default:
		return model.Event{}
	}
}

func (m *Manager) emit(ctx context.Context, l *model.Locker, evType model.EventType, identity model.Event, details map[string]any) {
	ev := model.Event{
		Timestamp: time.Now(),
		KioskID:   l.KioskID,
		LockerID:  l.ID,
		Type:      evType,
		RFIDCard:  identity.RFIDCard,
		DeviceID:  identity.DeviceID,
		StaffUser: identity.StaffUser,
	}
	if details != nil {
		if raw, err := json.Marshal(details); err == nil {
			ev.Details = raw
		}
	}
	if err := m.events.Append(ctx, ev); err != nil {
		m.logger.Warn().Err(err).
			Str(log.FieldKioskID, l.KioskID).
			Int(log.FieldLockerID, l.ID).
			Str("event_type", string(evType)).
			Msg("event append failed")
	}
}
