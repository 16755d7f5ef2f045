// SPDX-License-Identifier: MIT

// Package userflow translates reader events into state transitions: the RFID
// scan/select flow and the QR toggle flow, both behind the rate limiter and
// the one-owner-one-locker rule.
package userflow

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dolaplink/lockerd/internal/locker"
	"github.com/dolaplink/lockerd/internal/log"
	"github.com/dolaplink/lockerd/internal/model"
	"github.com/dolaplink/lockerd/internal/ratelimit"
)

// Opener submits a relay open and waits for the outcome. The Modbus executor
// implements it.
type Opener interface {
	OpenLocker(ctx context.Context, id int) (bool, error)
}

// Action is the outcome kind reported back to the kiosk UI.
type Action string

const (
	ActionReleased      Action = "released"
	ActionShowAvailable Action = "show_available"
	ActionAssigned      Action = "assigned"
	ActionHardwareError Action = "hardware_error"
	ActionRejected      Action = "rejected"
)

// Result is returned by every flow entry point. Reason carries an i18n key;
// the UI layer resolves it.
type Result struct {
	Success          bool          `json:"success"`
	Action           Action        `json:"action"`
	StatusCode       int           `json:"status_code"`
	LockerID         int           `json:"locker_id,omitempty"`
	SessionID        string        `json:"session_id,omitempty"`
	AvailableLockers []int         `json:"available_lockers,omitempty"`
	Reason           string        `json:"reason,omitempty"`
	RetryAfter       time.Duration `json:"retry_after,omitempty"`
}

// Service orchestrates the user-facing flows for one kiosk.
type Service struct {
	kioskID  string
	manager  *locker.Manager
	opener   Opener
	limiter  *ratelimit.Limiter
	sessions *SessionManager
	logger   zerolog.Logger
}

// NewService wires the flow service.
func NewService(kioskID string, mgr *locker.Manager, opener Opener, limiter *ratelimit.Limiter, sessions *SessionManager) *Service {
	return &Service{
		kioskID:  kioskID,
		manager:  mgr,
		opener:   opener,
		limiter:  limiter,
		sessions: sessions,
		logger:   log.WithComponent("userflow").With().Str(log.FieldKioskID, kioskID).Logger(),
	}
}

// HandleCardScan is the RFID entry point. An owner scan releases and opens
// the held locker; a fresh scan opens a selection session.
func (s *Service) HandleCardScan(ctx context.Context, cardID, clientIP string) (Result, error) {
	if cardID == "" {
		return reject(http.StatusBadRequest, "msg.invalid_card"), nil
	}
	if r, denied := s.checkLimits(ctx, clientIP, ratelimit.ScopeCard, cardID); denied {
		return r, nil
	}

	held, err := s.manager.CheckExistingOwnership(ctx, cardID, model.OwnerRFID)
	if err != nil {
		return Result{}, err
	}

	if held != nil {
		return s.releaseAndOpen(ctx, held, model.OwnerRFID, cardID)
	}

	available, err := s.manager.GetAvailable(ctx, s.kioskID, nil)
	if err != nil {
		return Result{}, err
	}
	if len(available) == 0 {
		return reject(http.StatusConflict, "msg.no_free_lockers"), nil
	}

	ids := make([]int, len(available))
	for i, l := range available {
		ids[i] = l.ID
	}
	session := s.sessions.Open(ctx, s.kioskID, cardID, ids)

	return Result{
		Success:          true,
		Action:           ActionShowAvailable,
		StatusCode:       http.StatusOK,
		SessionID:        session.ID,
		AvailableLockers: ids,
	}, nil
}

// HandleLockerSelection assigns the chosen locker within the active session
// opened by HandleCardScan.
func (s *Service) HandleLockerSelection(ctx context.Context, cardID string, lockerID int) (Result, error) {
	session, ok := s.sessions.Active(ctx, s.kioskID)
	if !ok || session.CardID != cardID {
		return reject(http.StatusGone, "msg.session_expired"), nil
	}
	if !containsInt(session.AvailableLockers, lockerID) {
		return reject(http.StatusConflict, "msg.locker_unavailable"), nil
	}

	assigned, err := s.manager.Assign(ctx, s.kioskID, lockerID, model.OwnerRFID, cardID)
	if err != nil {
		return Result{}, err
	}
	if !assigned {
		return reject(http.StatusConflict, "msg.locker_unavailable"), nil
	}
	s.sessions.Complete(ctx, s.kioskID, lockerID)

	opened, err := s.opener.OpenLocker(ctx, lockerID)
	if err != nil {
		return Result{}, err
	}
	if !opened {
		if _, err := s.manager.MarkHardwareError(ctx, s.kioskID, lockerID); err != nil {
			return Result{}, err
		}
		return Result{
			Action:     ActionHardwareError,
			StatusCode: http.StatusInternalServerError,
			LockerID:   lockerID,
			Reason:     "msg.open_failed_call_staff",
		}, nil
	}

	if _, err := s.manager.ConfirmOpening(ctx, s.kioskID, lockerID, model.OwnerRFID, cardID); err != nil {
		return Result{}, err
	}
	return Result{
		Success:    true,
		Action:     ActionAssigned,
		StatusCode: http.StatusOK,
		LockerID:   lockerID,
	}, nil
}

// HandleQRRequest is the QR toggle: assign when free, release when the same
// device owns the locker, reject otherwise.
func (s *Service) HandleQRRequest(ctx context.Context, lockerID int, deviceID, clientIP string) (Result, error) {
	if !ValidDeviceID(deviceID) {
		return reject(http.StatusBadRequest, "msg.invalid_device"), nil
	}
	if r, denied := s.checkLimits(ctx, clientIP, ratelimit.ScopeDevice, deviceID); denied {
		return r, nil
	}
	if d := s.limiter.Check(ctx, ratelimit.ScopeLocker, ratelimit.LockerIdentity(s.kioskID, lockerID)); !d.Allowed {
		return rejectLimited(d), nil
	}

	l, err := s.manager.GetLocker(ctx, s.kioskID, lockerID)
	if err != nil {
		return Result{}, err
	}
	if l == nil {
		return reject(http.StatusNotFound, "msg.locker_not_found"), nil
	}
	if l.IsVIP {
		return reject(http.StatusLocked, "msg.vip_qr_disabled"), nil
	}

	switch {
	case l.Status == model.StatusFree:
		assigned, err := s.manager.Assign(ctx, s.kioskID, lockerID, model.OwnerDevice, deviceID)
		if err != nil {
			return Result{}, err
		}
		if !assigned {
			// Lost a race or the device already holds another locker.
			return reject(http.StatusConflict, "msg.locker_occupied"), nil
		}

		opened, err := s.opener.OpenLocker(ctx, lockerID)
		if err != nil {
			return Result{}, err
		}
		if !opened {
			if _, err := s.manager.MarkHardwareError(ctx, s.kioskID, lockerID); err != nil {
				return Result{}, err
			}
			return Result{
				Action:     ActionHardwareError,
				StatusCode: http.StatusInternalServerError,
				LockerID:   lockerID,
				Reason:     "msg.open_failed_call_staff",
			}, nil
		}
		if _, err := s.manager.ConfirmOpening(ctx, s.kioskID, lockerID, model.OwnerDevice, deviceID); err != nil {
			return Result{}, err
		}
		return Result{Success: true, Action: ActionAssigned, StatusCode: http.StatusOK, LockerID: lockerID}, nil

	case l.OwnedBy(model.OwnerDevice, deviceID):
		return s.releaseAndOpen(ctx, l, model.OwnerDevice, deviceID)

	default:
		return reject(http.StatusConflict, "msg.locker_occupied"), nil
	}
}

// releaseAndOpen opens the door first, then releases ownership; the user gets
// their belongings even when the state write races.
func (s *Service) releaseAndOpen(ctx context.Context, l *model.Locker, ownerType model.OwnerType, ownerKey string) (Result, error) {
	opened, err := s.opener.OpenLocker(ctx, l.ID)
	if err != nil {
		return Result{}, err
	}
	if !opened {
		return Result{
			Action:     ActionHardwareError,
			StatusCode: http.StatusInternalServerError,
			LockerID:   l.ID,
			Reason:     "msg.open_failed_call_staff",
		}, nil
	}

	released, err := s.manager.Release(ctx, l.KioskID, l.ID, ownerType, ownerKey)
	if err != nil {
		return Result{}, err
	}
	if !released {
		return reject(http.StatusConflict, "msg.not_owner"), nil
	}
	return Result{Success: true, Action: ActionReleased, StatusCode: http.StatusOK, LockerID: l.ID}, nil
}

// checkLimits applies the IP scope plus one identity scope.
func (s *Service) checkLimits(ctx context.Context, clientIP string, scope ratelimit.Scope, identity string) (Result, bool) {
	if clientIP != "" {
		if d := s.limiter.Check(ctx, ratelimit.ScopeIP, clientIP); !d.Allowed {
			return rejectLimited(d), true
		}
	}
	if d := s.limiter.Check(ctx, scope, identity); !d.Allowed {
		return rejectLimited(d), true
	}
	return Result{}, false
}

func reject(code int, reason string) Result {
	return Result{Action: ActionRejected, StatusCode: code, Reason: reason}
}

func rejectLimited(d ratelimit.Decision) Result {
	return Result{
		Action:     ActionRejected,
		StatusCode: http.StatusTooManyRequests,
		Reason:     d.Reason,
		RetryAfter: d.RetryAfter,
	}
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// browserHashRe matches the browser-origin fallback identity: 16 to 64 hex
// characters.
var browserHashRe = regexp.MustCompile(`^[0-9a-fA-F]{16,64}$`)

// ValidDeviceID accepts a UUIDv4 or a browser-origin hash. The value is an
// opaque owner key; it is never dereferenced externally.
func ValidDeviceID(deviceID string) bool {
	if deviceID == "" {
		return false
	}
	if _, err := uuid.Parse(deviceID); err == nil {
		return true
	}
	return browserHashRe.MatchString(deviceID)
}
