// SPDX-License-Identifier: MIT

package userflow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dolaplink/lockerd/internal/log"
)

// SessionStatus is the lifecycle state of one RFID selection session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
	SessionExpired   SessionStatus = "expired"
)

// Session is the short-lived selection context opened after a card scan with
// no existing ownership. It lives only in memory and dies on process exit.
type Session struct {
	ID               string
	KioskID          string
	CardID           string
	AvailableLockers []int
	CreatedAt        time.Time
	Timeout          time.Duration
	Status           SessionStatus
}

// Expired reports whether the session has outlived its timeout.
func (s *Session) Expired(now time.Time) bool {
	return now.Sub(s.CreatedAt) > s.Timeout
}

// SessionUpdate is the broadcast payload for session lifecycle changes.
type SessionUpdate struct {
	SessionID      string        `json:"session_id"`
	KioskID        string        `json:"kiosk_id"`
	Status         SessionStatus `json:"status"`
	SelectedLocker int           `json:"selected_locker,omitempty"`
	Reason         string        `json:"reason,omitempty"`
}

// SessionPublisher fans session updates out to operator views. The broadcast
// hub implements it.
type SessionPublisher interface {
	PublishSession(ctx context.Context, upd SessionUpdate)
}

// NopSessionPublisher discards updates.
type NopSessionPublisher struct{}

func (NopSessionPublisher) PublishSession(context.Context, SessionUpdate) {}

// SessionManager holds at most one active session per kiosk behind a mutex.
type SessionManager struct {
	ttl    time.Duration
	bus    SessionPublisher
	logger zerolog.Logger

	mu      sync.Mutex
	byKiosk map[string]*Session
}

// DefaultSessionTTL is the selection window after a card scan.
const DefaultSessionTTL = 25 * time.Second

// NewSessionManager creates the session tracker. bus may be nil.
func NewSessionManager(ttl time.Duration, bus SessionPublisher) *SessionManager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if bus == nil {
		bus = NopSessionPublisher{}
	}
	return &SessionManager{
		ttl:     ttl,
		bus:     bus,
		logger:  log.WithComponent("session"),
		byKiosk: make(map[string]*Session),
	}
}

// Open starts a new selection session, cancelling any prior active session on
// the same kiosk. Returns a copy of the new session.
func (sm *SessionManager) Open(ctx context.Context, kioskID, cardID string, available []int) Session {
	s := &Session{
		ID:               uuid.New().String(),
		KioskID:          kioskID,
		CardID:           cardID,
		AvailableLockers: append([]int(nil), available...),
		CreatedAt:        time.Now(),
		Timeout:          sm.ttl,
		Status:           SessionActive,
	}

	sm.mu.Lock()
	prev := sm.byKiosk[kioskID]
	sm.byKiosk[kioskID] = s
	sm.mu.Unlock()

	if prev != nil && prev.Status == SessionActive {
		sm.bus.PublishSession(ctx, SessionUpdate{
			SessionID: prev.ID,
			KioskID:   kioskID,
			Status:    SessionCancelled,
			Reason:    "superseded",
		})
	}
	sm.bus.PublishSession(ctx, SessionUpdate{SessionID: s.ID, KioskID: kioskID, Status: SessionActive})

	sm.logger.Debug().
		Str(log.FieldSessionID, s.ID).
		Str(log.FieldKioskID, kioskID).
		Int("available", len(available)).
		Msg("selection session opened")
	return *s
}

// Active returns the live session for a kiosk, or false when there is none
// or it has expired. Expired sessions are removed as a side effect.
func (sm *SessionManager) Active(ctx context.Context, kioskID string) (Session, bool) {
	now := time.Now()

	sm.mu.Lock()
	s := sm.byKiosk[kioskID]
	if s == nil || s.Status != SessionActive {
		sm.mu.Unlock()
		return Session{}, false
	}
	if s.Expired(now) {
		s.Status = SessionExpired
		delete(sm.byKiosk, kioskID)
		sm.mu.Unlock()
		sm.bus.PublishSession(ctx, SessionUpdate{
			SessionID: s.ID,
			KioskID:   kioskID,
			Status:    SessionExpired,
			Reason:    "timeout",
		})
		return Session{}, false
	}
	snapshot := *s
	sm.mu.Unlock()
	return snapshot, true
}

// Complete closes the kiosk's active session after a successful selection.
func (sm *SessionManager) Complete(ctx context.Context, kioskID string, selected int) {
	sm.mu.Lock()
	s := sm.byKiosk[kioskID]
	if s == nil {
		sm.mu.Unlock()
		return
	}
	s.Status = SessionCompleted
	delete(sm.byKiosk, kioskID)
	sm.mu.Unlock()

	sm.bus.PublishSession(ctx, SessionUpdate{
		SessionID:      s.ID,
		KioskID:        kioskID,
		Status:         SessionCompleted,
		SelectedLocker: selected,
	})
}

// Cancel drops the kiosk's active session with a reason.
func (sm *SessionManager) Cancel(ctx context.Context, kioskID, reason string) {
	sm.mu.Lock()
	s := sm.byKiosk[kioskID]
	if s == nil {
		sm.mu.Unlock()
		return
	}
	s.Status = SessionCancelled
	delete(sm.byKiosk, kioskID)
	sm.mu.Unlock()

	sm.bus.PublishSession(ctx, SessionUpdate{
		SessionID: s.ID,
		KioskID:   kioskID,
		Status:    SessionCancelled,
		Reason:    reason,
	})
}

// Sweep expires sessions past their timeout and returns how many it removed.
func (sm *SessionManager) Sweep(ctx context.Context, now time.Time) int {
	sm.mu.Lock()
	var expired []*Session
	for kioskID, s := range sm.byKiosk {
		if s.Expired(now) {
			s.Status = SessionExpired
			delete(sm.byKiosk, kioskID)
			expired = append(expired, s)
		}
	}
	sm.mu.Unlock()

	for _, s := range expired {
		sm.bus.PublishSession(ctx, SessionUpdate{
			SessionID: s.ID,
			KioskID:   s.KioskID,
			Status:    SessionExpired,
			Reason:    "timeout",
		})
	}
	return len(expired)
}

// Run sweeps expired sessions on the given interval until ctx is cancelled.
func (sm *SessionManager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.Sweep(ctx, time.Now())
		}
	}
}
