// SPDX-License-Identifier: MIT

// Package broadcast fans locker state changes out to operator views over
// WebSocket. One hub serves the whole site; a slow or dead subscriber is
// evicted without stalling the publish path.
package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/dolaplink/lockerd/internal/log"
	"github.com/dolaplink/lockerd/internal/model"
	"github.com/dolaplink/lockerd/internal/userflow"
)

var (
	subscriberCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lockerd",
			Name:      "broadcast_subscribers",
			Help:      "Connected broadcast subscribers",
		},
	)

	messagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lockerd",
			Name:      "broadcast_messages_total",
			Help:      "Broadcast messages published, by type",
		},
		[]string{"type"},
	)
)

// Message types on the wire.
const (
	TypeStateUpdate      = "state_update"
	TypeSessionUpdate    = "session_update"
	TypeConnectionStatus = "connection_status"
	TypeError            = "error"
	TypeHeartbeat        = "heartbeat"
	TypePing             = "ping"
	TypePong             = "pong"
)

// Message is the wire envelope.
type Message struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
}

// StateUpdate mirrors one locker row for operator views.
type StateUpdate struct {
	KioskID     string `json:"kiosk_id"`
	LockerID    int    `json:"locker_id"`
	State       string `json:"state"`
	OwnerKey    string `json:"owner_key,omitempty"`
	OwnerType   string `json:"owner_type,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	IsVIP       bool   `json:"is_vip"`
	LastChanged string `json:"last_changed"`
}

// ConnectionStatus reports hub health to subscribers.
type ConnectionStatus struct {
	Status           string `json:"status"`
	ConnectedClients int    `json:"connected_clients"`
	LastUpdate       string `json:"last_update"`
}

// Hub owns the subscriber set. It implements the locker manager's state
// publisher port and the session manager's session publisher port.
type Hub struct {
	logger zerolog.Logger

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}

	heartbeatInterval time.Duration
}

// NewHub creates an empty hub.
func NewHub(heartbeatInterval time.Duration) *Hub {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	return &Hub{
		logger:            log.WithComponent("broadcast"),
		subscribers:       make(map[*subscriber]struct{}),
		heartbeatInterval: heartbeatInterval,
	}
}

// PublishState emits a state_update for one locker. Called synchronously from
// the state manager's commit path, so per-locker message order matches commit
// order.
func (h *Hub) PublishState(_ context.Context, l *model.Locker) {
	h.publish(TypeStateUpdate, StateUpdate{
		KioskID:     l.KioskID,
		LockerID:    l.ID,
		State:       string(l.Status),
		OwnerKey:    l.OwnerKey,
		OwnerType:   string(l.OwnerType),
		DisplayName: l.DisplayName,
		IsVIP:       l.IsVIP,
		LastChanged: l.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

// PublishSession emits a session_update.
func (h *Hub) PublishSession(_ context.Context, upd userflow.SessionUpdate) {
	h.publish(TypeSessionUpdate, upd)
}

// PublishError emits an error message to all subscribers.
func (h *Hub) PublishError(errMsg string, details any) {
	h.publish(TypeError, map[string]any{"error": errMsg, "details": details})
}

func (h *Hub) publish(msgType string, data any) {
	msg := Message{
		Type:      msgType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msgType).Msg("message marshal failed")
		return
	}

	// Snapshot under the lock, send outside it. A full send buffer marks the
	// subscriber dead; eviction happens after the loop so the iteration is
	// never invalidated.
	h.mu.Lock()
	targets := make([]*subscriber, 0, len(h.subscribers))
	for s := range h.subscribers {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	var dead []*subscriber
	for _, s := range targets {
		select {
		case s.send <- raw:
		default:
			dead = append(dead, s)
		}
	}
	for _, s := range dead {
		h.drop(s, "send buffer full")
	}

	messagesPublished.WithLabelValues(msgType).Inc()
}

// Subscribers returns the current connection count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

func (h *Hub) add(s *subscriber) {
	h.mu.Lock()
	h.subscribers[s] = struct{}{}
	n := len(h.subscribers)
	h.mu.Unlock()

	subscriberCount.Set(float64(n))
	h.publishStatus(n)
	h.logger.Info().Int("subscribers", n).Msg("subscriber connected")
}

func (h *Hub) drop(s *subscriber, reason string) {
	h.mu.Lock()
	_, present := h.subscribers[s]
	if present {
		delete(h.subscribers, s)
	}
	n := len(h.subscribers)
	h.mu.Unlock()

	if !present {
		return
	}
	s.close()
	subscriberCount.Set(float64(n))
	h.publishStatus(n)
	h.logger.Info().Int("subscribers", n).Str("reason", reason).Msg("subscriber dropped")
}

func (h *Hub) publishStatus(clients int) {
	h.publish(TypeConnectionStatus, ConnectionStatus{
		Status:           "ok",
		ConnectedClients: clients,
		LastUpdate:       time.Now().UTC().Format(time.RFC3339),
	})
}

// Run emits periodic heartbeat messages until ctx is cancelled, then closes
// every subscriber.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case <-ticker.C:
			h.publish(TypeHeartbeat, nil)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subscribers))
	for s := range h.subscribers {
		subs = append(subs, s)
	}
	h.subscribers = make(map[*subscriber]struct{})
	h.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	subscriberCount.Set(0)
}
