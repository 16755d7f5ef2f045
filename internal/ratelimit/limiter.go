// SPDX-License-Identifier: MIT

// Package ratelimit implements the scoped token-bucket limiter guarding the
// user-facing flows, with per-key violation tracking and hard blocks.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/dolaplink/lockerd/internal/log"
	"github.com/dolaplink/lockerd/internal/model"
)

var rateLimitExceeded = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "lockerd",
		Name:      "ratelimit_exceeded_total",
		Help:      "Total rate limit rejections",
	},
	[]string{"scope"},
)

// Scope identifies what a bucket key protects.
type Scope string

const (
	ScopeIP     Scope = "ip"
	ScopeCard   Scope = "card"
	ScopeLocker Scope = "locker"
	ScopeDevice Scope = "device"
)

// Limit configures one scope.
type Limit struct {
	MaxTokens      int
	RefillRate     rate.Limit // tokens per second
	BlockThreshold int        // violations before a hard block
	BlockDuration  time.Duration
}

// Config holds the limits for all scopes plus housekeeping parameters.
type Config struct {
	Limits                map[Scope]Limit
	ViolationLogThreshold int
	MaxAge                time.Duration // idle age before cleanup drops state
}

// DefaultConfig returns the site defaults.
func DefaultConfig() Config {
	return Config{
		Limits: map[Scope]Limit{
			ScopeIP:     {MaxTokens: 30, RefillRate: 0.5, BlockThreshold: 10, BlockDuration: 5 * time.Minute},
			ScopeCard:   {MaxTokens: 60, RefillRate: 1, BlockThreshold: 20, BlockDuration: 5 * time.Minute},
			ScopeLocker: {MaxTokens: 6, RefillRate: 0.1, BlockThreshold: 10, BlockDuration: 5 * time.Minute},
			ScopeDevice: {MaxTokens: 1, RefillRate: 0.05, BlockThreshold: 10, BlockDuration: 5 * time.Minute},
		},
		ViolationLogThreshold: 3,
		MaxAge:                time.Hour,
	}
}

// Decision is the outcome of a single check.
type Decision struct {
	Allowed    bool
	Blocked    bool          // hard block active
	Reason     string        // i18n key when denied
	RetryAfter time.Duration // hint for the caller
}

// EventRecorder receives rate_limit_violation events. The event logger
// satisfies it.
type EventRecorder interface {
	Append(ctx context.Context, ev model.Event) error
}

type bucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

type violation struct {
	count          int
	firstViolation time.Time
	lastViolation  time.Time
	blocked        bool
	blockExpires   time.Time
}

// Limiter owns the in-memory buckets. State dies with the process; buckets
// refill from full on restart.
type Limiter struct {
	cfg    Config
	events EventRecorder
	logger zerolog.Logger

	mu         sync.Mutex
	buckets    map[string]*bucket
	violations map[string]*violation
}

// New creates a limiter. events may be nil.
func New(cfg Config, events EventRecorder) *Limiter {
	if cfg.Limits == nil {
		cfg = DefaultConfig()
	}
	return &Limiter{
		cfg:        cfg,
		events:     events,
		logger:     log.WithComponent("ratelimit"),
		buckets:    make(map[string]*bucket),
		violations: make(map[string]*violation),
	}
}

// Key builds the canonical bucket key.
func Key(scope Scope, identity string) string {
	return string(scope) + ":" + identity
}

// Check consumes one token for scope:identity, or rejects. Rejections feed
// the violation tracker; past the block threshold every check fails until
// the block expires.
func (l *Limiter) Check(ctx context.Context, scope Scope, identity string) Decision {
	limit, ok := l.cfg.Limits[scope]
	if !ok {
		return Decision{Allowed: true}
	}
	key := Key(scope, identity)
	now := time.Now()

	l.mu.Lock()

	if v := l.violations[key]; v != nil && v.blocked {
		if now.Before(v.blockExpires) {
			retry := v.blockExpires.Sub(now)
			l.mu.Unlock()
			rateLimitExceeded.WithLabelValues(string(scope)).Inc()
			return Decision{Blocked: true, Reason: "msg.temporarily_blocked", RetryAfter: retry}
		}
		v.blocked = false
	}

	b := l.buckets[key]
	if b == nil {
		b = &bucket{limiter: rate.NewLimiter(limit.RefillRate, limit.MaxTokens)}
		l.buckets[key] = b
	}
	b.lastAccess = now

	if b.limiter.Allow() {
		l.mu.Unlock()
		return Decision{Allowed: true}
	}

	v := l.violations[key]
	if v == nil {
		v = &violation{firstViolation: now}
		l.violations[key] = v
	}
	v.count++
	v.lastViolation = now

	blockedNow := false
	if limit.BlockThreshold > 0 && v.count >= limit.BlockThreshold {
		v.blocked = true
		v.blockExpires = now.Add(limit.BlockDuration)
		blockedNow = true
	}
	count := v.count
	l.mu.Unlock()

	rateLimitExceeded.WithLabelValues(string(scope)).Inc()

	if count >= l.cfg.ViolationLogThreshold {
		l.recordViolation(ctx, scope, identity, count, blockedNow)
	}

	return Decision{
		Reason:     "msg.rate_limited",
		RetryAfter: time.Duration(float64(time.Second) / float64(limit.RefillRate)),
	}
}

// Reset clears bucket and violation state for a key. Staff operation.
func (l *Limiter) Reset(key, staffUser string) {
	l.mu.Lock()
	delete(l.buckets, key)
	delete(l.violations, key)
	l.mu.Unlock()

	l.logger.Info().
		Str("key", key).
		Str(log.FieldStaffUser, staffUser).
		Msg("rate limit state reset")
}

// Cleanup drops buckets and violations idle for longer than MaxAge and
// returns how many entries were removed. Active blocks are never dropped.
func (l *Limiter) Cleanup(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, b := range l.buckets {
		if now.Sub(b.lastAccess) > l.cfg.MaxAge {
			delete(l.buckets, key)
			removed++
		}
	}
	for key, v := range l.violations {
		if now.Sub(v.lastViolation) > l.cfg.MaxAge && (!v.blocked || now.After(v.blockExpires)) {
			delete(l.violations, key)
			removed++
		}
	}
	return removed
}

// Run periodically calls Cleanup until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Cleanup(time.Now()); n > 0 {
				l.logger.Debug().Int("removed", n).Msg("rate limit state cleaned")
			}
		}
	}
}

// ViolationInfo is the violation snapshot exposed to the admin surface.
type ViolationInfo struct {
	Count          int       `json:"violation_count"`
	FirstViolation time.Time `json:"first_violation"`
	LastViolation  time.Time `json:"last_violation"`
	IsBlocked      bool      `json:"is_blocked"`
	BlockExpiresAt time.Time `json:"block_expires_at,omitempty"`
}

// Violation returns the tracked state for a key; false when the key is clean.
func (l *Limiter) Violation(key string) (ViolationInfo, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v := l.violations[key]
	if v == nil {
		return ViolationInfo{}, false
	}
	return ViolationInfo{
		Count:          v.count,
		FirstViolation: v.firstViolation,
		LastViolation:  v.lastViolation,
		IsBlocked:      v.blocked,
		BlockExpiresAt: v.blockExpires,
	}, true
}

func (l *Limiter) recordViolation(ctx context.Context, scope Scope, identity string, count int, blocked bool) {
	if l.events == nil {
		return
	}
	details, _ := json.Marshal(map[string]any{
		"scope":           string(scope),
		"key":             Key(scope, identity),
		"violation_count": count,
		"blocked":         blocked,
	})
	ev := model.Event{
		Timestamp: time.Now(),
		Type:      model.EventRateLimitViolation,
		Details:   details,
	}
	switch scope {
	case ScopeCard:
		ev.RFIDCard = identity
	case ScopeDevice:
		ev.DeviceID = identity
	}
	if err := l.events.Append(ctx, ev); err != nil {
		l.logger.Warn().Err(err).Str("scope", string(scope)).Msg("violation event append failed")
	}
}

// GetClientIP extracts the real client address, honouring reverse-proxy
// headers.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx > 0 {
			xff = xff[:idx]
		}
		if xff = strings.TrimSpace(xff); xff != "" {
			return xff
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// LockerIdentity builds the per-locker identity string.
func LockerIdentity(kioskID string, lockerID int) string {
	return fmt.Sprintf("%s/%d", kioskID, lockerID)
}
