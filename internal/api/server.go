// SPDX-License-Identifier: MIT

// Package api is the HTTP boundary: kiosk-facing user flows, the staff admin
// surface, fleet endpoints, the WebSocket broadcast attach point, and the
// operational probes.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dolaplink/lockerd/internal/broadcast"
	"github.com/dolaplink/lockerd/internal/config"
	"github.com/dolaplink/lockerd/internal/events"
	"github.com/dolaplink/lockerd/internal/fleet"
	"github.com/dolaplink/lockerd/internal/health"
	"github.com/dolaplink/lockerd/internal/locker"
	"github.com/dolaplink/lockerd/internal/modbus"
	"github.com/dolaplink/lockerd/internal/queue"
	"github.com/dolaplink/lockerd/internal/ratelimit"
	"github.com/dolaplink/lockerd/internal/userflow"
)

// Deps carries everything the HTTP surface needs.
type Deps struct {
	Config   *config.Holder
	Manager  *locker.Manager
	Queue    *queue.Queue
	Executor *modbus.Executor
	Flow     *userflow.Service
	Fleet    *fleet.Tracker
	Events   *events.Logger
	Limiter  *ratelimit.Limiter
	Hub      *broadcast.Hub
	Health   *health.Manager
}

// Server holds the handler dependencies.
type Server struct {
	deps Deps
}

// NewServer creates the HTTP server facade.
func NewServer(deps Deps) *Server {
	return &Server{deps: deps}
}

// Router builds the chi router with the canonical middleware stack.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(Recoverer)
	r.Use(RequestID)
	r.Use(Logging)

	// Coarse ingress throttle in front of everything; the domain limiter in
	// the flow services does the fine-grained work.
	r.Use(httprate.Limit(
		120, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusTooManyRequests, "msg.rate_limited")
		}),
	))

	r.Get("/healthz", s.deps.Health.ServeHealth)
	r.Get("/readyz", s.deps.Health.ServeReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/ws", s.deps.Hub.ServeWS)

	r.Route("/api/v1", func(r chi.Router) {
		// Kiosk user flows
		r.Post("/scan", s.handleCardScan)
		r.Post("/select", s.handleLockerSelection)
		r.Post("/locker/{id}", s.handleQRRequest)

		// Fleet
		r.Post("/heartbeat", s.handleHeartbeat)
		r.Post("/restart", s.handleRestart)

		// Staff surface
		r.Group(func(r chi.Router) {
			r.Use(s.adminAuth)

			r.Get("/lockers", s.handleListLockers)
			r.Get("/lockers/{id}", s.handleGetLocker)
			r.Post("/lockers/{id}/open", s.handleStaffOpen)
			r.Post("/lockers/bulk-open", s.handleBulkOpen)
			r.Post("/lockers/{id}/block", s.handleBlock)
			r.Post("/lockers/{id}/unblock", s.handleUnblock)
			r.Post("/lockers/{id}/force-state", s.handleForceTransition)
			r.Put("/lockers/{id}/name", s.handleSetDisplayName)
			r.Put("/lockers/{id}/vip", s.handleSetVIP)
			r.Post("/lockers/{id}/vip/assign", s.handleVIPAssign)
			r.Post("/lockers/{id}/vip/release", s.handleVIPRelease)

			r.Get("/commands/stats", s.handleQueueStats)
			r.Get("/commands/{id}", s.handleGetCommand)

			r.Get("/events", s.handleQueryEvents)
			r.Get("/fleet", s.handleFleetList)
			r.Get("/fleet/{id}/telemetry", s.handleTelemetry)
			r.Get("/hardware/status", s.handleHardwareStatus)

			r.Post("/ratelimit/reset", s.handleRateLimitReset)
		})
	})

	return r
}
