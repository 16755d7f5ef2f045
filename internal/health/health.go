// SPDX-License-Identifier: MIT

// Package health provides liveness and readiness probes with per-component
// status, suitable for Docker HEALTHCHECK and Kubernetes probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dolaplink/lockerd/internal/log"
)

// Status is an overall or per-component health level.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one component check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status    Status                 `json:"status"`
	Version   string                 `json:"version,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// ReadinessResponse is the readiness payload.
type ReadinessResponse struct {
	Ready     bool                   `json:"ready"`
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker is one component probe.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Manager aggregates component checkers.
type Manager struct {
	version  string
	checkers []Checker
}

// NewManager creates an empty health manager.
func NewManager(version string) *Manager {
	return &Manager{version: version}
}

// RegisterChecker adds a component probe. Not safe after serving starts.
func (m *Manager) RegisterChecker(checker Checker) {
	m.checkers = append(m.checkers, checker)
}

// Health is the liveness probe: the process is alive, so the status is
// healthy unless verbose component checks say otherwise.
func (m *Manager) Health(ctx context.Context, verbose bool) HealthResponse {
	resp := HealthResponse{
		Status:    StatusHealthy,
		Version:   m.version,
		Timestamp: time.Now(),
	}

	if verbose && len(m.checkers) > 0 {
		resp.Checks = make(map[string]CheckResult)
		resp.Status = m.runChecks(ctx, resp.Checks)
	}
	return resp
}

// Ready is the readiness probe: every registered checker must not be
// unhealthy for the service to accept traffic.
func (m *Manager) Ready(ctx context.Context) ReadinessResponse {
	resp := ReadinessResponse{
		Ready:     true,
		Status:    StatusHealthy,
		Timestamp: time.Now(),
	}

	if len(m.checkers) == 0 {
		return resp
	}

	resp.Checks = make(map[string]CheckResult)
	resp.Status = m.runChecks(ctx, resp.Checks)
	resp.Ready = resp.Status != StatusUnhealthy
	return resp
}

func (m *Manager) runChecks(ctx context.Context, out map[string]CheckResult) Status {
	status := StatusHealthy
	for _, checker := range m.checkers {
		result := checker.Check(ctx)
		out[checker.Name()] = result

		switch result.Status {
		case StatusUnhealthy:
			status = StatusUnhealthy
		case StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}
	return status
}

// ServeHealth handles the liveness endpoint. Always 200.
func (m *Manager) ServeHealth(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"
	resp := m.Health(r.Context(), verbose)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger := log.WithComponent("health")
		logger.Error().Err(err).Msg("health response encode failed")
	}
}

// ServeReady handles the readiness endpoint: 200 when ready, 503 otherwise.
func (m *Manager) ServeReady(w http.ResponseWriter, r *http.Request) {
	resp := m.Ready(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if resp.Ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger := log.WithComponent("health")
		logger.Error().Err(err).Msg("readiness response encode failed")
	}
}
