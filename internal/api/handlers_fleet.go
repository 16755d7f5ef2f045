// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dolaplink/lockerd/internal/model"
)

type heartbeatRequest struct {
	KioskID   string          `json:"kiosk_id"`
	Zone      string          `json:"zone,omitempty"`
	Version   string          `json:"version,omitempty"`
	Telemetry json.RawMessage `json:"telemetry,omitempty"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeBody(r, &req); err != nil || req.KioskID == "" {
		writeError(w, http.StatusBadRequest, "msg.bad_request")
		return
	}

	hb := model.Heartbeat{
		KioskID:       req.KioskID,
		LastSeen:      time.Now(),
		Zone:          req.Zone,
		Version:       req.Version,
		TelemetryData: req.Telemetry,
	}
	if err := s.deps.Fleet.RecordHeartbeat(r.Context(), hb); err != nil {
		s.internalError(w, r, err, "heartbeat record failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type restartRequest struct {
	KioskID string `json:"kiosk_id"`
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	var req restartRequest
	if err := decodeBody(r, &req); err != nil || req.KioskID == "" {
		writeError(w, http.StatusBadRequest, "msg.bad_request")
		return
	}

	cancelled, err := s.deps.Fleet.NotifyRestart(r.Context(), req.KioskID, s.deps.Queue)
	if err != nil {
		s.internalError(w, r, err, "restart handling failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled_commands": cancelled})
}

func (s *Server) handleFleetList(w http.ResponseWriter, r *http.Request) {
	beats, err := s.deps.Fleet.List(r.Context())
	if err != nil {
		s.internalError(w, r, err, "fleet list failed")
		return
	}
	writeJSON(w, http.StatusOK, beats)
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	kioskID := chi.URLParam(r, "id")

	since := time.Now().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			since = t
		}
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	samples, err := s.deps.Fleet.TelemetryHistory(r.Context(), kioskID, since, limit)
	if err != nil {
		s.internalError(w, r, err, "telemetry query failed")
		return
	}
	writeJSON(w, http.StatusOK, samples)
}
