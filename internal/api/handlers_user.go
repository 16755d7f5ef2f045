// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dolaplink/lockerd/internal/log"
	"github.com/dolaplink/lockerd/internal/ratelimit"
	"github.com/dolaplink/lockerd/internal/userflow"
)

type scanRequest struct {
	CardID string `json:"card_id"`
}

func (s *Server) handleCardScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "msg.bad_request")
		return
	}

	res, err := s.deps.Flow.HandleCardScan(r.Context(), req.CardID, ratelimit.GetClientIP(r))
	if err != nil {
		logger := log.FromContext(r.Context())
		logger.Error().Err(err).Msg("card scan failed")
		writeError(w, http.StatusInternalServerError, "msg.internal_error")
		return
	}
	writeFlowResult(w, res)
}

type selectRequest struct {
	CardID   string `json:"card_id"`
	LockerID int    `json:"locker_id"`
}

func (s *Server) handleLockerSelection(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "msg.bad_request")
		return
	}

	res, err := s.deps.Flow.HandleLockerSelection(r.Context(), req.CardID, req.LockerID)
	if err != nil {
		logger := log.FromContext(r.Context())
		logger.Error().Err(err).Msg("locker selection failed")
		writeError(w, http.StatusInternalServerError, "msg.internal_error")
		return
	}
	writeFlowResult(w, res)
}

func (s *Server) handleQRRequest(w http.ResponseWriter, r *http.Request) {
	lockerID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || lockerID <= 0 {
		writeError(w, http.StatusBadRequest, "msg.bad_request")
		return
	}
	deviceID := r.URL.Query().Get("device")

	res, err := s.deps.Flow.HandleQRRequest(r.Context(), lockerID, deviceID, ratelimit.GetClientIP(r))
	if err != nil {
		logger := log.FromContext(r.Context())
		logger.Error().Err(err).Msg("qr request failed")
		writeError(w, http.StatusInternalServerError, "msg.internal_error")
		return
	}
	writeFlowResult(w, res)
}

func writeFlowResult(w http.ResponseWriter, res userflow.Result) {
	status := res.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	if res.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())))
	}
	writeJSON(w, status, res)
}
