// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dolaplink/lockerd/internal/events"
	"github.com/dolaplink/lockerd/internal/locker"
	"github.com/dolaplink/lockerd/internal/log"
	"github.com/dolaplink/lockerd/internal/model"
)

func (s *Server) kioskID() string {
	return s.deps.Config.Get().Kiosk.ID
}

func (s *Server) handleListLockers(w http.ResponseWriter, r *http.Request) {
	lockers, err := s.deps.Manager.ListLockers(r.Context(), s.kioskID())
	if err != nil {
		s.internalError(w, r, err, "locker list failed")
		return
	}
	writeJSON(w, http.StatusOK, lockers)
}

func (s *Server) handleGetLocker(w http.ResponseWriter, r *http.Request) {
	id, ok := lockerIDParam(w, r)
	if !ok {
		return
	}
	l, err := s.deps.Manager.GetLocker(r.Context(), s.kioskID(), id)
	if err != nil {
		s.internalError(w, r, err, "locker lookup failed")
		return
	}
	if l == nil {
		writeError(w, http.StatusNotFound, "msg.locker_not_found")
		return
	}
	writeJSON(w, http.StatusOK, l)
}

type staffOpenRequest struct {
	StaffUser string `json:"staff_user"`
	Reason    string `json:"reason,omitempty"`
}

func (s *Server) handleStaffOpen(w http.ResponseWriter, r *http.Request) {
	id, ok := lockerIDParam(w, r)
	if !ok {
		return
	}
	var req staffOpenRequest
	if err := decodeBody(r, &req); err != nil || req.StaffUser == "" {
		writeError(w, http.StatusBadRequest, "msg.bad_request")
		return
	}

	payload, err := model.EncodePayload(model.CommandOpenLocker, model.OpenLockerPayload{
		LockerID:  id,
		StaffUser: req.StaffUser,
		Reason:    req.Reason,
	})
	if err != nil {
		s.internalError(w, r, err, "payload encode failed")
		return
	}

	cmdID, err := s.deps.Queue.Enqueue(r.Context(), s.kioskID(), model.CommandOpenLocker, payload, 0)
	if err != nil {
		s.internalError(w, r, err, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"command_id": cmdID})
}

type bulkOpenRequest struct {
	LockerIDs  []int  `json:"locker_ids"`
	StaffUser  string `json:"staff_user"`
	ExcludeVIP bool   `json:"exclude_vip"`
	IntervalMS int    `json:"interval_ms,omitempty"`
}

func (s *Server) handleBulkOpen(w http.ResponseWriter, r *http.Request) {
	var req bulkOpenRequest
	if err := decodeBody(r, &req); err != nil || req.StaffUser == "" || len(req.LockerIDs) == 0 {
		writeError(w, http.StatusBadRequest, "msg.bad_request")
		return
	}

	payload, err := model.EncodePayload(model.CommandBulkOpen, model.BulkOpenPayload{
		LockerIDs:  req.LockerIDs,
		StaffUser:  req.StaffUser,
		ExcludeVIP: req.ExcludeVIP,
		IntervalMS: req.IntervalMS,
	})
	if err != nil {
		s.internalError(w, r, err, "payload encode failed")
		return
	}

	cmdID, err := s.deps.Queue.Enqueue(r.Context(), s.kioskID(), model.CommandBulkOpen, payload, 0)
	if err != nil {
		s.internalError(w, r, err, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"command_id": cmdID})
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	s.enqueueLockerCommand(w, r, model.CommandBlockLocker)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	s.enqueueLockerCommand(w, r, model.CommandUnblockLocker)
}

func (s *Server) enqueueLockerCommand(w http.ResponseWriter, r *http.Request, cmdType model.CommandType) {
	id, ok := lockerIDParam(w, r)
	if !ok {
		return
	}
	var req staffOpenRequest
	if err := decodeBody(r, &req); err != nil || req.StaffUser == "" {
		writeError(w, http.StatusBadRequest, "msg.bad_request")
		return
	}

	payload, err := model.EncodePayload(cmdType, model.OpenLockerPayload{
		LockerID:  id,
		StaffUser: req.StaffUser,
		Reason:    req.Reason,
	})
	if err != nil {
		s.internalError(w, r, err, "payload encode failed")
		return
	}

	cmdID, err := s.deps.Queue.Enqueue(r.Context(), s.kioskID(), cmdType, payload, 0)
	if err != nil {
		s.internalError(w, r, err, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"command_id": cmdID})
}

type forceStateRequest struct {
	State     string `json:"state"`
	StaffUser string `json:"staff_user"`
	Reason    string `json:"reason"`
}

func (s *Server) handleForceTransition(w http.ResponseWriter, r *http.Request) {
	id, ok := lockerIDParam(w, r)
	if !ok {
		return
	}
	var req forceStateRequest
	if err := decodeBody(r, &req); err != nil || req.StaffUser == "" {
		writeError(w, http.StatusBadRequest, "msg.bad_request")
		return
	}

	err := s.deps.Manager.ForceTransition(r.Context(), s.kioskID(), id, model.Status(req.State), req.StaffUser, req.Reason)
	switch {
	case errors.Is(err, locker.ErrNotFound):
		writeError(w, http.StatusNotFound, "msg.locker_not_found")
	case err != nil:
		writeError(w, http.StatusBadRequest, "msg.invalid_state")
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

type displayNameRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleSetDisplayName(w http.ResponseWriter, r *http.Request) {
	id, ok := lockerIDParam(w, r)
	if !ok {
		return
	}
	var req displayNameRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "msg.bad_request")
		return
	}

	err := s.deps.Manager.SetDisplayName(r.Context(), s.kioskID(), id, req.Name)
	var nameErr *locker.NameError
	switch {
	case errors.As(err, &nameErr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":      nameErr.Reason,
			"suggestion": nameErr.Suggestion,
		})
	case errors.Is(err, locker.ErrNotFound):
		writeError(w, http.StatusNotFound, "msg.locker_not_found")
	case err != nil:
		s.internalError(w, r, err, "display name update failed")
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

type vipRequest struct {
	VIP       bool   `json:"is_vip"`
	StaffUser string `json:"staff_user"`
}

func (s *Server) handleSetVIP(w http.ResponseWriter, r *http.Request) {
	id, ok := lockerIDParam(w, r)
	if !ok {
		return
	}
	var req vipRequest
	if err := decodeBody(r, &req); err != nil || req.StaffUser == "" {
		writeError(w, http.StatusBadRequest, "msg.bad_request")
		return
	}

	done, err := s.deps.Manager.SetVIP(r.Context(), s.kioskID(), id, req.VIP, req.StaffUser)
	switch {
	case errors.Is(err, locker.ErrNotFound):
		writeError(w, http.StatusNotFound, "msg.locker_not_found")
	case err != nil:
		s.internalError(w, r, err, "vip update failed")
	case !done:
		writeError(w, http.StatusConflict, "msg.vip_locker_held")
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

type vipAssignRequest struct {
	OwnerKey  string `json:"owner_key"`
	StaffUser string `json:"staff_user"`
}

func (s *Server) handleVIPAssign(w http.ResponseWriter, r *http.Request) {
	id, ok := lockerIDParam(w, r)
	if !ok {
		return
	}
	var req vipAssignRequest
	if err := decodeBody(r, &req); err != nil || req.OwnerKey == "" || req.StaffUser == "" {
		writeError(w, http.StatusBadRequest, "msg.bad_request")
		return
	}

	done, err := s.deps.Manager.AssignVIP(r.Context(), s.kioskID(), id, req.OwnerKey, req.StaffUser)
	switch {
	case errors.Is(err, locker.ErrNotFound):
		writeError(w, http.StatusNotFound, "msg.locker_not_found")
	case err != nil:
		s.internalError(w, r, err, "vip assign failed")
	case !done:
		writeError(w, http.StatusConflict, "msg.vip_assign_conflict")
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func (s *Server) handleVIPRelease(w http.ResponseWriter, r *http.Request) {
	id, ok := lockerIDParam(w, r)
	if !ok {
		return
	}
	var req staffOpenRequest
	if err := decodeBody(r, &req); err != nil || req.StaffUser == "" {
		writeError(w, http.StatusBadRequest, "msg.bad_request")
		return
	}

	done, err := s.deps.Manager.ReleaseVIP(r.Context(), s.kioskID(), id, req.StaffUser)
	switch {
	case errors.Is(err, locker.ErrNotFound):
		writeError(w, http.StatusNotFound, "msg.locker_not_found")
	case err != nil:
		s.internalError(w, r, err, "vip release failed")
	case !done:
		writeError(w, http.StatusConflict, "msg.vip_not_bound")
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Queue.Stats(r.Context(), s.kioskID())
	if err != nil {
		s.internalError(w, r, err, "queue stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.deps.Queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.internalError(w, r, err, "command lookup failed")
		return
	}
	if cmd == nil {
		writeError(w, http.StatusNotFound, "msg.command_not_found")
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := events.Filter{
		KioskID:   q.Get("kiosk_id"),
		Type:      model.EventType(q.Get("event_type")),
		RFIDCard:  q.Get("rfid_card"),
		StaffUser: q.Get("staff_user"),
	}
	if v := q.Get("locker_id"); v != "" {
		f.LockerID, _ = strconv.Atoi(v)
	}
	if v := q.Get("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		f.Offset, _ = strconv.Atoi(v)
	}
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Since = t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Until = t
		}
	}

	evs, err := s.deps.Events.Query(r.Context(), f)
	if err != nil {
		s.internalError(w, r, err, "event query failed")
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *Server) handleHardwareStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Executor.GetHardwareStatus())
}

type rateLimitResetRequest struct {
	Key       string `json:"key"`
	StaffUser string `json:"staff_user"`
}

func (s *Server) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	var req rateLimitResetRequest
	if err := decodeBody(r, &req); err != nil || req.Key == "" || req.StaffUser == "" {
		writeError(w, http.StatusBadRequest, "msg.bad_request")
		return
	}
	s.deps.Limiter.Reset(req.Key, req.StaffUser)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// --- helpers ---

func lockerIDParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "msg.bad_request")
		return 0, false
	}
	return id, true
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	logger := log.FromContext(r.Context())
	logger.Error().Err(err).Msg(msg)
	writeError(w, http.StatusInternalServerError, "msg.internal_error")
}
