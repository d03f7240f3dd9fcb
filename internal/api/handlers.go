package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/errors"
	"github.com/driftsync/driftsync/internal/logging"
	"github.com/driftsync/driftsync/internal/models"
	syncpkg "github.com/driftsync/driftsync/internal/sync"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("failed to encode response", err)
	}
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.CodeOf(err) {
	case errors.ErrInvalid:
		status = http.StatusBadRequest
	case errors.ErrAuthentication:
		status = http.StatusUnauthorized
	case errors.ErrNotFound:
		status = http.StatusNotFound
	case errors.ErrDuplicate, errors.ErrConflict:
		status = http.StatusConflict
	case errors.ErrIntegrity:
		status = http.StatusUnprocessableEntity
	case errors.ErrNetwork:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]interface{}{
		"error": err.Error(),
		"code":  string(errors.CodeOf(err)),
	})
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrap(errors.ErrInvalid, "invalid request body", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req syncpkg.PushRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.coordinator.HandlePush(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var req syncpkg.PullRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.coordinator.HandlePull(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.coordinator.Status()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type registerDeviceRequest struct {
	DeviceID       string `json:"device_id"`
	DisplayName    string `json:"display_name"`
	PublicKey      string `json:"public_key"`
	NetworkAddress string `json:"network_address,omitempty"`
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	device, err := s.registry.Register(req.DeviceID, req.DisplayName, req.PublicKey, req.NetworkAddress)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, device)
}

type authorizeDeviceRequest struct {
	DeviceID string `json:"device_id"`
}

func (s *Server) handleAuthorizeDevice(w http.ResponseWriter, r *http.Request) {
	var req authorizeDeviceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.registry.Authorize(req.DeviceID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"device_id": req.DeviceID, "status": "authorized"})
}

func (s *Server) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")
	if err := s.registry.Revoke(deviceID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"device_id": deviceID, "status": "revoked"})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	authorizedOnly := r.URL.Query().Get("all") == ""
	list, err := s.registry.List(authorizedOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": list})
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	status := models.ConflictStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = models.ConflictPending
	}
	list, err := s.conflicts.List(status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conflicts": list})
}

type resolveConflictRequest struct {
	Policy string `json:"policy,omitempty"`
	Winner string `json:"winner,omitempty"`
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	conflictID := chi.URLParam(r, "id")

	var req resolveConflictRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	var resolution *models.Resolution
	var err error
	if req.Winner != "" {
		resolution, err = s.resolver.ResolveManual(r.Context(), conflictID, models.Side(req.Winner))
	} else {
		// An empty policy falls back to the configured default inside the
		// resolver; a present one must parse.
		var policy config.Policy
		if req.Policy != "" {
			if policy, err = config.ParsePolicy(req.Policy); err != nil {
				writeError(w, errors.Wrap(errors.ErrInvalid, "invalid policy", err))
				return
			}
		}
		resolution, err = s.resolver.Resolve(r.Context(), conflictID, policy)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolution)
}

func (s *Server) handleIgnoreConflict(w http.ResponseWriter, r *http.Request) {
	conflictID := chi.URLParam(r, "id")
	if err := s.resolver.Ignore(r.Context(), conflictID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"conflict_id": conflictID, "status": "ignored"})
}
