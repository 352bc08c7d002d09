package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/havenhub/haven/internal/models"
	"github.com/havenhub/haven/internal/repositories"
)

func (s *Server) handleGetQuarantine(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	mode, active, err := s.quarantine.ActiveMode(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": active, "mode": mode})
}

type setQuarantineRequest struct {
	Mode   models.QuarantineMode `json:"mode"`
	TTLSec *int64                `json:"ttl_sec,omitempty"`
}

func (s *Server) handleSetQuarantine(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	var req setQuarantineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Mode != models.QuarantineReadOnly && req.Mode != models.QuarantineBlock {
		writeError(w, http.StatusBadRequest, "mode must be read_only or block")
		return
	}

	q, err := s.quarantine.Set(r.Context(), id, req.Mode, req.TTLSec)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleClearQuarantine(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	err = s.quarantine.Clear(r.Context(), id)
	if errors.Is(err, repositories.ErrNotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setLocalOnlyRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleGetLocalOnly(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.localOnly.Enabled()})
}

func (s *Server) handleSetLocalOnly(w http.ResponseWriter, r *http.Request) {
	var req setLocalOnlyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Enabled {
		s.localOnly.Enable()
	} else {
		s.localOnly.Disable()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.localOnly.Enabled()})
}

type invalidateConsentRequest struct {
	DeviceID uuid.UUID `json:"device_id"`
}

// handleInvalidateConsent is the push-revocation webhook from the
// authoritative consent store. The device reads as deny until the next
// snapshot refresh re-syncs it.
func (s *Server) handleInvalidateConsent(w http.ResponseWriter, r *http.Request) {
	var req invalidateConsentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}

	s.cache.Invalidate(req.DeviceID)
	w.WriteHeader(http.StatusNoContent)
}
