package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/havenhub/haven/internal/dispatch"
	"github.com/havenhub/haven/internal/models"
)

type submitCommandRequest struct {
	DeviceID       uuid.UUID              `json:"device_id"`
	Capability     string                 `json:"capability"`
	Params         map[string]any         `json:"params"`
	Priority       models.CommandPriority `json:"priority"`
	Deadline       *time.Time             `json:"deadline,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key"`
}

// handleSubmitCommand acknowledges synchronously with the command's current
// state; delivery resolves asynchronously and is polled via GET.
func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	var req submitCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cmd, err := s.dispatcher.Submit(r.Context(), dispatch.SubmitRequest{
		DeviceID:       req.DeviceID,
		Capability:     req.Capability,
		Params:         req.Params,
		Priority:       req.Priority,
		Deadline:       req.Deadline,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, cmd)
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid command id")
		return
	}

	cmd, err := s.dispatcher.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) handleCancelCommand(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid command id")
		return
	}

	cmd, err := s.dispatcher.Cancel(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}
