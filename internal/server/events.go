package server

import (
	"encoding/json"
	"net/http"

	"github.com/havenhub/haven/internal/models"
	"github.com/havenhub/haven/internal/services"
)

type submitEventRequest struct {
	Capability    string           `json:"capability"`
	DataClass     models.DataClass `json:"data_class"`
	Purpose       models.Purpose   `json:"purpose"`
	Value         map[string]any   `json:"value"`
	Seq           int64            `json:"seq"`
	PolicyVersion int              `json:"policy_version"`
}

// handleSubmitEvent ingests one event from the calling device. The device
// identity comes from the token, not the body, so a device cannot submit
// on another's behalf.
func (s *Server) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := callerDeviceID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing device identity")
		return
	}

	var req submitEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	event, err := s.intake.Submit(r.Context(), services.SubmitEventRequest{
		DeviceID:      deviceID,
		Capability:    req.Capability,
		DataClass:     req.DataClass,
		Purpose:       req.Purpose,
		Value:         req.Value,
		Seq:           req.Seq,
		PolicyVersion: req.PolicyVersion,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, event)
}
