package server

import (
	"encoding/json"
	"net/http"

	"github.com/havenhub/haven/internal/models"
)

type registerDeviceRequest struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

type registerDeviceResponse struct {
	Device *models.Device `json:"device"`
	Token  string         `json:"token"`
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	device, token, err := s.trust.RegisterDevice(r.Context(), req.Name, req.Capabilities)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, registerDeviceResponse{Device: device, Token: token})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.devices.List(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	device, err := s.devices.GetByID(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

type updateCapabilitiesRequest struct {
	Capabilities []string `json:"capabilities"`
}

func (s *Server) handleUpdateCapabilities(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	var req updateCapabilitiesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Capabilities) == 0 {
		writeError(w, http.StatusBadRequest, "capabilities are required")
		return
	}

	if err := s.trust.UpdateCapabilities(r.Context(), id, req.Capabilities); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRotateCredentials(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	if err := s.trust.RotateCredentials(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	decisions, err := s.decisions.ListByDevice(r.Context(), id, 100)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decisions)
}
