package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/havenhub/haven/internal/dispatch"
	"github.com/havenhub/haven/internal/observability"
	"github.com/havenhub/haven/internal/privacy"
	"github.com/havenhub/haven/internal/repositories"
	"github.com/havenhub/haven/internal/security"
	"github.com/havenhub/haven/internal/services"
)

type ctxKey string

const deviceIDKey ctxKey = "device_id"

// Server exposes the connection-manager API: device registry, event
// intake, command lifecycle, quarantine and privacy administration.
type Server struct {
	trust      *services.TrustService
	intake     *services.IntakeService
	dispatcher *dispatch.Dispatcher
	quarantine *security.Manager
	localOnly  *privacy.LocalOnly
	cache      *privacy.ConsentCache
	devices    repositories.DeviceRepository
	decisions  repositories.PrivacyDecisionRepository
	counters   *observability.Counters
	logger     *zap.Logger
}

func New(
	trust *services.TrustService,
	intake *services.IntakeService,
	dispatcher *dispatch.Dispatcher,
	quarantine *security.Manager,
	localOnly *privacy.LocalOnly,
	cache *privacy.ConsentCache,
	devices repositories.DeviceRepository,
	decisions repositories.PrivacyDecisionRepository,
	counters *observability.Counters,
	logger *zap.Logger,
) *Server {
	return &Server{
		trust:      trust,
		intake:     intake,
		dispatcher: dispatcher,
		quarantine: quarantine,
		localOnly:  localOnly,
		cache:      cache,
		devices:    devices,
		decisions:  decisions,
		counters:   counters,
		logger:     logger,
	}
}

func (s *Server) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	router.Get("/metricsz", s.handleMetrics)

	router.Route("/v1", func(r chi.Router) {
		// Registration bootstraps the device token, so it stays open.
		r.Post("/devices", s.handleRegisterDevice)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/devices", s.handleListDevices)
			r.Get("/devices/{id}", s.handleGetDevice)
			r.Put("/devices/{id}/capabilities", s.handleUpdateCapabilities)
			r.Post("/devices/{id}/credentials/rotate", s.handleRotateCredentials)
			r.Get("/devices/{id}/decisions", s.handleListDecisions)

			r.Get("/devices/{id}/quarantine", s.handleGetQuarantine)
			r.Put("/devices/{id}/quarantine", s.handleSetQuarantine)
			r.Delete("/devices/{id}/quarantine", s.handleClearQuarantine)

			r.Post("/events", s.handleSubmitEvent)

			r.Post("/commands", s.handleSubmitCommand)
			r.Get("/commands/{id}", s.handleGetCommand)
			r.Delete("/commands/{id}", s.handleCancelCommand)

			r.Get("/privacy/local-only", s.handleGetLocalOnly)
			r.Put("/privacy/local-only", s.handleSetLocalOnly)
			r.Post("/consent/invalidate", s.handleInvalidateConsent)
		})
	})

	return router
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.counters.Snapshot())
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		deviceID, err := s.trust.VerifyToken(header[len(prefix):])
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), deviceIDKey, deviceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerDeviceID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(deviceIDKey).(uuid.UUID)
	return id, ok
}

func urlUUID(r *http.Request, param string) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, param))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps service sentinel errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repositories.ErrNotFound),
		errors.Is(err, services.ErrUnknownDevice),
		errors.Is(err, dispatch.ErrUnknownDevice):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrInvalidEvent),
		errors.Is(err, dispatch.ErrInvalidCommand):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrIdempotencyConflict),
		errors.Is(err, dispatch.ErrNotCancellable):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
