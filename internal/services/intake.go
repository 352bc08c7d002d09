package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/havenhub/haven/internal/bus"
	"github.com/havenhub/haven/internal/models"
	"github.com/havenhub/haven/internal/observability"
	"github.com/havenhub/haven/internal/repositories"
)

var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrInvalidEvent  = errors.New("invalid event")
)

// IntakeService is the entry point for device events: validate against the
// registry, persist (store-then-detect), then publish onto the event bus
// for the detector and the egress guard.
type IntakeService struct {
	devices  repositories.DeviceRepository
	events   repositories.EventRepository
	eventBus *bus.Bus[*models.Event]
	counters *observability.Counters
	logger   *zap.Logger
}

func NewIntakeService(
	devices repositories.DeviceRepository,
	events repositories.EventRepository,
	eventBus *bus.Bus[*models.Event],
	counters *observability.Counters,
	logger *zap.Logger,
) *IntakeService {
	return &IntakeService{
		devices:  devices,
		events:   events,
		eventBus: eventBus,
		counters: counters,
		logger:   logger,
	}
}

type SubmitEventRequest struct {
	DeviceID      uuid.UUID
	Capability    string
	DataClass     models.DataClass
	Purpose       models.Purpose
	Value         map[string]any
	Seq           int64
	PolicyVersion int
}

// Submit persists the event and publishes it. The event is stored before
// any detection runs, so a regressed sequence number still lands in the
// history (flagged) while the detector raises its signal downstream.
func (s *IntakeService) Submit(ctx context.Context, req SubmitEventRequest) (*models.Event, error) {
	if err := s.validate(ctx, req); err != nil {
		return nil, err
	}

	event := &models.Event{
		DeviceID:      req.DeviceID,
		Capability:    req.Capability,
		DataClass:     req.DataClass,
		Purpose:       req.Purpose,
		Value:         req.Value,
		Seq:           req.Seq,
		PolicyVersion: req.PolicyVersion,
	}
	if err := s.events.Append(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to persist event: %w", err)
	}

	if err := s.eventBus.Publish(event); err != nil {
		// The event is durable; subscribers catch up from storage after a
		// restart, so a closed bus is not an intake failure.
		s.logger.Warn("event stored but not published",
			zap.String("event_id", event.ID.String()), zap.Error(err))
	}

	s.counters.EventsIngested.Add(1)

	if err := s.devices.SetStatus(ctx, req.DeviceID, models.DeviceOnline); err != nil {
		s.logger.Warn("failed to refresh device status",
			zap.String("device_id", req.DeviceID.String()), zap.Error(err))
	}
	return event, nil
}

func (s *IntakeService) validate(ctx context.Context, req SubmitEventRequest) error {
	if req.Capability == "" {
		return fmt.Errorf("%w: capability is required", ErrInvalidEvent)
	}
	if !models.ValidDataClass(req.DataClass) {
		return fmt.Errorf("%w: unknown data class %q", ErrInvalidEvent, req.DataClass)
	}
	if !models.ValidPurpose(req.Purpose) {
		return fmt.Errorf("%w: unknown purpose %q", ErrInvalidEvent, req.Purpose)
	}
	if req.PolicyVersion < 1 {
		return fmt.Errorf("%w: policy version must be >= 1", ErrInvalidEvent)
	}

	device, err := s.devices.GetByID(ctx, req.DeviceID)
	if errors.Is(err, repositories.ErrNotFound) {
		return ErrUnknownDevice
	}
	if err != nil {
		return fmt.Errorf("failed to validate device: %w", err)
	}
	if !device.HasCapability(req.Capability) {
		return fmt.Errorf("%w: device does not expose %q", ErrInvalidEvent, req.Capability)
	}
	return nil
}
