package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/havenhub/haven/internal/models"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
)

type DeviceRepository interface {
	Create(ctx context.Context, device *models.Device) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Device, error)
	List(ctx context.Context) ([]*models.Device, error)
	UpdateCapabilities(ctx context.Context, id uuid.UUID, capabilities []string) error
	SetStatus(ctx context.Context, id uuid.UUID, status models.DeviceStatus) error
}

type DeviceCredentialsRepository interface {
	Create(ctx context.Context, creds *models.DeviceCredentials) error
	GetActiveByDeviceID(ctx context.Context, deviceID uuid.UUID) (*models.DeviceCredentials, error)
	// Rotate marks the current credentials rotated and inserts fresh ones.
	Rotate(ctx context.Context, deviceID uuid.UUID, fresh *models.DeviceCredentials) error
}

type EventRepository interface {
	// Append stores the event, computing Flagged from the device's highest
	// stored seq so non-monotonic arrivals are kept but marked.
	Append(ctx context.Context, event *models.Event) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error)
	ListByDevice(ctx context.Context, deviceID uuid.UUID, sinceSeq int64, limit int) ([]*models.Event, error)
	// MaxSeqByDevice rehydrates the intrusion detector after a restart.
	MaxSeqByDevice(ctx context.Context) (map[uuid.UUID]int64, error)
}

type CommandLogRepository interface {
	// Create inserts a new command log; ErrDuplicateKey when a row already
	// exists for (device_id, capability, idempotency_key).
	Create(ctx context.Context, cmd *models.CommandLog) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.CommandLog, error)
	GetByIdempotencyKey(ctx context.Context, deviceID uuid.UUID, capability, key string) (*models.CommandLog, error)
	// Transition advances the state machine only if the row is currently in
	// from; ErrNotFound when no row matched.
	Transition(ctx context.Context, id uuid.UUID, from, to models.CommandStatus, errMsg *string) error
	// ExpireOverdue marks every non-terminal command past its deadline
	// expired and returns how many rows changed.
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)
	// ListPending returns every non-terminal command (accepted and
	// delivering) so the dispatcher can recover all of them after a restart.
	ListPending(ctx context.Context) ([]*models.CommandLog, error)
}

type QuarantineRepository interface {
	// Upsert keeps at most one quarantine row per device.
	Upsert(ctx context.Context, q *models.SecurityQuarantine) error
	GetByDeviceID(ctx context.Context, deviceID uuid.UUID) (*models.SecurityQuarantine, error)
	Clear(ctx context.Context, deviceID uuid.UUID) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type PrivacyDecisionRepository interface {
	Append(ctx context.Context, decision *models.PrivacyDecision) error
	ListByDevice(ctx context.Context, deviceID uuid.UUID, limit int) ([]*models.PrivacyDecision, error)
}
