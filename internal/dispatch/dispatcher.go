package dispatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/havenhub/haven/internal/bus"
	"github.com/havenhub/haven/internal/models"
	"github.com/havenhub/haven/internal/observability"
	"github.com/havenhub/haven/internal/repositories"
)

var (
	ErrIdempotencyConflict = errors.New("idempotency key reused with different params")
	ErrUnknownDevice       = errors.New("unknown device")
	ErrInvalidCommand      = errors.New("invalid command")
	ErrNotCancellable      = errors.New("command already delivering or terminal")
)

// Command errors recorded on the CommandLog so polling callers observe them.
const (
	errQuarantined         = "device_quarantined"
	errCancelled           = "cancelled"
	errDeadlineExceeded    = "deadline_exceeded"
	errQuarantineCheck     = "quarantine_unavailable"
	errDeliveryInterrupted = "delivery_interrupted"
)

// Capabilities whose last segment is one of these only read device state;
// everything else is treated as a write (fail-closed under read_only).
var readVerbs = map[string]bool{
	"get":    true,
	"read":   true,
	"status": true,
	"query":  true,
}

// QuarantineReader answers whether a device is currently quarantined.
type QuarantineReader interface {
	ActiveMode(ctx context.Context, deviceID uuid.UUID) (models.QuarantineMode, bool, error)
}

// SubmitRequest is one command submission.
type SubmitRequest struct {
	DeviceID       uuid.UUID
	Capability     string
	Params         map[string]any
	Priority       models.CommandPriority
	Deadline       *time.Time
	IdempotencyKey string
}

// Dispatcher runs the command lifecycle state machine:
// accepted -> delivering -> {applied, failed, expired}. Submission is
// idempotent per (device, capability, idempotency key) and acknowledges
// synchronously; delivery resolves asynchronously and is queryable by id.
type Dispatcher struct {
	commands   repositories.CommandLogRepository
	devices    repositories.DeviceRepository
	quarantine QuarantineReader
	transport  Transport
	signals    *bus.Bus[models.IntrusionSignal]
	counters   *observability.Counters
	logger     *zap.Logger

	queue   *commandQueue
	workers int
}

func NewDispatcher(
	commands repositories.CommandLogRepository,
	devices repositories.DeviceRepository,
	quarantine QuarantineReader,
	transport Transport,
	signals *bus.Bus[models.IntrusionSignal],
	counters *observability.Counters,
	workers int,
	logger *zap.Logger,
) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		commands:   commands,
		devices:    devices,
		quarantine: quarantine,
		transport:  transport,
		signals:    signals,
		counters:   counters,
		logger:     logger,
		queue:      newCommandQueue(),
		workers:    workers,
	}
}

// Submit validates and records the command, enqueues it for delivery, and
// returns the current CommandLog. Resubmitting an idempotency key with the
// same params returns the existing row unchanged; different params surface
// ErrIdempotencyConflict without creating a second row.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (*models.CommandLog, error) {
	if err := d.validate(ctx, req); err != nil {
		return nil, err
	}

	existing, err := d.commands.GetByIdempotencyKey(ctx, req.DeviceID, req.Capability, req.IdempotencyKey)
	if err == nil {
		if !paramsEqual(existing.Params, req.Params) {
			return nil, ErrIdempotencyConflict
		}
		return existing, nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return nil, fmt.Errorf("failed to check idempotency key: %w", err)
	}

	cmd := &models.CommandLog{
		DeviceID:       req.DeviceID,
		Capability:     req.Capability,
		Params:         req.Params,
		Priority:       req.Priority,
		Deadline:       req.Deadline,
		IdempotencyKey: req.IdempotencyKey,
		Status:         models.CommandAccepted,
	}
	err = d.commands.Create(ctx, cmd)
	if errors.Is(err, repositories.ErrDuplicateKey) {
		// Lost the race against a concurrent submission of the same key;
		// the unique index guarantees a single row, so adopt it.
		winner, gerr := d.commands.GetByIdempotencyKey(ctx, req.DeviceID, req.Capability, req.IdempotencyKey)
		if gerr != nil {
			return nil, fmt.Errorf("failed to load winning command: %w", gerr)
		}
		if !paramsEqual(winner.Params, req.Params) {
			return nil, ErrIdempotencyConflict
		}
		return winner, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record command: %w", err)
	}

	d.queue.push(cmd)
	return cmd, nil
}

// Get returns the command's current state for polling callers.
func (d *Dispatcher) Get(ctx context.Context, id uuid.UUID) (*models.CommandLog, error) {
	return d.commands.GetByID(ctx, id)
}

// Cancel fails a not-yet-delivering command with error "cancelled". A
// command that already started delivering, or is terminal, is not
// cancellable.
func (d *Dispatcher) Cancel(ctx context.Context, id uuid.UUID) (*models.CommandLog, error) {
	msg := errCancelled
	err := d.commands.Transition(ctx, id, models.CommandAccepted, models.CommandFailed, &msg)
	if errors.Is(err, repositories.ErrNotFound) {
		if _, gerr := d.commands.GetByID(ctx, id); errors.Is(gerr, repositories.ErrNotFound) {
			return nil, repositories.ErrNotFound
		}
		return nil, ErrNotCancellable
	}
	if err != nil {
		return nil, err
	}
	d.counters.CommandsFailed.Add(1)
	return d.commands.GetByID(ctx, id)
}

// Run rehydrates non-terminal commands and serves the queue with the worker
// pool until ctx is cancelled. Accepted commands re-enter the queue; commands
// caught mid-delivery by a crash or shutdown have an unknown effect on the
// device and are failed rather than re-fired, so no command stays
// non-terminal forever.
func (d *Dispatcher) Run(ctx context.Context) error {
	pending, err := d.commands.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("failed to rehydrate pending commands: %w", err)
	}
	for _, cmd := range pending {
		if cmd.Status == models.CommandDelivering {
			d.logger.Warn("failing command interrupted mid-delivery",
				zap.String("command_id", cmd.ID.String()),
				zap.String("device_id", cmd.DeviceID.String()))
			d.fail(ctx, cmd.ID, models.CommandDelivering, errDeliveryInterrupted)
			continue
		}
		d.queue.push(cmd)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			for {
				cmd, ok := d.queue.pop()
				if !ok {
					return nil
				}
				d.process(ctx, cmd)
			}
		})
	}

	<-ctx.Done()
	d.queue.close()
	return g.Wait()
}

// RunExpiry sweeps non-terminal commands past their deadline into expired.
func (d *Dispatcher) RunExpiry(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := d.commands.ExpireOverdue(ctx, time.Now())
			if err != nil {
				d.logger.Warn("deadline sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				d.counters.CommandsExpired.Add(n)
				d.logger.Info("commands expired", zap.Int64("count", n))
			}
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, cmd *models.CommandLog) {
	log := d.logger.With(
		zap.String("command_id", cmd.ID.String()),
		zap.String("device_id", cmd.DeviceID.String()),
		zap.String("capability", cmd.Capability))

	if cmd.Deadline != nil && time.Now().After(*cmd.Deadline) {
		msg := errDeadlineExceeded
		if err := d.commands.Transition(ctx, cmd.ID, models.CommandAccepted, models.CommandExpired, &msg); err == nil {
			d.counters.CommandsExpired.Add(1)
		}
		return
	}

	// Quarantine is checked before the accepted -> delivering transition:
	// a blocked device fails directly, never reaching delivering.
	mode, active, err := d.quarantine.ActiveMode(ctx, cmd.DeviceID)
	if err != nil {
		log.Error("quarantine lookup failed", zap.Error(err))
		d.fail(ctx, cmd.ID, models.CommandAccepted, errQuarantineCheck)
		return
	}
	if active && (mode == models.QuarantineBlock || (mode == models.QuarantineReadOnly && isWrite(cmd.Capability))) {
		log.Warn("command rejected by quarantine", zap.String("mode", string(mode)))
		d.fail(ctx, cmd.ID, models.CommandAccepted, errQuarantined)
		return
	}

	err = d.commands.Transition(ctx, cmd.ID, models.CommandAccepted, models.CommandDelivering, nil)
	if errors.Is(err, repositories.ErrNotFound) {
		// Cancelled or expired while queued.
		return
	}
	if err != nil {
		log.Error("failed to mark delivering", zap.Error(err))
		return
	}

	result, err := d.transport.Dispatch(ctx, cmd)
	if err != nil {
		log.Warn("transport dispatch failed", zap.Error(err))
		msg := err.Error()
		if terr := d.commands.Transition(ctx, cmd.ID, models.CommandDelivering, models.CommandFailed, &msg); terr == nil {
			d.counters.CommandsFailed.Add(1)
		}
		return
	}

	if terr := d.commands.Transition(ctx, cmd.ID, models.CommandDelivering, models.CommandApplied, nil); terr == nil {
		d.counters.CommandsApplied.Add(1)
	}

	if result.Mismatch {
		sig := models.IntrusionSignal{
			Type:       models.SignalCommandEffectMismatch,
			DeviceID:   cmd.DeviceID,
			Severity:   models.SeverityHigh,
			Detail:     result.Detail,
			ObservedAt: time.Now(),
		}
		if perr := d.signals.Publish(sig); perr != nil {
			log.Error("failed to publish effect mismatch", zap.Error(perr))
		} else {
			d.counters.SignalsEmitted.Add(1)
		}
	}
}

func (d *Dispatcher) fail(ctx context.Context, id uuid.UUID, from models.CommandStatus, msg string) {
	if err := d.commands.Transition(ctx, id, from, models.CommandFailed, &msg); err == nil {
		d.counters.CommandsFailed.Add(1)
	}
}

func (d *Dispatcher) validate(ctx context.Context, req SubmitRequest) error {
	if req.Capability == "" || req.IdempotencyKey == "" {
		return fmt.Errorf("%w: capability and idempotency key are required", ErrInvalidCommand)
	}
	if !models.ValidPriority(req.Priority) {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidCommand, req.Priority)
	}

	device, err := d.devices.GetByID(ctx, req.DeviceID)
	if errors.Is(err, repositories.ErrNotFound) {
		return ErrUnknownDevice
	}
	if err != nil {
		return fmt.Errorf("failed to validate device: %w", err)
	}
	if !device.HasCapability(req.Capability) {
		return fmt.Errorf("%w: device does not expose %q", ErrInvalidCommand, req.Capability)
	}
	return nil
}

func isWrite(capability string) bool {
	parts := strings.Split(capability, ".")
	return !readVerbs[parts[len(parts)-1]]
}

func paramsEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
