package security

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/havenhub/haven/internal/models"
	"github.com/havenhub/haven/internal/repositories"
)

const (
	retryBase = 100 * time.Millisecond
	retryCap  = 5 * time.Second
)

// Manager reacts to intrusion signals by quarantining devices. Signals are
// never dropped: if the store rejects the reaction, the manager retries
// with capped backoff until it lands or the process shuts down.
type Manager struct {
	repo   repositories.QuarantineRepository
	policy ModePolicy
	window time.Duration
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	history map[uuid.UUID][]time.Time
}

func NewManager(repo repositories.QuarantineRepository, policy ModePolicy, window time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		repo:    repo,
		policy:  policy,
		window:  window,
		logger:  logger,
		now:     time.Now,
		history: make(map[uuid.UUID][]time.Time),
	}
}

// HandleSignal is the manager's signal-bus handler.
func (m *Manager) HandleSignal(ctx context.Context, sig models.IntrusionSignal) {
	recent := m.recordSignal(sig.DeviceID)
	mode, ttl := m.policy.Decide(sig, recent)

	q := &models.SecurityQuarantine{
		DeviceID: sig.DeviceID,
		Mode:     mode,
		TTLSec:   ttl,
	}

	for attempt := 0; ; attempt++ {
		err := m.repo.Upsert(ctx, q)
		if err == nil {
			m.logger.Info("device quarantined",
				zap.String("device_id", sig.DeviceID.String()),
				zap.String("signal", string(sig.Type)),
				zap.String("mode", string(mode)))
			return
		}

		wait := retryCap
		if attempt < 6 {
			wait = retryBase << attempt
		}
		m.logger.Error("failed to persist quarantine, retrying",
			zap.String("device_id", sig.DeviceID.String()),
			zap.Duration("backoff", wait),
			zap.Error(err))

		select {
		case <-ctx.Done():
			m.logger.Error("shutting down with unpersisted quarantine",
				zap.String("device_id", sig.DeviceID.String()))
			return
		case <-time.After(wait):
		}
	}
}

// recordSignal appends to the device's recent-signal history and returns
// how many signals fall inside the recency window, including this one.
func (m *Manager) recordSignal(deviceID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-m.window)
	kept := m.history[deviceID][:0]
	for _, t := range m.history[deviceID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	m.history[deviceID] = kept
	return len(kept)
}

// ActiveMode reports the device's current quarantine mode. Expired rows
// read as cleared (lazy expiry) and are removed best-effort.
func (m *Manager) ActiveMode(ctx context.Context, deviceID uuid.UUID) (models.QuarantineMode, bool, error) {
	q, err := m.repo.GetByDeviceID(ctx, deviceID)
	if errors.Is(err, repositories.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if q.Expired(m.now()) {
		if err := m.repo.Clear(ctx, deviceID); err != nil && !errors.Is(err, repositories.ErrNotFound) {
			m.logger.Warn("failed to clear expired quarantine",
				zap.String("device_id", deviceID.String()), zap.Error(err))
		}
		return "", false, nil
	}
	return q.Mode, true, nil
}

// Set imposes a quarantine manually, outside the signal path.
func (m *Manager) Set(ctx context.Context, deviceID uuid.UUID, mode models.QuarantineMode, ttlSec *int64) (*models.SecurityQuarantine, error) {
	q := &models.SecurityQuarantine{DeviceID: deviceID, Mode: mode, TTLSec: ttlSec}
	if err := m.repo.Upsert(ctx, q); err != nil {
		return nil, err
	}
	return q, nil
}

// Clear lifts the quarantine (manual reset).
func (m *Manager) Clear(ctx context.Context, deviceID uuid.UUID) error {
	return m.repo.Clear(ctx, deviceID)
}

// RunSweep actively deletes expired quarantines on an interval, in addition
// to the lazy expiry on reads.
func (m *Manager) RunSweep(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := m.repo.DeleteExpired(ctx, m.now())
			if err != nil {
				m.logger.Warn("quarantine sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				m.logger.Info("expired quarantines cleared", zap.Int64("count", n))
			}
		}
	}
}
