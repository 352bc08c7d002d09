package privacy

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/havenhub/haven/internal/models"
)

// ConsentSource is the authoritative consent/policy store the cache syncs
// from. Implementations live in the repositories package.
type ConsentSource interface {
	Snapshot(ctx context.Context) ([]models.ConsentGrant, error)
}

type consentSnapshot struct {
	entries   map[string]models.ConsentGrant
	fetchedAt time.Time
}

// ConsentCache holds a local snapshot of consent grants. Reads are a single
// atomic pointer load plus a map lookup, so the egress hot path never
// blocks on the authoritative store. The cache fails closed: no snapshot,
// a snapshot older than the staleness TTL, or a missing entry all read as
// deny.
type ConsentCache struct {
	source       ConsentSource
	stalenessTTL time.Duration
	refreshEvery time.Duration
	logger       *zap.Logger

	snap atomic.Pointer[consentSnapshot]
	now  func() time.Time
}

func NewConsentCache(src ConsentSource, stalenessTTL, refreshEvery time.Duration, logger *zap.Logger) *ConsentCache {
	return &ConsentCache{
		source:       src,
		stalenessTTL: stalenessTTL,
		refreshEvery: refreshEvery,
		logger:       logger,
		now:          time.Now,
	}
}

// IsAllowed reports whether consent covers egress of the given data class
// for (device, capability, purpose). Lock-free.
func (c *ConsentCache) IsAllowed(deviceID uuid.UUID, capability string, purpose models.Purpose, class models.DataClass) bool {
	snap := c.snap.Load()
	if snap == nil {
		return false
	}
	if c.now().Sub(snap.fetchedAt) > c.stalenessTTL {
		return false
	}
	grant, ok := snap.entries[grantKey(deviceID, capability, purpose)]
	if !ok {
		return false
	}
	return grant.Granted && grant.Covers(class)
}

// Refresh pulls a fresh snapshot from the authoritative store and swaps it
// in atomically.
func (c *ConsentCache) Refresh(ctx context.Context) error {
	grants, err := c.source.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to pull consent snapshot: %w", err)
	}

	entries := make(map[string]models.ConsentGrant, len(grants))
	for _, g := range grants {
		entries[grantKey(g.DeviceID, g.Capability, g.Purpose)] = g
	}
	c.snap.Store(&consentSnapshot{entries: entries, fetchedAt: c.now()})
	return nil
}

// Invalidate drops every grant for the device from the current snapshot.
// The device reads as deny until the next refresh re-syncs it. Copy on
// write so concurrent readers keep a consistent view.
func (c *ConsentCache) Invalidate(deviceID uuid.UUID) {
	old := c.snap.Load()
	if old == nil {
		return
	}

	entries := make(map[string]models.ConsentGrant, len(old.entries))
	for k, g := range old.entries {
		if g.DeviceID == deviceID {
			continue
		}
		entries[k] = g
	}
	c.snap.Store(&consentSnapshot{entries: entries, fetchedAt: old.fetchedAt})
}

// Run refreshes the snapshot on a fixed interval until ctx is cancelled.
// The initial refresh happens immediately so the guard does not start cold
// any longer than the store takes to answer.
func (c *ConsentCache) Run(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn("initial consent refresh failed, egress stays denied", zap.Error(err))
	}

	ticker := time.NewTicker(c.refreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Warn("consent refresh failed", zap.Error(err))
			}
		}
	}
}

func grantKey(deviceID uuid.UUID, capability string, purpose models.Purpose) string {
	return deviceID.String() + "|" + capability + "|" + string(purpose)
}
