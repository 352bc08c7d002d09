package security

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/havenhub/haven/internal/bus"
	"github.com/havenhub/haven/internal/models"
	"github.com/havenhub/haven/internal/observability"
)

// unseen marks a device with no observed sequence yet; any real seq passes.
const unseen = math.MinInt64

// Detector watches per-device event sequence numbers. It exclusively owns
// the lastSeq map: each entry is an atomic compare-and-update cell, so no
// cross-device locking happens. A seq that does not advance past the last
// observed one raises a sequence_regression signal and does not move the
// watermark.
type Detector struct {
	lastSeq  sync.Map // uuid.UUID -> *atomic.Int64
	signals  *bus.Bus[models.IntrusionSignal]
	counters *observability.Counters
	logger   *zap.Logger
}

func NewDetector(signals *bus.Bus[models.IntrusionSignal], counters *observability.Counters, logger *zap.Logger) *Detector {
	return &Detector{signals: signals, counters: counters, logger: logger}
}

// Rehydrate seeds the watermarks from persisted events after a restart.
func (d *Detector) Rehydrate(seqs map[uuid.UUID]int64) {
	for deviceID, seq := range seqs {
		d.cell(deviceID).Store(seq)
	}
}

// Observe is the detector's event-bus handler. The bus serializes events
// per device, so each cell sees its device's events in publish order.
func (d *Detector) Observe(_ context.Context, ev *models.Event) {
	cell := d.cell(ev.DeviceID)
	for {
		last := cell.Load()
		if ev.Seq <= last {
			d.emit(ev, last)
			return
		}
		if cell.CompareAndSwap(last, ev.Seq) {
			return
		}
	}
}

func (d *Detector) emit(ev *models.Event, last int64) {
	sig := models.IntrusionSignal{
		Type:       models.SignalSequenceRegression,
		DeviceID:   ev.DeviceID,
		Severity:   models.SeveritySoft,
		Seq:        ev.Seq,
		LastSeq:    last,
		ObservedAt: time.Now(),
	}
	if err := d.signals.Publish(sig); err != nil {
		d.logger.Error("failed to publish sequence regression",
			zap.String("device_id", ev.DeviceID.String()),
			zap.Int64("seq", ev.Seq),
			zap.Int64("last_seq", last),
			zap.Error(err))
		return
	}
	d.counters.SignalsEmitted.Add(1)
	d.logger.Warn("sequence regression",
		zap.String("device_id", ev.DeviceID.String()),
		zap.Int64("seq", ev.Seq),
		zap.Int64("last_seq", last))
}

func (d *Detector) cell(deviceID uuid.UUID) *atomic.Int64 {
	if v, ok := d.lastSeq.Load(deviceID); ok {
		return v.(*atomic.Int64)
	}
	cell := &atomic.Int64{}
	cell.Store(unseen)
	v, _ := d.lastSeq.LoadOrStore(deviceID, cell)
	return v.(*atomic.Int64)
}
