package privacy

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/havenhub/haven/internal/egress"
	"github.com/havenhub/haven/internal/models"
	"github.com/havenhub/haven/internal/observability"
)

// Decision reasons recorded on the audit log and returned to callers.
const (
	ReasonNoConsent       = "no_consent"
	ReasonLocalOnlyMode   = "local_only_mode"
	ReasonQuarantineBlock = "quarantine_block"
	ReasonInternalError   = "internal_error"
	ReasonSequenceFlagged = "sequence_flagged"
)

// QuarantineReader answers whether a device is currently quarantined.
type QuarantineReader interface {
	ActiveMode(ctx context.Context, deviceID uuid.UUID) (models.QuarantineMode, bool, error)
}

// DecisionLog is the append-only privacy audit store.
type DecisionLog interface {
	Append(ctx context.Context, decision *models.PrivacyDecision) error
}

// Decision is the guard's verdict for one event. Payload is the minimized
// value when Allowed, nil otherwise.
type Decision struct {
	Allowed bool           `json:"allowed"`
	Payload map[string]any `json:"payload,omitempty"`
	Reason  string         `json:"reason,omitempty"`
}

// Guard is the single decision point before any event leaves the local
// boundary. Every invocation of Decide writes exactly one PrivacyDecision
// row, allow or deny, and internal errors fail closed.
type Guard struct {
	cache      *ConsentCache
	localOnly  *LocalOnly
	quarantine QuarantineReader
	decisions  DecisionLog
	sink       egress.Sink
	counters   *observability.Counters
	logger     *zap.Logger
}

func NewGuard(
	cache *ConsentCache,
	localOnly *LocalOnly,
	quarantine QuarantineReader,
	decisions DecisionLog,
	sink egress.Sink,
	counters *observability.Counters,
	logger *zap.Logger,
) *Guard {
	return &Guard{
		cache:      cache,
		localOnly:  localOnly,
		quarantine: quarantine,
		decisions:  decisions,
		sink:       sink,
		counters:   counters,
		logger:     logger,
	}
}

// Decide runs the egress pipeline for one event: classify, local-only
// check, consent check, quarantine check, minimize. The decision path
// performs no blocking network calls beyond the cache-backed lookups.
func (g *Guard) Decide(ctx context.Context, ev *models.Event) Decision {
	decision := g.evaluate(ctx, ev)

	g.audit(ctx, ev, decision)

	if decision.Allowed {
		g.counters.EgressAllowed.Add(1)
		if err := g.sink.Forward(ctx, ev.DeviceID, decision.Payload); err != nil {
			g.logger.Warn("egress sink forward failed",
				zap.String("device_id", ev.DeviceID.String()),
				zap.Error(err))
		}
	} else {
		g.counters.EgressDenied.Add(1)
	}

	return decision
}

func (g *Guard) evaluate(ctx context.Context, ev *models.Event) (decision Decision) {
	// Any panic below must still produce a denial plus an audit row.
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("egress guard panic",
				zap.String("device_id", ev.DeviceID.String()),
				zap.Any("panic", r))
			decision = Decision{Reason: ReasonInternalError}
		}
	}()

	cls := Classify(ev.Capability, ev.Value, ev.PolicyVersion)

	if g.localOnly.Enabled() && ev.Purpose != models.PurposeAutomation {
		return Decision{Reason: ReasonLocalOnlyMode}
	}

	if !g.cache.IsAllowed(ev.DeviceID, ev.Capability, ev.Purpose, cls.Class) {
		return Decision{Reason: ReasonNoConsent}
	}

	mode, active, err := g.quarantine.ActiveMode(ctx, ev.DeviceID)
	if err != nil {
		g.logger.Error("quarantine lookup failed",
			zap.String("device_id", ev.DeviceID.String()),
			zap.Error(err))
		return Decision{Reason: ReasonInternalError}
	}
	if active && mode == models.QuarantineBlock {
		return Decision{Reason: ReasonQuarantineBlock}
	}

	payload := Minimize(ev.Value, cls.Class, ev.Purpose, ev.PolicyVersion)
	return Decision{Allowed: true, Payload: payload}
}

// audit appends the one-and-only decision row for this invocation. Events
// stored with a flagged sequence keep flowing, but their decision rows are
// tagged so review can find them.
func (g *Guard) audit(ctx context.Context, ev *models.Event, decision Decision) {
	reason := decision.Reason
	if ev.Flagged {
		if reason == "" {
			reason = ReasonSequenceFlagged
		} else {
			reason = reason + ";" + ReasonSequenceFlagged
		}
	}

	row := &models.PrivacyDecision{
		DeviceID:      ev.DeviceID,
		Allowed:       decision.Allowed,
		PolicyVersion: ev.PolicyVersion,
		Reason:        reason,
	}
	if err := g.decisions.Append(ctx, row); err != nil {
		g.logger.Error("failed to append privacy decision",
			zap.String("device_id", ev.DeviceID.String()),
			zap.Bool("allowed", decision.Allowed),
			zap.Error(err))
	}
}
