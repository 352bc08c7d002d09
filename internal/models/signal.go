package models

import (
	"time"

	"github.com/google/uuid"
)

type SignalType string

// Intrusion signal taxonomy. The detector itself only produces
// SignalSequenceRegression; the remaining types are raised by the trust
// layer and the command dispatcher onto the same bus.
const (
	SignalSequenceRegression    SignalType = "sequence_regression"
	SignalCapabilityMutation    SignalType = "capability_mutation"
	SignalForbiddenSource       SignalType = "forbidden_source"
	SignalCommandEffectMismatch SignalType = "command_effect_mismatch"
	SignalReplay                SignalType = "replay"
)

type SignalSeverity string

const (
	SeveritySoft SignalSeverity = "soft"
	SeverityHigh SignalSeverity = "high"
)

// IntrusionSignal is published on the signal bus when a component observes
// behavior consistent with device compromise.
type IntrusionSignal struct {
	Type       SignalType     `json:"type"`
	DeviceID   uuid.UUID      `json:"device_id"`
	Severity   SignalSeverity `json:"severity"`
	Seq        int64          `json:"seq,omitempty"`
	LastSeq    int64          `json:"last_seq,omitempty"`
	Detail     string         `json:"detail,omitempty"`
	ObservedAt time.Time      `json:"observed_at"`
}
