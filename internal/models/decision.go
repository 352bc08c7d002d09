package models

import (
	"time"

	"github.com/google/uuid"
)

// PrivacyDecision is one append-only audit row per egress guard invocation,
// written whether the event was allowed out or not.
type PrivacyDecision struct {
	ID            uuid.UUID `json:"id"`
	DeviceID      uuid.UUID `json:"device_id"`
	Allowed       bool      `json:"allowed"`
	PolicyVersion int       `json:"policy_version"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
