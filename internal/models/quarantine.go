package models

import (
	"time"

	"github.com/google/uuid"
)

type QuarantineMode string

const (
	QuarantineReadOnly QuarantineMode = "read_only"
	QuarantineBlock    QuarantineMode = "block"
)

// SecurityQuarantine restricts a device suspected of compromise.
// At most one row exists per device; re-quarantining upserts it.
type SecurityQuarantine struct {
	ID        uuid.UUID      `json:"id"`
	DeviceID  uuid.UUID      `json:"device_id"`
	Mode      QuarantineMode `json:"mode"`
	TTLSec    *int64         `json:"ttl_sec,omitempty"`
	AppliedAt time.Time      `json:"applied_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Expired reports whether the quarantine's TTL has elapsed at now.
// A nil TTL means the quarantine holds until manually cleared.
func (q *SecurityQuarantine) Expired(now time.Time) bool {
	if q.TTLSec == nil {
		return false
	}
	return now.After(q.AppliedAt.Add(time.Duration(*q.TTLSec) * time.Second))
}
