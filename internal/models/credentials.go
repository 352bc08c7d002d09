package models

import (
	"time"

	"github.com/google/uuid"
)

// DeviceCredentials holds the sealed transport secret for a device.
// Rows are immutable: rotation inserts a new row and marks the old one rotated.
type DeviceCredentials struct {
	ID        uuid.UUID  `json:"id"`
	DeviceID  uuid.UUID  `json:"device_id"`
	Blob      []byte     `json:"-"`
	Nonce     []byte     `json:"-"`
	Algorithm string     `json:"algorithm"`
	KeyRef    string     `json:"key_ref"`
	CreatedAt time.Time  `json:"created_at"`
	RotatedAt *time.Time `json:"rotated_at,omitempty"`
}
