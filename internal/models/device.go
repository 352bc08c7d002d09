package models

import (
	"time"

	"github.com/google/uuid"
)

type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceOffline DeviceStatus = "offline"
)

type Device struct {
	ID           uuid.UUID    `json:"id"`
	Name         string       `json:"name"`
	Capabilities []string     `json:"capabilities"`
	Status       DeviceStatus `json:"status"`
	LastSeenAt   *time.Time   `json:"last_seen_at,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    *time.Time   `json:"updated_at,omitempty"`
}

// HasCapability reports whether the device declared the given capability
// at registration or through a later registry update.
func (d *Device) HasCapability(capability string) bool {
	for _, c := range d.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}
