package models

import (
	"time"

	"github.com/google/uuid"
)

// ConsentGrant is one entry of the authoritative consent store's snapshot:
// whether the household granted a (device, capability, purpose) egress.
// An empty DataClasses list means the grant covers every data class.
type ConsentGrant struct {
	DeviceID    uuid.UUID   `json:"device_id"`
	Capability  string      `json:"capability"`
	Purpose     Purpose     `json:"purpose"`
	Granted     bool        `json:"granted"`
	DataClasses []DataClass `json:"data_classes,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Covers reports whether the grant applies to the given data class.
func (g *ConsentGrant) Covers(class DataClass) bool {
	if len(g.DataClasses) == 0 {
		return true
	}
	for _, c := range g.DataClasses {
		if c == class {
			return true
		}
	}
	return false
}
