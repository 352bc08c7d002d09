package models

import (
	"time"

	"github.com/google/uuid"
)

type DataClass string

const (
	ClassTelemetry  DataClass = "telemetry"
	ClassState      DataClass = "state"
	ClassDiagnostic DataClass = "diagnostic"
	ClassIdentifier DataClass = "identifier"
	ClassLocation   DataClass = "location"
)

type Purpose string

const (
	PurposeAutomation      Purpose = "automation"
	PurposeTroubleshooting Purpose = "troubleshooting"
	PurposeAnalytics       Purpose = "analytics"
)

// Event is a single reading or state change reported by a device.
// Events are written once at intake and never mutated. Seq is the
// device-reported per-device sequence number; an event whose seq does
// not increase past the previous one is still stored but Flagged.
type Event struct {
	ID            uuid.UUID      `json:"id"`
	DeviceID      uuid.UUID      `json:"device_id"`
	Capability    string         `json:"capability"`
	DataClass     DataClass      `json:"data_class"`
	Purpose       Purpose        `json:"purpose"`
	Value         map[string]any `json:"value"`
	Seq           int64          `json:"seq"`
	PolicyVersion int            `json:"policy_version"`
	Flagged       bool           `json:"flagged"`
	CreatedAt     time.Time      `json:"created_at"`
}

func ValidDataClass(c DataClass) bool {
	switch c {
	case ClassTelemetry, ClassState, ClassDiagnostic, ClassIdentifier, ClassLocation:
		return true
	}
	return false
}

func ValidPurpose(p Purpose) bool {
	switch p {
	case PurposeAutomation, PurposeTroubleshooting, PurposeAnalytics:
		return true
	}
	return false
}
