package models

import (
	"time"

	"github.com/google/uuid"
)

type CommandPriority string

const (
	PriorityEmergency  CommandPriority = "emergency"
	PriorityRoutine    CommandPriority = "routine"
	PriorityBackground CommandPriority = "background"
)

// Rank orders priorities for the dispatch queue; lower dispatches first.
func (p CommandPriority) Rank() int {
	switch p {
	case PriorityEmergency:
		return 0
	case PriorityRoutine:
		return 1
	default:
		return 2
	}
}

func ValidPriority(p CommandPriority) bool {
	switch p {
	case PriorityEmergency, PriorityRoutine, PriorityBackground:
		return true
	}
	return false
}

type CommandStatus string

const (
	CommandAccepted   CommandStatus = "accepted"
	CommandDelivering CommandStatus = "delivering"
	CommandApplied    CommandStatus = "applied"
	CommandFailed     CommandStatus = "failed"
	CommandExpired    CommandStatus = "expired"
)

// Terminal reports whether the status is final; terminal commands are
// never transitioned again.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandApplied, CommandFailed, CommandExpired:
		return true
	}
	return false
}

// CommandLog is the lifecycle record for a submitted command. Exactly one
// row exists per (device_id, capability, idempotency_key).
type CommandLog struct {
	ID             uuid.UUID       `json:"id"`
	DeviceID       uuid.UUID       `json:"device_id"`
	Capability     string          `json:"capability"`
	Params         map[string]any  `json:"params"`
	Priority       CommandPriority `json:"priority"`
	Deadline       *time.Time      `json:"deadline,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Status         CommandStatus   `json:"status"`
	Error          *string         `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      *time.Time      `json:"updated_at,omitempty"`
}
