// Package egress carries minimized payloads to the cloud/analytics pipe.
// Only the privacy guard writes here, and only for allowed decisions.
package egress

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Sink receives payloads that passed the egress guard, already minimized.
type Sink interface {
	Forward(ctx context.Context, deviceID uuid.UUID, payload map[string]any) error
}

// Forwarded is one payload captured by the MemorySink.
type Forwarded struct {
	DeviceID uuid.UUID
	Payload  map[string]any
}

// MemorySink buffers forwarded payloads in memory for tests and local dev.
type MemorySink struct {
	mu   sync.Mutex
	sent []Forwarded
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Forward(_ context.Context, deviceID uuid.UUID, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, Forwarded{DeviceID: deviceID, Payload: payload})
	return nil
}

// Sent returns a copy of everything forwarded so far.
func (s *MemorySink) Sent() []Forwarded {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Forwarded, len(s.sent))
	copy(out, s.sent)
	return out
}
