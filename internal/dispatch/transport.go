package dispatch

import (
	"context"

	"github.com/havenhub/haven/internal/models"
)

// Result is the device transport's acknowledgment of a dispatched command.
type Result struct {
	// Mismatch means the device acked but its reported state does not match
	// the commanded one; the dispatcher raises a command_effect_mismatch
	// signal for it.
	Mismatch bool
	Detail   string
}

// Transport is the external device protocol layer. Implementations own the
// actual WiFi/BLE/Zigbee plumbing; tests use fakes.
type Transport interface {
	Dispatch(ctx context.Context, cmd *models.CommandLog) (Result, error)
}

// LoopbackTransport acks every command immediately. Stand-in until a real
// protocol adapter is plugged in; useful for dev deployments.
type LoopbackTransport struct{}

func (LoopbackTransport) Dispatch(_ context.Context, _ *models.CommandLog) (Result, error) {
	return Result{}, nil
}
