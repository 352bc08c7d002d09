package observability

import "sync/atomic"

// Counters tracks pipeline outcomes. All fields are updated lock-free on
// the hot path and read via Snapshot for the /metricsz endpoint.
type Counters struct {
	EventsIngested  atomic.Int64
	EgressAllowed   atomic.Int64
	EgressDenied    atomic.Int64
	SignalsEmitted  atomic.Int64
	CommandsApplied atomic.Int64
	CommandsFailed  atomic.Int64
	CommandsExpired atomic.Int64
}

func NewCounters() *Counters {
	return &Counters{}
}

func (c *Counters) Snapshot() map[string]int64 {
	return map[string]int64{
		"events_ingested":  c.EventsIngested.Load(),
		"egress_allowed":   c.EgressAllowed.Load(),
		"egress_denied":    c.EgressDenied.Load(),
		"signals_emitted":  c.SignalsEmitted.Load(),
		"commands_applied": c.CommandsApplied.Load(),
		"commands_failed":  c.CommandsFailed.Load(),
		"commands_expired": c.CommandsExpired.Load(),
	}
}
