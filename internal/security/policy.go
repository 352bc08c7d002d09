package security

import "github.com/havenhub/haven/internal/models"

// ModePolicy maps an intrusion signal to a quarantine reaction. The mapping
// is deployment policy, not detector logic, so it is injected.
type ModePolicy interface {
	// Decide returns the quarantine mode and TTL for a signal, given how
	// many signals the device raised within the manager's recency window
	// (including this one).
	Decide(signal models.IntrusionSignal, recentSignals int) (models.QuarantineMode, *int64)
}

// DefaultModePolicy: a first soft signal gets read_only; a high-severity
// signal or repeats within the window get block.
type DefaultModePolicy struct {
	RepeatThreshold int
	ReadOnlyTTLSec  int64
	BlockTTLSec     int64
}

func NewDefaultModePolicy() *DefaultModePolicy {
	return &DefaultModePolicy{
		RepeatThreshold: 3,
		ReadOnlyTTLSec:  int64((15 * 60)),
		BlockTTLSec:     int64((60 * 60)),
	}
}

func (p *DefaultModePolicy) Decide(signal models.IntrusionSignal, recentSignals int) (models.QuarantineMode, *int64) {
	if signal.Severity == models.SeverityHigh || recentSignals >= p.RepeatThreshold {
		ttl := p.BlockTTLSec
		return models.QuarantineBlock, &ttl
	}
	ttl := p.ReadOnlyTTLSec
	return models.QuarantineReadOnly, &ttl
}
