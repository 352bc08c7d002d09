package privacy

import "sync/atomic"

// LocalOnly is the process-wide override that keeps everything but
// automation traffic inside the local boundary. Only the admin surface may
// flip it; every egress decision reads it.
type LocalOnly struct {
	enabled atomic.Bool
}

func NewLocalOnly() *LocalOnly {
	return &LocalOnly{}
}

func (l *LocalOnly) Enable()  { l.enabled.Store(true) }
func (l *LocalOnly) Disable() { l.enabled.Store(false) }

func (l *LocalOnly) Enabled() bool { return l.enabled.Load() }
