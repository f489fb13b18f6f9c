package session

import "github.com/sjawhar/wispr-broadcast/internal/events"

// Session is the session a Buffer is tracking. Timestamps are Unix seconds.
type Session struct {
	ID        int64
	Active    bool
	StartedAt float64
	EndedAt   float64
}

// Snapshot is a point-in-time copy of a Buffer. Metrics and Session are nil
// until first set.
type Snapshot struct {
	State    events.DaemonState
	StateAt  float64
	Metrics  *events.MetricsSnapshot
	Session  *Session
	Segments []events.TranscriptionSegment
}
