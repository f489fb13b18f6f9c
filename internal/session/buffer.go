package session

import (
	"sync"

	"github.com/sjawhar/wispr-broadcast/internal/events"
)

// Buffer holds what a late-joining client needs to catch up: the current
// daemon state, the last metrics snapshot, the tracked session and the
// transcription segments accumulated since it started.
type Buffer struct {
	mu       sync.Mutex
	state    events.DaemonState
	stateAt  float64
	metrics  *events.MetricsSnapshot
	session  *Session
	segments []events.TranscriptionSegment
}

// NewBuffer returns an empty buffer in the idle state.
func NewBuffer() *Buffer {
	return &Buffer{state: events.StateIdle}
}

// StartSession begins a fresh session, discarding any buffered segments even if
// the previous session was never ended or carries the same id.
func (b *Buffer) StartSession(id int64, at float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.session = &Session{ID: id, Active: true, StartedAt: at}
	b.segments = nil
}

// EndSession marks the tracked session inactive and keeps its segments. A
// differing id still ends the tracked session, which keeps its own id, and
// mismatch reports it. With no tracked session an inactive one is recorded
// under id.
func (b *Buffer) EndSession(id int64, at float64) (mismatch bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session == nil {
		b.session = &Session{ID: id, StartedAt: at}
	}
	mismatch = b.session.ID != id
	b.session.Active = false
	b.session.EndedAt = at
	return mismatch
}

// Append adds seg to the buffer whether or not a session is active.
func (b *Buffer) Append(seg events.TranscriptionSegment) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.segments = append(b.segments, seg)
}

func (b *Buffer) SetState(state events.DaemonState, at float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = state
	b.stateAt = at
}

func (b *Buffer) SetMetrics(m events.MetricsSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m.SessionID != nil {
		id := *m.SessionID
		m.SessionID = &id
	}
	b.metrics = &m
}

// Snapshot returns a copy of the buffer taken under a single lock, so it never
// observes half of a session transition.
func (b *Buffer) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		State:   b.state,
		StateAt: b.stateAt,
	}
	if b.metrics != nil {
		m := *b.metrics
		if m.SessionID != nil {
			id := *m.SessionID
			m.SessionID = &id
		}
		snap.Metrics = &m
	}
	if b.session != nil {
		s := *b.session
		snap.Session = &s
	}
	if len(b.segments) > 0 {
		snap.Segments = append([]events.TranscriptionSegment(nil), b.segments...)
	}
	return snap
}

// Len returns the number of buffered segments.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.segments)
}
