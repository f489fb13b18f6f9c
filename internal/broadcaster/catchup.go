package broadcaster

import (
	"github.com/sjawhar/wispr-broadcast/internal/events"
	"github.com/sjawhar/wispr-broadcast/internal/session"
)

// catchUpEvents rebuilds the view a live client already has: current state,
// last metrics, the tracked session with its segments in order, and a closing
// session_end if that session is over.
func catchUpEvents(snap session.Snapshot, now float64) []events.Event {
	out := make([]events.Event, 0, len(snap.Segments)+4)

	stateAt := snap.StateAt
	if stateAt == 0 {
		stateAt = now
	}
	out = append(out, events.StateChange{State: snap.State, Timestamp: stateAt})

	if snap.Metrics != nil {
		out = append(out, events.MetricsUpdate{MetricsSnapshot: *snap.Metrics})
	}
	if snap.Session != nil {
		out = append(out, events.SessionStart{SessionID: snap.Session.ID, Timestamp: snap.Session.StartedAt})
	}
	for _, seg := range snap.Segments {
		out = append(out, events.Transcription{TranscriptionSegment: seg})
	}
	if snap.Session != nil && !snap.Session.Active {
		out = append(out, events.SessionEnd{SessionID: snap.Session.ID, Timestamp: snap.Session.EndedAt})
	}
	return out
}

func (b *Broadcaster) catchUpFrames(snap session.Snapshot) [][]byte {
	evs := catchUpEvents(snap, events.UnixSeconds(b.now()))
	frames := make([][]byte, 0, len(evs))
	for _, e := range evs {
		frame, err := events.Encode(e)
		if err != nil {
			b.logger.Error("catch-up event skipped", "kind", e.Kind(), "err", err)
			continue
		}
		frames = append(frames, frame)
	}
	return frames
}
