package broadcaster

import (
	"context"
	"fmt"

	"github.com/sjawhar/wispr-broadcast/internal/events"
)

// StartSession begins a fresh session: buffered segments are discarded and
// session_start is broadcast. Like every producer call it returns once the
// command is queued, not once clients have received it.
func (b *Broadcaster) StartSession(ctx context.Context, sessionID int64) error {
	return b.publish(ctx, events.SessionStart{
		SessionID: sessionID,
		Timestamp: events.UnixSeconds(b.now()),
	})
}

// EndSession marks the session inactive. Its segments stay visible to clients
// that connect later, until the next StartSession.
func (b *Broadcaster) EndSession(ctx context.Context, sessionID int64) error {
	return b.publish(ctx, events.SessionEnd{
		SessionID: sessionID,
		Timestamp: events.UnixSeconds(b.now()),
	})
}

func (b *Broadcaster) AddTranscription(ctx context.Context, text string, wpm, latencyMs float64, words int) error {
	return b.publish(ctx, events.Transcription{TranscriptionSegment: events.TranscriptionSegment{
		Text:      text,
		Timestamp: events.ClockTime(b.now()),
		WPM:       wpm,
		LatencyMs: latencyMs,
		Words:     words,
	}})
}

// UpdateMetrics broadcasts snapshot and keeps it for catch-up. snapshot.State
// must be a known daemon state.
func (b *Broadcaster) UpdateMetrics(ctx context.Context, snapshot events.MetricsSnapshot) error {
	if err := b.checkState(snapshot.State); err != nil {
		return err
	}
	if snapshot.SessionID != nil {
		id := *snapshot.SessionID
		snapshot.SessionID = &id
	}
	return b.publish(ctx, events.MetricsUpdate{MetricsSnapshot: snapshot})
}

func (b *Broadcaster) BroadcastStateChange(ctx context.Context, state events.DaemonState) error {
	if err := b.checkState(state); err != nil {
		return err
	}
	return b.publish(ctx, events.StateChange{
		State:     state,
		Timestamp: events.UnixSeconds(b.now()),
	})
}

// Sync blocks until every command queued before it has been applied and
// fanned out.
func (b *Broadcaster) Sync(ctx context.Context) error {
	rt := b.rt.Load()
	if rt == nil {
		return ErrNotStarted
	}
	barrier := make(chan struct{})
	if err := b.enqueue(ctx, rt, command{barrier: barrier}); err != nil {
		return err
	}
	select {
	case <-barrier:
		return nil
	case <-rt.ctx.Done():
		return ErrNotStarted
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broadcaster) checkState(state events.DaemonState) error {
	if state.Valid() {
		return nil
	}
	if b.rt.Load() == nil {
		return ErrNotStarted
	}
	return fmt.Errorf("%w: unknown daemon state %q", ErrSerialization, state)
}

func (b *Broadcaster) publish(ctx context.Context, e events.Event) error {
	rt := b.rt.Load()
	if rt == nil {
		return ErrNotStarted
	}

	frame, err := events.Encode(e)
	if err != nil {
		b.logger.Error("event not broadcast", "kind", e.Kind(), "err", err)
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return b.enqueue(ctx, rt, command{event: e, frame: frame})
}

func (b *Broadcaster) enqueue(ctx context.Context, rt *runtime, cmd command) error {
	select {
	case rt.cmds <- cmd:
		return nil
	case <-rt.ctx.Done():
		return ErrNotStarted
	case <-ctx.Done():
		return ctx.Err()
	}
}
