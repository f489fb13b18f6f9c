// Package feed drives a Broadcaster from newline-delimited JSON commands,
// mirrors them into session history, and ends sessions that fall silent.
package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sjawhar/wispr-broadcast/internal/events"
	"github.com/sjawhar/wispr-broadcast/internal/session"
)

const (
	OpStartSession  = "start_session"
	OpEndSession    = "end_session"
	OpTranscription = "transcription"
	OpMetrics       = "metrics"
	OpState         = "state"

	maxLineBytes   = 1 << 20
	idleEndTimeout = 5 * time.Second
)

var (
	ErrUnknownOp      = errors.New("unknown op")
	ErrInvalidCommand = errors.New("invalid command")
)

// Producer is the producer surface of the broadcaster.
type Producer interface {
	StartSession(ctx context.Context, sessionID int64) error
	EndSession(ctx context.Context, sessionID int64) error
	AddTranscription(ctx context.Context, text string, wpm, latencyMs float64, words int) error
	UpdateMetrics(ctx context.Context, snapshot events.MetricsSnapshot) error
	BroadcastStateChange(ctx context.Context, state events.DaemonState) error
}

// History receives a copy of every session and transcription the feed
// forwards. Failures are logged and never block the broadcast.
type History interface {
	StartSession(id int64, at time.Time) error
	EndSession(id int64, at time.Time) error
	AppendSegment(sessionID *int64, seg events.TranscriptionSegment, at time.Time) error
}

// Command is one input line. Fields that do not apply to Op are ignored.
type Command struct {
	Op        string             `json:"op"`
	SessionID *int64             `json:"session_id"`
	Text      string             `json:"text"`
	WPM       float64            `json:"wpm"`
	LatencyMs float64            `json:"latency_ms"`
	Words     int                `json:"words"`
	State     events.DaemonState `json:"state"`

	metrics events.MetricsSnapshot
}

// ParseCommand decodes one input line. For the metrics op the whole line is
// also read as a MetricsSnapshot.
func ParseCommand(line []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(line, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	cmd.Op = strings.TrimSpace(cmd.Op)
	if cmd.Op == OpMetrics {
		if err := json.Unmarshal(line, &cmd.metrics); err != nil {
			return Command{}, fmt.Errorf("%w: metrics: %v", ErrInvalidCommand, err)
		}
	}
	return cmd, nil
}

type Options struct {
	History []History
	// Detector ends the active session after a stretch with no
	// transcriptions. Nil disables auto-end.
	Detector *session.Detector
	Logger   *slog.Logger
	Now      func() time.Time
}

type Manager struct {
	producer Producer
	history  []History
	detector *session.Detector
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	active *int64
}

func NewManager(producer Producer, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &Manager{
		producer: producer,
		history:  opts.History,
		detector: opts.Detector,
		logger:   opts.Logger,
		now:      opts.Now,
	}

	if m.detector != nil {
		m.detector.OnTimeout(func() {
			ctx, cancel := context.WithTimeout(context.Background(), idleEndTimeout)
			defer cancel()
			if err := m.endIdleSession(ctx); err != nil {
				m.logger.Warn("idle session end failed", "err", err)
			}
		})
	}
	return m
}

// Run applies commands read line by line from r until EOF or ctx is done.
// Malformed lines and rejected commands are logged and skipped.
func (m *Manager) Run(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		cmd, err := ParseCommand(line)
		if err != nil {
			m.logger.Warn("skipping feed line", "err", err)
			continue
		}
		if err := m.Apply(ctx, cmd); err != nil {
			m.logger.Warn("feed command failed", "op", cmd.Op, "err", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read feed: %w", err)
	}
	return nil
}

func (m *Manager) Apply(ctx context.Context, cmd Command) error {
	switch cmd.Op {
	case OpStartSession:
		if cmd.SessionID == nil {
			return fmt.Errorf("%w: start_session needs session_id", ErrInvalidCommand)
		}
		return m.startSession(ctx, *cmd.SessionID)
	case OpEndSession:
		return m.endSession(ctx, cmd.SessionID)
	case OpTranscription:
		return m.transcription(ctx, cmd)
	case OpMetrics:
		return m.producer.UpdateMetrics(ctx, cmd.metrics)
	case OpState:
		return m.producer.BroadcastStateChange(ctx, cmd.State)
	case "":
		return fmt.Errorf("%w: missing op", ErrInvalidCommand)
	}
	return fmt.Errorf("%w: %q", ErrUnknownOp, cmd.Op)
}

// ActiveSession returns the session the feed is currently forwarding
// transcriptions under.
func (m *Manager) ActiveSession() (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return 0, false
	}
	return *m.active, true
}

// Close disarms the idle detector.
func (m *Manager) Close() {
	if m.detector != nil {
		m.detector.Stop()
	}
}

func (m *Manager) startSession(ctx context.Context, id int64) error {
	if err := m.producer.StartSession(ctx, id); err != nil {
		return err
	}
	at := m.now()

	m.mu.Lock()
	previous := m.active
	m.active = &id
	m.mu.Unlock()

	if previous != nil && *previous != id {
		m.recordEnd(*previous, at)
	}
	m.record("start session", func(h History) error { return h.StartSession(id, at) })
	m.logger.Info("session started", "session", id)

	if m.detector != nil {
		m.detector.OnSpeechEnd()
	}
	return nil
}

func (m *Manager) endSession(ctx context.Context, requested *int64) error {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()

	var id int64
	switch {
	case requested != nil:
		id = *requested
	case active != nil:
		id = *active
	default:
		return fmt.Errorf("%w: end_session without session_id and no active session", ErrInvalidCommand)
	}

	if err := m.producer.EndSession(ctx, id); err != nil {
		return err
	}

	m.mu.Lock()
	endsActive := m.active != nil && *m.active == id
	if endsActive {
		m.active = nil
	}
	m.mu.Unlock()

	if endsActive && m.detector != nil {
		m.detector.Stop()
	}
	m.recordEnd(id, m.now())
	m.logger.Info("session ended", "session", id)
	return nil
}

func (m *Manager) endIdleSession(ctx context.Context) error {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()
	if active == nil {
		return nil
	}

	m.logger.Info("ending idle session", "session", *active)
	return m.endSession(ctx, active)
}

func (m *Manager) transcription(ctx context.Context, cmd Command) error {
	if m.detector != nil {
		m.detector.OnSpeech()
	}
	if err := m.producer.AddTranscription(ctx, cmd.Text, cmd.WPM, cmd.LatencyMs, cmd.Words); err != nil {
		return err
	}

	at := m.now()
	seg := events.TranscriptionSegment{
		Text:      cmd.Text,
		Timestamp: events.ClockTime(at),
		WPM:       cmd.WPM,
		LatencyMs: cmd.LatencyMs,
		Words:     cmd.Words,
	}

	m.mu.Lock()
	var sid *int64
	if m.active != nil {
		id := *m.active
		sid = &id
	}
	m.mu.Unlock()

	m.record("append segment", func(h History) error { return h.AppendSegment(sid, seg, at) })

	if m.detector != nil && sid != nil {
		m.detector.OnSpeechEnd()
	}
	return nil
}

func (m *Manager) recordEnd(id int64, at time.Time) {
	m.record("end session", func(h History) error { return h.EndSession(id, at) })
}

func (m *Manager) record(what string, fn func(History) error) {
	for _, h := range m.history {
		if err := fn(h); err != nil {
			m.logger.Warn("history write failed", "op", what, "err", err)
		}
	}
}
