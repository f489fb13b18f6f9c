package events

import "time"

// EventVersion is stamped on every record written to the socket. Readers accept
// newer versions and ignore fields they do not know.
const EventVersion = 1

type Kind string

const (
	KindSessionStart  Kind = "session_start"
	KindSessionEnd    Kind = "session_end"
	KindTranscription Kind = "transcription"
	KindMetricsUpdate Kind = "metrics_update"
	KindStateChange   Kind = "state_change"
)

type DaemonState string

const (
	StateIdle       DaemonState = "idle"
	StateRecording  DaemonState = "recording"
	StateProcessing DaemonState = "processing"
	StateError      DaemonState = "error"
)

// Valid reports whether s is one of the known daemon states.
func (s DaemonState) Valid() bool {
	switch s {
	case StateIdle, StateRecording, StateProcessing, StateError:
		return true
	}
	return false
}

// Event is one of SessionStart, SessionEnd, Transcription, MetricsUpdate or
// StateChange. Values are passed by copy and never mutated after construction.
type Event interface {
	Kind() Kind
}

type TranscriptionSegment struct {
	Text      string  `json:"text"`
	Timestamp string  `json:"timestamp"`
	WPM       float64 `json:"wpm"`
	LatencyMs float64 `json:"latency_ms"`
	Words     int     `json:"words"`
}

type MetricsSnapshot struct {
	State            DaemonState `json:"state"`
	SessionID        *int64      `json:"session_id"`
	Segments         int         `json:"segments"`
	Words            int         `json:"words"`
	WPM              float64     `json:"wpm"`
	DurationS        float64     `json:"duration_s"`
	LatencyMs        float64     `json:"latency_ms"`
	GPUMemoryMB      float64     `json:"gpu_memory_mb"`
	GPUMemoryPercent float64     `json:"gpu_memory_percent"`
	CPUPercent       float64     `json:"cpu_percent"`
}

type SessionStart struct {
	SessionID int64   `json:"session_id"`
	Timestamp float64 `json:"timestamp"`
}

type SessionEnd struct {
	SessionID int64   `json:"session_id"`
	Timestamp float64 `json:"timestamp"`
}

type Transcription struct {
	TranscriptionSegment
}

type MetricsUpdate struct {
	MetricsSnapshot
}

type StateChange struct {
	State     DaemonState `json:"state"`
	Timestamp float64     `json:"timestamp"`
}

func (SessionStart) Kind() Kind  { return KindSessionStart }
func (SessionEnd) Kind() Kind    { return KindSessionEnd }
func (Transcription) Kind() Kind { return KindTranscription }
func (MetricsUpdate) Kind() Kind { return KindMetricsUpdate }
func (StateChange) Kind() Kind   { return KindStateChange }

// UnixSeconds converts t to the fractional seconds used by session and state
// records.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// ClockTime formats t the way transcription records carry their timestamp.
func ClockTime(t time.Time) string {
	return t.Local().Format("15:04:05")
}
