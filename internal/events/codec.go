package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownKind is returned by Decode for a record whose type is not one
	// of the known kinds. Readers should skip such records.
	ErrUnknownKind = errors.New("unknown event kind")
	// ErrMalformed is returned by Decode when a line is not a JSON record with
	// a type field.
	ErrMalformed = errors.New("malformed event record")
)

type header struct {
	Type    Kind `json:"type"`
	Version int  `json:"version"`
}

// Encode serializes e as a single newline-terminated JSON record.
func Encode(e Event) ([]byte, error) {
	if e == nil {
		return nil, errors.New("encode nil event")
	}
	h := header{Type: e.Kind(), Version: EventVersion}

	var record any
	switch ev := e.(type) {
	case SessionStart:
		record = struct {
			header
			SessionStart
		}{h, ev}
	case SessionEnd:
		record = struct {
			header
			SessionEnd
		}{h, ev}
	case Transcription:
		record = struct {
			header
			TranscriptionSegment
		}{h, ev.TranscriptionSegment}
	case MetricsUpdate:
		record = struct {
			header
			MetricsSnapshot
		}{h, ev.MetricsSnapshot}
	case StateChange:
		record = struct {
			header
			StateChange
		}{h, ev}
	default:
		return nil, fmt.Errorf("encode %T: %w", e, ErrUnknownKind)
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Kind(), err)
	}
	return append(payload, '\n'), nil
}

// Decode parses one record. Fields it does not know are ignored; a record with
// an unrecognized type yields ErrUnknownKind.
func Decode(line []byte) (Event, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, fmt.Errorf("%w: empty line", ErrMalformed)
	}

	var h header
	if err := json.Unmarshal(line, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if h.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	var (
		e   Event
		err error
	)
	switch h.Type {
	case KindSessionStart:
		var v SessionStart
		err = json.Unmarshal(line, &v)
		e = v
	case KindSessionEnd:
		var v SessionEnd
		err = json.Unmarshal(line, &v)
		e = v
	case KindTranscription:
		var v Transcription
		err = json.Unmarshal(line, &v)
		e = v
	case KindMetricsUpdate:
		var v MetricsUpdate
		err = json.Unmarshal(line, &v)
		e = v
	case KindStateChange:
		var v StateChange
		err = json.Unmarshal(line, &v)
		e = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, h.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, h.Type, err)
	}
	return e, nil
}
