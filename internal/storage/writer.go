package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sjawhar/wispr-broadcast/internal/events"
)

// Writer appends a human-readable transcript to one Markdown file per day.
type Writer struct {
	dir string
	mu  sync.Mutex
}

func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

func (w *Writer) StartSession(id int64, at time.Time) error {
	return w.appendLine(at, fmt.Sprintf("\n## Session %d (%s)\n", id, at.Format("15:04:05")))
}

func (w *Writer) EndSession(id int64, at time.Time) error {
	return w.appendLine(at, fmt.Sprintf("\n_Session %d ended at %s._\n", id, at.Format("15:04:05")))
}

// AppendSegment writes one transcription line. sessionID is unused; the file
// layout already groups lines under their session heading.
func (w *Writer) AppendSegment(_ *int64, seg events.TranscriptionSegment, at time.Time) error {
	return w.appendLine(at, FormatMarkdown(seg))
}

func (w *Writer) CurrentPath() string {
	return w.pathFor(time.Now())
}

func (w *Writer) pathFor(at time.Time) string {
	return filepath.Join(w.dir, at.Format("2006-01-02")+".md")
}

func (w *Writer) appendLine(at time.Time, line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", w.dir, err)
	}

	path := w.pathFor(at)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := fmt.Fprintln(f, line); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func FormatMarkdown(seg events.TranscriptionSegment) string {
	return fmt.Sprintf("**[%s]** %s _(%d words, %.0f wpm)_", seg.Timestamp, strings.TrimSpace(seg.Text), seg.Words, seg.WPM)
}
