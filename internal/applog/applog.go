package applog

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// FilePrefix names the daily log files: wispr-broadcast-YYYY-MM-DD.log.
	FilePrefix = "wispr-broadcast"

	defaultKeepDays = 7
)

// DailyRotator is an io.Writer that appends to a date-stamped file and
// switches to a new file when the calendar day changes. Files beyond keep
// are removed oldest first.
type DailyRotator struct {
	mu     sync.Mutex
	dir    string
	prefix string
	keep   int
	date   string
	file   *os.File
	now    func() time.Time
}

func NewDailyRotator(dir, prefix string, keep int) *DailyRotator {
	if keep <= 0 {
		keep = defaultKeepDays
	}
	return &DailyRotator{
		dir:    dir,
		prefix: prefix,
		keep:   keep,
		now:    time.Now,
	}
}

// SetNow replaces the clock. Tests only.
func (r *DailyRotator) SetNow(fn func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = fn
}

func (r *DailyRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if today := r.now().Format("2006-01-02"); today != r.date {
		if err := r.rotate(today); err != nil {
			return 0, err
		}
	}
	return r.file.Write(p)
}

func (r *DailyRotator) rotate(date string) error {
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}
	f, err := os.OpenFile(r.fileName(date), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	r.file = f
	r.date = date
	r.prune()
	return nil
}

func (r *DailyRotator) fileName(date string) string {
	return filepath.Join(r.dir, r.prefix+"-"+date+".log")
}

func (r *DailyRotator) prune() {
	matches, err := filepath.Glob(filepath.Join(r.dir, r.prefix+"-*.log"))
	if err != nil || len(matches) <= r.keep {
		return
	}
	sort.Strings(matches)
	for _, name := range matches[:len(matches)-r.keep] {
		_ = os.Remove(name)
	}
}

func (r *DailyRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	r.date = ""
	return err
}

type InitConfig struct {
	// LogDir enables daily file output. Empty logs to Stderr.
	LogDir   string
	LogLevel string
	KeepDays int
	// Stderr overrides os.Stderr when LogDir is empty.
	Stderr io.Writer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Init builds the process logger, installs it as slog.Default and points the
// stdlib log package at the same output. The returned io.Closer must be
// closed by the caller.
func Init(cfg InitConfig) (*slog.Logger, io.Closer, error) {
	var (
		out    io.Writer
		closer io.Closer = nopCloser{}
	)

	if cfg.LogDir == "" {
		out = cfg.Stderr
		if out == nil {
			out = os.Stderr
		}
	} else {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		rotator := NewDailyRotator(cfg.LogDir, FilePrefix, cfg.KeepDays)
		out = rotator
		closer = rotator
	}

	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: ParseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)
	log.SetOutput(out)
	log.SetFlags(0)
	return logger, closer, nil
}

// ParseLevel converts a level name to slog.Level. Unknown names give LevelInfo.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
