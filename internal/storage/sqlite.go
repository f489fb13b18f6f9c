package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sjawhar/wispr-broadcast/internal/events"
)

const (
	StatusActive = "active"
	StatusEnded  = "ended"
)

type Session struct {
	ID        int64      `json:"id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Status    string     `json:"status"`
	Segments  int        `json:"segments"`
	Words     int        `json:"words"`
}

// Segment is a stored transcription. SessionID is nil for segments recorded
// outside any session.
type Segment struct {
	SessionID  *int64
	RecordedAt time.Time
	events.TranscriptionSegment
}

// SQLiteStore keeps a durable history of sessions and their transcriptions.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("history db path is required")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			status TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS segments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id INTEGER,
			text TEXT NOT NULL,
			clock TEXT NOT NULL,
			wpm REAL NOT NULL,
			latency_ms REAL NOT NULL,
			words INTEGER NOT NULL,
			recorded_at TEXT NOT NULL,
			FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);
	`); err != nil {
		return fmt.Errorf("create segments table: %w", err)
	}

	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at)"); err != nil {
		return fmt.Errorf("create sessions index: %w", err)
	}
	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_segments_session_id ON segments(session_id, id)"); err != nil {
		return fmt.Errorf("create segments index: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// StartSession records a new active session. Reusing an id that is already
// stored is an error.
func (s *SQLiteStore) StartSession(id int64, startedAt time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions(id, started_at, status) VALUES(?, ?, ?)`,
		id,
		startedAt.UTC().Format(time.RFC3339Nano),
		StatusActive,
	)
	if err != nil {
		return fmt.Errorf("create session %d: %w", id, err)
	}
	return nil
}

// EndSession marks a stored session ended. It returns sql.ErrNoRows when the
// session was never recorded.
func (s *SQLiteStore) EndSession(id int64, endedAt time.Time) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET ended_at = ?, status = ? WHERE id = ?`,
		endedAt.UTC().Format(time.RFC3339Nano),
		StatusEnded,
		id,
	)
	if err != nil {
		return fmt.Errorf("end session %d: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("end session rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteStore) AppendSegment(sessionID *int64, seg events.TranscriptionSegment, recordedAt time.Time) error {
	var sid sql.NullInt64
	if sessionID != nil {
		sid = sql.NullInt64{Int64: *sessionID, Valid: true}
	}

	_, err := s.db.Exec(
		`INSERT INTO segments(session_id, text, clock, wpm, latency_ms, words, recorded_at) VALUES(?, ?, ?, ?, ?, ?, ?)`,
		sid,
		strings.TrimSpace(seg.Text),
		seg.Timestamp,
		seg.WPM,
		seg.LatencyMs,
		seg.Words,
		recordedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append segment: %w", err)
	}
	return nil
}

const sessionColumns = `s.id, s.started_at, s.ended_at, s.status,
	(SELECT COUNT(*) FROM segments g WHERE g.session_id = s.id),
	(SELECT COALESCE(SUM(g.words), 0) FROM segments g WHERE g.session_id = s.id)`

func (s *SQLiteStore) GetSession(id int64) (Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions s WHERE s.id = ?`, id)

	sess, err := scanSession(row)
	if err != nil {
		return Session{}, fmt.Errorf("query session %d: %w", id, err)
	}
	return sess, nil
}

func (s *SQLiteStore) GetSessionsByDate(date string) ([]Session, error) {
	rows, err := s.db.Query(
		`SELECT `+sessionColumns+`
		 FROM sessions s
		 WHERE substr(s.started_at, 1, 10) = ?
		 ORDER BY s.started_at DESC`,
		date,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions by date %s: %w", date, err)
	}
	defer func() { _ = rows.Close() }()

	sessions := make([]Session, 0, 16)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions rows: %w", err)
	}
	return sessions, nil
}

func (s *SQLiteStore) GetDates() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT substr(started_at, 1, 10) AS date FROM sessions ORDER BY date DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query dates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan date: %w", err)
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dates rows: %w", err)
	}

	return dates, nil
}

func (s *SQLiteStore) GetSegments(sessionID int64) ([]Segment, error) {
	rows, err := s.db.Query(
		`SELECT session_id, text, clock, wpm, latency_ms, words, recorded_at
		 FROM segments
		 WHERE session_id = ?
		 ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query segments for session %d: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	segments := make([]Segment, 0, 32)
	for rows.Next() {
		var (
			seg Segment
			sid sql.NullInt64
			ts  string
		)
		if err := rows.Scan(&sid, &seg.Text, &seg.Timestamp, &seg.WPM, &seg.LatencyMs, &seg.Words, &ts); err != nil {
			return nil, fmt.Errorf("scan segment for session %d: %w", sessionID, err)
		}
		if sid.Valid {
			id := sid.Int64
			seg.SessionID = &id
		}

		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse segment timestamp for session %d: %w", sessionID, err)
		}
		seg.RecordedAt = parsed

		segments = append(segments, seg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate segment rows for session %d: %w", sessionID, err)
	}

	return segments, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		sess      Session
		startedAt string
		endedAt   sql.NullString
	)
	if err := row.Scan(&sess.ID, &startedAt, &endedAt, &sess.Status, &sess.Segments, &sess.Words); err != nil {
		return Session{}, err
	}

	parsedStart, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return Session{}, fmt.Errorf("parse started_at: %w", err)
	}
	sess.StartedAt = parsedStart

	if endedAt.Valid {
		parsedEnd, err := time.Parse(time.RFC3339Nano, endedAt.String)
		if err != nil {
			return Session{}, fmt.Errorf("parse ended_at: %w", err)
		}
		sess.EndedAt = &parsedEnd
	}
	return sess, nil
}
