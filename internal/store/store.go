package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	apperr "github.com/meeting-tensor/platform/internal/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS meetings (
	id          TEXT PRIMARY KEY,
	title       TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'live',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	audio_path  TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS segments (
	id         TEXT PRIMARY KEY,
	meeting_id TEXT NOT NULL REFERENCES meetings(id) ON DELETE CASCADE,
	seq        INTEGER NOT NULL,
	text       TEXT NOT NULL,
	speaker    TEXT NOT NULL DEFAULT '',
	start_ms   INTEGER NOT NULL,
	end_ms     INTEGER NOT NULL,
	source     TEXT NOT NULL,
	UNIQUE(meeting_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_segments_meeting ON segments(meeting_id, seq);
`

// Store provides access to the meetings database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path with WAL and foreign keys.
// ":memory:" opens a private in-memory database.
func Open(path string) (*Store, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeStoreFailed, "create database dir")
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeStoreFailed, "open database")
	}
	if path == ":memory:" {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, apperr.Wrap(err, apperr.CodeStoreFailed, "ping database")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apperr.Wrap(err, apperr.CodeStoreFailed, "migrate schema")
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, apperr.Wrap(err, apperr.CodeStoreFailed, "enable foreign keys")
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateMeeting inserts a new live meeting.
func (s *Store) CreateMeeting(ctx context.Context, title string) (*Meeting, error) {
	m := &Meeting{
		ID:        uuid.NewString(),
		Title:     title,
		Status:    StatusLive,
		CreatedAt: s.now().UTC().Truncate(time.Millisecond),
	}
	if m.Title == "" {
		m.Title = "Meeting " + m.CreatedAt.Local().Format("2006-01-02 15:04")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meetings (id, title, status, created_at) VALUES (?, ?, ?, ?)`,
		m.ID, m.Title, m.Status, m.CreatedAt.UnixMilli())
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeStoreFailed, "insert meeting")
	}
	return m, nil
}

// AppendSegments adds live segments after the meeting's current last sequence number.
func (s *Store) AppendSegments(ctx context.Context, meetingID string, segs []Segment) error {
	if len(segs) == 0 {
		return nil
	}
	return s.inTx(ctx, "append segments", func(tx *sql.Tx) error {
		var next int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), -1) + 1 FROM segments WHERE meeting_id = ?`, meetingID,
		).Scan(&next); err != nil {
			return err
		}
		return insertSegments(ctx, tx, meetingID, next, segs, SourceLive)
	})
}

// ReplaceSegments atomically swaps all of a meeting's segments for segs and marks it reconciled.
func (s *Store) ReplaceSegments(ctx context.Context, meetingID string, segs []Segment) error {
	return s.inTx(ctx, "replace segments", func(tx *sql.Tx) error {
		if err := requireMeeting(ctx, tx, meetingID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM segments WHERE meeting_id = ?`, meetingID); err != nil {
			return err
		}
		if err := insertSegments(ctx, tx, meetingID, 0, segs, SourceBatch); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE meetings SET status = ? WHERE id = ?`, StatusReconciled, meetingID)
		return err
	})
}

// UpdateDuration sets the meeting's total duration.
func (s *Store) UpdateDuration(ctx context.Context, meetingID string, durationMS int64) error {
	return s.updateMeeting(ctx, "update duration", `UPDATE meetings SET duration_ms = ? WHERE id = ?`, durationMS, meetingID)
}

// MarkRecorded stores the recording path and moves a live meeting to recorded.
func (s *Store) MarkRecorded(ctx context.Context, meetingID, audioPath string) error {
	return s.updateMeeting(ctx, "mark recorded",
		`UPDATE meetings SET audio_path = ?, status = CASE WHEN status = 'live' THEN 'recorded' ELSE status END WHERE id = ?`,
		audioPath, meetingID)
}

func (s *Store) updateMeeting(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeStoreFailed, op)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.CodeNotFound, "meeting not found").WithMetadata("meeting_id", fmt.Sprint(args[len(args)-1]))
	}
	return nil
}

// GetMeeting returns a meeting with its segments in sequence order.
func (s *Store) GetMeeting(ctx context.Context, id string) (*Meeting, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, status, duration_ms, audio_path, created_at FROM meetings WHERE id = ?`, id)
	m, err := scanMeeting(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.CodeNotFound, "meeting not found").WithMetadata("meeting_id", id)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeStoreFailed, "scan meeting")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, meeting_id, seq, text, speaker, start_ms, end_ms, source
		FROM segments
		WHERE meeting_id = ?
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeStoreFailed, "query segments")
	}
	defer rows.Close()

	for rows.Next() {
		var seg Segment
		if err := rows.Scan(&seg.ID, &seg.MeetingID, &seg.Seq, &seg.Text, &seg.Speaker,
			&seg.StartMS, &seg.EndMS, &seg.Source); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeStoreFailed, "scan segment")
		}
		m.Segments = append(m.Segments, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeStoreFailed, "iterate segments")
	}
	return m, nil
}

// ListMeetings returns up to limit meetings, newest first, without segments.
func (s *Store) ListMeetings(ctx context.Context, limit int) ([]Meeting, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, status, duration_ms, audio_path, created_at
		FROM meetings
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeStoreFailed, "query meetings")
	}
	defer rows.Close()

	meetings := []Meeting{}
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeStoreFailed, "scan meeting")
		}
		meetings = append(meetings, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeStoreFailed, "iterate meetings")
	}
	return meetings, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMeeting(row scanner) (*Meeting, error) {
	var m Meeting
	var createdAt int64
	if err := row.Scan(&m.ID, &m.Title, &m.Status, &m.DurationMS, &m.AudioPath, &createdAt); err != nil {
		return nil, err
	}
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &m, nil
}

func (s *Store) inTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeStoreFailed, op)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		var appErr *apperr.AppError
		if errors.As(err, &appErr) {
			return err
		}
		return apperr.Wrap(err, apperr.CodeStoreFailed, op)
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(err, apperr.CodeStoreFailed, op)
	}
	return nil
}

func requireMeeting(ctx context.Context, tx *sql.Tx, id string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM meetings WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.New(apperr.CodeNotFound, "meeting not found").WithMetadata("meeting_id", id)
	}
	return err
}

func insertSegments(ctx context.Context, tx *sql.Tx, meetingID string, firstSeq int, segs []Segment, source string) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO segments (id, meeting_id, seq, text, speaker, start_ms, end_ms, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, seg := range segs {
		if seg.ID == "" {
			seg.ID = uuid.NewString()
		}
		if seg.Source == "" {
			seg.Source = source
		}
		if _, err := stmt.ExecContext(ctx, seg.ID, meetingID, firstSeq+i, seg.Text, seg.Speaker,
			seg.StartMS, seg.EndMS, seg.Source); err != nil {
			return err
		}
	}
	return nil
}
