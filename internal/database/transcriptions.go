package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Status is the lifecycle state of a transcription record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions happen from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrNotFound is returned when no record matches the requested id (or, for
// state transitions, no record in a state that allows the transition).
var ErrNotFound = errors.New("transcription not found")

// Transcription is one uploaded file and its transcript.
type Transcription struct {
	ID           int64     `json:"id"`
	AudioFile    string    `json:"audio_file"`
	OriginalName string    `json:"original_name"`
	Transcript   string    `json:"transcript"`
	Status       Status    `json:"status"`
	ErrorKind    *string   `json:"error_kind"`
	Backend      string    `json:"backend"`
	DurationMs   int       `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TranscriptUpdate is the result of one attempt, written by SetTranscript.
type TranscriptUpdate struct {
	Transcript string
	Failed     bool
	ErrorKind  string // empty on success
	Backend    string
	DurationMs int
}

// TranscriptionFilter selects a page of records, newest first.
type TranscriptionFilter struct {
	Status Status // empty = all
	Limit  int
	Offset int
}

const transcriptionColumns = `id, audio_file, original_name, transcript, status,
	error_kind, backend, duration_ms, created_at, updated_at`

func scanTranscription(row pgx.Row, extra ...any) (*Transcription, error) {
	var t Transcription
	dest := []any{
		&t.ID, &t.AudioFile, &t.OriginalName, &t.Transcript, &t.Status,
		&t.ErrorKind, &t.Backend, &t.DurationMs, &t.CreatedAt, &t.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTranscription inserts a pending record for a stored audio file.
func (db *DB) CreateTranscription(ctx context.Context, audioFile, originalName string) (*Transcription, error) {
	t, err := scanTranscription(db.Pool.QueryRow(ctx, `
		INSERT INTO transcriptions (audio_file, original_name)
		VALUES ($1, $2)
		RETURNING `+transcriptionColumns,
		audioFile, originalName,
	))
	if err != nil {
		return nil, fmt.Errorf("insert transcription: %w", err)
	}
	return t, nil
}

// MarkProcessing claims a pending record for one worker and records the
// backend handling it. A record that is not pending returns ErrNotFound, so a
// job queued twice is only transcribed once.
func (db *DB) MarkProcessing(ctx context.Context, id int64, backend string) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE transcriptions
		SET status = 'processing', backend = $2, updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`, id, backend)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTranscript stores the outcome of an attempt and moves the record to
// completed or failed.
func (db *DB) SetTranscript(ctx context.Context, id int64, u TranscriptUpdate) error {
	status := StatusCompleted
	if u.Failed {
		status = StatusFailed
	}
	tag, err := db.Pool.Exec(ctx, `
		UPDATE transcriptions
		SET transcript = $2,
			status = $3,
			error_kind = $4,
			backend = COALESCE(NULLIF($5, ''), backend),
			duration_ms = $6,
			updated_at = now()
		WHERE id = $1
	`, id, u.Transcript, status, pqString(u.ErrorKind), u.Backend, u.DurationMs)
	if err != nil {
		return fmt.Errorf("set transcript: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTranscription returns one record by id.
func (db *DB) GetTranscription(ctx context.Context, id int64) (*Transcription, error) {
	t, err := scanTranscription(db.Pool.QueryRow(ctx,
		`SELECT `+transcriptionColumns+` FROM transcriptions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transcription: %w", err)
	}
	return t, nil
}

// ListTranscriptions returns a page of records and the total matching count.
func (db *DB) ListTranscriptions(ctx context.Context, f TranscriptionFilter) ([]Transcription, int, error) {
	limit, offset := clampPage(f.Limit, f.Offset)

	rows, err := db.Pool.Query(ctx, `
		SELECT `+transcriptionColumns+`, count(*) OVER () AS total
		FROM transcriptions
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, pqString(string(f.Status)), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list transcriptions: %w", err)
	}
	defer rows.Close()

	result := []Transcription{}
	total := 0
	for rows.Next() {
		t, err := scanTranscription(rows, &total)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(result) == 0 && offset > 0 {
		// Past the last page: window count is unavailable without rows.
		if err := db.Pool.QueryRow(ctx,
			`SELECT count(*) FROM transcriptions WHERE ($1::text IS NULL OR status = $1)`,
			pqString(string(f.Status)),
		).Scan(&total); err != nil {
			return nil, 0, err
		}
	}
	return result, total, nil
}

// ResetInterrupted returns records left in processing by a previous run to
// pending. Only call it before any worker has started.
func (db *DB) ResetInterrupted(ctx context.Context) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE transcriptions
		SET status = 'pending', updated_at = now()
		WHERE status = 'processing'
	`)
	if err != nil {
		return 0, fmt.Errorf("reset interrupted: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListUnfinished returns pending and processing records, oldest first.
func (db *DB) ListUnfinished(ctx context.Context) ([]Transcription, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+transcriptionColumns+`
		FROM transcriptions
		WHERE status IN ('pending', 'processing')
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list unfinished: %w", err)
	}
	defer rows.Close()

	var result []Transcription
	for rows.Next() {
		t, err := scanTranscription(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}
