// Package store persists transfer metadata. It is a write-through record of
// what the queue holds and carries no scheduling logic.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no record has the requested id.
var ErrNotFound = errors.New("transfer record not found")

// Record is the persisted view of one transfer.
type Record struct {
	ID              string            `json:"id"`
	Kind            string            `json:"kind"`
	Handle          string            `json:"handle"`
	URL             string            `json:"url"`
	LocalPath       string            `json:"localPath"`
	Filename        string            `json:"filename,omitempty"`
	FinalPath       string            `json:"finalPath,omitempty"`
	State           string            `json:"state"`
	Received        int64             `json:"received"`
	Total           int64             `json:"total"`
	Throttle        int64             `json:"throttle"`
	AllowMobileData bool              `json:"allowMobileData"`
	Queued          bool              `json:"queued"`
	Headers         map[string]string `json:"headers,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	ErrorMessage    string            `json:"errorMessage,omitempty"`
	ErrorCategory   string            `json:"errorCategory,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// Store reads and writes transfer records.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a store on an already migrated connection.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

const columns = `id, kind, handle, url, local_path, filename, final_path, state,
	received, total, throttle, allow_mobile, queued, headers, metadata,
	error_message, error_category, created_at, updated_at`

// Save inserts r or updates the existing record with the same id.
func (s *Store) Save(ctx context.Context, r Record) error {
	headers, err := encodeMap(r.Headers)
	if err != nil {
		return fmt.Errorf("failed to encode headers: %w", err)
	}
	metadata, err := encodeMap(r.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	now := s.now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transfers (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			local_path = excluded.local_path,
			filename = excluded.filename,
			final_path = excluded.final_path,
			state = excluded.state,
			received = excluded.received,
			total = excluded.total,
			throttle = excluded.throttle,
			allow_mobile = excluded.allow_mobile,
			headers = excluded.headers,
			metadata = excluded.metadata,
			error_message = excluded.error_message,
			error_category = excluded.error_category,
			updated_at = excluded.updated_at`,
		r.ID, r.Kind, r.Handle, r.URL, r.LocalPath, r.Filename, r.FinalPath, r.State,
		r.Received, r.Total, r.Throttle, r.AllowMobileData, r.Queued, headers, metadata,
		r.ErrorMessage, r.ErrorCategory, r.CreatedAt.UTC(), now,
	)
	if err != nil {
		return fmt.Errorf("failed to save transfer %s: %w", r.ID, err)
	}
	return nil
}

// Get returns the record with id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM transfers WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer %s: %w", id, err)
	}
	return r, nil
}

// List returns records of kind ("" for all) oldest first.
func (s *Store) List(ctx context.Context, kind string) ([]*Record, error) {
	query := `SELECT ` + columns + ` FROM transfers`
	var args []any
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Delete removes the record with id.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM transfers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete transfer %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeFinished deletes finished, cancelled and failed records last updated
// before the cutoff and returns how many were removed.
func (s *Store) PurgeFinished(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM transfers
		WHERE state IN ('finish', 'cancel', 'error') AND updated_at < ?`,
		before.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge transfers: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		r                 Record
		headers, metadata string
	)
	err := sc.Scan(
		&r.ID, &r.Kind, &r.Handle, &r.URL, &r.LocalPath, &r.Filename, &r.FinalPath, &r.State,
		&r.Received, &r.Total, &r.Throttle, &r.AllowMobileData, &r.Queued, &headers, &metadata,
		&r.ErrorMessage, &r.ErrorCategory, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if r.Headers, err = decodeMap(headers); err != nil {
		return nil, err
	}
	if r.Metadata, err = decodeMap(metadata); err != nil {
		return nil, err
	}
	return &r, nil
}

func encodeMap(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func decodeMap(s string) (map[string]string, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}
