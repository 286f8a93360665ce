// Package sqlite stores the checkout log in a local SQLite file.
//
// WAL mode lets the status endpoint read while checkouts append.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jcmexdev/pos-checkout/internal/coordinator/sagalog"

	// Pure-Go driver, no CGO needed in the container image.
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkout_log (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    saga_id      TEXT NOT NULL,
    status       TEXT NOT NULL,
    step         TEXT NOT NULL DEFAULT '',
    payload      TEXT,
    errors       TEXT NOT NULL DEFAULT '[]',
    trace_id     TEXT NOT NULL DEFAULT '',
    span_id      TEXT NOT NULL DEFAULT '',
    recorded_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_checkout_log_saga_id ON checkout_log(saga_id, id);
CREATE INDEX IF NOT EXISTS idx_checkout_log_trace_id ON checkout_log(trace_id);
`

var _ sagalog.Repository = (*Repository)(nil)

type Repository struct {
	db *sql.DB
}

// Open opens or creates the database file at path and applies the schema.
func Open(path string) (*Repository, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	// One writer; SQLite serialises writes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) Save(ctx context.Context, e *sagalog.Entry) error {
	const q = `
		INSERT INTO checkout_log
			(saga_id, status, step, payload, errors, trace_id, span_id, recorded_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, q,
		e.SagaID,
		string(e.Status),
		e.Step,
		nullableString(e.Payload),
		e.Errors,
		e.TraceID,
		e.SpanID,
		formatTime(e.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save entry for %q: %w", e.SagaID, err)
	}
	return nil
}

// List returns every entry of a checkout in the order they were written.
func (r *Repository) List(ctx context.Context, sagaID string) ([]*sagalog.Entry, error) {
	const q = `
		SELECT saga_id, status, step, COALESCE(payload, ''), errors, trace_id, span_id, recorded_at
		FROM   checkout_log
		WHERE  saga_id = ?
		ORDER  BY id`

	rows, err := r.db.QueryContext(ctx, q, sagaID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list %q: %w", sagaID, err)
	}
	defer rows.Close()

	var out []*sagalog.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list %q: %w", sagaID, err)
	}
	return out, nil
}

// Latest returns the most recent entry of a checkout.
func (r *Repository) Latest(ctx context.Context, sagaID string) (*sagalog.Entry, error) {
	const q = `
		SELECT saga_id, status, step, COALESCE(payload, ''), errors, trace_id, span_id, recorded_at
		FROM   checkout_log
		WHERE  saga_id = ?
		ORDER  BY id DESC
		LIMIT  1`

	e, err := scanEntry(r.db.QueryRowContext(ctx, q, sagaID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: latest %q: %w", sagaID, sagalog.ErrNotFound)
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*sagalog.Entry, error) {
	var (
		e          sagalog.Entry
		recordedAt string
	)
	err := s.Scan(&e.SagaID, &e.Status, &e.Step, &e.Payload, &e.Errors, &e.TraceID, &e.SpanID, &recordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan entry: %w", err)
	}
	if e.RecordedAt, err = parseTime(recordedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// nullableString stores NULL for the payload of non-STARTED rows.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
