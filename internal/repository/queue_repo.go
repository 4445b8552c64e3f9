package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"floorsync/internal/models"
)

type QueueSQLite struct {
	db *sql.DB
}

func NewQueueSQLite(db *sql.DB) *QueueSQLite { return &QueueSQLite{db: db} }

const (
	insertSubmissionSQL = `
		INSERT INTO failed_submissions (id, created_at, retry_count, max_retries, payload, last_error)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	listSubmissionsSQL = `
		SELECT id, created_at, retry_count, max_retries, payload, last_error
		FROM failed_submissions ORDER BY created_at ASC
	`

	markAttemptSQL = `
		UPDATE failed_submissions SET retry_count=?, last_error=? WHERE id=?
	`

	deleteSubmissionSQL = `DELETE FROM failed_submissions WHERE id=?`
	deleteExhaustedSQL  = `DELETE FROM failed_submissions WHERE retry_count >= max_retries`
	countSubmissionsSQL = `SELECT COUNT(*) FROM failed_submissions`
)

// Append inserts a new failed submission. Missing ID/Timestamp are set.
func (r *QueueSQLite) Append(ctx context.Context, f models.FailedSubmission) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now().UTC()
	} else {
		f.Timestamp = f.Timestamp.UTC()
	}
	if f.MaxRetries <= 0 {
		f.MaxRetries = models.DefaultMaxRetries
	}

	_, err := r.db.ExecContext(ctx, insertSubmissionSQL,
		f.ID,
		f.Timestamp,
		f.RetryCount,
		f.MaxRetries,
		string(f.Payload),
		f.LastError,
	)
	return err
}

// List returns all queued submissions, oldest first.
func (r *QueueSQLite) List(ctx context.Context) ([]models.FailedSubmission, error) {
	rows, err := r.db.QueryContext(ctx, listSubmissionsSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.FailedSubmission, 0, 8)
	for rows.Next() {
		var f models.FailedSubmission
		var payload string
		var lastErr sql.NullString
		if err := rows.Scan(&f.ID, &f.Timestamp, &f.RetryCount, &f.MaxRetries, &payload, &lastErr); err != nil {
			return nil, err
		}
		f.Timestamp = f.Timestamp.UTC()
		f.Payload = []byte(payload)
		if lastErr.Valid {
			f.LastError = lastErr.String
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// MarkAttempt records one unsuccessful replay attempt.
func (r *QueueSQLite) MarkAttempt(ctx context.Context, id string, retryCount int, lastError string) error {
	_, err := r.db.ExecContext(ctx, markAttemptSQL, retryCount, lastError, id)
	return err
}

// Delete removes one entry, used after a successful replay.
func (r *QueueSQLite) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, deleteSubmissionSQL, id)
	return err
}

// DeleteExhausted removes entries that reached their retry limit. Only
// called on explicit operator request; automatic replay never drops them.
func (r *QueueSQLite) DeleteExhausted(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, deleteExhaustedSQL)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Count returns the number of queued submissions.
func (r *QueueSQLite) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, countSubmissionsSQL).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
