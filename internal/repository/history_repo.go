package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"floorsync/internal/models"
)

type HistorySQLite struct {
	db *sql.DB
}

func NewHistorySQLite(db *sql.DB) *HistorySQLite { return &HistorySQLite{db: db} }

// Append inserts one completed shift submission.
func (r *HistorySQLite) Append(ctx context.Context, rec models.SubmissionRecord) error {
	if rec.SubmittedAt.IsZero() {
		rec.SubmittedAt = time.Now().UTC()
	} else {
		rec.SubmittedAt = rec.SubmittedAt.UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO submission_history (machine_name, shift, date, operator_name, waste, downtime, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		rec.MachineName,
		string(rec.Shift),
		rec.Date,
		rec.OperatorName,
		rec.Waste,
		rec.Downtime,
		rec.SubmittedAt,
	)
	return err
}

// List returns submissions filtered by [from, to] (inclusive) and/or
// machine name, ordered by submission time ascending.
func (r *HistorySQLite) List(ctx context.Context, from, to time.Time, machine string) ([]models.SubmissionRecord, error) {
	var (
		conds []string
		args  []any
	)

	if !from.IsZero() {
		conds = append(conds, "submitted_at >= ?")
		args = append(args, from.UTC())
	}
	if !to.IsZero() {
		conds = append(conds, "submitted_at <= ?")
		args = append(args, to.UTC())
	}
	if machine = strings.TrimSpace(machine); machine != "" {
		conds = append(conds, "machine_name = ?")
		args = append(args, machine)
	}

	q := `SELECT id, machine_name, shift, date, operator_name, waste, downtime, submitted_at FROM submission_history`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY submitted_at ASC"

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.SubmissionRecord, 0, 64)
	for rows.Next() {
		var rec models.SubmissionRecord
		var shift string
		if err := rows.Scan(&rec.ID, &rec.MachineName, &shift, &rec.Date, &rec.OperatorName, &rec.Waste, &rec.Downtime, &rec.SubmittedAt); err != nil {
			return nil, err
		}
		rec.Shift = models.Shift(shift)
		rec.SubmittedAt = rec.SubmittedAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes rows older than maxAge and, when maxCount > 0, trims the
// remainder down to the maxCount newest rows. Returns rows removed.
func (r *HistorySQLite) Prune(ctx context.Context, maxAge time.Duration, maxCount int) (int64, error) {
	var removed int64

	if maxAge > 0 {
		cutoff := time.Now().UTC().Add(-maxAge)
		res, err := r.db.ExecContext(ctx, `DELETE FROM submission_history WHERE submitted_at < ?`, cutoff)
		if err != nil {
			return removed, err
		}
		n, _ := res.RowsAffected()
		removed += n
	}

	if maxCount > 0 {
		res, err := r.db.ExecContext(ctx, `
			DELETE FROM submission_history WHERE id NOT IN (
				SELECT id FROM submission_history ORDER BY submitted_at DESC LIMIT ?
			)
		`, maxCount)
		if err != nil {
			return removed, err
		}
		n, _ := res.RowsAffected()
		removed += n
	}

	return removed, nil
}
