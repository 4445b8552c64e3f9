// Package retry parks writes that failed against the remote authority and
// replays them later. Entries survive restarts and are never dropped
// silently: once an entry exhausts its attempts it stays visible until an
// operator clears it.
package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"floorsync/internal/logger"
	"floorsync/internal/models"
	"floorsync/internal/remote"
	"floorsync/internal/repository"
)

// Operations a payload can describe.
const (
	OpUpsert = "upsert"
	OpDelete = "delete"
)

// ErrReplayInFlight is returned when ReplayAll is invoked while a previous
// invocation is still running. Overlapping replays would risk duplicate
// submission attempts.
var ErrReplayInFlight = errors.New("replay already in flight")

// Payload is the original write, replayed verbatim against the adapter.
type Payload struct {
	Op          string        `json:"op"` // upsert | delete
	Table       string        `json:"table"`
	ConflictKey string        `json:"conflict_key,omitempty"`
	ID          string        `json:"id,omitempty"`
	Record      remote.Record `json:"record,omitempty"`
}

// Result summarizes one ReplayAll run.
type Result struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"` // entries skipped because attempts are exhausted
	Remaining int `json:"remaining"`
}

// Queue is the durable retry queue. Process-wide singleton, injected where
// needed.
type Queue struct {
	repo       repository.QueueRepo
	adapter    remote.Adapter
	log        *logger.Logger
	maxRetries int
	inFlight   atomic.Bool
}

func NewQueue(repo repository.QueueRepo, adapter remote.Adapter, maxRetries int, log *logger.Logger) *Queue {
	if maxRetries <= 0 {
		maxRetries = models.DefaultMaxRetries
	}
	return &Queue{
		repo:       repo,
		adapter:    adapter,
		log:        log,
		maxRetries: maxRetries,
	}
}

// Enqueue appends a failed write with a zero retry count.
func (q *Queue) Enqueue(ctx context.Context, p Payload, cause error) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode retry payload: %w", err)
	}
	f := models.FailedSubmission{
		MaxRetries: q.maxRetries,
		Payload:    raw,
	}
	if cause != nil {
		f.LastError = cause.Error()
	}
	if err := q.repo.Append(ctx, f); err != nil {
		return fmt.Errorf("persist failed submission: %w", err)
	}
	q.log.Infow("submission_queued_for_retry", "op", p.Op, "table", p.Table, "cause", f.LastError)
	return nil
}

// List returns every queued submission, exhausted ones included.
func (q *Queue) List(ctx context.Context) ([]models.FailedSubmission, error) {
	return q.repo.List(ctx)
}

// ClearExhausted removes entries that reached their retry limit.
func (q *Queue) ClearExhausted(ctx context.Context) (int64, error) {
	return q.repo.DeleteExhausted(ctx)
}

// ReplayAll walks the queue once. Entries with attempts left are retried
// against the adapter: success removes them, failure increments their retry
// count and records the error. Exhausted entries are counted as Failed and
// left untouched. Safe to call with no remote configured: it reports the
// queue length without side effects.
func (q *Queue) ReplayAll(ctx context.Context) (Result, error) {
	if !q.inFlight.CompareAndSwap(false, true) {
		return Result{}, ErrReplayInFlight
	}
	defer q.inFlight.Store(false)

	entries, err := q.repo.List(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list retry queue: %w", err)
	}

	if q.adapter == nil {
		return Result{Remaining: len(entries)}, nil
	}

	var res Result
	for _, entry := range entries {
		if entry.Exhausted() {
			res.Failed++
			continue
		}

		if err := q.replayOne(ctx, entry); err != nil {
			entry.RetryCount++
			if markErr := q.repo.MarkAttempt(ctx, entry.ID, entry.RetryCount, err.Error()); markErr != nil {
				q.log.Errorw("retry_mark_attempt_failed", "id", entry.ID, "err", markErr)
			}
			q.log.Warnw("retry_attempt_failed", "id", entry.ID, "attempt", entry.RetryCount, "max", entry.MaxRetries, "err", err)
			continue
		}

		if err := q.repo.Delete(ctx, entry.ID); err != nil {
			q.log.Errorw("retry_dequeue_failed", "id", entry.ID, "err", err)
			continue
		}
		res.Succeeded++
	}

	remaining, err := q.repo.Count(ctx)
	if err != nil {
		q.log.Errorw("retry_count_failed", "err", err)
		remaining = len(entries) - res.Succeeded
	}
	res.Remaining = remaining
	return res, nil
}

func (q *Queue) replayOne(ctx context.Context, entry models.FailedSubmission) error {
	var p Payload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	switch p.Op {
	case OpUpsert:
		return q.adapter.Upsert(ctx, p.Table, p.Record, p.ConflictKey)
	case OpDelete:
		return q.adapter.Delete(ctx, p.Table, p.ID)
	default:
		return fmt.Errorf("unknown retry op %q", p.Op)
	}
}
