package repository

import (
	"context"
	"database/sql"
	"time"

	"floorsync/internal/models"
)

// KVStore is the local durable cache: a string-keyed value store that
// mirrors entity state and is the source of record when the remote
// authority is unreachable.
type KVStore interface {
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Save(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Size(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

// QueueRepo persists failed submissions between process restarts.
type QueueRepo interface {
	Append(ctx context.Context, f models.FailedSubmission) error
	List(ctx context.Context) ([]models.FailedSubmission, error)
	MarkAttempt(ctx context.Context, id string, retryCount int, lastError string) error
	Delete(ctx context.Context, id string) error
	DeleteExhausted(ctx context.Context) (int64, error)
	Count(ctx context.Context) (int, error)
}

// HistoryRepo stores completed shift submissions.
type HistoryRepo interface {
	Append(ctx context.Context, rec models.SubmissionRecord) error
	List(ctx context.Context, from, to time.Time, machine string) ([]models.SubmissionRecord, error)
	Prune(ctx context.Context, maxAge time.Duration, maxCount int) (int64, error)
}

type Repository struct {
	KV      KVStore
	Queue   QueueRepo
	History HistoryRepo
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{
		KV:      NewKVSQLite(db),
		Queue:   NewQueueSQLite(db),
		History: NewHistorySQLite(db),
	}
}
