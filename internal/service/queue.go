package service

import (
	"context"

	"floorsync/internal/models"
	"floorsync/internal/retry"
)

// QueueService exposes the retry queue. Replay is also triggered once at
// process start (cmd/main.go) when the queue is non-empty.
type QueueService struct {
	queue *retry.Queue
}

func NewQueueService(queue *retry.Queue) *QueueService {
	return &QueueService{queue: queue}
}

// GetFailedSubmissions lists every queued write, exhausted entries
// included: they stay enumerable until explicitly cleared.
func (s *QueueService) GetFailedSubmissions(ctx context.Context) ([]models.FailedSubmission, error) {
	return s.queue.List(ctx)
}

// RetryFailedSubmissions replays the queue once. Overlapping invocations
// are rejected with retry.ErrReplayInFlight.
func (s *QueueService) RetryFailedSubmissions(ctx context.Context) (retry.Result, error) {
	return s.queue.ReplayAll(ctx)
}

// ClearExhaustedSubmissions drops entries that ran out of attempts.
func (s *QueueService) ClearExhaustedSubmissions(ctx context.Context) (int64, error) {
	return s.queue.ClearExhausted(ctx)
}
