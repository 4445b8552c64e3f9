package service

import (
	"context"
	"time"

	"floorsync/internal/fanout"
	"floorsync/internal/logger"
	"floorsync/internal/models"
	"floorsync/internal/remote"
	"floorsync/internal/repository"
	"floorsync/internal/retry"
	"floorsync/internal/session"
)

// Machines exposes machine-state reads and optimistic writes.
type Machines interface {
	Warm(ctx context.Context)
	GetMachinesData(ctx context.Context) ([]models.MachineState, error)
	AddMachine(ctx context.Context, m models.MachineState) (models.MachineState, models.WriteResult, error)
	UpdateMachine(ctx context.Context, m models.MachineState) (models.WriteResult, error)
	DeleteMachine(ctx context.Context, id string) (models.WriteResult, error)
	SubscribeToMachineUpdates(fn func([]models.MachineState)) fanout.Unsubscribe
}

// Sessions exposes the live-session claim protocol.
type Sessions interface {
	FetchActiveSessions(ctx context.Context) ([]models.LiveSession, error)
	UpsertLiveSession(ctx context.Context, s models.LiveSession) (models.WriteResult, error)
	DeleteLiveSession(ctx context.Context, machine string, shift models.Shift, date string) (models.WriteResult, error)
	ActiveClaims(ctx context.Context, parentMachine string, subUnitCount int) ([]int, error)
	SubscribeToSessionChanges(fn func([]models.LiveSession)) fanout.Unsubscribe
}

// SubmissionQueue exposes the retry queue to the UI layer.
type SubmissionQueue interface {
	GetFailedSubmissions(ctx context.Context) ([]models.FailedSubmission, error)
	RetryFailedSubmissions(ctx context.Context) (retry.Result, error)
	ClearExhaustedSubmissions(ctx context.Context) (int64, error)
}

// History exposes shift-submission records and their retention policy.
type History interface {
	RecordSubmission(ctx context.Context, rec models.SubmissionRecord) error
	ListSubmissions(ctx context.Context, from, to time.Time, machine string) ([]models.SubmissionRecord, error)
	CleanupOldHistory(ctx context.Context) (int64, error)
}

// Retention bounds how much submission history is kept.
type Retention struct {
	MaxAge   time.Duration
	MaxCount int
}

// Service aggregates all sub-services.
type Service struct {
	Machines
	Sessions
	SubmissionQueue
	History
}

// Deps carries the explicitly owned state injected into the services.
// Nothing here is ambient: lifecycle is tied to process start/shutdown in
// cmd/main.go.
type Deps struct {
	Repos     *repository.Repository
	Adapter   remote.Adapter // nil when no remote is configured
	Queue     *retry.Queue
	Sessions  *session.Manager
	CacheTTL  time.Duration
	Retention Retention
	Log       *logger.Logger
}

func NewService(d Deps) *Service {
	machines := NewMachineService(d.Repos.KV, d.Adapter, d.Queue, d.CacheTTL, d.Log)
	sessions := NewSessionService(d.Sessions)
	return &Service{
		Machines:        machines,
		Sessions:        sessions,
		SubmissionQueue: NewQueueService(d.Queue),
		History:         NewHistoryService(d.Repos.History, d.Repos.KV, machines, d.Sessions, d.Retention, d.Log),
	}
}
