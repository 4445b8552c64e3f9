package handlers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"floorsync/internal/fanout"
	"floorsync/internal/logger"
	"floorsync/internal/models"
	"floorsync/internal/retry"
	"floorsync/internal/service"
)

// ---- Service Mocks ----

type mockMachines struct {
	machines  []models.MachineState
	listErr   error
	writeRes  models.WriteResult
	writeErr  error
	lastAdded models.MachineState
	deletedID string
	listeners []func([]models.MachineState)
}

func (m *mockMachines) Warm(ctx context.Context) {}
func (m *mockMachines) GetMachinesData(ctx context.Context) ([]models.MachineState, error) {
	return m.machines, m.listErr
}
func (m *mockMachines) AddMachine(ctx context.Context, mach models.MachineState) (models.MachineState, models.WriteResult, error) {
	m.lastAdded = mach
	return mach, m.writeRes, m.writeErr
}
func (m *mockMachines) UpdateMachine(ctx context.Context, mach models.MachineState) (models.WriteResult, error) {
	m.lastAdded = mach
	return m.writeRes, m.writeErr
}
func (m *mockMachines) DeleteMachine(ctx context.Context, id string) (models.WriteResult, error) {
	m.deletedID = id
	return m.writeRes, m.writeErr
}
func (m *mockMachines) SubscribeToMachineUpdates(fn func([]models.MachineState)) fanout.Unsubscribe {
	m.listeners = append(m.listeners, fn)
	return func() {}
}

type mockSessions struct {
	sessions    []models.LiveSession
	claims      []int
	listErr     error
	writeRes    models.WriteResult
	writeErr    error
	lastUpsert  models.LiveSession
	lastRelease string
}

func (m *mockSessions) FetchActiveSessions(ctx context.Context) ([]models.LiveSession, error) {
	return m.sessions, m.listErr
}
func (m *mockSessions) UpsertLiveSession(ctx context.Context, s models.LiveSession) (models.WriteResult, error) {
	m.lastUpsert = s
	return m.writeRes, m.writeErr
}
func (m *mockSessions) DeleteLiveSession(ctx context.Context, machine string, shift models.Shift, date string) (models.WriteResult, error) {
	m.lastRelease = machine
	return m.writeRes, m.writeErr
}
func (m *mockSessions) ActiveClaims(ctx context.Context, parentMachine string, subUnitCount int) ([]int, error) {
	return m.claims, m.listErr
}
func (m *mockSessions) SubscribeToSessionChanges(fn func([]models.LiveSession)) fanout.Unsubscribe {
	return func() {}
}

type mockQueue struct {
	queued    []models.FailedSubmission
	listErr   error
	replayRes retry.Result
	replayErr error
	cleared   int64
}

func (m *mockQueue) GetFailedSubmissions(ctx context.Context) ([]models.FailedSubmission, error) {
	return m.queued, m.listErr
}
func (m *mockQueue) RetryFailedSubmissions(ctx context.Context) (retry.Result, error) {
	return m.replayRes, m.replayErr
}
func (m *mockQueue) ClearExhaustedSubmissions(ctx context.Context) (int64, error) {
	return m.cleared, nil
}

type mockHistory struct {
	recs       []models.SubmissionRecord
	recordErr  error
	lastRecord models.SubmissionRecord
	removed    int64
	cleanupErr error
}

func (m *mockHistory) RecordSubmission(ctx context.Context, rec models.SubmissionRecord) error {
	m.lastRecord = rec
	return m.recordErr
}
func (m *mockHistory) ListSubmissions(ctx context.Context, from, to time.Time, machine string) ([]models.SubmissionRecord, error) {
	return m.recs, nil
}
func (m *mockHistory) CleanupOldHistory(ctx context.Context) (int64, error) {
	return m.removed, m.cleanupErr
}

func newTestRouter(s *service.Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(s, logger.Nop())
	return h.InitRoutes()
}
