package service

import (
	"context"

	"floorsync/internal/fanout"
	"floorsync/internal/models"
	"floorsync/internal/session"
)

// SessionService adapts the session lock manager to the exposed surface.
type SessionService struct {
	manager *session.Manager
}

func NewSessionService(manager *session.Manager) *SessionService {
	return &SessionService{manager: manager}
}

func (s *SessionService) FetchActiveSessions(ctx context.Context) ([]models.LiveSession, error) {
	return s.manager.FetchActiveSessions(ctx)
}

// UpsertLiveSession claims or re-claims the session's key. A claim held by
// another device is taken over (continuation), never rejected.
func (s *SessionService) UpsertLiveSession(ctx context.Context, sess models.LiveSession) (models.WriteResult, error) {
	return s.manager.AcquireOrUpdate(ctx, sess)
}

func (s *SessionService) DeleteLiveSession(ctx context.Context, machine string, shift models.Shift, date string) (models.WriteResult, error) {
	return s.manager.Release(ctx, machine, shift, date)
}

func (s *SessionService) ActiveClaims(ctx context.Context, parentMachine string, subUnitCount int) ([]int, error) {
	return s.manager.ActiveClaims(ctx, parentMachine, subUnitCount)
}

func (s *SessionService) SubscribeToSessionChanges(fn func([]models.LiveSession)) fanout.Unsubscribe {
	return s.manager.Subscribe(fn)
}
