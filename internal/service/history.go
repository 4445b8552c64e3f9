package service

import (
	"context"
	"fmt"
	"time"

	"floorsync/internal/logger"
	"floorsync/internal/models"
	"floorsync/internal/repository"
	"floorsync/internal/session"
)

const (
	lastCleanupKey  = "meta:last_cleanup"
	cleanupInterval = 24 * time.Hour
)

// HistoryService records completed shift submissions and enforces the
// retention policy on the local history table.
type HistoryService struct {
	history   repository.HistoryRepo
	kv        repository.KVStore
	machines  Machines
	sessions  *session.Manager
	retention Retention
	log       *logger.Logger
	now       func() time.Time
}

func NewHistoryService(history repository.HistoryRepo, kv repository.KVStore, machines Machines, sessions *session.Manager, retention Retention, log *logger.Logger) *HistoryService {
	return &HistoryService{
		history:   history,
		kv:        kv,
		machines:  machines,
		sessions:  sessions,
		retention: retention,
		log:       log,
		now:       time.Now,
	}
}

// RecordSubmission stores one completed shift submission, folds its waste
// and downtime into the machine's daily accumulators, and releases the
// live session for that machine/shift/date.
func (s *HistoryService) RecordSubmission(ctx context.Context, rec models.SubmissionRecord) error {
	if _, err := models.NewSessionKey(rec.MachineName, rec.Shift, rec.Date); err != nil {
		return fmt.Errorf("invalid submission: %w", err)
	}
	if rec.Waste < 0 || rec.Downtime < 0 {
		return fmt.Errorf("invalid submission: waste and downtime must be non-negative")
	}
	if rec.SubmittedAt.IsZero() {
		rec.SubmittedAt = s.now().UTC()
	}

	if err := s.history.Append(ctx, rec); err != nil {
		return fmt.Errorf("append submission history: %w", err)
	}

	s.updateMachineAccumulators(ctx, rec)

	if _, err := s.sessions.Release(ctx, rec.MachineName, rec.Shift, rec.Date); err != nil {
		s.log.Warnw("submission_session_release_failed", "machine", rec.MachineName, "err", err)
	}
	return nil
}

func (s *HistoryService) ListSubmissions(ctx context.Context, from, to time.Time, machine string) ([]models.SubmissionRecord, error) {
	return s.history.List(ctx, from, to, machine)
}

// CleanupOldHistory prunes submission history by max age and max count.
// It runs at most once per 24h window, tracked by a stored last-run
// timestamp; inside the window it returns 0 without scanning.
func (s *HistoryService) CleanupOldHistory(ctx context.Context) (int64, error) {
	now := s.now().UTC()

	if raw, found, err := s.kv.Load(ctx, lastCleanupKey); err == nil && found {
		if lastRun, perr := time.Parse(time.RFC3339, string(raw)); perr == nil {
			if now.Sub(lastRun) < cleanupInterval {
				return 0, nil
			}
		}
		// A malformed timestamp counts as "never ran".
	}

	removed, err := s.history.Prune(ctx, s.retention.MaxAge, s.retention.MaxCount)
	if err != nil {
		return removed, fmt.Errorf("prune submission history: %w", err)
	}

	if err := s.kv.Save(ctx, lastCleanupKey, []byte(now.Format(time.RFC3339))); err != nil {
		s.log.Warnw("cleanup_stamp_save_failed", "err", err)
	}
	s.log.Infow("history_cleanup_done", "removed", removed)
	return removed, nil
}

// updateMachineAccumulators folds one submission into the owning machine.
// Sub-unit submissions roll up to the parent group when the sub-unit has
// no machine record of its own.
func (s *HistoryService) updateMachineAccumulators(ctx context.Context, rec models.SubmissionRecord) {
	all, err := s.machines.GetMachinesData(ctx)
	if err != nil {
		s.log.Warnw("submission_machine_lookup_failed", "machine", rec.MachineName, "err", err)
		return
	}

	target, ok := matchMachine(all, rec.MachineName)
	if !ok {
		s.log.Debugw("submission_for_unknown_machine", "machine", rec.MachineName)
		return
	}

	at := rec.SubmittedAt
	target.LastSubmissionAt = &at
	target.TodayWaste += rec.Waste
	target.TodayDowntime += rec.Downtime
	if _, err := s.machines.UpdateMachine(ctx, target); err != nil {
		s.log.Warnw("submission_machine_update_failed", "machine", target.Name, "err", err)
	}
}

// matchMachine finds the record a submission belongs to: the exact name
// when one exists, otherwise the parent group of a sub-unit name.
func matchMachine(all []models.MachineState, name string) (models.MachineState, bool) {
	for _, m := range all {
		if m.Name == name {
			return m, true
		}
	}
	parent, unit, ok := models.ParseSubUnitName(name)
	if !ok {
		return models.MachineState{}, false
	}
	for _, m := range all {
		if m.Name == parent && m.IsGroup() && unit <= m.SubUnitCount {
			return m, true
		}
	}
	return models.MachineState{}, false
}
