package service

import (
	"context"
	"testing"
	"time"

	"floorsync/internal/logger"
	"floorsync/internal/models"
	"floorsync/internal/retry"
	"floorsync/internal/session"
)

func newTestHistory(t *testing.T) (*HistoryService, *fakeHistoryRepo, *MachineService, *session.Manager) {
	t.Helper()
	hrepo := &fakeHistoryRepo{}
	kv := newFakeKV()
	machines, _, _ := newTestMachines(nil)
	q := retry.NewQueue(newFakeQueueRepo(), nil, models.DefaultMaxRetries, logger.Nop())
	sessions := session.NewManager(kv, nil, q, 30*time.Second, logger.Nop())
	svc := NewHistoryService(hrepo, kv, machines, sessions, Retention{MaxAge: 90 * 24 * time.Hour, MaxCount: 10000}, logger.Nop())
	return svc, hrepo, machines, sessions
}

func TestRecordSubmission_UpdatesMachineAndReleasesSession(t *testing.T) {
	svc, hrepo, machines, sessions := newTestHistory(t)
	ctx := context.Background()

	m, _, err := machines.AddMachine(ctx, models.MachineState{Name: "Line1"})
	if err != nil {
		t.Fatalf("AddMachine: %v", err)
	}
	if _, err := sessions.AcquireOrUpdate(ctx, models.LiveSession{
		MachineName:  "Line1",
		Shift:        models.ShiftDay,
		Date:         "2024-01-01",
		OperatorName: "bodhi",
	}); err != nil {
		t.Fatalf("AcquireOrUpdate: %v", err)
	}

	submittedAt := time.Date(2024, 1, 1, 14, 30, 0, 0, time.UTC)
	err = svc.RecordSubmission(ctx, models.SubmissionRecord{
		MachineName:  "Line1",
		Shift:        models.ShiftDay,
		Date:         "2024-01-01",
		OperatorName: "bodhi",
		Waste:        3.5,
		Downtime:     20,
		SubmittedAt:  submittedAt,
	})
	if err != nil {
		t.Fatalf("RecordSubmission: %v", err)
	}

	if len(hrepo.recs) != 1 {
		t.Fatalf("expected 1 history record, got %d", len(hrepo.recs))
	}

	all, _ := machines.GetMachinesData(ctx)
	if len(all) != 1 {
		t.Fatalf("unexpected machine set %+v", all)
	}
	got := all[0]
	if got.ID != m.ID || got.TodayWaste != 3.5 || got.TodayDowntime != 20 {
		t.Fatalf("accumulators not updated: %+v", got)
	}
	if got.LastSubmissionAt == nil || !got.LastSubmissionAt.Equal(submittedAt) {
		t.Fatalf("last submission time not set: %+v", got.LastSubmissionAt)
	}

	if _, found, _ := svc.kv.Load(ctx, "session:Line1_Day_2024-01-01"); found {
		t.Fatal("live session not released after submission")
	}
}

func TestRecordSubmission_AccumulatesAcrossSubmissions(t *testing.T) {
	svc, _, machines, _ := newTestHistory(t)
	ctx := context.Background()

	if _, _, err := machines.AddMachine(ctx, models.MachineState{Name: "Line1"}); err != nil {
		t.Fatalf("AddMachine: %v", err)
	}
	for i := 0; i < 2; i++ {
		err := svc.RecordSubmission(ctx, models.SubmissionRecord{
			MachineName: "Line1",
			Shift:       models.ShiftDay,
			Date:        "2024-01-01",
			Waste:       1,
			Downtime:    5,
			SubmittedAt: time.Date(2024, 1, 1, 14, 0, i, 0, time.UTC),
		})
		if err != nil {
			t.Fatalf("RecordSubmission #%d: %v", i+1, err)
		}
	}

	all, _ := machines.GetMachinesData(ctx)
	if all[0].TodayWaste != 2 || all[0].TodayDowntime != 10 {
		t.Fatalf("accumulators not summed: %+v", all[0])
	}
}

func TestRecordSubmission_SubUnitRollsUpToParentGroup(t *testing.T) {
	svc, _, machines, _ := newTestHistory(t)
	ctx := context.Background()

	group, _, err := machines.AddMachine(ctx, models.MachineState{Name: "Line1", SubUnitCount: 3})
	if err != nil {
		t.Fatalf("AddMachine: %v", err)
	}

	err = svc.RecordSubmission(ctx, models.SubmissionRecord{
		MachineName: models.SubUnitName("Line1", 2),
		Shift:       models.ShiftDay,
		Date:        "2024-01-01",
		Waste:       5,
		Downtime:    10,
		SubmittedAt: time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("RecordSubmission: %v", err)
	}

	all, _ := machines.GetMachinesData(ctx)
	if len(all) != 1 || all[0].ID != group.ID {
		t.Fatalf("unexpected machine set %+v", all)
	}
	got := all[0]
	if got.TodayWaste != 5 || got.TodayDowntime != 10 {
		t.Fatalf("sub-unit submission did not fold into the group: %+v", got)
	}
	if got.LastSubmissionAt == nil {
		t.Fatal("group last submission time not set")
	}
}

func TestRecordSubmission_ExactRecordWinsOverRollUp(t *testing.T) {
	svc, _, machines, _ := newTestHistory(t)
	ctx := context.Background()

	if _, _, err := machines.AddMachine(ctx, models.MachineState{Name: "Line1", SubUnitCount: 3}); err != nil {
		t.Fatalf("AddMachine group: %v", err)
	}
	// Sub-unit 1 has a machine record of its own.
	unit, _, err := machines.AddMachine(ctx, models.MachineState{Name: models.SubUnitName("Line1", 1)})
	if err != nil {
		t.Fatalf("AddMachine unit: %v", err)
	}

	err = svc.RecordSubmission(ctx, models.SubmissionRecord{
		MachineName: models.SubUnitName("Line1", 1),
		Shift:       models.ShiftDay,
		Date:        "2024-01-01",
		Waste:       2,
		SubmittedAt: time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("RecordSubmission: %v", err)
	}

	all, _ := machines.GetMachinesData(ctx)
	for _, m := range all {
		switch m.ID {
		case unit.ID:
			if m.TodayWaste != 2 {
				t.Fatalf("exact record must receive the fold: %+v", m)
			}
		default:
			if m.TodayWaste != 0 {
				t.Fatalf("group must stay untouched: %+v", m)
			}
		}
	}
}

func TestRecordSubmission_OutOfRangeSubUnitIgnored(t *testing.T) {
	svc, hrepo, machines, _ := newTestHistory(t)
	ctx := context.Background()

	if _, _, err := machines.AddMachine(ctx, models.MachineState{Name: "Line1", SubUnitCount: 3}); err != nil {
		t.Fatalf("AddMachine: %v", err)
	}

	err := svc.RecordSubmission(ctx, models.SubmissionRecord{
		MachineName: models.SubUnitName("Line1", 5),
		Shift:       models.ShiftDay,
		Date:        "2024-01-01",
		Waste:       5,
		SubmittedAt: time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("RecordSubmission: %v", err)
	}
	// History still records it; no machine accumulator changes.
	if len(hrepo.recs) != 1 {
		t.Fatalf("expected 1 history record, got %d", len(hrepo.recs))
	}
	all, _ := machines.GetMachinesData(ctx)
	if all[0].TodayWaste != 0 {
		t.Fatalf("unit outside the group range must not fold: %+v", all[0])
	}
}

func TestRecordSubmission_Validation(t *testing.T) {
	svc, hrepo, _, _ := newTestHistory(t)
	ctx := context.Background()

	cases := []models.SubmissionRecord{
		{MachineName: "Line_1", Shift: models.ShiftDay, Date: "2024-01-01"},
		{MachineName: "Line1", Shift: "Afternoon", Date: "2024-01-01"},
		{MachineName: "Line1", Shift: models.ShiftDay, Date: "not-a-date"},
		{MachineName: "Line1", Shift: models.ShiftDay, Date: "2024-01-01", Waste: -1},
	}
	for _, rec := range cases {
		if err := svc.RecordSubmission(ctx, rec); err == nil {
			t.Fatalf("expected rejection of %+v", rec)
		}
	}
	if len(hrepo.recs) != 0 {
		t.Fatalf("rejected submissions must not be stored, got %d", len(hrepo.recs))
	}
}

func TestCleanupOldHistory_RunsAtMostOncePerDay(t *testing.T) {
	svc, hrepo, _, _ := newTestHistory(t)
	hrepo.pruneRemove = 4
	ctx := context.Background()

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }

	removed, err := svc.CleanupOldHistory(ctx)
	if err != nil {
		t.Fatalf("CleanupOldHistory: %v", err)
	}
	if removed != 4 || hrepo.pruneCalls != 1 {
		t.Fatalf("expected one prune removing 4, got removed=%d calls=%d", removed, hrepo.pruneCalls)
	}

	// Two hours later: inside the window, nothing happens.
	clock = clock.Add(2 * time.Hour)
	removed, err = svc.CleanupOldHistory(ctx)
	if err != nil {
		t.Fatalf("CleanupOldHistory: %v", err)
	}
	if removed != 0 || hrepo.pruneCalls != 1 {
		t.Fatalf("cleanup ran inside the 24h window: removed=%d calls=%d", removed, hrepo.pruneCalls)
	}

	// Past the window it runs again.
	clock = clock.Add(23 * time.Hour)
	if _, err := svc.CleanupOldHistory(ctx); err != nil {
		t.Fatalf("CleanupOldHistory: %v", err)
	}
	if hrepo.pruneCalls != 2 {
		t.Fatalf("expected second prune after the window, got %d calls", hrepo.pruneCalls)
	}
}

func TestCleanupOldHistory_MalformedStampReruns(t *testing.T) {
	svc, hrepo, _, _ := newTestHistory(t)
	ctx := context.Background()

	if err := svc.kv.Save(ctx, lastCleanupKey, []byte("garbage")); err != nil {
		t.Fatalf("seed stamp: %v", err)
	}
	if _, err := svc.CleanupOldHistory(ctx); err != nil {
		t.Fatalf("CleanupOldHistory: %v", err)
	}
	if hrepo.pruneCalls != 1 {
		t.Fatal("malformed stamp must count as never ran")
	}
}

func TestListSubmissions_FiltersByMachine(t *testing.T) {
	svc, hrepo, _, _ := newTestHistory(t)
	ctx := context.Background()

	hrepo.recs = []models.SubmissionRecord{
		{MachineName: "Line1", SubmittedAt: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)},
		{MachineName: "Line2", SubmittedAt: time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)},
	}

	out, err := svc.ListSubmissions(ctx, time.Time{}, time.Time{}, "Line1")
	if err != nil {
		t.Fatalf("ListSubmissions: %v", err)
	}
	if len(out) != 1 || out[0].MachineName != "Line1" {
		t.Fatalf("unexpected result %+v", out)
	}
}
