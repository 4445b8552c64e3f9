package session

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"floorsync/internal/logger"
	"floorsync/internal/models"
	"floorsync/internal/remote"
	"floorsync/internal/retry"
)

// fakeKV is an in-memory KVStore with injectable failures.
type fakeKV struct {
	data    map[string][]byte
	saveErr error
	keysErr error
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string][]byte)}
}

func (f *fakeKV) Load(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeKV) Save(_ context.Context, key string, value []byte) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.data[key] = value
	return nil
}

func (f *fakeKV) Delete(_ context.Context, key string) error {
	delete(f.data, key)
	return nil
}

func (f *fakeKV) Keys(_ context.Context, prefix string) ([]string, error) {
	if f.keysErr != nil {
		return nil, f.keysErr
	}
	var keys []string
	for k := range f.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (f *fakeKV) Size(context.Context) (int, error) { return len(f.data), nil }

func (f *fakeKV) Clear(context.Context) error {
	f.data = make(map[string][]byte)
	return nil
}

// fakeQueueRepo backs the retry queue in these tests.
type fakeQueueRepo struct {
	entries []models.FailedSubmission
}

func (f *fakeQueueRepo) Append(_ context.Context, s models.FailedSubmission) error {
	f.entries = append(f.entries, s)
	return nil
}
func (f *fakeQueueRepo) List(context.Context) ([]models.FailedSubmission, error) {
	return f.entries, nil
}
func (f *fakeQueueRepo) MarkAttempt(context.Context, string, int, string) error { return nil }
func (f *fakeQueueRepo) Delete(context.Context, string) error                   { return nil }
func (f *fakeQueueRepo) DeleteExhausted(context.Context) (int64, error)         { return 0, nil }
func (f *fakeQueueRepo) Count(context.Context) (int, error)                     { return len(f.entries), nil }

// fakeAuthority emulates the remote authority's upsert-by-key table.
type fakeAuthority struct {
	table     map[string]remote.Record
	upsertErr error
	selectErr error
	onChange  func(remote.Event)
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{table: make(map[string]remote.Record)}
}

func (f *fakeAuthority) Upsert(_ context.Context, _ string, rec remote.Record, conflictKey string) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	id := fmt.Sprintf("%v", rec[conflictKey])
	f.table[id] = rec
	return nil
}

func (f *fakeAuthority) Delete(_ context.Context, _ string, id string) error {
	delete(f.table, id)
	return nil
}

func (f *fakeAuthority) Select(_ context.Context, _ string, filter map[string]string) ([]remote.Record, error) {
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	var out []remote.Record
	for _, rec := range f.table {
		match := true
		for k, v := range filter {
			if fmt.Sprintf("%v", rec[k]) != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeAuthority) Subscribe(_ string, onChange func(remote.Event)) (remote.Unsubscribe, error) {
	f.onChange = onChange
	return func() { f.onChange = nil }, nil
}

func fixedClock() time.Time {
	// 10:00 is day shift.
	return time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
}

func newTestManager(adapter remote.Adapter, kv *fakeKV) (*Manager, *fakeQueueRepo) {
	repo := &fakeQueueRepo{}
	q := retry.NewQueue(repo, adapter, 3, logger.Nop())
	m := NewManager(kv, adapter, q, 30*time.Second, logger.Nop())
	m.now = fixedClock
	return m, repo
}

func testSession(machine string, operator string) models.LiveSession {
	return models.LiveSession{
		MachineName:  machine,
		Shift:        models.ShiftDay,
		Date:         "2024-01-01",
		OperatorName: operator,
		OrderNumber:  "ORD-7",
	}
}

func TestAcquireOrUpdate_UpsertNeverDuplicatesKey(t *testing.T) {
	authority := newFakeAuthority()
	m, _ := newTestManager(authority, newFakeKV())
	ctx := context.Background()

	res, err := m.AcquireOrUpdate(ctx, testSession("Line1", "alex"))
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if !res.Local || res.Remote != models.RemoteApplied {
		t.Fatalf("unexpected result %+v", res)
	}

	// Same key from a second device: takes over, does not fail.
	res, err = m.AcquireOrUpdate(ctx, testSession("Line1", "bodhi"))
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if !res.Local || res.Remote != models.RemoteApplied {
		t.Fatalf("takeover must succeed, got %+v", res)
	}

	if len(authority.table) != 1 {
		t.Fatalf("expected exactly one stored record, got %d", len(authority.table))
	}
	rec := authority.table["Line1_Day_2024-01-01"]
	if rec == nil {
		t.Fatalf("record not stored under composite key: %v", authority.table)
	}
	if rec["operator_name"] != "bodhi" {
		t.Fatalf("last write must win, got operator %v", rec["operator_name"])
	}
	if rec["is_locked"] != true {
		t.Fatalf("acquire must set the lock flag, got %v", rec["is_locked"])
	}
}

func TestAcquireOrUpdate_RejectsUnkeyableSession(t *testing.T) {
	m, _ := newTestManager(newFakeAuthority(), newFakeKV())

	_, err := m.AcquireOrUpdate(context.Background(), testSession("Line_1", "alex"))
	if !errors.Is(err, models.ErrDelimiterInName) {
		t.Fatalf("expected delimiter rejection, got %v", err)
	}
}

func TestAcquireOrUpdate_RemoteFailureQueuesAndKeepsLocal(t *testing.T) {
	authority := newFakeAuthority()
	authority.upsertErr = errors.New("network down")
	authority.selectErr = errors.New("network down")
	m, queueRepo := newTestManager(authority, newFakeKV())
	ctx := context.Background()

	res, err := m.AcquireOrUpdate(ctx, testSession("Line1", "alex"))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !res.Local {
		t.Fatalf("local phase must apply despite remote failure")
	}
	if res.Remote != models.RemoteQueued {
		t.Fatalf("expected queued outcome, got %q", res.Remote)
	}
	if len(queueRepo.entries) != 1 {
		t.Fatalf("expected one queued submission, got %d", len(queueRepo.entries))
	}

	sessions, _ := m.FetchActiveSessions(ctx)
	if len(sessions) != 1 || sessions[0].OperatorName != "alex" {
		t.Fatalf("optimistic local state missing: %+v", sessions)
	}
}

func TestAcquireOrUpdate_NoRemoteConfigured(t *testing.T) {
	m, _ := newTestManager(nil, newFakeKV())

	res, err := m.AcquireOrUpdate(context.Background(), testSession("Line1", "alex"))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !res.Local || res.Remote != models.RemoteSkipped {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestAcquireOrUpdate_DurableSaveFailureKeepsMemory(t *testing.T) {
	kv := newFakeKV()
	kv.saveErr = errors.New("quota exceeded")
	m, _ := newTestManager(nil, kv)
	ctx := context.Background()

	res, err := m.AcquireOrUpdate(ctx, testSession("Line1", "alex"))
	if err != nil {
		t.Fatalf("acquire must not propagate storage errors: %v", err)
	}
	if !res.Local {
		t.Fatalf("local phase must apply")
	}

	sessions, _ := m.FetchActiveSessions(ctx)
	if len(sessions) != 1 || sessions[0].OperatorName != "alex" {
		t.Fatalf("value must stay readable in-memory: %+v", sessions)
	}
}

func TestRelease_DeletesEverywhere(t *testing.T) {
	authority := newFakeAuthority()
	kv := newFakeKV()
	m, _ := newTestManager(authority, kv)
	ctx := context.Background()

	if _, err := m.AcquireOrUpdate(ctx, testSession("Line1", "alex")); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	res, err := m.Release(ctx, "Line1", models.ShiftDay, "2024-01-01")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !res.Local || res.Remote != models.RemoteApplied {
		t.Fatalf("unexpected result %+v", res)
	}

	if len(authority.table) != 0 {
		t.Fatalf("remote record must be deleted: %v", authority.table)
	}
	if len(kv.data) != 0 {
		t.Fatalf("durable mirror must be deleted: %v", kv.data)
	}
	sessions, _ := m.FetchActiveSessions(ctx)
	if len(sessions) != 0 {
		t.Fatalf("session must be gone: %+v", sessions)
	}
}

func TestActiveClaims_SubsetOfSubUnits(t *testing.T) {
	authority := newFakeAuthority()
	m, _ := newTestManager(authority, newFakeKV())
	ctx := context.Background()

	for _, unit := range []int{1, 3, 5} {
		s := testSession(models.SubUnitName("Line1", unit), "alex")
		if _, err := m.AcquireOrUpdate(ctx, s); err != nil {
			t.Fatalf("acquire unit %d: %v", unit, err)
		}
	}

	claims, err := m.ActiveClaims(ctx, "Line1", 3)
	if err != nil {
		t.Fatalf("ActiveClaims: %v", err)
	}
	// Unit 5 is outside 1..3 and must not appear.
	if !reflect.DeepEqual(claims, []int{1, 3}) {
		t.Fatalf("expected [1 3], got %v", claims)
	}
}

func TestActiveClaims_OfflineFallsBackToDurable(t *testing.T) {
	kv := newFakeKV()

	// A previous process mirrored its sessions into the durable cache.
	seed, _ := newTestManager(nil, kv)
	ctx := context.Background()
	for _, unit := range []int{2, 4} {
		if _, err := seed.AcquireOrUpdate(ctx, testSession(models.SubUnitName("Press", unit), "sam")); err != nil {
			t.Fatalf("seed unit %d: %v", unit, err)
		}
	}

	// Fresh process, still offline: claims come from the durable scan.
	m, _ := newTestManager(nil, kv)
	claims, err := m.ActiveClaims(ctx, "Press", 4)
	if err != nil {
		t.Fatalf("ActiveClaims: %v", err)
	}
	if !reflect.DeepEqual(claims, []int{2, 4}) {
		t.Fatalf("expected [2 4], got %v", claims)
	}
}

func TestChangeEvent_TriggersFullRequeryAndFanout(t *testing.T) {
	authority := newFakeAuthority()
	m, _ := newTestManager(authority, newFakeKV())
	ctx := context.Background()

	var delivered [][]models.LiveSession
	unsub := m.Subscribe(func(set []models.LiveSession) {
		delivered = append(delivered, set)
	})
	defer unsub()

	if authority.onChange == nil {
		t.Fatalf("first subscriber must open the remote stream")
	}

	// Another device writes directly to the authority, then the change
	// event arrives.
	other := testSession("Mill 2", "casey")
	other.ID = "Mill 2_Day_2024-01-01"
	other.IsLocked = true
	if err := authority.Upsert(ctx, remote.TableSessions, sessionRecord(other), "id"); err != nil {
		t.Fatalf("authority upsert: %v", err)
	}
	authority.onChange(remote.Event{Type: "INSERT", Table: remote.TableSessions})

	if len(delivered) == 0 {
		t.Fatalf("listener must receive the re-queried set")
	}
	last := delivered[len(delivered)-1]
	if len(last) != 1 || last[0].MachineName != "Mill 2" {
		t.Fatalf("expected the remote session in the delivered set, got %+v", last)
	}

	unsub()
	if authority.onChange != nil {
		t.Fatalf("last unsubscribe must tear down the remote stream")
	}
}

func TestComputeSessionKey_PureAndDeterministic(t *testing.T) {
	a, err := ComputeSessionKey("Line1", models.ShiftDay, "2024-01-01")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, _ := ComputeSessionKey("Line1", models.ShiftDay, "2024-01-01")
	if a != b || a.String() != "Line1_Day_2024-01-01" {
		t.Fatalf("key not deterministic: %q vs %q", a, b)
	}
}
