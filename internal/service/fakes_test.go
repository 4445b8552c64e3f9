package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"floorsync/internal/models"
	"floorsync/internal/remote"
)

// fakeKV is an in-memory KVStore with injectable failures.
type fakeKV struct {
	mu      sync.Mutex
	data    map[string][]byte
	saveErr error
	keysErr error
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: map[string][]byte{}}
}

func (f *fakeKV) Load(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeKV) Save(_ context.Context, key string, value []byte) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return nil
}

func (f *fakeKV) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func (f *fakeKV) Keys(_ context.Context, prefix string) ([]string, error) {
	if f.keysErr != nil {
		return nil, f.keysErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeKV) Size(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data), nil
}

func (f *fakeKV) Clear(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = map[string][]byte{}
	return nil
}

// fakeQueueRepo keeps failed submissions in insertion order.
type fakeQueueRepo struct {
	mu    sync.Mutex
	order []string
	items map[string]models.FailedSubmission
}

func newFakeQueueRepo() *fakeQueueRepo {
	return &fakeQueueRepo{items: map[string]models.FailedSubmission{}}
}

func (f *fakeQueueRepo) Append(_ context.Context, sub models.FailedSubmission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.items[sub.ID]; !exists {
		f.order = append(f.order, sub.ID)
	}
	f.items[sub.ID] = sub
	return nil
}

func (f *fakeQueueRepo) List(_ context.Context) ([]models.FailedSubmission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.FailedSubmission, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.items[id])
	}
	return out, nil
}

func (f *fakeQueueRepo) MarkAttempt(_ context.Context, id string, retryCount int, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.items[id]
	if !ok {
		return fmt.Errorf("no queued submission %s", id)
	}
	sub.RetryCount = retryCount
	sub.LastError = lastError
	f.items[id] = sub
	return nil
}

func (f *fakeQueueRepo) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, id)
	for i, cur := range f.order {
		if cur == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeQueueRepo) DeleteExhausted(ctx context.Context) (int64, error) {
	f.mu.Lock()
	var exhausted []string
	for _, id := range f.order {
		if f.items[id].Exhausted() {
			exhausted = append(exhausted, id)
		}
	}
	f.mu.Unlock()
	for _, id := range exhausted {
		_ = f.Delete(ctx, id)
	}
	return int64(len(exhausted)), nil
}

func (f *fakeQueueRepo) Count(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order), nil
}

// fakeAuthority is an in-memory remote.Adapter with injectable outages.
type fakeAuthority struct {
	mu        sync.Mutex
	tables    map[string]map[string]remote.Record
	upsertErr error
	deleteErr error
	selectErr error
	upserts   int
	onChange  func(remote.Event)
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{tables: map[string]map[string]remote.Record{}}
}

func (f *fakeAuthority) Upsert(_ context.Context, table string, rec remote.Record, conflictKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	if f.upsertErr != nil {
		return f.upsertErr
	}
	rows, ok := f.tables[table]
	if !ok {
		rows = map[string]remote.Record{}
		f.tables[table] = rows
	}
	rows[fmt.Sprintf("%v", rec[conflictKey])] = rec
	return nil
}

func (f *fakeAuthority) Delete(_ context.Context, table, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.tables[table], id)
	return nil
}

func (f *fakeAuthority) Select(_ context.Context, table string, _ map[string]string) ([]remote.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	var out []remote.Record
	for _, rec := range f.tables[table] {
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeAuthority) Subscribe(_ string, onChange func(remote.Event)) (remote.Unsubscribe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onChange = onChange
	return func() {}, nil
}

func (f *fakeAuthority) rowCount(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tables[table])
}

// fakeHistoryRepo records appends and prune invocations.
type fakeHistoryRepo struct {
	mu          sync.Mutex
	recs        []models.SubmissionRecord
	pruneCalls  int
	pruneRemove int64
	pruneErr    error
}

func (f *fakeHistoryRepo) Append(_ context.Context, rec models.SubmissionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
	return nil
}

func (f *fakeHistoryRepo) List(_ context.Context, from, to time.Time, machine string) ([]models.SubmissionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.SubmissionRecord
	for _, rec := range f.recs {
		if machine != "" && rec.MachineName != machine {
			continue
		}
		if !from.IsZero() && rec.SubmittedAt.Before(from) {
			continue
		}
		if !to.IsZero() && rec.SubmittedAt.After(to) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeHistoryRepo) Prune(_ context.Context, _ time.Duration, _ int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruneCalls++
	return f.pruneRemove, f.pruneErr
}
