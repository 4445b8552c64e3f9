package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"floorsync/internal/cache"
	"floorsync/internal/fanout"
	"floorsync/internal/logger"
	"floorsync/internal/models"
	"floorsync/internal/remote"
	"floorsync/internal/repository"
	"floorsync/internal/retry"
)

const machineKVPrefix = "machine:"

var (
	errMissingMachineID = errors.New("machine id is required")
	errMissingName      = errors.New("machine name is required")
)

// MachineService keeps the machine collection synchronized: in-memory
// first, durable mirror always, remote authority when reachable.
type MachineService struct {
	cache   *cache.Store[models.MachineState]
	kv      repository.KVStore
	adapter remote.Adapter
	queue   *retry.Queue
	hub     *fanout.Hub[models.MachineState]
	log     *logger.Logger
}

func NewMachineService(kv repository.KVStore, adapter remote.Adapter, queue *retry.Queue, ttl time.Duration, log *logger.Logger) *MachineService {
	s := &MachineService{
		cache:   cache.New[models.MachineState](ttl),
		kv:      kv,
		adapter: adapter,
		queue:   queue,
		log:     log,
	}
	var start fanout.StartFunc
	if adapter != nil {
		start = s.watchRemote
	}
	s.hub = fanout.New[models.MachineState](start, log)
	return s
}

// Warm seeds the in-memory mirror from the durable cache at process start.
func (s *MachineService) Warm(ctx context.Context) {
	s.loadFromDurable(ctx)
}

// GetMachinesData returns all machines ordered by name. The in-memory
// cache is consulted first; once stale, a refresh is attempted against the
// remote authority, then the durable cache. If every refresh fails the
// stale set is returned rather than an error.
func (s *MachineService) GetMachinesData(ctx context.Context) ([]models.MachineState, error) {
	return s.fetch(ctx, false), nil
}

// AddMachine creates a machine, assigning an ID when absent. Returns the
// stored machine alongside the two-phase write result.
func (s *MachineService) AddMachine(ctx context.Context, m models.MachineState) (models.MachineState, models.WriteResult, error) {
	if m.Name == "" {
		return models.MachineState{}, models.WriteResult{}, errMissingName
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = models.StatusIdle
	}
	if !models.ValidStatus(m.Status) {
		return models.MachineState{}, models.WriteResult{}, fmt.Errorf("unknown machine status %q", m.Status)
	}

	res := s.applyWrite(ctx, m)
	return m, res, nil
}

// UpdateMachine overwrites a machine's state. Upsert semantics: the last
// write wins, there is no merge.
func (s *MachineService) UpdateMachine(ctx context.Context, m models.MachineState) (models.WriteResult, error) {
	if m.ID == "" {
		return models.WriteResult{}, errMissingMachineID
	}
	if m.Status == "" {
		// Partial updates keep the status the machine already has.
		if prev, ok := s.cache.Get(m.ID); ok {
			m.Status = prev.Status
		} else {
			m.Status = models.StatusIdle
		}
	}
	if !models.ValidStatus(m.Status) {
		return models.WriteResult{}, fmt.Errorf("unknown machine status %q", m.Status)
	}
	return s.applyWrite(ctx, m), nil
}

// DeleteMachine removes a machine everywhere. The local phase always
// applies; the remote delete is queued on failure.
func (s *MachineService) DeleteMachine(ctx context.Context, id string) (models.WriteResult, error) {
	if id == "" {
		return models.WriteResult{}, errMissingMachineID
	}

	s.cache.Delete(id)
	if err := s.kv.Delete(ctx, machineKVPrefix+id); err != nil {
		s.log.Warnw("machine_durable_delete_failed", "id", id, "err", err)
	}
	res := models.WriteResult{Local: true}
	s.publish()

	if s.adapter == nil {
		res.Remote = models.RemoteSkipped
		return res, nil
	}
	err := s.adapter.Delete(ctx, remote.TableMachines, id)
	if err == nil {
		res.Remote = models.RemoteApplied
		return res, nil
	}
	s.log.Warnw("machine_remote_delete_failed", "id", id, "err", err)

	p := retry.Payload{Op: retry.OpDelete, Table: remote.TableMachines, ID: id}
	if qerr := s.queue.Enqueue(ctx, p, err); qerr != nil {
		s.log.Errorw("machine_retry_enqueue_failed", "id", id, "err", qerr)
		res.Remote = models.RemoteFailed
		return res, nil
	}
	res.Remote = models.RemoteQueued
	return res, nil
}

// SubscribeToMachineUpdates registers a listener for the full machine set.
func (s *MachineService) SubscribeToMachineUpdates(fn func([]models.MachineState)) fanout.Unsubscribe {
	return s.hub.Subscribe(fn)
}

// applyWrite runs the optimistic two-phase write for one machine.
func (s *MachineService) applyWrite(ctx context.Context, m models.MachineState) models.WriteResult {
	s.cache.Put(m.ID, m)
	s.mirror(ctx, m)
	res := models.WriteResult{Local: true}
	s.publish()

	if s.adapter == nil {
		res.Remote = models.RemoteSkipped
		return res
	}
	err := s.adapter.Upsert(ctx, remote.TableMachines, machineRecord(m), "id")
	if err == nil {
		res.Remote = models.RemoteApplied
		return res
	}
	s.log.Warnw("machine_remote_upsert_failed", "id", m.ID, "err", err)

	p := retry.Payload{
		Op:          retry.OpUpsert,
		Table:       remote.TableMachines,
		ConflictKey: "id",
		Record:      machineRecord(m),
	}
	if qerr := s.queue.Enqueue(ctx, p, err); qerr != nil {
		s.log.Errorw("machine_retry_enqueue_failed", "id", m.ID, "err", qerr)
		res.Remote = models.RemoteFailed
		return res
	}
	res.Remote = models.RemoteQueued
	return res
}

func (s *MachineService) watchRemote() (func(), error) {
	unsub, err := s.adapter.Subscribe(remote.TableMachines, func(remote.Event) {
		s.hub.Publish(s.fetch(context.Background(), true))
	})
	if err != nil {
		return nil, err
	}
	return unsub, nil
}

func (s *MachineService) fetch(ctx context.Context, force bool) []models.MachineState {
	if !force && !s.cache.Expired() {
		return s.ordered()
	}

	if s.adapter != nil {
		recs, err := s.adapter.Select(ctx, remote.TableMachines, nil)
		if err == nil {
			s.applyRemoteSet(ctx, recs)
			return s.ordered()
		}
		s.log.Warnw("machine_refresh_failed", "err", err)
	}

	s.loadFromDurable(ctx)
	return s.ordered()
}

func (s *MachineService) applyRemoteSet(ctx context.Context, recs []remote.Record) {
	next := make(map[string]models.MachineState, len(recs))
	for _, rec := range recs {
		m, err := machineFromRecord(rec)
		if err != nil {
			s.log.Warnw("machine_record_malformed", "err", err)
			continue
		}
		next[m.ID] = m
	}
	s.cache.Replace(next)

	if keys, err := s.kv.Keys(ctx, machineKVPrefix); err == nil {
		for _, k := range keys {
			if _, keep := next[k[len(machineKVPrefix):]]; !keep {
				if err := s.kv.Delete(ctx, k); err != nil {
					s.log.Warnw("machine_durable_prune_failed", "key", k, "err", err)
				}
			}
		}
	} else {
		s.log.Warnw("machine_durable_scan_failed", "err", err)
	}
	for _, m := range next {
		s.mirror(ctx, m)
	}
}

// loadFromDurable fills in-memory gaps from the durable cache; entries
// already in memory win. Malformed values count as misses.
func (s *MachineService) loadFromDurable(ctx context.Context) {
	keys, err := s.kv.Keys(ctx, machineKVPrefix)
	if err != nil {
		s.log.Warnw("machine_durable_scan_failed", "err", err)
		return
	}

	for _, k := range keys {
		id := k[len(machineKVPrefix):]
		if _, present := s.cache.Get(id); present {
			continue
		}
		raw, found, err := s.kv.Load(ctx, k)
		if err != nil || !found {
			continue
		}
		var m models.MachineState
		if err := json.Unmarshal(raw, &m); err != nil {
			s.log.Warnw("machine_durable_entry_malformed", "key", k, "err", err)
			continue
		}
		s.cache.Put(m.ID, m)
	}
}

func (s *MachineService) ordered() []models.MachineState {
	out := s.cache.All()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *MachineService) publish() {
	s.hub.Publish(s.ordered())
}

func (s *MachineService) mirror(ctx context.Context, m models.MachineState) {
	raw, err := json.Marshal(m)
	if err != nil {
		s.log.Errorw("machine_encode_failed", "id", m.ID, "err", err)
		return
	}
	if err := s.kv.Save(ctx, machineKVPrefix+m.ID, raw); err != nil {
		s.log.Warnw("machine_durable_save_failed", "id", m.ID, "err", err)
	}
}

func machineRecord(m models.MachineState) remote.Record {
	raw, _ := json.Marshal(m)
	var rec remote.Record
	_ = json.Unmarshal(raw, &rec)
	return rec
}

func machineFromRecord(rec remote.Record) (models.MachineState, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return models.MachineState{}, err
	}
	var m models.MachineState
	if err := json.Unmarshal(raw, &m); err != nil {
		return models.MachineState{}, err
	}
	if m.ID == "" {
		return models.MachineState{}, errors.New("machine record without id")
	}
	return m, nil
}
