// Package session decides whether a machine or sub-unit is currently
// claimed, and claims/releases it safely across devices.
//
// The claim is a weak lock. Upsert-by-key is atomic at the remote
// authority, so two devices racing on the same key converge to one final
// record (the last accepted write) instead of duplicate locks — but a
// second AcquireOrUpdate on an already-locked key succeeds and takes the
// claim over. That continuation behavior lets an operator resume a shift
// from another device; it is not mutual exclusion against double
// processing.
package session

import (
	"context"
	"encoding/json"
	"time"

	"floorsync/internal/cache"
	"floorsync/internal/fanout"
	"floorsync/internal/logger"
	"floorsync/internal/models"
	"floorsync/internal/remote"
	"floorsync/internal/repository"
	"floorsync/internal/retry"
)

const kvPrefix = "session:"

// Manager owns the live-session state: in-memory mirror, durable mirror,
// remote authority, and the change fan-out.
type Manager struct {
	cache   *cache.Store[models.LiveSession]
	kv      repository.KVStore
	adapter remote.Adapter
	queue   *retry.Queue
	hub     *fanout.Hub[models.LiveSession]
	log     *logger.Logger
	now     func() time.Time
}

func NewManager(kv repository.KVStore, adapter remote.Adapter, queue *retry.Queue, ttl time.Duration, log *logger.Logger) *Manager {
	m := &Manager{
		cache:   cache.New[models.LiveSession](ttl),
		kv:      kv,
		adapter: adapter,
		queue:   queue,
		log:     log,
		now:     time.Now,
	}
	var start fanout.StartFunc
	if adapter != nil {
		start = m.watchRemote
	}
	m.hub = fanout.New[models.LiveSession](start, log)
	return m
}

// ComputeSessionKey derives the composite key for one machine/shift/date.
// Pure and deterministic, no side effects.
func ComputeSessionKey(machine string, shift models.Shift, date string) (models.SessionKey, error) {
	return models.NewSessionKey(machine, shift, date)
}

// Warm seeds the in-memory mirror from the durable cache. Called once at
// process start so reads work before the first remote round trip.
func (m *Manager) Warm(ctx context.Context) {
	m.loadFromDurable(ctx)
}

// AcquireOrUpdate claims (or re-claims) the session's key with
// isLocked=true. A claim held by another device is taken over, not
// rejected. The local phase always applies; the remote phase reports
// applied, queued, or skipped.
func (m *Manager) AcquireOrUpdate(ctx context.Context, s models.LiveSession) (models.WriteResult, error) {
	key, err := s.Key()
	if err != nil {
		return models.WriteResult{}, err
	}
	s.ID = key
	s.IsLocked = true
	s.UpdatedAt = m.now().UTC()

	m.cache.Put(key.String(), s)
	m.mirror(ctx, s)
	res := models.WriteResult{Local: true}

	m.publishLocal()

	res.Remote = m.remoteUpsert(ctx, s)
	return res, nil
}

// Release deletes the session record; used when a shift submission
// completes. Releasing a non-existent session is a no-op locally.
func (m *Manager) Release(ctx context.Context, machine string, shift models.Shift, date string) (models.WriteResult, error) {
	key, err := ComputeSessionKey(machine, shift, date)
	if err != nil {
		return models.WriteResult{}, err
	}

	m.cache.Delete(key.String())
	if err := m.kv.Delete(ctx, kvPrefix+key.String()); err != nil {
		m.log.Warnw("session_durable_delete_failed", "key", key, "err", err)
	}
	res := models.WriteResult{Local: true}

	m.publishLocal()

	res.Remote = m.remoteDelete(ctx, key)
	return res, nil
}

// FetchActiveSessions returns all locked sessions for the current date,
// refreshing from the remote authority when the mirror is stale. When the
// remote is unreachable it falls back to the durable cache, and failing
// that serves the possibly stale in-memory set.
func (m *Manager) FetchActiveSessions(ctx context.Context) ([]models.LiveSession, error) {
	return m.fetch(ctx, false), nil
}

// ActiveClaims derives which sub-units of a machine group are claimed for
// the current shift and date. The result is always a subset of
// {1..subUnitCount}, ascending.
func (m *Manager) ActiveClaims(ctx context.Context, parentMachine string, subUnitCount int) ([]int, error) {
	sessions := m.fetch(ctx, false)
	byKey := make(map[models.SessionKey]models.LiveSession, len(sessions))
	for _, s := range sessions {
		byKey[s.ID] = s
	}

	shift := models.CurrentShift(m.now())
	date := models.Today(m.now())

	claims := make([]int, 0, subUnitCount)
	for i := 1; i <= subUnitCount; i++ {
		key, err := ComputeSessionKey(models.SubUnitName(parentMachine, i), shift, date)
		if err != nil {
			return nil, err
		}
		if s, ok := byKey[key]; ok && s.IsLocked {
			claims = append(claims, i)
		}
	}
	return claims, nil
}

// Subscribe registers a listener for the active-session set. The first
// listener opens the remote change stream; the last one leaving closes it.
func (m *Manager) Subscribe(listener func([]models.LiveSession)) fanout.Unsubscribe {
	return m.hub.Subscribe(listener)
}

// watchRemote opens the remote change stream. Any event, any row, triggers
// a full re-query of the locked set — partial updates are not attempted, so
// no stale partial state can accumulate.
func (m *Manager) watchRemote() (func(), error) {
	unsub, err := m.adapter.Subscribe(remote.TableSessions, func(remote.Event) {
		m.hub.Publish(m.fetch(context.Background(), true))
	})
	if err != nil {
		return nil, err
	}
	return unsub, nil
}

// fetch returns today's locked sessions, refreshing per the cache TTL or
// unconditionally when force is set.
func (m *Manager) fetch(ctx context.Context, force bool) []models.LiveSession {
	today := models.Today(m.now())

	if !force && !m.cache.Expired() {
		return m.lockedOn(today)
	}

	if m.adapter != nil {
		filter := map[string]string{"date": today, "is_locked": "true"}
		recs, err := m.adapter.Select(ctx, remote.TableSessions, filter)
		if err == nil {
			m.applyRemoteSet(ctx, recs)
			return m.lockedOn(today)
		}
		m.log.Warnw("session_requery_failed", "err", err)
	}

	m.loadFromDurable(ctx)
	return m.lockedOn(today)
}

// applyRemoteSet replaces the in-memory set with the authority's answer and
// reconciles the durable mirror with it.
func (m *Manager) applyRemoteSet(ctx context.Context, recs []remote.Record) {
	next := make(map[string]models.LiveSession, len(recs))
	for _, rec := range recs {
		s, err := sessionFromRecord(rec)
		if err != nil {
			m.log.Warnw("session_record_malformed", "err", err)
			continue
		}
		next[s.ID.String()] = s
	}
	m.cache.Replace(next)

	if keys, err := m.kv.Keys(ctx, kvPrefix); err == nil {
		for _, k := range keys {
			if _, keep := next[k[len(kvPrefix):]]; !keep {
				if err := m.kv.Delete(ctx, k); err != nil {
					m.log.Warnw("session_durable_prune_failed", "key", k, "err", err)
				}
			}
		}
	} else {
		m.log.Warnw("session_durable_scan_failed", "err", err)
	}
	for _, s := range next {
		m.mirror(ctx, s)
	}
}

// loadFromDurable fills in-memory gaps from the durable cache. Entries
// already in memory win: they were written synchronously with the mirror,
// so any divergence means a durable write failed and memory is newer.
// Malformed entries are treated as misses and skipped.
func (m *Manager) loadFromDurable(ctx context.Context) {
	keys, err := m.kv.Keys(ctx, kvPrefix)
	if err != nil {
		m.log.Warnw("session_durable_scan_failed", "err", err)
		return
	}

	for _, k := range keys {
		id := k[len(kvPrefix):]
		if _, present := m.cache.Get(id); present {
			continue
		}
		raw, found, err := m.kv.Load(ctx, k)
		if err != nil || !found {
			continue
		}
		var s models.LiveSession
		if err := json.Unmarshal(raw, &s); err != nil {
			m.log.Warnw("session_durable_entry_malformed", "key", k, "err", err)
			continue
		}
		m.cache.Put(s.ID.String(), s)
	}
}

func (m *Manager) lockedOn(date string) []models.LiveSession {
	all := m.cache.All()
	out := make([]models.LiveSession, 0, len(all))
	for _, s := range all {
		if s.IsLocked && s.Date == date {
			out = append(out, s)
		}
	}
	return out
}

func (m *Manager) publishLocal() {
	m.hub.Publish(m.lockedOn(models.Today(m.now())))
}

func (m *Manager) remoteUpsert(ctx context.Context, s models.LiveSession) models.RemoteOutcome {
	if m.adapter == nil {
		return models.RemoteSkipped
	}
	err := m.adapter.Upsert(ctx, remote.TableSessions, sessionRecord(s), "id")
	if err == nil {
		return models.RemoteApplied
	}
	m.log.Warnw("session_remote_upsert_failed", "key", s.ID, "err", err)

	p := retry.Payload{
		Op:          retry.OpUpsert,
		Table:       remote.TableSessions,
		ConflictKey: "id",
		Record:      sessionRecord(s),
	}
	if qerr := m.queue.Enqueue(ctx, p, err); qerr != nil {
		m.log.Errorw("session_retry_enqueue_failed", "key", s.ID, "err", qerr)
		return models.RemoteFailed
	}
	return models.RemoteQueued
}

func (m *Manager) remoteDelete(ctx context.Context, key models.SessionKey) models.RemoteOutcome {
	if m.adapter == nil {
		return models.RemoteSkipped
	}
	err := m.adapter.Delete(ctx, remote.TableSessions, key.String())
	if err == nil {
		return models.RemoteApplied
	}
	m.log.Warnw("session_remote_delete_failed", "key", key, "err", err)

	p := retry.Payload{
		Op:    retry.OpDelete,
		Table: remote.TableSessions,
		ID:    key.String(),
	}
	if qerr := m.queue.Enqueue(ctx, p, err); qerr != nil {
		m.log.Errorw("session_retry_enqueue_failed", "key", key, "err", qerr)
		return models.RemoteFailed
	}
	return models.RemoteQueued
}

// mirror writes one session through to the durable cache. Storage failures
// are logged and swallowed: durability degrades, availability does not.
func (m *Manager) mirror(ctx context.Context, s models.LiveSession) {
	raw, err := json.Marshal(s)
	if err != nil {
		m.log.Errorw("session_encode_failed", "key", s.ID, "err", err)
		return
	}
	if err := m.kv.Save(ctx, kvPrefix+s.ID.String(), raw); err != nil {
		m.log.Warnw("session_durable_save_failed", "key", s.ID, "err", err)
	}
}

func sessionRecord(s models.LiveSession) remote.Record {
	raw, _ := json.Marshal(s)
	var rec remote.Record
	_ = json.Unmarshal(raw, &rec)
	return rec
}

func sessionFromRecord(rec remote.Record) (models.LiveSession, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return models.LiveSession{}, err
	}
	var s models.LiveSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return models.LiveSession{}, err
	}
	if s.ID == "" {
		key, err := s.Key()
		if err != nil {
			return models.LiveSession{}, err
		}
		s.ID = key
	}
	return s, nil
}
