package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dm4ml/motion/errors"
)

// Memory is an in-process Store. It mirrors the NATS backend's semantics,
// including JSON round-tripping of state blobs, so code exercised against
// it behaves identically on the durable backend.
type Memory struct {
	mu     sync.Mutex
	closed bool

	states map[string]memoryState
	caches map[string]map[string]memoryCacheEntry
	queues map[string]map[uint64]*Job
	seqs   map[string]uint64
	locks  map[string]*memoryLock

	clock func() time.Time
}

type memoryState struct {
	blob    []byte
	version uint64
}

type memoryCacheEntry struct {
	blob      []byte
	expiresAt time.Time
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		states: make(map[string]memoryState),
		caches: make(map[string]map[string]memoryCacheEntry),
		queues: make(map[string]map[uint64]*Job),
		seqs:   make(map[string]uint64),
		locks:  make(map[string]*memoryLock),
		clock:  time.Now,
	}
}

func (m *Memory) LoadState(ctx context.Context, instanceID string) (map[string]any, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, 0, errors.ErrStoreUnavailable
	}
	st, ok := m.states[instanceID]
	if !ok {
		return nil, 0, errors.WrapInvalid(errors.ErrStateNotFound, "store", "LoadState", "load "+instanceID)
	}
	var state map[string]any
	if err := json.Unmarshal(st.blob, &state); err != nil {
		return nil, 0, errors.WrapFatal(err, "store", "LoadState", "decode state for "+instanceID)
	}
	return state, st.version, nil
}

func (m *Memory) SaveState(ctx context.Context, instanceID string, expectedVersion uint64, state map[string]any) (uint64, error) {
	blob, err := json.Marshal(state)
	if err != nil {
		return 0, errors.WrapInvalid(err, "store", "SaveState", "encode state for "+instanceID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errors.ErrStoreUnavailable
	}
	cur, exists := m.states[instanceID]
	switch {
	case expectedVersion == 0 && exists:
		return 0, errors.WrapInvalid(errors.ErrVersionMismatch, "store", "SaveState", "create "+instanceID)
	case expectedVersion != 0 && (!exists || cur.version != expectedVersion):
		return 0, errors.WrapTransient(errors.ErrVersionMismatch, "store", "SaveState", "update "+instanceID)
	}
	next := cur.version + 1
	m.states[instanceID] = memoryState{blob: blob, version: next}
	return next, nil
}

func (m *Memory) AcquireLock(ctx context.Context, instanceID string, wait time.Duration) (Lock, error) {
	deadline := m.clock().Add(wait)
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, errors.ErrStoreUnavailable
		}
		if _, held := m.locks[instanceID]; !held {
			l := &memoryLock{store: m, instanceID: instanceID}
			m.locks[instanceID] = l
			m.mu.Unlock()
			return l, nil
		}
		m.mu.Unlock()

		if m.clock().After(deadline) {
			return nil, errors.WrapTransient(errors.ErrLockHeld, "store", "AcquireLock", "lock "+instanceID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (m *Memory) CacheGet(ctx context.Context, instanceID, fingerprint string) (any, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, errors.ErrStoreUnavailable
	}
	entries, ok := m.caches[instanceID]
	if !ok {
		return nil, false, nil
	}
	entry, ok := entries[fingerprint]
	if !ok {
		return nil, false, nil
	}
	if m.clock().After(entry.expiresAt) {
		delete(entries, fingerprint)
		return nil, false, nil
	}
	var value any
	if err := json.Unmarshal(entry.blob, &value); err != nil {
		return nil, false, errors.WrapFatal(err, "store", "CacheGet", "decode cached result")
	}
	return value, true, nil
}

func (m *Memory) CachePut(ctx context.Context, instanceID, fingerprint string, value any, ttl time.Duration) error {
	blob, err := json.Marshal(value)
	if err != nil {
		return errors.WrapInvalid(err, "store", "CachePut", "encode result")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.ErrStoreUnavailable
	}
	entries, ok := m.caches[instanceID]
	if !ok {
		entries = make(map[string]memoryCacheEntry)
		m.caches[instanceID] = entries
	}
	entries[fingerprint] = memoryCacheEntry{blob: blob, expiresAt: m.clock().Add(ttl)}
	return nil
}

func (m *Memory) NextSequence(ctx context.Context, instanceID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errors.ErrStoreUnavailable
	}
	m.seqs[instanceID]++
	return m.seqs[instanceID], nil
}

func (m *Memory) QueueAppend(ctx context.Context, instanceID string, job *Job) error {
	blob, err := json.Marshal(job)
	if err != nil {
		return errors.WrapInvalid(err, "store", "QueueAppend", "encode job")
	}
	var stored Job
	if err := json.Unmarshal(blob, &stored); err != nil {
		return errors.WrapFatal(err, "store", "QueueAppend", "decode job")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.ErrStoreUnavailable
	}
	q, ok := m.queues[instanceID]
	if !ok {
		q = make(map[uint64]*Job)
		m.queues[instanceID] = q
	}
	q[stored.Seq] = &stored
	return nil
}

func (m *Memory) QueuePeek(ctx context.Context, instanceID string) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.ErrStoreUnavailable
	}
	q := m.queues[instanceID]
	jobs := make([]*Job, 0, len(q))
	for _, j := range q {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].Seq < jobs[k].Seq })
	return jobs, nil
}

func (m *Memory) QueueRemove(ctx context.Context, instanceID string, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.ErrStoreUnavailable
	}
	if q, ok := m.queues[instanceID]; ok {
		delete(q, seq)
	}
	return nil
}

func (m *Memory) ListInstanceIDs(ctx context.Context, componentName string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.ErrStoreUnavailable
	}
	prefix := componentName + "__"
	var ids []string
	for instanceID := range m.states {
		if strings.HasPrefix(instanceID, prefix) {
			ids = append(ids, strings.TrimPrefix(instanceID, prefix))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) ClearInstance(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.ErrStoreUnavailable
	}
	delete(m.states, instanceID)
	delete(m.caches, instanceID)
	delete(m.queues, instanceID)
	return nil
}

func (m *Memory) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memoryLock struct {
	store      *Memory
	instanceID string
	released   bool
	mu         sync.Mutex
}

func (l *memoryLock) InstanceID() string { return l.instanceID }

func (l *memoryLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return errors.WrapInvalid(errors.ErrLockExpired, "store", "Release", "release "+l.instanceID)
	}
	l.released = true
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	if l.store.locks[l.instanceID] == l {
		delete(l.store.locks, l.instanceID)
	}
	return nil
}
