package store

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/dm4ml/motion/errors"
	"github.com/dm4ml/motion/pkg/retry"
)

// Bucket layout: four KV buckets per runtime, named <prefix>-state,
// <prefix>-cache, <prefix>-queue, and <prefix>-lock. State versions are the
// KV revisions of the state key, so compare-and-swap maps directly onto
// jetstream's Update(key, value, revision).
const (
	defaultBucketPrefix = "motion"
	defaultLockLease    = 10 * time.Second
	defaultCacheSweep   = 24 * time.Hour

	queueJobPrefix = "job."
	queueSeqPrefix = "seq."
)

// NATSOptions configures the durable store.
type NATSOptions struct {
	BucketPrefix string
	LockLease    time.Duration

	// CacheSweep bounds how long expired cache entries linger before the
	// bucket TTL reclaims them. Per-entry TTLs are enforced on read.
	CacheSweep time.Duration

	Logger *slog.Logger
}

// NATSOption mutates NATSOptions.
type NATSOption func(*NATSOptions)

// WithBucketPrefix overrides the KV bucket name prefix.
func WithBucketPrefix(prefix string) NATSOption {
	return func(o *NATSOptions) { o.BucketPrefix = prefix }
}

// WithLockLease overrides the lock lease duration.
func WithLockLease(lease time.Duration) NATSOption {
	return func(o *NATSOptions) { o.LockLease = lease }
}

// WithLogger sets the logger used for lock renewal and CAS diagnostics.
func WithLogger(logger *slog.Logger) NATSOption {
	return func(o *NATSOptions) { o.Logger = logger }
}

// NATS is the JetStream KV backed Store.
type NATS struct {
	state jetstream.KeyValue
	cache jetstream.KeyValue
	queue jetstream.KeyValue
	lock  jetstream.KeyValue

	lease  time.Duration
	logger *slog.Logger

	closed sync.Once
	done   chan struct{}
}

// NewNATS creates the four KV buckets (or binds to existing ones) and
// returns a Store backed by them. The caller owns the JetStream context's
// underlying connection.
func NewNATS(ctx context.Context, js jetstream.JetStream, opts ...NATSOption) (*NATS, error) {
	options := NATSOptions{
		BucketPrefix: defaultBucketPrefix,
		LockLease:    defaultLockLease,
		CacheSweep:   defaultCacheSweep,
		Logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.LockLease < time.Second {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "store", "NewNATS", "lock lease below one second")
	}

	s := &NATS{
		lease:  options.LockLease,
		logger: options.Logger,
		done:   make(chan struct{}),
	}

	var err error
	if s.state, err = ensureBucket(ctx, js, jetstream.KeyValueConfig{
		Bucket: options.BucketPrefix + "-state",
	}); err != nil {
		return nil, err
	}
	if s.cache, err = ensureBucket(ctx, js, jetstream.KeyValueConfig{
		Bucket: options.BucketPrefix + "-cache",
		TTL:    options.CacheSweep,
	}); err != nil {
		return nil, err
	}
	if s.queue, err = ensureBucket(ctx, js, jetstream.KeyValueConfig{
		Bucket: options.BucketPrefix + "-queue",
	}); err != nil {
		return nil, err
	}
	if s.lock, err = ensureBucket(ctx, js, jetstream.KeyValueConfig{
		Bucket: options.BucketPrefix + "-lock",
		TTL:    options.LockLease,
	}); err != nil {
		return nil, err
	}

	return s, nil
}

func ensureBucket(ctx context.Context, js jetstream.JetStream, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	bucket, err := js.KeyValue(ctx, cfg.Bucket)
	if err == nil {
		return bucket, nil
	}
	bucket, err = js.CreateKeyValue(ctx, cfg)
	if err == nil {
		return bucket, nil
	}
	if isBucketExistsError(err) {
		// Lost a creation race; the bucket is there now.
		bucket, err = js.KeyValue(ctx, cfg.Bucket)
		if err == nil {
			return bucket, nil
		}
	}
	return nil, errors.WrapTransient(err, "store", "NewNATS", "ensure bucket "+cfg.Bucket)
}

func (s *NATS) LoadState(ctx context.Context, instanceID string) (map[string]any, uint64, error) {
	entry, err := s.state.Get(ctx, instanceID)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, errors.WrapInvalid(errors.ErrStateNotFound, "store", "LoadState", "load "+instanceID)
		}
		return nil, 0, errors.WrapTransient(err, "store", "LoadState", "load "+instanceID)
	}
	var state map[string]any
	if err := json.Unmarshal(entry.Value(), &state); err != nil {
		return nil, 0, errors.WrapFatal(err, "store", "LoadState", "decode state for "+instanceID)
	}
	return state, entry.Revision(), nil
}

func (s *NATS) SaveState(ctx context.Context, instanceID string, expectedVersion uint64, state map[string]any) (uint64, error) {
	blob, err := json.Marshal(state)
	if err != nil {
		return 0, errors.WrapInvalid(err, "store", "SaveState", "encode state for "+instanceID)
	}
	if expectedVersion == 0 {
		rev, err := s.state.Create(ctx, instanceID, blob)
		if err != nil {
			if isKVConflictError(err) {
				return 0, errors.WrapInvalid(errors.ErrVersionMismatch, "store", "SaveState", "create "+instanceID)
			}
			return 0, errors.WrapTransient(err, "store", "SaveState", "create "+instanceID)
		}
		return rev, nil
	}
	rev, err := s.state.Update(ctx, instanceID, blob, expectedVersion)
	if err != nil {
		if isKVConflictError(err) {
			return 0, errors.WrapTransient(errors.ErrVersionMismatch, "store", "SaveState", "update "+instanceID)
		}
		return 0, errors.WrapTransient(err, "store", "SaveState", "update "+instanceID)
	}
	return rev, nil
}

type lockRecord struct {
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
}

func (s *NATS) AcquireLock(ctx context.Context, instanceID string, wait time.Duration) (Lock, error) {
	payload, err := json.Marshal(lockRecord{Holder: uuid.NewString(), AcquiredAt: time.Now().UTC()})
	if err != nil {
		return nil, errors.WrapFatal(err, "store", "AcquireLock", "encode lock record")
	}

	deadline := time.Now().Add(wait)
	for {
		rev, err := s.lock.Create(ctx, instanceID, payload)
		if err == nil {
			l := &natsLock{
				store:      s,
				instanceID: instanceID,
				payload:    payload,
				revision:   rev,
				released:   make(chan struct{}),
			}
			go l.renew(s.lease)
			return l, nil
		}
		if !isKVConflictError(err) {
			return nil, errors.WrapTransient(err, "store", "AcquireLock", "lock "+instanceID)
		}
		if time.Now().After(deadline) {
			return nil, errors.WrapTransient(errors.ErrLockHeld, "store", "AcquireLock", "lock "+instanceID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.lease / 10):
		}
	}
}

type cacheEnvelope struct {
	Value     json.RawMessage `json:"value"`
	ExpiresAt time.Time       `json:"expires_at"`
}

func (s *NATS) CacheGet(ctx context.Context, instanceID, fingerprint string) (any, bool, error) {
	entry, err := s.cache.Get(ctx, cacheKey(instanceID, fingerprint))
	if err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, errors.WrapTransient(err, "store", "CacheGet", "get cached result")
	}
	var env cacheEnvelope
	if err := json.Unmarshal(entry.Value(), &env); err != nil {
		return nil, false, errors.WrapFatal(err, "store", "CacheGet", "decode cached result")
	}
	if time.Now().After(env.ExpiresAt) {
		return nil, false, nil
	}
	var value any
	if err := json.Unmarshal(env.Value, &value); err != nil {
		return nil, false, errors.WrapFatal(err, "store", "CacheGet", "decode cached value")
	}
	return value, true, nil
}

func (s *NATS) CachePut(ctx context.Context, instanceID, fingerprint string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.WrapInvalid(err, "store", "CachePut", "encode result")
	}
	blob, err := json.Marshal(cacheEnvelope{Value: raw, ExpiresAt: time.Now().Add(ttl)})
	if err != nil {
		return errors.WrapFatal(err, "store", "CachePut", "encode envelope")
	}
	if _, err := s.cache.Put(ctx, cacheKey(instanceID, fingerprint), blob); err != nil {
		return errors.WrapTransient(err, "store", "CachePut", "put cached result")
	}
	return nil
}

func (s *NATS) NextSequence(ctx context.Context, instanceID string) (uint64, error) {
	key := queueSeqPrefix + instanceID
	var next uint64
	err := retry.Do(ctx, retry.CAS(), func() error {
		entry, err := s.queue.Get(ctx, key)
		if err != nil {
			if !stderrors.Is(err, jetstream.ErrKeyNotFound) {
				return fmt.Errorf("get sequence counter: %w", err)
			}
			next = 1
			if _, err := s.queue.Create(ctx, key, []byte("1")); err != nil {
				return err
			}
			return nil
		}
		cur, perr := strconv.ParseUint(string(entry.Value()), 10, 64)
		if perr != nil {
			return retry.NonRetryable(fmt.Errorf("corrupt sequence counter %q: %w", entry.Value(), perr))
		}
		next = cur + 1
		if _, err := s.queue.Update(ctx, key, []byte(strconv.FormatUint(next, 10)), entry.Revision()); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		if isKVConflictError(err) {
			return 0, errors.WrapTransient(errors.ErrMaxRetriesExceeded, "store", "NextSequence", "advance counter for "+instanceID)
		}
		return 0, errors.WrapTransient(err, "store", "NextSequence", "advance counter for "+instanceID)
	}
	return next, nil
}

func (s *NATS) QueueAppend(ctx context.Context, instanceID string, job *Job) error {
	blob, err := json.Marshal(job)
	if err != nil {
		return errors.WrapInvalid(err, "store", "QueueAppend", "encode job")
	}
	if _, err := s.queue.Create(ctx, queueJobKey(instanceID, job.Seq), blob); err != nil {
		return errors.WrapTransient(err, "store", "QueueAppend", "append job")
	}
	return nil
}

func (s *NATS) QueuePeek(ctx context.Context, instanceID string) ([]*Job, error) {
	keys, err := s.listKeys(ctx, s.queue, queueJobPrefix+instanceID+".")
	if err != nil {
		return nil, errors.WrapTransient(err, "store", "QueuePeek", "list jobs")
	}
	jobs := make([]*Job, 0, len(keys))
	for _, key := range keys {
		entry, err := s.queue.Get(ctx, key)
		if err != nil {
			if stderrors.Is(err, jetstream.ErrKeyNotFound) {
				continue // removed between list and get
			}
			return nil, errors.WrapTransient(err, "store", "QueuePeek", "get job "+key)
		}
		var job Job
		if err := json.Unmarshal(entry.Value(), &job); err != nil {
			return nil, errors.WrapFatal(err, "store", "QueuePeek", "decode job "+key)
		}
		jobs = append(jobs, &job)
	}
	// Zero-padded sequence suffixes make lexical key order equal sequence
	// order, but ListKeys gives no ordering guarantee.
	for i := 1; i < len(jobs); i++ {
		for k := i; k > 0 && jobs[k-1].Seq > jobs[k].Seq; k-- {
			jobs[k-1], jobs[k] = jobs[k], jobs[k-1]
		}
	}
	return jobs, nil
}

func (s *NATS) QueueRemove(ctx context.Context, instanceID string, seq uint64) error {
	if err := s.queue.Purge(ctx, queueJobKey(instanceID, seq)); err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return errors.WrapTransient(err, "store", "QueueRemove", "remove job")
	}
	return nil
}

func (s *NATS) ListInstanceIDs(ctx context.Context, componentName string) ([]string, error) {
	keys, err := s.listKeys(ctx, s.state, componentName+"__")
	if err != nil {
		return nil, errors.WrapTransient(err, "store", "ListInstanceIDs", "list instances")
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, strings.TrimPrefix(key, componentName+"__"))
	}
	return ids, nil
}

func (s *NATS) ClearInstance(ctx context.Context, instanceID string) error {
	if err := s.state.Purge(ctx, instanceID); err != nil && !stderrors.Is(err, jetstream.ErrKeyNotFound) {
		return errors.WrapTransient(err, "store", "ClearInstance", "purge state")
	}
	cacheKeys, err := s.listKeys(ctx, s.cache, instanceID+".")
	if err != nil {
		return errors.WrapTransient(err, "store", "ClearInstance", "list cache entries")
	}
	for _, key := range cacheKeys {
		if err := s.cache.Purge(ctx, key); err != nil && !stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return errors.WrapTransient(err, "store", "ClearInstance", "purge cache entry")
		}
	}
	queueKeys, err := s.listKeys(ctx, s.queue, queueJobPrefix+instanceID+".")
	if err != nil {
		return errors.WrapTransient(err, "store", "ClearInstance", "list queued jobs")
	}
	queueKeys = append(queueKeys, queueSeqPrefix+instanceID)
	for _, key := range queueKeys {
		if err := s.queue.Purge(ctx, key); err != nil && !stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return errors.WrapTransient(err, "store", "ClearInstance", "purge queued job")
		}
	}
	return nil
}

func (s *NATS) Close(ctx context.Context) error {
	s.closed.Do(func() { close(s.done) })
	return nil
}

func (s *NATS) listKeys(ctx context.Context, bucket jetstream.KeyValue, prefix string) ([]string, error) {
	lister, err := bucket.ListKeys(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, err
	}
	defer lister.Stop()

	var keys []string
	for key := range lister.Keys() {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func cacheKey(instanceID, fingerprint string) string {
	return instanceID + "." + fingerprint
}

// queueJobKey pads the sequence to 20 digits so lexical ordering matches
// numeric ordering (uint64 max is 20 digits).
func queueJobKey(instanceID string, seq uint64) string {
	return fmt.Sprintf("%s%s.%020d", queueJobPrefix, instanceID, seq)
}

type natsLock struct {
	store      *NATS
	instanceID string
	payload    []byte

	mu       sync.Mutex
	revision uint64
	expired  bool
	done     bool
	released chan struct{}
}

func (l *natsLock) InstanceID() string { return l.instanceID }

// renew refreshes the lease at a third of its duration so a stalled holder
// loses the lock within one lease of its last heartbeat.
func (l *natsLock) renew(lease time.Duration) {
	ticker := time.NewTicker(lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-l.released:
			return
		case <-l.store.done:
			return
		case <-ticker.C:
			l.mu.Lock()
			if l.done {
				l.mu.Unlock()
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), lease/3)
			rev, err := l.store.lock.Update(ctx, l.instanceID, l.payload, l.revision)
			cancel()
			if err != nil {
				l.expired = true
				l.mu.Unlock()
				l.store.logger.Warn("lock lease renewal failed",
					"instance", l.instanceID, "error", err)
				return
			}
			l.revision = rev
			l.mu.Unlock()
		}
	}
}

func (l *natsLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return errors.WrapInvalid(errors.ErrLockExpired, "store", "Release", "release "+l.instanceID)
	}
	l.done = true
	close(l.released)
	if l.expired {
		return errors.WrapInvalid(errors.ErrLockExpired, "store", "Release", "release "+l.instanceID)
	}
	if err := l.store.lock.Purge(ctx, l.instanceID); err != nil && !stderrors.Is(err, jetstream.ErrKeyNotFound) {
		return errors.WrapTransient(err, "store", "Release", "release "+l.instanceID)
	}
	return nil
}

func isKVConflictError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "wrong last sequence") ||
		strings.Contains(msg, "10071") ||
		strings.Contains(msg, "key exists") ||
		strings.Contains(msg, "10058")
}

func isBucketExistsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "bucket name already in use") ||
		strings.Contains(msg, "already exists") ||
		strings.Contains(msg, "stream name already in use")
}
