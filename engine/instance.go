package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dm4ml/motion/component"
	"github.com/dm4ml/motion/errors"
	"github.com/dm4ml/motion/metric"
	"github.com/dm4ml/motion/pkg/cache"
	"github.com/dm4ml/motion/pkg/fingerprint"
	"github.com/dm4ml/motion/store"
)

// Instance is a live handle on one component instance. It owns the
// instance's background update worker and its read-through result cache;
// durable state lives in the store, so any number of processes may hold an
// Instance on the same id.
type Instance struct {
	def        *component.Definition
	id         string
	instanceID string
	store      store.Store

	local    cache.Cache[any]
	metrics  *metric.CoreMetrics
	logger   *slog.Logger
	cacheTTL time.Duration
	lockWait time.Duration

	// Flush signaling. Jobs complete in strict sequence order; lastDone is
	// the most recently completed (processed, failed, or discarded)
	// sequence.
	waiterMu sync.Mutex
	waiters  map[uint64][]chan error
	lastDone uint64

	accumMu sync.Mutex
	accums  map[string]*accumulator

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RunResult is the outcome of an asynchronous run.
type RunResult struct {
	Value any
	Err   error
}

// New creates an Instance of def with the given instance-local id (a
// random id when empty), seals the definition, and starts the background
// update worker.
func New(ctx context.Context, def *component.Definition, id string, st store.Store, opts ...Option) (*Instance, error) {
	if def == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Instance", "New", "nil definition")
	}
	if st == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Instance", "New", "nil store")
	}
	if id == "" {
		id = uuid.NewString()
	}
	if err := component.ValidateName(id); err != nil {
		return nil, err
	}

	options := instanceOptions{
		logger:   slog.Default(),
		cacheTTL: DefaultCacheTTL,
		lockWait: defaultLockWait,
	}
	for _, opt := range opts {
		opt(&options)
	}

	def.Seal()

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	inst := &Instance{
		def:        def,
		id:         id,
		instanceID: store.InstanceID(def.Name(), id),
		store:      st,
		logger:     options.logger.With("component", def.Name(), "instance", id),
		cacheTTL:   options.cacheTTL,
		lockWait:   options.lockWait,
		waiters:    make(map[uint64][]chan error),
		accums:     make(map[string]*accumulator),
		kick:       make(chan struct{}, 1),
		ctx:        workerCtx,
		cancel:     cancel,
	}
	if options.metrics != nil {
		inst.metrics = options.metrics.Core
	}

	if options.noLocal {
		inst.local = cache.NewNoop[any]()
	} else {
		local, err := cache.NewTTL[any](workerCtx, options.cacheTTL, defaultLocalCleanup)
		if err != nil {
			cancel()
			return nil, err
		}
		inst.local = local
	}

	inst.wg.Add(1)
	go inst.workerLoop()
	// Resume jobs left over from a previous process.
	inst.wake()

	return inst, nil
}

// ID returns the instance-local id.
func (i *Instance) ID() string { return i.id }

// InstanceID returns the canonical "Component__id" identifier.
func (i *Instance) InstanceID() string { return i.instanceID }

// Definition returns the component definition.
func (i *Instance) Definition() *component.Definition { return i.def }

// Run executes the flow registered under flowKey: serves a result from a
// state snapshot (cache permitting) and enqueues the paired update. The
// serve result is returned without waiting for the update unless
// FlushUpdate is set. Flows without a serve route return nil.
func (i *Instance) Run(ctx context.Context, flowKey string, props map[string]any, opts ...RunOption) (any, error) {
	flow, ok := i.def.Flow(flowKey)
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrUnknownFlow, flowKey),
			"Instance", "Run", "resolve flow")
	}

	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	runProps := component.NewProps(props)

	var serveResult any
	if flow.Serve != nil {
		var err error
		serveResult, err = i.serve(ctx, flow, props, runProps, o)
		if err != nil {
			// The paired update is not enqueued: its serve result would be
			// undefined.
			return nil, err
		}
	}

	if flow.Update != nil {
		if err := i.enqueueUpdate(ctx, flow, props, serveResult, o); err != nil {
			return serveResult, err
		}
	}

	return serveResult, nil
}

// RunAsync runs the flow in a goroutine and delivers the outcome on the
// returned channel.
func (i *Instance) RunAsync(ctx context.Context, flowKey string, props map[string]any, opts ...RunOption) <-chan RunResult {
	out := make(chan RunResult, 1)
	go func() {
		value, err := i.Run(ctx, flowKey, props, opts...)
		out <- RunResult{Value: value, Err: err}
	}()
	return out
}

func (i *Instance) serve(ctx context.Context, flow *component.Flow, rawProps map[string]any, props *component.Props, o runOptions) (any, error) {
	cacheable := !flow.CacheDisabled
	var fp string
	if cacheable {
		var err error
		fp, err = fingerprint.Compute(flow.Key, rawProps)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Instance", "Run", "fingerprint props")
		}

		if !o.ignoreCache && !o.forceRefresh {
			if value, ok := i.cacheLookup(ctx, flow, fp); ok {
				i.countRun(flow.Key, "cached")
				return value, nil
			}
		}
	}

	if o.forceRefresh {
		if err := i.drainQueue(ctx, o.flushTimeout); err != nil {
			return nil, err
		}
	}

	state, _, err := i.loadOrInit(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := flow.Serve(ctx, copyState(state), props, i.def.Params())
	if i.metrics != nil {
		i.metrics.ServeDuration.WithLabelValues(i.def.Name(), flow.Key).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		i.countRun(flow.Key, "error")
		return nil, &errors.ServeError{
			Component: i.def.Name(),
			Instance:  i.id,
			FlowKey:   flow.Key,
			Err:       err,
		}
	}
	i.countRun(flow.Key, "success")

	if cacheable {
		i.cacheStore(ctx, flow, fp, result)
	}
	return result, nil
}

func (i *Instance) cacheLookup(ctx context.Context, flow *component.Flow, fp string) (any, bool) {
	localKey := i.instanceID + "/" + fp
	if value, ok := i.local.Get(localKey); ok {
		i.countCache(flow.Key, true)
		return value, true
	}
	value, ok, err := i.store.CacheGet(ctx, i.instanceID, fp)
	if err != nil {
		i.logger.Warn("result cache lookup failed", "flow", flow.Key, "error", err)
		i.countCache(flow.Key, false)
		return nil, false
	}
	if ok {
		if _, err := i.local.SetWithTTL(localKey, value, i.flowTTL(flow)); err != nil {
			i.logger.Debug("local cache populate failed", "flow", flow.Key, "error", err)
		}
	}
	i.countCache(flow.Key, ok)
	return value, ok
}

func (i *Instance) cacheStore(ctx context.Context, flow *component.Flow, fp string, result any) {
	ttl := i.flowTTL(flow)
	if err := i.store.CachePut(ctx, i.instanceID, fp, result, ttl); err != nil {
		i.logger.Warn("result cache write failed", "flow", flow.Key, "error", err)
	}
	if _, err := i.local.SetWithTTL(i.instanceID+"/"+fp, result, ttl); err != nil {
		i.logger.Debug("local cache write failed", "flow", flow.Key, "error", err)
	}
}

func (i *Instance) flowTTL(flow *component.Flow) time.Duration {
	if flow.CacheTTL > 0 {
		return flow.CacheTTL
	}
	return i.cacheTTL
}

func (i *Instance) enqueueUpdate(ctx context.Context, flow *component.Flow, props map[string]any, serveResult any, o runOptions) error {
	job := &store.Job{
		FlowKey:    flow.Key,
		EnqueuedAt: time.Now().UTC(),
	}

	if flow.BatchSize > 1 {
		accum := i.accumulatorFor(flow)
		value := batchValue(props)
		if o.flush {
			// A flush on a partial batch forces an early release.
			values, results := accum.drain(value, serveResult)
			job.Values = values
			job.ServeResults = results
		} else {
			released, values, results := accum.add(value, serveResult)
			if !released {
				return nil
			}
			job.Values = values
			job.ServeResults = results
		}
	} else {
		job.Props = props
		job.ServeResult = serveResult
	}

	seq, err := i.store.NextSequence(ctx, i.instanceID)
	if err != nil {
		return errors.Wrap(err, "Instance", "Run", "allocate update sequence")
	}
	job.Seq = seq

	// Register the flush waiter before the job is visible to the worker.
	var done chan error
	if o.flush {
		done = i.registerWaiter(seq)
	}

	if err := i.store.QueueAppend(ctx, i.instanceID, job); err != nil {
		if done != nil {
			i.dropWaiter(seq, done)
		}
		return errors.Wrap(err, "Instance", "Run", "enqueue update")
	}
	i.wake()

	if done == nil {
		return nil
	}
	return i.waitDone(ctx, done, o.flushTimeout, flow.Key)
}

// batchValue picks what one run contributes to a batch: the observed
// "value" argument when present, the whole argument map otherwise.
func batchValue(props map[string]any) any {
	if v, ok := props["value"]; ok {
		return v
	}
	return props
}

func (i *Instance) accumulatorFor(flow *component.Flow) *accumulator {
	i.accumMu.Lock()
	defer i.accumMu.Unlock()
	accum, ok := i.accums[flow.Key]
	if !ok {
		accum = newAccumulator(flow.BatchSize)
		i.accums[flow.Key] = accum
	}
	return accum
}

func (i *Instance) registerWaiter(seq uint64) chan error {
	done := make(chan error, 1)
	i.waiterMu.Lock()
	i.waiters[seq] = append(i.waiters[seq], done)
	i.waiterMu.Unlock()
	return done
}

func (i *Instance) dropWaiter(seq uint64, done chan error) {
	i.waiterMu.Lock()
	defer i.waiterMu.Unlock()
	remaining := i.waiters[seq][:0]
	for _, ch := range i.waiters[seq] {
		if ch != done {
			remaining = append(remaining, ch)
		}
	}
	if len(remaining) == 0 {
		delete(i.waiters, seq)
	} else {
		i.waiters[seq] = remaining
	}
}

func (i *Instance) waitDone(ctx context.Context, done chan error, timeout time.Duration, flowKey string) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case err := <-done:
		return err
	case <-expired:
		if i.metrics != nil {
			i.metrics.FlushTimeouts.WithLabelValues(i.def.Name(), flowKey).Inc()
		}
		return errors.WrapTransient(errors.ErrFlushTimeout, "Instance", "Run", "wait for update "+flowKey)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush blocks until every update enqueued so far has been processed or
// discarded. Partial batches stay accumulated; only queued jobs drain.
func (i *Instance) Flush(ctx context.Context, timeout time.Duration) error {
	return i.drainQueue(ctx, timeout)
}

// FlushFlow blocks until every update queued for one flow has been
// processed or discarded. Jobs complete in strict sequence order, so
// earlier jobs of other flows drain along the way; later ones may still
// be pending when it returns. A flow with nothing queued is a no-op.
func (i *Instance) FlushFlow(ctx context.Context, flowKey string, timeout time.Duration) error {
	jobs, err := i.store.QueuePeek(ctx, i.instanceID)
	if err != nil {
		return errors.Wrap(err, "Instance", "Flush", "inspect queue")
	}
	var last uint64
	for _, job := range jobs {
		if job.FlowKey == flowKey {
			last = job.Seq
		}
	}
	if last == 0 {
		return nil
	}
	return i.waitDrained(ctx, last, timeout, flowKey)
}

func (i *Instance) drainQueue(ctx context.Context, timeout time.Duration) error {
	jobs, err := i.store.QueuePeek(ctx, i.instanceID)
	if err != nil {
		return errors.Wrap(err, "Instance", "Flush", "inspect queue")
	}
	if len(jobs) == 0 {
		return nil
	}
	return i.waitDrained(ctx, jobs[len(jobs)-1].Seq, timeout, "flush")
}

// waitDrained blocks until the given sequence has completed. Jobs finish
// in order, so the target sequence completing means everything before it
// drained too. The per-job error is irrelevant here.
func (i *Instance) waitDrained(ctx context.Context, seq uint64, timeout time.Duration, label string) error {
	i.waiterMu.Lock()
	if seq <= i.lastDone {
		i.waiterMu.Unlock()
		return nil
	}
	done := make(chan error, 1)
	i.waiters[seq] = append(i.waiters[seq], done)
	i.waiterMu.Unlock()

	i.wake()
	if err := i.waitDone(ctx, done, timeout, label); err != nil {
		if stderrors.Is(err, errors.ErrInstanceCleared) {
			return nil
		}
		return err
	}
	return nil
}

// ReadState returns one key of the instance state. Missing keys are
// ErrKeyNotFound.
func (i *Instance) ReadState(ctx context.Context, key string) (any, error) {
	state, _, err := i.loadOrInit(ctx)
	if err != nil {
		return nil, err
	}
	value, ok := state[key]
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrKeyNotFound, key),
			"Instance", "ReadState", "read state key")
	}
	return copyValue(value), nil
}

// State returns a copy of the full instance state.
func (i *Instance) State(ctx context.Context) (component.State, error) {
	state, _, err := i.loadOrInit(ctx)
	if err != nil {
		return nil, err
	}
	return copyState(state), nil
}

// WriteState merges a partial state directly, outside any flow. It takes
// the same per-instance lock as update execution and bumps the version.
func (i *Instance) WriteState(ctx context.Context, partial component.State) error {
	if len(partial) == 0 {
		return nil
	}
	lock, err := i.acquireLock(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lock.Release(context.WithoutCancel(ctx)); rerr != nil {
			i.logger.Warn("lock release failed", "error", rerr)
		}
	}()

	state, version, err := i.loadOrInit(ctx)
	if err != nil {
		return err
	}
	return i.persist(ctx, mergeState(state, partial), version)
}

// Version returns the current persisted state version.
func (i *Instance) Version(ctx context.Context) (uint64, error) {
	_, version, err := i.loadOrInit(ctx)
	if err != nil {
		return 0, err
	}
	return version, nil
}

// Clear drops the instance's state, cached results, queued updates, and
// any in-flight partial batches. Pending flush waiters get
// ErrInstanceCleared. The next use re-initializes from the init function.
func (i *Instance) Clear(ctx context.Context) error {
	i.accumMu.Lock()
	for _, accum := range i.accums {
		accum.reset()
	}
	i.accumMu.Unlock()

	if err := i.store.ClearInstance(ctx, i.instanceID); err != nil {
		return errors.Wrap(err, "Instance", "Clear", "clear persisted instance")
	}
	if err := i.local.Clear(); err != nil {
		i.logger.Warn("local cache clear failed", "error", err)
	}

	cleared := errors.WrapInvalid(errors.ErrInstanceCleared, "Instance", "Clear", "instance cleared")
	i.waiterMu.Lock()
	for seq, chans := range i.waiters {
		for _, ch := range chans {
			ch <- cleared
		}
		delete(i.waiters, seq)
	}
	i.waiterMu.Unlock()
	return nil
}

// Close stops the background worker and releases the local cache. Queued
// updates stay in the durable store and resume on the next Instance.
func (i *Instance) Close(ctx context.Context) error {
	i.cancel()

	finished := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Instance", "Close", "wait for worker shutdown")
	}

	if err := i.local.Close(); err != nil {
		return errors.Wrap(err, "Instance", "Close", "close local cache")
	}
	return nil
}

func (i *Instance) acquireLock(ctx context.Context) (store.Lock, error) {
	start := time.Now()
	lock, err := i.store.AcquireLock(ctx, i.instanceID, i.lockWait)
	if i.metrics != nil {
		i.metrics.LockWait.WithLabelValues(i.def.Name()).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// loadOrInit reads the persisted state, lazily initializing a brand-new
// instance from the definition's init function.
func (i *Instance) loadOrInit(ctx context.Context) (component.State, uint64, error) {
	for {
		raw, version, err := i.store.LoadState(ctx, i.instanceID)
		if err == nil {
			state, herr := i.def.ApplyLoadHook(component.State(raw))
			if herr != nil {
				return nil, 0, herr
			}
			return state, version, nil
		}
		if !stderrors.Is(err, errors.ErrStateNotFound) {
			return nil, 0, err
		}

		initial, ierr := i.def.InitState(ctx)
		if ierr != nil {
			return nil, 0, ierr
		}
		toSave, herr := i.def.ApplySaveHook(initial)
		if herr != nil {
			return nil, 0, herr
		}
		if _, serr := i.store.SaveState(ctx, i.instanceID, 0, toSave); serr != nil {
			if stderrors.Is(serr, errors.ErrVersionMismatch) {
				continue // another process initialized first
			}
			return nil, 0, serr
		}
	}
}

// persist applies the save hook and compare-and-swaps the state.
func (i *Instance) persist(ctx context.Context, state component.State, expectedVersion uint64) error {
	toSave, err := i.def.ApplySaveHook(state)
	if err != nil {
		return err
	}
	if _, err := i.store.SaveState(ctx, i.instanceID, expectedVersion, toSave); err != nil {
		return err
	}
	return nil
}

func (i *Instance) wake() {
	select {
	case i.kick <- struct{}{}:
	default:
	}
}

// wakeAfter re-kicks the worker after a delay, backing off retriable
// failures without busy-looping. A timer firing after shutdown is
// harmless: the kick channel is buffered and nobody reads it.
func (i *Instance) wakeAfter(d time.Duration) {
	time.AfterFunc(d, i.wake)
}

func (i *Instance) countRun(flowKey, status string) {
	if i.metrics != nil {
		i.metrics.RunsTotal.WithLabelValues(i.def.Name(), flowKey, status).Inc()
	}
}

func (i *Instance) countCache(flowKey string, hit bool) {
	if i.metrics == nil {
		return
	}
	if hit {
		i.metrics.CacheHits.WithLabelValues(i.def.Name(), flowKey).Inc()
	} else {
		i.metrics.CacheMisses.WithLabelValues(i.def.Name(), flowKey).Inc()
	}
}
