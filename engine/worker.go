package engine

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/dm4ml/motion/component"
	"github.com/dm4ml/motion/errors"
	"github.com/dm4ml/motion/store"
)

// workerLoop is the instance's single background update worker. It drains
// the durable queue in strict sequence order whenever woken, evaluating
// discard policies immediately before each job would run. The loop never
// dies on a failing update.
func (i *Instance) workerLoop() {
	defer i.wg.Done()
	for {
		select {
		case <-i.ctx.Done():
			return
		case <-i.kick:
		}

		for {
			if i.ctx.Err() != nil {
				return
			}
			jobs, err := i.store.QueuePeek(i.ctx, i.instanceID)
			if err != nil {
				i.logger.Warn("queue peek failed", "error", err)
				break
			}
			if i.metrics != nil {
				i.metrics.QueueDepth.WithLabelValues(i.def.Name()).Set(float64(len(jobs)))
			}
			if len(jobs) == 0 {
				break
			}
			if !i.processSnapshot(jobs) {
				break
			}
		}
	}
}

// processSnapshot walks one queue snapshot in order. Returns false when
// the worker should back off instead of immediately re-peeking.
func (i *Instance) processSnapshot(jobs []*store.Job) bool {
	for idx, job := range jobs {
		if i.ctx.Err() != nil {
			return false
		}

		flow, ok := i.def.Flow(job.FlowKey)
		if !ok || flow.Update == nil {
			// The queue outlives processes; a renamed or removed flow can
			// leave orphaned jobs behind.
			i.logger.Warn("dropping job for unknown flow", "flow", job.FlowKey, "seq", job.Seq)
			i.finishJob(job, errors.WrapInvalid(errors.ErrUnknownFlow, "Instance", "worker", "resolve flow "+job.FlowKey))
			continue
		}

		newer := countNewer(jobs[idx+1:], job.Seq, job.FlowKey)
		if flow.Discard.Kind == component.DiscardNumNewUpdates {
			// The snapshot count goes stale while earlier jobs execute;
			// re-peek so arrivals since the snapshot are seen too.
			if fresh, err := i.store.QueuePeek(i.ctx, i.instanceID); err == nil {
				newer = countNewer(fresh, job.Seq, job.FlowKey)
			} else {
				i.logger.Warn("queue re-peek failed, using snapshot count", "seq", job.Seq, "error", err)
			}
		}
		if flow.Discard.Discards(time.Since(job.EnqueuedAt), newer) {
			if i.metrics != nil {
				i.metrics.UpdatesDiscarded.WithLabelValues(
					i.def.Name(), job.FlowKey, flow.Discard.Kind.String()).Inc()
			}
			i.logger.Debug("discarded stale update", "flow", job.FlowKey, "seq", job.Seq,
				"policy", flow.Discard.Kind.String())
			i.finishJob(job, nil)
			continue
		}

		if retry := i.executeJob(flow, job); retry {
			return false
		}
	}
	return true
}

// countNewer counts queued jobs for the same flow with a higher sequence.
func countNewer(jobs []*store.Job, seq uint64, flowKey string) int {
	n := 0
	for _, job := range jobs {
		if job.Seq > seq && job.FlowKey == flowKey {
			n++
		}
	}
	return n
}

// executeJob runs one update under the per-instance lock. Returns true
// when the job should stay queued for a later attempt (lock contention);
// user errors drop the job, update delivery is at most once.
func (i *Instance) executeJob(flow *component.Flow, job *store.Job) (retryLater bool) {
	ctx := i.ctx

	lock, err := i.acquireLock(ctx)
	if err != nil {
		if stderrors.Is(err, errors.ErrLockHeld) {
			i.logger.Debug("instance lock held elsewhere, retrying later", "seq", job.Seq)
			i.wakeAfter(100 * time.Millisecond)
			return true
		}
		i.logger.Warn("lock acquisition failed", "seq", job.Seq, "error", err)
		i.wakeAfter(100 * time.Millisecond)
		return true
	}
	defer func() {
		if rerr := lock.Release(context.WithoutCancel(ctx)); rerr != nil {
			i.logger.Warn("lock release failed", "seq", job.Seq, "error", rerr)
		}
	}()

	state, version, err := i.loadOrInit(ctx)
	if err != nil {
		i.logger.Warn("state load failed", "seq", job.Seq, "error", err)
		i.wakeAfter(100 * time.Millisecond)
		return true
	}

	var props *component.Props
	if job.Batched() {
		props = component.NewBatchProps(job.Values, job.ServeResults)
	} else {
		props = component.NewProps(job.Props).WithServeResult(job.ServeResult)
	}

	start := time.Now()
	partial, err := flow.Update(ctx, copyState(state), props, i.def.Params())
	if i.metrics != nil {
		i.metrics.UpdateDuration.WithLabelValues(i.def.Name(), job.FlowKey).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		// State untouched; the job is dropped, not retried.
		if i.metrics != nil {
			i.metrics.UpdatesFailed.WithLabelValues(i.def.Name(), job.FlowKey).Inc()
		}
		uerr := &errors.UpdateError{
			Component: i.def.Name(),
			Instance:  i.id,
			FlowKey:   job.FlowKey,
			Seq:       job.Seq,
			Err:       err,
		}
		i.logger.Error("update failed", "flow", job.FlowKey, "seq", job.Seq, "error", err)
		i.finishJob(job, uerr)
		return false
	}

	if len(partial) > 0 {
		if err := i.persist(ctx, mergeState(state, partial), version); err != nil {
			// The lock serializes writers, so a version conflict here means
			// infrastructure trouble rather than a racing update.
			if i.metrics != nil {
				i.metrics.UpdatesFailed.WithLabelValues(i.def.Name(), job.FlowKey).Inc()
			}
			i.logger.Error("state persist failed", "flow", job.FlowKey, "seq", job.Seq, "error", err)
			i.finishJob(job, &errors.UpdateError{
				Component: i.def.Name(),
				Instance:  i.id,
				FlowKey:   job.FlowKey,
				Seq:       job.Seq,
				Err:       err,
			})
			return false
		}
	}

	if i.metrics != nil {
		i.metrics.UpdatesProcessed.WithLabelValues(i.def.Name(), job.FlowKey).Inc()
	}
	i.finishJob(job, nil)
	return false
}

// finishJob removes the job from the durable queue and signals flush
// waiters with its outcome.
func (i *Instance) finishJob(job *store.Job, result error) {
	if err := i.store.QueueRemove(context.WithoutCancel(i.ctx), i.instanceID, job.Seq); err != nil {
		i.logger.Warn("queue remove failed", "seq", job.Seq, "error", err)
	}
	i.signalSeq(job.Seq, result)
}

func (i *Instance) signalSeq(seq uint64, result error) {
	i.waiterMu.Lock()
	defer i.waiterMu.Unlock()
	if seq > i.lastDone {
		i.lastDone = seq
	}
	for _, ch := range i.waiters[seq] {
		ch <- result
	}
	delete(i.waiters, seq)
}
