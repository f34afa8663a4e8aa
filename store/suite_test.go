package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dm4ml/motion/errors"
)

// testStoreConformance runs the backend-independent behavior checks. Both
// the in-process store and the NATS-backed store must pass it.
func testStoreConformance(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("state lifecycle", func(t *testing.T) {
		id := InstanceID("Counter", "lifecycle")

		_, _, err := s.LoadState(ctx, id)
		assert.ErrorIs(t, err, errors.ErrStateNotFound)

		v1, err := s.SaveState(ctx, id, 0, map[string]any{"count": 1})
		require.NoError(t, err)
		require.NotZero(t, v1)

		state, version, err := s.LoadState(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, v1, version)
		// State blobs are JSON; numbers come back as float64.
		assert.Equal(t, float64(1), state["count"])

		v2, err := s.SaveState(ctx, id, v1, map[string]any{"count": 2})
		require.NoError(t, err)
		assert.Greater(t, v2, v1)

		// Stale version must not win.
		_, err = s.SaveState(ctx, id, v1, map[string]any{"count": 99})
		assert.ErrorIs(t, err, errors.ErrVersionMismatch)

		// Create on an existing instance must fail.
		_, err = s.SaveState(ctx, id, 0, map[string]any{"count": 0})
		assert.ErrorIs(t, err, errors.ErrVersionMismatch)

		state, _, err = s.LoadState(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, float64(2), state["count"])
	})

	t.Run("lock exclusivity", func(t *testing.T) {
		id := InstanceID("Counter", "lock")

		lock, err := s.AcquireLock(ctx, id, time.Second)
		require.NoError(t, err)
		assert.Equal(t, id, lock.InstanceID())

		_, err = s.AcquireLock(ctx, id, 50*time.Millisecond)
		assert.ErrorIs(t, err, errors.ErrLockHeld)

		require.NoError(t, lock.Release(ctx))
		assert.ErrorIs(t, lock.Release(ctx), errors.ErrLockExpired)

		again, err := s.AcquireLock(ctx, id, time.Second)
		require.NoError(t, err)
		require.NoError(t, again.Release(ctx))
	})

	t.Run("cache round trip", func(t *testing.T) {
		id := InstanceID("Counter", "cache")

		_, ok, err := s.CacheGet(ctx, id, "fp1")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.CachePut(ctx, id, "fp1", map[string]any{"score": 0.5}, time.Minute))

		value, ok, err := s.CacheGet(ctx, id, "fp1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, map[string]any{"score": 0.5}, value)

		// Entries are scoped per instance.
		_, ok, err = s.CacheGet(ctx, InstanceID("Counter", "other"), "fp1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("cache expiry", func(t *testing.T) {
		id := InstanceID("Counter", "cache-expiry")
		require.NoError(t, s.CachePut(ctx, id, "fp", "v", 20*time.Millisecond))
		time.Sleep(50 * time.Millisecond)
		_, ok, err := s.CacheGet(ctx, id, "fp")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("queue order and removal", func(t *testing.T) {
		id := InstanceID("Counter", "queue")

		var seqs []uint64
		for i := 0; i < 5; i++ {
			seq, err := s.NextSequence(ctx, id)
			require.NoError(t, err)
			seqs = append(seqs, seq)
			require.NoError(t, s.QueueAppend(ctx, id, &Job{
				Seq:        seq,
				FlowKey:    "increment",
				EnqueuedAt: time.Now().UTC(),
				Props:      map[string]any{"delta": float64(i)},
			}))
		}
		for i := 1; i < len(seqs); i++ {
			assert.Greater(t, seqs[i], seqs[i-1])
		}

		jobs, err := s.QueuePeek(ctx, id)
		require.NoError(t, err)
		require.Len(t, jobs, 5)
		for i, job := range jobs {
			assert.Equal(t, seqs[i], job.Seq)
			assert.Equal(t, "increment", job.FlowKey)
		}

		require.NoError(t, s.QueueRemove(ctx, id, seqs[0]))
		require.NoError(t, s.QueueRemove(ctx, id, seqs[0])) // idempotent

		jobs, err = s.QueuePeek(ctx, id)
		require.NoError(t, err)
		require.Len(t, jobs, 4)
		assert.Equal(t, seqs[1], jobs[0].Seq)
	})

	t.Run("list and clear", func(t *testing.T) {
		for _, id := range []string{"a", "b", "c"} {
			_, err := s.SaveState(ctx, InstanceID("Scoped", id), 0, map[string]any{"v": true})
			require.NoError(t, err)
		}
		_, err := s.SaveState(ctx, InstanceID("OtherComponent", "x"), 0, map[string]any{"v": true})
		require.NoError(t, err)

		ids, err := s.ListInstanceIDs(ctx, "Scoped")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b", "c"}, ids)

		cleared := InstanceID("Scoped", "b")
		seq, err := s.NextSequence(ctx, cleared)
		require.NoError(t, err)
		require.NoError(t, s.QueueAppend(ctx, cleared, &Job{Seq: seq, FlowKey: "f"}))
		require.NoError(t, s.CachePut(ctx, cleared, "fp", "v", time.Minute))

		require.NoError(t, s.ClearInstance(ctx, cleared))

		_, _, err = s.LoadState(ctx, cleared)
		assert.ErrorIs(t, err, errors.ErrStateNotFound)
		jobs, err := s.QueuePeek(ctx, cleared)
		require.NoError(t, err)
		assert.Empty(t, jobs)
		_, ok, err := s.CacheGet(ctx, cleared, "fp")
		require.NoError(t, err)
		assert.False(t, ok)

		// A cleared instance can be recreated from scratch.
		_, err = s.SaveState(ctx, cleared, 0, map[string]any{"v": false})
		require.NoError(t, err)
	})
}
