// Package store defines the persistence boundary of the Motion runtime:
// versioned instance state with compare-and-swap, the serve result cache,
// per-instance update queues, and exclusive execution locks. The engine
// consumes this interface only; backends decide encoding and layout.
package store

import (
	"context"
	"time"
)

// Job is a queued update awaiting execution by an instance's background
// worker. Seq defines FIFO order and is strictly increasing per instance.
type Job struct {
	Seq        uint64         `json:"seq"`
	FlowKey    string         `json:"flow_key"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	Props      map[string]any `json:"props,omitempty"`

	// ServeResult is the output of the paired serve op, if the flow has one.
	ServeResult any `json:"serve_result,omitempty"`

	// Batched flows carry parallel arrays instead of a single observation.
	Values       []any `json:"values,omitempty"`
	ServeResults []any `json:"serve_results,omitempty"`
}

// Batched reports whether the job carries a released batch.
func (j *Job) Batched() bool {
	return len(j.Values) > 0
}

// Lock is a held per-instance execution lease. Release must be called
// exactly once; backends renew the lease in the background until then.
type Lock interface {
	// InstanceID returns the instance this lock guards.
	InstanceID() string

	// Release releases the lease. Safe to call from a deferred statement;
	// releasing an already-expired lease returns ErrLockExpired.
	Release(ctx context.Context) error
}

// Store is the persistence interface consumed by the execution engine and
// the migration runner. All implementations must be safe for concurrent use.
//
// Version semantics: LoadState returns the current version alongside the
// state blob; SaveState succeeds only when expectedVersion matches the
// stored version (compare-and-swap), returning the new version. Version 0
// as expectedVersion means "create; fail if the instance already exists".
type Store interface {
	// LoadState returns the persisted state and version for an instance.
	// Returns errors.ErrStateNotFound if the instance has never been saved.
	LoadState(ctx context.Context, instanceID string) (map[string]any, uint64, error)

	// SaveState persists state via compare-and-swap against expectedVersion.
	// Returns errors.ErrVersionMismatch when another writer got there first.
	SaveState(ctx context.Context, instanceID string, expectedVersion uint64, state map[string]any) (uint64, error)

	// AcquireLock acquires the exclusive execution lock for an instance,
	// blocking up to wait. Returns errors.ErrLockHeld on timeout.
	AcquireLock(ctx context.Context, instanceID string, wait time.Duration) (Lock, error)

	// CacheGet retrieves a cached serve result by fingerprint.
	CacheGet(ctx context.Context, instanceID, fingerprint string) (any, bool, error)

	// CachePut stores a serve result under a fingerprint with a TTL.
	// Overwrites are idempotent (entries are content-addressed).
	CachePut(ctx context.Context, instanceID, fingerprint string, value any, ttl time.Duration) error

	// NextSequence returns the next strictly-increasing sequence number for
	// an instance's update queue.
	NextSequence(ctx context.Context, instanceID string) (uint64, error)

	// QueueAppend appends a job to the instance's update queue.
	QueueAppend(ctx context.Context, instanceID string, job *Job) error

	// QueuePeek returns a snapshot of pending jobs in sequence order.
	QueuePeek(ctx context.Context, instanceID string) ([]*Job, error)

	// QueueRemove removes a job by sequence number. Removing an absent
	// sequence is not an error (the job may have been cleared concurrently).
	QueueRemove(ctx context.Context, instanceID string, seq uint64) error

	// ListInstanceIDs returns the ids of all persisted instances of a
	// component, without the component-name prefix.
	ListInstanceIDs(ctx context.Context, componentName string) ([]string, error)

	// ClearInstance drops an instance's state, cache entries, and queue.
	ClearInstance(ctx context.Context, instanceID string) error

	// Close releases backend resources.
	Close(ctx context.Context) error
}

// InstanceID builds the canonical instance identifier from a component name
// and an instance-local id, in the form "Component__id".
func InstanceID(componentName, id string) string {
	return componentName + "__" + id
}

// SplitInstanceID returns the component name and instance-local id of a
// canonical instance identifier.
func SplitInstanceID(instanceID string) (componentName, id string) {
	for i := 0; i+1 < len(instanceID); i++ {
		if instanceID[i] == '_' && instanceID[i+1] == '_' {
			return instanceID[:i], instanceID[i+2:]
		}
	}
	return instanceID, ""
}
