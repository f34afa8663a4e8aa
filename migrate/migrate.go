// Package migrate rewrites persisted instance state across a whole
// component, for schema changes that update flows cannot express. Each
// instance is migrated under the same per-instance lock as live updates,
// and its state is replaced wholesale rather than merged.
package migrate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dm4ml/motion/component"
	"github.com/dm4ml/motion/errors"
	"github.com/dm4ml/motion/pkg/worker"
	"github.com/dm4ml/motion/store"
)

// MigrateFunc transforms one instance's state into its new shape. It
// receives a private copy; the returned map replaces the old state
// entirely.
type MigrateFunc func(state map[string]any) (map[string]any, error)

// Result is the outcome for one instance. Err is nil on success.
type Result struct {
	InstanceID string
	Err        error
}

// Options tunes a migration run.
type Options struct {
	// NumWorkers is the migration parallelism. Defaults to 4.
	NumWorkers int
	// LockWait bounds the wait for each instance's lock. Defaults to 30s.
	LockWait time.Duration
	Logger   *slog.Logger
}

// StateMigrator runs a MigrateFunc over the persisted instances of one
// component definition.
type StateMigrator struct {
	def      *component.Definition
	store    store.Store
	fn       MigrateFunc
	workers  int
	lockWait time.Duration
	logger   *slog.Logger
}

// New creates a migrator for def's instances in st.
func New(def *component.Definition, st store.Store, fn MigrateFunc, opts Options) (*StateMigrator, error) {
	if def == nil || st == nil || fn == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "StateMigrator", "New", "nil definition, store, or migrate function")
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 4
	}
	if opts.LockWait <= 0 {
		opts.LockWait = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &StateMigrator{
		def:      def,
		store:    st,
		fn:       fn,
		workers:  opts.NumWorkers,
		lockWait: opts.LockWait,
		logger:   opts.Logger.With("component", def.Name()),
	}, nil
}

// Migrate runs the transform over the given instance ids, or over every
// persisted instance of the component when ids is empty. One failing
// instance never aborts the batch; inspect the per-instance Results.
func (m *StateMigrator) Migrate(ctx context.Context, ids []string) ([]Result, error) {
	if len(ids) == 0 {
		var err error
		ids, err = m.store.ListInstanceIDs(ctx, m.def.Name())
		if err != nil {
			return nil, errors.Wrap(err, "StateMigrator", "Migrate", "list instances")
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var mu sync.Mutex
	results := make([]Result, 0, len(ids))
	var done sync.WaitGroup

	pool := worker.NewPool(m.workers, len(ids), func(ctx context.Context, id string) error {
		defer done.Done()
		err := m.migrateOne(ctx, id)
		mu.Lock()
		results = append(results, Result{InstanceID: id, Err: err})
		mu.Unlock()
		if err != nil {
			m.logger.Error("instance migration failed", "instance", id, "error", err)
		}
		return err
	})
	if err := pool.Start(ctx); err != nil {
		return nil, errors.Wrap(err, "StateMigrator", "Migrate", "start worker pool")
	}

	for _, id := range ids {
		done.Add(1)
		if err := pool.Submit(id); err != nil {
			done.Done()
			mu.Lock()
			results = append(results, Result{InstanceID: id, Err: err})
			mu.Unlock()
		}
	}

	finished := make(chan struct{})
	go func() {
		done.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		_ = pool.Stop(time.Second)
		return results, ctx.Err()
	}
	if err := pool.Stop(30 * time.Second); err != nil {
		m.logger.Warn("worker pool stop", "error", err)
	}

	return results, nil
}

// migrateOne locks, transforms, and wholesale-replaces one instance's
// state.
func (m *StateMigrator) migrateOne(ctx context.Context, id string) error {
	instanceID := store.InstanceID(m.def.Name(), id)

	lock, err := m.store.AcquireLock(ctx, instanceID, m.lockWait)
	if err != nil {
		return &errors.MigrationError{Component: m.def.Name(), Instance: id, Err: err}
	}
	defer func() {
		if rerr := lock.Release(context.WithoutCancel(ctx)); rerr != nil {
			m.logger.Warn("lock release failed", "instance", id, "error", rerr)
		}
	}()

	raw, version, err := m.store.LoadState(ctx, instanceID)
	if err != nil {
		return &errors.MigrationError{Component: m.def.Name(), Instance: id, Err: err}
	}
	loaded, err := m.def.ApplyLoadHook(component.State(raw))
	if err != nil {
		return &errors.MigrationError{Component: m.def.Name(), Instance: id, Err: err}
	}

	migrated, err := m.fn(copyState(loaded))
	if err != nil {
		return &errors.MigrationError{Component: m.def.Name(), Instance: id, Err: err}
	}
	if migrated == nil {
		migrated = map[string]any{}
	}

	toSave, err := m.def.ApplySaveHook(component.State(migrated))
	if err != nil {
		return &errors.MigrationError{Component: m.def.Name(), Instance: id, Err: err}
	}
	if _, err := m.store.SaveState(ctx, instanceID, version, toSave); err != nil {
		return &errors.MigrationError{Component: m.def.Name(), Instance: id, Err: err}
	}
	return nil
}

func copyState(state component.State) map[string]any {
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = copyValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}
