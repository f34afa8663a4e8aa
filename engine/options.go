package engine

import (
	"log/slog"
	"time"

	"github.com/dm4ml/motion/metric"
)

// DefaultCacheTTL is how long a serve result stays cached when the flow
// does not override it.
const DefaultCacheTTL = 24 * time.Hour

const (
	defaultLockWait     = 30 * time.Second
	defaultLocalCleanup = 5 * time.Minute
)

// Option configures an Instance at construction time.
type Option func(*instanceOptions)

type instanceOptions struct {
	metrics   *metric.Registry
	logger    *slog.Logger
	cacheTTL  time.Duration
	lockWait  time.Duration
	noLocal   bool
}

// WithMetrics attaches a metric registry; core runtime metrics are
// recorded against its collectors.
func WithMetrics(registry *metric.Registry) Option {
	return func(o *instanceOptions) { o.metrics = registry }
}

// WithLogger sets the instance logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *instanceOptions) { o.logger = logger }
}

// WithDefaultCacheTTL overrides DefaultCacheTTL for flows that do not set
// their own.
func WithDefaultCacheTTL(ttl time.Duration) Option {
	return func(o *instanceOptions) { o.cacheTTL = ttl }
}

// WithLockWait bounds how long update execution waits for the
// per-instance store lock.
func WithLockWait(wait time.Duration) Option {
	return func(o *instanceOptions) { o.lockWait = wait }
}

// WithoutLocalCache disables the in-process read-through result cache;
// lookups go straight to the store.
func WithoutLocalCache() Option {
	return func(o *instanceOptions) { o.noLocal = true }
}

// RunOption configures a single Run call.
type RunOption func(*runOptions)

type runOptions struct {
	ignoreCache  bool
	forceRefresh bool
	flush        bool
	flushTimeout time.Duration
}

// IgnoreCache skips the result cache lookup; the serve op always runs.
// The fresh result is still cached afterwards.
func IgnoreCache() RunOption {
	return func(o *runOptions) { o.ignoreCache = true }
}

// ForceRefresh drains the pending update queue and reads the latest state
// before serving. Implies skipping the cached result.
func ForceRefresh() RunOption {
	return func(o *runOptions) { o.forceRefresh = true }
}

// FlushUpdate blocks the run until its own update has been processed (or
// discarded). On a batched flow it force-releases the partial batch.
func FlushUpdate() RunOption {
	return func(o *runOptions) { o.flush = true }
}

// WithFlushTimeout bounds the flush wait; expiry yields ErrFlushTimeout.
// Implies FlushUpdate.
func WithFlushTimeout(d time.Duration) RunOption {
	return func(o *runOptions) {
		o.flush = true
		o.flushTimeout = d
	}
}
