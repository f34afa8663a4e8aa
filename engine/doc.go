// Package engine executes component flows against live instances. A Run
// serves a result from a read-only state snapshot (consulting the result
// cache first) and enqueues the paired update, which a single background
// worker per instance applies in strict enqueue order under the store's
// per-instance lock. Serves never block on updates and run fully parallel.
package engine
