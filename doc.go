// Package motion is a state runtime for incrementally-updated components.
//
// A component pairs flows: a read-only serve that answers from current
// state, and an update that folds the observed value back into state. Serves
// stay fast because updates run in the background, per instance, in strict
// arrival order.
//
//	┌───────────────┐   serve (sync)    ┌───────────────┐
//	│  Run(flow,    ├──────────────────►│  result       │
//	│   props)      │                   │  (cached)     │
//	└──────┬────────┘                   └───────────────┘
//	       │ enqueue
//	       ▼
//	┌───────────────┐   update (async)  ┌───────────────┐
//	│  FIFO queue   ├──────────────────►│  state merged │
//	│  per instance │   lock + CAS      │  old + partial│
//	└───────────────┘                   └───────────────┘
//
// # Packages
//
//   - component: definitions, flows, params, discard policies, registry
//   - engine: instance execution, result cache, batching, flush
//   - store: versioned state, queues, caches, locks (memory and NATS KV)
//   - migrate: batch state rewrites across a component's instances
//   - service: HTTP surface over registered components
//   - config: layered JSON configuration with env overrides
//   - metric, errors, health: Prometheus metrics, classified errors,
//     health statuses
//   - pkg/cache, pkg/fingerprint, pkg/retry, pkg/worker: shared utilities
//
// # Usage
//
//	def, _ := component.New("ZScore")
//	def.Serve("score", serveFn)
//	def.Update("score", updateFn, component.WithBatchSize(10))
//
//	inst, _ := engine.New(ctx, def, "user-123", store.NewMemory())
//	result, _ := inst.Run(ctx, "score", map[string]any{"value": 3.0})
//
// State is persisted per instance with optimistic version checks, so many
// processes can serve the same instance against a shared NATS-backed store;
// an exclusive lease lock serializes updates.
package motion
