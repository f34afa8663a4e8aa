package component

import (
	"context"
	"time"
)

// State is an instance's state blob. Flow bodies receive a private copy;
// mutating it never leaks into other callers.
type State map[string]any

// Props carries the arguments of a single run. Update bodies additionally
// see the paired serve result, and batched update bodies see the parallel
// value and serve-result arrays of the released batch.
type Props struct {
	values       map[string]any
	serveResult  any
	batch        bool
	batchValues  []any
	batchResults []any
}

// NewProps builds run properties from a raw argument map.
func NewProps(values map[string]any) *Props {
	if values == nil {
		values = make(map[string]any)
	}
	return &Props{values: values}
}

// WithServeResult returns a copy of p carrying the serve result.
func (p *Props) WithServeResult(result any) *Props {
	clone := *p
	clone.serveResult = result
	return &clone
}

// NewBatchProps builds properties for a released batch. The two slices are
// parallel: values[i] produced serveResults[i].
func NewBatchProps(values, serveResults []any) *Props {
	return &Props{
		values:       make(map[string]any),
		batch:        true,
		batchValues:  values,
		batchResults: serveResults,
	}
}

// Get returns a named argument.
func (p *Props) Get(key string) (any, bool) {
	v, ok := p.values[key]
	return v, ok
}

// Value returns a named argument, or nil when absent.
func (p *Props) Value(key string) any {
	return p.values[key]
}

// Keys returns the argument names.
func (p *Props) Keys() []string {
	keys := make([]string, 0, len(p.values))
	for k := range p.values {
		keys = append(keys, k)
	}
	return keys
}

// Map returns a copy of the raw argument map.
func (p *Props) Map() map[string]any {
	out := make(map[string]any, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

// ServeResult returns the output of the paired serve op, nil when the flow
// has no serve route or this is a batched run.
func (p *Props) ServeResult() any {
	return p.serveResult
}

// Batched reports whether this run carries a released batch.
func (p *Props) Batched() bool {
	return p.batch
}

// Values returns the batched "value" arguments in enqueue order. Runs
// whose props carry no "value" field contribute their whole argument map.
func (p *Props) Values() []any {
	return p.batchValues
}

// ServeResults returns the serve results parallel to Values.
func (p *Props) ServeResults() []any {
	return p.batchResults
}

// ServeFunc is a read-only route: it computes a result from a state
// snapshot and the run's properties. It must not mutate state; it receives
// a copy so accidental writes stay local.
type ServeFunc func(ctx context.Context, state State, props *Props, params *Params) (any, error)

// UpdateFunc is a state-mutating route: it returns a partial state whose
// entries overwrite the instance state. An empty (or nil) partial means no
// change.
type UpdateFunc func(ctx context.Context, state State, props *Props, params *Params) (State, error)

// InitFunc produces the initial state for a brand-new instance.
type InitFunc func(ctx context.Context, params *Params) (State, error)

// StateHook transforms state at a persistence boundary. Save hooks run
// before writing to the store, load hooks after reading from it.
type StateHook func(state State) (State, error)

// Flow is the pair of routes registered under one key. Either side may be
// absent: serve-only and update-only flows are both legal.
type Flow struct {
	Key    string
	Serve  ServeFunc
	Update UpdateFunc

	// Update execution knobs.
	BatchSize int
	Discard   DiscardPolicy

	// Serve result caching knobs. TTL zero means the engine default.
	CacheDisabled bool
	CacheTTL      time.Duration
}

// flowDefaults returns a flow with registration defaults applied.
func flowDefaults(key string) *Flow {
	return &Flow{Key: key, BatchSize: 1}
}
