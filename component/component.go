package component

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dm4ml/motion/errors"
)

// MaxNameLength bounds component and flow key names.
const MaxNameLength = 256

// Definition describes a component: its name, init-state function, flow
// table, parameters, and persistence hooks. A definition is mutable while
// routes are being registered and frozen by the first instantiation;
// registering after that is an error.
type Definition struct {
	name   string
	params *Params

	mu       sync.Mutex
	init     InitFunc
	flows    map[string]*Flow
	saveHook StateHook
	loadHook StateHook
	sealed   atomic.Bool
}

// Option configures a definition at construction time.
type Option func(*Definition)

// WithParams sets the definition's immutable parameters.
func WithParams(values map[string]any) Option {
	return func(d *Definition) { d.params = NewParams(values) }
}

// WithInitState sets the function producing a new instance's initial state.
func WithInitState(fn InitFunc) Option {
	return func(d *Definition) { d.init = fn }
}

// WithSaveHook sets a transform applied to state before every store write.
func WithSaveHook(fn StateHook) Option {
	return func(d *Definition) { d.saveHook = fn }
}

// WithLoadHook sets a transform applied to state after every store read.
func WithLoadHook(fn StateHook) Option {
	return func(d *Definition) { d.loadHook = fn }
}

// New creates a component definition.
func New(name string, opts ...Option) (*Definition, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	d := &Definition{
		name:   name,
		params: NewParams(nil),
		flows:  make(map[string]*Flow),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Name returns the component name.
func (d *Definition) Name() string { return d.name }

// Params returns the immutable parameter store.
func (d *Definition) Params() *Params { return d.params }

// FlowOption configures a flow at registration time.
type FlowOption func(*Flow) error

// WithBatchSize makes the flow's update run over batches of n observations
// instead of one at a time.
func WithBatchSize(n int) FlowOption {
	return func(f *Flow) error {
		if n < 1 {
			return errors.WrapInvalid(
				fmt.Errorf("batch size must be at least 1 (got %d)", n),
				"Definition", "Update", "validate batch size")
		}
		f.BatchSize = n
		return nil
	}
}

// WithDiscard sets the flow's stale-update discard policy.
func WithDiscard(kind DiscardKind, threshold int) FlowOption {
	return func(f *Flow) error {
		policy := DiscardPolicy{Kind: kind, Threshold: threshold}
		if err := policy.Validate(); err != nil {
			return err
		}
		f.Discard = policy
		return nil
	}
}

// WithoutCache disables serve result caching for the flow.
func WithoutCache() FlowOption {
	return func(f *Flow) error {
		f.CacheDisabled = true
		return nil
	}
}

// WithCacheTTL overrides the default serve result cache TTL for the flow.
func WithCacheTTL(ttl time.Duration) FlowOption {
	return func(f *Flow) error {
		if ttl <= 0 {
			return errors.WrapInvalid(
				fmt.Errorf("cache ttl must be positive (got %v)", ttl),
				"Definition", "Serve", "validate cache ttl")
		}
		f.CacheTTL = ttl
		return nil
	}
}

// Serve registers the read-only route for a flow key. A second serve for
// the same key is ErrDuplicateRoute.
func (d *Definition) Serve(key string, fn ServeFunc, opts ...FlowOption) error {
	if fn == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Definition", "Serve", "nil serve function")
	}
	return d.register(key, "Serve", opts, func(f *Flow) error {
		if f.Serve != nil {
			return errors.WrapInvalid(
				fmt.Errorf("%w: serve %q", errors.ErrDuplicateRoute, key),
				"Definition", "Serve", "register route")
		}
		f.Serve = fn
		return nil
	})
}

// Update registers the state-mutating route for a flow key. A second
// update for the same key is ErrDuplicateRoute. Serve-only and update-only
// flows under the same key are both legal.
func (d *Definition) Update(key string, fn UpdateFunc, opts ...FlowOption) error {
	if fn == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Definition", "Update", "nil update function")
	}
	return d.register(key, "Update", opts, func(f *Flow) error {
		if f.Update != nil {
			return errors.WrapInvalid(
				fmt.Errorf("%w: update %q", errors.ErrDuplicateRoute, key),
				"Definition", "Update", "register route")
		}
		f.Update = fn
		return nil
	})
}

func (d *Definition) register(key, method string, opts []FlowOption, assign func(*Flow) error) error {
	if err := ValidateName(key); err != nil {
		return err
	}
	if d.sealed.Load() {
		return errors.WrapInvalid(
			fmt.Errorf("component %q already instantiated", d.name),
			"Definition", method, "register route")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	flow, ok := d.flows[key]
	if !ok {
		flow = flowDefaults(key)
	}
	if err := assign(flow); err != nil {
		return err
	}
	for _, opt := range opts {
		if err := opt(flow); err != nil {
			return err
		}
	}
	d.flows[key] = flow
	return nil
}

// Seal freezes the flow table. Called by the engine on first
// instantiation; idempotent.
func (d *Definition) Seal() {
	d.sealed.Store(true)
}

// Flow returns the flow registered under key.
func (d *Definition) Flow(key string) (*Flow, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.flows[key]
	return f, ok
}

// FlowKeys returns the registered flow keys in sorted order.
func (d *Definition) FlowKeys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.flows))
	for k := range d.flows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// InitState produces the initial state for a new instance. Definitions
// without an init function start empty.
func (d *Definition) InitState(ctx context.Context) (State, error) {
	if d.init == nil {
		return State{}, nil
	}
	state, err := d.init(ctx, d.params)
	if err != nil {
		return nil, errors.Wrap(err, "Definition", "InitState", "run init function")
	}
	if state == nil {
		state = State{}
	}
	return state, nil
}

// ApplySaveHook runs the save transform, if any, on a copy-safe state.
func (d *Definition) ApplySaveHook(state State) (State, error) {
	if d.saveHook == nil {
		return state, nil
	}
	out, err := d.saveHook(state)
	if err != nil {
		return nil, errors.Wrap(err, "Definition", "ApplySaveHook", "transform state for save")
	}
	return out, nil
}

// ApplyLoadHook runs the load transform, if any, on freshly loaded state.
func (d *Definition) ApplyLoadHook(state State) (State, error) {
	if d.loadHook == nil {
		return state, nil
	}
	out, err := d.loadHook(state)
	if err != nil {
		return nil, errors.Wrap(err, "Definition", "ApplyLoadHook", "transform state after load")
	}
	return out, nil
}

// ValidateName checks component and flow key names: non-empty, bounded,
// alphanumerics plus dash, dot, and single underscores. The double
// underscore is reserved as the instance id separator.
func ValidateName(name string) error {
	if name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Definition", "ValidateName", "empty name")
	}
	if len(name) > MaxNameLength {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Definition", "ValidateName", "name too long")
	}
	prev := rune(0)
	for _, r := range name {
		valid := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.'
		if !valid {
			return errors.WrapInvalid(
				fmt.Errorf("invalid character %q in name %q", r, name),
				"Definition", "ValidateName", "validate characters")
		}
		if r == '_' && prev == '_' {
			return errors.WrapInvalid(
				fmt.Errorf("name %q contains reserved separator __", name),
				"Definition", "ValidateName", "validate characters")
		}
		prev = r
	}
	return nil
}
