package component

import (
	"fmt"

	"github.com/dm4ml/motion/errors"
)

// Params is the immutable parameter store injected at definition time and
// handed to every flow body. Missing keys fail loudly rather than yielding
// a zero value.
type Params struct {
	values map[string]any
}

// NewParams copies the given map into an immutable store.
func NewParams(values map[string]any) *Params {
	copied := make(map[string]any, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return &Params{values: copied}
}

// Get returns a parameter, or ErrUnknownParam when the key was never
// defined.
func (p *Params) Get(key string) (any, error) {
	v, ok := p.values[key]
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrUnknownParam, key),
			"Params", "Get", "look up parameter")
	}
	return v, nil
}

// Has reports whether a parameter was defined.
func (p *Params) Has(key string) bool {
	_, ok := p.values[key]
	return ok
}

// Keys returns the defined parameter names.
func (p *Params) Keys() []string {
	keys := make([]string, 0, len(p.values))
	for k := range p.values {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of defined parameters.
func (p *Params) Len() int {
	return len(p.values)
}
