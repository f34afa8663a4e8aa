package engine

import "github.com/dm4ml/motion/component"

// copyState deep-copies a state blob. States come out of JSON decoding, so
// only maps, slices, and scalars occur; anything else is shared by
// reference.
func copyState(state component.State) component.State {
	if state == nil {
		return component.State{}
	}
	out := make(component.State, len(state))
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
	case component.State:
		return map[string]any(copyState(t))
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

// mergeState returns old with partial's entries overwriting it. A nil or
// empty partial means no change.
func mergeState(old, partial component.State) component.State {
	merged := copyState(old)
	for k, v := range partial {
		merged[k] = copyValue(v)
	}
	return merged
}
