// Package fingerprint derives deterministic cache keys from flow invocations.
// A fingerprint addresses the serve result cache: identical (flow key, props)
// pairs always map to the same key, so overwrites are idempotent.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Compute returns the fingerprint for a flow invocation. Props are serialized
// in sorted-key order so that map iteration order never leaks into the key.
// Keys listed in exclude are dropped before hashing; they carry transient,
// per-call data (request ids, trace context) that must not affect caching.
// A nil props map fingerprints the same as an empty one.
func Compute(flowKey string, props map[string]any, exclude ...string) (string, error) {
	filtered := props
	if len(exclude) > 0 && props != nil {
		filtered = make(map[string]any, len(props))
		for k, v := range props {
			filtered[k] = v
		}
		for _, k := range exclude {
			delete(filtered, k)
		}
	}

	canonical, err := canonicalize(filtered)
	if err != nil {
		return "", fmt.Errorf("fingerprint %q: %w", flowKey, err)
	}

	h := sha256.New()
	h.Write([]byte(flowKey))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalize produces a stable byte serialization of an arbitrary JSON-able
// value. encoding/json already sorts map[string]any keys; the explicit walk
// here normalizes nested maps with non-string-comparable ordering and rejects
// unsupported types early with a clear error.
func canonicalize(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

func normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, string, float64, float32,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return t, nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(t))
		for _, k := range keys {
			nv, err := normalize(t[k])
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = nv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			ne, err := normalize(e)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = ne
		}
		return out, nil
	default:
		// Fall back to JSON round-trip for struct-ish values.
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("unsupported prop value %T: %w", t, err)
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, err
		}
		return normalize(decoded)
	}
}
