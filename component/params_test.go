package component

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dm4ml/motion/errors"
)

func TestParamsLookup(t *testing.T) {
	params := NewParams(map[string]any{"alpha": 0.5, "name": "model-a"})

	v, err := params.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, 0.5, v)

	_, err = params.Get("missing")
	assert.ErrorIs(t, err, errors.ErrUnknownParam)

	assert.True(t, params.Has("name"))
	assert.False(t, params.Has("missing"))
	assert.Equal(t, 2, params.Len())
	assert.ElementsMatch(t, []string{"alpha", "name"}, params.Keys())
}

func TestParamsImmutable(t *testing.T) {
	source := map[string]any{"k": 1}
	params := NewParams(source)

	// Mutating the source map after construction must not leak in.
	source["k"] = 99
	source["new"] = true

	v, err := params.Get("k")
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.False(t, params.Has("new"))
}

func TestParamsNil(t *testing.T) {
	params := NewParams(nil)
	assert.Equal(t, 0, params.Len())
	_, err := params.Get("anything")
	assert.ErrorIs(t, err, errors.ErrUnknownParam)
}
