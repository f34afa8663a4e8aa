package component

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dm4ml/motion/errors"
)

func noopServe(_ context.Context, _ State, _ *Props, _ *Params) (any, error) {
	return nil, nil
}

func noopUpdate(_ context.Context, _ State, _ *Props, _ *Params) (State, error) {
	return State{}, nil
}

func TestNewValidatesName(t *testing.T) {
	valid := []string{"ZScore", "my-component", "v2.model", "snake_case"}
	for _, name := range valid {
		_, err := New(name)
		assert.NoError(t, err, name)
	}

	invalid := []string{"", "has space", "Comp__onent", "emoji😀", "a__b"}
	for _, name := range invalid {
		_, err := New(name)
		assert.Error(t, err, name)
	}
}

func TestServeUpdateRegistration(t *testing.T) {
	def, err := New("ZScore")
	require.NoError(t, err)

	require.NoError(t, def.Serve("scale", noopServe))
	require.NoError(t, def.Update("scale", noopUpdate))

	// Duplicate routes per side are rejected.
	assert.ErrorIs(t, def.Serve("scale", noopServe), errors.ErrDuplicateRoute)
	assert.ErrorIs(t, def.Update("scale", noopUpdate), errors.ErrDuplicateRoute)

	// Serve-only and update-only keys are legal.
	require.NoError(t, def.Serve("read_only", noopServe))
	require.NoError(t, def.Update("write_only", noopUpdate))

	assert.Equal(t, []string{"read_only", "scale", "write_only"}, def.FlowKeys())

	flow, ok := def.Flow("read_only")
	require.True(t, ok)
	assert.NotNil(t, flow.Serve)
	assert.Nil(t, flow.Update)
}

func TestRegistrationAfterSealFails(t *testing.T) {
	def, err := New("Sealed")
	require.NoError(t, err)
	require.NoError(t, def.Serve("f", noopServe))

	def.Seal()

	assert.Error(t, def.Serve("g", noopServe))
	assert.Error(t, def.Update("g", noopUpdate))

	// Existing routes remain readable.
	_, ok := def.Flow("f")
	assert.True(t, ok)
}

func TestFlowOptions(t *testing.T) {
	def, err := New("Opts")
	require.NoError(t, err)

	require.NoError(t, def.Update("batched", noopUpdate,
		WithBatchSize(10),
		WithDiscard(DiscardSeconds, 5),
	))
	require.NoError(t, def.Serve("cached", noopServe, WithCacheTTL(time.Hour)))
	require.NoError(t, def.Serve("uncached", noopServe, WithoutCache()))

	flow, _ := def.Flow("batched")
	assert.Equal(t, 10, flow.BatchSize)
	assert.Equal(t, DiscardSeconds, flow.Discard.Kind)
	assert.Equal(t, 5, flow.Discard.Threshold)

	flow, _ = def.Flow("cached")
	assert.Equal(t, time.Hour, flow.CacheTTL)

	flow, _ = def.Flow("uncached")
	assert.True(t, flow.CacheDisabled)

	// Invalid options fail registration outright.
	assert.Error(t, def.Update("bad-batch", noopUpdate, WithBatchSize(0)))
	assert.Error(t, def.Serve("bad-ttl", noopServe, WithCacheTTL(-time.Second)))
}

func TestInitState(t *testing.T) {
	ctx := context.Background()

	bare, err := New("Bare")
	require.NoError(t, err)
	state, err := bare.InitState(ctx)
	require.NoError(t, err)
	assert.Empty(t, state)

	def, err := New("Counter",
		WithParams(map[string]any{"start": 7}),
		WithInitState(func(_ context.Context, params *Params) (State, error) {
			start, err := params.Get("start")
			if err != nil {
				return nil, err
			}
			return State{"count": start}, nil
		}),
	)
	require.NoError(t, err)

	state, err = def.InitState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, state["count"])
}

func TestStateHooks(t *testing.T) {
	def, err := New("Hooked",
		WithSaveHook(func(state State) (State, error) {
			out := State{}
			for k, v := range state {
				out[k] = v
			}
			out["saved"] = true
			return out, nil
		}),
		WithLoadHook(func(state State) (State, error) {
			state["loaded"] = true
			return state, nil
		}),
	)
	require.NoError(t, err)

	saved, err := def.ApplySaveHook(State{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, true, saved["saved"])

	loaded, err := def.ApplyLoadHook(State{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, true, loaded["loaded"])
}
