package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dm4ml/motion/component"
	"github.com/dm4ml/motion/config"
	"github.com/dm4ml/motion/metric"
	"github.com/dm4ml/motion/store"
)

// newCounterDef registers a component whose sum flow serves the running
// total plus the incoming value and folds the value into state on update.
func newCounterDef(t *testing.T) *component.Definition {
	t.Helper()
	def, err := component.New("Counter", component.WithInitState(
		func(ctx context.Context, params *component.Params) (component.State, error) {
			return component.State{"total": 0.0}, nil
		},
	))
	require.NoError(t, err)

	require.NoError(t, def.Serve("sum", func(ctx context.Context, state component.State, props *component.Props, _ *component.Params) (any, error) {
		value, ok := props.Get("value")
		if !ok {
			return nil, fmt.Errorf("value prop is required")
		}
		return state["total"].(float64) + value.(float64), nil
	}))
	require.NoError(t, def.Update("sum", func(ctx context.Context, state component.State, props *component.Props, _ *component.Params) (component.State, error) {
		value, _ := props.Get("value")
		return component.State{"total": state["total"].(float64) + value.(float64)}, nil
	}))

	return def
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	registry := component.NewRegistry()
	require.NoError(t, registry.Register(newCounterDef(t)))

	mem := store.NewMemory()
	t.Cleanup(func() { mem.Close(context.Background()) })

	srv, err := NewServer(config.HTTPConfig{ListenAddr: ":0"}, mem, registry,
		WithMetrics(metric.NewRegistry()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postRun(t *testing.T, ts *httptest.Server, componentName, id string, body map[string]any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(
		ts.URL+"/components/"+componentName+"/instances/"+id+"/run",
		"application/json",
		bytes.NewReader(payload),
	)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestListComponents(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/components")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var components []map[string]any
	decodeJSON(t, resp, &components)
	require.Len(t, components, 1)
	assert.Equal(t, "Counter", components[0]["name"])
	assert.Equal(t, []any{"sum"}, components[0]["flows"])
}

func TestComponentInfo(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/components/Counter")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var info map[string]any
	decodeJSON(t, resp, &info)
	assert.Equal(t, "Counter", info["name"])

	resp, err = http.Get(ts.URL + "/components/Nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunFlow(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postRun(t, ts, "Counter", "a", map[string]any{
		"flow_key":     "sum",
		"props":        map[string]any{"value": 3.0},
		"flush_update": true,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var result map[string]any
	decodeJSON(t, resp, &result)
	assert.Equal(t, "Counter__a", result["instance_id"])
	assert.Equal(t, 3.0, result["result"]) // served against total=0

	// The flushed update folded 3 into state; the next serve sees it.
	resp = postRun(t, ts, "Counter", "a", map[string]any{
		"flow_key":     "sum",
		"props":        map[string]any{"value": 2.0},
		"ignore_cache": true,
		"flush_update": true,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	decodeJSON(t, resp, &result)
	assert.Equal(t, 5.0, result["result"])
}

func TestRunErrors(t *testing.T) {
	_, ts := newTestServer(t)

	t.Run("unknown component", func(t *testing.T) {
		resp := postRun(t, ts, "Nope", "a", map[string]any{"flow_key": "sum"})
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("unknown flow", func(t *testing.T) {
		resp := postRun(t, ts, "Counter", "a", map[string]any{"flow_key": "nope"})
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing flow_key", func(t *testing.T) {
		resp := postRun(t, ts, "Counter", "a", map[string]any{})
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("malformed body", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/components/Counter/instances/a/run",
			"application/json", bytes.NewReader([]byte("{")))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("serve failure", func(t *testing.T) {
		// Counter's serve requires a value prop.
		resp := postRun(t, ts, "Counter", "a", map[string]any{"flow_key": "sum"})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Contains(t, body["error"], "value prop is required")
	})

	t.Run("get not allowed on run", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/components/Counter/instances/a/run")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestStateEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postRun(t, ts, "Counter", "s", map[string]any{
		"flow_key":     "sum",
		"props":        map[string]any{"value": 7.0},
		"flush_update": true,
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err := http.Get(ts.URL + "/components/Counter/instances/s/state")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		InstanceID string         `json:"instance_id"`
		State      map[string]any `json:"state"`
		Version    uint64         `json:"version"`
	}
	decodeJSON(t, resp, &body)
	assert.Equal(t, "Counter__s", body.InstanceID)
	assert.Equal(t, 7.0, body.State["total"])
	assert.GreaterOrEqual(t, body.Version, uint64(2)) // init write + update
}

func TestFlushEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postRun(t, ts, "Counter", "f", map[string]any{
		"flow_key": "sum",
		"props":    map[string]any{"value": 1.0},
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err := http.Post(ts.URL+"/components/Counter/instances/f/flush", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/components/Counter/instances/f/state")
	require.NoError(t, err)
	var body struct {
		State map[string]any `json:"state"`
	}
	decodeJSON(t, resp, &body)
	assert.Equal(t, 1.0, body.State["total"])
}

func TestFlushEndpointScopedToFlow(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postRun(t, ts, "Counter", "fs", map[string]any{
		"flow_key": "sum",
		"props":    map[string]any{"value": 4.0},
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err := http.Post(ts.URL+"/components/Counter/instances/fs/flush?flow=sum", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/components/Counter/instances/fs/state")
	require.NoError(t, err)
	var body struct {
		State map[string]any `json:"state"`
	}
	decodeJSON(t, resp, &body)
	assert.Equal(t, 4.0, body.State["total"])

	// A flow with nothing queued flushes as a no-op.
	resp, err = http.Post(ts.URL+"/components/Counter/instances/fs/flush?flow=other", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestClearEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postRun(t, ts, "Counter", "c", map[string]any{
		"flow_key":     "sum",
		"props":        map[string]any{"value": 9.0},
		"flush_update": true,
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/components/Counter/instances/c", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// State starts over from the init state.
	resp, err = http.Get(ts.URL + "/components/Counter/instances/c/state")
	require.NoError(t, err)
	var body struct {
		State map[string]any `json:"state"`
	}
	decodeJSON(t, resp, &body)
	assert.Equal(t, 0.0, body.State["total"])
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	decodeJSON(t, resp, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["healthy"])
}

func TestHealthzStoreDown(t *testing.T) {
	registry := component.NewRegistry()
	require.NoError(t, registry.Register(newCounterDef(t)))

	mem := store.NewMemory()
	srv, err := NewServer(config.HTTPConfig{ListenAddr: ":0"}, mem, registry)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	require.NoError(t, mem.Close(context.Background()))

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body map[string]any
	decodeJSON(t, resp, &body)
	assert.Equal(t, "unhealthy", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	// Exercise the engine so core metrics have samples.
	resp := postRun(t, ts, "Counter", "m", map[string]any{
		"flow_key":     "sum",
		"props":        map[string]any{"value": 1.0},
		"flush_update": true,
	})
	resp.Body.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInvalidPaths(t *testing.T) {
	_, ts := newTestServer(t)

	for _, path := range []string{
		"/components/Counter/instances/a/unknown",
		"/components/Counter/instances",
		"/components/..%2f..%2fetc/instances/a/state",
	} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.NotEqual(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestInstanceReuse(t *testing.T) {
	srv, ts := newTestServer(t)

	for range 3 {
		resp := postRun(t, ts, "Counter", "r", map[string]any{
			"flow_key":     "sum",
			"props":        map[string]any{"value": 1.0},
			"ignore_cache": true,
			"flush_update": true,
		})
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	srv.mu.Lock()
	assert.Len(t, srv.instances, 1)
	srv.mu.Unlock()
}
