package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dm4ml/motion/engine"
	"github.com/dm4ml/motion/errors"
	"github.com/dm4ml/motion/health"
)

var errUnknownComponent = stderrors.New("unknown component")

// runRequest is the body of POST .../run.
type runRequest struct {
	FlowKey      string         `json:"flow_key"`
	Props        map[string]any `json:"props"`
	IgnoreCache  bool           `json:"ignore_cache,omitempty"`
	ForceRefresh bool           `json:"force_refresh,omitempty"`
	FlushUpdate  bool           `json:"flush_update,omitempty"`
	FlushTimeout string         `json:"flush_timeout,omitempty"` // Go duration, implies flush_update
}

// splitComponentPath splits the path after /components/ into decoded
// segments, rejecting empty or traversal-prone parts.
func splitComponentPath(path string) ([]string, bool) {
	path = strings.TrimPrefix(path, "/components/")
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		return nil, false
	}

	parts := strings.Split(path, "/")
	for i, p := range parts {
		decoded, err := url.PathUnescape(p)
		if err != nil {
			return nil, false
		}
		if decoded == "" || decoded == "." || decoded == ".." ||
			strings.ContainsAny(decoded, "/\\") {
			return nil, false
		}
		parts[i] = decoded
	}
	return parts, true
}

// handleListComponents returns the registered components and their flows.
func (s *Server) handleListComponents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	components := make([]map[string]any, 0)
	for _, name := range s.registry.Names() {
		def, ok := s.registry.Lookup(name)
		if !ok {
			continue
		}
		components = append(components, map[string]any{
			"name":  name,
			"flows": def.FlowKeys(),
		})
	}

	s.writeJSON(w, http.StatusOK, components)
}

// handleComponents routes /components/{name}... requests.
func (s *Server) handleComponents(w http.ResponseWriter, r *http.Request) {
	parts, ok := splitComponentPath(r.URL.Path)
	if !ok {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}

	switch {
	case len(parts) == 1:
		s.handleComponentInfo(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "instances":
		s.handleInstance(w, r, parts[0], parts[2])
	case len(parts) == 4 && parts[1] == "instances":
		s.handleInstanceAction(w, r, parts[0], parts[2], parts[3])
	default:
		http.NotFound(w, r)
	}
}

// handleComponentInfo returns a single component's flows.
func (s *Server) handleComponentInfo(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	def, ok := s.registry.Lookup(name)
	if !ok {
		http.NotFound(w, r)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"name":  def.Name(),
		"flows": def.FlowKeys(),
	})
}

// handleInstance handles DELETE /components/{name}/instances/{id}.
func (s *Server) handleInstance(w http.ResponseWriter, r *http.Request, componentName, id string) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	inst, err := s.instance(r.Context(), componentName, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := inst.Clear(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.dropInstance(r.Context(), componentName, id); err != nil {
		s.logger.Warn("instance close after clear failed",
			"component", componentName, "instance", id, "error", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleInstanceAction routes run, state, and flush.
func (s *Server) handleInstanceAction(w http.ResponseWriter, r *http.Request, componentName, id, action string) {
	switch action {
	case "run":
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleRun(w, r, componentName, id)
	case "state":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleState(w, r, componentName, id)
	case "flush":
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleFlush(w, r, componentName, id)
	default:
		http.NotFound(w, r)
	}
}

// handleRun executes one flow run and returns the serve result.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request, componentName, id string) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.FlowKey == "" {
		http.Error(w, "flow_key is required", http.StatusBadRequest)
		return
	}

	var runOpts []engine.RunOption
	if req.IgnoreCache {
		runOpts = append(runOpts, engine.IgnoreCache())
	}
	if req.ForceRefresh {
		runOpts = append(runOpts, engine.ForceRefresh())
	}
	if req.FlushTimeout != "" {
		d, err := time.ParseDuration(req.FlushTimeout)
		if err != nil {
			http.Error(w, "Invalid flush_timeout: "+err.Error(), http.StatusBadRequest)
			return
		}
		runOpts = append(runOpts, engine.WithFlushTimeout(d))
	} else if req.FlushUpdate {
		runOpts = append(runOpts, engine.FlushUpdate())
	}

	inst, err := s.instance(r.Context(), componentName, id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	result, err := inst.Run(r.Context(), req.FlowKey, req.Props, runOpts...)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"instance_id": inst.InstanceID(),
		"flow_key":    req.FlowKey,
		"result":      result,
	})
}

// handleState returns the full instance state with its version.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request, componentName, id string) {
	inst, err := s.instance(r.Context(), componentName, id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	state, err := inst.State(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	version, err := inst.Version(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"instance_id": inst.InstanceID(),
		"state":       state,
		"version":     version,
	})
}

// handleFlush drains the instance's pending updates before responding.
// An optional flow query parameter scopes the flush to one flow's jobs.
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request, componentName, id string) {
	inst, err := s.instance(r.Context(), componentName, id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	timeout := time.Duration(0)
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			http.Error(w, "Invalid timeout: "+err.Error(), http.StatusBadRequest)
			return
		}
		timeout = d
	}

	if flow := r.URL.Query().Get("flow"); flow != "" {
		err = inst.FlushFlow(r.Context(), flow, timeout)
	} else {
		err = inst.Flush(r.Context(), timeout)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleHealthz returns the aggregated health of the service and its store.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	overall := health.Aggregate("motion", []health.Status{s.storeHealth(r.Context())})

	status := http.StatusOK
	if overall.IsUnhealthy() {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, overall)
}

// storeHealth probes the store with a cheap list operation.
func (s *Server) storeHealth(ctx context.Context) health.Status {
	if _, err := s.store.ListInstanceIDs(ctx, "healthz"); err != nil {
		return health.Unhealthy("store", err)
	}
	return health.Healthy("store")
}

// writeJSON encodes v with the proper content type, logging encode failures.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// writeError maps engine and store errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	var serveErr *errors.ServeError
	var updateErr *errors.UpdateError
	switch {
	case stderrors.Is(err, errUnknownComponent):
		status = http.StatusNotFound
	case stderrors.Is(err, errors.ErrFlushTimeout):
		status = http.StatusGatewayTimeout
	case stderrors.As(err, &serveErr), stderrors.As(err, &updateErr):
		// User flow code failed; the request itself was well-formed.
		status = http.StatusInternalServerError
	case errors.IsInvalid(err):
		status = http.StatusBadRequest
	case errors.IsTransient(err):
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, map[string]any{"error": err.Error()})
}
