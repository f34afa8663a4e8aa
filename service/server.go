package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dm4ml/motion/component"
	"github.com/dm4ml/motion/config"
	"github.com/dm4ml/motion/engine"
	"github.com/dm4ml/motion/metric"
	"github.com/dm4ml/motion/store"
)

// Server serves registered components over HTTP, creating engine instances
// lazily per (component, instance id) pair.
type Server struct {
	cfg      config.HTTPConfig
	store    store.Store
	registry *component.Registry
	metrics  *metric.Registry
	logger   *slog.Logger

	engineOpts []engine.Option

	mu        sync.Mutex
	instances map[string]*engine.Instance
	closed    bool

	httpServer *http.Server
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics sets the metrics registry backing /metrics and the engine
// instrumentation.
func WithMetrics(registry *metric.Registry) ServerOption {
	return func(s *Server) { s.metrics = registry }
}

// WithEngineOptions sets extra options applied to every instance the server
// creates.
func WithEngineOptions(opts ...engine.Option) ServerOption {
	return func(s *Server) { s.engineOpts = append(s.engineOpts, opts...) }
}

// NewServer creates an HTTP server over the given store and component
// registry.
func NewServer(cfg config.HTTPConfig, st store.Store, registry *component.Registry, opts ...ServerOption) (*Server, error) {
	if st == nil {
		return nil, fmt.Errorf("service: store is required")
	}
	if registry == nil {
		registry = component.Default
	}

	s := &Server{
		cfg:       cfg,
		store:     st,
		registry:  registry,
		logger:    slog.Default(),
		instances: make(map[string]*engine.Instance),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("service", "motion-http")

	mux := http.NewServeMux()
	s.registerHandlers(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	return s, nil
}

// Handler returns the server's HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) registerHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/components", s.handleListComponents)
	mux.HandleFunc("/components/", s.handleComponents)
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(
			s.metrics.PrometheusRegistry(),
			promhttp.HandlerOpts{},
		))
	}
}

// ListenAndServe runs the HTTP server until ctx is cancelled or the listener
// fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.WithoutCancel(ctx))
	}
}

// Shutdown stops the listener and closes every managed instance.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var firstErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		firstErr = err
	}

	s.mu.Lock()
	s.closed = true
	instances := make([]*engine.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		instances = append(instances, inst)
	}
	s.instances = make(map[string]*engine.Instance)
	s.mu.Unlock()

	for _, inst := range instances {
		if err := inst.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.logger.Info("http server stopped")
	return firstErr
}

// instance returns the engine instance for the pair, creating it on first
// use. The component must be registered.
func (s *Server) instance(ctx context.Context, componentName, id string) (*engine.Instance, error) {
	def, ok := s.registry.Lookup(componentName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownComponent, componentName)
	}

	key := store.InstanceID(componentName, id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("service: server is shut down")
	}
	if inst, ok := s.instances[key]; ok {
		return inst, nil
	}

	opts := append([]engine.Option{engine.WithLogger(s.logger)}, s.engineOpts...)
	if s.metrics != nil {
		opts = append(opts, engine.WithMetrics(s.metrics))
	}
	inst, err := engine.New(ctx, def, id, s.store, opts...)
	if err != nil {
		return nil, err
	}
	s.instances[key] = inst
	return inst, nil
}

// dropInstance closes and forgets a managed instance, if present.
func (s *Server) dropInstance(ctx context.Context, componentName, id string) error {
	key := store.InstanceID(componentName, id)

	s.mu.Lock()
	inst, ok := s.instances[key]
	delete(s.instances, key)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return inst.Close(ctx)
}
