// Package cellstate composes the notebook session registry with its event
// fanout and the HTTP transport.
package cellstate

import (
	"context"
	"errors"
	"sync"

	"pkt.systems/cellstate/core"
	"pkt.systems/cellstate/httpapi"
	"pkt.systems/cellstate/internal/eventbus"
	"pkt.systems/cellstate/schema"
	"pkt.systems/pslog"
)

// Server hosts notebook sessions and, optionally, the HTTP API.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
	// Registry returns the session registry.
	Registry() *core.Registry
	// Bus returns the in-process event bus every session publishes to.
	Bus() *eventbus.Bus
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	Registry schema.RegistryConfig
	HTTP     httpapi.Config
}

// ServerDeps captures dependencies required to build the server.
type ServerDeps struct {
	Kernels    core.KernelProvider
	Host       core.DocumentHost
	Serializer core.Serializer
	Backups    core.BackupStore
	Recorder   core.ExecutionRecorder
	History    core.HistorySource
	// Sink and Channel receive events in addition to the built-in fanout.
	Sink    core.EventSink
	Channel core.MessageChannel
	Logger  pslog.Logger
	NewID   func() schema.CellID
}

// ServerOption toggles compositor components.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableHTTP bool
}

// WithHTTP enables the HTTP API server.
func WithHTTP() ServerOption {
	return func(o *serverOptions) { o.enableHTTP = true }
}

// New constructs a composable cellstate server. Without options it hosts
// sessions in-process only.
func New(cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (Server, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if deps.Serializer == nil {
		return nil, errors.New("serializer dependency is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}

	bus := eventbus.New(logger)
	var hub *httpapi.Hub
	if options.enableHTTP {
		hub = httpapi.NewHub(cfg.HTTP.ReplayEvents, logger)
	}

	sinks := []core.EventSink{bus}
	channels := []core.MessageChannel{bus}
	if hub != nil {
		sinks = append(sinks, hub)
		channels = append(channels, hub)
	}
	if deps.Sink != nil {
		sinks = append(sinks, deps.Sink)
	}
	if deps.Channel != nil {
		channels = append(channels, deps.Channel)
	}

	registry, err := core.NewRegistry(cfg.Registry, core.RegistryDeps{
		Kernels:    deps.Kernels,
		Channel:    channelFanout{channels: channels},
		Sink:       eventFanout{sinks: sinks},
		Host:       deps.Host,
		Serializer: deps.Serializer,
		Backups:    deps.Backups,
		Recorder:   deps.Recorder,
		History:    deps.History,
		Logger:     logger,
		NewID:      deps.NewID,
	})
	if err != nil {
		return nil, err
	}

	var httpSrv *httpapi.Server
	if options.enableHTTP {
		httpSrv = httpapi.NewServer(cfg.HTTP, registry, hub)
	}

	return &compositeServer{
		cfg:      cfg,
		options:  options,
		registry: registry,
		bus:      bus,
		httpSrv:  httpSrv,
		logger:   logger,
	}, nil
}

type compositeServer struct {
	cfg      ServerConfig
	options  serverOptions
	registry *core.Registry
	bus      *eventbus.Bus
	httpSrv  *httpapi.Server
	logger   pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	started bool
	stopped bool
}

func (s *compositeServer) Registry() *core.Registry {
	return s.registry
}

func (s *compositeServer) Bus() *eventbus.Bus {
	return s.bus
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 1)
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"http", s.options.enableHTTP,
		"http_addr", s.cfg.HTTP.Addr,
		"http_base_path", s.cfg.HTTP.BasePath,
		"hot_exit", s.cfg.Registry.HotExit,
	)
	if s.options.enableHTTP && s.httpSrv != nil {
		go func() {
			if err := httpapi.ListenAndServe(s.ctx, s.cfg.HTTP.Addr, s.httpSrv.Handler()); err != nil {
				log.Error("http server failed", "err", err)
				s.errCh <- err
			}
		}()
	}
	return nil
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			pslog.Ctx(ctx).Error("server stopped", "err", err)
			_ = s.Stop(context.Background())
			return err
		}
		return nil
	}
}

// Stop closes every session, which writes hot-exit backups of dirty
// notebooks, and then cancels the server context.
func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	stopped := s.stopped
	s.stopped = true
	log := s.logger
	s.mu.Unlock()
	if !started || stopped {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested")
	var closeErr error
	if err := s.registry.CloseAll(context.Background()); err != nil {
		log.Warn("server session close failed", "err", err)
		closeErr = err
	} else {
		log.Info("server session close ok")
	}
	if cancel != nil {
		cancel()
	}
	if ctx == nil {
		log.Info("server stop completed")
		return closeErr
	}
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-s.ctx.Done():
		log.Info("server stopped")
		return closeErr
	}
}
