// Package shellvisor composes the shell supervisor with its environment,
// pseudo-terminal, result delivery and HTTP collaborators.
package shellvisor

import (
	"context"
	"errors"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/shellvisor/core"
	"pkt.systems/shellvisor/httpapi"
	"pkt.systems/shellvisor/internal/eventbus"
	"pkt.systems/shellvisor/internal/ptyterm"
	"pkt.systems/shellvisor/internal/resultsend"
	"pkt.systems/shellvisor/internal/shellenv"
	"pkt.systems/shellvisor/schema"
)

// Server runs the supervisor and, optionally, the HTTP API.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
	Supervisor() *core.Supervisor
	Events() *eventbus.Bus
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	Service           schema.ServiceConfig
	Env               shellenv.Config
	HTTP              httpapi.Config
	ResultAllowedDirs []string
}

// ServerDeps overrides collaborators. Nil fields get the defaults.
type ServerDeps struct {
	Environment core.Environment
	Terminals   core.TerminalFactory
	Sender      core.ResultSender
	EventSink   core.EventSink
	Logger      pslog.Logger
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

// New constructs a shellvisor server.
func New(cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (Server, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	normalized, err := schema.NormalizeServiceConfig(cfg.Service)
	if err != nil {
		return nil, err
	}
	cfg.Service = normalized

	env := deps.Environment
	if env == nil {
		if cfg.Env.HomeDir == "" {
			cfg.Env.HomeDir = cfg.Service.HomeDir
		}
		provider, err := shellenv.New(cfg.Env, logger)
		if err != nil {
			return nil, err
		}
		env = provider
	}
	terms := deps.Terminals
	if terms == nil {
		terms = ptyterm.NewFactory(logger)
	}
	sender := deps.Sender
	if sender == nil {
		sender = resultsend.New(resultsend.Options{
			AllowedDirs: cfg.ResultAllowedDirs,
			BaseDir:     cfg.Service.HomeDir,
			Logger:      logger,
		})
	}
	bus := eventbus.New(logger)
	sup, err := core.NewSupervisor(cfg.Service, core.SupervisorDeps{
		Environment: env,
		Terminals:   terms,
		Sender:      sender,
		EventSink:   fanout(deps.EventSink, bus, newNotifier(logger)),
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	var httpSrv *httpapi.Server
	if options.enableHTTP {
		httpSrv = httpapi.NewServer(cfg.HTTP, sup, bus)
	}
	return &compositeServer{
		cfg:     cfg,
		options: options,
		sup:     sup,
		bus:     bus,
		httpSrv: httpSrv,
		logger:  logger,
	}, nil
}

type compositeServer struct {
	cfg     ServerConfig
	options serverOptions
	sup     *core.Supervisor
	bus     *eventbus.Bus
	httpSrv *httpapi.Server
	logger  pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	started bool
}

func (s *compositeServer) Supervisor() *core.Supervisor { return s.sup }

func (s *compositeServer) Events() *eventbus.Bus { return s.bus }

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
	s.mu.Unlock()

	log := pslog.Ctx(s.ctx)
	log.Info("server start", "http", s.options.enableHTTP, "http_addr", s.cfg.HTTP.Addr, "http_socket", s.cfg.HTTP.Socket)
	if s.options.enableHTTP && s.httpSrv != nil {
		go func() {
			if err := httpapi.ListenAndServe(s.ctx, s.cfg.HTTP, s.httpSrv.Handler()); err != nil {
				log.Error("http server failed", "err", err)
				s.errCh <- err
			}
		}()
	}
	go func() {
		// A stop through the API ends the server too.
		select {
		case <-s.sup.Stopped():
			log.Info("supervisor stopped")
			s.cancel()
		case <-s.ctx.Done():
		}
	}()
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

// Stop runs the supervisor's shutdown sweep, then stops the listeners.
func (s *compositeServer) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	log := s.logger
	log.Info("server stop requested")
	err := s.sup.Stop(ctx)
	if err != nil {
		log.Warn("server supervisor stop failed", "err", err)
	} else {
		log.Info("server supervisor stop ok", "counts", NotificationText(s.sup.Counts()))
	}
	if cancel != nil {
		cancel()
	}
	return err
}
