package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/plughost/internal/bridge"
	"github.com/mantonx/plughost/internal/config"
	"github.com/mantonx/plughost/internal/lifecycle"
	"github.com/mantonx/plughost/internal/logger"
	"github.com/mantonx/plughost/internal/metrics"
	"github.com/mantonx/plughost/internal/storage"
	plugins "github.com/mantonx/plughost/sdk"
	"github.com/mantonx/plughost/sdk/scope"
)

// Process wires one plugin to everything its process offers: the protocol
// server, the optional UI bridge and storage, and the scope manager.
type Process struct {
	cfg     *config.Config
	logger  hclog.Logger
	metrics *metrics.Metrics
	scope   *scope.Manager
	events  *scope.Emitter
	store   *storage.Store
	server  *Server
	bridge  *bridge.Bridge

	errs chan error
}

// NewProcess builds the process for plugin. Storage that cannot be opened
// is logged and left out; the plugin still runs.
func NewProcess(plugin plugins.PluginAPI, cfg *config.Config, log hclog.Logger) (*Process, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}

	p := &Process{
		cfg:     cfg,
		logger:  log,
		metrics: metrics.New(),
		events:  scope.NewEmitter(),
		errs:    make(chan error, 2),
	}
	p.scope = scope.NewManager(scope.Options{
		Logger:       log,
		CloseTimeout: cfg.Scope.SocketCloseTimeout,
	})
	p.metrics.TrackScope(p.scope)

	if cfg.Storage.Enabled {
		store, err := storage.Open(storage.Options{
			Type:   cfg.Storage.Type,
			Path:   cfg.Storage.Path,
			URL:    cfg.Storage.URL,
			Logger: log,
		})
		if err != nil {
			log.Error("storage unavailable, continuing without it", "type", cfg.Storage.Type, "error", err)
		} else {
			p.store = store
		}
	}

	if aware, ok := plugin.(plugins.HostAware); ok {
		host := &plugins.Host{
			Logger: log.Named("plugin"),
			Scope:  p.scope,
			Events: p.events,
		}
		if p.store != nil {
			host.Storage = p.store
		}
		aware.AttachHost(host)
	}

	srv, err := New(plugin, Options{
		Addr:           cfg.Server.Addr(),
		MaxConnections: cfg.Server.MaxConnections,
		MaxLineBytes:   cfg.Server.MaxLineBytes,
		Logger:         log,
		Metrics:        p.metrics,
		Machine:        lifecycle.New(),
	})
	if err != nil {
		return nil, err
	}
	p.server = srv

	if cfg.Bridge.Enabled {
		opts := bridge.Options{
			Addr:       cfg.Bridge.Addr,
			Logger:     log,
			Dispatcher: srv.Dispatcher(),
			Scope:      p.scope,
			Events:     p.events,
			Metrics:    p.metrics,
		}
		if p.store != nil {
			opts.Storage = p.store
		}
		b, err := bridge.New(opts)
		if err != nil {
			return nil, err
		}
		p.bridge = b
	}
	return p, nil
}

// Server returns the protocol server.
func (p *Process) Server() *Server {
	return p.server
}

// Bridge returns the UI bridge, or nil when it is disabled or failed to bind.
func (p *Process) Bridge() *bridge.Bridge {
	return p.bridge
}

// Scope returns the process-wide scope manager.
func (p *Process) Scope() *scope.Manager {
	return p.scope
}

// Start binds and begins serving. Only a failure to bind the protocol
// listener is returned; a bridge that cannot bind is logged and dropped.
func (p *Process) Start() error {
	if err := p.server.Listen(); err != nil {
		return err
	}
	go func() {
		if err := p.server.Serve(); err != nil {
			p.errs <- fmt.Errorf("plugin server: %w", err)
		}
	}()

	if p.bridge != nil {
		if err := p.bridge.Listen(); err != nil {
			p.logger.Error("ui bridge disabled", "error", err)
			p.bridge = nil
			return nil
		}
		b := p.bridge
		go func() {
			if err := b.Serve(); err != nil {
				p.errs <- err
			}
		}()
	}
	return nil
}

// Errors reports listeners that stopped on their own.
func (p *Process) Errors() <-chan error {
	return p.errs
}

// Shutdown is the single full shutdown of the process: protocol server,
// then bridge, then scope cleanup, then storage.
func (p *Process) Shutdown(ctx context.Context) error {
	var errs []error
	if err := p.server.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if p.bridge != nil {
		if err := p.bridge.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.scope.Cleanup()
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing storage: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Run serves plugin until SIGINT or SIGTERM. args are the process arguments
// without the program name; --port=<N> picks the listen port.
func Run(plugin plugins.PluginAPI, args []string) error {
	cm := config.NewConfigManager()
	warnings, loadErr := cm.Load(args)
	cfg := cm.GetConfig()

	log := logger.New(logger.Options{
		Name:   "plughost",
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logger.SetDefault(log)

	for _, w := range warnings {
		log.Warn(w)
	}
	if loadErr != nil {
		log.Error("failed to load configuration, using defaults and command-line flags", "error", loadErr)
	}

	proc, err := NewProcess(plugin, cfg, log)
	if err != nil {
		return err
	}
	if err := proc.Start(); err != nil {
		log.Error("failed to start plugin server", "error", err)
		_ = proc.Shutdown(context.Background())
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cm.AddWatcher(func(oldConfig, newConfig *config.Config) {
		if oldConfig.Logging.Level != newConfig.Logging.Level {
			log.SetLevel(logger.ParseLevel(newConfig.Logging.Level))
			log.Info("log level changed", "level", newConfig.Logging.Level)
		}
	})
	if err := cm.Watch(ctx, log); err != nil {
		log.Warn("config file will not be watched", "error", err)
	}

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case serveErr = <-proc.Errors():
		log.Error("listener stopped", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := proc.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown incomplete", "error", err)
	}
	return serveErr
}
