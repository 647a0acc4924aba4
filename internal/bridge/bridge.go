// Package bridge serves the plugin's UI over HTTP and WebSocket.
//
// A UI mount is one websocket on /api/plugin/events. Mounting subscribes the
// socket to the plugin's event emitter through the scope manager; unmounting
// only drops that socket and its listener. The scope manager itself is cleaned
// up once, when the plugin process shuts down.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/heptiolabs/healthcheck"

	"github.com/mantonx/plughost/internal/dispatch"
	"github.com/mantonx/plughost/internal/lifecycle"
	"github.com/mantonx/plughost/internal/metrics"
	"github.com/mantonx/plughost/internal/middleware"
	plugins "github.com/mantonx/plughost/sdk"
	"github.com/mantonx/plughost/sdk/scope"
)

const (
	defaultReadyTimeout   = 2 * time.Second
	maxGoroutines         = 10000
	defaultMaxRequestBody = 4 << 20
)

// Pinger is implemented by storage backends that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures a Bridge.
type Options struct {
	Addr       string
	Logger     hclog.Logger
	Dispatcher *dispatch.Dispatcher
	Scope      *scope.Manager
	Events     *scope.Emitter
	// Storage is optional; storage routes answer 503 without it.
	Storage plugins.Storage
	Metrics *metrics.Metrics
	// ReadyTimeout bounds each readiness check.
	ReadyTimeout time.Duration
	// MaxRequestBody bounds bodies forwarded to HandleRequest.
	MaxRequestBody int64
}

// Bridge is the HTTP surface of a plugin process.
type Bridge struct {
	opts       Options
	logger     hclog.Logger
	dispatcher *dispatch.Dispatcher
	machine    *lifecycle.Machine
	scope      *scope.Manager
	events     *scope.Emitter
	storage    plugins.Storage
	router     *gin.Engine
	upgrader   websocket.Upgrader

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New builds the bridge and its routes.
func New(opts Options) (*Bridge, error) {
	if opts.Dispatcher == nil {
		return nil, errors.New("bridge requires a dispatcher")
	}
	if opts.Scope == nil {
		return nil, errors.New("bridge requires a scope manager")
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	if opts.Events == nil {
		opts.Events = scope.NewEmitter()
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = defaultReadyTimeout
	}
	if opts.MaxRequestBody <= 0 {
		opts.MaxRequestBody = defaultMaxRequestBody
	}

	b := &Bridge{
		opts:       opts,
		logger:     opts.Logger.Named("bridge"),
		dispatcher: opts.Dispatcher,
		machine:    opts.Dispatcher.Machine(),
		scope:      opts.Scope,
		events:     opts.Events,
		storage:    opts.Storage,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	b.router = b.setupRouter()
	return b, nil
}

func (b *Bridge) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(b.logger))
	r.Use(middleware.ErrorLogger(b.logger))

	health := b.healthHandler()
	r.GET("/live", gin.WrapF(health.LiveEndpoint))
	r.GET("/ready", gin.WrapF(health.ReadyEndpoint))
	if b.opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(b.opts.Metrics.Handler()))
	}

	api := r.Group("/api")
	{
		plugin := api.Group("/plugin")
		plugin.GET("/info", b.getInfo)
		plugin.GET("/state", b.getState)
		plugin.GET("/health/:check", b.getHealth)
		plugin.GET("/menu", b.getMenu)
		plugin.Any("/request/*path", b.forwardRequest)
		plugin.GET("/events", b.handleEvents)
		plugin.GET("/scope", b.getScopeStats)

		storage := api.Group("/storage")
		storage.GET("", b.getStorageStats)
		storage.GET("/:kind", b.listStorage)
		storage.GET("/:kind/:key", b.getStorageItem)
		storage.PUT("/:kind/:key", b.putStorageItem)
		storage.DELETE("/:kind/:key", b.deleteStorageItem)
	}

	return r
}

func (b *Bridge) healthHandler() healthcheck.Handler {
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))
	health.AddReadinessCheck("plugin-running", func() error {
		if state := b.machine.State(); state != lifecycle.Running {
			return fmt.Errorf("plugin is %s", state)
		}
		return nil
	})
	if pinger, ok := b.storage.(Pinger); ok {
		health.AddReadinessCheck("storage", healthcheck.Timeout(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), b.opts.ReadyTimeout)
			defer cancel()
			return pinger.Ping(ctx)
		}, b.opts.ReadyTimeout))
	}
	return health
}

// Handler returns the bridge's HTTP handler.
func (b *Bridge) Handler() http.Handler {
	return b.router
}

// Listen binds the bridge address.
func (b *Bridge) Listen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", b.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", b.opts.Addr, err)
	}
	b.listener = ln
	b.server = &http.Server{
		Handler:           b.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (b *Bridge) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Serve handles HTTP until Shutdown, then returns nil.
func (b *Bridge) Serve() error {
	b.mu.Lock()
	srv, ln := b.server, b.listener
	b.mu.Unlock()
	if srv == nil {
		return errors.New("bridge is not listening")
	}

	b.logger.Info("ui bridge listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("bridge server failed: %w", err)
	}
	return nil
}

// ListenAndServe binds and then serves.
func (b *Bridge) ListenAndServe() error {
	if err := b.Listen(); err != nil {
		return err
	}
	return b.Serve()
}

// Shutdown stops the HTTP server. Open UI sockets are hijacked connections
// and stay open; they belong to the scope manager and close on its cleanup.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	srv := b.server
	b.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("bridge shutdown: %w", err)
	}
	b.logger.Info("ui bridge stopped")
	return nil
}
