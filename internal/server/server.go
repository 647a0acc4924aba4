// Package server exposes a plugin over line-delimited JSON on TCP. Every
// line read from a connection is one request and gets exactly one response
// line back, in order.
package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/valyala/bytebufferpool"
	"go.opentelemetry.io/otel/trace"

	"github.com/mantonx/plughost/internal/dispatch"
	"github.com/mantonx/plughost/internal/lifecycle"
	"github.com/mantonx/plughost/internal/metrics"
	plugins "github.com/mantonx/plughost/sdk"
)

const (
	defaultMaxConnections = 256
	defaultMaxLineBytes   = 4 << 20
	readBufferSize        = 64 * 1024
	rejectWriteTimeout    = time.Second
)

var errLineTooLong = errors.New("line too long")

// Options configures a Server.
type Options struct {
	// Addr is the host:port to listen on.
	Addr string
	// MaxConnections bounds concurrently served connections. Extra
	// connections are told the server is busy and closed.
	MaxConnections int
	// MaxLineBytes bounds one request line, excluding the newline.
	MaxLineBytes int
	Logger       hclog.Logger
	Metrics      *metrics.Metrics
	Tracer       trace.Tracer
	// Machine is the lifecycle shared with other surfaces such as the UI
	// bridge. A fresh one is created when nil.
	Machine *lifecycle.Machine
}

// Server serves one plugin instance to any number of host connections.
type Server struct {
	opts       Options
	logger     hclog.Logger
	metrics    *metrics.Metrics
	dispatcher *dispatch.Dispatcher
	pool       *ants.Pool

	// ctx is cancelled on Shutdown; the plugin's Start receives it.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener

	conns   cmap.ConcurrentMap[string, net.Conn]
	wg      sync.WaitGroup
	closing atomic.Bool
	once    sync.Once
}

// New creates a Server for plugin. It does not listen until Listen or
// ListenAndServe is called.
func New(plugin plugins.PluginAPI, opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = defaultMaxConnections
	}
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = defaultMaxLineBytes
	}
	if opts.Addr == "" {
		opts.Addr = fmt.Sprintf(":%d", plugins.DefaultPort)
	}
	logger := opts.Logger.Named("server")

	pool, err := ants.NewPool(opts.MaxConnections,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			logger.Error("connection handler panicked", "panic", p)
		}),
		ants.WithLogger(logger.StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:    opts,
		logger:  logger,
		metrics: opts.Metrics,
		pool:    pool,
		ctx:     ctx,
		cancel:  cancel,
		conns:   cmap.New[net.Conn](),
	}
	s.dispatcher = dispatch.New(plugin, opts.Machine, dispatch.Options{
		Logger:          opts.Logger,
		Metrics:         opts.Metrics,
		Tracer:          opts.Tracer,
		ShutdownContext: ctx,
	})
	return s, nil
}

// Dispatcher returns the dispatcher serving requests.
func (s *Server) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

// Context is cancelled when the server shuts down.
func (s *Server) Context() context.Context {
	return s.ctx
}

// Listen binds the listening socket. Failing to bind is the only error a
// plugin process cannot recover from.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return nil
	}
	if s.closing.Load() {
		return net.ErrClosed
	}
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}
	s.listener = ln
	s.logger.Info("plugin server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe binds and then serves until Shutdown.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve accepts connections until Shutdown, then returns nil. Transient
// accept failures are retried with backoff.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server is not listening")
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 5 * time.Millisecond
	retry.MaxInterval = time.Second
	retry.MaxElapsedTime = 0

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closing.Load() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			wait := retry.NextBackOff()
			s.logger.Warn("accept failed, retrying", "error", err, "retry_in", wait)
			time.Sleep(wait)
			continue
		}
		retry.Reset()
		s.accept(conn)
	}
}

func (s *Server) accept(conn net.Conn) {
	id := uuid.NewString()

	// closing is set under s.mu before Shutdown waits, so no handler is
	// added to wg once the wait has begun.
	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	err := s.pool.Submit(func() {
		defer s.wg.Done()
		s.serveConn(id, conn)
	})
	if err == nil {
		return
	}

	s.wg.Done()
	if errors.Is(err, ants.ErrPoolClosed) {
		_ = conn.Close()
		return
	}
	s.metrics.ConnectionRejected()
	if errors.Is(err, ants.ErrPoolOverload) {
		s.logger.Warn("connection rejected, server at capacity", "remote", conn.RemoteAddr().String(), "max", s.opts.MaxConnections)
	} else {
		s.logger.Error("failed to schedule connection", "remote", conn.RemoteAddr().String(), "error", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(rejectWriteTimeout))
	_ = writeResponse(conn, plugins.Fail("server busy"))
	_ = conn.Close()
}

func (s *Server) serveConn(id string, conn net.Conn) {
	logger := s.logger.With("conn", id, "remote", conn.RemoteAddr().String())

	s.conns.Set(id, conn)
	s.metrics.ConnectionAccepted()
	defer func() {
		s.conns.Remove(id)
		_ = conn.Close()
		s.metrics.ConnectionClosed()
		logger.Debug("connection closed")
	}()

	// Shutdown may have swept the connection set before we joined it.
	if s.closing.Load() {
		return
	}
	logger.Debug("connection accepted")

	reader := bufio.NewReaderSize(conn, readBufferSize)
	for {
		line, err := readLine(reader, s.opts.MaxLineBytes)
		if errors.Is(err, errLineTooLong) {
			s.metrics.FramingError()
			logger.Warn("request line too long", "max", s.opts.MaxLineBytes)
			msg := fmt.Sprintf("invalid request format: line exceeds %d bytes", s.opts.MaxLineBytes)
			if werr := writeResponse(conn, plugins.Fail(msg)); werr != nil {
				return
			}
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.closing.Load() {
				logger.Debug("connection read failed", "error", err)
			}
			return
		}

		line = bytes.TrimRight(line, "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		resp := s.handleLine(line)
		if err := writeResponse(conn, resp); err != nil {
			if !s.closing.Load() {
				logger.Debug("connection write failed", "error", err)
			}
			return
		}
	}
}

func (s *Server) handleLine(line []byte) plugins.Response {
	var req plugins.Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.metrics.FramingError()
		return plugins.Fail(fmt.Sprintf("invalid request format: %v", err))
	}
	return s.dispatcher.Dispatch(s.ctx, &req)
}

// Shutdown stops accepting, cancels the plugin's start context, closes live
// connections and waits for their handlers until ctx is done. Calling it
// more than once is safe.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closing.Store(true)
		ln := s.listener
		s.mu.Unlock()
		s.cancel()

		if ln != nil {
			_ = ln.Close()
		}

		for id, conn := range s.conns.Items() {
			s.logger.Debug("closing connection", "conn", id)
			_ = conn.Close()
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("waiting for connections: %w", ctx.Err())
		}

		s.pool.Release()
		s.logger.Info("plugin server stopped")
	})
	return err
}

// ActiveConnections returns how many connections are being served.
func (s *Server) ActiveConnections() int {
	return s.conns.Count()
}

// readLine reads up to the next newline. Lines longer than max are consumed
// in full and reported as errLineTooLong so the stream stays in sync.
func readLine(r *bufio.Reader, max int) ([]byte, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > max+1 {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(line) > 0 && !tooLong {
				return line, nil
			}
			return nil, err
		}
		break
	}
	if tooLong {
		return nil, errLineTooLong
	}
	return bytes.TrimSuffix(line, []byte("\n")), nil
}

// writeResponse encodes resp as one line. If resp cannot be encoded, an
// error response is written in its place so the host still gets a line.
func writeResponse(w io.Writer, resp plugins.Response) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	if err := json.NewEncoder(buf).Encode(resp); err != nil {
		buf.Reset()
		fallback := plugins.Fail(fmt.Sprintf("failed to encode response: %v", err))
		if err := json.NewEncoder(buf).Encode(fallback); err != nil {
			return err
		}
	}
	_, err := w.Write(buf.B)
	return err
}
