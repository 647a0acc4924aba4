package plugins

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"
)

// ClientOptions tunes how a host connects to a plugin process.
type ClientOptions struct {
	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration
	// RetryInitialInterval and RetryMaxElapsed shape the exponential
	// backoff used while the plugin process is still starting.
	RetryInitialInterval time.Duration
	RetryMaxElapsed      time.Duration
	// MaxLineBytes bounds a single response line.
	MaxLineBytes int
	Logger       hclog.Logger
}

func (o *ClientOptions) setDefaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 2 * time.Second
	}
	if o.RetryInitialInterval <= 0 {
		o.RetryInitialInterval = 50 * time.Millisecond
	}
	if o.RetryMaxElapsed <= 0 {
		o.RetryMaxElapsed = 10 * time.Second
	}
	if o.MaxLineBytes <= 0 {
		o.MaxLineBytes = 4 << 20
	}
	if o.Logger == nil {
		o.Logger = hclog.NewNullLogger()
	}
}

// Client drives a plugin over the line protocol. Calls are serialized, so
// each response pairs with the request that produced it. A call that fails
// mid-flight drops the connection, and the next call dials again, so a late
// reply can never be read as the answer to a later request.
type Client struct {
	addr   string
	logger hclog.Logger
	max    int
	dialer net.Dialer

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	closed bool
}

var (
	// ErrClientClosed is returned by calls made after Close.
	ErrClientClosed = errors.New("client is closed")
	// ErrInvalidLine is returned by CallRaw for lines the server would not
	// answer with exactly one response.
	ErrInvalidLine = errors.New("request must be a single non-empty line")
)

// Dial connects to the plugin at addr, retrying with exponential backoff
// until the plugin accepts or ctx ends.
func Dial(ctx context.Context, addr string, opts ClientOptions) (*Client, error) {
	opts.setDefaults()
	logger := opts.Logger.Named("plugin-client")

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.RetryInitialInterval
	b.MaxElapsedTime = opts.RetryMaxElapsed

	dialer := net.Dialer{Timeout: opts.DialTimeout}
	var conn net.Conn
	operation := func() error {
		c, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Debug("plugin not reachable yet", "addr", addr, "retry_in", wait, "error", err)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("failed to connect to plugin at %s: %w", addr, err)
	}

	logger.Debug("connected to plugin", "addr", addr)
	return &Client{
		addr:   addr,
		logger: logger,
		max:    opts.MaxLineBytes,
		dialer: dialer,
		conn:   conn,
		reader: bufio.NewReaderSize(conn, 64*1024),
	}, nil
}

// Call sends req and waits for its response.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return c.CallRaw(ctx, line)
}

// CallRaw sends one raw line, which need not be valid JSON, and decodes the
// response line.
func (c *Client) CallRaw(ctx context.Context, line []byte) (*Response, error) {
	trimmed := bytes.TrimRight(line, "\r\n")
	if len(bytes.TrimSpace(trimmed)) == 0 || bytes.IndexByte(trimmed, '\n') >= 0 {
		return nil, ErrInvalidLine
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClientClosed
	}
	if c.conn == nil {
		if err := c.redial(ctx); err != nil {
			return nil, err
		}
	}

	conn := c.conn
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	payload := make([]byte, 0, len(trimmed)+1)
	payload = append(append(payload, trimmed...), '\n')
	if _, err := conn.Write(payload); err != nil {
		c.drop()
		return nil, c.wrapErr(ctx, "write", err)
	}

	respLine, err := c.readLine()
	if err != nil {
		c.drop()
		return nil, c.wrapErr(ctx, "read", err)
	}

	var resp Response
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return nil, fmt.Errorf("invalid response from plugin: %w", err)
	}
	return &resp, nil
}

// drop discards a connection whose request/response pairing is no longer
// known. Caller holds c.mu.
func (c *Client) drop() {
	if c.conn == nil {
		return
	}
	_ = c.conn.Close()
	c.conn = nil
	c.reader = nil
}

// redial makes one connection attempt. Caller holds c.mu.
func (c *Client) redial(ctx context.Context) error {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("failed to reconnect to plugin at %s: %w", c.addr, err)
	}
	c.logger.Debug("reconnected to plugin", "addr", c.addr)
	c.conn = conn
	c.reader = bufio.NewReaderSize(conn, 64*1024)
	return nil
}

func (c *Client) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := c.reader.ReadLine()
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)
		if len(buf) > c.max {
			return nil, fmt.Errorf("response exceeds %d bytes", c.max)
		}
		if !isPrefix {
			return buf, nil
		}
	}
}

func (c *Client) wrapErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s %s: %w", op, c.addr, ctxErr)
	}
	return fmt.Errorf("%s %s: %w", op, c.addr, err)
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}

// Initialize sends the initialize method with config.
func (c *Client) Initialize(ctx context.Context, config map[string]interface{}) error {
	return c.expectSuccess(ctx, Request{Method: MethodInitialize, Data: map[string]interface{}{"config": config}})
}

// Start sends the start method.
func (c *Client) Start(ctx context.Context) error {
	return c.expectSuccess(ctx, Request{Method: MethodStart})
}

// Stop sends the stop method.
func (c *Client) Stop(ctx context.Context) error {
	return c.expectSuccess(ctx, Request{Method: MethodStop})
}

// GetInfo returns the plugin's info mapping.
func (c *Client) GetInfo(ctx context.Context) (map[string]interface{}, error) {
	resp, err := c.Call(ctx, Request{Method: MethodGetInfo})
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// Execute sends data through execute_action and returns the decoded plugin
// result.
func (c *Client) Execute(ctx context.Context, data map[string]interface{}) (interface{}, error) {
	resp, err := c.Call(ctx, Request{Method: MethodExecuteAction, Data: data})
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp.Result["result"], nil
}

// HealthCheck runs the named check. A nil error with healthy=false means
// the check ran and found a problem.
func (c *Client) HealthCheck(ctx context.Context, name string) (healthy bool, message string, err error) {
	resp, err := c.Call(ctx, Request{
		Method: MethodHealthCheck,
		Data:   map[string]interface{}{"check_name": name},
	})
	if err != nil {
		return false, "", err
	}
	if err := resp.Err(); err != nil {
		return false, "", err
	}
	healthy, _ = resp.Result["healthy"].(bool)
	message, _ = resp.Result["message"].(string)
	return healthy, message, nil
}

func (c *Client) expectSuccess(ctx context.Context, req Request) error {
	resp, err := c.Call(ctx, req)
	if err != nil {
		return err
	}
	return resp.Err()
}
