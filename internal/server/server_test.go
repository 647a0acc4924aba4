package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mantonx/plughost/internal/lifecycle"
	"github.com/mantonx/plughost/internal/metrics"
	plugins "github.com/mantonx/plughost/sdk"
)

type testPlugin struct {
	mu       sync.Mutex
	startCtx context.Context
	started  chan struct{}
	block    chan struct{}
}

func newTestPlugin() *testPlugin {
	return &testPlugin{started: make(chan struct{}, 1)}
}

func (p *testPlugin) Initialize(config map[string]interface{}) error {
	return nil
}

func (p *testPlugin) Start(ctx context.Context) error {
	p.mu.Lock()
	p.startCtx = ctx
	p.mu.Unlock()
	select {
	case p.started <- struct{}{}:
	default:
	}
	return nil
}

func (p *testPlugin) Stop() error { return nil }

func (p *testPlugin) GetInfo() map[string]interface{} {
	return map[string]interface{}{"name": "server-test", "version": "0.1.0"}
}

func (p *testPlugin) HandleRequest(method, path string, body []byte) ([]byte, error) {
	if p.block != nil {
		<-p.block
	}
	var in map[string]interface{}
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, err
	}
	if msg, ok := in["fail"].(string); ok {
		return nil, errors.New(msg)
	}
	return body, nil
}

func (p *testPlugin) HealthCheck(name string) error {
	if name == "down" {
		return errors.New("unreachable")
	}
	return nil
}

func (p *testPlugin) StartContext() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startCtx
}

func startServer(t *testing.T, plugin plugins.PluginAPI, opts Options) *Server {
	t.Helper()
	opts.Addr = "127.0.0.1:0"
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	s, err := New(plugin, opts)
	require.NoError(t, err)
	require.NoError(t, s.Listen())

	done := make(chan error, 1)
	go func() { done <- s.Serve() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		<-done
	})
	return s
}

type testConn struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dial(t *testing.T, s *Server) *testConn {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testConn{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *testConn) send(line string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func (c *testConn) read() plugins.Response {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := c.reader.ReadString('\n')
	require.NoError(c.t, err)
	var resp plugins.Response
	require.NoError(c.t, json.Unmarshal([]byte(line), &resp), line)
	return resp
}

func (c *testConn) call(line string) plugins.Response {
	c.t.Helper()
	c.send(line)
	return c.read()
}

func TestResponsesInRequestOrder(t *testing.T) {
	s := startServer(t, newTestPlugin(), Options{})
	c := dial(t, s)

	c.send(`{"method":"get_info"}`)
	c.send(``)
	c.send(`   `)
	c.send(`{"method":"execute_action","data":{"n":1}}` + "\r")
	c.send(`{"method":"health_check","data":{"check_name":"down"}}`)

	info := c.read()
	assert.True(t, info.Success)
	assert.Equal(t, "server-test", info.Result["name"])

	exec := c.read()
	assert.True(t, exec.Success)
	assert.Equal(t, map[string]interface{}{"n": 1.0}, exec.Result["result"])

	health := c.read()
	assert.True(t, health.Success)
	assert.Equal(t, false, health.Result["healthy"])
	assert.Equal(t, "unreachable", health.Result["message"])
}

func TestMalformedJSONKeepsConnection(t *testing.T) {
	m := metrics.New()
	s := startServer(t, newTestPlugin(), Options{Metrics: m})
	c := dial(t, s)

	resp := c.call(`{"method":`)
	assert.False(t, resp.Success)
	assert.True(t, strings.HasPrefix(resp.Error, "invalid request format: "), resp.Error)

	resp = c.call(`{"method":"get_info"}`)
	assert.True(t, resp.Success)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramingErrors))
}

func TestLifecycleOverTheWire(t *testing.T) {
	plugin := newTestPlugin()
	s := startServer(t, plugin, Options{})
	c := dial(t, s)

	resp := c.call(`{"method":"start"}`)
	assert.False(t, resp.Success)
	assert.Equal(t, "cannot start plugin in state uninitialized", resp.Error)

	resp = c.call(`{"method":"initialize","data":{}}`)
	assert.Equal(t, plugins.Response{Success: false, Error: "config is required"}, resp)
	assert.Equal(t, lifecycle.Uninitialized, s.Dispatcher().Machine().State())

	resp = c.call(`{"method":"initialize","data":{"config":{"k":"v"}}}`)
	assert.True(t, resp.Success, resp.Error)
	resp = c.call(`{"method":"start"}`)
	assert.True(t, resp.Success, resp.Error)
	assert.Equal(t, lifecycle.Running, s.Dispatcher().Machine().State())

	resp = c.call(`{"method":"stop"}`)
	assert.True(t, resp.Success, resp.Error)
	assert.Equal(t, lifecycle.Stopped, s.Dispatcher().Machine().State())
}

func TestUnknownMethod(t *testing.T) {
	s := startServer(t, newTestPlugin(), Options{})
	c := dial(t, s)

	resp := c.call(`{"method":"reboot"}`)
	assert.Equal(t, plugins.Response{Success: false, Error: "unknown method: reboot"}, resp)
}

func TestPluginErrorPropagatesVerbatim(t *testing.T) {
	s := startServer(t, newTestPlugin(), Options{})
	c := dial(t, s)

	resp := c.call(`{"method":"execute_action","data":{"fail":"quota exceeded"}}`)
	assert.Equal(t, plugins.Response{Success: false, Error: "quota exceeded"}, resp)
}

func TestOverlongLine(t *testing.T) {
	s := startServer(t, newTestPlugin(), Options{MaxLineBytes: 64})
	c := dial(t, s)

	resp := c.call(`{"method":"execute_action","data":{"pad":"` + strings.Repeat("x", 200) + `"}}`)
	assert.False(t, resp.Success)
	assert.Equal(t, "invalid request format: line exceeds 64 bytes", resp.Error)

	resp = c.call(`{"method":"get_info"}`)
	assert.True(t, resp.Success)
}

func TestBusyServerRejects(t *testing.T) {
	plugin := newTestPlugin()
	plugin.block = make(chan struct{})
	m := metrics.New()
	s := startServer(t, plugin, Options{MaxConnections: 1, Metrics: m})
	defer close(plugin.block)

	first := dial(t, s)
	first.send(`{"method":"execute_action","data":{}}`)
	require.Eventually(t, func() bool { return s.ActiveConnections() == 1 }, 2*time.Second, 10*time.Millisecond)

	second := dial(t, s)
	resp := second.read()
	assert.Equal(t, plugins.Response{Success: false, Error: "server busy"}, resp)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connections.WithLabelValues("rejected")))
}

func TestShutdownCancelsStartContext(t *testing.T) {
	plugin := newTestPlugin()
	s, err := New(plugin, Options{Addr: "127.0.0.1:0", Logger: hclog.NewNullLogger()})
	require.NoError(t, err)
	require.NoError(t, s.Listen())

	done := make(chan error, 1)
	go func() { done <- s.Serve() }()

	c := dial(t, s)
	require.True(t, c.call(`{"method":"initialize","data":{"config":{}}}`).Success)
	require.True(t, c.call(`{"method":"start"}`).Success)
	<-plugin.started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}

	select {
	case <-plugin.StartContext().Done():
	default:
		t.Fatal("start context was not cancelled")
	}

	// the live connection was closed by the server
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = c.reader.ReadString('\n')
	assert.Error(t, err)

	assert.NoError(t, s.Shutdown(ctx))
	assert.Equal(t, 0, s.ActiveConnections())
}

func TestConnectionAcceptedDuringShutdownIsClosedQuietly(t *testing.T) {
	m := metrics.New()
	s, err := New(newTestPlugin(), Options{Addr: "127.0.0.1:0", Metrics: m})
	require.NoError(t, err)
	require.NoError(t, s.Listen())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	client, server := net.Pipe()
	defer client.Close()
	s.accept(server)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = bufio.NewReader(client).ReadString('\n')
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Connections.WithLabelValues("rejected")))
	assert.Equal(t, 0, s.ActiveConnections())
}

func TestListenFailsOnBoundPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	s, err := New(newTestPlugin(), Options{Addr: ln.Addr().String()})
	require.NoError(t, err)
	assert.Error(t, s.Listen())
}

func TestReadLine(t *testing.T) {
	r := bufio.NewReaderSize(strings.NewReader("short\n"+strings.Repeat("y", 40)+"\nlast"), 16)

	line, err := readLine(r, 10)
	require.NoError(t, err)
	assert.Equal(t, "short", string(line))

	_, err = readLine(r, 10)
	assert.ErrorIs(t, err, errLineTooLong)

	line, err = readLine(r, 10)
	require.NoError(t, err)
	assert.Equal(t, "last", string(line))
}
