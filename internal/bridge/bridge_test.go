package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mantonx/plughost/internal/dispatch"
	"github.com/mantonx/plughost/internal/lifecycle"
	"github.com/mantonx/plughost/internal/metrics"
	"github.com/mantonx/plughost/internal/storage"
	plugins "github.com/mantonx/plughost/sdk"
	"github.com/mantonx/plughost/sdk/scope"
)

type menuPlugin struct {
	*plugins.BasePlugin
}

func (p *menuPlugin) HandleRequest(method, path string, body []byte) ([]byte, error) {
	switch path {
	case "/echo":
		return json.Marshal(map[string]string{"method": method, "body": string(body)})
	case "/empty":
		return nil, nil
	}
	return nil, errors.New("endpoint not found: " + path)
}

func (p *menuPlugin) GetMenuItems() ([]map[string]interface{}, error) {
	return []map[string]interface{}{{"title": "Lint", "path": "/lint"}}, nil
}

type fixture struct {
	bridge     *Bridge
	server     *httptest.Server
	scope      *scope.Manager
	events     *scope.Emitter
	dispatcher *dispatch.Dispatcher
}

func newFixture(t *testing.T, plugin plugins.PluginAPI, store plugins.Storage) *fixture {
	t.Helper()

	manager := scope.NewManager(scope.Options{Logger: hclog.NewNullLogger()})
	events := scope.NewEmitter()
	m := metrics.New()
	d := dispatch.New(plugin, nil, dispatch.Options{Logger: hclog.NewNullLogger(), Metrics: m})

	b, err := New(Options{
		Logger:     hclog.NewNullLogger(),
		Dispatcher: d,
		Scope:      manager,
		Events:     events,
		Storage:    store,
		Metrics:    m,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(b.Handler())
	t.Cleanup(srv.Close)
	return &fixture{bridge: b, server: srv, scope: manager, events: events, dispatcher: d}
}

func newMenuPlugin() *menuPlugin {
	base := plugins.NewBasePlugin(plugins.Manifest{Name: "bridge-test", Version: "1.2.3"})
	base.Checks().Register("ok", func() error { return nil })
	base.Checks().Register("down", func() error { return errors.New("unreachable") })
	return &menuPlugin{BasePlugin: base}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/plugin/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	resp := f.dispatcher.Dispatch(context.Background(), &plugins.Request{
		Method: plugins.MethodInitialize,
		Data:   map[string]interface{}{"config": map[string]interface{}{}},
	})
	require.True(t, resp.Success, resp.Error)
	resp = f.dispatcher.Dispatch(context.Background(), &plugins.Request{Method: plugins.MethodStart})
	require.True(t, resp.Success, resp.Error)
}

func readEvent(t *testing.T, conn *websocket.Conn) scope.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev scope.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestInfoAndState(t *testing.T) {
	f := newFixture(t, newMenuPlugin(), nil)

	status, body := f.do(t, http.MethodGet, "/api/plugin/info", "")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"name":"bridge-test","version":"1.2.3","status":"created"}`, body)

	status, body = f.do(t, http.MethodGet, "/api/plugin/state", "")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"state":"uninitialized"}`, body)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, newMenuPlugin(), nil)

	tests := []struct {
		check  string
		status int
		body   string
	}{
		{"ok", http.StatusOK, `{"healthy":true,"message":"OK"}`},
		{"down", http.StatusServiceUnavailable, `{"healthy":false,"message":"unreachable"}`},
		{"missing", http.StatusServiceUnavailable, `{"healthy":false,"message":"unknown health check: missing"}`},
	}
	for _, tt := range tests {
		t.Run(tt.check, func(t *testing.T) {
			status, body := f.do(t, http.MethodGet, "/api/plugin/health/"+tt.check, "")
			assert.Equal(t, tt.status, status)
			assert.JSONEq(t, tt.body, body)
		})
	}
}

func TestMenu(t *testing.T) {
	f := newFixture(t, newMenuPlugin(), nil)
	status, body := f.do(t, http.MethodGet, "/api/plugin/menu", "")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"items":[{"title":"Lint","path":"/lint"}]}`, body)

	plain := newFixture(t, plugins.NewBasePlugin(plugins.Manifest{Name: "plain"}), nil)
	status, _ = plain.do(t, http.MethodGet, "/api/plugin/menu", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestForwardRequest(t *testing.T) {
	f := newFixture(t, newMenuPlugin(), nil)

	status, body := f.do(t, http.MethodPost, "/api/plugin/request/echo", `{"a":1}`)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"method":"POST","body":"{\"a\":1}"}`, body)

	status, _ = f.do(t, http.MethodGet, "/api/plugin/request/empty", "")
	assert.Equal(t, http.StatusNoContent, status)

	status, body = f.do(t, http.MethodGet, "/api/plugin/request/nope", "")
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Contains(t, body, "endpoint not found: /nope")
	assert.Contains(t, body, "DOMAIN_ERROR")
}

func TestReadyFollowsLifecycle(t *testing.T) {
	f := newFixture(t, newMenuPlugin(), nil)

	status, _ := f.do(t, http.MethodGet, "/live", "")
	assert.Equal(t, http.StatusOK, status)

	status, _ = f.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, status)

	f.start(t)
	status, _ = f.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, status)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, newMenuPlugin(), nil)
	f.do(t, http.MethodGet, "/api/plugin/info", "")

	status, body := f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `plughost_requests_total{method="get_info",outcome="ok"} 1`)
}

func TestStorageDisabled(t *testing.T) {
	f := newFixture(t, newMenuPlugin(), nil)
	status, _ := f.do(t, http.MethodGet, "/api/storage", "")
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestStorageRoutes(t *testing.T) {
	store, err := storage.Open(storage.Options{
		Type:   "sqlite",
		Path:   filepath.Join(t.TempDir(), "bridge.db"),
		Logger: hclog.NewNullLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := newFixture(t, newMenuPlugin(), store)

	status, _ := f.do(t, http.MethodPut, "/api/storage/config/settings?version=2", `{"indent":4}`)
	assert.Equal(t, http.StatusNoContent, status)

	status, body := f.do(t, http.MethodGet, "/api/storage/config/settings", "")
	assert.Equal(t, http.StatusOK, status)
	var item plugins.StoredItem
	require.NoError(t, json.Unmarshal([]byte(body), &item))
	assert.JSONEq(t, `{"indent":4}`, string(item.Value))
	assert.Equal(t, "2", item.Version)

	status, body = f.do(t, http.MethodGet, "/api/storage/config", "")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"kind":"config","keys":["settings"]}`, body)

	status, body = f.do(t, http.MethodGet, "/api/storage", "")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"config":1,"data":0,"state":0}`, body)

	status, _ = f.do(t, http.MethodPut, "/api/storage/config/bad", `{not json`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodGet, "/api/storage/cache/x", "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodDelete, "/api/storage/config/settings", "")
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = f.do(t, http.MethodGet, "/api/storage/config/settings", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestEventsSocketReceivesPluginEvents(t *testing.T) {
	f := newFixture(t, newMenuPlugin(), nil)
	conn := f.dial(t)
	defer conn.Close()

	hello := readEvent(t, conn)
	assert.Equal(t, EventHello, hello.Name)

	require.Eventually(t, func() bool {
		return f.events.ListenerCount(scope.AnyEvent) == 1
	}, time.Second, 10*time.Millisecond)

	f.events.Emit("lint", map[string]interface{}{"isValid": true})
	ev := readEvent(t, conn)
	assert.Equal(t, "lint", ev.Name)
	assert.Equal(t, map[string]interface{}{"isValid": true}, ev.Payload)
}

func TestRemountKeepsScopeAlive(t *testing.T) {
	f := newFixture(t, newMenuPlugin(), nil)
	f.start(t)

	var fired int
	f.scope.OnCleanupFunc(func() error {
		fired++
		return nil
	})

	for i := 0; i < 3; i++ {
		conn := f.dial(t)
		readEvent(t, conn)
		require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
		conn.Close()

		require.Eventually(t, func() bool {
			stats := f.scope.Stats()
			return stats.Sockets == 0 && stats.Listeners == 0
		}, 2*time.Second, 10*time.Millisecond)
	}

	assert.False(t, f.scope.ShuttingDown())
	assert.Equal(t, 0, fired)
	assert.Equal(t, 1, f.scope.Stats().Handlers)
	assert.Equal(t, lifecycle.Running, f.dispatcher.Machine().State())
	assert.Equal(t, 0, f.events.ListenerCount(scope.AnyEvent))
}

func TestCleanupClosesOpenSocket(t *testing.T) {
	f := newFixture(t, newMenuPlugin(), nil)
	conn := f.dial(t)
	defer conn.Close()
	readEvent(t, conn)

	require.Eventually(t, func() bool {
		return f.scope.Stats().Sockets == 1
	}, time.Second, 10*time.Millisecond)

	f.scope.Cleanup()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, 0, f.scope.Stats().Sockets)
}

func TestListenAndShutdown(t *testing.T) {
	d := dispatch.New(newMenuPlugin(), nil, dispatch.Options{})
	b, err := New(Options{
		Addr:       "127.0.0.1:0",
		Dispatcher: d,
		Scope:      scope.NewManager(scope.Options{}),
	})
	require.NoError(t, err)
	require.NoError(t, b.Listen())

	done := make(chan error, 1)
	go func() { done <- b.Serve() }()

	resp, err := http.Get("http://" + b.Addr().String() + "/api/plugin/state")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Shutdown(ctx))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}

func TestNewRequiresDispatcher(t *testing.T) {
	_, err := New(Options{Scope: scope.NewManager(scope.Options{})})
	assert.Error(t, err)
}
