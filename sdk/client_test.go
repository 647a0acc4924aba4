package plugins

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer answers each request line with a response naming its method.
func echoServer(t *testing.T, ln net.Listener) {
	t.Helper()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				scanner := bufio.NewScanner(conn)
				enc := json.NewEncoder(conn)
				for scanner.Scan() {
					var req Request
					if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
						_ = enc.Encode(Fail("invalid request format: " + err.Error()))
						continue
					}
					switch req.Method {
					case MethodHealthCheck:
						_ = enc.Encode(OK(map[string]interface{}{"healthy": false, "message": "down"}))
					case MethodExecuteAction:
						_ = enc.Encode(OK(map[string]interface{}{"result": req.Data}))
					case MethodStart:
						_ = enc.Encode(Fail("cannot start plugin in state uninitialized"))
					case "slow":
						time.Sleep(200 * time.Millisecond)
						_ = enc.Encode(OK(map[string]interface{}{"method": req.Method}))
					default:
						_ = enc.Encode(OK(map[string]interface{}{"method": req.Method}))
					}
				}
			}(conn)
		}
	}()
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestDialWaitsForLateListener(t *testing.T) {
	addr := freeAddr(t)

	go func() {
		time.Sleep(150 * time.Millisecond)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return
		}
		t.Cleanup(func() { ln.Close() })
		echoServer(t, ln)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, addr, ClientOptions{
		RetryInitialInterval: 20 * time.Millisecond,
		Logger:               hclog.NewNullLogger(),
	})
	require.NoError(t, err)
	defer client.Close()

	info, err := client.GetInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, MethodGetInfo, info["method"])
}

func TestDialGivesUp(t *testing.T) {
	addr := freeAddr(t)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err := Dial(ctx, addr, ClientOptions{RetryInitialInterval: 10 * time.Millisecond})
	assert.Error(t, err)
}

func TestClientHelpers(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	echoServer(t, ln)

	ctx := context.Background()
	client, err := Dial(ctx, ln.Addr().String(), ClientOptions{})
	require.NoError(t, err)
	defer client.Close()

	healthy, message, err := client.HealthCheck(ctx, "db")
	require.NoError(t, err)
	assert.False(t, healthy)
	assert.Equal(t, "down", message)

	result, err := client.Execute(ctx, map[string]interface{}{"input": "x"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"input": "x"}, result)

	assert.EqualError(t, client.Start(ctx), "cannot start plugin in state uninitialized")
	assert.NoError(t, client.Initialize(ctx, map[string]interface{}{}))

	resp, err := client.CallRaw(ctx, []byte("{oops\r\n"))
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "invalid request format")

	require.NoError(t, client.Close())
	_, err = client.Call(ctx, Request{Method: MethodGetInfo})
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestTimedOutCallDoesNotLeakReply(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	echoServer(t, ln)

	client, err := Dial(context.Background(), ln.Addr().String(), ClientOptions{})
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	_, err = client.Call(ctx, Request{Method: "slow"})
	cancel()
	require.Error(t, err)

	// give the slow reply time to arrive on the old connection
	time.Sleep(250 * time.Millisecond)

	resp, err := client.Call(context.Background(), Request{Method: MethodStop})
	require.NoError(t, err)
	assert.Equal(t, MethodStop, resp.Result["method"])
}

func TestCallRawRejectsMultiOrEmptyLines(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	echoServer(t, ln)

	client, err := Dial(context.Background(), ln.Addr().String(), ClientOptions{})
	require.NoError(t, err)
	defer client.Close()

	for _, line := range []string{"", "  \r\n", `{"method":"a"}` + "\n" + `{"method":"b"}`} {
		_, err := client.CallRaw(context.Background(), []byte(line))
		assert.ErrorIs(t, err, ErrInvalidLine, "%q", line)
	}

	resp, err := client.CallRaw(context.Background(), []byte(`{"method":"get_info"}`+"\n"))
	require.NoError(t, err)
	assert.Equal(t, MethodGetInfo, resp.Result["method"])
}

func TestResponseErr(t *testing.T) {
	ok := OK(nil)
	assert.NoError(t, ok.Err())

	failed := Fail("boom")
	assert.EqualError(t, failed.Err(), "boom")

	empty := Response{}
	assert.EqualError(t, empty.Err(), "plugin request failed")
}
