package conn_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.lsp.dev/jsonrpc2"

	"github.com/snowmerak/sqlls-bridge/lib/channel"
	"github.com/snowmerak/sqlls-bridge/lib/conn"
	"github.com/snowmerak/sqlls-bridge/lib/metrics"
)

type wireResponse struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int64  `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// countingChannel records every Write attempt made on it.
type countingChannel struct {
	*channel.PipeEnd
	writes atomic.Int64
}

func (c *countingChannel) Write(ctx context.Context, frame []byte) error {
	c.writes.Add(1)
	return c.PipeEnd.Write(ctx, frame)
}

func startConn(t *testing.T, c *conn.Conn) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Listen(ctx)
	}()

	select {
	case <-c.Listening():
	case <-time.After(time.Second):
		t.Fatal("conn did not start listening")
	}

	t.Cleanup(func() {
		cancel()
		c.Close()
	})
	return cancel, errCh
}

func write(t *testing.T, peer channel.Channel, frame string) {
	t.Helper()
	require.NoError(t, peer.Write(context.Background(), []byte(frame)))
}

func readFrame(t *testing.T, peer channel.Channel) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	frame, err := peer.Read(ctx)
	require.NoError(t, err)
	return frame
}

func readResponse(t *testing.T, peer channel.Channel) wireResponse {
	t.Helper()
	var resp wireResponse
	require.NoError(t, json.Unmarshal(readFrame(t, peer), &resp))
	return resp
}

func TestConn_EveryRequestAnsweredOnce(t *testing.T) {
	local, peer := channel.Pipe()
	c := conn.New(local)

	const n = 20
	c.OnRequest("echo", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Delay int `json:"delay"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		time.Sleep(time.Duration(p.Delay) * time.Millisecond)
		return p.Delay, nil
	})
	startConn(t, c)

	for i := 0; i < n; i++ {
		// later requests finish first
		write(t, peer, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"echo","params":{"delay":%d}}`, i, (n-i)*2))
	}

	seen := make(map[string]int)
	for i := 0; i < n; i++ {
		resp := readResponse(t, peer)
		require.Nil(t, resp.Error)
		seen[string(resp.ID)]++
	}

	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, "id %s", id)
	}
}

func TestConn_UnknownMethod(t *testing.T) {
	local, peer := channel.Pipe()
	c := conn.New(local)
	startConn(t, c)

	write(t, peer, `{"jsonrpc":"2.0","id":"req-7","method":"textDocument/bogus","params":{}}`)

	resp := readResponse(t, peer)
	assert.JSONEq(t, `"req-7"`, string(resp.ID))
	require.NotNil(t, resp.Error)
	assert.EqualValues(t, jsonrpc2.MethodNotFound, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "textDocument/bogus")
}

func TestConn_HandlerErrors(t *testing.T) {
	local, peer := channel.Pipe()
	c := conn.New(local)

	c.OnRequest("fail", func(ctx context.Context, params json.RawMessage) (any, error) {
		return nil, errors.New("engine exploded")
	})
	c.OnRequest("invalid", func(ctx context.Context, params json.RawMessage) (any, error) {
		return nil, fmt.Errorf("checking params: %w", jsonrpc2.NewError(jsonrpc2.InvalidParams, "uri is required"))
	})
	startConn(t, c)

	write(t, peer, `{"jsonrpc":"2.0","id":1,"method":"fail"}`)
	resp := readResponse(t, peer)
	require.NotNil(t, resp.Error)
	assert.EqualValues(t, jsonrpc2.InternalError, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "engine exploded")

	write(t, peer, `{"jsonrpc":"2.0","id":2,"method":"invalid"}`)
	resp = readResponse(t, peer)
	require.NotNil(t, resp.Error)
	assert.EqualValues(t, jsonrpc2.InvalidParams, resp.Error.Code)
	assert.Equal(t, "uri is required", resp.Error.Message)
}

func TestConn_PanicDoesNotStopLoop(t *testing.T) {
	local, peer := channel.Pipe()
	c := conn.New(local)

	c.OnRequest("boom", func(ctx context.Context, params json.RawMessage) (any, error) {
		panic("kaboom")
	})
	c.OnRequest("ping", func(ctx context.Context, params json.RawMessage) (any, error) {
		return "pong", nil
	})
	startConn(t, c)

	write(t, peer, `{"jsonrpc":"2.0","id":1,"method":"boom"}`)
	resp := readResponse(t, peer)
	require.NotNil(t, resp.Error)
	assert.EqualValues(t, jsonrpc2.InternalError, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "kaboom")

	write(t, peer, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	resp = readResponse(t, peer)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `"pong"`, string(resp.Result))
}

func TestConn_NotificationsInOrderAndVerbatim(t *testing.T) {
	local, peer := channel.Pipe()
	c := conn.New(local)

	type received struct {
		method string
		params string
	}
	var (
		mu  sync.Mutex
		got []received
	)
	c.OnNotification(func(ctx context.Context, method string, params json.RawMessage) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, received{method, string(params)})
		return nil
	})
	startConn(t, c)

	params := `{"textDocument":{"uri":"file:///a.sql","languageId":"sql","version":1,"text":"select 1","x-extra":[1,2]}}`
	write(t, peer, `{"jsonrpc":"2.0","method":"textDocument/didOpen","params":`+params+`}`)
	for i := 0; i < 5; i++ {
		write(t, peer, fmt.Sprintf(`{"jsonrpc":"2.0","method":"seq","params":%d}`, i))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 6
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "textDocument/didOpen", got[0].method)
	assert.JSONEq(t, params, got[0].params)
	for i := 0; i < 5; i++ {
		assert.Equal(t, "seq", got[i+1].method)
		assert.Equal(t, fmt.Sprint(i), got[i+1].params)
	}
}

func TestConn_DropsMalformedAndStrayResponses(t *testing.T) {
	local, peer := channel.Pipe()
	m := metrics.New()
	c := conn.New(local, conn.WithMetrics(m))

	c.OnRequest("ping", func(ctx context.Context, params json.RawMessage) (any, error) {
		return "pong", nil
	})
	startConn(t, c)

	write(t, peer, `{not json`)
	write(t, peer, `{"jsonrpc":"2.0","id":99,"result":null}`)
	write(t, peer, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)

	resp := readResponse(t, peer)
	assert.JSONEq(t, `1`, string(resp.ID))
	assert.JSONEq(t, `"pong"`, string(resp.Result))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesDroppedTotal.WithLabelValues(metrics.ReasonMalformed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesDroppedTotal.WithLabelValues(metrics.ReasonUnexpected)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.FramesReadTotal))
}

func TestConn_QueuesFramesBeforeListen(t *testing.T) {
	local, peer := channel.Pipe()
	c := conn.New(local)

	var calls atomic.Int32
	c.OnRequest("initialize", func(ctx context.Context, params json.RawMessage) (any, error) {
		calls.Add(1)
		return map[string]any{"capabilities": map[string]any{}}, nil
	})

	write(t, peer, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, calls.Load())

	startConn(t, c)

	resp := readResponse(t, peer)
	assert.JSONEq(t, `1`, string(resp.ID))
	assert.JSONEq(t, `{"capabilities":{}}`, string(resp.Result))
	assert.EqualValues(t, 1, calls.Load())
}

func TestConn_NotifyDoesNotWaitForPendingRequests(t *testing.T) {
	local, peer := channel.Pipe()
	c := conn.New(local)

	release := make(chan struct{})
	c.OnRequest("slow", func(ctx context.Context, params json.RawMessage) (any, error) {
		<-release
		return nil, nil
	})
	startConn(t, c)
	defer close(release)

	write(t, peer, `{"jsonrpc":"2.0","id":1,"method":"slow"}`)
	require.NoError(t, c.Notify(context.Background(), "textDocument/publishDiagnostics",
		json.RawMessage(`{"uri":"file:///a.sql","diagnostics":[]}`)))

	var n struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	require.NoError(t, json.Unmarshal(readFrame(t, peer), &n))
	assert.Equal(t, "textDocument/publishDiagnostics", n.Method)
	assert.JSONEq(t, `{"uri":"file:///a.sql","diagnostics":[]}`, string(n.Params))
}

func TestConn_LateResultsDropped(t *testing.T) {
	local, peer := channel.Pipe()
	counting := &countingChannel{PipeEnd: local}
	c := conn.New(counting)

	started := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{})
	c.OnRequest("slow", func(ctx context.Context, params json.RawMessage) (any, error) {
		close(started)
		<-release
		defer close(finished)
		return "late", nil
	})
	startConn(t, c)

	write(t, peer, `{"jsonrpc":"2.0","id":1,"method":"slow"}`)
	<-started

	require.NoError(t, c.Close())
	<-c.Done()
	close(release)
	<-finished
	time.Sleep(20 * time.Millisecond)

	assert.Zero(t, counting.writes.Load())
	assert.ErrorIs(t, c.Notify(context.Background(), "x", nil), conn.ErrClosed)
}

func TestConn_ReadySignalPrecedesQueuedFrames(t *testing.T) {
	local, peer := channel.Pipe()

	var listened atomic.Bool
	c := conn.New(local,
		conn.WithReadySignal("OK"),
		conn.WithOnListen(func() { listened.Store(true) }),
	)
	c.OnRequest("initialize", func(ctx context.Context, params json.RawMessage) (any, error) {
		return "caps", nil
	})

	require.NoError(t, c.Notify(context.Background(), "first", nil))
	write(t, peer, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	assert.False(t, listened.Load())

	startConn(t, c)
	assert.True(t, listened.Load())

	assert.Equal(t, "OK", string(readFrame(t, peer)))

	var n struct {
		Method string `json:"method"`
	}
	require.NoError(t, json.Unmarshal(readFrame(t, peer), &n))
	assert.Equal(t, "first", n.Method)

	resp := readResponse(t, peer)
	assert.JSONEq(t, `1`, string(resp.ID))
	assert.JSONEq(t, `"caps"`, string(resp.Result))
}

func TestConn_SendDoesNotWaitForWriter(t *testing.T) {
	local, peer := channel.Pipe()
	m := metrics.New()
	c := conn.New(local, conn.WithMetrics(m))

	const n = 1000
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			assert.NoError(t, c.Notify(context.Background(), "seq", i))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked before Listen started")
	}
	assert.Equal(t, float64(n), testutil.ToFloat64(m.OutboxFrames))

	startConn(t, c)

	for i := 0; i < n; i++ {
		var msg struct {
			Params int `json:"params"`
		}
		require.NoError(t, json.Unmarshal(readFrame(t, peer), &msg))
		require.Equal(t, i, msg.Params)
	}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.OutboxFrames) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestConn_ListenEndsOnChannelClose(t *testing.T) {
	local, peer := channel.Pipe()
	c := conn.New(local)
	_, errCh := startConn(t, c)

	require.NoError(t, peer.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, conn.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Listen did not return after the channel closed")
	}

	select {
	case <-c.Done():
	default:
		t.Fatal("conn not closed after Listen returned")
	}
}

func TestConn_ListenTwice(t *testing.T) {
	local, _ := channel.Pipe()
	c := conn.New(local)
	startConn(t, c)

	assert.ErrorIs(t, c.Listen(context.Background()), conn.ErrAlreadyListening)
}

func TestConn_DuplicateHandlerPanics(t *testing.T) {
	local, _ := channel.Pipe()
	c := conn.New(local)

	h := func(ctx context.Context, params json.RawMessage) (any, error) { return nil, nil }
	c.OnRequest("initialize", h)
	assert.Panics(t, func() { c.OnRequest("initialize", h) })
}
