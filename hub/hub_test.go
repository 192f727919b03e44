package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/sandboxd/metrics"
	"github.com/isdmx/sandboxd/stream"
)

func newTestHub(t *testing.T, cfg *Config, opts ...Option) (*Hub, *httptest.Server) {
	t.Helper()
	// Connection handlers log from their own goroutines.
	h := New(zap.NewNop(), cfg, opts...)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server, clientID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?client_id=" + clientID
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func TestHubDeliversToClient(t *testing.T) {
	h, srv := newTestHub(t, nil)
	conn := dial(t, srv, "client-1")
	require.Eventually(t, func() bool { return h.Connected("client-1") }, 2*time.Second, 10*time.Millisecond)

	out := h.Channel("client-1")
	out.Deliver(stream.Message{Type: stream.TypeStatus, ExecutionID: "exec-1", SandboxID: "sbx-1", Payload: stream.StatusPayload{Status: stream.StatusStarting}})
	out.Deliver(stream.Message{Type: stream.TypeStdout, ExecutionID: "exec-1", SandboxID: "sbx-1", Payload: stream.OutputPayload{Text: "hi"}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var first, second map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	require.NoError(t, wsjson.Read(ctx, conn, &second))

	assert.Equal(t, "status", first["type"])
	assert.Equal(t, "exec-1", first["executionId"])
	assert.Equal(t, "sbx-1", first["sandboxId"])
	assert.Equal(t, map[string]any{"status": "starting"}, first["payload"])
	assert.Equal(t, "stdout", second["type"])
	assert.Equal(t, map[string]any{"text": "hi"}, second["payload"])
}

func TestHubRequiresClientID(t *testing.T) {
	_, srv := newTestHub(t, nil)

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHubDropsForAbsentClient(t *testing.T) {
	mt := metrics.New(prometheus.NewRegistry())
	h, _ := newTestHub(t, nil, WithMetrics(mt))

	assert.NotPanics(t, func() {
		h.Channel("nobody").Deliver(stream.Message{Type: stream.TypeStdout, ExecutionID: "exec-1"})
	})
	assert.False(t, h.Deliver("nobody", stream.Message{}))
	assert.InDelta(t, 2, testutil.ToFloat64(mt.HubDropped), 0)
}

func TestHubDropsWhenQueueFull(t *testing.T) {
	mt := metrics.New(prometheus.NewRegistry())
	h := New(zaptest.NewLogger(t), &Config{QueueSize: 1}, WithMetrics(mt))

	// A client without a writer goroutine never drains its queue.
	h.clients["slow"] = &client{id: "slow", queue: make(chan stream.Message, 1), done: make(chan struct{})}

	assert.True(t, h.Deliver("slow", stream.Message{ExecutionID: "1"}))
	assert.False(t, h.Deliver("slow", stream.Message{ExecutionID: "2"}))
	assert.InDelta(t, 1, testutil.ToFloat64(mt.HubDropped), 0)
}

func TestHubNewerConnectionReplacesOlder(t *testing.T) {
	h, srv := newTestHub(t, nil)
	old := dial(t, srv, "client-1")
	require.Eventually(t, func() bool { return h.Connected("client-1") }, 2*time.Second, 10*time.Millisecond)

	newer := dial(t, srv, "client-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _, err := old.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))

	h.Deliver("client-1", stream.Message{Type: stream.TypeStdout, ExecutionID: "exec-2"})
	var msg map[string]any
	require.NoError(t, wsjson.Read(ctx, newer, &msg))
	assert.Equal(t, "exec-2", msg["executionId"])
	assert.True(t, h.Connected("client-1"))
}

func TestHubDisconnectUnregisters(t *testing.T) {
	h, srv := newTestHub(t, nil)
	conn := dial(t, srv, "client-1")
	require.Eventually(t, func() bool { return h.Connected("client-1") }, 2*time.Second, 10*time.Millisecond)

	conn.Close(websocket.StatusNormalClosure, "bye")
	assert.Eventually(t, func() bool { return !h.Connected("client-1") }, 2*time.Second, 10*time.Millisecond)
}

func TestHubClose(t *testing.T) {
	h, srv := newTestHub(t, nil)
	conn := dial(t, srv, "client-1")
	require.Eventually(t, func() bool { return h.Connected("client-1") }, 2*time.Second, 10*time.Millisecond)

	h.Close()
	assert.False(t, h.Connected("client-1"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
}
