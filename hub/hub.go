// Package hub delivers execution messages to WebSocket clients.
//
// Each client connects to the hub with a client_id query parameter and
// receives every message addressed to that id. Delivery never blocks the
// producer: messages are handed to a bounded per-client queue drained by a
// writer goroutine, and dropped with a warning when the client is absent or
// too slow.
package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/metrics"
	"github.com/isdmx/sandboxd/stream"
)

// Defaults
const (
	DefaultQueueSize    = 256
	DefaultWriteTimeout = 10 * time.Second
	DefaultPingInterval = 30 * time.Second
)

// Config holds configuration for the Hub
type Config struct {
	QueueSize    int
	WriteTimeout time.Duration
	// PingInterval of zero disables pings; DefaultPingInterval suits most proxies.
	PingInterval   time.Duration
	AllowedOrigins []string
}

// Hub routes messages to connected clients by client ID.
type Hub struct {
	logger  *zap.Logger
	config  *Config
	metrics *metrics.Metrics

	mu      sync.Mutex
	clients map[string]*client
	closed  bool
}

type client struct {
	id        string
	conn      *websocket.Conn
	queue     chan stream.Message
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close(status, reason)
	})
}

// Option defines a functional option for Hub
type Option func(*Hub)

// WithMetrics sets the collectors the Hub reports to
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) {
		h.metrics = m
	}
}

// New creates a Hub
func New(logger *zap.Logger, cfg *Config, opts ...Option) *Hub {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	h := &Hub{
		logger:  logger,
		config:  cfg,
		clients: make(map[string]*client),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades the request and streams messages until either side
// closes. A newer connection with the same client_id replaces this one.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		http.Error(w, "client_id is required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.config.AllowedOrigins,
	})
	if err != nil {
		h.logger.Error("websocket accept failed", zap.String("client_id", clientID), zap.Error(err))
		return
	}

	c := &client{
		id:    clientID,
		conn:  conn,
		queue: make(chan stream.Message, h.config.QueueSize),
		done:  make(chan struct{}),
	}
	if !h.register(c) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.unregister(c)

	h.logger.Info("output client connected", zap.String("client_id", clientID))

	// Clients only listen; CloseRead handles control frames and reports disconnects.
	ctx := conn.CloseRead(r.Context())
	h.writeLoop(ctx, c)
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	old := h.clients[c.id]
	h.clients[c.id] = c
	h.mu.Unlock()

	if old != nil {
		old.close(websocket.StatusNormalClosure, "replaced by a newer connection")
		h.logger.Info("output client replaced", zap.String("client_id", c.id))
	} else {
		h.metrics.HubConnected(1)
	}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	current := h.clients[c.id] == c
	if current {
		delete(h.clients, c.id)
	}
	h.mu.Unlock()

	if current {
		h.metrics.HubConnected(-1)
		h.logger.Info("output client disconnected", zap.String("client_id", c.id))
	}
	c.close(websocket.StatusNormalClosure, "")
}

func (h *Hub) writeLoop(ctx context.Context, c *client) {
	var ping <-chan time.Time
	if h.config.PingInterval > 0 {
		ticker := time.NewTicker(h.config.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ping:
			pctx, cancel := context.WithTimeout(ctx, h.config.WriteTimeout)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				h.logger.Debug("output client ping failed", zap.String("client_id", c.id), zap.Error(err))
				return
			}
		case msg := <-c.queue:
			wctx, cancel := context.WithTimeout(ctx, h.config.WriteTimeout)
			err := wsjson.Write(wctx, c.conn, msg)
			cancel()
			if err != nil {
				h.logger.Warn("failed to write to output client",
					zap.String("client_id", c.id),
					zap.String("execution_id", msg.ExecutionID),
					zap.Error(err))
				return
			}
		}
	}
}

// Deliver queues msg for clientID without blocking. It reports whether the
// message was queued.
func (h *Hub) Deliver(clientID string, msg stream.Message) bool {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	queued := false
	if ok {
		select {
		case c.queue <- msg:
			queued = true
		default:
		}
	}
	h.mu.Unlock()

	if !queued {
		reason := "client not connected"
		if ok {
			reason = "client queue full"
		}
		h.metrics.MessageDropped()
		h.logger.Warn("dropping execution message",
			zap.String("client_id", clientID),
			zap.String("execution_id", msg.ExecutionID),
			zap.String("type", string(msg.Type)),
			zap.String("reason", reason))
	}
	return queued
}

// Channel returns the Output addressed to clientID.
func (h *Hub) Channel(clientID string) stream.Output {
	return stream.OutputFunc(func(msg stream.Message) {
		h.Deliver(clientID, msg)
	})
}

// Connected reports whether clientID has a live connection.
func (h *Hub) Connected(clientID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.clients[clientID]
	return ok
}

// Close disconnects every client and rejects new connections.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, c := range clients {
		c.close(websocket.StatusGoingAway, "server shutting down")
		h.metrics.HubConnected(-1)
	}
	h.logger.Info("output hub closed", zap.Int("clients", len(clients)))
}
