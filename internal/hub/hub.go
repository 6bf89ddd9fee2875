// Package hub keeps the live enforcement-agent connections of one process and
// fans kill commands out to them.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"blockremote/internal/metrics"
)

// Conn is one live agent channel. Send must be safe to call concurrently
// with Close.
type Conn interface {
	ID() string
	Send(ctx context.Context, msg string) error
	Close() error
}

type Hub struct {
	mu          sync.RWMutex
	conns       map[Conn]struct{}
	logger      *slog.Logger
	metrics     *metrics.Metrics
	sendTimeout time.Duration
}

type BroadcastResult struct {
	Delivered int
	Dropped   int
}

func New(logger *slog.Logger, m *metrics.Metrics, sendTimeout time.Duration) *Hub {
	if m == nil {
		m = metrics.New()
	}
	if sendTimeout <= 0 {
		sendTimeout = 5 * time.Second
	}
	return &Hub{
		conns:       make(map[Conn]struct{}),
		logger:      logger,
		metrics:     m,
		sendTimeout: sendTimeout,
	}
}

// Register adds c and returns the number of registered connections.
// The transport handshake has already completed.
func (h *Hub) Register(c Conn) int {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()
	h.metrics.AgentConnections.Set(float64(n))
	if h.logger != nil {
		h.logger.Info("agent registered", "conn_id", c.ID(), "connections", n)
	}
	return n
}

// Unregister removes and closes c. It is a no-op returning false when c is
// not registered.
func (h *Hub) Unregister(c Conn) bool {
	h.mu.Lock()
	_, ok := h.conns[c]
	delete(h.conns, c)
	n := len(h.conns)
	h.mu.Unlock()
	if !ok {
		return false
	}
	_ = c.Close()
	h.metrics.AgentConnections.Set(float64(n))
	if h.logger != nil {
		h.logger.Info("agent unregistered", "conn_id", c.ID(), "connections", n)
	}
	return true
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast sends msg to every connection registered at call time. A failed
// send unregisters that connection and the remaining recipients still get the
// message. Sends outlive cancellation of ctx so a stopping listener does not
// cut healthy agents off mid-broadcast; each send is bounded by the hub's
// send timeout instead.
func (h *Hub) Broadcast(ctx context.Context, msg string) BroadcastResult {
	h.mu.RLock()
	snapshot := make([]Conn, 0, len(h.conns))
	for c := range h.conns {
		snapshot = append(snapshot, c)
	}
	h.mu.RUnlock()

	h.metrics.Broadcasts.Inc()
	base := context.WithoutCancel(ctx)
	var res BroadcastResult
	for _, c := range snapshot {
		sendCtx, cancel := context.WithTimeout(base, h.sendTimeout)
		err := c.Send(sendCtx, msg)
		cancel()
		if err != nil {
			if h.logger != nil {
				h.logger.Warn("agent send failed, dropping connection", "conn_id", c.ID(), "err", err)
			}
			if h.Unregister(c) {
				h.metrics.DroppedConnections.Inc()
			}
			res.Dropped++
			continue
		}
		res.Delivered++
	}
	h.metrics.Deliveries.Add(float64(res.Delivered))
	return res
}

// Close unregisters every connection.
func (h *Hub) Close() {
	h.mu.RLock()
	snapshot := make([]Conn, 0, len(h.conns))
	for c := range h.conns {
		snapshot = append(snapshot, c)
	}
	h.mu.RUnlock()
	for _, c := range snapshot {
		h.Unregister(c)
	}
}
