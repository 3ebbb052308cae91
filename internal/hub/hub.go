// Package hub fans control-plane frames out to connected host clients.
package hub

import (
	"sync"

	"github.com/kstaniek/go-can-bridge/internal/can"
	"github.com/kstaniek/go-can-bridge/internal/logging"
	"github.com/kstaniek/go-can-bridge/internal/metrics"
)

// BackpressurePolicy decides what happens to a client whose queue is full.
type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

// ParsePolicy maps "drop" or "kick" to a policy.
func ParsePolicy(s string) (BackpressurePolicy, bool) {
	switch s {
	case "drop":
		return PolicyDrop, true
	case "kick":
		return PolicyKick, true
	default:
		return PolicyDrop, false
	}
}

func (p BackpressurePolicy) String() string {
	if p == PolicyKick {
		return "kick"
	}
	return "drop"
}

// Client is one host connection's outbound queue.
type Client struct {
	Out       chan can.Frame
	Closed    chan struct{}
	closeOnce sync.Once
}

// NewClient allocates a client with a queue of buf frames.
func NewClient(buf int) *Client {
	return &Client{Out: make(chan can.Frame, buf), Closed: make(chan struct{})}
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() { c.closeOnce.Do(func() { close(c.Closed) }) }

// Hub is a FrameSink delivering each frame to every client without blocking.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
}

// New creates a Hub with default settings.
func New() *Hub { return &Hub{clients: make(map[*Client]struct{}), OutBufSize: 64} }

// Add registers a client.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.SetHostClients(n)
	if n == 1 {
		logging.L().Info("host_first_connected")
	}
}

// Remove unregisters and closes a client; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.Close()
	metrics.SetHostClients(n)
	if existed && n == 0 {
		logging.L().Info("host_last_disconnected")
	}
}

// SendFrame delivers fr to all clients honoring the backpressure policy.
// It never fails; with no clients the frame is discarded.
func (h *Hub) SendFrame(fr can.Frame) error {
	for _, c := range h.Snapshot() {
		select {
		case c.Out <- fr:
		default:
			if h.Policy == PolicyKick {
				c.Close()
				continue
			}
			metrics.IncHostDrop()
		}
	}
	return nil
}

// Snapshot returns a copy of the current clients.
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	out := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	h.mu.RUnlock()
	return out
}

// Count returns the number of registered clients.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.clients); h.mu.RUnlock(); return n }
