package server

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/fibsync/fpmsyncd/internal/fpm"
)

// Hub fans dispatched feed events out to connected WebSocket observers.
// Publish never blocks the dispatch loop; a slow observer is disconnected
// rather than back-pressuring route processing.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	mu         sync.RWMutex
	logger     *zap.Logger
}

// wireEvent is the JSON shape pushed to observers.
type wireEvent struct {
	Kind     string   `json:"kind"`
	Prefix   string   `json:"prefix,omitempty"`
	NextHops []string `json:"nexthops,omitempty"`
	Protocol string   `json:"protocol,omitempty"`
	Metric   uint32   `json:"metric,omitempty"`
	IfIndex  int32    `json:"ifindex,omitempty"`
	IfName   string   `json:"ifname,omitempty"`
	Up       bool     `json:"up,omitempty"`
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		logger:     logger,
	}
}

// Publish encodes one feed event and queues it for broadcast. Implements the
// core's event sink; drops the event when the broadcast queue is full.
func (h *Hub) Publish(ev fpm.Event) {
	we := wireEvent{
		Kind:     ev.Kind.String(),
		Protocol: ev.Protocol,
		IfIndex:  ev.IfIndex,
		IfName:   ev.IfName,
		Up:       ev.Up,
	}
	if ev.Prefix.IsValid() {
		we.Prefix = ev.Prefix.String()
		we.Metric = ev.Priority
	}
	for _, nh := range ev.NextHops {
		we.NextHops = append(we.NextHops, nh.String())
	}

	payload, err := json.Marshal(we)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- payload:
	default:
	}
}

// Run processes hub events. Call this in a goroutine.
// Returns when context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("event hub shutting down")
			h.shutdown()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("observer connected", zap.String("connID", client.connID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("observer disconnected", zap.String("connID", client.connID))

		case payload := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- payload:
				default:
					// Buffer full, schedule disconnect
					go func(c *Client) {
						h.unregister <- c
					}(client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// shutdown gracefully closes all observer connections.
func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// ClientCount returns the number of connected observers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
