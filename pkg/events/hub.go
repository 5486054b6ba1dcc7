package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// Hub streams events to connected operator WebSocket clients.
type Hub struct {
	mu      sync.Mutex
	clients map[*hubClient]struct{}
	logger  zerolog.Logger

	done     chan struct{}
	stopOnce sync.Once
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*hubClient]struct{}),
		logger:  logger.With().Str("component", "ws").Logger(),
		done:    make(chan struct{}),
	}
}

// Publish queues ev for every client. Clients whose buffer is full are
// evicted instead of stalling the publisher.
func (h *Hub) Publish(_ context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error().Err(err).Msg("ws marshal")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			close(c.send)
			h.logger.Warn().Msg("ws client evicted (too slow)")
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Stop disconnects all clients. Safe to call multiple times.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		for c := range h.clients {
			delete(h.clients, c)
			close(c.send)
		}
		h.mu.Unlock()
	})
}

// Serve registers conn and blocks until the client disconnects or the hub
// stops. Incoming messages are discarded.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(4096)
	c := &hubClient{conn: conn, send: make(chan []byte, 64)}

	h.mu.Lock()
	select {
	case <-h.done:
		h.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	default:
	}
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug().Int("total", total).Msg("ws client connected")

	go h.writePump(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-h.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}

	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	h.logger.Debug().Msg("ws client disconnected")
}

func (h *Hub) writePump(c *hubClient) {
	for msg := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	c.conn.Close(websocket.StatusNormalClosure, "")
}
