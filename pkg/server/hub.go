// Package server exposes conversations over HTTP and WebSocket: a chi
// router for REST, nhooyr websockets for streaming, and a hub that fans
// bus events out to connected clients.
package server

import (
	"context"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// writeTimeout bounds a single frame write to one client.
const writeTimeout = 15 * time.Second

// frame is one outbound payload, already serialized.
type frame struct {
	conversationID string // empty for connection-local frames
	data           []byte
}

// wsConn is the subset of *websocket.Conn the hub needs; tests substitute
// their own.
type wsConn interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
	Close(status websocket.StatusCode, reason string) error
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
}

// Hub fans out conversation events to connected WebSocket clients. Every
// client gets a bounded queue; a client that cannot keep up is dropped
// rather than ever blocking the turn pipeline.
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*wsClient]struct{})}
}

// Broadcast queues an event frame for every client whose filter accepts
// the conversation. Slow consumers are removed.
func (h *Hub) Broadcast(conversationID string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if !c.enqueue(frame{conversationID: conversationID, data: data}) {
			go h.remove(c)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// register adds a client. A nil filter receives every conversation.
func (h *Hub) register(conn wsConn, filter func(conversationID string) bool) *wsClient {
	c := &wsClient{
		conn:   conn,
		send:   make(chan frame, 64),
		filter: filter,
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metricWSClients.Inc()
	return c
}

// remove disconnects and removes a client. Safe to call twice.
func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	c.mu.Lock()
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	metricWSClients.Dec()
}

type wsClient struct {
	conn   wsConn
	filter func(conversationID string) bool

	mu     sync.Mutex
	send   chan frame
	closed bool
}

// enqueue adds a frame to the client's queue. Returns false when the queue
// is full or the client is already removed; a full queue marks the client
// for removal. The mutex orders enqueues against the channel close in
// remove, since local sends (pings, acks) arrive from the connection's own
// goroutines rather than from Broadcast.
func (c *wsClient) enqueue(f frame) bool {
	if f.conversationID != "" && c.filter != nil && !c.filter(f.conversationID) {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

// sendLocal queues a connection-local frame (auth_ok, ping, acks) that
// bypasses the conversation filter.
func (c *wsClient) sendLocal(data []byte) bool {
	return c.enqueue(frame{data: data})
}

// writeLoop drains the queue to the socket until the queue closes, the
// context ends, or a write fails.
func (c *wsClient) writeLoop(ctx context.Context) error {
	for {
		select {
		case f, ok := <-c.send:
			if !ok {
				return nil
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, f.data)
			cancel()
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
