package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// fakeConn records written frames and serves scripted reads.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	readCh chan []byte
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{readCh: make(chan []byte, 16)}
}

func (c *fakeConn) Write(_ context.Context, _ websocket.MessageType, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := append([]byte{}, data...)
	c.frames = append(c.frames, buf)
	return nil
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data := <-c.readCh:
		return websocket.MessageText, data, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Close(websocket.StatusCode, string) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte{}, c.frames...)
}

func TestHubBroadcastDelivers(t *testing.T) {
	hub := NewHub()
	conn := newFakeConn()
	client := hub.register(conn, nil)
	defer hub.remove(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.writeLoop(ctx) }()

	hub.Broadcast("conv-1", []byte(`{"type":"text_delta"}`))

	require.Eventually(t, func() bool {
		return len(conn.written()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, `{"type":"text_delta"}`, string(conn.written()[0]))
}

func TestHubFilterSkipsOtherConversations(t *testing.T) {
	hub := NewHub()
	conn := newFakeConn()
	client := hub.register(conn, func(id string) bool { return id == "mine" })
	defer hub.remove(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.writeLoop(ctx) }()

	hub.Broadcast("other", []byte(`{"n":1}`))
	hub.Broadcast("mine", []byte(`{"n":2}`))

	require.Eventually(t, func() bool {
		return len(conn.written()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, `{"n":2}`, string(conn.written()[0]))
}

func TestHubLocalFramesBypassFilter(t *testing.T) {
	hub := NewHub()
	conn := newFakeConn()
	client := hub.register(conn, func(string) bool { return false })
	defer hub.remove(client)

	assert.True(t, client.sendLocal([]byte(`{"type":"ping"}`)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.writeLoop(ctx) }()

	require.Eventually(t, func() bool {
		return len(conn.written()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubDropsSlowConsumer(t *testing.T) {
	hub := NewHub()
	conn := newFakeConn()
	client := hub.register(conn, nil)
	// No writeLoop: the queue fills and the client must be dropped.
	_ = client

	payload := []byte(`{}`)
	for i := 0; i < 65; i++ {
		hub.Broadcast("conv-1", payload)
	}

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 0
	}, time.Second, 5*time.Millisecond)
}

// Pings and acks are enqueued from the connection's own goroutines, which
// keep running for a moment after the hub drops a slow consumer. Sending
// to a removed client must fail cleanly, never panic.
func TestHubSendLocalAfterSlowConsumerRemoval(t *testing.T) {
	hub := NewHub()
	conn := newFakeConn()
	client := hub.register(conn, nil)

	payload := []byte(`{}`)
	for i := 0; i < 65; i++ {
		hub.Broadcast("conv-1", payload)
	}
	require.Eventually(t, func() bool {
		return hub.ClientCount() == 0
	}, time.Second, 5*time.Millisecond)

	assert.False(t, client.sendLocal([]byte(`{"type":"ping"}`)))
	assert.False(t, client.enqueue(frame{conversationID: "conv-1", data: payload}))
}

func TestHubRemoveIdempotent(t *testing.T) {
	hub := NewHub()
	client := hub.register(newFakeConn(), nil)
	hub.remove(client)
	hub.remove(client)
	assert.Equal(t, 0, hub.ClientCount())
}
