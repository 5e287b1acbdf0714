package server

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connhq/connd/pkg/agent"
	"github.com/connhq/connd/pkg/bus"
	"github.com/connhq/connd/pkg/storage"
)

func TestBusSinkPublishes(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()

	received := make(chan []byte, 1)
	_, err := b.Subscribe(context.Background(), bus.ConversationSubject("conv-1"), func(msg *bus.Message) {
		received <- msg.Data
	})
	require.NoError(t, err)

	sink := NewBusSink(b, 1024, nil)
	sink.Emit(context.Background(), agent.StreamEvent{
		Kind:           agent.EventTextDelta,
		ConversationID: "conv-1",
		Content:        "hello",
	})

	select {
	case data := <-received:
		assert.Contains(t, string(data), `"type":"text_delta"`)
		assert.Contains(t, string(data), `"conversation_id":"conv-1"`)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestBusSinkDropsOversizedEvents(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()

	received := make(chan []byte, 1)
	_, err := b.Subscribe(context.Background(), bus.ConversationWildcard, func(msg *bus.Message) {
		received <- msg.Data
	})
	require.NoError(t, err)

	sink := NewBusSink(b, 256, nil)
	sink.Emit(context.Background(), agent.StreamEvent{
		Kind:           agent.EventTextDelta,
		ConversationID: "conv-1",
		Content:        strings.Repeat("x", 1024),
	})
	sink.Emit(context.Background(), agent.StreamEvent{
		Kind:           agent.EventTextDelta,
		ConversationID: "conv-1",
		Content:        "small",
	})

	select {
	case data := <-received:
		assert.Contains(t, string(data), "small", "only the in-limit event arrives")
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
	select {
	case <-received:
		t.Fatal("oversized event must be dropped")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusBridgeForwardsToHub(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()

	hub := NewHub()
	conn := newFakeConn()
	client := hub.register(conn, nil)
	defer hub.remove(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.writeLoop(ctx) }()

	bridge := NewBusBridge(b, hub)
	require.NoError(t, bridge.Start(ctx))
	defer bridge.Stop()

	require.NoError(t, b.Publish(ctx, bus.ConversationSubject("conv-9"), []byte(`{"type":"busy"}`)))

	require.Eventually(t, func() bool {
		return len(conn.written()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, `{"type":"busy"}`, string(conn.written()[0]))
}

func TestStoreRelayAnnouncesDeletion(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()

	store, err := storage.New(filepath.Join(t.TempDir(), "connd.db"))
	require.NoError(t, err)
	defer store.Close()
	store.AddObserver(NewStoreRelay(b, nil))

	received := make(chan []byte, 4)
	_, err = b.Subscribe(context.Background(), bus.ConversationWildcard, func(msg *bus.Message) {
		received <- msg.Data
	})
	require.NoError(t, err)

	require.NoError(t, store.CreateConversation(&storage.Conversation{ID: "conv-1"}))
	require.NoError(t, store.DeleteConversation("conv-1"))

	select {
	case data := <-received:
		assert.Contains(t, string(data), `"type":"conversation_deleted"`)
		assert.Contains(t, string(data), `"conversation_id":"conv-1"`)
	case <-time.After(time.Second):
		t.Fatal("no deletion frame received")
	}
	select {
	case data := <-received:
		t.Fatalf("only deletions are relayed, got %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConversationFromSubject(t *testing.T) {
	assert.Equal(t, "abc", conversationFromSubject("conn.conversation.abc"))
	assert.Equal(t, "", conversationFromSubject("nodots"))
}
