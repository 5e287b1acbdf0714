package server

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/connhq/connd/pkg/agent"
	"github.com/connhq/connd/pkg/bus"
	"github.com/connhq/connd/pkg/logging"
	"github.com/connhq/connd/pkg/storage"
)

// BusSink publishes normalized stream events onto the message bus. It is
// the orchestrator's only outbound path; everything downstream (hub,
// clients, other processes) hangs off the bus.
type BusSink struct {
	bus   bus.MessageBus
	limit int // bytes, per serialized event; 0 disables the ceiling
	log   *logging.Logger
}

// NewBusSink creates a sink with a hard outbound size ceiling.
func NewBusSink(b bus.MessageBus, limit int, log *logging.Logger) *BusSink {
	if log == nil {
		log = logging.Nop()
	}
	return &BusSink{bus: b, limit: limit, log: log}
}

// Emit implements agent.Sink. Oversized events are dropped, not truncated:
// a clipped JSON payload is worse for a client than a missing delta.
func (s *BusSink) Emit(ctx context.Context, ev agent.StreamEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Error(logging.CategoryStream, "event_marshal_failed", err.Error(), map[string]any{
			"conversation_id": ev.ConversationID,
		})
		return
	}
	if s.limit > 0 && len(data) > s.limit {
		metricEventsDropped.Inc()
		s.log.Warn(logging.CategoryStream, "event_dropped_oversize", "outbound event exceeds size ceiling", map[string]any{
			"conversation_id": ev.ConversationID,
			"type":            string(ev.Kind),
			"size":            len(data),
		})
		return
	}
	if err := s.bus.Publish(ctx, bus.ConversationSubject(ev.ConversationID), data); err != nil {
		s.log.Error(logging.CategoryStream, "event_publish_failed", err.Error(), map[string]any{
			"conversation_id": ev.ConversationID,
		})
	}
}

// BusBridge subscribes the hub to every conversation subject on the bus.
type BusBridge struct {
	bus bus.MessageBus
	hub *Hub

	mu   sync.Mutex
	subs []bus.Subscription
}

// NewBusBridge creates a bridge between the bus and the hub.
func NewBusBridge(b bus.MessageBus, h *Hub) *BusBridge {
	return &BusBridge{bus: b, hub: h}
}

// Start subscribes to the conversation wildcard and forwards every event
// to the hub.
func (br *BusBridge) Start(ctx context.Context) error {
	sub, err := br.bus.Subscribe(ctx, bus.ConversationWildcard, func(msg *bus.Message) {
		br.hub.Broadcast(conversationFromSubject(msg.Subject), msg.Data)
	})
	if err != nil {
		return err
	}
	br.mu.Lock()
	br.subs = append(br.subs, sub)
	br.mu.Unlock()
	return nil
}

// Stop unsubscribes from the bus.
func (br *BusBridge) Stop() {
	br.mu.Lock()
	defer br.mu.Unlock()
	for _, sub := range br.subs {
		_ = sub.Unsubscribe()
	}
	br.subs = nil
}

// NewStoreRelay returns a storage observer that announces mutations with
// no streaming path of their own. Turns and renames already reach clients
// through the orchestrator's sink; deletion happens over REST and would
// otherwise be invisible to connected devices.
func NewStoreRelay(b bus.MessageBus, log *logging.Logger) storage.Observer {
	if log == nil {
		log = logging.Nop()
	}
	return storage.ObserverFunc(func(ev storage.Event) {
		if ev.Type != storage.EventConversationDeleted {
			return
		}
		frame, err := json.Marshal(map[string]string{
			"type":            "conversation_deleted",
			"conversation_id": ev.ConversationID,
		})
		if err != nil {
			return
		}
		if err := b.Publish(context.Background(), bus.ConversationSubject(ev.ConversationID), frame); err != nil {
			log.Error(logging.CategoryStorage, "delete_relay_failed", err.Error(), map[string]any{
				"conversation_id": ev.ConversationID,
			})
		}
	})
}

// conversationFromSubject extracts the conversation id from a subject like
// "conn.conversation.<id>".
func conversationFromSubject(subject string) string {
	idx := strings.LastIndexByte(subject, '.')
	if idx < 0 {
		return ""
	}
	return subject[idx+1:]
}
