package bus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	ctx := context.Background()
	received := make(chan []byte, 1)

	sub, err := b.Subscribe(ctx, ConversationSubject("abc"), func(msg *Message) {
		received <- msg.Data
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := b.Publish(ctx, ConversationSubject("abc"), []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case data := <-received:
		if string(data) != "hello" {
			t.Errorf("got %q", data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestMemoryBusWildcard(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	ctx := context.Background()
	var mu sync.Mutex
	var subjects []string
	done := make(chan struct{}, 2)

	sub, err := b.Subscribe(ctx, ConversationWildcard, func(msg *Message) {
		mu.Lock()
		subjects = append(subjects, msg.Subject)
		mu.Unlock()
		done <- struct{}{}
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	b.Publish(ctx, ConversationSubject("one"), []byte("1"))
	b.Publish(ctx, ConversationSubject("two"), []byte("2"))
	b.Publish(ctx, "conn.other.subject", []byte("x"))

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(subjects) != 2 {
		t.Errorf("expected 2 deliveries, got %v", subjects)
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	ctx := context.Background()
	received := make(chan struct{}, 1)

	sub, err := b.Subscribe(ctx, "conn.test", func(msg *Message) {
		received <- struct{}{}
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	b.Publish(ctx, "conn.test", []byte("x"))

	select {
	case <-received:
		t.Fatal("received message after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusClosed(t *testing.T) {
	b := NewMemoryBus()
	b.Close()

	if err := b.Publish(context.Background(), "conn.x", nil); err != ErrClosed {
		t.Errorf("Publish err = %v", err)
	}
	if _, err := b.Subscribe(context.Background(), "conn.x", func(*Message) {}); err != ErrClosed {
		t.Errorf("Subscribe err = %v", err)
	}
	if err := b.Close(); err != ErrClosed {
		t.Errorf("double Close err = %v", err)
	}
}

func TestMatchSubject(t *testing.T) {
	cases := []struct {
		pattern, subject string
		want             bool
	}{
		{"conn.conversation.abc", "conn.conversation.abc", true},
		{"conn.conversation.*", "conn.conversation.abc", true},
		{"conn.conversation.*", "conn.conversation.abc.extra", false},
		{"conn.>", "conn.conversation.abc.extra", true},
		{"conn.conversation.*", "conn.other.abc", false},
		{"*.conversation.abc", "conn.conversation.abc", true},
	}
	for _, c := range cases {
		if got := matchSubject(c.pattern, c.subject); got != c.want {
			t.Errorf("matchSubject(%q, %q) = %v, want %v", c.pattern, c.subject, got, c.want)
		}
	}
}
