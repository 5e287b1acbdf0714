package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("unmarshal line: %v", err)
		}
		events = append(events, e)
	}
	return events
}

func TestLoggerWritesDailyFile(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(dir)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer l.Close()

	if err := l.Info(CategoryConversation, "turn_started", "starting", map[string]any{"n": 1}); err != nil {
		t.Fatalf("Info: %v", err)
	}

	path := filepath.Join(dir, "connd-"+time.Now().Format("2006-01-02")+".jsonl")
	events := readEvents(t, path)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].EventType != "turn_started" {
		t.Errorf("event type = %q", events[0].EventType)
	}
	if events[0].Category != CategoryConversation {
		t.Errorf("category = %q", events[0].Category)
	}
	if events[0].Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestLoggerErrorFile(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(dir)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer l.Close()

	l.Info(CategoryProcess, "spawned", "", nil)
	l.Error(CategoryProcess, "exit_nonzero", "agent exited 1", nil)

	events := readEvents(t, filepath.Join(dir, "errors.jsonl"))
	if len(events) != 1 {
		t.Fatalf("expected only error events in errors.jsonl, got %d", len(events))
	}
	if events[0].EventType != "exit_nonzero" {
		t.Errorf("event type = %q", events[0].EventType)
	}
}

func TestLoggerMinLevel(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(dir)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer l.Close()

	l.Debug(CategoryStream, "raw_line", "", nil)
	l.SetMinLevel(LevelDebug)
	l.Debug(CategoryStream, "raw_line", "", nil)

	path := filepath.Join(dir, "connd-"+time.Now().Format("2006-01-02")+".jsonl")
	events := readEvents(t, path)
	if len(events) != 1 {
		t.Fatalf("expected debug filtered before SetMinLevel, got %d events", len(events))
	}
}

func TestTurnFields(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(dir)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer l.Close()

	l.Turn(LevelInfo, CategoryConversation, "turn_complete", "conv-1", "01TURN", nil)

	path := filepath.Join(dir, "connd-"+time.Now().Format("2006-01-02")+".jsonl")
	events := readEvents(t, path)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].ConversationID != "conv-1" || events[0].TurnID != "01TURN" {
		t.Errorf("turn scoping lost: %+v", events[0])
	}
}
