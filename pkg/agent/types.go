// Package agent runs conversation turns against a local CLI agent binary:
// one subprocess per turn, line-delimited JSON streaming out, normalized
// events flowing to subscribers, with per-conversation locking and
// resumable sessions.
package agent

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when a conversation's lock cannot be acquired
	// within the configured timeout.
	ErrBusy = errors.New("conversation busy")

	// ErrStaleResume indicates the stored resume token no longer names a
	// session the agent knows about.
	ErrStaleResume = errors.New("stale resume token")
)

// ProcessError reports an agent subprocess that exited abnormally.
type ProcessError struct {
	ExitCode int
	Stderr   string
}

func (e *ProcessError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("agent exited %d: %s", e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("agent exited %d", e.ExitCode)
}

// TurnRequest describes one subprocess invocation.
type TurnRequest struct {
	ConversationID string
	TurnID         string
	Prompt         string
	ImagePaths     []string
	ResumeToken    string
	WorkingDir     string
	AllowedTools   []string
	MaxTurns       int  // 0 means use the configured default
	DisableTools   bool // omit the tool allowlist entirely
}

// EventKind enumerates normalized stream event types.
type EventKind string

const (
	EventTextDelta           EventKind = "text_delta"
	EventToolStart           EventKind = "tool_start"
	EventToolDone            EventKind = "tool_done"
	EventImage               EventKind = "image"
	EventMessageComplete     EventKind = "message_complete"
	EventError               EventKind = "error"
	EventCancelled           EventKind = "cancelled"
	EventBusy                EventKind = "busy"
	EventConversationRenamed EventKind = "conversation_renamed"
)

// StreamEvent is the normalized shape every subscriber sees, independent of
// which upstream format the agent emitted. The wire names match the frames
// existing clients already parse: text deltas carry "text", errors carry
// "detail".
type StreamEvent struct {
	Kind           EventKind `json:"type"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"text,omitempty"`
	Tool           string    `json:"tool,omitempty"`
	InputSummary   string    `json:"input_summary,omitempty"`
	Path           string    `json:"path,omitempty"`
	SessionID      string    `json:"session_id,omitempty"`
	GitBranch      string    `json:"git_branch,omitempty"`
	Name           string    `json:"name,omitempty"`
	Message        string    `json:"detail,omitempty"`
}

// Sink receives normalized events as they are produced. Implementations
// must not block: a slow downstream is the sink's problem, never the turn's.
type Sink interface {
	Emit(ctx context.Context, event StreamEvent)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, event StreamEvent)

// Emit implements Sink.
func (f SinkFunc) Emit(ctx context.Context, event StreamEvent) {
	f(ctx, event)
}

// ProcessHandle is a running agent subprocess as seen by the orchestrator.
type ProcessHandle interface {
	// Lines yields raw output lines; closed when the process exits.
	Lines() <-chan string

	// Terminate stops the process. Safe to call more than once.
	Terminate()

	// Wait blocks until exit and classifies the outcome. It returns nil on
	// clean exit, ErrStaleResume when the failure matches the stale-session
	// signature, and *ProcessError otherwise.
	Wait() error
}

// Launcher starts agent subprocesses.
type Launcher interface {
	Launch(ctx context.Context, req TurnRequest) (ProcessHandle, error)
}
