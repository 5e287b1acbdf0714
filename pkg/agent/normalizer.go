package agent

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/connhq/connd/pkg/logging"
)

// TurnResult is the terminal state reported by the agent's result event.
type TurnResult struct {
	SessionID  string
	IsError    bool
	ResultText string
}

// rawEvent is the top-level envelope of one agent output line.
type rawEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	IsError   bool            `json:"is_error"`
	Result    string          `json:"result"`
	Message   *rawMessage     `json:"message"`
	Event     *rawStreamEvent `json:"event"`
}

type rawMessage struct {
	Content []rawBlock `json:"content"`
}

type rawBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text"`
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

type rawStreamEvent struct {
	Type         string    `json:"type"`
	Index        int       `json:"index"`
	ContentBlock *rawBlock `json:"content_block"`
	Delta        *rawDelta `json:"delta"`
}

type rawDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	PartialJSON string `json:"partial_json"`
}

// blockState tracks one in-flight content block in the streaming shape.
type blockState struct {
	kind      string // "text" or "tool_use"
	tool      string
	input     strings.Builder
	startSent bool
}

// Normalizer converts raw agent output lines into normalized stream events.
// The agent emits one of two shapes per turn: incremental content-block
// events, or complete assistant messages. Both converge on the same event
// set here. One Normalizer serves exactly one turn.
type Normalizer struct {
	conversationID  string
	workingDir      string
	screenshotTools map[string]struct{}
	log             *logging.Logger

	blocks    map[int]*blockState
	sawStream bool
	sawText   bool
	result    *TurnResult
	sessionID string
	malformed int
}

// NewNormalizer creates a normalizer for one turn.
func NewNormalizer(conversationID, workingDir string, screenshotTools []string, log *logging.Logger) *Normalizer {
	set := make(map[string]struct{}, len(screenshotTools))
	for _, t := range screenshotTools {
		set[t] = struct{}{}
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Normalizer{
		conversationID:  conversationID,
		workingDir:      workingDir,
		screenshotTools: set,
		log:             log,
		blocks:          make(map[int]*blockState),
	}
}

// Feed parses one raw output line and returns the normalized events it
// produces, if any. Malformed lines are logged and skipped; they never
// abort the turn.
func (n *Normalizer) Feed(line string) []StreamEvent {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	var raw rawEvent
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		n.malformed++
		n.log.Warn(logging.CategoryStream, "malformed_line", "skipping unparseable agent output", map[string]any{
			"conversation_id": n.conversationID,
			"length":          len(line),
		})
		return nil
	}

	if raw.SessionID != "" {
		n.sessionID = raw.SessionID
	}

	switch raw.Type {
	case "stream_event":
		return n.feedStreamEvent(raw.Event)
	case "assistant":
		return n.feedAssistantMessage(raw.Message)
	case "result":
		n.result = &TurnResult{
			SessionID:  n.sessionID,
			IsError:    raw.IsError,
			ResultText: raw.Result,
		}
		return nil
	default:
		// system/init and unknown types: session id already captured.
		return nil
	}
}

func (n *Normalizer) feedStreamEvent(ev *rawStreamEvent) []StreamEvent {
	if ev == nil {
		return nil
	}
	n.sawStream = true

	switch ev.Type {
	case "content_block_start":
		state := &blockState{kind: "text"}
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
			state.kind = "tool_use"
			state.tool = ev.ContentBlock.Name
			// Complete input on the start event is rare but legal.
			if len(ev.ContentBlock.Input) > 0 {
				data, _ := json.Marshal(ev.ContentBlock.Input)
				state.input.Write(data)
			}
		}
		n.blocks[ev.Index] = state
		return n.maybeToolStart(state)

	case "content_block_delta":
		state := n.blocks[ev.Index]
		if ev.Delta == nil {
			return nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			if ev.Delta.Text == "" {
				return nil
			}
			n.sawText = true
			return []StreamEvent{n.event(EventTextDelta, func(e *StreamEvent) {
				e.Content = ev.Delta.Text
			})}
		case "input_json_delta":
			if state != nil {
				state.input.WriteString(ev.Delta.PartialJSON)
				return n.maybeToolStart(state)
			}
		}
		return nil

	case "content_block_stop":
		state := n.blocks[ev.Index]
		delete(n.blocks, ev.Index)
		if state == nil || state.kind != "tool_use" {
			return nil
		}
		input := parseToolInput(state.input.String())
		var events []StreamEvent
		if !state.startSent {
			events = append(events, n.toolStartEvent(state.tool, input))
		}
		return append(events, n.toolFinishEvents(state.tool, input)...)
	}

	return nil
}

// maybeToolStart emits tool_start the moment the accumulated input parses
// into a summary. A tool can run for many seconds; waiting for the block
// to stop would hide it from clients the whole time.
func (n *Normalizer) maybeToolStart(state *blockState) []StreamEvent {
	if state == nil || state.kind != "tool_use" || state.startSent {
		return nil
	}
	if state.input.Len() == 0 {
		return nil
	}
	input := parseToolInput(state.input.String())
	if input == nil {
		// Fragment does not parse yet; more deltas are coming.
		return nil
	}
	state.startSent = true
	return []StreamEvent{n.toolStartEvent(state.tool, input)}
}

// feedAssistantMessage handles the complete-message shape. It is only used
// when no streaming events were observed, so content is never counted twice.
func (n *Normalizer) feedAssistantMessage(msg *rawMessage) []StreamEvent {
	if msg == nil || n.sawStream {
		return nil
	}

	var events []StreamEvent
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			n.sawText = true
			events = append(events, n.event(EventTextDelta, func(e *StreamEvent) {
				e.Content = block.Text
			}))
		case "tool_use":
			events = append(events, n.toolEvents(block.Name, block.Input)...)
		}
	}
	return events
}

// toolEvents emits the full tool_start/tool_done pair for the
// complete-message shape, where the whole input is available at once.
func (n *Normalizer) toolEvents(tool string, input map[string]any) []StreamEvent {
	events := []StreamEvent{n.toolStartEvent(tool, input)}
	return append(events, n.toolFinishEvents(tool, input)...)
}

func (n *Normalizer) toolStartEvent(tool string, input map[string]any) StreamEvent {
	return n.event(EventToolStart, func(e *StreamEvent) {
		e.Tool = tool
		e.InputSummary = summarizeToolInput(tool, input)
	})
}

// toolFinishEvents emits the image event for screenshot tools, then
// tool_done.
func (n *Normalizer) toolFinishEvents(tool string, input map[string]any) []StreamEvent {
	var events []StreamEvent
	if _, ok := n.screenshotTools[tool]; ok {
		if path := n.screenshotPath(input); path != "" {
			events = append(events, n.event(EventImage, func(e *StreamEvent) {
				e.Path = path
			}))
		}
	}
	return append(events, n.event(EventToolDone, func(e *StreamEvent) {
		e.Tool = tool
	}))
}

// screenshotPath resolves a screenshot tool's output file against the
// subprocess working directory.
func (n *Normalizer) screenshotPath(input map[string]any) string {
	name := stringField(input, "filename")
	if name == "" {
		name = stringField(input, "path")
	}
	if name == "" {
		return ""
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(n.workingDir, name)
}

func (n *Normalizer) event(kind EventKind, fill func(*StreamEvent)) StreamEvent {
	e := StreamEvent{Kind: kind, ConversationID: n.conversationID}
	if fill != nil {
		fill(&e)
	}
	return e
}

// Result returns the terminal result event, nil if the process never
// produced one.
func (n *Normalizer) Result() *TurnResult {
	return n.result
}

// SessionID returns the most recent session id seen on any event.
func (n *Normalizer) SessionID() string {
	return n.sessionID
}

// SawText reports whether any assistant text was observed this turn. A
// failed resume dies before producing text; this feeds the staleness check.
func (n *Normalizer) SawText() bool {
	return n.sawText
}

// MalformedLines returns how many lines failed to parse.
func (n *Normalizer) MalformedLines() int {
	return n.malformed
}

func parseToolInput(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil
	}
	return input
}
