package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/connhq/connd/pkg/config"
	"github.com/connhq/connd/pkg/gitinfo"
	"github.com/connhq/connd/pkg/logging"
	"github.com/connhq/connd/pkg/storage"
)

const titlePrompt = "Reply with only a short title (5 words maximum) summarizing this conversation. No quotes, no trailing punctuation."

// Orchestrator drives one conversation turn end to end: persist the user
// message, take the conversation lock, stream the subprocess, persist the
// assistant's segments, and report exactly one terminal event.
type Orchestrator struct {
	cfg      config.AgentConfig
	store    *storage.Store
	registry *Registry
	launcher Launcher
	sink     Sink
	log      *logging.Logger

	bg sync.WaitGroup
}

// NewOrchestrator wires a turn orchestrator.
func NewOrchestrator(cfg config.AgentConfig, store *storage.Store, registry *Registry, launcher Launcher, sink Sink, log *logging.Logger) *Orchestrator {
	if log == nil {
		log = logging.Nop()
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		registry: registry,
		launcher: launcher,
		sink:     sink,
		log:      log,
	}
}

// Wait blocks until detached background work (title generation) finishes.
func (o *Orchestrator) Wait() {
	o.bg.Wait()
}

// Submit runs one user message to its terminal event. The caller's context
// should span the server's lifetime, not one network connection: a client
// that disconnects mid-turn must not kill the turn.
func (o *Orchestrator) Submit(ctx context.Context, conversationID, text string, imagePaths []string) {
	turnID := ulid.Make().String()
	start := time.Now()

	terminal := func(outcome string) {
		metricTurnsTotal.WithLabelValues(outcome).Inc()
		metricTurnDuration.Observe(time.Since(start).Seconds())
		o.log.Turn(logging.LevelInfo, logging.CategoryConversation, "turn_"+outcome, conversationID, turnID, nil)
	}

	if !storage.ValidConversationID(conversationID) {
		o.sink.Emit(ctx, StreamEvent{Kind: EventError, ConversationID: conversationID, Message: "invalid conversation id"})
		terminal(outcomeError)
		return
	}

	if err := o.store.CreateConversation(&storage.Conversation{ID: conversationID}); err != nil {
		o.emitError(ctx, conversationID, "storage failure")
		o.log.Error(logging.CategoryStorage, "create_failed", err.Error(), map[string]any{"conversation_id": conversationID})
		terminal(outcomeError)
		return
	}

	turnCount, err := o.store.CountTurns(conversationID)
	if err != nil {
		o.emitError(ctx, conversationID, "storage failure")
		terminal(outcomeError)
		return
	}
	firstTurn := turnCount == 0

	// The user's words are persisted before anything can go wrong with the
	// lock or the subprocess.
	if _, err := o.store.AppendUserTurn(conversationID, text, imagePaths); err != nil {
		o.emitError(ctx, conversationID, "storage failure")
		terminal(outcomeError)
		return
	}

	// A newer message takes precedence over a turn already in flight.
	if o.registry.Supersede(conversationID) {
		o.log.Turn(logging.LevelInfo, logging.CategoryConversation, "superseded_previous", conversationID, turnID, nil)
	}

	guard, err := o.registry.Acquire(ctx, conversationID, o.cfg.LockTimeout)
	if err != nil {
		if errors.Is(err, ErrBusy) {
			o.sink.Emit(ctx, StreamEvent{Kind: EventBusy, ConversationID: conversationID, Message: "conversation is still finishing"})
			terminal(outcomeBusy)
			return
		}
		o.emitError(ctx, conversationID, "turn aborted")
		terminal(outcomeError)
		return
	}
	defer guard.Release()

	conv, err := o.store.GetConversation(conversationID)
	if err != nil {
		o.emitError(ctx, conversationID, "storage failure")
		terminal(outcomeError)
		return
	}

	metricTurnsActive.Inc()
	defer metricTurnsActive.Dec()

	outcome := o.runWithResume(ctx, guard, conv, TurnRequest{
		ConversationID: conversationID,
		TurnID:         turnID,
		Prompt:         text,
		ImagePaths:     imagePaths,
		WorkingDir:     conv.WorkingDir,
		AllowedTools:   conv.AllowedTools,
	})
	terminal(outcome)

	if outcome == outcomeComplete && firstTurn {
		o.spawnTitleTask(conversationID)
	}
}

// runWithResume executes the turn, retrying exactly once when the stored
// resume token turns out to be stale.
func (o *Orchestrator) runWithResume(ctx context.Context, guard *Guard, conv *storage.Conversation, req TurnRequest) string {
	req.ResumeToken = conv.ResumeToken

	outcome, stale := o.runTurn(ctx, guard, req)
	if !stale {
		return outcome
	}

	metricResumeRetries.Inc()
	o.log.Turn(logging.LevelWarn, logging.CategoryConversation, "stale_resume_retry", req.ConversationID, req.TurnID, map[string]any{
		"token": req.ResumeToken,
	})

	if err := o.store.ClearResumeToken(req.ConversationID); err != nil {
		o.emitError(ctx, req.ConversationID, "storage failure")
		return outcomeError
	}

	// The retry runs without a token; a fresh session cannot be stale, so
	// runTurn reports any second failure as a plain error.
	req.ResumeToken = ""
	outcome, _ = o.runTurn(ctx, guard, req)
	return outcome
}

// runTurn launches one subprocess attempt and streams it to the end.
// The second return value reports a stale-resume failure eligible for retry.
func (o *Orchestrator) runTurn(ctx context.Context, guard *Guard, req TurnRequest) (string, bool) {
	proc, err := o.launcher.Launch(ctx, req)
	if err != nil {
		o.emitError(ctx, req.ConversationID, "failed to start agent")
		o.log.Turn(logging.LevelError, logging.CategoryProcess, "launch_failed", req.ConversationID, req.TurnID, map[string]any{"error": err.Error()})
		return outcomeError, false
	}
	guard.SetProcess(proc)
	defer guard.ClearProcess()

	norm := NewNormalizer(req.ConversationID, o.effectiveDir(req), o.cfg.ScreenshotTools, o.log)
	collector := newSegmentCollector()

	for line := range proc.Lines() {
		for _, ev := range norm.Feed(line) {
			collector.observe(ev)
			o.sink.Emit(ctx, ev)
		}
	}
	if n := norm.MalformedLines(); n > 0 {
		metricMalformedLines.Add(float64(n))
	}

	waitErr := proc.Wait()
	result := norm.Result()

	cancelled := guard.Cancelled() || errors.Is(waitErr, context.Canceled)
	if cancelled {
		o.persistSegments(req.ConversationID, collector.finish())
		o.sink.Emit(ctx, StreamEvent{Kind: EventCancelled, ConversationID: req.ConversationID})
		return outcomeCancelled, false
	}

	if errors.Is(waitErr, ErrStaleResume) {
		if req.ResumeToken != "" {
			return outcomeError, true
		}
		o.emitError(ctx, req.ConversationID, "agent rejected session")
		return outcomeError, false
	}
	// The agent sometimes reports an unresumable session as an in-band
	// error result instead of a process failure: it exits zero, names a
	// session, but produced no text.
	if waitErr == nil && result != nil && result.IsError && !norm.SawText() && req.ResumeToken != "" {
		return outcomeError, true
	}

	if waitErr != nil {
		// Whatever streamed before the crash is kept.
		o.persistSegments(req.ConversationID, collector.finish())
		o.emitError(ctx, req.ConversationID, "agent process failed")
		o.log.Turn(logging.LevelError, logging.CategoryProcess, "exit_abnormal", req.ConversationID, req.TurnID, map[string]any{"error": waitErr.Error()})
		return outcomeError, false
	}
	if result != nil && result.IsError {
		o.persistSegments(req.ConversationID, collector.finish())
		msg := result.ResultText
		if msg == "" {
			msg = "agent reported an error"
		}
		o.emitError(ctx, req.ConversationID, msg)
		return outcomeError, false
	}

	// Short replies can arrive only on the result event, with no assistant
	// text streamed at all.
	if !norm.SawText() && result != nil && result.ResultText != "" {
		ev := StreamEvent{Kind: EventTextDelta, ConversationID: req.ConversationID, Content: result.ResultText}
		collector.observe(ev)
		o.sink.Emit(ctx, ev)
	}

	o.persistSegments(req.ConversationID, collector.finish())

	sessionID := norm.SessionID()
	if sessionID != "" {
		if err := o.store.SetResumeToken(req.ConversationID, sessionID); err != nil {
			o.log.Error(logging.CategoryStorage, "resume_token_store_failed", err.Error(), map[string]any{"conversation_id": req.ConversationID})
		}
	}

	o.sink.Emit(ctx, StreamEvent{
		Kind:           EventMessageComplete,
		ConversationID: req.ConversationID,
		SessionID:      sessionID,
		GitBranch:      gitinfo.CurrentBranch(o.effectiveDir(req)),
	})
	return outcomeComplete, false
}

func (o *Orchestrator) effectiveDir(req TurnRequest) string {
	if req.WorkingDir != "" {
		return req.WorkingDir
	}
	return o.cfg.ProjectsRoot
}

func (o *Orchestrator) persistSegments(conversationID string, segments []*storage.Turn) {
	for _, seg := range segments {
		seg.ConversationID = conversationID
		if _, err := o.store.AppendAssistantSegment(seg); err != nil {
			o.log.Error(logging.CategoryStorage, "segment_store_failed", err.Error(), map[string]any{"conversation_id": conversationID})
			return
		}
	}
}

func (o *Orchestrator) emitError(ctx context.Context, conversationID, msg string) {
	o.sink.Emit(ctx, StreamEvent{Kind: EventError, ConversationID: conversationID, Message: msg})
}

// spawnTitleTask generates a conversation title in the background, outside
// the turn lock. Failures are silent: a conversation keeps its default name.
func (o *Orchestrator) spawnTitleTask(conversationID string) {
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.TitleTimeout)
		defer cancel()

		token, err := o.store.GetResumeToken(conversationID)
		if err != nil || token == "" {
			return
		}
		conv, err := o.store.GetConversation(conversationID)
		if err != nil {
			return
		}

		proc, err := o.launcher.Launch(ctx, TurnRequest{
			ConversationID: conversationID,
			TurnID:         ulid.Make().String(),
			Prompt:         titlePrompt,
			ResumeToken:    token,
			WorkingDir:     conv.WorkingDir,
			MaxTurns:       1,
			DisableTools:   true,
		})
		if err != nil {
			o.log.Debug(logging.CategoryTitle, "launch_failed", err.Error(), map[string]any{"conversation_id": conversationID})
			return
		}

		norm := NewNormalizer(conversationID, conv.WorkingDir, nil, o.log)
		var text strings.Builder
		for line := range proc.Lines() {
			for _, ev := range norm.Feed(line) {
				if ev.Kind == EventTextDelta {
					text.WriteString(ev.Content)
				}
			}
		}
		if err := proc.Wait(); err != nil {
			return
		}

		reply := text.String()
		if reply == "" {
			if result := norm.Result(); result != nil && !result.IsError {
				reply = result.ResultText
			}
		}
		title := sanitizeTitle(reply)
		if title == "" {
			return
		}
		if err := o.store.RenameConversation(conversationID, title); err != nil {
			return
		}
		o.sink.Emit(context.Background(), StreamEvent{
			Kind:           EventConversationRenamed,
			ConversationID: conversationID,
			Name:           title,
		})
	}()
}

// sanitizeTitle trims quotes and length from model-produced titles.
func sanitizeTitle(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = strings.TrimSpace(s[:idx])
	}
	if len(s) > 60 {
		s = strings.TrimSpace(s[:60])
	}
	return s
}

// segmentCollector turns the normalized event stream back into history
// segments: text stretches split at each tool invocation, tool segments in
// between, screenshot paths attached to the tool that produced them.
type segmentCollector struct {
	text     strings.Builder
	segments []*storage.Turn
	pending  []string // image paths with no tool segment to attach to
}

func newSegmentCollector() *segmentCollector {
	return &segmentCollector{}
}

func (c *segmentCollector) observe(ev StreamEvent) {
	switch ev.Kind {
	case EventTextDelta:
		c.text.WriteString(ev.Content)
	case EventToolStart:
		c.flushText()
		c.segments = append(c.segments, &storage.Turn{
			ToolName:         ev.Tool,
			ToolInputSummary: ev.InputSummary,
		})
	case EventImage:
		if len(c.segments) > 0 && c.segments[len(c.segments)-1].ToolName != "" {
			last := c.segments[len(c.segments)-1]
			last.ImagePaths = append(last.ImagePaths, ev.Path)
		} else {
			c.pending = append(c.pending, ev.Path)
		}
	}
}

func (c *segmentCollector) flushText() {
	if c.text.Len() == 0 {
		return
	}
	c.segments = append(c.segments, &storage.Turn{Content: c.text.String()})
	c.text.Reset()
}

// finish flushes the trailing text stretch and returns the ordered segments.
func (c *segmentCollector) finish() []*storage.Turn {
	c.flushText()
	if len(c.pending) > 0 {
		if len(c.segments) == 0 {
			c.segments = append(c.segments, &storage.Turn{})
		}
		last := c.segments[len(c.segments)-1]
		last.ImagePaths = append(last.ImagePaths, c.pending...)
		c.pending = nil
	}
	return c.segments
}
