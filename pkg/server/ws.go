package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/connhq/connd/pkg/logging"
	"github.com/connhq/connd/pkg/storage"
)

// wsReadLimit bounds inbound frames. Clients only send control messages
// and prompts; anything larger is hostile or broken.
const wsReadLimit = 512 * 1024

// authDeadline is how long a fresh connection gets to present its token.
const authDeadline = 10 * time.Second

// inboundFrame is the envelope for every client-to-server message.
type inboundFrame struct {
	Type           string   `json:"type"`
	Token          string   `json:"token,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Name           string   `json:"name,omitempty"`
	Text           string   `json:"text,omitempty"`
	SessionID      string   `json:"session_id,omitempty"`
	ImagePaths     []string `json:"image_paths,omitempty"`
	WorkingDir     string   `json:"working_dir,omitempty"`
	AllowedTools   []string `json:"allowed_tools,omitempty"`
}

func marshalFrame(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}

func (s *Server) handleWSChat(w http.ResponseWriter, r *http.Request) {
	if !s.isWebSocketOriginAllowed(r) {
		respondError(w, http.StatusForbidden, errors.New("origin not allowed"))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin verified above
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(wsReadLimit)

	// The socket outlives the HTTP request, and running turns outlive the
	// socket. Turn submission uses the server's lifetime context.
	ctx, cancel := context.WithCancel(s.lifetime())
	defer cancel()

	if !s.awaitAuth(ctx, conn) {
		_ = conn.Close(websocket.StatusPolicyViolation, "authentication required")
		return
	}

	client := s.hub.register(conn, nil)
	defer s.hub.remove(client)

	client.sendLocal(marshalFrame(map[string]string{"type": "auth_ok"}))
	s.log.Info(logging.CategoryNetwork, "ws_connected", "", map[string]any{"remote": r.RemoteAddr})

	go s.pingLoop(ctx, client)

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		_ = client.writeLoop(ctx)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	s.readLoop(ctx, conn, client)
	cancel()
	<-writeDone
	s.log.Info(logging.CategoryNetwork, "ws_disconnected", "", map[string]any{"remote": r.RemoteAddr})
}

// awaitAuth reads the first frame and validates the token. With no token
// configured the frame is still required, but any token passes.
func (s *Server) awaitAuth(ctx context.Context, conn wsConn) bool {
	authCtx, cancel := context.WithTimeout(ctx, authDeadline)
	defer cancel()

	_, data, err := conn.Read(authCtx)
	if err != nil {
		return false
	}
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil || f.Type != "auth" {
		return false
	}
	if s.cfg.AuthToken == "" {
		return true
	}
	return tokenMatches(f.Token, s.cfg.AuthToken)
}

// pingLoop sends application-level pings so mobile clients can detect a
// dead link; pongs are read and discarded by the read loop.
func (s *Server) pingLoop(ctx context.Context, client *wsClient) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			client.sendLocal(marshalFrame(map[string]string{"type": "ping"}))
		}
	}
}

// readLoop processes inbound frames until the connection drops.
func (s *Server) readLoop(ctx context.Context, conn wsConn, client *wsClient) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var f inboundFrame
		if err := json.Unmarshal(data, &f); err != nil {
			client.sendLocal(marshalFrame(map[string]string{"type": "error", "detail": "malformed frame"}))
			continue
		}
		s.dispatch(ctx, client, f)
	}
}

// dispatch routes one inbound frame. Messages run as independent
// goroutines: a long turn on one conversation must never block a cancel
// for another.
func (s *Server) dispatch(ctx context.Context, client *wsClient, f inboundFrame) {
	switch f.Type {
	case "message":
		if f.Text == "" && len(f.ImagePaths) == 0 {
			client.sendLocal(marshalFrame(map[string]string{"type": "error", "detail": "empty message"}))
			return
		}
		go s.submitMessage(f)

	case "new_conversation":
		s.handleNewConversation(client, f)

	case "update_permissions":
		if err := s.store.UpdateAllowedTools(f.ConversationID, f.AllowedTools); err != nil {
			client.sendLocal(marshalFrame(map[string]string{
				"type":            "error",
				"conversation_id": f.ConversationID,
				"detail":          "failed to update permissions",
			}))
			return
		}
		client.sendLocal(marshalFrame(map[string]any{
			"type":            "permissions_updated",
			"conversation_id": f.ConversationID,
			"allowed_tools":   f.AllowedTools,
		}))

	case "cancel":
		if !s.registry.Cancel(f.ConversationID) {
			// A turn that never existed gets no terminal event.
			client.sendLocal(marshalFrame(map[string]string{
				"type":            "error",
				"conversation_id": f.ConversationID,
				"detail":          "no active process for this conversation",
			}))
		}

	case "pong":
		// Keep-alive acknowledgement; nothing to do.

	default:
		client.sendLocal(marshalFrame(map[string]string{"type": "error", "detail": "unknown frame type"}))
	}
}

// submitMessage runs one turn under the server lifetime context. A client
// may name the agent session to resume; it replaces the stored token
// before the turn starts.
func (s *Server) submitMessage(f inboundFrame) {
	if f.SessionID != "" && storage.ValidConversationID(f.ConversationID) {
		if err := s.store.CreateConversation(&storage.Conversation{ID: f.ConversationID}); err == nil {
			if err := s.store.SetResumeToken(f.ConversationID, f.SessionID); err != nil {
				s.log.Error(logging.CategoryStorage, "session_override_failed", err.Error(), map[string]any{
					"conversation_id": f.ConversationID,
				})
			}
		}
	}
	s.orch.Submit(s.lifetime(), f.ConversationID, f.Text, f.ImagePaths)
}

func (s *Server) handleNewConversation(client *wsClient, f inboundFrame) {
	id := f.ConversationID
	if id == "" {
		id = uuid.NewString()
	}
	if !storage.ValidConversationID(id) {
		client.sendLocal(marshalFrame(map[string]string{"type": "error", "detail": "invalid conversation id"}))
		return
	}
	name := f.Name
	if name == "" {
		name = "New conversation"
	}
	conv := &storage.Conversation{
		ID:           id,
		Name:         name,
		WorkingDir:   f.WorkingDir,
		AllowedTools: f.AllowedTools,
	}
	if err := s.store.CreateConversation(conv); err != nil {
		client.sendLocal(marshalFrame(map[string]string{"type": "error", "detail": "failed to create conversation"}))
		return
	}
	client.sendLocal(marshalFrame(map[string]any{
		"type":            "conversation_created",
		"conversation_id": conv.ID,
		"name":            conv.Name,
	}))
}
