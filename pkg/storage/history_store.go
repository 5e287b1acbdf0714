package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one persisted history entry. Assistant output is stored as a
// sequence of segments: plain text stretches interleaved with tool_use
// entries, preserving the order tools were invoked in.
type Turn struct {
	ID               int64     `json:"id"`
	ConversationID   string    `json:"conversationId"`
	Role             string    `json:"role"`
	Content          string    `json:"content,omitempty"`
	ToolName         string    `json:"toolName,omitempty"`
	ToolInputSummary string    `json:"toolInputSummary,omitempty"`
	ImagePaths       []string  `json:"imagePaths,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// AppendUserTurn persists an inbound user message. This happens before the
// conversation lock is taken so input survives even when the turn never runs.
func (s *Store) AppendUserTurn(conversationID, content string, imagePaths []string) (int64, error) {
	return s.appendTurn(&Turn{
		ConversationID: conversationID,
		Role:           RoleUser,
		Content:        content,
		ImagePaths:     imagePaths,
	})
}

// AppendAssistantSegment persists one assistant segment (text or tool use).
func (s *Store) AppendAssistantSegment(turn *Turn) (int64, error) {
	turn.Role = RoleAssistant
	return s.appendTurn(turn)
}

func (s *Store) appendTurn(turn *Turn) (int64, error) {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	paths, err := json.Marshal(turn.ImagePaths)
	if err != nil {
		return 0, fmt.Errorf("marshal image paths: %w", err)
	}

	res, err := s.execRetry(`
		INSERT INTO history (conversation_id, role, content, tool_name, tool_input_summary, image_paths, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, turn.ConversationID, turn.Role, turn.Content, turn.ToolName, turn.ToolInputSummary, string(paths), turn.CreatedAt)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	turn.ID = id

	if err := s.TouchConversation(turn.ConversationID, turn.CreatedAt); err != nil {
		return id, err
	}

	clone := *turn
	s.notify(newEvent(EventTurnAppended, turn.ConversationID, id, clone))
	return id, nil
}

// GetHistory returns the full ordered history for a conversation.
func (s *Store) GetHistory(conversationID string) ([]*Turn, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, role, content, tool_name, tool_input_summary, image_paths, created_at
		FROM history WHERE conversation_id = ? ORDER BY id
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []*Turn
	for rows.Next() {
		var t Turn
		var paths string
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.Role, &t.Content, &t.ToolName, &t.ToolInputSummary, &paths, &t.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(paths), &t.ImagePaths); err != nil {
			return nil, fmt.Errorf("unmarshal image paths: %w", err)
		}
		turns = append(turns, &t)
	}
	return turns, rows.Err()
}

// CountTurns returns the number of history rows for a conversation.
// Title generation only fires after a conversation's first exchange.
func (s *Store) CountTurns(conversationID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM history WHERE conversation_id = ?`, conversationID).Scan(&n)
	return n, err
}
