package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Conversation is one persistent exchange with the agent. The resume token
// is the agent-side session identifier used to continue where the last turn
// left off; it is opaque to us and may go stale.
type Conversation struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	ResumeToken   string    `json:"-"`
	WorkingDir    string    `json:"workingDir,omitempty"`
	AllowedTools  []string  `json:"allowedTools,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	LastMessageAt time.Time `json:"lastMessageAt"`
}

// CreateConversation inserts a conversation. It is idempotent: creating an
// id that already exists returns the stored row untouched.
func (s *Store) CreateConversation(conv *Conversation) error {
	if !ValidConversationID(conv.ID) {
		return ErrInvalidID
	}

	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.LastMessageAt.IsZero() {
		conv.LastMessageAt = conv.CreatedAt
	}

	tools, err := json.Marshal(conv.AllowedTools)
	if err != nil {
		return fmt.Errorf("marshal allowed tools: %w", err)
	}

	res, err := s.execRetry(`
		INSERT INTO conversations (conversation_id, name, resume_token, working_dir, allowed_tools, created_at, last_message_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO NOTHING
	`, conv.ID, conv.Name, conv.ResumeToken, conv.WorkingDir, string(tools), conv.CreatedAt, conv.LastMessageAt)
	if err != nil {
		return err
	}

	if n, _ := res.RowsAffected(); n > 0 {
		clone := *conv
		s.notify(newEvent(EventConversationCreated, conv.ID, conv.ID, clone))
	}
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *Store) GetConversation(id string) (*Conversation, error) {
	var conv Conversation
	var tools string
	err := s.db.QueryRow(`
		SELECT conversation_id, name, resume_token, working_dir, allowed_tools, created_at, last_message_at
		FROM conversations WHERE conversation_id = ?
	`, id).Scan(&conv.ID, &conv.Name, &conv.ResumeToken, &conv.WorkingDir, &tools, &conv.CreatedAt, &conv.LastMessageAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tools), &conv.AllowedTools); err != nil {
		return nil, fmt.Errorf("unmarshal allowed tools: %w", err)
	}
	return &conv, nil
}

// ListConversations returns all conversations, most recently active first.
func (s *Store) ListConversations() ([]*Conversation, error) {
	rows, err := s.db.Query(`
		SELECT conversation_id, name, resume_token, working_dir, allowed_tools, created_at, last_message_at
		FROM conversations ORDER BY last_message_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		var conv Conversation
		var tools string
		if err := rows.Scan(&conv.ID, &conv.Name, &conv.ResumeToken, &conv.WorkingDir, &tools, &conv.CreatedAt, &conv.LastMessageAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tools), &conv.AllowedTools); err != nil {
			return nil, fmt.Errorf("unmarshal allowed tools: %w", err)
		}
		convs = append(convs, &conv)
	}
	return convs, rows.Err()
}

// RenameConversation sets the display name.
func (s *Store) RenameConversation(id, name string) error {
	res, err := s.execRetry(`UPDATE conversations SET name = ? WHERE conversation_id = ?`, name, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.notify(newEvent(EventConversationRenamed, id, id, name))
	return nil
}

// DeleteConversation removes a conversation and its history.
func (s *Store) DeleteConversation(id string) error {
	res, err := s.execRetry(`DELETE FROM conversations WHERE conversation_id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.notify(newEvent(EventConversationDeleted, id, id, nil))
	return nil
}

// UpdateAllowedTools replaces the per-conversation tool allow-list.
func (s *Store) UpdateAllowedTools(id string, tools []string) error {
	data, err := json.Marshal(tools)
	if err != nil {
		return fmt.Errorf("marshal allowed tools: %w", err)
	}
	res, err := s.execRetry(`UPDATE conversations SET allowed_tools = ? WHERE conversation_id = ?`, string(data), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.notify(newEvent(EventConversationUpdated, id, id, tools))
	return nil
}

// GetResumeToken returns the stored agent session token, empty when none.
func (s *Store) GetResumeToken(id string) (string, error) {
	var token string
	err := s.db.QueryRow(`SELECT resume_token FROM conversations WHERE conversation_id = ?`, id).Scan(&token)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(token), nil
}

// SetResumeToken stores the agent session token reported by a completed turn.
func (s *Store) SetResumeToken(id, token string) error {
	res, err := s.execRetry(`UPDATE conversations SET resume_token = ? WHERE conversation_id = ?`, token, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearResumeToken drops a stale token so the next turn starts fresh.
func (s *Store) ClearResumeToken(id string) error {
	return s.SetResumeToken(id, "")
}

// TouchConversation bumps last_message_at.
func (s *Store) TouchConversation(id string, at time.Time) error {
	_, err := s.execRetry(`UPDATE conversations SET last_message_at = ? WHERE conversation_id = ?`, at.UTC(), id)
	return err
}
