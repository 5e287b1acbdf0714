package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/connhq/connd/pkg/gitinfo"
	"github.com/connhq/connd/pkg/storage"
)

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
	})
}

// conversationView is a conversation plus derived fields for listings.
type conversationView struct {
	*storage.Conversation
	GitBranch string `json:"gitBranch,omitempty"`
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.store.ListConversations()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	// Branch lookups hit the filesystem; conversations sharing a working
	// directory share one lookup per request.
	branches := make(map[string]string)
	views := make([]conversationView, 0, len(convs))
	for _, conv := range convs {
		branch, ok := branches[conv.WorkingDir]
		if !ok && conv.WorkingDir != "" {
			branch = gitinfo.CurrentBranch(conv.WorkingDir)
			branches[conv.WorkingDir] = branch
		}
		views = append(views, conversationView{Conversation: conv, GitBranch: branch})
	}
	respondJSON(w, http.StatusOK, map[string]any{"conversations": views})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteConversation(id); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			respondError(w, http.StatusNotFound, err)
		case errors.Is(err, storage.ErrInvalidID):
			respondError(w, http.StatusBadRequest, err)
		default:
			respondError(w, http.StatusInternalServerError, err)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConversationHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetConversation(id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	turns, err := s.store.GetHistory(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"history": turns})
}

func (s *Server) handleActiveConversations(w http.ResponseWriter, r *http.Request) {
	ids := s.registry.Active()
	if ids == nil {
		ids = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"active": ids})
}
