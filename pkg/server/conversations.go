package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hwk-1212/kk-ai-nl2sql/pkg/llms"
	"github.com/hwk-1212/kk-ai-nl2sql/pkg/store"
)

type conversationResponse struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type messageResponse struct {
	ID               string                 `json:"id"`
	Role             string                 `json:"role"`
	Content          string                 `json:"content"`
	ReasoningContent string                 `json:"reasoning_content,omitempty"`
	Usage            *llms.Usage            `json:"usage,omitempty"`
	Metadata         *store.MessageMetadata `json:"metadata,omitempty"`
	Seq              int64                  `json:"seq"`
	CreatedAt        time.Time              `json:"created_at"`
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)

	conversations, err := s.store.ListConversations(r.Context(), user.ID)
	if err != nil {
		s.logger.Error("failed to list conversations", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]conversationResponse, 0, len(conversations))
	for _, c := range conversations {
		out = append(out, conversationResponse{
			ID:        c.ID,
			Title:     c.Title,
			Model:     c.Model,
			CreatedAt: c.CreatedAt,
			UpdatedAt: c.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	id := chi.URLParam(r, "id")

	conversation, err := s.store.GetConversation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && conversation.UserID != user.ID) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load conversation", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	messages, err := s.store.ListMessages(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to list messages", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]messageResponse, 0, len(messages))
	for _, m := range messages {
		out = append(out, messageResponse{
			ID:               m.ID,
			Role:             m.Role,
			Content:          m.Content,
			ReasoningContent: m.ReasoningContent,
			Usage:            m.Usage,
			Metadata:         m.Metadata,
			Seq:              m.Seq,
			CreatedAt:        m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	id := chi.URLParam(r, "id")

	err := s.store.DeleteConversation(r.Context(), id, user.ID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to delete conversation", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
