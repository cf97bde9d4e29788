package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/hwk-1212/kk-ai-nl2sql/pkg/orchestrator"
	"github.com/hwk-1212/kk-ai-nl2sql/pkg/quota"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	ConversationID  string        `json:"conversation_id"`
	Model           string        `json:"model"`
	Messages        []chatMessage `json:"messages"`
	ThinkingEnabled bool          `json:"thinking_enabled"`
	KBIDs           []string      `json:"kb_ids"`
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)

	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var content string
	if len(body.Messages) > 0 {
		content = body.Messages[0].Content
	}

	turn, err := s.orch.Prepare(r.Context(), user, orchestrator.Request{
		ConversationID:  body.ConversationID,
		Model:           body.Model,
		Content:         content,
		ThinkingEnabled: body.ThinkingEnabled,
		KBIDs:           body.KBIDs,
	})
	if err != nil {
		s.writePrepareError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	turn.Run(r.Context(), func(ev orchestrator.Event) error {
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
}

func (s *Server) writePrepareError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrEmptyMessage),
		errors.Is(err, orchestrator.ErrInvalidConversation),
		errors.Is(err, orchestrator.ErrUnknownModel),
		errors.Is(err, orchestrator.ErrModelNotAllowed):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrator.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, quota.ErrQuotaExceeded):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		s.logger.Error("chat turn preparation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
