// Package server exposes the chat orchestrator over HTTP: the SSE chat
// stream, the thin conversation API, and the operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hwk-1212/kk-ai-nl2sql/pkg/config"
	"github.com/hwk-1212/kk-ai-nl2sql/pkg/orchestrator"
	"github.com/hwk-1212/kk-ai-nl2sql/pkg/store"
)

type Server struct {
	cfg    config.ServerConfig
	store  *store.Store
	orch   *orchestrator.Orchestrator
	logger *slog.Logger

	httpServer *http.Server
}

func New(cfg config.ServerConfig, st *store.Store, orch *orchestrator.Orchestrator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		store:  st,
		orch:   orch,
		logger: logger,
	}
	s.httpServer = &http.Server{
		Addr:    cfg.Address(),
		Handler: s.Router(),
		// No WriteTimeout: chat streams stay open for the whole turn.
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the full route tree. Exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/chat/stream", s.handleChatStream)
		r.Get("/conversations", s.handleListConversations)
		r.Get("/conversations/{id}/messages", s.handleListMessages)
		r.Delete("/conversations/{id}", s.handleDeleteConversation)
	})

	return r
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the {"detail": ...} error body clients expect.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"detail": message})
}
