package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/agentbox/agentbox/internal/chat"
	"github.com/agentbox/agentbox/internal/sbx"
)

// Server wires the orchestration and chat layers into the HTTP surface.
// Auth is an injected middleware; when nil the API is open, which is only
// meant for local development and tests.
type Server struct {
	Sandboxes *sbx.Manager
	Chat      chat.Store
	Sync      *chat.Engine
	Auth      func(http.Handler) http.Handler
}

func New(sandboxes *sbx.Manager, store chat.Store, sync *chat.Engine) *Server {
	return &Server{
		Sandboxes: sandboxes,
		Chat:      store,
		Sync:      sync,
	}
}

type ctxKey int

const userIDKey ctxKey = iota

// WithUserID stores the authenticated caller on the context. Auth
// middlewares call this; handlers read it back via userID.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health endpoint (no auth required, for probes)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Group(func(r chi.Router) {
		if s.Auth != nil {
			r.Use(s.Auth)
		}

		r.Get("/api/info", s.handleInfo)

		r.Post("/api/sandboxes", s.handleCreateSandbox)
		r.Get("/api/sandboxes", s.handleListSandboxes)
		r.Get("/api/sandboxes/{id}", s.handleGetSandbox)
		r.Delete("/api/sandboxes/{id}", s.handleDeleteSandbox)
		r.Post("/api/sandboxes/{id}/start", s.handleStartSandbox)
		r.Post("/api/sandboxes/{id}/stop", s.handleStopSandbox)
		r.Post("/api/sandboxes/{id}/restart", s.handleRestartSandbox)
		r.Post("/api/sandboxes/{id}/pause", s.handlePauseSandbox)
		r.Post("/api/sandboxes/{id}/unpause", s.handleUnpauseSandbox)
		r.Get("/api/sandboxes/{id}/stats", s.handleSandboxStats)
		r.Get("/api/sandboxes/{id}/logs", s.handleSandboxLogs)
		r.Get("/api/sandboxes/{id}/logs/stream", s.handleSandboxLogStream)
		r.Post("/api/sandboxes/{id}/exec", s.handleSandboxExec)

		r.Get("/api/sandboxes/{id}/chat/sessions", s.handleListChatSessions)
		r.Post("/api/sandboxes/{id}/chat/sessions", s.handleCreateChatSession)
		r.Get("/api/sandboxes/{id}/chat/sessions/{sid}", s.handleGetChatSession)
		r.Delete("/api/sandboxes/{id}/chat/sessions/{sid}", s.handleArchiveChatSession)
		r.Get("/api/sandboxes/{id}/chat/sessions/{sid}/messages", s.handleListChatMessages)
		r.Get("/api/sandboxes/{id}/chat/sync/status", s.handleSyncStatus)
		r.Post("/api/sandboxes/{id}/chat/sync", s.handleSyncAll)
		r.Post("/api/sandboxes/{id}/chat/sessions/{sid}/sync", s.handleSyncSession)
	})

	return r
}

// ownedSandbox loads the sandbox and enforces caller ownership. A sandbox
// owned by someone else is reported as absent, not forbidden.
func (s *Server) ownedSandbox(r *http.Request, id string) (*sbx.Record, error) {
	rec, err := s.Sandboxes.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if uid := userID(r); uid != "" && rec.UserID != uid {
		return nil, sbx.ErrNotFound
	}
	return rec, nil
}
