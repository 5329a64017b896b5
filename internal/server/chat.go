package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agentbox/agentbox/internal/chat"
)

func (s *Server) handleListChatSessions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.ownedSandbox(r, id); err != nil {
		writeError(w, err)
		return
	}

	opts := chat.ListSessionOptions{}
	switch status := r.URL.Query().Get("status"); status {
	case "":
	case string(chat.SessionActive), string(chat.SessionArchived):
		opts.Status = chat.SessionStatus(status)
	default:
		badRequest(w, "status must be active or archived")
		return
	}
	var ok bool
	if opts.Limit, opts.Offset, ok = pageParams(w, r); !ok {
		return
	}

	page, err := s.Chat.ListSessions(id, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(page)
}

func (s *Server) handleCreateChatSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	if _, err := s.ownedSandbox(r, id); err != nil {
		writeError(w, err)
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	now := time.Now()
	sess, err := s.Chat.CreateSession(chat.Session{
		ID:        req.ID,
		SandboxID: id,
		UserID:    userID(r),
		Source:    "api",
		Title:     req.Title,
		Status:    chat.SessionActive,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(sess)
}

func (s *Server) handleGetChatSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.ownedSandbox(r, id); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.Chat.GetSession(id, chi.URLParam(r, "sid"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sess)
}

func (s *Server) handleArchiveChatSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.ownedSandbox(r, id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Chat.ArchiveSession(id, chi.URLParam(r, "sid")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListChatMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.ownedSandbox(r, id); err != nil {
		writeError(w, err)
		return
	}

	opts := chat.ListMessageOptions{}
	switch order := r.URL.Query().Get("order"); order {
	case "":
		opts.Order = chat.OrderAsc
	case string(chat.OrderAsc), string(chat.OrderDesc):
		opts.Order = chat.Order(order)
	default:
		badRequest(w, "order must be asc or desc")
		return
	}
	var ok bool
	if opts.Limit, opts.Offset, ok = pageParams(w, r); !ok {
		return
	}

	page, err := s.Chat.ListMessages(id, chi.URLParam(r, "sid"), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(page)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.ownedSandbox(r, id); err != nil {
		writeError(w, err)
		return
	}
	status, err := s.Sync.GetSyncStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.ownedSandbox(r, id); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.Sync.SyncAll(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (s *Server) handleSyncSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.ownedSandbox(r, id); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.Sync.SyncSession(r.Context(), id, chi.URLParam(r, "sid"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// defaultPageLimit applies when a listing request carries no limit param.
const defaultPageLimit = 20

func pageParams(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	var err error
	limit = defaultPageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			badRequest(w, "limit must be a non-negative integer")
			return 0, 0, false
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if offset, err = strconv.Atoi(raw); err != nil || offset < 0 {
			badRequest(w, "offset must be a non-negative integer")
			return 0, 0, false
		}
	}
	return limit, offset, true
}
