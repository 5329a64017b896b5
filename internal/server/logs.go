package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"

	"github.com/agentbox/agentbox/internal/backend"
)

func (s *Server) handleSandboxLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.ownedSandbox(r, id); err != nil {
		writeError(w, err)
		return
	}

	tail := 0
	if raw := r.URL.Query().Get("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(w, "tail must be a non-negative integer")
			return
		}
		tail = n
	}

	lines, err := s.Sandboxes.Logs(r.Context(), id, backend.LogOptions{Tail: tail})
	if err != nil {
		writeError(w, err)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]string{"lines": lines})
}

// handleSandboxLogStream upgrades to a WebSocket and relays log lines until
// the container stops logging or the client goes away.
func (s *Server) handleSandboxLogStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.ownedSandbox(r, id); err != nil {
		writeError(w, err)
		return
	}

	stream, err := s.Sandboxes.StreamLogs(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	defer stream.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("log stream websocket accept error: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream ended")

	ctx := r.Context()
	for line := range stream.Lines() {
		if err := conn.Write(ctx, websocket.MessageText, []byte(line)); err != nil {
			return
		}
	}
}
