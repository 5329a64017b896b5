package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentbox/agentbox/internal/backend"
	"github.com/agentbox/agentbox/internal/sbx"
)

func (s *Server) handleCreateSandbox(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string            `json:"name"`
		Image     string            `json:"image"`
		Env       []string          `json:"env"`
		Labels    map[string]string `json:"labels"`
		AgentPort int               `json:"agentPort"`
		Memory    int64             `json:"memory"`
		NanoCPUs  int64             `json:"nanoCpus"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.Image == "" {
		badRequest(w, "image is required")
		return
	}

	rec, err := s.Sandboxes.Create(r.Context(), sbx.CreateOptions{
		UserID:    userID(r),
		Name:      req.Name,
		Image:     req.Image,
		Env:       req.Env,
		Labels:    req.Labels,
		AgentPort: req.AgentPort,
		Memory:    req.Memory,
		NanoCPUs:  req.NanoCPUs,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(rec)
}

func (s *Server) handleListSandboxes(w http.ResponseWriter, r *http.Request) {
	filter := sbx.Filter{Name: r.URL.Query().Get("name")}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, sbx.Status(st))
		}
	}
	for _, kv := range r.URL.Query()["label"] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			badRequest(w, "label filter must be key=value")
			return
		}
		if filter.Labels == nil {
			filter.Labels = map[string]string{}
		}
		filter.Labels[k] = v
	}
	if raw := r.URL.Query().Get("createdAfter"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(w, "createdAfter must be an RFC 3339 timestamp")
			return
		}
		filter.CreatedAfter = ts
	}
	if raw := r.URL.Query().Get("createdBefore"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(w, "createdBefore must be an RFC 3339 timestamp")
			return
		}
		filter.CreatedBefore = ts
	}

	recs, err := s.Sandboxes.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if uid := userID(r); uid != "" {
		owned := recs[:0]
		for _, rec := range recs {
			if rec.UserID == uid {
				owned = append(owned, rec)
			}
		}
		recs = owned
	}
	if recs == nil {
		recs = []*sbx.Record{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recs)
}

func (s *Server) handleGetSandbox(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ownedSandbox(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

func (s *Server) handleDeleteSandbox(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.ownedSandbox(r, id); err != nil {
		writeError(w, err)
		return
	}
	removeVolumes := r.URL.Query().Get("volumes") == "true"
	if err := s.Sandboxes.Delete(r.Context(), id, removeVolumes); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, op func(id string) error, result string) {
	id := chi.URLParam(r, "id")
	if _, err := s.ownedSandbox(r, id); err != nil {
		writeError(w, err)
		return
	}
	if err := op(id); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": result})
}

func (s *Server) handleStartSandbox(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(id string) error {
		return s.Sandboxes.Start(r.Context(), id)
	}, string(sbx.StatusRunning))
}

func (s *Server) handleStopSandbox(w http.ResponseWriter, r *http.Request) {
	timeout := stopTimeout(r)
	s.lifecycle(w, r, func(id string) error {
		return s.Sandboxes.Stop(r.Context(), id, timeout)
	}, string(sbx.StatusStopped))
}

func (s *Server) handleRestartSandbox(w http.ResponseWriter, r *http.Request) {
	timeout := stopTimeout(r)
	s.lifecycle(w, r, func(id string) error {
		return s.Sandboxes.Restart(r.Context(), id, timeout)
	}, string(sbx.StatusRunning))
}

func (s *Server) handlePauseSandbox(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(id string) error {
		return s.Sandboxes.Pause(r.Context(), id)
	}, string(sbx.StatusPaused))
}

func (s *Server) handleUnpauseSandbox(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(id string) error {
		return s.Sandboxes.Unpause(r.Context(), id)
	}, string(sbx.StatusRunning))
}

func (s *Server) handleSandboxStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.ownedSandbox(r, id); err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.Sandboxes.Stats(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

func (s *Server) handleSandboxExec(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Command        []string `json:"command"`
		WorkDir        string   `json:"workDir"`
		Env            []string `json:"env"`
		Stdin          string   `json:"stdin"`
		TimeoutSeconds int      `json:"timeoutSeconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if len(req.Command) == 0 {
		badRequest(w, "command is required")
		return
	}

	if _, err := s.ownedSandbox(r, id); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.Sandboxes.Exec(r.Context(), id, req.Command, backend.ExecOptions{
		WorkDir: req.WorkDir,
		Env:     req.Env,
		Stdin:   req.Stdin,
		Timeout: time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func stopTimeout(r *http.Request) time.Duration {
	secs, err := strconv.Atoi(r.URL.Query().Get("timeout"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
