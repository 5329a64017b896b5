package server

import (
	"errors"
	"log"
	"net/http"

	"github.com/agentbox/agentbox/internal/backend"
	"github.com/agentbox/agentbox/internal/chat"
	"github.com/agentbox/agentbox/internal/runtime"
	"github.com/agentbox/agentbox/internal/sbx"
)

// writeError translates domain sentinels into HTTP statuses. Anything
// unclassified is a 500; backend and runtime outages are 502 so callers know
// to retry.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sbx.ErrNotFound),
		errors.Is(err, backend.ErrSandboxNotFound),
		errors.Is(err, chat.ErrSessionNotFound),
		errors.Is(err, runtime.ErrSessionNotFound),
		errors.Is(err, runtime.ErrMessageNotFound),
		errors.Is(err, backend.ErrImageNotFound),
		errors.Is(err, backend.ErrNetworkNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, sbx.ErrNotRunning):
		http.Error(w, err.Error()+" (sandbox must be running)", http.StatusBadRequest)
	case errors.Is(err, backend.ErrNotProvisionable):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, backend.ErrUnavailable),
		errors.Is(err, runtime.ErrUnavailable):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		log.Printf("internal error: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	http.Error(w, msg, http.StatusBadRequest)
}
