// Package runtime is the client for the coding-agent API served from inside
// a running sandbox. The agent exposes plain REST plus an SSE event feed; this
// package wraps it behind an interface so the sync engine can be tested
// against a fake.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors reported by runtime clients.
var (
	ErrSessionNotFound = errors.New("agent session not found")
	ErrMessageNotFound = errors.New("agent message not found")
	ErrUnavailable     = errors.New("agent runtime unavailable")
)

// Session is a conversation thread inside the agent runtime.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is a single chat message. Content is carried verbatim, including
// any markup or control characters the agent produced.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// FileNode is one entry of the sandbox workspace tree.
type FileNode struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Type    string `json:"type"` // "file" or "directory"
	Ignored bool   `json:"ignored"`
}

// Model identifies one model offered by a provider.
type Model struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Provider is a model provider known to the agent runtime.
type Provider struct {
	ID     string           `json:"id"`
	Name   string           `json:"name"`
	Models map[string]Model `json:"models"`
}

// Event is one entry of the runtime's event feed.
type Event struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// EventStream is a cancellable sequence of runtime events. Events is closed
// when the stream ends; Close releases the underlying connection.
type EventStream interface {
	Events() <-chan Event
	Close() error
}

// Client is the per-sandbox agent runtime API.
type Client interface {
	Health(ctx context.Context) error

	ListSessions(ctx context.Context) ([]Session, error)
	CreateSession(ctx context.Context, title string) (*Session, error)
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
	AbortSession(ctx context.Context, sessionID string) error

	ListMessages(ctx context.Context, sessionID string) ([]Message, error)
	SendMessage(ctx context.Context, sessionID, text string) (*Message, error)
	GetMessage(ctx context.Context, sessionID, messageID string) (*Message, error)

	ListFiles(ctx context.Context, path string) ([]FileNode, error)
	ReadFile(ctx context.Context, path string) (string, error)

	ListProviders(ctx context.Context) ([]Provider, error)
	RespondPermission(ctx context.Context, permissionID string, granted bool) error

	Subscribe(ctx context.Context) (EventStream, error)
}
