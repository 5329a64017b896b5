// Package chat holds the durable chat history for sandboxes and the engine
// that mirrors the agent runtime's sessions into it.
package chat

import (
	"errors"
	"time"
)

// ErrSessionNotFound covers both a truly absent session and a session owned
// by a different sandbox; callers cannot tell the two apart.
var ErrSessionNotFound = errors.New("chat session not found")

// SessionStatus is the archive state of a session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionArchived SessionStatus = "archived"
)

// Session is one conversation thread scoped to a sandbox and user.
type Session struct {
	ID        string        `json:"id"`
	SandboxID string        `json:"sandboxId"`
	UserID    string        `json:"userId"`
	Source    string        `json:"source"`
	Title     string        `json:"title,omitempty"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// Message is immutable once written; sessions are archived, messages never
// deleted. Content is stored verbatim.
type Message struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	// Seq is the insertion sequence, the tie-break that keeps ascending and
	// descending listings exact reverses of each other.
	Seq       int64     `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

// Order directs message listing.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// Pagination echoes the window a listing applied, with the total over the
// full matching set.
type Pagination struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// SessionStats aggregates over all sessions of a sandbox, not just a page.
type SessionStats struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Archived int `json:"archived"`
}

// ListSessionOptions narrow and window ListSessions.
type ListSessionOptions struct {
	Status SessionStatus // empty means all
	Limit  int
	Offset int
}

// ListMessageOptions window and order ListMessages.
type ListMessageOptions struct {
	Limit  int
	Offset int
	Order  Order
}

// SessionPage is one window of sessions plus full-set pagination and stats.
type SessionPage struct {
	Sessions   []Session    `json:"sessions"`
	Pagination Pagination   `json:"pagination"`
	Stats      SessionStats `json:"stats"`
}

// MessagePage is one window of messages.
type MessagePage struct {
	Messages   []Message  `json:"messages"`
	Pagination Pagination `json:"pagination"`
}

// Store is the durable chat store. Session creation is conflict-safe: when
// two callers race on the same session id, the store keeps exactly one
// record and both observe it.
type Store interface {
	// CreateSession inserts the session, or returns the already-stored
	// session with the same id for the same sandbox (the race winner).
	CreateSession(s Session) (*Session, error)
	// GetSession returns ErrSessionNotFound for absent and cross-sandbox
	// lookups alike.
	GetSession(sandboxID, sessionID string) (*Session, error)
	ListSessions(sandboxID string, opts ListSessionOptions) (*SessionPage, error)
	// ArchiveSession soft-deletes; archiving an archived session is a no-op
	// success. Message rows are untouched.
	ArchiveSession(sandboxID, sessionID string) error
	// UpsertSession creates the session or refreshes title and updatedAt,
	// preserving status and createdAt. Used by the sync engine.
	UpsertSession(s Session) (*Session, error)
	SessionStatsFor(sandboxID string) (*SessionStats, error)

	// UpsertMessage inserts the message or, when the id is already stored
	// for that session, overwrites its content in place. Reports whether a
	// new row was inserted. Insertion order fixes Seq permanently.
	UpsertMessage(m Message) (bool, error)
	ListMessages(sandboxID, sessionID string, opts ListMessageOptions) (*MessagePage, error)
	CountMessages(sessionID string) (int, error)
}
