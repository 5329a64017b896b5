package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentbox/agentbox/internal/runtime"
	"github.com/agentbox/agentbox/internal/sbx"
)

// SourceAgentRuntime tags sessions mirrored from the embedded agent.
const SourceAgentRuntime = "agent-runtime"

// syncConcurrency caps how many sessions SyncAll pulls in parallel.
const syncConcurrency = 4

// ClientFactory builds a runtime client for a sandbox record,
// typically from the agent URL the backend published.
type ClientFactory func(rec *sbx.Record) (runtime.Client, error)

// SyncStatus reports persisted chat statistics alongside the sandbox's
// current status. It never contacts the agent runtime.
type SyncStatus struct {
	SandboxID     string       `json:"sandboxId"`
	SandboxStatus sbx.Status   `json:"sandboxStatus"`
	Sessions      SessionStats `json:"sessions"`
	Messages      int          `json:"messages"`
	CheckedAt     time.Time    `json:"checkedAt"`
}

// SyncResult summarizes one sync run.
type SyncResult struct {
	SandboxID     string    `json:"sandboxId"`
	Sessions      int       `json:"sessions"`
	MessagesSeen  int       `json:"messagesSeen"`
	MessagesAdded int       `json:"messagesAdded"`
	CompletedAt   time.Time `json:"completedAt"`
}

// Engine mirrors agent runtime sessions and messages into the chat store.
// The mirror is append-only: runtime-side deletions are not propagated,
// repeated syncs are idempotent.
type Engine struct {
	sandboxes *sbx.Manager
	store     Store
	clients   ClientFactory
}

func NewEngine(sandboxes *sbx.Manager, store Store, clients ClientFactory) *Engine {
	return &Engine{sandboxes: sandboxes, store: store, clients: clients}
}

// GetSyncStatus returns the persisted chat statistics for a sandbox. It
// succeeds regardless of whether the sandbox is running.
func (e *Engine) GetSyncStatus(ctx context.Context, sandboxID string) (*SyncStatus, error) {
	rec, err := e.sandboxes.Get(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	stats, err := e.store.SessionStatsFor(sandboxID)
	if err != nil {
		return nil, err
	}
	page, err := e.store.ListSessions(sandboxID, ListSessionOptions{})
	if err != nil {
		return nil, err
	}
	messages := 0
	for _, sess := range page.Sessions {
		n, err := e.store.CountMessages(sess.ID)
		if err != nil {
			return nil, err
		}
		messages += n
	}
	return &SyncStatus{
		SandboxID:     sandboxID,
		SandboxStatus: rec.Status,
		Sessions:      *stats,
		Messages:      messages,
		CheckedAt:     time.Now(),
	}, nil
}

// SyncAll pulls every session and its messages from the sandbox's agent
// runtime into the store. The sandbox must be running; no partial sync is
// attempted otherwise. Sessions are pulled in parallel, messages within a
// session are applied in the runtime's reported order.
func (e *Engine) SyncAll(ctx context.Context, sandboxID string) (*SyncResult, error) {
	rec, client, err := e.runningClient(ctx, sandboxID)
	if err != nil {
		return nil, err
	}

	sessions, err := client.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing runtime sessions: %w", err)
	}

	results := make([]SyncResult, len(sessions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(syncConcurrency)
	for i, sess := range sessions {
		g.Go(func() error {
			r, err := e.syncOne(gctx, rec, client, sess)
			if err != nil {
				return err
			}
			results[i] = *r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := SyncResult{SandboxID: sandboxID, Sessions: len(sessions)}
	for _, r := range results {
		total.MessagesSeen += r.MessagesSeen
		total.MessagesAdded += r.MessagesAdded
	}
	total.CompletedAt = time.Now()
	log.Printf("synced sandbox %s: %d sessions, %d/%d messages new",
		sandboxID, total.Sessions, total.MessagesAdded, total.MessagesSeen)
	return &total, nil
}

// SyncSession applies the same mirror contract to a single session. Returns
// ErrSessionNotFound when the runtime does not know the session.
func (e *Engine) SyncSession(ctx context.Context, sandboxID, sessionID string) (*SyncResult, error) {
	rec, client, err := e.runningClient(ctx, sandboxID)
	if err != nil {
		return nil, err
	}

	sess, err := client.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, runtime.ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("fetching runtime session %s: %w", sessionID, err)
	}

	r, err := e.syncOne(ctx, rec, client, *sess)
	if err != nil {
		return nil, err
	}
	r.CompletedAt = time.Now()
	return r, nil
}

func (e *Engine) runningClient(ctx context.Context, sandboxID string) (*sbx.Record, runtime.Client, error) {
	rec, err := e.sandboxes.Get(ctx, sandboxID)
	if err != nil {
		return nil, nil, err
	}
	if rec.Status != sbx.StatusRunning {
		return nil, nil, fmt.Errorf("%w: sandbox %s is %s", sbx.ErrNotRunning, sandboxID, rec.Status)
	}
	client, err := e.clients(rec)
	if err != nil {
		return nil, nil, err
	}
	return rec, client, nil
}

func (e *Engine) syncOne(ctx context.Context, rec *sbx.Record, client runtime.Client, sess runtime.Session) (*SyncResult, error) {
	_, err := e.store.UpsertSession(Session{
		ID:        sess.ID,
		SandboxID: rec.ID,
		UserID:    rec.UserID,
		Source:    SourceAgentRuntime,
		Title:     sess.Title,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("upserting session %s: %w", sess.ID, err)
	}

	msgs, err := client.ListMessages(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("listing runtime messages for %s: %w", sess.ID, err)
	}

	result := SyncResult{SandboxID: rec.ID, Sessions: 1, MessagesSeen: len(msgs)}
	for _, msg := range msgs {
		inserted, err := e.store.UpsertMessage(Message{
			ID:        msg.ID,
			SessionID: sess.ID,
			Role:      msg.Role,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt,
		})
		if err != nil {
			return nil, fmt.Errorf("upserting message %s: %w", msg.ID, err)
		}
		if inserted {
			result.MessagesAdded++
		}
	}
	return &result, nil
}
