package chat

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedSession(t *testing.T, s Store, sandboxID, id string) *Session {
	t.Helper()
	sess, err := s.CreateSession(Session{ID: id, SandboxID: sandboxID, UserID: "u1", Source: "api"})
	require.NoError(t, err)
	return sess
}

func TestMemStoreCreateSession(t *testing.T) {
	s := NewMemStore()

	sess := seedSession(t, s, "sb-1", "sess-1")
	assert.Equal(t, SessionActive, sess.Status)
	assert.False(t, sess.CreatedAt.IsZero())

	got, err := s.GetSession("sb-1", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
}

func TestMemStoreCreateSessionConflict(t *testing.T) {
	s := NewMemStore()

	first, err := s.CreateSession(Session{ID: "sess-1", SandboxID: "sb-1", Title: "first"})
	require.NoError(t, err)

	// Same id again: the stored row wins, the second title is dropped.
	second, err := s.CreateSession(Session{ID: "sess-1", SandboxID: "sb-1", Title: "second"})
	require.NoError(t, err)
	assert.Equal(t, first.Title, second.Title)

	page, err := s.ListSessions("sb-1", ListSessionOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Pagination.Total)
}

func TestMemStoreConcurrentCreateSingleWinner(t *testing.T) {
	s := NewMemStore()

	var wg sync.WaitGroup
	results := make([]*Session, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := s.CreateSession(Session{
				ID:        "sess-1",
				SandboxID: "sb-1",
				Title:     fmt.Sprintf("racer-%d", i),
			})
			assert.NoError(t, err)
			results[i] = sess
		}(i)
	}
	wg.Wait()

	// Every racer got the same stored session back.
	for _, sess := range results {
		assert.Equal(t, results[0].Title, sess.Title)
	}
	page, err := s.ListSessions("sb-1", ListSessionOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Pagination.Total)
}

func TestMemStoreCrossSandboxIsolation(t *testing.T) {
	s := NewMemStore()
	seedSession(t, s, "sb-1", "sess-1")

	// A session owned by another sandbox is indistinguishable from absent.
	_, err := s.GetSession("sb-2", "sess-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = s.ListMessages("sb-2", "sess-1", ListMessageOptions{})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	err = s.ArchiveSession("sb-2", "sess-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// Writes under the stolen id never clobber the owner's session.
	_, err = s.CreateSession(Session{ID: "sess-1", SandboxID: "sb-2"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = s.UpsertSession(Session{ID: "sess-1", SandboxID: "sb-2", Title: "hijack"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
	got, err := s.GetSession("sb-1", "sess-1")
	require.NoError(t, err)
	assert.NotEqual(t, "hijack", got.Title)
}

func TestMemStoreArchiveIdempotent(t *testing.T) {
	s := NewMemStore()
	seedSession(t, s, "sb-1", "sess-1")

	_, err := s.UpsertMessage(Message{ID: "m1", SessionID: "sess-1", Role: "user", Content: "hello"})
	require.NoError(t, err)

	require.NoError(t, s.ArchiveSession("sb-1", "sess-1"))
	require.NoError(t, s.ArchiveSession("sb-1", "sess-1"))

	got, err := s.GetSession("sb-1", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, SessionArchived, got.Status)

	// Soft delete: messages survive the archive.
	n, err := s.CountMessages("sess-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	page, err := s.ListMessages("sb-1", "sess-1", ListMessageOptions{})
	require.NoError(t, err)
	assert.Len(t, page.Messages, 1)
}

func TestMemStoreListSessionsPaginationAndStats(t *testing.T) {
	s := NewMemStore()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		_, err := s.CreateSession(Session{
			ID:        fmt.Sprintf("sess-%d", i),
			SandboxID: "sb-1",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	require.NoError(t, s.ArchiveSession("sb-1", "sess-0"))
	require.NoError(t, s.ArchiveSession("sb-1", "sess-1"))

	page, err := s.ListSessions("sb-1", ListSessionOptions{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, page.Sessions, 2)
	assert.Equal(t, 5, page.Pagination.Total)
	assert.Equal(t, 2, page.Pagination.Limit)
	assert.Equal(t, 1, page.Pagination.Offset)
	// Stats always cover the full set, not the page.
	assert.Equal(t, SessionStats{Total: 5, Active: 3, Archived: 2}, page.Stats)

	// Newest first.
	assert.Equal(t, "sess-3", page.Sessions[0].ID)
	assert.Equal(t, "sess-2", page.Sessions[1].ID)

	archived, err := s.ListSessions("sb-1", ListSessionOptions{Status: SessionArchived})
	require.NoError(t, err)
	assert.Len(t, archived.Sessions, 2)
	assert.Equal(t, 2, archived.Pagination.Total)

	// Offset past the end yields an empty page, not an error.
	empty, err := s.ListSessions("sb-1", ListSessionOptions{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, empty.Sessions)
	assert.Equal(t, 5, empty.Pagination.Total)
}

func TestMemStoreMessageOrderSymmetry(t *testing.T) {
	s := NewMemStore()
	seedSession(t, s, "sb-1", "sess-1")

	at := time.Now().Add(-time.Minute)
	for i := 0; i < 6; i++ {
		// Two messages share each timestamp so the tie-break matters.
		_, err := s.UpsertMessage(Message{
			ID:        fmt.Sprintf("m-%d", i),
			SessionID: "sess-1",
			Role:      "assistant",
			Content:   fmt.Sprintf("msg %d", i),
			CreatedAt: at.Add(time.Duration(i/2) * time.Second),
		})
		require.NoError(t, err)
	}

	asc, err := s.ListMessages("sb-1", "sess-1", ListMessageOptions{Order: OrderAsc})
	require.NoError(t, err)
	desc, err := s.ListMessages("sb-1", "sess-1", ListMessageOptions{Order: OrderDesc})
	require.NoError(t, err)

	require.Len(t, asc.Messages, 6)
	require.Len(t, desc.Messages, 6)
	for i := range asc.Messages {
		assert.Equal(t, asc.Messages[i].ID, desc.Messages[len(desc.Messages)-1-i].ID)
	}
	// Insertion order is preserved for equal timestamps.
	assert.Equal(t, "m-0", asc.Messages[0].ID)
	assert.Equal(t, "m-1", asc.Messages[1].ID)
}

func TestMemStoreMessagePagination(t *testing.T) {
	s := NewMemStore()
	seedSession(t, s, "sb-1", "sess-1")

	at := time.Now().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		_, err := s.UpsertMessage(Message{
			ID:        fmt.Sprintf("m-%d", i),
			SessionID: "sess-1",
			CreatedAt: at.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	page, err := s.ListMessages("sb-1", "sess-1", ListMessageOptions{Limit: 2, Offset: 2, Order: OrderAsc})
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "m-2", page.Messages[0].ID)
	assert.Equal(t, "m-3", page.Messages[1].ID)
	assert.Equal(t, 5, page.Pagination.Total)
}

func TestMemStoreUpsertMessageDedup(t *testing.T) {
	s := NewMemStore()
	seedSession(t, s, "sb-1", "sess-1")

	inserted, err := s.UpsertMessage(Message{ID: "m1", SessionID: "sess-1", Content: "v1"})
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same id again: content is overwritten, no new row.
	inserted, err = s.UpsertMessage(Message{ID: "m1", SessionID: "sess-1", Content: "v2"})
	require.NoError(t, err)
	assert.False(t, inserted)

	n, err := s.CountMessages("sess-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	page, err := s.ListMessages("sb-1", "sess-1", ListMessageOptions{})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "v2", page.Messages[0].Content)
}

func TestMemStoreContentFidelity(t *testing.T) {
	s := NewMemStore()
	seedSession(t, s, "sb-1", "sess-1")

	content := "```go\nfunc main() {}\n```\n\x1b[31mred\x1b[0m こんにちは \U0001F680\x00"
	_, err := s.UpsertMessage(Message{ID: "m1", SessionID: "sess-1", Content: content})
	require.NoError(t, err)

	page, err := s.ListMessages("sb-1", "sess-1", ListMessageOptions{})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, content, page.Messages[0].Content)
}

func TestMemStoreUpsertSessionPreservesStatus(t *testing.T) {
	s := NewMemStore()
	seedSession(t, s, "sb-1", "sess-1")
	require.NoError(t, s.ArchiveSession("sb-1", "sess-1"))

	updated, err := s.UpsertSession(Session{ID: "sess-1", SandboxID: "sb-1", Title: "fresh title"})
	require.NoError(t, err)
	assert.Equal(t, "fresh title", updated.Title)
	assert.Equal(t, SessionArchived, updated.Status)
}

func TestMemStoreSessionStats(t *testing.T) {
	s := NewMemStore()
	seedSession(t, s, "sb-1", "sess-1")
	seedSession(t, s, "sb-1", "sess-2")
	seedSession(t, s, "sb-2", "other")
	require.NoError(t, s.ArchiveSession("sb-1", "sess-2"))

	stats, err := s.SessionStatsFor("sb-1")
	require.NoError(t, err)
	assert.Equal(t, &SessionStats{Total: 2, Active: 1, Archived: 1}, stats)

	none, err := s.SessionStatsFor("sb-9")
	require.NoError(t, err)
	assert.Equal(t, &SessionStats{}, none)
}
