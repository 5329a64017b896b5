package chat

import (
	"sort"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Store = (*MemStore)(nil)

// MemStore is an in-memory Store for tests, injected explicitly and reset
// between cases. It enforces the same uniqueness contract as the SQL store.
type MemStore struct {
	mu       sync.Mutex
	seq      int64
	sessions map[string]*Session  // keyed by session id
	messages map[string][]Message // keyed by session id, insertion order
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	s := &MemStore{}
	s.Reset()
	return s
}

// Reset drops all sessions and messages.
func (s *MemStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]*Session)
	s.messages = make(map[string][]Message)
	s.seq = 0
}

func (s *MemStore) CreateSession(in Session) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[in.ID]; ok {
		// Same contract as the SQL store: an id held by another sandbox is
		// reported as absent, never overwritten.
		if existing.SandboxID != in.SandboxID {
			return nil, ErrSessionNotFound
		}
		out := *existing
		return &out, nil
	}
	if in.Status == "" {
		in.Status = SessionActive
	}
	now := time.Now()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	if in.UpdatedAt.IsZero() {
		in.UpdatedAt = now
	}
	stored := in
	s.sessions[in.ID] = &stored
	out := stored
	return &out, nil
}

func (s *MemStore) GetSession(sandboxID, sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.SandboxID != sandboxID {
		return nil, ErrSessionNotFound
	}
	out := *sess
	return &out, nil
}

func (s *MemStore) ListSessions(sandboxID string, opts ListSessionOptions) (*SessionPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matching []Session
	stats := SessionStats{}
	for _, sess := range s.sessions {
		if sess.SandboxID != sandboxID {
			continue
		}
		stats.Total++
		switch sess.Status {
		case SessionActive:
			stats.Active++
		case SessionArchived:
			stats.Archived++
		}
		if opts.Status != "" && sess.Status != opts.Status {
			continue
		}
		matching = append(matching, *sess)
	}
	sort.Slice(matching, func(i, j int) bool {
		if matching[i].CreatedAt.Equal(matching[j].CreatedAt) {
			return matching[i].ID < matching[j].ID
		}
		return matching[i].CreatedAt.After(matching[j].CreatedAt)
	})

	total := len(matching)
	page := window(matching, opts.Limit, opts.Offset)
	return &SessionPage{
		Sessions:   page,
		Pagination: Pagination{Total: total, Limit: opts.Limit, Offset: opts.Offset},
		Stats:      stats,
	}, nil
}

func (s *MemStore) ArchiveSession(sandboxID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.SandboxID != sandboxID {
		return ErrSessionNotFound
	}
	if sess.Status != SessionArchived {
		sess.Status = SessionArchived
		sess.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemStore) UpsertSession(in Session) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.sessions[in.ID]
	if ok && existing.SandboxID != in.SandboxID {
		return nil, ErrSessionNotFound
	}
	if ok {
		existing.Title = in.Title
		if in.UpdatedAt.IsZero() {
			existing.UpdatedAt = time.Now()
		} else {
			existing.UpdatedAt = in.UpdatedAt
		}
		out := *existing
		return &out, nil
	}
	if in.Status == "" {
		in.Status = SessionActive
	}
	now := time.Now()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	if in.UpdatedAt.IsZero() {
		in.UpdatedAt = now
	}
	stored := in
	s.sessions[in.ID] = &stored
	out := stored
	return &out, nil
}

func (s *MemStore) SessionStatsFor(sandboxID string) (*SessionStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := SessionStats{}
	for _, sess := range s.sessions {
		if sess.SandboxID != sandboxID {
			continue
		}
		stats.Total++
		switch sess.Status {
		case SessionActive:
			stats.Active++
		case SessionArchived:
			stats.Archived++
		}
	}
	return &stats, nil
}

func (s *MemStore) UpsertMessage(m Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[m.SessionID]
	for i := range msgs {
		if msgs[i].ID == m.ID {
			msgs[i].Content = m.Content
			return false, nil
		}
	}
	s.seq++
	m.Seq = s.seq
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.messages[m.SessionID] = append(msgs, m)
	return true, nil
}

func (s *MemStore) ListMessages(sandboxID, sessionID string, opts ListMessageOptions) (*MessagePage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.SandboxID != sandboxID {
		return nil, ErrSessionNotFound
	}

	msgs := make([]Message, len(s.messages[sessionID]))
	copy(msgs, s.messages[sessionID])
	sort.Slice(msgs, func(i, j int) bool {
		less := messageLess(msgs[i], msgs[j])
		if opts.Order == OrderDesc {
			return !less
		}
		return less
	})

	total := len(msgs)
	page := window(msgs, opts.Limit, opts.Offset)
	return &MessagePage{
		Messages:   page,
		Pagination: Pagination{Total: total, Limit: opts.Limit, Offset: opts.Offset},
	}, nil
}

func (s *MemStore) CountMessages(sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[sessionID]), nil
}

// messageLess is the stable total order: creation time, then insertion
// sequence, then id.
func messageLess(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.ID < b.ID
}

func window[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	out := make([]T, len(items))
	copy(out, items)
	return out
}
