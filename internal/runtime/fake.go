package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Client = (*Fake)(nil)

// Fake is an in-memory Client for tests. It is injected explicitly and reset
// between cases; production code never links against it outside test wiring.
type Fake struct {
	mu       sync.Mutex
	seq      int
	sessions map[string]*Session
	messages map[string][]Message
	files    map[string]string
	// Down makes every call fail with ErrUnavailable.
	Down bool
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	f := &Fake{}
	f.Reset()
	return f
}

// Reset drops all staged state.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = make(map[string]*Session)
	f.messages = make(map[string][]Message)
	f.files = make(map[string]string)
	f.seq = 0
	f.Down = false
}

// AddSession stages a session, for tests to arrange runtime state.
func (f *Fake) AddSession(s Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := s
	f.sessions[s.ID] = &stored
}

// AddMessage stages a message under its session, in call order.
func (f *Fake) AddMessage(m Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[m.SessionID] = append(f.messages[m.SessionID], m)
}

// SetTitle updates a staged session's title, simulating a runtime-side edit.
func (f *Fake) SetTitle(sessionID, title string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[sessionID]; ok {
		s.Title = title
		s.UpdatedAt = time.Now()
	}
}

func (f *Fake) check() error {
	if f.Down {
		return ErrUnavailable
	}
	return nil
}

func (f *Fake) Health(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.check()
}

func (f *Fake) ListSessions(ctx context.Context) ([]Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (f *Fake) CreateSession(ctx context.Context, title string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, err
	}
	f.seq++
	s := Session{
		ID:        fmt.Sprintf("ses_%06d", f.seq),
		Title:     title,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	f.sessions[s.ID] = &s
	out := s
	return &out, nil
}

func (f *Fake) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, err
	}
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := *s
	return &out, nil
}

func (f *Fake) DeleteSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	if _, ok := f.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}
	delete(f.sessions, sessionID)
	delete(f.messages, sessionID)
	return nil
}

func (f *Fake) AbortSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	if _, ok := f.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}
	return nil
}

func (f *Fake) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, err
	}
	if _, ok := f.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}
	out := make([]Message, len(f.messages[sessionID]))
	copy(out, f.messages[sessionID])
	return out, nil
}

func (f *Fake) SendMessage(ctx context.Context, sessionID, text string) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, err
	}
	if _, ok := f.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}
	f.seq++
	m := Message{
		ID:        fmt.Sprintf("msg_%06d", f.seq),
		SessionID: sessionID,
		Role:      "user",
		Content:   text,
		CreatedAt: time.Now(),
	}
	f.messages[sessionID] = append(f.messages[sessionID], m)
	return &m, nil
}

func (f *Fake) GetMessage(ctx context.Context, sessionID, messageID string) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, err
	}
	for _, m := range f.messages[sessionID] {
		if m.ID == messageID {
			out := m
			return &out, nil
		}
	}
	return nil, ErrMessageNotFound
}

func (f *Fake) ListFiles(ctx context.Context, path string) ([]FileNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, err
	}
	var nodes []FileNode
	for p := range f.files {
		nodes = append(nodes, FileNode{Name: p, Path: p, Type: "file"})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Path < nodes[j].Path })
	return nodes, nil
}

func (f *Fake) ReadFile(ctx context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return "", err
	}
	content, ok := f.files[path]
	if !ok {
		return "", fmt.Errorf("file %s not found", path)
	}
	return content, nil
}

func (f *Fake) ListProviders(ctx context.Context) ([]Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, err
	}
	return []Provider{{ID: "fake", Name: "Fake Provider"}}, nil
}

func (f *Fake) RespondPermission(ctx context.Context, permissionID string, granted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.check()
}

func (f *Fake) Subscribe(ctx context.Context) (EventStream, error) {
	f.mu.Lock()
	if err := f.check(); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()

	streamCtx, cancel := context.WithCancel(ctx)
	s := &fakeStream{events: make(chan Event), cancel: cancel}
	go func() {
		<-streamCtx.Done()
		close(s.events)
	}()
	return s, nil
}

type fakeStream struct {
	events chan Event
	cancel context.CancelFunc
	once   sync.Once
}

func (s *fakeStream) Events() <-chan Event { return s.events }

func (s *fakeStream) Close() error {
	s.once.Do(s.cancel)
	return nil
}
