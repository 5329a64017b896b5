package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Client = (*HTTPClient)(nil)

// HTTPClient talks to the agent runtime over its REST API.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
	// sse has no timeout: event streams stay open until cancelled.
	sse *http.Client
}

// NewHTTPClient builds a client for the runtime at baseURL. token, when set,
// is sent as basic auth the way the in-sandbox server expects.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		sse:     &http.Client{},
	}
}

// Wire types: the runtime reports messages as an info envelope plus typed
// parts, and timestamps as unix milliseconds.

type wireTime struct {
	Created int64 `json:"created,omitempty"`
	Updated int64 `json:"updated,omitempty"`
}

type wireSession struct {
	ID    string   `json:"id"`
	Title string   `json:"title"`
	Time  wireTime `json:"time"`
}

type wireMessageInfo struct {
	ID        string   `json:"id"`
	Role      string   `json:"role"`
	SessionID string   `json:"sessionID"`
	Time      wireTime `json:"time"`
}

type wireMessagePart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type wireMessage struct {
	Info  wireMessageInfo   `json:"info"`
	Parts []wireMessagePart `json:"parts"`
}

func (s wireSession) toSession() Session {
	return Session{
		ID:        s.ID,
		Title:     s.Title,
		CreatedAt: millis(s.Time.Created),
		UpdatedAt: millis(s.Time.Updated),
	}
}

func (m wireMessage) toMessage() Message {
	var text strings.Builder
	for _, p := range m.Parts {
		if p.Type == "text" {
			text.WriteString(p.Text)
		}
	}
	return Message{
		ID:        m.Info.ID,
		SessionID: m.Info.SessionID,
		Role:      m.Info.Role,
		Content:   text.String(),
		CreatedAt: millis(m.Info.Time.Created),
	}
}

func millis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (c *HTTPClient) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/app", nil, nil)
}

func (c *HTTPClient) ListSessions(ctx context.Context) ([]Session, error) {
	var wire []wireSession
	if err := c.do(ctx, http.MethodGet, "/session", nil, &wire); err != nil {
		return nil, err
	}
	sessions := make([]Session, len(wire))
	for i, w := range wire {
		sessions[i] = w.toSession()
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

func (c *HTTPClient) CreateSession(ctx context.Context, title string) (*Session, error) {
	body := map[string]string{}
	if title != "" {
		body["title"] = title
	}
	var wire wireSession
	if err := c.do(ctx, http.MethodPost, "/session", body, &wire); err != nil {
		return nil, err
	}
	s := wire.toSession()
	return &s, nil
}

func (c *HTTPClient) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var wire wireSession
	if err := c.do(ctx, http.MethodGet, "/session/"+url.PathEscape(sessionID), nil, &wire); err != nil {
		return nil, translateNotFound(err, ErrSessionNotFound)
	}
	s := wire.toSession()
	return &s, nil
}

func (c *HTTPClient) DeleteSession(ctx context.Context, sessionID string) error {
	err := c.do(ctx, http.MethodDelete, "/session/"+url.PathEscape(sessionID), nil, nil)
	return translateNotFound(err, ErrSessionNotFound)
}

func (c *HTTPClient) AbortSession(ctx context.Context, sessionID string) error {
	err := c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/abort", nil, nil)
	return translateNotFound(err, ErrSessionNotFound)
}

func (c *HTTPClient) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	var wire []wireMessage
	if err := c.do(ctx, http.MethodGet, "/session/"+url.PathEscape(sessionID)+"/message", nil, &wire); err != nil {
		return nil, translateNotFound(err, ErrSessionNotFound)
	}
	messages := make([]Message, len(wire))
	for i, w := range wire {
		messages[i] = w.toMessage()
	}
	return messages, nil
}

func (c *HTTPClient) SendMessage(ctx context.Context, sessionID, text string) (*Message, error) {
	body := map[string]interface{}{
		"parts": []wireMessagePart{{Type: "text", Text: text}},
	}
	var wire wireMessage
	err := c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/message", body, &wire)
	if err != nil {
		return nil, translateNotFound(err, ErrSessionNotFound)
	}
	m := wire.toMessage()
	return &m, nil
}

func (c *HTTPClient) GetMessage(ctx context.Context, sessionID, messageID string) (*Message, error) {
	path := "/session/" + url.PathEscape(sessionID) + "/message/" + url.PathEscape(messageID)
	var wire wireMessage
	if err := c.do(ctx, http.MethodGet, path, nil, &wire); err != nil {
		return nil, translateNotFound(err, ErrMessageNotFound)
	}
	m := wire.toMessage()
	return &m, nil
}

func (c *HTTPClient) ListFiles(ctx context.Context, path string) ([]FileNode, error) {
	var nodes []FileNode
	endpoint := "/file"
	if path != "" {
		endpoint += "?path=" + url.QueryEscape(path)
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

func (c *HTTPClient) ReadFile(ctx context.Context, path string) (string, error) {
	var out struct {
		Content string `json:"content"`
	}
	endpoint := "/file/content?path=" + url.QueryEscape(path)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return "", err
	}
	return out.Content, nil
}

func (c *HTTPClient) ListProviders(ctx context.Context) ([]Provider, error) {
	var out struct {
		Providers []Provider `json:"providers"`
	}
	if err := c.do(ctx, http.MethodGet, "/config/providers", nil, &out); err != nil {
		return nil, err
	}
	return out.Providers, nil
}

func (c *HTTPClient) RespondPermission(ctx context.Context, permissionID string, granted bool) error {
	response := "reject"
	if granted {
		response = "once"
	}
	body := map[string]string{"response": response}
	return c.do(ctx, http.MethodPost, "/permission/"+url.PathEscape(permissionID), body, nil)
}

// Subscribe opens the runtime's SSE feed. The returned stream closes its
// channel when ctx is cancelled, Close is called, or the connection drops.
func (c *HTTPClient) Subscribe(ctx context.Context) (EventStream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.baseURL+"/event", nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.auth(req)

	resp, err := c.sse.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%v: %w", err, ErrUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("event stream status %d: %w", resp.StatusCode, ErrUnavailable)
	}

	stream := &sseStream{events: make(chan Event, 16), cancel: cancel, body: resp.Body}
	go stream.read(streamCtx)
	return stream, nil
}

type sseStream struct {
	events chan Event
	cancel context.CancelFunc
	body   io.ReadCloser
	once   sync.Once
}

func (s *sseStream) Events() <-chan Event { return s.events }

func (s *sseStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.body.Close()
	})
	return nil
}

func (s *sseStream) read(ctx context.Context) {
	defer close(s.events)
	defer s.Close()

	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue
		}
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// statusError carries a non-2xx response through the sentinel translation.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("agent runtime returned %d: %s", e.code, e.body)
}

func translateNotFound(err error, sentinel error) error {
	var se *statusError
	if errors.As(err, &se) && se.code == http.StatusNotFound {
		return sentinel
	}
	return err
}

func (c *HTTPClient) auth(req *http.Request) {
	if c.token != "" {
		req.SetBasicAuth("agent", c.token)
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%v: %w", err, ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", ErrUnavailable)
	}
	return nil
}
