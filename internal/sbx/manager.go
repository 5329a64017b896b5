package sbx

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agentbox/agentbox/internal/backend"
	"github.com/agentbox/agentbox/internal/shortid"
)

const defaultStopTimeout = 10 * time.Second

// CreateOptions describe a sandbox to provision.
type CreateOptions struct {
	ID        string
	UserID    string
	Name      string
	Image     string
	Env       []string
	Labels    map[string]string
	AgentPort int
	Memory    int64
	NanoCPUs  int64
}

// Manager orchestrates sandbox lifecycles: it drives the container backend
// and keeps the registry consistent with what the backend confirms.
// Operations on different sandbox ids run concurrently; operations on the
// same id serialize so lifecycle transitions never interleave.
type Manager struct {
	backend backend.Backend
	store   Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager builds a Manager over the given backend and registry store.
func NewManager(b backend.Backend, store Store) *Manager {
	return &Manager{
		backend: b,
		store:   store,
		locks:   make(map[string]*sync.Mutex),
	}
}

// lock serializes operations for one sandbox id.
func (m *Manager) lock(id string) func() {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Create provisions a new sandbox against the backend and records it. The
// registry entry is written only after the backend has allocated resources.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Record, error) {
	if opts.ID == "" {
		opts.ID = shortid.New()
	}
	if opts.Name == "" {
		opts.Name = opts.ID
	}
	unlock := m.lock(opts.ID)
	defer unlock()

	sb, err := m.backend.CreateSandbox(ctx, backend.SandboxConfig{
		ID:        opts.ID,
		Name:      opts.Name,
		Image:     opts.Image,
		Env:       opts.Env,
		Labels:    opts.Labels,
		AgentPort: opts.AgentPort,
		Memory:    opts.Memory,
		NanoCPUs:  opts.NanoCPUs,
	})
	if err != nil {
		return nil, err
	}

	rec := &Record{
		ID:          opts.ID,
		UserID:      opts.UserID,
		Name:        opts.Name,
		Image:       opts.Image,
		Status:      StatusCreated,
		ContainerID: sb.ContainerID,
		URLs:        sb.URLs,
		Labels:      opts.Labels,
		CreatedAt:   sb.CreatedAt,
	}
	if err := m.store.CreateSandbox(rec); err != nil {
		m.backend.RemoveSandbox(ctx, opts.ID, true)
		return nil, fmt.Errorf("record sandbox: %w", err)
	}
	return rec, nil
}

// Start brings a sandbox to running. Starting an already-running sandbox is
// a no-op success.
func (m *Manager) Start(ctx context.Context, id string) error {
	unlock := m.lock(id)
	defer unlock()

	rec, err := m.store.GetSandbox(id)
	if err != nil {
		return err
	}
	sb, err := m.backend.InspectSandbox(ctx, id)
	if err != nil {
		return err
	}
	if sb.State == backend.StateRunning {
		return m.confirm(id, rec.Status, StatusRunning, sb.StartedAt)
	}
	if err := m.backend.StartSandbox(ctx, id); err != nil {
		return err
	}
	now := time.Now()
	return m.confirm(id, rec.Status, StatusRunning, &now)
}

// Stop transitions a sandbox to stopped, waiting up to timeout for a
// graceful shutdown (default 10s). Stopping a stopped sandbox succeeds.
func (m *Manager) Stop(ctx context.Context, id string, timeout time.Duration) error {
	unlock := m.lock(id)
	defer unlock()

	rec, err := m.store.GetSandbox(id)
	if err != nil {
		return err
	}
	if err := m.backend.StopSandbox(ctx, id, DefaultStopTimeout(timeout)); err != nil {
		return err
	}
	return m.confirm(id, rec.Status, StatusStopped, nil)
}

// Restart stops then starts the sandbox as one backend operation.
func (m *Manager) Restart(ctx context.Context, id string, timeout time.Duration) error {
	unlock := m.lock(id)
	defer unlock()

	rec, err := m.store.GetSandbox(id)
	if err != nil {
		return err
	}
	if err := m.backend.RestartSandbox(ctx, id, DefaultStopTimeout(timeout)); err != nil {
		return err
	}
	now := time.Now()
	return m.confirm(id, rec.Status, StatusRunning, &now)
}

// Pause freezes a running sandbox without changing its container.
func (m *Manager) Pause(ctx context.Context, id string) error {
	unlock := m.lock(id)
	defer unlock()

	rec, err := m.store.GetSandbox(id)
	if err != nil {
		return err
	}
	if err := m.backend.PauseSandbox(ctx, id); err != nil {
		return err
	}
	return m.confirm(id, rec.Status, StatusPaused, nil)
}

// Unpause resumes a paused sandbox.
func (m *Manager) Unpause(ctx context.Context, id string) error {
	unlock := m.lock(id)
	defer unlock()

	rec, err := m.store.GetSandbox(id)
	if err != nil {
		return err
	}
	if err := m.backend.UnpauseSandbox(ctx, id); err != nil {
		return err
	}
	return m.confirm(id, rec.Status, StatusRunning, nil)
}

// Delete removes the backend resources and then the registry entry. Chat
// history referencing the sandbox is left untouched.
func (m *Manager) Delete(ctx context.Context, id string, removeVolumes bool) error {
	unlock := m.lock(id)
	defer unlock()

	if _, err := m.store.GetSandbox(id); err != nil {
		return err
	}
	err := m.backend.RemoveSandbox(ctx, id, removeVolumes)
	if err != nil && !errors.Is(err, backend.ErrSandboxNotFound) {
		return err
	}
	if err := m.store.DeleteSandboxRecord(id); err != nil {
		return err
	}
	// The id is retired; drop its serialization entry so the map does not
	// grow with every sandbox ever created.
	m.mu.Lock()
	delete(m.locks, id)
	m.mu.Unlock()
	return nil
}

// Get returns the registry record with its status reconciled against the
// backend's currently reported state.
func (m *Manager) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := m.store.GetSandbox(id)
	if err != nil {
		return nil, err
	}
	rec.Status = m.reconcile(ctx, rec)
	return rec, nil
}

// GetStatus returns the sandbox's current status. When the backend cannot
// classify the sandbox the answer is unknown, never a stale running.
func (m *Manager) GetStatus(ctx context.Context, id string) (Status, error) {
	rec, err := m.store.GetSandbox(id)
	if err != nil {
		return "", err
	}
	return m.reconcile(ctx, rec), nil
}

// Exists reports whether the registry knows the sandbox.
func (m *Manager) Exists(id string) bool {
	_, err := m.store.GetSandbox(id)
	return err == nil
}

// List returns registry records matching the filter.
func (m *Manager) List(ctx context.Context, filter Filter) ([]*Record, error) {
	records, err := m.store.ListSandboxRecords()
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(records))
	for _, rec := range records {
		if filter.Matches(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Stats returns a point-in-time resource snapshot.
func (m *Manager) Stats(ctx context.Context, id string) (*backend.Stats, error) {
	if _, err := m.store.GetSandbox(id); err != nil {
		return nil, err
	}
	return m.backend.SandboxStats(ctx, id)
}

// Logs returns a bounded tail of the sandbox's output.
func (m *Manager) Logs(ctx context.Context, id string, opts backend.LogOptions) ([]string, error) {
	if _, err := m.store.GetSandbox(id); err != nil {
		return nil, err
	}
	return m.backend.Logs(ctx, id, opts)
}

// StreamLogs follows the sandbox's output until the caller closes the stream.
func (m *Manager) StreamLogs(ctx context.Context, id string) (backend.LogStream, error) {
	if _, err := m.store.GetSandbox(id); err != nil {
		return nil, err
	}
	return m.backend.StreamLogs(ctx, id)
}

// Exec runs a command inside the sandbox. A non-zero exit code is a normal
// result carried in ExecResult, not an error.
func (m *Manager) Exec(ctx context.Context, id string, command []string, opts backend.ExecOptions) (*backend.ExecResult, error) {
	if _, err := m.store.GetSandbox(id); err != nil {
		return nil, err
	}
	return m.backend.Exec(ctx, id, command, opts)
}

// PullImage pulls an image, reporting progress through the callback.
func (m *Manager) PullImage(ctx context.Context, image string, progress backend.PullProgressFunc) error {
	return m.backend.PullImage(ctx, image, progress)
}

func (m *Manager) ImageExists(ctx context.Context, image string) (bool, error) {
	return m.backend.ImageExists(ctx, image)
}

func (m *Manager) GetImage(ctx context.Context, image string) (*backend.ImageInfo, error) {
	return m.backend.GetImage(ctx, image)
}

func (m *Manager) ListImages(ctx context.Context) ([]backend.ImageInfo, error) {
	return m.backend.ListImages(ctx)
}

func (m *Manager) RemoveImage(ctx context.Context, image string) error {
	return m.backend.RemoveImage(ctx, image)
}

func (m *Manager) EnsureNetwork(ctx context.Context, name string) (*backend.NetworkInfo, error) {
	return m.backend.EnsureNetwork(ctx, name)
}

func (m *Manager) GetNetwork(ctx context.Context, name string) (*backend.NetworkInfo, error) {
	return m.backend.GetNetwork(ctx, name)
}

// HealthCheck probes the backend daemon itself, not any sandbox.
func (m *Manager) HealthCheck(ctx context.Context) error {
	return m.backend.HealthCheck(ctx)
}

func (m *Manager) Info(ctx context.Context) (*backend.Info, error) {
	return m.backend.Info(ctx)
}

// DefaultStopTimeout resolves a caller-supplied graceful timeout.
func DefaultStopTimeout(t time.Duration) time.Duration {
	if t <= 0 {
		return defaultStopTimeout
	}
	return t
}

// confirm writes a backend-confirmed status into the registry.
func (m *Manager) confirm(id string, from, to Status, startedAt *time.Time) error {
	if from != to && !ValidTransition(from, to) {
		log.Printf("sandbox %s: unexpected transition %s -> %s", id, from, to)
	}
	if err := m.store.UpdateSandboxStatus(id, to); err != nil {
		return err
	}
	if startedAt != nil {
		if err := m.store.SetSandboxStarted(id, *startedAt); err != nil {
			return err
		}
	}
	return nil
}

// reconcile maps the backend's reported state onto the registry, writing
// back unknown when the backend cannot answer.
func (m *Manager) reconcile(ctx context.Context, rec *Record) Status {
	sb, err := m.backend.InspectSandbox(ctx, rec.ID)
	if err != nil {
		if rec.Status != StatusUnknown {
			m.store.UpdateSandboxStatus(rec.ID, StatusUnknown)
		}
		return StatusUnknown
	}
	status := FromState(sb.State)
	if status != rec.Status {
		m.store.UpdateSandboxStatus(rec.ID, status)
	}
	return status
}
