package backend

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Backend = (*MemoryBackend)(nil)

type memSandbox struct {
	sandbox Sandbox
	volumes bool
	logs    *logRing
}

// MemoryBackend is an in-memory Backend used in tests and local development.
// It honors the same lifecycle contracts as the Docker backend.
type MemoryBackend struct {
	mu       sync.Mutex
	seq      int
	sandbox  map[string]*memSandbox
	images   map[string]ImageInfo
	networks map[string]NetworkInfo
	// Unavailable makes HealthCheck and Info fail, simulating a dead daemon.
	Unavailable bool
	// RejectImages lists image refs CreateSandbox refuses to provision.
	RejectImages map[string]bool
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	m := &MemoryBackend{}
	m.Reset()
	return m
}

// Reset drops all state. Tests call this between cases instead of sharing
// hidden globals.
func (m *MemoryBackend) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sandbox = make(map[string]*memSandbox)
	m.images = make(map[string]ImageInfo)
	m.networks = make(map[string]NetworkInfo)
	m.seq = 0
	m.Unavailable = false
	m.RejectImages = nil
}

// AppendLog adds a log line for a sandbox, for tests to stage output.
func (m *MemoryBackend) AppendLog(id, line string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sandbox[id]; ok {
		s.logs.Append(line)
	}
}

func (m *MemoryBackend) CreateSandbox(ctx context.Context, cfg SandboxConfig) (*Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sandbox[cfg.ID]; exists {
		return nil, fmt.Errorf("sandbox %s: %w", cfg.ID, ErrNotProvisionable)
	}
	if m.RejectImages[cfg.Image] {
		return nil, fmt.Errorf("image %s: %w", cfg.Image, ErrNotProvisionable)
	}
	m.seq++
	labels := map[string]string{labelManagedBy: labelValue, labelSandboxID: cfg.ID}
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	sb := Sandbox{
		ID:          cfg.ID,
		ContainerID: fmt.Sprintf("mem-%06d", m.seq),
		Name:        cfg.Name,
		Image:       cfg.Image,
		State:       StateCreated,
		Labels:      labels,
		URLs:        map[string]string{},
		CreatedAt:   time.Now(),
	}
	if cfg.AgentPort > 0 {
		sb.URLs["agent"] = fmt.Sprintf("http://127.0.0.1:%d", cfg.AgentPort)
	}
	m.sandbox[cfg.ID] = &memSandbox{sandbox: sb, logs: newLogRing(0)}
	return copySandbox(&sb), nil
}

func (m *MemoryBackend) StartSandbox(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sandbox[id]
	if !ok {
		return ErrSandboxNotFound
	}
	if s.sandbox.State != StateRunning {
		now := time.Now()
		s.sandbox.State = StateRunning
		s.sandbox.StartedAt = &now
	}
	return nil
}

func (m *MemoryBackend) StopSandbox(ctx context.Context, id string, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sandbox[id]
	if !ok {
		return ErrSandboxNotFound
	}
	s.sandbox.State = StateStopped
	return nil
}

func (m *MemoryBackend) RestartSandbox(ctx context.Context, id string, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sandbox[id]
	if !ok {
		return ErrSandboxNotFound
	}
	now := time.Now()
	s.sandbox.State = StateRunning
	s.sandbox.StartedAt = &now
	return nil
}

func (m *MemoryBackend) PauseSandbox(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sandbox[id]
	if !ok {
		return ErrSandboxNotFound
	}
	s.sandbox.State = StatePaused
	return nil
}

func (m *MemoryBackend) UnpauseSandbox(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sandbox[id]
	if !ok {
		return ErrSandboxNotFound
	}
	s.sandbox.State = StateRunning
	return nil
}

func (m *MemoryBackend) RemoveSandbox(ctx context.Context, id string, removeVolumes bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sandbox[id]; !ok {
		return ErrSandboxNotFound
	}
	delete(m.sandbox, id)
	return nil
}

func (m *MemoryBackend) InspectSandbox(ctx context.Context, id string) (*Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sandbox[id]
	if !ok {
		return nil, ErrSandboxNotFound
	}
	return copySandbox(&s.sandbox), nil
}

func (m *MemoryBackend) ListSandboxes(ctx context.Context, filter SandboxFilter) ([]*Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Sandbox
	for _, s := range m.sandbox {
		sb := copySandbox(&s.sandbox)
		if filter.Matches(sb) {
			out = append(out, sb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryBackend) SandboxStats(ctx context.Context, id string) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sandbox[id]; !ok {
		return nil, ErrSandboxNotFound
	}
	return &Stats{MemoryLimit: 1 << 30}, nil
}

func (m *MemoryBackend) Exec(ctx context.Context, id string, command []string, opts ExecOptions) (*ExecResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sandbox[id]; !ok {
		return nil, ErrSandboxNotFound
	}
	// Echo semantics: "false" exits 1, anything else succeeds and echoes.
	if len(command) > 0 && command[0] == "false" {
		return &ExecResult{ExitCode: 1}, nil
	}
	var stdout string
	if len(command) > 1 {
		stdout = strings.Join(command[1:], " ") + "\n"
	}
	return &ExecResult{ExitCode: 0, Stdout: stdout}, nil
}

func (m *MemoryBackend) Logs(ctx context.Context, id string, opts LogOptions) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sandbox[id]
	if !ok {
		return nil, ErrSandboxNotFound
	}
	return s.logs.Tail(opts.Tail), nil
}

func (m *MemoryBackend) StreamLogs(ctx context.Context, id string) (LogStream, error) {
	m.mu.Lock()
	s, ok := m.sandbox[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrSandboxNotFound
	}
	buffered := s.logs.Tail(0)
	m.mu.Unlock()

	streamCtx, cancel := context.WithCancel(ctx)
	stream := &memLogStream{lines: make(chan string, len(buffered)+1), cancel: cancel}
	go func() {
		defer close(stream.lines)
		for _, line := range buffered {
			select {
			case stream.lines <- line:
			case <-streamCtx.Done():
				return
			}
		}
		<-streamCtx.Done()
	}()
	return stream, nil
}

type memLogStream struct {
	lines  chan string
	cancel context.CancelFunc
	once   sync.Once
}

func (s *memLogStream) Lines() <-chan string { return s.lines }

func (s *memLogStream) Close() error {
	s.once.Do(s.cancel)
	return nil
}

func (m *MemoryBackend) PullImage(ctx context.Context, ref string, progress PullProgressFunc) error {
	if progress != nil {
		progress(ImagePullProgress{Status: "pulling " + ref})
	}
	m.mu.Lock()
	if _, ok := m.images[ref]; !ok {
		m.images[ref] = ImageInfo{ID: "sha256:" + ref, Tags: []string{ref}, Created: time.Now()}
	}
	m.mu.Unlock()
	if progress != nil {
		progress(ImagePullProgress{Status: "pull complete"})
	}
	return nil
}

func (m *MemoryBackend) ImageExists(ctx context.Context, ref string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.images[ref]
	return ok, nil
}

func (m *MemoryBackend) GetImage(ctx context.Context, ref string) (*ImageInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[ref]
	if !ok {
		return nil, ErrImageNotFound
	}
	return &img, nil
}

func (m *MemoryBackend) ListImages(ctx context.Context) ([]ImageInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ImageInfo, 0, len(m.images))
	for _, img := range m.images {
		out = append(out, img)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryBackend) RemoveImage(ctx context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.images[ref]; !ok {
		return ErrImageNotFound
	}
	delete(m.images, ref)
	return nil
}

func (m *MemoryBackend) EnsureNetwork(ctx context.Context, name string) (*NetworkInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if nw, ok := m.networks[name]; ok {
		return &nw, nil
	}
	m.seq++
	nw := NetworkInfo{ID: fmt.Sprintf("net-%06d", m.seq), Name: name, Driver: "bridge"}
	m.networks[name] = nw
	return &nw, nil
}

func (m *MemoryBackend) GetNetwork(ctx context.Context, name string) (*NetworkInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nw, ok := m.networks[name]
	if !ok {
		return nil, ErrNetworkNotFound
	}
	return &nw, nil
}

func (m *MemoryBackend) HealthCheck(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Unavailable {
		return ErrUnavailable
	}
	return nil
}

func (m *MemoryBackend) Info(ctx context.Context) (*Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Unavailable {
		return nil, ErrUnavailable
	}
	info := &Info{
		Version:    "memory",
		APIVersion: "1.0",
		OS:         "memory",
		Arch:       "none",
		CPUs:       1,
		Images:     len(m.images),
	}
	for _, s := range m.sandbox {
		switch s.sandbox.State {
		case StateRunning:
			info.ContainersRunning++
		case StateStopped:
			info.ContainersStopped++
		}
	}
	return info, nil
}

func (m *MemoryBackend) Close() error { return nil }

func copySandbox(sb *Sandbox) *Sandbox {
	out := *sb
	out.Labels = make(map[string]string, len(sb.Labels))
	for k, v := range sb.Labels {
		out.Labels[k] = v
	}
	out.URLs = make(map[string]string, len(sb.URLs))
	for k, v := range sb.URLs {
		out.URLs[k] = v
	}
	if sb.StartedAt != nil {
		t := *sb.StartedAt
		out.StartedAt = &t
	}
	return &out
}
