// Package backend defines the container backend capability: the set of
// primitives the orchestrator needs from whatever engine actually runs
// sandboxes. Implementations are substitutable; the rest of the system only
// sees this interface.
package backend

import (
	"context"
	"strings"
	"time"
)

// State classifies a sandbox as reported by the backend.
type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
	// StateUnknown is returned when the backend cannot classify the sandbox.
	// It is never silently upgraded to a stale "running".
	StateUnknown State = "unknown"
)

// SandboxConfig describes a sandbox to create.
type SandboxConfig struct {
	ID     string
	Name   string
	Image  string
	Env    []string
	Labels map[string]string
	// AgentPort is the in-container port the agent runtime listens on.
	// When set, implementations publish it and report the mapped endpoint.
	AgentPort int
	Memory    int64
	NanoCPUs  int64
}

// Sandbox is the backend's view of a single sandbox.
type Sandbox struct {
	ID          string
	ContainerID string
	Name        string
	Image       string
	State       State
	Labels      map[string]string
	// URLs maps endpoint names (e.g. "agent") to reachable base URLs.
	URLs      map[string]string
	CreatedAt time.Time
	StartedAt *time.Time
}

// SandboxFilter narrows ListSandboxes. All set predicates AND together;
// zero-value fields impose no constraint.
type SandboxFilter struct {
	States        []State
	Name          string
	Labels        map[string]string
	CreatedAfter  time.Time
	CreatedBefore time.Time
}

// Matches reports whether sb satisfies every set predicate.
func (f SandboxFilter) Matches(sb *Sandbox) bool {
	if len(f.States) > 0 {
		ok := false
		for _, st := range f.States {
			if sb.State == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Name != "" && !containsFold(sb.Name, f.Name) {
		return false
	}
	for k, v := range f.Labels {
		if sb.Labels[k] != v {
			return false
		}
	}
	if !f.CreatedAfter.IsZero() && sb.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && sb.CreatedAt.After(f.CreatedBefore) {
		return false
	}
	return true
}

// ExecOptions control a command run inside a sandbox.
type ExecOptions struct {
	WorkDir string
	Env     []string
	Stdin   string
	Timeout time.Duration
}

// ExecResult carries the outcome of an exec. A non-zero exit code is a
// normal result, not an error.
type ExecResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// LogOptions control log retrieval. Tail limits a snapshot to the most
// recent N lines; zero means all buffered output.
type LogOptions struct {
	Tail int
}

// LogStream is a cancellable sequence of log lines. Closing it releases the
// underlying connection; Lines is closed when the stream ends.
type LogStream interface {
	Lines() <-chan string
	Close() error
}

// Stats is a point-in-time resource snapshot for one sandbox.
type Stats struct {
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryUsage   uint64  `json:"memoryUsage"`
	MemoryLimit   uint64  `json:"memoryLimit"`
	MemoryPercent float64 `json:"memoryPercent"`
	NetworkRx     uint64  `json:"networkRx"`
	NetworkTx     uint64  `json:"networkTx"`
	BlockRead     uint64  `json:"blockRead"`
	BlockWrite    uint64  `json:"blockWrite"`
}

// ImagePullProgress reports pull status. Implementations invoke the callback
// at least at pull start and completion.
type ImagePullProgress struct {
	Status   string `json:"status"`
	Progress string `json:"progress,omitempty"`
}

// PullProgressFunc receives pull progress updates.
type PullProgressFunc func(ImagePullProgress)

// ImageInfo describes a locally available image.
type ImageInfo struct {
	ID      string    `json:"id"`
	Tags    []string  `json:"tags"`
	Size    int64     `json:"size"`
	Created time.Time `json:"created"`
}

// NetworkInfo identifies a backend network.
type NetworkInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Driver string `json:"driver"`
}

// Info is static capability and capacity information about the daemon.
type Info struct {
	Version           string `json:"version"`
	APIVersion        string `json:"apiVersion"`
	OS                string `json:"os"`
	Arch              string `json:"arch"`
	CPUs              int    `json:"cpus"`
	TotalMemory       int64  `json:"totalMemory"`
	ContainersRunning int    `json:"containersRunning"`
	ContainersStopped int    `json:"containersStopped"`
	Images            int    `json:"images"`
}

// Backend is the container engine capability consumed by the orchestrator.
// Every call may block on I/O; callers pass a context for cancellation.
type Backend interface {
	CreateSandbox(ctx context.Context, cfg SandboxConfig) (*Sandbox, error)
	StartSandbox(ctx context.Context, id string) error
	// StopSandbox stops the sandbox, waiting up to timeout for a graceful
	// shutdown. A zero timeout uses the backend default.
	StopSandbox(ctx context.Context, id string, timeout time.Duration) error
	RestartSandbox(ctx context.Context, id string, timeout time.Duration) error
	PauseSandbox(ctx context.Context, id string) error
	UnpauseSandbox(ctx context.Context, id string) error
	RemoveSandbox(ctx context.Context, id string, removeVolumes bool) error
	InspectSandbox(ctx context.Context, id string) (*Sandbox, error)
	ListSandboxes(ctx context.Context, filter SandboxFilter) ([]*Sandbox, error)
	SandboxStats(ctx context.Context, id string) (*Stats, error)

	Exec(ctx context.Context, id string, command []string, opts ExecOptions) (*ExecResult, error)
	Logs(ctx context.Context, id string, opts LogOptions) ([]string, error)
	StreamLogs(ctx context.Context, id string) (LogStream, error)

	PullImage(ctx context.Context, image string, progress PullProgressFunc) error
	ImageExists(ctx context.Context, image string) (bool, error)
	GetImage(ctx context.Context, image string) (*ImageInfo, error)
	ListImages(ctx context.Context) ([]ImageInfo, error)
	RemoveImage(ctx context.Context, image string) error

	// EnsureNetwork creates the network if absent and returns its identity
	// either way.
	EnsureNetwork(ctx context.Context, name string) (*NetworkInfo, error)
	GetNetwork(ctx context.Context, name string) (*NetworkInfo, error)

	HealthCheck(ctx context.Context) error
	Info(ctx context.Context) (*Info, error)

	Close() error
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
