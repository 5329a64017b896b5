package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackendLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()

	sb, err := m.CreateSandbox(ctx, SandboxConfig{
		ID:        "sb-1",
		Name:      "demo",
		Image:     "agent:latest",
		AgentPort: 4096,
	})
	require.NoError(t, err)
	assert.Equal(t, StateCreated, sb.State)
	assert.Equal(t, "sb-1", sb.Labels[labelSandboxID])
	assert.Contains(t, sb.URLs["agent"], "4096")

	_, err = m.CreateSandbox(ctx, SandboxConfig{ID: "sb-1", Image: "agent:latest"})
	assert.ErrorIs(t, err, ErrNotProvisionable)

	require.NoError(t, m.StartSandbox(ctx, "sb-1"))
	sb, err = m.InspectSandbox(ctx, "sb-1")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, sb.State)
	require.NotNil(t, sb.StartedAt)
	started := *sb.StartedAt

	// Starting a running sandbox is a no-op, StartedAt does not move.
	require.NoError(t, m.StartSandbox(ctx, "sb-1"))
	sb, err = m.InspectSandbox(ctx, "sb-1")
	require.NoError(t, err)
	assert.True(t, started.Equal(*sb.StartedAt))

	require.NoError(t, m.PauseSandbox(ctx, "sb-1"))
	sb, _ = m.InspectSandbox(ctx, "sb-1")
	assert.Equal(t, StatePaused, sb.State)

	require.NoError(t, m.UnpauseSandbox(ctx, "sb-1"))
	sb, _ = m.InspectSandbox(ctx, "sb-1")
	assert.Equal(t, StateRunning, sb.State)

	require.NoError(t, m.StopSandbox(ctx, "sb-1", time.Second))
	sb, _ = m.InspectSandbox(ctx, "sb-1")
	assert.Equal(t, StateStopped, sb.State)

	require.NoError(t, m.RemoveSandbox(ctx, "sb-1", false))
	_, err = m.InspectSandbox(ctx, "sb-1")
	assert.ErrorIs(t, err, ErrSandboxNotFound)
}

func TestMemoryBackendNotFound(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()

	assert.ErrorIs(t, m.StartSandbox(ctx, "missing"), ErrSandboxNotFound)
	assert.ErrorIs(t, m.StopSandbox(ctx, "missing", 0), ErrSandboxNotFound)
	assert.ErrorIs(t, m.PauseSandbox(ctx, "missing"), ErrSandboxNotFound)
	assert.ErrorIs(t, m.RemoveSandbox(ctx, "missing", true), ErrSandboxNotFound)
	_, err := m.SandboxStats(ctx, "missing")
	assert.ErrorIs(t, err, ErrSandboxNotFound)
	_, err = m.Logs(ctx, "missing", LogOptions{})
	assert.ErrorIs(t, err, ErrSandboxNotFound)
	_, err = m.GetImage(ctx, "missing:latest")
	assert.ErrorIs(t, err, ErrImageNotFound)
	_, err = m.GetNetwork(ctx, "missing")
	assert.ErrorIs(t, err, ErrNetworkNotFound)
}

func TestMemoryBackendRejectImages(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	m.RejectImages = map[string]bool{"bad:latest": true}

	_, err := m.CreateSandbox(ctx, SandboxConfig{ID: "sb-1", Image: "bad:latest"})
	assert.ErrorIs(t, err, ErrNotProvisionable)
}

func TestMemoryBackendListFilter(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()

	_, err := m.CreateSandbox(ctx, SandboxConfig{ID: "a", Name: "alpha", Image: "img", Labels: map[string]string{"team": "red"}})
	require.NoError(t, err)
	_, err = m.CreateSandbox(ctx, SandboxConfig{ID: "b", Name: "beta", Image: "img", Labels: map[string]string{"team": "blue"}})
	require.NoError(t, err)
	require.NoError(t, m.StartSandbox(ctx, "a"))

	all, err := m.ListSandboxes(ctx, SandboxFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	running, err := m.ListSandboxes(ctx, SandboxFilter{States: []State{StateRunning}})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "a", running[0].ID)

	// All set predicates AND together.
	both, err := m.ListSandboxes(ctx, SandboxFilter{
		States: []State{StateRunning},
		Labels: map[string]string{"team": "blue"},
	})
	require.NoError(t, err)
	assert.Empty(t, both)
}

func TestMemoryBackendLogs(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	_, err := m.CreateSandbox(ctx, SandboxConfig{ID: "sb-1", Image: "img"})
	require.NoError(t, err)

	m.AppendLog("sb-1", "one")
	m.AppendLog("sb-1", "two")
	m.AppendLog("sb-1", "three")

	lines, err := m.Logs(ctx, "sb-1", LogOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, lines)

	tail, err := m.Logs(ctx, "sb-1", LogOptions{Tail: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"two", "three"}, tail)
}

func TestMemoryBackendStreamLogsClose(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	_, err := m.CreateSandbox(ctx, SandboxConfig{ID: "sb-1", Image: "img"})
	require.NoError(t, err)
	m.AppendLog("sb-1", "hello")

	stream, err := m.StreamLogs(ctx, "sb-1")
	require.NoError(t, err)

	select {
	case line := <-stream.Lines():
		assert.Equal(t, "hello", line)
	case <-time.After(time.Second):
		t.Fatal("no log line delivered")
	}

	require.NoError(t, stream.Close())
	select {
	case _, open := <-stream.Lines():
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("stream did not close")
	}
	// Closing twice is safe.
	assert.NoError(t, stream.Close())
}

func TestMemoryBackendPullProgress(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()

	var updates []ImagePullProgress
	err := m.PullImage(ctx, "agent:latest", func(p ImagePullProgress) {
		updates = append(updates, p)
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(updates), 2)
	assert.Contains(t, updates[0].Status, "agent:latest")
	assert.Equal(t, "pull complete", updates[len(updates)-1].Status)

	exists, err := m.ImageExists(ctx, "agent:latest")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestMemoryBackendExec(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	_, err := m.CreateSandbox(ctx, SandboxConfig{ID: "sb-1", Image: "img"})
	require.NoError(t, err)

	res, err := m.Exec(ctx, "sb-1", []string{"echo", "hi", "there"}, ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hi there\n", res.Stdout)

	// A non-zero exit is a result, not an error.
	res, err = m.Exec(ctx, "sb-1", []string{"false"}, ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
}

func TestMemoryBackendEnsureNetworkIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()

	first, err := m.EnsureNetwork(ctx, "agentbox")
	require.NoError(t, err)
	second, err := m.EnsureNetwork(ctx, "agentbox")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	got, err := m.GetNetwork(ctx, "agentbox")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestMemoryBackendUnavailable(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	m.Unavailable = true

	assert.ErrorIs(t, m.HealthCheck(ctx), ErrUnavailable)
	_, err := m.Info(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
}
