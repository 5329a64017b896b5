package sbx

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbox/agentbox/internal/backend"
)

func newTestManager() (*Manager, *backend.MemoryBackend, *MemStore) {
	be := backend.NewMemoryBackend()
	store := NewMemStore()
	return NewManager(be, store), be, store
}

func TestManagerCreate(t *testing.T) {
	ctx := context.Background()
	m, _, store := newTestManager()

	rec, err := m.Create(ctx, CreateOptions{
		UserID: "u1",
		Name:   "demo",
		Image:  "agent:latest",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, StatusCreated, rec.Status)
	assert.NotEmpty(t, rec.ContainerID)

	stored, err := store.GetSandbox(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ContainerID, stored.ContainerID)
}

func TestManagerCreateBackendFailureLeavesNoRecord(t *testing.T) {
	ctx := context.Background()
	m, be, store := newTestManager()
	be.RejectImages = map[string]bool{"bad:latest": true}

	_, err := m.Create(ctx, CreateOptions{ID: "sb-1", Image: "bad:latest"})
	require.Error(t, err)

	_, err = store.GetSandbox("sb-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManagerStartIdempotent(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager()

	rec, err := m.Create(ctx, CreateOptions{ID: "sb-1", Image: "img"})
	require.NoError(t, err)

	require.NoError(t, m.Start(ctx, rec.ID))
	status, err := m.GetStatus(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status)

	// Starting again succeeds without changing anything.
	require.NoError(t, m.Start(ctx, rec.ID))
	status, err = m.GetStatus(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status)
}

func TestManagerLifecycleTransitions(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager()

	rec, err := m.Create(ctx, CreateOptions{ID: "sb-1", Image: "img"})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx, rec.ID))

	require.NoError(t, m.Pause(ctx, rec.ID))
	status, _ := m.GetStatus(ctx, rec.ID)
	assert.Equal(t, StatusPaused, status)

	require.NoError(t, m.Unpause(ctx, rec.ID))
	status, _ = m.GetStatus(ctx, rec.ID)
	assert.Equal(t, StatusRunning, status)

	require.NoError(t, m.Stop(ctx, rec.ID, time.Second))
	status, _ = m.GetStatus(ctx, rec.ID)
	assert.Equal(t, StatusStopped, status)

	require.NoError(t, m.Restart(ctx, rec.ID, time.Second))
	status, _ = m.GetStatus(ctx, rec.ID)
	assert.Equal(t, StatusRunning, status)
}

func TestManagerUnknownSandbox(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager()

	assert.ErrorIs(t, m.Start(ctx, "missing"), ErrNotFound)
	assert.ErrorIs(t, m.Stop(ctx, "missing", 0), ErrNotFound)
	assert.ErrorIs(t, m.Pause(ctx, "missing"), ErrNotFound)
	assert.ErrorIs(t, m.Delete(ctx, "missing", false), ErrNotFound)
	_, err := m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Stats(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManagerDeleteRemovesRecord(t *testing.T) {
	ctx := context.Background()
	m, be, store := newTestManager()

	rec, err := m.Create(ctx, CreateOptions{ID: "sb-1", Image: "img"})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx, rec.ID))
	require.NoError(t, m.Delete(ctx, rec.ID, true))

	_, err = store.GetSandbox(rec.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = be.InspectSandbox(ctx, rec.ID)
	assert.ErrorIs(t, err, backend.ErrSandboxNotFound)
}

func TestManagerDeleteWithMissingContainer(t *testing.T) {
	ctx := context.Background()
	m, be, store := newTestManager()

	rec, err := m.Create(ctx, CreateOptions{ID: "sb-1", Image: "img"})
	require.NoError(t, err)

	// Container vanished out from under the registry.
	require.NoError(t, be.RemoveSandbox(ctx, rec.ID, false))
	require.NoError(t, m.Delete(ctx, rec.ID, false))

	_, err = store.GetSandbox(rec.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManagerDeleteReleasesLock(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager()

	rec, err := m.Create(ctx, CreateOptions{ID: "sb-1", Image: "img"})
	require.NoError(t, err)

	m.mu.Lock()
	_, held := m.locks[rec.ID]
	m.mu.Unlock()
	require.True(t, held)

	require.NoError(t, m.Delete(ctx, rec.ID, false))

	m.mu.Lock()
	_, held = m.locks[rec.ID]
	m.mu.Unlock()
	assert.False(t, held, "lock entry survived delete")
}

func TestDefaultStopTimeout(t *testing.T) {
	assert.Equal(t, defaultStopTimeout, DefaultStopTimeout(0))
	assert.Equal(t, defaultStopTimeout, DefaultStopTimeout(-time.Second))
	assert.Equal(t, 5*time.Second, DefaultStopTimeout(5*time.Second))
}

func TestManagerReconcileUnknown(t *testing.T) {
	ctx := context.Background()
	m, be, store := newTestManager()

	rec, err := m.Create(ctx, CreateOptions{ID: "sb-1", Image: "img"})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx, rec.ID))

	// Inspect failure must never leave a stale running status.
	require.NoError(t, be.RemoveSandbox(ctx, rec.ID, false))
	got, err := m.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, got.Status)

	stored, err := store.GetSandbox(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, stored.Status)
}

func TestManagerListFilters(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager()

	_, err := m.Create(ctx, CreateOptions{ID: "a", Name: "alpha", Image: "img", Labels: map[string]string{"team": "red"}})
	require.NoError(t, err)
	_, err = m.Create(ctx, CreateOptions{ID: "b", Name: "beta", Image: "img", Labels: map[string]string{"team": "blue"}})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx, "a"))

	all, err := m.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	running, err := m.List(ctx, Filter{Statuses: []Status{StatusRunning}})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "a", running[0].ID)

	named, err := m.List(ctx, Filter{Name: "BET"})
	require.NoError(t, err)
	require.Len(t, named, 1)
	assert.Equal(t, "b", named[0].ID)

	labeled, err := m.List(ctx, Filter{Labels: map[string]string{"team": "red"}, Statuses: []Status{StatusStopped}})
	require.NoError(t, err)
	assert.Empty(t, labeled)
}

func TestManagerExecRequiresRecord(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager()

	rec, err := m.Create(ctx, CreateOptions{ID: "sb-1", Image: "img"})
	require.NoError(t, err)

	res, err := m.Exec(ctx, rec.ID, []string{"false"}, backend.ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)

	_, err = m.Exec(ctx, "missing", []string{"true"}, backend.ExecOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManagerConcurrentSameID(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager()

	rec, err := m.Create(ctx, CreateOptions{ID: "sb-1", Image: "img"})
	require.NoError(t, err)

	// Racing start and stop on the same id must serialize and settle on a
	// valid status, never corrupt the registry.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				m.Start(ctx, rec.ID)
			} else {
				m.Stop(ctx, rec.ID, time.Millisecond)
			}
		}(i)
	}
	wg.Wait()

	status, err := m.GetStatus(ctx, rec.ID)
	require.NoError(t, err)
	assert.Contains(t, []Status{StatusRunning, StatusStopped}, status)
}

func TestValidTransition(t *testing.T) {
	assert.True(t, ValidTransition(StatusCreated, StatusRunning))
	assert.True(t, ValidTransition(StatusRunning, StatusPaused))
	assert.True(t, ValidTransition(StatusPaused, StatusRunning))
	assert.True(t, ValidTransition(StatusStopped, StatusRunning))
	assert.True(t, ValidTransition(StatusUnknown, StatusRunning))
	assert.True(t, ValidTransition(StatusRunning, StatusUnknown))

	assert.False(t, ValidTransition(StatusCreated, StatusPaused))
	assert.False(t, ValidTransition(StatusStopped, StatusPaused))
	assert.False(t, ValidTransition(StatusPaused, StatusStopped))
}
