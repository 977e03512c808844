package runtime

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/shipyard/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestImage(t *testing.T, m *MemoryRuntime, tag string) *types.RuntimeImage {
	t.Helper()
	img, err := m.LoadImage(context.Background(), bytes.NewReader(NewArchive(tag, tag)))
	require.NoError(t, err)
	return img
}

func TestMemoryRuntimeLoadImage(t *testing.T) {
	m := NewMemoryRuntime()
	ctx := context.Background()

	img := loadTestImage(t, m, "web:1.0")
	assert.Equal(t, "web", img.Name)
	assert.Equal(t, "1.0", img.Tag)
	assert.Contains(t, img.ID, "sha256:")

	again := loadTestImage(t, m, "web:1.0")
	assert.Equal(t, img.ID, again.ID, "same archive yields same image")

	untagged, err := m.LoadImage(ctx, bytes.NewReader(NewArchive("", "x")))
	require.NoError(t, err)
	assert.Empty(t, untagged.Name)

	_, err = m.LoadImage(ctx, bytes.NewReader([]byte("not a tar archive at all, definitely not")))
	assert.Error(t, err)

	images, err := m.ListImages(ctx)
	require.NoError(t, err)
	assert.Len(t, images, 2)
}

func TestMemoryRuntimeContainerLifecycle(t *testing.T) {
	m := NewMemoryRuntime()
	ctx := context.Background()
	loadTestImage(t, m, "web:1.0")

	id, err := m.CreateContainer(ctx, ContainerConfig{RecordID: "r-1", Image: "web:1.0", InternalPort: 80, HostPort: 8080})
	require.NoError(t, err)

	rc, err := m.InspectContainer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.RuntimeStateCreated, rc.State)

	require.NoError(t, m.StartContainer(ctx, id))
	rc, err = m.InspectContainer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.RuntimeStateRunning, rc.State)
	assert.Equal(t, 8080, rc.ExposedPort)

	m.WriteLogs(id, "one", "two", "three")
	logs, err := m.FetchLogs(ctx, id, 2)
	require.NoError(t, err)
	assert.Equal(t, "two\nthree", logs)

	require.NoError(t, m.StopContainer(ctx, id, time.Second))
	rc, err = m.InspectContainer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.RuntimeStateExited, rc.State)

	require.NoError(t, m.RemoveContainer(ctx, id))
	_, err = m.InspectContainer(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.RemoveContainer(ctx, id), ErrNotFound)
}

func TestMemoryRuntimePortAllocation(t *testing.T) {
	m := NewMemoryRuntime()
	ctx := context.Background()
	loadTestImage(t, m, "web:1.0")

	a, err := m.CreateContainer(ctx, ContainerConfig{RecordID: "a", Image: "web:1.0", HostPort: 9000})
	require.NoError(t, err)
	b, err := m.CreateContainer(ctx, ContainerConfig{RecordID: "b", Image: "web:1.0", HostPort: 9000})
	require.NoError(t, err)

	require.NoError(t, m.StartContainer(ctx, a))
	assert.Error(t, m.StartContainer(ctx, b))
}

func TestMemoryRuntimeUnknownImage(t *testing.T) {
	m := NewMemoryRuntime()
	_, err := m.CreateContainer(context.Background(), ContainerConfig{Image: "missing:1"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRuntimeListsManagedOnly(t *testing.T) {
	m := NewMemoryRuntime()
	ctx := context.Background()
	loadTestImage(t, m, "web:1.0")

	managed, err := m.CreateContainer(ctx, ContainerConfig{RecordID: "r", Image: "web:1.0"})
	require.NoError(t, err)
	m.CreateUnmanaged("someone-else")

	list, err := m.ListContainers(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, managed, list[0].ID)
}

func TestMemoryRuntimeFailureInjection(t *testing.T) {
	m := NewMemoryRuntime()
	ctx := context.Background()
	boom := errors.New("boom")

	m.Fail(OpPing, boom)
	assert.ErrorIs(t, m.Ping(ctx), boom)
	m.Clear(OpPing)
	assert.NoError(t, m.Ping(ctx))
	assert.Equal(t, 2, m.Calls(OpPing))
}

func TestMemoryRuntimeHoldLoads(t *testing.T) {
	m := NewMemoryRuntime()
	release := m.HoldLoads()

	done := make(chan error, 1)
	go func() {
		_, err := m.LoadImage(context.Background(), bytes.NewReader(NewArchive("held:1", "")))
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("load finished while held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("load did not finish after release")
	}
}

func TestMemoryRuntimeCrash(t *testing.T) {
	m := NewMemoryRuntime()
	ctx := context.Background()
	loadTestImage(t, m, "web:1.0")

	id, err := m.CreateContainer(ctx, ContainerConfig{RecordID: "r", Image: "web:1.0"})
	require.NoError(t, err)
	require.NoError(t, m.StartContainer(ctx, id))

	m.Crash(id, 137)
	rc, err := m.InspectContainer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.RuntimeStateExited, rc.State)
	assert.Equal(t, 137, rc.ExitCode)
}
