package client

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/shipyard/pkg/api"
	"github.com/cuemby/shipyard/pkg/archive"
	"github.com/cuemby/shipyard/pkg/events"
	"github.com/cuemby/shipyard/pkg/manager"
	"github.com/cuemby/shipyard/pkg/reconciler"
	"github.com/cuemby/shipyard/pkg/runtime"
	"github.com/cuemby/shipyard/pkg/storage"
	"github.com/cuemby/shipyard/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	rt     *runtime.MemoryRuntime
	broker *events.Broker
	client *Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	archives, err := archive.NewLocalStore(filepath.Join(dir, "archives"))
	require.NoError(t, err)

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	rt := runtime.NewMemoryRuntime()
	opts := manager.Options{Locks: manager.NewKeyedLock(), Events: broker}
	images := manager.NewImageManager(store, archives, rt, opts)
	t.Cleanup(images.Close)
	containers := manager.NewContainerManager(store, rt, images, opts)

	srv := api.NewServer(zerolog.Nop(), api.Deps{
		Images:     images,
		Containers: containers,
		Reconciler: reconciler.NewReconciler(store, rt, reconciler.Config{Locks: opts.Locks}),
		Broker:     broker,
		Store:      store,
		Runtime:    rt,
		Version:    "test",
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testServer{rt: rt, broker: broker, client: NewClient(ts.URL + "/")}
}

func (s *testServer) loadedImage(t *testing.T, ctx context.Context) *types.DockerImage {
	t.Helper()
	img, err := s.client.UploadImage(ctx, "nginx.tar", bytes.NewReader(runtime.NewArchive("nginx:1.25", "nginx")), true)
	require.NoError(t, err)
	img, err = s.client.WaitForLoad(ctx, img.ID, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, types.ImageStatusLoaded, img.Status)

	dimg, err := s.client.GetDockerImage(ctx, img.DockerImageID)
	require.NoError(t, err)
	return dimg
}

func TestClientLifecycle(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	c := s.client

	require.NoError(t, c.Ready(ctx))
	img := s.loadedImage(t, ctx)

	uploads, err := c.ListUploadedImages(ctx, true)
	require.NoError(t, err)
	assert.Len(t, uploads, 1)

	created, err := c.CreateContainer(ctx, manager.CreateRequest{
		Name:          "web",
		ImageID:       img.ID,
		CPULimit:      1,
		MemoryLimitMB: 256,
		HostPort:      8080,
		AutoStart:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStatusRunning, created.Status)
	assert.Equal(t, 80, created.InternalPort)

	s.rt.WriteLogs(created.RuntimeID, "a", "b", "c")
	logs, err := c.ContainerLogs(ctx, created.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, "b\nc", logs)

	stopped, err := c.StopContainer(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStatusStopped, stopped.Status)

	started, err := c.StartContainer(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStatusRunning, started.Status)

	deleted, err := c.DeleteContainer(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStatusDeleted, deleted.Status)

	live, err := c.ListContainers(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, live)

	report, err := c.Reconcile(ctx, true)
	require.NoError(t, err)
	assert.NotNil(t, report)

	require.NoError(t, c.DeleteDockerImage(ctx, img.ID, false))
	active, err := c.ListDockerImages(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)
	all, err := c.ListDockerImages(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestClientErrorKinds(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, err := s.client.GetContainer(ctx, "missing")
	assert.True(t, types.IsKind(err, types.KindNotFound), err)

	_, err = s.client.CreateContainer(ctx, manager.CreateRequest{CPULimit: 1, MemoryLimitMB: 64, HostPort: 8080})
	assert.True(t, types.IsKind(err, types.KindValidation), err)
	assert.Equal(t, "one of image or image_id is required", types.DetailOf(err))

	_, err = s.client.UploadImage(ctx, "notes.txt", bytes.NewReader([]byte("x")), false)
	assert.True(t, types.IsKind(err, types.KindValidation), err)

	err = s.client.DeleteUploadedImage(ctx, "missing")
	assert.True(t, types.IsKind(err, types.KindNotFound), err)
}

func TestCreateContainerReturnsFailedRecord(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	img := s.loadedImage(t, ctx)
	s.rt.Fail(runtime.OpStartContainer, errors.New("port already allocated"))

	c, err := s.client.CreateContainer(ctx, manager.CreateRequest{
		ImageID: img.ID, CPULimit: 1, MemoryLimitMB: 64, HostPort: 8080, AutoStart: true,
	})
	assert.True(t, types.IsKind(err, types.KindRuntime), err)
	require.NotNil(t, c)
	assert.Equal(t, types.ContainerStatusError, c.Status)
	assert.Equal(t, types.ContainerStatusCreated, c.PreviousStatus)
}

func TestRetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","status":"running"}`))
	}))
	defer ts.Close()

	c, err := NewClient(ts.URL).GetContainer(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", c.ID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDoesNotRetryAnswers(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   types.ErrorKind
	}{
		{"conflict", http.StatusConflict, `{"kind":"conflict","error":"container c1 has an operation in progress"}`, types.KindConflict},
		{"runtime", http.StatusBadGateway, `{"kind":"runtime","error":"daemon unreachable"}`, types.KindRuntime},
		{"plain text", http.StatusInternalServerError, "boom", types.KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			_, err := NewClient(ts.URL).StartContainer(context.Background(), "c1")
			assert.True(t, types.IsKind(err, tt.kind), err)
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestStreamEvents(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan *events.Event, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.client.StreamEvents(ctx, "image.", func(e *events.Event) error {
			received <- e
			return errors.New("stop")
		})
	}()

	require.Eventually(t, func() bool { return s.broker.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)
	_, err := s.client.UploadImage(ctx, "nginx.tar", bytes.NewReader(runtime.NewArchive("nginx:1.25", "nginx")), false)
	require.NoError(t, err)

	select {
	case e := <-received:
		assert.Equal(t, events.EventImageUploaded, e.Type)
	case <-ctx.Done():
		t.Fatal("no event received")
	}
	assert.EqualError(t, <-done, "stop")
}
