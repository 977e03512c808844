package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

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

type testAPI struct {
	rt      *runtime.MemoryRuntime
	images  *manager.ImageManager
	broker  *events.Broker
	handler http.Handler
}

func newTestAPI(t *testing.T) *testAPI {
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
	rec := reconciler.NewReconciler(store, rt, reconciler.Config{Locks: opts.Locks, Events: broker})

	srv := NewServer(zerolog.Nop(), Deps{
		Images:     images,
		Containers: containers,
		Reconciler: rec,
		Broker:     broker,
		Store:      store,
		Runtime:    rt,
		Version:    "test",
	})
	return &testAPI{rt: rt, images: images, broker: broker, handler: srv.Handler()}
}

func (a *testAPI) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	return w
}

func (a *testAPI) doJSON(t *testing.T, method, path string, v any) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if v != nil {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	}
	return a.do(t, method, path, body, "application/json")
}

func (a *testAPI) upload(t *testing.T, path, filename string, archive []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(uploadField, filename)
	require.NoError(t, err)
	_, err = fw.Write(archive)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return a.do(t, http.MethodPost, path, &buf, mw.FormDataContentType())
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

func TestImageAndContainerFlow(t *testing.T) {
	a := newTestAPI(t)

	w := a.upload(t, "/api/v1/images/upload?load=true", "nginx.tar", runtime.NewArchive("nginx:1.25", "nginx"))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	up := decode[types.UploadedImage](t, w)
	assert.Equal(t, types.ImageStatusLoading, up.Status)
	a.images.Wait()

	w = a.do(t, http.MethodGet, "/api/v1/images/uploaded/"+up.ID, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	up = decode[types.UploadedImage](t, w)
	assert.Equal(t, types.ImageStatusLoaded, up.Status)

	w = a.do(t, http.MethodGet, "/api/v1/images/docker?active_only=true", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	images := decode[[]types.DockerImage](t, w)
	require.Len(t, images, 1)
	assert.Equal(t, "nginx", images[0].Name)

	w = a.doJSON(t, http.MethodPost, "/api/v1/containers", manager.CreateRequest{
		ImageID:       images[0].ID,
		CPULimit:      1,
		MemoryLimitMB: 512,
		InternalPort:  80,
		HostPort:      8080,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	c := decode[types.Container](t, w)
	assert.Equal(t, types.ContainerStatusCreated, c.Status)

	w = a.do(t, http.MethodPost, "/api/v1/containers/"+c.ID+"/start", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	c = decode[types.Container](t, w)
	assert.Equal(t, types.ContainerStatusRunning, c.Status)
	assert.Equal(t, 8080, c.ExposedPort)

	a.rt.WriteLogs(c.RuntimeID, "ready", "serving")
	w = a.do(t, http.MethodGet, "/api/v1/containers/"+c.ID+"/logs?tail=1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "serving", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")

	w = a.do(t, http.MethodPost, "/api/v1/containers/"+c.ID+"/stop", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.ContainerStatusStopped, decode[types.Container](t, w).Status)

	w = a.do(t, http.MethodDelete, "/api/v1/containers/"+c.ID, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.ContainerStatusDeleted, decode[types.Container](t, w).Status)

	w = a.do(t, http.MethodGet, "/api/v1/containers", nil, "")
	assert.Empty(t, decode[[]types.Container](t, w))
	w = a.do(t, http.MethodGet, "/api/v1/containers?include_deleted=true", nil, "")
	assert.Len(t, decode[[]types.Container](t, w), 1)

	w = a.do(t, http.MethodDelete, "/api/v1/images/docker/"+images[0].ID+"?purge=true", nil, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = a.do(t, http.MethodDelete, "/api/v1/images/uploaded/"+up.ID, nil, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestErrorResponses(t *testing.T) {
	a := newTestAPI(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		kind   types.ErrorKind
	}{
		{"unknown container", http.MethodGet, "/api/v1/containers/missing", "", http.StatusNotFound, types.KindNotFound},
		{"unknown upload", http.MethodPost, "/api/v1/images/uploaded/missing/load", "", http.StatusNotFound, types.KindNotFound},
		{"no image", http.MethodPost, "/api/v1/containers", `{"cpu_limit":1,"memory_limit_mb":64,"host_port":8080}`, http.StatusBadRequest, types.KindValidation},
		{"bad json", http.MethodPost, "/api/v1/containers", `{"cpu_limit":`, http.StatusBadRequest, types.KindValidation},
		{"unknown field", http.MethodPost, "/api/v1/containers", `{"image":"x","cpus":1}`, http.StatusBadRequest, types.KindValidation},
		{"runtime rejects image", http.MethodPost, "/api/v1/containers", `{"image":"ghost:1","cpu_limit":1,"memory_limit_mb":64,"host_port":8080}`, http.StatusBadGateway, types.KindRuntime},
		{"bad bool", http.MethodGet, "/api/v1/containers?include_deleted=maybe", "", http.StatusBadRequest, types.KindValidation},
		{"bad tail", http.MethodGet, "/api/v1/containers/x/logs?tail=-1", "", http.StatusBadRequest, types.KindValidation},
		{"upload not multipart", http.MethodPost, "/api/v1/images/upload", `{}`, http.StatusBadRequest, types.KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := a.do(t, tt.method, tt.path, strings.NewReader(tt.body), "application/json")
			require.Equal(t, tt.status, w.Code, w.Body.String())
			resp := decode[ErrorResponse](t, w)
			assert.Equal(t, tt.kind, resp.Kind)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestUploadRejectsNonTar(t *testing.T) {
	a := newTestAPI(t)
	w := a.upload(t, "/api/v1/images/upload", "nginx.zip", []byte("zip"))
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, types.KindValidation, decode[ErrorResponse](t, w).Kind)
}

func TestStartConflictStatus(t *testing.T) {
	a := newTestAPI(t)
	a.upload(t, "/api/v1/images/upload?load=true", "nginx.tar", runtime.NewArchive("nginx:1.25", "nginx"))
	a.images.Wait()

	create := func() types.Container {
		w := a.doJSON(t, http.MethodPost, "/api/v1/containers", map[string]any{
			"image": "nginx:1.25", "cpu_limit": 0.5, "memory_limit_mb": 64, "host_port": 8080,
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		return decode[types.Container](t, w)
	}
	first, second := create(), create()

	w := a.do(t, http.MethodPost, "/api/v1/containers/"+first.ID+"/start", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = a.do(t, http.MethodPost, "/api/v1/containers/"+second.ID+"/start", nil, "")
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, decode[ErrorResponse](t, w).Error, "host port 8080")
}

func TestStartFailureCarriesContainer(t *testing.T) {
	a := newTestAPI(t)
	a.upload(t, "/api/v1/images/upload?load=true", "nginx.tar", runtime.NewArchive("nginx:1.25", "nginx"))
	a.images.Wait()
	a.rt.Fail(runtime.OpStartContainer, errors.New("insufficient memory"))

	w := a.doJSON(t, http.MethodPost, "/api/v1/containers", map[string]any{
		"image": "nginx:1.25", "cpu_limit": 1, "memory_limit_mb": 64, "host_port": 8080, "auto_start": true,
	})
	require.Equal(t, http.StatusBadGateway, w.Code)
	resp := decode[ErrorResponse](t, w)
	assert.Equal(t, types.KindRuntime, resp.Kind)
	require.NotNil(t, resp.Container)
	assert.Equal(t, types.ContainerStatusError, resp.Container.Status)
}

func TestReconcileEndpoint(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodPost, "/api/v1/reconcile", nil, "")
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = a.do(t, http.MethodPost, "/api/v1/reconcile?wait=true", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	report := decode[reconciler.Report](t, w)
	assert.Zero(t, report.ContainersUpdated)

	a.rt.Fail(runtime.OpListImages, errors.New("daemon down"))
	w = a.do(t, http.MethodPost, "/api/v1/reconcile?wait=true", nil, "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestHealthEndpoints(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = a.do(t, http.MethodPost, "/health", nil, "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = a.do(t, http.MethodGet, "/ready", nil, "")
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	a.rt.Fail(runtime.OpPing, errors.New("daemon down"))
	w = a.do(t, http.MethodGet, "/ready", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "daemon down")

	w = a.do(t, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "shipyard_api_requests_total")
}

func TestEventStream(t *testing.T) {
	a := newTestAPI(t)
	ts := httptest.NewServer(a.handler)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events?type=image.", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return a.broker.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)
	a.upload(t, "/api/v1/images/upload", "nginx.tar", runtime.NewArchive("nginx:1.25", "nginx"))

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "event: ") {
			assert.Equal(t, "event: image.uploaded", line)
			return
		}
	}
	t.Fatalf("stream ended without an event: %v", scanner.Err())
}
