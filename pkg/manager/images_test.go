package manager

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/cuemby/shipyard/pkg/events"
	"github.com/cuemby/shipyard/pkg/runtime"
	"github.com/cuemby/shipyard/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordUpload(t *testing.T) {
	h := newHarness(t, Options{})

	img := h.upload(t, "alpine.tar", "alpine:3.19")
	assert.Equal(t, types.ImageStatusUploaded, img.Status)
	assert.Equal(t, "alpine.tar", img.Filename)
	assert.Equal(t, img.ID+"_alpine.tar", img.StoragePath)
	assert.Positive(t, img.SizeBytes)

	exists, err := h.archives.Exists(context.Background(), img.StoragePath)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, []events.EventType{events.EventImageUploaded}, h.events.Types())
}

func TestRecordUploadValidation(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		maxBytes int64
	}{
		{"not a tar", "alpine.tar.gz", 0},
		{"no filename", "", 0},
		{"too large", "alpine.tar", 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{MaxUploadBytes: tt.maxBytes})
			_, err := h.images.RecordUpload(context.Background(), tt.filename,
				bytes.NewReader(runtime.NewArchive("alpine:3.19", "x")))
			requireKind(t, err, types.KindValidation)

			entries, err := os.ReadDir(h.archiveDir)
			require.NoError(t, err)
			assert.Empty(t, entries, "nothing is kept")
		})
	}
}

func TestRecordUploadRemovesArchiveWhenRecordFails(t *testing.T) {
	h := newHarness(t, Options{})
	h.store.failCreateUpload = errors.New("disk full")

	_, err := h.images.RecordUpload(context.Background(), "alpine.tar",
		bytes.NewReader(runtime.NewArchive("alpine:3.19", "x")))
	requireKind(t, err, types.KindStorage)

	entries, err := os.ReadDir(h.archiveDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLoadImageLifecycle(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	up := h.upload(t, "alpine.tar", "alpine:3.19")

	release := h.rt.HoldLoads()
	loading, err := h.images.LoadImage(ctx, up.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ImageStatusLoading, loading.Status)

	got, err := h.images.GetUploadedImage(up.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ImageStatusLoading, got.Status, "loading is visible before the runtime returns")

	release()
	h.images.Wait()

	got, err = h.images.GetUploadedImage(up.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ImageStatusLoaded, got.Status)
	require.NotEmpty(t, got.DockerImageID)

	img, err := h.images.GetDockerImage(got.DockerImageID)
	require.NoError(t, err)
	assert.Equal(t, "alpine", img.Name)
	assert.Equal(t, "3.19", img.Tag)
	assert.True(t, img.IsActive)
	assert.Equal(t, types.ImageStatusLoaded, img.Status)
	assert.Equal(t, up.ID, img.UploadedImageID)

	assert.Equal(t, []events.EventType{
		events.EventImageUploaded,
		events.EventImageLoading,
		events.EventImageLoaded,
	}, h.events.Types())
}

func TestLoadImageSingleInFlight(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	up := h.upload(t, "alpine.tar", "alpine:3.19")

	release := h.rt.HoldLoads()

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.images.LoadImage(ctx, up.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case types.IsKind(err, types.KindConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, conflicts)

	release()
	h.images.Wait()
	assert.Equal(t, 1, h.rt.Calls(runtime.OpLoadImage))
}

func TestLoadImageFailureAndRetry(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	up := h.upload(t, "alpine.tar", "alpine:3.19")

	h.rt.Fail(runtime.OpLoadImage, errors.New("no space left on device"))
	_, err := h.images.LoadImage(ctx, up.ID)
	require.NoError(t, err)
	h.images.Wait()

	got, err := h.images.GetUploadedImage(up.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ImageStatusFailed, got.Status)
	assert.Contains(t, got.Error, "no space left")
	assert.Empty(t, got.DockerImageID)
	assert.Contains(t, h.events.Types(), events.EventImageLoadFailed)

	h.rt.Clear(runtime.OpLoadImage)
	_, err = h.images.LoadImage(ctx, up.ID)
	require.NoError(t, err)
	h.images.Wait()

	got, err = h.images.GetUploadedImage(up.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ImageStatusLoaded, got.Status)
	assert.Empty(t, got.Error)
}

func TestLoadImageNameFallsBackToFilename(t *testing.T) {
	h := newHarness(t, Options{})
	img := h.loadedImage(t, "My App.tar", "")
	assert.Equal(t, "my-app", img.Name)
	assert.Equal(t, "latest", img.Tag)
}

func TestLoadImageSameRuntimeImageUpdatesRecord(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	first := h.loadedImage(t, "web.tar", "web:1.0")

	// same bytes, so the runtime yields the same image id
	second, err := h.images.RecordUpload(ctx, "web.tar", bytes.NewReader(runtime.NewArchive("web:1.0", "web.tar")))
	require.NoError(t, err)
	_, err = h.images.LoadImage(ctx, second.ID)
	require.NoError(t, err)
	h.images.Wait()

	images, err := h.images.ListDockerImages(false)
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, first.ID, images[0].ID)
	assert.Equal(t, second.ID, images[0].UploadedImageID)
}

func TestLoadImageRemovesRuntimeImageWhenRecordFails(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	up := h.upload(t, "nginx.tar", "nginx:1.25")
	h.store.failCreateImage = errors.New("disk full")

	_, err := h.images.LoadImage(ctx, up.ID)
	require.NoError(t, err)
	h.images.Wait()

	got, err := h.images.GetUploadedImage(up.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ImageStatusFailed, got.Status)
	assert.Contains(t, got.Error, "disk full")

	left, err := h.rt.ListImages(ctx)
	require.NoError(t, err)
	assert.Empty(t, left, "runtime image removed again")
	assert.Equal(t, 1, h.rt.Calls(runtime.OpRemoveImage))
}

func TestLoadImageKeepsTrackedRuntimeImageWhenUpdateFails(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	first := h.loadedImage(t, "web.tar", "web:1.0")
	h.store.failUpdateImage = errors.New("disk full")

	second, err := h.images.RecordUpload(ctx, "web.tar", bytes.NewReader(runtime.NewArchive("web:1.0", "web.tar")))
	require.NoError(t, err)
	_, err = h.images.LoadImage(ctx, second.ID)
	require.NoError(t, err)
	h.images.Wait()

	got, err := h.images.GetUploadedImage(second.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ImageStatusFailed, got.Status)

	left, err := h.rt.ListImages(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1, "image still backs record %s", first.ID)
	assert.Equal(t, first.RuntimeID, left[0].ID)
	assert.Zero(t, h.rt.Calls(runtime.OpRemoveImage))
}

func TestLoadImageNotFound(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.images.LoadImage(context.Background(), "missing")
	requireKind(t, err, types.KindNotFound)
}

func TestDeleteUploadedImage(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	up := h.upload(t, "alpine.tar", "alpine:3.19")

	release := h.rt.HoldLoads()
	_, err := h.images.LoadImage(ctx, up.ID)
	require.NoError(t, err)

	requireKind(t, h.images.DeleteUploadedImage(ctx, up.ID), types.KindConflict)

	release()
	h.images.Wait()

	require.NoError(t, h.images.DeleteUploadedImage(ctx, up.ID))
	_, err = h.images.GetUploadedImage(up.ID)
	requireKind(t, err, types.KindNotFound)

	exists, err := h.archives.Exists(ctx, up.StoragePath)
	require.NoError(t, err)
	assert.False(t, exists)

	requireKind(t, h.images.DeleteUploadedImage(ctx, up.ID), types.KindNotFound)
}

func TestListUploadedImagesLatestOnly(t *testing.T) {
	h := newHarness(t, Options{})
	h.upload(t, "a.tar", "a:1")
	h.upload(t, "b.tar", "b:1")
	newest := h.upload(t, "a.tar", "a:2")

	all, err := h.images.ListUploadedImages(false)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	latest, err := h.images.ListUploadedImages(true)
	require.NoError(t, err)
	require.Len(t, latest, 2)

	byName := map[string]string{}
	for _, img := range latest {
		byName[img.Filename] = img.ID
	}
	assert.Equal(t, newest.ID, byName["a.tar"])
}

func TestDeleteDockerImage(t *testing.T) {
	ctx := context.Background()

	t.Run("soft", func(t *testing.T) {
		h := newHarness(t, Options{})
		img := h.loadedImage(t, "web.tar", "web:1.0")

		require.NoError(t, h.images.DeleteDockerImage(ctx, img.ID, false))

		got, err := h.images.GetDockerImage(img.ID)
		require.NoError(t, err)
		assert.False(t, got.IsActive)

		remaining, err := h.rt.ListImages(ctx)
		require.NoError(t, err)
		assert.Empty(t, remaining)

		active, err := h.images.ListDockerImages(true)
		require.NoError(t, err)
		assert.Empty(t, active)

		_, err = h.images.ResolveImage(img.ID)
		requireKind(t, err, types.KindNotFound)
	})

	t.Run("purge", func(t *testing.T) {
		h := newHarness(t, Options{})
		img := h.loadedImage(t, "web.tar", "web:1.0")

		require.NoError(t, h.images.DeleteDockerImage(ctx, img.ID, true))
		_, err := h.images.GetDockerImage(img.ID)
		requireKind(t, err, types.KindNotFound)
	})

	t.Run("already gone from runtime", func(t *testing.T) {
		h := newHarness(t, Options{})
		img := h.loadedImage(t, "web.tar", "web:1.0")
		h.rt.VanishImage(img.RuntimeID)

		require.NoError(t, h.images.DeleteDockerImage(ctx, img.ID, false))
	})

	t.Run("runtime failure keeps record", func(t *testing.T) {
		h := newHarness(t, Options{})
		img := h.loadedImage(t, "web.tar", "web:1.0")
		h.rt.Fail(runtime.OpRemoveImage, errors.New("daemon unavailable"))

		requireKind(t, h.images.DeleteDockerImage(ctx, img.ID, false), types.KindRuntime)
		got, err := h.images.GetDockerImage(img.ID)
		require.NoError(t, err)
		assert.True(t, got.IsActive)
	})

	t.Run("in use", func(t *testing.T) {
		h := newHarness(t, Options{})
		img := h.loadedImage(t, "web.tar", "web:1.0")
		_, err := h.containers.CreateContainer(ctx, CreateRequest{
			ImageID: img.ID, CPULimit: 1, MemoryLimitMB: 64, HostPort: 8080,
		})
		require.NoError(t, err)

		requireKind(t, h.images.DeleteDockerImage(ctx, img.ID, false), types.KindConflict)
	})
}

func TestReloadDockerImage(t *testing.T) {
	ctx := context.Background()

	t.Run("from archive", func(t *testing.T) {
		h := newHarness(t, Options{})
		img := h.loadedImage(t, "web.tar", "web:1.0")
		require.NoError(t, h.images.DeleteDockerImage(ctx, img.ID, false))

		reloading, err := h.images.ReloadDockerImage(ctx, img.ID)
		require.NoError(t, err)
		assert.Equal(t, types.ImageStatusLoading, reloading.Status)
		h.images.Wait()

		got, err := h.images.GetDockerImage(img.ID)
		require.NoError(t, err)
		assert.True(t, got.IsActive)
		assert.Equal(t, types.ImageStatusLoaded, got.Status)

		remaining, err := h.rt.ListImages(ctx)
		require.NoError(t, err)
		assert.Len(t, remaining, 1)
		assert.Contains(t, h.events.Types(), events.EventDockerImageReloaded)
	})

	t.Run("resync without archive", func(t *testing.T) {
		h := newHarness(t, Options{})
		img := h.loadedImage(t, "web.tar", "web:1.0")
		require.NoError(t, h.images.DeleteUploadedImage(ctx, img.UploadedImageID))

		_, err := h.images.ReloadDockerImage(ctx, img.ID)
		require.NoError(t, err)
		h.images.Wait()
		got, err := h.images.GetDockerImage(img.ID)
		require.NoError(t, err)
		assert.True(t, got.IsActive, "runtime still lists the image")

		h.rt.VanishImage(img.RuntimeID)
		_, err = h.images.ReloadDockerImage(ctx, img.ID)
		require.NoError(t, err)
		h.images.Wait()
		got, err = h.images.GetDockerImage(img.ID)
		require.NoError(t, err)
		assert.False(t, got.IsActive)
		assert.Equal(t, types.ImageStatusFailed, got.Status)
		assert.True(t, strings.Contains(got.Error, "no longer present"))
	})

	t.Run("rejects concurrent reload and delete", func(t *testing.T) {
		h := newHarness(t, Options{})
		img := h.loadedImage(t, "web.tar", "web:1.0")

		release := h.rt.HoldLoads()
		_, err := h.images.ReloadDockerImage(ctx, img.ID)
		require.NoError(t, err)

		_, err = h.images.ReloadDockerImage(ctx, img.ID)
		requireKind(t, err, types.KindConflict)
		requireKind(t, h.images.DeleteDockerImage(ctx, img.ID, true), types.KindConflict)

		release()
		h.images.Wait()
	})
}

func TestRecoverFailsInterruptedLoads(t *testing.T) {
	h := newHarness(t, Options{})
	up := h.upload(t, "alpine.tar", "alpine:3.19")

	stuck, err := h.store.GetUploadedImage(up.ID)
	require.NoError(t, err)
	stuck.Status = types.ImageStatusLoading
	require.NoError(t, h.store.UpdateUploadedImage(stuck))

	require.NoError(t, h.images.Recover(context.Background()))

	got, err := h.images.GetUploadedImage(up.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ImageStatusFailed, got.Status)
	assert.NotEmpty(t, got.Error)
}

func TestNameFromFilename(t *testing.T) {
	tests := []struct {
		filename string
		want     string
	}{
		{"alpine.tar", "alpine"},
		{"My App.tar", "my-app"},
		{"web_server-v2.TAR", "web_server-v2"},
		{"...tar", "image"},
	}
	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			assert.Equal(t, tt.want, nameFromFilename(tt.filename))
		})
	}
}
