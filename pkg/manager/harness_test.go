package manager

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cuemby/shipyard/pkg/archive"
	"github.com/cuemby/shipyard/pkg/events"
	"github.com/cuemby/shipyard/pkg/runtime"
	"github.com/cuemby/shipyard/pkg/storage"
	"github.com/cuemby/shipyard/pkg/types"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recorder) Publish(e *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) Types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

// faultyStore fails selected writes
type faultyStore struct {
	storage.Store
	failCreateUpload    error
	failCreateContainer error
	failCreateImage     error
	failUpdateImage     error
}

func (s *faultyStore) CreateDockerImage(img *types.DockerImage) error {
	if s.failCreateImage != nil {
		return s.failCreateImage
	}
	return s.Store.CreateDockerImage(img)
}

func (s *faultyStore) UpdateDockerImage(img *types.DockerImage) error {
	if s.failUpdateImage != nil {
		return s.failUpdateImage
	}
	return s.Store.UpdateDockerImage(img)
}

func (s *faultyStore) CreateUploadedImage(img *types.UploadedImage) error {
	if s.failCreateUpload != nil {
		return s.failCreateUpload
	}
	return s.Store.CreateUploadedImage(img)
}

func (s *faultyStore) CreateContainer(c *types.Container) error {
	if s.failCreateContainer != nil {
		return s.failCreateContainer
	}
	return s.Store.CreateContainer(c)
}

type harness struct {
	store      *faultyStore
	archiveDir string
	archives   *archive.LocalStore
	rt         *runtime.MemoryRuntime
	locks      *KeyedLock
	events     *recorder
	images     *ImageManager
	containers *ContainerManager
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	dir := t.TempDir()

	bolt, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	archiveDir := filepath.Join(dir, "archives")
	archives, err := archive.NewLocalStore(archiveDir)
	require.NoError(t, err)

	h := &harness{
		store:      &faultyStore{Store: bolt},
		archiveDir: archiveDir,
		archives:   archives,
		rt:         runtime.NewMemoryRuntime(),
		locks:      NewKeyedLock(),
		events:     &recorder{},
	}
	opts.Locks = h.locks
	opts.Events = h.events
	h.images = NewImageManager(h.store, h.archives, h.rt, opts)
	h.containers = NewContainerManager(h.store, h.rt, h.images, opts)
	t.Cleanup(h.images.Close)
	return h
}

func (h *harness) upload(t *testing.T, filename, repoTag string) *types.UploadedImage {
	t.Helper()
	img, err := h.images.RecordUpload(context.Background(), filename, bytes.NewReader(runtime.NewArchive(repoTag, filename)))
	require.NoError(t, err)
	return img
}

// loadedImage uploads and loads an archive and returns the resulting image record
func (h *harness) loadedImage(t *testing.T, filename, repoTag string) *types.DockerImage {
	t.Helper()
	up := h.upload(t, filename, repoTag)
	_, err := h.images.LoadImage(context.Background(), up.ID)
	require.NoError(t, err)
	h.images.Wait()

	up, err = h.images.GetUploadedImage(up.ID)
	require.NoError(t, err)
	require.Equal(t, types.ImageStatusLoaded, up.Status, up.Error)

	img, err := h.images.GetDockerImage(up.DockerImageID)
	require.NoError(t, err)
	return img
}

func requireKind(t *testing.T, err error, kind types.ErrorKind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, types.KindOf(err), err.Error())
}
