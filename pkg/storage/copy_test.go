package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/shipyard/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBolt(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s Store) (upload *types.UploadedImage, image *types.DockerImage, c *types.Container) {
	t.Helper()
	now := time.Now().UTC()
	upload = &types.UploadedImage{ID: uuid.New().String(), Filename: "app.tar", Status: types.ImageStatusLoaded, CreatedAt: now, UpdatedAt: now}
	image = &types.DockerImage{ID: uuid.New().String(), RuntimeID: "sha256:abc", Name: "app", Tag: "1.0", IsActive: true, Status: types.ImageStatusLoaded, CreatedAt: now, UpdatedAt: now}
	c = &types.Container{ID: uuid.New().String(), Name: "web", ImageID: image.ID, Status: types.ContainerStatusRunning, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateUploadedImage(upload))
	require.NoError(t, s.CreateDockerImage(image))
	require.NoError(t, s.CreateContainer(c))

	// Move versions past 1 so the copy has something to reset.
	require.NoError(t, s.UpdateContainer(c))
	return upload, image, c
}

func TestCopy(t *testing.T) {
	src, dst := newBolt(t), newBolt(t)
	upload, image, c := seed(t, src)

	report, err := Copy(dst, src, false)
	require.NoError(t, err)
	assert.Equal(t, &CopyReport{UploadedImages: 1, DockerImages: 1, Containers: 1}, report)

	gotUpload, err := dst.GetUploadedImage(upload.ID)
	require.NoError(t, err)
	assert.Equal(t, "app.tar", gotUpload.Filename)

	gotImage, err := dst.GetActiveDockerImageByRuntimeID("sha256:abc")
	require.NoError(t, err)
	assert.Equal(t, image.ID, gotImage.ID)

	gotContainer, err := dst.GetContainer(c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStatusRunning, gotContainer.Status)
	assert.Equal(t, int64(1), gotContainer.Version)

	// A rerun finds everything in place.
	report, err = Copy(dst, src, false)
	require.NoError(t, err)
	assert.Equal(t, &CopyReport{Skipped: 3}, report)
}

func TestCopyDryRun(t *testing.T) {
	src, dst := newBolt(t), newBolt(t)
	seed(t, src)

	report, err := Copy(dst, src, true)
	require.NoError(t, err)
	assert.Equal(t, &CopyReport{UploadedImages: 1, DockerImages: 1, Containers: 1}, report)

	containers, err := dst.ListContainers()
	require.NoError(t, err)
	assert.Empty(t, containers)
}

func TestBoltBackup(t *testing.T) {
	src := newBolt(t)
	_, _, c := seed(t, src)

	dir := t.TempDir()
	require.NoError(t, src.Backup(filepath.Join(dir, "shipyard.db")))

	restored, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer restored.Close()

	got, err := restored.GetContainer(c.ID)
	require.NoError(t, err)
	assert.Equal(t, "web", got.Name)
}
