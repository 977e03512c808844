package storage

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/shipyard/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreTests exercises the Store contract against any implementation
func runStoreTests(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("UploadedImageCRUD", func(t *testing.T) {
		s := newStore(t)
		now := time.Now().UTC()
		img := &types.UploadedImage{
			ID:          uuid.New().String(),
			Filename:    "app.tar",
			StoragePath: "abc_app.tar",
			SizeBytes:   42,
			Status:      types.ImageStatusUploaded,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		require.NoError(t, s.CreateUploadedImage(img))
		assert.Equal(t, int64(1), img.Version)

		got, err := s.GetUploadedImage(img.ID)
		require.NoError(t, err)
		assert.Equal(t, "app.tar", got.Filename)
		assert.Equal(t, types.ImageStatusUploaded, got.Status)

		got.Status = types.ImageStatusLoading
		require.NoError(t, s.UpdateUploadedImage(got))
		assert.Equal(t, int64(2), got.Version)

		got, err = s.GetUploadedImage(img.ID)
		require.NoError(t, err)
		assert.Equal(t, types.ImageStatusLoading, got.Status)
		assert.Equal(t, int64(2), got.Version)

		require.NoError(t, s.DeleteUploadedImage(img.ID))
		_, err = s.GetUploadedImage(img.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.DeleteUploadedImage(img.ID), ErrNotFound)
	})

	t.Run("StaleVersionRejected", func(t *testing.T) {
		s := newStore(t)
		c := &types.Container{
			ID:            uuid.New().String(),
			ResolvedImage: "nginx:latest",
			CPULimit:      0.5,
			MemoryLimitMB: 64,
			InternalPort:  80,
			HostPort:      8080,
			Status:        types.ContainerStatusCreated,
			CreatedAt:     time.Now().UTC(),
		}
		require.NoError(t, s.CreateContainer(c))

		first, err := s.GetContainer(c.ID)
		require.NoError(t, err)
		second, err := s.GetContainer(c.ID)
		require.NoError(t, err)

		first.Status = types.ContainerStatusRunning
		require.NoError(t, s.UpdateContainer(first))

		second.Status = types.ContainerStatusDeleted
		err = s.UpdateContainer(second)
		assert.ErrorIs(t, err, ErrVersionConflict)
		assert.Equal(t, int64(1), second.Version, "version restored after failed swap")

		got, err := s.GetContainer(c.ID)
		require.NoError(t, err)
		assert.Equal(t, types.ContainerStatusRunning, got.Status)
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		s := newStore(t)
		err := s.UpdateDockerImage(&types.DockerImage{ID: uuid.New().String(), Version: 1})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		s := newStore(t)
		img := &types.DockerImage{ID: uuid.New().String(), RuntimeID: "sha256:dup", Status: types.ImageStatusLoaded}
		require.NoError(t, s.CreateDockerImage(img))
		err := s.CreateDockerImage(&types.DockerImage{ID: img.ID, RuntimeID: "sha256:other"})
		assert.ErrorIs(t, err, ErrExists)
	})

	t.Run("ActiveDockerImageByRuntimeID", func(t *testing.T) {
		s := newStore(t)
		runtimeID := "sha256:" + uuid.New().String()
		inactive := &types.DockerImage{ID: uuid.New().String(), RuntimeID: runtimeID, IsActive: false, Status: types.ImageStatusLoaded}
		active := &types.DockerImage{ID: uuid.New().String(), RuntimeID: runtimeID, IsActive: true, Status: types.ImageStatusLoaded}
		require.NoError(t, s.CreateDockerImage(inactive))
		require.NoError(t, s.CreateDockerImage(active))

		got, err := s.GetActiveDockerImageByRuntimeID(runtimeID)
		require.NoError(t, err)
		assert.Equal(t, active.ID, got.ID)

		_, err = s.GetActiveDockerImageByRuntimeID("sha256:missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ListOrderedByCreation", func(t *testing.T) {
		s := newStore(t)
		base := time.Now().UTC().Add(-time.Hour)
		var ids []string
		for i := 0; i < 3; i++ {
			c := &types.Container{
				ID:        uuid.New().String(),
				Status:    types.ContainerStatusCreated,
				CreatedAt: base.Add(time.Duration(i) * time.Minute),
			}
			require.NoError(t, s.CreateContainer(c))
			ids = append(ids, c.ID)
		}

		list, err := s.ListContainers()
		require.NoError(t, err)

		var seen []string
		for _, c := range list {
			for _, id := range ids {
				if c.ID == id {
					seen = append(seen, id)
				}
			}
		}
		assert.Equal(t, ids, seen)
	})

	t.Run("ConcurrentSwapSingleWinner", func(t *testing.T) {
		s := newStore(t)
		img := &types.UploadedImage{ID: uuid.New().String(), Filename: "x.tar", StoragePath: "p", Status: types.ImageStatusUploaded}
		require.NoError(t, s.CreateUploadedImage(img))

		var wins, conflicts int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				cp := *img
				cp.Status = types.ImageStatusLoading
				err := s.UpdateUploadedImage(&cp)
				switch {
				case err == nil:
					atomic.AddInt32(&wins, 1)
				case errors.Is(err, ErrVersionConflict):
					atomic.AddInt32(&conflicts, 1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins)
		assert.Equal(t, int32(7), conflicts)
	})

	t.Run("Ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping())
	})
}
