package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/cuemby/shipyard/pkg/archive"
	"github.com/cuemby/shipyard/pkg/events"
	"github.com/cuemby/shipyard/pkg/log"
	"github.com/cuemby/shipyard/pkg/metrics"
	"github.com/cuemby/shipyard/pkg/runtime"
	"github.com/cuemby/shipyard/pkg/storage"
	"github.com/cuemby/shipyard/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultTag = "latest"

var invalidNameChars = regexp.MustCompile(`[^a-z0-9._-]+`)

// ImageManager owns the UploadedImage and DockerImage state machines
type ImageManager struct {
	store    storage.Store
	archives archive.Store
	runtime  runtime.Runtime
	events   events.Publisher
	locks    *KeyedLock
	opts     Options
	logger   zerolog.Logger

	// background loads run under ctx and are tracked by wg
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewImageManager creates an image manager
func NewImageManager(store storage.Store, archives archive.Store, rt runtime.Runtime, opts Options) *ImageManager {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &ImageManager{
		store:    store,
		archives: archives,
		runtime:  rt,
		events:   opts.Events,
		locks:    opts.Locks,
		opts:     opts,
		logger:   log.WithComponent("image-manager"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Wait blocks until every background load has finished
func (m *ImageManager) Wait() {
	m.wg.Wait()
}

// Close cancels background loads and waits for them to record their outcome
func (m *ImageManager) Close() {
	m.cancel()
	m.wg.Wait()
}

// Recover fails records left in loading by a previous process
func (m *ImageManager) Recover(ctx context.Context) error {
	uploads, err := m.store.ListUploadedImages()
	if err != nil {
		return types.StorageError(err, "failed to list uploaded images")
	}
	for _, u := range uploads {
		if !u.InFlight() {
			continue
		}
		u.Status = types.ImageStatusFailed
		u.Error = "load interrupted by restart"
		u.UpdatedAt = now()
		if err := m.store.UpdateUploadedImage(u); err != nil {
			return storeError(err, "uploaded image", u.ID)
		}
		m.logger.Warn().Str("upload_id", u.ID).Msg("Marked interrupted load as failed")
	}

	images, err := m.store.ListDockerImages()
	if err != nil {
		return types.StorageError(err, "failed to list docker images")
	}
	for _, img := range images {
		if !img.InFlight() {
			continue
		}
		img.Status = types.ImageStatusFailed
		img.Error = "reload interrupted by restart"
		img.UpdatedAt = now()
		if err := m.store.UpdateDockerImage(img); err != nil {
			return storeError(err, "docker image", img.ID)
		}
		m.logger.Warn().Str("image_id", img.ID).Msg("Marked interrupted reload as failed")
	}
	return nil
}

// RecordUpload stores an archive and creates its record in uploaded
func (m *ImageManager) RecordUpload(ctx context.Context, filename string, r io.Reader) (*types.UploadedImage, error) {
	filename = filepath.Base(strings.TrimSpace(filename))
	if filename == "." || filename == string(filepath.Separator) || filename == "" {
		return nil, types.ValidationError("filename is required")
	}
	if !strings.EqualFold(filepath.Ext(filename), ".tar") {
		return nil, types.ValidationError("only .tar image archives are accepted, got %q", filename)
	}

	id := uuid.New().String()
	key := archive.Key(id, filename)

	size, err := m.archives.Put(ctx, key, r, m.opts.MaxUploadBytes)
	if errors.Is(err, archive.ErrTooLarge) {
		return nil, types.ValidationError("archive exceeds the %d MB upload limit", m.opts.MaxUploadBytes>>20)
	}
	if err != nil {
		return nil, types.StorageError(err, "failed to store archive %s", filename)
	}

	ts := now()
	img := &types.UploadedImage{
		ID:          id,
		Filename:    filename,
		StoragePath: key,
		SizeBytes:   size,
		Status:      types.ImageStatusUploaded,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	if err := m.store.CreateUploadedImage(img); err != nil {
		if derr := m.archives.Delete(context.WithoutCancel(ctx), key); derr != nil {
			m.logger.Error().Err(derr).Str("key", key).Msg("Failed to remove archive after record write failed")
		}
		return nil, types.StorageError(err, "failed to record upload %s", filename)
	}

	m.logger.Info().Str("upload_id", id).Str("filename", filename).Int64("size_bytes", size).Msg("Recorded upload")
	m.events.Publish(events.New(events.EventImageUploaded, "uploaded "+filename, map[string]string{
		"upload_id": id,
		"filename":  filename,
	}))
	return img, nil
}

// LoadImage moves an upload to loading and loads its archive into the runtime
// in the background. Only one load per upload may be in flight.
func (m *ImageManager) LoadImage(ctx context.Context, id string) (*types.UploadedImage, error) {
	unlock, ok := m.locks.TryLock(uploadKey(id))
	if !ok {
		return nil, types.ConflictError("uploaded image %s has a transition in progress", id)
	}
	defer unlock()

	img, err := m.store.GetUploadedImage(id)
	if err != nil {
		return nil, storeError(err, "uploaded image", id)
	}
	if img.InFlight() {
		return nil, types.ConflictError("uploaded image %s is already loading", id)
	}

	img.Status = types.ImageStatusLoading
	img.Error = ""
	img.UpdatedAt = now()
	if err := m.store.UpdateUploadedImage(img); err != nil {
		return nil, storeError(err, "uploaded image", id)
	}

	m.events.Publish(events.New(events.EventImageLoading, "loading "+img.Filename, map[string]string{
		"upload_id": id,
	}))

	m.wg.Add(1)
	go m.runLoad(id, img.StoragePath, img.Filename)

	out := *img
	return &out, nil
}

func (m *ImageManager) runLoad(id, key, filename string) {
	defer m.wg.Done()
	logger := log.WithUploadID(id)

	ctx, cancel := context.WithTimeout(m.ctx, m.opts.RuntimeTimeout)
	defer cancel()

	docker, err := m.loadArchive(ctx, key, filename, id)
	if err != nil {
		logger.Error().Err(err).Msg("Image load failed")
	}
	metrics.ImageLoadsTotal.WithLabelValues(metrics.Result(err)).Inc()

	unlock := m.locks.Lock(uploadKey(id))
	defer unlock()

	img, gerr := m.store.GetUploadedImage(id)
	if gerr != nil {
		logger.Error().Err(gerr).Msg("Failed to read upload after load")
		return
	}
	img.UpdatedAt = now()
	img.ObservedAt = img.UpdatedAt
	if err != nil {
		img.Status = types.ImageStatusFailed
		img.Error = err.Error()
	} else {
		img.Status = types.ImageStatusLoaded
		img.Error = ""
		img.DockerImageID = docker.ID
	}
	if uerr := m.store.UpdateUploadedImage(img); uerr != nil {
		logger.Error().Err(uerr).Msg("Failed to record load outcome")
		return
	}

	if err != nil {
		m.events.Publish(events.New(events.EventImageLoadFailed, "failed to load "+filename, map[string]string{
			"upload_id": id,
			"error":     err.Error(),
		}))
		return
	}
	logger.Info().Str("image_id", docker.ID).Str("image", docker.Reference()).Msg("Image loaded")
	m.events.Publish(events.New(events.EventImageLoaded, "loaded "+docker.Reference(), map[string]string{
		"upload_id":       id,
		"docker_image_id": docker.ID,
		"runtime_id":      docker.RuntimeID,
	}))
}

// loadArchive loads the archive under key and upserts the resulting image record
func (m *ImageManager) loadArchive(ctx context.Context, key, filename, uploadID string) (*types.DockerImage, error) {
	rc, err := m.archives.Open(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer rc.Close()

	timer := metrics.NewTimer()
	loaded, err := m.runtime.LoadImage(ctx, rc)
	metrics.ObserveRuntime("load_image", timer, err)
	if err != nil {
		return nil, err
	}

	name, tag := loaded.Name, loaded.Tag
	if name == "" {
		name, tag = nameFromFilename(filename), defaultTag
	} else if tag == "" {
		tag = defaultTag
	}
	img, created, err := m.upsertDockerImage(loaded.ID, name, tag, uploadID)
	if err != nil && created {
		m.removeUnrecorded(loaded.ID)
	}
	return img, err
}

// removeUnrecorded removes a loaded runtime image whose record could not be
// created. Failure is logged; the record error is what the load reports.
func (m *ImageManager) removeUnrecorded(runtimeID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.RuntimeTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	err := m.runtime.RemoveImage(ctx, runtimeID)
	metrics.ObserveRuntime("remove_image", timer, err)
	if err != nil && !errors.Is(err, runtime.ErrNotFound) {
		m.logger.Error().Err(err).Str("runtime_id", runtimeID).
			Msg("Compensation failed, runtime image has no matching record")
	}
}

// upsertDockerImage keeps one active record per runtime image id. created
// reports whether a new record was attempted.
func (m *ImageManager) upsertDockerImage(runtimeID, name, tag, uploadID string) (img *types.DockerImage, created bool, err error) {
	unlock := m.locks.Lock("runtime-image/" + runtimeID)
	defer unlock()

	ts := now()
	existing, err := m.store.GetActiveDockerImageByRuntimeID(runtimeID)
	switch {
	case err == nil:
		existing.Name = name
		existing.Tag = tag
		existing.UploadedImageID = uploadID
		existing.Status = types.ImageStatusLoaded
		existing.Error = ""
		existing.ObservedAt = ts
		existing.UpdatedAt = ts
		if err := m.store.UpdateDockerImage(existing); err != nil {
			return nil, false, fmt.Errorf("failed to update image record: %w", err)
		}
		return existing, false, nil
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, false, fmt.Errorf("failed to look up image record: %w", err)
	}

	img = &types.DockerImage{
		ID:              uuid.New().String(),
		RuntimeID:       runtimeID,
		Name:            name,
		Tag:             tag,
		IsActive:        true,
		Status:          types.ImageStatusLoaded,
		UploadedImageID: uploadID,
		ObservedAt:      ts,
		CreatedAt:       ts,
		UpdatedAt:       ts,
	}
	if err := m.store.CreateDockerImage(img); err != nil {
		return nil, true, fmt.Errorf("failed to create image record: %w", err)
	}
	return img, true, nil
}

// nameFromFilename derives a repository name from an archive filename
func nameFromFilename(filename string) string {
	stem := strings.TrimSuffix(filename, filepath.Ext(filename))
	name := strings.Trim(invalidNameChars.ReplaceAllString(strings.ToLower(stem), "-"), "-._")
	if name == "" {
		return "image"
	}
	return name
}

// ReloadDockerImage re-loads an image from its originating archive, or
// re-syncs the record from the runtime when the archive is gone
func (m *ImageManager) ReloadDockerImage(ctx context.Context, id string) (*types.DockerImage, error) {
	unlock, ok := m.locks.TryLock(imageKey(id))
	if !ok {
		return nil, types.ConflictError("docker image %s has a transition in progress", id)
	}
	defer unlock()

	img, err := m.store.GetDockerImage(id)
	if err != nil {
		return nil, storeError(err, "docker image", id)
	}
	if img.InFlight() {
		return nil, types.ConflictError("docker image %s is already reloading", id)
	}

	img.Status = types.ImageStatusLoading
	img.Error = ""
	img.UpdatedAt = now()
	if err := m.store.UpdateDockerImage(img); err != nil {
		return nil, storeError(err, "docker image", id)
	}

	m.wg.Add(1)
	go m.runReload(*img)

	out := *img
	return &out, nil
}

func (m *ImageManager) runReload(img types.DockerImage) {
	defer m.wg.Done()
	logger := log.WithImageID(img.ID)

	ctx, cancel := context.WithTimeout(m.ctx, m.opts.RuntimeTimeout)
	defer cancel()

	apply, err := m.reload(ctx, img)
	if err != nil {
		logger.Error().Err(err).Msg("Image reload failed")
	}

	unlock := m.locks.Lock(imageKey(img.ID))
	defer unlock()

	current, gerr := m.store.GetDockerImage(img.ID)
	if gerr != nil {
		logger.Error().Err(gerr).Msg("Failed to read image after reload")
		return
	}
	current.UpdatedAt = now()
	current.ObservedAt = current.UpdatedAt
	if err != nil {
		current.Status = types.ImageStatusFailed
		current.Error = err.Error()
	} else {
		apply(current)
	}
	if uerr := m.store.UpdateDockerImage(current); uerr != nil {
		logger.Error().Err(uerr).Msg("Failed to record reload outcome")
		return
	}

	logger.Info().Str("status", string(current.Status)).Bool("active", current.IsActive).Msg("Image reloaded")
	m.events.Publish(events.New(events.EventDockerImageReloaded, "reloaded "+current.Reference(), map[string]string{
		"docker_image_id": current.ID,
		"status":          string(current.Status),
		"result":          metrics.Result(err),
	}))
}

// reload does the runtime work of a reload and returns the record update to apply
func (m *ImageManager) reload(ctx context.Context, img types.DockerImage) (func(*types.DockerImage), error) {
	if key, ok := m.reloadArchive(ctx, img.UploadedImageID); ok {
		return m.reloadFromArchive(ctx, img, key)
	}

	timer := metrics.NewTimer()
	images, err := m.runtime.ListImages(ctx)
	metrics.ObserveRuntime("list_images", timer, err)
	if err != nil {
		return nil, err
	}
	for _, ri := range images {
		if ri.ID != img.RuntimeID {
			continue
		}
		return func(d *types.DockerImage) {
			d.IsActive = true
			d.Status = types.ImageStatusLoaded
			d.Error = ""
			if ri.Name != "" {
				d.Name, d.Tag = ri.Name, ri.Tag
			}
		}, nil
	}
	return func(d *types.DockerImage) {
		d.IsActive = false
		d.Status = types.ImageStatusFailed
		d.Error = "image is no longer present in the runtime"
	}, nil
}

// reloadArchive returns the archive key of the originating upload when it still exists
func (m *ImageManager) reloadArchive(ctx context.Context, uploadID string) (string, bool) {
	if uploadID == "" {
		return "", false
	}
	upload, err := m.store.GetUploadedImage(uploadID)
	if err != nil {
		return "", false
	}
	exists, err := m.archives.Exists(ctx, upload.StoragePath)
	if err != nil || !exists {
		return "", false
	}
	return upload.StoragePath, true
}

func (m *ImageManager) reloadFromArchive(ctx context.Context, img types.DockerImage, key string) (func(*types.DockerImage), error) {
	rc, err := m.archives.Open(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer rc.Close()

	timer := metrics.NewTimer()
	loaded, err := m.runtime.LoadImage(ctx, rc)
	metrics.ObserveRuntime("load_image", timer, err)
	if err != nil {
		return nil, err
	}

	if loaded.ID != img.RuntimeID {
		other, err := m.store.GetActiveDockerImageByRuntimeID(loaded.ID)
		if err == nil && other.ID != img.ID {
			return nil, fmt.Errorf("archive now loads as %s, tracked by image record %s", loaded.ID, other.ID)
		}
	}

	return func(d *types.DockerImage) {
		d.RuntimeID = loaded.ID
		d.IsActive = true
		d.Status = types.ImageStatusLoaded
		d.Error = ""
		if loaded.Name != "" {
			d.Name, d.Tag = loaded.Name, loaded.Tag
			if d.Tag == "" {
				d.Tag = defaultTag
			}
		}
	}, nil
}

// DeleteUploadedImage removes an upload record and its archive
func (m *ImageManager) DeleteUploadedImage(ctx context.Context, id string) error {
	unlock, ok := m.locks.TryLock(uploadKey(id))
	if !ok {
		return types.ConflictError("uploaded image %s has a transition in progress", id)
	}
	defer unlock()

	img, err := m.store.GetUploadedImage(id)
	if err != nil {
		return storeError(err, "uploaded image", id)
	}
	if img.InFlight() {
		return types.ConflictError("uploaded image %s is loading", id)
	}

	if err := m.store.DeleteUploadedImage(id); err != nil {
		return storeError(err, "uploaded image", id)
	}
	if err := m.archives.Delete(ctx, img.StoragePath); err != nil {
		m.logger.Error().Err(err).Str("key", img.StoragePath).Msg("Failed to remove archive of deleted upload")
	}

	m.events.Publish(events.New(events.EventImageDeleted, "deleted "+img.Filename, map[string]string{
		"upload_id": id,
	}))
	return nil
}

// DeleteDockerImage removes the image from the runtime. The record is kept
// inactive unless purge is set.
func (m *ImageManager) DeleteDockerImage(ctx context.Context, id string, purge bool) error {
	unlock, ok := m.locks.TryLock(imageKey(id))
	if !ok {
		return types.ConflictError("docker image %s has a transition in progress", id)
	}
	defer unlock()

	img, err := m.store.GetDockerImage(id)
	if err != nil {
		return storeError(err, "docker image", id)
	}
	if img.InFlight() {
		return types.ConflictError("docker image %s is reloading", id)
	}
	if err := m.checkUnused(id); err != nil {
		return err
	}

	if img.IsActive {
		rctx, cancel := runtimeContext(ctx, m.opts.RuntimeTimeout)
		timer := metrics.NewTimer()
		err := m.runtime.RemoveImage(rctx, img.RuntimeID)
		cancel()
		metrics.ObserveRuntime("remove_image", timer, err)
		if err != nil && !errors.Is(err, runtime.ErrNotFound) {
			return types.RuntimeError(err, "failed to remove image %s", img.Reference())
		}
	}

	if purge {
		if err := m.store.DeleteDockerImage(id); err != nil {
			return storeError(err, "docker image", id)
		}
	} else {
		img.IsActive = false
		img.UpdatedAt = now()
		if err := m.store.UpdateDockerImage(img); err != nil {
			return storeError(err, "docker image", id)
		}
	}

	m.logger.Info().Str("image_id", id).Bool("purge", purge).Msg("Deleted docker image")
	m.events.Publish(events.New(events.EventDockerImageDeleted, "deleted "+img.Reference(), map[string]string{
		"docker_image_id": id,
		"runtime_id":      img.RuntimeID,
	}))
	return nil
}

// checkUnused rejects deleting an image a live container was created from
func (m *ImageManager) checkUnused(id string) error {
	containers, err := m.store.ListContainers()
	if err != nil {
		return types.StorageError(err, "failed to list containers")
	}
	for _, c := range containers {
		if c.ImageID == id && !c.Terminal() {
			return types.ConflictError("docker image %s is used by container %s", id, c.ID)
		}
	}
	return nil
}

// GetUploadedImage returns an upload record
func (m *ImageManager) GetUploadedImage(id string) (*types.UploadedImage, error) {
	img, err := m.store.GetUploadedImage(id)
	if err != nil {
		return nil, storeError(err, "uploaded image", id)
	}
	return img, nil
}

// ListUploadedImages returns uploads oldest first. With latestOnly, only the
// newest upload of each filename is returned.
func (m *ImageManager) ListUploadedImages(latestOnly bool) ([]*types.UploadedImage, error) {
	images, err := m.store.ListUploadedImages()
	if err != nil {
		return nil, types.StorageError(err, "failed to list uploaded images")
	}
	if !latestOnly {
		return images, nil
	}

	latest := make(map[string]int, len(images))
	for i, img := range images {
		if j, ok := latest[img.Filename]; !ok || !img.CreatedAt.Before(images[j].CreatedAt) {
			latest[img.Filename] = i
		}
	}
	out := make([]*types.UploadedImage, 0, len(latest))
	for i, img := range images {
		if latest[img.Filename] == i {
			out = append(out, img)
		}
	}
	return out, nil
}

// GetDockerImage returns an image record
func (m *ImageManager) GetDockerImage(id string) (*types.DockerImage, error) {
	img, err := m.store.GetDockerImage(id)
	if err != nil {
		return nil, storeError(err, "docker image", id)
	}
	return img, nil
}

// ListDockerImages returns image records, optionally only active ones
func (m *ImageManager) ListDockerImages(activeOnly bool) ([]*types.DockerImage, error) {
	images, err := m.store.ListDockerImages()
	if err != nil {
		return nil, types.StorageError(err, "failed to list docker images")
	}
	if !activeOnly {
		return images, nil
	}
	out := images[:0]
	for _, img := range images {
		if img.IsActive {
			out = append(out, img)
		}
	}
	return out, nil
}

// ResolveImage returns the runtime reference of an active image record
func (m *ImageManager) ResolveImage(id string) (string, error) {
	img, err := m.store.GetDockerImage(id)
	if errors.Is(err, storage.ErrNotFound) {
		return "", types.NotFoundError("docker image %s not found", id)
	}
	if err != nil {
		return "", storeError(err, "docker image", id)
	}
	if !img.IsActive {
		return "", types.NotFoundError("docker image %s is no longer present in the runtime", id)
	}
	return img.RuntimeID, nil
}
