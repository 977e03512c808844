package manager

import (
	"context"
	"errors"
	"strconv"

	"github.com/cuemby/shipyard/pkg/events"
	"github.com/cuemby/shipyard/pkg/log"
	"github.com/cuemby/shipyard/pkg/metrics"
	"github.com/cuemby/shipyard/pkg/runtime"
	"github.com/cuemby/shipyard/pkg/storage"
	"github.com/cuemby/shipyard/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContainerManager owns the Container state machine. Every transition holds
// the container's lock for its whole duration; a second request for the same
// container is rejected rather than queued.
type ContainerManager struct {
	store   storage.Store
	runtime runtime.Runtime
	images  *ImageManager
	events  events.Publisher
	locks   *KeyedLock
	opts    Options
	logger  zerolog.Logger

	onDrift func()
}

// NewContainerManager creates a container manager. images resolves image_id
// references.
func NewContainerManager(store storage.Store, rt runtime.Runtime, images *ImageManager, opts Options) *ContainerManager {
	opts = opts.withDefaults()
	return &ContainerManager{
		store:   store,
		runtime: rt,
		images:  images,
		events:  opts.Events,
		locks:   opts.Locks,
		opts:    opts,
		logger:  log.WithComponent("container-manager"),
		onDrift: func() {},
	}
}

// OnDrift sets the func called when a request finds the runtime out of step
// with the store. It is called on its own goroutine.
func (m *ContainerManager) OnDrift(fn func()) {
	m.onDrift = fn
}

func (m *ContainerManager) lock(id string) (func(), error) {
	unlock, ok := m.locks.TryLock(containerKey(id))
	if !ok {
		return nil, types.ConflictError("container %s has an operation in progress", id)
	}
	return unlock, nil
}

func (m *ContainerManager) observe(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	rctx, cancel := runtimeContext(ctx, m.opts.RuntimeTimeout)
	defer cancel()
	timer := metrics.NewTimer()
	err := fn(rctx)
	metrics.ObserveRuntime(op, timer, err)
	return err
}

func (m *ContainerManager) publish(t events.EventType, c *types.Container, message string) {
	meta := map[string]string{
		"container_id": c.ID,
		"status":       string(c.Status),
	}
	if c.Error != "" {
		meta["error"] = c.Error
	}
	m.events.Publish(events.New(t, message, meta))
}

// CreateContainer validates the request, creates the runtime container and
// records it. With auto_start the container is started in the same call; a
// start failure returns the record in error together with the RuntimeError.
func (m *ContainerManager) CreateContainer(ctx context.Context, req CreateRequest) (*types.Container, error) {
	spec, err := ValidateSpec(req)
	if err != nil {
		return nil, err
	}

	resolved := spec.Image
	if spec.ImageID != "" {
		if resolved, err = m.images.ResolveImage(spec.ImageID); err != nil {
			return nil, err
		}
	}

	if spec.Name != "" {
		if err := m.checkNameFree(spec.Name); err != nil {
			return nil, err
		}
	}

	id := uuid.New().String()
	var runtimeID string
	err = m.observe(ctx, "create_container", func(ctx context.Context) error {
		var err error
		runtimeID, err = m.runtime.CreateContainer(ctx, runtime.ContainerConfig{
			RecordID:      id,
			Name:          spec.Name,
			Image:         resolved,
			CPULimit:      spec.CPULimit,
			MemoryLimitMB: spec.MemoryLimitMB,
			InternalPort:  spec.InternalPort,
			HostPort:      spec.HostPort,
		})
		return err
	})
	metrics.ContainerTransitionsTotal.WithLabelValues("create", metrics.Result(err)).Inc()
	if err != nil {
		return nil, types.RuntimeError(err, "failed to create container from %s", resolved)
	}

	ts := now()
	c := &types.Container{
		ID:            id,
		RuntimeID:     runtimeID,
		Name:          spec.Name,
		Image:         spec.Image,
		ImageID:       spec.ImageID,
		ResolvedImage: resolved,
		CPULimit:      spec.CPULimit,
		MemoryLimitMB: spec.MemoryLimitMB,
		InternalPort:  spec.InternalPort,
		HostPort:      spec.HostPort,
		AutoStart:     spec.AutoStart,
		Status:        types.ContainerStatusCreated,
		ObservedAt:    ts,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
	if err := m.store.CreateContainer(c); err != nil {
		m.compensate("remove_container", runtimeID, func(ctx context.Context) error {
			return m.runtime.RemoveContainer(ctx, runtimeID)
		})
		return nil, types.StorageError(err, "failed to record container")
	}

	logger := log.WithContainerID(id)
	logger.Info().Str("runtime_id", runtimeID).Str("image", resolved).Msg("Container created")
	m.publish(events.EventContainerCreated, c, "created container from "+resolved)

	if !spec.AutoStart {
		return c, nil
	}
	started, err := m.StartContainer(ctx, id)
	if started == nil {
		started = c
	}
	return started, err
}

// checkNameFree rejects a name already carried by a live container
func (m *ContainerManager) checkNameFree(name string) error {
	containers, err := m.store.ListContainers()
	if err != nil {
		return types.StorageError(err, "failed to list containers")
	}
	for _, c := range containers {
		if c.Name == name && !c.Terminal() {
			return types.ConflictError("container name %q is already in use by %s", name, c.ID)
		}
	}
	return nil
}

// compensate undoes a runtime change whose record could not be written.
// Failure is logged, the original error is what the caller reports.
func (m *ContainerManager) compensate(op, runtimeID string, fn func(ctx context.Context) error) {
	ctx := context.Background()
	if err := m.observe(ctx, op, fn); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		m.logger.Error().Err(err).Str("runtime_id", runtimeID).Str("operation", op).
			Msg("Compensation failed, runtime object has no matching record")
	}
}

// StartContainer starts a created, stopped or errored container
func (m *ContainerManager) StartContainer(ctx context.Context, id string) (*types.Container, error) {
	unlock, err := m.lock(id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := m.store.GetContainer(id)
	if err != nil {
		return nil, storeError(err, "container", id)
	}
	switch c.Status {
	case types.ContainerStatusRunning:
		return nil, types.ConflictError("container %s is already running", id)
	case types.ContainerStatusDeleted:
		return nil, types.ConflictError("container %s is deleted", id)
	}
	// Held until the running status is written, so two starts on the same
	// host port cannot both pass the check.
	unlockPort, ok := m.locks.TryLock(hostPortKey(c.HostPort))
	if !ok {
		return nil, types.ConflictError("host port %d has a start in progress", c.HostPort)
	}
	defer unlockPort()
	if err := m.checkPortFree(c); err != nil {
		return nil, err
	}

	err = m.observe(ctx, "start_container", func(ctx context.Context) error {
		return m.runtime.StartContainer(ctx, c.RuntimeID)
	})
	metrics.ContainerTransitionsTotal.WithLabelValues("start", metrics.Result(err)).Inc()
	if err != nil {
		if errors.Is(err, runtime.ErrNotFound) {
			go m.onDrift()
		}
		return m.fail(c, err, "failed to start container %s", id)
	}

	exposed := c.HostPort
	err = m.observe(ctx, "inspect_container", func(ctx context.Context) error {
		rc, err := m.runtime.InspectContainer(ctx, c.RuntimeID)
		if err == nil && rc.ExposedPort > 0 {
			exposed = rc.ExposedPort
		}
		return err
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("container_id", id).Msg("Failed to inspect started container")
	}

	c.Status = types.ContainerStatusRunning
	c.PreviousStatus = ""
	c.Error = ""
	c.ExitCode = 0
	c.ExposedPort = exposed
	c.ObservedAt = now()
	c.UpdatedAt = c.ObservedAt
	if err := m.store.UpdateContainer(c); err != nil {
		m.compensate("stop_container", c.RuntimeID, func(ctx context.Context) error {
			return m.runtime.StopContainer(ctx, c.RuntimeID, m.opts.StopTimeout)
		})
		return nil, storeError(err, "container", id)
	}

	logger := log.WithContainerID(id)
	logger.Info().Int("exposed_port", exposed).Msg("Container started")
	m.publish(events.EventContainerStarted, c, "started on port "+strconv.Itoa(exposed))
	return c, nil
}

// checkPortFree rejects a start that would collide with another running container
func (m *ContainerManager) checkPortFree(c *types.Container) error {
	containers, err := m.store.ListContainers()
	if err != nil {
		return types.StorageError(err, "failed to list containers")
	}
	for _, other := range containers {
		if other.ID != c.ID && other.Status == types.ContainerStatusRunning && other.HostPort == c.HostPort {
			return types.ConflictError("host port %d is in use by running container %s", c.HostPort, other.ID)
		}
	}
	return nil
}

// fail moves c to error after a runtime failure and returns it with the RuntimeError
func (m *ContainerManager) fail(c *types.Container, cause error, format string, args ...any) (*types.Container, error) {
	rerr := types.RuntimeError(cause, format, args...)

	if c.Status != types.ContainerStatusError {
		c.PreviousStatus = c.Status
	}
	c.Status = types.ContainerStatusError
	c.Error = cause.Error()
	c.UpdatedAt = now()
	if err := m.store.UpdateContainer(c); err != nil {
		m.logger.Error().Err(err).Str("container_id", c.ID).Msg("Failed to record container error")
		return nil, rerr
	}

	logger := log.WithContainerID(c.ID)
	logger.Warn().Err(cause).Str("previous_status", string(c.PreviousStatus)).Msg("Container entered error")
	m.publish(events.EventContainerError, c, rerr.Detail)
	return c, rerr
}

// StopContainer stops a running container. Stopping a stopped container
// succeeds without touching the runtime.
func (m *ContainerManager) StopContainer(ctx context.Context, id string) (*types.Container, error) {
	unlock, err := m.lock(id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := m.store.GetContainer(id)
	if err != nil {
		return nil, storeError(err, "container", id)
	}
	switch c.Status {
	case types.ContainerStatusStopped:
		return c, nil
	case types.ContainerStatusRunning:
	default:
		return nil, types.ConflictError("container %s is %s, not running", id, c.Status)
	}

	err = m.observe(ctx, "stop_container", func(ctx context.Context) error {
		return m.runtime.StopContainer(ctx, c.RuntimeID, m.opts.StopTimeout)
	})
	metrics.ContainerTransitionsTotal.WithLabelValues("stop", metrics.Result(err)).Inc()
	if err != nil {
		if errors.Is(err, runtime.ErrNotFound) {
			go m.onDrift()
		}
		return m.fail(c, err, "failed to stop container %s", id)
	}

	exitCode := 0
	_ = m.observe(ctx, "inspect_container", func(ctx context.Context) error {
		rc, err := m.runtime.InspectContainer(ctx, c.RuntimeID)
		if err == nil {
			exitCode = rc.ExitCode
		}
		return err
	})

	c.Status = types.ContainerStatusStopped
	c.PreviousStatus = ""
	c.Error = ""
	c.ExitCode = exitCode
	c.ExposedPort = 0
	c.ObservedAt = now()
	c.UpdatedAt = c.ObservedAt
	if err := m.store.UpdateContainer(c); err != nil {
		return nil, storeError(err, "container", id)
	}

	logger := log.WithContainerID(id)
	logger.Info().Msg("Container stopped")
	m.publish(events.EventContainerStopped, c, "stopped")
	return c, nil
}

// DeleteContainer stops the container when running, removes it from the
// runtime and marks the record deleted. The record is kept.
func (m *ContainerManager) DeleteContainer(ctx context.Context, id string) (*types.Container, error) {
	unlock, err := m.lock(id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := m.store.GetContainer(id)
	if err != nil {
		return nil, storeError(err, "container", id)
	}
	if c.Terminal() {
		return nil, types.ConflictError("container %s is already deleted", id)
	}

	if c.Status == types.ContainerStatusRunning {
		err := m.observe(ctx, "stop_container", func(ctx context.Context) error {
			return m.runtime.StopContainer(ctx, c.RuntimeID, m.opts.StopTimeout)
		})
		if err != nil && !errors.Is(err, runtime.ErrNotFound) {
			metrics.ContainerTransitionsTotal.WithLabelValues("delete", metrics.Result(err)).Inc()
			return m.fail(c, err, "failed to stop container %s before removal", id)
		}
	}

	err = m.observe(ctx, "remove_container", func(ctx context.Context) error {
		return m.runtime.RemoveContainer(ctx, c.RuntimeID)
	})
	if errors.Is(err, runtime.ErrNotFound) {
		err = nil
	}
	metrics.ContainerTransitionsTotal.WithLabelValues("delete", metrics.Result(err)).Inc()
	if err != nil {
		return m.fail(c, err, "failed to remove container %s", id)
	}

	ts := now()
	c.Status = types.ContainerStatusDeleted
	c.Error = ""
	c.ExposedPort = 0
	c.DeletedAt = &ts
	c.ObservedAt = ts
	c.UpdatedAt = ts
	if err := m.store.UpdateContainer(c); err != nil {
		return nil, storeError(err, "container", id)
	}

	logger := log.WithContainerID(id)
	logger.Info().Msg("Container deleted")
	m.publish(events.EventContainerDeleted, c, "deleted")
	return c, nil
}

// FetchLogs returns the last tail lines of a container's output. A runtime
// container missing behind a live record triggers reconciliation.
func (m *ContainerManager) FetchLogs(ctx context.Context, id string, tail int) (string, error) {
	c, err := m.store.GetContainer(id)
	if err != nil {
		return "", storeError(err, "container", id)
	}
	if c.Terminal() {
		return "", types.NotFoundError("container %s is deleted", id)
	}
	if tail <= 0 {
		tail = runtime.DefaultLogTail
	}

	var logs string
	err = m.observe(ctx, "logs", func(ctx context.Context) error {
		var err error
		logs, err = m.runtime.FetchLogs(ctx, c.RuntimeID, tail)
		return err
	})
	if errors.Is(err, runtime.ErrNotFound) {
		m.logger.Warn().Str("container_id", id).Msg("Runtime container missing, requesting reconciliation")
		go m.onDrift()
		return "", types.NotFoundError("container %s no longer exists in the runtime", id)
	}
	if err != nil {
		return "", types.RuntimeError(err, "failed to fetch logs of container %s", id)
	}
	return logs, nil
}

// GetContainer returns a container record
func (m *ContainerManager) GetContainer(id string) (*types.Container, error) {
	c, err := m.store.GetContainer(id)
	if err != nil {
		return nil, storeError(err, "container", id)
	}
	return c, nil
}

// ListContainers returns container records, by default without deleted ones
func (m *ContainerManager) ListContainers(includeDeleted bool) ([]*types.Container, error) {
	containers, err := m.store.ListContainers()
	if err != nil {
		return nil, types.StorageError(err, "failed to list containers")
	}
	if includeDeleted {
		return containers, nil
	}
	out := containers[:0]
	for _, c := range containers {
		if !c.Terminal() {
			out = append(out, c)
		}
	}
	return out, nil
}
