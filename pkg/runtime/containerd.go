package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/containerd/containerd/reference/docker"
	"github.com/cuemby/shipyard/pkg/log"
	"github.com/cuemby/shipyard/pkg/types"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// DefaultNamespace is the containerd namespace for shipyard
	DefaultNamespace = "shipyard"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	cfsPeriod = 100000
)

// ContainerdRuntime implements Runtime using containerd. Containers share the
// host network namespace, so a container's host port must equal its internal
// port.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
	logDir    string
}

// NewContainerdRuntime creates a new containerd runtime client
func NewContainerdRuntime(socketPath, namespace, logDir string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: namespace,
		logDir:    logDir,
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *ContainerdRuntime) Ping(ctx context.Context) error {
	serving, err := r.client.IsServing(ctx)
	if err != nil {
		return fmt.Errorf("containerd ping failed: %w", err)
	}
	if !serving {
		return errors.New("containerd is not serving")
	}
	return nil
}

func (r *ContainerdRuntime) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

func wrapContainerd(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %s: %v", ErrNotFound, msg, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// LoadImage imports a docker save or OCI archive and unpacks it into the
// default snapshotter
func (r *ContainerdRuntime) LoadImage(ctx context.Context, archive io.Reader) (*types.RuntimeImage, error) {
	ctx = r.ctx(ctx)

	imgs, err := r.client.Import(ctx, archive)
	if err != nil {
		return nil, fmt.Errorf("failed to import image: %w", err)
	}
	if len(imgs) == 0 {
		return nil, errors.New("image archive contained no images")
	}

	imported := imgs[0]
	image := containerd.NewImage(r.client, imported)
	if err := image.Unpack(ctx, ""); err != nil {
		return nil, fmt.Errorf("failed to unpack image %s: %w", imported.Name, err)
	}

	out := &types.RuntimeImage{ID: imported.Target.Digest.String()}
	out.Name, out.Tag = SplitReference(imported.Name)
	return out, nil
}

func (r *ContainerdRuntime) ListImages(ctx context.Context) ([]types.RuntimeImage, error) {
	ctx = r.ctx(ctx)

	imgs, err := r.client.ImageService().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}

	seen := make(map[string]bool, len(imgs))
	out := make([]types.RuntimeImage, 0, len(imgs))
	for _, img := range imgs {
		id := img.Target.Digest.String()
		if seen[id] {
			continue
		}
		seen[id] = true
		ri := types.RuntimeImage{ID: id}
		ri.Name, ri.Tag = SplitReference(img.Name)
		out = append(out, ri)
	}
	return out, nil
}

// RemoveImage deletes every name pointing at the image digest
func (r *ContainerdRuntime) RemoveImage(ctx context.Context, id string) error {
	ctx = r.ctx(ctx)

	imgs, err := r.client.ImageService().List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}

	removed := 0
	for _, img := range imgs {
		if img.Target.Digest.String() != id && img.Name != id {
			continue
		}
		if err := r.client.ImageService().Delete(ctx, img.Name); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to remove image %s: %w", img.Name, err)
		}
		removed++
	}
	if removed == 0 {
		return fmt.Errorf("%w: image %s", ErrNotFound, id)
	}
	return nil
}

// resolveImage accepts a digest or a docker-style reference
func (r *ContainerdRuntime) resolveImage(ctx context.Context, ref string) (containerd.Image, error) {
	if strings.HasPrefix(ref, "sha256:") {
		imgs, err := r.client.ImageService().List(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list images: %w", err)
		}
		for _, img := range imgs {
			if img.Target.Digest.String() == ref {
				return containerd.NewImage(r.client, img), nil
			}
		}
		return nil, fmt.Errorf("%w: image %s", ErrNotFound, ref)
	}

	named, err := docker.ParseDockerRef(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid image reference %q: %w", ref, err)
	}
	image, err := r.client.GetImage(ctx, named.String())
	if err != nil {
		return nil, wrapContainerd(err, "failed to get image %s", ref)
	}
	return image, nil
}

func (r *ContainerdRuntime) CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	ctx = r.ctx(ctx)

	if cfg.HostPort != cfg.InternalPort {
		return "", fmt.Errorf("containerd runtime uses host networking: host port %d must equal internal port %d",
			cfg.HostPort, cfg.InternalPort)
	}

	image, err := r.resolveImage(ctx, cfg.Image)
	if err != nil {
		return "", err
	}

	id := cfg.Name
	if id == "" {
		id = "shipyard-" + cfg.RecordID
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostHostsFile,
		oci.WithHostResolvconf,
		oci.WithMemoryLimit(uint64(cfg.MemoryLimitMB) * 1024 * 1024),
		oci.WithCPUCFS(int64(cfg.CPULimit*cfsPeriod), cfsPeriod),
		oci.WithAnnotations(map[string]string{annotationPort: strconv.Itoa(cfg.InternalPort)}),
	}

	container, err := r.client.NewContainer(
		ctx,
		id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(cfg.Labels()),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	return container.ID(), nil
}

func (r *ContainerdRuntime) logPath(id string) string {
	return filepath.Join(r.logDir, id+".log")
}

// StartContainer creates a fresh task, clearing any exited one first
func (r *ContainerdRuntime) StartContainer(ctx context.Context, id string) error {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return wrapContainerd(err, "failed to load container %s", id)
	}

	if old, err := container.Task(ctx, nil); err == nil {
		status, err := old.Status(ctx)
		if err == nil && status.Status == containerd.Running {
			return nil
		}
		if _, err := old.Delete(ctx); err != nil {
			return fmt.Errorf("failed to clear previous task: %w", err)
		}
	}

	task, err := container.NewTask(ctx, cio.LogFile(r.logPath(id)))
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		task.Delete(ctx)
		return fmt.Errorf("failed to start task: %w", err)
	}

	return nil
}

// StopContainer sends SIGTERM, escalating to SIGKILL after timeout. The
// exited task is kept so its exit status stays observable.
func (r *ContainerdRuntime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return wrapContainerd(err, "failed to load container %s", id)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means the container never started
		return nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get task status: %w", err)
	}
	if status.Status != containerd.Running && status.Status != containerd.Paused {
		return nil
	}

	statusC, err := task.Wait(ctx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	if err := task.Kill(ctx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to kill task: %w", err)
	}

	select {
	case <-statusC:
	case <-time.After(timeout):
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
		<-statusC
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

// RemoveContainer kills any task and deletes the container with its snapshot
func (r *ContainerdRuntime) RemoveContainer(ctx context.Context, id string) error {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return wrapContainerd(err, "failed to load container %s", id)
	}

	if task, err := container.Task(ctx, nil); err == nil {
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to delete task: %w", err)
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return wrapContainerd(err, "failed to delete container %s", id)
	}

	if err := os.Remove(r.logPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger := log.WithComponent("runtime")
		logger.Warn().Err(err).Str("container", id).Msg("Failed to remove container log")
	}
	return nil
}

func (r *ContainerdRuntime) inspect(ctx context.Context, container containerd.Container) (*types.RuntimeContainer, error) {
	rc := &types.RuntimeContainer{
		ID:    container.ID(),
		Name:  container.ID(),
		State: types.RuntimeStateCreated,
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return rc, nil
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	status, err := task.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get task status: %w", err)
	}

	switch status.Status {
	case containerd.Running, containerd.Paused, containerd.Pausing:
		rc.State = types.RuntimeStateRunning
		spec, err := container.Spec(ctx)
		if err == nil {
			rc.ExposedPort = exposedPortFromSpec(spec)
		}
	case containerd.Stopped:
		rc.State = types.RuntimeStateExited
		rc.ExitCode = int(status.ExitStatus)
	case containerd.Created:
		rc.State = types.RuntimeStateCreated
	default:
		rc.State = types.RuntimeStateUnknown
	}
	return rc, nil
}

func (r *ContainerdRuntime) InspectContainer(ctx context.Context, id string) (*types.RuntimeContainer, error) {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return nil, wrapContainerd(err, "failed to load container %s", id)
	}
	return r.inspect(ctx, container)
}

// ListContainers returns containers in the shipyard namespace carrying the managed label
func (r *ContainerdRuntime) ListContainers(ctx context.Context) ([]types.RuntimeContainer, error) {
	ctx = r.ctx(ctx)

	filter := fmt.Sprintf("labels.%q==%s", LabelManagedBy, managedByValue)
	containers, err := r.client.Containers(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]types.RuntimeContainer, 0, len(containers))
	for _, c := range containers {
		rc, err := r.inspect(ctx, c)
		if err != nil {
			return nil, err
		}
		out = append(out, *rc)
	}
	return out, nil
}

// FetchLogs returns the last tail lines of the container's log file
func (r *ContainerdRuntime) FetchLogs(ctx context.Context, id string, tail int) (string, error) {
	ctx = r.ctx(ctx)

	if _, err := r.client.LoadContainer(ctx, id); err != nil {
		return "", wrapContainerd(err, "failed to load container %s", id)
	}

	data, err := os.ReadFile(r.logPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read logs for %s: %w", id, err)
	}
	return tailLines(string(data), tail), nil
}

func tailLines(s string, n int) string {
	if n <= 0 {
		n = DefaultLogTail
	}
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// exposedPortFromSpec reads the port recorded at create time. With host
// networking that is the port reachable on the host.
func exposedPortFromSpec(spec *oci.Spec) int {
	if spec == nil || spec.Annotations == nil {
		return 0
	}
	port, _ := strconv.Atoi(spec.Annotations[annotationPort])
	return port
}

const annotationPort = "io.shipyard.port"
