package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/shipyard/pkg/types"
	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// minMemoryMB is the smallest memory limit the Docker daemon accepts
const minMemoryMB = 6

// DockerRuntime implements Runtime on the Docker Engine API
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects using DOCKER_HOST and friends from the environment
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

// Close closes the docker client
func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

func (d *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// wrap maps daemon not-found errors onto ErrNotFound
func wrap(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %s: %v", ErrNotFound, msg, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// LoadImage streams the archive into the daemon, then inspects the loaded image
func (d *DockerRuntime) LoadImage(ctx context.Context, archive io.Reader) (*types.RuntimeImage, error) {
	resp, err := d.cli.ImageLoad(ctx, archive, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load image: %w", err)
	}
	defer resp.Body.Close()

	ref, err := loadedReference(resp.Body, resp.JSON)
	if err != nil {
		return nil, err
	}

	inspect, _, err := d.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return nil, wrap(err, "failed to inspect loaded image %s", ref)
	}

	img := &types.RuntimeImage{ID: inspect.ID}
	if len(inspect.RepoTags) > 0 {
		img.Name, img.Tag = SplitReference(inspect.RepoTags[0])
	}
	return img, nil
}

// loadedReference reads a load response and returns the first image it names
func loadedReference(body io.Reader, isJSON bool) (string, error) {
	var lines []string

	if isJSON {
		dec := json.NewDecoder(body)
		for {
			var msg jsonmessage.JSONMessage
			if err := dec.Decode(&msg); errors.Is(err, io.EOF) {
				break
			} else if err != nil {
				return "", fmt.Errorf("failed to read load response: %w", err)
			}
			if msg.Error != nil {
				return "", fmt.Errorf("image load rejected: %w", msg.Error)
			}
			lines = append(lines, strings.Split(msg.Stream, "\n")...)
		}
	} else {
		scanner := bufio.NewScanner(body)
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("failed to read load response: %w", err)
		}
	}

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if ref, ok := strings.CutPrefix(line, "Loaded image ID: "); ok {
			return ref, nil
		}
		if ref, ok := strings.CutPrefix(line, "Loaded image: "); ok {
			return ref, nil
		}
	}
	return "", errors.New("image load response named no image")
}

func (d *DockerRuntime) ListImages(ctx context.Context) ([]types.RuntimeImage, error) {
	summaries, err := d.cli.ImageList(ctx, dockertypes.ImageListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}

	images := make([]types.RuntimeImage, 0, len(summaries))
	for _, s := range summaries {
		img := types.RuntimeImage{ID: s.ID}
		if len(s.RepoTags) > 0 && s.RepoTags[0] != "<none>:<none>" {
			img.Name, img.Tag = SplitReference(s.RepoTags[0])
		}
		images = append(images, img)
	}
	return images, nil
}

func (d *DockerRuntime) RemoveImage(ctx context.Context, id string) error {
	_, err := d.cli.ImageRemove(ctx, id, dockertypes.ImageRemoveOptions{Force: true, PruneChildren: true})
	if err != nil {
		return wrap(err, "failed to remove image %s", id)
	}
	return nil
}

func (d *DockerRuntime) CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	port := nat.Port(fmt.Sprintf("%d/tcp", cfg.InternalPort))

	config := &container.Config{
		Image:        cfg.Image,
		Labels:       cfg.Labels(),
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(cfg.HostPort)}},
		},
		Resources: container.Resources{
			NanoCPUs: int64(cfg.CPULimit * 1e9),
			Memory:   int64(max(cfg.MemoryLimitMB, minMemoryMB)) * 1024 * 1024,
		},
	}

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, cfg.Name)
	if err != nil {
		return "", wrap(err, "failed to create container")
	}
	return resp.ID, nil
}

func (d *DockerRuntime) StartContainer(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return wrap(err, "failed to start container %s", id)
	}
	return nil
}

func (d *DockerRuntime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds}); err != nil {
		return wrap(err, "failed to stop container %s", id)
	}
	return nil
}

func (d *DockerRuntime) RemoveContainer(ctx context.Context, id string) error {
	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return wrap(err, "failed to remove container %s", id)
	}
	return nil
}

func (d *DockerRuntime) InspectContainer(ctx context.Context, id string) (*types.RuntimeContainer, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, wrap(err, "failed to inspect container %s", id)
	}

	rc := &types.RuntimeContainer{
		ID:    info.ID,
		Name:  strings.TrimPrefix(info.Name, "/"),
		State: types.RuntimeStateUnknown,
	}
	if info.State != nil {
		rc.State = mapDockerState(info.State.Status)
		rc.ExitCode = info.State.ExitCode
	}
	if info.NetworkSettings != nil {
		rc.ExposedPort = firstHostPort(info.NetworkSettings.Ports)
	}
	return rc, nil
}

func (d *DockerRuntime) ListContainers(ctx context.Context) ([]types.RuntimeContainer, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManagedBy+"="+managedByValue)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]types.RuntimeContainer, 0, len(list))
	for _, c := range list {
		rc := types.RuntimeContainer{
			ID:       c.ID,
			State:    mapDockerState(c.State),
			ExitCode: parseExitCode(c.Status),
		}
		if len(c.Names) > 0 {
			rc.Name = strings.TrimPrefix(c.Names[0], "/")
		}
		for _, p := range c.Ports {
			if p.PublicPort != 0 {
				rc.ExposedPort = int(p.PublicPort)
				break
			}
		}
		out = append(out, rc)
	}
	return out, nil
}

func (d *DockerRuntime) FetchLogs(ctx context.Context, id string, tail int) (string, error) {
	if tail <= 0 {
		tail = DefaultLogTail
	}
	rc, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", wrap(err, "failed to fetch logs for %s", id)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return "", fmt.Errorf("failed to read logs for %s: %w", id, err)
	}
	return buf.String(), nil
}

func mapDockerState(state string) types.RuntimeState {
	switch state {
	case "created":
		return types.RuntimeStateCreated
	case "running", "restarting", "paused":
		return types.RuntimeStateRunning
	case "exited", "dead":
		return types.RuntimeStateExited
	default:
		return types.RuntimeStateUnknown
	}
}

// parseExitCode extracts the code from a list status like "Exited (137) 2 minutes ago"
func parseExitCode(status string) int {
	rest, ok := strings.CutPrefix(status, "Exited (")
	if !ok {
		return 0
	}
	end := strings.Index(rest, ")")
	if end < 0 {
		return 0
	}
	code, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0
	}
	return code
}

func firstHostPort(ports nat.PortMap) int {
	for _, bindings := range ports {
		for _, b := range bindings {
			if p, err := strconv.Atoi(b.HostPort); err == nil && p > 0 {
				return p
			}
		}
	}
	return 0
}
