package runtime

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/shipyard/pkg/types"
	"github.com/google/uuid"
)

// Op names a MemoryRuntime operation for failure injection
type Op string

const (
	OpLoadImage       Op = "load_image"
	OpListImages      Op = "list_images"
	OpRemoveImage     Op = "remove_image"
	OpCreateContainer Op = "create_container"
	OpStartContainer  Op = "start_container"
	OpStopContainer   Op = "stop_container"
	OpRemoveContainer Op = "remove_container"
	OpInspect         Op = "inspect_container"
	OpListContainers  Op = "list_containers"
	OpLogs            Op = "logs"
	OpPing            Op = "ping"
)

type memContainer struct {
	cfg      ContainerConfig
	id       string
	name     string
	labels   map[string]string
	state    types.RuntimeState
	exitCode int
	logs     []string
}

// MemoryRuntime is an in-process Runtime. It backs RUNTIME=memory and the
// test suites, and can inject failures, hold image loads open and simulate
// containers changing state behind shipyard's back.
type MemoryRuntime struct {
	mu         sync.Mutex
	images     map[string]*types.RuntimeImage
	containers map[string]*memContainer
	failures   map[Op]error
	gate       chan struct{}
	calls      map[Op]int
}

// NewMemoryRuntime creates an empty in-memory runtime
func NewMemoryRuntime() *MemoryRuntime {
	return &MemoryRuntime{
		images:     make(map[string]*types.RuntimeImage),
		containers: make(map[string]*memContainer),
		failures:   make(map[Op]error),
		calls:      make(map[Op]int),
	}
}

// Fail makes every call of op return err until Clear is called
func (m *MemoryRuntime) Fail(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = err
}

// Clear removes an injected failure
func (m *MemoryRuntime) Clear(op Op) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, op)
}

// Calls returns how many times op reached the runtime
func (m *MemoryRuntime) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// HoldLoads blocks every LoadImage until the returned release func is called
func (m *MemoryRuntime) HoldLoads() (release func()) {
	gate := make(chan struct{})
	m.mu.Lock()
	m.gate = gate
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.gate == gate {
				m.gate = nil
			}
			m.mu.Unlock()
			close(gate)
		})
	}
}

// Crash moves a container to exited with the given code, as if its process died
func (m *MemoryRuntime) Crash(id string, exitCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.containers[id]; ok {
		c.state = types.RuntimeStateExited
		c.exitCode = exitCode
	}
}

// Vanish removes a container without going through shipyard
func (m *MemoryRuntime) Vanish(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.containers, id)
}

// VanishImage removes an image without going through shipyard
func (m *MemoryRuntime) VanishImage(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.images, id)
}

// WriteLogs appends lines to a container's log
func (m *MemoryRuntime) WriteLogs(id string, lines ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.containers[id]; ok {
		c.logs = append(c.logs, lines...)
	}
}

// enter records a call and returns any injected failure. Caller holds mu.
func (m *MemoryRuntime) enter(op Op) error {
	m.calls[op]++
	return m.failures[op]
}

func (m *MemoryRuntime) LoadImage(ctx context.Context, archive io.Reader) (*types.RuntimeImage, error) {
	m.mu.Lock()
	err := m.enter(OpLoadImage)
	gate := m.gate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	data, err := io.ReadAll(archive)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}
	repoTag, err := readRepoTag(data)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	img := &types.RuntimeImage{ID: "sha256:" + hex.EncodeToString(sum[:])}
	img.Name, img.Tag = SplitReference(repoTag)

	m.mu.Lock()
	defer m.mu.Unlock()
	// A tag moves to the newest image carrying it.
	if img.Name != "" {
		for _, other := range m.images {
			if other.ID != img.ID && other.Name == img.Name && other.Tag == img.Tag {
				other.Name, other.Tag = "", ""
			}
		}
	}
	m.images[img.ID] = img
	out := *img
	return &out, nil
}

func (m *MemoryRuntime) ListImages(ctx context.Context) ([]types.RuntimeImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpListImages); err != nil {
		return nil, err
	}
	images := make([]types.RuntimeImage, 0, len(m.images))
	for _, img := range m.images {
		images = append(images, *img)
	}
	return images, nil
}

func (m *MemoryRuntime) RemoveImage(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpRemoveImage); err != nil {
		return err
	}
	if _, ok := m.images[id]; !ok {
		return fmt.Errorf("%w: image %s", ErrNotFound, id)
	}
	delete(m.images, id)
	return nil
}

// resolveImage finds an image by id or by name[:tag]. Caller holds mu.
func (m *MemoryRuntime) resolveImage(ref string) (*types.RuntimeImage, bool) {
	if img, ok := m.images[ref]; ok {
		return img, true
	}
	name, tag := SplitReference(ref)
	if tag == "" {
		tag = "latest"
	}
	for _, img := range m.images {
		if img.Name == name && img.Tag == tag {
			return img, true
		}
	}
	return nil, false
}

func (m *MemoryRuntime) CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpCreateContainer); err != nil {
		return "", err
	}
	if _, ok := m.resolveImage(cfg.Image); !ok {
		return "", fmt.Errorf("%w: image %s", ErrNotFound, cfg.Image)
	}

	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	name := cfg.Name
	if name == "" {
		name = "shipyard-" + id[:12]
	}
	for _, c := range m.containers {
		if c.name == name {
			return "", fmt.Errorf("container name %q is already in use", name)
		}
	}

	m.containers[id] = &memContainer{
		cfg:    cfg,
		id:     id,
		name:   name,
		labels: cfg.Labels(),
		state:  types.RuntimeStateCreated,
	}
	return id, nil
}

// CreateUnmanaged adds a container without shipyard labels
func (m *MemoryRuntime) CreateUnmanaged(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	m.containers[id] = &memContainer{id: id, name: name, labels: map[string]string{}, state: types.RuntimeStateRunning}
	return id
}

func (m *MemoryRuntime) StartContainer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpStartContainer); err != nil {
		return err
	}
	c, ok := m.containers[id]
	if !ok {
		return fmt.Errorf("%w: container %s", ErrNotFound, id)
	}
	if c.state == types.RuntimeStateRunning {
		return nil
	}
	if c.cfg.HostPort > 0 {
		for _, other := range m.containers {
			if other.id != id && other.state == types.RuntimeStateRunning && other.cfg.HostPort == c.cfg.HostPort {
				return fmt.Errorf("bind for 0.0.0.0:%d failed: port is already allocated", c.cfg.HostPort)
			}
		}
	}
	c.state = types.RuntimeStateRunning
	c.exitCode = 0
	return nil
}

func (m *MemoryRuntime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpStopContainer); err != nil {
		return err
	}
	c, ok := m.containers[id]
	if !ok {
		return fmt.Errorf("%w: container %s", ErrNotFound, id)
	}
	if c.state == types.RuntimeStateRunning {
		c.state = types.RuntimeStateExited
		c.exitCode = 0
	}
	return nil
}

func (m *MemoryRuntime) RemoveContainer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpRemoveContainer); err != nil {
		return err
	}
	if _, ok := m.containers[id]; !ok {
		return fmt.Errorf("%w: container %s", ErrNotFound, id)
	}
	delete(m.containers, id)
	return nil
}

func (c *memContainer) snapshot() types.RuntimeContainer {
	rc := types.RuntimeContainer{
		ID:       c.id,
		Name:     c.name,
		State:    c.state,
		ExitCode: c.exitCode,
	}
	if c.state == types.RuntimeStateRunning {
		rc.ExposedPort = c.cfg.HostPort
	}
	return rc
}

func (m *MemoryRuntime) InspectContainer(ctx context.Context, id string) (*types.RuntimeContainer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpInspect); err != nil {
		return nil, err
	}
	c, ok := m.containers[id]
	if !ok {
		return nil, fmt.Errorf("%w: container %s", ErrNotFound, id)
	}
	rc := c.snapshot()
	return &rc, nil
}

func (m *MemoryRuntime) ListContainers(ctx context.Context) ([]types.RuntimeContainer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpListContainers); err != nil {
		return nil, err
	}
	var out []types.RuntimeContainer
	for _, c := range m.containers {
		if c.labels[LabelManagedBy] == managedByValue {
			out = append(out, c.snapshot())
		}
	}
	return out, nil
}

func (m *MemoryRuntime) FetchLogs(ctx context.Context, id string, tail int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpLogs); err != nil {
		return "", err
	}
	c, ok := m.containers[id]
	if !ok {
		return "", fmt.Errorf("%w: container %s", ErrNotFound, id)
	}
	lines := c.logs
	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return strings.Join(lines, "\n"), nil
}

func (m *MemoryRuntime) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enter(OpPing)
}

func (m *MemoryRuntime) Close() error {
	return nil
}

type archiveManifest struct {
	Config   string
	RepoTags []string
	Layers   []string
}

// readRepoTag returns the first repo tag from a docker save archive, or ""
// when the archive is untagged
func readRepoTag(data []byte) (string, error) {
	tr := tar.NewReader(bytes.NewReader(data))
	sawEntry := false
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("invalid image archive: %w", err)
		}
		sawEntry = true
		if hdr.Name != "manifest.json" {
			continue
		}
		var manifest []archiveManifest
		if err := json.NewDecoder(tr).Decode(&manifest); err != nil {
			return "", fmt.Errorf("invalid image manifest: %w", err)
		}
		for _, entry := range manifest {
			if len(entry.RepoTags) > 0 {
				return entry.RepoTags[0], nil
			}
		}
		return "", nil
	}
	if !sawEntry {
		return "", errors.New("invalid image archive: empty")
	}
	return "", nil
}

// NewArchive builds a minimal docker save archive tagged repoTag. payload
// distinguishes archives with the same tag. An empty repoTag yields an
// untagged archive.
func NewArchive(repoTag, payload string) []byte {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	manifest := []archiveManifest{{Config: "config.json", Layers: []string{}}}
	if repoTag != "" {
		manifest[0].RepoTags = []string{repoTag}
	}
	manifestJSON, _ := json.Marshal(manifest)
	config, _ := json.Marshal(map[string]string{"payload": payload})

	for _, f := range []struct {
		name string
		data []byte
	}{
		{"manifest.json", manifestJSON},
		{"config.json", config},
	} {
		tw.WriteHeader(&tar.Header{Name: f.name, Mode: 0644, Size: int64(len(f.data))})
		tw.Write(f.data)
	}
	tw.Close()
	return buf.Bytes()
}
