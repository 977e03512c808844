package runtime

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/cuemby/shipyard/pkg/types"
)

// ErrNotFound is returned when the runtime has no object with the given id
var ErrNotFound = errors.New("runtime object not found")

const (
	// LabelManagedBy marks containers created by shipyard
	LabelManagedBy = "io.shipyard.managed-by"

	// LabelContainerID carries the shipyard record id of a container
	LabelContainerID = "io.shipyard.container-id"

	managedByValue = "shipyard"

	// DefaultStopTimeout is the grace period before a stop escalates to a kill
	DefaultStopTimeout = 10 * time.Second

	// DefaultLogTail is the number of log lines returned when none is requested
	DefaultLogTail = 100
)

// ContainerConfig describes a container to create
type ContainerConfig struct {
	RecordID      string
	Name          string
	Image         string
	CPULimit      float64
	MemoryLimitMB int
	InternalPort  int
	HostPort      int
}

// Labels returns the labels every managed container carries
func (c ContainerConfig) Labels() map[string]string {
	return map[string]string{
		LabelManagedBy:   managedByValue,
		LabelContainerID: c.RecordID,
	}
}

// Runtime is the capability interface over a container runtime. It performs
// I/O only; all lifecycle policy lives in the managers.
type Runtime interface {
	// LoadImage materializes an image archive and reports the resulting image
	LoadImage(ctx context.Context, archive io.Reader) (*types.RuntimeImage, error)
	ListImages(ctx context.Context) ([]types.RuntimeImage, error)
	// RemoveImage returns ErrNotFound when the image is already gone
	RemoveImage(ctx context.Context, id string) error

	CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	// RemoveContainer returns ErrNotFound when the container is already gone
	RemoveContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (*types.RuntimeContainer, error)
	// ListContainers returns containers labelled as managed by shipyard
	ListContainers(ctx context.Context) ([]types.RuntimeContainer, error)
	FetchLogs(ctx context.Context, id string, tail int) (string, error)

	Ping(ctx context.Context) error
	Close() error
}

// SplitReference splits an image reference into name and tag. A digest
// reference yields an empty tag.
func SplitReference(ref string) (name, tag string) {
	if i := strings.Index(ref, "@"); i >= 0 {
		return ref[:i], ""
	}
	slash := strings.LastIndex(ref, "/")
	if colon := strings.LastIndex(ref, ":"); colon > slash {
		return ref[:colon], ref[colon+1:]
	}
	return ref, ""
}
