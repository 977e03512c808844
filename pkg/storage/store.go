package storage

import (
	"errors"

	"github.com/cuemby/shipyard/pkg/types"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrVersionConflict is returned when an update carries a stale version
	ErrVersionConflict = errors.New("record version conflict")

	// ErrExists is returned when creating a record whose id is taken
	ErrExists = errors.New("record already exists")
)

// Store defines the interface for lifecycle state storage.
//
// Create assigns Version 1. Update is a compare-and-swap: it succeeds only when
// the stored version equals the version on the passed record, and increments
// the version on the passed record on success.
type Store interface {
	// Uploaded images
	CreateUploadedImage(img *types.UploadedImage) error
	GetUploadedImage(id string) (*types.UploadedImage, error)
	ListUploadedImages() ([]*types.UploadedImage, error)
	UpdateUploadedImage(img *types.UploadedImage) error
	DeleteUploadedImage(id string) error

	// Docker images
	CreateDockerImage(img *types.DockerImage) error
	GetDockerImage(id string) (*types.DockerImage, error)
	GetActiveDockerImageByRuntimeID(runtimeID string) (*types.DockerImage, error)
	ListDockerImages() ([]*types.DockerImage, error)
	UpdateDockerImage(img *types.DockerImage) error
	DeleteDockerImage(id string) error

	// Containers
	CreateContainer(c *types.Container) error
	GetContainer(id string) (*types.Container, error)
	ListContainers() ([]*types.Container, error)
	UpdateContainer(c *types.Container) error

	// Utility
	Ping() error
	Close() error
}
