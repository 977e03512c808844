package types

import (
	"time"
)

// ImageStatus is the load state of an uploaded archive or a runtime image record
type ImageStatus string

const (
	// ImageStatusUploaded means the archive is stored but has not been loaded yet
	ImageStatusUploaded ImageStatus = "uploaded"
	// ImageStatusLoading means a runtime load is in flight
	ImageStatusLoading ImageStatus = "loading"
	// ImageStatusLoaded means the archive materialized into a runtime image
	ImageStatusLoaded ImageStatus = "loaded"
	// ImageStatusFailed means the last load attempt errored
	ImageStatusFailed ImageStatus = "failed"
)

// UploadedImage is an image archive stored by the control plane
type UploadedImage struct {
	ID            string      `json:"id" gorm:"primaryKey"`
	Filename      string      `json:"filename" gorm:"not null;index"`
	StoragePath   string      `json:"storage_path" gorm:"not null"`
	SizeBytes     int64       `json:"size_bytes"`
	Status        ImageStatus `json:"status" gorm:"not null;index"`
	Error         string      `json:"error,omitempty"`
	DockerImageID string      `json:"docker_image_id,omitempty"`
	Version       int64       `json:"version"`
	ObservedAt    time.Time   `json:"observed_at"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// InFlight reports whether a load is currently running for the upload
func (u *UploadedImage) InFlight() bool {
	return u.Status == ImageStatusLoading
}

// DockerImage is a record of an image known to the runtime
type DockerImage struct {
	ID              string      `json:"id" gorm:"primaryKey"`
	RuntimeID       string      `json:"runtime_id" gorm:"not null;index"`
	Name            string      `json:"name"`
	Tag             string      `json:"tag"`
	IsActive        bool        `json:"is_active" gorm:"not null;index"`
	Status          ImageStatus `json:"status" gorm:"not null"`
	Error           string      `json:"error,omitempty"`
	UploadedImageID string      `json:"uploaded_image_id,omitempty" gorm:"index"`
	Version         int64       `json:"version"`
	ObservedAt      time.Time   `json:"observed_at"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Reference returns the name:tag form of the image, or the runtime id when untagged
func (d *DockerImage) Reference() string {
	if d.Name == "" {
		return d.RuntimeID
	}
	if d.Tag == "" {
		return d.Name
	}
	return d.Name + ":" + d.Tag
}

// InFlight reports whether a reload is currently running for the image
func (d *DockerImage) InFlight() bool {
	return d.Status == ImageStatusLoading
}

// ContainerStatus represents the lifecycle state of a container record
type ContainerStatus string

const (
	ContainerStatusCreated ContainerStatus = "created"
	ContainerStatusRunning ContainerStatus = "running"
	ContainerStatusStopped ContainerStatus = "stopped"
	ContainerStatusDeleted ContainerStatus = "deleted"
	ContainerStatusError   ContainerStatus = "error"
)

// Container is a runtime container managed by the control plane
type Container struct {
	ID             string          `json:"id" gorm:"primaryKey"`
	RuntimeID      string          `json:"runtime_id" gorm:"index"`
	Name           string          `json:"name,omitempty"`
	Image          string          `json:"image,omitempty"`
	ImageID        string          `json:"image_id,omitempty" gorm:"index"`
	ResolvedImage  string          `json:"resolved_image"`
	CPULimit       float64         `json:"cpu_limit"`
	MemoryLimitMB  int             `json:"memory_limit_mb"`
	InternalPort   int             `json:"internal_port"`
	HostPort       int             `json:"host_port"`
	AutoStart      bool            `json:"auto_start"`
	Status         ContainerStatus `json:"status" gorm:"not null;index"`
	PreviousStatus ContainerStatus `json:"previous_status,omitempty"`
	Error          string          `json:"error,omitempty"`
	ExposedPort    int             `json:"exposed_port,omitempty"`
	ExitCode       int             `json:"exit_code,omitempty"`
	Version        int64           `json:"version"`
	ObservedAt     time.Time       `json:"observed_at"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	DeletedAt      *time.Time      `json:"deleted_at,omitempty"`
}

// Terminal reports whether the container reached its final state
func (c *Container) Terminal() bool {
	return c.Status == ContainerStatusDeleted
}

// ContainerSpec is a validated container creation request. Exactly one of
// Image and ImageID is set.
type ContainerSpec struct {
	Name          string
	Image         string
	ImageID       string
	CPULimit      float64
	MemoryLimitMB int
	InternalPort  int
	HostPort      int
	AutoStart     bool
}

// RuntimeImage is an image as reported by the runtime
type RuntimeImage struct {
	ID   string
	Name string
	Tag  string
}

// RuntimeState is the runtime's view of a container state
type RuntimeState string

const (
	RuntimeStateCreated RuntimeState = "created"
	RuntimeStateRunning RuntimeState = "running"
	RuntimeStateExited  RuntimeState = "exited"
	RuntimeStateUnknown RuntimeState = "unknown"
)

// RuntimeContainer is a container as reported by the runtime
type RuntimeContainer struct {
	ID          string
	Name        string
	State       RuntimeState
	ExitCode    int
	ExposedPort int
}
