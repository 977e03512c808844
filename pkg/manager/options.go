package manager

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/shipyard/pkg/events"
	"github.com/cuemby/shipyard/pkg/runtime"
	"github.com/cuemby/shipyard/pkg/storage"
	"github.com/cuemby/shipyard/pkg/types"
)

const (
	// DefaultRuntimeTimeout bounds a single runtime call
	DefaultRuntimeTimeout = 5 * time.Minute

	// DefaultMaxUploadBytes is the largest archive accepted by RecordUpload
	DefaultMaxUploadBytes = 1024 << 20
)

// Options configures the lifecycle managers. Zero fields take defaults.
type Options struct {
	// Locks is shared between the managers and the reconciler
	Locks *KeyedLock
	// Events receives lifecycle events
	Events events.Publisher
	// RuntimeTimeout bounds each runtime call, including background loads
	RuntimeTimeout time.Duration
	// StopTimeout is the grace period given to a stopping container
	StopTimeout time.Duration
	// MaxUploadBytes limits the size of an uploaded archive
	MaxUploadBytes int64
}

func (o Options) withDefaults() Options {
	if o.Locks == nil {
		o.Locks = NewKeyedLock()
	}
	if o.Events == nil {
		o.Events = events.Discard
	}
	if o.RuntimeTimeout <= 0 {
		o.RuntimeTimeout = DefaultRuntimeTimeout
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = runtime.DefaultStopTimeout
	}
	if o.MaxUploadBytes <= 0 {
		o.MaxUploadBytes = DefaultMaxUploadBytes
	}
	return o
}

// storeError maps a store failure onto the lifecycle error kinds
func storeError(err error, kind, id string) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return types.NotFoundError("%s %s not found", kind, id)
	case errors.Is(err, storage.ErrVersionConflict):
		return types.ConflictError("%s %s was modified concurrently", kind, id)
	default:
		return types.StorageError(err, "store operation on %s %s failed", kind, id)
	}
}

// runtimeContext bounds a runtime call made on behalf of a request
func runtimeContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, timeout)
}

func now() time.Time {
	return time.Now().UTC()
}
