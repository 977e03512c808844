package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/shipyard/pkg/events"
	"github.com/cuemby/shipyard/pkg/log"
	"github.com/cuemby/shipyard/pkg/manager"
	"github.com/cuemby/shipyard/pkg/metrics"
	"github.com/cuemby/shipyard/pkg/runtime"
	"github.com/cuemby/shipyard/pkg/storage"
	"github.com/cuemby/shipyard/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultInterval is the time between periodic passes
	DefaultInterval = 10 * time.Second

	// DefaultTimeout bounds a single pass
	DefaultTimeout = time.Minute

	inspectConcurrency = 4
)

// Drift kinds reported to metrics
const (
	driftContainerMissing = "container_missing"
	driftContainerState   = "container_state"
	driftImageMissing     = "image_missing"
	driftOrphanContainer  = "orphan_container"
	driftOrphanImage      = "orphan_image"
)

// Config configures a Reconciler. Zero fields take defaults.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	// Locks must be the lock table the managers use
	Locks  *manager.KeyedLock
	Events events.Publisher
}

// Report summarizes one pass
type Report struct {
	ContainersUpdated int `json:"containers_updated"`
	ImagesDeactivated int `json:"images_deactivated"`
	OrphanContainers  int `json:"orphan_containers"`
	OrphanImages      int `json:"orphan_images"`
	Skipped           int `json:"skipped"`
}

// Reconciler brings persisted status in line with what the runtime reports.
// The store stays the source of truth for configuration.
type Reconciler struct {
	store    storage.Store
	runtime  runtime.Runtime
	locks    *manager.KeyedLock
	events   events.Publisher
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger

	group     singleflight.Group
	triggerCh chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
	doneCh    chan struct{}
	started   atomic.Bool

	// orphans already reported, so each is announced once
	mu       sync.Mutex
	reported map[string]bool
}

// NewReconciler creates a new reconciler
func NewReconciler(store storage.Store, rt runtime.Runtime, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Locks == nil {
		cfg.Locks = manager.NewKeyedLock()
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}
	return &Reconciler{
		store:     store,
		runtime:   rt,
		locks:     cfg.Locks,
		events:    cfg.Events,
		interval:  cfg.Interval,
		timeout:   cfg.Timeout,
		logger:    log.WithComponent("reconciler"),
		triggerCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		reported:  make(map[string]bool),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	if r.started.CompareAndSwap(false, true) {
		go r.run()
	}
}

// Stop stops the loop and waits for a running pass to finish
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	if r.started.Load() {
		<-r.doneCh
	}
}

// Trigger requests a pass as soon as possible. Triggers arriving while one
// is pending coalesce into it.
func (r *Reconciler) Trigger() {
	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

func (r *Reconciler) run() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-r.triggerCh:
		case <-r.stopCh:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if _, err := r.Reconcile(ctx); err != nil {
			r.logger.Error().Err(err).Msg("Reconciliation pass failed")
		}
		cancel()
	}
}

// Reconcile runs one pass. Concurrent callers share the pass in progress.
func (r *Reconciler) Reconcile(ctx context.Context) (*Report, error) {
	v, err, _ := r.group.Do("pass", func() (any, error) {
		return r.reconcile(ctx)
	})
	if err != nil {
		return nil, err
	}
	report := *v.(*Report)
	return &report, nil
}

// observation is the runtime state captured at the start of a pass
type observation struct {
	// taken precedes both runtime listings
	taken      time.Time
	containers map[string]types.RuntimeContainer
	images     map[string]types.RuntimeImage
	// unconfirmed holds runtime ids missing from the listing whose
	// absence could not be confirmed by an inspect
	unconfirmed map[string]bool
}

// stale reports whether a record was last written before the runtime was
// listed. Newer records may describe objects the listing cannot show.
func (o *observation) stale(updatedAt time.Time) bool {
	return updatedAt.Before(o.taken)
}

func (r *Reconciler) reconcile(ctx context.Context) (*Report, error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	obs, err := r.observe(ctx, time.Now())
	if err != nil {
		return nil, err
	}

	report := &Report{}
	if err := r.reconcileContainers(ctx, obs, report); err != nil {
		return nil, err
	}
	if err := r.reconcileImages(obs, report); err != nil {
		return nil, err
	}

	if *report != (Report{}) {
		r.logger.Info().
			Int("containers_updated", report.ContainersUpdated).
			Int("images_deactivated", report.ImagesDeactivated).
			Int("orphan_containers", report.OrphanContainers).
			Int("orphan_images", report.OrphanImages).
			Int("skipped", report.Skipped).
			Dur("duration", timer.Duration()).
			Msg("Reconciliation pass complete")
	}
	return report, nil
}

// observe lists runtime containers and images once for the whole pass
func (r *Reconciler) observe(ctx context.Context, taken time.Time) (*observation, error) {
	var (
		containers []types.RuntimeContainer
		images     []types.RuntimeImage
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		timer := metrics.NewTimer()
		var err error
		containers, err = r.runtime.ListContainers(gctx)
		metrics.ObserveRuntime("list_containers", timer, err)
		if err != nil {
			return fmt.Errorf("failed to list runtime containers: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		timer := metrics.NewTimer()
		var err error
		images, err = r.runtime.ListImages(gctx)
		metrics.ObserveRuntime("list_images", timer, err)
		if err != nil {
			return fmt.Errorf("failed to list runtime images: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	obs := &observation{
		taken:       taken,
		containers:  make(map[string]types.RuntimeContainer, len(containers)),
		images:      make(map[string]types.RuntimeImage, len(images)),
		unconfirmed: make(map[string]bool),
	}
	for _, c := range containers {
		obs.containers[c.ID] = c
	}
	for _, img := range images {
		obs.images[img.ID] = img
	}
	return obs, nil
}

// refresh re-inspects containers whose listing disagrees with their record:
// those missing from the listing, and those listed as exited while the
// record says running (for an exact exit code)
func (r *Reconciler) refresh(ctx context.Context, obs *observation, records []*types.Container) {
	// runtime id -> whether the listing showed it
	targets := make(map[string]bool)
	for _, c := range records {
		if c.Terminal() || !obs.stale(c.UpdatedAt) {
			continue
		}
		rc, ok := obs.containers[c.RuntimeID]
		if !ok || (c.Status == types.ContainerStatusRunning && rc.State == types.RuntimeStateExited) {
			targets[c.RuntimeID] = ok
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(inspectConcurrency)

	for id, listed := range targets {
		g.Go(func() error {
			timer := metrics.NewTimer()
			info, err := r.runtime.InspectContainer(gctx, id)
			metrics.ObserveRuntime("inspect_container", timer, err)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, runtime.ErrNotFound):
				delete(obs.containers, id)
			case err != nil:
				r.logger.Warn().Err(err).Str("runtime_id", id).Msg("Failed to inspect container")
				if !listed {
					obs.unconfirmed[id] = true
				}
			default:
				obs.containers[id] = *info
			}
			return nil
		})
	}
	g.Wait()
}

func (r *Reconciler) reconcileContainers(ctx context.Context, obs *observation, report *Report) error {
	records, err := r.store.ListContainers()
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}
	r.refresh(ctx, obs, records)

	tracked := make(map[string]bool, len(records))
	for _, c := range records {
		if c.Terminal() {
			continue
		}
		tracked[c.RuntimeID] = true
		if !obs.stale(c.UpdatedAt) || obs.unconfirmed[c.RuntimeID] {
			report.Skipped++
			continue
		}

		updated, skipped := r.reconcileContainer(c, obs)
		if skipped {
			report.Skipped++
		}
		if updated {
			report.ContainersUpdated++
		}
	}

	if err := retrack(obs.containers, tracked, r.containerRuntimeIDs); err != nil {
		return err
	}
	for id, rc := range obs.containers {
		if tracked[id] {
			continue
		}
		if r.reportOrphan("container/"+id, events.EventOrphanContainer, driftOrphanContainer,
			"runtime container "+rc.Name+" has no record",
			map[string]string{"runtime_id": id, "name": rc.Name}) {
			report.OrphanContainers++
		}
	}
	return nil
}

// reconcileContainer applies the runtime's view to one record. A record
// whose lock is held or whose version moved since it was listed is skipped.
func (r *Reconciler) reconcileContainer(c *types.Container, obs *observation) (updated, skipped bool) {
	unlock, ok := r.locks.TryLock(manager.ContainerKey(c.ID))
	if !ok {
		return false, true
	}
	defer unlock()

	logger := log.WithContainerID(c.ID)
	previous := c.Status
	drift := ""

	rc, present := obs.containers[c.RuntimeID]
	switch {
	case !present:
		ts := time.Now().UTC()
		c.PreviousStatus = previous
		c.Status = types.ContainerStatusDeleted
		c.Error = "container no longer exists in the runtime"
		c.ExposedPort = 0
		c.DeletedAt = &ts
		drift = driftContainerMissing

	case rc.State == types.RuntimeStateRunning:
		if previous == types.ContainerStatusRunning {
			if rc.ExposedPort == 0 || rc.ExposedPort == c.ExposedPort {
				return false, false
			}
			c.ExposedPort = rc.ExposedPort
			break
		}
		c.Status = types.ContainerStatusRunning
		c.PreviousStatus = ""
		c.Error = ""
		c.ExitCode = 0
		c.ExposedPort = rc.ExposedPort
		drift = driftContainerState

	case rc.State == types.RuntimeStateExited && previous == types.ContainerStatusRunning:
		c.ExitCode = rc.ExitCode
		c.ExposedPort = 0
		if rc.ExitCode == 0 {
			c.Status = types.ContainerStatusStopped
		} else {
			c.Status = types.ContainerStatusError
			c.PreviousStatus = previous
			c.Error = fmt.Sprintf("container exited with code %d", rc.ExitCode)
		}
		drift = driftContainerState

	default:
		return false, false
	}

	c.ObservedAt = time.Now().UTC()
	c.UpdatedAt = c.ObservedAt
	if err := r.store.UpdateContainer(c); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			logger.Debug().Msg("Container changed during reconciliation, skipping")
			return false, true
		}
		logger.Error().Err(err).Msg("Failed to update container status")
		return false, false
	}

	if drift == "" {
		return true, false
	}
	metrics.DriftEventsTotal.WithLabelValues(drift).Inc()
	logger.Warn().
		Str("from", string(previous)).
		Str("to", string(c.Status)).
		Int("exit_code", c.ExitCode).
		Msg("Container status drifted from runtime")
	r.events.Publish(events.New(events.EventDriftContainer,
		fmt.Sprintf("container %s moved from %s to %s", c.ID, previous, c.Status),
		map[string]string{
			"container_id": c.ID,
			"from":         string(previous),
			"to":           string(c.Status),
		}))
	return true, false
}

func (r *Reconciler) reconcileImages(obs *observation, report *Report) error {
	records, err := r.store.ListDockerImages()
	if err != nil {
		return fmt.Errorf("failed to list docker images: %w", err)
	}

	tracked := make(map[string]bool, len(records))
	for _, img := range records {
		if !img.IsActive {
			continue
		}
		tracked[img.RuntimeID] = true
		if img.InFlight() || !obs.stale(img.UpdatedAt) {
			report.Skipped++
			continue
		}
		if _, ok := obs.images[img.RuntimeID]; ok {
			continue
		}

		deactivated, skipped := r.deactivateImage(img)
		if skipped {
			report.Skipped++
		}
		if deactivated {
			report.ImagesDeactivated++
		}
	}

	if err := retrack(obs.images, tracked, r.imageRuntimeIDs); err != nil {
		return err
	}
	for id, ri := range obs.images {
		if tracked[id] {
			continue
		}
		ref := id
		if ri.Name != "" {
			ref = ri.Name + ":" + ri.Tag
		}
		if r.reportOrphan("image/"+id, events.EventOrphanImage, driftOrphanImage,
			"runtime image "+ref+" has no active record",
			map[string]string{"runtime_id": id, "reference": ref}) {
			report.OrphanImages++
		}
	}
	return nil
}

func (r *Reconciler) deactivateImage(img *types.DockerImage) (deactivated, skipped bool) {
	unlock, ok := r.locks.TryLock(manager.ImageKey(img.ID))
	if !ok {
		return false, true
	}
	defer unlock()

	logger := log.WithImageID(img.ID)
	img.IsActive = false
	img.Error = "image no longer exists in the runtime"
	img.ObservedAt = time.Now().UTC()
	img.UpdatedAt = img.ObservedAt
	if err := r.store.UpdateDockerImage(img); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return false, true
		}
		logger.Error().Err(err).Msg("Failed to deactivate image")
		return false, false
	}

	metrics.DriftEventsTotal.WithLabelValues(driftImageMissing).Inc()
	logger.Warn().Str("runtime_id", img.RuntimeID).Msg("Image disappeared from runtime")
	r.events.Publish(events.New(events.EventDriftImage, "image "+img.Reference()+" no longer exists in the runtime",
		map[string]string{
			"docker_image_id": img.ID,
			"runtime_id":      img.RuntimeID,
		}))
	return true, false
}

// retrack re-reads the store when the listing holds objects without a
// record, so records written during the pass are not taken for orphans
func retrack[V any](listed map[string]V, tracked map[string]bool, current func() ([]string, error)) error {
	untracked := false
	for id := range listed {
		if !tracked[id] {
			untracked = true
			break
		}
	}
	if !untracked {
		return nil
	}

	ids, err := current()
	if err != nil {
		return err
	}
	for _, id := range ids {
		tracked[id] = true
	}
	return nil
}

func (r *Reconciler) containerRuntimeIDs() ([]string, error) {
	records, err := r.store.ListContainers()
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	ids := make([]string, 0, len(records))
	for _, c := range records {
		if !c.Terminal() {
			ids = append(ids, c.RuntimeID)
		}
	}
	return ids, nil
}

func (r *Reconciler) imageRuntimeIDs() ([]string, error) {
	records, err := r.store.ListDockerImages()
	if err != nil {
		return nil, fmt.Errorf("failed to list docker images: %w", err)
	}
	ids := make([]string, 0, len(records))
	for _, img := range records {
		if img.IsActive {
			ids = append(ids, img.RuntimeID)
		}
	}
	return ids, nil
}

// reportOrphan announces an orphan the first time it is seen. Orphans are
// never removed.
func (r *Reconciler) reportOrphan(key string, t events.EventType, kind, message string, meta map[string]string) bool {
	r.mu.Lock()
	seen := r.reported[key]
	r.reported[key] = true
	r.mu.Unlock()
	if seen {
		return false
	}

	metrics.DriftEventsTotal.WithLabelValues(kind).Inc()
	r.logger.Warn().Str("runtime_id", meta["runtime_id"]).Msg(message)
	r.events.Publish(events.New(t, message, meta))
	return true
}
