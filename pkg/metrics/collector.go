package metrics

import (
	"time"

	"github.com/cuemby/shipyard/pkg/log"
	"github.com/cuemby/shipyard/pkg/types"
	"github.com/rs/zerolog"
)

// Source is the read side of the store the collector counts from
type Source interface {
	ListUploadedImages() ([]*types.UploadedImage, error)
	ListDockerImages() ([]*types.DockerImage, error)
	ListContainers() ([]*types.Container, error)
}

// Collector refreshes inventory gauges from the store
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
	logger   zerolog.Logger
}

// NewCollector creates a new metrics collector
func NewCollector(source Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("metrics"),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect refreshes every gauge once
func (c *Collector) Collect() {
	c.collectContainers()
	c.collectUploadedImages()
	c.collectDockerImages()
}

func (c *Collector) collectContainers() {
	containers, err := c.source.ListContainers()
	if err != nil {
		c.logger.Debug().Err(err).Msg("Failed to list containers")
		return
	}

	counts := make(map[types.ContainerStatus]int)
	for _, ctr := range containers {
		counts[ctr.Status]++
	}

	ContainersTotal.Reset()
	for status, n := range counts {
		ContainersTotal.WithLabelValues(string(status)).Set(float64(n))
	}
}

func (c *Collector) collectUploadedImages() {
	images, err := c.source.ListUploadedImages()
	if err != nil {
		c.logger.Debug().Err(err).Msg("Failed to list uploaded images")
		return
	}

	counts := make(map[types.ImageStatus]int)
	for _, img := range images {
		counts[img.Status]++
	}

	UploadedImagesTotal.Reset()
	for status, n := range counts {
		UploadedImagesTotal.WithLabelValues(string(status)).Set(float64(n))
	}
}

func (c *Collector) collectDockerImages() {
	images, err := c.source.ListDockerImages()
	if err != nil {
		c.logger.Debug().Err(err).Msg("Failed to list docker images")
		return
	}

	active := 0
	for _, img := range images {
		if img.IsActive {
			active++
		}
	}
	DockerImagesActive.Set(float64(active))
}
