package metrics

import (
	"context"
	"time"

	"github.com/openvideoplatform/encoder/internal/logger"
)

// QueueStats is a snapshot of queue sizes.
type QueueStats struct {
	Waiting  int64
	InFlight int64
	Dead     int64
}

// StatsProvider reports queue sizes
type StatsProvider interface {
	Stats(ctx context.Context) (QueueStats, error)
}

// Collector periodically samples queue sizes into QueueDepth
type Collector struct {
	provider StatsProvider
	interval time.Duration
	stopChan chan struct{}
	done     chan struct{}
	log      *logger.Logger
}

// NewCollector creates a new metrics collector
func NewCollector(provider StatsProvider, interval time.Duration, log *logger.Logger) *Collector {
	if log == nil {
		log = logger.Default()
	}
	return &Collector{
		provider: provider,
		interval: interval,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
		log:      log.WithComponent("metrics"),
	}
}

// Start begins the collection loop
func (c *Collector) Start() {
	go c.collectLoop()
}

// Stop stops the collection loop and waits for it to exit
func (c *Collector) Stop() {
	close(c.stopChan)
	<-c.done
}

func (c *Collector) collectLoop() {
	defer close(c.done)

	c.collect()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopChan:
			return
		}
	}
}

func (c *Collector) collect() {
	if c.provider == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.interval)
	defer cancel()

	stats, err := c.provider.Stats(ctx)
	if err != nil {
		c.log.WarnErr(ctx, "failed to collect queue stats", err)
		return
	}

	QueueDepth.WithLabelValues("waiting").Set(float64(stats.Waiting))
	QueueDepth.WithLabelValues("in_flight").Set(float64(stats.InFlight))
	QueueDepth.WithLabelValues("dead").Set(float64(stats.Dead))
}
