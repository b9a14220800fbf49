package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"fringe/internal/logging"
	"fringe/internal/queue"
)

const collectTimeout = 5 * time.Second

// Collector refreshes the store-derived gauges on a fixed cadence. Counters
// and histograms are updated inline by the components that own them.
type Collector struct {
	store    *queue.Store
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewCollector creates a gauge collector polling the given store.
func NewCollector(store *queue.Store, interval time.Duration, logger *slog.Logger) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Collector{
		store:    store,
		logger:   logger.With(logging.String("component", "metrics")),
		interval: interval,
	}
}

// Start begins collecting. The first collection happens immediately.
func (c *Collector) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	stopCh, doneCh := c.stopCh, c.doneCh
	c.mu.Unlock()

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop halts collection and waits for the loop to exit.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	stopCh, doneCh := c.stopCh, c.doneCh
	c.stopCh = nil
	c.doneCh = nil
	c.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	if stats, err := c.store.Stats(ctx); err == nil {
		for _, state := range queue.AllStates() {
			JobsTotal.WithLabelValues(string(state)).Set(float64(stats[state]))
		}
	} else {
		c.logger.Debug("job stats collection failed", logging.Error(err))
	}

	if counts, err := c.store.GroupCounts(ctx); err == nil {
		for _, status := range queue.AllGroupStatuses() {
			GroupsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
		}
	} else {
		c.logger.Debug("group stats collection failed", logging.Error(err))
	}

	if unassigned, err := c.store.UnassignedFragments(ctx); err == nil {
		FragmentsUnassigned.Set(float64(len(unassigned)))
	}

	if count, err := c.store.CountProducts(ctx); err == nil {
		ProductsTotal.Set(float64(count))
	}

	if missing, err := c.store.MissingProducts(ctx); err == nil {
		ProductsMissing.Set(float64(len(missing)))
	}
}
