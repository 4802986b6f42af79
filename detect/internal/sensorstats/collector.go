package sensorstats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/telhawk-systems/telhawk-ndr/common/logging"
)

// Input kinds passed to Collector.Record.
const (
	KindRecord = "record"
	KindFrame  = "frame"
)

// Collector accumulates counts in memory and flushes them to Redis on an
// interval. Safe for concurrent use.
type Collector struct {
	client   *Client
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	batches map[string]*Batch

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewCollector starts a collector flushing every interval.
func NewCollector(client *Client, interval time.Duration, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	c := &Collector{
		client:   client,
		interval: interval,
		logger:   logger,
		batches:  make(map[string]*Batch),
		stop:     make(chan struct{}),
	}
	c.wg.Add(1)
	go c.loop()
	return c
}

// Record counts accepted and rejected inputs of kind from sensor.
func (c *Collector) Record(sensor, kind string, accepted, rejected int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.batches[sensor]
	if !ok {
		b = &Batch{SensorID: sensor}
		c.batches[sensor] = b
	}
	switch kind {
	case KindFrame:
		b.Frames += int64(accepted)
	default:
		b.Records += int64(accepted)
	}
	b.Rejected += int64(rejected)
}

func (c *Collector) loop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			c.Flush()
			return
		case <-ticker.C:
			c.Flush()
		}
	}
}

// Flush writes everything accumulated so far. Batches that fail are kept
// for the next flush.
func (c *Collector) Flush() {
	c.mu.Lock()
	batches := c.batches
	c.batches = make(map[string]*Batch)
	c.mu.Unlock()
	if len(batches) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, b := range batches {
		if err := c.client.Flush(ctx, b); err != nil {
			c.logger.Warn("failed to flush sensor stats", logging.Sensor(b.SensorID), logging.Error(err))
			c.mu.Lock()
			if cur, ok := c.batches[b.SensorID]; ok {
				cur.merge(b)
			} else {
				c.batches[b.SensorID] = b
			}
			c.mu.Unlock()
		}
	}
}

// Pending returns unflushed accepted counts per sensor.
func (c *Collector) Pending() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.batches))
	for id, b := range c.batches {
		out[id] = b.accepted()
	}
	return out
}

// Stop flushes once more and stops the background loop.
func (c *Collector) Stop() {
	close(c.stop)
	c.wg.Wait()
}
