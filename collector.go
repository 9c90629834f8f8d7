package spanz

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

const (
	minSharedCapacity = 32
	maxSharedCapacity = 100_000
)

// Collector moves completed spans from producers to the shared buffer.
// Producers Submit into a bounded channel; one aggregator goroutine batches
// them in a local buffer and appends each batch to the shared buffer under
// a single lock acquisition. Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field alignment optimized for readability over memory efficiency
type Collector struct {
	shared       []SpanEvent
	local        []SpanEvent // Owned by the aggregator goroutine.
	events       chan SpanEvent
	flushCh      chan chan struct{}
	stopCh       chan struct{}
	done         chan struct{}
	clock        clockz.Clock
	logger       *zap.Logger
	interval     time.Duration
	policy       Backpressure
	droppedCount atomic.Int64
	flushCount   atomic.Uint64
	sendMu       sync.RWMutex // Held shared by in-flight submits.
	mu           sync.Mutex   // Guards shared.
	closeOnce    sync.Once
	closed       atomic.Bool
}

// NewCollector creates a collector and starts its aggregator goroutine.
func NewCollector(cfg Config, opts ...Option) *Collector {
	o := buildOptions(opts)
	cfg = cfg.withDefaults()

	c := &Collector{
		shared:   make([]SpanEvent, 0, minSharedCapacity),
		local:    make([]SpanEvent, 0, cfg.LocalBufferSize),
		events:   make(chan SpanEvent, cfg.ChannelSize),
		flushCh:  make(chan chan struct{}),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		clock:    o.clock,
		logger:   o.logger,
		interval: cfg.FlushInterval,
		policy:   cfg.Backpressure,
	}
	go c.run()
	return c
}

// run is the aggregator loop.
func (c *Collector) run() {
	defer close(c.done)
	c.logger.Info("span aggregator started",
		zap.Int("channel_size", cap(c.events)),
		zap.Int("local_buffer_size", cap(c.local)),
		zap.Duration("flush_interval", c.interval),
	)

	var tick <-chan time.Time
	if c.interval > 0 {
		tick = c.clock.After(c.interval)
	}

	for {
		select {
		case event := <-c.events:
			c.buffer(event)
		case ack := <-c.flushCh:
			// Everything submitted before the request is already queued.
			for n := len(c.events); n > 0; n-- {
				c.buffer(<-c.events)
			}
			c.flush()
			close(ack)
		case <-tick:
			c.flush()
			tick = c.clock.After(c.interval)
		case <-c.stopCh:
			// No submit is in flight once stopCh is closed.
			for {
				select {
				case event := <-c.events:
					c.buffer(event)
				default:
					c.flush()
					c.logger.Info("span aggregator stopped", zap.Int64("dropped", c.droppedCount.Load()))
					return
				}
			}
		}
	}
}

func (c *Collector) buffer(event SpanEvent) {
	c.local = append(c.local, event)
	if len(c.local) >= cap(c.local) {
		c.flush()
	}
}

// flush moves the local buffer into the shared buffer.
// Must be called from the aggregator goroutine only.
func (c *Collector) flush() {
	if len(c.local) == 0 {
		return
	}

	c.mu.Lock()
	c.shared = append(c.shared, c.local...)
	c.mu.Unlock()

	c.flushCount.Add(1)
	c.logger.Debug("local span buffer flushed", zap.Int("spans", len(c.local)))
	clear(c.local)
	c.local = c.local[:0]
}

// Submit hands a completed span to the aggregator. Under BackpressureBlock it
// waits for channel space; under BackpressureDrop a full channel drops the
// span. Submits after Close are dropped. Reports whether the span was queued.
func (c *Collector) Submit(event SpanEvent) bool {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()

	if c.closed.Load() {
		c.droppedCount.Add(1)
		return false
	}

	if c.policy == BackpressureDrop {
		select {
		case c.events <- event:
			return true
		default:
			// Channel full - drop span to prevent blocking.
			c.droppedCount.Add(1)
			return false
		}
	}

	c.events <- event
	return true
}

// Flush asks the aggregator to move everything submitted so far into the
// shared buffer and waits until it has. Returns nil once the collector has
// stopped, since stopping flushes.
func (c *Collector) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case c.flushCh <- ack:
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain takes ownership of the shared buffer, installing a fresh one in the
// same critical section. Nothing appended concurrently is lost.
func (c *Collector) Drain() []SpanEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.shared) == 0 {
		return nil
	}

	batch := c.shared
	// Size the next buffer after the last batch, within bounds.
	next := len(batch)
	if next < minSharedCapacity {
		next = minSharedCapacity
	}
	if next > maxSharedCapacity {
		next = maxSharedCapacity
	}
	c.shared = make([]SpanEvent, 0, next)
	return batch
}

// restore puts a drained batch back in front of anything buffered since.
func (c *Collector) restore(batch []SpanEvent) {
	if len(batch) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.shared = append(batch, c.shared...)
}

// Count returns the number of spans in the shared buffer.
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.shared)
}

// DroppedCount returns the total number of spans dropped by backpressure or
// submitted after Close.
func (c *Collector) DroppedCount() int64 {
	return c.droppedCount.Load()
}

// FlushCount returns how many local batches reached the shared buffer.
func (c *Collector) FlushCount() uint64 {
	return c.flushCount.Load()
}

// Close stops accepting spans, lets in-flight submits finish, and waits for
// the aggregator to flush and exit. Buffered spans stay available to Drain.
// If ctx ends first Close returns its error while shutdown carries on in the
// background; a later Close waits for it again. Safe to call multiple times.
func (c *Collector) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		go func() {
			// Wait out in-flight submits; new ones observe closed.
			c.sendMu.Lock()
			close(c.stopCh)
			c.sendMu.Unlock()
		}()
	})

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
