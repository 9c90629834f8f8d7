package spanz

import (
	"context"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

// newTestTracer builds a tracer over a collector with periodic flushing
// disabled, closed when the test ends.
func newTestTracer(t *testing.T, clock clockz.Clock) (*Tracer, *Collector) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.FlushInterval = 0
	collector := NewCollector(cfg)
	t.Cleanup(func() {
		_ = collector.Close(context.Background())
	})
	return NewTracer(NewRegistry(), collector).WithClock(clock), collector
}

// collected flushes the aggregator and drains the shared buffer.
func collected(t *testing.T, c *Collector) []SpanEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	return c.Drain()
}
