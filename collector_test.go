package spanz

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/zoobzio/clockz"
	"go.uber.org/goleak"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FlushInterval = 0
	return cfg
}

func closeCollector(t *testing.T, c *Collector) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func event(id uint64) SpanEvent {
	return SpanEvent{SpanID: id, Scope: "test"}
}

func TestNewCollector(t *testing.T) {
	collector := NewCollector(testConfig())
	defer closeCollector(t, collector)

	if collector.Count() != 0 {
		t.Errorf("Expected 0 spans initially, got %d", collector.Count())
	}
	if collector.DroppedCount() != 0 {
		t.Errorf("Expected 0 dropped spans initially, got %d", collector.DroppedCount())
	}
	if collector.Drain() != nil {
		t.Error("Expected nil drain from empty collector")
	}
}

func TestCollectorBasicCollection(t *testing.T) {
	collector := NewCollector(testConfig())
	defer closeCollector(t, collector)

	if !collector.Submit(event(1)) {
		t.Fatal("Expected submit to succeed")
	}

	spans := collected(t, collector)
	if len(spans) != 1 {
		t.Fatalf("Expected 1 exported span, got %d", len(spans))
	}
	if spans[0].SpanID != 1 {
		t.Errorf("Expected span ID 1, got %d", spans[0].SpanID)
	}

	// After drain, collector should be empty.
	if collector.Count() != 0 {
		t.Errorf("Expected 0 spans after drain, got %d", collector.Count())
	}
}

func TestCollectorPreservesSubmitOrder(t *testing.T) {
	collector := NewCollector(testConfig())
	defer closeCollector(t, collector)

	for i := uint64(1); i <= 100; i++ {
		collector.Submit(event(i))
	}

	spans := collected(t, collector)
	if len(spans) != 100 {
		t.Fatalf("Expected 100 spans, got %d", len(spans))
	}
	for i, span := range spans {
		if span.SpanID != uint64(i+1) {
			t.Fatalf("Position %d: expected span %d, got %d", i, i+1, span.SpanID)
		}
	}
}

func TestCollectorFlushesWhenLocalBufferFull(t *testing.T) {
	cfg := testConfig()
	cfg.LocalBufferSize = 10
	collector := NewCollector(cfg)
	defer closeCollector(t, collector)

	for i := uint64(0); i < 25; i++ {
		collector.Submit(event(i))
	}

	// Two full batches reach the shared buffer without an explicit flush.
	deadline := time.Now().Add(time.Second)
	for collector.Count() < 20 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := collector.Count(); got != 20 {
		t.Errorf("Expected 20 spans from full batches, got %d", got)
	}
	if got := collector.FlushCount(); got != 2 {
		t.Errorf("Expected 2 flushes, got %d", got)
	}

	if spans := collected(t, collector); len(spans) != 25 {
		t.Errorf("Expected 25 spans after explicit flush, got %d", len(spans))
	}
}

func TestCollectorPeriodicFlush(t *testing.T) {
	clock := clockz.NewFakeClock()
	cfg := testConfig()
	cfg.FlushInterval = 50 * time.Millisecond
	collector := NewCollector(cfg, UseClock(clock))
	defer closeCollector(t, collector)

	collector.Submit(event(1))

	deadline := time.Now().Add(time.Second)
	for collector.Count() == 0 && time.Now().Before(deadline) {
		clock.Advance(50 * time.Millisecond)
		clock.BlockUntilReady()
		time.Sleep(time.Millisecond)
	}
	if collector.Count() != 1 {
		t.Errorf("Expected periodic flush to publish 1 span, got %d", collector.Count())
	}
}

func TestCollectorDropBackpressure(t *testing.T) {
	cfg := testConfig()
	cfg.ChannelSize = 1
	cfg.LocalBufferSize = 1
	cfg.Backpressure = BackpressureDrop
	collector := NewCollector(cfg)
	defer closeCollector(t, collector)

	// Every span forces a flush, which stalls behind the shared buffer lock.
	collector.mu.Lock()
	accepted := 0
	for i := 0; i < 10; i++ {
		if collector.Submit(event(uint64(i))) {
			accepted++
		}
	}
	collector.mu.Unlock()

	dropped := collector.DroppedCount()
	if dropped == 0 {
		t.Error("Expected some spans to be dropped due to backpressure")
	}
	if int64(accepted)+dropped != 10 {
		t.Errorf("Expected accepted+dropped == 10, got %d+%d", accepted, dropped)
	}

	if spans := collected(t, collector); len(spans) != accepted {
		t.Errorf("Expected %d collected spans, got %d", accepted, len(spans))
	}
}

func TestCollectorBlockBackpressure(t *testing.T) {
	cfg := testConfig()
	cfg.ChannelSize = 1
	cfg.LocalBufferSize = 1
	collector := NewCollector(cfg)
	defer closeCollector(t, collector)

	// Every span forces a flush, which stalls behind the shared buffer lock.
	collector.mu.Lock()

	const total = 20
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := uint64(0); i < total; i++ {
			collector.Submit(event(i))
		}
	}()

	select {
	case <-done:
		t.Fatal("Expected producer to block while the aggregator is stalled")
	case <-time.After(50 * time.Millisecond):
	}
	collector.mu.Unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Producer never unblocked")
	}

	if spans := collected(t, collector); len(spans) != total {
		t.Errorf("Expected lossless collection of %d spans, got %d", total, len(spans))
	}
	if collector.DroppedCount() != 0 {
		t.Errorf("Expected no drops, got %d", collector.DroppedCount())
	}
}

func TestCollectorDrainDuringConcurrentSubmit(t *testing.T) {
	cfg := testConfig()
	cfg.LocalBufferSize = 16
	collector := NewCollector(cfg)
	defer closeCollector(t, collector)

	const producers = 8
	const perProducer = 2000

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				collector.Submit(event(uint64(p*perProducer + i)))
			}
		}(p)
	}

	seen := make(map[uint64]bool, producers*perProducer)
	stop := make(chan struct{})
	var drainWG sync.WaitGroup
	drainWG.Add(1)
	go func() {
		defer drainWG.Done()
		for {
			for _, span := range collector.Drain() {
				seen[span.SpanID] = true
			}
			select {
			case <-stop:
				return
			default:
			}
		}
	}()

	wg.Wait()
	close(stop)
	drainWG.Wait()

	for _, span := range collected(t, collector) {
		seen[span.SpanID] = true
	}
	if len(seen) != producers*perProducer {
		t.Errorf("Expected %d distinct spans, got %d", producers*perProducer, len(seen))
	}
}

func TestCollectorRestore(t *testing.T) {
	collector := NewCollector(testConfig())
	defer closeCollector(t, collector)

	collector.Submit(event(1))
	batch := collected(t, collector)

	collector.Submit(event(2))
	if err := collector.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	collector.restore(batch)

	spans := collector.Drain()
	if len(spans) != 2 || spans[0].SpanID != 1 || spans[1].SpanID != 2 {
		t.Errorf("Expected restored batch first, got %+v", spans)
	}
}

func TestCollectorFlushCanceled(t *testing.T) {
	collector := NewCollector(testConfig())
	defer closeCollector(t, collector)

	collector.mu.Lock()
	collector.Submit(event(1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := collector.Flush(ctx)
	collector.mu.Unlock()

	if err != context.DeadlineExceeded {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestCollectorCloseDrainsEverything(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig()
	cfg.LocalBufferSize = 1000
	collector := NewCollector(cfg)

	for i := uint64(0); i < 500; i++ {
		collector.Submit(event(i))
	}
	closeCollector(t, collector)

	if spans := collector.Drain(); len(spans) != 500 {
		t.Errorf("Expected 500 spans after close, got %d", len(spans))
	}
}

func TestCollectorSubmitAfterClose(t *testing.T) {
	collector := NewCollector(testConfig())
	closeCollector(t, collector)

	if collector.Submit(event(1)) {
		t.Error("Expected submit after close to fail")
	}
	if collector.DroppedCount() != 1 {
		t.Errorf("Expected 1 dropped span, got %d", collector.DroppedCount())
	}
	if err := collector.Flush(context.Background()); err != nil {
		t.Errorf("Expected flush after close to succeed, got %v", err)
	}
	closeCollector(t, collector) // Multiple closes should be safe.
}

func TestCollectorCloseUnblocksProducers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig()
	cfg.ChannelSize = 1
	collector := NewCollector(cfg)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if collector.Submit(event(uint64(i))) {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	closeCollector(t, collector)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if got := len(collector.Drain()); got != accepted {
		t.Errorf("Expected every accepted span (%d) to survive close, got %d", accepted, got)
	}
	if int64(accepted)+collector.DroppedCount() != 400 {
		t.Errorf("Expected accepted+dropped == 400, got %d+%d", accepted, collector.DroppedCount())
	}
}

func TestCollectorCloseHonorsDeadline(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig()
	cfg.ChannelSize = 1
	cfg.LocalBufferSize = 1
	collector := NewCollector(cfg)

	// Stall the aggregator so a blocking producer stays inside Submit.
	collector.mu.Lock()

	produced := make(chan struct{})
	go func() {
		defer close(produced)
		for i := uint64(0); i < 10; i++ {
			collector.Submit(event(i))
		}
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	returned := make(chan error, 1)
	go func() { returned <- collector.Close(ctx) }()

	select {
	case err := <-returned:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Expected deadline exceeded, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close ignored its deadline")
	}

	collector.mu.Unlock()
	<-produced
	closeCollector(t, collector)

	if got := int64(len(collector.Drain())) + collector.DroppedCount(); got != 10 {
		t.Errorf("Expected collected+dropped == 10, got %d", got)
	}
}
