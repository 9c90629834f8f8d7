package spanz

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrClosed is returned by Export after Close once the buffer is empty.
var ErrClosed = errors.New("pipeline closed")

// Pipeline owns the registry, collector and tracer of one collection
// pipeline and exports snapshots of it. Safe for concurrent use.
type Pipeline struct {
	registry  *Registry
	collector *Collector
	tracer    *Tracer
	logger    *zap.Logger
	exported  atomic.Uint64
	exports   atomic.Uint64
	invalid   atomic.Uint64
	closed    atomic.Bool
}

// Stats is a point-in-time view of pipeline counters.
type Stats struct {
	Buffered  int    // Spans in the shared buffer.
	Dropped   int64  // Spans dropped by backpressure or after close.
	Malformed uint64 // Completions without activation or name.
	Rejected  uint64 // Names and scopes containing a wire delimiter.
	Invalid   uint64 // Buffered spans dropped at export as unencodable.
	Names     int    // Interned names.
	Exported  uint64 // Spans encoded by Export.
	Exports   uint64 // Successful Export calls.
	Flushes   uint64 // Local batches moved into the shared buffer.
}

// NewPipeline validates cfg and starts a pipeline.
func NewPipeline(cfg Config, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)

	registry := NewRegistry()
	collector := NewCollector(cfg, opts...)
	tracer := NewTracer(registry, collector).WithClock(o.clock).WithLogger(o.logger)

	return &Pipeline{
		registry:  registry,
		collector: collector,
		tracer:    tracer,
		logger:    o.logger,
	}, nil
}

// Registry returns the persistent name registry.
func (p *Pipeline) Registry() *Registry {
	return p.registry
}

// Collector returns the aggregation stage.
func (p *Pipeline) Collector() *Collector {
	return p.collector
}

// Tracer returns the lifecycle tracker. It also serves as the Recorder for
// front-ends that own their span ids.
func (p *Pipeline) Tracer() *Tracer {
	return p.tracer
}

// Export flushes the aggregator, takes every buffered span and encodes it
// with the current name table. The spans are removed from the buffer.
// Spans that cannot be encoded are dropped and counted as Invalid; if
// encoding still fails the batch is put back.
func (p *Pipeline) Export(ctx context.Context) (string, error) {
	if err := p.collector.Flush(ctx); err != nil {
		return "", errors.Wrap(err, "flush aggregator")
	}

	batch := p.collector.Drain()
	if len(batch) == 0 && p.closed.Load() {
		return "", ErrClosed
	}
	names := p.registry.Names()

	batch, dropped := encodable(batch, names)
	if dropped > 0 {
		p.invalid.Add(uint64(dropped))
		p.logger.Warn("unencodable spans dropped", zap.Int("spans", dropped))
	}

	payload, err := Encode(batch, names)
	if err != nil {
		p.collector.restore(batch)
		p.logger.Error("span export failed", zap.Int("spans", len(batch)), zap.Error(err))
		return "", err
	}

	p.exported.Add(uint64(len(batch)))
	p.exports.Add(1)
	p.logger.Debug("spans exported", zap.Int("spans", len(batch)), zap.Int("names", len(names)))
	return payload, nil
}

// encodable filters batch in place down to spans whose name id resolves in
// names and whose scope is a valid token, and reports how many it removed.
func encodable(batch []SpanEvent, names []string) ([]SpanEvent, int) {
	kept := batch[:0]
	for _, span := range batch {
		if int(span.NameID) < len(names) && ValidToken(span.Scope) {
			kept = append(kept, span)
		}
	}
	clear(batch[len(kept):])
	return kept, len(batch) - len(kept)
}

// Stats returns current counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Buffered:  p.collector.Count(),
		Dropped:   p.collector.DroppedCount(),
		Malformed: p.tracer.Malformed(),
		Rejected:  p.tracer.Rejected(),
		Invalid:   p.invalid.Load(),
		Names:     p.registry.Len(),
		Exported:  p.exported.Load(),
		Exports:   p.exports.Load(),
		Flushes:   p.collector.FlushCount(),
	}
}

// Close stops the collector. Spans buffered at that point remain exportable.
func (p *Pipeline) Close(ctx context.Context) error {
	p.closed.Store(true)
	return p.collector.Close(ctx)
}
