// Package otelspan feeds OpenTelemetry SDK spans into a spanz pipeline.
//
// The OTel span name becomes the spanz scope and the string attribute
// "name" becomes the declared name:
//
//	tp := sdktrace.NewTracerProvider(
//		sdktrace.WithSpanProcessor(otelspan.NewProcessor(pipe.Tracer(), otelspan.WithFlusher(pipe.Collector()))),
//	)
package otelspan

import (
	"context"
	"encoding/binary"

	"github.com/zoobzio/spanz"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var _ sdktrace.SpanProcessor = (*Processor)(nil)

// Flusher pushes buffered spans downstream.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Processor is an sdktrace.SpanProcessor recording span lifecycles.
type Processor struct {
	recorder spanz.Recorder
	flusher  Flusher
	logger   *zap.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithFlusher makes ForceFlush flush f.
func WithFlusher(f Flusher) Option {
	return func(p *Processor) {
		p.flusher = f
	}
}

// WithLogger sets the processor logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// NewProcessor creates a processor reporting to recorder.
func NewProcessor(recorder spanz.Recorder, opts ...Option) *Processor {
	p := &Processor{
		recorder: recorder,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnStart creates and activates the span. OTel spans start running at creation.
func (p *Processor) OnStart(_ context.Context, s sdktrace.ReadWriteSpan) {
	id := SpanID(s.SpanContext().SpanID())
	if id == 0 {
		return
	}

	var parentID uint64
	if parent := s.Parent(); parent.IsValid() {
		parentID = SpanID(parent.SpanID())
	}

	p.recorder.RecordCreate(id, parentID, s.Name(), fields(s.Attributes())...)
	p.recorder.RecordActivate(id)
}

// OnEnd completes the span.
func (p *Processor) OnEnd(s sdktrace.ReadOnlySpan) {
	if id := SpanID(s.SpanContext().SpanID()); id != 0 {
		p.recorder.RecordComplete(id)
	}
}

// Shutdown is a no-op; the pipeline owner closes the collector.
func (p *Processor) Shutdown(context.Context) error {
	return nil
}

// ForceFlush flushes the configured Flusher, if any.
func (p *Processor) ForceFlush(ctx context.Context) error {
	if p.flusher == nil {
		return nil
	}
	if err := p.flusher.Flush(ctx); err != nil {
		p.logger.Warn("force flush failed", zap.Error(err))
		return err
	}
	return nil
}

// SpanID maps an OTel span id onto the spanz id space. Invalid ids map to 0.
func SpanID(id trace.SpanID) uint64 {
	if !id.IsValid() {
		return 0
	}
	return binary.BigEndian.Uint64(id[:])
}

func fields(attrs []attribute.KeyValue) []spanz.Field {
	out := make([]spanz.Field, 0, len(attrs))
	for _, kv := range attrs {
		if kv.Value.Type() != attribute.STRING {
			continue
		}
		out = append(out, spanz.Field{Key: string(kv.Key), Value: kv.Value.AsString()})
	}
	return out
}
