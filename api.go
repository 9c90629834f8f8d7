// Package spanz provides an in-process span collector with a compact wire format.
//
// spanz observes span lifecycle events, interns repeated span names into
// small numeric ids, accumulates completed spans with minimal lock
// contention and serializes them on demand.
//
// Core Components:
//   - Registry: append-only name interning table shared by all producers.
//   - Tracer: lifecycle tracker turning create/activate/complete into SpanEvents.
//   - Collector: bounded channel, single aggregator goroutine and shared buffer.
//   - Encode/Decode: the versioned "1001" wire format.
//   - Pipeline: owns one of each and exports snapshots.
//
// Basic Usage:
//
//	pipe, err := spanz.NewPipeline(spanz.DefaultConfig())
//	defer pipe.Close(context.Background())
//
//	ctx, span := pipe.Tracer().StartSpan(ctx, "db", spanz.Name("query.users"))
//	defer span.Finish()
//
//	payload, err := pipe.Export(ctx)
//
// Instrumentation front-ends that manage their own span ids call the
// Recorder methods directly instead of using Span handles.
//
// Thread Safety:
//
// Registry, Tracer, Collector and Pipeline are safe for concurrent use.
// A Span handle may be entered, exited and finished from any goroutine.
//
// Backpressure:
//
// By default a full ingestion channel blocks the producer until the
// aggregator catches up, so no spans are lost. BackpressureDrop trades
// that for a drop counter, see Collector.DroppedCount.
package spanz

// NameKey is the field key carrying a span's declared name.
const NameKey = "name"

// Field is a key/value attribute supplied when a span is created.
type Field struct {
	Key   string
	Value string
}

// Name returns the field declaring a span's name.
func Name(value string) Field {
	return Field{Key: NameKey, Value: value}
}

// Recorder is the capability interface an instrumentation front-end calls at
// the three lifecycle points of a span. Ids are owned by the caller and only
// need to be unique among spans that are alive at the same time.
type Recorder interface {
	RecordCreate(id, parentID uint64, scope string, fields ...Field)
	RecordActivate(id uint64)
	RecordComplete(id uint64)
}
