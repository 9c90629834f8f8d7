package spanz

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

var _ Recorder = (*Tracer)(nil)

// Tracer tracks span lifecycles and forwards completed spans to a Collector.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type Tracer struct {
	registry  *Registry
	collector *Collector
	ids       *IDPool
	clock     clockz.Clock
	logger    *zap.Logger
	book      *spanBook
}

// spanBook is the state shared by a tracer and the copies derived from it
// with WithClock and WithLogger.
type spanBook struct {
	states    sync.Map // uint64 -> *spanState for Recorder callers.
	malformed atomic.Uint64
	rejected  atomic.Uint64
}

// NewTracer creates a tracer interning into registry and submitting to collector.
// Uses the real clock for production behavior.
func NewTracer(registry *Registry, collector *Collector) *Tracer {
	return &Tracer{
		registry:  registry,
		collector: collector,
		ids:       NewIDPool(runtime.NumCPU() * 100),
		clock:     clockz.RealClock,
		logger:    zap.NewNop(),
		book:      &spanBook{},
	}
}

// WithClock returns a new tracer with the specified clock.
// Enables clock injection for deterministic testing. The copy shares spans
// and counters with t.
func (t *Tracer) WithClock(clock clockz.Clock) *Tracer {
	return &Tracer{
		registry:  t.registry,
		collector: t.collector,
		ids:       t.ids,
		clock:     clock,
		logger:    t.logger,
		book:      t.book,
	}
}

// WithLogger returns a new tracer logging drops to logger. The copy shares
// spans and counters with t.
func (t *Tracer) WithLogger(logger *zap.Logger) *Tracer {
	return &Tracer{
		registry:  t.registry,
		collector: t.collector,
		ids:       t.ids,
		clock:     t.clock,
		logger:    logger,
		book:      t.book,
	}
}

// RecordCreate registers a span whose id is owned by the caller.
// The first valid "name" field is interned.
func (t *Tracer) RecordCreate(id, parentID uint64, scope string, fields ...Field) {
	t.book.states.Store(id, t.newState(id, parentID, scope, fields))
}

// RecordActivate marks an activation of a span registered with RecordCreate.
func (t *Tracer) RecordActivate(id uint64) {
	if v, ok := t.book.states.Load(id); ok {
		v.(*spanState).activate(t.clock.Now())
	}
}

// RecordComplete completes a span registered with RecordCreate and forgets it.
func (t *Tracer) RecordComplete(id uint64) {
	v, ok := t.book.states.LoadAndDelete(id)
	if !ok {
		t.book.malformed.Add(1)
		t.logger.Debug("completion of unknown span dropped", zap.Uint64("span_id", id))
		return
	}
	t.complete(v.(*spanState))
}

// NewSpan creates a span without activating it.
// If the context contains an existing span, the new span will be its child.
func (t *Tracer) NewSpan(ctx context.Context, scope string, fields ...Field) (context.Context, *Span) {
	// Handle nil context by creating a new one.
	if ctx == nil {
		ctx = context.Background()
	}

	span := &Span{tracer: t}

	var parentID uint64
	if parent := SpanFromContext(ctx); parent != nil {
		parentID = parent.ID()
		if parent.tree.join() {
			span.tree = parent.tree
		}
	}
	if span.tree == nil {
		// Root span, or the parent's tree has already retired.
		span.tree = newSpanTree()
	}
	span.state = t.newState(t.ids.Get(), parentID, scope, fields)

	return span.Context(ctx), span
}

// StartSpan creates a span and activates it.
func (t *Tracer) StartSpan(ctx context.Context, scope string, fields ...Field) (context.Context, *Span) {
	ctx, span := t.NewSpan(ctx, scope, fields...)
	span.Enter()
	return ctx, span
}

// Malformed returns the number of completions dropped for lacking an
// activation or a name.
func (t *Tracer) Malformed() uint64 {
	return t.book.malformed.Load()
}

// Rejected returns the number of names and scopes refused because they
// contain a wire delimiter.
func (t *Tracer) Rejected() uint64 {
	return t.book.rejected.Load()
}

func (t *Tracer) newState(id, parentID uint64, scope string, fields []Field) *spanState {
	state := &spanState{
		id:       id,
		parentID: parentID,
		scope:    scope,
	}
	if !ValidToken(scope) {
		state.badScope = true
		t.book.rejected.Add(1)
		t.logger.Debug("span scope rejected", zap.Uint64("span_id", id), zap.String("scope", scope))
	}

	for _, f := range fields {
		if f.Key != NameKey {
			continue
		}
		nameID, ok := t.registry.Intern(f.Value)
		if !ok {
			t.book.rejected.Add(1)
			t.logger.Debug("span name rejected", zap.Uint64("span_id", id), zap.String("name", f.Value))
			continue
		}
		state.nameID = nameID
		state.named = true
		break
	}
	return state
}

// complete reports whether this call finalized the span.
func (t *Tracer) complete(state *spanState) bool {
	event, outcome := state.complete(t.clock.Now())
	switch outcome {
	case repeated:
		return false
	case completed:
		t.collector.Submit(event)
	case invalid:
		// Already counted as rejected at creation.
	default:
		t.book.malformed.Add(1)
		t.logger.Debug("malformed span lifecycle dropped",
			zap.Uint64("span_id", state.id),
			zap.Bool("unstarted", outcome == unstarted),
			zap.Bool("unnamed", outcome == unnamed),
		)
	}
	return true
}
