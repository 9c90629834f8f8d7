package spanz

import (
	"context"
	"sync"
	"time"
)

// spanKeyType is a private type for context keys to avoid collisions.
type spanKeyType string

const (
	spanKey spanKeyType = "spanz"
)

const nanosPerSecond = uint64(time.Second)

// Duration is an elapsed time split the way the wire format stores it.
// Nanos is always below one second.
type Duration struct {
	Seconds uint64
	Nanos   uint32
}

// DurationOf converts d; negative durations become zero.
func DurationOf(d time.Duration) Duration {
	if d <= 0 {
		return Duration{}
	}
	n := uint64(d)
	return Duration{
		Seconds: n / nanosPerSecond,
		Nanos:   uint32(n % nanosPerSecond),
	}
}

// Std converts back to a time.Duration. Values beyond ~292 years saturate.
func (d Duration) Std() time.Duration {
	const maxSeconds = uint64(1<<63-1) / nanosPerSecond
	if d.Seconds > maxSeconds {
		return time.Duration(1<<63 - 1)
	}
	return time.Duration(d.Seconds*nanosPerSecond + uint64(d.Nanos))
}

// SpanEvent describes one completed span. It is never mutated once built.
type SpanEvent struct {
	Scope    string
	Duration Duration
	SpanID   uint64
	ParentID uint64 // 0 for root spans.
	NameID   uint32
}

// completion is the outcome of completing a span.
type completion int

const (
	completed completion = iota // Event emitted.
	repeated                    // Span was already completed.
	unstarted                   // Never activated.
	unnamed                     // No resolved name id.
	invalid                     // Scope cannot be framed on the wire.
)

// spanState is the private per-instance storage of a span.
type spanState struct {
	start    time.Time
	scope    string
	id       uint64
	parentID uint64
	mu       sync.Mutex
	nameID   uint32
	named    bool
	badScope bool
	started  bool
	done     bool
}

// activate records the first activation only.
func (s *spanState) activate(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.done {
		return
	}
	s.start = now
	s.started = true
}

// complete finalizes the span. The event is only meaningful when the
// outcome is completed.
func (s *spanState) complete(now time.Time) (SpanEvent, completion) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.done:
		return SpanEvent{}, repeated
	case !s.started:
		s.done = true
		return SpanEvent{}, unstarted
	case !s.named:
		s.done = true
		return SpanEvent{}, unnamed
	case s.badScope:
		s.done = true
		return SpanEvent{}, invalid
	}
	s.done = true
	return SpanEvent{
		SpanID:   s.id,
		ParentID: s.parentID,
		NameID:   s.nameID,
		Scope:    s.scope,
		Duration: DurationOf(now.Sub(s.start)),
	}, completed
}

// Span is a handle to a span created by Tracer.NewSpan or Tracer.StartSpan.
// Safe for concurrent use by multiple goroutines.
type Span struct {
	state  *spanState
	tracer *Tracer
	tree   *spanTree
}

// spanTree counts the live spans under one root and collects the ids of
// those that finished. The ids return to the pool together once the last
// span of the tree finishes, so no id repeats within a live tree.
type spanTree struct {
	mu      sync.Mutex
	retired []uint64
	live    int
}

func newSpanTree() *spanTree {
	return &spanTree{live: 1}
}

// join adds a span to the tree. It fails once the tree has retired.
func (t *spanTree) join() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.live == 0 {
		return false
	}
	t.live++
	return true
}

// leave retires id and returns every id of the tree when it was the last
// live span, nil otherwise.
func (t *spanTree) leave(id uint64) []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.retired = append(t.retired, id)
	t.live--
	if t.live > 0 {
		return nil
	}
	ids := t.retired
	t.retired = nil
	return ids
}

// ID returns the span id.
func (s *Span) ID() uint64 {
	return s.state.id
}

// ParentID returns the parent span id, 0 for root spans.
func (s *Span) ParentID() uint64 {
	return s.state.parentID
}

// Scope returns the structural category the span was created with.
func (s *Span) Scope() string {
	return s.state.scope
}

// Enter activates the span. Only the first activation sets the start time.
func (s *Span) Enter() {
	s.state.activate(s.tracer.clock.Now())
}

// Exit deactivates the span. The recorded start time is kept, so a later
// Enter does not restart the timing window.
func (s *Span) Exit() {}

// Finish completes the span and hands its event to the collector.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *Span) Finish() {
	if !s.tracer.complete(s.state) {
		return
	}
	s.release()
}

// Context creates a new context with this span embedded.
// The returned context can be used to start child spans.
func (s *Span) Context(parent context.Context) context.Context {
	return context.WithValue(parent, spanKey, s)
}

// SpanFromContext extracts the current span from a context.
// Returns nil if no span is present.
func SpanFromContext(ctx context.Context) *Span {
	if ctx == nil {
		return nil
	}
	if span, ok := ctx.Value(spanKey).(*Span); ok {
		return span
	}
	return nil
}

// release retires the span within its tree.
func (s *Span) release() {
	for _, id := range s.tree.leave(s.state.id) {
		s.tracer.ids.Put(id)
	}
}
