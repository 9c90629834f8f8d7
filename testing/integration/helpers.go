// Package integration exercises the spanz pipeline end to end.
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/zoobzio/spanz"
)

// NewTestPipeline creates a pipeline with periodic flushing disabled and
// closes it when the test ends.
func NewTestPipeline(t *testing.T, opts ...spanz.Option) *spanz.Pipeline {
	t.Helper()
	cfg := spanz.DefaultConfig()
	cfg.FlushInterval = 0
	pipe, err := spanz.NewPipeline(cfg, opts...)
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pipe.Close(ctx)
	})
	return pipe
}

// ExportSnapshot exports and decodes one payload.
func ExportSnapshot(t *testing.T, pipe *spanz.Pipeline) *spanz.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload, err := pipe.Export(ctx)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	snap, err := spanz.Decode(payload)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	return snap
}

// SpansByID indexes decoded spans by span id.
func SpansByID(snap *spanz.Snapshot) map[uint64]spanz.DecodedSpan {
	byID := make(map[uint64]spanz.DecodedSpan, len(snap.Spans))
	for _, span := range snap.Spans {
		byID[span.SpanID] = span
	}
	return byID
}

// AssertTree checks that every non-root span in snap has a parent that is
// also in snap.
func AssertTree(t *testing.T, snap *spanz.Snapshot) {
	t.Helper()
	byID := SpansByID(snap)
	for _, span := range snap.Spans {
		if span.ParentID == 0 {
			continue
		}
		if _, ok := byID[span.ParentID]; !ok {
			t.Errorf("span %d (%s) references missing parent %d", span.SpanID, span.Name, span.ParentID)
		}
	}
}
