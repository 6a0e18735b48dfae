// Package observability records what the scrape pipeline did: Prometheus
// metrics for dashboards and an in-memory span log for debugging one batch.
//
// Spans replace the screenshot-of-the-active-session debugging style: every
// batch, account and attempt gets a span keyed by the batch id, so a failed
// run can be inspected after the fact without any process-wide session handle.
package observability

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════
// Spans
// ═══════════════════════════════════════════════════════════════════════════

// Span is one timed unit of work inside a batch.
type Span struct {
	TraceID   string            `json:"trace_id"` // batch id
	SpanID    string            `json:"span_id"`
	ParentID  string            `json:"parent_id,omitempty"`
	Operation string            `json:"operation"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time,omitempty"`
	Duration  time.Duration     `json:"duration,omitempty"`
	Status    SpanStatus        `json:"status"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// SpanStatus indicates success/failure.
type SpanStatus int

const (
	SpanOK SpanStatus = iota
	SpanError
)

// ─── Tracer ─────────────────────────────────────────────────────────────────

// Tracer keeps the most recent spans in a ring buffer.
type Tracer struct {
	mu       sync.Mutex
	spans    []Span
	maxSpans int
}

// NewTracer creates a tracer. maxSpans <= 0 selects 2000.
func NewTracer(maxSpans int) *Tracer {
	if maxSpans <= 0 {
		maxSpans = 2000
	}
	return &Tracer{
		spans:    make([]Span, 0, maxSpans),
		maxSpans: maxSpans,
	}
}

// StartSpan begins a span under the trace and parent carried by ctx, and
// returns a context carrying the new span as parent. A nil tracer is a no-op.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs map[string]string) (context.Context, *Span) {
	span := &Span{
		TraceID:   TraceIDFromContext(ctx),
		SpanID:    generateID(),
		ParentID:  spanIDFromContext(ctx),
		Operation: operation,
		StartTime: time.Now(),
		Status:    SpanOK,
		Attrs:     attrs,
	}
	return context.WithValue(ctx, spanIDKey, span.SpanID), span
}

// EndSpan completes a span and records it.
func (t *Tracer) EndSpan(span *Span, err error) {
	if t == nil || span == nil {
		return
	}

	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)
	if err != nil {
		span.Status = SpanError
		if span.Attrs == nil {
			span.Attrs = make(map[string]string)
		}
		span.Attrs["error"] = err.Error()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.spans) >= t.maxSpans {
		t.spans = t.spans[1:]
	}
	t.spans = append(t.spans, *span)
}

// Spans returns up to limit recent spans, optionally only those of traceID.
func (t *Tracer) Spans(traceID string, limit int) []Span {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Span
	for i := len(t.spans) - 1; i >= 0; i-- {
		if traceID != "" && t.spans[i].TraceID != traceID {
			continue
		}
		out = append(out, t.spans[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	// oldest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// SpanCount returns the number of recorded spans.
func (t *Tracer) SpanCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.spans)
}

// ─── Context Helpers ────────────────────────────────────────────────────────

type contextKey string

const (
	traceIDKey contextKey = "cardledger-trace-id"
	spanIDKey  contextKey = "cardledger-span-id"
)

// WithTraceID returns a context with the given trace (batch) id.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext returns the trace id in ctx, or a fresh one.
func TraceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return generateID()
}

func spanIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(spanIDKey).(string); ok {
		return v
	}
	return ""
}

var spanCounter atomic.Int64

func generateID() string {
	n := spanCounter.Add(1)
	return fmt.Sprintf("%s-%d", time.Now().Format("20060102150405"), n)
}
