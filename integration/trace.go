// Package integration implements the cross-service fabric: service
// registry with active health probing, pub/sub event bus with a
// dead-letter queue, per-service circuit breakers, request
// orchestration with trace-context propagation, and saga orchestration
// with reverse-order compensation.
package integration

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// RequestContext carries the identifiers that link log, metric, and
// span records across services. It serializes to and from the W3C
// traceparent and baggage headers.
type RequestContext struct {
	TraceID       string            `json:"trace_id"`
	SpanID        string            `json:"span_id"`
	ParentSpanID  string            `json:"parent_span_id,omitempty"`
	CorrelationID string            `json:"correlation_id"`
	Baggage       map[string]string `json:"baggage,omitempty"`
	TraceFlags    byte              `json:"trace_flags"`
}

type requestContextKey struct{}

// NewRequestContext creates a root context with fresh identifiers.
func NewRequestContext() *RequestContext {
	return &RequestContext{
		TraceID:       randomHex(16),
		SpanID:        randomHex(8),
		CorrelationID: uuid.NewString(),
		Baggage:       make(map[string]string),
		TraceFlags:    0x01,
	}
}

// Child derives a context for an outbound call: the trace id and
// correlation id propagate unchanged, the span id is fresh, and the
// parent span id records the caller.
func (rc *RequestContext) Child() *RequestContext {
	baggage := make(map[string]string, len(rc.Baggage))
	for k, v := range rc.Baggage {
		baggage[k] = v
	}
	return &RequestContext{
		TraceID:       rc.TraceID,
		SpanID:        randomHex(8),
		ParentSpanID:  rc.SpanID,
		CorrelationID: rc.CorrelationID,
		Baggage:       baggage,
		TraceFlags:    rc.TraceFlags,
	}
}

// ToHeaders writes the propagation headers onto an outbound request.
func (rc *RequestContext) ToHeaders(h http.Header) {
	h.Set("traceparent", fmt.Sprintf("00-%s-%s-%02x", rc.TraceID, rc.SpanID, rc.TraceFlags))
	h.Set("x-correlation-id", rc.CorrelationID)
	if len(rc.Baggage) > 0 {
		keys := make([]string, 0, len(rc.Baggage))
		for k := range rc.Baggage {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+rc.Baggage[k])
		}
		h.Set("baggage", strings.Join(pairs, ","))
	}
}

// FromHeaders parses the propagation headers of an inbound request.
// Returns nil when no valid traceparent is present.
func FromHeaders(h http.Header) *RequestContext {
	tp := h.Get("traceparent")
	parts := strings.Split(tp, "-")
	if len(parts) != 4 || len(parts[1]) != 32 || len(parts[2]) != 16 {
		return nil
	}

	var flags byte = 0x01
	if b, err := hex.DecodeString(parts[3]); err == nil && len(b) == 1 {
		flags = b[0]
	}

	rc := &RequestContext{
		TraceID:       parts[1],
		SpanID:        parts[2],
		CorrelationID: h.Get("x-correlation-id"),
		Baggage:       make(map[string]string),
		TraceFlags:    flags,
	}
	if rc.CorrelationID == "" {
		rc.CorrelationID = uuid.NewString()
	}
	for _, pair := range strings.Split(h.Get("baggage"), ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) == 2 && kv[0] != "" {
			rc.Baggage[kv[0]] = kv[1]
		}
	}
	return rc
}

// WithRequestContext attaches a RequestContext to a context.Context.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom extracts the RequestContext, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc
}

// TraceFields returns the log-correlation fields of a context. Wired
// into core.SetTraceFieldExtractor at startup.
func TraceFields(ctx context.Context) map[string]string {
	rc := RequestContextFrom(ctx)
	if rc == nil {
		return nil
	}
	return map[string]string{
		"trace_id":       rc.TraceID,
		"span_id":        rc.SpanID,
		"correlation_id": rc.CorrelationID,
	}
}

func randomHex(bytes int) string {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand is effectively infallible; fall back to a UUID
		// slice to stay non-empty.
		return strings.ReplaceAll(uuid.NewString(), "-", "")[:bytes*2]
	}
	return hex.EncodeToString(buf)
}
