package integration

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequestContext(t *testing.T) {
	rc := NewRequestContext()
	assert.Len(t, rc.TraceID, 32)
	assert.Len(t, rc.SpanID, 16)
	assert.NotEmpty(t, rc.CorrelationID)
	assert.Empty(t, rc.ParentSpanID)
}

func TestChildContext(t *testing.T) {
	rc := NewRequestContext()
	rc.Baggage["tenant"] = "acme"

	child := rc.Child()
	assert.Equal(t, rc.TraceID, child.TraceID)
	assert.Equal(t, rc.CorrelationID, child.CorrelationID)
	assert.NotEqual(t, rc.SpanID, child.SpanID)
	assert.Equal(t, rc.SpanID, child.ParentSpanID)
	assert.Equal(t, "acme", child.Baggage["tenant"])

	// Child baggage is a copy, not shared.
	child.Baggage["extra"] = "x"
	assert.NotContains(t, rc.Baggage, "extra")
}

func TestHeaderRoundTrip(t *testing.T) {
	rc := NewRequestContext()
	rc.Baggage["tenant"] = "acme"
	rc.Baggage["tier"] = "gold"

	h := http.Header{}
	rc.ToHeaders(h)

	assert.Contains(t, h.Get("traceparent"), rc.TraceID)
	assert.Contains(t, h.Get("traceparent"), rc.SpanID)
	assert.Equal(t, rc.CorrelationID, h.Get("x-correlation-id"))
	assert.Equal(t, "tenant=acme,tier=gold", h.Get("baggage"))

	parsed := FromHeaders(h)
	require.NotNil(t, parsed)
	assert.Equal(t, rc.TraceID, parsed.TraceID)
	assert.Equal(t, rc.SpanID, parsed.SpanID)
	assert.Equal(t, rc.CorrelationID, parsed.CorrelationID)
	assert.Equal(t, rc.Baggage, parsed.Baggage)
}

func TestFromHeadersInvalid(t *testing.T) {
	assert.Nil(t, FromHeaders(http.Header{}))

	h := http.Header{}
	h.Set("traceparent", "garbage")
	assert.Nil(t, FromHeaders(h))

	h.Set("traceparent", "00-short-short-01")
	assert.Nil(t, FromHeaders(h))
}

func TestFromHeadersMintsCorrelationID(t *testing.T) {
	rc := NewRequestContext()
	h := http.Header{}
	rc.ToHeaders(h)
	h.Del("x-correlation-id")

	parsed := FromHeaders(h)
	require.NotNil(t, parsed)
	assert.NotEmpty(t, parsed.CorrelationID)
}
