// Package telemetry keeps in-memory observability state (span and
// metric ring buffers with periodic flush) and small OpenTelemetry
// helpers for span annotation.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itsneelabh/agentmesh/core"
)

// SpanKind tags recorded spans.
type SpanKind string

const (
	SpanInternal SpanKind = "internal"
	SpanClient   SpanKind = "client"
	SpanServer   SpanKind = "server"
)

// SpanStatus is the recorded outcome of a span.
type SpanStatus string

const (
	SpanOK    SpanStatus = "ok"
	SpanError SpanStatus = "error"
)

// SpanRecord is one finished span in the ring buffer.
type SpanRecord struct {
	SpanID      string            `json:"span_id"`
	TraceID     string            `json:"trace_id"`
	ServiceName string            `json:"service_name"`
	Name        string            `json:"name"`
	Kind        SpanKind          `json:"kind"`
	Status      SpanStatus        `json:"status"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	DurationMS  float64           `json:"duration_ms"`
}

// MetricRecord is one recorded measurement.
type MetricRecord struct {
	Name      string            `json:"name"`
	Kind      string            `json:"kind"` // counter, gauge, histogram
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// MetricSummary aggregates one metric+labels series.
type MetricSummary struct {
	Name  string  `json:"name"`
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
}

// ring buffer capacity per signal.
const bufferSize = 1000

// flushInterval is the cadence of the periodic flush loop.
const flushInterval = 60 * time.Second

// Collector keeps the last bufferSize spans and metrics in memory and
// periodically flushes them to a file or to the log stream.
type Collector struct {
	serviceName string
	outputFile  string
	logger      core.Logger

	mu      sync.RWMutex
	spans   []SpanRecord
	metrics []MetricRecord

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCollector creates the collector. outputFile may be empty, in
// which case flushes go to the logger.
func NewCollector(serviceName, outputFile string, logger core.Logger) *Collector {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("telemetry")
	}
	return &Collector{
		serviceName: serviceName,
		outputFile:  outputFile,
		logger:      logger,
	}
}

// RecordSpan appends a finished span, evicting the oldest past
// capacity.
func (c *Collector) RecordSpan(span SpanRecord) {
	if span.SpanID == "" {
		span.SpanID = uuid.NewString()
	}
	if span.ServiceName == "" {
		span.ServiceName = c.serviceName
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spans = append(c.spans, span)
	if len(c.spans) > bufferSize {
		c.spans = c.spans[len(c.spans)-bufferSize:]
	}
}

// Counter records a counter increment.
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.record(MetricRecord{Name: name, Kind: "counter", Value: value, Labels: labels})
}

// Gauge records a point-in-time measurement.
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.record(MetricRecord{Name: name, Kind: "gauge", Value: value, Labels: labels})
}

// Histogram records a distribution sample.
func (c *Collector) Histogram(name string, value float64, labels map[string]string) {
	c.record(MetricRecord{Name: name, Kind: "histogram", Value: value, Labels: labels})
}

func (c *Collector) record(m MetricRecord) {
	m.Timestamp = time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = append(c.metrics, m)
	if len(c.metrics) > bufferSize {
		c.metrics = c.metrics[len(c.metrics)-bufferSize:]
	}
}

// RecentSpans returns the last n spans, newest last.
func (c *Collector) RecentSpans(n int) []SpanRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n <= 0 || n > len(c.spans) {
		n = len(c.spans)
	}
	out := make([]SpanRecord, n)
	copy(out, c.spans[len(c.spans)-n:])
	return out
}

// SpansByTrace filters spans by trace id.
func (c *Collector) SpansByTrace(traceID string) []SpanRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []SpanRecord
	for _, s := range c.spans {
		if s.TraceID == traceID {
			out = append(out, s)
		}
	}
	return out
}

// SpansByService filters spans by service name.
func (c *Collector) SpansByService(serviceName string) []SpanRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []SpanRecord
	for _, s := range c.spans {
		if s.ServiceName == serviceName {
			out = append(out, s)
		}
	}
	return out
}

// RecentMetrics returns the last n metric records.
func (c *Collector) RecentMetrics(n int) []MetricRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n <= 0 || n > len(c.metrics) {
		n = len(c.metrics)
	}
	out := make([]MetricRecord, n)
	copy(out, c.metrics[len(c.metrics)-n:])
	return out
}

// GetMetricSummary aggregates min/max/avg/count/sum over one
// metric+labels series.
func (c *Collector) GetMetricSummary(name string, labels map[string]string) MetricSummary {
	want := labelKey(labels)

	c.mu.RLock()
	defer c.mu.RUnlock()

	summary := MetricSummary{Name: name}
	for _, m := range c.metrics {
		if m.Name != name || labelKey(m.Labels) != want {
			continue
		}
		if summary.Count == 0 || m.Value < summary.Min {
			summary.Min = m.Value
		}
		if summary.Count == 0 || m.Value > summary.Max {
			summary.Max = m.Value
		}
		summary.Count++
		summary.Sum += m.Value
	}
	if summary.Count > 0 {
		summary.Avg = summary.Sum / float64(summary.Count)
	}
	return summary
}

// Start launches the periodic flush loop.
func (c *Collector) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				c.Flush()
				return
			case <-ticker.C:
				c.Flush()
			}
		}
	}()
}

// Stop cancels the flush loop after a final flush.
func (c *Collector) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

// Flush writes the buffered signals to the output file, or to the log
// stream when no file is configured.
func (c *Collector) Flush() {
	c.mu.RLock()
	payload := map[string]interface{}{
		"service":    c.serviceName,
		"flushed_at": time.Now().UTC().Format(time.RFC3339),
		"spans":      c.spans,
		"metrics":    c.metrics,
	}
	spanCount, metricCount := len(c.spans), len(c.metrics)
	c.mu.RUnlock()

	if spanCount == 0 && metricCount == 0 {
		return
	}

	if c.outputFile == "" {
		c.logger.Info("Telemetry flush", map[string]interface{}{
			"spans":   spanCount,
			"metrics": metricCount,
		})
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("Telemetry flush serialization failed", map[string]interface{}{"error": err.Error()})
		return
	}
	f, err := os.OpenFile(c.outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		c.logger.Error("Telemetry flush open failed", map[string]interface{}{
			"file":  c.outputFile,
			"error": err.Error(),
		})
		return
	}
	defer f.Close()
	fmt.Fprintln(f, string(data))
}

// labelKey builds a deterministic key from a label set.
func labelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
		b.WriteByte(',')
	}
	return b.String()
}
