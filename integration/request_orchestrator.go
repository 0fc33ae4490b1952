package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/itsneelabh/agentmesh/core"
)

// Response is the outcome of one routed request.
type Response struct {
	ServiceName string     `json:"service_name"`
	StatusCode  int        `json:"status_code"`
	Body        core.Value `json:"body,omitempty"`
	LatencyMS   int64      `json:"latency_ms"`
}

// RequestOrchestrator routes cross-service RPC: it resolves the target
// through the registry, wraps the call in the per-service circuit
// breaker, and propagates trace context on the wire.
type RequestOrchestrator struct {
	registry *ServiceRegistry
	breaker  *CircuitBreaker
	logger   core.Logger

	httpClient     *http.Client
	defaultTimeout time.Duration
}

// NewRequestOrchestrator creates the orchestrator.
func NewRequestOrchestrator(registry *ServiceRegistry, breaker *CircuitBreaker, logger core.Logger) *RequestOrchestrator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("integration/orchestrator")
	}
	return &RequestOrchestrator{
		registry:       registry,
		breaker:        breaker,
		logger:         logger,
		httpClient:     &http.Client{},
		defaultTimeout: 30 * time.Second,
	}
}

// RouteRequest sends one request to a named service. A missing
// RequestContext is created; unhealthy targets are warned about but
// still attempted. Timeout and HTTP-status failures map to distinct
// error codes.
func (o *RequestOrchestrator) RouteRequest(ctx context.Context, serviceName, method, path string, data core.Value, timeout time.Duration) (*Response, error) {
	rc := RequestContextFrom(ctx)
	if rc == nil {
		rc = NewRequestContext()
	} else {
		rc = rc.Child()
	}
	ctx = WithRequestContext(ctx, rc)

	ctx, span := otel.Tracer("agentmesh/integration").Start(ctx, "rpc."+serviceName,
		trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("rpc.service", serviceName),
		attribute.String("http.method", method),
		attribute.String("http.path", path),
	)
	defer span.End()

	info, err := o.registry.GetServiceByName(serviceName)
	if err != nil {
		span.SetStatus(codes.Error, "service not found")
		return nil, err
	}
	if info.Status != ServiceHealthy {
		o.logger.WarnWithContext(ctx, "Routing to non-healthy service", map[string]interface{}{
			"service": serviceName,
			"status":  string(info.Status),
		})
	}

	if timeout <= 0 {
		timeout = o.defaultTimeout
	}

	var resp *Response
	err = o.breaker.Execute(ctx, serviceName, func(ctx context.Context) error {
		var callErr error
		resp, callErr = o.send(ctx, rc, info, method, path, data, timeout)
		return callErr
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return nil, err
	}
	return resp, nil
}

func (o *RequestOrchestrator) send(ctx context.Context, rc *RequestContext, info ServiceInfo, method, path string, data core.Value, timeout time.Duration) (*Response, error) {
	const op = "orchestrator.Send"

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if data != nil {
		payload, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("serialize request body: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	url := strings.TrimSuffix(info.Endpoint, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	rc.ToHeaders(req.Header)

	start := time.Now()
	httpResp, err := o.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, core.NewError(core.CodeRequestTimeout, core.KindTimeout, op, info.ServiceName,
				fmt.Errorf("%w: %s %s", core.ErrRequestTimeout, method, path))
		}
		return nil, core.NewError(core.CodeGatewayConnect, core.KindUnavailable, op, info.ServiceName,
			fmt.Errorf("%w: %v", core.ErrUpstreamUnavailable, err))
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, core.NewError(core.CodeGatewayConnect, core.KindUnavailable, op, info.ServiceName, err)
	}

	resp := &Response{
		ServiceName: info.ServiceName,
		StatusCode:  httpResp.StatusCode,
		LatencyMS:   time.Since(start).Milliseconds(),
	}
	if len(raw) > 0 {
		var decoded core.Value
		if jerr := json.Unmarshal(raw, &decoded); jerr == nil {
			resp.Body = decoded
		} else {
			resp.Body = core.Value{"raw": string(raw)}
		}
	}

	if httpResp.StatusCode >= 400 {
		return nil, core.NewError(core.CodeGatewayConnect, core.KindUnavailable, op, info.ServiceName,
			fmt.Errorf("%w: status %d from %s %s", core.ErrUpstreamUnavailable, httpResp.StatusCode, method, path))
	}
	return resp, nil
}

// BroadcastResult maps each target to its response or error.
type BroadcastResult struct {
	Responses map[string]*Response `json:"responses"`
	Errors    map[string]error     `json:"errors"`
}

// BroadcastRequest fans the same request out to a list of services,
// each with a child trace context.
func (o *RequestOrchestrator) BroadcastRequest(ctx context.Context, serviceNames []string, method, path string, data core.Value, timeout time.Duration) *BroadcastResult {
	result := &BroadcastResult{
		Responses: make(map[string]*Response, len(serviceNames)),
		Errors:    make(map[string]error),
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range serviceNames {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			resp, err := o.RouteRequest(ctx, name, method, path, data, timeout)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[name] = err
				return
			}
			result.Responses[name] = resp
		}(name)
	}
	wg.Wait()
	return result
}

// AggregateResponses reduces a broadcast result. Without a reducer the
// successful responses are returned keyed by service name.
func AggregateResponses(result *BroadcastResult, reducer func(map[string]*Response) core.Value) core.Value {
	if reducer != nil {
		return reducer(result.Responses)
	}
	out := make(core.Value, len(result.Responses))
	for name, resp := range result.Responses {
		out[name] = resp.Body
	}
	return out
}
