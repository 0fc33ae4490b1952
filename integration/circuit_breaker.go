package integration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/itsneelabh/agentmesh/core"
)

// CircuitState is the breaker position.
type CircuitState string

const (
	// CircuitClosed passes all requests.
	CircuitClosed CircuitState = "closed"
	// CircuitOpen fails requests fast.
	CircuitOpen CircuitState = "open"
	// CircuitHalfOpen admits trial requests.
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitSnapshot is a read-only view of one breaker.
type CircuitSnapshot struct {
	ServiceName          string       `json:"service_name"`
	State                CircuitState `json:"state"`
	ConsecutiveFailures  int          `json:"consecutive_failures"`
	ConsecutiveSuccesses int          `json:"consecutive_successes"`
	TotalRequests        int64        `json:"total_requests"`
	FailedRequests       int64        `json:"failed_requests"`
	OpenedAt             *time.Time   `json:"opened_at,omitempty"`
}

// circuit is the per-service state machine.
//
// Transitions:
//
//	Closed    -> Open      consecutive failures >= threshold, or the
//	                       windowed error rate >= threshold
//	Open      -> HalfOpen  timeout elapsed (checked lazily on the next
//	                       admission request)
//	HalfOpen  -> Closed    consecutive successes >= threshold
//	HalfOpen  -> Open      any failure
type circuit struct {
	serviceName          string
	state                CircuitState
	consecutiveFailures  int
	consecutiveSuccesses int
	totalRequests        int64
	failedRequests       int64
	windowStart          time.Time
	openedAt             time.Time
	halfOpenInFlight     int
	config               core.CircuitBreakerConfig
}

// CircuitBreaker manages one state machine per downstream service.
type CircuitBreaker struct {
	defaults core.CircuitBreakerConfig
	logger   core.Logger

	mu       sync.Mutex
	circuits map[string]*circuit
}

// NewCircuitBreaker creates the breaker manager with default
// thresholds applied to every service unless overridden per call.
func NewCircuitBreaker(defaults core.CircuitBreakerConfig, logger core.Logger) (*CircuitBreaker, error) {
	if err := validateCircuitConfig(defaults); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("integration/circuit")
	}
	return &CircuitBreaker{
		defaults: defaults,
		logger:   logger,
		circuits: make(map[string]*circuit),
	}, nil
}

func validateCircuitConfig(cfg core.CircuitBreakerConfig) error {
	if cfg.FailureThreshold <= 0 || cfg.SuccessThreshold <= 0 {
		return core.NewError(core.CodeCircuitConfig, core.KindInvalid, "circuit.Validate", "",
			fmt.Errorf("%w: thresholds must be positive", core.ErrCircuitConfig))
	}
	if cfg.TimeoutSeconds <= 0 {
		return core.NewError(core.CodeCircuitConfig, core.KindInvalid, "circuit.Validate", "",
			fmt.Errorf("%w: timeout_sec must be positive", core.ErrCircuitConfig))
	}
	if cfg.ErrorRateThreshold < 0 || cfg.ErrorRateThreshold > 1 {
		return core.NewError(core.CodeCircuitConfig, core.KindInvalid, "circuit.Validate", "",
			fmt.Errorf("%w: error_rate_threshold must be in [0, 1]", core.ErrCircuitConfig))
	}
	return nil
}

func (cb *CircuitBreaker) circuitFor(service string, override *core.CircuitBreakerConfig) *circuit {
	c, ok := cb.circuits[service]
	if !ok {
		cfg := cb.defaults
		if override != nil {
			cfg = *override
		}
		c = &circuit{
			serviceName: service,
			state:       CircuitClosed,
			windowStart: time.Now(),
			config:      cfg,
		}
		cb.circuits[service] = c
	}
	return c
}

// CanAttemptRequest reports whether a request to the service may
// proceed, applying the lazy Open -> HalfOpen transition.
func (cb *CircuitBreaker) CanAttemptRequest(service string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.canAttemptLocked(cb.circuitFor(service, nil))
}

func (cb *CircuitBreaker) canAttemptLocked(c *circuit) bool {
	c.maybeResetWindow()
	switch c.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		timeout := time.Duration(c.config.TimeoutSeconds * float64(time.Second))
		if time.Since(c.openedAt) >= timeout {
			cb.transition(c, CircuitHalfOpen)
			c.halfOpenInFlight = 1
			return true
		}
		return false
	case CircuitHalfOpen:
		limit := c.config.HalfOpenRequests
		if limit <= 0 {
			limit = 1
		}
		if c.halfOpenInFlight < limit {
			c.halfOpenInFlight++
			return true
		}
		return false
	}
	return false
}

// RecordSuccess folds in a successful call.
func (cb *CircuitBreaker) RecordSuccess(service string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c := cb.circuitFor(service, nil)
	c.maybeResetWindow()
	c.totalRequests++
	c.consecutiveFailures = 0
	c.consecutiveSuccesses++

	if c.state == CircuitHalfOpen {
		if c.halfOpenInFlight > 0 {
			c.halfOpenInFlight--
		}
		if c.consecutiveSuccesses >= c.config.SuccessThreshold {
			cb.transition(c, CircuitClosed)
		}
	}
}

// RecordFailure folds in a failed call and applies the opening rules.
func (cb *CircuitBreaker) RecordFailure(service string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c := cb.circuitFor(service, nil)
	c.maybeResetWindow()
	c.totalRequests++
	c.failedRequests++
	c.consecutiveSuccesses = 0
	c.consecutiveFailures++

	switch c.state {
	case CircuitHalfOpen:
		if c.halfOpenInFlight > 0 {
			c.halfOpenInFlight--
		}
		cb.transition(c, CircuitOpen)
	case CircuitClosed:
		errorRate := float64(0)
		if c.totalRequests > 0 {
			errorRate = float64(c.failedRequests) / float64(c.totalRequests)
		}
		if c.consecutiveFailures >= c.config.FailureThreshold ||
			(c.config.ErrorRateThreshold > 0 && errorRate >= c.config.ErrorRateThreshold) {
			cb.transition(c, CircuitOpen)
		}
	}
}

// Execute wraps fn in the breaker: denied admissions return a
// circuit-open error without invoking fn; outcomes are recorded and
// errors rethrown.
func (cb *CircuitBreaker) Execute(ctx context.Context, service string, fn func(ctx context.Context) error) error {
	cb.mu.Lock()
	allowed := cb.canAttemptLocked(cb.circuitFor(service, nil))
	cb.mu.Unlock()

	if !allowed {
		return core.NewError(core.CodeCircuitOpen, core.KindTransient, "circuit.Execute", service,
			fmt.Errorf("%w: %s", core.ErrCircuitOpen, service))
	}

	if err := fn(ctx); err != nil {
		cb.RecordFailure(service)
		return err
	}
	cb.RecordSuccess(service)
	return nil
}

// Configure installs per-service thresholds, resetting the circuit.
func (cb *CircuitBreaker) Configure(service string, cfg core.CircuitBreakerConfig) error {
	if err := validateCircuitConfig(cfg); err != nil {
		return err
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	delete(cb.circuits, service)
	cb.circuitFor(service, &cfg)
	return nil
}

// Reset manually closes a circuit and clears its counters.
func (cb *CircuitBreaker) Reset(service string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	c, ok := cb.circuits[service]
	if !ok {
		return
	}
	cb.transition(c, CircuitClosed)
	c.consecutiveFailures = 0
	c.consecutiveSuccesses = 0
	c.totalRequests = 0
	c.failedRequests = 0
	c.windowStart = time.Now()
}

// Snapshot returns a read-only view of one circuit.
func (cb *CircuitBreaker) Snapshot(service string) CircuitSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	c := cb.circuitFor(service, nil)
	snap := CircuitSnapshot{
		ServiceName:          c.serviceName,
		State:                c.state,
		ConsecutiveFailures:  c.consecutiveFailures,
		ConsecutiveSuccesses: c.consecutiveSuccesses,
		TotalRequests:        c.totalRequests,
		FailedRequests:       c.failedRequests,
	}
	if !c.openedAt.IsZero() {
		opened := c.openedAt
		snap.OpenedAt = &opened
	}
	return snap
}

func (cb *CircuitBreaker) transition(c *circuit, to CircuitState) {
	if c.state == to {
		return
	}
	from := c.state
	c.state = to
	switch to {
	case CircuitOpen:
		c.openedAt = time.Now()
	case CircuitClosed:
		c.consecutiveFailures = 0
		c.halfOpenInFlight = 0
	case CircuitHalfOpen:
		c.consecutiveSuccesses = 0
	}
	cb.logger.Info("Circuit state changed", map[string]interface{}{
		"service": c.serviceName,
		"from":    string(from),
		"to":      string(to),
	})
}

// maybeResetWindow clears the rolling counters once the window has
// fully elapsed.
func (c *circuit) maybeResetWindow() {
	window := time.Duration(c.config.WindowSizeSeconds * float64(time.Second))
	if window <= 0 {
		return
	}
	if time.Since(c.windowStart) >= window {
		c.totalRequests = 0
		c.failedRequests = 0
		c.windowStart = time.Now()
	}
}
