package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/itsneelabh/agentmesh/core"
)

// ProbeState is the result bucket of a periodic probe.
type ProbeState string

const (
	ProbePassing ProbeState = "passing"
	ProbeFailing ProbeState = "failing"
	ProbeUnknown ProbeState = "unknown"
)

// AgentHealth is the monitored state of one agent.
type AgentHealth struct {
	AgentID             string     `json:"agent_id"`
	LivenessState       ProbeState `json:"liveness_state"`
	ReadinessState      ProbeState `json:"readiness_state"`
	IsHealthy           bool       `json:"is_healthy"`
	IsReady             bool       `json:"is_ready"`
	LastHeartbeat       time.Time  `json:"last_heartbeat"`
	LivenessFailures    int        `json:"liveness_failures"`
	ReadinessFailures   int        `json:"readiness_failures"`
	TotalRequests       int64      `json:"total_requests"`
	SuccessfulRequests  int64      `json:"successful_requests"`
	FailedRequests      int64      `json:"failed_requests"`
	AvgLatencyMS        float64    `json:"avg_latency_ms"`
	ErrorRate           float64    `json:"error_rate"`
}

// emaAlpha is the smoothing factor of the rolling latency average.
const emaAlpha = 0.2

// MetricsSnapshot is one per-minute aggregate kept for the last hour.
type MetricsSnapshot struct {
	Minute        time.Time `json:"minute"`
	TotalAgents   int       `json:"total_agents"`
	HealthyAgents int       `json:"healthy_agents"`
	ReadyAgents   int       `json:"ready_agents"`
	AvgErrorRate  float64   `json:"avg_error_rate"`
}

// stateGetter reports the lifecycle state of an agent. Satisfied by the
// LifecycleManager; kept narrow to avoid a cyclic reference.
type stateGetter interface {
	GetState(agentID string) (core.AgentState, error)
}

// HealthMonitor runs liveness and readiness loops over registered
// agents and keeps request-level health statistics.
type HealthMonitor struct {
	config core.HealthConfig
	logger core.Logger
	states stateGetter

	mu      sync.RWMutex
	agents  map[string]*AgentHealth
	history []MetricsSnapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthMonitor creates a health monitor. The state getter is wired
// after construction because the lifecycle manager is built later.
func NewHealthMonitor(config core.HealthConfig, logger core.Logger) *HealthMonitor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("runtime/health")
	}
	return &HealthMonitor{
		config: config,
		logger: logger,
		agents: make(map[string]*AgentHealth),
	}
}

// SetStateGetter wires the lifecycle state lookup.
func (h *HealthMonitor) SetStateGetter(sg stateGetter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = sg
}

// Register starts monitoring an agent.
func (h *HealthMonitor) Register(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.agents[agentID]; ok {
		return
	}
	h.agents[agentID] = &AgentHealth{
		AgentID:        agentID,
		LivenessState:  ProbeUnknown,
		ReadinessState: ProbeUnknown,
		IsHealthy:      true,
		IsReady:        false,
		LastHeartbeat:  time.Now(),
	}
}

// Unregister stops monitoring an agent.
func (h *HealthMonitor) Unregister(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.agents, agentID)
}

// Heartbeat refreshes the agent's liveness timestamp.
func (h *HealthMonitor) Heartbeat(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if a, ok := h.agents[agentID]; ok {
		a.LastHeartbeat = time.Now()
	}
}

// RecordRequest folds one request outcome into the agent's statistics:
// counters, error rate, EMA latency, and a heartbeat refresh.
func (h *HealthMonitor) RecordRequest(agentID string, success bool, latencyMS float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	a, ok := h.agents[agentID]
	if !ok {
		return
	}
	a.TotalRequests++
	if success {
		a.SuccessfulRequests++
	} else {
		a.FailedRequests++
	}
	if a.AvgLatencyMS == 0 {
		a.AvgLatencyMS = latencyMS
	} else {
		a.AvgLatencyMS = emaAlpha*latencyMS + (1-emaAlpha)*a.AvgLatencyMS
	}
	a.ErrorRate = float64(a.FailedRequests) / float64(a.TotalRequests)
	a.LastHeartbeat = time.Now()
}

// GetHealth returns a copy of one agent's health record.
func (h *HealthMonitor) GetHealth(agentID string) (AgentHealth, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	a, ok := h.agents[agentID]
	if !ok {
		return AgentHealth{}, false
	}
	return *a, true
}

// Start launches the liveness, readiness, and metrics aggregation
// loops. They stop when Stop is called or ctx is cancelled.
func (h *HealthMonitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})

	livenessInterval := time.Duration(h.config.LivenessProbe.IntervalSeconds) * time.Second
	readinessInterval := time.Duration(h.config.ReadinessProbe.IntervalSeconds) * time.Second

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		h.loop(ctx, livenessInterval, h.checkLiveness)
	}()
	go func() {
		defer wg.Done()
		h.loop(ctx, readinessInterval, h.checkReadiness)
	}()
	go func() {
		defer wg.Done()
		h.loop(ctx, time.Minute, h.aggregateMetrics)
	}()
	go func() {
		wg.Wait()
		close(h.done)
	}()
}

// Stop cancels the probe loops and waits for them to exit.
func (h *HealthMonitor) Stop() {
	if h.cancel != nil {
		h.cancel()
		<-h.done
	}
}

func (h *HealthMonitor) loop(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// checkLiveness fails agents whose heartbeat is older than the stuck
// timeout. Threshold-many consecutive failures mark the agent
// unhealthy.
func (h *HealthMonitor) checkLiveness() {
	stuck := time.Duration(h.config.StuckAgentTimeoutSeconds) * time.Second
	now := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, a := range h.agents {
		alive := now.Sub(a.LastHeartbeat) <= stuck
		if alive {
			a.LivenessState = ProbePassing
			a.LivenessFailures = 0
			a.IsHealthy = true
			continue
		}
		a.LivenessState = ProbeFailing
		a.LivenessFailures++
		if a.LivenessFailures >= h.config.LivenessProbe.FailureThreshold {
			if a.IsHealthy {
				h.logger.Warn("Agent marked unhealthy", map[string]interface{}{
					"agent_id":             id,
					"consecutive_failures": a.LivenessFailures,
					"last_heartbeat":       a.LastHeartbeat.Format(time.RFC3339),
				})
			}
			a.IsHealthy = false
		}
	}
}

// checkReadiness fails agents that are not Running or whose error rate
// exceeds 50%.
func (h *HealthMonitor) checkReadiness() {
	h.mu.Lock()
	sg := h.states
	ids := make([]string, 0, len(h.agents))
	for id := range h.agents {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	states := make(map[string]core.AgentState, len(ids))
	if sg != nil {
		for _, id := range ids {
			if s, err := sg.GetState(id); err == nil {
				states[id] = s
			}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, a := range h.agents {
		ready := states[id] == core.StateRunning && a.ErrorRate <= 0.5
		if ready {
			a.ReadinessState = ProbePassing
			a.ReadinessFailures = 0
			a.IsReady = true
			continue
		}
		a.ReadinessState = ProbeFailing
		a.ReadinessFailures++
		if a.ReadinessFailures >= h.config.ReadinessProbe.FailureThreshold {
			a.IsReady = false
		}
	}
}

// aggregateMetrics appends a per-minute snapshot, retaining one hour.
func (h *HealthMonitor) aggregateMetrics() {
	h.mu.Lock()
	defer h.mu.Unlock()

	snap := MetricsSnapshot{Minute: time.Now().Truncate(time.Minute)}
	var errSum float64
	for _, a := range h.agents {
		snap.TotalAgents++
		if a.IsHealthy {
			snap.HealthyAgents++
		}
		if a.IsReady {
			snap.ReadyAgents++
		}
		errSum += a.ErrorRate
	}
	if snap.TotalAgents > 0 {
		snap.AvgErrorRate = errSum / float64(snap.TotalAgents)
	}

	h.history = append(h.history, snap)
	if len(h.history) > 60 {
		h.history = h.history[len(h.history)-60:]
	}
}

// History returns the retained per-minute snapshots.
func (h *HealthMonitor) History() []MetricsSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]MetricsSnapshot, len(h.history))
	copy(out, h.history)
	return out
}
