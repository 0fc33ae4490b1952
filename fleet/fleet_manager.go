// Package fleet manages replica scaling, graceful drain of departing
// instances, and the warm pool of pre-spawned agents.
package fleet

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itsneelabh/agentmesh/core"
	"github.com/itsneelabh/agentmesh/runtime"
)

// ScaleAction is the outcome of one autoscaling evaluation.
type ScaleAction string

const (
	ScaleUp   ScaleAction = "scale_up"
	ScaleDown ScaleAction = "scale_down"
	NoAction  ScaleAction = "no_action"
)

// ScaleDecision reports one evaluation of the scaling rule.
type ScaleDecision struct {
	Action          ScaleAction `json:"action"`
	CurrentReplicas int         `json:"current_replicas"`
	DesiredReplicas int         `json:"desired_replicas"`
	ObservedCPU     float64     `json:"observed_cpu"`
	Reason          string      `json:"reason,omitempty"`
}

// DrainState tracks one instance through graceful drain.
type DrainState string

const (
	DrainNone     DrainState = "none"
	DrainDraining DrainState = "draining"
	DrainDrained  DrainState = "drained"
)

// lifecycle is the slice of the lifecycle manager the fleet needs.
type lifecycle interface {
	Spawn(ctx context.Context, config core.AgentConfig) (*core.SpawnResult, error)
	Terminate(ctx context.Context, agentID, reason string, force bool) error
	Suspend(ctx context.Context, agentID string, takeCheckpoint bool) (string, error)
	Resume(ctx context.Context, agentID, checkpointID string) (core.AgentState, error)
	ListInstances() []core.AgentInstance
}

// Manager evaluates the autoscaling rule, coordinates graceful drain
// with in-flight request tracking, and owns the warm pool.
type Manager struct {
	config    core.FleetConfig
	lifecycle lifecycle
	store     core.CheckpointStore
	logger    core.Logger

	mu          sync.Mutex
	inFlight    map[string]map[string]bool // agent id -> task ids
	drainStates map[string]DrainState
	lastScaleUp time.Time
	lastScaleDn time.Time

	pool *WarmPool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates the fleet manager. A warm pool is attached when
// enabled in config.
func NewManager(config core.FleetConfig, lm *runtime.LifecycleManager, store core.CheckpointStore, logger core.Logger) *Manager {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("fleet")
	}
	m := &Manager{
		config:      config,
		lifecycle:   lm,
		store:       store,
		logger:      logger,
		inFlight:    make(map[string]map[string]bool),
		drainStates: make(map[string]DrainState),
	}
	if config.WarmPool.Enabled {
		m.pool = NewWarmPool(config.WarmPool, lm, logger)
	}
	return m
}

// Pool returns the warm pool, or nil when disabled.
func (m *Manager) Pool() *WarmPool { return m.pool }

// Evaluate applies the scaling rule:
//
//	desired = clamp(round(replicas * observedCPU / targetCPU), min, max)
//
// Stabilization windows suppress repeated actions after a scale event.
func (m *Manager) Evaluate(currentReplicas int, observedCPU float64) ScaleDecision {
	target := m.config.TargetCPUUtilization
	if target <= 0 {
		target = 0.7
	}

	desired := currentReplicas
	if currentReplicas > 0 {
		desired = int(math.Round(float64(currentReplicas) * observedCPU / target))
	}
	if desired < m.config.MinReplicas {
		desired = m.config.MinReplicas
	}
	if desired > m.config.MaxReplicas {
		desired = m.config.MaxReplicas
	}

	decision := ScaleDecision{
		CurrentReplicas: currentReplicas,
		DesiredReplicas: desired,
		ObservedCPU:     observedCPU,
	}

	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case desired > currentReplicas:
		window := time.Duration(m.config.ScaleUpStabilizationSeconds) * time.Second
		if now.Sub(m.lastScaleUp) < window {
			decision.Action = NoAction
			decision.Reason = "scale-up stabilization window active"
			return decision
		}
		m.lastScaleUp = now
		decision.Action = ScaleUp
	case desired < currentReplicas:
		window := time.Duration(m.config.ScaleDownStabilizationSecs) * time.Second
		if now.Sub(m.lastScaleDn) < window {
			decision.Action = NoAction
			decision.Reason = "scale-down stabilization window active"
			return decision
		}
		m.lastScaleDn = now
		decision.Action = ScaleDown
	default:
		decision.Action = NoAction
	}
	return decision
}

// RegisterTask records an in-flight task on an agent. Drain waits for
// all registered tasks to complete.
func (m *Manager) RegisterTask(agentID, taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tasks, ok := m.inFlight[agentID]
	if !ok {
		tasks = make(map[string]bool)
		m.inFlight[agentID] = tasks
	}
	tasks[taskID] = true
}

// CompleteTask clears an in-flight task.
func (m *Manager) CompleteTask(agentID, taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tasks, ok := m.inFlight[agentID]; ok {
		delete(tasks, taskID)
		if len(tasks) == 0 {
			delete(m.inFlight, agentID)
		}
	}
}

// InFlightCount reports the live task count of an agent.
func (m *Manager) InFlightCount(agentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inFlight[agentID])
}

// DrainStateOf reports the drain state of an agent.
func (m *Manager) DrainStateOf(agentID string) DrainState {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.drainStates[agentID]
	if !ok {
		return DrainNone
	}
	return state
}

// Drain gracefully drains an agent before termination: it marks the
// agent Draining, polls the in-flight count once per second until it
// reaches zero or the drain timeout elapses, optionally checkpoints
// (including the ids of tasks still in flight at drain time), and
// reports whether the drain completed cleanly. Timeout still proceeds
// to Drained so termination can continue.
func (m *Manager) Drain(ctx context.Context, agentID string) (bool, error) {
	const op = "fleet.Drain"

	m.mu.Lock()
	m.drainStates[agentID] = DrainDraining
	m.mu.Unlock()

	timeout := time.Duration(m.config.GracefulDrain.TimeoutSeconds) * time.Second
	deadline := time.Now().Add(timeout)
	clean := true

	for m.InFlightCount(agentID) > 0 {
		if time.Now().After(deadline) {
			clean = false
			m.logger.Warn("Drain timed out with tasks in flight", map[string]interface{}{
				"agent_id":  agentID,
				"in_flight": m.InFlightCount(agentID),
			})
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(time.Second):
		}
	}

	if m.config.GracefulDrain.CheckpointBeforeDrain && m.store != nil {
		m.mu.Lock()
		remaining := make([]string, 0, len(m.inFlight[agentID]))
		for taskID := range m.inFlight[agentID] {
			remaining = append(remaining, taskID)
		}
		m.mu.Unlock()

		if _, err := m.store.CreateCheckpoint(ctx, agentID, agentID, "draining",
			core.Value{"in_flight_tasks": remaining, "drained_clean": clean}, nil); err != nil {
			m.logger.Warn("Drain checkpoint failed", map[string]interface{}{
				"agent_id": agentID,
				"error":    err.Error(),
			})
		}
	}

	m.mu.Lock()
	m.drainStates[agentID] = DrainDrained
	m.mu.Unlock()

	if !clean {
		return false, core.NewError(core.CodeDrainTimeout, core.KindTimeout, op, agentID, core.ErrDrainTimeout)
	}
	return true, nil
}

// ScaleDownOne drains and terminates the given agent.
func (m *Manager) ScaleDownOne(ctx context.Context, agentID string) error {
	if _, err := m.Drain(ctx, agentID); err != nil && !core.IsTimeout(err) {
		return err
	}
	return m.lifecycle.Terminate(ctx, agentID, "scale down", false)
}

// ScaleUpOne adds one replica: a warm instance is allocated and
// resumed when the pool has one, otherwise a cold spawn covers the
// miss.
func (m *Manager) ScaleUpOne(ctx context.Context) error {
	if m.pool != nil {
		if agentID, ok := m.pool.Allocate(ctx); ok {
			if _, err := m.lifecycle.Resume(ctx, agentID, ""); err == nil {
				m.logger.Info("Scaled up from warm pool", map[string]interface{}{
					"agent_id": agentID,
				})
				return nil
			} else {
				m.logger.Warn("Warm instance activation failed, falling back to cold spawn", map[string]interface{}{
					"agent_id": agentID,
					"error":    err.Error(),
				})
			}
		}
	}

	result, err := m.lifecycle.Spawn(ctx, core.AgentConfig{
		AgentID:    "scale-" + uuid.NewString(),
		TrustLevel: core.TrustStandard,
	})
	if err != nil {
		return err
	}
	m.logger.Info("Scaled up with cold spawn", map[string]interface{}{
		"agent_id": result.AgentID,
	})
	return nil
}

// Start launches the autoscaling loop and warm pool maintenance.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	interval := time.Duration(m.config.AutoscalingIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	if m.pool != nil {
		m.pool.Start(ctx)
	}

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.autoscaleTick(ctx)
			}
		}
	}()
}

// Stop cancels the background loops.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	if m.pool != nil {
		m.pool.Stop()
	}
}

// autoscaleTick evaluates the rule against live instances and acts on
// the decision. Observed CPU comes from instance usage relative to
// limits.
func (m *Manager) autoscaleTick(ctx context.Context) {
	instances := m.lifecycle.ListInstances()
	var running []core.AgentInstance
	var cpuSum float64
	for _, inst := range instances {
		if inst.State != core.StateRunning {
			continue
		}
		running = append(running, inst)
		limit, err := core.ParseCPU(inst.Sandbox.ResourceLimits.CPU)
		if err != nil || limit <= 0 {
			continue
		}
		// Approximate utilization as window CPU seconds over an hour of
		// the limit.
		cpuSum += inst.Usage.CPUSeconds / (limit * 3600)
	}
	if len(running) == 0 {
		return
	}
	observed := cpuSum / float64(len(running))

	decision := m.Evaluate(len(running), observed)
	if decision.Action == NoAction {
		return
	}

	m.logger.Info("Autoscaling decision", map[string]interface{}{
		"action":  string(decision.Action),
		"current": decision.CurrentReplicas,
		"desired": decision.DesiredReplicas,
		"cpu":     decision.ObservedCPU,
	})

	switch decision.Action {
	case ScaleDown:
		// Drain the newest instance first; older instances hold more
		// accumulated context.
		newest := running[0]
		for _, inst := range running[1:] {
			if inst.CreatedAt.After(newest.CreatedAt) {
				newest = inst
			}
		}
		if err := m.ScaleDownOne(ctx, newest.AgentID); err != nil {
			m.logger.Error("Scale-down failed", map[string]interface{}{
				"agent_id": newest.AgentID,
				"error":    err.Error(),
			})
		}
	case ScaleUp:
		for replicas := decision.CurrentReplicas; replicas < decision.DesiredReplicas; replicas++ {
			if err := m.ScaleUpOne(ctx); err != nil {
				m.logger.Error("Scale-up failed", map[string]interface{}{
					"error": err.Error(),
				})
				break
			}
		}
	}
}
