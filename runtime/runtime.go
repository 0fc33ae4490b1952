package runtime

import (
	"context"
	"time"

	"github.com/itsneelabh/agentmesh/core"
	"github.com/itsneelabh/agentmesh/executor"
	"github.com/itsneelabh/agentmesh/handoff"
	"github.com/itsneelabh/agentmesh/workflow"
)

// AgentRuntime is the process-wide facade over the agent runtime core.
// It owns construction and teardown of the lifecycle, resource, health,
// executor, workflow, and handoff components, and is the single entry
// point callers use.
type AgentRuntime struct {
	Lifecycle *LifecycleManager
	Sandbox   *SandboxManager
	Resources *ResourceManager
	Health    *HealthMonitor
	Executor  *executor.AgentExecutor
	Workflows *workflow.Engine
	Handoffs  *handoff.Coordinator

	store  core.CheckpointStore
	hot    core.HotStateStore
	logger core.Logger

	cancel context.CancelFunc
}

// RuntimeDeps are the external collaborators injected at startup.
type RuntimeDeps struct {
	Provider  core.SandboxProvider
	Store     core.CheckpointStore
	Hot       core.HotStateStore
	Sink      core.EventSink
	Inference core.InferenceClient
	Logger    core.Logger
}

// NewAgentRuntime wires the runtime core from configuration and
// external dependencies.
func NewAgentRuntime(cfg *core.Config, deps RuntimeDeps) *AgentRuntime {
	logger := deps.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	sandbox := NewSandboxManager(cfg.Sandbox, logger)
	resources := NewResourceManager(cfg.Resource, logger)
	health := NewHealthMonitor(cfg.Health, logger)
	lifecycle := NewLifecycleManager(cfg.Runtime, sandbox, deps.Provider, resources, health,
		deps.Store, deps.Sink, logger)
	exec := executor.NewAgentExecutor(cfg.Executor, deps.Inference, logger)

	rt := &AgentRuntime{
		Lifecycle: lifecycle,
		Sandbox:   sandbox,
		Resources: resources,
		Health:    health,
		Executor:  exec,
		Handoffs:  handoff.NewCoordinator(cfg.Handoff, deps.Store, logger),
		store:     deps.Store,
		hot:       deps.Hot,
		logger:    logger,
	}
	rt.Workflows = workflow.NewEngine(cfg.Workflow, &executorNodeRunner{exec: exec}, deps.Store, deps.Hot, logger)
	return rt
}

// Start launches the background monitors.
func (r *AgentRuntime) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.Health.Start(ctx)
	r.logger.Info("Agent runtime started", nil)
}

// Shutdown terminates live agents and stops the monitors within the
// 2-second soft budget; background loops past that are abandoned to
// process exit.
func (r *AgentRuntime) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	err := r.Lifecycle.Cleanup(ctx)

	done := make(chan struct{})
	go func() {
		r.Health.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("Health monitor stop exceeded shutdown budget", nil)
	}

	if r.cancel != nil {
		r.cancel()
	}
	r.logger.Info("Agent runtime stopped", nil)
	return err
}

// SpawnAgent spawns an agent and initializes its execution context.
func (r *AgentRuntime) SpawnAgent(ctx context.Context, config core.AgentConfig) (*core.SpawnResult, error) {
	result, err := r.Lifecycle.Spawn(ctx, config)
	if err != nil {
		return nil, err
	}
	r.Executor.CreateContext(result.AgentID, result.SessionID, config.Tools)
	return result, nil
}

// TerminateAgent terminates an agent and drops its execution context.
func (r *AgentRuntime) TerminateAgent(ctx context.Context, agentID, reason string, force bool) error {
	if err := r.Lifecycle.Terminate(ctx, agentID, reason, force); err != nil {
		return err
	}
	r.Executor.DropContext(agentID)
	return nil
}

// ExecuteTurn runs one agent turn, recording request health.
func (r *AgentRuntime) ExecuteTurn(ctx context.Context, agentID string, req executor.ExecuteRequest) (*executor.ExecuteResult, error) {
	state, err := r.Lifecycle.GetState(agentID)
	if err != nil {
		return nil, err
	}
	if state != core.StateRunning {
		return nil, core.NewError(core.CodeAgentNotFound, core.KindConflict, "runtime.ExecuteTurn", agentID,
			core.ErrInvalidTransition)
	}

	start := time.Now()
	result, err := r.Executor.Execute(ctx, agentID, req)
	latency := float64(time.Since(start).Milliseconds())
	r.Health.RecordRequest(agentID, err == nil, latency)
	if err != nil {
		return nil, err
	}

	tokens := int64(result.TokenUsage.TotalTokens)
	if uerr := r.Lifecycle.UpdateUsage(ctx, agentID, UsageReport{Tokens: &tokens}); uerr != nil {
		r.logger.Warn("Usage report failed after turn", map[string]interface{}{
			"agent_id": agentID,
			"error":    uerr.Error(),
		})
	}
	return result, nil
}

// executorNodeRunner adapts the agent executor to workflow agent
// nodes. Node config selects the target agent and prompt; a node
// without an agent_id gets a simulated result, and an agent_id the
// executor does not know fails the node.
type executorNodeRunner struct {
	exec *executor.AgentExecutor
}

func (r *executorNodeRunner) RunNode(ctx context.Context, nodeID string, config core.Value, values core.Value) (core.Value, error) {
	agentID, _ := config["agent_id"].(string)
	prompt, _ := config["prompt"].(string)
	if agentID == "" {
		return core.Value{"node_id": nodeID, "simulated": true}, nil
	}
	if prompt == "" {
		prompt = nodeID
	}

	result, err := r.exec.Execute(ctx, agentID, executor.ExecuteRequest{Content: prompt})
	if err != nil {
		return nil, err
	}
	return core.Value{
		"node_id":  nodeID,
		"agent_id": agentID,
		"response": result.Response,
		"tokens":   result.TokenUsage.TotalTokens,
	}, nil
}
