package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/agentmesh/core"
	"github.com/itsneelabh/agentmesh/executor"
	"github.com/itsneelabh/agentmesh/provider"
	"github.com/itsneelabh/agentmesh/state"
	"github.com/itsneelabh/agentmesh/workflow"
)

var workflowGraph = workflow.Graph{
	GraphID: "facade",
	Nodes: map[string]workflow.Node{
		"ask":    {ID: "ask", Type: workflow.NodeAgent, Config: core.Value{"agent_id": "worker", "prompt": "summarize"}},
		"finish": {ID: "finish", Type: workflow.NodeEnd},
	},
	Edges:     []workflow.Edge{{Source: "ask", Target: "finish"}},
	EntryNode: "ask",
}

func newTestRuntime(t *testing.T) *AgentRuntime {
	t.Helper()
	cfg := core.DefaultConfig()
	return NewAgentRuntime(cfg, RuntimeDeps{
		Provider: provider.NewLocalProvider(nil),
		Store:    state.NewMemoryCheckpointStore(cfg.Checkpoint),
		Hot:      state.NewMemoryHotStateStore(),
		Sink:     &core.NoOpEventSink{},
	})
}

// Spawn, execute a stub turn, terminate: the whole single-agent path.
func TestSpawnExecuteTerminate(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	result, err := rt.SpawnAgent(ctx, core.AgentConfig{
		AgentID:    "a1",
		TrustLevel: core.TrustStandard,
		ResourceLimits: core.ResourceLimits{
			CPU:           "1",
			Memory:        "512Mi",
			TokensPerHour: 10000,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, core.StateRunning, result.State)

	turn, err := rt.ExecuteTurn(ctx, "a1", executor.ExecuteRequest{Content: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, turn.Response)
	state, _ := rt.Lifecycle.GetState("a1")
	assert.Equal(t, core.StateRunning, state)

	// Token usage from the turn lands in the quota counters.
	usage, err := rt.Resources.GetUsage("a1")
	require.NoError(t, err)
	assert.Greater(t, usage.TokensConsumed, int64(0))

	require.NoError(t, rt.TerminateAgent(ctx, "a1", "done", false))
	state, _ = rt.Lifecycle.GetState("a1")
	assert.Equal(t, core.StateTerminated, state)

	// The execution context is gone with the agent.
	_, err = rt.ExecuteTurn(ctx, "a1", executor.ExecuteRequest{Content: "again"})
	assert.Error(t, err)
}

func TestExecuteTurnRequiresRunning(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	_, err := rt.SpawnAgent(ctx, core.AgentConfig{AgentID: "a1", TrustLevel: core.TrustStandard})
	require.NoError(t, err)
	_, err = rt.Lifecycle.Suspend(ctx, "a1", false)
	require.NoError(t, err)

	_, err = rt.ExecuteTurn(ctx, "a1", executor.ExecuteRequest{Content: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)
}

func TestWorkflowThroughFacade(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	_, err := rt.SpawnAgent(ctx, core.AgentConfig{AgentID: "worker", TrustLevel: core.TrustStandard})
	require.NoError(t, err)

	exec, err := rt.Workflows.Execute(ctx, &workflowGraph, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"ask", "finish"}, exec.ExecutionPath)
	output := exec.Results["ask"].Output
	assert.Equal(t, "worker", output["agent_id"])
	assert.NotEmpty(t, output["response"])
}

func TestShutdownTerminatesAgents(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	rt.Start(ctx)

	_, err := rt.SpawnAgent(ctx, core.AgentConfig{AgentID: "a1", TrustLevel: core.TrustStandard})
	require.NoError(t, err)

	require.NoError(t, rt.Shutdown(context.Background()))
	state, _ := rt.Lifecycle.GetState("a1")
	assert.Equal(t, core.StateTerminated, state)
}
