package runtime

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/agentmesh/core"
	"github.com/itsneelabh/agentmesh/provider"
	"github.com/itsneelabh/agentmesh/state"
)

// recordingSink captures emitted state-change events.
type recordingSink struct {
	mu     sync.Mutex
	events []core.StateChangeEvent
}

func (s *recordingSink) Emit(ctx context.Context, event core.StateChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.EventType
	}
	return out
}

type lifecycleFixture struct {
	manager  *LifecycleManager
	provider *provider.LocalProvider
	resource *ResourceManager
	sink     *recordingSink
}

func newLifecycleFixture(t *testing.T, mutate func(*core.Config)) *lifecycleFixture {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.Runtime.SpawnTimeoutSeconds = 5
	if mutate != nil {
		mutate(cfg)
	}

	sink := &recordingSink{}
	prov := provider.NewLocalProvider(nil)
	sandbox := NewSandboxManager(cfg.Sandbox, nil)
	resource := NewResourceManager(cfg.Resource, nil)
	health := NewHealthMonitor(cfg.Health, nil)
	store := state.NewMemoryCheckpointStore(cfg.Checkpoint)
	manager := NewLifecycleManager(cfg.Runtime, sandbox, prov, resource, health, store, sink, nil)
	return &lifecycleFixture{manager: manager, provider: prov, resource: resource, sink: sink}
}

func standardConfig(agentID string) core.AgentConfig {
	return core.AgentConfig{
		AgentID:    agentID,
		TrustLevel: core.TrustStandard,
		ResourceLimits: core.ResourceLimits{
			CPU:           "1",
			Memory:        "512Mi",
			TokensPerHour: 10000,
		},
	}
}

func TestSpawnRunsAgent(t *testing.T) {
	f := newLifecycleFixture(t, nil)

	result, err := f.manager.Spawn(context.Background(), standardConfig("a1"))
	require.NoError(t, err)
	assert.Equal(t, "a1", result.AgentID)
	assert.Equal(t, core.StateRunning, result.State)
	assert.NotEmpty(t, result.SessionID)
	assert.Equal(t, core.RuntimeGvisor, result.SandboxType)
	assert.Equal(t, "local-a1", result.ContainerID)

	state, err := f.manager.GetState("a1")
	require.NoError(t, err)
	assert.Equal(t, core.StateRunning, state)
	assert.Contains(t, f.sink.types(), "agent.spawned")
}

func TestSpawnReplayReturnsExisting(t *testing.T) {
	f := newLifecycleFixture(t, nil)

	first, err := f.manager.Spawn(context.Background(), standardConfig("a1"))
	require.NoError(t, err)
	second, err := f.manager.Spawn(context.Background(), standardConfig("a1"))
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Len(t, f.manager.ListInstances(), 1)
}

func TestSpawnProviderFailure(t *testing.T) {
	f := newLifecycleFixture(t, nil)
	f.provider.FailNextSpawn = true

	_, err := f.manager.Spawn(context.Background(), standardConfig("a1"))
	require.Error(t, err)
	assert.Equal(t, core.CodeSandboxError, core.CodeOf(err))
	assert.ErrorIs(t, err, core.ErrSandboxFailure)
}

func TestTerminateIsIdempotent(t *testing.T) {
	f := newLifecycleFixture(t, nil)
	_, err := f.manager.Spawn(context.Background(), standardConfig("a1"))
	require.NoError(t, err)

	require.NoError(t, f.manager.Terminate(context.Background(), "a1", "done", false))
	state, err := f.manager.GetState("a1")
	require.NoError(t, err)
	assert.Equal(t, core.StateTerminated, state)

	// Second terminate is a no-op success; state stays terminal.
	require.NoError(t, f.manager.Terminate(context.Background(), "a1", "again", false))
	state, _ = f.manager.GetState("a1")
	assert.Equal(t, core.StateTerminated, state)

	inst, err := f.manager.GetInstance("a1")
	require.NoError(t, err)
	assert.NotNil(t, inst.TerminatedAt)
}

func TestTerminateUnknownAgent(t *testing.T) {
	f := newLifecycleFixture(t, nil)
	err := f.manager.Terminate(context.Background(), "ghost", "x", false)
	require.Error(t, err)
	assert.Equal(t, core.CodeAgentNotFound, core.CodeOf(err))
}

func TestSuspendResumeRoundTrip(t *testing.T) {
	f := newLifecycleFixture(t, nil)
	_, err := f.manager.Spawn(context.Background(), standardConfig("a1"))
	require.NoError(t, err)

	ckptID, err := f.manager.Suspend(context.Background(), "a1", true)
	require.NoError(t, err)
	assert.NotEmpty(t, ckptID)
	state, _ := f.manager.GetState("a1")
	assert.Equal(t, core.StateSuspended, state)

	// Suspending a suspended agent is an invalid transition.
	_, err = f.manager.Suspend(context.Background(), "a1", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	got, err := f.manager.Resume(context.Background(), "a1", "")
	require.NoError(t, err)
	assert.Equal(t, core.StateRunning, got)
}

func TestSuspendDisabledByConfig(t *testing.T) {
	f := newLifecycleFixture(t, func(cfg *core.Config) {
		cfg.Runtime.EnableSuspend = false
	})
	_, err := f.manager.Spawn(context.Background(), standardConfig("a1"))
	require.NoError(t, err)

	_, err = f.manager.Suspend(context.Background(), "a1", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrSuspendDisabled)
}

func TestResumeRequiresSuspended(t *testing.T) {
	f := newLifecycleFixture(t, nil)
	_, err := f.manager.Spawn(context.Background(), standardConfig("a1"))
	require.NoError(t, err)

	_, err = f.manager.Resume(context.Background(), "a1", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)
}

func TestTerminatedIsAbsorbing(t *testing.T) {
	f := newLifecycleFixture(t, nil)
	_, err := f.manager.Spawn(context.Background(), standardConfig("a1"))
	require.NoError(t, err)
	require.NoError(t, f.manager.Terminate(context.Background(), "a1", "done", true))

	_, err = f.manager.Suspend(context.Background(), "a1", false)
	assert.Error(t, err)
	_, err = f.manager.Resume(context.Background(), "a1", "")
	assert.Error(t, err)
}

func TestRestartPreservesConfigAndCounts(t *testing.T) {
	f := newLifecycleFixture(t, func(cfg *core.Config) {
		cfg.Runtime.MaxRestartCount = 2
	})
	_, err := f.manager.Spawn(context.Background(), standardConfig("a1"))
	require.NoError(t, err)

	result, err := f.manager.Restart(context.Background(), "a1", "probe failure")
	require.NoError(t, err)
	assert.Equal(t, core.StateRunning, result.State)

	inst, err := f.manager.GetInstance("a1")
	require.NoError(t, err)
	assert.Equal(t, 1, inst.RestartCount)
	assert.Equal(t, core.TrustStandard, inst.Config.TrustLevel)

	_, err = f.manager.Restart(context.Background(), "a1", "again")
	require.NoError(t, err)

	_, err = f.manager.Restart(context.Background(), "a1", "too many")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrRestartExhausted)
}

func TestQuotaBreachSuspendsAgent(t *testing.T) {
	f := newLifecycleFixture(t, func(cfg *core.Config) {
		cfg.Resource.Enforcement["tokens"] = core.EnforceHard
		cfg.Resource.TokenBudgetAction = core.ActionSuspend
	})

	config := standardConfig("a2")
	config.ResourceLimits.TokensPerHour = 100
	_, err := f.manager.Spawn(context.Background(), config)
	require.NoError(t, err)

	tokens := int64(101)
	require.NoError(t, f.manager.UpdateUsage(context.Background(), "a2", UsageReport{Tokens: &tokens}))

	state, err := f.manager.GetState("a2")
	require.NoError(t, err)
	assert.Equal(t, core.StateSuspended, state)
}

func TestCleanupTerminatesAll(t *testing.T) {
	f := newLifecycleFixture(t, nil)
	for _, id := range []string{"a1", "a2", "a3"} {
		_, err := f.manager.Spawn(context.Background(), standardConfig(id))
		require.NoError(t, err)
	}

	require.NoError(t, f.manager.Cleanup(context.Background()))
	for _, inst := range f.manager.ListInstances() {
		assert.Equal(t, core.StateTerminated, inst.State)
	}
}
