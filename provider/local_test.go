package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/agentmesh/core"
)

func spawnOne(t *testing.T, p *LocalProvider, agentID string) string {
	t.Helper()
	handle, err := p.Spawn(context.Background(), core.AgentConfig{AgentID: agentID},
		core.SandboxConfiguration{RuntimeClass: core.RuntimeRunc}, map[string]string{"AGENT_ID": agentID})
	require.NoError(t, err)
	return handle
}

func TestLocalSpawnStateStop(t *testing.T) {
	p := NewLocalProvider(nil)
	ctx := context.Background()

	handle := spawnOne(t, p, "a1")
	assert.Equal(t, "local-a1", handle)

	state, err := p.State(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, core.ContainerRunning, state)

	require.NoError(t, p.Stop(ctx, handle, 0, true))
	state, _ = p.State(ctx, handle)
	assert.Equal(t, core.ContainerStopped, state)
}

func TestLocalPauseResumeRestoresSnapshot(t *testing.T) {
	p := NewLocalProvider(nil)
	ctx := context.Background()
	handle := spawnOne(t, p, "a1")

	ckpt, err := p.Pause(ctx, handle)
	require.NoError(t, err)
	assert.NotEmpty(t, ckpt)

	state, _ := p.State(ctx, handle)
	assert.Equal(t, core.ContainerPaused, state)

	require.NoError(t, p.Resume(ctx, handle, ckpt))
	state, _ = p.State(ctx, handle)
	assert.Equal(t, core.ContainerRunning, state)
}

func TestLocalResumeUnknownCheckpoint(t *testing.T) {
	p := NewLocalProvider(nil)
	ctx := context.Background()
	handle := spawnOne(t, p, "a1")
	_, err := p.Pause(ctx, handle)
	require.NoError(t, err)

	assert.Error(t, p.Resume(ctx, handle, "nope"))
}

func TestLocalPauseRequiresRunning(t *testing.T) {
	p := NewLocalProvider(nil)
	ctx := context.Background()
	handle := spawnOne(t, p, "a1")
	require.NoError(t, p.Stop(ctx, handle, 0, true))

	_, err := p.Pause(ctx, handle)
	assert.Error(t, err)
}

func TestLocalFaultInjection(t *testing.T) {
	p := NewLocalProvider(nil)
	ctx := context.Background()

	p.FailNextSpawn = true
	_, err := p.Spawn(ctx, core.AgentConfig{AgentID: "a1"}, core.SandboxConfiguration{}, nil)
	assert.Error(t, err)

	// The flag resets after one injection.
	spawnOne(t, p, "a1")
}

func TestKubernetesStub(t *testing.T) {
	p := NewKubernetesProvider("", nil)
	assert.Equal(t, "agent-a1", p.PodName("a1"))

	_, err := p.Spawn(context.Background(), core.AgentConfig{AgentID: "a1"}, core.SandboxConfiguration{}, nil)
	assert.Error(t, err)
	assert.ErrorIs(t, err, core.ErrNotInitialized)
}
