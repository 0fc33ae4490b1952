package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/agentmesh/core"
)

func testSandboxConfig() core.SandboxConfig {
	return core.SandboxConfig{
		DefaultRuntimeClass:  "runc",
		AvailableRuntimes:    []string{"runc", "gvisor", "kata", "kata-cc"},
		DefaultCPU:           "1",
		DefaultMemory:        "512Mi",
		DefaultTokensPerHour: 10000,
		EgressAllowlist:      []string{"l01:8001", "l04:8004"},
	}
}

func TestDeriveTrustLevels(t *testing.T) {
	m := NewSandboxManager(testSandboxConfig(), nil)

	tests := []struct {
		trust    core.TrustLevel
		class    core.RuntimeClass
		network  core.NetworkPolicy
		readOnly bool
	}{
		{core.TrustTrusted, core.RuntimeRunc, core.NetworkAllowEgress, false},
		{core.TrustStandard, core.RuntimeGvisor, core.NetworkRestricted, true},
		{core.TrustUntrusted, core.RuntimeKata, core.NetworkIsolated, true},
		{core.TrustConfidential, core.RuntimeKataCC, core.NetworkIsolated, true},
	}
	for _, tt := range tests {
		sandbox := m.Derive(core.AgentConfig{AgentID: "a1", TrustLevel: tt.trust})
		assert.Equal(t, tt.class, sandbox.RuntimeClass, "trust %s", tt.trust)
		assert.Equal(t, tt.network, sandbox.NetworkPolicy, "trust %s", tt.trust)
		assert.Equal(t, tt.readOnly, sandbox.SecurityContext.ReadOnlyRoot, "trust %s", tt.trust)
		assert.True(t, sandbox.SecurityContext.RunAsNonRoot)
		assert.False(t, sandbox.SecurityContext.PrivilegeEscalation)
	}
}

func TestDeriveRestrictedGetsAllowlist(t *testing.T) {
	m := NewSandboxManager(testSandboxConfig(), nil)
	sandbox := m.Derive(core.AgentConfig{AgentID: "a1", TrustLevel: core.TrustStandard})
	assert.Equal(t, []string{"l01:8001", "l04:8004"}, sandbox.EgressAllowlist)

	isolated := m.Derive(core.AgentConfig{AgentID: "a2", TrustLevel: core.TrustUntrusted})
	assert.Empty(t, isolated.EgressAllowlist)
}

func TestDeriveRuntimeFallback(t *testing.T) {
	cfg := testSandboxConfig()
	cfg.AvailableRuntimes = []string{"runc"}
	m := NewSandboxManager(cfg, nil)

	sandbox := m.Derive(core.AgentConfig{AgentID: "a1", TrustLevel: core.TrustUntrusted})
	assert.Equal(t, core.RuntimeRunc, sandbox.RuntimeClass)
}

func TestDeriveDefaultLimits(t *testing.T) {
	m := NewSandboxManager(testSandboxConfig(), nil)
	sandbox := m.Derive(core.AgentConfig{AgentID: "a1", TrustLevel: core.TrustStandard})
	assert.Equal(t, "1", sandbox.ResourceLimits.CPU)
	assert.Equal(t, "512Mi", sandbox.ResourceLimits.Memory)
	assert.Equal(t, int64(10000), sandbox.ResourceLimits.TokensPerHour)
}

func TestValidateBounds(t *testing.T) {
	m := NewSandboxManager(testSandboxConfig(), nil)

	ok := m.Derive(core.AgentConfig{AgentID: "a1", TrustLevel: core.TrustStandard})
	require.NoError(t, m.Validate(ok))

	tooMuchCPU := ok
	tooMuchCPU.ResourceLimits.CPU = "64"
	assert.Error(t, m.Validate(tooMuchCPU))

	tooMuchMem := ok
	tooMuchMem.ResourceLimits.Memory = "128Gi"
	assert.Error(t, m.Validate(tooMuchMem))

	negTokens := ok
	negTokens.ResourceLimits.TokensPerHour = -1
	assert.Error(t, m.Validate(negTokens))
}

func TestValidateRejectsPrivilegeEscalation(t *testing.T) {
	m := NewSandboxManager(testSandboxConfig(), nil)
	sandbox := m.Derive(core.AgentConfig{AgentID: "a1", TrustLevel: core.TrustStandard})
	sandbox.SecurityContext.PrivilegeEscalation = true

	err := m.Validate(sandbox)
	require.Error(t, err)
	assert.Equal(t, core.CodePrivilegeEscalation, core.CodeOf(err))
	assert.ErrorIs(t, err, core.ErrPrivilegeEscalation)
}
