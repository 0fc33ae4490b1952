// Package runtime implements the agent runtime core: sandbox policy
// derivation, the lifecycle state machine, resource quota enforcement,
// and health monitoring.
package runtime

import (
	"fmt"

	"github.com/itsneelabh/agentmesh/core"
)

// SandboxManager derives sandbox configurations from trust levels.
// Derivation is a pure policy-table lookup; the manager only adds
// runtime-class availability checks and validation.
type SandboxManager struct {
	config core.SandboxConfig
	logger core.Logger
}

// NewSandboxManager creates a sandbox manager.
func NewSandboxManager(config core.SandboxConfig, logger core.Logger) *SandboxManager {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("runtime/sandbox")
	}
	return &SandboxManager{config: config, logger: logger}
}

// policy is one row of the trust-level table.
type policy struct {
	runtimeClass core.RuntimeClass
	network      core.NetworkPolicy
	readOnlyRoot bool
}

var trustPolicies = map[core.TrustLevel]policy{
	core.TrustTrusted:      {core.RuntimeRunc, core.NetworkAllowEgress, false},
	core.TrustStandard:     {core.RuntimeGvisor, core.NetworkRestricted, true},
	core.TrustUntrusted:    {core.RuntimeKata, core.NetworkIsolated, true},
	core.TrustConfidential: {core.RuntimeKataCC, core.NetworkIsolated, true},
}

// Derive builds the sandbox configuration for an agent config. Unknown
// trust levels fall back to the Untrusted row. If the selected runtime
// class is not available on this host, the configured default is used
// and a warning logged.
func (m *SandboxManager) Derive(config core.AgentConfig) core.SandboxConfiguration {
	pol, ok := trustPolicies[config.TrustLevel]
	if !ok {
		m.logger.Warn("Unknown trust level, treating as untrusted", map[string]interface{}{
			"agent_id":    config.AgentID,
			"trust_level": string(config.TrustLevel),
		})
		pol = trustPolicies[core.TrustUntrusted]
	}

	runtimeClass := pol.runtimeClass
	if !m.runtimeAvailable(runtimeClass) {
		m.logger.Warn("Runtime class unavailable, falling back to default", map[string]interface{}{
			"agent_id":  config.AgentID,
			"requested": string(runtimeClass),
			"default":   m.config.DefaultRuntimeClass,
		})
		runtimeClass = core.RuntimeClass(m.config.DefaultRuntimeClass)
	}

	limits := config.ResourceLimits
	if limits.CPU == "" {
		limits.CPU = m.config.DefaultCPU
	}
	if limits.Memory == "" {
		limits.Memory = m.config.DefaultMemory
	}
	if limits.TokensPerHour == 0 {
		limits.TokensPerHour = m.config.DefaultTokensPerHour
	}

	sandbox := core.SandboxConfiguration{
		RuntimeClass: runtimeClass,
		TrustLevel:   config.TrustLevel,
		SecurityContext: core.SecurityContext{
			RunAsNonRoot:        true,
			ReadOnlyRoot:        pol.readOnlyRoot,
			DroppedCapabilities: []string{"ALL"},
			SeccompProfile:      "runtime/default",
			PrivilegeEscalation: false,
		},
		NetworkPolicy:  pol.network,
		ResourceLimits: limits,
	}
	if pol.network == core.NetworkRestricted {
		sandbox.EgressAllowlist = append([]string(nil), m.config.EgressAllowlist...)
	}
	return sandbox
}

// Validate rejects sandbox configurations that violate hard limits:
// CPU in (0, 32] cores, memory in (0, 64Gi], tokens >= 0, and no
// privilege escalation ever.
func (m *SandboxManager) Validate(sandbox core.SandboxConfiguration) error {
	cpu, err := core.ParseCPU(sandbox.ResourceLimits.CPU)
	if err != nil {
		return err
	}
	if cpu <= 0 || cpu > 32 {
		return fmt.Errorf("cpu limit %v cores out of range (0, 32]: %w", cpu, core.ErrQuotaInvalid)
	}

	memMB, err := core.ParseMemory(sandbox.ResourceLimits.Memory)
	if err != nil {
		return err
	}
	if memMB <= 0 || memMB > 64*1024 {
		return fmt.Errorf("memory limit %dMi out of range (0, 64Gi]: %w", memMB, core.ErrQuotaInvalid)
	}

	if sandbox.ResourceLimits.TokensPerHour < 0 {
		return fmt.Errorf("tokens_per_hour must be >= 0: %w", core.ErrQuotaInvalid)
	}

	if sandbox.SecurityContext.PrivilegeEscalation {
		return core.NewError(core.CodePrivilegeEscalation, core.KindSafety,
			"sandbox.Validate", "", core.ErrPrivilegeEscalation)
	}

	if !droppedAll(sandbox.SecurityContext.DroppedCapabilities) {
		m.logger.Warn("Sandbox does not drop all capabilities", map[string]interface{}{
			"trust_level": string(sandbox.TrustLevel),
			"dropped":     sandbox.SecurityContext.DroppedCapabilities,
		})
	}
	return nil
}

func droppedAll(caps []string) bool {
	for _, c := range caps {
		if c == "ALL" {
			return true
		}
	}
	return false
}

func (m *SandboxManager) runtimeAvailable(class core.RuntimeClass) bool {
	for _, r := range m.config.AvailableRuntimes {
		if r == string(class) {
			return true
		}
	}
	return false
}
