// Package core defines the shared data model, collaborator interfaces,
// typed errors, logging, and configuration for the agentmesh runtime.
//
// The runtime manages sandboxed agent processes through their full
// lifecycle (spawn, run, suspend, resume, terminate) and coordinates
// multi-step workflows across sibling services. Everything the runtime
// and integration packages exchange flows through the types in this
// package, so it has no dependencies on the rest of the module.
package core

import (
	"time"
)

// AgentState is the lifecycle state of an agent instance.
// Transitions form a strict DAG; Terminated and Failed are absorbing.
type AgentState string

const (
	StatePending    AgentState = "pending"
	StateRunning    AgentState = "running"
	StateSuspended  AgentState = "suspended"
	StateTerminated AgentState = "terminated"
	StateFailed     AgentState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s AgentState) Terminal() bool {
	return s == StateTerminated || s == StateFailed
}

// TrustLevel classifies how strictly an agent must be sandboxed.
type TrustLevel string

const (
	TrustTrusted      TrustLevel = "trusted"
	TrustStandard     TrustLevel = "standard"
	TrustUntrusted    TrustLevel = "untrusted"
	TrustConfidential TrustLevel = "confidential"
)

// NetworkPolicy controls what network access a sandbox gets.
type NetworkPolicy string

const (
	NetworkIsolated    NetworkPolicy = "isolated"
	NetworkRestricted  NetworkPolicy = "restricted"
	NetworkAllowEgress NetworkPolicy = "allow_egress"
)

// RuntimeClass names the container runtime used for isolation.
type RuntimeClass string

const (
	RuntimeRunc   RuntimeClass = "runc"
	RuntimeGvisor RuntimeClass = "gvisor"
	RuntimeKata   RuntimeClass = "kata"
	RuntimeKataCC RuntimeClass = "kata-cc"
)

// ContainerState mirrors the provider-side container status.
type ContainerState string

const (
	ContainerCreated ContainerState = "created"
	ContainerRunning ContainerState = "running"
	ContainerPaused  ContainerState = "paused"
	ContainerStopped ContainerState = "stopped"
	ContainerUnknown ContainerState = "unknown"
)

// ResourceLimits are the quota ceilings granted to an agent.
// CPU and Memory use the string forms accepted by ParseCPU/ParseMemory
// ("500m", "2", "512Mi", "1Gi").
type ResourceLimits struct {
	CPU           string `json:"cpu" yaml:"cpu"`
	Memory        string `json:"memory" yaml:"memory"`
	TokensPerHour int64  `json:"tokens_per_hour" yaml:"tokens_per_hour"`
}

// AgentConfig is the immutable spawn-time configuration of an agent.
type AgentConfig struct {
	AgentID        string            `json:"agent_id"`
	TrustLevel     TrustLevel        `json:"trust_level"`
	ResourceLimits ResourceLimits    `json:"resource_limits"`
	Tools          []string          `json:"tools,omitempty"`
	Environment    map[string]string `json:"environment,omitempty"`
	InitialContext string            `json:"initial_context,omitempty"`
	Image          string            `json:"image,omitempty"`
	Command        []string          `json:"command,omitempty"`
}

// SecurityContext is the per-container hardening applied by the sandbox.
type SecurityContext struct {
	RunAsNonRoot        bool     `json:"run_as_non_root"`
	ReadOnlyRoot        bool     `json:"read_only_root"`
	DroppedCapabilities []string `json:"dropped_capabilities"`
	SeccompProfile      string   `json:"seccomp_profile"`
	PrivilegeEscalation bool     `json:"privilege_escalation"`
}

// SandboxConfiguration is the isolation envelope derived from a trust
// level. Derivation is deterministic; see runtime.SandboxManager.
type SandboxConfiguration struct {
	RuntimeClass    RuntimeClass    `json:"runtime_class"`
	TrustLevel      TrustLevel      `json:"trust_level"`
	SecurityContext SecurityContext `json:"security_context"`
	NetworkPolicy   NetworkPolicy   `json:"network_policy"`
	// EgressAllowlist lists host:port pairs reachable under a
	// Restricted network policy. Enforced at the provider level.
	EgressAllowlist []string       `json:"egress_allowlist,omitempty"`
	ResourceLimits  ResourceLimits `json:"resource_limits"`
}

// ResourceUsage is the observed consumption of a single agent.
// CPUSeconds and TokensConsumed are monotonic within a quota window;
// MemoryPeakMB is a high-water mark that only resets with the window.
type ResourceUsage struct {
	CPUSeconds     float64   `json:"cpu_seconds"`
	MemoryMB       int64     `json:"memory_mb"`
	MemoryPeakMB   int64     `json:"memory_peak_mb"`
	TokensConsumed int64     `json:"tokens_consumed"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AgentInstance is the runtime record of one spawned agent. Mutation is
// owned exclusively by the lifecycle manager; everyone else receives
// copies.
type AgentInstance struct {
	AgentID         string               `json:"agent_id"`
	SessionID       string               `json:"session_id"`
	State           AgentState           `json:"state"`
	Config          AgentConfig          `json:"config"`
	Sandbox         SandboxConfiguration `json:"sandbox"`
	Usage           ResourceUsage        `json:"resource_usage"`
	ContainerHandle string               `json:"container_handle,omitempty"`
	RestartCount    int                  `json:"restart_count"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
	TerminatedAt    *time.Time           `json:"terminated_at,omitempty"`
}

// SpawnResult is returned by a successful spawn.
type SpawnResult struct {
	AgentID     string       `json:"agent_id"`
	SessionID   string       `json:"session_id"`
	State       AgentState   `json:"state"`
	SandboxType RuntimeClass `json:"sandbox_type"`
	ContainerID string       `json:"container_id,omitempty"`
	PodName     string       `json:"pod_name,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// CheckpointSnapshot is a restored checkpoint: the persisted state plus
// the opaque context blob, decompressed.
type CheckpointSnapshot struct {
	CheckpointID string                 `json:"checkpoint_id"`
	AgentID      string                 `json:"agent_id"`
	SessionID    string                 `json:"session_id"`
	State        string                 `json:"state"`
	Context      map[string]interface{} `json:"context"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	SizeBytes    int64                  `json:"size_bytes"`
	Compressed   bool                   `json:"compressed"`
}

// StateChangeEvent is the outbound notification emitted on every agent
// state transition. Delivery is fire-and-forget.
type StateChangeEvent struct {
	EventType   string                 `json:"event_type"`
	Layer       string                 `json:"layer"`
	AggregateID string                 `json:"aggregate_id"`
	Payload     map[string]interface{} `json:"payload"`
}

// Value is the structured value tree used at trust boundaries where the
// shape of a payload is not known statically (workflow state, saga
// context, tool arguments). Inside the module prefer named struct
// fields.
type Value = map[string]interface{}
