package core

import (
	"context"
	"time"
)

// Logger is the minimal structured logging interface shared by every
// component. Fields are free-form key/value pairs serialized by the
// implementation.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	// Context-aware variants for trace correlation.
	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger lets subsystems tag their log lines with a
// component identifier ("runtime/lifecycle", "integration/saga", ...)
// while sharing one base configuration.
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// SandboxProvider is the container engine boundary. The runtime never
// talks to Docker or Kubernetes directly; it drives this interface.
type SandboxProvider interface {
	// Spawn creates and starts an isolated container for the agent and
	// returns an opaque handle. Env carries AGENT_ID and, when present,
	// INITIAL_CONTEXT.
	Spawn(ctx context.Context, config AgentConfig, sandbox SandboxConfiguration, env map[string]string) (handle string, err error)

	// Stop terminates a container. Graceful stops get gracePeriod to
	// exit; force kills immediately.
	Stop(ctx context.Context, handle string, gracePeriod time.Duration, force bool) error

	// Pause suspends execution and optionally produces a provider-side
	// checkpoint id (may be empty for paused-only suspensions).
	Pause(ctx context.Context, handle string) (checkpointID string, err error)

	// Resume restarts a paused container, optionally restoring from a
	// provider checkpoint.
	Resume(ctx context.Context, handle string, checkpointID string) error

	// State reports the container status for health probing.
	State(ctx context.Context, handle string) (ContainerState, error)
}

// CheckpointStore is the durable tier for agent and workflow snapshots.
// Checkpoints are immutable once created.
type CheckpointStore interface {
	CreateCheckpoint(ctx context.Context, agentID, sessionID, state string, contextData Value, metadata Value) (checkpointID string, err error)
	Restore(ctx context.Context, checkpointID string) (*CheckpointSnapshot, error)
	ListCheckpoints(ctx context.Context, agentID string, limit int) ([]*CheckpointSnapshot, error)
	SaveAgentState(ctx context.Context, agentID, sessionID, state string, contextData Value) error
	LoadAgentState(ctx context.Context, agentID string) (*CheckpointSnapshot, error)
	CleanupOld(ctx context.Context, retention time.Duration) (deleted int64, err error)
}

// HotStateStore is the cache tier for frequently-touched agent state.
// Implementations degrade gracefully: on backend loss, reads return nil
// and writes are dropped with a log line.
type HotStateStore interface {
	SaveHotState(ctx context.Context, agentID string, data Value, ttl time.Duration) error
	LoadHotState(ctx context.Context, agentID string) (Value, error)
	GetKeys(ctx context.Context, pattern string) ([]string, error)
	Delete(ctx context.Context, agentID string) error
}

// EventSink receives agent state-change notifications bound for the
// event-log service. Emission is fire-and-forget; failures are logged
// by the caller, never propagated.
type EventSink interface {
	Emit(ctx context.Context, event StateChangeEvent) error
}

// InferenceClient is the LLM gateway boundary used by the executor.
type InferenceClient interface {
	Generate(ctx context.Context, req InferenceRequest) (*InferenceResponse, error)
	// GenerateStream returns a channel of deltas that the client closes
	// after the terminal chunk.
	GenerateStream(ctx context.Context, req InferenceRequest) (<-chan StreamChunk, error)
}

// InferenceRequest is a single logical prompt.
type InferenceRequest struct {
	Messages     []Message `json:"messages"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Temperature  float64   `json:"temperature"`
	MaxTokens    int       `json:"max_tokens,omitempty"`
	Metadata     Value     `json:"metadata,omitempty"`
}

// Message is one turn in an agent conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// InferenceResponse is a synchronous completion.
type InferenceResponse struct {
	RequestID  string     `json:"request_id,omitempty"`
	ModelID    string     `json:"model_id,omitempty"`
	Provider   string     `json:"provider,omitempty"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	TokenUsage TokenUsage `json:"token_usage"`
	LatencyMS  int64      `json:"latency_ms,omitempty"`
	Cached     bool       `json:"cached"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments Value  `json:"arguments"`
}

// TokenUsage accounts for one inference round trip.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunkType tags streaming deltas.
type StreamChunkType string

const (
	ChunkStart    StreamChunkType = "start"
	ChunkContent  StreamChunkType = "content"
	ChunkToolCall StreamChunkType = "tool_call"
	ChunkEnd      StreamChunkType = "end"
	ChunkError    StreamChunkType = "error"
)

// StreamChunk is one streaming delta. End chunks carry TokensUsed and
// ContentLength; error chunks carry ErrorCode and Message.
type StreamChunk struct {
	Type          StreamChunkType `json:"type"`
	Delta         string          `json:"delta,omitempty"`
	ToolCall      *ToolCall       `json:"tool_call,omitempty"`
	TokensUsed    int             `json:"tokens_used,omitempty"`
	ContentLength int             `json:"content_length,omitempty"`
	ErrorCode     string          `json:"error_code,omitempty"`
	Message       string          `json:"message,omitempty"`
}

// ToolClient is the boundary to an external tool bridge (the
// authoritative-document MCP subprocess). Implementations honor the
// configured error mode; see integration.DocumentBridge.
type ToolClient interface {
	CallTool(ctx context.Context, name string, args Value) (Value, error)
	Available(ctx context.Context) bool
}

// QuotaEnforcementSink receives enforcement signals from the resource
// manager. The lifecycle manager registers itself here at startup so
// quota breaches can suspend or terminate agents without a cyclic
// dependency between the two managers.
type QuotaEnforcementSink interface {
	EnforceQuota(ctx context.Context, agentID string, action EnforcementAction, reason string) error
}

// EnforcementAction is what the resource manager asks the lifecycle
// manager to do about a quota breach.
type EnforcementAction string

const (
	ActionWarn      EnforcementAction = "warn"
	ActionThrottle  EnforcementAction = "throttle"
	ActionSuspend   EnforcementAction = "suspend"
	ActionTerminate EnforcementAction = "terminate"
)

// NoOpLogger discards everything. Useful as a constructor default and
// in tests.
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

func (n *NoOpLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}

// NoOpEventSink drops all state-change events.
type NoOpEventSink struct{}

func (n *NoOpEventSink) Emit(ctx context.Context, event StateChangeEvent) error { return nil }
