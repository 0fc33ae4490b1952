// Package executor runs single agent turns: prompt assembly, inference
// through the injected client, and bounded concurrent tool invocation.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/itsneelabh/agentmesh/core"
)

// ToolHandler executes one tool invocation.
type ToolHandler func(ctx context.Context, args core.Value) (core.Value, error)

// ToolInvocation is one requested tool call.
type ToolInvocation struct {
	ToolName  string     `json:"tool_name"`
	Arguments core.Value `json:"arguments"`
	TimeoutMS int        `json:"timeout_ms,omitempty"`
}

// ToolResult is the outcome of one tool call.
type ToolResult struct {
	ToolName        string     `json:"tool_name"`
	Success         bool       `json:"success"`
	Output          core.Value `json:"output,omitempty"`
	Error           string     `json:"error,omitempty"`
	Attempts        int        `json:"attempts"`
	ExecutionTimeMS int64      `json:"execution_time_ms"`
}

// ExecuteRequest is one agent turn.
type ExecuteRequest struct {
	Content      string     `json:"content"`
	SystemPrompt string     `json:"system_prompt,omitempty"`
	Temperature  float64    `json:"temperature"`
	MaxTokens    int        `json:"max_tokens,omitempty"`
	Metadata     core.Value `json:"metadata,omitempty"`
}

// ExecuteResult is the response of one agent turn.
type ExecuteResult struct {
	AgentID    string          `json:"agent_id"`
	SessionID  string          `json:"session_id"`
	RequestID  string          `json:"request_id,omitempty"`
	ModelID    string          `json:"model_id,omitempty"`
	Provider   string          `json:"provider,omitempty"`
	Response   string          `json:"response"`
	ToolCalls  []core.ToolCall `json:"tool_calls"`
	TokenUsage core.TokenUsage `json:"token_usage"`
	LatencyMS  int64           `json:"latency_ms,omitempty"`
	Cached     bool            `json:"cached"`
}

// executionContext is the per-agent conversation state.
type executionContext struct {
	agentID       string
	sessionID     string
	messages      []core.Message
	tools         []string
	windowTokens  int
	currentTokens int
	metadata      core.Value
}

// AgentExecutor executes agent turns and tool invocations. Tool
// parallelism is capped per executor with a weighted semaphore; each
// call gets a per-attempt timeout and exponential-backoff retries.
type AgentExecutor struct {
	config    core.ExecutorConfig
	inference core.InferenceClient // nil -> deterministic stub responses
	logger    core.Logger

	mu       sync.RWMutex
	contexts map[string]*executionContext
	handlers map[string]ToolHandler

	toolSem *semaphore.Weighted
}

// NewAgentExecutor creates an executor. inference may be nil, in which
// case Execute returns deterministic stub content (useful for tests and
// for environments without a gateway).
func NewAgentExecutor(config core.ExecutorConfig, inference core.InferenceClient, logger core.Logger) *AgentExecutor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("executor")
	}
	maxTools := config.MaxConcurrentTools
	if maxTools <= 0 {
		maxTools = 5
	}
	return &AgentExecutor{
		config:    config,
		inference: inference,
		logger:    logger,
		contexts:  make(map[string]*executionContext),
		handlers:  make(map[string]ToolHandler),
		toolSem:   semaphore.NewWeighted(int64(maxTools)),
	}
}

// RegisterTool installs a tool handler.
func (e *AgentExecutor) RegisterTool(name string, handler ToolHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = handler
}

// CreateContext initializes the conversation state for an agent.
func (e *AgentExecutor) CreateContext(agentID, sessionID string, tools []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.contexts[agentID]; ok {
		return
	}
	window := e.config.ContextWindowTokens
	if window <= 0 {
		window = 128000
	}
	e.contexts[agentID] = &executionContext{
		agentID:      agentID,
		sessionID:    sessionID,
		tools:        tools,
		windowTokens: window,
		metadata:     core.Value{},
	}
}

// DropContext discards the conversation state for a terminated agent.
func (e *AgentExecutor) DropContext(agentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.contexts, agentID)
}

// ContextTokens reports the running token counter of an agent.
func (e *AgentExecutor) ContextTokens(agentID string) (int, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ec, ok := e.contexts[agentID]
	if !ok {
		return 0, false
	}
	return ec.currentTokens, true
}

// Execute runs one turn. Overflowed contexts are rejected before any
// inference call is made.
func (e *AgentExecutor) Execute(ctx context.Context, agentID string, req ExecuteRequest) (*ExecuteResult, error) {
	const op = "executor.Execute"

	e.mu.Lock()
	ec, ok := e.contexts[agentID]
	if !ok {
		e.mu.Unlock()
		return nil, core.NewError(core.CodeAgentNotFound, core.KindNotFound, op, agentID, core.ErrAgentNotFound)
	}
	if ec.currentTokens >= ec.windowTokens {
		tokens, window := ec.currentTokens, ec.windowTokens
		e.mu.Unlock()
		return nil, core.NewError(core.CodeContextWindow, core.KindInvalid, op, agentID,
			fmt.Errorf("%w: %d >= %d", core.ErrContextWindowExceeded, tokens, window))
	}
	ec.messages = append(ec.messages, core.Message{Role: "user", Content: req.Content})
	messages := append([]core.Message(nil), ec.messages...)
	sessionID := ec.sessionID
	e.mu.Unlock()

	start := time.Now()
	var resp *core.InferenceResponse
	var err error
	if e.inference != nil {
		resp, err = e.inference.Generate(ctx, core.InferenceRequest{
			Messages:     messages,
			SystemPrompt: req.SystemPrompt,
			Temperature:  req.Temperature,
			MaxTokens:    req.MaxTokens,
			Metadata:     req.Metadata,
		})
		if err != nil {
			return nil, core.NewError(core.CodeGatewayConnect, core.KindUnavailable, op, agentID,
				fmt.Errorf("%w: %v", core.ErrUpstreamUnavailable, err))
		}
	} else {
		resp = e.stubResponse(req)
	}
	latency := time.Since(start).Milliseconds()

	e.mu.Lock()
	if ec, ok := e.contexts[agentID]; ok {
		ec.messages = append(ec.messages, core.Message{Role: "assistant", Content: resp.Content})
		ec.currentTokens += resp.TokenUsage.TotalTokens
	}
	e.mu.Unlock()

	result := &ExecuteResult{
		AgentID:    agentID,
		SessionID:  sessionID,
		RequestID:  resp.RequestID,
		ModelID:    resp.ModelID,
		Provider:   resp.Provider,
		Response:   resp.Content,
		ToolCalls:  resp.ToolCalls,
		TokenUsage: resp.TokenUsage,
		LatencyMS:  latency,
		Cached:     resp.Cached,
	}
	if result.ToolCalls == nil {
		result.ToolCalls = []core.ToolCall{}
	}
	return result, nil
}

// stubResponse builds the deterministic no-client response. Token usage
// approximates four characters per token so context accounting still
// advances under test.
func (e *AgentExecutor) stubResponse(req ExecuteRequest) *core.InferenceResponse {
	prompt := len(req.Content) / 4
	content := fmt.Sprintf("[stub] processed: %s", truncate(req.Content, 80))
	return &core.InferenceResponse{
		RequestID: uuid.NewString(),
		ModelID:   "stub",
		Provider:  "stub",
		Content:   content,
		TokenUsage: core.TokenUsage{
			PromptTokens:     prompt,
			CompletionTokens: len(content) / 4,
			TotalTokens:      prompt + len(content)/4,
		},
	}
}

// InvokeTool runs one tool call with retry and concurrency bounds.
// Failures never surface as errors; they are folded into the returned
// ToolResult so parallel fan-outs can report partial success.
func (e *AgentExecutor) InvokeTool(ctx context.Context, agentID string, inv ToolInvocation) ToolResult {
	start := time.Now()

	e.mu.RLock()
	handler, ok := e.handlers[inv.ToolName]
	e.mu.RUnlock()
	if !ok {
		return ToolResult{
			ToolName: inv.ToolName,
			Success:  false,
			Error:    core.ErrToolNotFound.Error(),
		}
	}

	if err := e.toolSem.Acquire(ctx, 1); err != nil {
		return ToolResult{
			ToolName: inv.ToolName,
			Success:  false,
			Error:    err.Error(),
		}
	}
	defer e.toolSem.Release(1)

	timeout := time.Duration(inv.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Duration(e.config.ToolTimeoutSeconds) * time.Second
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	maxAttempts := 1
	if e.config.RetryOnToolFailure {
		maxAttempts = e.config.MaxToolRetries + 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 2^attempt seconds between tries.
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ToolResult{
					ToolName:        inv.ToolName,
					Success:         false,
					Error:           ctx.Err().Error(),
					Attempts:        attempt,
					ExecutionTimeMS: time.Since(start).Milliseconds(),
				}
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		output, err := handler(attemptCtx, inv.Arguments)
		cancel()
		if err == nil {
			return ToolResult{
				ToolName:        inv.ToolName,
				Success:         true,
				Output:          output,
				Attempts:        attempt + 1,
				ExecutionTimeMS: time.Since(start).Milliseconds(),
			}
		}
		lastErr = err
		e.logger.Debug("Tool attempt failed", map[string]interface{}{
			"agent_id": agentID,
			"tool":     inv.ToolName,
			"attempt":  attempt + 1,
			"error":    err.Error(),
		})
	}

	errMsg := core.ErrMaxRetriesExceeded.Error()
	if lastErr != nil {
		errMsg = lastErr.Error()
	}
	return ToolResult{
		ToolName:        inv.ToolName,
		Success:         false,
		Error:           errMsg,
		Attempts:        maxAttempts,
		ExecutionTimeMS: time.Since(start).Milliseconds(),
	}
}

// InvokeToolsParallel fans out invocations and collects results in
// input order. Per-call failures become failed ToolResults.
func (e *AgentExecutor) InvokeToolsParallel(ctx context.Context, agentID string, invocations []ToolInvocation) []ToolResult {
	results := make([]ToolResult, len(invocations))
	var wg sync.WaitGroup
	for i, inv := range invocations {
		wg.Add(1)
		go func(i int, inv ToolInvocation) {
			defer wg.Done()
			results[i] = e.InvokeTool(ctx, agentID, inv)
		}(i, inv)
	}
	wg.Wait()
	return results
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
