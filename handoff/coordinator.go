// Package handoff relays structured artifacts between agent roles in
// sequential chains and parallel specialist fan-outs.
package handoff

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/itsneelabh/agentmesh/core"
)

// ArtifactStatus is the delivery state of one artifact.
type ArtifactStatus string

const (
	ArtifactPending      ArtifactStatus = "pending"
	ArtifactDelivered    ArtifactStatus = "delivered"
	ArtifactAcknowledged ArtifactStatus = "acknowledged"
	ArtifactRejected     ArtifactStatus = "rejected"
)

// Artifact is one structured output of a role, consumed by the next.
// Status transitions are monotonic: pending -> delivered ->
// acknowledged | rejected.
type Artifact struct {
	ID             string         `json:"id"`
	SourceRoleID   string         `json:"source_role_id"`
	TargetRoleID   string         `json:"target_role_id"`
	ArtifactType   string         `json:"artifact_type"`
	Content        core.Value     `json:"content"`
	Status         ArtifactStatus `json:"status"`
	RejectReason   string         `json:"reject_reason,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
}

// RoleExecutor runs one role against its context and returns the role
// result.
type RoleExecutor func(ctx context.Context, roleCtx core.Value) (core.Value, error)

// WorkflowResult is the outcome of a sequential chain.
type WorkflowResult struct {
	Task        string       `json:"task"`
	Completed   []string     `json:"completed_roles"`
	Artifacts   []*Artifact  `json:"artifacts"`
	RoleResults []core.Value `json:"role_results"`
	Stopped     bool         `json:"stopped"`
	StopReason  string       `json:"stop_reason,omitempty"`
}

// ParallelResult is the outcome of a parallel specialist fan-out.
type ParallelResult struct {
	Task        string                `json:"task"`
	RoleResults map[string]core.Value `json:"role_results"`
	RoleErrors  map[string]string     `json:"role_errors,omitempty"`
	Artifacts   []*Artifact           `json:"artifacts"`
	MergeResult core.Value            `json:"merge_result,omitempty"`
}

// Coordinator orchestrates multi-role workflows and tracks handoff
// lifecycles.
type Coordinator struct {
	config core.HandoffConfig
	store  core.CheckpointStore
	logger core.Logger

	mu        sync.RWMutex
	executors map[string]RoleExecutor
	handoffs  map[string][]*Artifact // handoff id -> artifacts

	roleSem *semaphore.Weighted
}

// NewCoordinator creates a handoff coordinator. store may be nil
// (checkpoint-on-handoff becomes a no-op).
func NewCoordinator(config core.HandoffConfig, store core.CheckpointStore, logger core.Logger) *Coordinator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("handoff")
	}
	maxRoles := config.MaxParallelRoles
	if maxRoles <= 0 {
		maxRoles = 5
	}
	return &Coordinator{
		config:    config,
		store:     store,
		logger:    logger,
		executors: make(map[string]RoleExecutor),
		handoffs:  make(map[string][]*Artifact),
		roleSem:   semaphore.NewWeighted(int64(maxRoles)),
	}
}

// RegisterRole installs a role executor.
func (c *Coordinator) RegisterRole(roleID string, executor RoleExecutor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executors[roleID] = executor
}

// OrchestrateWorkflow runs roles sequentially, accumulating artifacts.
// Each role receives a context of {task, artifacts, position,
// previous_role, next_role}. A role result carrying a checkpoint with
// action "STOP" halts the chain.
func (c *Coordinator) OrchestrateWorkflow(ctx context.Context, task string, roleSequence []string, initial core.Value) (*WorkflowResult, error) {
	result := &WorkflowResult{Task: task}
	var artifacts []*Artifact

	for i, roleID := range roleSequence {
		roleCtx := core.Value{
			"task":     task,
			"position": i,
		}
		for k, v := range initial {
			roleCtx[k] = v
		}
		if i > 0 {
			roleCtx["previous_role"] = roleSequence[i-1]
		}
		if i < len(roleSequence)-1 {
			roleCtx["next_role"] = roleSequence[i+1]
		}
		roleCtx["artifacts"] = artifactContents(artifacts)

		roleResult, err := c.executeRole(ctx, roleID, roleCtx)
		if err != nil {
			return result, fmt.Errorf("role %s: %w", roleID, err)
		}
		result.RoleResults = append(result.RoleResults, roleResult)
		result.Completed = append(result.Completed, roleID)

		target := ""
		if i < len(roleSequence)-1 {
			target = roleSequence[i+1]
		}
		extracted := c.extractArtifacts(roleID, target, roleResult)
		artifacts = append(artifacts, extracted...)

		if c.config.CheckpointOnHandoff && c.store != nil {
			if _, cerr := c.store.CreateCheckpoint(ctx, "handoff:"+task, task, roleID,
				core.Value{"completed_roles": result.Completed, "artifacts": artifactContents(artifacts)},
				nil); cerr != nil {
				c.logger.Warn("Handoff checkpoint failed", map[string]interface{}{
					"task":  task,
					"role":  roleID,
					"error": cerr.Error(),
				})
			}
		}

		if stop, reason := checkpointStop(roleResult); stop {
			result.Stopped = true
			result.StopReason = reason
			break
		}
	}

	result.Artifacts = artifacts
	return result, nil
}

// OrchestrateParallel runs the listed roles concurrently, bounded by
// the coordinator's semaphore, then optionally merges through a merge
// role when all branches succeeded.
func (c *Coordinator) OrchestrateParallel(ctx context.Context, task string, parallelRoles []string, mergeRole string, initial core.Value) (*ParallelResult, error) {
	result := &ParallelResult{
		Task:        task,
		RoleResults: make(map[string]core.Value),
		RoleErrors:  make(map[string]string),
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, roleID := range parallelRoles {
		wg.Add(1)
		go func(roleID string) {
			defer wg.Done()
			if err := c.roleSem.Acquire(ctx, 1); err != nil {
				mu.Lock()
				result.RoleErrors[roleID] = err.Error()
				mu.Unlock()
				return
			}
			defer c.roleSem.Release(1)

			roleCtx := core.Value{"task": task, "parallel": true}
			for k, v := range initial {
				roleCtx[k] = v
			}
			roleResult, err := c.executeRole(ctx, roleID, roleCtx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.RoleErrors[roleID] = err.Error()
				return
			}
			result.RoleResults[roleID] = roleResult
			result.Artifacts = append(result.Artifacts, c.extractArtifacts(roleID, mergeRole, roleResult)...)
		}(roleID)
	}
	wg.Wait()

	if mergeRole != "" && len(result.RoleErrors) == 0 {
		mergeCtx := core.Value{
			"task":             task,
			"parallel_results": result.RoleResults,
			"artifacts":        artifactContents(result.Artifacts),
		}
		merged, err := c.executeRole(ctx, mergeRole, mergeCtx)
		if err != nil {
			return result, fmt.Errorf("merge role %s: %w", mergeRole, err)
		}
		result.MergeResult = merged
	}
	return result, nil
}

// executeRole runs one role with the configured timeout and retry
// budget. A missing executor yields a synthetic simulated result so
// chains stay runnable before every role is wired.
func (c *Coordinator) executeRole(ctx context.Context, roleID string, roleCtx core.Value) (core.Value, error) {
	c.mu.RLock()
	executor, ok := c.executors[roleID]
	c.mu.RUnlock()
	if !ok {
		c.logger.Debug("No executor for role, simulating", map[string]interface{}{"role": roleID})
		return core.Value{"role_id": roleID, "simulated": true, "status": "completed"}, nil
	}

	timeout := time.Duration(c.config.RoleTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		out, err := executor(attemptCtx, roleCtx)
		cancel()
		if err == nil {
			return out, nil
		}
		lastErr = err
		c.logger.Warn("Role attempt failed", map[string]interface{}{
			"role":    roleID,
			"attempt": attempt + 1,
			"error":   err.Error(),
		})
	}
	return nil, fmt.Errorf("%w: %v", core.ErrMaxRetriesExceeded, lastErr)
}

// extractArtifacts scans a role result for artifact payloads under the
// keys artifacts, handoff_artifacts, or output.artifacts, and coerces
// them into delivered Artifact records.
func (c *Coordinator) extractArtifacts(sourceRole, targetRole string, roleResult core.Value) []*Artifact {
	var raw []interface{}
	for _, key := range []string{"artifacts", "handoff_artifacts"} {
		if list, ok := roleResult[key].([]interface{}); ok {
			raw = append(raw, list...)
		}
	}
	if output, ok := roleResult["output"].(map[string]interface{}); ok {
		if list, ok := output["artifacts"].([]interface{}); ok {
			raw = append(raw, list...)
		}
	}

	now := time.Now()
	out := make([]*Artifact, 0, len(raw))
	for _, item := range raw {
		content, ok := item.(map[string]interface{})
		if !ok {
			content = core.Value{"value": item}
		}
		artifactType := "generic"
		if t, ok := content["artifact_type"].(string); ok {
			artifactType = t
		}
		delivered := now
		out = append(out, &Artifact{
			ID:           uuid.NewString(),
			SourceRoleID: sourceRole,
			TargetRoleID: targetRole,
			ArtifactType: artifactType,
			Content:      content,
			Status:       ArtifactDelivered,
			CreatedAt:    now,
			DeliveredAt:  &delivered,
		})
	}
	return out
}

// CreateHandoff stores artifacts under a fresh handoff id and returns
// it.
func (c *Coordinator) CreateHandoff(sourceRole, targetRole string, contents []core.Value) string {
	now := time.Now()
	handoffID := uuid.NewString()
	artifacts := make([]*Artifact, 0, len(contents))
	for _, content := range contents {
		artifacts = append(artifacts, &Artifact{
			ID:           uuid.NewString(),
			SourceRoleID: sourceRole,
			TargetRoleID: targetRole,
			ArtifactType: "generic",
			Content:      content,
			Status:       ArtifactPending,
			CreatedAt:    now,
		})
	}
	c.mu.Lock()
	c.handoffs[handoffID] = artifacts
	c.mu.Unlock()
	return handoffID
}

// AcknowledgeHandoff marks every artifact of a handoff acknowledged.
func (c *Coordinator) AcknowledgeHandoff(handoffID string) error {
	return c.transition(handoffID, ArtifactAcknowledged, "")
}

// RejectHandoff marks every artifact of a handoff rejected with a
// reason.
func (c *Coordinator) RejectHandoff(handoffID, reason string) error {
	return c.transition(handoffID, ArtifactRejected, reason)
}

func (c *Coordinator) transition(handoffID string, status ArtifactStatus, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	artifacts, ok := c.handoffs[handoffID]
	if !ok {
		return fmt.Errorf("handoff %s: %w", handoffID, core.ErrAgentNotFound)
	}
	now := time.Now()
	for _, a := range artifacts {
		if a.Status == ArtifactAcknowledged || a.Status == ArtifactRejected {
			continue
		}
		a.Status = status
		a.RejectReason = reason
		if status == ArtifactAcknowledged {
			a.AcknowledgedAt = &now
		}
	}
	return nil
}

// PendingHandoffs returns the artifacts queued for a target role.
func (c *Coordinator) PendingHandoffs(targetRole string) []*Artifact {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Artifact
	for _, artifacts := range c.handoffs {
		for _, a := range artifacts {
			if a.TargetRoleID == targetRole && (a.Status == ArtifactPending || a.Status == ArtifactDelivered) {
				out = append(out, a)
			}
		}
	}
	return out
}

func artifactContents(artifacts []*Artifact) []interface{} {
	out := make([]interface{}, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, map[string]interface{}(a.Content))
	}
	return out
}

// checkpointStop inspects a role result for {"checkpoint": {"action":
// "STOP", ...}}.
func checkpointStop(roleResult core.Value) (bool, string) {
	ckpt, ok := roleResult["checkpoint"].(map[string]interface{})
	if !ok {
		return false, ""
	}
	if action, _ := ckpt["action"].(string); action == "STOP" {
		reason, _ := ckpt["reason"].(string)
		return true, reason
	}
	return false, ""
}
