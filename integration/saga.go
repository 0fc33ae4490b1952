package integration

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itsneelabh/agentmesh/core"
)

// SagaStatus is the lifecycle of one saga execution.
type SagaStatus string

const (
	SagaPending      SagaStatus = "pending"
	SagaRunning      SagaStatus = "running"
	SagaCompensating SagaStatus = "compensating"
	SagaCompleted    SagaStatus = "completed"
	SagaFailed       SagaStatus = "failed"
	SagaTimeout      SagaStatus = "timeout"
)

// StepStatus is the lifecycle of one saga step.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepRunning     StepStatus = "running"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
	StepSkipped     StepStatus = "skipped"
	StepCompensated StepStatus = "compensated"
)

// StepAction runs a step forward or compensates it, receiving the
// current saga context and returning the values to merge on success.
type StepAction func(ctx context.Context, sagaCtx core.Value) (core.Value, error)

// SagaStep is one step of a definition. The forward action is either a
// callable or a (service, endpoint) pair POSTed through the request
// orchestrator.
type SagaStep struct {
	Name           string
	Action         StepAction
	ServiceName    string
	Endpoint       string
	Compensation   StepAction
	TimeoutSeconds float64
	RetryOnFailure bool
	MaxRetries     int
	Required       bool
}

// SagaDefinition is an ordered list of steps with an overall timeout.
type SagaDefinition struct {
	SagaName       string
	Steps          []SagaStep
	TimeoutSeconds float64
	AutoCompensate bool
}

// Validate rejects unrunnable definitions.
func (d *SagaDefinition) Validate() error {
	if d.SagaName == "" {
		return core.NewError(core.CodeSagaInvalid, core.KindInvalid, "saga.Validate", "",
			fmt.Errorf("%w: saga_name required", core.ErrSagaInvalid))
	}
	if len(d.Steps) == 0 {
		return core.NewError(core.CodeSagaInvalid, core.KindInvalid, "saga.Validate", d.SagaName,
			fmt.Errorf("%w: no steps", core.ErrSagaInvalid))
	}
	for i, step := range d.Steps {
		if step.Name == "" {
			return core.NewError(core.CodeSagaInvalid, core.KindInvalid, "saga.Validate", d.SagaName,
				fmt.Errorf("%w: step %d unnamed", core.ErrSagaInvalid, i))
		}
		if step.Action == nil && (step.ServiceName == "" || step.Endpoint == "") {
			return core.NewError(core.CodeSagaInvalid, core.KindInvalid, "saga.Validate", d.SagaName,
				fmt.Errorf("%w: step %q has no action", core.ErrSagaInvalid, step.Name))
		}
	}
	return nil
}

// StepRecord is the per-step trace of one execution.
type StepRecord struct {
	Name        string     `json:"name"`
	Status      StepStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// SagaExecution is the tracked state of one run.
type SagaExecution struct {
	ExecutionID      string       `json:"execution_id"`
	SagaName         string       `json:"saga_name"`
	Status           SagaStatus   `json:"status"`
	CurrentStepIndex int          `json:"current_step_index"`
	Steps            []StepRecord `json:"steps"`
	Context          core.Value   `json:"context"`
	TraceID          string       `json:"trace_id,omitempty"`
	CorrelationID    string       `json:"correlation_id,omitempty"`
	StartedAt        time.Time    `json:"started_at"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
	Error            string       `json:"error,omitempty"`

	definition SagaDefinition
}

// backoffBase and backoffMax bound the retry delay between step
// attempts.
const (
	backoffBase = time.Second
	backoffMax  = time.Minute
)

// calculateBackoff returns base * 2^(attempt-1), capped, with +/- 25%
// jitter and a 100 ms floor.
func calculateBackoff(attempt int) time.Duration {
	delay := backoffBase * time.Duration(1<<uint(attempt-1))
	if delay > backoffMax {
		delay = backoffMax
	}
	jitter := time.Duration((rand.Float64()*0.5 - 0.25) * float64(delay))
	delay += jitter
	if delay < 100*time.Millisecond {
		delay = 100 * time.Millisecond
	}
	return delay
}

// SagaOrchestrator executes saga definitions with per-step retry and
// reverse-order compensation on failure.
type SagaOrchestrator struct {
	orchestrator *RequestOrchestrator
	logger       core.Logger

	mu         sync.RWMutex
	executions map[string]*SagaExecution
}

// NewSagaOrchestrator creates the orchestrator. The request
// orchestrator may be nil when every step uses callables.
func NewSagaOrchestrator(orchestrator *RequestOrchestrator, logger core.Logger) *SagaOrchestrator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("integration/saga")
	}
	return &SagaOrchestrator{
		orchestrator: orchestrator,
		logger:       logger,
		executions:   make(map[string]*SagaExecution),
	}
}

// ExecuteSaga runs a definition to completion, compensating completed
// steps in reverse order when a required step fails and auto-compensate
// is on. The returned execution reflects the final status even when an
// error is also returned.
func (s *SagaOrchestrator) ExecuteSaga(ctx context.Context, saga SagaDefinition, initial core.Value, rc *RequestContext) (*SagaExecution, error) {
	const op = "saga.Execute"

	if err := saga.Validate(); err != nil {
		return nil, err
	}
	if rc == nil {
		rc = NewRequestContext()
	}
	ctx = WithRequestContext(ctx, rc)

	exec := &SagaExecution{
		ExecutionID:   uuid.NewString(),
		SagaName:      saga.SagaName,
		Status:        SagaRunning,
		Steps:         make([]StepRecord, len(saga.Steps)),
		Context:       core.Value{},
		TraceID:       rc.TraceID,
		CorrelationID: rc.CorrelationID,
		StartedAt:     time.Now(),
		definition:    saga,
	}
	for i, step := range saga.Steps {
		exec.Steps[i] = StepRecord{Name: step.Name, Status: StepPending}
	}
	for k, v := range initial {
		exec.Context[k] = v
	}

	s.mu.Lock()
	s.executions[exec.ExecutionID] = exec
	s.mu.Unlock()

	s.logger.InfoWithContext(ctx, "Saga starting", map[string]interface{}{
		"saga":         saga.SagaName,
		"execution_id": exec.ExecutionID,
		"steps":        len(saga.Steps),
	})

	deadline := time.Time{}
	if saga.TimeoutSeconds > 0 {
		deadline = exec.StartedAt.Add(time.Duration(saga.TimeoutSeconds * float64(time.Second)))
	}

	for i := range saga.Steps {
		step := &saga.Steps[i]

		if !deadline.IsZero() && time.Now().After(deadline) {
			s.finish(exec, SagaTimeout, fmt.Sprintf("saga timed out before step %q", step.Name))
			if saga.AutoCompensate {
				s.compensate(ctx, exec)
			}
			return exec, core.NewError(core.CodeSagaTimeout, core.KindTimeout, op, exec.ExecutionID,
				fmt.Errorf("%w: %s", core.ErrSagaTimeout, saga.SagaName))
		}

		s.setStep(exec, i, StepRunning, "")
		exec.CurrentStepIndex = i

		output, err := s.runStep(ctx, exec, step, i)
		if err == nil {
			s.mu.Lock()
			for k, v := range output {
				exec.Context[k] = v
			}
			s.mu.Unlock()
			s.setStep(exec, i, StepCompleted, "")
			continue
		}

		if !step.Required {
			s.setStep(exec, i, StepSkipped, err.Error())
			s.logger.WarnWithContext(ctx, "Optional step failed, skipping", map[string]interface{}{
				"saga":  saga.SagaName,
				"step":  step.Name,
				"error": err.Error(),
			})
			continue
		}

		s.setStep(exec, i, StepFailed, err.Error())
		s.finish(exec, SagaFailed, fmt.Sprintf("step %q failed: %v", step.Name, err))
		if saga.AutoCompensate {
			s.compensate(ctx, exec)
		}
		return exec, core.NewError(core.CodeStepFailed, core.KindTransient, op, exec.ExecutionID,
			fmt.Errorf("%w: %s: %v", core.ErrStepFailed, step.Name, err))
	}

	exec.CurrentStepIndex = len(saga.Steps)
	s.finish(exec, SagaCompleted, "")
	return exec, nil
}

// runStep executes one step's retry loop. Every attempt respects the
// per-step timeout; failed attempts back off exponentially with jitter.
func (s *SagaOrchestrator) runStep(ctx context.Context, exec *SagaExecution, step *SagaStep, index int) (core.Value, error) {
	maxAttempts := 1
	if step.RetryOnFailure {
		maxAttempts = step.MaxRetries + 1
		if maxAttempts < 1 {
			maxAttempts = 1
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(calculateBackoff(attempt - 1)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		s.mu.Lock()
		exec.Steps[index].Attempts = attempt
		if exec.Steps[index].StartedAt == nil {
			now := time.Now()
			exec.Steps[index].StartedAt = &now
		}
		s.mu.Unlock()

		output, err := s.attemptStep(ctx, exec, step)
		if err == nil {
			return output, nil
		}
		lastErr = err
		s.logger.Warn("Saga step attempt failed", map[string]interface{}{
			"saga":    exec.SagaName,
			"step":    step.Name,
			"attempt": attempt,
			"error":   err.Error(),
		})
	}
	return nil, lastErr
}

func (s *SagaOrchestrator) attemptStep(ctx context.Context, exec *SagaExecution, step *SagaStep) (core.Value, error) {
	if step.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutSeconds*float64(time.Second)))
		defer cancel()
	}

	s.mu.RLock()
	sagaCtx := make(core.Value, len(exec.Context))
	for k, v := range exec.Context {
		sagaCtx[k] = v
	}
	s.mu.RUnlock()

	if step.Action != nil {
		return step.Action(ctx, sagaCtx)
	}

	if s.orchestrator == nil {
		return nil, fmt.Errorf("step %q needs a request orchestrator", step.Name)
	}
	resp, err := s.orchestrator.RouteRequest(ctx, step.ServiceName, "POST", step.Endpoint, sagaCtx, 0)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// compensate walks completed steps in reverse completion order and
// invokes their compensation actions with the current saga context. The
// sweep is best-effort: a failing compensation is recorded but does not
// stop the walk; after it, the first failure is surfaced.
func (s *SagaOrchestrator) compensate(ctx context.Context, exec *SagaExecution) {
	s.mu.Lock()
	prior := exec.Status
	exec.Status = SagaCompensating
	s.mu.Unlock()

	var firstFailure string
	for i := len(exec.definition.Steps) - 1; i >= 0; i-- {
		s.mu.RLock()
		status := exec.Steps[i].Status
		s.mu.RUnlock()
		if status != StepCompleted {
			continue
		}
		step := &exec.definition.Steps[i]
		if step.Compensation == nil {
			continue
		}

		s.mu.RLock()
		sagaCtx := make(core.Value, len(exec.Context))
		for k, v := range exec.Context {
			sagaCtx[k] = v
		}
		s.mu.RUnlock()

		if _, err := step.Compensation(ctx, sagaCtx); err != nil {
			s.logger.Error("Compensation failed", map[string]interface{}{
				"saga":  exec.SagaName,
				"step":  step.Name,
				"error": err.Error(),
			})
			if firstFailure == "" {
				firstFailure = fmt.Sprintf("compensation of %q failed: %v", step.Name, err)
			}
			continue
		}
		s.setStep(exec, i, StepCompensated, "")
	}

	s.mu.Lock()
	// The terminal status of the forward walk (Failed or Timeout)
	// survives the sweep.
	exec.Status = prior
	if firstFailure != "" {
		exec.Error = exec.Error + "; " + firstFailure
	}
	s.mu.Unlock()
}

// RetrySaga re-executes a finished saga as a fresh execution with the
// original definition and initial context.
func (s *SagaOrchestrator) RetrySaga(ctx context.Context, executionID string) (*SagaExecution, error) {
	s.mu.RLock()
	prev, ok := s.executions[executionID]
	s.mu.RUnlock()
	if !ok {
		return nil, core.NewError(core.CodeSagaNotFound, core.KindNotFound, "saga.Retry", executionID,
			core.ErrSagaNotFound)
	}

	initial := make(core.Value, len(prev.Context))
	for k, v := range prev.Context {
		initial[k] = v
	}
	return s.ExecuteSaga(ctx, prev.definition, initial, nil)
}

// GetExecution returns a copy of one execution record.
func (s *SagaOrchestrator) GetExecution(executionID string) (*SagaExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[executionID]
	if !ok {
		return nil, core.NewError(core.CodeSagaNotFound, core.KindNotFound, "saga.GetExecution", executionID,
			core.ErrSagaNotFound)
	}
	clone := *exec
	clone.Steps = append([]StepRecord(nil), exec.Steps...)
	return &clone, nil
}

// ExecutionTrace is the per-step timing view of one execution.
type ExecutionTrace struct {
	ExecutionID string       `json:"execution_id"`
	SagaName    string       `json:"saga_name"`
	Status      SagaStatus   `json:"status"`
	Steps       []StepRecord `json:"steps"`
	Context     core.Value   `json:"context"`
	TraceID     string       `json:"trace_id,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// GetExecutionTrace exposes per-step timings, retry counts, errors, and
// the final context snapshot.
func (s *SagaOrchestrator) GetExecutionTrace(executionID string) (*ExecutionTrace, error) {
	exec, err := s.GetExecution(executionID)
	if err != nil {
		return nil, err
	}
	return &ExecutionTrace{
		ExecutionID: exec.ExecutionID,
		SagaName:    exec.SagaName,
		Status:      exec.Status,
		Steps:       exec.Steps,
		Context:     exec.Context,
		TraceID:     exec.TraceID,
		Error:       exec.Error,
	}, nil
}

func (s *SagaOrchestrator) setStep(exec *SagaExecution, index int, status StepStatus, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec.Steps[index].Status = status
	exec.Steps[index].Error = errMsg
	if status == StepCompleted || status == StepFailed || status == StepSkipped || status == StepCompensated {
		now := time.Now()
		exec.Steps[index].CompletedAt = &now
	}
}

func (s *SagaOrchestrator) finish(exec *SagaExecution, status SagaStatus, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec.Status = status
	exec.Error = errMsg
	now := time.Now()
	exec.CompletedAt = &now
}
