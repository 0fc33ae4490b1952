package integration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/agentmesh/core"
)

func TestSagaDefinitionValidation(t *testing.T) {
	s := NewSagaOrchestrator(nil, nil)

	_, err := s.ExecuteSaga(context.Background(), SagaDefinition{}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, core.CodeSagaInvalid, core.CodeOf(err))

	_, err = s.ExecuteSaga(context.Background(), SagaDefinition{SagaName: "empty"}, nil, nil)
	require.Error(t, err)

	_, err = s.ExecuteSaga(context.Background(), SagaDefinition{
		SagaName: "no-action",
		Steps:    []SagaStep{{Name: "s1", Required: true}},
	}, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrSagaInvalid)
}

func TestSagaHappyPathMergesContext(t *testing.T) {
	s := NewSagaOrchestrator(nil, nil)

	saga := SagaDefinition{
		SagaName: "order",
		Steps: []SagaStep{
			{Name: "reserve", Required: true, Action: func(ctx context.Context, sagaCtx core.Value) (core.Value, error) {
				return core.Value{"reservation": "r-1"}, nil
			}},
			{Name: "charge", Required: true, Action: func(ctx context.Context, sagaCtx core.Value) (core.Value, error) {
				// Later steps observe earlier output.
				assert.Equal(t, "r-1", sagaCtx["reservation"])
				return core.Value{"charged": true}, nil
			}},
		},
	}

	exec, err := s.ExecuteSaga(context.Background(), saga, core.Value{"order_id": "o-9"}, nil)
	require.NoError(t, err)
	assert.Equal(t, SagaCompleted, exec.Status)
	assert.Equal(t, 2, exec.CurrentStepIndex)
	assert.Equal(t, "o-9", exec.Context["order_id"])
	assert.Equal(t, true, exec.Context["charged"])
	for _, step := range exec.Steps {
		assert.Equal(t, StepCompleted, step.Status)
	}
	assert.NotNil(t, exec.CompletedAt)
	assert.NotEmpty(t, exec.TraceID)
}

func TestSagaCompensationOnFailure(t *testing.T) {
	s := NewSagaOrchestrator(nil, nil)

	var mu sync.Mutex
	var compensated []string

	saga := SagaDefinition{
		SagaName:       "pay",
		AutoCompensate: true,
		Steps: []SagaStep{
			{
				Name:     "A",
				Required: true,
				Action: func(ctx context.Context, sagaCtx core.Value) (core.Value, error) {
					return core.Value{"a": 1.0}, nil
				},
				Compensation: func(ctx context.Context, sagaCtx core.Value) (core.Value, error) {
					mu.Lock()
					defer mu.Unlock()
					// Compensation sees the context produced by A.
					assert.Equal(t, 1.0, sagaCtx["a"])
					compensated = append(compensated, "A")
					return nil, nil
				},
			},
			{
				Name:     "B",
				Required: true,
				Action: func(ctx context.Context, sagaCtx core.Value) (core.Value, error) {
					return nil, errors.New("B exploded")
				},
			},
		},
	}

	exec, err := s.ExecuteSaga(context.Background(), saga, nil, nil)
	require.Error(t, err)
	assert.Equal(t, core.CodeStepFailed, core.CodeOf(err))
	assert.Equal(t, SagaFailed, exec.Status)
	assert.Contains(t, exec.Error, "B")
	assert.Equal(t, []string{"A"}, compensated)
	assert.Equal(t, StepCompensated, exec.Steps[0].Status)
	assert.Equal(t, StepFailed, exec.Steps[1].Status)
}

func TestSagaReverseCompensationOrder(t *testing.T) {
	s := NewSagaOrchestrator(nil, nil)

	var mu sync.Mutex
	var order []string
	comp := func(name string) StepAction {
		return func(ctx context.Context, sagaCtx core.Value) (core.Value, error) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil, nil
		}
	}
	ok := func(ctx context.Context, sagaCtx core.Value) (core.Value, error) { return core.Value{}, nil }

	saga := SagaDefinition{
		SagaName:       "chain",
		AutoCompensate: true,
		Steps: []SagaStep{
			{Name: "s1", Required: true, Action: ok, Compensation: comp("s1")},
			{Name: "s2", Required: true, Action: ok, Compensation: comp("s2")},
			{Name: "s3", Required: true, Action: func(ctx context.Context, sagaCtx core.Value) (core.Value, error) {
				return nil, errors.New("boom")
			}},
		},
	}

	_, err := s.ExecuteSaga(context.Background(), saga, nil, nil)
	require.Error(t, err)
	assert.Equal(t, []string{"s2", "s1"}, order)
}

func TestSagaCompensationFailureContinuesSweep(t *testing.T) {
	s := NewSagaOrchestrator(nil, nil)

	var mu sync.Mutex
	var order []string
	ok := func(ctx context.Context, sagaCtx core.Value) (core.Value, error) { return core.Value{}, nil }

	saga := SagaDefinition{
		SagaName:       "sweep",
		AutoCompensate: true,
		Steps: []SagaStep{
			{Name: "s1", Required: true, Action: ok, Compensation: func(ctx context.Context, sagaCtx core.Value) (core.Value, error) {
				mu.Lock()
				defer mu.Unlock()
				order = append(order, "s1")
				return nil, nil
			}},
			{Name: "s2", Required: true, Action: ok, Compensation: func(ctx context.Context, sagaCtx core.Value) (core.Value, error) {
				mu.Lock()
				defer mu.Unlock()
				order = append(order, "s2")
				return nil, errors.New("compensation broke")
			}},
			{Name: "s3", Required: true, Action: func(ctx context.Context, sagaCtx core.Value) (core.Value, error) {
				return nil, errors.New("boom")
			}},
		},
	}

	exec, err := s.ExecuteSaga(context.Background(), saga, nil, nil)
	require.Error(t, err)
	// The failing compensation of s2 does not stop s1 from being swept.
	assert.Equal(t, []string{"s2", "s1"}, order)
	assert.Contains(t, exec.Error, "compensation")
	assert.Equal(t, StepCompensated, exec.Steps[0].Status)
	assert.Equal(t, StepCompleted, exec.Steps[1].Status)
}

func TestOptionalStepSkipped(t *testing.T) {
	s := NewSagaOrchestrator(nil, nil)

	saga := SagaDefinition{
		SagaName: "optional",
		Steps: []SagaStep{
			{Name: "notify", Required: false, Action: func(ctx context.Context, sagaCtx core.Value) (core.Value, error) {
				return nil, errors.New("notifier down")
			}},
			{Name: "finish", Required: true, Action: func(ctx context.Context, sagaCtx core.Value) (core.Value, error) {
				return core.Value{"done": true}, nil
			}},
		},
	}

	exec, err := s.ExecuteSaga(context.Background(), saga, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, SagaCompleted, exec.Status)
	assert.Equal(t, StepSkipped, exec.Steps[0].Status)
	assert.Equal(t, StepCompleted, exec.Steps[1].Status)
}

func TestStepRetrySucceedsWithinBudget(t *testing.T) {
	s := NewSagaOrchestrator(nil, nil)

	attempts := 0
	saga := SagaDefinition{
		SagaName: "retry",
		Steps: []SagaStep{
			{Name: "flaky", Required: true, RetryOnFailure: true, MaxRetries: 2,
				Action: func(ctx context.Context, sagaCtx core.Value) (core.Value, error) {
					attempts++
					if attempts < 2 {
						return nil, errors.New("transient")
					}
					return core.Value{}, nil
				}},
		},
	}

	exec, err := s.ExecuteSaga(context.Background(), saga, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, SagaCompleted, exec.Status)
	assert.Equal(t, 2, exec.Steps[0].Attempts)
}

func TestSagaOverallTimeout(t *testing.T) {
	s := NewSagaOrchestrator(nil, nil)

	saga := SagaDefinition{
		SagaName:       "slow",
		TimeoutSeconds: 0.05,
		AutoCompensate: true,
		Steps: []SagaStep{
			{Name: "sleepy", Required: true, Action: func(ctx context.Context, sagaCtx core.Value) (core.Value, error) {
				time.Sleep(100 * time.Millisecond)
				return core.Value{}, nil
			}},
			{Name: "never", Required: true, Action: func(ctx context.Context, sagaCtx core.Value) (core.Value, error) {
				return core.Value{}, nil
			}},
		},
	}

	exec, err := s.ExecuteSaga(context.Background(), saga, nil, nil)
	require.Error(t, err)
	assert.Equal(t, core.CodeSagaTimeout, core.CodeOf(err))
	assert.Equal(t, SagaTimeout, exec.Status)
	assert.Equal(t, StepPending, exec.Steps[1].Status)
}

func TestRetrySagaCreatesFreshExecution(t *testing.T) {
	s := NewSagaOrchestrator(nil, nil)

	saga := SagaDefinition{
		SagaName: "retryable",
		Steps: []SagaStep{
			{Name: "s1", Required: true, Action: func(ctx context.Context, sagaCtx core.Value) (core.Value, error) {
				return core.Value{"ran": true}, nil
			}},
		},
	}

	first, err := s.ExecuteSaga(context.Background(), saga, core.Value{"seed": "v"}, nil)
	require.NoError(t, err)

	second, err := s.RetrySaga(context.Background(), first.ExecutionID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ExecutionID, second.ExecutionID)
	assert.Equal(t, SagaCompleted, second.Status)
	assert.Equal(t, "v", second.Context["seed"])
}

func TestExecutionTrace(t *testing.T) {
	s := NewSagaOrchestrator(nil, nil)

	saga := SagaDefinition{
		SagaName: "traced",
		Steps: []SagaStep{
			{Name: "s1", Required: true, Action: func(ctx context.Context, sagaCtx core.Value) (core.Value, error) {
				return core.Value{"out": 1.0}, nil
			}},
		},
	}
	exec, err := s.ExecuteSaga(context.Background(), saga, nil, nil)
	require.NoError(t, err)

	trace, err := s.GetExecutionTrace(exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, exec.ExecutionID, trace.ExecutionID)
	require.Len(t, trace.Steps, 1)
	assert.Equal(t, 1, trace.Steps[0].Attempts)
	assert.NotNil(t, trace.Steps[0].CompletedAt)
	assert.Equal(t, 1.0, trace.Context["out"])

	_, err = s.GetExecutionTrace("ghost")
	require.Error(t, err)
	assert.Equal(t, core.CodeSagaNotFound, core.CodeOf(err))
}
