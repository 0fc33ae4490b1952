package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/agentmesh/core"
)

func testBreakerConfig() core.CircuitBreakerConfig {
	return core.CircuitBreakerConfig{
		FailureThreshold:   3,
		SuccessThreshold:   1,
		TimeoutSeconds:     0.1,
		HalfOpenRequests:   1,
		ErrorRateThreshold: 0, // disable rate rule unless a test enables it
		WindowSizeSeconds:  60,
	}
}

func newBreaker(t *testing.T, cfg core.CircuitBreakerConfig) *CircuitBreaker {
	t.Helper()
	cb, err := NewCircuitBreaker(cfg, nil)
	require.NoError(t, err)
	return cb
}

func TestInvalidConfigRejected(t *testing.T) {
	_, err := NewCircuitBreaker(core.CircuitBreakerConfig{FailureThreshold: 0, SuccessThreshold: 1, TimeoutSeconds: 1}, nil)
	require.Error(t, err)
	assert.Equal(t, core.CodeCircuitConfig, core.CodeOf(err))

	_, err = NewCircuitBreaker(core.CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, TimeoutSeconds: 1, ErrorRateThreshold: 1.5}, nil)
	require.Error(t, err)
}

func TestOpensExactlyAtThreshold(t *testing.T) {
	cb := newBreaker(t, testBreakerConfig())

	cb.RecordFailure("svc")
	cb.RecordFailure("svc")
	assert.Equal(t, CircuitClosed, cb.Snapshot("svc").State)
	assert.True(t, cb.CanAttemptRequest("svc"))

	// Third consecutive failure opens the circuit.
	cb.RecordFailure("svc")
	assert.Equal(t, CircuitOpen, cb.Snapshot("svc").State)
	assert.False(t, cb.CanAttemptRequest("svc"))
	assert.NotNil(t, cb.Snapshot("svc").OpenedAt)
}

func TestExecuteFailsFastWhenOpen(t *testing.T) {
	cb := newBreaker(t, testBreakerConfig())
	boom := errors.New("downstream down")

	for i := 0; i < 3; i++ {
		err := cb.Execute(context.Background(), "svc", func(ctx context.Context) error { return boom })
		assert.ErrorIs(t, err, boom)
	}

	invoked := false
	err := cb.Execute(context.Background(), "svc", func(ctx context.Context) error {
		invoked = true
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, core.CodeCircuitOpen, core.CodeOf(err))
	assert.ErrorIs(t, err, core.ErrCircuitOpen)
	assert.False(t, invoked)
}

func TestRecoveryThroughHalfOpen(t *testing.T) {
	cb := newBreaker(t, testBreakerConfig())
	boom := errors.New("down")

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), "svc", func(ctx context.Context) error { return boom })
	}
	require.Equal(t, CircuitOpen, cb.Snapshot("svc").State)

	// After the sleep window elapses a trial request is admitted; its
	// success closes the circuit.
	time.Sleep(150 * time.Millisecond)
	err := cb.Execute(context.Background(), "svc", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, cb.Snapshot("svc").State)
	assert.True(t, cb.CanAttemptRequest("svc"))
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := newBreaker(t, testBreakerConfig())
	boom := errors.New("down")

	for i := 0; i < 3; i++ {
		cb.RecordFailure("svc")
	}
	time.Sleep(150 * time.Millisecond)

	require.True(t, cb.CanAttemptRequest("svc")) // enters half-open
	cb.RecordFailure("svc")
	assert.Equal(t, CircuitOpen, cb.Snapshot("svc").State)
	assert.False(t, cb.CanAttemptRequest("svc"))
}

func TestHalfOpenAdmissionCap(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.HalfOpenRequests = 2
	cfg.SuccessThreshold = 3
	cb := newBreaker(t, cfg)

	for i := 0; i < 3; i++ {
		cb.RecordFailure("svc")
	}
	time.Sleep(150 * time.Millisecond)

	assert.True(t, cb.CanAttemptRequest("svc"))
	assert.True(t, cb.CanAttemptRequest("svc"))
	assert.False(t, cb.CanAttemptRequest("svc"))
}

func TestErrorRateOpensCircuit(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.FailureThreshold = 100 // make the consecutive rule unreachable
	cfg.ErrorRateThreshold = 0.5
	cb := newBreaker(t, cfg)

	cb.RecordSuccess("svc")
	cb.RecordFailure("svc")
	// 1 of 2 failed: rate 0.5 >= threshold opens.
	assert.Equal(t, CircuitOpen, cb.Snapshot("svc").State)
}

func TestWindowReset(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.WindowSizeSeconds = 0.05
	cb := newBreaker(t, cfg)

	cb.RecordFailure("svc")
	cb.RecordSuccess("svc")
	assert.Equal(t, int64(2), cb.Snapshot("svc").TotalRequests)

	time.Sleep(60 * time.Millisecond)
	cb.RecordSuccess("svc")
	snap := cb.Snapshot("svc")
	assert.Equal(t, int64(1), snap.TotalRequests)
	assert.Equal(t, int64(0), snap.FailedRequests)
}

func TestManualReset(t *testing.T) {
	cb := newBreaker(t, testBreakerConfig())
	for i := 0; i < 3; i++ {
		cb.RecordFailure("svc")
	}
	require.Equal(t, CircuitOpen, cb.Snapshot("svc").State)

	cb.Reset("svc")
	snap := cb.Snapshot("svc")
	assert.Equal(t, CircuitClosed, snap.State)
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.True(t, cb.CanAttemptRequest("svc"))
}

func TestCircuitsAreIndependent(t *testing.T) {
	cb := newBreaker(t, testBreakerConfig())
	for i := 0; i < 3; i++ {
		cb.RecordFailure("svc-a")
	}
	assert.Equal(t, CircuitOpen, cb.Snapshot("svc-a").State)
	assert.Equal(t, CircuitClosed, cb.Snapshot("svc-b").State)
	assert.True(t, cb.CanAttemptRequest("svc-b"))
}
