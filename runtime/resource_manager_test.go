package runtime

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/agentmesh/core"
)

// captureSink records enforcement signals without a lifecycle manager.
type captureSink struct {
	mu      sync.Mutex
	actions []core.EnforcementAction
}

func (s *captureSink) EnforceQuota(ctx context.Context, agentID string, action core.EnforcementAction, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, action)
	return nil
}

func newResourceFixture(enforcement map[string]core.EnforcementMode, tokenAction core.EnforcementAction) (*ResourceManager, *captureSink) {
	rm := NewResourceManager(core.ResourceConfig{
		Enforcement:       enforcement,
		TokenBudgetAction: tokenAction,
	}, nil)
	sink := &captureSink{}
	rm.SetEnforcementSink(sink)
	return rm, sink
}

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }

func TestCreateQuotaValidation(t *testing.T) {
	rm, _ := newResourceFixture(nil, "")

	_, err := rm.CreateQuota("a1", ScopeAgent, core.ResourceLimits{CPU: "1", Memory: "512Mi", TokensPerHour: 100})
	require.NoError(t, err)

	_, err = rm.CreateQuota("a2", ScopeAgent, core.ResourceLimits{CPU: "bogus", Memory: "512Mi"})
	require.Error(t, err)
	assert.Equal(t, core.CodeQuotaInvalid, core.CodeOf(err))

	_, err = rm.CreateQuota("a3", ScopeAgent, core.ResourceLimits{CPU: "1", Memory: "512Mi", TokensPerHour: -5})
	require.Error(t, err)
}

func TestMemoryPeakMonotonic(t *testing.T) {
	rm, _ := newResourceFixture(nil, "")
	_, err := rm.CreateQuota("a1", ScopeAgent, core.ResourceLimits{CPU: "1", Memory: "1Gi", TokensPerHour: 0})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, rm.ReportUsage(ctx, "a1", UsageReport{MemoryMB: i64(100)}))
	require.NoError(t, rm.ReportUsage(ctx, "a1", UsageReport{MemoryMB: i64(300)}))
	require.NoError(t, rm.ReportUsage(ctx, "a1", UsageReport{MemoryMB: i64(200)}))

	usage, err := rm.GetUsage("a1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), usage.MemoryMB)
	assert.Equal(t, int64(300), usage.MemoryPeakMB)
}

func TestCPUAndTokensAccumulate(t *testing.T) {
	rm, _ := newResourceFixture(nil, "")
	_, err := rm.CreateQuota("a1", ScopeAgent, core.ResourceLimits{CPU: "2", Memory: "1Gi", TokensPerHour: 100000})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, rm.ReportUsage(ctx, "a1", UsageReport{CPUSeconds: f64(1.5), Tokens: i64(10)}))
	require.NoError(t, rm.ReportUsage(ctx, "a1", UsageReport{CPUSeconds: f64(2.5), Tokens: i64(15)}))

	usage, _ := rm.GetUsage("a1")
	assert.Equal(t, 4.0, usage.CPUSeconds)
	assert.Equal(t, int64(25), usage.TokensConsumed)
}

func TestHardTokenEnforcement(t *testing.T) {
	rm, sink := newResourceFixture(map[string]core.EnforcementMode{
		"tokens": core.EnforceHard,
	}, core.ActionSuspend)
	_, err := rm.CreateQuota("a2", ScopeAgent, core.ResourceLimits{CPU: "1", Memory: "100Mi", TokensPerHour: 100})
	require.NoError(t, err)

	require.NoError(t, rm.ReportUsage(context.Background(), "a2", UsageReport{Tokens: i64(101)}))
	require.Len(t, sink.actions, 1)
	assert.Equal(t, core.ActionSuspend, sink.actions[0])
}

func TestSoftThenHardMemoryEnforcement(t *testing.T) {
	rm, sink := newResourceFixture(map[string]core.EnforcementMode{
		"memory": core.EnforceSoftThenHard,
	}, "")
	_, err := rm.CreateQuota("a1", ScopeAgent, core.ResourceLimits{CPU: "1", Memory: "100Mi", TokensPerHour: 0})
	require.NoError(t, err)

	ctx := context.Background()
	// First breach warns only; the sink sees nothing.
	require.NoError(t, rm.ReportUsage(ctx, "a1", UsageReport{MemoryMB: i64(150)}))
	assert.Empty(t, sink.actions)

	// Second breach enforces.
	require.NoError(t, rm.ReportUsage(ctx, "a1", UsageReport{MemoryMB: i64(160)}))
	require.Len(t, sink.actions, 1)
	assert.Equal(t, core.ActionSuspend, sink.actions[0])
}

func TestWarnOnlyNeverEnforces(t *testing.T) {
	rm, sink := newResourceFixture(map[string]core.EnforcementMode{
		"tokens": core.EnforceWarnOnly,
	}, core.ActionTerminate)
	_, err := rm.CreateQuota("a1", ScopeAgent, core.ResourceLimits{CPU: "1", Memory: "1Gi", TokensPerHour: 10})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, rm.ReportUsage(context.Background(), "a1", UsageReport{Tokens: i64(100)}))
	}
	assert.Empty(t, sink.actions)
}

func TestResetQuotaClearsWindow(t *testing.T) {
	rm, _ := newResourceFixture(nil, "")
	_, err := rm.CreateQuota("a1", ScopeAgent, core.ResourceLimits{CPU: "1", Memory: "1Gi", TokensPerHour: 1000})
	require.NoError(t, err)

	require.NoError(t, rm.ReportUsage(context.Background(), "a1", UsageReport{Tokens: i64(500), MemoryMB: i64(200)}))
	require.NoError(t, rm.ResetQuota("a1"))

	usage, _ := rm.GetUsage("a1")
	assert.Zero(t, usage.TokensConsumed)
	assert.Zero(t, usage.MemoryPeakMB)
}

func TestReportUsageUnknownTarget(t *testing.T) {
	rm, _ := newResourceFixture(nil, "")
	err := rm.ReportUsage(context.Background(), "ghost", UsageReport{Tokens: i64(1)})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrQuotaNotFound)
}

func TestCleanupQuota(t *testing.T) {
	rm, _ := newResourceFixture(nil, "")
	_, err := rm.CreateQuota("a1", ScopeAgent, core.ResourceLimits{CPU: "1", Memory: "1Gi"})
	require.NoError(t, err)

	rm.CleanupQuota("a1")
	_, err = rm.GetUsage("a1")
	assert.ErrorIs(t, err, core.ErrQuotaNotFound)
}
