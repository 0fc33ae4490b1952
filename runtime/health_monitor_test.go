package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/agentmesh/core"
)

func newHealthMonitor() *HealthMonitor {
	return NewHealthMonitor(core.HealthConfig{
		LivenessProbe:            core.ProbeConfig{IntervalSeconds: 1, TimeoutSeconds: 1, FailureThreshold: 2},
		ReadinessProbe:           core.ProbeConfig{IntervalSeconds: 1, TimeoutSeconds: 1, FailureThreshold: 2},
		StuckAgentTimeoutSeconds: 1,
	}, nil)
}

func TestRecordRequestStatistics(t *testing.T) {
	h := newHealthMonitor()
	h.Register("a1")

	h.RecordRequest("a1", true, 100)
	h.RecordRequest("a1", true, 200)
	h.RecordRequest("a1", false, 300)

	health, ok := h.GetHealth("a1")
	require.True(t, ok)
	assert.Equal(t, int64(3), health.TotalRequests)
	assert.Equal(t, int64(2), health.SuccessfulRequests)
	assert.Equal(t, int64(1), health.FailedRequests)
	assert.InDelta(t, 1.0/3.0, health.ErrorRate, 0.001)

	// EMA with alpha 0.2: 100, then 0.2*200+0.8*100=120, then
	// 0.2*300+0.8*120=156.
	assert.InDelta(t, 156.0, health.AvgLatencyMS, 0.001)
}

func TestRegisterIsIdempotent(t *testing.T) {
	h := newHealthMonitor()
	h.Register("a1")
	h.RecordRequest("a1", true, 50)
	h.Register("a1")

	health, ok := h.GetHealth("a1")
	require.True(t, ok)
	assert.Equal(t, int64(1), health.TotalRequests)
}

func TestUnregisterDropsAgent(t *testing.T) {
	h := newHealthMonitor()
	h.Register("a1")
	h.Unregister("a1")
	_, ok := h.GetHealth("a1")
	assert.False(t, ok)
}

type stubStates map[string]core.AgentState

func (s stubStates) GetState(agentID string) (core.AgentState, error) {
	return s[agentID], nil
}

func TestReadinessRules(t *testing.T) {
	h := newHealthMonitor()
	h.SetStateGetter(stubStates{"running": core.StateRunning, "suspended": core.StateSuspended})
	h.Register("running")
	h.Register("suspended")

	// Two readiness cycles pass the failure threshold.
	h.checkReadiness()
	h.checkReadiness()

	ready, _ := h.GetHealth("running")
	assert.True(t, ready.IsReady)

	notReady, _ := h.GetHealth("suspended")
	assert.False(t, notReady.IsReady)
}

func TestReadinessFailsOnHighErrorRate(t *testing.T) {
	h := newHealthMonitor()
	h.SetStateGetter(stubStates{"a1": core.StateRunning})
	h.Register("a1")

	h.RecordRequest("a1", false, 10)
	h.RecordRequest("a1", false, 10)
	h.RecordRequest("a1", true, 10)

	h.checkReadiness()
	h.checkReadiness()

	health, _ := h.GetHealth("a1")
	assert.False(t, health.IsReady)
}
