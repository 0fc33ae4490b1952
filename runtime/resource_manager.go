package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/itsneelabh/agentmesh/core"
)

// QuotaScope distinguishes what a quota binds to.
type QuotaScope string

const (
	ScopeAgent     QuotaScope = "agent"
	ScopeTenant    QuotaScope = "tenant"
	ScopeNamespace QuotaScope = "namespace"
)

// Quota is the tracked limits and usage of one target. The resource
// manager owns all mutation.
type Quota struct {
	Scope    QuotaScope          `json:"scope"`
	TargetID string              `json:"target_id"`
	Limits   core.ResourceLimits `json:"limits"`
	Usage    core.ResourceUsage  `json:"usage"`
	ResetAt  time.Time           `json:"reset_at"`

	// soft-then-hard breach flags, one per resource kind
	softBreached map[string]bool
}

// ResourceManager tracks per-agent CPU seconds, memory peak, and token
// consumption against quotas, and routes enforcement signals to the
// lifecycle manager via the registered sink.
type ResourceManager struct {
	config core.ResourceConfig
	logger core.Logger

	mu     sync.RWMutex
	quotas map[string]*Quota

	sink core.QuotaEnforcementSink
}

// NewResourceManager creates a resource manager.
func NewResourceManager(config core.ResourceConfig, logger core.Logger) *ResourceManager {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("runtime/resource")
	}
	return &ResourceManager{
		config: config,
		logger: logger,
		quotas: make(map[string]*Quota),
	}
}

// SetEnforcementSink registers the callback target for quota breaches.
// Called once at wiring time; the sink is the lifecycle manager.
func (r *ResourceManager) SetEnforcementSink(sink core.QuotaEnforcementSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

// CreateQuota registers a quota for a target. Limits are validated
// before acceptance.
func (r *ResourceManager) CreateQuota(targetID string, scope QuotaScope, limits core.ResourceLimits) (*Quota, error) {
	if _, err := core.ParseCPU(limits.CPU); err != nil {
		return nil, core.NewError(core.CodeQuotaInvalid, core.KindInvalid, "resource.CreateQuota", targetID, err)
	}
	if _, err := core.ParseMemory(limits.Memory); err != nil {
		return nil, core.NewError(core.CodeQuotaInvalid, core.KindInvalid, "resource.CreateQuota", targetID, err)
	}
	if limits.TokensPerHour < 0 {
		return nil, core.NewError(core.CodeQuotaInvalid, core.KindInvalid, "resource.CreateQuota", targetID,
			fmt.Errorf("tokens_per_hour must be >= 0: %w", core.ErrQuotaInvalid))
	}

	q := &Quota{
		Scope:        scope,
		TargetID:     targetID,
		Limits:       limits,
		Usage:        core.ResourceUsage{UpdatedAt: time.Now()},
		ResetAt:      time.Now().Add(time.Hour),
		softBreached: make(map[string]bool),
	}

	r.mu.Lock()
	r.quotas[targetID] = q
	r.mu.Unlock()

	r.logger.Info("Quota created", map[string]interface{}{
		"target_id":       targetID,
		"scope":           string(scope),
		"cpu":             limits.CPU,
		"memory":          limits.Memory,
		"tokens_per_hour": limits.TokensPerHour,
	})
	return q, nil
}

// UsageReport carries the incremental usage deltas of one report.
// Nil-able fields distinguish "no data" from zero.
type UsageReport struct {
	CPUSeconds *float64
	MemoryMB   *int64
	Tokens     *int64
}

// ReportUsage folds an observation into the target's usage counters and
// evaluates enforcement. CPU seconds and tokens accumulate; memory is
// tracked as both a gauge and a monotonic peak. Windowed counters reset
// atomically when the quota's reset_at passes.
func (r *ResourceManager) ReportUsage(ctx context.Context, targetID string, report UsageReport) error {
	r.mu.Lock()
	q, ok := r.quotas[targetID]
	if !ok {
		r.mu.Unlock()
		return core.NewError(core.CodeQuotaInvalid, core.KindNotFound, "resource.ReportUsage", targetID, core.ErrQuotaNotFound)
	}

	now := time.Now()
	if now.After(q.ResetAt) {
		q.Usage.TokensConsumed = 0
		q.Usage.CPUSeconds = 0
		q.Usage.MemoryPeakMB = 0
		q.softBreached = make(map[string]bool)
		q.ResetAt = now.Add(time.Hour)
	}

	if report.CPUSeconds != nil {
		q.Usage.CPUSeconds += *report.CPUSeconds
	}
	if report.MemoryMB != nil {
		q.Usage.MemoryMB = *report.MemoryMB
		if *report.MemoryMB > q.Usage.MemoryPeakMB {
			q.Usage.MemoryPeakMB = *report.MemoryMB
		}
	}
	if report.Tokens != nil {
		q.Usage.TokensConsumed += *report.Tokens
	}
	q.Usage.UpdatedAt = now

	breaches := r.evaluateLocked(q)
	r.mu.Unlock()

	for _, b := range breaches {
		r.dispatch(ctx, targetID, b)
	}
	return nil
}

// breach is an enforcement decision made under the lock and dispatched
// outside it.
type breach struct {
	kind   string
	action core.EnforcementAction
	reason string
}

func (r *ResourceManager) evaluateLocked(q *Quota) []breach {
	var breaches []breach

	memLimit, _ := core.ParseMemory(q.Limits.Memory)
	if memLimit > 0 && q.Usage.MemoryPeakMB > memLimit {
		if b, ok := r.decide(q, "memory",
			fmt.Sprintf("memory peak %dMi exceeds limit %dMi", q.Usage.MemoryPeakMB, memLimit)); ok {
			breaches = append(breaches, b)
		}
	}

	if q.Limits.TokensPerHour > 0 && q.Usage.TokensConsumed > q.Limits.TokensPerHour {
		if b, ok := r.decide(q, "tokens",
			fmt.Sprintf("tokens %d exceed hourly budget %d", q.Usage.TokensConsumed, q.Limits.TokensPerHour)); ok {
			breaches = append(breaches, b)
		}
	}

	// CPU-seconds budget: the CPU limit in cores over the window hour.
	cpuCores, _ := core.ParseCPU(q.Limits.CPU)
	if cpuCores > 0 && q.Usage.CPUSeconds > cpuCores*3600 {
		if b, ok := r.decide(q, "cpu",
			fmt.Sprintf("cpu seconds %.0f exceed window budget %.0f", q.Usage.CPUSeconds, cpuCores*3600)); ok {
			breaches = append(breaches, b)
		}
	}
	return breaches
}

// decide applies the per-kind enforcement mode. Soft-then-hard flags on
// the first breach and enforces on the next.
func (r *ResourceManager) decide(q *Quota, kind, reason string) (breach, bool) {
	mode, ok := r.config.Enforcement[kind]
	if !ok {
		mode = core.EnforceWarnOnly
	}

	action := core.ActionSuspend
	if kind == "tokens" && r.config.TokenBudgetAction != "" {
		action = r.config.TokenBudgetAction
	}

	switch mode {
	case core.EnforceWarnOnly:
		return breach{kind: kind, action: core.ActionWarn, reason: reason}, true
	case core.EnforceSoftThenHard:
		if !q.softBreached[kind] {
			q.softBreached[kind] = true
			return breach{kind: kind, action: core.ActionWarn, reason: reason + " (soft breach, next breach enforces)"}, true
		}
		return breach{kind: kind, action: action, reason: reason}, true
	case core.EnforceHard:
		return breach{kind: kind, action: action, reason: reason}, true
	}
	return breach{}, false
}

func (r *ResourceManager) dispatch(ctx context.Context, targetID string, b breach) {
	fields := map[string]interface{}{
		"target_id": targetID,
		"kind":      b.kind,
		"action":    string(b.action),
		"reason":    b.reason,
	}
	switch b.action {
	case core.ActionWarn:
		r.logger.WarnWithContext(ctx, "Quota breach", fields)
		return
	case core.ActionThrottle:
		// Throttling is signalled to the sink but treated as advisory.
		r.logger.WarnWithContext(ctx, "Quota breach (throttle requested)", fields)
	default:
		r.logger.ErrorWithContext(ctx, "Quota breach enforcement", fields)
	}

	r.mu.RLock()
	sink := r.sink
	r.mu.RUnlock()
	if sink == nil {
		r.logger.Warn("No enforcement sink registered, breach dropped", fields)
		return
	}
	if err := sink.EnforceQuota(ctx, targetID, b.action, b.reason); err != nil {
		fields["error"] = err.Error()
		r.logger.ErrorWithContext(ctx, "Quota enforcement failed", fields)
	}
}

// GetUsage returns a copy of the target's usage.
func (r *ResourceManager) GetUsage(targetID string) (core.ResourceUsage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.quotas[targetID]
	if !ok {
		return core.ResourceUsage{}, core.ErrQuotaNotFound
	}
	return q.Usage, nil
}

// GetQuota returns a copy of the quota record.
func (r *ResourceManager) GetQuota(targetID string) (Quota, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.quotas[targetID]
	if !ok {
		return Quota{}, core.ErrQuotaNotFound
	}
	return *q, nil
}

// ResetQuota zeroes the windowed counters and restarts the window.
func (r *ResourceManager) ResetQuota(targetID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.quotas[targetID]
	if !ok {
		return core.ErrQuotaNotFound
	}
	q.Usage.TokensConsumed = 0
	q.Usage.CPUSeconds = 0
	q.Usage.MemoryPeakMB = 0
	q.softBreached = make(map[string]bool)
	q.ResetAt = time.Now().Add(time.Hour)
	return nil
}

// CleanupQuota drops the quota record for a terminated target.
func (r *ResourceManager) CleanupQuota(targetID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.quotas, targetID)
}

// ResetExpired restarts every quota window whose reset_at has passed.
// Wired to the shared cron scheduler so idle agents also reset.
func (r *ResourceManager) ResetExpired() {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.quotas {
		if now.After(q.ResetAt) {
			q.Usage.TokensConsumed = 0
			q.Usage.CPUSeconds = 0
			q.Usage.MemoryPeakMB = 0
			q.softBreached = make(map[string]bool)
			q.ResetAt = now.Add(time.Hour)
		}
	}
}
