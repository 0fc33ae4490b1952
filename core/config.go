package core

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnforcementMode controls how a resource kind is policed.
type EnforcementMode string

const (
	// EnforceWarnOnly logs breaches and takes no action.
	EnforceWarnOnly EnforcementMode = "warn_only"
	// EnforceSoftThenHard warns and flags on the first breach, enforces
	// on the next.
	EnforceSoftThenHard EnforcementMode = "soft_then_hard"
	// EnforceHard enforces immediately.
	EnforceHard EnforcementMode = "hard"
)

// RuntimeConfig configures the lifecycle manager and provider backend.
type RuntimeConfig struct {
	Backend                 string `yaml:"backend"` // "local" or "kubernetes"
	AgentImage              string `yaml:"agent_image"`
	SpawnTimeoutSeconds     int    `yaml:"spawn_timeout_seconds"`
	GracefulShutdownSeconds int    `yaml:"graceful_shutdown_seconds"`
	MaxRestartCount         int    `yaml:"max_restart_count"`
	EnableSuspend           bool   `yaml:"enable_suspend"`
}

// SandboxConfig configures sandbox policy derivation.
type SandboxConfig struct {
	DefaultRuntimeClass  string   `yaml:"default_runtime_class"`
	AvailableRuntimes    []string `yaml:"available_runtimes"`
	DefaultCPU           string   `yaml:"default_cpu"`
	DefaultMemory        string   `yaml:"default_memory"`
	DefaultTokensPerHour int64    `yaml:"default_tokens_per_hour"`
	EgressAllowlist      []string `yaml:"egress_allowlist"`
}

// ResourceConfig configures quota tracking and enforcement.
type ResourceConfig struct {
	DefaultLimits              ResourceLimits             `yaml:"default_limits"`
	Enforcement                map[string]EnforcementMode `yaml:"enforcement"` // keys: cpu, memory, tokens
	TokenBudgetAction          EnforcementAction          `yaml:"token_budget_action"`
	UsageReportIntervalSeconds int                        `yaml:"usage_report_interval_seconds"`
}

// ProbeConfig is one health probe loop.
type ProbeConfig struct {
	IntervalSeconds  int `yaml:"interval"`
	TimeoutSeconds   int `yaml:"timeout"`
	FailureThreshold int `yaml:"failure_threshold"`
}

// HealthConfig configures the liveness/readiness monitors.
type HealthConfig struct {
	LivenessProbe            ProbeConfig `yaml:"liveness_probe"`
	ReadinessProbe           ProbeConfig `yaml:"readiness_probe"`
	StuckAgentTimeoutSeconds int         `yaml:"stuck_agent_timeout_seconds"`
}

// WarmPoolConfig configures the pre-spawned instance pool.
type WarmPoolConfig struct {
	Enabled                bool `yaml:"enabled"`
	Size                   int  `yaml:"size"`
	RefreshIntervalSeconds int  `yaml:"refresh_interval_seconds"`
	MaxInstanceAgeSeconds  int  `yaml:"max_instance_age_seconds"`
}

// DrainConfig configures graceful drain before scale-down.
type DrainConfig struct {
	TimeoutSeconds        int  `yaml:"timeout_seconds"`
	CheckpointBeforeDrain bool `yaml:"checkpoint_before_drain"`
}

// FleetConfig configures autoscaling and the warm pool.
type FleetConfig struct {
	MinReplicas                 int            `yaml:"min_replicas"`
	MaxReplicas                 int            `yaml:"max_replicas"`
	TargetCPUUtilization        float64        `yaml:"target_cpu_utilization"`
	ScaleUpStabilizationSeconds int            `yaml:"scale_up_stabilization_seconds"`
	ScaleDownStabilizationSecs  int            `yaml:"scale_down_stabilization_seconds"`
	AutoscalingIntervalSeconds  int            `yaml:"autoscaling_interval_seconds"`
	WarmPool                    WarmPoolConfig `yaml:"warm_pool"`
	GracefulDrain               DrainConfig    `yaml:"graceful_drain"`
}

// WorkflowConfig bounds workflow graph execution.
type WorkflowConfig struct {
	MaxGraphDepth            int  `yaml:"max_graph_depth"`
	MaxParallelBranches      int  `yaml:"max_parallel_branches"`
	CycleDetection           bool `yaml:"cycle_detection"`
	CheckpointOnNodeComplete bool `yaml:"checkpoint_on_node_complete"`
	TimeoutSeconds           int  `yaml:"timeout_seconds"`
}

// ExecutorConfig bounds single-turn agent execution.
type ExecutorConfig struct {
	MaxConcurrentTools  int  `yaml:"max_concurrent_tools"`
	ToolTimeoutSeconds  int  `yaml:"tool_timeout_seconds"`
	ContextWindowTokens int  `yaml:"context_window_tokens"`
	EnableStreaming     bool `yaml:"enable_streaming"`
	RetryOnToolFailure  bool `yaml:"retry_on_tool_failure"`
	MaxToolRetries      int  `yaml:"max_tool_retries"`
}

// CircuitBreakerConfig holds the per-target breaker thresholds.
type CircuitBreakerConfig struct {
	FailureThreshold   int     `yaml:"failure_threshold"`
	SuccessThreshold   int     `yaml:"success_threshold"`
	TimeoutSeconds     float64 `yaml:"timeout_sec"`
	HalfOpenRequests   int     `yaml:"half_open_requests"`
	ErrorRateThreshold float64 `yaml:"error_rate_threshold"`
	WindowSizeSeconds  float64 `yaml:"window_size_sec"`
}

// IntegrationConfig configures the integration layer.
type IntegrationConfig struct {
	RedisURL                string `yaml:"redis_url"`
	DatabaseURL             string `yaml:"database_url"`
	ObservabilityOutputFile string `yaml:"observability_output_file"`
	MCPErrorMode            string `yaml:"mcp_error_mode"` // "fail_fast" or "graceful"
}

// CheckpointConfig bounds checkpoint persistence.
type CheckpointConfig struct {
	MaxCheckpointBytes int64 `yaml:"max_checkpoint_bytes"`
	Compress           bool  `yaml:"compress"`
	RetentionDays      int   `yaml:"retention_days"`
}

// HandoffConfig bounds multi-role orchestration.
type HandoffConfig struct {
	MaxParallelRoles    int  `yaml:"max_parallel_roles"`
	RoleTimeoutSeconds  int  `yaml:"role_timeout_seconds"`
	MaxRetries          int  `yaml:"max_retries"`
	CheckpointOnHandoff bool `yaml:"checkpoint_on_handoff"`
}

// Config is the full configuration tree of the process.
type Config struct {
	ServiceName    string               `yaml:"service_name"`
	Logging        LoggingConfig        `yaml:"logging"`
	Runtime        RuntimeConfig        `yaml:"runtime"`
	Sandbox        SandboxConfig        `yaml:"sandbox"`
	Resource       ResourceConfig       `yaml:"resource"`
	Health         HealthConfig         `yaml:"health"`
	Fleet          FleetConfig          `yaml:"fleet"`
	Workflow       WorkflowConfig       `yaml:"workflow"`
	Executor       ExecutorConfig       `yaml:"executor"`
	Checkpoint     CheckpointConfig     `yaml:"checkpoint"`
	Handoff        HandoffConfig        `yaml:"handoff"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Integration    IntegrationConfig    `yaml:"integration"`
	HTTPAddr       string               `yaml:"http_addr"`
}

// DefaultConfig returns a configuration with production defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName: "agentmesh",
		Logging:     LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Runtime: RuntimeConfig{
			Backend:                 "local",
			AgentImage:              "agentmesh/agent:latest",
			SpawnTimeoutSeconds:     30,
			GracefulShutdownSeconds: 10,
			MaxRestartCount:         3,
			EnableSuspend:           true,
		},
		Sandbox: SandboxConfig{
			DefaultRuntimeClass:  "runc",
			AvailableRuntimes:    []string{"runc", "gvisor", "kata", "kata-cc"},
			DefaultCPU:           "1",
			DefaultMemory:        "512Mi",
			DefaultTokensPerHour: 100000,
		},
		Resource: ResourceConfig{
			DefaultLimits: ResourceLimits{CPU: "1", Memory: "512Mi", TokensPerHour: 100000},
			Enforcement: map[string]EnforcementMode{
				"cpu":    EnforceWarnOnly,
				"memory": EnforceSoftThenHard,
				"tokens": EnforceHard,
			},
			TokenBudgetAction:          ActionSuspend,
			UsageReportIntervalSeconds: 30,
		},
		Health: HealthConfig{
			LivenessProbe:            ProbeConfig{IntervalSeconds: 10, TimeoutSeconds: 5, FailureThreshold: 3},
			ReadinessProbe:           ProbeConfig{IntervalSeconds: 10, TimeoutSeconds: 5, FailureThreshold: 3},
			StuckAgentTimeoutSeconds: 300,
		},
		Fleet: FleetConfig{
			MinReplicas:                 1,
			MaxReplicas:                 10,
			TargetCPUUtilization:        0.7,
			ScaleUpStabilizationSeconds: 60,
			ScaleDownStabilizationSecs:  300,
			AutoscalingIntervalSeconds:  30,
			WarmPool: WarmPoolConfig{
				Enabled:                false,
				Size:                   2,
				RefreshIntervalSeconds: 60,
				MaxInstanceAgeSeconds:  1800,
			},
			GracefulDrain: DrainConfig{TimeoutSeconds: 60, CheckpointBeforeDrain: true},
		},
		Workflow: WorkflowConfig{
			MaxGraphDepth:            50,
			MaxParallelBranches:      5,
			CycleDetection:           true,
			CheckpointOnNodeComplete: true,
			TimeoutSeconds:           600,
		},
		Executor: ExecutorConfig{
			MaxConcurrentTools:  5,
			ToolTimeoutSeconds:  30,
			ContextWindowTokens: 128000,
			EnableStreaming:     true,
			RetryOnToolFailure:  true,
			MaxToolRetries:      3,
		},
		Checkpoint: CheckpointConfig{
			MaxCheckpointBytes: 10 << 20,
			Compress:           true,
			RetentionDays:      7,
		},
		Handoff: HandoffConfig{
			MaxParallelRoles:    5,
			RoleTimeoutSeconds:  120,
			MaxRetries:          2,
			CheckpointOnHandoff: true,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:   5,
			SuccessThreshold:   2,
			TimeoutSeconds:     30,
			HalfOpenRequests:   3,
			ErrorRateThreshold: 0.5,
			WindowSizeSeconds:  60,
		},
		Integration: IntegrationConfig{
			RedisURL:     "redis://localhost:6379",
			MCPErrorMode: "graceful",
		},
		HTTPAddr: ":8002",
	}
}

// LoadConfig reads a YAML config file over the defaults, then applies
// environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Integration.RedisURL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Integration.DatabaseURL = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		c.HTTPAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("RUNTIME_BACKEND"); v != "" {
		c.Runtime.Backend = v
	}
}

// Validate checks cross-field constraints that YAML parsing cannot.
func (c *Config) Validate() error {
	if c.Runtime.Backend != "local" && c.Runtime.Backend != "kubernetes" {
		return fmt.Errorf("unknown runtime backend %q: %w", c.Runtime.Backend, ErrQuotaInvalid)
	}
	if c.Fleet.MinReplicas < 0 || c.Fleet.MaxReplicas < c.Fleet.MinReplicas {
		return fmt.Errorf("fleet replica bounds invalid (min=%d max=%d): %w",
			c.Fleet.MinReplicas, c.Fleet.MaxReplicas, ErrQuotaInvalid)
	}
	if c.Workflow.MaxGraphDepth <= 0 {
		return fmt.Errorf("max_graph_depth must be positive: %w", ErrQuotaInvalid)
	}
	if mode := c.Integration.MCPErrorMode; mode != "fail_fast" && mode != "graceful" {
		return fmt.Errorf("mcp_error_mode must be fail_fast or graceful, got %q: %w", mode, ErrQuotaInvalid)
	}
	return nil
}

// SpawnTimeout returns the spawn deadline as a duration.
func (c *RuntimeConfig) SpawnTimeout() time.Duration {
	return time.Duration(c.SpawnTimeoutSeconds) * time.Second
}

// ShutdownGrace returns the graceful stop window as a duration.
func (c *RuntimeConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.GracefulShutdownSeconds) * time.Second
}
