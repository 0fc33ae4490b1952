package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/itsneelabh/agentmesh/core"
)

// KubernetesProvider is the cluster backend stub. Pod naming follows
// agent-<agent_id>; everything beyond deterministic naming returns a
// typed not-implemented error so the local backend carries single-node
// deployments until the cluster path is built out.
type KubernetesProvider struct {
	Namespace string
	logger    core.Logger
}

// NewKubernetesProvider creates the stub backend.
func NewKubernetesProvider(namespace string, logger core.Logger) *KubernetesProvider {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if namespace == "" {
		namespace = "agentmesh"
	}
	return &KubernetesProvider{Namespace: namespace, logger: logger}
}

// PodName returns the deterministic pod name for an agent.
func (p *KubernetesProvider) PodName(agentID string) string {
	return "agent-" + agentID
}

func (p *KubernetesProvider) Spawn(ctx context.Context, config core.AgentConfig, sandbox core.SandboxConfiguration, env map[string]string) (string, error) {
	return "", fmt.Errorf("kubernetes backend not implemented (would create pod %s/%s): %w",
		p.Namespace, p.PodName(config.AgentID), core.ErrNotInitialized)
}

func (p *KubernetesProvider) Stop(ctx context.Context, handle string, gracePeriod time.Duration, force bool) error {
	return fmt.Errorf("kubernetes backend not implemented: %w", core.ErrNotInitialized)
}

func (p *KubernetesProvider) Pause(ctx context.Context, handle string) (string, error) {
	return "", fmt.Errorf("kubernetes backend not implemented: %w", core.ErrNotInitialized)
}

func (p *KubernetesProvider) Resume(ctx context.Context, handle string, checkpointID string) error {
	return fmt.Errorf("kubernetes backend not implemented: %w", core.ErrNotInitialized)
}

func (p *KubernetesProvider) State(ctx context.Context, handle string) (core.ContainerState, error) {
	return core.ContainerUnknown, fmt.Errorf("kubernetes backend not implemented: %w", core.ErrNotInitialized)
}
