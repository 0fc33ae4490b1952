package integration

import (
	"context"
	"time"

	"github.com/itsneelabh/agentmesh/core"
)

// IntegrationLayer is the process-wide facade over the integration
// core. It is constructed once at startup, started, and torn down at
// shutdown; no other component constructs registries or buses.
type IntegrationLayer struct {
	Registry     *ServiceRegistry
	Bus          *EventBus
	Breaker      *CircuitBreaker
	Orchestrator *RequestOrchestrator
	Sagas        *SagaOrchestrator
	Router       *EventRouter
	Documents    *DocumentBridge

	logger core.Logger
}

// NewIntegrationLayer wires the integration components. toolClient may
// be nil (the document bridge then degrades per its error mode).
func NewIntegrationLayer(cfg core.IntegrationConfig, breakerCfg core.CircuitBreakerConfig, redis *core.RedisClient, toolClient core.ToolClient, serviceName string, logger core.Logger) (*IntegrationLayer, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	breaker, err := NewCircuitBreaker(breakerCfg, logger)
	if err != nil {
		return nil, core.NewError(core.CodeInitializationFailed, core.KindFatal, "integration.New", "", err)
	}

	registry := NewServiceRegistry(redis, logger)
	bus := NewEventBus(redis, logger)
	orchestrator := NewRequestOrchestrator(registry, breaker, logger)
	sagas := NewSagaOrchestrator(orchestrator, logger)
	router := NewEventRouter(bus, serviceName, logger)
	documents := NewDocumentBridge(toolClient, ErrorMode(cfg.MCPErrorMode), logger)

	layer := &IntegrationLayer{
		Registry:     registry,
		Bus:          bus,
		Breaker:      breaker,
		Orchestrator: orchestrator,
		Sagas:        sagas,
		Router:       router,
		Documents:    documents,
		logger:       logger,
	}

	// Registry status transitions flow onto the bus as events.
	registry.OnStatusChange(func(event RegistryEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		msg := NewEvent("events.registry.status_changed", "service.status_changed", core.Value{
			"service_id":   event.ServiceID,
			"service_name": event.ServiceName,
			"from":         string(event.From),
			"to":           string(event.To),
		})
		msg.Metadata.SourceService = serviceName
		if err := bus.Publish(ctx, msg); err != nil {
			logger.Warn("Registry event publish failed", map[string]interface{}{
				"service_id": event.ServiceID,
				"error":      err.Error(),
			})
		}
	})

	// Trace correlation fields for every context-aware log line.
	core.SetTraceFieldExtractor(TraceFields)

	return layer, nil
}

// Start launches the background loops (event listener, health probes).
func (l *IntegrationLayer) Start(ctx context.Context) error {
	if err := l.Bus.Start(ctx); err != nil {
		return core.NewError(core.CodeInitializationFailed, core.KindFatal, "integration.Start", "", err)
	}
	l.Registry.Start(ctx)
	l.logger.Info("Integration layer started", nil)
	return nil
}

// Shutdown tears the layer down, bounded by the caller's context.
func (l *IntegrationLayer) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.Registry.Stop()
		l.Bus.Stop()
		close(done)
	}()
	select {
	case <-done:
		l.logger.Info("Integration layer stopped", nil)
		return nil
	case <-ctx.Done():
		return core.NewError(core.CodeShutdownFailed, core.KindFatal, "integration.Shutdown", "",
			core.ErrShutdownFailed)
	}
}
