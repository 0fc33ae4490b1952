package integration

import (
	"context"
	"sync"

	"github.com/itsneelabh/agentmesh/core"
)

// EventRouter bridges runtime state-change notifications onto the
// event bus. It implements core.EventSink: each state-change event is
// published on a topic derived from its layer and type, and a routing
// table can redirect event types to custom topics.
type EventRouter struct {
	bus    *EventBus
	source string
	logger core.Logger

	mu     sync.RWMutex
	routes map[string]string // event_type -> topic override
}

// NewEventRouter creates the router.
func NewEventRouter(bus *EventBus, sourceService string, logger core.Logger) *EventRouter {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("integration/router")
	}
	return &EventRouter{
		bus:    bus,
		source: sourceService,
		logger: logger,
		routes: make(map[string]string),
	}
}

// AddRoute redirects an event type to a specific topic.
func (r *EventRouter) AddRoute(eventType, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[eventType] = topic
}

// Emit implements core.EventSink. Routing failures are surfaced to the
// caller, which treats emission as fire-and-forget.
func (r *EventRouter) Emit(ctx context.Context, event core.StateChangeEvent) error {
	topic := r.topicFor(event)

	msg := NewEvent(topic, event.EventType, core.Value{
		"layer":        event.Layer,
		"aggregate_id": event.AggregateID,
		"payload":      event.Payload,
	})
	msg.Metadata.SourceService = r.source
	return r.bus.Publish(ctx, msg)
}

func (r *EventRouter) topicFor(event core.StateChangeEvent) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if topic, ok := r.routes[event.EventType]; ok {
		return topic
	}
	return "events." + event.Layer + "." + event.EventType
}
