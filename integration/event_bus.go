package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/itsneelabh/agentmesh/core"
)

// EventPriority orders event handling importance.
type EventPriority string

const (
	PriorityLow      EventPriority = "low"
	PriorityNormal   EventPriority = "normal"
	PriorityHigh     EventPriority = "high"
	PriorityCritical EventPriority = "critical"
)

// EventMetadata is the envelope of one event.
type EventMetadata struct {
	EventID       string        `json:"event_id"`
	TraceID       string        `json:"trace_id,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	SourceService string        `json:"source_service,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
	Priority      EventPriority `json:"priority"`
	RetryCount    int           `json:"retry_count"`
	MaxRetries    int           `json:"max_retries"`
	Tags          []string      `json:"tags,omitempty"`
}

// EventMessage is the wire format published on the bus.
type EventMessage struct {
	Topic         string        `json:"topic"`
	EventType     string        `json:"event_type"`
	Payload       core.Value    `json:"payload"`
	Metadata      EventMetadata `json:"metadata"`
	SchemaVersion string        `json:"schema_version"`
}

// NewEvent builds an event with a fresh envelope.
func NewEvent(topic, eventType string, payload core.Value) *EventMessage {
	return &EventMessage{
		Topic:     topic,
		EventType: eventType,
		Payload:   payload,
		Metadata: EventMetadata{
			EventID:    uuid.NewString(),
			Timestamp:  time.Now().UTC(),
			Priority:   PriorityNormal,
			MaxRetries: 3,
		},
		SchemaVersion: "1.0",
	}
}

// EventHandler processes one delivered event.
type EventHandler func(ctx context.Context, event *EventMessage) error

// subscription is one active handler binding.
type subscription struct {
	id          string
	topic       string // may contain * wildcards
	serviceName string
	handler     EventHandler
}

// DLQEntry is one dead-lettered event, stored at dlq:{topic}.
type DLQEntry struct {
	Event    string `json:"event"`
	Error    string `json:"error"`
	FailedAt string `json:"failed_at"`
}

// EventBus is pub/sub over Redis with retry and a dead-letter queue.
// A single consumer loop reads the broker and dispatches each message
// to every matching subscription as an independent goroutine, so
// handlers must not assume serial ordering per topic.
type EventBus struct {
	client *core.RedisClient
	logger core.Logger

	mu            sync.Mutex
	subscriptions map[string]*subscription // id -> sub
	topicRefs     map[string]int           // topic pattern -> active count
	pubsub        *redis.PubSub
	running       bool
	cancel        context.CancelFunc
	done          chan struct{}
}

// NewEventBus creates the bus on the given Redis client.
func NewEventBus(client *core.RedisClient, logger core.Logger) *EventBus {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("integration/eventbus")
	}
	return &EventBus{
		client:        client,
		logger:        logger,
		subscriptions: make(map[string]*subscription),
		topicRefs:     make(map[string]int),
	}
}

// Publish serializes the event and publishes it on its topic channel.
func (b *EventBus) Publish(ctx context.Context, event *EventMessage) error {
	const op = "eventbus.Publish"

	if event.Metadata.EventID == "" {
		event.Metadata.EventID = uuid.NewString()
	}
	if event.Metadata.Timestamp.IsZero() {
		event.Metadata.Timestamp = time.Now().UTC()
	}
	if rc := RequestContextFrom(ctx); rc != nil {
		if event.Metadata.TraceID == "" {
			event.Metadata.TraceID = rc.TraceID
		}
		if event.Metadata.CorrelationID == "" {
			event.Metadata.CorrelationID = rc.CorrelationID
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return core.NewError(core.CodePublishFailed, core.KindInvalid, op, event.Topic,
			fmt.Errorf("serialize event: %w", err))
	}
	if err := b.client.Underlying().Publish(ctx, event.Topic, data).Err(); err != nil {
		return core.NewError(core.CodePublishFailed, core.KindTransient, op, event.Topic,
			fmt.Errorf("%w: %v", core.ErrPublishFailed, err))
	}
	return nil
}

// Subscribe binds a handler to a topic (wildcards with *). Returns the
// subscription id.
func (b *EventBus) Subscribe(ctx context.Context, topic string, handler EventHandler, serviceName string) (string, error) {
	sub := &subscription{
		id:          uuid.NewString(),
		topic:       topic,
		serviceName: serviceName,
		handler:     handler,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscriptions[sub.id] = sub
	b.topicRefs[topic]++
	if b.topicRefs[topic] == 1 && b.pubsub != nil {
		if err := b.brokerSubscribe(ctx, topic); err != nil {
			delete(b.subscriptions, sub.id)
			b.topicRefs[topic]--
			return "", err
		}
	}

	b.logger.Info("Subscription added", map[string]interface{}{
		"subscription_id": sub.id,
		"topic":           topic,
		"service":         serviceName,
	})
	return sub.id, nil
}

// Unsubscribe removes a subscription. Idempotent; the broker-level
// unsubscribe is only issued when no other subscription remains for the
// topic.
func (b *EventBus) Unsubscribe(ctx context.Context, subscriptionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscriptions[subscriptionID]
	if !ok {
		return nil
	}
	delete(b.subscriptions, subscriptionID)
	b.topicRefs[sub.topic]--
	if b.topicRefs[sub.topic] <= 0 {
		delete(b.topicRefs, sub.topic)
		if b.pubsub != nil {
			b.brokerUnsubscribe(ctx, sub.topic)
		}
	}
	return nil
}

// Start opens the broker subscription and launches the consumer loop.
func (b *EventBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return core.ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})

	// One consumer connection serves every topic; channels and patterns
	// are added as subscriptions arrive.
	b.pubsub = b.client.Underlying().Subscribe(ctx)
	for topic := range b.topicRefs {
		if err := b.brokerSubscribe(ctx, topic); err != nil {
			b.logger.Warn("Broker subscribe failed at start", map[string]interface{}{
				"topic": topic,
				"error": err.Error(),
			})
		}
	}
	b.running = true

	go b.listen(ctx)
	return nil
}

// Stop cancels the consumer loop and closes the broker subscription.
func (b *EventBus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	cancel := b.cancel
	pubsub := b.pubsub
	done := b.done
	b.mu.Unlock()

	cancel()
	if pubsub != nil {
		_ = pubsub.Close()
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		b.logger.Warn("Event bus listener did not exit in time", nil)
	}
}

func (b *EventBus) brokerSubscribe(ctx context.Context, topic string) error {
	if strings.Contains(topic, "*") {
		return b.pubsub.PSubscribe(ctx, topic)
	}
	return b.pubsub.Subscribe(ctx, topic)
}

func (b *EventBus) brokerUnsubscribe(ctx context.Context, topic string) {
	var err error
	if strings.Contains(topic, "*") {
		err = b.pubsub.PUnsubscribe(ctx, topic)
	} else {
		err = b.pubsub.Unsubscribe(ctx, topic)
	}
	if err != nil {
		b.logger.Warn("Broker unsubscribe failed", map[string]interface{}{
			"topic": topic,
			"error": err.Error(),
		})
	}
}

// listen is the single consumer loop. Each message is dispatched to
// every matching subscription on its own goroutine.
func (b *EventBus) listen(ctx context.Context) {
	defer close(b.done)
	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event EventMessage
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Warn("Undecodable event dropped", map[string]interface{}{
					"channel": msg.Channel,
					"error":   err.Error(),
				})
				continue
			}
			if event.Topic == "" {
				event.Topic = msg.Channel
			}

			// Route by the broker-side subscription that delivered the
			// message (pattern for psubscribe, channel otherwise) so
			// overlapping subscriptions never double-dispatch.
			route := msg.Channel
			if msg.Pattern != "" {
				route = msg.Pattern
			}
			for _, sub := range b.matching(route, event.Topic) {
				sub := sub
				go b.dispatch(ctx, sub, &event)
			}
		}
	}
}

func (b *EventBus) matching(route, topic string) []*subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*subscription
	for _, sub := range b.subscriptions {
		if sub.topic == route && topicMatches(sub.topic, topic) {
			out = append(out, sub)
		}
	}
	return out
}

// topicMatches glob-matches a subscription pattern against a concrete
// topic.
func topicMatches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	ok, err := path.Match(pattern, topic)
	return err == nil && ok
}

// dispatch runs one handler. On failure the event's retry count is
// bumped and the event re-published while retries remain; exhausted
// events go to the dead-letter list at dlq:{topic}.
func (b *EventBus) dispatch(ctx context.Context, sub *subscription, event *EventMessage) {
	err := b.invoke(ctx, sub, event)
	if err == nil {
		return
	}

	b.logger.Warn("Event handler failed", map[string]interface{}{
		"subscription_id": sub.id,
		"topic":           event.Topic,
		"event_id":        event.Metadata.EventID,
		"retry_count":     event.Metadata.RetryCount,
		"error":           err.Error(),
	})

	retry := *event
	retry.Metadata.RetryCount++
	if retry.Metadata.RetryCount <= retry.Metadata.MaxRetries {
		if perr := b.Publish(ctx, &retry); perr != nil {
			b.logger.Error("Event retry publish failed", map[string]interface{}{
				"event_id": event.Metadata.EventID,
				"error":    perr.Error(),
			})
		}
		return
	}
	b.deadLetter(ctx, event, err)
}

func (b *EventBus) invoke(ctx context.Context, sub *subscription, event *EventMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(ctx, event)
}

// deadLetter appends the event to dlq:{topic}.
func (b *EventBus) deadLetter(ctx context.Context, event *EventMessage, cause error) {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("Dead-letter serialization failed", map[string]interface{}{
			"event_id": event.Metadata.EventID,
			"error":    err.Error(),
		})
		return
	}
	entry := DLQEntry{
		Event:    string(eventJSON),
		Error:    cause.Error(),
		FailedAt: time.Now().UTC().Format(time.RFC3339),
	}
	entryJSON, _ := json.Marshal(entry)

	if err := b.client.RPush(ctx, "dlq:"+event.Topic, entryJSON); err != nil {
		b.logger.Error("Dead-letter push failed", map[string]interface{}{
			"event_id": event.Metadata.EventID,
			"topic":    event.Topic,
			"error":    err.Error(),
		})
		return
	}
	b.logger.Warn("Event dead-lettered", map[string]interface{}{
		"event_id":    event.Metadata.EventID,
		"topic":       event.Topic,
		"retry_count": event.Metadata.RetryCount,
	})
}

// DeadLetters reads the dead-letter list of a topic.
func (b *EventBus) DeadLetters(ctx context.Context, topic string) ([]DLQEntry, error) {
	raw, err := b.client.LRange(ctx, "dlq:"+topic, 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]DLQEntry, 0, len(raw))
	for _, item := range raw {
		var entry DLQEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}
