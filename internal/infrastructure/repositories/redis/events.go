package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"livecast/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType represents the type of event
type EventType string

const (
	EventStreamCreated EventType = "stream.created"
	EventStreamUpdated EventType = "stream.updated"
	EventStreamEnded   EventType = "stream.ended"
)

// Event announces a change to a stream made by some instance.
type Event struct {
	Type       EventType       `json:"type"`
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	StreamID   domain.StreamID `json:"stream_id"`
}

// EventBus publishes stream change events over Redis pub/sub
type EventBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
	channel    string
}

// NewEventBus creates a new event bus
func NewEventBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
		channel:    eventsChannel,
	}
}

// Publish publishes an event to the event bus
func (eb *EventBus) Publish(ctx context.Context, eventType EventType, streamID domain.StreamID) error {
	event := Event{
		Type:       eventType,
		InstanceID: eb.instanceID,
		Timestamp:  time.Now(),
		StreamID:   streamID,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"stream_id", event.StreamID,
	)
	return nil
}

// Subscribe delivers events from other instances to handler until ctx is done.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(Event)) error {
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eb.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			event, skip, err := eb.decode(msg.Payload)
			if err != nil {
				eb.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}
			if skip {
				continue
			}
			handler(event)
		}
	}
}

// decode parses a payload and reports whether it came from this instance.
func (eb *EventBus) decode(payload string) (Event, bool, error) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return Event{}, false, err
	}
	return event, event.InstanceID == eb.instanceID, nil
}
