package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"

	"classroll/internal/attendance"
	"classroll/internal/logging"
)

const eventChannel = "classroll:events"

var errMissingType = errors.New("event without type")

// EventRelay carries attendance events between processes over Redis pub/sub,
// so a session expired by the worker still stops the api's capture loop and
// reaches live observers. Delivery is at most once.
type EventRelay struct {
	client  *redis.Client
	channel string
}

// NewEventRelay creates a relay on the shared events channel.
func NewEventRelay(client *redis.Client) *EventRelay {
	return &EventRelay{client: client, channel: eventChannel}
}

// Notify publishes evt. Failures are logged and dropped.
func (r *EventRelay) Notify(ctx context.Context, evt attendance.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		logging.FromContext(ctx).Error("encode relayed event", "type", evt.Type, "error", err)
		return
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		logging.FromContext(ctx).Warn("publish relayed event", "type", evt.Type, "error", err)
	}
}

// Subscribe forwards relayed events to n until ctx is cancelled.
func (r *EventRelay) Subscribe(ctx context.Context, n attendance.Notifier) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	logger := logging.FromContext(ctx)
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			evt, err := decodeEvent(msg.Payload)
			if err != nil {
				logger.Warn("drop relayed event", "error", err)
				continue
			}
			n.Notify(ctx, evt)
		}
	}
}

func decodeEvent(payload string) (attendance.Event, error) {
	var evt attendance.Event
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		return attendance.Event{}, err
	}
	if evt.Type == "" {
		return attendance.Event{}, errMissingType
	}
	return evt, nil
}
