package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/convohq/convo/internal/journal"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

const eventsChannel = "chat:events"

// RedisEventBroker implements EventBroker over Redis pub/sub. Every published
// event is also journaled locally before the publish, so a broker outage
// leaves an on-disk trace of what the push layer missed.
type RedisEventBroker struct {
	client  *redis.Client
	pubsub  *redis.PubSub
	journal *journal.Journal
	ctx     context.Context
}

func NewRedisEventBroker(redisURL string, j *journal.Journal) (*RedisEventBroker, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opt)

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisEventBroker{
		client:  client,
		journal: j,
		ctx:     ctx,
	}, nil
}

func (b *RedisEventBroker) Publish(roomID uuid.UUID, kind EventKind, payload interface{}) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = data
	}

	event := Event{
		ID:         ulid.Make().String(),
		RoomID:     roomID,
		Kind:       kind,
		Payload:    raw,
		OccurredAt: time.Now(),
	}

	if b.journal != nil {
		entry := journal.Entry{
			EventID:    event.ID,
			RoomID:     event.RoomID.String(),
			Kind:       string(event.Kind),
			Payload:    event.Payload,
			OccurredAt: event.OccurredAt,
		}
		if err := b.journal.Append(entry); err != nil {
			return err
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return b.client.Publish(b.ctx, eventsChannel, data).Err()
}

func (b *RedisEventBroker) Subscribe() (<-chan Event, error) {
	b.pubsub = b.client.Subscribe(b.ctx, eventsChannel)

	eventChan := make(chan Event, 100)

	go func() {
		defer close(eventChan)

		for redisMsg := range b.pubsub.Channel() {
			var event Event

			if err := json.Unmarshal([]byte(redisMsg.Payload), &event); err != nil {
				continue
			}

			eventChan <- event
		}
	}()

	return eventChan, nil
}

func (b *RedisEventBroker) Close() error {
	if b.pubsub != nil {
		b.pubsub.Close()
	}
	return b.client.Close()
}
