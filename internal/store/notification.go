package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NotificationConsumer consumes a Redis pub/sub notification channel. Each
// message is a JSON array ["op", "key", [["field", "value"], ...]], matching
// what the response producers publish.
type NotificationConsumer struct {
	pubsub *redis.PubSub
	ch     chan KeyOpFieldValues
	logger *zap.Logger
}

func NewNotificationConsumer(ctx context.Context, rdb *redis.Client, channel string, logger *zap.Logger) (*NotificationConsumer, error) {
	pubsub := rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	c := &NotificationConsumer{
		pubsub: pubsub,
		ch:     make(chan KeyOpFieldValues, 128),
		logger: logger,
	}
	go c.run()
	return c, nil
}

// C delivers notifications in arrival order. It is closed after Close.
func (c *NotificationConsumer) C() <-chan KeyOpFieldValues { return c.ch }

// Close stops the subscription and eventually closes C.
func (c *NotificationConsumer) Close() error { return c.pubsub.Close() }

func (c *NotificationConsumer) run() {
	defer close(c.ch)

	for msg := range c.pubsub.Channel() {
		rec, err := decodeNotification(msg.Payload)
		if err != nil {
			c.logger.Debug("malformed notification",
				zap.String("channel", c.pubsub.String()),
				zap.Error(err),
			)
			continue
		}
		c.ch <- rec
	}
}

func decodeNotification(payload string) (KeyOpFieldValues, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal([]byte(payload), &parts); err != nil {
		return KeyOpFieldValues{}, err
	}
	if len(parts) != 3 {
		return KeyOpFieldValues{}, fmt.Errorf("expected 3 elements, got %d", len(parts))
	}

	var op, key string
	var pairs [][2]string
	if err := json.Unmarshal(parts[0], &op); err != nil {
		return KeyOpFieldValues{}, err
	}
	if err := json.Unmarshal(parts[1], &key); err != nil {
		return KeyOpFieldValues{}, err
	}
	if err := json.Unmarshal(parts[2], &pairs); err != nil {
		return KeyOpFieldValues{}, err
	}

	rec := KeyOpFieldValues{Key: key, Op: Op(op)}
	for _, p := range pairs {
		rec.FieldValues = append(rec.FieldValues, FieldValue{Field: p[0], Value: p[1]})
	}
	return rec, nil
}
