package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SubscriberTable turns Redis keyspace notifications for one table into an
// ordered feed of change records. The Redis server must have keyspace events
// enabled (notify-keyspace-events including "Kgh"). Write events re-read the
// full row, so the delivered field/value pairs reflect the row state at read
// time, which is sufficient for configuration tables.
type SubscriberTable struct {
	table  *Table
	pubsub *redis.PubSub
	prefix string
	ch     chan KeyOpFieldValues
	logger *zap.Logger
}

func NewSubscriberTable(ctx context.Context, rdb *redis.Client, dbIndex int, name, sep string, logger *zap.Logger) (*SubscriberTable, error) {
	prefix := fmt.Sprintf("__keyspace@%d__:%s%s", dbIndex, name, sep)
	pubsub := rdb.PSubscribe(ctx, prefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}

	s := &SubscriberTable{
		table:  NewTable(rdb, name, sep),
		pubsub: pubsub,
		prefix: prefix,
		ch:     make(chan KeyOpFieldValues, 128),
		logger: logger,
	}
	go s.run()
	return s, nil
}

// C delivers change records in arrival order. It is closed after Close.
func (s *SubscriberTable) C() <-chan KeyOpFieldValues { return s.ch }

// Close stops the subscription and eventually closes C.
func (s *SubscriberTable) Close() error { return s.pubsub.Close() }

func (s *SubscriberTable) run() {
	defer close(s.ch)

	for msg := range s.pubsub.Channel() {
		key := strings.TrimPrefix(msg.Channel, s.prefix)

		var rec KeyOpFieldValues
		switch msg.Payload {
		case "del", "expired":
			rec = KeyOpFieldValues{Key: key, Op: OpDel}
		default: // hset, hdel and friends: re-read the row
			fvs, err := s.table.HGetAll(context.Background(), key)
			if err != nil {
				s.logger.Warn("subscriber row read failed",
					zap.String("table", s.table.Name()),
					zap.String("key", key),
					zap.Error(err),
				)
				continue
			}
			rec = KeyOpFieldValues{Key: key, Op: OpSet, FieldValues: fvs}
		}

		s.ch <- rec
	}
}
