package pipeline

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSink applies op batches through a single Redis pipeline round trip.
type RedisSink struct {
	rdb redis.Cmdable
}

func NewRedisSink(rdb redis.Cmdable) *RedisSink {
	return &RedisSink{rdb: rdb}
}

func (s *RedisSink) Apply(ctx context.Context, ops []Op) error {
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range ops {
			switch op.Kind {
			case KindHSet:
				args := make([]interface{}, 0, len(op.FieldValues)*2)
				for _, fv := range op.FieldValues {
					args = append(args, fv.Field, fv.Value)
				}
				pipe.HSet(ctx, op.Key, args...)
			case KindDel:
				pipe.Del(ctx, op.Key)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}
