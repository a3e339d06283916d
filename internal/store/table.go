package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Table provides hash-per-row access to one logical table. Every row is a
// Redis hash whose key is "<table><sep><row key>".
type Table struct {
	rdb  redis.Cmdable
	name string
	sep  string
}

func NewTable(rdb redis.Cmdable, name, sep string) *Table {
	return &Table{rdb: rdb, name: name, sep: sep}
}

// Name returns the table name without any separator.
func (t *Table) Name() string { return t.name }

// RowKey returns the full database key for a row.
func (t *Table) RowKey(key string) string {
	return t.name + t.sep + key
}

// HGet reads a single field. A missing row or field yields "" without error.
func (t *Table) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := t.rdb.HGet(ctx, t.RowKey(key), field).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("hget %s %s: %w", t.RowKey(key), field, err)
	}
	return val, nil
}

// HSet writes the given field/value pairs into a row.
func (t *Table) HSet(ctx context.Context, key string, fvs ...FieldValue) error {
	if len(fvs) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fvs)*2)
	for _, fv := range fvs {
		args = append(args, fv.Field, fv.Value)
	}
	if err := t.rdb.HSet(ctx, t.RowKey(key), args...).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", t.RowKey(key), err)
	}
	return nil
}

// HGetAll reads a full row. A missing row yields an empty slice.
func (t *Table) HGetAll(ctx context.Context, key string) ([]FieldValue, error) {
	m, err := t.rdb.HGetAll(ctx, t.RowKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", t.RowKey(key), err)
	}
	fvs := make([]FieldValue, 0, len(m))
	for f, v := range m {
		fvs = append(fvs, FieldValue{Field: f, Value: v})
	}
	return fvs, nil
}

// Del removes a row.
func (t *Table) Del(ctx context.Context, key string) error {
	if err := t.rdb.Del(ctx, t.RowKey(key)).Err(); err != nil {
		return fmt.Errorf("del %s: %w", t.RowKey(key), err)
	}
	return nil
}

// Keys scans the table and returns all row keys, with the table prefix
// stripped.
func (t *Table) Keys(ctx context.Context) ([]string, error) {
	prefix := t.name + t.sep
	var keys []string
	var cursor uint64
	for {
		batch, next, err := t.rdb.Scan(ctx, cursor, prefix+"*", 256).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", t.name, err)
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, prefix))
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}
