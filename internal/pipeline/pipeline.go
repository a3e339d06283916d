// Package pipeline buffers state-database writes and delivers them in
// batches. Callers decide when to flush; the pipeline only forces a flush
// itself when the buffer reaches capacity.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fibsync/fpmsyncd/internal/store"
)

// Kind discriminates buffered operations.
type Kind int

const (
	KindHSet Kind = iota
	KindDel
)

// Op is one buffered write. Key is the full database key.
type Op struct {
	Kind        Kind
	Key         string
	FieldValues []store.FieldValue
}

// Sink applies a batch of operations to the backing store.
type Sink interface {
	Apply(ctx context.Context, ops []Op) error
}

// Pipeline accumulates ops and tracks how long they have been waiting.
// It is confined to the dispatch loop goroutine and needs no locking.
type Pipeline struct {
	sink      Sink
	capacity  int
	ops       []Op
	lastFlush time.Time
	logger    *zap.Logger
}

func New(sink Sink, capacity int, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		sink:      sink,
		capacity:  capacity,
		lastFlush: time.Now(),
		logger:    logger,
	}
}

// HSet buffers a hash write. The buffer is flushed first if it is full.
func (p *Pipeline) HSet(ctx context.Context, key string, fvs ...store.FieldValue) error {
	return p.enqueue(ctx, Op{Kind: KindHSet, Key: key, FieldValues: fvs})
}

// Del buffers a row deletion. The buffer is flushed first if it is full.
func (p *Pipeline) Del(ctx context.Context, key string) error {
	return p.enqueue(ctx, Op{Kind: KindDel, Key: key})
}

func (p *Pipeline) enqueue(ctx context.Context, op Op) error {
	if len(p.ops) >= p.capacity {
		p.logger.Debug("pipeline full, forcing flush", zap.Int("capacity", p.capacity))
		if err := p.Flush(ctx); err != nil {
			return err
		}
	}
	p.ops = append(p.ops, op)
	return nil
}

// Flush delivers all buffered ops and resets the idle clock. Flushing an
// empty pipeline only resets the clock.
func (p *Pipeline) Flush(ctx context.Context) error {
	if len(p.ops) > 0 {
		if err := p.sink.Apply(ctx, p.ops); err != nil {
			return fmt.Errorf("pipeline flush: %w", err)
		}
		p.ops = p.ops[:0]
	}
	p.lastFlush = time.Now()
	return nil
}

// PendingCount returns the number of buffered ops.
func (p *Pipeline) PendingCount() int { return len(p.ops) }

// IdleDuration returns the time elapsed since the last flush.
func (p *Pipeline) IdleDuration() time.Duration { return time.Since(p.lastFlush) }
