package syncd

import (
	"context"
	"time"
)

// noTimeout makes the dispatch loop block until a source is ready.
const noTimeout = time.Duration(-1)

// flushController decides, once per iteration where no other source claimed
// the wake-up, whether to flush the pending writes now or defer and bound
// the next wait instead.
type flushController struct {
	pl           Pipeline
	flushTimeout time.Duration
	smallTraffic int
}

// step runs one flush decision. It returns the next wait timeout and
// whether a flush happened. The timeout is noTimeout exactly when the
// pipeline is empty after the decision.
func (f *flushController) step(ctx context.Context) (time.Duration, bool, error) {
	remaining := f.pl.PendingCount()
	if remaining == 0 {
		return noTimeout, false, nil
	}

	idle := f.pl.IdleDuration()

	// Flush when traffic is small enough that batching buys nothing, when
	// the oldest buffered write has waited the full flush timeout, or when
	// the measured idle time is nonsensical (clock trouble: just flush).
	if remaining < f.smallTraffic || idle >= f.flushTimeout || idle <= 0 {
		if err := f.pl.Flush(ctx); err != nil {
			return noTimeout, false, err
		}
		return noTimeout, true, nil
	}

	// Defer, but bound the next wait so every buffered write is flushed
	// within flushTimeout of the last flush.
	return f.flushTimeout - idle, false, nil
}
