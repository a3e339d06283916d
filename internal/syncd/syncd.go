// Package syncd implements the fpmsyncd core: the connection supervisor,
// the single-threaded dispatch loop, the warm-restart/EOIU reconciliation
// state machine, the suppression reconfiguration handler and the adaptive
// write-flush controller. Collaborators (feed, translator, pipeline, store)
// are consumed through the narrow interfaces below.
package syncd

import (
	"context"
	"time"

	"github.com/fibsync/fpmsyncd/internal/fpm"
	"github.com/fibsync/fpmsyncd/internal/store"
	"github.com/fibsync/fpmsyncd/internal/warm"
)

// Pipeline is the flush surface of the batched write pipeline.
type Pipeline interface {
	Flush(ctx context.Context) error
	PendingCount() int
	IdleDuration() time.Duration
}

// Translator is the route translator the loop drives for suppression,
// responses and reconciliation. Feed events reach it through the fpm
// dispatcher, registered once at startup.
type Translator interface {
	IsSuppressionEnabled() bool
	SetSuppressionEnabled(enabled bool)
	MarkRoutesOffloaded(ctx context.Context) error
	OnRouteResponse(ctx context.Context, rec store.KeyOpFieldValues) error
	OnWarmStartEnd(ctx context.Context) error
}

// RestartHelper owns warm-restart state; the core only sequences calls.
type RestartHelper interface {
	CheckAndStart(ctx context.Context) (bool, error)
	RestartTimer(ctx context.Context) (time.Duration, error)
	EoiuHoldTimer(ctx context.Context) (time.Duration, error)
	RunRestoration(ctx context.Context) (bool, error)
	InProgress() bool
	IsReconciled() bool
	SetState(ctx context.Context, s warm.State) error
}

// ConfigReader reads single configuration fields.
type ConfigReader interface {
	HGet(ctx context.Context, key, field string) (string, error)
}

// Feed is one live feed connection. Events closes on disconnect, after
// which Err reports why.
type Feed interface {
	Events() <-chan fpm.Event
	Err() error
	Close() error
}

// Acceptor blocks until the routing stack connects.
type Acceptor interface {
	Accept(ctx context.Context) (Feed, error)
}

// AcceptorFunc adapts a function to the Acceptor interface.
type AcceptorFunc func(ctx context.Context) (Feed, error)

func (f AcceptorFunc) Accept(ctx context.Context) (Feed, error) { return f(ctx) }

// ResponseFeed is the attachable response-notification source, consumed
// only while suppression is enabled.
type ResponseFeed interface {
	C() <-chan store.KeyOpFieldValues
	Close() error
}

// AttachFunc creates a fresh response feed when suppression is enabled.
type AttachFunc func(ctx context.Context) (ResponseFeed, error)

// EventSink receives a copy of every dispatched feed event, best effort.
type EventSink interface {
	Publish(ev fpm.Event)
}

// Options are the core's tunables. Zero values fall back to the defaults
// the routing stack integration expects.
type Options struct {
	FlushTimeout           time.Duration // adaptive flush bound, default 500ms
	SmallTraffic           int           // batching threshold, default 500 entries
	DefaultRestartInterval time.Duration // warm-start deadline fallback, default 120s
	DefaultEoiuHold        time.Duration // EOIU hold fallback, default 3s
	EoiuCheckInitial       time.Duration // first EOIU poll delay, default 5s
	EoiuCheckInterval      time.Duration // EOIU re-poll cadence, default 1s
}

func (o *Options) applyDefaults() {
	if o.FlushTimeout == 0 {
		o.FlushTimeout = 500 * time.Millisecond
	}
	if o.SmallTraffic == 0 {
		o.SmallTraffic = 500
	}
	if o.DefaultRestartInterval == 0 {
		o.DefaultRestartInterval = 120 * time.Second
	}
	if o.DefaultEoiuHold == 0 {
		o.DefaultEoiuHold = 3 * time.Second
	}
	if o.EoiuCheckInitial == 0 {
		o.EoiuCheckInitial = 5 * time.Second
	}
	if o.EoiuCheckInterval == 0 {
		o.EoiuCheckInterval = time.Second
	}
}

// drain reads every record already queued on ch, preserving arrival order.
func drain[T any](ch <-chan T, first T) []T {
	recs := []T{first}
	for {
		select {
		case rec, ok := <-ch:
			if !ok {
				return recs
			}
			recs = append(recs, rec)
		default:
			return recs
		}
	}
}
