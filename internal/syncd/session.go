package syncd

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fibsync/fpmsyncd/internal/fpm"
	"github.com/fibsync/fpmsyncd/internal/store"
)

// exitReason classifies why the dispatch loop returned.
type exitReason int

const (
	exitFeedClosed exitReason = iota
	exitCanceled
	exitFatal
)

// session is one feed connection's worth of dispatch state. Everything in
// here is torn down and rebuilt on reconnection; only the collaborators it
// points at survive across sessions.
type session struct {
	feed       Feed
	linkC      <-chan fpm.Event
	cfgC       <-chan store.KeyOpFieldValues
	dispatcher *fpm.Dispatcher
	pl         Pipeline
	translator Translator
	helper     RestartHelper
	eoiu       ConfigReader
	sp         *suppressor
	timers     timerSet
	flush      flushController
	opts       Options
	metrics    *Metrics
	tap        EventSink
	logger     *zap.Logger

	warmEnabled bool
	reconciled  bool // reconcile action latch, at most once per session
	timeout     time.Duration
}

func (s *session) run(ctx context.Context) (exitReason, error) {
	defer s.timers.disarmAll()

	if err := s.begin(ctx); err != nil {
		return exitFatal, err
	}

	s.timeout = noTimeout
	for {
		var idle *time.Timer
		var timeoutC <-chan time.Time
		if s.timeout >= 0 {
			idle = time.NewTimer(s.timeout)
			timeoutC = idle.C
		}

		done, reason, err := s.step(ctx, timeoutC)

		if idle != nil {
			idle.Stop()
		}
		if done {
			return reason, err
		}
	}
}

// step waits for exactly one source to become ready and dispatches it.
func (s *session) step(ctx context.Context, timeoutC <-chan time.Time) (bool, exitReason, error) {
	select {
	case <-ctx.Done():
		return true, exitCanceled, ctx.Err()

	case ev, ok := <-s.feed.Events():
		if !ok {
			err := s.feed.Err()
			if errors.Is(err, fpm.ErrConnClosed) {
				return true, exitFeedClosed, err
			}
			return true, exitFatal, err
		}
		if err := s.handleEvent(ctx, ev); err != nil {
			return true, exitFatal, err
		}

	case ev := <-s.linkC:
		if err := s.handleEvent(ctx, ev); err != nil {
			return true, exitFatal, err
		}

	case rec, ok := <-s.cfgC:
		if !ok {
			return true, exitFatal, errors.New("config change feed closed")
		}
		for _, r := range drain(s.cfgC, rec) {
			if err := s.sp.handleConfigRecord(ctx, r); err != nil {
				return true, exitFatal, err
			}
		}

	case rec, ok := <-s.sp.C():
		if !ok {
			return true, exitFatal, errors.New("response feed closed")
		}
		for _, r := range drain(s.sp.C(), rec) {
			if err := s.translator.OnRouteResponse(ctx, r); err != nil {
				return true, exitFatal, err
			}
		}

	case <-s.timers.warmStart.C():
		s.logger.Info("warm-restart timer expired")
		if err := s.completeReconciliation(ctx); err != nil {
			return true, exitFatal, err
		}

	case <-s.timers.eoiuHold.C():
		s.logger.Info("warm-restart eoiu hold timer expired")
		if err := s.completeReconciliation(ctx); err != nil {
			return true, exitFatal, err
		}

	case <-s.timers.eoiuCheck.C():
		if err := s.onEoiuPoll(ctx); err != nil {
			return true, exitFatal, err
		}

	case <-timeoutC:
		if err := s.flushStep(ctx); err != nil {
			return true, exitFatal, err
		}
	}
	return false, 0, nil
}

func (s *session) handleEvent(ctx context.Context, ev fpm.Event) error {
	s.metrics.Events.WithLabelValues(ev.Kind.String()).Inc()
	if s.tap != nil {
		s.tap.Publish(ev)
	}
	if err := s.dispatcher.Dispatch(ctx, ev); err != nil {
		return err
	}
	return s.flushStep(ctx)
}

// flushStep runs the write-flush controller unless warm-restart recovery is
// still in progress; until reconciliation, buffered writes are delivered
// only by pipeline capacity.
func (s *session) flushStep(ctx context.Context) error {
	if s.warmEnabled && !s.helper.IsReconciled() {
		return nil
	}

	timeout, flushed, err := s.flush.step(ctx)
	if err != nil {
		return err
	}
	s.timeout = timeout
	if flushed {
		s.metrics.Flushes.WithLabelValues("idle").Inc()
	}
	s.metrics.PendingWrites.Set(float64(s.pl.PendingCount()))
	return nil
}
