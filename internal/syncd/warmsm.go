package syncd

import (
	"context"

	"go.uber.org/zap"

	"github.com/fibsync/fpmsyncd/internal/warm"
)

// begin runs the session-start half of the reconciliation state machine:
// query whether warm restart is enabled, replay the persisted route state,
// and arm the deadline and poll timers.
func (s *session) begin(ctx context.Context) error {
	enabled, err := s.helper.CheckAndStart(ctx)
	if err != nil {
		return err
	}
	s.warmEnabled = enabled

	if !enabled {
		if s.helper.IsReconciled() {
			s.metrics.WarmState.Set(3)
			return nil
		}
		s.metrics.WarmState.Set(0)
		return s.helper.SetState(ctx, warm.StateDisabled)
	}

	interval, err := s.helper.RestartTimer(ctx)
	if err != nil {
		return err
	}
	if interval == 0 {
		interval = s.opts.DefaultRestartInterval
	}

	didWork, err := s.helper.RunRestoration(ctx)
	if err != nil {
		return err
	}
	if didWork {
		s.timers.warmStart.arm(interval)
		s.logger.Info("warm-restart timer started", zap.Duration("interval", interval))
	}

	s.timers.eoiuCheck.arm(s.opts.EoiuCheckInitial)
	s.logger.Info("warm-restart eoiu check timer started", zap.Duration("delay", s.opts.EoiuCheckInitial))
	s.metrics.WarmState.Set(2)
	return nil
}

// completeReconciliation is the single terminal transition. Both the
// warm-start deadline and the EOIU hold timer land here; the latch and the
// helper state keep the action to at most one execution per session.
func (s *session) completeReconciliation(ctx context.Context) error {
	s.timers.disarmReconcile()

	if s.reconciled || s.helper.IsReconciled() {
		return nil
	}

	if err := s.translator.OnWarmStartEnd(ctx); err != nil {
		return err
	}
	s.reconciled = true

	// Externally visible state must reflect reconciliation before any
	// further event is processed.
	if err := s.pl.Flush(ctx); err != nil {
		return err
	}
	s.timeout = noTimeout
	s.metrics.Flushes.WithLabelValues("reconcile").Inc()
	s.metrics.PendingWrites.Set(0)
	s.metrics.WarmState.Set(3)
	return nil
}

// onEoiuPoll is one tick of the EOIU poll timer.
func (s *session) onEoiuPoll(ctx context.Context) error {
	if !s.helper.InProgress() {
		// Reconciled through another path; stop polling.
		s.timers.eoiuCheck.disarm()
		return nil
	}

	reached, err := s.eoiuReached(ctx)
	if err != nil {
		return err
	}
	if !reached {
		s.timers.eoiuCheck.arm(s.opts.EoiuCheckInterval)
		return nil
	}

	hold, err := s.helper.EoiuHoldTimer(ctx)
	if err != nil {
		return err
	}
	if hold == 0 {
		hold = s.opts.DefaultEoiuHold
	}
	// Let transient withdrawals settle before declaring recovery done.
	s.timers.armHold(hold)
	s.logger.Info("eoiu reached for both families, hold timer started", zap.Duration("hold", hold))
	return nil
}

// eoiuReached reports whether both address families have signalled end of
// initial update.
func (s *session) eoiuReached(ctx context.Context) (bool, error) {
	for _, family := range []string{"IPv4", "IPv6"} {
		val, err := s.eoiu.HGet(ctx, family+"|eoiu", "state")
		if err != nil {
			return false, err
		}
		if val != "reached" {
			s.logger.Debug("eoiu not reached",
				zap.String("family", family),
				zap.String("state", val),
			)
			return false, nil
		}
	}
	return true, nil
}
