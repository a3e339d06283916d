package syncd

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fibsync/fpmsyncd/internal/fpm"
	"github.com/fibsync/fpmsyncd/internal/store"
)

// Config wires a Supervisor to its collaborators.
type Config struct {
	Acceptor       Acceptor
	Pipeline       Pipeline
	Translator     Translator
	Helper         RestartHelper
	Dispatcher     *fpm.Dispatcher
	LinkEvents     <-chan fpm.Event
	ConfigChanges  <-chan store.KeyOpFieldValues
	DeviceMetadata ConfigReader
	BgpState       ConfigReader
	AttachResponse AttachFunc
	Tap            EventSink
	Metrics        *Metrics
	Options        Options
	Logger         *zap.Logger
}

// Supervisor is the outermost retry loop. It owns the feed connection
// lifecycle and the suppression state, both of which outlive individual
// sessions.
type Supervisor struct {
	cfg Config
	sp  *suppressor
}

func NewSupervisor(cfg Config) *Supervisor {
	cfg.Options.applyDefaults()
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	return &Supervisor{
		cfg: cfg,
		sp: &suppressor{
			translator: cfg.Translator,
			deviceMeta: cfg.DeviceMetadata,
			attach:     cfg.AttachResponse,
			logger:     cfg.Logger,
		},
	}
}

// Run loops forever: deliver leftover writes, wait for the routing stack to
// connect, run a fresh session, and reconnect when the feed drops. A feed
// disconnect is the only recoverable failure; anything else is returned and
// terminates the daemon. Run returns nil on context cancellation.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.sp.init(ctx); err != nil {
		return fmt.Errorf("suppression setup: %w", err)
	}
	defer s.sp.close()

	for {
		// Writes left over from a prior session must reach the store
		// before restoration could replay them.
		if err := s.cfg.Pipeline.Flush(ctx); err != nil {
			return err
		}
		s.cfg.Metrics.PendingWrites.Set(0)

		s.cfg.Logger.Info("waiting for fpm client connection")
		feed, err := s.cfg.Acceptor.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("feed accept: %w", err)
		}
		s.cfg.Logger.Info("fpm client connected")
		s.cfg.Metrics.Reconnects.Inc()

		sess := s.newSession(feed)
		reason, err := sess.run(ctx)
		feed.Close()

		switch reason {
		case exitFeedClosed:
			s.cfg.Logger.Info("fpm connection lost, reconnecting")
		case exitCanceled:
			return nil
		default:
			return err
		}
	}
}

func (s *Supervisor) newSession(feed Feed) *session {
	return &session{
		feed:       feed,
		linkC:      s.cfg.LinkEvents,
		cfgC:       s.cfg.ConfigChanges,
		dispatcher: s.cfg.Dispatcher,
		pl:         s.cfg.Pipeline,
		translator: s.cfg.Translator,
		helper:     s.cfg.Helper,
		eoiu:       s.cfg.BgpState,
		sp:         s.sp,
		flush: flushController{
			pl:           s.cfg.Pipeline,
			flushTimeout: s.cfg.Options.FlushTimeout,
			smallTraffic: s.cfg.Options.SmallTraffic,
		},
		opts:    s.cfg.Options,
		metrics: s.cfg.Metrics,
		tap:     s.cfg.Tap,
		logger:  s.cfg.Logger,
	}
}
