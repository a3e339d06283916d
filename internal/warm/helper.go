// Package warm owns the warm-restart state for the routing application:
// whether the feature is enabled, where recovery stands, and the replay of
// the previously persisted route state.
package warm

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fibsync/fpmsyncd/internal/store"
)

// State is the warm-restart progress marker.
type State int

const (
	StateDisabled State = iota
	StateInitialized
	StateRestored
	StateReconciled
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateInitialized:
		return "initialized"
	case StateRestored:
		return "restored"
	case StateReconciled:
		return "reconciled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ConfigReader reads warm-restart configuration fields.
type ConfigReader interface {
	HGet(ctx context.Context, key, field string) (string, error)
}

// StateWriter mirrors state transitions into the state database.
type StateWriter interface {
	HSet(ctx context.Context, key string, fvs ...store.FieldValue) error
}

// RouteDump is the persisted route table replayed during restoration.
type RouteDump interface {
	Keys(ctx context.Context) ([]string, error)
	HGetAll(ctx context.Context, key string) ([]store.FieldValue, error)
	RowKey(key string) string
}

// WriteBuffer receives the replayed rows.
type WriteBuffer interface {
	HSet(ctx context.Context, key string, fvs ...store.FieldValue) error
}

// Helper sequences warm-restart recovery for one application. It is driven
// by the sync core and confined to the dispatch loop goroutine.
type Helper struct {
	cfg      ConfigReader
	stateOut StateWriter
	dump     RouteDump
	buf      WriteBuffer
	app      string
	logger   *zap.Logger

	enabled  bool
	state    State
	restored map[string]struct{}
}

func NewHelper(cfg ConfigReader, stateOut StateWriter, dump RouteDump, buf WriteBuffer, app string, logger *zap.Logger) *Helper {
	return &Helper{
		cfg:      cfg,
		stateOut: stateOut,
		dump:     dump,
		buf:      buf,
		app:      app,
		logger:   logger,
		restored: make(map[string]struct{}),
	}
}

// CheckAndStart queries whether warm restart is configured for the
// application and, if so, begins a recovery cycle. Once a cycle has
// reconciled, later sessions are reported as not warm-starting.
func (h *Helper) CheckAndStart(ctx context.Context) (bool, error) {
	if h.state == StateReconciled {
		return false, nil
	}

	for _, key := range []string{"system", h.app} {
		val, err := h.cfg.HGet(ctx, key, "enable")
		if err != nil {
			return false, fmt.Errorf("warm restart config: %w", err)
		}
		if val == "true" {
			h.enabled = true
			break
		}
	}
	if !h.enabled {
		return false, nil
	}

	if h.state == StateDisabled {
		if err := h.SetState(ctx, StateInitialized); err != nil {
			return false, err
		}
	}
	return true, nil
}

// RestartTimer returns the configured restart deadline, or zero when unset.
func (h *Helper) RestartTimer(ctx context.Context) (time.Duration, error) {
	return h.timerField(ctx, h.app+"_timer")
}

// EoiuHoldTimer returns the configured EOIU hold interval, or zero when
// unset.
func (h *Helper) EoiuHoldTimer(ctx context.Context) (time.Duration, error) {
	return h.timerField(ctx, "eoiu_hold")
}

func (h *Helper) timerField(ctx context.Context, field string) (time.Duration, error) {
	val, err := h.cfg.HGet(ctx, h.app, field)
	if err != nil {
		return 0, fmt.Errorf("warm restart config: %w", err)
	}
	if val == "" {
		return 0, nil
	}
	secs, err := strconv.ParseUint(val, 10, 32)
	if err != nil {
		h.logger.Warn("ignoring malformed warm-restart timer",
			zap.String("field", field),
			zap.String("value", val),
		)
		return 0, nil
	}
	return time.Duration(secs) * time.Second, nil
}

// RunRestoration replays the persisted route dump into the write buffer and
// reports whether any rows were replayed.
func (h *Helper) RunRestoration(ctx context.Context) (bool, error) {
	keys, err := h.dump.Keys(ctx)
	if err != nil {
		return false, fmt.Errorf("warm restart dump: %w", err)
	}

	for _, key := range keys {
		fvs, err := h.dump.HGetAll(ctx, key)
		if err != nil {
			return false, fmt.Errorf("warm restart dump row %s: %w", key, err)
		}
		if len(fvs) == 0 {
			continue
		}
		if err := h.buf.HSet(ctx, h.dump.RowKey(key), fvs...); err != nil {
			return false, err
		}
		h.restored[key] = struct{}{}
	}

	if err := h.SetState(ctx, StateRestored); err != nil {
		return false, err
	}

	h.logger.Info("restoration replay finished",
		zap.String("app", h.app),
		zap.Int("routes", len(h.restored)),
	)
	return len(h.restored) > 0, nil
}

// InProgress reports whether recovery has started and not yet reconciled.
func (h *Helper) InProgress() bool {
	return h.enabled && h.state != StateDisabled && h.state != StateReconciled
}

// IsReconciled reports whether recovery has finished.
func (h *Helper) IsReconciled() bool { return h.state == StateReconciled }

// Restored returns the keys replayed by RunRestoration.
func (h *Helper) Restored() map[string]struct{} { return h.restored }

// SetState records a transition locally and in the state database.
func (h *Helper) SetState(ctx context.Context, s State) error {
	h.state = s
	if err := h.stateOut.HSet(ctx, h.app, store.FieldValue{Field: "state", Value: s.String()}); err != nil {
		return fmt.Errorf("warm restart state write: %w", err)
	}
	h.logger.Info("warm-restart state changed",
		zap.String("app", h.app),
		zap.String("state", s.String()),
	)
	return nil
}

// State returns the current progress marker.
func (h *Helper) State() State { return h.state }
