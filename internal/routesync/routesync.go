// Package routesync translates decoded feed events into state-database
// route records and owns the suppression bookkeeping for routes that await
// a hardware-offload response.
package routesync

import (
	"context"
	"net/netip"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fibsync/fpmsyncd/internal/fpm"
	"github.com/fibsync/fpmsyncd/internal/store"
	"github.com/fibsync/fpmsyncd/internal/warm"
)

const (
	routeTable = "ROUTE_TABLE"
	intfTable  = "INTF_TABLE"

	// Response status reported by the forwarding agent on success.
	responseOK = "SWSS_RC_SUCCESS"
)

// WriteBuffer is the batched write pipeline surface the translator uses.
type WriteBuffer interface {
	HSet(ctx context.Context, key string, fvs ...store.FieldValue) error
	Del(ctx context.Context, key string) error
}

// WarmHelper is the slice of the restart helper the translator drives when
// reconciliation ends.
type WarmHelper interface {
	InProgress() bool
	Restored() map[string]struct{}
	SetState(ctx context.Context, s warm.State) error
}

// StatusWriter emits the reconciliation-complete status record.
type StatusWriter interface {
	HSet(ctx context.Context, key string, fvs ...store.FieldValue) error
}

// RouteSync implements fpm.Handler. It is confined to the dispatch loop
// goroutine.
type RouteSync struct {
	buf    WriteBuffer
	helper WarmHelper
	status StatusWriter
	app    string
	logger *zap.Logger

	suppress bool
	// Route keys written while suppression was on, still awaiting a
	// response from the forwarding agent.
	pending map[string]struct{}
	// Route keys learned live while warm-restart recovery is in progress,
	// used to drop stale restored routes at reconciliation.
	learned map[string]struct{}
	// Interface names by kernel index, maintained from link events.
	ifNames map[int32]string
}

func New(buf WriteBuffer, helper WarmHelper, status StatusWriter, app string, logger *zap.Logger) *RouteSync {
	return &RouteSync{
		buf:     buf,
		helper:  helper,
		status:  status,
		app:     app,
		logger:  logger,
		pending: make(map[string]struct{}),
		learned: make(map[string]struct{}),
		ifNames: make(map[int32]string),
	}
}

// SetSuppressionEnabled toggles pending-offload marking for new routes.
func (s *RouteSync) SetSuppressionEnabled(enabled bool) {
	s.suppress = enabled
	s.logger.Info("route suppression mode changed", zap.Bool("enabled", enabled))
}

// IsSuppressionEnabled reports the current suppression mode.
func (s *RouteSync) IsSuppressionEnabled() bool { return s.suppress }

func rowKey(prefix string) string {
	return routeTable + store.AppSeparator + prefix
}

func (s *RouteSync) HandleRouteAdd(ctx context.Context, ev fpm.Event) error {
	prefix := ev.Prefix.String()
	key := rowKey(prefix)

	fvs := []store.FieldValue{
		{Field: "protocol", Value: ev.Protocol},
	}
	if nh := joinAddrs(ev.NextHops); nh != "" {
		fvs = append(fvs, store.FieldValue{Field: "nexthop", Value: nh})
	}
	if ifs := s.joinIfNames(ev.OutIfs); ifs != "" {
		fvs = append(fvs, store.FieldValue{Field: "ifname", Value: ifs})
	}
	if ev.Priority > 0 {
		fvs = append(fvs, store.FieldValue{Field: "metric", Value: strconv.FormatUint(uint64(ev.Priority), 10)})
	}

	if s.suppress {
		fvs = append(fvs, store.FieldValue{Field: "offloaded", Value: "false"})
		s.pending[prefix] = struct{}{}
	} else {
		fvs = append(fvs, store.FieldValue{Field: "offloaded", Value: "true"})
	}

	if s.helper.InProgress() {
		s.learned[prefix] = struct{}{}
	}

	return s.buf.HSet(ctx, key, fvs...)
}

func (s *RouteSync) HandleRouteDel(ctx context.Context, ev fpm.Event) error {
	prefix := ev.Prefix.String()
	delete(s.pending, prefix)
	delete(s.learned, prefix)
	return s.buf.Del(ctx, rowKey(prefix))
}

func (s *RouteSync) HandleLinkAdd(ctx context.Context, ev fpm.Event) error {
	s.logger.Debug("link event",
		zap.String("ifname", ev.IfName),
		zap.Int32("ifindex", ev.IfIndex),
		zap.Bool("up", ev.Up),
	)
	if ev.IfName == "" {
		return nil
	}
	s.ifNames[ev.IfIndex] = ev.IfName

	state := "down"
	if ev.Up {
		state = "up"
	}
	return s.buf.HSet(ctx, intfTable+store.AppSeparator+ev.IfName,
		store.FieldValue{Field: "state", Value: state})
}

func (s *RouteSync) HandleLinkDel(ctx context.Context, ev fpm.Event) error {
	name := ev.IfName
	if name == "" {
		name = s.ifNames[ev.IfIndex]
	}
	delete(s.ifNames, ev.IfIndex)
	if name == "" {
		return nil
	}
	return s.buf.Del(ctx, intfTable+store.AppSeparator+name)
}

// OnRouteResponse handles one forwarding-agent response notification. The
// record key is the route prefix; a successful status marks the route
// offloaded.
func (s *RouteSync) OnRouteResponse(ctx context.Context, rec store.KeyOpFieldValues) error {
	if !s.suppress {
		return nil
	}
	if _, ok := s.pending[rec.Key]; !ok {
		return nil
	}

	status, _ := rec.Get("err_str")
	if status != responseOK {
		s.logger.Debug("route response not successful",
			zap.String("prefix", rec.Key),
			zap.String("status", status),
		)
		return nil
	}

	delete(s.pending, rec.Key)
	return s.buf.HSet(ctx, rowKey(rec.Key), store.FieldValue{Field: "offloaded", Value: "true"})
}

// MarkRoutesOffloaded marks every pending-suppressed route as offloaded.
// Used when suppression is being disabled so no route stays stuck waiting
// for a response that will never arrive.
func (s *RouteSync) MarkRoutesOffloaded(ctx context.Context) error {
	for prefix := range s.pending {
		if err := s.buf.HSet(ctx, rowKey(prefix), store.FieldValue{Field: "offloaded", Value: "true"}); err != nil {
			return err
		}
	}
	s.logger.Info("marked pending routes offloaded", zap.Int("routes", len(s.pending)))
	s.pending = make(map[string]struct{})
	return nil
}

// OnWarmStartEnd finalizes reconciliation: restored routes that were not
// re-learned during the session are deleted, the helper is marked
// reconciled, and the completion status is emitted.
func (s *RouteSync) OnWarmStartEnd(ctx context.Context) error {
	stale := 0
	for prefix := range s.helper.Restored() {
		if _, ok := s.learned[prefix]; ok {
			continue
		}
		if err := s.buf.Del(ctx, rowKey(prefix)); err != nil {
			return err
		}
		stale++
	}

	if err := s.helper.SetState(ctx, warm.StateReconciled); err != nil {
		return err
	}
	if err := s.status.HSet(ctx, s.app, store.FieldValue{Field: "state", Value: "reconciled"}); err != nil {
		return err
	}

	s.logger.Info("warm-restart reconciliation finished",
		zap.Int("stale", stale),
		zap.Int("learned", len(s.learned)),
	)
	s.learned = make(map[string]struct{})
	return nil
}

func joinAddrs(addrs []netip.Addr) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = a.String()
	}
	return strings.Join(parts, ",")
}

func (s *RouteSync) joinIfNames(ifs []int32) string {
	parts := make([]string, len(ifs))
	for i, idx := range ifs {
		if name, ok := s.ifNames[idx]; ok {
			parts[i] = name
		} else {
			parts[i] = strconv.Itoa(int(idx))
		}
	}
	return strings.Join(parts, ",")
}
