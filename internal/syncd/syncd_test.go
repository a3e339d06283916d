package syncd

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fibsync/fpmsyncd/internal/fpm"
	"github.com/fibsync/fpmsyncd/internal/store"
	"github.com/fibsync/fpmsyncd/internal/warm"
)

// callLog records collaborator calls in order, across goroutines.
type callLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *callLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func (l *callLog) index(entry string) int {
	for i, e := range l.snapshot() {
		if e == entry {
			return i
		}
	}
	return -1
}

type fakePipeline struct {
	mu      sync.Mutex
	pending int
	idle    time.Duration
	flushes int
	log     *callLog
}

func (p *fakePipeline) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushes++
	p.pending = 0
	p.idle = 0
	if p.log != nil {
		p.log.add("flush")
	}
	return nil
}

func (p *fakePipeline) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

func (p *fakePipeline) IdleDuration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idle
}

func (p *fakePipeline) set(pending int, idle time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = pending
	p.idle = idle
}

func (p *fakePipeline) add(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending += n
}

func (p *fakePipeline) flushCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushes
}

type fakeTranslator struct {
	mu       sync.Mutex
	suppress bool
	log      *callLog
	warmEnd  chan struct{}
}

func newFakeTranslator(log *callLog) *fakeTranslator {
	return &fakeTranslator{log: log, warmEnd: make(chan struct{}, 4)}
}

func (t *fakeTranslator) IsSuppressionEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suppress
}

func (t *fakeTranslator) SetSuppressionEnabled(enabled bool) {
	t.mu.Lock()
	t.suppress = enabled
	t.mu.Unlock()
	if enabled {
		t.log.add("suppress-on")
	} else {
		t.log.add("suppress-off")
	}
}

func (t *fakeTranslator) MarkRoutesOffloaded(ctx context.Context) error {
	t.log.add("mark-offloaded")
	return nil
}

func (t *fakeTranslator) OnRouteResponse(ctx context.Context, rec store.KeyOpFieldValues) error {
	t.log.add("response:" + rec.Key)
	return nil
}

func (t *fakeTranslator) OnWarmStartEnd(ctx context.Context) error {
	t.log.add("warm-end")
	select {
	case t.warmEnd <- struct{}{}:
	default:
	}
	return nil
}

type fakeHelper struct {
	mu           sync.Mutex
	enabled      bool
	started      bool
	reconciled   bool
	didWork      bool
	restartTimer time.Duration
	eoiuHold     time.Duration
	restorations int
	states       []warm.State
}

func (h *fakeHelper) CheckAndStart(ctx context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reconciled {
		return false, nil
	}
	if h.enabled {
		h.started = true
	}
	return h.enabled, nil
}

func (h *fakeHelper) RestartTimer(ctx context.Context) (time.Duration, error) {
	return h.restartTimer, nil
}

func (h *fakeHelper) EoiuHoldTimer(ctx context.Context) (time.Duration, error) {
	return h.eoiuHold, nil
}

func (h *fakeHelper) RunRestoration(ctx context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.restorations++
	return h.didWork, nil
}

func (h *fakeHelper) InProgress() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enabled && h.started && !h.reconciled
}

func (h *fakeHelper) IsReconciled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reconciled
}

func (h *fakeHelper) SetState(ctx context.Context, s warm.State) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = append(h.states, s)
	if s == warm.StateReconciled {
		h.reconciled = true
	}
	return nil
}

// fakeConfig is a settable ConfigReader.
type fakeConfig struct {
	mu   sync.Mutex
	rows map[string]map[string]string
}

func newFakeConfig() *fakeConfig {
	return &fakeConfig{rows: make(map[string]map[string]string)}
}

func (c *fakeConfig) HGet(ctx context.Context, key, field string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rows[key][field], nil
}

func (c *fakeConfig) set(key, field, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rows[key] == nil {
		c.rows[key] = make(map[string]string)
	}
	c.rows[key][field] = value
}

type fakeFeed struct {
	ch  chan fpm.Event
	err error
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{ch: make(chan fpm.Event, 64)}
}

func (f *fakeFeed) Events() <-chan fpm.Event { return f.ch }
func (f *fakeFeed) Err() error               { return f.err }
func (f *fakeFeed) Close() error             { return nil }

// disconnect simulates the peer closing the feed connection.
func (f *fakeFeed) disconnect() {
	f.err = fpm.ErrConnClosed
	close(f.ch)
}

type fakeRespFeed struct {
	ch  chan store.KeyOpFieldValues
	log *callLog
}

func newFakeRespFeed(log *callLog) *fakeRespFeed {
	return &fakeRespFeed{ch: make(chan store.KeyOpFieldValues, 16), log: log}
}

func (f *fakeRespFeed) C() <-chan store.KeyOpFieldValues { return f.ch }

func (f *fakeRespFeed) Close() error {
	f.log.add("resp-feed-close")
	return nil
}

// recordingHandler is the fpm.Handler side of the fakes: it logs events and
// buffers one write per route event, like the real translator would.
type recordingHandler struct {
	pl  *fakePipeline
	log *callLog
}

func (h *recordingHandler) HandleRouteAdd(ctx context.Context, ev fpm.Event) error {
	h.pl.add(1)
	h.log.add("route-add:" + ev.Prefix.String())
	return nil
}

func (h *recordingHandler) HandleRouteDel(ctx context.Context, ev fpm.Event) error {
	h.pl.add(1)
	h.log.add("route-del:" + ev.Prefix.String())
	return nil
}

func (h *recordingHandler) HandleLinkAdd(ctx context.Context, ev fpm.Event) error {
	h.log.add("link-add:" + ev.IfName)
	return nil
}

func (h *recordingHandler) HandleLinkDel(ctx context.Context, ev fpm.Event) error {
	h.log.add("link-del:" + ev.IfName)
	return nil
}

// testRig assembles a supervisor over the fakes with fast timers.
type testRig struct {
	log        *callLog
	pl         *fakePipeline
	translator *fakeTranslator
	helper     *fakeHelper
	deviceMeta *fakeConfig
	bgpState   *fakeConfig
	cfgC       chan store.KeyOpFieldValues
	linkC      chan fpm.Event
	resp       *fakeRespFeed
	attached   chan struct{}
	sup        *Supervisor
}

func newTestRig(helper *fakeHelper) *testRig {
	log := &callLog{}
	r := &testRig{
		log:        log,
		pl:         &fakePipeline{log: log},
		translator: newFakeTranslator(log),
		helper:     helper,
		deviceMeta: newFakeConfig(),
		bgpState:   newFakeConfig(),
		cfgC:       make(chan store.KeyOpFieldValues, 16),
		linkC:      make(chan fpm.Event, 16),
		attached:   make(chan struct{}, 4),
	}

	dispatcher := fpm.NewDispatcher()
	handler := &recordingHandler{pl: r.pl, log: log}
	for _, kind := range []fpm.Kind{fpm.KindRouteAdd, fpm.KindRouteDel, fpm.KindLinkAdd, fpm.KindLinkDel} {
		dispatcher.Register(kind, handler)
	}

	r.sup = NewSupervisor(Config{
		Pipeline:       r.pl,
		Translator:     r.translator,
		Helper:         helper,
		Dispatcher:     dispatcher,
		LinkEvents:     r.linkC,
		ConfigChanges:  r.cfgC,
		DeviceMetadata: r.deviceMeta,
		BgpState:       r.bgpState,
		AttachResponse: func(ctx context.Context) (ResponseFeed, error) {
			r.resp = newFakeRespFeed(log)
			log.add("resp-feed-attach")
			select {
			case r.attached <- struct{}{}:
			default:
			}
			return r.resp, nil
		},
		Options: Options{
			FlushTimeout:           50 * time.Millisecond,
			SmallTraffic:           500,
			DefaultRestartInterval: 200 * time.Millisecond,
			DefaultEoiuHold:        30 * time.Millisecond,
			EoiuCheckInitial:       20 * time.Millisecond,
			EoiuCheckInterval:      10 * time.Millisecond,
		},
		Logger: zap.NewNop(),
	})
	return r
}

// newSession builds a session over a fake feed, for tests that drive the
// machine synchronously instead of through run().
func (r *testRig) newSession(feed Feed) *session {
	return r.sup.newSession(feed)
}

func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
