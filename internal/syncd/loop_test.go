package syncd

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/fibsync/fpmsyncd/internal/fpm"
	"github.com/fibsync/fpmsyncd/internal/store"
)

func routeAddEvent(prefix string) fpm.Event {
	return fpm.Event{Kind: fpm.KindRouteAdd, Prefix: netip.MustParsePrefix(prefix)}
}

// startSession runs a session's dispatch loop in the background and returns a
// channel carrying its exit.
func startSession(ctx context.Context, sess *session) <-chan exitReason {
	done := make(chan exitReason, 1)
	go func() {
		reason, _ := sess.run(ctx)
		done <- reason
	}()
	return done
}

func TestLoopDispatchesFeedEvents(t *testing.T) {
	rig := newTestRig(&fakeHelper{})
	feed := newFakeFeed()
	sess := rig.newSession(feed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := startSession(ctx, sess)

	feed.ch <- routeAddEvent("10.0.0.0/24")
	feed.ch <- routeAddEvent("10.0.1.0/24")

	if !waitFor(time.Second, func() bool { return rig.log.index("route-add:10.0.1.0/24") != -1 }) {
		t.Fatalf("events not dispatched, log: %v", rig.log.snapshot())
	}
	if first := rig.log.index("route-add:10.0.0.0/24"); first == -1 || first > rig.log.index("route-add:10.0.1.0/24") {
		t.Errorf("events out of order, log: %v", rig.log.snapshot())
	}

	// Light traffic flushes right behind the event.
	if !waitFor(time.Second, func() bool { return rig.pl.flushCount() > 0 }) {
		t.Error("expected flush after small-traffic events")
	}

	cancel()
	<-done
}

func TestLoopDispatchesLinkEvents(t *testing.T) {
	rig := newTestRig(&fakeHelper{})
	sess := rig.newSession(newFakeFeed())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := startSession(ctx, sess)

	rig.linkC <- fpm.Event{Kind: fpm.KindLinkAdd, IfName: "Ethernet0", IfIndex: 3, Up: true}

	if !waitFor(time.Second, func() bool { return rig.log.index("link-add:Ethernet0") != -1 }) {
		t.Fatalf("link event not dispatched, log: %v", rig.log.snapshot())
	}

	cancel()
	<-done
}

func TestLoopHeavyTrafficDefersFlush(t *testing.T) {
	rig := newTestRig(&fakeHelper{})
	feed := newFakeFeed()
	sess := rig.newSession(feed)

	// Pipeline already looks busy and recently flushed.
	rig.pl.set(600, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := startSession(ctx, sess)

	feed.ch <- routeAddEvent("10.2.0.0/24")
	if !waitFor(time.Second, func() bool { return rig.log.index("route-add:10.2.0.0/24") != -1 }) {
		t.Fatal("event not dispatched")
	}
	if rig.pl.flushCount() != 0 {
		t.Fatal("heavy traffic must defer the flush")
	}

	// Simulate the idle clock passing the bound; the armed timer fires and
	// the deferred flush runs without further events.
	rig.pl.set(601, 60*time.Millisecond)
	if !waitFor(time.Second, func() bool { return rig.pl.flushCount() > 0 }) {
		t.Error("deferred flush never fired")
	}

	cancel()
	<-done
}

func TestLoopSkipsFlushDuringWarmRecovery(t *testing.T) {
	rig := newTestRig(&fakeHelper{enabled: true, didWork: true, restartTimer: time.Hour})
	feed := newFakeFeed()
	sess := rig.newSession(feed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := startSession(ctx, sess)

	feed.ch <- routeAddEvent("10.3.0.0/24")
	if !waitFor(time.Second, func() bool { return rig.log.index("route-add:10.3.0.0/24") != -1 }) {
		t.Fatal("event not dispatched")
	}

	// A single buffered write would normally flush immediately; during
	// recovery it must stay buffered.
	time.Sleep(20 * time.Millisecond)
	if rig.pl.flushCount() != 0 {
		t.Error("flush must not run before reconciliation")
	}

	cancel()
	<-done
}

func TestLoopHandlesConfigRecords(t *testing.T) {
	rig := newTestRig(&fakeHelper{})
	sess := rig.newSession(newFakeFeed())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := startSession(ctx, sess)

	rig.cfgC <- suppressRecord(suppressEnabled)

	if !waitFor(time.Second, func() bool { return rig.translator.IsSuppressionEnabled() }) {
		t.Fatal("config record did not enable suppression")
	}

	cancel()
	<-done
}

func TestLoopDrainsRouteResponses(t *testing.T) {
	rig := newTestRig(&fakeHelper{})
	if err := rig.sup.sp.enable(context.Background()); err != nil {
		t.Fatal(err)
	}
	sess := rig.newSession(newFakeFeed())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := startSession(ctx, sess)

	rig.resp.ch <- store.KeyOpFieldValues{Key: "10.4.0.0/24", Op: store.OpSet}
	rig.resp.ch <- store.KeyOpFieldValues{Key: "10.4.1.0/24", Op: store.OpSet}

	if !waitFor(time.Second, func() bool { return rig.log.index("response:10.4.1.0/24") != -1 }) {
		t.Fatalf("responses not delivered, log: %v", rig.log.snapshot())
	}
	if rig.log.index("response:10.4.0.0/24") == -1 {
		t.Error("first response lost")
	}

	cancel()
	<-done
}

func TestLoopExitsOnFeedDisconnect(t *testing.T) {
	rig := newTestRig(&fakeHelper{})
	feed := newFakeFeed()
	sess := rig.newSession(feed)

	done := startSession(context.Background(), sess)
	feed.disconnect()

	select {
	case reason := <-done:
		if reason != exitFeedClosed {
			t.Errorf("expected feed-closed exit, got %v", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit on disconnect")
	}
}

func TestLoopExitsFatalOnFeedError(t *testing.T) {
	rig := newTestRig(&fakeHelper{})
	feed := newFakeFeed()
	sess := rig.newSession(feed)

	done := startSession(context.Background(), sess)
	feed.err = errors.New("frame decode failed")
	close(feed.ch)

	select {
	case reason := <-done:
		if reason != exitFatal {
			t.Errorf("expected fatal exit, got %v", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit on feed error")
	}
}
