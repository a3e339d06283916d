package syncd

import (
	"context"
	"testing"
	"time"
)

func TestFlushControllerDecisions(t *testing.T) {
	cases := []struct {
		name        string
		pending     int
		idle        time.Duration
		wantFlush   bool
		wantTimeout time.Duration
	}{
		{"empty pipeline", 0, 0, false, noTimeout},
		{"small traffic flushes", 499, 100 * time.Millisecond, true, noTimeout},
		{"single write flushes", 1, time.Millisecond, true, noTimeout},
		{"heavy traffic defers", 500, 100 * time.Millisecond, false, 400 * time.Millisecond},
		{"burst defers", 10000, 50 * time.Millisecond, false, 450 * time.Millisecond},
		{"idle bound reached", 10000, 500 * time.Millisecond, true, noTimeout},
		{"idle bound exceeded", 10000, 600 * time.Millisecond, true, noTimeout},
		{"zero idle flushes", 500, 0, true, noTimeout},
		{"negative idle flushes", 500, -5 * time.Millisecond, true, noTimeout},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pl := &fakePipeline{}
			pl.set(tc.pending, tc.idle)
			fc := flushController{pl: pl, flushTimeout: 500 * time.Millisecond, smallTraffic: 500}

			timeout, flushed, err := fc.step(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if flushed != tc.wantFlush {
				t.Errorf("flushed = %v, want %v", flushed, tc.wantFlush)
			}
			if timeout != tc.wantTimeout {
				t.Errorf("timeout = %v, want %v", timeout, tc.wantTimeout)
			}
			if tc.wantFlush && pl.PendingCount() != 0 {
				t.Errorf("pending = %d after flush", pl.PendingCount())
			}
		})
	}
}

func TestFlushControllerResetsAfterFlush(t *testing.T) {
	pl := &fakePipeline{}
	pl.set(10, 100*time.Millisecond)
	fc := flushController{pl: pl, flushTimeout: 500 * time.Millisecond, smallTraffic: 500}
	ctx := context.Background()

	timeout, flushed, err := fc.step(ctx)
	if err != nil || !flushed || timeout != noTimeout {
		t.Fatalf("expected flush with infinite timeout, got timeout=%v flushed=%v err=%v", timeout, flushed, err)
	}

	// With nothing pending, the next decision keeps the wait infinite.
	timeout, flushed, err = fc.step(ctx)
	if err != nil || flushed || timeout != noTimeout {
		t.Fatalf("expected idle no-op, got timeout=%v flushed=%v err=%v", timeout, flushed, err)
	}
}
