package syncd

import "time"

// oneShot is a timer handle the dispatch loop can select on. An unarmed
// handle yields a nil channel, which never fires.
type oneShot struct {
	t     *time.Timer
	armed bool
}

func (o *oneShot) arm(d time.Duration) {
	o.disarm()
	o.t = time.NewTimer(d)
	o.armed = true
}

func (o *oneShot) disarm() {
	if o.t != nil {
		o.t.Stop()
		o.t = nil
	}
	o.armed = false
}

func (o *oneShot) C() <-chan time.Time {
	if !o.armed {
		return nil
	}
	return o.t.C
}

// timerSet is one session's reconciliation timers. At most one of eoiuCheck
// and eoiuHold may be armed at a time; armHold enforces that ordering
// structurally instead of relying on call sites.
type timerSet struct {
	warmStart oneShot
	eoiuCheck oneShot
	eoiuHold  oneShot
}

func (ts *timerSet) armHold(d time.Duration) {
	ts.eoiuCheck.disarm()
	ts.eoiuHold.arm(d)
}

// disarmReconcile removes both timers that can trigger the
// reconciliation-complete action.
func (ts *timerSet) disarmReconcile() {
	ts.warmStart.disarm()
	ts.eoiuHold.disarm()
}

func (ts *timerSet) disarmAll() {
	ts.warmStart.disarm()
	ts.eoiuCheck.disarm()
	ts.eoiuHold.disarm()
}
