package wloop

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Handle is the capability shared by the loop's event primitives:
// [Ticker], [Trigger], and [OneShot].
type Handle interface {
	// Start arms the primitive. Returns false if it was already
	// running (the call is then a no-op).
	Start() bool

	// Stop disarms the primitive. Idempotent.
	Stop()

	// IsRunning reports whether the primitive is armed.
	IsRunning() bool
}

// Ticker repeatedly runs a job on the loop at a fixed interval.
//
// Create one with [Loop.CallEvery]. Transitions are idempotent:
// starting a running ticker and stopping a stopped one are no-ops.
type Ticker struct {
	l *Loop

	interval time.Duration
	f        func()

	mu      sync.Mutex
	running bool
	stop    chan struct{}
}

// CallEvery returns a started [Ticker] invoking f on the loop every
// interval.
func (l *Loop) CallEvery(interval time.Duration, f func()) *Ticker {
	t := &Ticker{
		l:        l,
		interval: interval,
		f:        f,
	}
	l.registerHandle(t)
	t.Start()
	return t
}

var _ Handle = (*Ticker)(nil)

// Start implements [Handle].
func (t *Ticker) Start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return false
	}

	t.running = true
	t.stop = make(chan struct{})

	go t.forward(t.stop)
	return true
}

// forward relays clock ticks onto the loop until stopped.
func (t *Ticker) forward(stop <-chan struct{}) {
	ck := t.l.clk.Ticker(t.interval)
	defer ck.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.l.done:
			return
		case <-ck.C:
			t.l.CallSoon(t.f)
		}
	}
}

// Stop implements [Handle].
func (t *Ticker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return
	}

	t.running = false
	close(t.stop)
}

// IsRunning implements [Handle].
func (t *Ticker) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.running
}

// OneShot runs a job on the loop once, after a delay.
//
// Create one with [Loop.CallLater].
type OneShot struct {
	l *Loop

	mu    sync.Mutex
	timer *clock.Timer
	armed bool
}

// CallLater schedules f to run on the loop after delay,
// relative to now.
func (l *Loop) CallLater(delay time.Duration, f func()) *OneShot {
	o := &OneShot{l: l}
	o.armed = true
	o.timer = l.clk.AfterFunc(delay, func() {
		o.mu.Lock()
		o.armed = false
		o.mu.Unlock()

		l.CallSoon(f)
	})
	return o
}

var _ Handle = (*OneShot)(nil)

// Start implements [Handle]. A OneShot arms at creation and cannot
// be re-armed, so Start is always a no-op and returns false.
func (o *OneShot) Start() bool {
	return false
}

// Stop implements [Handle], cancelling the pending run if it has not
// fired yet.
func (o *OneShot) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.armed {
		return
	}
	o.armed = false
	o.timer.Stop()
}

// IsRunning implements [Handle].
func (o *OneShot) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.armed
}
