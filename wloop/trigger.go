package wloop

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

// TriggerState is the state of a [Trigger].
type TriggerState int

const (
	// TriggerHalted is both the initial and the terminal-until-restarted
	// state. The action never fires while halted.
	TriggerHalted TriggerState = iota

	// TriggerIterating means the action is being fired back to back
	// with zero interval.
	TriggerIterating

	// TriggerCoolingDown means the burst allowance was exhausted and
	// the trigger is waiting out its cooldown. The action never fires
	// while cooling down.
	TriggerCoolingDown
)

func (s TriggerState) String() string {
	switch s {
	case TriggerHalted:
		return "halted"
	case TriggerIterating:
		return "iterating"
	case TriggerCoolingDown:
		return "cooling_down"
	default:
		return fmt.Sprintf("TriggerState(%d)", int(s))
	}
}

// Trigger fires an action up to n times with zero interval,
// then enters a cooldown for a configured duration, resuming
// automatically. Halting is explicit, typically from within the
// action itself once it runs out of work.
//
// All state lives on the loop goroutine; the only cross-goroutine
// entry points are Start, Stop, IsRunning, and State, which dispatch.
type Trigger struct {
	l *Loop

	f        func()
	n        int
	cooldown time.Duration

	// Loop-goroutine state.
	state TriggerState
	count int
	timer *clock.Timer
}

// NewTrigger returns a halted Trigger firing f in bursts of n with
// the given cooldown between bursts.
//
// n must be positive and cooldown non-negative.
func (l *Loop) NewTrigger(n int, cooldown time.Duration, f func()) *Trigger {
	if n <= 0 {
		panic(fmt.Errorf("BUG: trigger burst count must be positive (got %d)", n))
	}
	if cooldown < 0 {
		panic(fmt.Errorf("BUG: trigger cooldown must be non-negative (got %v)", cooldown))
	}

	t := &Trigger{
		l:        l,
		f:        f,
		n:        n,
		cooldown: cooldown,
		state:    TriggerHalted,
	}
	l.registerHandle(t)
	return t
}

var _ Handle = (*Trigger)(nil)

// Start implements [Handle], beginning a fresh burst.
// Starting a trigger that is iterating or cooling down is a no-op.
func (t *Trigger) Start() bool {
	started, _ := CallGet(t.l, func() (bool, error) {
		if t.state != TriggerHalted {
			return false, nil
		}
		t.state = TriggerIterating
		t.count = 0
		t.l.CallSoon(t.iterate)
		return true, nil
	})
	return started
}

// iterate runs one firing of the action and schedules what follows.
// Only ever invoked as a loop job.
func (t *Trigger) iterate() {
	if t.state != TriggerIterating {
		// Halted or cooling down since this job was queued.
		return
	}

	t.f()

	if t.state != TriggerIterating {
		// The action halted us.
		return
	}

	t.count++
	if t.count < t.n {
		t.l.CallSoon(t.iterate)
		return
	}

	t.state = TriggerCoolingDown
	t.count = 0
	t.timer = t.l.clk.AfterFunc(t.cooldown, func() {
		t.l.CallSoon(t.resume)
	})
}

// resume ends a cooldown. Only ever invoked as a loop job.
func (t *Trigger) resume() {
	if t.state != TriggerCoolingDown {
		return
	}
	t.state = TriggerIterating
	t.l.CallSoon(t.iterate)
}

// Stop implements [Handle], halting the trigger from any state.
func (t *Trigger) Stop() {
	_, _ = CallGet(t.l, func() (struct{}, error) {
		if t.state == TriggerHalted {
			return struct{}{}, nil
		}
		if t.timer != nil {
			t.timer.Stop()
			t.timer = nil
		}
		t.state = TriggerHalted
		t.count = 0
		return struct{}{}, nil
	})
}

// IsRunning implements [Handle]; true while iterating or cooling
// down.
func (t *Trigger) IsRunning() bool {
	running, _ := CallGet(t.l, func() (bool, error) {
		return t.state != TriggerHalted, nil
	})
	return running
}

// State reports the trigger's current state.
func (t *Trigger) State() TriggerState {
	s, _ := CallGet(t.l, func() (TriggerState, error) {
		return t.state, nil
	})
	return s
}
