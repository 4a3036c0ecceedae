package wloop

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/petermattis/goid"
)

// ErrStopped is returned from [CallGet] when the loop shut down
// before the job could run.
var ErrStopped = errors.New("loop has stopped")

// Config is the configuration for a [Loop].
//
// The zero value is valid and uses the real clock.
type Config struct {
	// Clock for all timers, tickers, and triggers created through
	// this loop. Tests substitute a mock clock.
	Clock clock.Clock
}

// Loop is a single-goroutine cooperative scheduler.
//
// Create one with [New]; it starts its goroutine immediately and
// runs until [Loop.Shutdown].
type Loop struct {
	log *slog.Logger
	clk clock.Clock

	mu   sync.Mutex
	jobs []func()

	// Buffered depth 1: posting a wake while one is pending is a no-op.
	wake chan struct{}

	quitNow  chan struct{}
	quitSoon chan struct{}
	quitOnce sync.Once

	done chan struct{}

	// Goroutine id of the loop goroutine,
	// for the inline-execution and deadlock-detection rules.
	gid atomic.Int64

	handleMu sync.Mutex
	handles  map[Handle]struct{}
}

// New returns a running Loop.
func New(log *slog.Logger, cfg Config) *Loop {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	l := &Loop{
		log: log,
		clk: clk,

		wake:     make(chan struct{}, 1),
		quitNow:  make(chan struct{}),
		quitSoon: make(chan struct{}),
		done:     make(chan struct{}),

		handles: make(map[Handle]struct{}),
	}

	started := make(chan struct{})
	go l.run(started)
	<-started

	return l
}

func (l *Loop) run(started chan<- struct{}) {
	defer close(l.done)

	l.gid.Store(goid.Get())
	close(started)

	for {
		select {
		case <-l.quitNow:
			// Immediate shutdown: abandon pending jobs.
			return
		case <-l.quitSoon:
			// Graceful shutdown: one final drain.
			l.drain()
			return
		case <-l.wake:
			l.drain()
		}
	}
}

// drain swap-drains the job queue: the whole queue is moved out under
// the lock and executed unlocked, so jobs posting further jobs do not
// re-enter the lock. Repeats until the queue stays empty.
func (l *Loop) drain() {
	for {
		l.mu.Lock()
		if len(l.jobs) == 0 {
			l.mu.Unlock()
			return
		}
		q := l.jobs
		l.jobs = nil
		l.mu.Unlock()

		for _, f := range q {
			l.runJob(f)
		}
	}
}

// runJob executes one job, containing any panic.
// Errors never propagate out of a job; they are either translated
// into state transitions by the job itself or logged here.
func (l *Loop) runJob(f func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("Loop job panicked", "panic", r)
		}
	}()

	f()
}

// OnLoop reports whether the caller is running on the loop goroutine.
func (l *Loop) OnLoop() bool {
	return goid.Get() == l.gid.Load()
}

// Call executes f immediately when invoked from the loop goroutine,
// and enqueues it otherwise.
func (l *Loop) Call(f func()) {
	if l.OnLoop() {
		f()
		return
	}
	l.CallSoon(f)
}

// CallSoon unconditionally enqueues f and wakes the loop.
// Jobs from the same submitter run in FIFO order.
func (l *Loop) CallSoon(f func()) {
	l.mu.Lock()
	l.jobs = append(l.jobs, f)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
		// A wake is already pending.
	}
}

// CallGet submits f and synchronously waits for its result,
// marshalling errors and panics back to the calling goroutine.
//
// Calling it from the loop goroutine would deadlock, so in that case
// f executes inline instead.
func CallGet[T any](l *Loop, f func() (T, error)) (T, error) {
	if l.OnLoop() {
		return f()
	}

	type result struct {
		v        T
		err      error
		panicked any
	}

	ch := make(chan result, 1)
	l.CallSoon(func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{panicked: r}
			}
		}()

		v, err := f()
		ch <- result{v: v, err: err}
	})

	select {
	case r := <-ch:
		if r.panicked != nil {
			panic(r.panicked)
		}
		return r.v, r.err
	case <-l.done:
		// The loop may have drained our job on the way out;
		// prefer the result if it is there.
		select {
		case r := <-ch:
			if r.panicked != nil {
				panic(r.panicked)
			}
			return r.v, r.err
		default:
			var zero T
			return zero, ErrStopped
		}
	}
}

// Wait blocks until the loop goroutine has exited.
func (l *Loop) Wait() {
	<-l.done
}

// Shutdown stops the loop and joins its goroutine.
//
// With immediate true the loop breaks without draining pending jobs;
// otherwise it exits once already-queued jobs complete. Either way,
// all outstanding tickers and triggers are stopped afterwards.
//
// It is a fatal error to shut down from within the loop goroutine.
func (l *Loop) Shutdown(immediate bool) {
	if l.OnLoop() {
		panic(errors.New("BUG: Loop.Shutdown called from the loop goroutine"))
	}

	l.quitOnce.Do(func() {
		if immediate {
			close(l.quitNow)
		} else {
			close(l.quitSoon)
			select {
			case l.wake <- struct{}{}:
			default:
			}
		}
	})

	<-l.done

	l.handleMu.Lock()
	hs := make([]Handle, 0, len(l.handles))
	for h := range l.handles {
		hs = append(hs, h)
	}
	clear(l.handles)
	l.handleMu.Unlock()

	for _, h := range hs {
		h.Stop()
	}
}

// Clock returns the clock this loop was configured with.
func (l *Loop) Clock() clock.Clock { return l.clk }

// Now is shorthand for the loop clock's current time.
func (l *Loop) Now() time.Time { return l.clk.Now() }

func (l *Loop) registerHandle(h Handle) {
	l.handleMu.Lock()
	defer l.handleMu.Unlock()

	if l.handles == nil {
		panic(fmt.Errorf("BUG: handle registered on uninitialized loop"))
	}
	l.handles[h] = struct{}{}
}

func (l *Loop) unregisterHandle(h Handle) {
	l.handleMu.Lock()
	defer l.handleMu.Unlock()

	delete(l.handles, h)
}
