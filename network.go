package wyvern

import (
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/gordian-engine/wyvern/wloop"
)

// NetworkConfig is the configuration for [NewNetwork].
//
// The zero value is valid: a new loop is created with the real clock.
type NetworkConfig struct {
	// Clock for every timer in the network's loop.
	// Tests substitute a mock clock.
	Clock clock.Clock

	// Loop to run on instead of creating one.
	// A caller-provided loop is not shut down by [Network.Close].
	Loop *wloop.Loop
}

// Network owns the event loop and the endpoints living on it.
//
// Everything created through a Network runs on its single loop
// goroutine; Close tears down all endpoints and then, if the Network
// created the loop itself, shuts it down.
type Network struct {
	log  *slog.Logger
	loop *wloop.Loop

	ownsLoop bool

	// Loop-goroutine state.
	endpoints map[*Endpoint]struct{}
	closed    bool
}

// NewNetwork returns a running Network.
func NewNetwork(log *slog.Logger, cfg NetworkConfig) *Network {
	l := cfg.Loop
	owns := false
	if l == nil {
		l = wloop.New(log.With("sys", "loop"), wloop.Config{Clock: cfg.Clock})
		owns = true
	}

	return &Network{
		log:  log,
		loop: l,

		ownsLoop: owns,

		endpoints: make(map[*Endpoint]struct{}),
	}
}

// Loop is the network's event loop.
func (n *Network) Loop() *wloop.Loop { return n.loop }

// Close closes every endpoint and, when the network owns its loop,
// shuts the loop down after pending work completes.
//
// Must not be called from the loop goroutine.
func (n *Network) Close() {
	n.loop.Call(func() {
		if n.closed {
			return
		}
		n.closed = true

		for ep := range n.endpoints {
			ep.closeOnLoop()
		}
		clear(n.endpoints)
	})

	if n.ownsLoop {
		n.loop.Shutdown(false)
	}
}

// loopGet dispatches f to the loop and waits for its result.
func loopGet[T any](l *wloop.Loop, f func() (T, error)) (T, error) {
	return wloop.CallGet(l, f)
}
