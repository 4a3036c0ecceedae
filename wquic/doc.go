// Package wquic defines the contract between wyvern and the QUIC
// protocol engine that performs the actual wire encoding, encryption,
// loss recovery, and congestion control.
//
// wyvern never speaks the QUIC wire format itself. It owns sockets,
// scheduling, buffering, and application callbacks, and it drives an
// [Engine] through the interfaces in this package. The production
// engine is expected to be an external binding; the
// [github.com/gordian-engine/wyvern/wquic/wquictest] package provides
// a cleartext loopback engine implementing the full contract for
// tests.
//
// Every method on [Conn] must be called from the owning loop
// goroutine, and every callback in [Callbacks] is invoked on that
// same goroutine.
package wquic
