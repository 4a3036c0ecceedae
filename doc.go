// Package wyvern is a programmable QUIC transport layer.
//
// A [Network] owns a single event loop; on it live [Endpoint] values,
// each bound to one UDP socket. An Endpoint initiates outbound
// connections with [Endpoint.Connect] and, after [Endpoint.Listen],
// admits inbound ones. A [Connection] multiplexes reliable
// bidirectional [Stream] values and optionally carries unreliable
// datagrams, with application-level splitting and reassembly for
// datagrams larger than one packet.
//
// The QUIC wire protocol itself is delegated to an engine behind the
// [github.com/gordian-engine/wyvern/wquic] contract; wyvern owns the
// sockets, the scheduling, the buffering, and the callback surface.
//
// The API is asynchronous and callback driven. Callbacks run on the
// loop goroutine; public methods may be called from any goroutine.
package wyvern
