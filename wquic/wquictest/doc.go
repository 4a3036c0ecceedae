// Package wquictest provides a loopback QUIC engine implementing the
// full [github.com/gordian-engine/wyvern/wquic] contract over a
// cleartext wire format, so the endpoint, connection, stream,
// datagram, and request-stream machinery can be exercised end to end
// over real UDP sockets in tests.
//
// The wire format is deliberately simple: explicit-length connection
// ids in every header, varint-typed frames, immediate cumulative
// acks, and an unauthenticated handshake that just exchanges ALPNs,
// Ed25519 public keys, and transport parameters. It still enforces
// the contract's hard parts: flow control windows, stream limits,
// retransmission on probe timeout, idle and handshake timeouts, and
// the write-more packet coalescing protocol.
package wquictest
