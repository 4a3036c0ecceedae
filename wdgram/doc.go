// Package wdgram implements wyvern's unreliable datagram machinery:
// the two-byte splitting header, the outbound piece queue, and the
// four-row rotating reassembly buffer.
//
// With splitting active, an application datagram larger than one
// engine datagram is sent as two halves that the receiver joins.
// Halves whose partner never arrives are dropped when their buffer
// row rotates out; a datagram is delivered whole exactly once or not
// at all.
package wdgram
