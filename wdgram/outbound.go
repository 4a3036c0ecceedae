package wdgram

import (
	"fmt"
)

// Splitting selects the packet-splitting policy for a connection's
// datagrams.
type Splitting int

const (
	// SplitNone rejects datagrams larger than one engine datagram.
	SplitNone Splitting = iota

	// SplitActive sends an oversized datagram as two tagged halves.
	SplitActive
)

func (s Splitting) String() string {
	switch s {
	case SplitNone:
		return "none"
	case SplitActive:
		return "active"
	default:
		return fmt.Sprintf("Splitting(%d)", int(s))
	}
}

// TooLargeError reports a datagram that cannot fit the current
// per-packet maximum under the connection's splitting policy.
type TooLargeError struct {
	Size int
	Max  int
}

func (e TooLargeError) Error() string {
	return fmt.Sprintf(
		"datagram of %d bytes exceeds max datagram size %d", e.Size, e.Max,
	)
}

// MaxPayload is the largest application datagram that fits under the
// given engine per-packet maximum and splitting policy.
//
// With splitting active every piece carries a [HeaderLen] header, so
// the two-piece capacity is 2·(engineMax − HeaderLen). Before the
// handshake exchanges transport parameters engineMax is 0, and so is
// the result.
func MaxPayload(engineMax int, split Splitting) int {
	if engineMax <= 0 {
		return 0
	}
	if split != SplitActive {
		return engineMax
	}
	return 2 * (engineMax - HeaderLen)
}

// piece is one wire datagram: up to two byte views handed to the
// engine's writev-style datagram call.
type piece struct {
	bufs [][]byte
}

// queued is one application datagram, prepared as one or two pieces.
type queued struct {
	pieces []piece

	// Held until every piece has been handed to the engine.
	keepAlive any

	// Header storage the piece bufs alias.
	hdrs [2][HeaderLen]byte
}

// Outbound is the per-connection datagram send queue.
//
// Loop-goroutine only.
type Outbound struct {
	split Splitting

	// Monotonic 14-bit counter; wraps.
	next uint16

	q []queued
}

// NewOutbound returns an empty send queue with the given policy.
func NewOutbound(split Splitting) *Outbound {
	return &Outbound{split: split}
}

// Enqueue prepares data for transmission under the current engine
// per-packet maximum, splitting it when the policy allows and the
// size demands it.
//
// keepAlive is retained until the datagram's last piece is popped.
func (o *Outbound) Enqueue(data []byte, engineMax int, keepAlive any) error {
	max := MaxPayload(engineMax, o.split)
	if len(data) > max {
		return TooLargeError{Size: len(data), Max: max}
	}

	if o.split != SplitActive {
		// No header at all in unsplit mode.
		o.q = append(o.q, queued{
			pieces:    []piece{{bufs: [][]byte{data}}},
			keepAlive: keepAlive,
		})
		return nil
	}

	id := o.next
	o.next = (o.next + 1) % maxID

	entry := queued{keepAlive: keepAlive}

	if len(data) <= engineMax-HeaderLen {
		entry.hdrs[0] = EncodeHeader(id, TagWhole)
		entry.pieces = []piece{
			{bufs: [][]byte{entry.hdrs[0][:], data}},
		}
		o.q = append(o.q, entry)
		return nil
	}

	// Two halves. The first half is filled to the per-piece capacity
	// so the second is never the larger one.
	cut := engineMax - HeaderLen
	entry.hdrs[0] = EncodeHeader(id, TagFirstHalf)
	entry.hdrs[1] = EncodeHeader(id, TagSecondHalf)
	entry.pieces = []piece{
		{bufs: [][]byte{entry.hdrs[0][:], data[:cut]}},
		{bufs: [][]byte{entry.hdrs[1][:], data[cut:]}},
	}
	o.q = append(o.q, entry)
	return nil
}

// Empty reports whether no pieces remain.
func (o *Outbound) Empty() bool { return len(o.q) == 0 }

// Front returns the next wire datagram to hand to the engine.
// It panics if the queue is empty.
func (o *Outbound) Front() [][]byte {
	return o.q[0].pieces[0].bufs
}

// PopFront discards the piece returned by the last Front call,
// releasing the datagram's keep-alive once its final piece is gone.
func (o *Outbound) PopFront() {
	f := &o.q[0]
	f.pieces = f.pieces[1:]
	if len(f.pieces) > 0 {
		return
	}

	f.keepAlive = nil
	o.q = o.q[1:]
	if len(o.q) == 0 {
		// Don't let a drained queue pin its backing array.
		o.q = nil
	}
}

// Len is the number of queued application datagrams.
func (o *Outbound) Len() int { return len(o.q) }
