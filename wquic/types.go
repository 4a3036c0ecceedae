package wquic

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/netip"
)

// MaxCIDLength is the largest connection id the engine will encode,
// matching the QUIC v1 limit.
const MaxCIDLength = 20

// DefaultCIDLength is the length of connection ids wyvern generates
// for its own endpoints.
const DefaultCIDLength = 8

// ConnectionID is an opaque connection identifier.
//
// It is a fixed-size array so it can be used directly as a map key;
// only the first Len bytes are meaningful.
type ConnectionID struct {
	b   [MaxCIDLength]byte
	len uint8
}

// NewConnectionID copies up to [MaxCIDLength] bytes of b into a
// ConnectionID. It panics if b is longer than that, as that indicates
// an engine contract violation.
func NewConnectionID(b []byte) ConnectionID {
	if len(b) > MaxCIDLength {
		panic(fmt.Errorf(
			"BUG: connection id length %d exceeds maximum %d",
			len(b), MaxCIDLength,
		))
	}

	var cid ConnectionID
	cid.len = uint8(copy(cid.b[:], b))
	return cid
}

// RandomConnectionID returns a ConnectionID of n cryptographically
// random bytes.
func RandomConnectionID(n int) ConnectionID {
	var cid ConnectionID
	if n > MaxCIDLength {
		n = MaxCIDLength
	}
	if _, err := rand.Read(cid.b[:n]); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(err)
	}
	cid.len = uint8(n)
	return cid
}

// Bytes returns the significant bytes of the id.
// The returned slice must not be modified.
func (c ConnectionID) Bytes() []byte { return c.b[:c.len] }

// Len returns the number of significant bytes.
func (c ConnectionID) Len() int { return int(c.len) }

// IsZero reports whether the id is empty.
func (c ConnectionID) IsZero() bool { return c.len == 0 }

func (c ConnectionID) String() string {
	return hex.EncodeToString(c.b[:c.len])
}

// Address is a UDP endpoint address.
//
// It wraps [netip.AddrPort] so it is comparable and usable as a map
// key, per the data model's equality-by-bytes requirement.
type Address struct {
	netip.AddrPort
}

// AddrFromPort returns the IPv4 unspecified address (0.0.0.0) on the
// given port.
func AddrFromPort(port uint16) Address {
	return Address{netip.AddrPortFrom(netip.IPv4Unspecified(), port)}
}

// Path is the (local, remote) address pair a datagram travelled.
type Path struct {
	Local  Address
	Remote Address
}

func (p Path) String() string {
	return p.Local.String() + "<->" + p.Remote.String()
}

// Inverted returns the path as seen from the other end.
func (p Path) Inverted() Path {
	return Path{Local: p.Remote, Remote: p.Local}
}

// ECN is the explicit congestion notification codepoint of a
// datagram.
type ECN uint8

const (
	ECNNone ECN = 0b00
	ECNECT1 ECN = 0b01
	ECNECT0 ECN = 0b10
	ECNCE   ECN = 0b11
)

// Packet is one inbound UDP datagram.
type Packet struct {
	Path Path
	ECN  ECN
	Data []byte
}

// Direction distinguishes locally initiated connections from accepted
// ones.
type Direction int

const (
	// DirectionAny matches both directions in filtered queries.
	DirectionAny Direction = iota
	DirectionOutbound
	DirectionInbound
)

func (d Direction) String() string {
	switch d {
	case DirectionOutbound:
		return "outbound"
	case DirectionInbound:
		return "inbound"
	default:
		return "any"
	}
}
