package wquictest

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gordian-engine/wyvern/wquic"
	"github.com/quic-go/quic-go/quicvarint"
)

// Version is the only protocol version the loopback engine speaks.
const Version uint32 = 1

// maxUDPPayload is the engine's fixed outgoing UDP payload limit.
const maxUDPPayload = 1350

// initialStreamWindow is the per-stream flow control window each side
// grants at stream creation. Both sides assume it, so it never needs
// to travel in the handshake.
const initialStreamWindow = 1 << 18

// Header forms. Long headers carry the version and both connection
// ids; short headers only the destination id. A long header with
// version zero is a version negotiation packet.
const (
	hdrFormLong  = 0x80
	hdrFormShort = 0x40

	longTypeInitial = 0x00
	longType0RTT    = 0x02
)

// Frame types.
const (
	frameHello uint64 = iota + 1
	frameAccept
	frameStream
	frameAck
	frameMaxStreamData
	frameMaxStreams
	frameDatagram
	frameClose
	framePing
	frameReset
)

// appendCID writes a length-prefixed connection id.
func appendCID(b []byte, cid []byte) []byte {
	b = append(b, byte(len(cid)))
	return append(b, cid...)
}

// reader is a cursor over a packet payload.
type reader struct {
	b   []byte
	pos int
}

var errTruncated = errors.New("truncated packet")

func (r *reader) remaining() int { return len(r.b) - r.pos }

func (r *reader) byte() (byte, error) {
	if r.remaining() < 1 {
		return 0, errTruncated
	}
	v := r.b[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) varint() (uint64, error) {
	v, n, err := quicvarint.Parse(r.b[r.pos:])
	if err != nil {
		return 0, fmt.Errorf("bad varint: %w", err)
	}
	r.pos += n
	return v, nil
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, errTruncated
	}
	v := r.b[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}

func (r *reader) varbytes() ([]byte, error) {
	n, err := r.varint()
	if err != nil {
		return nil, err
	}
	return r.take(int(n))
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) cid() (wquic.ConnectionID, error) {
	n, err := r.byte()
	if err != nil {
		return wquic.ConnectionID{}, err
	}
	if int(n) > wquic.MaxCIDLength {
		return wquic.ConnectionID{}, fmt.Errorf("connection id length %d too large", n)
	}
	b, err := r.take(int(n))
	if err != nil {
		return wquic.ConnectionID{}, err
	}
	return wquic.NewConnectionID(b), nil
}

// parseHeader decodes a packet's routing header and leaves the reader
// positioned at the first frame.
func parseHeader(pkt []byte) (wquic.Header, *reader, error) {
	r := &reader{b: pkt}

	form, err := r.byte()
	if err != nil {
		return wquic.Header{}, nil, err
	}

	switch {
	case form&hdrFormLong != 0:
		hdr := wquic.Header{}

		hdr.Version, err = r.uint32()
		if err != nil {
			return wquic.Header{}, nil, err
		}
		if hdr.DCID, err = r.cid(); err != nil {
			return wquic.Header{}, nil, err
		}
		if hdr.SCID, err = r.cid(); err != nil {
			return wquic.Header{}, nil, err
		}

		if hdr.Version == 0 {
			// Version negotiation; no type bits, no token.
			hdr.Type = wquic.PacketTypeHandshake
			return hdr, r, nil
		}

		switch form & 0x03 {
		case longTypeInitial:
			hdr.Type = wquic.PacketTypeInitial
		case longType0RTT:
			hdr.Type = wquic.PacketType0RTT
		default:
			hdr.Type = wquic.PacketTypeHandshake
		}

		if hdr.Token, err = r.varbytes(); err != nil {
			return wquic.Header{}, nil, err
		}

		if hdr.Version != Version {
			return hdr, nil, fmt.Errorf(
				"version 0x%x: %w", hdr.Version, wquic.ErrUnsupportedVersion,
			)
		}
		return hdr, r, nil

	case form&hdrFormShort != 0:
		hdr := wquic.Header{
			Type:    wquic.PacketTypeShort,
			Version: Version,
		}
		if hdr.DCID, err = r.cid(); err != nil {
			return wquic.Header{}, nil, err
		}
		return hdr, r, nil

	default:
		return wquic.Header{}, nil, fmt.Errorf("unknown header form 0x%x", form)
	}
}

// appendLongHeader writes an INITIAL long header with an empty token.
func appendLongHeader(b []byte, dcid, scid wquic.ConnectionID) []byte {
	b = append(b, hdrFormLong|longTypeInitial)
	b = binary.BigEndian.AppendUint32(b, Version)
	b = appendCID(b, dcid.Bytes())
	b = appendCID(b, scid.Bytes())
	b = quicvarint.Append(b, 0) // no token
	return b
}

// appendShortHeader writes a short header.
func appendShortHeader(b []byte, dcid wquic.ConnectionID) []byte {
	b = append(b, hdrFormShort)
	return appendCID(b, dcid.Bytes())
}
