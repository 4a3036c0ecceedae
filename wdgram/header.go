package wdgram

import (
	"encoding/binary"
	"fmt"
)

// HeaderLen is the size of the splitting header prepended to every
// datagram when splitting is active.
const HeaderLen = 2

// maxID is the exclusive bound of the 14-bit datagram id space.
const maxID = 1 << 14

// Tag occupies the low two bits of the splitting header.
type Tag uint8

const (
	TagWhole      Tag = 0b00
	TagFirstHalf  Tag = 0b01
	TagSecondHalf Tag = 0b10

	// tagReserved (0b11) is invalid on the wire.
	tagReserved Tag = 0b11
)

func (t Tag) String() string {
	switch t {
	case TagWhole:
		return "whole"
	case TagFirstHalf:
		return "first_half"
	case TagSecondHalf:
		return "second_half"
	default:
		return "reserved"
	}
}

// EncodeHeader writes the big-endian splitting header for the given
// 14-bit id and tag.
func EncodeHeader(id uint16, tag Tag) [HeaderLen]byte {
	if id >= maxID {
		panic(fmt.Errorf("BUG: datagram id %d exceeds 14 bits", id))
	}

	var hdr [HeaderLen]byte
	binary.BigEndian.PutUint16(hdr[:], id<<2|uint16(tag))
	return hdr
}

// DecodeHeader splits an inbound datagram into its id, tag, and
// payload.
func DecodeHeader(data []byte) (id uint16, tag Tag, payload []byte, err error) {
	if len(data) < HeaderLen {
		return 0, 0, nil, fmt.Errorf(
			"datagram too short for splitting header (%d bytes)", len(data),
		)
	}

	raw := binary.BigEndian.Uint16(data[:HeaderLen])
	tag = Tag(raw & 0b11)
	if tag == tagReserved {
		return 0, 0, nil, fmt.Errorf("reserved splitting tag 0b11 (id=%d)", raw>>2)
	}

	return raw >> 2, tag, data[HeaderLen:], nil
}
