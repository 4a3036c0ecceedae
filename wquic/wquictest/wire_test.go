package wquictest

import (
	"encoding/binary"
	"testing"

	"github.com/gordian-engine/wyvern/wquic"
	"github.com/stretchr/testify/require"
)

func TestParseHeader_LongHeader(t *testing.T) {
	t.Parallel()

	dcid := wquic.NewConnectionID([]byte("destination"))
	scid := wquic.NewConnectionID([]byte("source"))

	pkt := appendLongHeader(nil, dcid, scid)
	pkt = append(pkt, 0xAB) // first frame byte

	hdr, r, err := parseHeader(pkt)
	require.NoError(t, err)
	require.Equal(t, wquic.PacketTypeInitial, hdr.Type)
	require.Equal(t, Version, hdr.Version)
	require.Equal(t, dcid, hdr.DCID)
	require.Equal(t, scid, hdr.SCID)
	require.Empty(t, hdr.Token)
	require.Equal(t, 1, r.remaining())
}

func TestParseHeader_ShortHeader(t *testing.T) {
	t.Parallel()

	dcid := wquic.NewConnectionID([]byte{1, 2, 3, 4, 5, 6, 7, 8})

	pkt := appendShortHeader(nil, dcid)
	hdr, _, err := parseHeader(pkt)
	require.NoError(t, err)
	require.Equal(t, wquic.PacketTypeShort, hdr.Type)
	require.Equal(t, dcid, hdr.DCID)
}

func TestParseHeader_UnsupportedVersion(t *testing.T) {
	t.Parallel()

	pkt := []byte{0x80}
	pkt = binary.BigEndian.AppendUint32(pkt, 0x5a5a5a5a)
	pkt = append(pkt, 2, 'd', 'c')
	pkt = append(pkt, 2, 's', 'c')
	pkt = append(pkt, 0)

	hdr, _, err := parseHeader(pkt)
	require.ErrorIs(t, err, wquic.ErrUnsupportedVersion)

	// The ids must still be available for the negotiation reply.
	require.Equal(t, []byte("dc"), hdr.DCID.Bytes())
	require.Equal(t, []byte("sc"), hdr.SCID.Bytes())
}

func TestParseHeader_Garbage(t *testing.T) {
	t.Parallel()

	for _, pkt := range [][]byte{
		nil,
		{0x00},
		{0x80, 0, 0},
		{0x40, 21}, // CID length exceeding the maximum
	} {
		_, _, err := parseHeader(pkt)
		require.Error(t, err)
	}
}

func TestWriteVersionNegotiation_RoundTrip(t *testing.T) {
	t.Parallel()

	e := NewEngine(nil)

	buf := make([]byte, 256)
	n, err := e.WriteVersionNegotiation(
		buf, []byte("aa"), []byte("bb"), []uint32{0x1a2a3a4a, Version},
	)
	require.NoError(t, err)

	hdr, r, err := parseHeader(buf[:n])
	require.NoError(t, err)
	require.Zero(t, hdr.Version)
	require.Equal(t, []byte("aa"), hdr.DCID.Bytes())
	require.Equal(t, []byte("bb"), hdr.SCID.Bytes())

	v1, err := r.uint32()
	require.NoError(t, err)
	v2, err := r.uint32()
	require.NoError(t, err)
	require.Equal(t, []uint32{0x1a2a3a4a, Version}, []uint32{v1, v2})
}
