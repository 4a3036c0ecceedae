package wdgram_test

import (
	"testing"

	"github.com/gordian-engine/wyvern/wdgram"
	"github.com/stretchr/testify/require"
)

func TestHeader_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		id   uint16
		tag  wdgram.Tag
	}{
		{name: "whole zero id", id: 0, tag: wdgram.TagWhole},
		{name: "first half", id: 1, tag: wdgram.TagFirstHalf},
		{name: "second half", id: 12345, tag: wdgram.TagSecondHalf},
		{name: "max id", id: 1<<14 - 1, tag: wdgram.TagWhole},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			hdr := wdgram.EncodeHeader(tc.id, tc.tag)
			payload := []byte("payload")

			id, tag, rest, err := wdgram.DecodeHeader(append(hdr[:], payload...))
			require.NoError(t, err)
			require.Equal(t, tc.id, id)
			require.Equal(t, tc.tag, tag)
			require.Equal(t, payload, rest)
		})
	}
}

func TestHeader_RejectsReservedTag(t *testing.T) {
	t.Parallel()

	// bits[1:0] == 0b11 is invalid on the wire.
	_, _, _, err := wdgram.DecodeHeader([]byte{0x00, 0x03, 'x'})
	require.Error(t, err)
}

func TestHeader_RejectsShortInput(t *testing.T) {
	t.Parallel()

	_, _, _, err := wdgram.DecodeHeader([]byte{0x01})
	require.Error(t, err)
}

func TestHeader_EncodePanicsOnOverflowID(t *testing.T) {
	t.Parallel()

	require.Panics(t, func() {
		wdgram.EncodeHeader(1<<14, wdgram.TagWhole)
	})
}
