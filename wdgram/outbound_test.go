package wdgram_test

import (
	"bytes"
	"testing"

	"github.com/gordian-engine/wyvern/internal/wtest"
	"github.com/gordian-engine/wyvern/wdgram"
	"github.com/stretchr/testify/require"
)

func TestMaxPayload(t *testing.T) {
	t.Parallel()

	// Before the handshake the engine reports 0 and so do we.
	require.Zero(t, wdgram.MaxPayload(0, wdgram.SplitNone))
	require.Zero(t, wdgram.MaxPayload(0, wdgram.SplitActive))

	require.Equal(t, 1200, wdgram.MaxPayload(1200, wdgram.SplitNone))

	// Splitting doubles the limit, less one header per half.
	require.Equal(t, 2*(1200-wdgram.HeaderLen), wdgram.MaxPayload(1200, wdgram.SplitActive))
}

func TestOutbound_RejectsOversize(t *testing.T) {
	t.Parallel()

	const engineMax = 100

	t.Run("none", func(t *testing.T) {
		t.Parallel()

		o := wdgram.NewOutbound(wdgram.SplitNone)
		data := wtest.RandomDataForTest(t, engineMax+1)

		err := o.Enqueue(data, engineMax, nil)
		require.ErrorAs(t, err, &wdgram.TooLargeError{})
		require.True(t, o.Empty())

		// Exactly at the limit is fine.
		require.NoError(t, o.Enqueue(data[:engineMax], engineMax, nil))
		require.Equal(t, 1, o.Len())
	})

	t.Run("active", func(t *testing.T) {
		t.Parallel()

		o := wdgram.NewOutbound(wdgram.SplitActive)
		max := wdgram.MaxPayload(engineMax, wdgram.SplitActive)
		data := wtest.RandomDataForTest(t, max+1)

		err := o.Enqueue(data, engineMax, nil)
		require.ErrorAs(t, err, &wdgram.TooLargeError{})

		require.NoError(t, o.Enqueue(data[:max], engineMax, nil))
	})
}

// drainPiece flattens the front wire datagram and pops it.
func drainPiece(o *wdgram.Outbound) []byte {
	var out []byte
	for _, b := range o.Front() {
		out = append(out, b...)
	}
	o.PopFront()
	return out
}

func TestOutbound_WholeDatagram(t *testing.T) {
	t.Parallel()

	const engineMax = 100

	o := wdgram.NewOutbound(wdgram.SplitActive)
	data := wtest.RandomDataForTest(t, engineMax-wdgram.HeaderLen)

	require.NoError(t, o.Enqueue(data, engineMax, nil))

	piece := drainPiece(o)
	require.True(t, o.Empty())

	id, tag, payload, err := wdgram.DecodeHeader(piece)
	require.NoError(t, err)
	require.Equal(t, uint16(0), id)
	require.Equal(t, wdgram.TagWhole, tag)
	require.Equal(t, data, payload)
}

func TestOutbound_SplitHalvesRejoin(t *testing.T) {
	t.Parallel()

	const engineMax = 100

	o := wdgram.NewOutbound(wdgram.SplitActive)
	data := wtest.RandomDataForTest(t, wdgram.MaxPayload(engineMax, wdgram.SplitActive))

	require.NoError(t, o.Enqueue(data, engineMax, nil))
	require.Equal(t, 1, o.Len())

	first := drainPiece(o)
	require.Equal(t, 1, o.Len(), "datagram stays queued until its last piece pops")
	second := drainPiece(o)
	require.True(t, o.Empty())

	// Every piece must fit one engine datagram.
	require.LessOrEqual(t, len(first), engineMax)
	require.LessOrEqual(t, len(second), engineMax)

	id1, tag1, p1, err := wdgram.DecodeHeader(first)
	require.NoError(t, err)
	id2, tag2, p2, err := wdgram.DecodeHeader(second)
	require.NoError(t, err)

	require.Equal(t, id1, id2)
	require.Equal(t, wdgram.TagFirstHalf, tag1)
	require.Equal(t, wdgram.TagSecondHalf, tag2)
	require.True(t, bytes.Equal(data, append(append([]byte(nil), p1...), p2...)))
}

func TestOutbound_IDsMonotonicAndWrap(t *testing.T) {
	t.Parallel()

	const engineMax = 64

	o := wdgram.NewOutbound(wdgram.SplitActive)
	data := wtest.RandomDataForTest(t, 8)

	var prev uint16
	for i := range 1<<14 + 100 {
		require.NoError(t, o.Enqueue(data, engineMax, nil))
		id, _, _, err := wdgram.DecodeHeader(drainPiece(o))
		require.NoError(t, err)

		if i > 0 {
			require.Equal(t, (prev+1)%(1<<14), id)
		}
		prev = id
	}
}
