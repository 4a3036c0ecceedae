package wyvern_test

import (
	"testing"

	"github.com/gordian-engine/wyvern"
	"github.com/gordian-engine/wyvern/internal/wtest"
	"github.com/gordian-engine/wyvern/wdgram"
	"github.com/gordian-engine/wyvern/wyverntest"
	"github.com/stretchr/testify/require"
)

// dgramNetwork builds a two-endpoint network with datagrams enabled
// in the given mode on both sides, returning the established client
// connection and the server's delivery channel.
func dgramNetwork(
	t *testing.T, split wdgram.Splitting, bufsize int,
) (*wyvern.Connection, <-chan []byte) {
	t.Helper()

	serverGot := make(chan []byte, 256)

	nw := wyverntest.NewNetwork(t, 2, wyvern.ConnOptions{
		Datagrams: &wyvern.DatagramOptions{Split: split, BufferSize: bufsize},
		OnDatagram: func(_ *wyvern.Connection, data []byte) {
			serverGot <- append([]byte(nil), data...)
		},
	})

	established := make(chan struct{}, 1)
	conn := nw.Connect(t, 0, 1, wyvern.ConnOptions{
		Datagrams:     &wyvern.DatagramOptions{Split: split, BufferSize: bufsize},
		OnEstablished: func(*wyvern.Connection) { established <- struct{}{} },
	})
	wtest.ReceiveSoon(t, established)

	return conn, serverGot
}

func TestDatagram_NoneModeOversizeRejected(t *testing.T) {
	t.Parallel()

	conn, serverGot := dgramNetwork(t, wdgram.SplitNone, 0)

	max := conn.MaxDatagramSize()
	require.Positive(t, max, "handshake must have set the datagram capacity")

	// One byte over the limit fails synchronously.
	err := conn.SendDatagram(wtest.RandomDataForTest(t, max+1))
	require.ErrorAs(t, err, &wdgram.TooLargeError{})

	// Exactly at the limit is delivered, once.
	payload := wtest.RandomDataForTest(t, max)
	require.NoError(t, conn.SendDatagram(payload))

	require.Equal(t, payload, wtest.ReceiveSoon(t, serverGot))
	wtest.NotSending(t, serverGot)
}

func TestDatagram_ActiveModeDoublesLimit(t *testing.T) {
	t.Parallel()

	conn, serverGot := dgramNetwork(t, wdgram.SplitActive, 0)

	max := conn.MaxDatagramSize()
	require.Positive(t, max)

	// The split limit is exactly twice the engine max, less the
	// two-byte header on each half.
	err := conn.SendDatagram(wtest.RandomDataForTest(t, max+1))
	require.ErrorAs(t, err, &wdgram.TooLargeError{})

	// An oversized-for-one-packet datagram travels as two halves and
	// arrives intact.
	payload := wtest.RandomDataForTest(t, max)
	require.NoError(t, conn.SendDatagram(payload))
	require.Equal(t, payload, wtest.ReceiveSoon(t, serverGot))

	// A small one still goes whole.
	small := []byte("fits in one")
	require.NoError(t, conn.SendDatagram(small))
	require.Equal(t, small, wtest.ReceiveSoon(t, serverGot))
}

func TestDatagram_RotatingBufferDrop(t *testing.T) {
	t.Parallel()

	serverGot := make(chan []byte, 256)
	serverConns := make(chan *wyvern.Connection, 1)

	opts := wyvern.ConnOptions{
		Datagrams: &wyvern.DatagramOptions{Split: wdgram.SplitActive, BufferSize: 256},
		OnDatagram: func(_ *wyvern.Connection, data []byte) {
			serverGot <- append([]byte(nil), data...)
		},
	}
	opts.OnEstablished = func(c *wyvern.Connection) { serverConns <- c }

	nw := wyverntest.NewNetwork(t, 2, opts)

	established := make(chan struct{}, 1)
	conn := nw.Connect(t, 0, 1, wyvern.ConnOptions{
		Datagrams:     &wyvern.DatagramOptions{Split: wdgram.SplitActive, BufferSize: 256},
		OnEstablished: func(*wyvern.Connection) { established <- struct{}{} },
	})
	wtest.ReceiveSoon(t, established)
	serverConn := wtest.ReceiveSoon(t, serverConns)

	oversized := conn.MaxDatagramSize()
	require.Positive(t, oversized)

	// First cohort: the receiver's debug hook discards every pair as
	// it completes, standing in for a dropped half.
	serverConn.DebugSetDatagramDrop(true)

	const dropped = 32
	for range dropped {
		require.NoError(t, conn.SendDatagram(wtest.RandomDataForTest(t, oversized)))
	}

	// Nothing from the dropped cohort may be delivered.
	for tries := 0; serverConn.DebugDatagramDrops() < dropped; tries++ {
		require.Less(t, tries, 100, "dropped cohort never fully arrived")
		wtest.NotSending(t, serverGot)
	}
	require.Equal(t, dropped, serverConn.DebugDatagramDrops())

	// Second cohort: with the hook off, every datagram arrives
	// byte-for-byte.
	serverConn.DebugSetDatagramDrop(false)

	const delivered = 97
	sent := make([][]byte, delivered)
	for i := range delivered {
		sent[i] = wtest.RandomDataForTest(t, oversized-i)
		require.NoError(t, conn.SendDatagram(sent[i]))
	}

	got := make(map[string]bool, delivered)
	for range delivered {
		got[string(wtest.ReceiveSoon(t, serverGot))] = true
	}
	for i, s := range sent {
		require.True(t, got[string(s)], "datagram %d lost or corrupted", i)
	}
	wtest.NotSending(t, serverGot)
}

func TestDatagram_NotEnabled(t *testing.T) {
	t.Parallel()

	nw := wyverntest.NewNetwork(t, 2, wyvern.ConnOptions{})

	established := make(chan struct{}, 1)
	conn := nw.Connect(t, 0, 1, wyvern.ConnOptions{
		OnEstablished: func(*wyvern.Connection) { established <- struct{}{} },
	})
	wtest.ReceiveSoon(t, established)

	require.Error(t, conn.SendDatagram([]byte("nope")))
	require.Zero(t, conn.MaxDatagramSize())
}
