package wyvern_test

import (
	"testing"

	"github.com/gordian-engine/wyvern"
	"github.com/gordian-engine/wyvern/internal/wtest"
	"github.com/gordian-engine/wyvern/wyverntest"
	"github.com/stretchr/testify/require"
	"lukechampine.com/blake3"
)

func TestEndpoint_Handshake(t *testing.T) {
	t.Parallel()

	serverEstablished := make(chan *wyvern.Connection, 1)

	nw := wyverntest.NewNetwork(t, 2, wyvern.ConnOptions{
		OnEstablished: func(c *wyvern.Connection) {
			serverEstablished <- c
		},
	})

	clientEstablished := make(chan *wyvern.Connection, 2)
	conn := nw.Connect(t, 0, 1, wyvern.ConnOptions{
		OnEstablished: func(c *wyvern.Connection) {
			clientEstablished <- c
		},
	})

	// The established callback fires exactly once per side.
	require.Same(t, conn, wtest.ReceiveSoon(t, clientEstablished))
	sc := wtest.ReceiveSoon(t, serverEstablished)
	wtest.NotSending(t, clientEstablished)

	// Each endpoint ends up with exactly one connection,
	// in the right direction.
	require.Len(t, nw.Endpoints[0].AllConns(wyvern.DirectionAny), 1)
	require.Len(t, nw.Endpoints[0].AllConns(wyvern.DirectionOutbound), 1)
	require.Empty(t, nw.Endpoints[0].AllConns(wyvern.DirectionInbound))

	require.Len(t, nw.Endpoints[1].AllConns(wyvern.DirectionInbound), 1)
	require.Empty(t, nw.Endpoints[1].AllConns(wyvern.DirectionOutbound))

	require.True(t, conn.Established())
	require.Equal(t, wyvern.DirectionInbound, sc.Direction())

	// Both sides learned the peer's Ed25519 identity.
	require.Equal(t, nw.Creds[1].PublicKey(), conn.RemoteKey())
	require.Equal(t, nw.Creds[0].PublicKey(), sc.RemoteKey())
}

func TestEndpoint_SmallMessageEcho(t *testing.T) {
	t.Parallel()

	msg := []byte("hello from the other siiiii-iiiiide")

	serverGot := make(chan []byte, 4)
	serverClosed := make(chan uint64, 1)

	nw := wyverntest.NewNetwork(t, 2, wyvern.ConnOptions{
		OnStreamOpened: func(s *wyvern.Stream) error {
			s.SetDataCallback(func(s *wyvern.Stream, data []byte) {
				serverGot <- append([]byte(nil), data...)

				// Echo the bytes back, then finish our side.
				require.NoError(t, s.Send(append([]byte(nil), data...)))
				s.CloseWhenDrained()
			})
			s.SetCloseCallback(func(_ *wyvern.Stream, code uint64) {
				serverClosed <- code
			})
			return nil
		},
	})

	conn := nw.Connect(t, 0, 1, wyvern.ConnOptions{})

	clientGot := make(chan []byte, 4)
	clientClosed := make(chan uint64, 1)
	s, err := conn.OpenStream(
		func(s *wyvern.Stream, data []byte) {
			clientGot <- append([]byte(nil), data...)
			s.CloseWhenDrained()
		},
		func(_ *wyvern.Stream, code uint64) {
			clientClosed <- code
		},
	)
	require.NoError(t, err)

	require.NoError(t, s.Send(msg))

	// The server receives the exact bytes, exactly once.
	require.Equal(t, msg, wtest.ReceiveSoon(t, serverGot))
	wtest.NotSending(t, serverGot)

	// The echo arrives back, exactly once.
	require.Equal(t, msg, wtest.ReceiveSoon(t, clientGot))
	wtest.NotSending(t, clientGot)

	// Clean FIN exchange: close code 0 on both sides.
	require.Zero(t, wtest.ReceiveSoon(t, clientClosed))
	require.Zero(t, wtest.ReceiveSoon(t, serverClosed))
}

func TestEndpoint_BulkSendWithHashCheck(t *testing.T) {
	t.Parallel()

	// A scaled-down rendition of the gigabyte soak: the chunked
	// producer path is identical, only the byte count differs.
	const total = 2 << 20
	const chunkSize = 64 << 10

	payload := wtest.RandomDataForTest(t, total)

	digests := make(chan [32]byte, 2)

	nw := wyverntest.NewNetwork(t, 2, wyvern.ConnOptions{
		OnStreamOpened: func(s *wyvern.Stream) error {
			h := blake3.New(32, nil)
			received := 0
			s.SetDataCallback(func(s *wyvern.Stream, data []byte) {
				_, _ = h.Write(data)
				received += len(data)

				if received == total {
					var d [32]byte
					copy(d[:], h.Sum(nil))
					digests <- d

					// Return the digest on the same stream.
					require.NoError(t, s.Send(d[:]))
					s.CloseWhenDrained()
				}
			})
			return nil
		},
	})

	conn := nw.Connect(t, 0, 1, wyvern.ConnOptions{})

	clientGot := make(chan []byte, 1)
	s, err := conn.OpenStream(
		func(s *wyvern.Stream, data []byte) {
			clientGot <- append([]byte(nil), data...)
		},
		nil,
	)
	require.NoError(t, err)

	sent := make(chan struct{}, 1)
	off := 0
	producer := func() ([]byte, error) {
		if off == total {
			return nil, nil
		}
		end := min(off+chunkSize, total)
		chunk := payload[off:end]
		off = end
		return chunk, nil
	}
	require.NoError(t, s.SendChunks(producer, func(*wyvern.Stream) {
		sent <- struct{}{}
	}, 4))

	wtest.ReceiveSoon(t, sent)

	want := blake3.Sum256(payload)
	serverDigest := wtest.ReceiveSoon(t, digests)
	require.Equal(t, want[:], serverDigest[:], "server-side digest mismatch")
	require.Equal(t, want[:], wtest.ReceiveSoon(t, clientGot),
		"returned digest mismatch")
}

func TestEndpoint_PendingStreamsAdmitFIFO(t *testing.T) {
	t.Parallel()

	serverStreams := make(chan []byte, 8)

	nw := wyverntest.NewNetwork(t, 2, wyvern.ConnOptions{
		// A tight allowance forces the pending queue into play.
		MaxStreams: 2,
		OnStreamOpened: func(s *wyvern.Stream) error {
			s.SetDataCallback(func(s *wyvern.Stream, data []byte) {
				serverStreams <- append([]byte(nil), data...)
				s.CloseWhenDrained()
			})
			return nil
		},
	})

	conn := nw.Connect(t, 0, 1, wyvern.ConnOptions{})

	// Open more streams than the peer allows at once; the excess
	// queues and admits as earlier streams close.
	for i := range 6 {
		payload := []byte{'s', byte('0' + i)}
		s, err := conn.OpenStream(nil, nil)
		require.NoError(t, err)
		require.NoError(t, s.Send(payload))
		s.CloseWhenDrained()
	}

	seen := map[string]bool{}
	for range 6 {
		seen[string(wtest.ReceiveSoon(t, serverStreams))] = true
	}
	for i := range 6 {
		require.True(t, seen["s"+string(rune('0'+i))], "stream %d never arrived", i)
	}
}

func TestEndpoint_CloseConnection(t *testing.T) {
	t.Parallel()

	serverClosed := make(chan uint64, 2)

	nw := wyverntest.NewNetwork(t, 2, wyvern.ConnOptions{
		OnClosed: func(_ *wyvern.Connection, code uint64) {
			serverClosed <- code
		},
	})

	clientEstablished := make(chan struct{}, 1)
	clientClosed := make(chan uint64, 2)
	conn := nw.Connect(t, 0, 1, wyvern.ConnOptions{
		OnEstablished: func(*wyvern.Connection) { clientEstablished <- struct{}{} },
		OnClosed: func(_ *wyvern.Connection, code uint64) {
			clientClosed <- code
		},
	})

	wtest.ReceiveSoon(t, clientEstablished)

	conn.Close(42, "done here")
	// Close is idempotent; the callback still fires exactly once.
	conn.Close(43, "again")

	require.Equal(t, uint64(42), wtest.ReceiveSoon(t, clientClosed))
	wtest.NotSending(t, clientClosed)

	// The peer observes the CONNECTION_CLOSE and drains.
	require.Equal(t, uint64(42), wtest.ReceiveSoon(t, serverClosed))
	wtest.NotSending(t, serverClosed)

	// New streams are refused on a closing connection.
	_, err := conn.OpenStream(nil, nil)
	require.ErrorIs(t, err, wyvern.ErrConnectionClosed)
}

func TestEndpoint_DataCallbackPanicClosesStreamOnly(t *testing.T) {
	t.Parallel()

	serverClosed := make(chan uint64, 1)

	nw := wyverntest.NewNetwork(t, 2, wyvern.ConnOptions{
		OnStreamOpened: func(s *wyvern.Stream) error {
			s.SetDataCallback(func(*wyvern.Stream, []byte) {
				panic("application bug")
			})
			s.SetCloseCallback(func(_ *wyvern.Stream, code uint64) {
				serverClosed <- code
			})
			return nil
		},
		OnDatagram: nil,
	})

	established := make(chan struct{}, 1)
	conn := nw.Connect(t, 0, 1, wyvern.ConnOptions{
		OnEstablished: func(*wyvern.Connection) { established <- struct{}{} },
	})
	wtest.ReceiveSoon(t, established)

	s, err := conn.OpenStream(nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Send([]byte("trigger the panic")))

	// The panicking stream closes with the exception code...
	require.Equal(t, wyvern.StreamErrorException, wtest.ReceiveSoon(t, serverClosed))

	// ...but the connection survives and serves new streams.
	s2, err := conn.OpenStream(nil, nil)
	require.NoError(t, err)
	require.NoError(t, s2.Send([]byte("still alive")))
	require.True(t, conn.Established())
}

func TestEndpoint_CloseRefusesNewWork(t *testing.T) {
	t.Parallel()

	nw := wyverntest.NewNetwork(t, 2, wyvern.ConnOptions{})

	ep := nw.Endpoints[0]
	ep.Close()

	_, err := ep.Connect(nw.Endpoints[1].LocalAddr(), wyvern.ConnOptions{})
	require.ErrorIs(t, err, wyvern.ErrEndpointClosed)

	require.ErrorIs(t, ep.Listen(wyvern.ConnOptions{Creds: nw.Creds[0]}), wyvern.ErrEndpointClosed)

	// Closing twice is fine.
	ep.Close()
}
