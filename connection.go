package wyvern

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/gordian-engine/wyvern/wdgram"
	"github.com/gordian-engine/wyvern/wloop"
	"github.com/gordian-engine/wyvern/wquic"
	"golang.org/x/crypto/blake2b"
)

// connState is the connection lifecycle state.
// States only ever advance.
type connState int

const (
	stateHandshaking connState = iota
	stateEstablished
	stateClosing
	stateDraining
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateHandshaking:
		return "handshaking"
	case stateEstablished:
		return "established"
	case stateClosing:
		return "closing"
	case stateDraining:
		return "draining"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("connState(%d)", int(s))
	}
}

// Connection is one QUIC connection on an [Endpoint].
//
// It owns the engine connection object and drives both directions of
// the state machine: inbound packets feed the engine, whose callbacks
// reach the streams and the datagram engine; outbound stream and
// datagram bytes drain into packet batches on io-ready signals.
//
// All state mutation happens on the loop goroutine. Public methods may
// be called from any goroutine.
type Connection struct {
	log  *slog.Logger
	ep   *Endpoint
	loop *wloop.Loop

	dir  Direction
	path Path

	scid, dcid wquic.ConnectionID

	opts ConnOptions

	ec wquic.Conn

	// Everything below is loop-goroutine state.

	state connState

	streams map[int64]*Stream

	// Streams awaiting admission by the engine, FIFO.
	// A stream id is in streams or here, never both.
	pendingStreams []*Stream

	ioPosted   bool
	retransmit *wloop.OneShot

	dgramSplit wdgram.Splitting
	dgramOut   *wdgram.Outbound
	dgramIn    *wdgram.Reassembler

	// Start-offset source for flush fairness, seeded from the
	// endpoint's static secret and the SCID so tests are
	// deterministic under a fixed secret.
	rng *rand.Rand

	remoteKey ed25519.PublicKey

	establishedFired bool
	closedFired      bool
	closeCode        uint64
}

func newConnection(
	ep *Endpoint,
	dir Direction,
	path Path,
	scid, dcid wquic.ConnectionID,
	opts ConnOptions,
) (*Connection, error) {
	c := &Connection{
		log: ep.log.With("sys", "conn", "scid", scid),

		ep:   ep,
		loop: ep.loop,

		dir:  dir,
		path: path,

		scid: scid,
		dcid: dcid,

		opts: opts,

		streams: make(map[int64]*Stream),
	}

	if opts.Datagrams != nil {
		c.dgramSplit = opts.Datagrams.Split
		c.dgramOut = wdgram.NewOutbound(c.dgramSplit)
		if c.dgramSplit == wdgram.SplitActive {
			var err error
			c.dgramIn, err = wdgram.NewReassembler(opts.Datagrams.bufferSize())
			if err != nil {
				return nil, err
			}
		}
	}

	seed := blake2b.Sum256(append(append(
		[]byte(nil), ep.staticSecret...), scid.Bytes()...))
	c.rng = rand.New(rand.NewChaCha8(seed))

	cfg := wquic.ConnConfig{
		Path: path,
		SCID: scid,
		DCID: dcid,

		Creds: opts.Creds,
		ALPNs: opts.ALPNs,

		Params: opts.transportParams(),

		Callbacks: wquic.Callbacks{
			HandshakeComplete:         c.onHandshakeComplete,
			RecvStreamData:            c.onRecvStreamData,
			AckedStreamData:           c.onAckedStreamData,
			StreamOpen:                c.onStreamOpen,
			StreamClose:               c.onStreamClose,
			StreamReset:               c.onStreamReset,
			ExtendMaxLocalStreamsBidi: c.onExtendMaxLocalStreamsBidi,
			RecvDatagram:              c.onRecvDatagram,
			Rand:                      ep.fillRand,
			GetNewConnectionID:        ep.newConnectionID,
		},
	}

	var err error
	switch dir {
	case DirectionOutbound:
		c.ec, err = ep.engine.NewClientConn(cfg)
	case DirectionInbound:
		c.ec, err = ep.engine.NewServerConn(cfg)
	default:
		err = fmt.Errorf("invalid connection direction %v", dir)
	}
	if err != nil {
		return nil, fmt.Errorf("engine refused connection: %w", err)
	}

	return c, nil
}

// SCID is the locally chosen source connection id,
// the connection's primary key on its endpoint.
func (c *Connection) SCID() wquic.ConnectionID { return c.scid }

// DCID is the remote-chosen destination connection id.
func (c *Connection) DCID() wquic.ConnectionID { return c.dcid }

// Path is the network path this connection travels.
func (c *Connection) Path() Path { return c.path }

// Direction reports whether this connection was locally initiated or
// accepted.
func (c *Connection) Direction() Direction { return c.dir }

// Endpoint is the owning endpoint.
func (c *Connection) Endpoint() *Endpoint { return c.ep }

// Loop is the event loop this connection runs on, for protocol layers
// that need their own timers.
func (c *Connection) Loop() *wloop.Loop { return c.loop }

// RemoteKey is the peer's Ed25519 public key, or nil before the
// handshake completes.
func (c *Connection) RemoteKey() ed25519.PublicKey {
	k, _ := loopGet(c.loop, func() (ed25519.PublicKey, error) {
		return c.remoteKey, nil
	})
	return k
}

// Established reports whether the handshake has confirmed and the
// connection is not yet closing.
func (c *Connection) Established() bool {
	v, _ := loopGet(c.loop, func() (bool, error) {
		return c.state == stateEstablished, nil
	})
	return v
}

// OpenStream creates a new locally initiated bidirectional stream.
//
// If the peer's stream allowance is saturated, the stream is still
// returned but queued; it admits (and sends its buffered bytes) once
// the peer extends the limit.
func (c *Connection) OpenStream(dataCB DataCallback, closeCB CloseCallback) (*Stream, error) {
	return loopGet(c.loop, func() (*Stream, error) {
		if c.state >= stateClosing {
			return nil, ErrConnectionClosed
		}

		s := newStream(c, dataCB, closeCB)

		id, err := c.ec.OpenBidiStream()
		switch {
		case err == nil:
			s.id = id
			s.ready = true
			c.streams[id] = s
			c.log.Debug("Opened stream", "id", id)
		case errors.Is(err, wquic.ErrStreamLimitReached):
			c.log.Debug("Stream limit saturated; queueing stream")
			c.pendingStreams = append(c.pendingStreams, s)
		default:
			return nil, fmt.Errorf("failed to open stream: %w", err)
		}

		return s, nil
	})
}

// SendDatagram queues one unreliable datagram.
//
// Under the NONE splitting policy data must fit one engine datagram;
// under ACTIVE it may be up to twice that, minus the split headers.
// keepAlive, if given, is retained until the datagram is handed to
// the engine.
func (c *Connection) SendDatagram(data []byte, keepAlive ...any) error {
	var owner any
	if len(keepAlive) > 0 {
		owner = keepAlive[0]
	}

	_, err := loopGet(c.loop, func() (struct{}, error) {
		if c.state >= stateClosing {
			return struct{}{}, ErrConnectionClosed
		}
		if c.dgramOut == nil {
			return struct{}{}, errors.New("datagrams are not enabled on this connection")
		}

		if err := c.dgramOut.Enqueue(data, c.ec.MaxDatagramSize(), owner); err != nil {
			return struct{}{}, err
		}
		c.ioReady()
		return struct{}{}, nil
	})
	return err
}

// MaxDatagramSize is the current largest datagram payload this
// connection accepts: the engine's per-packet maximum, doubled (less
// header overhead) when splitting is active. 0 until the handshake
// exchanges transport parameters.
func (c *Connection) MaxDatagramSize() int {
	n, _ := loopGet(c.loop, func() (int, error) {
		return wdgram.MaxPayload(c.ec.MaxDatagramSize(), c.dgramSplit), nil
	})
	return n
}

// Close begins an orderly shutdown with the given application code.
// Idempotent; the OnClosed callback fires exactly once.
func (c *Connection) Close(code uint64, reason string) {
	c.loop.Call(func() {
		if c.state >= stateClosing {
			return
		}
		c.ep.closeConnection(c, &wquic.ConnError{Code: code, Reason: reason})
	})
}

// DebugSetDatagramDrop toggles deterministic reassembly loss for
// tests: when enabled, a half that would complete a datagram is
// counted and discarded instead of delivered.
func (c *Connection) DebugSetDatagramDrop(enabled bool) {
	c.loop.Call(func() {
		if c.dgramIn != nil {
			c.dgramIn.DebugDropPairs = enabled
		}
	})
}

// DebugDatagramDrops reports how many pairs the drop hook discarded.
func (c *Connection) DebugDatagramDrops() int {
	n, _ := loopGet(c.loop, func() (int, error) {
		if c.dgramIn == nil {
			return 0, nil
		}
		return c.dgramIn.DebugDropCounter, nil
	})
	return n
}

// Everything below runs only on the loop goroutine.

// handlePacket feeds one routed datagram to the engine.
func (c *Connection) handlePacket(pkt wquic.Packet) {
	if c.state >= stateDraining {
		// Draining connections absorb packets silently.
		return
	}

	if err := c.ec.ReadPacket(c.loop.Now(), pkt); err != nil {
		var cerr *wquic.ConnError
		if errors.As(err, &cerr) {
			c.ep.connFailed(c, cerr)
			return
		}
		c.log.Debug("Dropped undecodable packet", "err", err)
		return
	}

	c.ioReady()
}

// ioReady coalesces flush requests into at most one queued job.
func (c *Connection) ioReady() {
	if c.ioPosted || c.state >= stateClosing {
		return
	}
	c.ioPosted = true
	c.loop.CallSoon(c.onIOReady)
}

func (c *Connection) onIOReady() {
	c.ioPosted = false
	if c.state >= stateClosing {
		return
	}

	now := c.loop.Now()
	if c.flushDatagrams(now) {
		c.flushStreams(now)
	}
	c.scheduleRetransmit(now)
}

// sendBatch hands a packet batch to the endpoint, reporting false when
// flushing must stop: the socket blocked (a writable continuation is
// registered) or errored.
func (c *Connection) sendBatch(batch [][]byte, now time.Time) bool {
	if len(batch) == 0 {
		return true
	}

	res := c.ep.sendPackets(c.path, batch, wquic.ECNNone)
	c.ec.UpdatePacketTxTime(now)

	if res.Blocked {
		c.log.Debug("Send blocked; awaiting writability", "queued", len(batch)-res.Sent)
		c.ep.awaitWritable(func() { c.loop.Call(c.ioReady) })
		return false
	}
	if res.Err != nil {
		c.log.Warn("Failed to send packet batch", "err", res.Err)
		return false
	}
	return true
}

// flushDatagrams drains the datagram send queue into packets.
// Returns false when flushing must stop entirely.
func (c *Connection) flushDatagrams(now time.Time) bool {
	if c.dgramOut == nil || c.dgramOut.Empty() {
		return true
	}

	maxUDP := c.ec.MaxUDPPayloadSize()
	var batch [][]byte
	buf := make([]byte, maxUDP)

	for !c.dgramOut.Empty() {
		n, err := c.ec.WriteDatagram(buf, c.dgramOut.Front(), now)
		switch {
		case errors.Is(err, wquic.ErrDatagramTooLarge):
			// The path MTU shrank under a queued datagram.
			// Unreliable delivery permits dropping it.
			c.log.Warn("Dropping queued datagram exceeding current max")
			c.dgramOut.PopFront()
			continue
		case err != nil:
			c.log.Warn("Failed to pack datagram", "err", err)
			return c.sendBatch(batch, now)
		case n == 0:
			// Congestion control refuses further bytes.
			return c.sendBatch(batch, now)
		}

		c.dgramOut.PopFront()
		batch = append(batch, buf[:n])
		buf = make([]byte, maxUDP)

		if len(batch) == sendBatchSize {
			if !c.sendBatch(batch, now) {
				return false
			}
			batch = nil
		}
	}

	return c.sendBatch(batch, now)
}

// flushStreams packs pending stream bytes into GSO batches:
// a bounded number of packets per flush, streams visited from a random
// start offset, frames coalesced via the engine's write-more protocol,
// then ack/handshake-only packets until the engine runs dry.
func (c *Connection) flushStreams(now time.Time) {
	if c.state >= stateClosing {
		return
	}

	maxUDP := c.ec.MaxUDPPayloadSize()
	maxStreamPackets := c.ec.SendQuantum() / maxUDP
	if maxStreamPackets < 1 {
		maxStreamPackets = 1
	}

	strs := c.activeStreams()

	var batch [][]byte
	buf := make([]byte, maxUDP)
	streamPackets := 0

	for streamPackets < maxStreamPackets && len(strs) > 0 {
		s := strs[0]

		bufs := s.pending()
		fin := false
		if s.wantFIN && !s.sentFIN && s.unsent() == 0 {
			fin = true
		} else if len(bufs) == 0 {
			strs = strs[1:]
			continue
		}

		n, consumed, err := c.ec.WriteStream(buf, s.id, bufs, fin, true, now)
		if consumed > 0 {
			s.wrote(consumed)
		}

		switch {
		case errors.Is(err, wquic.ErrWriteMore):
			// Fully absorbed into the packet under construction.
			strs = strs[1:]
			continue

		case errors.Is(err, wquic.ErrStreamShutWrite):
			// The engine's write side is done; if we had asked for a
			// FIN, this confirms it was packed.
			if s.wantFIN {
				s.sentFIN = true
				s.isClosing = true
			}
			strs = strs[1:]
			continue

		case errors.Is(err, wquic.ErrStreamDataBlocked),
			errors.Is(err, wquic.ErrClosing):
			strs = strs[1:]
			continue

		case err != nil:
			c.log.Warn("Engine failed to pack stream data", "id", s.id, "err", err)
			strs = nil

		case n == 0:
			// Congested: stop packing, flush what we have.
			strs = nil

		default:
			batch = append(batch, buf[:n])
			buf = make([]byte, maxUDP)
			streamPackets++

			if len(batch) == sendBatchSize {
				if !c.sendBatch(batch, now) {
					return
				}
				batch = nil
			}
			if !s.hasUnsent() {
				strs = strs[1:]
			}
		}
	}

	// The per-flush packet cap voluntarily yields the loop; re-post
	// so remaining stream data drains on the next iteration.
	if streamPackets >= maxStreamPackets {
		for _, s := range strs {
			if s.hasUnsent() {
				c.ioReady()
				break
			}
		}
	}

	// Stream id -1 lets the engine emit handshake, ack-only, and
	// control packets, and finish any partially packed one.
	for {
		n, _, err := c.ec.WriteStream(buf, -1, nil, false, true, now)
		if err != nil || n == 0 {
			if err != nil && !errors.Is(err, wquic.ErrClosing) {
				c.log.Warn("Engine failed to emit control packet", "err", err)
			}
			break
		}

		batch = append(batch, buf[:n])
		buf = make([]byte, maxUDP)

		if len(batch) == sendBatchSize {
			if !c.sendBatch(batch, now) {
				return
			}
			batch = nil
		}
	}

	c.sendBatch(batch, now)
}

// activeStreams builds the flush order: every ready stream with
// a chance of sending, starting at a random offset into the map so
// later-inserted streams are not starved.
func (c *Connection) activeStreams() []*Stream {
	if len(c.streams) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(c.streams))
	for id, s := range c.streams {
		if !s.sentFIN {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	slices.Sort(ids)

	off := c.rng.IntN(len(ids))

	out := make([]*Stream, 0, len(ids))
	for i := range ids {
		out = append(out, c.streams[ids[(off+i)%len(ids)]])
	}
	return out
}

// scheduleRetransmit re-arms the engine expiry timer after a flush.
func (c *Connection) scheduleRetransmit(now time.Time) {
	if c.retransmit != nil {
		c.retransmit.Stop()
		c.retransmit = nil
	}
	if c.state >= stateDraining {
		return
	}

	exp := c.ec.Expiry()
	if exp.IsZero() {
		return
	}

	if !exp.After(now) {
		c.loop.CallSoon(c.handleExpiry)
		return
	}

	// Rounded down to millisecond granularity.
	delay := exp.Sub(now).Truncate(time.Millisecond)
	c.retransmit = c.loop.CallLater(delay, c.handleExpiry)
}

func (c *Connection) handleExpiry() {
	if c.state >= stateDraining {
		return
	}

	now := c.loop.Now()
	if err := c.ec.HandleExpiry(now); err != nil {
		var cerr *wquic.ConnError
		if errors.As(err, &cerr) {
			c.ep.connFailed(c, cerr)
			return
		}
		c.log.Warn("Engine expiry handling failed", "err", err)
		return
	}

	if c.state < stateClosing {
		if c.flushDatagrams(now) {
			c.flushStreams(now)
		}
	}
	c.scheduleRetransmit(now)
}

// shutdownStream abruptly terminates one stream in both directions.
func (c *Connection) shutdownStream(id int64, code uint64) {
	c.ec.ShutdownStream(id, code)
	c.ioReady()
}

// dropPendingStream removes a never-admitted stream from the pending
// queue, firing its close callback.
func (c *Connection) dropPendingStream(s *Stream, code uint64) {
	for i, p := range c.pendingStreams {
		if p == s {
			c.pendingStreams = append(c.pendingStreams[:i], c.pendingStreams[i+1:]...)
			break
		}
	}
	s.closed(code)
}

// isLocalStream reports whether the stream id was allocated by this
// side. Client-initiated bidi ids have low bits 0b00, server ones
// 0b01.
func (c *Connection) isLocalStream(id int64) bool {
	if c.dir == DirectionOutbound {
		return id%4 == 0
	}
	return id%4 == 1
}

// enterDraining transitions into the draining state, firing the
// closed callback exactly once. Packets are neither sent nor
// processed from here on.
func (c *Connection) enterDraining(code uint64) {
	if c.state >= stateDraining {
		return
	}
	c.state = stateDraining
	c.closeCode = code

	if c.retransmit != nil {
		c.retransmit.Stop()
		c.retransmit = nil
	}

	if !c.closedFired {
		c.closedFired = true
		if c.opts.OnClosed != nil {
			c.opts.OnClosed(c, code)
		}
	}
}

// destroy is the final teardown, once the draining deadline passes
// (or the endpoint shuts down). Streams that never closed cleanly get
// their close callback with the synthetic expiry code.
func (c *Connection) destroy() {
	c.enterDraining(c.closeCode)
	c.state = stateClosed

	for id, s := range c.streams {
		delete(c.streams, id)
		s.closed(StreamErrorConnectionExpired)
	}
	for _, s := range c.pendingStreams {
		s.closed(StreamErrorConnectionExpired)
	}
	c.pendingStreams = nil
}

// Engine callbacks. All invoked on the loop goroutine, from inside
// ReadPacket or HandleExpiry.

func (c *Connection) onHandshakeComplete(alpn string) {
	if c.establishedFired {
		return
	}
	c.establishedFired = true

	if c.state == stateHandshaking {
		c.state = stateEstablished
	}
	c.remoteKey = c.ec.RemoteKey()

	c.log.Debug("Handshake complete",
		"alpn", alpn, "dir", c.dir, "path", c.path)

	if c.opts.OnEstablished != nil {
		c.opts.OnEstablished(c)
	}
}

func (c *Connection) onRecvStreamData(id int64, data []byte, fin bool) error {
	s := c.streams[id]
	if s == nil {
		// Raced with local shutdown; the engine drops the bytes.
		return nil
	}

	if err := s.deliver(data, fin); err != nil {
		c.shutdownStream(id, StreamErrorException)
		return nil
	}

	if !fin {
		c.ec.ExtendStreamOffset(id, len(data))
	}
	return nil
}

func (c *Connection) onAckedStreamData(id int64, n int) {
	s := c.streams[id]
	if s == nil {
		return
	}

	s.acknowledge(n)
	if s.hasUnsent() {
		c.ioReady()
	}
}

func (c *Connection) onStreamOpen(id int64) error {
	s := newStream(c, c.opts.OnStreamData, c.opts.OnStreamClosed)
	s.id = id
	s.ready = true
	c.streams[id] = s

	if c.opts.OnStreamOpened != nil {
		if err := c.opts.OnStreamOpened(s); err != nil {
			delete(c.streams, id)
			return err
		}
	}
	return nil
}

func (c *Connection) onStreamClose(id int64, code uint64) {
	s := c.streams[id]
	if s == nil {
		return
	}
	delete(c.streams, id)

	s.closed(code)

	if !c.isLocalStream(id) {
		// Replenish the peer's stream allowance.
		c.ec.ExtendMaxStreamsBidi(1)
		c.ioReady()
	}
}

func (c *Connection) onStreamReset(id int64, code uint64) {
	c.onStreamClose(id, code)
}

// onExtendMaxLocalStreamsBidi drains the pending-stream queue FIFO,
// stopping at the first stream the engine still refuses.
func (c *Connection) onExtendMaxLocalStreamsBidi(avail int64) {
	admitted := int64(0)
	for len(c.pendingStreams) > 0 && admitted < avail {
		s := c.pendingStreams[0]

		id, err := c.ec.OpenBidiStream()
		if err != nil {
			return
		}

		c.pendingStreams = c.pendingStreams[1:]
		s.id = id
		s.ready = true
		c.streams[id] = s
		admitted++

		c.log.Debug("Admitted pending stream", "id", id)
		if s.hasUnsent() {
			c.ioReady()
		}
	}
}

func (c *Connection) onRecvDatagram(data []byte) {
	if c.dgramSplit != wdgram.SplitActive {
		c.deliverDatagram(data)
		return
	}

	id, tag, payload, err := wdgram.DecodeHeader(data)
	if err != nil {
		c.log.Warn("Dropping malformed datagram", "err", err)
		return
	}

	if tag == wdgram.TagWhole {
		c.deliverDatagram(payload)
		return
	}

	if joined, ok := c.dgramIn.Receive(id, tag, payload); ok {
		c.deliverDatagram(joined)
	}
}

func (c *Connection) deliverDatagram(data []byte) {
	if c.opts.OnDatagram == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.log.Warn("Datagram callback panicked", "panic", r)
		}
	}()

	c.opts.OnDatagram(c, data)
}
