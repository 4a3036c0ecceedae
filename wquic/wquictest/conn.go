package wquictest

import (
	"bytes"
	"fmt"
	"log/slog"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/wyvern/wquic"
	"github.com/quic-go/quic-go/quicvarint"
)

// sentSeg is one copied stream segment awaiting acknowledgement,
// kept for retransmission on probe timeout.
type sentSeg struct {
	off    uint64
	data   []byte
	fin    bool
	sentAt time.Time
}

func (s *sentSeg) end() uint64 { return s.off + uint64(len(s.data)) }

// sendStream is the outgoing half of one stream.
type sendStream struct {
	id int64

	// offset is the next fresh byte; ackedTo the cumulative ack.
	offset  uint64
	ackedTo uint64

	// window is the absolute offset limit the peer granted.
	window uint64

	unacked []*sentSeg

	finSent  bool
	finAcked bool
}

// recvStream is the incoming half of one stream.
type recvStream struct {
	id int64

	// delivered is the contiguous prefix handed to the callback.
	delivered uint64

	// Out-of-order segments keyed by offset.
	segs map[uint64][]byte

	// window is the absolute offset limit we granted.
	window uint64

	finSeen      bool
	finAt        uint64
	finDelivered bool
}

// rtxEntry is one segment scheduled for retransmission.
type rtxEntry struct {
	id  int64
	seg *sentSeg
}

type resetFrame struct {
	id   int64
	code uint64
}

// conn implements [wquic.Conn] for the loopback engine.
//
// All methods run on the library's loop goroutine, per the contract,
// so there is no locking.
type conn struct {
	log *slog.Logger
	cfg wquic.ConnConfig

	isClient bool

	established bool
	closing     bool

	// Wall-clock anchors for the expiry machinery.
	started  time.Time
	lastRecv time.Time
	lastSend time.Time

	idleTimeout time.Duration

	alpn          string
	peerKey       []byte
	peerDatagrams bool

	sendStreams map[int64]*sendStream
	recvStreams map[int64]*recvStream

	// localOpened counts locally initiated streams;
	// maxLocalStreams is the peer-granted cap.
	localOpened     int64
	maxLocalStreams int64

	// remoteAdmitted is the admission window of peer-initiated stream
	// indexes for which StreamOpen has fired.
	remoteAdmitted *bitset.BitSet

	// maxRemoteStreams is the allowance we grant; advertised lags it
	// until a MAX_STREAMS frame goes out.
	maxRemoteStreams     int64
	advertisedMaxStreams int64

	// Pending control state, drained by the stream-id -1 write path.
	helloPending  bool
	acceptPending bool
	pingPending   bool
	pendingAcks   map[int64]ackState
	pendingMaxSD  map[int64]uint64
	pendingResets []resetFrame
	rtxQueue      []rtxEntry

	// partial is the frame payload of the packet under construction
	// across write-more calls; the header is prepended at completion.
	partial []byte
}

type ackState struct {
	offset uint64
	fin    bool
}

func newConn(e *Engine, cfg wquic.ConnConfig, isClient bool) *conn {
	idle := cfg.Params.IdleTimeout
	if idle <= 0 {
		idle = defaultIdleTimeout
	}

	return &conn{
		log: e.log.With("scid", cfg.SCID, "client", isClient),
		cfg: cfg,

		isClient: isClient,

		idleTimeout: idle,

		sendStreams: make(map[int64]*sendStream),
		recvStreams: make(map[int64]*recvStream),

		remoteAdmitted: bitset.New(64),

		maxRemoteStreams:     cfg.Params.MaxStreamsBidi,
		advertisedMaxStreams: cfg.Params.MaxStreamsBidi,

		pendingAcks:  make(map[int64]ackState),
		pendingMaxSD: make(map[int64]uint64),
	}
}

var _ wquic.Conn = (*conn)(nil)

// isLocalID reports whether this side allocated the stream id.
// Client bidi ids are 0 mod 4, server ones 1 mod 4.
func (c *conn) isLocalID(id int64) bool {
	if c.isClient {
		return id%4 == 0
	}
	return id%4 == 1
}

func (c *conn) touch(now time.Time) {
	if c.started.IsZero() {
		c.started = now
	}
}

const shortHdrLen = 2 + wquic.DefaultCIDLength

// streamFrameOverhead is a safe upper bound on a STREAM frame's
// non-data bytes.
const streamFrameOverhead = 1 + 8 + 8 + 4 + 1

// OpenBidiStream implements [wquic.Conn].
func (c *conn) OpenBidiStream() (int64, error) {
	if c.closing {
		return 0, wquic.ErrClosing
	}
	if c.localOpened >= c.maxLocalStreams {
		return 0, wquic.ErrStreamLimitReached
	}

	id := 4 * c.localOpened
	if !c.isClient {
		id++
	}
	c.localOpened++

	c.createStream(id)
	return id, nil
}

func (c *conn) createStream(id int64) {
	c.sendStreams[id] = &sendStream{id: id, window: initialStreamWindow}
	c.recvStreams[id] = &recvStream{
		id:     id,
		segs:   make(map[uint64][]byte),
		window: initialStreamWindow,
	}
}

func (c *conn) dropStream(id int64) {
	delete(c.sendStreams, id)
	delete(c.recvStreams, id)
	delete(c.pendingAcks, id)
	delete(c.pendingMaxSD, id)
}

// ShutdownStream implements [wquic.Conn]: a RESET goes to the peer
// and the close callback fires locally.
func (c *conn) ShutdownStream(id int64, code uint64) {
	if _, ok := c.sendStreams[id]; !ok {
		return
	}

	c.pendingResets = append(c.pendingResets, resetFrame{id: id, code: code})
	c.dropStream(id)

	if c.cfg.Callbacks.StreamClose != nil {
		c.cfg.Callbacks.StreamClose(id, code)
	}
}

// ExtendStreamOffset implements [wquic.Conn].
func (c *conn) ExtendStreamOffset(id int64, n int) {
	rs, ok := c.recvStreams[id]
	if !ok {
		return
	}
	rs.window += uint64(n)
	c.pendingMaxSD[id] = rs.window
}

// ExtendMaxStreamsBidi implements [wquic.Conn].
func (c *conn) ExtendMaxStreamsBidi(n int64) {
	c.maxRemoteStreams += n
}

// MaxDatagramSize implements [wquic.Conn].
func (c *conn) MaxDatagramSize() int {
	if !c.established || !c.cfg.Params.EnableDatagrams || !c.peerDatagrams {
		return 0
	}
	return maxUDPPayload - shortHdrLen - 5
}

// SendQuantum implements [wquic.Conn].
func (c *conn) SendQuantum() int { return 10 * maxUDPPayload }

// MaxUDPPayloadSize implements [wquic.Conn].
func (c *conn) MaxUDPPayloadSize() int { return maxUDPPayload }

// PTO implements [wquic.Conn].
func (c *conn) PTO() time.Duration { return pto }

// HandshakeComplete implements [wquic.Conn].
func (c *conn) HandshakeComplete() bool { return c.established }

// RemoteKey implements [wquic.Conn].
func (c *conn) RemoteKey() []byte { return c.peerKey }

// UpdatePacketTxTime implements [wquic.Conn]. The loopback engine has
// no pacer; the timestamp only refreshes the keep-alive anchor.
func (c *conn) UpdatePacketTxTime(now time.Time) {
	c.lastSend = now
}

// Expiry implements [wquic.Conn].
func (c *conn) Expiry() time.Time {
	var deadline time.Time
	earliest := func(t time.Time) {
		if t.IsZero() {
			return
		}
		if deadline.IsZero() || t.Before(deadline) {
			deadline = t
		}
	}

	if c.closing {
		return time.Time{}
	}

	if !c.established {
		if ht := c.cfg.Params.HandshakeTimeout; ht > 0 && !c.started.IsZero() {
			earliest(c.started.Add(ht))
		}
		if c.isClient && !c.lastSend.IsZero() {
			// Handshake retransmit probe.
			earliest(c.lastSend.Add(pto))
		}
	} else {
		if !c.lastRecv.IsZero() {
			earliest(c.lastRecv.Add(c.idleTimeout))
		}
		if ka := c.cfg.Params.KeepAlive; ka > 0 && !c.lastSend.IsZero() {
			earliest(c.lastSend.Add(ka))
		}
	}

	for _, ss := range c.sendStreams {
		for _, seg := range ss.unacked {
			earliest(seg.sentAt.Add(pto))
		}
	}

	return deadline
}

// HandleExpiry implements [wquic.Conn]: timeouts tear the connection
// down, probe expiries queue retransmissions and keep-alive pings.
func (c *conn) HandleExpiry(now time.Time) error {
	if c.closing {
		return nil
	}

	if !c.established {
		if ht := c.cfg.Params.HandshakeTimeout; ht > 0 && !c.started.IsZero() &&
			!now.Before(c.started.Add(ht)) {
			return &wquic.ConnError{
				Code:   wquic.CodeHandshakeTimeout,
				Reason: "handshake timed out",
			}
		}
		if c.isClient && !c.lastSend.IsZero() && !now.Before(c.lastSend.Add(pto)) {
			c.helloPending = true
		}
	} else {
		if !c.lastRecv.IsZero() && !now.Before(c.lastRecv.Add(c.idleTimeout)) {
			return &wquic.ConnError{
				Code:   wquic.CodeIdleTimeout,
				Reason: "idle timeout",
			}
		}
		if ka := c.cfg.Params.KeepAlive; ka > 0 && !c.lastSend.IsZero() &&
			!now.Before(c.lastSend.Add(ka)) {
			c.pingPending = true
		}
	}

	for id, ss := range c.sendStreams {
		for _, seg := range ss.unacked {
			if now.Before(seg.sentAt.Add(pto)) {
				continue
			}
			seg.sentAt = now
			c.rtxQueue = append(c.rtxQueue, rtxEntry{id: id, seg: seg})
		}
	}

	return nil
}

// WriteStream implements [wquic.Conn].
func (c *conn) WriteStream(
	buf []byte, id int64, data [][]byte, fin, more bool, now time.Time,
) (n, consumed int, err error) {
	if c.closing {
		return 0, 0, wquic.ErrClosing
	}
	c.touch(now)

	if id < 0 {
		return c.writeControl(buf, now), 0, nil
	}

	if !c.established {
		return 0, 0, wquic.ErrStreamDataBlocked
	}

	ss, ok := c.sendStreams[id]
	if !ok || ss.finSent {
		return 0, 0, wquic.ErrStreamShutWrite
	}

	total := 0
	for _, d := range data {
		total += len(d)
	}

	winRem := int(ss.window - ss.offset)
	if total > 0 && winRem <= 0 {
		return 0, 0, wquic.ErrStreamDataBlocked
	}

	space := maxUDPPayload - shortHdrLen - len(c.partial) - streamFrameOverhead
	if space <= 0 {
		// No room left for even a frame header: complete the packet
		// and let the caller come back around.
		return c.finishPartial(buf, now), 0, nil
	}

	nw := min(total, winRem, space)
	frameFin := fin && nw == total

	seg := &sentSeg{
		off:    ss.offset,
		data:   flatten(data, nw),
		fin:    frameFin,
		sentAt: now,
	}
	ss.unacked = append(ss.unacked, seg)

	c.partial = appendStreamFrame(c.partial, id, ss.offset, seg.data, frameFin)
	ss.offset += uint64(nw)
	if frameFin {
		ss.finSent = true
	}

	if more && maxUDPPayload-shortHdrLen-len(c.partial) > streamFrameOverhead {
		return 0, nw, wquic.ErrWriteMore
	}
	return c.finishPartial(buf, now), nw, nil
}

// flatten copies the first n bytes of the vectored views.
func flatten(data [][]byte, n int) []byte {
	out := make([]byte, 0, n)
	for _, d := range data {
		if len(out)+len(d) >= n {
			out = append(out, d[:n-len(out)]...)
			break
		}
		out = append(out, d...)
	}
	return out
}

func appendStreamFrame(b []byte, id int64, off uint64, data []byte, fin bool) []byte {
	b = quicvarint.Append(b, frameStream)
	b = quicvarint.Append(b, uint64(id))
	b = quicvarint.Append(b, off)
	b = quicvarint.Append(b, uint64(len(data)))
	b = append(b, data...)
	if fin {
		return append(b, 1)
	}
	return append(b, 0)
}

// finishPartial prepends the short header to the partial payload and
// copies the completed packet into buf.
func (c *conn) finishPartial(buf []byte, now time.Time) int {
	if len(c.partial) == 0 {
		return 0
	}

	pkt := appendShortHeader(buf[:0], c.cfg.DCID)
	pkt = append(pkt, c.partial...)
	c.partial = nil
	c.lastSend = now
	return len(pkt)
}

// writeControl emits one control packet: the handshake frames first
// (as long-header INITIAL packets), then retransmissions, acks, flow
// control updates, resets, and pings packed together, finishing any
// partially built stream packet along the way.
func (c *conn) writeControl(buf []byte, now time.Time) int {
	if c.helloPending {
		c.helloPending = false
		pkt := appendLongHeader(buf[:0], c.cfg.DCID, c.cfg.SCID)
		pkt = c.appendHello(pkt)
		c.lastSend = now
		return len(pkt)
	}
	if c.acceptPending {
		c.acceptPending = false
		pkt := appendLongHeader(buf[:0], c.cfg.DCID, c.cfg.SCID)
		pkt = c.appendAccept(pkt)
		c.lastSend = now
		return len(pkt)
	}

	space := func() int { return maxUDPPayload - shortHdrLen - len(c.partial) }

	for len(c.rtxQueue) > 0 {
		e := c.rtxQueue[0]
		if _, ok := c.sendStreams[e.id]; !ok {
			c.rtxQueue = c.rtxQueue[1:]
			continue
		}
		if space() < streamFrameOverhead+len(e.seg.data) {
			break
		}
		c.partial = appendStreamFrame(c.partial, e.id, e.seg.off, e.seg.data, e.seg.fin)
		c.rtxQueue = c.rtxQueue[1:]
	}

	for id, ack := range c.pendingAcks {
		if space() < 1+8+8+1 {
			break
		}
		c.partial = quicvarint.Append(c.partial, frameAck)
		c.partial = quicvarint.Append(c.partial, uint64(id))
		c.partial = quicvarint.Append(c.partial, ack.offset)
		if ack.fin {
			c.partial = append(c.partial, 1)
		} else {
			c.partial = append(c.partial, 0)
		}
		delete(c.pendingAcks, id)
	}

	for id, limit := range c.pendingMaxSD {
		if space() < 1+8+8 {
			break
		}
		c.partial = quicvarint.Append(c.partial, frameMaxStreamData)
		c.partial = quicvarint.Append(c.partial, uint64(id))
		c.partial = quicvarint.Append(c.partial, limit)
		delete(c.pendingMaxSD, id)
	}

	if c.maxRemoteStreams != c.advertisedMaxStreams && space() >= 1+8 {
		c.partial = quicvarint.Append(c.partial, frameMaxStreams)
		c.partial = quicvarint.Append(c.partial, uint64(c.maxRemoteStreams))
		c.advertisedMaxStreams = c.maxRemoteStreams
	}

	for len(c.pendingResets) > 0 {
		r := c.pendingResets[0]
		if space() < 1+8+8 {
			break
		}
		c.partial = quicvarint.Append(c.partial, frameReset)
		c.partial = quicvarint.Append(c.partial, uint64(r.id))
		c.partial = quicvarint.Append(c.partial, r.code)
		c.pendingResets = c.pendingResets[1:]
	}

	if c.pingPending && space() >= 1 {
		c.partial = quicvarint.Append(c.partial, framePing)
		c.pingPending = false
	}

	return c.finishPartial(buf, now)
}

func (c *conn) appendHello(b []byte) []byte {
	b = quicvarint.Append(b, frameHello)
	b = quicvarint.Append(b, uint64(len(c.cfg.ALPNs)))
	for _, a := range c.cfg.ALPNs {
		b = quicvarint.Append(b, uint64(len(a)))
		b = append(b, a...)
	}
	return c.appendParams(b)
}

func (c *conn) appendAccept(b []byte) []byte {
	b = quicvarint.Append(b, frameAccept)
	b = quicvarint.Append(b, uint64(len(c.alpn)))
	b = append(b, c.alpn...)
	return c.appendParams(b)
}

func (c *conn) appendParams(b []byte) []byte {
	b = append(b, c.cfg.Creds.PublicKey()...)
	b = quicvarint.Append(b, uint64(c.cfg.Params.MaxStreamsBidi))
	b = quicvarint.Append(b, uint64(c.idleTimeout.Milliseconds()))
	if c.cfg.Params.EnableDatagrams {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	return b
}

// WriteDatagram implements [wquic.Conn]: one standalone short packet
// per DATAGRAM frame.
func (c *conn) WriteDatagram(buf []byte, data [][]byte, now time.Time) (int, error) {
	if c.closing {
		return 0, wquic.ErrClosing
	}

	total := 0
	for _, d := range data {
		total += len(d)
	}
	if total > c.MaxDatagramSize() {
		return 0, wquic.ErrDatagramTooLarge
	}

	pkt := appendShortHeader(buf[:0], c.cfg.DCID)
	pkt = quicvarint.Append(pkt, frameDatagram)
	pkt = quicvarint.Append(pkt, uint64(total))
	for _, d := range data {
		pkt = append(pkt, d...)
	}

	c.lastSend = now
	return len(pkt), nil
}

// WriteConnectionClose implements [wquic.Conn].
func (c *conn) WriteConnectionClose(
	buf []byte, code uint64, reason string, now time.Time,
) (int, error) {
	c.closing = true

	pkt := appendShortHeader(buf[:0], c.cfg.DCID)
	pkt = quicvarint.Append(pkt, frameClose)
	pkt = quicvarint.Append(pkt, code)
	pkt = quicvarint.Append(pkt, uint64(len(reason)))
	pkt = append(pkt, reason...)

	c.lastSend = now
	return len(pkt), nil
}

// ReadPacket implements [wquic.Conn].
func (c *conn) ReadPacket(now time.Time, pkt wquic.Packet) error {
	if c.closing {
		return nil
	}
	c.touch(now)

	hdr, r, err := parseHeader(pkt.Data)
	if err != nil {
		return err
	}

	if hdr.Version == 0 {
		// Version negotiation: report the advertised versions.
		var versions []uint32
		for r.remaining() >= 4 {
			v, _ := r.uint32()
			versions = append(versions, v)
		}
		if c.cfg.Callbacks.VersionNegotiation != nil {
			c.cfg.Callbacks.VersionNegotiation(versions)
		}
		return nil
	}

	c.lastRecv = now

	for r.remaining() > 0 {
		if err := c.readFrame(r); err != nil {
			return err
		}
	}
	return nil
}

func (c *conn) readFrame(r *reader) error {
	typ, err := r.varint()
	if err != nil {
		return err
	}

	switch typ {
	case frameHello:
		return c.readHello(r)
	case frameAccept:
		return c.readAccept(r)
	case frameStream:
		return c.readStream(r)
	case frameAck:
		return c.readAck(r)
	case frameMaxStreamData:
		return c.readMaxStreamData(r)
	case frameMaxStreams:
		return c.readMaxStreams(r)
	case frameDatagram:
		return c.readDatagram(r)
	case frameClose:
		return c.readClose(r)
	case framePing:
		return nil
	case frameReset:
		return c.readReset(r)
	default:
		return fmt.Errorf("unknown frame type %d", typ)
	}
}

// readParams parses the transport parameter tail shared by HELLO and
// ACCEPT: peer key, peer's stream grant, idle timeout, datagrams.
func (c *conn) readParams(r *reader) (key []byte, maxStreams int64, idle time.Duration, dgrams bool, err error) {
	k, err := r.take(32)
	if err != nil {
		return nil, 0, 0, false, err
	}
	ms, err := r.varint()
	if err != nil {
		return nil, 0, 0, false, err
	}
	idleMS, err := r.varint()
	if err != nil {
		return nil, 0, 0, false, err
	}
	dg, err := r.byte()
	if err != nil {
		return nil, 0, 0, false, err
	}

	key = append([]byte(nil), k...)
	return key, int64(ms), time.Duration(idleMS) * time.Millisecond, dg == 1, nil
}

// establish applies the peer's parameters and fires the handshake
// callbacks.
func (c *conn) establish(alpn string, key []byte, maxStreams int64, peerIdle time.Duration, dgrams bool) {
	c.alpn = alpn
	c.peerKey = key
	c.peerDatagrams = dgrams
	c.maxLocalStreams = maxStreams

	// The lower idle timeout wins.
	if peerIdle > 0 && peerIdle < c.idleTimeout {
		c.idleTimeout = peerIdle
	}

	c.established = true

	if c.cfg.Callbacks.HandshakeComplete != nil {
		c.cfg.Callbacks.HandshakeComplete(alpn)
	}
	if maxStreams > 0 && c.cfg.Callbacks.ExtendMaxLocalStreamsBidi != nil {
		c.cfg.Callbacks.ExtendMaxLocalStreamsBidi(maxStreams)
	}
	if m := c.MaxDatagramSize(); m > 0 && c.cfg.Callbacks.ExtendMaxDatagram != nil {
		c.cfg.Callbacks.ExtendMaxDatagram(m)
	}
}

func (c *conn) readHello(r *reader) error {
	count, err := r.varint()
	if err != nil {
		return err
	}
	alpns := make([][]byte, 0, count)
	for range count {
		a, err := r.varbytes()
		if err != nil {
			return err
		}
		alpns = append(alpns, a)
	}

	key, maxStreams, idle, dgrams, err := c.readParams(r)
	if err != nil {
		return err
	}

	if c.isClient {
		return fmt.Errorf("client received HELLO")
	}

	if c.established {
		// Our ACCEPT was lost; repeat it.
		c.acceptPending = true
		return nil
	}

	// Take the client's ALPN preference order.
	var chosen []byte
	for _, a := range alpns {
		for _, mine := range c.cfg.ALPNs {
			if bytes.Equal(a, mine) {
				chosen = a
				break
			}
		}
		if chosen != nil {
			break
		}
	}
	if chosen == nil {
		return &wquic.ConnError{
			Code:   wquic.CodeProtocolError,
			Reason: "no mutually supported ALPN",
		}
	}

	c.acceptPending = true
	c.establish(string(chosen), key, maxStreams, idle, dgrams)
	return nil
}

func (c *conn) readAccept(r *reader) error {
	alpn, err := r.varbytes()
	if err != nil {
		return err
	}
	key, maxStreams, idle, dgrams, err := c.readParams(r)
	if err != nil {
		return err
	}

	if !c.isClient {
		return fmt.Errorf("server received ACCEPT")
	}
	if c.established {
		return nil
	}

	c.establish(string(alpn), key, maxStreams, idle, dgrams)
	return nil
}

// admitRemote ensures state exists for a peer-initiated stream,
// firing StreamOpen on first sight. The bool reports whether the
// stream is live; a closed or refused stream's frames are skipped.
func (c *conn) admitRemote(id int64) (bool, error) {
	if _, ok := c.sendStreams[id]; ok {
		return true, nil
	}

	idx := uint(id >> 2)
	if c.remoteAdmitted.Test(idx) {
		// Already closed; stale retransmission.
		return false, nil
	}

	if int64(idx) >= c.maxRemoteStreams {
		return false, &wquic.ConnError{
			Fatal:  true,
			Code:   wquic.CodeProtocolError,
			Reason: fmt.Sprintf("stream %d exceeds advertised limit %d", id, c.maxRemoteStreams),
		}
	}

	c.remoteAdmitted.Set(idx)
	c.createStream(id)

	if c.cfg.Callbacks.StreamOpen != nil {
		if err := c.cfg.Callbacks.StreamOpen(id); err != nil {
			c.log.Debug("Stream refused by application", "id", id, "err", err)
			c.pendingResets = append(c.pendingResets, resetFrame{id: id, code: 1})
			c.dropStream(id)
			return false, nil
		}
	}
	return true, nil
}

// streamHalves resolves the stream state for an inbound frame,
// admitting peer-initiated streams on first sight.
func (c *conn) streamHalves(id int64) (*sendStream, *recvStream, error) {
	if !c.isLocalID(id) {
		live, err := c.admitRemote(id)
		if err != nil || !live {
			return nil, nil, err
		}
	}
	return c.sendStreams[id], c.recvStreams[id], nil
}

func (c *conn) readStream(r *reader) error {
	id, err := r.varint()
	if err != nil {
		return err
	}
	off, err := r.varint()
	if err != nil {
		return err
	}
	data, err := r.varbytes()
	if err != nil {
		return err
	}
	finB, err := r.byte()
	if err != nil {
		return err
	}
	fin := finB == 1

	_, rs, err := c.streamHalves(int64(id))
	if err != nil {
		return err
	}
	if rs == nil {
		// Stream already closed locally; drop silently.
		return nil
	}

	end := off + uint64(len(data))
	if end > rs.window {
		return &wquic.ConnError{
			Fatal:  true,
			Code:   wquic.CodeProtocolError,
			Reason: fmt.Sprintf("stream %d exceeded flow control window", id),
		}
	}

	if fin {
		rs.finSeen = true
		rs.finAt = end
	}

	// Trim any prefix already delivered, then store.
	if off < rs.delivered {
		if end <= rs.delivered {
			data = nil
		} else {
			data = data[rs.delivered-off:]
			off = rs.delivered
		}
	}
	if len(data) > 0 {
		if _, dup := rs.segs[off]; !dup {
			rs.segs[off] = append([]byte(nil), data...)
		}
	}

	c.deliverContiguous(int64(id), rs)

	c.pendingAcks[int64(id)] = ackState{offset: rs.delivered, fin: rs.finDelivered}

	c.maybeCloseStream(int64(id))
	return nil
}

// deliverContiguous hands in-order bytes to the application.
func (c *conn) deliverContiguous(id int64, rs *recvStream) {
	cb := c.cfg.Callbacks.RecvStreamData

	for {
		seg, ok := rs.segs[rs.delivered]
		if !ok {
			break
		}
		delete(rs.segs, rs.delivered)
		rs.delivered += uint64(len(seg))

		fin := rs.finSeen && rs.delivered == rs.finAt
		if fin {
			rs.finDelivered = true
		}

		if cb != nil {
			if err := cb(id, seg, fin); err != nil {
				c.ShutdownStream(id, 1)
				return
			}
		}
	}

	// A bare FIN with no (remaining) data.
	if rs.finSeen && !rs.finDelivered && rs.delivered == rs.finAt {
		rs.finDelivered = true
		if cb != nil {
			if err := cb(id, nil, true); err != nil {
				c.ShutdownStream(id, 1)
			}
		}
	}
}

func (c *conn) readAck(r *reader) error {
	id, err := r.varint()
	if err != nil {
		return err
	}
	off, err := r.varint()
	if err != nil {
		return err
	}
	finB, err := r.byte()
	if err != nil {
		return err
	}

	ss, ok := c.sendStreams[int64(id)]
	if !ok {
		return nil
	}

	if off > ss.ackedTo {
		delta := off - ss.ackedTo
		ss.ackedTo = off

		// Drop covered retransmission copies.
		kept := ss.unacked[:0]
		for _, seg := range ss.unacked {
			if seg.end() <= off && (!seg.fin || finB == 1) {
				continue
			}
			if seg.off < off {
				seg.data = seg.data[off-seg.off:]
				seg.off = off
			}
			kept = append(kept, seg)
		}
		ss.unacked = kept

		if c.cfg.Callbacks.AckedStreamData != nil {
			c.cfg.Callbacks.AckedStreamData(int64(id), int(delta))
		}
	}

	if finB == 1 && ss.finSent && ss.ackedTo == ss.offset {
		ss.finAcked = true
		// Drop any lingering zero-length fin segment.
		kept := ss.unacked[:0]
		for _, seg := range ss.unacked {
			if len(seg.data) == 0 && seg.fin {
				continue
			}
			kept = append(kept, seg)
		}
		ss.unacked = kept
	}

	c.maybeCloseStream(int64(id))
	return nil
}

// maybeCloseStream fires StreamClose once both directions finished
// cleanly.
func (c *conn) maybeCloseStream(id int64) {
	ss, ok := c.sendStreams[id]
	if !ok {
		return
	}
	rs := c.recvStreams[id]

	if ss.finSent && ss.finAcked && rs.finDelivered {
		c.dropStream(id)
		if c.cfg.Callbacks.StreamClose != nil {
			c.cfg.Callbacks.StreamClose(id, 0)
		}
	}
}

func (c *conn) readMaxStreamData(r *reader) error {
	id, err := r.varint()
	if err != nil {
		return err
	}
	limit, err := r.varint()
	if err != nil {
		return err
	}

	if ss, ok := c.sendStreams[int64(id)]; ok && limit > ss.window {
		ss.window = limit
	}
	return nil
}

func (c *conn) readMaxStreams(r *reader) error {
	limit, err := r.varint()
	if err != nil {
		return err
	}

	if int64(limit) > c.maxLocalStreams {
		c.maxLocalStreams = int64(limit)
		if avail := c.maxLocalStreams - c.localOpened; avail > 0 &&
			c.cfg.Callbacks.ExtendMaxLocalStreamsBidi != nil {
			c.cfg.Callbacks.ExtendMaxLocalStreamsBidi(avail)
		}
	}
	return nil
}

func (c *conn) readDatagram(r *reader) error {
	data, err := r.varbytes()
	if err != nil {
		return err
	}

	if c.cfg.Callbacks.RecvDatagram != nil {
		c.cfg.Callbacks.RecvDatagram(append([]byte(nil), data...))
	}
	return nil
}

func (c *conn) readClose(r *reader) error {
	code, err := r.varint()
	if err != nil {
		return err
	}
	reason, err := r.varbytes()
	if err != nil {
		return err
	}

	return &wquic.ConnError{
		Draining: true,
		Code:     code,
		Reason:   string(reason),
	}
}

func (c *conn) readReset(r *reader) error {
	id, err := r.varint()
	if err != nil {
		return err
	}
	code, err := r.varint()
	if err != nil {
		return err
	}

	if _, ok := c.sendStreams[int64(id)]; !ok {
		return nil
	}
	c.dropStream(int64(id))

	if c.cfg.Callbacks.StreamReset != nil {
		c.cfg.Callbacks.StreamReset(int64(id), code)
	}
	return nil
}
