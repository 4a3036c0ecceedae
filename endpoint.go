package wyvern

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	mathrand "math/rand/v2"
	"time"

	"github.com/gordian-engine/wyvern/wcred"
	"github.com/gordian-engine/wyvern/wloop"
	"github.com/gordian-engine/wyvern/wquic"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/blake2b"
)

// drainSweepInterval is how often the draining queue is checked for
// expired connections.
const drainSweepInterval = 250 * time.Millisecond

// tokenCacheSize bounds the address-validation token replay cache.
const tokenCacheSize = 1024

// drainEntry is one scheduled connection removal.
// The queue is time ordered: deadlines only grow.
type drainEntry struct {
	deadline time.Time
	cid      wquic.ConnectionID
}

// Endpoint binds one UDP socket (or an application-provided manual
// router), hosts the connections reachable through it, and routes
// inbound datagrams to them by destination connection id.
type Endpoint struct {
	log  *slog.Logger
	net  *Network
	loop *wloop.Loop

	engine wquic.Engine

	cfg EndpointConfig

	staticSecret []byte

	// Deterministic entropy derived from the static secret,
	// feeding the engine Rand callback, connection id generation,
	// and version-negotiation greasing.
	rng *mathrand.ChaCha8

	sock *socket

	// Everything below is loop-goroutine state.

	conns    map[wquic.ConnectionID]*Connection
	draining []drainEntry

	drainSweep *wloop.Ticker

	accepting   bool
	inboundOpts ConnOptions

	tokensSeen *lru.Cache[string, time.Time]

	manualWaiters []func()

	closed bool
}

// NewEndpoint creates an Endpoint on the network's loop.
//
// Unless the config sets a manual router, a UDP socket is bound on
// cfg.Local and its receive goroutine starts immediately; inbound
// connections are still refused until [Endpoint.Listen].
func (n *Network) NewEndpoint(cfg EndpointConfig) (*Endpoint, error) {
	return loopGet(n.loop, func() (*Endpoint, error) {
		if n.closed {
			return nil, ErrEndpointClosed
		}
		if err := cfg.validate(); err != nil {
			return nil, fmt.Errorf("invalid endpoint config: %w", err)
		}

		secret := cfg.StaticSecret
		if len(secret) == 0 {
			secret = make([]byte, generatedSecretLen)
			if _, err := rand.Read(secret); err != nil {
				return nil, fmt.Errorf("failed to generate static secret: %w", err)
			}
		} else {
			secret = append([]byte(nil), secret...)
		}

		tokens, err := lru.New[string, time.Time](tokenCacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create token cache: %w", err)
		}

		seed := blake2b.Sum256(secret)

		ep := &Endpoint{
			log:  n.log.With("sys", "endpoint"),
			net:  n,
			loop: n.loop,

			engine: cfg.Engine,

			cfg: cfg,

			staticSecret: secret,

			rng: mathrand.NewChaCha8(seed),

			conns: make(map[wquic.ConnectionID]*Connection),

			tokensSeen: tokens,
		}

		if cfg.ManualRouter == nil {
			sock, err := newSocket(
				ep.log.With("sys", "socket"), n.loop, cfg.Local, ep.receivePacket,
			)
			if err != nil {
				return nil, err
			}
			ep.sock = sock
			ep.log = ep.log.With("addr", sock.LocalAddr())
		}

		ep.drainSweep = n.loop.CallEvery(drainSweepInterval, ep.sweepDraining)

		n.endpoints[ep] = struct{}{}
		return ep, nil
	})
}

// LocalAddr is the endpoint's bound address, with the OS-assigned
// port resolved. Under manual routing it is the configured local
// address.
func (e *Endpoint) LocalAddr() Address {
	if e.sock != nil {
		return e.sock.LocalAddr()
	}
	return e.cfg.Local
}

// Network is the owning network.
func (e *Endpoint) Network() *Network { return e.net }

// Connect initiates an outbound connection to remote.
//
// It is synchronous from any goroutine and executes on the loop; the
// returned connection is still handshaking. If opts carries no
// credentials, a throwaway Ed25519 identity is generated.
func (e *Endpoint) Connect(remote Address, opts ConnOptions) (*Connection, error) {
	return loopGet(e.loop, func() (*Connection, error) {
		if e.closed {
			return nil, ErrEndpointClosed
		}
		if err := opts.validate(); err != nil {
			return nil, fmt.Errorf("invalid connection options: %w", err)
		}
		opts = opts.withDefaults()

		if !opts.Creds.IsSet() {
			_, priv, err := ed25519.GenerateKey(nil)
			if err != nil {
				return nil, fmt.Errorf("failed to generate throwaway identity: %w", err)
			}
			opts.Creds, err = wcred.FromEd25519(priv)
			if err != nil {
				return nil, err
			}
		}

		scid := e.freshCID()

		// The initial destination id; the server adopts it as its own
		// source id, so routing on both sides is stable from the first
		// packet.
		dcid := e.newConnectionID(wquic.DefaultCIDLength)

		path := Path{Local: e.LocalAddr(), Remote: remote}

		c, err := newConnection(e, wquic.DirectionOutbound, path, scid, dcid, opts)
		if err != nil {
			return nil, err
		}

		e.conns[scid] = c
		c.ioReady()

		e.log.Debug("Connecting", "remote", remote, "scid", scid)
		return c, nil
	})
}

// Listen enables inbound connection admission with the given
// credentials and default callbacks.
func (e *Endpoint) Listen(opts ConnOptions) error {
	_, err := loopGet(e.loop, func() (struct{}, error) {
		if e.closed {
			return struct{}{}, ErrEndpointClosed
		}
		if err := opts.validate(); err != nil {
			return struct{}{}, fmt.Errorf("invalid listen options: %w", err)
		}
		if !opts.Creds.IsSet() {
			return struct{}{}, errors.New("listening requires credentials")
		}

		e.inboundOpts = opts.withDefaults()
		e.accepting = true

		e.log.Info("Accepting inbound connections")
		return struct{}{}, nil
	})
	return err
}

// AllConns snapshots the live connections, optionally filtered by
// direction.
func (e *Endpoint) AllConns(dir Direction) []*Connection {
	out, _ := loopGet(e.loop, func() ([]*Connection, error) {
		var out []*Connection
		for _, c := range e.conns {
			if dir == wquic.DirectionAny || c.dir == dir {
				out = append(out, c)
			}
		}
		return out, nil
	})
	return out
}

// CloseConns begins an orderly shutdown of every connection in the
// given direction (or all of them).
func (e *Endpoint) CloseConns(dir Direction) {
	e.loop.Call(func() {
		for _, c := range e.conns {
			if dir == wquic.DirectionAny || c.dir == dir {
				e.closeConnection(c, &wquic.ConnError{Code: wquic.CodeNoError})
			}
		}
	})
}

// Close shuts the endpoint down: a CONNECTION_CLOSE goes out for each
// live connection, all of them are destroyed, and the socket closes.
// Idempotent.
func (e *Endpoint) Close() {
	e.loop.Call(func() {
		e.closeOnLoop()
		delete(e.net.endpoints, e)
	})
}

func (e *Endpoint) closeOnLoop() {
	if e.closed {
		return
	}
	e.closed = true

	for _, c := range e.conns {
		if c.state < stateDraining {
			e.writeClosePacket(c, wquic.CodeNoError, "endpoint shutting down")
		}
		c.destroy()
	}
	clear(e.conns)
	e.draining = nil

	e.drainSweep.Stop()

	if e.sock != nil {
		e.sock.close()
	}

	e.log.Info("Endpoint closed")
}

// ManuallyReceivePacket injects one inbound datagram, bypassing the
// socket. This is the ingress under manual routing, and also usable
// for tunneled transports alongside a bound socket.
func (e *Endpoint) ManuallyReceivePacket(p Packet) {
	e.loop.Call(func() { e.receivePacket(p) })
}

// ManualWritable signals that the application's manual router can
// accept packets again after returning [ErrSendBlocked]; blocked
// connections resume flushing.
func (e *Endpoint) ManualWritable() {
	e.loop.Call(func() {
		waiters := e.manualWaiters
		e.manualWaiters = nil
		for _, f := range waiters {
			f()
		}
	})
}

// ValidationToken derives the address-validation token this endpoint
// would accept from remote, keyed by the static secret.
func (e *Endpoint) ValidationToken(remote Address) []byte {
	return e.deriveToken(remote)
}

// Everything below runs only on the loop goroutine.

// receivePacket classifies one inbound datagram: route by DCID,
// negotiate versions, or admit a new inbound connection.
func (e *Endpoint) receivePacket(p Packet) {
	if e.closed {
		return
	}

	hdr, err := e.engine.ParseHeader(p.Data)
	if err != nil {
		if errors.Is(err, wquic.ErrUnsupportedVersion) {
			e.sendVersionNegotiation(hdr, p.Path)
			return
		}
		e.log.Debug("Dropping unparseable packet", "from", p.Path.Remote, "err", err)
		return
	}

	if c, ok := e.conns[hdr.DCID]; ok {
		c.handlePacket(p)
		return
	}

	if !e.accepting {
		e.log.Debug("Dropping packet for unknown connection",
			"dcid", hdr.DCID, "from", p.Path.Remote)
		return
	}

	e.admit(hdr, p)
}

// admit constructs an inbound connection from a first packet.
// Only a clean INITIAL is admitted; 0-RTT, unexpected tokens, and
// malformed headers are dropped.
func (e *Endpoint) admit(hdr wquic.Header, p Packet) {
	if hdr.Type != wquic.PacketTypeInitial {
		e.log.Debug("Refusing non-INITIAL first packet",
			"type", hdr.Type, "from", p.Path.Remote)
		return
	}
	if len(hdr.Token) > 0 && !e.checkToken(hdr.Token, p.Path.Remote) {
		e.log.Debug("Refusing INITIAL with unexpected token", "from", p.Path.Remote)
		return
	}
	if hdr.DCID.IsZero() || hdr.SCID.IsZero() {
		e.log.Debug("Refusing INITIAL with missing connection id", "from", p.Path.Remote)
		return
	}

	// Adopt the client's destination id as our source id: the client
	// keeps addressing us by it, so routing is stable without a CID
	// handoff.
	scid, dcid := hdr.DCID, hdr.SCID

	c, err := newConnection(e, wquic.DirectionInbound, p.Path, scid, dcid, e.inboundOpts)
	if err != nil {
		e.log.Warn("Failed to admit inbound connection",
			"from", p.Path.Remote, "err", err)
		return
	}

	e.conns[scid] = c
	e.log.Debug("Admitted inbound connection", "scid", scid, "from", p.Path.Remote)

	c.handlePacket(p)
}

// sendVersionNegotiation replies to an unsupported version with the
// advertised version list: a greased 0x?a?a?a?a entry plus the
// engine's supported versions, in randomised order.
func (e *Endpoint) sendVersionNegotiation(hdr wquic.Header, path Path) {
	var g [4]byte
	e.fillRand(g[:])
	grease := uint32(g[0])<<24 | uint32(g[1])<<16 | uint32(g[2])<<8 | uint32(g[3])
	grease = grease&0xf0f0f0f0 | 0x0a0a0a0a

	versions := append([]uint32{grease}, e.engine.SupportedVersions()...)
	mathrand.New(e.rng).Shuffle(len(versions), func(i, j int) {
		versions[i], versions[j] = versions[j], versions[i]
	})

	buf := make([]byte, 256)
	n, err := e.engine.WriteVersionNegotiation(
		buf, hdr.SCID.Bytes(), hdr.DCID.Bytes(), versions,
	)
	if err != nil {
		e.log.Warn("Failed to write version negotiation packet", "err", err)
		return
	}

	e.sendPackets(path, [][]byte{buf[:n]}, wquic.ECNNone)
}

// sendPackets pushes a batch out the socket, or through the manual
// router when one is configured. Partial-success and backpressure
// semantics follow the socket contract.
func (e *Endpoint) sendPackets(path Path, bufs [][]byte, ecn wquic.ECN) sendResult {
	if e.cfg.ManualRouter != nil {
		for i, b := range bufs {
			if err := e.cfg.ManualRouter(path, b); err != nil {
				copy(bufs, bufs[i:])
				if errors.Is(err, ErrSendBlocked) {
					return sendResult{Sent: i, Blocked: true}
				}
				return sendResult{Sent: i, Err: SendError{To: path.Remote, Err: err}}
			}
		}
		return sendResult{Sent: len(bufs)}
	}

	return e.sock.sendPackets(path.Remote, bufs, ecn)
}

// awaitWritable registers a continuation for when the send path
// unblocks.
func (e *Endpoint) awaitWritable(f func()) {
	if e.cfg.ManualRouter != nil {
		e.manualWaiters = append(e.manualWaiters, f)
		return
	}
	e.sock.awaitWritable(f)
}

// connFailed applies the error taxonomy to an engine-reported
// connection failure: fatal errors delete without a close packet,
// graceful ones close then drain.
func (e *Endpoint) connFailed(c *Connection, cerr *wquic.ConnError) {
	if cerr.Fatal {
		e.log.Warn("Deleting connection on fatal engine error",
			"scid", c.scid, "err", cerr)
		e.removeConnection(c)
		return
	}
	e.closeConnection(c, cerr)
}

// closeConnection writes a single CONNECTION_CLOSE packet, unless the
// code indicates a timeout or the peer already closed, then drains.
func (e *Endpoint) closeConnection(c *Connection, cerr *wquic.ConnError) {
	if c.state >= stateDraining {
		return
	}

	skipPacket := cerr.Draining ||
		cerr.Code == wquic.CodeIdleTimeout ||
		cerr.Code == wquic.CodeHandshakeTimeout

	if !skipPacket {
		c.state = stateClosing
		e.writeClosePacket(c, cerr.Code, cerr.Reason)
	}

	e.drainConnection(c, cerr.Code)
}

func (e *Endpoint) writeClosePacket(c *Connection, code uint64, reason string) {
	buf := make([]byte, c.ec.MaxUDPPayloadSize())
	n, err := c.ec.WriteConnectionClose(buf, code, reason, e.loop.Now())
	if err != nil {
		e.log.Debug("Engine produced no CONNECTION_CLOSE packet",
			"scid", c.scid, "err", err)
		return
	}
	e.sendPackets(c.path, [][]byte{buf[:n]}, wquic.ECNNone)
}

// drainConnection marks a connection draining, fires its closing
// callback once, and schedules removal after three probe timeouts.
func (e *Endpoint) drainConnection(c *Connection, code uint64) {
	if c.state >= stateDraining {
		return
	}

	e.log.Debug("Draining connection", "scid", c.scid, "code", code)
	c.enterDraining(code)

	e.draining = append(e.draining, drainEntry{
		deadline: e.loop.Now().Add(3 * c.ec.PTO()),
		cid:      c.scid,
	})
}

// sweepDraining removes connections whose draining deadline passed.
// Runs every 250 ms; the queue is time ordered.
func (e *Endpoint) sweepDraining() {
	now := e.loop.Now()

	for len(e.draining) > 0 && e.draining[0].deadline.Before(now) {
		entry := e.draining[0]
		e.draining = e.draining[1:]

		if c, ok := e.conns[entry.cid]; ok {
			e.log.Debug("Deleting drained connection", "scid", entry.cid)
			delete(e.conns, entry.cid)
			c.destroy()
		}
	}
}

// removeConnection tears a connection down immediately,
// with no close packet and no draining period.
func (e *Endpoint) removeConnection(c *Connection) {
	delete(e.conns, c.scid)
	c.destroy()
}

// fillRand produces deterministic entropy from the static secret,
// so packet-level randomness is reproducible under test.
func (e *Endpoint) fillRand(b []byte) {
	if _, err := e.rng.Read(b); err != nil {
		panic(err)
	}
}

// freshCID generates a source connection id not yet present in the
// connection map, regenerating on collision.
func (e *Endpoint) freshCID() wquic.ConnectionID {
	for {
		cid := e.newConnectionID(wquic.DefaultCIDLength)
		if _, ok := e.conns[cid]; !ok {
			return cid
		}
	}
}

func (e *Endpoint) newConnectionID(maxLen int) wquic.ConnectionID {
	if maxLen > wquic.DefaultCIDLength {
		maxLen = wquic.DefaultCIDLength
	}
	b := make([]byte, maxLen)
	e.fillRand(b)
	return wquic.NewConnectionID(b)
}

// deriveToken computes the address-validation token for remote,
// keyed by the static secret.
func (e *Endpoint) deriveToken(remote Address) []byte {
	h, err := blake2b.New256(e.staticSecret[:16])
	if err != nil {
		panic(err)
	}
	h.Write([]byte(remote.String()))
	return h.Sum(nil)
}

// checkToken validates an INITIAL token against the derived value for
// the source address, refusing replays through the LRU cache.
func (e *Endpoint) checkToken(token []byte, remote Address) bool {
	if !hmac.Equal(token, e.deriveToken(remote)) {
		return false
	}
	key := string(token)
	if _, seen := e.tokensSeen.Get(key); seen {
		return false
	}
	e.tokensSeen.Add(key, e.loop.Now())
	return true
}
