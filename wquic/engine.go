package wquic

import (
	"errors"
	"fmt"
	"time"

	"github.com/gordian-engine/wyvern/wcred"
)

// Write-path sentinel errors returned from [Conn.WriteStream].
// They correspond to the engine return codes the flush scheduler
// dispatches on.
var (
	// ErrWriteMore indicates the stream data was consumed into the
	// packet under construction, and the caller may continue packing
	// more stream frames into the same packet.
	ErrWriteMore = errors.New("stream data consumed; continue packing")

	// ErrStreamDataBlocked indicates the stream's flow control window
	// is exhausted; the stream should be dropped from the active list
	// for this flush.
	ErrStreamDataBlocked = errors.New("stream blocked on flow control")

	// ErrStreamShutWrite indicates the stream's write side has been
	// shut down.
	ErrStreamShutWrite = errors.New("stream write side shut down")

	// ErrClosing indicates the connection is closing and will not
	// emit further stream frames.
	ErrClosing = errors.New("connection is closing")

	// ErrStreamLimitReached is returned from [Conn.OpenBidiStream]
	// when the peer's bidirectional stream allowance is saturated.
	ErrStreamLimitReached = errors.New("peer stream limit reached")

	// ErrDatagramTooLarge is returned from [Conn.WriteDatagram] when
	// the payload exceeds the current per-packet maximum.
	ErrDatagramTooLarge = errors.New("datagram exceeds max size")

	// ErrUnsupportedVersion is returned from [Engine.ParseHeader]
	// when the packet's version is not supported; the endpoint
	// responds with a version negotiation packet.
	ErrUnsupportedVersion = errors.New("unsupported QUIC version")
)

// ConnError is how the engine reports that a connection must be torn
// down, either from [Conn.ReadPacket] or [Conn.HandleExpiry].
type ConnError struct {
	// Fatal connection errors (crypto failure, protocol violation)
	// are deleted without sending CONNECTION_CLOSE.
	// Non-fatal ones get a close packet and then drain.
	Fatal bool

	// Transport-level error code to place in CONNECTION_CLOSE.
	Code uint64

	// Draining means the peer already closed the connection;
	// no CONNECTION_CLOSE packet is sent back, the connection
	// just drains.
	Draining bool

	Reason string
}

func (e *ConnError) Error() string {
	kind := "graceful"
	if e.Fatal {
		kind = "fatal"
	}
	return fmt.Sprintf("%s connection error (code=0x%x): %s", kind, e.Code, e.Reason)
}

// Transport error codes surfaced in [ConnError.Code].
// The idle and handshake timeout codes suppress the CONNECTION_CLOSE
// packet on the close path.
const (
	CodeNoError          uint64 = 0x0
	CodeIdleTimeout      uint64 = 0xffff_0001
	CodeHandshakeTimeout uint64 = 0xffff_0002
	CodeProtocolError    uint64 = 0xa
)

// PacketType classifies a parsed header.
type PacketType int

const (
	PacketTypeInitial PacketType = iota
	PacketTypeHandshake
	PacketTypeShort
	PacketType0RTT
)

// Header is the portion of a packet header the endpoint needs for
// routing and admission decisions.
type Header struct {
	Type    PacketType
	Version uint32
	DCID    ConnectionID
	SCID    ConnectionID

	// Token carried by an INITIAL packet. Endpoints reject new
	// connections whose first packet carries an unexpected token.
	Token []byte
}

// TransportParams are the locally chosen parameters handed to the
// engine at connection construction.
type TransportParams struct {
	// Initial allowance of peer-initiated bidirectional streams.
	MaxStreamsBidi int64

	// Inactivity timeout to negotiate; the lower of the two sides
	// wins. Zero means the engine default.
	IdleTimeout time.Duration

	// Wall-clock limit from the first packet to handshake
	// confirmation. Zero means no limit.
	HandshakeTimeout time.Duration

	// PING interval, driven by the engine's expiry machinery.
	// Zero disables keep-alives.
	KeepAlive time.Duration

	// Whether DATAGRAM frames are negotiated.
	EnableDatagrams bool
}

// Callbacks are the engine-to-library callback slots.
// All of them are invoked on the loop goroutine.
// Slots left nil are ignored by the engine.
type Callbacks struct {
	// HandshakeComplete fires exactly once, when the handshake is
	// confirmed, with the negotiated ALPN.
	HandshakeComplete func(alpn string)

	// RecvStreamData delivers ordered stream bytes.
	// A non-nil return shuts the stream down with that error.
	RecvStreamData func(id int64, data []byte, fin bool) error

	// AckedStreamData reports that n more bytes at the front of the
	// stream's send buffer were acknowledged. Offsets are monotonic.
	AckedStreamData func(id int64, n int)

	// StreamOpen announces a peer-initiated stream.
	// A non-nil return shuts the stream down with an error code.
	StreamOpen func(id int64) error

	// StreamClose reports a fully closed stream and its application
	// error code.
	StreamClose func(id int64, code uint64)

	// StreamReset reports an abrupt peer reset.
	StreamReset func(id int64, code uint64)

	// ExtendMaxLocalStreamsBidi reports that avail more locally
	// initiated bidirectional streams may be opened.
	ExtendMaxLocalStreamsBidi func(avail int64)

	// RecvDatagram delivers one DATAGRAM frame payload.
	RecvDatagram func(data []byte)

	// ExtendMaxDatagram reports growth of the per-packet datagram
	// capacity (0 before transport params are exchanged).
	ExtendMaxDatagram func(max int)

	// Rand fills b with entropy. The endpoint derives this from its
	// static secret so packet-level randomness is reproducible under
	// test.
	Rand func(b []byte)

	// GetNewConnectionID asks the library for a fresh source CID of
	// at most maxLen bytes.
	GetNewConnectionID func(maxLen int) ConnectionID

	// KeyUpdate notes a completed key rotation. Informational.
	KeyUpdate func()

	// VersionNegotiation notes receipt of a version negotiation
	// packet. Informational; the engine handles the retry itself.
	VersionNegotiation func(versions []uint32)
}

// ConnConfig carries everything the engine needs to construct one
// connection.
type ConnConfig struct {
	Path Path

	// Source and destination connection ids. For client connections
	// DCID may be zero, in which case the engine invents the initial
	// destination id. For server connections both come from the
	// INITIAL packet header.
	SCID ConnectionID
	DCID ConnectionID

	// Local credentials presented during the handshake.
	Creds wcred.Credentials

	// ALPN identifiers offered (client) or accepted (server),
	// in preference order. Must be non-empty.
	ALPNs [][]byte

	Params TransportParams

	Callbacks Callbacks
}

// Engine is the per-process face of the QUIC protocol engine.
type Engine interface {
	// ParseHeader decodes the routing header of an inbound datagram.
	// It returns ErrUnsupportedVersion (possibly wrapped) when the
	// version requires negotiation, or another error for garbage
	// that should be dropped silently.
	ParseHeader(pkt []byte) (Header, error)

	// WriteVersionNegotiation writes a version negotiation packet
	// into buf, echoing the ids from the offending packet and
	// advertising the given versions.
	WriteVersionNegotiation(buf []byte, dcid, scid []byte, versions []uint32) (int, error)

	// SupportedVersions lists the versions ParseHeader accepts.
	SupportedVersions() []uint32

	NewClientConn(cfg ConnConfig) (Conn, error)
	NewServerConn(cfg ConnConfig) (Conn, error)
}

// Conn is one engine connection.
//
// All methods must be called on the loop goroutine.
type Conn interface {
	// ReadPacket feeds one inbound datagram to the engine.
	// A *ConnError return demands teardown per its Fatal flag;
	// any other error is logged and the packet dropped.
	ReadPacket(now time.Time, pkt Packet) error

	// WriteStream packs frames of the given stream into buf.
	//
	// data is the stream's pending tail; fin marks end of stream
	// after the last byte; more requests frame coalescing
	// (the WRITE_STREAM_MORE flag).
	//
	// Returns per the sentinel protocol: (0, c, ErrWriteMore) when
	// data was absorbed into the packet under construction;
	// (n, c, nil) with n > 0 for a completed packet; (0, 0, nil)
	// when congestion control refuses further bytes;
	// ErrStreamDataBlocked / ErrStreamShutWrite / ErrClosing to drop
	// the stream from the active list.
	//
	// id == -1 lets the engine emit ack/handshake-only packets.
	WriteStream(buf []byte, id int64, data [][]byte, fin, more bool, now time.Time) (n, consumed int, err error)

	// WriteDatagram packs one DATAGRAM frame carrying the
	// concatenation of data into a packet in buf.
	WriteDatagram(buf []byte, data [][]byte, now time.Time) (int, error)

	// WriteConnectionClose writes a CONNECTION_CLOSE packet.
	WriteConnectionClose(buf []byte, code uint64, reason string, now time.Time) (int, error)

	// UpdatePacketTxTime informs the engine's pacer of the wall
	// timestamp captured at the start of the flush that produced the
	// most recent batch.
	UpdatePacketTxTime(now time.Time)

	// Expiry is the engine's next timer deadline, or the zero time
	// if none is pending.
	Expiry() time.Time

	// HandleExpiry runs retransmission and timeout processing.
	// Errors follow the ReadPacket contract.
	HandleExpiry(now time.Time) error

	// OpenBidiStream allocates the next locally initiated
	// bidirectional stream id, or returns ErrStreamLimitReached.
	OpenBidiStream() (int64, error)

	// ShutdownStream abruptly terminates a stream in both
	// directions with the given application error code.
	ShutdownStream(id int64, code uint64)

	// ExtendStreamOffset grows the stream-level flow control window
	// by n bytes.
	ExtendStreamOffset(id int64, n int)

	// ExtendMaxStreamsBidi grows the peer's allowance of
	// bidirectional streams by n.
	ExtendMaxStreamsBidi(n int64)

	// MaxDatagramSize is the current largest DATAGRAM payload that
	// fits one packet. 0 until the handshake exchanges transport
	// parameters; may grow with PMTUD.
	MaxDatagramSize() int

	// SendQuantum is the congestion controller's suggested burst
	// size in bytes.
	SendQuantum() int

	// MaxUDPPayloadSize is the current outgoing UDP payload limit.
	MaxUDPPayloadSize() int

	// PTO is the current probe timeout estimate, used to schedule
	// drain expiry.
	PTO() time.Duration

	// HandshakeComplete reports whether the handshake confirmed.
	HandshakeComplete() bool

	// RemoteKey is the peer's Ed25519 public key, once the handshake
	// has presented credentials; nil before that.
	RemoteKey() []byte
}
