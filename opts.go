package wyvern

import (
	"errors"
	"fmt"
	"time"

	"github.com/gordian-engine/wyvern/wcred"
	"github.com/gordian-engine/wyvern/wdgram"
	"github.com/gordian-engine/wyvern/wquic"
)

// Aliases for the wire-facing types defined alongside the engine
// contract, so applications rarely need to import wquic directly.
type (
	Address   = wquic.Address
	Path      = wquic.Path
	Packet    = wquic.Packet
	Direction = wquic.Direction
)

// Direction filter values, re-exported for the same reason.
const (
	DirectionAny      = wquic.DirectionAny
	DirectionOutbound = wquic.DirectionOutbound
	DirectionInbound  = wquic.DirectionInbound
)

// MinStaticSecretLen is the minimum length of an application-supplied
// static secret.
const MinStaticSecretLen = 16

// generatedSecretLen is the size of the secret generated when the
// application does not supply one.
const generatedSecretLen = 32

// EndpointConfig is the configuration for [Network.NewEndpoint].
type EndpointConfig struct {
	// Engine is the QUIC protocol engine backing every connection on
	// this endpoint. Required.
	Engine wquic.Engine

	// Local address to bind. Under manual routing no socket is bound
	// and this address is only reported as the endpoint's local address.
	Local Address

	// Pre-shared secret of at least [MinStaticSecretLen] bytes,
	// used to derive address-validation tokens and the endpoint's
	// deterministic packet entropy. No stateless-reset tokens are
	// derived from it. If empty, 32 random bytes are generated at
	// construction.
	StaticSecret []byte

	// ManualRouter diverts outbound packets to an application sink
	// instead of an OS socket; inbound packets then arrive only via
	// [Endpoint.ManuallyReceivePacket]. Return [ErrSendBlocked] to
	// signal backpressure, and call [Endpoint.ManualWritable] once
	// writable again.
	ManualRouter func(p Path, data []byte) error
}

func (c EndpointConfig) validate() error {
	var errs error

	if c.Engine == nil {
		errs = errors.Join(errs, errors.New("EndpointConfig.Engine is required"))
	}

	if len(c.StaticSecret) > 0 && len(c.StaticSecret) < MinStaticSecretLen {
		errs = errors.Join(errs, fmt.Errorf(
			"static secret must be at least %d bytes (got %d)",
			MinStaticSecretLen, len(c.StaticSecret),
		))
	}

	if c.ManualRouter == nil && !c.Local.IsValid() {
		errs = errors.Join(errs, errors.New(
			"EndpointConfig.Local must be a valid address unless ManualRouter is set",
		))
	}

	return errs
}

// DatagramOptions enables unreliable datagrams on a connection.
type DatagramOptions struct {
	Split wdgram.Splitting

	// Total reassembly buffer slots, spread over four rows.
	// Zero means [wdgram.DefaultBufferSize]. Only meaningful with
	// SplitActive.
	BufferSize int
}

func (o DatagramOptions) bufferSize() int {
	if o.BufferSize == 0 {
		return wdgram.DefaultBufferSize
	}
	return o.BufferSize
}

func (o DatagramOptions) validate() error {
	if o.Split != wdgram.SplitNone && o.Split != wdgram.SplitActive {
		return fmt.Errorf("unknown splitting policy %d", o.Split)
	}
	return wdgram.ValidateBufferSize(o.bufferSize())
}

// Default transport parameters, applied when the corresponding
// option is zero.
const (
	DefaultMaxStreams  = 32
	DefaultIdleTimeout = 30 * time.Second
)

// ConnOptions configures one connection (outbound via
// [Endpoint.Connect]) or the inbound defaults (via
// [Endpoint.Listen]).
type ConnOptions struct {
	// Credentials presented during the handshake.
	// Required for Listen; for Connect, a throwaway Ed25519 identity
	// is generated when unset.
	Creds wcred.Credentials

	// ALPN identifiers advertised, in preference order.
	// Defaults to a single "default" entry, matching the peer's
	// default.
	ALPNs [][]byte

	// Initial allowance of peer-initiated bidirectional streams.
	// Zero means [DefaultMaxStreams].
	MaxStreams int64

	// Wall-clock limit from the initial packet to handshake
	// confirmation. Zero means no limit.
	HandshakeTimeout time.Duration

	// PING interval; zero disables keep-alives.
	KeepAlive time.Duration

	// Negotiated inactivity timeout; the lower of the two sides
	// wins. Zero means [DefaultIdleTimeout].
	IdleTimeout time.Duration

	// Datagrams enables unreliable datagrams when non-nil.
	Datagrams *DatagramOptions

	// OnEstablished fires exactly once when the handshake is
	// confirmed.
	OnEstablished func(*Connection)

	// OnClosed fires exactly once when the connection begins
	// draining or is destroyed.
	OnClosed func(*Connection, uint64)

	// OnStreamOpened admits a peer-initiated stream. Returning a
	// non-nil error shuts the stream down instead. A nil callback
	// accepts the stream.
	OnStreamOpened func(*Stream) error

	// OnStreamData is the default data callback for peer-initiated
	// streams that do not install their own.
	OnStreamData DataCallback

	// OnStreamClosed is the default close callback for
	// peer-initiated streams.
	OnStreamClosed CloseCallback

	// OnDatagram delivers reassembled datagrams.
	OnDatagram func(*Connection, []byte)
}

func (o ConnOptions) validate() error {
	var errs error

	if o.MaxStreams < 0 {
		errs = errors.Join(errs, fmt.Errorf(
			"max streams must be non-negative (got %d)", o.MaxStreams,
		))
	}
	for i, a := range o.ALPNs {
		if len(a) == 0 {
			errs = errors.Join(errs, fmt.Errorf("ALPN %d is empty", i))
		}
	}
	if o.Datagrams != nil {
		if err := o.Datagrams.validate(); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	if o.HandshakeTimeout < 0 || o.KeepAlive < 0 || o.IdleTimeout < 0 {
		errs = errors.Join(errs, errors.New("timeouts must be non-negative"))
	}

	return errs
}

// withDefaults resolves zero values, returning a copy.
func (o ConnOptions) withDefaults() ConnOptions {
	if o.MaxStreams == 0 {
		o.MaxStreams = DefaultMaxStreams
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if len(o.ALPNs) == 0 {
		o.ALPNs = [][]byte{[]byte("default")}
	}
	return o
}

func (o ConnOptions) transportParams() wquic.TransportParams {
	return wquic.TransportParams{
		MaxStreamsBidi:   o.MaxStreams,
		IdleTimeout:      o.IdleTimeout,
		HandshakeTimeout: o.HandshakeTimeout,
		KeepAlive:        o.KeepAlive,
		EnableDatagrams:  o.Datagrams != nil,
	}
}
